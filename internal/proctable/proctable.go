// Package proctable inspects the OS process table and matches entries
// against configured process definitions.
package proctable

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info is a snapshot of one OS process.
type Info struct {
	PID     int
	Name    string
	Exe     string
	Cmdline []string
}

// Scanner lists processes currently known to the OS.
type Scanner interface {
	Scan(ctx context.Context) ([]Info, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context) ([]Info, error)

func (f ScannerFunc) Scan(ctx context.Context) ([]Info, error) { return f(ctx) }

// System is the Scanner backed by the live process table.
var System Scanner = ScannerFunc(scanSystem)

func scanSystem(ctx context.Context) ([]Info, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		// processes may vanish mid-scan; partial data is fine
		name, _ := p.NameWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		args, _ := p.CmdlineSliceWithContext(ctx)
		out = append(out, Info{PID: int(p.Pid), Name: name, Exe: exe, Cmdline: args})
	}
	return out, nil
}

// CommandToken returns the basename of a configured command, the string
// matched against the process table.
func CommandToken(command string) string {
	if command == "" {
		return ""
	}
	return filepath.Base(command)
}

// Matches reports whether info looks like an instance of the process whose
// command basename is token and whose configured arguments are expectedArgs.
//
// The token matches case-insensitively as a substring of the process name,
// the executable basename, or any argument basename. Failing that, the process
// matches when every expected argument basename equals some argument basename.
// Substring matching is loose: "openclaw" also matches "my-openclawtool".
func Matches(info Info, token string, expectedArgs []string) bool {
	lower := strings.ToLower(token)
	if lower != "" {
		if strings.Contains(strings.ToLower(info.Name), lower) {
			return true
		}
		if info.Exe != "" && strings.Contains(strings.ToLower(filepath.Base(info.Exe)), lower) {
			return true
		}
		for _, a := range info.Cmdline {
			if strings.Contains(strings.ToLower(filepath.Base(a)), lower) {
				return true
			}
		}
	}
	if len(expectedArgs) == 0 {
		return false
	}
	for _, want := range expectedArgs {
		want = filepath.Base(want)
		found := false
		for _, a := range info.Cmdline {
			if filepath.Base(a) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Find returns every process matching the command and args, excluding the
// calling process itself. Results are ordered by PID.
func Find(ctx context.Context, s Scanner, command string, args []string) ([]Info, error) {
	all, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	token := CommandToken(command)
	self := os.Getpid()
	var out []Info
	for _, info := range all {
		if info.PID == self || info.PID <= 0 {
			continue
		}
		if Matches(info, token, args) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// FindFirst returns the lowest-PID match, if any.
func FindFirst(ctx context.Context, s Scanner, command string, args []string) (Info, bool, error) {
	found, err := Find(ctx, s, command, args)
	if err != nil || len(found) == 0 {
		return Info{}, false, err
	}
	return found[0], true, nil
}
