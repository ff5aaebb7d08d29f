// Package pidfile guards against a second supervisor instance and lets the
// CLI find and stop the running one.
//
// The file holds the pid on the first line and a JSON meta line with the
// process start time, so a pid reused by an unrelated process is not
// mistaken for the owner.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrAlreadyRunning is returned by Acquire when a live owner holds the file.
var ErrAlreadyRunning = errors.New("guardian is already running")

// ErrNotRunning is returned by StopOwner when no live owner exists.
var ErrNotRunning = errors.New("guardian is not running")

const (
	DefaultStopWait = 3 * time.Second
	pollInterval    = 100 * time.Millisecond
)

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// File is a pid file at Path.
type File struct {
	Path string
}

// New returns a File for path.
func New(path string) *File { return &File{Path: path} }

// Read returns the recorded pid and start time (0 when absent).
func (f *File) Read() (int, int64, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid in %s: %q", f.Path, lines[0])
	}
	var m meta
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m)
	}
	return pid, m.StartUnix, nil
}

// Owner returns the recorded pid and whether it is alive and still the same
// process. A missing file is not an error.
func (f *File) Owner() (int, bool, error) {
	pid, start, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, ownerAlive(pid, start), nil
}

func ownerAlive(pid int, start int64) bool {
	if !pidAlive(pid) {
		return false
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return false // pid reused
		}
	}
	return true
}

// Acquire records the current process. A live owner yields
// ErrAlreadyRunning; a stale or unreadable file is replaced.
func (f *File) Acquire() error {
	if pid, alive, err := f.Owner(); err == nil && alive && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d, pid file %s)", ErrAlreadyRunning, pid, f.Path)
	}
	return f.Write(os.Getpid())
}

// Write stores pid and its start time, replacing the file atomically.
func (f *File) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	mb, _ := json.Marshal(meta{StartUnix: procStartUnix(pid)})
	content := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the file. A missing file is fine.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Release removes the file only if it still names the current process.
func (f *File) Release() error {
	pid, _, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return f.Remove()
}

// StopOwner asks the recorded process to terminate, waits up to wait for it
// to exit, then kills it. The file is removed afterwards. It returns the pid
// it signalled; ErrNotRunning when nothing live owns the file (a stale file
// is removed in that case too).
func (f *File) StopOwner(wait time.Duration) (int, error) {
	pid, alive, err := f.Owner()
	if err != nil {
		return 0, err
	}
	if !alive {
		_ = f.Remove()
		return pid, ErrNotRunning
	}
	if wait <= 0 {
		wait = DefaultStopWait
	}
	if err := terminate(pid); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) && pidAlive(pid) {
		time.Sleep(pollInterval)
	}
	if pidAlive(pid) {
		if err := kill(pid); err != nil {
			return pid, fmt.Errorf("kill pid %d: %w", pid, err)
		}
	}
	return pid, f.Remove()
}
