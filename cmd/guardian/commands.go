package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/guardian/internal/config"
	"github.com/loykin/guardian/internal/deps"
	mng "github.com/loykin/guardian/internal/manager"
	"github.com/loykin/guardian/internal/pidfile"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/proctable"
	"github.com/loykin/guardian/pkg/client"
)

// upWaitCap bounds the initialization pause after spawning an unmanaged
// process in up.
const upWaitCap = 10 * time.Second

// apiClient is the part of pkg/client the CLI uses.
type apiClient interface {
	Reachable(ctx context.Context) bool
	Status(ctx context.Context) ([]client.ProcessStatus, error)
	Restart(ctx context.Context, name string) error
}

// command carries the collaborators of the sub-commands so tests can swap
// them.
type command struct {
	out       io.Writer
	scanner   proctable.Scanner
	kill      func(pid int) error
	newClient func(cfg *config.Config, timeout time.Duration) apiClient
	sleep     func(ctx context.Context, d time.Duration)
	follow    time.Duration // logs --follow poll interval
}

func newCommand(out io.Writer) *command {
	return &command{
		out:       out,
		scanner:   proctable.System,
		kill:      proctable.Kill,
		newClient: defaultClient,
		sleep:     sleepCtx,
		follow:    500 * time.Millisecond,
	}
}

func defaultClient(cfg *config.Config, timeout time.Duration) apiClient {
	return client.New(client.Config{
		BaseURL: apiBaseURL(cfg.API),
		Token:   cfg.API.Token,
		Timeout: timeout,
	})
}

// apiBaseURL derives the client URL from the listen address.
func apiBaseURL(a config.APIConfig) string {
	return "http://" + a.Listen + a.BasePath
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

// orderedSpecs returns the specs of cfg in dependency order.
func orderedSpecs(cfg *config.Config) ([]process.Spec, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}
	nodes := make([]deps.Node, len(specs))
	byName := make(map[string]process.Spec, len(specs))
	for i, s := range specs {
		nodes[i] = deps.Node{Name: s.Name, DependsOn: s.DependsOn}
		byName[s.Name] = s
	}
	order, err := deps.Resolve(nodes)
	if err != nil {
		return nil, err
	}
	out := make([]process.Spec, 0, len(order))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out, nil
}

// Up spawns every unmanaged process that is not already running, gives each
// a short initialization pause, then runs the supervisor.
func (c *command) Up(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	specs, err := orderedSpecs(cfg)
	if err != nil {
		return err
	}
	c.printf("=== Guardian Up ===\n")
	for _, s := range specs {
		if s.Managed {
			continue
		}
		if info, ok, err := proctable.FindFirst(ctx, c.scanner, s.Command, s.Args); err != nil {
			return err
		} else if ok {
			c.printf("  ✓ %s (already running, pid %d)\n", s.Name, info.PID)
			continue
		}
		c.printf("  → starting %s...\n", s.Name)
		pid, err := spawnDetached(s)
		if err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
		c.printf("  ✓ %s started (pid %d)\n", s.Name, pid)
		wait := min(s.Ready.Timeout, upWaitCap)
		c.printf("  … waiting %s for %s to initialize\n", wait, s.Name)
		c.sleep(ctx, wait)
	}
	c.printf("  → starting guardian supervisor...\n")
	return c.Start(ctx, path)
}

// spawnDetached starts s without keeping a handle on it.
func spawnDetached(s process.Spec) (int, error) {
	cmd := s.BuildCommand()
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// reap in the background so a short-lived child does not linger as a zombie
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Stop terminates the running supervisor through its PID file, then kills
// the first leftover match of each managed process. Unmanaged processes are
// left alone.
func (c *command) Stop(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.printf("Stopping guardian...\n")
	pid, err := pidfile.New(cfg.PidFilePath()).StopOwner(pidfile.DefaultStopWait)
	switch {
	case err == nil:
		c.printf("  ✓ supervisor (pid %d) stopped\n", pid)
	case errors.Is(err, pidfile.ErrNotRunning):
		c.printf("  - supervisor not running\n")
	default:
		return err
	}

	stopped := 0
	for _, p := range cfg.Processes {
		if p.Managed != nil && !*p.Managed {
			continue
		}
		info, ok, err := proctable.FindFirst(ctx, c.scanner, p.Command, p.Args)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := c.kill(info.PID); err != nil {
			c.printf("  ✗ %s (pid %d): %v\n", p.Name, info.PID, err)
			continue
		}
		stopped++
	}
	if stopped == 0 {
		c.printf("Guardian stopped. No additional managed processes found.\n")
	} else {
		c.printf("Guardian stopped. %d managed process(es) stopped.\n", stopped)
	}
	return nil
}

// Down runs Stop, then kills every process matching an unmanaged definition.
func (c *command) Down(ctx context.Context, path string) error {
	if err := c.Stop(ctx, path); err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	for _, p := range cfg.Processes {
		if p.Managed == nil || *p.Managed {
			continue
		}
		matches, err := proctable.Find(ctx, c.scanner, p.Command, p.Args)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			c.printf("  - %s (not running)\n", p.Name)
			continue
		}
		for _, m := range matches {
			if err := c.kill(m.PID); err != nil {
				c.printf("  ✗ %s (pid %d): %v\n", p.Name, m.PID, err)
			}
		}
		c.printf("  ✓ %s stopped\n", p.Name)
	}
	c.printf("All processes stopped.\n")
	return nil
}

// Restart goes through the running supervisor when its API answers;
// otherwise a local manager does the work.
func (c *command) Restart(ctx context.Context, path, name string, f RestartFlags) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if name != "" {
		if _, ok := cfg.Process(name); !ok {
			return fmt.Errorf("%w: %s", mng.ErrUnknownProcess, name)
		}
	}
	if cfg.API.Enabled {
		cl := c.newClient(cfg, f.APITimeout)
		if cl.Reachable(ctx) {
			if err := cl.Restart(ctx, name); err != nil {
				return err
			}
			c.printRestarted(name)
			return nil
		}
	}
	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	m, err := mng.New(specs, mng.Options{
		Grace:        cfg.Advanced.ShutdownGracePeriod,
		ExternalPoll: cfg.Advanced.ExternalPoll,
		Scanner:      c.scanner,
	})
	if err != nil {
		return err
	}
	if name != "" {
		c.printf("Restarting process '%s'...\n", name)
		if err := m.RestartProcess(ctx, name); err != nil {
			return err
		}
	} else {
		c.printf("Restarting all processes...\n")
		if err := m.StopAll(ctx); err != nil {
			return err
		}
		if err := m.StartAll(ctx, nil); err != nil {
			return err
		}
	}
	c.printRestarted(name)
	return nil
}

func (c *command) printRestarted(name string) {
	if name == "" {
		c.printf("All processes restarted.\n")
		return
	}
	c.printf("Process '%s' restarted.\n", name)
}

// Logs prints the last f.Tail lines of the process log (or the guardian log
// when name is empty) and optionally polls for appended output.
func (c *command) Logs(ctx context.Context, path, name string, f LogsFlags) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	var file string
	if name != "" {
		if _, ok := cfg.Process(name); !ok {
			return fmt.Errorf("%w: %s", mng.ErrUnknownProcess, name)
		}
		file = cfg.LogFile(name)
	} else {
		file = cfg.Logging.Output
	}
	if file == "" {
		c.printf("Guardian logs to stderr; set logging.output to keep a log file.\n")
		return nil
	}
	if !filepath.IsAbs(file) && cfg.Path() != "" {
		if _, err := os.Stat(file); err != nil {
			file = filepath.Join(filepath.Dir(cfg.Path()), file)
		}
	}
	return c.tailFile(ctx, file, f)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
