package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/guardian/internal/metrics"
	"github.com/loykin/guardian/internal/proctable"
)

// Options configures collaborators of a Process.
type Options struct {
	Scanner proctable.Scanner // used to discover unmanaged processes; defaults to proctable.System
	Logger  *slog.Logger
}

// Process tracks one configured process through its lifecycle.
//
// Lock order: opMu, then mu. opMu is held for the whole of a start, stop or
// restart so lifecycle operations on one process never interleave; mu guards
// the fields and is only held briefly.
type Process struct {
	opMu sync.Mutex

	mu           sync.Mutex
	spec         Spec
	state        State
	pid          int
	cmd          *exec.Cmd     // only for children we spawned
	waitDone     chan struct{} // closed once cmd has been reaped
	exited       bool
	startedAt    time.Time
	restarts     int
	restartTimes []time.Time
	lastExitCode *int

	scanner proctable.Scanner
	signals signaller
	log     *slog.Logger
	now     func() time.Time
}

// signaller delivers stop signals to a process group.
type signaller struct {
	term func(pid int) error
	kill func(pid int) error
}

// New returns a stopped Process for spec.
func New(spec Spec, opts Options) *Process {
	if opts.Scanner == nil {
		opts.Scanner = proctable.System
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Process{
		spec:    spec,
		state:   StateStopped,
		scanner: opts.Scanner,
		signals: signaller{term: terminateGroup, kill: killGroup},
		log:     opts.Logger.With("process", spec.Name),
		now:     time.Now,
	}
	metrics.SetCurrentState(spec.Name, StateStopped.String(), true)
	return p
}

func (p *Process) Name() string { return p.spec.Name }

// Spec returns the immutable definition.
func (p *Process) Spec() Spec { return p.spec }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the tracked pid, 0 when none.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// RestartCount returns the lifetime restart counter.
func (p *Process) RestartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

// RecordRestart bumps the restart counter and remembers when it happened.
func (p *Process) RecordRestart() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	p.restartTimes = append(p.restartTimes, p.now())
	metrics.IncRestart(p.spec.Name)
	return p.restarts
}

// RecentRestartCount counts restarts that happened within window of now.
func (p *Process) RecentRestartCount(window time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-window)
	n := 0
	for _, t := range p.restartTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// transition moves to state `to` and applies mutate under the same lock so
// observers never see a half-updated process. Illegal moves are rejected.
func (p *Process) transition(to State, mutate func()) error {
	p.mu.Lock()
	from := p.state
	if !CanTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("process %q: illegal transition %s -> %s", p.spec.Name, from, to)
	}
	p.state = to
	if mutate != nil {
		mutate()
	}
	p.mu.Unlock()

	p.log.Debug("state transition", "from", from.String(), "to", to.String())
	metrics.RecordStateTransition(p.spec.Name, from.String(), to.String())
	metrics.SetCurrentState(p.spec.Name, from.String(), false)
	metrics.SetCurrentState(p.spec.Name, to.String(), true)
	return nil
}

// Start spawns (managed) or discovers (unmanaged) the process. It is a no-op
// when the process is already running.
func (p *Process) Start(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.start(ctx)
}

func (p *Process) start(ctx context.Context) error {
	if p.State() == StateRunning {
		p.log.Info("process already running")
		return nil
	}
	if !p.spec.Managed {
		return p.discover(ctx)
	}
	if err := p.transition(StateStarting, nil); err != nil {
		return err
	}
	p.log.Info("starting process", "command", p.spec.Command, "args", p.spec.Args)

	cmd := p.spec.BuildCommand()
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdout = null
		cmd.Stderr = null
	}
	startErr := cmd.Start()
	if null != nil {
		_ = null.Close()
	}
	if startErr != nil {
		_ = p.transition(StateFailed, nil)
		p.log.Error("failed to start process", "error", startErr)
		return fmt.Errorf("start process %q: %w", p.spec.Name, startErr)
	}

	done := make(chan struct{})
	pid := cmd.Process.Pid
	_ = p.transition(StateRunning, func() {
		p.cmd = cmd
		p.pid = pid
		p.waitDone = done
		p.exited = false
		p.startedAt = p.now()
		p.lastExitCode = nil
	})
	go p.reap(cmd, done)

	metrics.IncStart(p.spec.Name)
	p.log.Info("process started", "pid", pid)
	return nil
}

// reap waits for the child and records its exit code. It never changes the
// state; the health checker notices the dead pid.
func (p *Process) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	if p.cmd == cmd {
		p.lastExitCode = &code
		p.exited = true
	}
	p.mu.Unlock()
	close(done)
	p.log.Debug("child reaped", "pid", cmd.Process.Pid, "exit_code", code, "error", err)
}

func (p *Process) discover(ctx context.Context) error {
	if err := p.transition(StateStarting, nil); err != nil {
		return err
	}
	p.log.Info("process is externally managed, discovering")
	info, found, err := proctable.FindFirst(ctx, p.scanner, p.spec.Command, p.spec.Args)
	if err != nil {
		_ = p.transition(StateStopped, func() { p.pid = 0 })
		return fmt.Errorf("discover process %q: %w", p.spec.Name, err)
	}
	if !found {
		_ = p.transition(StateStopped, func() { p.pid = 0 })
		p.log.Warn("external process not found running", "command", proctable.CommandToken(p.spec.Command))
		return nil
	}
	_ = p.transition(StateRunning, func() {
		p.pid = info.PID
		p.cmd = nil
		p.waitDone = nil
		p.exited = false
		p.startedAt = p.now()
	})
	metrics.IncStart(p.spec.Name)
	p.log.Info("discovered external process", "pid", info.PID)
	return nil
}

// Stop terminates the process. Managed children get SIGTERM on their process
// group, then SIGKILL once grace elapses. Unmanaged processes are only
// forgotten, never signalled. Stop always ends in the stopped state: a failed
// process is moved to stopped directly and a stopped one is left alone.
func (p *Process) Stop(grace time.Duration) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stop(grace)
}

func (p *Process) stop(grace time.Duration) error {
	switch p.State() {
	case StateStopped:
		p.log.Info("process already stopped")
		return nil
	case StateFailed:
		if err := p.transition(StateStopped, p.clear); err != nil {
			return err
		}
		p.log.Info("failed process marked stopped")
		return nil
	}

	if !p.spec.Managed {
		if err := p.transition(StateStopping, nil); err != nil {
			return err
		}
		p.log.Info("process is externally managed, clearing tracking state only")
		return p.transition(StateStopped, p.clear)
	}

	if err := p.transition(StateStopping, nil); err != nil {
		return err
	}
	p.mu.Lock()
	cmd, pid, done := p.cmd, p.pid, p.waitDone
	p.mu.Unlock()

	forced := false
	if cmd != nil && done != nil {
		select {
		case <-done:
			// Already reaped; the pid may belong to someone else by now.
			p.log.Info("process already exited", "pid", pid)
		default:
			forced = p.terminate(pid, grace, done)
		}
	}

	if err := p.transition(StateStopped, p.clear); err != nil {
		return err
	}
	metrics.IncStop(p.spec.Name, forced)
	p.log.Info("process stopped", "forced", forced)
	return nil
}

// terminate sends SIGTERM to the group and escalates to SIGKILL after grace.
// It reports whether the kill was needed.
func (p *Process) terminate(pid int, grace time.Duration, done <-chan struct{}) bool {
	p.log.Info("stopping process", "pid", pid, "grace", grace.String())
	if err := p.signals.term(pid); err != nil {
		p.log.Debug("terminate signal failed", "pid", pid, "error", err)
	}
	timer := time.NewTimer(grace)
	select {
	case <-done:
		timer.Stop()
		return false
	case <-timer.C:
		p.log.Warn("process did not stop within grace period, force killing", "pid", pid, "grace", grace.String())
		if err := p.signals.kill(pid); err != nil {
			p.log.Error("kill failed", "pid", pid, "error", err)
		}
		<-done
		return true
	}
}

func (p *Process) clear() {
	p.pid = 0
	p.cmd = nil
	p.waitDone = nil
	p.exited = false
}

// Restart stops the process, bumps the restart counter, waits the configured
// restart delay and starts it again, all under the operation lock. The counter
// is bumped even when the subsequent start fails.
func (p *Process) Restart(ctx context.Context, grace time.Duration) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.log.Info("restarting process")
	if err := p.stop(grace); err != nil {
		return err
	}
	p.RecordRestart()

	if d := p.spec.RestartDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.start(ctx)
}

// Status is a point-in-time view of a process.
type Status struct {
	Name         string    `json:"name" yaml:"name"`
	State        string    `json:"state" yaml:"state"`
	PID          int       `json:"pid" yaml:"pid"`
	Managed      bool      `json:"managed" yaml:"managed"`
	StartedAt    time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Uptime       string    `json:"uptime" yaml:"uptime"`
	Restarts     int       `json:"restarts" yaml:"restarts"`
	LastExitCode *int      `json:"last_exit_code,omitempty" yaml:"last_exit_code,omitempty"`
	// Exited is set when a spawned child has been reaped but the process
	// has not yet been moved out of running.
	Exited       bool      `json:"exited,omitempty" yaml:"exited,omitempty"`
}

// Snapshot returns the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Name:     p.spec.Name,
		State:    p.state.String(),
		PID:      p.pid,
		Managed:  p.spec.Managed,
		Restarts: p.restarts,
		Uptime:   "-",
		Exited:   p.exited,
	}
	if p.lastExitCode != nil {
		code := *p.lastExitCode
		st.LastExitCode = &code
	}
	if p.state == StateRunning || p.state == StateStopping {
		st.StartedAt = p.startedAt
		st.Uptime = FormatUptime(p.now().Sub(p.startedAt))
	}
	return st
}

// FormatUptime renders d as "1h 2m 3s", "2m 3s" or "3s".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
