// Package manager owns every supervised process and sequences their start
// and stop along the dependency order.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/guardian/internal/deps"
	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/proctable"
	"github.com/loykin/guardian/internal/readiness"
)

// ErrUnknownProcess is returned for names not in the configuration.
var ErrUnknownProcess = errors.New("unknown process")

const (
	DefaultGrace        = 10 * time.Second
	DefaultExternalPoll = 5 * time.Second
)

// Flag is the cooperative shutdown signal checked between steps of StartAll.
type Flag interface {
	Requested() bool
}

// Notifier receives lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, e history.Event) error
}

// Waiter blocks until a started process is ready.
type Waiter interface {
	Wait(ctx context.Context, spec process.Spec) error
}

// Options configures a Manager. Zero values pick defaults.
type Options struct {
	Grace        time.Duration // default stop grace period
	ExternalPoll time.Duration // poll interval while waiting for an unmanaged process
	Ready        Waiter
	Scanner      proctable.Scanner
	Notifier     Notifier
	Logger       *slog.Logger
}

// Manager holds one process.Process per configured name. The map is built
// once in New and only read afterwards; each process serializes its own
// lifecycle operations.
type Manager struct {
	order []string
	procs map[string]*process.Process

	grace        time.Duration
	externalPoll time.Duration
	ready        Waiter
	notifier     Notifier
	log          *slog.Logger

	// stop is StopProcess; replaced in tests.
	stop func(ctx context.Context, name string) error
}

// New resolves the dependency order of specs and builds the processes. A
// cycle, an unknown dependency or a duplicate name is returned as-is so
// callers can inspect it with errors.As.
func New(specs []process.Spec, opts Options) (*Manager, error) {
	nodes := make([]deps.Node, 0, len(specs))
	for _, s := range specs {
		nodes = append(nodes, deps.Node{Name: s.Name, DependsOn: s.DependsOn})
	}
	order, err := deps.Resolve(nodes)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.ExternalPoll <= 0 {
		opts.ExternalPoll = DefaultExternalPoll
	}
	if opts.Ready == nil {
		opts.Ready = &readiness.Prober{Logger: opts.Logger}
	}

	m := &Manager{
		order:        order,
		procs:        make(map[string]*process.Process, len(specs)),
		grace:        opts.Grace,
		externalPoll: opts.ExternalPoll,
		ready:        opts.Ready,
		notifier:     opts.Notifier,
		log:          opts.Logger,
	}
	for _, s := range specs {
		m.procs[s.Name] = process.New(s, process.Options{Scanner: opts.Scanner, Logger: opts.Logger})
	}
	m.stop = m.StopProcess
	m.log.Info("process manager initialized", "processes", len(specs), "order", order)
	return m, nil
}

func (m *Manager) get(name string) (*process.Process, error) {
	p, ok := m.procs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return p, nil
}

// Order returns the dependency order (dependencies first).
func (m *Manager) Order() []string {
	return append([]string(nil), m.order...)
}

// Spec returns the definition of name.
func (m *Manager) Spec(name string) (process.Spec, error) {
	p, err := m.get(name)
	if err != nil {
		return process.Spec{}, err
	}
	return p.Spec(), nil
}

// StartProcess starts one process. Already running is a no-op.
func (m *Manager) StartProcess(ctx context.Context, name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	wasRunning := p.State() == process.StateRunning
	if err := p.Start(ctx); err != nil {
		m.emit(ctx, history.EventProcessCrash, name, history.SeverityCritical, fmt.Sprintf("failed to start: %v", err), 0)
		return err
	}
	if !wasRunning && p.State() == process.StateRunning {
		m.emit(ctx, history.EventProcessStart, name, history.SeverityInfo, "process started", p.PID())
	}
	return nil
}

// StopProcess stops one process using the default grace period.
func (m *Manager) StopProcess(ctx context.Context, name string) error {
	return m.StopProcessWithGrace(ctx, name, 0)
}

// StopProcessWithGrace stops one process. grace <= 0 uses the default.
func (m *Manager) StopProcessWithGrace(ctx context.Context, name string, grace time.Duration) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = m.grace
	}
	pid := p.PID()
	wasActive := p.State() != process.StateStopped
	if err := p.Stop(grace); err != nil {
		return err
	}
	if wasActive {
		m.emit(ctx, history.EventProcessStop, name, history.SeverityInfo, "process stopped", pid)
	}
	return nil
}

// RestartProcess stops, counts and starts the process again.
func (m *Manager) RestartProcess(ctx context.Context, name string) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}
	if err := p.Restart(ctx, m.grace); err != nil {
		m.emit(ctx, history.EventProcessCrash, name, history.SeverityCritical, fmt.Sprintf("restart failed: %v", err), 0)
		return err
	}
	m.emit(ctx, history.EventProcessStart, name, history.SeverityInfo,
		fmt.Sprintf("process restarted (restart #%d)", p.RestartCount()), p.PID())
	return nil
}

// StartAll brings every process up in dependency order. Managed processes
// are spawned and then probed for readiness; any failure aborts the rest of
// the sequence. Unmanaged processes are waited for, and a timeout there is
// only a warning. The flag is checked before each process.
func (m *Manager) StartAll(ctx context.Context, flag Flag) error {
	m.log.Info("starting all processes", "order", m.order)
	for _, name := range m.order {
		if flag != nil && flag.Requested() {
			m.log.Warn("shutdown requested, aborting startup sequence", "next", name)
			return nil
		}
		p := m.procs[name]
		spec := p.Spec()
		if !spec.Managed {
			if err := m.waitForExternal(ctx, p, flag); err != nil {
				return err
			}
			continue
		}
		if err := m.StartProcess(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		if err := m.ready.Wait(ctx, spec); err != nil {
			return fmt.Errorf("readiness of %s: %w", name, err)
		}
	}
	m.log.Info("all processes started")
	return nil
}

// waitForExternal polls discovery until the unmanaged process shows up or
// its readiness timeout passes.
func (m *Manager) waitForExternal(ctx context.Context, p *process.Process, flag Flag) error {
	spec := p.Spec()
	deadline := time.Now().Add(spec.Ready.Timeout)
	log := m.log.With("process", spec.Name)
	log.Info("waiting for external process", "timeout", spec.Ready.Timeout.String())
	for {
		if err := m.StartProcess(ctx, spec.Name); err != nil {
			log.Warn("discovery failed", "error", err)
		}
		if p.State() == process.StateRunning {
			return nil
		}
		if !time.Now().Before(deadline) {
			log.Warn("external process did not appear within timeout, continuing")
			return nil
		}
		if flag != nil && flag.Requested() {
			return nil
		}
		wait := m.externalPoll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// StopAll stops every process in reverse dependency order. A failure is
// logged and the sequence continues; all failures are returned joined.
func (m *Manager) StopAll(ctx context.Context) error {
	order := deps.Reverse(m.order)
	m.log.Info("stopping all processes", "order", order)
	var errs []error
	for _, name := range order {
		if err := m.stop(ctx, name); err != nil {
			m.log.Error("failed to stop process", "process", name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	m.log.Info("all processes stopped")
	return errors.Join(errs...)
}

// IsRunning reports whether name is in the running state.
func (m *Manager) IsRunning(name string) bool {
	p, err := m.get(name)
	if err != nil {
		return false
	}
	return p.State() == process.StateRunning
}

// ProcessStatus returns the snapshot of one process.
func (m *Manager) ProcessStatus(name string) (process.Status, error) {
	p, err := m.get(name)
	if err != nil {
		return process.Status{}, err
	}
	return p.Snapshot(), nil
}

// Status returns all snapshots sorted by name.
func (m *Manager) Status() []process.Status {
	out := make([]process.Status, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RestartCount returns the lifetime restart count of name.
func (m *Manager) RestartCount(name string) int {
	p, err := m.get(name)
	if err != nil {
		return 0
	}
	return p.RestartCount()
}

// RecentRestartCount returns the number of restarts of name within window.
func (m *Manager) RecentRestartCount(name string, window time.Duration) int {
	p, err := m.get(name)
	if err != nil {
		return 0
	}
	return p.RecentRestartCount(window)
}

func (m *Manager) emit(ctx context.Context, t history.EventType, name string, sev history.Severity, msg string, pid int) {
	if m.notifier == nil {
		return
	}
	e := history.NewEvent(t, name, sev, msg)
	e.PID = pid
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.log.Warn("notification failed", "type", t, "process", name, "error", err)
	}
}
