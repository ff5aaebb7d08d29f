// Package supervisor runs the periodic health and recovery pass over every
// configured process, plus the housekeeping side tasks.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/guardian/internal/compression"
	"github.com/loykin/guardian/internal/health"
	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/logger"
	"github.com/loykin/guardian/internal/metrics"
	"github.com/loykin/guardian/internal/notify"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/recovery"
)

// Fleet is the process manager as seen by the loop.
type Fleet interface {
	Order() []string
	Spec(name string) (process.Spec, error)
	ProcessStatus(name string) (process.Status, error)
	RestartCount(name string) int
	RecentRestartCount(name string, window time.Duration) int
	RestartProcess(ctx context.Context, name string) error
	StopProcess(ctx context.Context, name string) error
	StopAll(ctx context.Context) error
}

type HealthChecker interface {
	Check(ctx context.Context, name string, pid int, spec process.HealthSpec) health.Result
}

type Rotator interface {
	RotateIfNeeded() (logger.RotationStats, error)
}

type Compressor interface {
	CheckAndCompress(ctx context.Context) (*compression.Result, error)
	History() compression.History
}

type Notifier interface {
	Notify(ctx context.Context, e history.Event) error
	Stats() notify.Stats
}

// Flag is the shared shutdown request.
type Flag interface {
	Requested() bool
}

type never struct{}

func (never) Requested() bool { return false }

const guardianName = "guardian"

// Config holds the loop timing.
type Config struct {
	Interval         time.Duration // pause between ticks
	StatsEvery       int           // log stats every N ticks; 0 disables
	RotationSchedule string        // cron expression; default "@hourly"
}

// Deps are the collaborators. Rotator and Compressor may be nil.
type Deps struct {
	Fleet      Fleet
	Health     HealthChecker
	Recovery   *recovery.Engine
	Rotator    Rotator
	Compressor Compressor
	Notifier   Notifier
	Flag       Flag
	Logger     *slog.Logger
}

// Supervisor is the main loop.
type Supervisor struct {
	cfg Config
	Deps
	rotation cron.Schedule
	nextRot  time.Time
	ticks    uint64
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
}

// New validates the rotation schedule and builds the loop.
func New(cfg Config, d Deps) (*Supervisor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RotationSchedule == "" {
		cfg.RotationSchedule = "@hourly"
	}
	sched, err := cron.ParseStandard(cfg.RotationSchedule)
	if err != nil {
		return nil, fmt.Errorf("rotation schedule %q: %w", cfg.RotationSchedule, err)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Flag == nil {
		d.Flag = never{}
	}
	d.Logger = d.Logger.With("component", "supervisor")
	s := &Supervisor{cfg: cfg, Deps: d, rotation: sched, now: time.Now, sleep: sleepCtx}
	s.nextRot = sched.Next(s.now())
	return s, nil
}

// Ticks returns the number of completed ticks.
func (s *Supervisor) Ticks() uint64 { return s.ticks }

// Run loops until the shutdown flag is set or ctx is done, then stops every
// process in reverse dependency order and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Logger.Info("supervisor loop started", "interval", s.cfg.Interval.String())
	s.notify(ctx, history.EventGuardianStartup, guardianName, history.SeverityInfo, "guardian supervisor started")

	for {
		if s.Flag.Requested() || ctx.Err() != nil {
			return s.shutdown()
		}
		s.Tick(ctx)
		s.sleep(ctx, s.cfg.Interval)
	}
}

func (s *Supervisor) shutdown() error {
	s.Logger.Info("supervisor shutting down")
	// processes must be stopped even when ctx was the reason to exit
	ctx := context.Background()
	err := s.Fleet.StopAll(ctx)
	if err != nil {
		s.Logger.Error("errors while stopping processes", "error", err)
	}

	st := s.Recovery.Stats()
	s.Logger.Info("final recovery stats", "total", st.Total, "successful", st.Successful, "failed", st.Failed)
	if s.Compressor != nil {
		if h := s.Compressor.History(); h.Total > 0 {
			s.Logger.Info("compression stats", "total", h.Total, "successful", h.Successful,
				"avg_ratio", fmt.Sprintf("%.1fx", h.AverageRatio))
		}
	}
	s.notify(ctx, history.EventGuardianShutdown, guardianName, history.SeverityInfo, "guardian supervisor stopped")
	return err
}

// Tick runs one health/recovery pass and the side tasks.
func (s *Supervisor) Tick(ctx context.Context) {
	s.ticks++
	metrics.IncTick()
	for _, name := range s.Fleet.Order() {
		s.checkProcess(ctx, name)
	}
	s.sideTasks(ctx)
}

func (s *Supervisor) restartCount(name string) int {
	if w := s.Recovery.RestartWindow(); w > 0 {
		return s.Fleet.RecentRestartCount(name, w)
	}
	return s.Fleet.RestartCount(name)
}

func (s *Supervisor) checkProcess(ctx context.Context, name string) {
	st, err := s.Fleet.ProcessStatus(name)
	if err != nil {
		s.Logger.Error("status unavailable", "process", name, "error", err)
		return
	}
	spec, err := s.Fleet.Spec(name)
	if err != nil {
		return
	}

	var verdict health.Result
	switch st.State {
	case process.StateFailed.String():
		if !spec.AutoRestart {
			return
		}
		s.Logger.Info("process is in failed state, attempting restart", "process", name)
		s.notify(ctx, history.EventProcessCrash, name, history.SeverityCritical,
			fmt.Sprintf("process %s crashed, attempting recovery", name))
		verdict = health.DeadResult(name, "process in failed state")
	case process.StateRunning.String():
		if st.Exited {
			s.Logger.Warn("process exited", "process", name, "exit_code", st.LastExitCode)
			s.notify(ctx, history.EventProcessCrash, name, history.SeverityCritical,
				fmt.Sprintf("process %s exited unexpectedly", name))
			verdict = health.DeadResult(name, "process exited")
			break
		}
		verdict = s.Health.Check(ctx, name, st.PID, spec.Health)
		if verdict.Status == health.Healthy && !verdict.Dead {
			return
		}
		s.Logger.Warn("process unhealthy", "process", name, "health", verdict.String())
		s.notify(ctx, history.EventHealthCheckFailed, name, history.SeverityWarning,
			"health check failed: "+verdict.String())
	default:
		return
	}

	action := s.Recovery.Evaluate(name, verdict, s.restartCount(name))
	if action.Kind == recovery.None {
		return
	}
	s.Logger.Info("recovery action", "process", name, "action", action.String())
	if err := s.Recovery.Execute(ctx, action, name, s.Fleet); err != nil {
		s.Logger.Error("recovery failed", "process", name, "error", err)
	}
}

func (s *Supervisor) sideTasks(ctx context.Context) {
	if s.Rotator != nil {
		if now := s.now(); !now.Before(s.nextRot) {
			s.nextRot = s.rotation.Next(now)
			st, err := s.Rotator.RotateIfNeeded()
			if err != nil {
				s.Logger.Error("log rotation failed", "error", err)
			}
			if st.FilesRotated > 0 {
				s.Logger.Info("log rotation", "rotated", st.FilesRotated, "checked", st.FilesChecked, "errors", st.Errors)
			}
		}
	}

	if s.Compressor != nil {
		res, err := s.Compressor.CheckAndCompress(ctx)
		if err != nil {
			s.Logger.Error("compression check failed", "error", err)
		}
		if res != nil {
			s.notify(ctx, history.EventCompressionComplete, guardianName, history.SeverityInfo,
				fmt.Sprintf("compressed %d files: %.1fx ratio (%d -> %d bytes)", res.FilesCompressed, res.Ratio, res.BytesBefore, res.BytesAfter))
		}
	}

	if n := s.cfg.StatsEvery; n > 0 && s.ticks%uint64(n) == 0 {
		if st := s.Recovery.Stats(); st.Total > 0 {
			s.Logger.Info("recovery stats", "total", st.Total, "ok", st.Successful, "failed", st.Failed, "scenarios", st.ByScenario)
		}
		if s.Notifier != nil {
			if ns := s.Notifier.Stats(); ns.Sent > 0 {
				s.Logger.Info("notification stats", "sent", ns.Sent, "failed", ns.Failed, "suppressed", ns.Suppressed)
			}
		}
	}
}

func (s *Supervisor) notify(ctx context.Context, t history.EventType, name string, sev history.Severity, msg string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, history.NewEvent(t, name, sev, msg)); err != nil {
		s.Logger.Warn("notification failed", "type", t, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
