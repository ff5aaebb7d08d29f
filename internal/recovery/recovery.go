// Package recovery decides and performs corrective actions for unhealthy
// processes.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/guardian/internal/health"
	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/metrics"
)

// Kind is the closed set of recovery actions.
type Kind int

const (
	None Kind = iota
	Restart
	RestartWithBackoff
	Escalate
)

func (k Kind) String() string {
	switch k {
	case Restart:
		return "restart"
	case RestartWithBackoff:
		return "restart_with_backoff"
	case Escalate:
		return "escalate"
	default:
		return "none"
	}
}

// Scenario labels used for per-scenario statistics.
const (
	ScenarioCrash        = "crash"
	ScenarioUnresponsive = "unresponsive"
	ScenarioDegraded     = "degraded"
	ScenarioRestartLimit = "restart_limit"
)

// Action is the outcome of Evaluate.
type Action struct {
	Kind     Kind
	Delay    time.Duration
	Scenario string
	Reason   string
}

func (a Action) String() string {
	if a.Kind == RestartWithBackoff {
		return fmt.Sprintf("%s(%s)", a.Kind, a.Delay)
	}
	return a.Kind.String()
}

// Config holds the thresholds.
type Config struct {
	MaxRestarts int
	Backoff     Backoff
	// RestartWindow, when > 0, tells callers to feed Evaluate the number of
	// restarts inside the window instead of the lifetime count.
	RestartWindow time.Duration
	// PerProcessMax overrides MaxRestarts for individual processes.
	PerProcessMax map[string]int
}

// Target is what Execute drives.
type Target interface {
	RestartProcess(ctx context.Context, name string) error
	StopProcess(ctx context.Context, name string) error
}

// Notifier receives recovery events.
type Notifier interface {
	Notify(ctx context.Context, e history.Event) error
}

// Stats are the aggregate counters.
type Stats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	ByScenario map[string]int `json:"by_scenario"`
}

// Engine evaluates health verdicts and executes the chosen action.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	notify Notifier

	mu    sync.Mutex
	stats Stats
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine builds an engine. notifier may be nil.
func NewEngine(cfg Config, notifier Notifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		log:    log,
		notify: notifier,
		stats:  Stats{ByScenario: map[string]int{}},
		sleep:  sleepCtx,
	}
}

// RestartWindow reports the configured window.
func (e *Engine) RestartWindow() time.Duration { return e.cfg.RestartWindow }

func (e *Engine) maxFor(name string) int {
	if v, ok := e.cfg.PerProcessMax[name]; ok && v > 0 {
		return v
	}
	return e.cfg.MaxRestarts
}

// Evaluate maps a health verdict and the restart count so far to an action.
// It does not touch any state.
func (e *Engine) Evaluate(name string, r health.Result, restartCount int) Action {
	if r.Status == health.Healthy && !r.Dead {
		return Action{Kind: None}
	}
	if limit := e.maxFor(name); restartCount >= limit {
		return Action{
			Kind:     Escalate,
			Scenario: ScenarioRestartLimit,
			Reason:   fmt.Sprintf("restart limit reached (%d/%d): %s", restartCount, limit, r.Reason),
		}
	}
	switch {
	case r.Dead:
		if restartCount == 0 {
			return Action{Kind: Restart, Scenario: ScenarioCrash, Reason: r.Reason}
		}
		return Action{Kind: RestartWithBackoff, Delay: e.cfg.Backoff.Delay(restartCount), Scenario: ScenarioCrash, Reason: r.Reason}
	case r.Status == health.Unhealthy:
		return Action{Kind: RestartWithBackoff, Delay: e.cfg.Backoff.Delay(max(restartCount, 1)), Scenario: ScenarioUnresponsive, Reason: r.Reason}
	default:
		return Action{Kind: RestartWithBackoff, Delay: e.cfg.Backoff.Delay(restartCount + 1), Scenario: ScenarioDegraded, Reason: r.Reason}
	}
}

// Execute performs a. The returned error is for logging; callers keep going.
func (e *Engine) Execute(ctx context.Context, a Action, name string, t Target) error {
	if a.Kind == None {
		return nil
	}
	log := e.log.With("process", name, "action", a.String(), "scenario", a.Scenario)

	var err error
	switch a.Kind {
	case Restart, RestartWithBackoff:
		if a.Delay > 0 {
			log.Info("waiting before restart", "delay", a.Delay)
			if err = e.sleep(ctx, a.Delay); err != nil {
				break
			}
		}
		err = t.RestartProcess(ctx, name)
	case Escalate:
		log.Error("recovery escalated, stopping process", "reason", a.Reason)
		err = t.StopProcess(ctx, name)
	}

	e.record(a.Scenario, err == nil)
	metrics.RecordRecoveryAction(name, a.Scenario, err == nil)
	if err != nil {
		log.Warn("recovery action failed", "err", err)
	} else {
		log.Info("recovery action completed")
	}
	e.emit(ctx, name, a, err)
	if err != nil {
		return fmt.Errorf("recovery %s for %s: %w", a.Kind, name, err)
	}
	return nil
}

func (e *Engine) record(scenario string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Total++
	if ok {
		e.stats.Successful++
	} else {
		e.stats.Failed++
	}
	e.stats.ByScenario[scenario]++
}

func (e *Engine) emit(ctx context.Context, name string, a Action, execErr error) {
	if e.notify == nil {
		return
	}
	var ev history.Event
	if a.Kind == Escalate {
		ev = history.NewEvent(history.EventRecoveryEscalated, name, history.SeverityCritical, a.Reason)
	} else {
		sev := history.SeverityWarning
		msg := fmt.Sprintf("%s (%s): %s", a, a.Scenario, a.Reason)
		if execErr != nil {
			sev = history.SeverityCritical
			msg += ": " + execErr.Error()
		}
		ev = history.NewEvent(history.EventRecoveryAction, name, sev, msg)
	}
	if err := e.notify.Notify(ctx, ev); err != nil {
		e.log.Warn("notification failed", "type", ev.Type, "err", err)
	}
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.stats
	out.ByScenario = make(map[string]int, len(e.stats.ByScenario))
	for k, v := range e.stats.ByScenario {
		out.ByScenario[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
