// Package notify fans supervisor events out to the configured sinks with a
// severity floor and a per-event cooldown.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/guardian/internal/history"
	"github.com/loykin/guardian/internal/metrics"
)

// Config controls filtering.
type Config struct {
	Enabled     bool
	MinSeverity history.Severity
	// Cooldown suppresses repeats of the same (type, process) pair. Critical
	// events are never suppressed.
	Cooldown time.Duration
	Timeout  time.Duration // per-sink send timeout
}

// Stats are cumulative counters.
type Stats struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}

type key struct {
	t       history.EventType
	process string
}

// Manager delivers events. A nil *Manager is a valid no-op notifier.
type Manager struct {
	cfg   Config
	sinks []history.Sink
	log   *slog.Logger

	mu    sync.Mutex
	last  map[key]time.Time
	stats Stats
	now   func() time.Time
}

// New returns a Manager delivering to sinks.
func New(cfg Config, log *slog.Logger, sinks ...history.Sink) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Manager{
		cfg:   cfg,
		sinks: append([]history.Sink(nil), sinks...),
		log:   log,
		last:  make(map[key]time.Time),
		now:   time.Now,
	}
}

// Notify delivers e to every sink unless it is filtered. Sink errors are
// joined; a failing sink does not stop delivery to the others.
func (m *Manager) Notify(ctx context.Context, e history.Event) error {
	if m == nil || !m.cfg.Enabled || len(m.sinks) == 0 {
		return nil
	}
	if e.ID == "" {
		e = history.NewEvent(e.Type, e.Process, e.Severity, e.Message)
	}
	if e.Severity.Rank() < m.cfg.MinSeverity.Rank() {
		return nil
	}
	if !m.admit(e) {
		m.mu.Lock()
		m.stats.Suppressed++
		m.mu.Unlock()
		metrics.RecordNotification(string(e.Type), "suppressed")
		m.log.Debug("notification suppressed by cooldown", "type", e.Type, "process", e.Process)
		return nil
	}

	var errs []error
	for _, s := range m.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := s.Send(sctx, e)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}

	m.mu.Lock()
	if len(errs) > 0 {
		m.stats.Failed++
	} else {
		m.stats.Sent++
	}
	m.mu.Unlock()
	if len(errs) > 0 {
		metrics.RecordNotification(string(e.Type), "failed")
		return errors.Join(errs...)
	}
	metrics.RecordNotification(string(e.Type), "sent")
	return nil
}

func (m *Manager) admit(e history.Event) bool {
	if m.cfg.Cooldown <= 0 || e.Severity == history.SeverityCritical {
		return true
	}
	k := key{t: e.Type, process: e.Process}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.last[k]; ok && now.Sub(last) < m.cfg.Cooldown {
		return false
	}
	m.last[k] = now
	return true
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close closes every sink that supports it.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
