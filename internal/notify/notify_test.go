package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardian/internal/history"
)

type memSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
	closed bool
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) Close() error { s.closed = true; return nil }

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNotifyFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	m := New(Config{Enabled: true}, nil, a, b)
	require.NoError(t, m.Notify(context.Background(), history.NewEvent(history.EventProcessStart, "api", history.SeverityInfo, "up")))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, Stats{Sent: 1}, m.Stats())
}

func TestNotifyDisabled(t *testing.T) {
	a := &memSink{}
	m := New(Config{Enabled: false}, nil, a)
	require.NoError(t, m.Notify(context.Background(), history.NewEvent(history.EventProcessStart, "api", history.SeverityCritical, "")))
	assert.Equal(t, 0, a.count())
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	assert.NoError(t, m.Notify(context.Background(), history.Event{}))
	assert.Equal(t, Stats{}, m.Stats())
	assert.NoError(t, m.Close())
}

func TestMinSeverity(t *testing.T) {
	a := &memSink{}
	m := New(Config{Enabled: true, MinSeverity: history.SeverityWarning}, nil, a)
	ctx := context.Background()
	require.NoError(t, m.Notify(ctx, history.NewEvent(history.EventProcessStart, "api", history.SeverityInfo, "")))
	require.NoError(t, m.Notify(ctx, history.NewEvent(history.EventHealthCheckFailed, "api", history.SeverityWarning, "")))
	assert.Equal(t, 1, a.count())
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	a := &memSink{}
	m := New(Config{Enabled: true, Cooldown: time.Minute}, nil, a)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	warn := func(proc string) history.Event {
		return history.NewEvent(history.EventHealthCheckFailed, proc, history.SeverityWarning, "stale")
	}
	require.NoError(t, m.Notify(ctx, warn("api")))
	require.NoError(t, m.Notify(ctx, warn("api")))
	require.NoError(t, m.Notify(ctx, warn("worker")))
	assert.Equal(t, 2, a.count())

	// critical bypasses the cooldown
	require.NoError(t, m.Notify(ctx, history.NewEvent(history.EventHealthCheckFailed, "api", history.SeverityCritical, "")))
	require.NoError(t, m.Notify(ctx, history.NewEvent(history.EventHealthCheckFailed, "api", history.SeverityCritical, "")))
	assert.Equal(t, 4, a.count())

	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Notify(ctx, warn("api")))
	assert.Equal(t, 5, a.count())
	assert.Equal(t, 1, m.Stats().Suppressed)
}

func TestFailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &memSink{err: errors.New("down")}
	good := &memSink{}
	m := New(Config{Enabled: true}, nil, bad, good)
	err := m.Notify(context.Background(), history.NewEvent(history.EventProcessCrash, "api", history.SeverityCritical, ""))
	require.Error(t, err)
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, m.Stats().Failed)
}

func TestNotifyStampsMissingID(t *testing.T) {
	a := &memSink{}
	m := New(Config{Enabled: true}, nil, a)
	require.NoError(t, m.Notify(context.Background(), history.Event{Type: history.EventProcessStop, Process: "api", Severity: history.SeverityInfo}))
	require.Equal(t, 1, a.count())
	assert.NotEmpty(t, a.events[0].ID)
	assert.False(t, a.events[0].OccurredAt.IsZero())
}

func TestCloseClosesSinks(t *testing.T) {
	a := &memSink{}
	m := New(Config{Enabled: true}, nil, a)
	require.NoError(t, m.Close())
	assert.True(t, a.closed)
}
