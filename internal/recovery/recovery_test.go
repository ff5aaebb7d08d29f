package recovery

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardian/internal/health"
	"github.com/loykin/guardian/internal/history"
)

type fakeTarget struct {
	mu         sync.Mutex
	restarts   []string
	stops      []string
	restartErr error
}

func (f *fakeTarget) RestartProcess(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	return f.restartErr
}

func (f *fakeTarget) StopProcess(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	return nil
}

type fakeNotifier struct {
	events []history.Event
}

func (n *fakeNotifier) Notify(_ context.Context, e history.Event) error {
	n.events = append(n.events, e)
	return nil
}

func testConfig() Config {
	return Config{
		MaxRestarts: 3,
		Backoff:     Backoff{Policy: PolicyExponential, Base: time.Second, Max: 10 * time.Second},
	}
}

func TestEvaluateHealthy(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	a := e.Evaluate("api", health.Result{Status: health.Healthy}, 0)
	assert.Equal(t, None, a.Kind)
}

func TestEvaluateDeadFirstRestartIsImmediate(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	a := e.Evaluate("api", health.DeadResult("api", "gone"), 0)
	assert.Equal(t, Restart, a.Kind)
	assert.Equal(t, ScenarioCrash, a.Scenario)

	a = e.Evaluate("api", health.DeadResult("api", "gone"), 2)
	assert.Equal(t, RestartWithBackoff, a.Kind)
	assert.Equal(t, 2*time.Second, a.Delay)
}

func TestEvaluateUnhealthyAndDegraded(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	a := e.Evaluate("api", health.Result{Status: health.Unhealthy, Reason: "port closed"}, 0)
	assert.Equal(t, RestartWithBackoff, a.Kind)
	assert.Equal(t, ScenarioUnresponsive, a.Scenario)
	assert.Equal(t, time.Second, a.Delay)

	a = e.Evaluate("api", health.Result{Status: health.Degraded, Reason: "stale log"}, 1)
	assert.Equal(t, RestartWithBackoff, a.Kind)
	assert.Equal(t, ScenarioDegraded, a.Scenario)
	assert.Equal(t, 2*time.Second, a.Delay)
}

func TestEvaluateCapsRestarts(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	for _, r := range []health.Result{
		health.DeadResult("api", "gone"),
		{Status: health.Unhealthy},
		{Status: health.Degraded},
	} {
		for _, n := range []int{3, 4, 100} {
			a := e.Evaluate("api", r, n)
			assert.Equal(t, Escalate, a.Kind, "count %d", n)
			assert.Equal(t, ScenarioRestartLimit, a.Scenario)
		}
	}
}

func TestEvaluatePerProcessOverride(t *testing.T) {
	cfg := testConfig()
	cfg.PerProcessMax = map[string]int{"flaky": 10}
	e := NewEngine(cfg, nil, nil)
	assert.Equal(t, RestartWithBackoff, e.Evaluate("flaky", health.Result{Status: health.Unhealthy}, 5).Kind)
	assert.Equal(t, Escalate, e.Evaluate("api", health.Result{Status: health.Unhealthy}, 5).Kind)
}

func TestBackoffNonDecreasing(t *testing.T) {
	for _, p := range []Policy{PolicyFixed, PolicyLinear, PolicyExponential} {
		b := Backoff{Policy: p, Base: 500 * time.Millisecond, Max: 30 * time.Second}
		prev := time.Duration(0)
		for n := 1; n <= 20; n++ {
			d := b.Delay(n)
			require.GreaterOrEqual(t, d, prev, "policy %s n=%d", p, n)
			require.LessOrEqual(t, d, b.Max)
			prev = d
		}
	}
}

func TestBackoffCurves(t *testing.T) {
	base := time.Second
	assert.Equal(t, base, Backoff{Policy: PolicyFixed, Base: base}.Delay(5))
	assert.Equal(t, 5*base, Backoff{Policy: PolicyLinear, Base: base}.Delay(5))
	assert.Equal(t, 16*base, Backoff{Policy: PolicyExponential, Base: base}.Delay(5))
	assert.Equal(t, 3*base, Backoff{Policy: PolicyExponential, Base: base, Max: 3 * base}.Delay(5))
	assert.Equal(t, time.Duration(0), Backoff{Policy: PolicyLinear}.Delay(3))
	assert.Equal(t, 9*base, Backoff{Policy: PolicyExponential, Base: base, Multiplier: 3}.Delay(3))
}

func TestBackoffLargeRestartCountStaysCapped(t *testing.T) {
	for _, p := range []Policy{PolicyLinear, PolicyExponential} {
		b := Backoff{Policy: p, Base: time.Second, Max: 30 * time.Second}
		prev := time.Duration(0)
		for n := 1; n <= 1000; n++ {
			d := b.Delay(n)
			require.GreaterOrEqual(t, d, prev, "policy %s n=%d", p, n)
			require.LessOrEqual(t, d, b.Max, "policy %s n=%d", p, n)
			prev = d
		}
		assert.Equal(t, b.Max, b.Delay(1000))
	}

	unbounded := Backoff{Policy: PolicyExponential, Base: time.Second}
	assert.Equal(t, time.Duration(math.MaxInt64), unbounded.Delay(200))
	assert.Positive(t, Backoff{Policy: PolicyLinear, Base: time.Hour}.Delay(math.MaxInt32))
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":            PolicyExponential,
		"Exponential": PolicyExponential,
		"linear":      PolicyLinear,
		"fixed":       PolicyFixed,
		"constant":    PolicyFixed,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("random")
	assert.Error(t, err)
}

func TestExecuteRestartWithBackoff(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEngine(testConfig(), n, nil)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	tgt := &fakeTarget{}

	err := e.Execute(context.Background(), Action{Kind: RestartWithBackoff, Delay: 2 * time.Second, Scenario: ScenarioDegraded}, "api", tgt)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)
	assert.Equal(t, []string{"api"}, tgt.restarts)

	s := e.Stats()
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 1, s.Successful)
	assert.Equal(t, 1, s.ByScenario[ScenarioDegraded])
	require.Len(t, n.events, 1)
	assert.Equal(t, history.EventRecoveryAction, n.events[0].Type)
}

func TestExecuteFailureIsCounted(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	tgt := &fakeTarget{restartErr: errors.New("spawn failed")}
	err := e.Execute(context.Background(), Action{Kind: Restart, Scenario: ScenarioCrash}, "api", tgt)
	require.Error(t, err)
	s := e.Stats()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Successful)
}

func TestExecuteEscalateStops(t *testing.T) {
	n := &fakeNotifier{}
	e := NewEngine(testConfig(), n, nil)
	tgt := &fakeTarget{}
	require.NoError(t, e.Execute(context.Background(), Action{Kind: Escalate, Scenario: ScenarioRestartLimit, Reason: "limit"}, "api", tgt))
	assert.Equal(t, []string{"api"}, tgt.stops)
	assert.Empty(t, tgt.restarts)
	require.Len(t, n.events, 1)
	assert.Equal(t, history.EventRecoveryEscalated, n.events[0].Type)
	assert.Equal(t, history.SeverityCritical, n.events[0].Severity)
}

func TestExecuteNoneIsNoop(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	tgt := &fakeTarget{}
	require.NoError(t, e.Execute(context.Background(), Action{Kind: None}, "api", tgt))
	assert.Empty(t, tgt.restarts)
	assert.Equal(t, 0, e.Stats().Total)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tgt := &fakeTarget{}
	err := e.Execute(ctx, Action{Kind: RestartWithBackoff, Delay: time.Hour, Scenario: ScenarioCrash}, "api", tgt)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tgt.restarts)
}
