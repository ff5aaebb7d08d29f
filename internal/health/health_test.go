package health

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardian/internal/process"
)

func fakeChecker(alive bool, rss uint64) *Checker {
	return &Checker{
		Alive:       func(context.Context, int) (bool, error) { return alive, nil },
		MemoryRSS:   func(context.Context, int) (uint64, error) { return rss, nil },
		DialTimeout: 200 * time.Millisecond,
	}
}

func TestDeadProcessIsUnhealthy(t *testing.T) {
	res := fakeChecker(false, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{Port: 1})
	assert.Equal(t, Unhealthy, res.Status)
	assert.True(t, res.Dead)
	require.Len(t, res.Levels, 1, "later levels are skipped once the process is gone")
	assert.False(t, res.Levels[0].Passed)
}

func TestNoPIDIsDead(t *testing.T) {
	res := fakeChecker(true, 0).Check(context.Background(), "svc", 0, process.HealthSpec{})
	assert.True(t, res.Dead)
	assert.Equal(t, "no pid tracked", res.Reason)
}

func TestAliveOnlyIsHealthy(t *testing.T) {
	res := fakeChecker(true, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{})
	assert.Equal(t, Healthy, res.Status)
	assert.False(t, res.Dead)
	assert.Equal(t, "healthy", res.String())
}

func TestPortUnreachableIsUnhealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	res := fakeChecker(true, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{Port: port})
	assert.Equal(t, Unhealthy, res.Status)
	assert.False(t, res.Dead)
}

func TestPortReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	res := fakeChecker(true, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{Port: ln.Addr().(*net.TCPAddr).Port})
	assert.Equal(t, Healthy, res.Status)
}

func TestStaleLogIsDegraded(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "svc.log")
	require.NoError(t, os.WriteFile(logFile, []byte("x"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(logFile, old, old))

	res := fakeChecker(true, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{LogFile: logFile, MaxLogAge: time.Minute})
	assert.Equal(t, Degraded, res.Status)
	assert.Contains(t, res.Reason, "log stale")
}

func TestMissingLogIsDegraded(t *testing.T) {
	res := fakeChecker(true, 0).Check(context.Background(), "svc", 1234, process.HealthSpec{
		LogFile: filepath.Join(t.TempDir(), "absent.log"), MaxLogAge: time.Minute,
	})
	assert.Equal(t, Degraded, res.Status)
}

func TestMemoryOverLimitIsDegraded(t *testing.T) {
	res := fakeChecker(true, 600*1024*1024).Check(context.Background(), "svc", 1234, process.HealthSpec{MaxMemoryMB: 512})
	assert.Equal(t, Degraded, res.Status)

	res = fakeChecker(true, 100*1024*1024).Check(context.Background(), "svc", 1234, process.HealthSpec{MaxMemoryMB: 512})
	assert.Equal(t, Healthy, res.Status)
}

func TestMemorySampleErrorIsIgnored(t *testing.T) {
	c := fakeChecker(true, 0)
	c.MemoryRSS = func(context.Context, int) (uint64, error) { return 0, errors.New("denied") }
	res := c.Check(context.Background(), "svc", 1234, process.HealthSpec{MaxMemoryMB: 1})
	assert.Equal(t, Healthy, res.Status)
}

func TestUnhealthyWinsOverDegraded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	res := fakeChecker(true, 900*1024*1024).Check(context.Background(), "svc", 1234, process.HealthSpec{Port: port, MaxMemoryMB: 1})
	assert.Equal(t, Unhealthy, res.Status)
}

func TestLiveCheckerSeesSelf(t *testing.T) {
	res := NewChecker(nil).Check(context.Background(), "self", os.Getpid(), process.HealthSpec{MaxMemoryMB: 1 << 20})
	assert.Equal(t, Healthy, res.Status)
}

func TestDeadResult(t *testing.T) {
	r := DeadResult("svc", "Process failed")
	assert.Equal(t, Unhealthy, r.Status)
	assert.True(t, r.Dead)
	assert.Equal(t, "unhealthy: Process failed", r.String())
}
