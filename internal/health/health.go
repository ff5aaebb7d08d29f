// Package health produces a verdict for a running process from up to four
// levels of checks: liveness, port reachability, log freshness and memory.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/guardian/internal/metrics"
	"github.com/loykin/guardian/internal/process"
)

// Status is the overall verdict.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// LevelResult is the outcome of one check level.
type LevelResult struct {
	Level   int    `json:"level"`
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Result is the verdict for one process.
type Result struct {
	Process   string        `json:"process"`
	Status    Status        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Dead      bool          `json:"dead"` // the process itself is gone, not merely misbehaving
	Levels    []LevelResult `json:"levels"`
	CheckedAt time.Time     `json:"checked_at"`
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Status.String()
	}
	return r.Status.String() + ": " + r.Reason
}

// DeadResult builds the verdict used for a process that is known to have failed.
func DeadResult(name, reason string) Result {
	return Result{
		Process: name,
		Status:  Unhealthy,
		Reason:  reason,
		Dead:    true,
		Levels: []LevelResult{{
			Level: 1, Name: "process alive", Passed: false, Message: reason,
		}},
		CheckedAt: time.Now(),
	}
}

// Checker runs health checks. The function fields default to gopsutil and
// net based probes and can be replaced in tests.
type Checker struct {
	Alive       func(ctx context.Context, pid int) (bool, error)
	MemoryRSS   func(ctx context.Context, pid int) (uint64, error)
	DialTimeout time.Duration
	Host        string
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewChecker returns a Checker wired to the live system.
func NewChecker(log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		Alive:       pidAlive,
		MemoryRSS:   memoryRSS,
		DialTimeout: 2 * time.Second,
		Host:        "127.0.0.1",
		Now:         time.Now,
		Logger:      log,
	}
}

// Check evaluates the process identified by name and pid against spec.
func (c *Checker) Check(ctx context.Context, name string, pid int, spec process.HealthSpec) Result {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	res := Result{Process: name, Status: Healthy, CheckedAt: now()}
	defer func() { metrics.RecordHealthCheck(name, res.Status.String()) }()

	// level 1: the process exists and is not a zombie
	alive := false
	var aliveErr error
	if pid > 0 {
		alive, aliveErr = c.alive(ctx, pid)
	}
	if !alive {
		var msg string
		switch {
		case pid <= 0:
			msg = "no pid tracked"
		case aliveErr != nil:
			msg = fmt.Sprintf("process %d not running: %v", pid, aliveErr)
		default:
			msg = fmt.Sprintf("process %d not running", pid)
		}
		res.Levels = append(res.Levels, LevelResult{Level: 1, Name: "process alive", Passed: false, Message: msg})
		res.Status = Unhealthy
		res.Dead = true
		res.Reason = msg
		return res
	}
	res.Levels = append(res.Levels, LevelResult{Level: 1, Name: "process alive", Passed: true, Message: "pid " + strconv.Itoa(pid)})

	var problems []string

	// level 2: port accepts connections
	if spec.Port > 0 {
		addr := net.JoinHostPort(c.host(), strconv.Itoa(spec.Port))
		d := net.Dialer{Timeout: c.dialTimeout()}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			msg := fmt.Sprintf("port %d unreachable: %v", spec.Port, err)
			res.Levels = append(res.Levels, LevelResult{Level: 2, Name: "port", Passed: false, Message: msg})
			res.Status = Unhealthy
			problems = append(problems, msg)
		} else {
			_ = conn.Close()
			res.Levels = append(res.Levels, LevelResult{Level: 2, Name: "port", Passed: true, Message: addr})
		}
	}

	// level 3: the log file is being written
	if spec.LogFile != "" && spec.MaxLogAge > 0 {
		fi, err := os.Stat(spec.LogFile)
		switch {
		case err != nil:
			msg := "log file missing: " + spec.LogFile
			res.Levels = append(res.Levels, LevelResult{Level: 3, Name: "log activity", Passed: false, Message: msg})
			res.degrade()
			problems = append(problems, msg)
		case now().Sub(fi.ModTime()) > spec.MaxLogAge:
			msg := fmt.Sprintf("log stale for %s", now().Sub(fi.ModTime()).Round(time.Second))
			res.Levels = append(res.Levels, LevelResult{Level: 3, Name: "log activity", Passed: false, Message: msg})
			res.degrade()
			problems = append(problems, msg)
		default:
			res.Levels = append(res.Levels, LevelResult{Level: 3, Name: "log activity", Passed: true, Message: "recent writes"})
		}
	}

	// level 4: resident memory below the limit
	if spec.MaxMemoryMB > 0 && c.MemoryRSS != nil {
		rss, err := c.MemoryRSS(ctx, pid)
		if err != nil {
			c.logger().Debug("memory sample failed", "process", name, "pid", pid, "error", err)
		} else {
			metrics.SetMemoryRSS(name, rss)
			mb := rss / 1024 / 1024
			if mb > spec.MaxMemoryMB {
				msg := fmt.Sprintf("memory %dMB over limit %dMB", mb, spec.MaxMemoryMB)
				res.Levels = append(res.Levels, LevelResult{Level: 4, Name: "memory", Passed: false, Message: msg})
				res.degrade()
				problems = append(problems, msg)
			} else {
				res.Levels = append(res.Levels, LevelResult{Level: 4, Name: "memory", Passed: true, Message: fmt.Sprintf("%dMB", mb)})
			}
		}
	}

	res.Reason = strings.Join(problems, "; ")
	return res
}

func (r *Result) degrade() {
	if r.Status == Healthy {
		r.Status = Degraded
	}
}

func (c *Checker) alive(ctx context.Context, pid int) (bool, error) {
	if c.Alive != nil {
		return c.Alive(ctx, pid)
	}
	return pidAlive(ctx, pid)
}

func (c *Checker) host() string {
	if c.Host == "" {
		return "127.0.0.1"
	}
	return c.Host
}

func (c *Checker) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return 2 * time.Second
	}
	return c.DialTimeout
}

func (c *Checker) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func pidAlive(ctx context.Context, pid int) (bool, error) {
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false, err
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil
	}
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	return true, nil
}

func memoryRSS(ctx context.Context, pid int) (uint64, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, fmt.Errorf("failed to create process handle: %w", err)
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get memory info: %w", err)
	}
	return mi.RSS, nil
}
