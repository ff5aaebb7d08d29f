// Package readiness blocks until a freshly started process reports it can
// serve, using a log pattern, a TCP port or a fixed delay.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/loykin/guardian/internal/process"
)

const (
	DefaultFilePoll      = 200 * time.Millisecond
	DefaultContentPoll   = 500 * time.Millisecond
	DefaultFallback      = 3 * time.Second
	DefaultPortPoll      = 500 * time.Millisecond
	DefaultFixedDelayCap = 10 * time.Second
)

// Prober waits for readiness. Zero-valued fields fall back to the defaults.
type Prober struct {
	FilePoll      time.Duration
	ContentPoll   time.Duration
	Fallback      time.Duration
	PortPoll      time.Duration
	FixedDelayCap time.Duration
	Host          string
	Logger        *slog.Logger
}

// TimeoutError reports a port probe that never connected.
type TimeoutError struct {
	Addr    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s after %s", e.Addr, e.Timeout)
}

func (p *Prober) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// Wait blocks until the process described by spec is ready or the readiness
// timeout elapses. Only a port probe that never connects is an error; a log
// pattern that never appears degrades to a short fixed delay.
func (p *Prober) Wait(ctx context.Context, spec process.Spec) error {
	r := spec.Ready
	log := p.logger().With("process", spec.Name)
	switch r.Method {
	case process.ReadyLog:
		if r.Pattern == "" {
			break
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("invalid ready pattern %q: %w", r.Pattern, err)
		}
		log.Info("waiting for log pattern", "pattern", r.Pattern, "file", spec.Health.LogFile)
		if err := p.waitLog(ctx, spec.Health.LogFile, re, r.Timeout); err != nil {
			return err
		}
	case process.ReadyPort:
		if r.Port <= 0 {
			break
		}
		log.Info("waiting for port", "port", r.Port)
		if err := p.waitPort(ctx, r.Port, r.Timeout); err != nil {
			return err
		}
	case process.ReadyTime, "":
		d := r.Timeout
		if limit := orDefault(p.FixedDelayCap, DefaultFixedDelayCap); d > limit {
			d = limit
		}
		log.Info("waiting fixed delay", "delay", d.String())
		if err := sleep(ctx, d); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown ready method %q", r.Method)
	}
	log.Info("process is ready")
	return nil
}

func (p *Prober) waitLog(ctx context.Context, path string, re *regexp.Regexp, timeout time.Duration) error {
	start := time.Now()
	if path != "" {
		for !exists(path) && time.Since(start) < timeout {
			if err := sleep(ctx, orDefault(p.FilePoll, DefaultFilePoll)); err != nil {
				return err
			}
		}
		if exists(path) {
			for time.Since(start) < timeout {
				if b, err := os.ReadFile(path); err == nil && re.Match(b) {
					return nil
				}
				if err := sleep(ctx, orDefault(p.ContentPoll, DefaultContentPoll)); err != nil {
					return err
				}
			}
		}
	}
	// no log or no match: settle for a short grace delay while time remains
	if time.Since(start) < timeout {
		p.logger().Debug("log pattern not observed, falling back to fixed delay", "file", path)
		return sleep(ctx, orDefault(p.Fallback, DefaultFallback))
	}
	return nil
}

func (p *Prober) waitPort(ctx context.Context, port int, timeout time.Duration) error {
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()
	var d net.Dialer
	for time.Since(start) < timeout {
		dctx, cancel := context.WithTimeout(ctx, orDefault(p.PortPoll, DefaultPortPoll))
		conn, err := d.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if err := sleep(ctx, orDefault(p.PortPoll, DefaultPortPoll)); err != nil {
			return err
		}
	}
	return &TimeoutError{Addr: addr, Timeout: timeout}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
