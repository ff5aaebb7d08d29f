// Package shutdown carries the cooperative stop request from the signal
// handlers to the supervisor loop and the start/stop sequencing.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Flag is a one-way latch. The zero value is ready to use.
type Flag struct {
	mu        sync.Mutex
	requested bool
	reason    string
}

// Request sets the flag. Later calls keep the first reason.
func (f *Flag) Request(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.requested {
		f.requested = true
		f.reason = reason
	}
}

// Requested reports whether shutdown has been asked for.
func (f *Flag) Requested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested
}

// Reason returns the reason given to the first Request.
func (f *Flag) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Watch sets f when SIGINT or SIGTERM arrives, one listener per signal.
// The listeners exit when ctx is done.
func Watch(ctx context.Context, f *Flag, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, sig := range []os.Signal{os.Interrupt, syscall.SIGTERM} {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, sig)
		go func(sig os.Signal, ch chan os.Signal) {
			defer signal.Stop(ch)
			select {
			case s := <-ch:
				log.Info("shutdown signal received", "signal", s.String())
				f.Request(s.String())
			case <-ctx.Done():
			}
		}(sig, ch)
	}
}
