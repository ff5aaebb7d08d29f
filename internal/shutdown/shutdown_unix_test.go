//go:build !windows

package shutdown

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestWatchSetsFlagOnSIGTERM(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var f Flag
	Watch(ctx, &f, nil)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !f.Requested() {
		if time.Now().After(deadline) {
			t.Fatalf("flag not set after SIGTERM")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
