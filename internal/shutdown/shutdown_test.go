package shutdown

import (
	"sync"
	"testing"
)

func TestFlagLatches(t *testing.T) {
	var f Flag
	if f.Requested() {
		t.Fatalf("zero flag should not be requested")
	}
	f.Request("first")
	f.Request("second")
	if !f.Requested() {
		t.Fatalf("flag not set")
	}
	if f.Reason() != "first" {
		t.Fatalf("reason = %q, want first", f.Reason())
	}
}

func TestFlagConcurrent(t *testing.T) {
	var f Flag
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); f.Request("x") }()
		go func() { defer wg.Done(); _ = f.Requested() }()
	}
	wg.Wait()
	if !f.Requested() {
		t.Fatalf("flag not set")
	}
}
