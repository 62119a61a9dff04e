package testutil

import (
	"io"
	"log"
	"os"
	"testing"
	"time"
)

// TestLogger returns a logger that is silent unless tests run with -v.
// It never writes through t, so goroutines that outlive a test can log.
func TestLogger(t *testing.T) *log.Logger {
	var out io.Writer = io.Discard
	if testing.Verbose() {
		out = os.Stdout
	}
	return log.New(out, "[test] "+t.Name()+" ", log.LstdFlags)
}

// Receive waits up to d for a value on ch and fails the test otherwise.
func Receive[T any](t *testing.T, ch <-chan T, d time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(d):
		t.Fatalf("timeout: nothing received after %s", d)
	}

	var zero T
	return zero
}

// NoReceive fails the test if anything arrives on ch within d.
func NoReceive[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value received: %+v", v)
		}
	case <-time.After(d):
	}
}
