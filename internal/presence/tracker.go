// Package presence publishes and renders best-effort "is typing" signals.
// Nothing here ever returns a store error to the caller.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-community/internal/store"
	"golang.org/x/time/rate"
)

const (
	// Window is how long a typing signal stays fresh without a refresh.
	Window = 3 * time.Second
	// QuietPeriod is how long after the last keystroke the writer clears
	// its own signal.
	QuietPeriod = 3 * time.Second

	refreshInterval = time.Second
	opTimeout       = 5 * time.Second
)

// Tracker drives the typing state of one user in one channel. Store writes
// run in order on a worker goroutine so callers never wait on the network.
type Tracker struct {
	log      *log.Logger
	presence store.PresenceStore
	userId   string
	channel  string
	quiet    time.Duration
	now      func() time.Time
	limiter  *rate.Limiter

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
	queue  []typingOp

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// typingOp is one pending store write: an upsert stamped at, or a delete.
type typingOp struct {
	ctx   context.Context
	clear bool
	at    time.Time
}

func NewTracker(logger *log.Logger, presence store.PresenceStore, userId, channel string) *Tracker {
	t := &Tracker{
		log:      logger,
		presence: presence,
		userId:   userId,
		channel:  channel,
		quiet:    QuietPeriod,
		now:      time.Now,
		limiter:  rate.NewLimiter(rate.Every(refreshInterval), 1),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Keystroke records typing activity. The first keystroke after idle always
// writes the signal; later ones reschedule the quiet timer and refresh the
// timestamp at most once per second.
func (t *Tracker) Keystroke(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	write := t.limiter.Allow()
	if !t.typing {
		t.typing = true
		write = true
	}
	t.resetTimerLocked()

	if write {
		t.enqueueLocked(typingOp{ctx: context.WithoutCancel(ctx), at: t.now()})
	}
}

// Stop clears the signal immediately, as on send.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleLocked() {
		t.enqueueLocked(typingOp{ctx: context.WithoutCancel(ctx), clear: true})
	}
}

func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Close stops the quiet timer, clears a live signal and waits for pending
// writes. Later keystrokes are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.idleLocked() {
		t.enqueueLocked(typingOp{ctx: context.Background(), clear: true})
	}
	t.mu.Unlock()

	close(t.done)
	<-t.stopped
}

// idleLocked moves to the idle state and reports whether the tracker was
// typing.
func (t *Tracker) idleLocked() bool {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	was := t.typing
	t.typing = false
	return was
}

func (t *Tracker) resetTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.quiet, func() { t.expire(gen) })
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || !t.typing || t.closed {
		return
	}
	t.typing = false
	t.timer = nil
	t.enqueueLocked(typingOp{ctx: context.Background(), clear: true})
}

// enqueueLocked appends op and wakes the worker. Back to back refreshes
// collapse into the latest one.
func (t *Tracker) enqueueLocked(op typingOp) {
	if n := len(t.queue); n > 0 && !op.clear && !t.queue[n-1].clear {
		t.queue[n-1] = op
	} else {
		t.queue = append(t.queue, op)
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) run() {
	defer close(t.stopped)

	for {
		select {
		case <-t.wake:
			t.drain()
		case <-t.done:
			t.drain()
			return
		}
	}
}

func (t *Tracker) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		op := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.apply(op)
	}
}

func (t *Tracker) apply(op typingOp) {
	ctx, cancel := context.WithTimeout(op.ctx, opTimeout)
	defer cancel()

	if op.clear {
		if err := t.presence.Delete(ctx, t.userId, t.channel); err != nil {
			t.log.Printf("typing %q/%q: delete: %v", t.channel, t.userId, err)
		}
		return
	}
	if err := t.presence.Upsert(ctx, t.userId, t.channel, op.at); err != nil {
		t.log.Printf("typing %q/%q: upsert: %v", t.channel, t.userId, err)
	}
}
