package presence

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

// PollInterval bounds how stale the rendered line can get without push
// events, since freshness decays by wall clock alone.
const PollInterval = 2 * time.Second

// Indicator is the set of users currently typing, oldest signal first.
type Indicator struct {
	Users []types.Profile
}

func (i Indicator) Count() int {
	return len(i.Users)
}

// Line renders the single aggregate indicator line.
func (i Indicator) Line() string {
	switch len(i.Users) {
	case 0:
		return ""
	case 1:
		return i.Users[0].DisplayName + " is typing"
	default:
		return fmt.Sprintf("%d people are typing", len(i.Users))
	}
}

// Reader watches the typing signals of one channel.
type Reader struct {
	log      *log.Logger
	presence store.PresenceStore
	profiles store.ProfileStore
	channel  string
	self     string
	window   time.Duration
	interval time.Duration
	now      func() time.Time

	updates chan Indicator

	mu   sync.RWMutex
	last Indicator
}

// NewReader returns a Reader for channel. Signals from self are left out
// of the indicator; pass an empty self to include everyone.
func NewReader(logger *log.Logger, channel, self string, presence store.PresenceStore, profiles store.ProfileStore) *Reader {
	return &Reader{
		log:      logger,
		presence: presence,
		profiles: profiles,
		channel:  channel,
		self:     self,
		window:   Window,
		interval: PollInterval,
		now:      time.Now,
		updates:  make(chan Indicator, 1),
	}
}

// Poll evaluates the indicator once. A failed read renders nothing rather
// than keeping signals that can no longer be shown to be fresh.
func (r *Reader) Poll(ctx context.Context) Indicator {
	cutoff := r.now().Add(-r.window)

	signals, err := r.presence.ListSince(ctx, r.channel, cutoff)
	if err != nil {
		r.log.Printf("typing %q: list: %v", r.channel, err)
		return Indicator{}
	}

	fresh := make([]types.TypingSignal, 0, len(signals))
	for _, s := range signals {
		if s.UpdatedAt.Before(cutoff) || s.UserId == "" {
			continue
		}
		if r.self != "" && s.UserId == r.self {
			continue
		}
		fresh = append(fresh, s)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].UpdatedAt.Before(fresh[j].UpdatedAt)
	})

	ids := make([]string, 0, len(fresh))
	for _, s := range fresh {
		if !slices.Contains(ids, s.UserId) {
			ids = append(ids, s.UserId)
		}
	}
	if len(ids) == 0 {
		return Indicator{}
	}

	profiles, err := r.profiles.GetMany(ctx, ids)
	if err != nil {
		r.log.Printf("typing %q: resolve %d users: %v", r.channel, len(ids), err)
	}

	ind := Indicator{Users: make([]types.Profile, len(ids))}
	for i, id := range ids {
		p, ok := profiles[id]
		if !ok {
			p = types.PlaceholderProfile(id)
		}
		ind.Users[i] = p
	}
	return ind
}

// Run re-evaluates on every poll tick and push change until ctx is done,
// publishing on Updates whenever the rendered line changes.
func (r *Reader) Run(ctx context.Context) {
	changes, err := r.presence.SubscribeChanges(ctx, r.channel)
	if err != nil {
		r.log.Printf("typing %q: subscribe: %v", r.channel, err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.evaluate(ctx)
	for {
		select {
		case <-ticker.C:
			r.evaluate(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			r.evaluate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reader) evaluate(ctx context.Context) {
	ind := r.Poll(ctx)
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	changed := ind.Line() != r.last.Line()
	r.last = ind
	r.mu.Unlock()

	if !changed {
		return
	}

	// keep only the newest indicator for a slow consumer
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- ind:
	default:
	}
}

func (r *Reader) Updates() <-chan Indicator {
	return r.updates
}

// Current returns the last evaluated indicator.
func (r *Reader) Current() Indicator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
