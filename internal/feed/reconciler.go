// Package feed merges a channel's history with its live insert stream into
// one ordered, deduplicated view.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

const eventBufferSize = 256

type EventKind string

const (
	EventLoaded          EventKind = "loaded"
	EventLoadFailed      EventKind = "load_failed"
	EventAppended        EventKind = "appended"
	EventSubscribeFailed EventKind = "subscribe_failed"
)

// Event is what the presentation layer observes. Scrolling policy belongs
// to the consumer; the reconciler only reports appends.
type Event struct {
	Kind    EventKind
	Message types.AuthoredMessage
	Err     error
}

type historyResult struct {
	messages []types.AuthoredMessage
	err      error
}

type Reconciler struct {
	log      *log.Logger
	channel  string
	messages store.MessageStore
	profiles store.ProfileStore

	mu      sync.RWMutex
	items   []types.AuthoredMessage
	seen    map[string]struct{}
	loaded  bool
	loadErr error

	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func NewReconciler(logger *log.Logger, channel string, messages store.MessageStore, profiles store.ProfileStore) *Reconciler {
	return &Reconciler{
		log:      logger,
		channel:  channel,
		messages: messages,
		profiles: profiles,
		seen:     make(map[string]struct{}),
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
	}
}

// Start issues the bulk history read and opens the live subscription
// concurrently. It returns immediately; progress is reported on Events.
func (r *Reconciler) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		r.cancel = cancel

		history := make(chan historyResult, 1)
		go func() {
			msgs, err := r.loadHistory(ctx)
			history <- historyResult{messages: msgs, err: err}
		}()

		go r.run(ctx, history)
	})
}

func (r *Reconciler) run(ctx context.Context, history <-chan historyResult) {
	defer close(r.done)

	inserts, err := r.messages.SubscribeInserts(ctx, r.channel)
	if err != nil {
		r.log.Printf("feed %q: subscribe: %v", r.channel, err)
		r.emit(ctx, Event{Kind: EventSubscribeFailed, Err: err})
	}

	for {
		select {
		case res := <-history:
			r.handleHistory(ctx, res)
			history = nil
		case msg, ok := <-inserts:
			if !ok {
				inserts = nil
				if ctx.Err() == nil {
					r.log.Printf("feed %q: subscription closed", r.channel)
				}
				continue
			}
			r.handleInsert(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) loadHistory(ctx context.Context) ([]types.AuthoredMessage, error) {
	msgs, err := r.messages.ListAscending(ctx, r.channel)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	ids := make([]string, 0, len(msgs))
	uniq := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := uniq[m.AuthorId]; ok {
			continue
		}
		uniq[m.AuthorId] = struct{}{}
		ids = append(ids, m.AuthorId)
	}

	var profiles map[string]types.Profile
	if len(ids) > 0 {
		profiles, err = r.profiles.GetMany(ctx, ids)
		if err != nil {
			r.log.Printf("feed %q: resolve %d authors: %v", r.channel, len(ids), err)
		}
	}

	joined := make([]types.AuthoredMessage, len(msgs))
	for i, m := range msgs {
		author := types.UnresolvedAuthor(m.AuthorId)
		if p, ok := profiles[m.AuthorId]; ok {
			author = types.ResolvedAuthor(p)
		}
		joined[i] = types.AuthoredMessage{Message: m, Author: author}
	}

	return joined, nil
}

func (r *Reconciler) handleHistory(ctx context.Context, res historyResult) {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		r.log.Printf("feed %q: load history: %v", r.channel, res.err)
		r.mu.Lock()
		r.loadErr = res.err
		r.loaded = true
		r.mu.Unlock()
		r.emit(ctx, Event{Kind: EventLoadFailed, Err: res.err})
		return
	}

	r.mu.Lock()
	for _, m := range res.messages {
		r.insertLocked(m)
	}
	r.loaded = true
	r.mu.Unlock()

	r.emit(ctx, Event{Kind: EventLoaded})
}

func (r *Reconciler) handleInsert(ctx context.Context, msg types.Message) {
	r.mu.RLock()
	_, dup := r.seen[msg.Id]
	r.mu.RUnlock()
	if dup {
		return
	}

	author := types.UnresolvedAuthor(msg.AuthorId)
	p, err := r.profiles.GetOne(ctx, msg.AuthorId)
	switch {
	case err == nil:
		author = types.ResolvedAuthor(p)
	case errors.Is(err, store.ErrNotFound):
		r.log.Printf("feed %q: no profile for author %q", r.channel, msg.AuthorId)
	default:
		r.log.Printf("feed %q: get profile %q: %v", r.channel, msg.AuthorId, err)
	}

	am := types.AuthoredMessage{Message: msg, Author: author}

	r.mu.Lock()
	added := r.insertLocked(am)
	r.mu.Unlock()

	if added {
		r.emit(ctx, Event{Kind: EventAppended, Message: am})
	}
}

// insertLocked places m after every element whose timestamp is not later
// than its own, which keeps the sequence non-decreasing and puts live
// inserts at the tail in the common case. Duplicate ids are dropped.
func (r *Reconciler) insertLocked(m types.AuthoredMessage) bool {
	if _, ok := r.seen[m.Id]; ok {
		return false
	}
	r.seen[m.Id] = struct{}{}

	i := sort.Search(len(r.items), func(i int) bool {
		return r.items[i].CreatedAt.After(m.CreatedAt)
	})
	r.items = slices.Insert(r.items, i, m)
	return true
}

// emit waits for room in the event buffer so no append goes unreported.
// A slow reader holds back further inserts instead of losing them.
func (r *Reconciler) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

func (r *Reconciler) Events() <-chan Event {
	return r.events
}

// Messages returns a snapshot of the ordered sequence.
func (r *Reconciler) Messages() []types.AuthoredMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.items)
}

func (r *Reconciler) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *Reconciler) LoadErr() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr
}

// Close releases the live subscription and waits for the event loop.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}
