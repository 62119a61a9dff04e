// Package notify keeps the current user's notification list and unread
// count in step with the live insert feed and their read actions.
package notify

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"

	"github.com/npezzotti/go-community/internal/session"
	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

// RecentLimit is how many notifications are fetched on load.
const RecentLimit = 20

const toastBufferSize = 32

type Destination string

const (
	DestinationNone      Destination = ""
	DestinationFeed      Destination = "feed"
	DestinationCommunity Destination = "community"
)

// Route picks where activating a notification navigates to.
func Route(n types.Notification) Destination {
	switch n.Type {
	case types.NotificationLike, types.NotificationComment,
		types.NotificationReaction, types.NotificationPoints:
		return DestinationFeed
	case types.NotificationMessage:
		return DestinationCommunity
	default:
		return DestinationNone
	}
}

// Badge renders an unread count for display.
func Badge(unread int) string {
	switch {
	case unread <= 0:
		return ""
	case unread > 9:
		return "9+"
	default:
		return strconv.Itoa(unread)
	}
}

type Consumer struct {
	log     *log.Logger
	session *session.Session
	store   store.NotificationStore
	userId  string

	mu     sync.RWMutex
	items  []types.Notification
	unread int

	toasts    chan types.Notification
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewConsumer follows the notifications of the user signed in to sess.
func NewConsumer(logger *log.Logger, sess *session.Session, notifications store.NotificationStore) *Consumer {
	return &Consumer{
		log:     logger,
		session: sess,
		store:   notifications,
		toasts:  make(chan types.Notification, toastBufferSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes to new notifications and loads the recent ones. The
// subscription opens first so nothing inserted during the load is missed;
// overlap is removed by id. A failed load leaves an empty list. Without a
// signed-in user nothing is loaded.
func (c *Consumer) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		user, err := c.session.RequireUser()
		if err != nil {
			c.log.Printf("notifications: %v", err)
			return
		}
		c.userId = user.Id

		ctx, cancel := context.WithCancel(ctx)
		c.cancel = cancel

		inserts, err := c.store.SubscribeInserts(ctx, user.Id)
		if err != nil {
			c.log.Printf("notifications %q: subscribe: %v", user.Id, err)
		}

		if err := c.Resync(ctx); err != nil {
			c.log.Printf("notifications %q: %v", user.Id, err)
		}

		go c.run(ctx, inserts)
	})
}

func (c *Consumer) run(ctx context.Context, inserts <-chan types.Notification) {
	defer close(c.done)

	for {
		select {
		case n, ok := <-inserts:
			if !ok {
				if ctx.Err() == nil {
					c.log.Printf("notifications %q: subscription closed", c.userId)
				}
				inserts = nil
				continue
			}
			c.handleInsert(n)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) handleInsert(n types.Notification) {
	c.mu.Lock()
	if slices.ContainsFunc(c.items, func(x types.Notification) bool { return x.Id == n.Id }) {
		c.mu.Unlock()
		return
	}
	c.items = slices.Insert(c.items, 0, n)
	if !n.Read {
		c.unread++
	}
	c.mu.Unlock()

	select {
	case c.toasts <- n:
	default:
		c.log.Printf("notifications %q: toast buffer full, dropping %q", c.userId, n.Id)
	}
}

// Resync refetches the recent list and recounts unread from it. Live
// inserts that arrive while the list is in flight are kept. On error the
// current state is kept.
func (c *Consumer) Resync(ctx context.Context) error {
	user, err := c.session.RequireUser()
	if err != nil {
		return err
	}

	c.mu.RLock()
	before := make(map[string]bool, len(c.items))
	for _, n := range c.items {
		before[n.Id] = true
	}
	c.mu.RUnlock()

	items, err := c.store.ListRecent(ctx, user.Id, RecentLimit)
	if err != nil {
		return fmt.Errorf("list recent: %w", err)
	}

	fetched := make(map[string]bool, len(items))
	for _, n := range items {
		fetched[n.Id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var merged []types.Notification
	for _, n := range c.items {
		if !before[n.Id] && !fetched[n.Id] {
			merged = append(merged, n)
		}
	}
	merged = append(merged, items...)

	unread := 0
	for _, n := range merged {
		if !n.Read {
			unread++
		}
	}

	c.items = merged
	c.unread = unread
	return nil
}

// MarkRead flags one notification as read. The unread count only drops if
// the row was unread locally, so repeating the call changes nothing.
func (c *Consumer) MarkRead(ctx context.Context, id string) error {
	if _, err := c.session.RequireUser(); err != nil {
		return err
	}
	if err := c.store.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark %q read: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.items, func(n types.Notification) bool { return n.Id == id })
	if i < 0 || c.items[i].Read {
		return nil
	}
	c.items[i].Read = true
	c.unread = max(0, c.unread-1)
	return nil
}

func (c *Consumer) MarkAllRead(ctx context.Context) error {
	user, err := c.session.RequireUser()
	if err != nil {
		return err
	}
	if err := c.store.MarkAllRead(ctx, user.Id); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		c.items[i].Read = true
	}
	c.unread = 0
	return nil
}

func (c *Consumer) Notifications() []types.Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

func (c *Consumer) Unread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread
}

func (c *Consumer) Badge() string {
	return Badge(c.Unread())
}

// Toasts delivers each live notification once, for transient display.
func (c *Consumer) Toasts() <-chan types.Notification {
	return c.toasts
}

func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
	})
}
