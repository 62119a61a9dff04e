// Package store declares the collaborators the community core consumes.
// Implementations live in internal/client (remote API) and in tests.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/npezzotti/go-community/internal/types"
)

var ErrNotFound = errors.New("not found")

// Subscriptions stay open until ctx is cancelled. The returned channel is
// closed once the subscription has ended.

type MessageStore interface {
	Insert(ctx context.Context, msg types.NewMessage) (types.Message, error)
	ListAscending(ctx context.Context, channel string) ([]types.Message, error)
	SubscribeInserts(ctx context.Context, channel string) (<-chan types.Message, error)
}

type ProfileStore interface {
	GetMany(ctx context.Context, ids []string) (map[string]types.Profile, error)
	// GetOne returns ErrNotFound when the profile does not exist.
	GetOne(ctx context.Context, id string) (types.Profile, error)
}

type ObjectStorage interface {
	// Upload stores body under path and returns its public URL.
	Upload(ctx context.Context, path string, body io.Reader, contentType string) (string, error)
}

type PresenceStore interface {
	Upsert(ctx context.Context, userId, channel string, ts time.Time) error
	Delete(ctx context.Context, userId, channel string) error
	ListSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error)
	// SubscribeChanges delivers a tick whenever a signal in channel changes.
	SubscribeChanges(ctx context.Context, channel string) (<-chan struct{}, error)
}

type NotificationStore interface {
	ListRecent(ctx context.Context, userId string, limit int) ([]types.Notification, error)
	SubscribeInserts(ctx context.Context, userId string) (<-chan types.Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userId string) error
}
