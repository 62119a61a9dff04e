package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-community/internal/types"
)

type CommunityRepository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountById(ctx context.Context, id string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetProfile(ctx context.Context, id string) (types.Profile, error)
	GetProfiles(ctx context.Context, ids []string) ([]types.Profile, error)
	ListMembers(ctx context.Context, limit int) ([]types.Profile, error)
	CreateMessage(ctx context.Context, msg types.NewMessage) (types.Message, error)
	ListMessages(ctx context.Context, channel string) ([]types.Message, error)
	UpsertTyping(ctx context.Context, userId, channel string, ts time.Time) (types.TypingSignal, error)
	DeleteTyping(ctx context.Context, userId, channel string) error
	ListTypingSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error)
	CreateNotification(ctx context.Context, params CreateNotificationParams) (types.Notification, error)
	ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, userId, id string) (types.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userId string) (int64, error)
}
