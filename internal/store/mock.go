package store

import (
	"context"
	"io"
	"time"

	"github.com/npezzotti/go-community/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Insert(ctx context.Context, msg types.NewMessage) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockMessageStore) ListAscending(ctx context.Context, channel string) ([]types.Message, error) {
	args := m.Called(ctx, channel)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageStore) SubscribeInserts(ctx context.Context, channel string) (<-chan types.Message, error) {
	args := m.Called(ctx, channel)
	if ch, ok := args.Get(0).(chan types.Message); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) GetMany(ctx context.Context, ids []string) (map[string]types.Profile, error) {
	args := m.Called(ctx, ids)
	if profiles, ok := args.Get(0).(map[string]types.Profile); ok {
		return profiles, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockProfileStore) GetOne(ctx context.Context, id string) (types.Profile, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Profile), args.Error(1)
}

type MockObjectStorage struct {
	mock.Mock
}

func (m *MockObjectStorage) Upload(ctx context.Context, path string, body io.Reader, contentType string) (string, error) {
	args := m.Called(ctx, path, body, contentType)
	return args.String(0), args.Error(1)
}

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) Upsert(ctx context.Context, userId, channel string, ts time.Time) error {
	args := m.Called(ctx, userId, channel, ts)
	return args.Error(0)
}
func (m *MockPresenceStore) Delete(ctx context.Context, userId, channel string) error {
	args := m.Called(ctx, userId, channel)
	return args.Error(0)
}
func (m *MockPresenceStore) ListSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error) {
	args := m.Called(ctx, channel, cutoff)
	if signals, ok := args.Get(0).([]types.TypingSignal); ok {
		return signals, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockPresenceStore) SubscribeChanges(ctx context.Context, channel string) (<-chan struct{}, error) {
	args := m.Called(ctx, channel)
	if ch, ok := args.Get(0).(chan struct{}); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockNotificationStore struct {
	mock.Mock
}

func (m *MockNotificationStore) ListRecent(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	args := m.Called(ctx, userId, limit)
	if ns, ok := args.Get(0).([]types.Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationStore) SubscribeInserts(ctx context.Context, userId string) (<-chan types.Notification, error) {
	args := m.Called(ctx, userId)
	if ch, ok := args.Get(0).(chan types.Notification); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockNotificationStore) MarkRead(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockNotificationStore) MarkAllRead(ctx context.Context, userId string) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}
