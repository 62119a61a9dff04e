package database

import (
	"context"
	"time"

	"github.com/npezzotti/go-community/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockCommunityRepository struct {
	mock.Mock
}

func (m *MockCommunityRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockCommunityRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockCommunityRepository) GetAccountById(ctx context.Context, id string) (Account, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockCommunityRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(Account), args.Error(1)
}
func (m *MockCommunityRepository) GetProfile(ctx context.Context, id string) (types.Profile, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Profile), args.Error(1)
}
func (m *MockCommunityRepository) GetProfiles(ctx context.Context, ids []string) ([]types.Profile, error) {
	args := m.Called(ctx, ids)
	if profiles, ok := args.Get(0).([]types.Profile); ok {
		return profiles, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCommunityRepository) ListMembers(ctx context.Context, limit int) ([]types.Profile, error) {
	args := m.Called(ctx, limit)
	if members, ok := args.Get(0).([]types.Profile); ok {
		return members, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCommunityRepository) CreateMessage(ctx context.Context, msg types.NewMessage) (types.Message, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(types.Message), args.Error(1)
}
func (m *MockCommunityRepository) ListMessages(ctx context.Context, channel string) ([]types.Message, error) {
	args := m.Called(ctx, channel)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCommunityRepository) UpsertTyping(ctx context.Context, userId, channel string, ts time.Time) (types.TypingSignal, error) {
	args := m.Called(ctx, userId, channel, ts)
	return args.Get(0).(types.TypingSignal), args.Error(1)
}
func (m *MockCommunityRepository) DeleteTyping(ctx context.Context, userId, channel string) error {
	args := m.Called(ctx, userId, channel)
	return args.Error(0)
}
func (m *MockCommunityRepository) ListTypingSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error) {
	args := m.Called(ctx, channel, cutoff)
	if signals, ok := args.Get(0).([]types.TypingSignal); ok {
		return signals, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCommunityRepository) CreateNotification(ctx context.Context, params CreateNotificationParams) (types.Notification, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Notification), args.Error(1)
}
func (m *MockCommunityRepository) ListNotifications(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	args := m.Called(ctx, userId, limit)
	if ns, ok := args.Get(0).([]types.Notification); ok {
		return ns, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockCommunityRepository) MarkNotificationRead(ctx context.Context, userId, id string) (types.Notification, error) {
	args := m.Called(ctx, userId, id)
	return args.Get(0).(types.Notification), args.Error(1)
}
func (m *MockCommunityRepository) MarkAllNotificationsRead(ctx context.Context, userId string) (int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Error(1)
}
