package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-community/internal/server"
	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

// maxProfileBatch matches the most ids the backend accepts per lookup.
const maxProfileBatch = 100

var (
	_ store.MessageStore      = (*MessageStore)(nil)
	_ store.ProfileStore      = (*ProfileStore)(nil)
	_ store.ObjectStorage     = (*MediaStore)(nil)
	_ store.PresenceStore     = (*PresenceStore)(nil)
	_ store.NotificationStore = (*NotificationStore)(nil)
)

func channelPath(channel, leaf string) string {
	return "/api/channels/" + url.PathEscape(channel) + "/" + leaf
}

type MessageStore struct{ c *Client }

func (c *Client) Messages() *MessageStore { return &MessageStore{c: c} }

func (s *MessageStore) Insert(ctx context.Context, msg types.NewMessage) (types.Message, error) {
	var created types.Message
	err := s.c.do(ctx, http.MethodPost, channelPath(msg.ChannelId, "messages"), nil, map[string]string{
		"content":   msg.Content,
		"image_url": msg.ImageURL,
		"audio_url": msg.AudioURL,
	}, &created)
	return created, err
}

func (s *MessageStore) ListAscending(ctx context.Context, channel string) ([]types.Message, error) {
	var msgs []types.Message
	err := s.c.do(ctx, http.MethodGet, channelPath(channel, "messages"), nil, nil, &msgs)
	return msgs, err
}

func (s *MessageStore) SubscribeInserts(ctx context.Context, channel string) (<-chan types.Message, error) {
	events, err := s.c.Subscribe(ctx, server.MessagesTopic(channel))
	if err != nil {
		return nil, err
	}

	out := make(chan types.Message, subscriptionBuffer)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type != server.EventInsert || ev.Message == nil {
				continue
			}
			select {
			case out <- *ev.Message:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type ProfileStore struct{ c *Client }

func (c *Client) Profiles() *ProfileStore { return &ProfileStore{c: c} }

// GetMany looks ids up in batches. Ids with no profile are absent from
// the result.
func (s *ProfileStore) GetMany(ctx context.Context, ids []string) (map[string]types.Profile, error) {
	found := make(map[string]types.Profile, len(ids))
	for start := 0; start < len(ids); start += maxProfileBatch {
		batch := ids[start:min(start+maxProfileBatch, len(ids))]

		var profiles []types.Profile
		err := s.c.do(ctx, http.MethodGet, "/api/profiles", url.Values{"ids": {strings.Join(batch, ",")}}, nil, &profiles)
		if err != nil {
			return nil, err
		}
		for _, p := range profiles {
			found[p.Id] = p
		}
	}

	return found, nil
}

func (s *ProfileStore) GetOne(ctx context.Context, id string) (types.Profile, error) {
	var p types.Profile
	err := s.c.do(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(id), nil, nil, &p)
	return p, err
}

// ListMembers returns community profiles in username order. A limit of
// zero leaves the page size to the server.
func (s *ProfileStore) ListMembers(ctx context.Context, limit int) ([]types.Profile, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}

	var members []types.Profile
	err := s.c.do(ctx, http.MethodGet, "/api/members", query, nil, &members)
	return members, err
}

type MediaStore struct{ c *Client }

func (c *Client) Media() *MediaStore { return &MediaStore{c: c} }

func (s *MediaStore) Upload(ctx context.Context, path string, body io.Reader, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.c.url("/api/media/"+path, nil), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	var resp struct {
		URL string `json:"url"`
	}
	if err := s.c.send(req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("upload %q: empty url in response", path)
	}
	return resp.URL, nil
}

type PresenceStore struct{ c *Client }

func (c *Client) Presence() *PresenceStore { return &PresenceStore{c: c} }

// Upsert refreshes the caller's signal. The backend stamps it with its own
// clock and only ever writes the signed-in user's row.
func (s *PresenceStore) Upsert(ctx context.Context, userId, channel string, ts time.Time) error {
	return s.c.do(ctx, http.MethodPut, channelPath(channel, "typing"), nil, nil, nil)
}

func (s *PresenceStore) Delete(ctx context.Context, userId, channel string) error {
	return s.c.do(ctx, http.MethodDelete, channelPath(channel, "typing"), nil, nil, nil)
}

func (s *PresenceStore) ListSince(ctx context.Context, channel string, cutoff time.Time) ([]types.TypingSignal, error) {
	var signals []types.TypingSignal
	query := url.Values{"since": {cutoff.UTC().Format(time.RFC3339Nano)}}
	err := s.c.do(ctx, http.MethodGet, channelPath(channel, "typing"), query, nil, &signals)
	return signals, err
}

func (s *PresenceStore) SubscribeChanges(ctx context.Context, channel string) (<-chan struct{}, error) {
	events, err := s.c.Subscribe(ctx, server.TypingTopic(channel))
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range events {
			// coalesce: one pending tick is enough to trigger a re-read
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, nil
}

type NotificationStore struct{ c *Client }

func (c *Client) Notifications() *NotificationStore { return &NotificationStore{c: c} }

// ListRecent returns the signed-in user's notifications, newest first.
func (s *NotificationStore) ListRecent(ctx context.Context, userId string, limit int) ([]types.Notification, error) {
	var ns []types.Notification
	err := s.c.do(ctx, http.MethodGet, "/api/notifications", url.Values{"limit": {strconv.Itoa(limit)}}, nil, &ns)
	return ns, err
}

func (s *NotificationStore) SubscribeInserts(ctx context.Context, userId string) (<-chan types.Notification, error) {
	events, err := s.c.Subscribe(ctx, server.NotificationsTopic(userId))
	if err != nil {
		return nil, err
	}

	out := make(chan types.Notification, subscriptionBuffer)
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type != server.EventInsert || ev.Notification == nil {
				continue
			}
			select {
			case out <- *ev.Notification:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *NotificationStore) MarkRead(ctx context.Context, id string) error {
	return s.c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil)
}

func (s *NotificationStore) MarkAllRead(ctx context.Context, userId string) error {
	return s.c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, nil, nil)
}

// Create files a notification for another user.
func (s *NotificationStore) Create(ctx context.Context, userId string, typ types.NotificationType, title, body string) (types.Notification, error) {
	var n types.Notification
	err := s.c.do(ctx, http.MethodPost, "/api/notifications", nil, map[string]string{
		"user_id": userId,
		"type":    string(typ),
		"title":   title,
		"body":    body,
	}, &n)
	return n, err
}
