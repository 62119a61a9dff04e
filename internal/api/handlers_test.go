package api

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-community/internal/database"
	"github.com/npezzotti/go-community/internal/server"
	"github.com/npezzotti/go-community/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name       string
		mockErr    error
		statusCode int
	}{
		{"successful health check", nil, http.StatusOK},
		{"failed health check", errors.New("db error"), http.StatusServiceUnavailable},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			app.db.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			rr := app.do(t, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tc.statusCode, rr.Code)
			if tc.mockErr == nil {
				assert.Equal(t, "OK", rr.Body.String())
			}
		})
	}
}

func TestGetProfiles(t *testing.T) {
	profiles := []types.Profile{
		{Id: testUserId, DisplayName: "Ana"},
		{Id: otherUserId, DisplayName: "Ben"},
	}

	t.Run("batch lookup", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("GetProfiles", mock.Anything, []string{testUserId, otherUserId}).Return(profiles, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/profiles?ids="+testUserId+","+otherUserId+","+testUserId, testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, profiles, decode[[]types.Profile](t, rr))
	})

	t.Run("no ids", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/profiles?ids=", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, decode[[]types.Profile](t, rr))
	})

	t.Run("malformed id is rejected before querying", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/profiles?ids="+testUserId+",not-a-uuid", testUserId, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, decode[ApiError](t, rr).Message, "not-a-uuid")
	})

	t.Run("db error", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("GetProfiles", mock.Anything, []string{testUserId}).Return(nil, errors.New("db error")).Once()

		rr := app.do(t, http.MethodGet, "/api/profiles?ids="+testUserId, testUserId, nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("requires a session", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/profiles?ids="+testUserId, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestListMembers(t *testing.T) {
	members := []types.Profile{
		{Id: testUserId, DisplayName: "ana"},
		{Id: otherUserId, DisplayName: "ben"},
	}

	tcases := []struct {
		name       string
		query      string
		limit      int
		mockRet    []types.Profile
		mockErr    error
		callsDb    bool
		statusCode int
	}{
		{"default page", "", defaultMemberPage, members, nil, true, http.StatusOK},
		{"explicit limit", "?limit=1", 1, members[:1], nil, true, http.StatusOK},
		{"limit is capped", "?limit=100000", maxMemberPage, members, nil, true, http.StatusOK},
		{"empty community", "", defaultMemberPage, nil, nil, true, http.StatusOK},
		{"bad limit", "?limit=zero", 0, nil, nil, false, http.StatusBadRequest},
		{"negative limit", "?limit=-3", 0, nil, nil, false, http.StatusBadRequest},
		{"db error", "", defaultMemberPage, nil, errors.New("db error"), true, http.StatusInternalServerError},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			if tc.callsDb {
				app.db.On("ListMembers", mock.Anything, tc.limit).Return(tc.mockRet, tc.mockErr).Once()
			}

			rr := app.do(t, http.MethodGet, "/api/members"+tc.query, testUserId, nil)
			require.Equal(t, tc.statusCode, rr.Code)
			if tc.statusCode == http.StatusOK {
				got := decode[[]types.Profile](t, rr)
				assert.NotNil(t, got)
				assert.Len(t, got, len(tc.mockRet))
			}
		})
	}

	t.Run("requires a session", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/members", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		app.db.AssertNotCalled(t, "ListMembers", mock.Anything, mock.Anything)
	})
}

func TestGetProfile(t *testing.T) {
	tcases := []struct {
		name       string
		id         string
		mockErr    error
		callsDb    bool
		statusCode int
	}{
		{"found", otherUserId, nil, true, http.StatusOK},
		{"not found", otherUserId, sql.ErrNoRows, true, http.StatusNotFound},
		{"db error", otherUserId, errors.New("db error"), true, http.StatusInternalServerError},
		{"malformed id", "42", nil, false, http.StatusNotFound},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t)
			if tc.callsDb {
				app.db.On("GetProfile", mock.Anything, tc.id).
					Return(types.Profile{Id: tc.id, DisplayName: "Ben"}, tc.mockErr).Once()
			}

			rr := app.do(t, http.MethodGet, "/api/profiles/"+tc.id, testUserId, nil)
			assert.Equal(t, tc.statusCode, rr.Code)
		})
	}
}

func TestListMessages(t *testing.T) {
	t.Run("ascending history", func(t *testing.T) {
		app := newTestApp(t)
		msgs := []types.Message{
			{Id: "m1", ChannelId: "community", Content: "first"},
			{Id: "m2", ChannelId: "community", Content: "second"},
		}
		app.db.On("ListMessages", mock.Anything, "community").Return(msgs, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/channels/community/messages", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, msgs, decode[[]types.Message](t, rr))
	})

	t.Run("empty channel is an empty list", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("ListMessages", mock.Anything, "quiet").Return(nil, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/channels/quiet/messages", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]\n", rr.Body.String())
	})

	t.Run("invalid channel", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/channels/Not%20Valid/messages", testUserId, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestCreateMessage(t *testing.T) {
	created := types.Message{
		Id:        "m1",
		ChannelId: "community",
		AuthorId:  testUserId,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	}

	t.Run("inserts and publishes", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("CreateMessage", mock.Anything, types.NewMessage{
			ChannelId: "community",
			AuthorId:  testUserId,
			Content:   "hello",
		}).Return(created, nil).Once()
		app.pub.On("Publish", mock.MatchedBy(func(ev server.Event) bool {
			return ev.Topic == "messages:community" && ev.Type == server.EventInsert &&
				ev.Message != nil && ev.Message.Id == "m1"
		})).Once()

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{Content: "hello"})
		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "m1", decode[types.Message](t, rr).Id)
	})

	t.Run("audio only", func(t *testing.T) {
		app := newTestApp(t)
		audio := "http://localhost:8000/media/" + testUserId + "/1-abc.webm"
		app.db.On("CreateMessage", mock.Anything, types.NewMessage{
			ChannelId: "community",
			AuthorId:  testUserId,
			AudioURL:  audio,
		}).Return(types.Message{Id: "m2", AudioURL: audio}, nil).Once()
		app.pub.On("Publish", mock.Anything).Once()

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{AudioURL: audio})
		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("author comes from the session", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("CreateMessage", mock.Anything, mock.MatchedBy(func(m types.NewMessage) bool {
			return m.AuthorId == testUserId
		})).Return(created, nil).Once()
		app.pub.On("Publish", mock.Anything).Once()

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId,
			`{"content":"hello","author_id":"`+otherUserId+`"}`)
		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("empty message", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{Content: "   "})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, types.ErrEmptyMessage.Error(), decode[ApiError](t, rr).Message)
	})

	t.Run("db error does not publish", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("CreateMessage", mock.Anything, mock.Anything).Return(types.Message{}, errors.New("db error")).Once()

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{Content: "hello"})
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		app := newTestApp(t)
		app.sendLimits = newLimiterPool(0.001, 1)
		app.db.On("CreateMessage", mock.Anything, mock.Anything).Return(created, nil).Once()
		app.pub.On("Publish", mock.Anything).Once()

		rr := app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{Content: "hello"})
		assert.Equal(t, http.StatusCreated, rr.Code)

		rr = app.do(t, http.MethodPost, "/api/channels/community/messages", testUserId, SendMessageRequest{Content: "hello"})
		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	})
}

func TestTyping(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upsert stamps server time and publishes", func(t *testing.T) {
		app := newTestApp(t)
		app.now = func() time.Time { return now }
		signal := types.TypingSignal{UserId: testUserId, ChannelId: "community", UpdatedAt: now}
		app.db.On("UpsertTyping", mock.Anything, testUserId, "community", now).Return(signal, nil).Once()
		app.pub.On("Publish", server.Event{Topic: "typing:community", Type: server.EventUpdate, Typing: &signal}).Once()

		rr := app.do(t, http.MethodPut, "/api/channels/community/typing", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, now.Equal(decode[types.TypingSignal](t, rr).UpdatedAt))
	})

	t.Run("delete publishes", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("DeleteTyping", mock.Anything, testUserId, "community").Return(nil).Once()
		app.pub.On("Publish", mock.MatchedBy(func(ev server.Event) bool {
			return ev.Type == server.EventDelete && ev.Typing.UserId == testUserId
		})).Once()

		rr := app.do(t, http.MethodDelete, "/api/channels/community/typing", testUserId, nil)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("list defaults to the freshness window", func(t *testing.T) {
		app := newTestApp(t)
		app.now = func() time.Time { return now }
		app.db.On("ListTypingSince", mock.Anything, "community", now.Add(-3*time.Second)).Return(nil, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/channels/community/typing", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]\n", rr.Body.String())
	})

	t.Run("list with explicit cutoff", func(t *testing.T) {
		app := newTestApp(t)
		cutoff := now.Add(-time.Second)
		signals := []types.TypingSignal{{UserId: otherUserId, ChannelId: "community", UpdatedAt: now}}
		app.db.On("ListTypingSince", mock.Anything, "community", mock.MatchedBy(func(c time.Time) bool {
			return c.Equal(cutoff)
		})).Return(signals, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/channels/community/typing?since="+cutoff.Format(time.RFC3339Nano), testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]types.TypingSignal](t, rr), 1)
	})

	t.Run("bad cutoff", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/channels/community/typing?since=yesterday", testUserId, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestMedia(t *testing.T) {
	upload := func(t *testing.T, app *testApp, path, contentType string, body []byte) *httptest.ResponseRecorder {
		t.Helper()
		token, err := app.createJwtForSession(types.User{Id: testUserId}, defaultJwtExpiration)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPut, "/api/media/"+path, bytes.NewReader(body))
		req.AddCookie(createJwtCookie(token, defaultJwtExpiration))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		return rr
	}

	t.Run("upload then download", func(t *testing.T) {
		app := newTestApp(t)
		path := testUserId + "/1700000000000-abc.webm"

		rr := upload(t, app, path, "audio/webm; codecs=opus", []byte("clip"))
		require.Equal(t, http.StatusCreated, rr.Code)
		assert.Equal(t, "http://localhost:8000/media/"+path, decode[UploadResponse](t, rr).URL)

		rr = app.do(t, http.MethodGet, "/media/"+path, "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "audio/webm; codecs=opus", rr.Header().Get("Content-Type"))
		body, err := io.ReadAll(rr.Body)
		require.NoError(t, err)
		assert.Equal(t, "clip", string(body))
	})

	t.Run("someone else's folder", func(t *testing.T) {
		app := newTestApp(t)

		rr := upload(t, app, otherUserId+"/1-abc.png", "image/png", []byte("png"))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("no folder", func(t *testing.T) {
		app := newTestApp(t)

		rr := upload(t, app, testUserId, "image/png", []byte("png"))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("hidden path", func(t *testing.T) {
		app := newTestApp(t)

		rr := upload(t, app, testUserId+"/.meta", "image/png", []byte("png"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing content type", func(t *testing.T) {
		app := newTestApp(t)

		rr := upload(t, app, testUserId+"/1-abc.png", "", []byte("png"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("too large", func(t *testing.T) {
		app := newTestApp(t)

		rr := upload(t, app, testUserId+"/1-abc.m4a", "audio/mp4", bytes.Repeat([]byte{1}, maxMediaSize+1))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("missing object", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/media/"+testUserId+"/nothing.png", "", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestNotifications(t *testing.T) {
	n := types.Notification{
		Id:     "3b0d7a52-8f61-4f0e-9c2a-5d4e6f7a8b9c",
		UserId: testUserId,
		Type:   types.NotificationLike,
		Title:  "Ben liked your post",
	}

	t.Run("list with default limit", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("ListNotifications", mock.Anything, testUserId, 20).Return([]types.Notification{n}, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/notifications", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decode[[]types.Notification](t, rr), 1)
	})

	t.Run("list limit is capped", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("ListNotifications", mock.Anything, testUserId, 100).Return(nil, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/notifications?limit=500", testUserId, nil)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("list bad limit", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodGet, "/api/notifications?limit=-1", testUserId, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("create publishes to the recipient", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("CreateNotification", mock.Anything, database.CreateNotificationParams{
			UserId: testUserId,
			Type:   types.NotificationLike,
			Title:  "Ben liked your post",
		}).Return(n, nil).Once()
		app.pub.On("Publish", mock.MatchedBy(func(ev server.Event) bool {
			return ev.Topic == "notifications:"+testUserId && ev.Type == server.EventInsert
		})).Once()

		rr := app.do(t, http.MethodPost, "/api/notifications", otherUserId, CreateNotificationRequest{
			UserId: testUserId,
			Type:   "like",
			Title:  "Ben liked your post",
		})
		assert.Equal(t, http.StatusCreated, rr.Code)
	})

	t.Run("create validates", func(t *testing.T) {
		app := newTestApp(t)

		rr := app.do(t, http.MethodPost, "/api/notifications", otherUserId, CreateNotificationRequest{UserId: "bob", Title: "x"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = app.do(t, http.MethodPost, "/api/notifications", otherUserId, CreateNotificationRequest{UserId: testUserId})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("mark read", func(t *testing.T) {
		app := newTestApp(t)
		read := n
		read.Read = true
		app.db.On("MarkNotificationRead", mock.Anything, testUserId, n.Id).Return(read, nil).Once()
		app.pub.On("Publish", mock.MatchedBy(func(ev server.Event) bool {
			return ev.Type == server.EventUpdate && ev.Notification.Read
		})).Once()

		rr := app.do(t, http.MethodPost, "/api/notifications/"+n.Id+"/read", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, decode[types.Notification](t, rr).Read)
	})

	t.Run("mark read of someone else's notification", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("MarkNotificationRead", mock.Anything, otherUserId, n.Id).Return(types.Notification{}, sql.ErrNoRows).Once()

		rr := app.do(t, http.MethodPost, "/api/notifications/"+n.Id+"/read", otherUserId, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("mark all read", func(t *testing.T) {
		app := newTestApp(t)
		app.db.On("MarkAllNotificationsRead", mock.Anything, testUserId).Return(int64(3), nil).Once()

		rr := app.do(t, http.MethodPost, "/api/notifications/read-all", testUserId, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, int64(3), decode[MarkAllReadResponse](t, rr).Updated)
	})
}

func TestServeWs_requiresSession(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServeWs_unknownAccount(t *testing.T) {
	app := newTestApp(t)
	app.db.On("GetAccountById", mock.Anything, testUserId).Return(database.Account{}, sql.ErrNoRows).Once()

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	token, err := app.createJwtForSession(types.User{Id: testUserId}, time.Minute)
	require.NoError(t, err)
	req.AddCookie(createJwtCookie(token, time.Minute))
	req.Header.Set("Connection", "upgrade")
	req.Header.Set("Upgrade", "websocket")

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
}
