package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-community/internal/database"
	"github.com/npezzotti/go-community/internal/server"
	"github.com/npezzotti/go-community/internal/storage"
	"github.com/npezzotti/go-community/internal/types"
)

const (
	maxProfileIds           = 100
	defaultMemberPage       = 100
	maxMemberPage           = 500
	defaultNotificationPage = 20
	maxNotificationPage     = 100
	// defaultTypingWindow is how far back GET typing looks when the caller
	// gives no cutoff.
	defaultTypingWindow = 3 * time.Second
	// maxMediaSize caps a single upload. Images are limited further on the
	// client.
	maxMediaSize = 25 << 20
)

type SendMessageRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

type CreateNotificationRequest struct {
	UserId      string `json:"user_id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	ReferenceId string `json:"reference_id,omitempty"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

func (s *CommunityApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *CommunityApp) writeError(w http.ResponseWriter, e *ApiError) {
	if e.Err != nil && e.StatusCode >= http.StatusInternalServerError {
		s.log.Println(e.Error())
	}
	s.writeJson(w, e.StatusCode, e)
}

func (s *CommunityApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func validId(id string) bool {
	return uuid.Validate(id) == nil
}

func channelFromPath(r *http.Request) (string, bool) {
	channel := r.PathValue("channel")
	return channel, types.ValidChannel(channel)
}

func (s *CommunityApp) getProfiles(w http.ResponseWriter, r *http.Request) {
	var ids []string
	seen := make(map[string]struct{})
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !validId(id) {
			s.writeError(w, NewValidationError(errors.New("invalid profile id "+strconv.Quote(id))))
			return
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(ids) > maxProfileIds {
		s.writeError(w, NewValidationError(errors.New("too many profile ids")))
		return
	}

	profiles := []types.Profile{}
	if len(ids) > 0 {
		found, err := s.db.GetProfiles(r.Context(), ids)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		profiles = append(profiles, found...)
	}

	s.writeJson(w, http.StatusOK, profiles)
}

func (s *CommunityApp) listMembers(w http.ResponseWriter, r *http.Request) {
	limit := defaultMemberPage
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, maxMemberPage)
	}

	members, err := s.db.ListMembers(r.Context(), limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if members == nil {
		members = []types.Profile{}
	}
	s.writeJson(w, http.StatusOK, members)
}

func (s *CommunityApp) getProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !validId(id) {
		s.writeError(w, NewNotFoundError())
		return
	}

	profile, err := s.db.GetProfile(r.Context(), id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, profile)
}

func (s *CommunityApp) listMessages(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelFromPath(r)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	messages, err := s.db.ListMessages(r.Context(), channel)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}
	s.writeJson(w, http.StatusOK, messages)
}

func (s *CommunityApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	channel, ok := channelFromPath(r)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	newMsg := types.NewMessage{
		ChannelId: channel,
		AuthorId:  userId,
		Content:   req.Content,
		ImageURL:  req.ImageURL,
		AudioURL:  req.AudioURL,
	}
	if err := newMsg.Validate(); err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	msg, err := s.db.CreateMessage(r.Context(), newMsg)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.publish(server.Event{
		Topic:   server.MessagesTopic(channel),
		Type:    server.EventInsert,
		Message: &msg,
	})

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *CommunityApp) listTyping(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelFromPath(r)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	cutoff := s.now().Add(-defaultTypingWindow)
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		cutoff = t
	}

	signals, err := s.db.ListTypingSince(r.Context(), channel, cutoff)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if signals == nil {
		signals = []types.TypingSignal{}
	}
	s.writeJson(w, http.StatusOK, signals)
}

func (s *CommunityApp) upsertTyping(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	channel, ok := channelFromPath(r)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	// the server clock stamps signals so readers compare like with like
	signal, err := s.db.UpsertTyping(r.Context(), userId, channel, s.now().UTC())
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.publish(server.Event{
		Topic:  server.TypingTopic(channel),
		Type:   server.EventUpdate,
		Typing: &signal,
	})

	s.writeJson(w, http.StatusOK, signal)
}

func (s *CommunityApp) deleteTyping(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	channel, ok := channelFromPath(r)
	if !ok {
		s.writeError(w, NewNotFoundError())
		return
	}

	if err := s.db.DeleteTyping(r.Context(), userId, channel); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.publish(server.Event{
		Topic:  server.TypingTopic(channel),
		Type:   server.EventDelete,
		Typing: &types.TypingSignal{UserId: userId, ChannelId: channel},
	})

	w.WriteHeader(http.StatusNoContent)
}

func (s *CommunityApp) uploadMedia(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	objectPath, err := storage.CleanPath(r.PathValue("path"))
	if err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	// uploads are namespaced by their owner
	if owner, _, _ := strings.Cut(objectPath, "/"); owner != userId || !strings.Contains(objectPath, "/") {
		s.writeError(w, NewForbiddenError())
		return
	}

	contentType := r.Header.Get("Content-Type")
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		s.writeError(w, NewValidationError(errors.New("missing or invalid content type")))
		return
	}

	if r.ContentLength > maxMediaSize {
		s.writeError(w, NewRequestEntityTooLargeError())
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxMediaSize)

	url, err := s.media.Upload(r.Context(), objectPath, body, contentType)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, NewRequestEntityTooLargeError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, UploadResponse{URL: url})
}

func (s *CommunityApp) serveMedia(w http.ResponseWriter, r *http.Request) {
	obj, err := s.media.Open(r.PathValue("path"))
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidPath) {
		s.writeError(w, NewNotFoundError())
		return
	}
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, path.Base(r.PathValue("path")), obj.ModTime, obj)
}

func (s *CommunityApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	limit := defaultNotificationPage
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, maxNotificationPage)
	}

	notifications, err := s.db.ListNotifications(r.Context(), userId, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if notifications == nil {
		notifications = []types.Notification{}
	}
	s.writeJson(w, http.StatusOK, notifications)
}

func (s *CommunityApp) createNotification(w http.ResponseWriter, r *http.Request) {
	var req CreateNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if !validId(req.UserId) {
		s.writeError(w, NewValidationError(errors.New("invalid user id")))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		s.writeError(w, NewValidationError(errors.New("title is required")))
		return
	}

	n, err := s.db.CreateNotification(r.Context(), database.CreateNotificationParams{
		UserId:      req.UserId,
		Type:        types.ParseNotificationType(req.Type),
		Title:       req.Title,
		Body:        req.Body,
		ReferenceId: req.ReferenceId,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.publish(server.Event{
		Topic:        server.NotificationsTopic(n.UserId),
		Type:         server.EventInsert,
		Notification: &n,
	})

	s.writeJson(w, http.StatusCreated, n)
}

func (s *CommunityApp) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	id := r.PathValue("id")
	if !validId(id) {
		s.writeError(w, NewNotFoundError())
		return
	}

	n, err := s.db.MarkNotificationRead(r.Context(), userId, id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.publish(server.Event{
		Topic:        server.NotificationsTopic(userId),
		Type:         server.EventUpdate,
		Notification: &n,
	})

	s.writeJson(w, http.StatusOK, n)
}

func (s *CommunityApp) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	updated, err := s.db.MarkAllNotificationsRead(r.Context(), userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, MarkAllReadResponse{Updated: updated})
}

func (s *CommunityApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	account, err := s.db.GetAccountById(r.Context(), id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients send no origin
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(account.User(), conn, s.cs, s.log)
	if !s.cs.RegisterClient(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
