// Package api is the HTTP surface of the community backend: accounts,
// profiles, channel messages, typing signals, media and notifications.
package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-community/internal/config"
	"github.com/npezzotti/go-community/internal/database"
	"github.com/npezzotti/go-community/internal/server"
	"github.com/npezzotti/go-community/internal/storage"
)

const (
	// sendRate and sendBurst bound how fast one user may post messages.
	sendRate  = 2
	sendBurst = 5
	// typingRate bounds typing refreshes; clients send at most one a second.
	typingRate  = 4
	typingBurst = 4
)

// EventPublisher pushes row changes to change feed subscribers.
type EventPublisher interface {
	Publish(ev server.Event)
}

// MediaStorage stores uploaded attachments and reads them back.
type MediaStorage interface {
	Upload(ctx context.Context, path string, body io.Reader, contentType string) (string, error)
	Open(path string) (*storage.Object, error)
}

type CommunityApp struct {
	log            *log.Logger
	db             database.CommunityRepository
	srv            *http.Server
	cs             *server.ChatServer
	events         EventPublisher
	media          MediaStorage
	signingKey     []byte
	allowedOrigins []string
	sendLimits     *limiterPool
	typingLimits   *limiterPool
	now            func() time.Time
}

func NewCommunityApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.CommunityRepository, media MediaStorage, cfg *config.Config) *CommunityApp {
	s := &CommunityApp{
		log:            logger,
		db:             db,
		cs:             cs,
		media:          media,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		sendLimits:     newLimiterPool(sendRate, sendBurst),
		typingLimits:   newLimiterPool(typingRate, typingBurst),
		now:            time.Now,
	}
	if cs != nil {
		s.events = cs
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("POST /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("GET /api/profiles", s.authMiddleware(s.getProfiles))
	mux.HandleFunc("GET /api/profiles/{id}", s.authMiddleware(s.getProfile))
	mux.HandleFunc("GET /api/members", s.authMiddleware(s.listMembers))
	mux.HandleFunc("GET /api/channels/{channel}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("POST /api/channels/{channel}/messages", s.authMiddleware(s.limitMiddleware(s.sendLimits, s.createMessage)))
	mux.HandleFunc("GET /api/channels/{channel}/typing", s.authMiddleware(s.listTyping))
	mux.HandleFunc("PUT /api/channels/{channel}/typing", s.authMiddleware(s.limitMiddleware(s.typingLimits, s.upsertTyping)))
	mux.HandleFunc("DELETE /api/channels/{channel}/typing", s.authMiddleware(s.deleteTyping))
	mux.HandleFunc("PUT /api/media/{path...}", s.authMiddleware(s.uploadMedia))
	mux.HandleFunc("GET /media/{path...}", s.serveMedia)
	mux.HandleFunc("GET /api/notifications", s.authMiddleware(s.listNotifications))
	mux.HandleFunc("POST /api/notifications", s.authMiddleware(s.createNotification))
	mux.HandleFunc("POST /api/notifications/read-all", s.authMiddleware(s.markAllNotificationsRead))
	mux.HandleFunc("POST /api/notifications/{id}/read", s.authMiddleware(s.markNotificationRead))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped router.
func (s *CommunityApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *CommunityApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *CommunityApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *CommunityApp) publish(ev server.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(ev)
}
