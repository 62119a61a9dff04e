package session

import (
	"errors"
	"sync"

	"github.com/npezzotti/go-community/internal/types"
)

// ErrNotSignedIn blocks write actions attempted without a current user.
var ErrNotSignedIn = errors.New("you must be signed in")

// Session holds the signed-in user. Components receive it explicitly
// instead of looking the user up globally.
type Session struct {
	mu   sync.RWMutex
	user *types.User
}

func New(user *types.User) *Session {
	return &Session{user: user}
}

func (s *Session) CurrentUser() (types.User, bool) {
	if s == nil {
		return types.User{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return types.User{}, false
	}
	return *s.user, true
}

func (s *Session) RequireUser() (types.User, error) {
	u, ok := s.CurrentUser()
	if !ok || u.Id == "" {
		return types.User{}, ErrNotSignedIn
	}
	return u, nil
}

func (s *Session) SignIn(user types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &user
}

func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
}
