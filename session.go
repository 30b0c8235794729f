package inbox

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Session supplies the local user identity and bearer credential. Invalidate
// is the external logout flow; the SDK calls it on any 401.
type Session interface {
	UserID() string
	Token() string
	Invalidate()
}

// StaticSession is a fixed identity, mostly useful in tests and scripts.
type StaticSession struct {
	mu           sync.Mutex
	userID       string
	token        string
	onInvalidate func()
	invalidated  bool
}

// NewStaticSession returns a session for userID authenticated by token.
// onInvalidate may be nil.
func NewStaticSession(userID, token string, onInvalidate func()) *StaticSession {
	return &StaticSession{userID: userID, token: token, onInvalidate: onInvalidate}
}

func (s *StaticSession) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *StaticSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Invalidate clears the credential and runs the logout hook once.
func (s *StaticSession) Invalidate() {
	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return
	}
	s.invalidated = true
	s.userID = ""
	s.token = ""
	hook := s.onInvalidate
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Invalidated reports whether Invalidate has run.
func (s *StaticSession) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// NewTokenSession derives the local user id from the claims of a bearer JWT.
// The signature is not checked here; the server verifies every request.
func NewTokenSession(token string, onInvalidate func()) (*StaticSession, error) {
	userID, err := UserIDFromToken(token)
	if err != nil {
		return nil, err
	}
	return NewStaticSession(userID, token, onInvalidate), nil
}

// UserIDFromToken reads the user id from the "userId", "id" or "sub" claim.
func UserIDFromToken(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrNoSession
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	for _, key := range []string{"userId", "id", "_id"} {
		if id := ExtractID(claims[key]); id != "" {
			return id, nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("session token has no user id claim: %w", ErrNoSession)
}
