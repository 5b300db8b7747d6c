// Package auth resolves the bearer token and the viewer's user id for API
// calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"classifieds-sync/storage"
)

// ErrNoToken is returned when no bearer token can be resolved.
var ErrNoToken = errors.New("no auth token")

// TokenKeys are the persisted keys checked for a token, in order.
var TokenKeys = []string{"auth_token", "access_token", "token"}

// UserIDKey is the persisted key holding the viewer's id.
const UserIDKey = "user_id"

// Store is the persisted key-value store the session falls back to.
type Store interface {
	LoadString(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Credentials is a resolved token plus the viewer it belongs to.
type Credentials struct {
	Token  string
	UserID string
}

// Session is the in-memory auth context with persisted fallback.
type Session struct {
	mu     sync.RWMutex
	token  string
	userID string
	store  Store
	logger *slog.Logger
}

// NewSession creates a session backed by store.
func NewSession(store Store, logger *slog.Logger) *Session {
	return &Session{store: store, logger: logger}
}

// SetToken sets the in-memory credentials and persists them.
func (s *Session) SetToken(ctx context.Context, token, userID string) error {
	token = strings.TrimSpace(token)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = ViewerIDFromToken(token)
	}

	s.mu.Lock()
	s.token = token
	s.userID = userID
	s.mu.Unlock()

	if err := s.store.Save(ctx, TokenKeys[0], token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if userID != "" {
		if err := s.store.Save(ctx, UserIDKey, userID); err != nil {
			return fmt.Errorf("persist user id: %w", err)
		}
	}
	return nil
}

// Clear forgets the in-memory credentials and every persisted token key.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.userID = ""
	s.mu.Unlock()

	for _, key := range append(TokenKeys, UserIDKey) {
		if err := s.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

// Resolve returns the current credentials: the in-memory token first, then
// the first non-empty persisted token key. The viewer id comes from memory,
// then the persisted user id, then the token's claims.
func (s *Session) Resolve(ctx context.Context) (Credentials, error) {
	s.mu.RLock()
	creds := Credentials{Token: s.token, UserID: s.userID}
	s.mu.RUnlock()

	if creds.Token == "" {
		for _, key := range TokenKeys {
			v, err := s.store.LoadString(ctx, key)
			if err != nil {
				if !storage.IsNotFound(err) {
					s.logger.Debug("Token key unreadable", "key", key, "error", err)
				}
				continue
			}
			if v = strings.TrimSpace(v); v != "" {
				creds.Token = v
				break
			}
		}
	}
	if creds.Token == "" {
		return Credentials{}, ErrNoToken
	}

	if creds.UserID == "" {
		if v, err := s.store.LoadString(ctx, UserIDKey); err == nil {
			creds.UserID = strings.TrimSpace(v)
		}
	}
	if creds.UserID == "" {
		creds.UserID = ViewerIDFromToken(creds.Token)
	}
	return creds, nil
}

// ViewerIDFromToken reads the subject of a JWT bearer token without
// verifying it. The server is the one verifying; the client only needs to
// know who it is. Returns "" for opaque tokens.
func ViewerIDFromToken(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	for _, k := range []string{"user_id", "id", "uid"} {
		switch v := claims[k].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
