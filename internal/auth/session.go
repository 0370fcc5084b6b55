// Package auth holds the signed-in user's credentials for the lifetime of a
// login. A Session is created empty, populated by Login, cleared by Logout,
// and handed to the API client as its credential provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/colthorp/fitsync-go/internal/core"
)

var (
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrRefreshUnavailable = errors.New("no refresh token available")
	ErrInvalidToken       = errors.New("invalid token")
)

// Tokens is what a login or refresh produces.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Refresher exchanges a refresh token for new tokens. The exchange itself
// belongs to the identity provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	return f(ctx, refreshToken)
}

// Claims are the parts of the access token the client reads. The signature is
// never verified client-side.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Session is the process-wide credential state.
type Session struct {
	mu        sync.RWMutex
	tokens    Tokens
	claims    *Claims
	refreshMu sync.Mutex
	refresher Refresher
	store     TokenStore
	logger    *zap.Logger
}

// NewSession creates a logged-out session. refresher and store may be nil.
func NewSession(refresher Refresher, store TokenStore, logger *zap.Logger) *Session {
	return &Session{
		refresher: refresher,
		store:     store,
		logger:    core.OrNop(logger),
	}
}

// Restore loads previously saved tokens from the store, if any. It reports
// whether a login was restored.
func (s *Session) Restore() (bool, error) {
	if s.store == nil {
		return false, nil
	}
	tokens, err := s.store.Load()
	if err != nil {
		return false, err
	}
	if tokens.AccessToken == "" {
		return false, nil
	}
	s.set(tokens)
	return true, nil
}

// Login installs tokens and persists them.
func (s *Session) Login(tokens Tokens) error {
	tokens.AccessToken = strings.TrimSpace(strings.TrimPrefix(tokens.AccessToken, "Bearer "))
	if tokens.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrInvalidToken)
	}
	s.set(tokens)
	if s.store != nil {
		if err := s.store.Save(tokens); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
	}
	s.logger.Info("logged in", zap.String("subject", s.Subject()))
	return nil
}

// Logout clears the tokens from memory and from the store.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.tokens = Tokens{}
	s.claims = nil
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
	}
	s.logger.Info("logged out")
	return nil
}

func (s *Session) set(tokens Tokens) {
	claims := parseClaims(tokens.AccessToken)
	s.mu.Lock()
	s.tokens = tokens
	s.claims = claims
	s.mu.Unlock()
}

// parseClaims reads an access token's claims without verifying it. Opaque
// (non-JWT) tokens yield nil.
func parseClaims(token string) *Claims {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

// LoggedIn reports whether an access token is installed.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken != ""
}

// Subject returns the token's subject claim, or "" for opaque tokens.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

// ExpiresAt returns the access token's expiry when it is a JWT carrying one.
func (s *Session) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return s.claims.ExpiresAt.Time, true
}

// Token returns the current bearer credential.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens.AccessToken == "" {
		return "", ErrNotLoggedIn
	}
	return s.tokens.AccessToken, nil
}

// Refresh obtains a new access token through the refresher. Concurrent
// callers are serialized, and a caller that waited while another refresh
// succeeded gets that token without a second exchange.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	before := s.tokens
	s.mu.RUnlock()

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	current := s.tokens
	s.mu.RUnlock()
	if current.AccessToken == "" {
		return "", ErrNotLoggedIn
	}
	if current.AccessToken != before.AccessToken {
		return current.AccessToken, nil
	}
	if s.refresher == nil || current.RefreshToken == "" {
		return "", ErrRefreshUnavailable
	}

	tokens, err := s.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", zap.Error(err))
		return "", err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = current.RefreshToken
	}
	s.set(tokens)
	if s.store != nil {
		if err := s.store.Save(tokens); err != nil {
			s.logger.Warn("failed to save refreshed credentials", zap.Error(err))
		}
	}
	s.logger.Debug("token refreshed")
	return tokens.AccessToken, nil
}
