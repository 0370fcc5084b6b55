package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	s, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestSessionLifecycle(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	s := NewSession(nil, store, nil)

	_, err := s.Token(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.False(t, s.LoggedIn())

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signedToken(t, "user-1", exp)
	require.NoError(t, s.Login(Tokens{AccessToken: "Bearer " + access, RefreshToken: "r1"}))

	token, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, token)
	assert.Equal(t, "user-1", s.Subject())
	gotExp, ok := s.ExpiresAt()
	require.True(t, ok)
	assert.True(t, gotExp.Equal(exp))

	restored := NewSession(nil, store, nil)
	ok, err = restored.Restore()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "user-1", restored.Subject())

	require.NoError(t, s.Logout())
	assert.False(t, s.LoggedIn())
	_, err = os.Stat(store.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSessionOpaqueToken(t *testing.T) {
	s := NewSession(nil, nil, nil)
	require.NoError(t, s.Login(Tokens{AccessToken: "opaque-api-token"}))
	assert.Equal(t, "", s.Subject())
	_, ok := s.ExpiresAt()
	assert.False(t, ok)

	assert.ErrorIs(t, s.Login(Tokens{AccessToken: "  "}), ErrInvalidToken)
}

func TestSessionRefresh(t *testing.T) {
	var calls int32
	refresher := RefreshFunc(func(ctx context.Context, refreshToken string) (Tokens, error) {
		atomic.AddInt32(&calls, 1)
		if refreshToken != "r1" {
			return Tokens{}, errors.New("bad refresh token")
		}
		time.Sleep(50 * time.Millisecond)
		return Tokens{AccessToken: "new-access"}, nil
	})
	s := NewSession(refresher, nil, nil)
	require.NoError(t, s.Login(Tokens{AccessToken: "old-access", RefreshToken: "r1"}))

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			results[i] = token
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "new-access", r)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent 401s should share one refresh")

	token, _ := s.Token(context.Background())
	assert.Equal(t, "new-access", token)
}

func TestSessionRefreshUnavailable(t *testing.T) {
	s := NewSession(nil, nil, nil)
	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	require.NoError(t, s.Login(Tokens{AccessToken: "a"}))
	_, err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshUnavailable)
}
