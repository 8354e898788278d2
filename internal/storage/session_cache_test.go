package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bhandras/marketchat/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestSessionCacheRoundTrip(t *testing.T) {
	home := t.TempDir()
	cache := NewSessionCache(home)

	in := CachedSession{
		UserID: "u-42",
		Name:   "Ada",
		Role:   types.RoleVendor,
		Token:  "secret-token",
	}
	require.NoError(t, cache.Save(in))

	got, ok, err := cache.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-42", got.UserID)
	require.Equal(t, types.RoleVendor, got.Role)
	require.Equal(t, "secret-token", got.Token)
	require.NotZero(t, got.UpdatedAtMs)

	raw, err := os.ReadFile(filepath.Join(home, sessionFileName))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret-token")
}

func TestSessionCacheMissing(t *testing.T) {
	cache := NewSessionCache(t.TempDir())

	_, ok, err := cache.Load()
	require.NoError(t, err)
	require.False(t, ok)

	_, _, ok = cache.CachedIdentity()
	require.False(t, ok)

	require.NoError(t, cache.Clear())
}

func TestSessionCacheClear(t *testing.T) {
	cache := NewSessionCache(t.TempDir())
	require.NoError(t, cache.Save(CachedSession{UserID: "u1"}))

	userID, token, ok := cache.CachedIdentity()
	require.True(t, ok)
	require.Equal(t, "u1", userID)
	require.Empty(t, token)

	require.NoError(t, cache.Clear())
	_, ok, err := cache.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionCacheRequiresUserID(t *testing.T) {
	cache := NewSessionCache(t.TempDir())
	require.Error(t, cache.Save(CachedSession{Token: "t"}))
}

func TestSessionCacheKeyIsStable(t *testing.T) {
	cache := NewSessionCache(filepath.Join(t.TempDir(), "nested"))
	first, err := cache.key()
	require.NoError(t, err)

	second, err := cache.key()
	require.NoError(t, err)
	require.Equal(t, *first, *second)
}

func TestSessionCacheReplacesCorruptKey(t *testing.T) {
	home := t.TempDir()
	cache := NewSessionCache(home)
	require.NoError(t, cache.Save(CachedSession{UserID: "u-1", Token: "tok"}))

	keyPath := filepath.Join(home, sessionKeyName)
	require.NoError(t, os.WriteFile(keyPath, []byte("garbage"), 0o600))

	_, err := cache.key()
	require.NoError(t, err)
	require.NoError(t, cache.Save(CachedSession{UserID: "u-2", Token: "tok-2"}))

	got, ok, err := cache.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u-2", got.UserID)
	require.Equal(t, "tok-2", got.Token)
}
