package storage

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bhandras/marketchat/internal/crypto"
	"github.com/bhandras/marketchat/pkg/types"
)

const (
	sessionFileName = "session.json"
	sessionKeyName  = "session.key"
)

// CachedSession is the last signed-in user, persisted under the home dir so
// the realtime connection can recover an identity when the caller supplies
// neither a user id nor a token.
type CachedSession struct {
	UserID string     `json:"userId"`
	Name   string     `json:"name,omitempty"`
	Role   types.Role `json:"role,omitempty"`
	// Token is never written in clear text; see sealedSession.
	Token       string `json:"-"`
	UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
}

type sealedSession struct {
	CachedSession
	SealedToken []byte `json:"sealedToken,omitempty"`
}

// SessionCache reads and writes the cached session under a home directory.
type SessionCache struct {
	home string
}

// NewSessionCache returns a cache rooted at home.
func NewSessionCache(home string) *SessionCache {
	return &SessionCache{home: home}
}

// Load reads the cached session.
//
// ok is false when no session has been saved.
func (c *SessionCache) Load() (session CachedSession, ok bool, err error) {
	path, err := c.path(sessionFileName)
	if err != nil {
		return CachedSession{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return CachedSession{}, false, nil
		}
		return CachedSession{}, false, err
	}

	var stored sealedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return CachedSession{}, false, fmt.Errorf("failed to parse session: %w", err)
	}
	session = stored.CachedSession

	if len(stored.SealedToken) > 0 {
		key, err := c.key()
		if err != nil {
			return CachedSession{}, false, err
		}
		token, err := crypto.Open(stored.SealedToken, key)
		if err != nil {
			return CachedSession{}, false, fmt.Errorf("failed to open session token: %w", err)
		}
		session.Token = string(token)
	}
	return session, true, nil
}

// Save writes the session to disk, sealing the token with the local key.
func (c *SessionCache) Save(session CachedSession) error {
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("missing user id")
	}
	path, err := c.path(sessionFileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	session.UpdatedAtMs = time.Now().UnixMilli()
	stored := sealedSession{CachedSession: session}
	if session.Token != "" {
		key, err := c.key()
		if err != nil {
			return err
		}
		stored.SealedToken, err = crypto.Seal([]byte(session.Token), key)
		if err != nil {
			return err
		}
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Clear removes the cached session. Removing a missing session is not an error.
func (c *SessionCache) Clear() error {
	path, err := c.path(sessionFileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CachedIdentity implements websocket.IdentityCache.
func (c *SessionCache) CachedIdentity() (userID, token string, ok bool) {
	session, ok, err := c.Load()
	if err != nil || !ok {
		return "", "", false
	}
	return session.UserID, session.Token, session.UserID != "" || session.Token != ""
}

// key loads the sealing key, creating it on first use. An unreadable key is
// replaced, after which tokens sealed with the old key fail to open.
func (c *SessionCache) key() (*[32]byte, error) {
	path, err := c.path(sessionKeyName)
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(raw) == 32 {
			return crypto.KeyFromBytes(raw)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}

	key := new([32]byte)
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create home dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key[:])
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write session key: %w", err)
	}
	return key, nil
}

func (c *SessionCache) path(name string) (string, error) {
	if c == nil || strings.TrimSpace(c.home) == "" {
		return "", fmt.Errorf("missing home dir")
	}
	return filepath.Join(c.home, name), nil
}
