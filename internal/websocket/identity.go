package websocket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousUserID is used when no identity can be determined.
const AnonymousUserID = "anonymous"

// IdentitySource records where a resolved user id came from.
type IdentitySource string

const (
	IdentityExplicit  IdentitySource = "explicit"
	IdentityToken     IdentitySource = "token"
	IdentityCached    IdentitySource = "cache"
	IdentityAnonymous IdentitySource = "anonymous"
)

// IdentityCache supplies the last known session when the caller passes
// neither a user id nor a decodable token.
type IdentityCache interface {
	CachedIdentity() (userID, token string, ok bool)
}

// Identity is the user id and token presented in the handshake.
type Identity struct {
	UserID string
	Token  string
	Source IdentitySource
}

// subjectClaims lists the claims checked for a user id, most specific first.
var subjectClaims = []string{"sub", "id", "userId", "user", "_id"}

// ResolveIdentity picks the handshake identity: explicit user id, then the
// token's subject claim, then the cached session, then anonymous.
//
// Malformed tokens never fail the resolution; they only skip the token step.
func ResolveIdentity(userID, token string, cache IdentityCache) Identity {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)

	var cachedUser, cachedToken string
	var cached bool
	if cache != nil && (userID == "" || token == "") {
		cachedUser, cachedToken, cached = cache.CachedIdentity()
	}
	if token == "" && cached {
		token = cachedToken
	}

	if userID != "" {
		return Identity{UserID: userID, Token: token, Source: IdentityExplicit}
	}
	if token != "" {
		if sub, err := TokenSubject(token); err == nil {
			return Identity{UserID: sub, Token: token, Source: IdentityToken}
		}
	}
	if cached && cachedUser != "" {
		return Identity{UserID: cachedUser, Token: token, Source: IdentityCached}
	}
	return Identity{UserID: AnonymousUserID, Token: token, Source: IdentityAnonymous}
}

// anonymousReason explains why id fell back to the anonymous user.
func (id Identity) anonymousReason() string {
	if id.Token == "" {
		return "no user id or token available"
	}
	if _, err := TokenSubject(id.Token); err != nil {
		return fmt.Sprintf("token has no subject (%v)", err)
	}
	return "no user id available"
}

// TokenSubject extracts a user id from a JWT without verifying it.
//
// The signature is not checked: the id is only used to label the handshake,
// the server verifies the token itself.
func TokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, name := range subjectClaims {
		if id := claimString(claims[name]); id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("token has no subject claim")
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		// Some issuers nest the user object, e.g. {"user": {"id": "..."}}.
		for _, key := range []string{"id", "_id"} {
			if id := claimString(t[key]); id != "" {
				return id
			}
		}
	}
	return ""
}
