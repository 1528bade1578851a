package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
)

const (
	tokenCookieKey   = "token"
	tokenQueryParam  = "access_token"
	subjectClaim     = "sub"
	legacyUserClaim  = "user-id"
	emailClaim       = "email"
	bearerAuthScheme = "Bearer "
)

var errNoToken = errors.New("no bearer token in request")

// Identity is the authenticated caller, derived once from the bearer token.
type Identity struct {
	UserId int
	Email  string
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// UserId returns the authenticated user id stored in ctx.
func UserId(ctx context.Context) (int, bool) {
	id, ok := IdentityFromContext(ctx)
	return id.UserId, ok
}

// tokenFromRequest looks for the bearer token in the Authorization header,
// then the access_token query parameter, then the token cookie. Browsers
// cannot set headers on websocket handshakes, hence the fallbacks.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, bearerAuthScheme) {
			return "", fmt.Errorf("unsupported authorization scheme")
		}
		if tok := strings.TrimSpace(strings.TrimPrefix(h, bearerAuthScheme)); tok != "" {
			return tok, nil
		}
	}

	if tok := r.URL.Query().Get(tokenQueryParam); tok != "" {
		return tok, nil
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil && c.Value != "" {
		return c.Value, nil
	}

	return "", errNoToken
}

func (s *ChatApp) verifyToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid token claims")
	}

	userId, err := userIdFromClaims(claims)
	if err != nil {
		return Identity{}, err
	}

	email, _ := claims[emailClaim].(string)
	return Identity{UserId: userId, Email: email}, nil
}

func userIdFromClaims(claims jwt.MapClaims) (int, error) {
	for _, key := range []string{subjectClaim, legacyUserClaim} {
		switch v := claims[key].(type) {
		case float64:
			if v > 0 {
				return int(v), nil
			}
		case string:
			id, err := strconv.Atoi(v)
			if err == nil && id > 0 {
				return id, nil
			}
		}
	}

	return 0, fmt.Errorf("token carries no user id")
}
