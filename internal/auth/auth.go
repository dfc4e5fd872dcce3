// Package auth verifies the bearer tokens minted by the external identity
// provider and resolves them to local user rows.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
)

// UserStore is the repository slice used to mirror identities locally.
type UserStore interface {
	UpsertUser(ctx context.Context, user domain.User) error
}

type Authenticator struct {
	secret  []byte
	e2eAuth bool
	users   UserStore
}

func New(secret string, e2eAuth bool, users UserStore) *Authenticator {
	return &Authenticator{secret: []byte(secret), e2eAuth: e2eAuth, users: users}
}

// Authenticate resolves the request to a user. Tokens are accepted from the
// Authorization header or, for websocket clients that cannot set headers,
// from the token query parameter.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*domain.User, error) {
	token := bearerToken(r)

	if a.e2eAuth {
		if user := a.testUser(r, token); user != nil {
			a.upsert(ctx, user)
			return user, nil
		}
	}

	if token == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "missing token")
	}
	user, err := a.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	a.upsert(ctx, user)
	return user, nil
}

// VerifyToken validates an HS256 token and extracts the identity claims.
func (a *Authenticator) VerifyToken(tokenStr string) (*domain.User, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperr.New(apperr.CodeUnauthorized, "invalid token claims")
	}
	uid, _ := claims["uid"].(string)
	if uid == "" {
		// some providers put the user id in sub instead
		uid, _ = claims["sub"].(string)
	}
	if uid == "" {
		return nil, apperr.New(apperr.CodeUnauthorized, "token has no user id")
	}

	user := &domain.User{ID: uid}
	user.Email, _ = claims["email"].(string)
	user.Name, _ = claims["name"].(string)
	user.Avatar, _ = claims["avatar"].(string)
	user.Color, _ = claims["color"].(string)
	user.Tier, _ = claims["tier"].(string)
	if user.Name == "" {
		user.Name = "Anonymous"
	}
	return user, nil
}

// NewToken mints a token for the given user. Only the test harness and local
// tooling use this; production tokens come from the identity provider.
func (a *Authenticator) NewToken(user domain.User) (string, error) {
	claims := jwt.MapClaims{
		"uid":    user.ID,
		"email":  user.Email,
		"name":   user.Name,
		"avatar": user.Avatar,
		"color":  user.Color,
		"tier":   user.Tier,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// testUser accepts the e2e shortcut: a test-{user_id} token, optionally with
// X-Test-User-Name. Only honored when e2e auth is enabled.
func (a *Authenticator) testUser(r *http.Request, token string) *domain.User {
	if !strings.HasPrefix(token, "test-") {
		return nil
	}
	uid := strings.TrimPrefix(token, "test-")
	if uid == "" {
		return nil
	}
	name := r.Header.Get("X-Test-User-Name")
	if name == "" {
		name = "Test User " + uid
	}
	return &domain.User{ID: uid, Name: name}
}

func (a *Authenticator) upsert(ctx context.Context, user *domain.User) {
	if a.users == nil {
		return
	}
	if err := a.users.UpsertUser(ctx, *user); err != nil {
		logger.Log.Error("user upsert failed", "user_id", user.ID, "error", err)
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
