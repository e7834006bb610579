package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/config"
)

const (
	sessionPrefix      = "session:"
	userSessionsPrefix = "user_sessions:"
)

// Identity is an authenticated user.
type Identity struct {
	UserID int64
	Token  string
}

// Authenticator turns a bearer token into an Identity or fails with an
// Unauthorized error.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// TokenAuthenticator validates JWTs and requires a live session entry in the
// cache, so logout and ban take effect before the token expires.
type TokenAuthenticator struct {
	cache cache.Cache
	sec   config.SecurityConfig
}

func NewTokenAuthenticator(c cache.Cache, sec config.SecurityConfig) *TokenAuthenticator {
	return &TokenAuthenticator{cache: c, sec: sec}
}

func SessionKey(token string) string { return sessionPrefix + token }

// UserSessionsKey names the set of live tokens issued to userID.
func UserSessionsKey(userID int64) string {
	return userSessionsPrefix + strconv.FormatInt(userID, 10)
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperr.Unauthorized("missing token")
	}
	claims, err := ParseToken(token, a.sec.JWTSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	exists, err := a.cache.Exists(cctx, SessionKey(token))
	if err != nil || !exists {
		return nil, apperr.Unauthorized("session expired")
	}
	return &Identity{UserID: claims.UserID, Token: token}, nil
}

// Issue signs a new token for userID and records its session.
func (a *TokenAuthenticator) Issue(ctx context.Context, userID int64) (string, error) {
	token, err := GenerateToken(userID, a.sec.JWTSecret, a.sec.JWTTTLH)
	if err != nil {
		return "", apperr.Internal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.cache.Set(cctx, SessionKey(token), strconv.FormatInt(userID, 10), a.sec.JWTTTLH); err != nil {
		return "", apperr.Internal(err)
	}
	setKey := UserSessionsKey(userID)
	if err := a.cache.SAdd(cctx, setKey, token); err != nil {
		return "", apperr.Internal(err)
	}
	// The set lives as long as its newest token.
	if err := a.cache.Expire(cctx, setKey, a.sec.JWTTTLH); err != nil {
		return "", apperr.Internal(err)
	}
	return token, nil
}

// Revoke deletes the session for token. Missing sessions are not an error.
func (a *TokenAuthenticator) Revoke(ctx context.Context, token string) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	owner, err := a.cache.Get(cctx, SessionKey(token))
	if err != nil && !cache.IsNotFound(err) {
		return err
	}
	if err := a.cache.Del(cctx, SessionKey(token)); err != nil {
		return err
	}
	if uid, perr := strconv.ParseInt(owner, 10, 64); perr == nil {
		return a.cache.SRem(cctx, UserSessionsKey(uid), token)
	}
	return nil
}

// RevokeUser deletes every session issued to userID and returns how many
// tokens it invalidated.
func (a *TokenAuthenticator) RevokeUser(ctx context.Context, userID int64) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	setKey := UserSessionsKey(userID)
	tokens, err := a.cache.SMembers(cctx, setKey)
	if err != nil {
		if cache.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, SessionKey(t))
	}
	keys = append(keys, setKey)
	if err := a.cache.Del(cctx, keys...); err != nil {
		return 0, err
	}
	return len(tokens), nil
}
