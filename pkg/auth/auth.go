// Package auth mints the short-lived HS256 tokens sent to the write endpoint
// and the realtime channel on behalf of the current user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTTL = 15 * time.Minute

var (
	ErrNoSecret     = errors.New("auth: signing secret is empty")
	ErrNoSubject    = errors.New("auth: no user to sign for")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
)

type Signer struct {
	secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration

	// Now is the clock; tests override it.
	Now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	token   string
	expires time.Time
}

func NewSigner(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Signer{
		secret: []byte(secret),
		Issuer: issuer,
		TTL:    DefaultTTL,
		Now:    time.Now,
		cache:  make(map[string]cached),
	}, nil
}

// Sign returns a token for userID. A token is reused until half its lifetime
// has passed.
func (s *Signer) Sign(userID string) (string, error) {
	if userID == "" {
		return "", ErrNoSubject
	}

	now := s.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[userID]; ok && now.Add(s.TTL/2).Before(c.expires) {
		return c.token, nil
	}

	expires := now.Add(s.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	if aud := strings.TrimSpace(s.Audience); aud != "" {
		claims.Audience = jwt.ClaimStrings{aud}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.cache[userID] = cached{token: signed, expires: expires}
	return signed, nil
}

// TokenFunc signs for the user bound to the call's ctx by ContextWithUser, or,
// when none is bound, for whoever fallback returns at call time.
func (s *Signer) TokenFunc(fallback func() string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if userID, ok := UserFromContext(ctx); ok {
			return s.Sign(userID)
		}
		if fallback == nil {
			return "", ErrNoSubject
		}
		return s.Sign(fallback())
	}
}

type userKey struct{}

// ContextWithUser binds the user a request is made on behalf of.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}

// Verify parses token and returns its subject.
func (s *Signer) Verify(token string) (string, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(s.Now),
	}
	if s.Issuer != "" {
		options = append(options, jwt.WithIssuer(s.Issuer))
	}
	if aud := strings.TrimSpace(s.Audience); aud != "" {
		options = append(options, jwt.WithAudience(aud))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
