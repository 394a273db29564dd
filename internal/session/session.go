// Package session acquires and caches a session token against the REST
// endpoint, with automatic one-shot refresh-and-retry on 400/401
// responses.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// RESTClient is the minimal surface this package needs from the REST API.
// Authenticated calls attach "Authorization: Bearer <sessionToken>". A
// concrete net/http-based implementation lives in rest.go; tests substitute
// a fake.
type RESTClient interface {
	Do(ctx context.Context, method, path string, body any, sessionToken string) (*http.Response, error)
}

// AuthMode selects how a fresh token is obtained.
type AuthMode int

const (
	AuthModeAPIKey AuthMode = iota
	AuthModeChallengeResponse
)

// Signer produces an ETH signature over an arbitrary challenge payload, used
// for AuthModeChallengeResponse. Implementations typically wrap
// internal/crypto.Sign with the client's configured private key.
type Signer func(challenge []byte) (signature string, address string, err error)

// Config configures a Session.
type Config struct {
	Mode      AuthMode
	APIKey    string
	Signer    Signer
	LoginPath string // e.g. "/login/challenge" - used only in AuthModeChallengeResponse
	REST      RESTClient
	Logger    zerolog.Logger
}

// Session caches a session token and knows how to refresh it.
type Session struct {
	cfg Config

	mu    sync.Mutex
	token string
}

// New constructs a Session from cfg.
func New(cfg Config) *Session {
	return &Session{cfg: cfg}
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// GetSessionToken returns the cached token, or acquires a fresh one if
// forceRefresh is true or no token is cached yet.
func (s *Session) GetSessionToken(ctx context.Context, forceRefresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !forceRefresh {
		return s.token, nil
	}

	token, err := s.acquireLocked(ctx)
	if err != nil {
		return "", fmt.Errorf("session: acquire token: %w", err)
	}
	s.token = token
	return token, nil
}

func (s *Session) acquireLocked(ctx context.Context) (string, error) {
	switch s.cfg.Mode {
	case AuthModeAPIKey:
		return s.cfg.APIKey, nil
	case AuthModeChallengeResponse:
		return s.challengeResponseLocked(ctx)
	default:
		return "", fmt.Errorf("session: unknown auth mode %d", s.cfg.Mode)
	}
}

func (s *Session) challengeResponseLocked(ctx context.Context) (string, error) {
	if s.cfg.Signer == nil {
		return "", fmt.Errorf("session: challenge/response auth requires a Signer")
	}

	resp, err := s.cfg.REST.Do(ctx, http.MethodGet, s.cfg.LoginPath, nil, "")
	if err != nil {
		return "", fmt.Errorf("session: fetch challenge: %w", err)
	}
	defer resp.Body.Close()

	var challenge challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return "", fmt.Errorf("session: decode challenge: %w", err)
	}

	sig, address, err := s.cfg.Signer([]byte(challenge.Challenge))
	if err != nil {
		return "", fmt.Errorf("session: sign challenge: %w", err)
	}

	resp, err = s.cfg.REST.Do(ctx, http.MethodPost, s.cfg.LoginPath, map[string]string{
		"address":   address,
		"signature": sig,
	}, "")
	if err != nil {
		return "", fmt.Errorf("session: submit challenge response: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("session: decode session token: %w", err)
	}
	return tok.Token, nil
}

// WithAuthRetry runs call with the current session token, and if call
// reports a 400/401, refreshes the token once and retries exactly once
// more.
func WithAuthRetry[T any](ctx context.Context, s *Session, call func(token string) (T, error)) (T, error) {
	token, err := s.GetSessionToken(ctx, false)
	if err != nil {
		var zero T
		return zero, err
	}

	result, err := call(token)
	if err == nil || !IsUnauthorized(err) {
		return result, err
	}

	token, err = s.GetSessionToken(ctx, true)
	if err != nil {
		var zero T
		return zero, err
	}
	return call(token)
}

// unauthorizedError marks an error as a 400/401 HTTP response, triggering
// the single forced-refresh retry in WithAuthRetry.
type unauthorizedError struct{ status int }

func (e *unauthorizedError) Error() string {
	return fmt.Sprintf("session: unauthorized response (status %d)", e.status)
}

// NewUnauthorizedError wraps status as an error WithAuthRetry recognizes.
func NewUnauthorizedError(status int) error { return &unauthorizedError{status: status} }

// IsUnauthorized reports whether err was produced by NewUnauthorizedError.
func IsUnauthorized(err error) bool {
	_, ok := err.(*unauthorizedError)
	return ok
}
