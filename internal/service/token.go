package service

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/transport"
)

// TokenProvider supplies the current auth token for outbound connections
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenRefresher exchanges a stale credential for a fresh one
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

// BackendTokenSource gets and refreshes tokens from the backend auth
// endpoint. The cached token is returned until a refresh replaces it.
type BackendTokenSource struct {
	client     *transport.Client
	refreshURL string

	mu    sync.RWMutex
	token string
}

func NewBackendTokenSource(client *transport.Client, refreshURL string) *BackendTokenSource {
	return &BackendTokenSource{
		client:     client,
		refreshURL: refreshURL,
	}
}

func (s *BackendTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token != "" {
		return token, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Refresh calls the backend for a fresh token and swaps it into the cache.
// Refresh requests carry an idempotency key like any other mutating call.
func (s *BackendTokenSource) Refresh(ctx context.Context) error {
	req := transport.NewRequest(http.MethodPost, s.refreshURL)
	req.Header.Set("Content-Type", "application/json")
	req.IdempotencyKey = transport.NewIdempotencyKey()

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return apperrors.RefreshFailed(err)
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.RefreshFailed(apperrors.ServerError(resp.StatusCode))
	}

	token := gjson.GetBytes(resp.Body, "token").String()
	if token == "" {
		token = gjson.GetBytes(resp.Body, "accessToken").String()
	}
	if strings.TrimSpace(token) == "" {
		return apperrors.RefreshFailed(apperrors.ValidationError("refresh response carried no token"))
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	log.Info().Msg("auth token refreshed")
	return nil
}

// StaticTokenSource returns a fixed token and refuses to refresh. Useful for
// development against backends without an auth endpoint.
type StaticTokenSource struct {
	token string
}

func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(context.Context) (string, error) {
	return s.token, nil
}

func (s *StaticTokenSource) Refresh(context.Context) error {
	return apperrors.RefreshFailed(apperrors.ValidationError("static token cannot be refreshed"))
}
