package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/transport"
)

func newTokenBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestBackendTokenSource(t *testing.T) {
	ctx := context.Background()
	client := transport.NewClient(transport.Options{Retries: transport.NoRetries})

	t.Run("first token fetch refreshes lazily", func(t *testing.T) {
		var hits atomic.Int32
		srv := newTokenBackend(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
			w.Write([]byte(`{"token":"tok1"}`))
		})

		src := NewBackendTokenSource(client, srv.URL)
		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok1", token)

		// cached, no second hit
		token, err = src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok1", token)
		assert.EqualValues(t, 1, hits.Load())
	})

	t.Run("refresh swaps the cached token", func(t *testing.T) {
		var hits atomic.Int32
		srv := newTokenBackend(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.Write([]byte(`{"token":"tok1"}`))
				return
			}
			w.Write([]byte(`{"token":"tok2"}`))
		})

		src := NewBackendTokenSource(client, srv.URL)
		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok1", token)

		require.NoError(t, src.Refresh(ctx))
		token, err = src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tok2", token)
	})

	t.Run("accessToken field is accepted", func(t *testing.T) {
		srv := newTokenBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"accessToken":"tokA"}`))
		})

		src := NewBackendTokenSource(client, srv.URL)
		token, err := src.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tokA", token)
	})

	t.Run("error status fails the refresh", func(t *testing.T) {
		srv := newTokenBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

		src := NewBackendTokenSource(client, srv.URL)
		err := src.Refresh(ctx)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRefreshFailed))
	})

	t.Run("empty token body fails the refresh", func(t *testing.T) {
		srv := newTokenBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		})

		src := NewBackendTokenSource(client, srv.URL)
		err := src.Refresh(ctx)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRefreshFailed))
	})
}

func TestStaticTokenSource(t *testing.T) {
	src := NewStaticTokenSource("fixed")

	token, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)

	err = src.Refresh(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRefreshFailed))
}
