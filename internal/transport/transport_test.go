package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/util"
)

type attemptLog struct {
	mu    sync.Mutex
	times []time.Time
	keys  []string
}

func (l *attemptLog) record(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = append(l.times, time.Now())
	l.keys = append(l.keys, r.Header.Get("Idempotency-Key"))
}

func (l *attemptLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.times)
}

func TestRetryOnServerError(t *testing.T) {
	t.Run("always-503 makes exactly retries+1 attempts with stable key", func(t *testing.T) {
		logbook := &attemptLog{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logbook.record(r)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodPost, srv.URL)
		req.Retries = 2
		req.IdempotencyKey = NewIdempotencyKey()

		resp, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.True(t, resp.ServerError())

		require.Equal(t, 3, logbook.count())
		for _, key := range logbook.keys {
			assert.Equal(t, req.IdempotencyKey, key)
		}
	})

	t.Run("delays between attempts increase and stay within backoff bounds", func(t *testing.T) {
		logbook := &attemptLog{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logbook.record(r)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, srv.URL)
		req.Retries = 2

		_, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, 3, logbook.count())

		// attempt n (0-indexed) waits 300*2^n plus jitter in [0, 100) ms
		d1 := logbook.times[1].Sub(logbook.times[0])
		d2 := logbook.times[2].Sub(logbook.times[1])
		assert.GreaterOrEqual(t, d1, 300*time.Millisecond)
		assert.Less(t, d1, 550*time.Millisecond)
		assert.GreaterOrEqual(t, d2, 600*time.Millisecond)
		assert.Less(t, d2, 850*time.Millisecond)
		assert.Greater(t, d2, d1)
	})

	t.Run("zero retry budget makes a single attempt", func(t *testing.T) {
		logbook := &attemptLog{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logbook.record(r)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, srv.URL)
		req.Retries = 0

		resp, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, 1, logbook.count())
	})

	t.Run("retries stop at first non-5xx response", func(t *testing.T) {
		logbook := &attemptLog{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logbook.record(r)
			if logbook.count() < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, srv.URL)
		req.Retries = 5

		resp, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 2, logbook.count())
	})
}

func TestClientErrorsNotRetried(t *testing.T) {
	t.Run("404 is never retried regardless of budget", func(t *testing.T) {
		logbook := &attemptLog{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logbook.record(r)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, srv.URL)
		req.Retries = 4

		resp, err := client.Do(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, 1, logbook.count())
	})
}

func TestTimeout(t *testing.T) {
	t.Run("timeout surfaces distinctly from completed error responses", func(t *testing.T) {
		started := make(chan struct{}, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started <- struct{}{}
			<-r.Context().Done()
		}))
		defer srv.Close()

		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, srv.URL)
		req.Timeout = 50 * time.Millisecond
		req.Retries = 0

		_, err := client.Do(context.Background(), req)
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err), "expected TIMEOUT, got %v", err)

		// the physical attempt was actually cancelled server-side
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("attempt never reached the server")
		}
	})

	t.Run("unreachable host surfaces as transport failure", func(t *testing.T) {
		client := NewClient(Options{Retries: -1})
		req := NewRequest(http.MethodGet, "http://127.0.0.1:1")
		req.Retries = 0
		req.Timeout = 2 * time.Second

		_, err := client.Do(context.Background(), req)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransport))
		assert.False(t, apperrors.IsTimeout(err))
	})
}

func TestDefaults(t *testing.T) {
	t.Run("client defaults apply when request leaves fields unset", func(t *testing.T) {
		client := NewClient(Options{})
		assert.Equal(t, DefaultTimeout, client.timeout)
		assert.Equal(t, DefaultRetries, client.retries)
	})

	t.Run("NoRetries disables client-level retries", func(t *testing.T) {
		client := NewClient(Options{Retries: NoRetries})
		assert.Equal(t, 0, client.retries)
	})

	t.Run("explicit budget is kept", func(t *testing.T) {
		client := NewClient(Options{Retries: 5})
		assert.Equal(t, 5, client.retries)
	})

	t.Run("NewIdempotencyKey returns a uuid", func(t *testing.T) {
		key := NewIdempotencyKey()
		assert.True(t, util.IsValidUUID(key))
		assert.NotEqual(t, key, NewIdempotencyKey())
	})
}
