package transport

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fireside/connect-client-go/internal/config"
	apperrors "github.com/fireside/connect-client-go/internal/errors"
)

const (
	DefaultTimeout = 12 * time.Second
	DefaultRetries = 2

	// NoRetries disables client-level retries. The zero Options value
	// applies DefaultRetries instead.
	NoRetries = -1
)

// Request is one logical outbound call, which may correspond to multiple
// physical attempts. The idempotency key, when set, is sent unchanged on
// every physical attempt so the receiver can deduplicate.
type Request struct {
	Method         string
	URL            string
	Header         http.Header
	Body           []byte
	Timeout        time.Duration // 0 means the client default
	IdempotencyKey string
	Retries        int // negative means the client default
}

// NewRequest returns a Request inheriting the client's timeout and retry
// budget
func NewRequest(method, url string) Request {
	return Request{
		Method:  method,
		URL:     url,
		Header:  http.Header{},
		Retries: -1,
	}
}

// NewIdempotencyKey returns a fresh key for one logical call
func NewIdempotencyKey() string {
	return uuid.NewString()
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ServerError reports whether the response carries a 5xx status. An
// exhausted retry budget surfaces the final such response to the caller.
func (r *Response) ServerError() bool {
	return r.StatusCode >= 500
}

type Client struct {
	http    *http.Client
	timeout time.Duration
	retries int
}

type Options struct {
	Timeout time.Duration
	Retries int // 0 means DefaultRetries, NoRetries disables
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := opts.Retries
	if retries == 0 {
		retries = DefaultRetries
	} else if retries < 0 {
		retries = 0
	}
	return &Client{
		// Per-attempt deadlines are armed through contexts; the embedded
		// client must not race them with its own timeout.
		http:    &http.Client{},
		timeout: timeout,
		retries: retries,
	}
}

// Do performs the logical call: at most retries+1 physical attempts,
// sequential, retrying only responses with status >= 500. Timeouts and
// transport failures surface immediately as distinct error codes. A 5xx
// that survives the whole budget is returned as the final response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	retries := req.Retries
	if retries < 0 {
		retries = c.retries
	}

	var last *Response
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			log.Debug().
				Str("url", req.URL).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying after server error")

			select {
			case <-ctx.Done():
				return nil, apperrors.Transport(ctx.Err())
			case <-time.After(delay):
			}
		}

		resp, err := c.attempt(ctx, req, timeout)
		if err != nil {
			return nil, err
		}
		if !resp.ServerError() {
			return resp, nil
		}
		last = resp
	}

	log.Warn().
		Str("url", req.URL).
		Int("status", last.StatusCode).
		Int("attempts", retries+1).
		Msg("retry budget exhausted")
	return last, nil
}

// attempt performs one physical attempt under its own independently armed
// deadline. The cancel is released on every exit path.
func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return nil, apperrors.InvalidInput("request", err.Error())
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.IdempotencyKey != "" {
		hreq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Timeout(timeout.String())
		}
		return nil, apperrors.Transport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Timeout(timeout.String())
		}
		return nil, apperrors.Transport(err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// backoffDelay returns base * 2^n plus a uniform jitter, capping worst-case
// added latency while avoiding synchronized retry storms.
func backoffDelay(n int) time.Duration {
	delay := config.RetryBackoffBase << n
	jitter := time.Duration(rand.Int63n(int64(config.RetryBackoffJitter)))
	return delay + jitter
}
