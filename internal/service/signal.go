package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/model"
)

// EventKind identifies a connection lifecycle event
type EventKind string

const (
	EventConnect            EventKind = "connect"
	EventConnectError       EventKind = "connect_error"
	EventDisconnect         EventKind = "disconnect"
	EventReconnectAttempt   EventKind = "reconnect_attempt"
	EventReconnectSuccess   EventKind = "reconnect_success"
	EventReconnectExhausted EventKind = "reconnect_exhausted"
	EventAuthRefreshed      EventKind = "auth_refreshed"
)

// Event is delivered to the OnEvent subscriber as the connection moves
// through its lifecycle
type Event struct {
	Kind    EventKind
	Attempt int
	Err     error
}

// SignalConfig shapes one signal connection
type SignalConfig struct {
	Endpoint           string // as configured, any ws/wss/http/https form
	Path               string // handshake path, passed separately from the endpoint
	HandshakeTimeout   time.Duration
	ReconnectCeiling   int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// socketConn is the subset of the websocket connection the client uses
type socketConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// dialFunc opens a socket; swapped in tests
type dialFunc func(ctx context.Context, url string, header http.Header) (socketConn, error)

// legal state transitions; anything not listed is a programming error
var transitions = map[model.ConnectionState][]model.ConnectionState{
	model.ConnStateDisconnected: {model.ConnStateConnecting},
	model.ConnStateConnecting:   {model.ConnStateConnected, model.ConnStateReconnecting, model.ConnStateDisconnected},
	model.ConnStateConnected:    {model.ConnStateReconnecting, model.ConnStateDisconnected},
	model.ConnStateReconnecting: {model.ConnStateConnected, model.ConnStateConnecting, model.ConnStateDisconnected},
}

// SignalClient maintains one authenticated real-time connection to the
// signal server, reconnecting with exponential backoff when it drops and
// refreshing credentials when the server reports them stale.
type SignalClient struct {
	cfg      SignalConfig
	tokens   TokenProvider
	refresh  TokenRefresher
	dial     dialFunc
	handlers map[string][]func([]byte)

	mu      sync.Mutex
	state   model.ConnectionState
	conn    socketConn
	cancel  context.CancelFunc
	onEvent func(Event)
}

func NewSignalClient(cfg SignalConfig, tokens TokenProvider, refresh TokenRefresher) *SignalClient {
	c := &SignalClient{
		cfg:      cfg,
		tokens:   tokens,
		refresh:  refresh,
		state:    model.ConnStateDisconnected,
		handlers: make(map[string][]func([]byte)),
	}
	c.dial = c.dialWebsocket
	return c
}

// NormalizeEndpoint rewrites a configured endpoint into the base handshake
// URL: socket schemes map to their HTTP equivalents and any path or query
// baked into the endpoint is dropped, since the handshake path travels as
// its own parameter.
func NormalizeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// degraded parse, rewrite the scheme prefix in place
		if strings.HasPrefix(raw, "wss://") {
			return "https://" + strings.TrimPrefix(raw, "wss://")
		}
		if strings.HasPrefix(raw, "ws://") {
			return "http://" + strings.TrimPrefix(raw, "ws://")
		}
		return raw
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// dialURL maps the normalized endpoint back to a socket URL carrying the
// configured handshake path
func (c *SignalClient) dialURL() string {
	base := NormalizeEndpoint(c.cfg.Endpoint)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	path := c.cfg.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// State returns the current connection state
func (c *SignalClient) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers the lifecycle event subscriber. Later calls replace
// earlier ones.
func (c *SignalClient) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// On registers a handler for a named server message
func (c *SignalClient) On(name string, fn func([]byte)) {
	c.mu.Lock()
	c.handlers[name] = append(c.handlers[name], fn)
	c.mu.Unlock()
}

// Connect establishes the connection. On a failed first attempt the client
// moves to reconnecting and keeps trying in the background; the initial
// error is still returned so the caller knows the first dial failed.
func (c *SignalClient) Connect(ctx context.Context) error {
	if err := c.transition(model.ConnStateConnecting); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.open(ctx)
	if err != nil {
		c.emit(Event{Kind: EventConnectError, Err: err})
		c.maybeRefreshAuth(ctx, err)
		if terr := c.transition(model.ConnStateReconnecting); terr != nil {
			return terr
		}
		go c.reconnectLoop(runCtx)
		return apperrors.ConnectionFailed(err)
	}

	c.adopt(conn)
	c.emit(Event{Kind: EventConnect})
	go c.readLoop(runCtx, conn)
	return nil
}

// Disconnect tears the connection down deliberately. No reconnection
// follows a requested disconnect.
func (c *SignalClient) Disconnect() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = model.ConnStateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if prev != model.ConnStateDisconnected {
		c.emit(Event{Kind: EventDisconnect})
		log.Info().Str("endpoint", c.cfg.Endpoint).Msg("signal connection closed")
	}
	return nil
}

// open performs one dial and handshake with a freshly fetched token
func (c *SignalClient) open(ctx context.Context) (socketConn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch auth token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, err := c.dial(ctx, c.dialURL(), header)
	if err != nil {
		return nil, err
	}

	auth := map[string]any{"type": "authenticate", "token": token}
	if err := conn.WriteJSON(auth); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate handshake: %w", err)
	}
	return conn, nil
}

func (c *SignalClient) dialWebsocket(ctx context.Context, dialURL string, header http.Header) (socketConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperrors.Unauthorized("handshake rejected with status 401")
		}
		return nil, err
	}
	return conn, nil
}

func (c *SignalClient) readLoop(ctx context.Context, conn socketConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleDrop(ctx, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *SignalClient) dispatch(data []byte) {
	name := messageName(data)
	c.mu.Lock()
	handlers := c.handlers[name]
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

// handleDrop decides what a broken read means: stale credentials get a
// refresh cycle, everything else goes straight to the reconnect loop.
func (c *SignalClient) handleDrop(ctx context.Context, cause error) {
	log.Warn().Err(cause).Str("endpoint", c.cfg.Endpoint).Msg("signal connection dropped")

	if err := c.transition(model.ConnStateReconnecting); err != nil {
		return
	}

	if isUnauthorized(cause) {
		c.recoverAuth(ctx)
		return
	}
	c.reconnectLoop(ctx)
}

// recoverAuth refreshes the credential and forces a clean reconnect with
// the new token. A failed refresh is logged and the client stays put; the
// next deliberate connect will retry the whole cycle.
func (c *SignalClient) recoverAuth(ctx context.Context) {
	if !c.refreshCredential(ctx) {
		return
	}
	c.closeConn()
	c.reconnectLoop(ctx)
}

// refreshCredential swaps in a fresh token and reports whether one is
// available. A failed refresh is logged only; the stale token stays.
func (c *SignalClient) refreshCredential(ctx context.Context) bool {
	if err := c.refresh.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("credential refresh failed, not reconnecting")
		return false
	}
	c.emit(Event{Kind: EventAuthRefreshed})
	return true
}

// maybeRefreshAuth reacts to a credential rejection at dial time. The next
// attempt must carry a fresh token, never a bare retry of the stale one.
func (c *SignalClient) maybeRefreshAuth(ctx context.Context, cause error) {
	if isUnauthorized(cause) {
		c.refreshCredential(ctx)
	}
}

// reconnectLoop retries with exponential backoff until the ceiling. Runs
// with the client already in the reconnecting state.
func (c *SignalClient) reconnectLoop(ctx context.Context) {
	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; attempt <= c.cfg.ReconnectCeiling; attempt++ {
		c.emit(Event{Kind: EventReconnectAttempt, Attempt: attempt})

		conn, err := c.open(ctx)
		if err == nil {
			if terr := c.transition(model.ConnStateConnected); terr != nil {
				_ = conn.Close()
				return
			}
			c.setConn(conn)
			c.emit(Event{Kind: EventReconnectSuccess, Attempt: attempt})
			log.Info().Int("attempt", attempt).Msg("signal connection reestablished")
			go c.readLoop(ctx, conn)
			return
		}

		c.maybeRefreshAuth(ctx, err)
		log.Warn().Err(err).Int("attempt", attempt).Dur("nextDelay", delay).Msg("reconnect attempt failed")
		if attempt == c.cfg.ReconnectCeiling {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}

	c.mu.Lock()
	c.state = model.ConnStateDisconnected
	c.mu.Unlock()
	c.emit(Event{Kind: EventReconnectExhausted, Attempt: c.cfg.ReconnectCeiling,
		Err: apperrors.ReconnectExhausted(c.cfg.ReconnectCeiling)})
	log.Error().Int("attempts", c.cfg.ReconnectCeiling).Msg("reconnect budget exhausted")
}

func (c *SignalClient) transition(to model.ConnectionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range transitions[c.state] {
		if allowed == to {
			log.Debug().
				Str("from", string(c.state)).
				Str("to", string(to)).
				Msg("connection state change")
			c.state = to
			return nil
		}
	}
	return apperrors.InvalidTransition(string(c.state), string(to))
}

func (c *SignalClient) adopt(conn socketConn) {
	c.mu.Lock()
	c.conn = conn
	c.state = model.ConnStateConnected
	c.mu.Unlock()
}

func (c *SignalClient) setConn(conn socketConn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *SignalClient) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *SignalClient) emit(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// messageName extracts the routing name of a server message
func messageName(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

// isUnauthorized matches the auth failure shapes the server produces: a
// 401 handshake response or an error string mentioning the status
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.HasCode(err, apperrors.ErrCodeUnauthorized) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized")
}
