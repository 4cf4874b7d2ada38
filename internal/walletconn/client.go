package walletconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/fireside/connect-client-go/internal/config"
	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/model"
	"github.com/fireside/connect-client-go/internal/util"
)

// RelayClient is the production Client: JSON-RPC over one relay websocket.
// Session payloads travel sealed with the per-pairing symmetric key; only
// topic routing is visible to the relay.
type RelayClient struct {
	url string

	initMu      sync.Mutex
	initialized bool
	conn        *websocket.Conn
	cancel      context.CancelFunc

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult

	sessMu    sync.RWMutex
	symKeys   map[string]string
	sessions  map[string]*model.PairingSession
	approvals map[string]chan ApprovalResult
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

func NewRelayClient(relayURL string) *RelayClient {
	return &RelayClient{
		url:       relayURL,
		pending:   make(map[int64]chan rpcResult),
		symKeys:   make(map[string]string),
		sessions:  make(map[string]*model.PairingSession),
		approvals: make(map[string]chan ApprovalResult),
	}
}

// Init dials the relay. Safe for concurrent callers: the mutex makes a
// second call observe and reuse the first's client instead of racing to
// create another connection.
func (c *RelayClient) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return apperrors.Relay("relay dial failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.initialized = true

	go c.readLoop(runCtx)

	log.Info().Str("relay", c.url).Msg("relay client initialized")
	return nil
}

// Propose initiates a pairing scoped to the requested capabilities: it
// subscribes the pairing topic and publishes the sealed proposal so the
// wallet learns which methods, events and chain are being asked for.
func (c *RelayClient) Propose(ctx context.Context, params ProposalParams) (*Proposal, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	symKey, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("generate pairing key").WithCause(err)
	}
	// The topic is derived from the key, never transmitted alongside it
	topic := util.HashToken(symKey)

	approval := make(chan ApprovalResult, 1)
	c.sessMu.Lock()
	c.symKeys[topic] = symKey
	c.approvals[topic] = approval
	c.sessMu.Unlock()

	if _, err := c.call(ctx, "irn_subscribe", map[string]any{"topic": topic}); err != nil {
		c.dropTopic(topic)
		return nil, apperrors.Relay("subscribe pairing topic", err)
	}

	propose := map[string]any{
		"id":      c.nextID.Add(1),
		"jsonrpc": "2.0",
		"method":  "wc_sessionPropose",
		"params": map[string]any{
			"requiredNamespaces": map[string]any{"eip155": params},
		},
	}
	if err := c.publishSealed(ctx, topic, symKey, propose); err != nil {
		c.dropTopic(topic)
		return nil, err
	}

	// The wallet learns the topic and key from the URI, out of band
	uri := fmt.Sprintf("wc:%s@%d?relay-protocol=%s&symKey=%s", topic, protocolVersion, relayProtocol, symKey)

	log.Info().Str("topic", util.MaskTopic(topic)).Msg("pairing proposed")
	return &Proposal{Topic: topic, URI: uri, Approval: approval}, nil
}

// Abandon releases a pairing that will never settle, dropping its topic
// state and unsubscribing best effort.
func (c *RelayClient) Abandon(ctx context.Context, topic string) {
	c.dropTopic(topic)

	if _, err := c.call(ctx, "irn_unsubscribe", map[string]any{"topic": topic}); err != nil {
		log.Debug().Err(err).Str("topic", util.MaskTopic(topic)).Msg("unsubscribe failed for abandoned pairing")
	}
	log.Info().Str("topic", util.MaskTopic(topic)).Msg("pairing abandoned")
}

func (c *RelayClient) dropTopic(topic string) {
	c.sessMu.Lock()
	delete(c.sessions, topic)
	delete(c.symKeys, topic)
	delete(c.approvals, topic)
	c.sessMu.Unlock()
}

// publishSealed seals an inner protocol message under the topic's key and
// publishes it through the relay
func (c *RelayClient) publishSealed(ctx context.Context, topic, symKey string, inner map[string]any) error {
	data, err := json.Marshal(inner)
	if err != nil {
		return apperrors.Internal("encode session message").WithCause(err)
	}
	sealed, err := util.Encrypt(symKey, string(data))
	if err != nil {
		return apperrors.Internal("seal session message").WithCause(err)
	}
	if _, err := c.call(ctx, "irn_publish", publishParams(topic, sealed)); err != nil {
		return apperrors.Relay("publish session message", err)
	}
	return nil
}

// Sessions returns the live session list. This list is authoritative over
// any persisted record.
func (c *RelayClient) Sessions() []*model.PairingSession {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()

	out := make([]*model.PairingSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// Request dispatches a session request over the live session's topic and
// waits for the wallet's response.
func (c *RelayClient) Request(ctx context.Context, topic string, chainID uint64, method string, params any) (json.RawMessage, error) {
	c.sessMu.RLock()
	symKey, ok := c.symKeys[topic]
	_, live := c.sessions[topic]
	c.sessMu.RUnlock()
	if !ok || !live {
		return nil, apperrors.NoSession()
	}

	id := c.nextID.Add(1)
	inner := map[string]any{
		"id":      id,
		"jsonrpc": "2.0",
		"method":  "wc_sessionRequest",
		"params": map[string]any{
			"chainId": ChainRef(chainID),
			"request": map[string]any{"method": method, "params": params},
		},
	}

	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.publishSealed(ctx, topic, symKey, inner); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, apperrors.Relay("session request interrupted", ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.raw, nil
	}
}

// Disconnect notifies the relay that the session is over. Local state is
// removed even when the notification fails; the caller decides whether the
// error matters.
func (c *RelayClient) Disconnect(ctx context.Context, topic string) error {
	c.sessMu.Lock()
	symKey, ok := c.symKeys[topic]
	c.sessMu.Unlock()
	c.dropTopic(topic)

	if !ok {
		return nil
	}

	inner := map[string]any{
		"id":      c.nextID.Add(1),
		"jsonrpc": "2.0",
		"method":  "wc_sessionDelete",
		"params":  map[string]any{"code": 6000, "message": "user disconnected"},
	}
	if err := c.publishSealed(ctx, topic, symKey, inner); err != nil {
		return err
	}

	log.Info().Str("topic", util.MaskTopic(topic)).Msg("session disconnected")
	return nil
}

func (c *RelayClient) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if !c.initialized {
		return nil
	}
	c.cancel()
	err := c.conn.Close()
	c.initialized = false
	c.failPending(errors.New("relay client closed"))
	return err
}

func publishParams(topic, message string) map[string]any {
	return map[string]any{"topic": topic, "message": message, "ttl": publishTTL}
}

// call performs one relay-level JSON-RPC round trip
func (c *RelayClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	ch := make(chan rpcResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := map[string]any{"id": id, "jsonrpc": "2.0", "method": method, "params": params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.raw, res.err
	}
}

func (c *RelayClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("relay connection lost")
			}
			c.failPending(err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *RelayClient) handleMessage(data []byte) {
	if gjson.GetBytes(data, "method").String() == "irn_subscription" {
		sub := gjson.GetBytes(data, "params.data")
		c.handleEnvelope(sub.Get("topic").String(), sub.Get("message").String())
		return
	}

	id := gjson.GetBytes(data, "id").Int()
	if id == 0 {
		log.Debug().Msg("relay message without id dropped")
		return
	}

	if errField := gjson.GetBytes(data, "error"); errField.Exists() {
		c.deliver(id, rpcResult{err: apperrors.Relay(errField.Get("message").String(), nil)})
		return
	}
	c.deliver(id, rpcResult{raw: json.RawMessage(gjson.GetBytes(data, "result").Raw)})
}

// handleEnvelope opens a sealed payload addressed to one of our topics and
// dispatches the inner protocol message.
func (c *RelayClient) handleEnvelope(topic, sealed string) {
	c.sessMu.RLock()
	symKey, ok := c.symKeys[topic]
	c.sessMu.RUnlock()
	if !ok {
		log.Warn().Str("topic", util.MaskTopic(topic)).Msg("envelope for unknown topic dropped")
		return
	}

	plain, err := util.Decrypt(symKey, sealed)
	if err != nil {
		log.Warn().Err(err).Str("topic", util.MaskTopic(topic)).Msg("envelope failed to open")
		return
	}

	switch gjson.Get(plain, "method").String() {
	case "wc_sessionSettle":
		c.settle(topic, plain)
	case "wc_sessionReject":
		reason := gjson.Get(plain, "params.reason.message").String()
		c.resolveApproval(topic, ApprovalResult{Err: apperrors.ApprovalRejected(reason)})
	case "wc_sessionDelete":
		c.sessMu.Lock()
		delete(c.sessions, topic)
		delete(c.symKeys, topic)
		c.sessMu.Unlock()
		log.Info().Str("topic", util.MaskTopic(topic)).Msg("session deleted by wallet")
	case "":
		// response to an inner request we sent
		if id := gjson.Get(plain, "id").Int(); id != 0 {
			if errField := gjson.Get(plain, "error"); errField.Exists() {
				c.deliver(id, rpcResult{err: apperrors.Relay(errField.Get("message").String(), nil)})
				return
			}
			c.deliver(id, rpcResult{raw: json.RawMessage(gjson.Get(plain, "result").Raw)})
		}
	default:
		log.Debug().Str("method", gjson.Get(plain, "method").String()).Msg("unhandled session message")
	}
}

// settle records the approved session and resolves the pending proposal
func (c *RelayClient) settle(topic, plain string) {
	session, err := sessionFromSettle(topic, plain)
	if err != nil {
		c.resolveApproval(topic, ApprovalResult{Err: apperrors.Relay("malformed settlement", err)})
		return
	}

	c.sessMu.Lock()
	c.sessions[topic] = session
	c.sessMu.Unlock()

	log.Info().
		Str("topic", util.MaskTopic(topic)).
		Time("expiry", session.Expiry).
		Msg("session settled")
	c.resolveApproval(topic, ApprovalResult{Session: session})
}

func sessionFromSettle(topic, plain string) (*model.PairingSession, error) {
	expiry := gjson.Get(plain, "params.expiry").Int()
	if expiry == 0 {
		return nil, errors.New("settlement missing expiry")
	}

	nsRaw := gjson.Get(plain, "params.namespaces").Raw
	if nsRaw == "" {
		return nil, errors.New("settlement missing namespaces")
	}
	var namespaces map[string]model.Namespace
	if err := json.Unmarshal([]byte(nsRaw), &namespaces); err != nil {
		return nil, fmt.Errorf("decode namespaces: %w", err)
	}

	return &model.PairingSession{
		Topic:      topic,
		Expiry:     time.Unix(expiry, 0),
		Namespaces: namespaces,
	}, nil
}

func (c *RelayClient) resolveApproval(topic string, res ApprovalResult) {
	c.sessMu.Lock()
	ch, ok := c.approvals[topic]
	if ok {
		delete(c.approvals, topic)
	}
	c.sessMu.Unlock()

	if ok {
		ch <- res
	}
}

func (c *RelayClient) deliver(id int64, res rpcResult) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- res
	}
}

func (c *RelayClient) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResult{err: apperrors.Relay("relay connection lost", err)}
	}
	c.pendingMu.Unlock()
}
