package walletconn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	apperrors "github.com/fireside/connect-client-go/internal/errors"
	"github.com/fireside/connect-client-go/internal/util"
)

// fakeRelay is a loopback relay: it acks every JSON-RPC call and exposes
// published envelopes to the test, which plays the wallet side.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conn  *websocket.Conn
	dials atomic.Int32

	published chan gjson.Result
}

func newFakeRelay(t *testing.T) *fakeRelay {
	r := &fakeRelay{t: t, published: make(chan gjson.Result, 8)}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.dials.Add(1)
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		if msg.Get("method").String() == "irn_publish" {
			r.published <- msg.Get("params")
		}
		r.write(map[string]any{
			"id":      msg.Get("id").Int(),
			"jsonrpc": "2.0",
			"result":  true,
		})
	}
}

func (r *fakeRelay) write(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotNil(r.t, r.conn)
	require.NoError(r.t, r.conn.WriteJSON(v))
}

// deliver sends a sealed envelope to the client as a subscription push
func (r *fakeRelay) deliver(topic, symKey string, inner map[string]any) {
	plain, err := json.Marshal(inner)
	require.NoError(r.t, err)
	sealed, err := util.Encrypt(symKey, string(plain))
	require.NoError(r.t, err)

	r.write(map[string]any{
		"id":      999,
		"jsonrpc": "2.0",
		"method":  "irn_subscription",
		"params": map[string]any{
			"id":   "sub",
			"data": map[string]any{"topic": topic, "message": sealed},
		},
	})
}

func parseURI(t *testing.T, uri string) (topic, symKey string) {
	require.True(t, strings.HasPrefix(uri, "wc:"))
	rest := strings.TrimPrefix(uri, "wc:")
	at := strings.Index(rest, "@")
	require.Greater(t, at, 0)
	topic = rest[:at]

	q := strings.Index(rest, "?")
	require.Greater(t, q, at)
	values, err := url.ParseQuery(rest[q+1:])
	require.NoError(t, err)
	return topic, values.Get("symKey")
}

func settleMessage(expiry time.Time, accounts ...string) map[string]any {
	return map[string]any{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  "wc_sessionSettle",
		"params": map[string]any{
			"expiry": expiry.Unix(),
			"namespaces": map[string]any{
				"eip155": map[string]any{
					"accounts": accounts,
					"methods":  []string{MethodSendTransaction, MethodPersonalSign},
					"events":   []string{EventAccountsChanged},
					"chains":   []string{ChainRef(137)},
				},
			},
		},
	}
}

func TestRelayClientPropose(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(137))
	require.NoError(t, err)

	t.Run("uri carries topic and key", func(t *testing.T) {
		topic, symKey := parseURI(t, proposal.URI)
		assert.Equal(t, proposal.Topic, topic)
		assert.True(t, util.IsValidHexKey(symKey))
		assert.Equal(t, util.HashToken(symKey), topic)
		assert.Contains(t, proposal.URI, "relay-protocol=irn")
		assert.Contains(t, proposal.URI, fmt.Sprintf("@%d?", protocolVersion))
	})

	t.Run("capability set is published to the wallet", func(t *testing.T) {
		topic, symKey := parseURI(t, proposal.URI)

		var published gjson.Result
		select {
		case published = <-relay.published:
		case <-time.After(2 * time.Second):
			t.Fatal("proposal was never published")
		}
		assert.Equal(t, topic, published.Get("topic").String())

		plain, err := util.Decrypt(symKey, published.Get("message").String())
		require.NoError(t, err)
		assert.Equal(t, "wc_sessionPropose", gjson.Get(plain, "method").String())

		ns := gjson.Get(plain, "params.requiredNamespaces.eip155")
		assert.Contains(t, ns.Get("methods").Raw, MethodSendTransaction)
		assert.Contains(t, ns.Get("methods").Raw, MethodPersonalSign)
		assert.Contains(t, ns.Get("events").Raw, EventAccountsChanged)
		assert.Contains(t, ns.Get("events").Raw, EventChainChanged)
		assert.Contains(t, ns.Get("chains").Raw, ChainRef(137))
	})

	t.Run("approval resolves on settlement", func(t *testing.T) {
		topic, symKey := parseURI(t, proposal.URI)
		expiry := time.Now().Add(time.Hour).Truncate(time.Second)
		relay.deliver(topic, symKey, settleMessage(expiry, "eip155:137:0xAbC123"))

		select {
		case res := <-proposal.Approval:
			require.NoError(t, res.Err)
			require.NotNil(t, res.Session)
			assert.Equal(t, topic, res.Session.Topic)
			assert.True(t, expiry.Equal(res.Session.Expiry))
			assert.Equal(t, []string{"eip155:137:0xAbC123"}, res.Session.Accounts())
		case <-time.After(2 * time.Second):
			t.Fatal("settlement never resolved the approval")
		}
	})

	t.Run("settled session is listed", func(t *testing.T) {
		sessions := client.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, proposal.Topic, sessions[0].Topic)
	})
}

func TestRelayClientRejection(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(1))
	require.NoError(t, err)

	topic, symKey := parseURI(t, proposal.URI)
	relay.deliver(topic, symKey, map[string]any{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  "wc_sessionReject",
		"params":  map[string]any{"reason": map[string]any{"message": "user declined"}},
	})

	select {
	case res := <-proposal.Approval:
		require.Error(t, res.Err)
		assert.True(t, apperrors.HasCode(res.Err, apperrors.ErrCodeApprovalRejected))
		assert.Contains(t, res.Err.Error(), "user declined")
		assert.Nil(t, res.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection never resolved the approval")
	}
	assert.Empty(t, client.Sessions())
}

func TestRelayClientRequest(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(137))
	require.NoError(t, err)
	topic, symKey := parseURI(t, proposal.URI)
	<-relay.published // the proposal itself
	relay.deliver(topic, symKey, settleMessage(time.Now().Add(time.Hour), "eip155:137:0xAbC"))
	res := <-proposal.Approval
	require.NoError(t, res.Err)

	t.Run("round trips a sealed session request", func(t *testing.T) {
		type reply struct {
			raw json.RawMessage
			err error
		}
		done := make(chan reply, 1)
		go func() {
			raw, err := client.Request(context.Background(), topic, 137,
				MethodSendTransaction, []map[string]any{{"to": "0xdef", "value": "0x1"}})
			done <- reply{raw, err}
		}()

		var published gjson.Result
		select {
		case published = <-relay.published:
		case <-time.After(2 * time.Second):
			t.Fatal("request was never published")
		}
		assert.Equal(t, topic, published.Get("topic").String())
		assert.EqualValues(t, publishTTL, published.Get("ttl").Int())

		plain, err := util.Decrypt(symKey, published.Get("message").String())
		require.NoError(t, err)
		assert.Equal(t, "wc_sessionRequest", gjson.Get(plain, "method").String())
		assert.Equal(t, "eip155:137", gjson.Get(plain, "params.chainId").String())
		assert.Equal(t, MethodSendTransaction, gjson.Get(plain, "params.request.method").String())

		innerID := gjson.Get(plain, "id").Int()
		relay.deliver(topic, symKey, map[string]any{
			"id":      innerID,
			"jsonrpc": "2.0",
			"result":  "0xtxhash",
		})

		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, `"0xtxhash"`, string(r.raw))
		case <-time.After(2 * time.Second):
			t.Fatal("wallet response never reached the caller")
		}
	})

	t.Run("request without a live session fails", func(t *testing.T) {
		_, err := client.Request(context.Background(), "deadbeef", 137, MethodPersonalSign, nil)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoSession))
	})
}

func TestRelayClientDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(137))
	require.NoError(t, err)
	topic, symKey := parseURI(t, proposal.URI)
	<-relay.published // the proposal itself
	relay.deliver(topic, symKey, settleMessage(time.Now().Add(time.Hour), "eip155:137:0xAbC"))
	require.NoError(t, (<-proposal.Approval).Err)

	require.NoError(t, client.Disconnect(context.Background(), topic))

	t.Run("publishes a session delete", func(t *testing.T) {
		select {
		case published := <-relay.published:
			plain, err := util.Decrypt(symKey, published.Get("message").String())
			require.NoError(t, err)
			assert.Equal(t, "wc_sessionDelete", gjson.Get(plain, "method").String())
		case <-time.After(2 * time.Second):
			t.Fatal("delete was never published")
		}
	})

	t.Run("local session is gone", func(t *testing.T) {
		assert.Empty(t, client.Sessions())
	})

	t.Run("disconnecting an unknown topic is a no-op", func(t *testing.T) {
		assert.NoError(t, client.Disconnect(context.Background(), "deadbeef"))
	})
}

func TestRelayClientAbandon(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(137))
	require.NoError(t, err)
	topic, symKey := parseURI(t, proposal.URI)
	<-relay.published

	client.Abandon(context.Background(), topic)

	t.Run("late settlement is ignored", func(t *testing.T) {
		relay.deliver(topic, symKey, settleMessage(time.Now().Add(time.Hour), "eip155:137:0xAbC"))
		time.Sleep(50 * time.Millisecond)

		assert.Empty(t, client.Sessions())
		select {
		case res := <-proposal.Approval:
			t.Fatalf("abandoned pairing still resolved: %+v", res)
		default:
		}
	})

	t.Run("abandoning twice is harmless", func(t *testing.T) {
		client.Abandon(context.Background(), topic)
		assert.Empty(t, client.Sessions())
	})
}

func TestRelayClientWalletInitiatedDelete(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	proposal, err := client.Propose(context.Background(), DefaultProposal(137))
	require.NoError(t, err)
	topic, symKey := parseURI(t, proposal.URI)
	relay.deliver(topic, symKey, settleMessage(time.Now().Add(time.Hour), "eip155:137:0xAbC"))
	require.NoError(t, (<-proposal.Approval).Err)
	require.Len(t, client.Sessions(), 1)

	relay.deliver(topic, symKey, map[string]any{
		"id":      2,
		"jsonrpc": "2.0",
		"method":  "wc_sessionDelete",
		"params":  map[string]any{"code": 6000, "message": "wallet disconnected"},
	})

	assert.Eventually(t, func() bool {
		return len(client.Sessions()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayClientInitSingleFlight(t *testing.T) {
	relay := newFakeRelay(t)
	client := NewRelayClient(relay.url())
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Init(context.Background()))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, relay.dials.Load())
}

func TestSessionFromSettle(t *testing.T) {
	t.Run("valid settlement", func(t *testing.T) {
		plain := `{"method":"wc_sessionSettle","params":{"expiry":1893456000,"namespaces":{"eip155":{"accounts":["eip155:137:0xAbC"],"methods":["eth_sendTransaction"],"events":["accountsChanged"],"chains":["eip155:137"]}}}}`
		session, err := sessionFromSettle("topic1", plain)
		require.NoError(t, err)
		assert.Equal(t, "topic1", session.Topic)
		assert.EqualValues(t, 1893456000, session.Expiry.Unix())
		assert.Equal(t, []string{"eip155:137:0xAbC"}, session.Accounts())
	})

	t.Run("missing expiry", func(t *testing.T) {
		_, err := sessionFromSettle("t", `{"params":{"namespaces":{}}}`)
		assert.Error(t, err)
	})

	t.Run("missing namespaces", func(t *testing.T) {
		_, err := sessionFromSettle("t", `{"params":{"expiry":1893456000}}`)
		assert.Error(t, err)
	})
}
