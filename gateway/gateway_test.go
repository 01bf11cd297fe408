package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sockmux/frame"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/socket"
	"github.com/c360/sockmux/transmitter"
)

// clientEvents collects the protocol notifications a client-role socket
// receives.
type clientEvents struct {
	connected    chan string
	disconnected chan string
	events       chan frame.EventBody
	rejects      chan frame.RejectBody
}

func newClientEvents() *clientEvents {
	return &clientEvents{
		connected:    make(chan string, 4),
		disconnected: make(chan string, 4),
		events:       make(chan frame.EventBody, 16),
		rejects:      make(chan frame.RejectBody, 4),
	}
}

func dialClient(t *testing.T, addr string, ev *clientEvents) *socket.Socket {
	t.Helper()

	wsc, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)

	sock, err := socket.New(socket.Config{
		Conn:   &wsConn{conn: wsc},
		Client: true,
		Handlers: socket.Handlers{
			Connected:    func(connID string) { ev.connected <- connID },
			Disconnected: func(connID, _ string) { ev.disconnected <- connID },
			Event:        func(_ int, body frame.EventBody) { ev.events <- body },
			Reject:       func(body frame.RejectBody) { ev.rejects <- body },
		},
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	sock.Start()
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func recvString(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

type gatewayFixture struct {
	gw *Gateway
	tr *transmitter.Transmitter

	mu        sync.Mutex
	received  []message.Event
	eventConn chan message.Connection
}

func startGateway(t *testing.T, mutate func(*Config)) *gatewayFixture {
	t.Helper()

	tr, err := transmitter.New(transmitter.Config{ServerID: "srv-test"})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(time.Second) })

	f := &gatewayFixture{tr: tr, eventConn: make(chan message.Connection, 16)}

	cfg := Config{
		Host:          "127.0.0.1",
		Port:          0,
		Transmitter:   tr,
		Authenticator: AllowAll(),
		EventHandler: func(_ context.Context, conn message.Connection, event message.Event) {
			f.mu.Lock()
			f.received = append(f.received, event)
			f.mu.Unlock()
			f.eventConn <- conn
		},
		HandshakeTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gw, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop(2 * time.Second) })

	f.gw = gw
	return f
}

func TestLoginConnectEventRoundTrip(t *testing.T) {
	authed := make(chan string, 1)
	f := startGateway(t, func(cfg *Config) {
		cfg.Authenticator = AuthenticatorFunc(func(_ context.Context, _ RequestInfo, credential json.RawMessage) (AuthResult, error) {
			var cred struct {
				User string `json:"user"`
			}
			_ = json.Unmarshal(credential, &cred)
			authed <- cred.User
			return AuthResult{Accepted: true, User: cred.User}, nil
		})
	})

	ev := newClientEvents()
	client := dialClient(t, f.gw.Addr(), ev)

	_, err := client.Login(json.RawMessage(`{"user":"alice"}`))
	require.NoError(t, err)

	assert.Equal(t, "alice", recvString(t, authed))
	connID := recvString(t, ev.connected)
	require.NotEmpty(t, connID)

	// The connection landed in the transmitter's registry under its user.
	var reached []message.Connection
	require.Eventually(t, func() bool {
		var derr error
		reached, derr = f.tr.Dispatch(context.Background(), message.Job{
			Target: message.ToUser("alice"),
			Events: []message.Event{{Type: "greet", Payload: json.RawMessage(`"hi"`)}},
		})
		return derr == nil && len(reached) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, connID, reached[0].ID)

	// The event arrived at the client.
	select {
	case body := <-ev.events:
		assert.Equal(t, "greet", body.Type)
		assert.Equal(t, connID, body.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the event")
	}

	// Client-to-server events reach the application handler.
	_, err = client.SendEvent(connID, frame.EventBody{Type: "reply", Payload: json.RawMessage(`"pong"`)})
	require.NoError(t, err)

	select {
	case conn := <-f.eventConn:
		assert.Equal(t, connID, conn.ID)
		assert.Equal(t, "alice", conn.User)
	case <-time.After(2 * time.Second):
		t.Fatal("event handler never fired")
	}
	f.mu.Lock()
	require.Len(t, f.received, 1)
	assert.Equal(t, "reply", f.received[0].Type)
	f.mu.Unlock()
}

func TestLoginRejected(t *testing.T) {
	f := startGateway(t, func(cfg *Config) {
		cfg.Authenticator = AuthenticatorFunc(func(context.Context, RequestInfo, json.RawMessage) (AuthResult, error) {
			return AuthResult{Accepted: false, Reason: "bad credential"}, nil
		})
	})

	ev := newClientEvents()
	client := dialClient(t, f.gw.Addr(), ev)

	_, err := client.Login(json.RawMessage(`{"user":"mallory"}`))
	require.NoError(t, err)

	select {
	case rej := <-ev.rejects:
		assert.Equal(t, "bad credential", rej.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reject frame")
	}
	assert.Empty(t, ev.connected)
}

func TestVerifyUpgradeRefusal(t *testing.T) {
	f := startGateway(t, func(cfg *Config) {
		cfg.VerifyUpgrade = func(info RequestInfo) bool {
			return info.URL.Query().Get("token") == "ok"
		}
	})

	// Refused before any socket exists, with a plain HTTP 400.
	resp, err := http.Get(fmt.Sprintf("http://%s/ws", f.gw.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The same gate admits a request carrying the token.
	wsc, _, err := websocket.DefaultDialer.Dial("ws://"+f.gw.Addr()+"/ws?token=ok", nil)
	require.NoError(t, err)
	_ = wsc.Close()
}

func TestUpgradeRateLimit(t *testing.T) {
	f := startGateway(t, func(cfg *Config) {
		cfg.UpgradeRate = 0.1
		cfg.UpgradeBurst = 1
	})

	first, _, err := websocket.DefaultDialer.Dial("ws://"+f.gw.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+f.gw.Addr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDisconnectRemovesConnection(t *testing.T) {
	f := startGateway(t, nil)

	ev := newClientEvents()
	client := dialClient(t, f.gw.Addr(), ev)

	_, err := client.Login(json.RawMessage(`{}`))
	require.NoError(t, err)
	connID := recvString(t, ev.connected)

	conn := message.Connection{ID: connID, ServerID: "srv-test"}
	require.Eventually(t, func() bool {
		ok, derr := f.tr.Disconnect(context.Background(), conn, "goodbye")
		return derr == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, connID, recvString(t, ev.disconnected))

	// Dispatching to the gone connection finds nobody.
	require.Eventually(t, func() bool {
		reached, derr := f.tr.Dispatch(context.Background(), message.Job{
			Target: message.ToConnection(conn),
			Events: []message.Event{{Type: "x"}},
		})
		return derr == nil && reached == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	f := startGateway(t, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", f.gw.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "running", health.Status)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Authenticator: AllowAll()})
	require.Error(t, err)

	tr, err := transmitter.New(transmitter.Config{ServerID: "srv-test"})
	require.NoError(t, err)
	_, err = New(Config{Transmitter: tr})
	require.Error(t, err)
}
