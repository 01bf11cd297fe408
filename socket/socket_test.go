package socket

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/frame"
)

const testWait = 2 * time.Second

// pipeConn is an in-memory duplex transport. Both ends share the closed
// channel so tearing down one side fails the other's reads, like a real
// socket.
type pipeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeConn{in: b2a, out: a2b, closed: closed, closeOnce: once}
	b := &pipeConn{in: a2b, out: b2a, closed: closed, closeOnce: once}
	return a, b
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.ErrClosedPipe
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// rawPeer drives one end of a pipe at the frame level so tests can assert
// exact wire behavior.
type rawPeer struct {
	t    *testing.T
	conn *pipeConn
}

func (r *rawPeer) send(typ frame.Type, seq int, body any) {
	r.t.Helper()
	f, err := frame.New(typ, seq, body)
	require.NoError(r.t, err)
	data, err := json.Marshal(f)
	require.NoError(r.t, err)
	require.NoError(r.t, r.conn.WriteMessage(data))
}

func (r *rawPeer) expect(typ frame.Type) frame.Frame {
	r.t.Helper()
	select {
	case data := <-r.conn.in:
		var f frame.Frame
		require.NoError(r.t, json.Unmarshal(data, &f))
		require.Equal(r.t, typ, f.Type, "unexpected frame type")
		return f
	case <-time.After(testWait):
		r.t.Fatalf("timed out waiting for %s frame", typ)
		return frame.Frame{}
	}
}

func (r *rawPeer) expectSilence(d time.Duration) {
	r.t.Helper()
	select {
	case data := <-r.conn.in:
		r.t.Fatalf("expected no frame, got %s", data)
	case <-time.After(d):
	}
}

// notifications collects handler callbacks on channels for test assertions.
type notifications struct {
	connected    chan string
	connectFail  chan string
	disconnected chan string
	events       chan frame.EventBody
	logins       chan frame.LoginBody
	rejects      chan frame.RejectBody
}

func newNotifications() *notifications {
	return &notifications{
		connected:    make(chan string, 8),
		connectFail:  make(chan string, 8),
		disconnected: make(chan string, 8),
		events:       make(chan frame.EventBody, 8),
		logins:       make(chan frame.LoginBody, 8),
		rejects:      make(chan frame.RejectBody, 8),
	}
}

func (n *notifications) handlers() Handlers {
	return Handlers{
		Login:        func(_ int, body frame.LoginBody) { n.logins <- body },
		Connected:    func(id string) { n.connected <- id },
		ConnectFail:  func(id, _ string) { n.connectFail <- id },
		Disconnected: func(id, _ string) { n.disconnected <- id },
		Event:        func(_ int, body frame.EventBody) { n.events <- body },
		Reject:       func(body frame.RejectBody) { n.rejects <- body },
	}
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testWait):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func newServerSocket(t *testing.T, n *notifications, opts ...func(*Config)) (*Socket, *rawPeer) {
	t.Helper()
	serverEnd, peerEnd := newPipe()
	cfg := Config{ID: "srv", Conn: serverEnd, Handlers: n.handlers()}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Close() })
	return s, &rawPeer{t: t, conn: peerEnd}
}

func TestHandshakeSymmetry(t *testing.T) {
	serverEnd, clientEnd := newPipe()
	serverNotes := newNotifications()
	clientNotes := newNotifications()

	server, err := New(Config{ID: "srv", Conn: serverEnd, Handlers: serverNotes.handlers()})
	require.NoError(t, err)
	client, err := New(Config{ID: "cli", Conn: clientEnd, Client: true, Handlers: clientNotes.handlers()})
	require.NoError(t, err)
	server.Start()
	client.Start()
	t.Cleanup(func() { _ = server.Close() })

	require.NoError(t, server.Connect("c1"))

	assert.Equal(t, "c1", recv(t, serverNotes.connected, "server connected"))
	assert.Equal(t, "c1", recv(t, clientNotes.connected, "client connected"))
	assert.True(t, server.Connected("c1"))
	assert.True(t, client.Connected("c1"))

	// Deliver an event server -> client over the established connection.
	_, err = server.SendEvent("c1", frame.EventBody{Type: "greet", Payload: json.RawMessage(`"hi"`)})
	require.NoError(t, err)

	ev := recv(t, clientNotes.events, "client event")
	assert.Equal(t, "c1", ev.ConnectionID)
	assert.Equal(t, "greet", ev.Type)
	assert.JSONEq(t, `"hi"`, string(ev.Payload))
}

func TestClientCannotInitiateConnect(t *testing.T) {
	notes := newNotifications()
	_, peer := newServerSocket(t, notes)

	// A fresh connect arriving at the server side is refused with a
	// disconnect and no state is created.
	peer.send(frame.TypeConnect, 1, frame.ConnectBody{ConnectionID: "evil"})

	f := peer.expect(frame.TypeDisconnect)
	body, err := frame.DecodeBody[frame.DisconnectBody](f)
	require.NoError(t, err)
	assert.Equal(t, "evil", body.ConnectionID)
	assert.Equal(t, "initiate connect not allowed", body.Reason)

	// No connection state: a follow-up event for that id is rejected.
	peer.send(frame.TypeEvent, 2, frame.EventBody{ConnectionID: "evil", Type: "x"})
	peer.expect(frame.TypeReject)
}

func TestClientSocketAPIRefusesConnect(t *testing.T) {
	end, _ := newPipe()
	client, err := New(Config{Conn: end, Client: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	err = client.Connect("c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrClientInitiated)
}

func TestLoginToClientSocketRejected(t *testing.T) {
	clientEnd, peerEnd := newPipe()
	notes := newNotifications()
	client, err := New(Config{Conn: clientEnd, Client: true, Handlers: notes.handlers()})
	require.NoError(t, err)
	client.Start()
	t.Cleanup(func() { _ = client.Close() })

	peer := &rawPeer{t: t, conn: peerEnd}
	peer.send(frame.TypeLogin, 1, frame.LoginBody{Credential: json.RawMessage(`"tok"`)})

	f := peer.expect(frame.TypeReject)
	body, err := frame.DecodeBody[frame.RejectBody](f)
	require.NoError(t, err)
	assert.Equal(t, 1, body.Req)
}

func TestConcurrentConnectRejected(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, server.Connect("c1"))
	peer.expect(frame.TypeConnect)

	err := server.Connect("c1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectExisting)
}

func TestDisconnectIdempotence(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, server.Connect("c1"))
	connect := peer.expect(frame.TypeConnect)
	peer.send(frame.TypeConnect, 1, frame.ConnectBody{ConnectionID: "c1", Req: connect.Seq})
	recv(t, notes.connected, "connected")

	require.NoError(t, server.Disconnect("c1", "done"))
	peer.expect(frame.TypeDisconnect)

	// Second disconnect is a harmless no-op: no duplicate frame.
	require.NoError(t, server.Disconnect("c1", "done again"))
	peer.expectSilence(100 * time.Millisecond)

	// Echo completes the handshake with exactly one notification.
	peer.send(frame.TypeDisconnect, 2, frame.DisconnectBody{ConnectionID: "c1", Req: 2, Reason: "echo"})
	assert.Equal(t, "c1", recv(t, notes.disconnected, "disconnected"))

	select {
	case id := <-notes.disconnected:
		t.Fatalf("unexpected second disconnected notification for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectUnknownIDRejected(t *testing.T) {
	notes := newNotifications()
	_, peer := newServerSocket(t, notes)

	peer.send(frame.TypeDisconnect, 1, frame.DisconnectBody{ConnectionID: "ghost"})
	f := peer.expect(frame.TypeReject)
	body, err := frame.DecodeBody[frame.RejectBody](f)
	require.NoError(t, err)
	assert.Equal(t, 1, body.Req)
}

func TestPeerInitiatedDisconnect(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, server.Connect("c1"))
	connect := peer.expect(frame.TypeConnect)
	peer.send(frame.TypeConnect, 1, frame.ConnectBody{ConnectionID: "c1", Req: connect.Seq})
	recv(t, notes.connected, "connected")

	peer.send(frame.TypeDisconnect, 2, frame.DisconnectBody{ConnectionID: "c1", Reason: "going away"})

	echo := peer.expect(frame.TypeDisconnect)
	body, err := frame.DecodeBody[frame.DisconnectBody](echo)
	require.NoError(t, err)
	assert.Equal(t, "echo", body.Reason)
	assert.Equal(t, 2, body.Req)

	assert.Equal(t, "c1", recv(t, notes.disconnected, "disconnected"))
	assert.False(t, server.Connected("c1"))
}

func TestDisconnectWinsOverPendingConnect(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, server.Connect("c1"))
	peer.expect(frame.TypeConnect)

	// Disconnect while still mid-connect: the pending connect fails once
	// the disconnect completes.
	require.NoError(t, server.Disconnect("c1", "abort"))
	disc := peer.expect(frame.TypeDisconnect)
	peer.send(frame.TypeDisconnect, 5, frame.DisconnectBody{ConnectionID: "c1", Req: disc.Seq, Reason: "echo"})

	assert.Equal(t, "c1", recv(t, notes.connectFail, "connect fail"))
}

func TestHandshakeTimeout(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes, func(cfg *Config) {
		cfg.HandshakeTimeout = 50 * time.Millisecond
	})

	require.NoError(t, server.Connect("c1"))
	peer.expect(frame.TypeConnect)

	// No echo: the state self-heals with a connect-fail notification.
	assert.Equal(t, "c1", recv(t, notes.connectFail, "connect fail"))
	assert.ErrorIs(t, server.Disconnect("c1", "late"), errors.ErrConnectionNotFound)
}

func TestEventGating(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	// Unknown id: rejected.
	peer.send(frame.TypeEvent, 1, frame.EventBody{ConnectionID: "c1", Type: "x"})
	peer.expect(frame.TypeReject)

	require.NoError(t, server.Connect("c1"))
	connect := peer.expect(frame.TypeConnect)

	// Mid-connect: still rejected.
	peer.send(frame.TypeEvent, 2, frame.EventBody{ConnectionID: "c1", Type: "x"})
	peer.expect(frame.TypeReject)

	peer.send(frame.TypeConnect, 3, frame.ConnectBody{ConnectionID: "c1", Req: connect.Seq})
	recv(t, notes.connected, "connected")

	// Connected: accepted.
	peer.send(frame.TypeEvent, 4, frame.EventBody{ConnectionID: "c1", Type: "ping"})
	assert.Equal(t, "ping", recv(t, notes.events, "event").Type)

	// Disconnect sent but not echoed: events in flight still count.
	require.NoError(t, server.Disconnect("c1", "bye"))
	peer.expect(frame.TypeDisconnect)
	peer.send(frame.TypeEvent, 5, frame.EventBody{ConnectionID: "c1", Type: "straggler"})
	assert.Equal(t, "straggler", recv(t, notes.events, "in-flight event").Type)
}

func TestSendEventRequiresConnected(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	_, err := server.SendEvent("c1", frame.EventBody{Type: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	require.NoError(t, server.Connect("c1"))
	peer.expect(frame.TypeConnect)

	// Mid-connect is still not connected.
	_, err = server.SendEvent("c1", frame.EventBody{Type: "x"})
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestCloseSynthesizesTerminalNotifications(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	// One connection mid-connect, one fully connected.
	require.NoError(t, server.Connect("pending"))
	peer.expect(frame.TypeConnect)
	require.NoError(t, server.Connect("live"))
	connect := peer.expect(frame.TypeConnect)
	peer.send(frame.TypeConnect, 1, frame.ConnectBody{ConnectionID: "live", Req: connect.Seq})
	recv(t, notes.connected, "connected")

	require.NoError(t, server.Close())

	assert.Equal(t, "pending", recv(t, notes.connectFail, "connect fail"))
	assert.Equal(t, "live", recv(t, notes.disconnected, "disconnected"))

	select {
	case <-server.Done():
	case <-time.After(testWait):
		t.Fatal("socket did not shut down")
	}

	_, err := server.SendEvent("live", frame.EventBody{Type: "x"})
	assert.Error(t, err)
}

func TestMalformedFrameDoesNotKillSocket(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, peer.conn.WriteMessage([]byte(`{"not":"an array"}`)))
	peer.expect(frame.TypeReject)

	// The socket keeps serving after the bad frame.
	require.NoError(t, server.Connect("c1"))
	peer.expect(frame.TypeConnect)
}

func TestSequenceNumbersIncrease(t *testing.T) {
	notes := newNotifications()
	server, peer := newServerSocket(t, notes)

	require.NoError(t, server.Connect("a"))
	first := peer.expect(frame.TypeConnect)
	require.NoError(t, server.Connect("b"))
	second := peer.expect(frame.TypeConnect)

	assert.Greater(t, second.Seq, first.Seq)
}
