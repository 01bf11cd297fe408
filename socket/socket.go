// Package socket implements the framed, bidirectional handshake protocol that
// multiplexes virtual connections over one physical duplex transport. The
// socket has no knowledge of topics or clustering; it only manages
// per-connection handshake state, sequence numbers, rejection, and
// timeout-based recovery.
//
// Connections are always server-initiated: only the server side of a socket
// may start a connect handshake. A client attempting to initiate one is
// answered with a disconnect frame and no state is created.
package socket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/frame"
)

// DefaultHandshakeTimeout bounds how long a handshake-initiating send waits
// for its echo before the local state is discarded. This is the only way the
// protocol self-heals from a peer that silently drops frames.
const DefaultHandshakeTimeout = 20 * time.Second

// Conn is one physical duplex transport carrying whole frames. The gateway
// adapts *websocket.Conn to this; tests use in-memory pipes.
type Conn interface {
	// ReadMessage blocks until the next inbound frame payload or transport
	// failure.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one frame payload. Calls are serialized by the
	// socket.
	WriteMessage(data []byte) error
	Close() error
}

// Handlers receives typed notifications from the socket's read loop and
// timers. Nil entries are skipped. Handlers run on the socket's read loop (or
// a timer goroutine) and must not block for long.
type Handlers struct {
	// Login fires when a login frame arrives on a server-role socket. The
	// sequence identifies the frame for Reject answers.
	Login func(seq int, body frame.LoginBody)
	// Connected fires when a connect handshake completes on either side.
	Connected func(connID string)
	// ConnectFail fires when a pending connect is abandoned: handshake
	// timeout, disconnect completing over a half-open connect, or socket
	// close.
	ConnectFail func(connID, reason string)
	// Disconnected fires when a disconnect handshake completes, a peer
	// disconnect arrives, or the socket closes over a live connection.
	Disconnected func(connID, reason string)
	// Event fires for an accepted event frame.
	Event func(seq int, body frame.EventBody)
	// Answer fires for an answer frame correlated to a previous event.
	Answer func(body frame.AnswerBody)
	// Reject fires when the peer refuses one of our frames.
	Reject func(body frame.RejectBody)
	// Closed fires exactly once when the socket shuts down, with the
	// transport error that caused it if any.
	Closed func(err error)
}

// Config holds everything needed to construct a Socket.
type Config struct {
	// ID identifies the socket within its server. Auto-generated if empty.
	ID string
	// Conn is the physical transport. Required.
	Conn Conn
	// Client marks the initiator role. A client-role socket can never
	// initiate connect handshakes and rejects inbound login frames.
	Client bool
	// Handlers receive protocol notifications.
	Handlers Handlers
	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Socket wraps one physical duplex connection with the frame protocol and
// per-virtual-connection handshake state.
type Socket struct {
	id       string
	isClient bool
	conn     Conn
	handlers Handlers
	timeout  time.Duration
	logger   *slog.Logger

	// writeMu serializes transport writes and guards the sequence counter
	// so frames go out in sequence order.
	writeMu sync.Mutex
	seq     int

	mu     sync.Mutex
	conns  map[string]*handshake
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Socket over the given transport. Call Start to begin reading
// frames.
func New(cfg Config) (*Socket, error) {
	if cfg.Conn == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Socket", "New", "transport conn is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Socket{
		id:       cfg.ID,
		isClient: cfg.Client,
		conn:     cfg.Conn,
		handlers: cfg.Handlers,
		timeout:  cfg.HandshakeTimeout,
		logger:   cfg.Logger.With("component", "socket", "socket_id", cfg.ID),
		conns:    make(map[string]*handshake),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the socket's identifier.
func (s *Socket) ID() string { return s.id }

// IsClient reports the initiator role.
func (s *Socket) IsClient() bool { return s.isClient }

// Start launches the read loop. It returns immediately; frame handling runs
// until the transport fails or Close is called.
func (s *Socket) Start() {
	go s.readLoop()
}

// Done is closed when the socket has fully shut down.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Login sends a login frame asserting a credential. Only meaningful from the
// client side; the server answers with connect or reject.
func (s *Socket) Login(credential json.RawMessage) (int, error) {
	return s.send(frame.TypeLogin, frame.LoginBody{Credential: credential})
}

// Connect initiates the connect handshake for a new connection id. Only the
// server side may initiate; the peer must echo before the handshake times
// out. A connect already in flight for the id is an error, not a silent
// overwrite.
func (s *Socket) Connect(connID string) error {
	if s.isClient {
		return errors.WrapInvalid(errors.ErrClientInitiated, "Socket", "Connect",
			"client socket cannot initiate connect")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrSocketClosed
	}
	if _, exists := s.conns[connID]; exists {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrConnectExisting, "Socket", "Connect",
			fmt.Sprintf("connection %s", connID))
	}
	st := &handshake{phase: phaseConnecting, sent: true}
	st.timer = s.armTimer(connID)
	s.conns[connID] = st
	s.mu.Unlock()

	if _, err := s.send(frame.TypeConnect, frame.ConnectBody{ConnectionID: connID}); err != nil {
		s.discardState(connID)
		return err
	}
	return nil
}

// Disconnect initiates the disconnect handshake for a known connection id.
// Either side may call it, whether the connection is connected or still
// connecting. Calling it again while mid-disconnect is a harmless no-op.
func (s *Socket) Disconnect(connID, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrSocketClosed
	}
	st, exists := s.conns[connID]
	if !exists {
		s.mu.Unlock()
		return errors.ErrConnectionNotFound
	}
	if st.phase == phaseDisconnecting && st.sent {
		s.mu.Unlock()
		return nil
	}
	if st.phase == phaseConnecting {
		st.connectPending = true
	}
	st.phase = phaseDisconnecting
	st.sent = true
	st.received = false
	st.stopTimer()
	st.timer = s.armTimer(connID)
	s.mu.Unlock()

	if _, err := s.send(frame.TypeDisconnect, frame.DisconnectBody{ConnectionID: connID, Reason: reason}); err != nil {
		return err
	}
	return nil
}

// SendEvent delivers an application event over a connected connection. It
// fails locally if the connection is not in the connected state.
func (s *Socket) SendEvent(connID string, body frame.EventBody) (int, error) {
	s.mu.Lock()
	st, exists := s.conns[connID]
	connected := exists && st.phase == phaseConnected
	s.mu.Unlock()

	if !connected {
		return 0, errors.WrapInvalid(errors.ErrNotConnected, "Socket", "SendEvent",
			fmt.Sprintf("connection %s", connID))
	}

	body.ConnectionID = connID
	return s.send(frame.TypeEvent, body)
}

// Answer replies to a previously received event frame.
func (s *Socket) Answer(req int, payload json.RawMessage) (int, error) {
	return s.send(frame.TypeAnswer, frame.AnswerBody{Req: req, Payload: payload})
}

// Reject refuses a previously received frame.
func (s *Socket) Reject(req int, reason string) error {
	_, err := s.send(frame.TypeReject, frame.RejectBody{Req: req, Reason: reason})
	return err
}

// Connected reports whether the connection id is in the fully-connected
// state.
func (s *Socket) Connected(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, exists := s.conns[connID]
	return exists && st.phase == phaseConnected
}

// Close tears down the transport. Every connection id still tracked gets a
// terminal notification: disconnected for anything connected or
// mid-disconnect, connect-fail for anything only mid-connect.
func (s *Socket) Close() error {
	return s.closeWithError(nil)
}

func (s *Socket) closeWithError(cause error) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		remaining := s.conns
		s.conns = make(map[string]*handshake)
		for _, st := range remaining {
			st.stopTimer()
		}
		s.mu.Unlock()

		_ = s.conn.Close()

		for id, st := range remaining {
			if st.phase == phaseConnecting || st.connectPending {
				s.emitConnectFail(id, "socket closed")
			} else {
				s.emitDisconnected(id, "socket closed")
			}
		}

		if s.handlers.Closed != nil {
			s.handlers.Closed(cause)
		}
		close(s.done)
	})
	return nil
}

// readLoop processes inbound frames in arrival order until the transport
// fails.
func (s *Socket) readLoop() {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			_ = s.closeWithError(err)
			return
		}

		var f frame.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
			_ = s.Reject(0, "malformed frame")
			continue
		}
		s.handleFrame(f)
	}
}

func (s *Socket) handleFrame(f frame.Frame) {
	switch f.Type {
	case frame.TypeLogin:
		s.handleLogin(f)
	case frame.TypeConnect:
		s.handleConnect(f)
	case frame.TypeDisconnect:
		s.handleDisconnect(f)
	case frame.TypeEvent:
		s.handleEvent(f)
	case frame.TypeAnswer:
		s.handleAnswer(f)
	case frame.TypeReject:
		s.handleReject(f)
	}
}

// handleLogin accepts login frames on the server side only. A peer cannot
// register to a client.
func (s *Socket) handleLogin(f frame.Frame) {
	if s.isClient {
		_ = s.Reject(f.Seq, "login to client socket not allowed")
		return
	}
	body, err := frame.DecodeBody[frame.LoginBody](f)
	if err != nil {
		_ = s.Reject(f.Seq, "malformed login body")
		return
	}
	if s.handlers.Login != nil {
		s.handlers.Login(f.Seq, body)
	}
}

func (s *Socket) handleConnect(f frame.Frame) {
	body, err := frame.DecodeBody[frame.ConnectBody](f)
	if err != nil || body.ConnectionID == "" {
		_ = s.Reject(f.Seq, "malformed connect body")
		return
	}
	id := body.ConnectionID

	s.mu.Lock()
	st, exists := s.conns[id]

	if !exists {
		if !s.isClient {
			// A fresh connect arriving at the server side is a client
			// trying to initiate, which the protocol forbids.
			s.mu.Unlock()
			_, _ = s.send(frame.TypeDisconnect, frame.DisconnectBody{
				ConnectionID: id,
				Req:          f.Seq,
				Reason:       "initiate connect not allowed",
			})
			return
		}
		// Client receiving a server-initiated connect: record, echo, and
		// consider ourselves connected once both halves have happened.
		st = &handshake{phase: phaseConnecting, received: true}
		s.conns[id] = st
		s.mu.Unlock()

		if _, err := s.send(frame.TypeConnect, frame.ConnectBody{ConnectionID: id, Req: f.Seq}); err != nil {
			s.discardState(id)
			return
		}

		s.mu.Lock()
		st.sent = true
		// A disconnect may have raced in while the echo was on the wire;
		// disconnect always wins over a concurrent connect.
		completed := st.phase == phaseConnecting
		if completed {
			st.phase = phaseConnected
		}
		s.mu.Unlock()
		if completed {
			s.emitConnected(id)
		}
		return
	}

	switch st.phase {
	case phaseConnecting:
		if st.sent {
			// The echo of our initiation: handshake complete.
			st.received = true
			st.phase = phaseConnected
			st.stopTimer()
			s.mu.Unlock()
			s.emitConnected(id)
			return
		}
		s.mu.Unlock()
		_ = s.Reject(f.Seq, "connect already received")
	case phaseConnected:
		s.mu.Unlock()
		_ = s.Reject(f.Seq, "already connected")
	case phaseDisconnecting:
		s.mu.Unlock()
		_ = s.Reject(f.Seq, "disconnect in progress")
	default:
		s.mu.Unlock()
	}
}

func (s *Socket) handleDisconnect(f frame.Frame) {
	body, err := frame.DecodeBody[frame.DisconnectBody](f)
	if err != nil || body.ConnectionID == "" {
		_ = s.Reject(f.Seq, "malformed disconnect body")
		return
	}
	id := body.ConnectionID

	s.mu.Lock()
	st, exists := s.conns[id]
	if !exists {
		s.mu.Unlock()
		_ = s.Reject(f.Seq, "connection not found")
		return
	}

	if st.phase == phaseDisconnecting && st.sent {
		// The echo of our own disconnect: complete and discard.
		st.stopTimer()
		delete(s.conns, id)
		connectPending := st.connectPending
		s.mu.Unlock()

		if connectPending {
			s.emitConnectFail(id, "disconnected during connect")
		} else {
			s.emitDisconnected(id, body.Reason)
		}
		return
	}

	// Peer-initiated disconnect for a known id: echo, notify immediately,
	// discard state. Disconnect always wins over a concurrent connect.
	wasConnecting := st.phase == phaseConnecting
	st.stopTimer()
	delete(s.conns, id)
	s.mu.Unlock()

	_, _ = s.send(frame.TypeDisconnect, frame.DisconnectBody{
		ConnectionID: id,
		Req:          f.Seq,
		Reason:       "echo",
	})

	if wasConnecting {
		s.emitConnectFail(id, body.Reason)
	} else {
		s.emitDisconnected(id, body.Reason)
	}
}

// handleEvent accepts events for fully-connected ids, or in the narrow window
// where we sent a disconnect that has not been echoed yet (events in flight
// before disconnect still count).
func (s *Socket) handleEvent(f frame.Frame) {
	body, err := frame.DecodeBody[frame.EventBody](f)
	if err != nil || body.ConnectionID == "" {
		_ = s.Reject(f.Seq, "malformed event body")
		return
	}

	s.mu.Lock()
	st, exists := s.conns[body.ConnectionID]
	accepted := exists &&
		(st.phase == phaseConnected || (st.phase == phaseDisconnecting && st.sent && !st.received))
	s.mu.Unlock()

	if !accepted {
		_ = s.Reject(f.Seq, "connection not connected")
		return
	}
	if s.handlers.Event != nil {
		s.handlers.Event(f.Seq, body)
	}
}

func (s *Socket) handleAnswer(f frame.Frame) {
	body, err := frame.DecodeBody[frame.AnswerBody](f)
	if err != nil {
		_ = s.Reject(f.Seq, "malformed answer body")
		return
	}
	if s.handlers.Answer != nil {
		s.handlers.Answer(body)
	}
}

func (s *Socket) handleReject(f frame.Frame) {
	body, err := frame.DecodeBody[frame.RejectBody](f)
	if err != nil {
		return
	}
	s.logger.Debug("frame rejected by peer", "req", body.Req, "reason", body.Reason)
	if s.handlers.Reject != nil {
		s.handlers.Reject(body)
	}
}

// armTimer schedules the handshake timeout for a connection id. The caller
// holds s.mu.
func (s *Socket) armTimer(connID string) *time.Timer {
	return time.AfterFunc(s.timeout, func() {
		s.handshakeExpired(connID)
	})
}

// handshakeExpired discards a handshake whose echo never arrived and fires the
// matching failure notification.
func (s *Socket) handshakeExpired(connID string) {
	s.mu.Lock()
	st, exists := s.conns[connID]
	if !exists || !st.sent || st.phase == phaseConnected {
		s.mu.Unlock()
		return
	}
	wasConnecting := st.phase == phaseConnecting || st.connectPending
	delete(s.conns, connID)
	s.mu.Unlock()

	if wasConnecting {
		s.emitConnectFail(connID, "handshake timeout")
	} else {
		s.emitDisconnected(connID, "handshake timeout")
	}
}

func (s *Socket) discardState(connID string) {
	s.mu.Lock()
	if st, exists := s.conns[connID]; exists {
		st.stopTimer()
		delete(s.conns, connID)
	}
	s.mu.Unlock()
}

func (s *Socket) emitConnected(connID string) {
	if s.handlers.Connected != nil {
		s.handlers.Connected(connID)
	}
}

func (s *Socket) emitConnectFail(connID, reason string) {
	if s.handlers.ConnectFail != nil {
		s.handlers.ConnectFail(connID, reason)
	}
}

func (s *Socket) emitDisconnected(connID, reason string) {
	if s.handlers.Disconnected != nil {
		s.handlers.Disconnected(connID, reason)
	}
}

// send assigns the next sequence number and writes one frame. Writes are
// serialized; gorilla websocket connections do not tolerate concurrent
// writers.
func (s *Socket) send(t frame.Type, body any) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, errors.ErrSocketClosed
	}

	s.seq++
	f, err := frame.New(t, s.seq, body)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Socket", "send", "encode frame")
	}
	if err := s.conn.WriteMessage(data); err != nil {
		return 0, errors.WrapTransient(err, "Socket", "send", fmt.Sprintf("write %s frame", t))
	}
	return s.seq, nil
}
