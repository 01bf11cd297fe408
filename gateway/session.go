package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sockmux/frame"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/socket"
)

// session tracks one physical socket's virtual connections between login and
// teardown. Socket callbacks run on the socket's read loop, so session state
// stays behind its own mutex.
type session struct {
	g    *Gateway
	info RequestInfo
	sock *socket.Socket

	mu sync.Mutex
	// pending holds auth results between Connect being sent and the
	// handshake completing.
	pending map[string]AuthResult
	conns   map[string]message.Connection
	timers  map[string]*time.Timer
}

func (s *session) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// handleLogin authenticates the credential and, when accepted, starts the
// connect handshake for a freshly minted connection id.
func (s *session) handleLogin(seq int, body frame.LoginBody) {
	result, err := s.g.auth.Authenticate(s.g.runCtx, s.info, body.Credential)
	if err != nil {
		s.g.logger.Warn("authentication error", "socket_id", s.sock.ID(), "error", err)
		_ = s.sock.Reject(seq, "authentication error")
		return
	}
	if !result.Accepted {
		reason := result.Reason
		if reason == "" {
			reason = "login rejected"
		}
		_ = s.sock.Reject(seq, reason)
		return
	}

	connID := uuid.NewString()
	s.mu.Lock()
	s.pending[connID] = result
	s.mu.Unlock()

	if err := s.sock.Connect(connID); err != nil {
		s.mu.Lock()
		delete(s.pending, connID)
		s.mu.Unlock()
		s.g.logger.Error("connect initiation failed", "socket_id", s.sock.ID(), "error", err)
		_ = s.sock.Reject(seq, "connect failed")
	}
}

// handleConnected registers the completed connection with the transmitter.
func (s *session) handleConnected(connID string) {
	s.mu.Lock()
	result, ok := s.pending[connID]
	delete(s.pending, connID)
	if !ok {
		s.mu.Unlock()
		return
	}

	conn := message.Connection{
		ID:       connID,
		ServerID: s.g.tr.ServerID(),
		SocketID: s.sock.ID(),
		User:     result.User,
	}
	s.conns[connID] = conn

	if !result.Expiry.IsZero() {
		// Tear the connection down when the login's lease runs out.
		delay := time.Until(result.Expiry)
		if delay < 0 {
			delay = 0
		}
		s.timers[connID] = time.AfterFunc(delay, func() {
			_ = s.sock.Disconnect(connID, "login expired")
		})
	}
	s.mu.Unlock()

	if !s.g.tr.AddLocalConnection(conn, s.sock) {
		s.g.logger.Error("connection id collision", "connection_id", connID)
		_ = s.sock.Disconnect(connID, "internal error")
		return
	}
	s.g.logger.Debug("connection established",
		"connection_id", connID, "socket_id", s.sock.ID(), "user", conn.User)
}

func (s *session) handleConnectFail(connID, reason string) {
	s.mu.Lock()
	delete(s.pending, connID)
	s.mu.Unlock()
	s.g.logger.Debug("connect failed", "connection_id", connID, "reason", reason)
}

func (s *session) handleDisconnected(connID, reason string) {
	s.mu.Lock()
	delete(s.conns, connID)
	if timer, ok := s.timers[connID]; ok {
		timer.Stop()
		delete(s.timers, connID)
	}
	s.mu.Unlock()

	s.g.tr.RemoveLocalConnection(connID)
	s.g.logger.Debug("connection closed", "connection_id", connID, "reason", reason)
}

// handleEvent forwards an application event to the injected handler.
func (s *session) handleEvent(_ int, body frame.EventBody) {
	if s.g.eventHandler == nil {
		return
	}

	s.mu.Lock()
	conn, ok := s.conns[body.ConnectionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.g.eventHandler(s.g.runCtx, conn, message.Event{
		Type:    body.Type,
		Subtype: body.Subtype,
		Payload: body.Payload,
		ScopeID: body.ScopeID,
	})
}

func (s *session) handleClosed(err error) {
	s.mu.Lock()
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.mu.Unlock()

	s.g.removeSession(s)
	if err != nil {
		s.g.logger.Debug("socket closed", "socket_id", s.sock.ID(), "error", err)
	}
}
