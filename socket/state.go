package socket

import "time"

// phase is the handshake phase of one connection id known to this socket.
// A connection only ever moves connecting -> connected -> disconnecting ->
// absent; it can never skip from absent directly to connected without
// completing the connect handshake.
type phase int

const (
	phaseConnecting phase = iota
	phaseConnected
	phaseDisconnecting
)

func (p phase) String() string {
	switch p {
	case phaseConnecting:
		return "connecting"
	case phaseConnected:
		return "connected"
	case phaseDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// handshake tracks one connection id on this socket. Exactly one entry exists
// per id known to the socket; it is removed once disconnect completes.
type handshake struct {
	phase phase
	// sent and received flag which halves of the current phase's two-way
	// confirmation have happened from the local point of view.
	sent     bool
	received bool
	// connectPending marks a disconnect that started before the connect
	// handshake completed. When the disconnect completes the pending
	// connect is reported as failed, not connected.
	connectPending bool
	timer          *time.Timer
}

func (h *handshake) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
