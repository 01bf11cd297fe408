// Package broker abstracts "this server is part of a pool". A Broker exposes
// remote fan-out and subscription replication primitives plus a callback for
// inbound remote events. The transmitter delegates every non-local operation
// to its broker, so its code path is uniform whether or not clustering is
// configured.
package broker

import (
	"context"
	"time"

	"github.com/c360/sockmux/message"
)

// RemoteEventHandler is invoked whenever another cluster member needs this
// server to deliver a job locally.
type RemoteEventHandler func(ctx context.Context, job message.Job)

// Broker is the pluggable cluster transport. Implementations must be safe for
// concurrent use.
type Broker interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error

	// DispatchRemote fans a job out to connections living on other servers.
	// It returns the remote connections reached when the transport can know
	// them (directed dispatch), or nil when fan-out is fire-and-forget or
	// nobody was reached.
	DispatchRemote(ctx context.Context, job message.Job) ([]message.Connection, error)

	// SubscribeTopicRemote asks the server owning the connection to attach
	// it to a topic. Returns whether the remote server made the change.
	SubscribeTopicRemote(ctx context.Context, conn message.Connection, topic string) (bool, error)

	// UnsubscribeTopicRemote is the inverse of SubscribeTopicRemote.
	UnsubscribeTopicRemote(ctx context.Context, conn message.Connection, topic string) (bool, error)

	// DisconnectRemote asks the server owning the connection to tear it
	// down.
	DisconnectRemote(ctx context.Context, conn message.Connection, reason string) (bool, error)

	// OnRemoteEvent registers the handler for jobs other members need
	// delivered here. Must be called before Start.
	OnRemoteEvent(handler RemoteEventHandler)
}

// Local is the single-node default: remote dispatch always resolves to
// nothing and remote mutations report false. It exists purely so the
// transmitter's code path stays uniform in the default topology.
type Local struct{}

// NewLocal returns the no-op single-node broker.
func NewLocal() *Local { return &Local{} }

// Start is a no-op.
func (*Local) Start(context.Context) error { return nil }

// Stop is a no-op.
func (*Local) Stop(time.Duration) error { return nil }

// DispatchRemote resolves to no remote recipients.
func (*Local) DispatchRemote(context.Context, message.Job) ([]message.Connection, error) {
	return nil, nil
}

// SubscribeTopicRemote reports no remote change.
func (*Local) SubscribeTopicRemote(context.Context, message.Connection, string) (bool, error) {
	return false, nil
}

// UnsubscribeTopicRemote reports no remote change.
func (*Local) UnsubscribeTopicRemote(context.Context, message.Connection, string) (bool, error) {
	return false, nil
}

// DisconnectRemote reports no remote change.
func (*Local) DisconnectRemote(context.Context, message.Connection, string) (bool, error) {
	return false, nil
}

// OnRemoteEvent drops the handler; a single node never receives remote
// events.
func (*Local) OnRemoteEvent(RemoteEventHandler) {}
