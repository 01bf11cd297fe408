package transmitter

import (
	"github.com/c360/sockmux/frame"
	"github.com/c360/sockmux/message"
)

// Socket is the slice of the transport socket the transmitter writes to.
// *socket.Socket satisfies it; tests substitute fakes.
type Socket interface {
	ID() string
	SendEvent(connID string, body frame.EventBody) (int, error)
	Disconnect(connID, reason string) error
}

// localConnection is the registry's bookkeeping for one connection living on
// this server.
type localConnection struct {
	conn   message.Connection
	socket Socket
	topics map[string]struct{}
}

// registry is the in-memory table of live local connections plus the topic
// and user indices. Pure bookkeeping, no I/O; the owning Transmitter
// serializes access.
type registry struct {
	conns  map[string]*localConnection
	topics map[string]map[string]*localConnection
	users  map[string]map[string]*localConnection
}

func newRegistry() *registry {
	return &registry{
		conns:  make(map[string]*localConnection),
		topics: make(map[string]map[string]*localConnection),
		users:  make(map[string]map[string]*localConnection),
	}
}

// add stores a connection. It fails if the id already exists. A non-empty
// user is indexed under the user's identity.
func (r *registry) add(conn message.Connection, sock Socket) bool {
	if _, exists := r.conns[conn.ID]; exists {
		return false
	}

	lc := &localConnection{
		conn:   conn,
		socket: sock,
		topics: make(map[string]struct{}),
	}
	r.conns[conn.ID] = lc

	if conn.User != "" {
		byUser, ok := r.users[conn.User]
		if !ok {
			byUser = make(map[string]*localConnection)
			r.users[conn.User] = byUser
		}
		byUser[conn.ID] = lc
	}
	return true
}

// remove detaches the connection from every topic index and the user index,
// then deletes it. Returns false if absent.
func (r *registry) remove(connID string) bool {
	lc, exists := r.conns[connID]
	if !exists {
		return false
	}

	for topic := range lc.topics {
		r.detachTopic(lc, topic)
	}
	if lc.conn.User != "" {
		byUser := r.users[lc.conn.User]
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(r.users, lc.conn.User)
		}
	}
	delete(r.conns, connID)
	return true
}

// subscribe attaches a local connection to a topic. Returns false if the
// connection is absent.
func (r *registry) subscribe(connID, topic string) bool {
	lc, exists := r.conns[connID]
	if !exists {
		return false
	}

	lc.topics[topic] = struct{}{}
	byTopic, ok := r.topics[topic]
	if !ok {
		byTopic = make(map[string]*localConnection)
		r.topics[topic] = byTopic
	}
	byTopic[connID] = lc
	return true
}

// unsubscribe detaches a local connection from a topic. Returns false if the
// connection is absent or was not subscribed.
func (r *registry) unsubscribe(connID, topic string) bool {
	lc, exists := r.conns[connID]
	if !exists {
		return false
	}
	if _, subscribed := lc.topics[topic]; !subscribed {
		return false
	}

	delete(lc.topics, topic)
	r.detachTopic(lc, topic)
	return true
}

func (r *registry) detachTopic(lc *localConnection, topic string) {
	byTopic := r.topics[topic]
	delete(byTopic, lc.conn.ID)
	if len(byTopic) == 0 {
		delete(r.topics, topic)
	}
}

func (r *registry) get(connID string) (*localConnection, bool) {
	lc, exists := r.conns[connID]
	return lc, exists
}

func (r *registry) topicConnections(topic string) []*localConnection {
	byTopic := r.topics[topic]
	out := make([]*localConnection, 0, len(byTopic))
	for _, lc := range byTopic {
		out = append(out, lc)
	}
	return out
}

func (r *registry) userConnections(user string) []*localConnection {
	byUser := r.users[user]
	out := make([]*localConnection, 0, len(byUser))
	for _, lc := range byUser {
		out = append(out, lc)
	}
	return out
}

func (r *registry) size() int {
	return len(r.conns)
}
