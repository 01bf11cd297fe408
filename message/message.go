// Package message defines the core data model shared by the socket,
// transmitter, broker, and worker layers: virtual connections, dispatch
// targets, events, and dispatch jobs.
package message

import "encoding/json"

// Connection is a virtual, server-assigned identity multiplexed over exactly
// one physical socket at a time. A Connection is registered on at most one
// server process; ServerID names the cluster member that owns it.
type Connection struct {
	ID       string `json:"id"`
	ServerID string `json:"serverId"`
	SocketID string `json:"socketId"`
	// User is the owning identity. Empty means anonymous.
	User string `json:"user,omitempty"`
}

// Local reports whether the connection is owned by the given server. This
// locality check is the fundamental branch point for every distribution
// operation.
func (c Connection) Local(serverID string) bool {
	return c.ServerID == serverID
}

// TargetKind discriminates the dispatch target union.
type TargetKind int

const (
	// TargetConnection addresses exactly one connection.
	TargetConnection TargetKind = iota
	// TargetTopic fans out to every connection currently subscribed to a
	// named topic.
	TargetTopic
	// TargetUser fans out to every connection owned by an identity, local
	// and remote.
	TargetUser
)

// String returns the string representation of the target kind.
func (k TargetKind) String() string {
	switch k {
	case TargetConnection:
		return "connection"
	case TargetTopic:
		return "topic"
	case TargetUser:
		return "user"
	default:
		return "unknown"
	}
}

// Target is the tagged dispatch target union. Use the To* constructors; the
// zero Target addresses nothing.
type Target struct {
	Kind       TargetKind `json:"kind"`
	Connection Connection `json:"connection,omitzero"`
	Topic      string     `json:"topic,omitempty"`
	User       string     `json:"user,omitempty"`
}

// ToConnection targets a single connection.
func ToConnection(conn Connection) Target {
	return Target{Kind: TargetConnection, Connection: conn}
}

// ToTopic targets every connection subscribed to the named topic.
func ToTopic(name string) Target {
	return Target{Kind: TargetTopic, Topic: name}
}

// ToUser targets every connection owned by the identity.
func ToUser(user string) Target {
	return Target{Kind: TargetUser, User: user}
}

// Event is one application payload unit delivered over a connection. Payload
// is opaque to the transport. ScopeID is stamped with the topic name when the
// event is fanned out under a topic target.
type Event struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ScopeID string          `json:"scopeId,omitempty"`
}

// Job is one outbound dispatch unit: a target plus the events to deliver.
// Whitelist and Blacklist are only meaningful for topic and user targets and
// restrict fan-out to (or excluding) specific connections without changing
// subscription state.
type Job struct {
	Target    Target       `json:"target"`
	Events    []Event      `json:"events"`
	Whitelist []Connection `json:"whitelist,omitempty"`
	Blacklist []Connection `json:"blacklist,omitempty"`
}

// ExecutionKey returns the ordering key for the worker: jobs addressing the
// same target must never run concurrently with each other.
func (j Job) ExecutionKey() string {
	switch j.Target.Kind {
	case TargetConnection:
		return "conn:" + j.Target.Connection.ID
	case TargetTopic:
		return "topic:" + j.Target.Topic
	case TargetUser:
		return "user:" + j.Target.User
	default:
		return ""
	}
}
