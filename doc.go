// Package sockmux is a real-time messaging transport that multiplexes
// virtual connections over websockets and routes events across a pool of
// cooperating servers.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│           Gateway                   │  HTTP upgrade, auth,
//	│   (websocket server, sessions)      │  session bookkeeping
//	└─────────────────────────────────────┘
//	           ↓ frames via
//	┌─────────────────────────────────────┐
//	│           Socket                    │  Framed handshake protocol,
//	│  (login, connect, event, answer)    │  echo confirmation, timeout
//	└─────────────────────────────────────┘
//	           ↓ registered with
//	┌─────────────────────────────────────┐
//	│         Transmitter                 │  Connection registry,
//	│  (topic/user indices, dispatch)     │  local/remote routing
//	└─────────────────────────────────────┘
//	           ↓ remote half via
//	┌─────────────────────────────────────┐
//	│           Broker                    │  NATS cast + directives,
//	│   (cluster fan-out, directives)     │  or in-process no-op
//	└─────────────────────────────────────┘
//
// A client opens one physical websocket and logs in; the server assigns a
// virtual connection over that socket. Every frame the protocol exchanges is
// a JSON array of frame type, sequence, and body. Connections are confirmed
// by echo in both directions, and a handshake timer closes sockets whose
// peer never answers.
//
// The transmitter owns the connection registry with topic and user indices.
// Dispatch targets one connection, a topic, or a user; topic and user
// targets fan out to local recipients directly and to remote recipients
// through the cluster broker. Write failures prune the dead connection and
// keep the fan-out going.
//
// The worker runs dispatch jobs under a global concurrency cap while
// serializing jobs that share an execution key, so events addressed to the
// same target are always delivered in submission order.
//
// # Packages
//
// Core protocol:
//   - frame: wire codec for the framed socket protocol
//   - socket: one physical socket running the handshake state machine
//   - message: connections, targets, events, and dispatch jobs
//
// Routing:
//   - transmitter: connection registry and dispatch fan-out
//   - broker: cluster broker interface plus the single-server no-op
//   - broker/natsbroker: NATS-backed cluster broker
//   - worker: keyed, concurrency-bounded job execution
//
// Boundary and infrastructure:
//   - gateway: HTTP server, websocket upgrade, authentication
//   - natsclient: NATS connection management
//   - config: YAML configuration loading and validation
//   - metric: Prometheus metrics
//   - errors: structured error handling
//   - pkg/tlsutil: TLS configuration loading
//
// # Binary
//
// cmd/sockmuxd runs the transport as a standalone server:
//
//	# Single server with defaults
//	./bin/sockmuxd
//
//	# Clustered pool member
//	./bin/sockmuxd --config configs/clustered.yaml
//
// Deployments embedding the transport in their own binary construct a
// Transmitter and Gateway directly and plug in their own Authenticator and
// EventHandler.
package sockmux
