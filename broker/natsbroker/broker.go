// Package natsbroker implements the cluster broker on NATS. Topic and user
// fan-out is broadcast to every pool member on a shared cast subject;
// operations addressed to a single connection go as a request to the owning
// server's directive subject and wait for its reply.
package natsbroker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sockmux/broker"
	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/metric"
)

const (
	castSubject   = "sockmux.cast"
	serverSubject = "sockmux.server."
)

// Directive operations a pool member accepts on its own subject.
const (
	opDispatch    = "dispatch"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opDisconnect  = "disconnect"
)

// Conn is the slice of the NATS client the broker uses. *natsclient.Client
// satisfies it; tests substitute fakes.
type Conn interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
	SubscribeReply(ctx context.Context, subject string, handler func(context.Context, []byte) []byte) error
}

// LocalDelivery is the slice of the transmitter the broker drives when
// another pool member addresses a connection owned by this server.
type LocalDelivery interface {
	DeliverLocal(ctx context.Context, job message.Job) []message.Connection
	AttachTopicLocal(conn message.Connection, topic string) bool
	DetachTopicLocal(conn message.Connection, topic string) bool
	DisconnectLocal(conn message.Connection, reason string) bool
}

// castEnvelope is the broadcast payload. Origin lets members skip their own
// broadcasts.
type castEnvelope struct {
	Origin string      `json:"origin"`
	Job    message.Job `json:"job"`
}

// directive is the request payload on a server's own subject.
type directive struct {
	Op         string             `json:"op"`
	Job        *message.Job       `json:"job,omitempty"`
	Connection message.Connection `json:"connection,omitempty"`
	Topic      string             `json:"topic,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// directiveReply is the response payload.
type directiveReply struct {
	OK          bool                 `json:"ok"`
	Connections []message.Connection `json:"connections,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Config holds everything needed to construct a Broker.
type Config struct {
	// ServerID names this pool member. Required.
	ServerID string
	// Client is the NATS connection. Required.
	Client Conn
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// MetricsRegistry is optional; nil disables instrumentation.
	MetricsRegistry *metric.Registry
}

// Broker is the NATS-backed cluster broker.
type Broker struct {
	serverID string
	client   Conn
	logger   *slog.Logger
	metrics  *metric.Core

	mu      sync.RWMutex
	local   LocalDelivery
	handler broker.RemoteEventHandler

	lifecycleMu sync.Mutex
	started     bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Broker. Missing ServerID or Client fails fast.
func New(cfg Config) (*Broker, error) {
	if cfg.ServerID == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Broker", "New",
			"server id is required")
	}
	if cfg.Client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Broker", "New",
			"NATS client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var core *metric.Core
	if cfg.MetricsRegistry != nil {
		core = cfg.MetricsRegistry.Core
	}

	return &Broker{
		serverID: cfg.ServerID,
		client:   cfg.Client,
		logger:   cfg.Logger.With("component", "natsbroker", "server_id", cfg.ServerID),
		metrics:  core,
	}, nil
}

// BindLocal attaches the local-delivery surface inbound directives and
// broadcasts are applied to. Must be called before Start.
func (b *Broker) BindLocal(local LocalDelivery) {
	b.mu.Lock()
	b.local = local
	b.mu.Unlock()
}

// OnRemoteEvent registers the handler for jobs broadcast by other members.
func (b *Broker) OnRemoteEvent(h broker.RemoteEventHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Start connects (if needed) and subscribes to the cast subject and this
// member's directive subject.
func (b *Broker) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Broker", "Start",
			"broker already running")
	}

	if !b.client.IsConnected() {
		if err := b.client.Connect(ctx); err != nil {
			return errors.Wrap(err, "Broker", "Start", "connect to NATS")
		}
	}

	if err := b.client.Subscribe(ctx, castSubject, b.handleCast); err != nil {
		return errors.Wrap(err, "Broker", "Start", "subscribe cast subject")
	}
	if err := b.client.SubscribeReply(ctx, serverSubject+b.serverID, b.handleDirective); err != nil {
		return errors.Wrap(err, "Broker", "Start", "subscribe directive subject")
	}

	b.logger.Info("cluster broker started")
	b.started = true
	return nil
}

// Stop marks the broker stopped. The NATS connection belongs to the caller
// and is drained there.
func (b *Broker) Stop(time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	b.started = false
	return nil
}

// DispatchRemote routes one job to the rest of the pool. Connection targets go
// straight to the owning server and return the recipients it reached; topic
// and user targets are broadcast fire-and-forget, so the remote recipient set
// is unknown and reported as empty.
func (b *Broker) DispatchRemote(ctx context.Context, job message.Job) ([]message.Connection, error) {
	if job.Target.Kind == message.TargetConnection {
		reply, err := b.request(ctx, job.Target.Connection.ServerID, directive{
			Op:         opDispatch,
			Job:        &job,
			Connection: job.Target.Connection,
		})
		if err != nil {
			return nil, err
		}
		return reply.Connections, nil
	}

	env, err := json.Marshal(castEnvelope{Origin: b.serverID, Job: job})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Broker", "DispatchRemote", "encode cast envelope")
	}
	if err := b.client.Publish(ctx, castSubject, env); err != nil {
		b.countError("cast")
		return nil, errors.WrapTransient(err, "Broker", "DispatchRemote", "publish cast")
	}
	return nil, nil
}

// SubscribeTopicRemote asks the owning server to attach the connection to a
// topic.
func (b *Broker) SubscribeTopicRemote(ctx context.Context, conn message.Connection, topic string) (bool, error) {
	reply, err := b.request(ctx, conn.ServerID, directive{
		Op:         opSubscribe,
		Connection: conn,
		Topic:      topic,
	})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

// UnsubscribeTopicRemote asks the owning server to detach the connection from
// a topic.
func (b *Broker) UnsubscribeTopicRemote(ctx context.Context, conn message.Connection, topic string) (bool, error) {
	reply, err := b.request(ctx, conn.ServerID, directive{
		Op:         opUnsubscribe,
		Connection: conn,
		Topic:      topic,
	})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

// DisconnectRemote asks the owning server to tear the connection down.
func (b *Broker) DisconnectRemote(ctx context.Context, conn message.Connection, reason string) (bool, error) {
	reply, err := b.request(ctx, conn.ServerID, directive{
		Op:         opDisconnect,
		Connection: conn,
		Reason:     reason,
	})
	if err != nil {
		return false, err
	}
	return reply.OK, nil
}

func (b *Broker) request(ctx context.Context, serverID string, d directive) (*directiveReply, error) {
	if serverID == "" {
		return nil, errors.WrapInvalid(errors.ErrBrokerRequest, "Broker", "request",
			"directive without owning server")
	}

	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Broker", "request", "encode directive")
	}

	raw, err := b.client.Request(ctx, serverSubject+serverID, data)
	if err != nil {
		b.countError(d.Op)
		return nil, errors.WrapTransient(err, "Broker", "request",
			d.Op+" directive to "+serverID)
	}

	var reply directiveReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		b.countError(d.Op)
		return nil, errors.WrapInvalid(err, "Broker", "request", "decode directive reply")
	}
	if reply.Error != "" {
		return nil, errors.WrapTransient(errors.ErrBrokerRequest, "Broker", "request",
			d.Op+" refused: "+reply.Error)
	}
	return &reply, nil
}

// handleCast applies a broadcast job from another member to local recipients.
func (b *Broker) handleCast(ctx context.Context, data []byte) {
	var env castEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.countError("cast")
		b.logger.Error("malformed cast envelope", "error", err)
		return
	}
	if env.Origin == b.serverID {
		// Our own broadcast; local delivery already happened.
		return
	}

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	if handler != nil {
		handler(ctx, env.Job)
	}
}

// handleDirective applies a directed request from another member and encodes
// the reply.
func (b *Broker) handleDirective(ctx context.Context, data []byte) []byte {
	var d directive
	if err := json.Unmarshal(data, &d); err != nil {
		b.countError("directive")
		return encodeReply(directiveReply{Error: "malformed directive"})
	}

	b.mu.RLock()
	local := b.local
	b.mu.RUnlock()

	if local == nil {
		return encodeReply(directiveReply{Error: "no local delivery bound"})
	}

	switch d.Op {
	case opDispatch:
		if d.Job == nil {
			return encodeReply(directiveReply{Error: "dispatch directive without job"})
		}
		reached := local.DeliverLocal(ctx, *d.Job)
		return encodeReply(directiveReply{OK: len(reached) > 0, Connections: reached})
	case opSubscribe:
		return encodeReply(directiveReply{OK: local.AttachTopicLocal(d.Connection, d.Topic)})
	case opUnsubscribe:
		return encodeReply(directiveReply{OK: local.DetachTopicLocal(d.Connection, d.Topic)})
	case opDisconnect:
		return encodeReply(directiveReply{OK: local.DisconnectLocal(d.Connection, d.Reason)})
	default:
		return encodeReply(directiveReply{Error: "unknown op " + d.Op})
	}
}

func encodeReply(r directiveReply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false,"error":"encode reply"}`)
	}
	return data
}

func (b *Broker) countError(op string) {
	if b.metrics != nil {
		b.metrics.BrokerErrors.WithLabelValues(op).Inc()
	}
}
