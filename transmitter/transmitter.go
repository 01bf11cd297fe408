// Package transmitter owns the connection registry plus the topic and user
// indices for one server process, and routes dispatch jobs to local sockets
// and, through the cluster broker, to other servers. It is the only component
// allowed to touch the registry; cross-process access goes through the broker
// exclusively.
package transmitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sockmux/broker"
	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/frame"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/metric"
)

// Config holds everything needed to construct a Transmitter.
type Config struct {
	// ServerID names this cluster member. Required.
	ServerID string
	// Broker handles cross-server operations. Defaults to the no-op
	// single-node broker.
	Broker broker.Broker
	// ErrorHandler receives every caught local failure (socket write
	// errors, broker errors). Defaults to logging.
	ErrorHandler func(error)
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// MetricsRegistry is optional; nil disables instrumentation.
	MetricsRegistry *metric.Registry
}

// Transmitter resolves dispatch targets into the set of local sockets to
// write to and delegates non-local fan-out to the cluster broker.
type Transmitter struct {
	serverID string
	broker   broker.Broker
	onError  func(error)
	logger   *slog.Logger
	metrics  *metric.Core

	mu  sync.Mutex
	reg *registry

	lifecycleMu sync.Mutex
	started     bool
}

// New creates a Transmitter. Missing ServerID fails fast.
func New(cfg Config) (*Transmitter, error) {
	if cfg.ServerID == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Transmitter", "New",
			"server id is required")
	}
	if cfg.Broker == nil {
		cfg.Broker = broker.NewLocal()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "transmitter", "server_id", cfg.ServerID)

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(err error) {
			logger.Error("delivery error", "error", err)
		}
	}

	var core *metric.Core
	if cfg.MetricsRegistry != nil {
		core = cfg.MetricsRegistry.Core
	}

	return &Transmitter{
		serverID: cfg.ServerID,
		broker:   cfg.Broker,
		onError:  cfg.ErrorHandler,
		logger:   logger,
		metrics:  core,
		reg:      newRegistry(),
	}, nil
}

// ServerID returns this cluster member's identity.
func (t *Transmitter) ServerID() string { return t.serverID }

// Start registers the remote-event handler and starts the broker.
func (t *Transmitter) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Transmitter", "Start",
			"transmitter already running")
	}

	t.broker.OnRemoteEvent(func(ctx context.Context, job message.Job) {
		// Jobs arriving from other members are delivered locally only;
		// re-dispatching remotely would loop the cluster.
		t.DeliverLocal(ctx, job)
	})

	if err := t.broker.Start(ctx); err != nil {
		return errors.Wrap(err, "Transmitter", "Start", "start cluster broker")
	}

	t.started = true
	return nil
}

// Stop stops the broker.
func (t *Transmitter) Stop(timeout time.Duration) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if !t.started {
		return nil
	}
	t.started = false
	return t.broker.Stop(timeout)
}

// AddLocalConnection registers a freshly connected virtual connection.
// Returns false if the id already exists.
func (t *Transmitter) AddLocalConnection(conn message.Connection, sock Socket) bool {
	t.mu.Lock()
	added := t.reg.add(conn, sock)
	size := t.reg.size()
	t.mu.Unlock()

	if added && t.metrics != nil {
		t.metrics.ConnectionsTotal.Inc()
		t.metrics.ConnectionsActive.Set(float64(size))
	}
	return added
}

// RemoveLocalConnection detaches a connection from every index and deletes
// it. Returns false if absent.
func (t *Transmitter) RemoveLocalConnection(connID string) bool {
	t.mu.Lock()
	removed := t.reg.remove(connID)
	size := t.reg.size()
	t.mu.Unlock()

	if removed && t.metrics != nil {
		t.metrics.ConnectionsActive.Set(float64(size))
	}
	return removed
}

// SubscribeTopic attaches a connection to a topic. Foreign connections are
// delegated to the cluster broker's remote equivalent.
func (t *Transmitter) SubscribeTopic(ctx context.Context, conn message.Connection, topic string) (bool, error) {
	if !conn.Local(t.serverID) {
		ok, err := t.broker.SubscribeTopicRemote(ctx, conn, topic)
		if err != nil {
			return false, errors.WrapTransient(err, "Transmitter", "SubscribeTopic",
				fmt.Sprintf("remote subscribe %s to %s", conn.ID, topic))
		}
		return ok, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.subscribe(conn.ID, topic), nil
}

// UnsubscribeTopic detaches a connection from a topic, delegating foreign
// connections to the broker.
func (t *Transmitter) UnsubscribeTopic(ctx context.Context, conn message.Connection, topic string) (bool, error) {
	if !conn.Local(t.serverID) {
		ok, err := t.broker.UnsubscribeTopicRemote(ctx, conn, topic)
		if err != nil {
			return false, errors.WrapTransient(err, "Transmitter", "UnsubscribeTopic",
				fmt.Sprintf("remote unsubscribe %s from %s", conn.ID, topic))
		}
		return ok, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.unsubscribe(conn.ID, topic), nil
}

// Disconnect tears a connection down: local connections are detached from
// every index, their socket-level handshake closed, and removed from the
// registry; foreign connections are delegated to the broker. Returns false
// when nothing happened.
func (t *Transmitter) Disconnect(ctx context.Context, conn message.Connection, reason string) (bool, error) {
	if !conn.Local(t.serverID) {
		ok, err := t.broker.DisconnectRemote(ctx, conn, reason)
		if err != nil {
			return false, errors.WrapTransient(err, "Transmitter", "Disconnect",
				fmt.Sprintf("remote disconnect %s", conn.ID))
		}
		return ok, nil
	}

	return t.DisconnectLocal(conn, reason), nil
}

// Dispatch resolves the job's target into recipients and delivers the
// events, locally and through the broker. The returned set holds the
// connections actually reached; nil means nobody to deliver to. Per-recipient
// transport failures are reported to the error handler and prune the failing
// recipient without aborting delivery to the rest.
func (t *Transmitter) Dispatch(ctx context.Context, job message.Job) ([]message.Connection, error) {
	start := time.Now()
	if t.metrics != nil {
		t.metrics.DispatchTotal.WithLabelValues(job.Target.Kind.String()).Inc()
		defer func() {
			t.metrics.DispatchDuration.WithLabelValues(job.Target.Kind.String()).
				Observe(time.Since(start).Seconds())
		}()
	}

	if job.Target.Kind == message.TargetConnection {
		conn := job.Target.Connection
		if !conn.Local(t.serverID) {
			// A single foreign connection is the broker's problem
			// entirely.
			recipients, err := t.broker.DispatchRemote(ctx, job)
			if err != nil {
				t.onError(errors.WrapTransient(err, "Transmitter", "Dispatch",
					fmt.Sprintf("remote dispatch to %s", conn.ID)))
				return nil, nil
			}
			return recipients, nil
		}
		return t.dispatchLocalConnection(job, conn), nil
	}

	// Topic and user targets fan out locally and remotely concurrently.
	var remote []message.Connection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recipients, err := t.broker.DispatchRemote(gctx, job)
		if err != nil {
			// Broker errors merge as "no remote recipients"; they never
			// crash the local half of a dispatch.
			t.onError(errors.WrapTransient(err, "Transmitter", "Dispatch", "remote fan-out"))
			return nil
		}
		remote = recipients
		return nil
	})

	local := t.DeliverLocal(ctx, job)
	_ = g.Wait()

	// Merge local and remote, preserving the nil "nobody to deliver to"
	// sentinel.
	if len(local) == 0 {
		return remote, nil
	}
	if len(remote) == 0 {
		return local, nil
	}
	return append(local, remote...), nil
}

// DeliverLocal delivers a job to local recipients only. The broker calls this
// (through the registered remote-event handler) for jobs originating on other
// servers.
func (t *Transmitter) DeliverLocal(_ context.Context, job message.Job) []message.Connection {
	switch job.Target.Kind {
	case message.TargetConnection:
		if !job.Target.Connection.Local(t.serverID) {
			return nil
		}
		return t.dispatchLocalConnection(job, job.Target.Connection)
	case message.TargetTopic, message.TargetUser:
		return t.fanOutLocal(job)
	default:
		return nil
	}
}

// AttachTopicLocal attaches a locally owned connection to a topic on behalf
// of a remote server.
func (t *Transmitter) AttachTopicLocal(conn message.Connection, topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.subscribe(conn.ID, topic)
}

// DetachTopicLocal detaches a locally owned connection from a topic on
// behalf of a remote server.
func (t *Transmitter) DetachTopicLocal(conn message.Connection, topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.unsubscribe(conn.ID, topic)
}

// DisconnectLocal tears down a locally owned connection: socket handshake,
// indices, registry entry. Returns false if the connection is absent.
func (t *Transmitter) DisconnectLocal(conn message.Connection, reason string) bool {
	t.mu.Lock()
	lc, exists := t.reg.get(conn.ID)
	if exists {
		t.reg.remove(conn.ID)
	}
	size := t.reg.size()
	t.mu.Unlock()

	if !exists {
		return false
	}

	if err := lc.socket.Disconnect(conn.ID, reason); err != nil {
		t.onError(errors.WrapTransient(err, "Transmitter", "DisconnectLocal",
			fmt.Sprintf("close handshake for %s", conn.ID)))
	}
	if t.metrics != nil {
		t.metrics.ConnectionsActive.Set(float64(size))
	}
	return true
}

// dispatchLocalConnection delivers to exactly one local connection.
func (t *Transmitter) dispatchLocalConnection(job message.Job, conn message.Connection) []message.Connection {
	t.mu.Lock()
	lc, exists := t.reg.get(conn.ID)
	t.mu.Unlock()

	if !exists {
		return nil
	}
	if !t.writeEvents(lc, job) {
		return nil
	}
	if t.metrics != nil {
		t.metrics.DispatchRecipients.Inc()
	}
	return []message.Connection{lc.conn}
}

// fanOutLocal computes the local recipient set for a topic or user target,
// applies the whitelist and blacklist, and writes to every recipient. Each
// recipient's write is independent; no delivery order is guaranteed across
// recipients.
func (t *Transmitter) fanOutLocal(job message.Job) []message.Connection {
	t.mu.Lock()
	var candidates []*localConnection
	switch job.Target.Kind {
	case message.TargetTopic:
		candidates = t.reg.topicConnections(job.Target.Topic)
	case message.TargetUser:
		candidates = t.reg.userConnections(job.Target.User)
	}
	t.mu.Unlock()

	recipients := filterRecipients(candidates, job.Whitelist, job.Blacklist)
	if len(recipients) == 0 {
		return nil
	}

	var (
		wg        sync.WaitGroup
		reachedMu sync.Mutex
		reached   []message.Connection
	)
	for _, lc := range recipients {
		wg.Add(1)
		go func(lc *localConnection) {
			defer wg.Done()
			if t.writeEvents(lc, job) {
				reachedMu.Lock()
				reached = append(reached, lc.conn)
				reachedMu.Unlock()
			}
		}(lc)
	}
	wg.Wait()

	if t.metrics != nil {
		t.metrics.DispatchRecipients.Add(float64(len(reached)))
	}
	if len(reached) == 0 {
		return nil
	}
	return reached
}

// writeEvents writes the job's events to one recipient. A write failure is
// reported to the error handler and the recipient is dropped from the
// registry and every index, self-healing against dead sockets.
func (t *Transmitter) writeEvents(lc *localConnection, job message.Job) bool {
	for _, ev := range job.Events {
		body := frame.EventBody{
			Type:    ev.Type,
			Subtype: ev.Subtype,
			Payload: ev.Payload,
			ScopeID: ev.ScopeID,
		}
		// Stamp the matching topic so receivers can tell which
		// subscription the event arrived under.
		if job.Target.Kind == message.TargetTopic && body.ScopeID == "" {
			body.ScopeID = job.Target.Topic
		}

		if _, err := lc.socket.SendEvent(lc.conn.ID, body); err != nil {
			t.onError(errors.WrapTransient(err, "Transmitter", "Dispatch",
				fmt.Sprintf("write event to %s", lc.conn.ID)))
			t.pruneRecipient(lc.conn.ID)
			return false
		}
	}
	return true
}

func (t *Transmitter) pruneRecipient(connID string) {
	t.mu.Lock()
	removed := t.reg.remove(connID)
	size := t.reg.size()
	t.mu.Unlock()

	if removed {
		t.logger.Warn("pruned dead recipient", "connection_id", connID)
		if t.metrics != nil {
			t.metrics.PrunedRecipients.Inc()
			t.metrics.ConnectionsActive.Set(float64(size))
		}
	}
}

// filterRecipients applies whitelist and blacklist membership by connection
// id. A whitelist restricts to its members; a blacklist excludes its members;
// both may combine.
func filterRecipients(candidates []*localConnection, whitelist, blacklist []message.Connection) []*localConnection {
	var allow map[string]struct{}
	if whitelist != nil {
		allow = make(map[string]struct{}, len(whitelist))
		for _, c := range whitelist {
			allow[c.ID] = struct{}{}
		}
	}
	var deny map[string]struct{}
	if len(blacklist) > 0 {
		deny = make(map[string]struct{}, len(blacklist))
		for _, c := range blacklist {
			deny[c.ID] = struct{}{}
		}
	}

	out := make([]*localConnection, 0, len(candidates))
	for _, lc := range candidates {
		if allow != nil {
			if _, ok := allow[lc.conn.ID]; !ok {
				continue
			}
		}
		if deny != nil {
			if _, banned := deny[lc.conn.ID]; banned {
				continue
			}
		}
		out = append(out, lc)
	}
	return out
}
