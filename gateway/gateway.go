// Package gateway is the inbound boundary: an HTTP server that upgrades
// requests to websockets, runs the login/authenticate exchange, and wires the
// resulting connections into the transmitter. A pluggable upgrade gate can
// refuse requests before any socket exists.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/metric"
	"github.com/c360/sockmux/socket"
	"github.com/c360/sockmux/transmitter"
)

// Config holds everything needed to construct a Gateway.
type Config struct {
	Host string
	Port int
	// Path is the websocket upgrade endpoint. Defaults to /ws.
	Path string

	// Transmitter receives the connections this gateway creates. Required.
	Transmitter *transmitter.Transmitter
	// Authenticator is invoked once per login frame. Required.
	Authenticator Authenticator

	// VerifyUpgrade may refuse an upgrade before any socket exists; a
	// refusal answers 400 at the transport layer, outside the frame
	// protocol. Nil admits everything.
	VerifyUpgrade func(info RequestInfo) bool
	// EventHandler receives application events from connected clients.
	EventHandler func(ctx context.Context, conn message.Connection, event message.Event)

	// HandshakeTimeout is passed through to each socket.
	HandshakeTimeout time.Duration
	// UpgradeRate caps upgrade attempts per second; 0 disables limiting.
	UpgradeRate  float64
	UpgradeBurst int
	// CheckOrigin overrides the upgrader's origin policy. Nil admits all
	// origins.
	CheckOrigin func(r *http.Request) bool

	// TLSConfig enables TLS on the listener when non-nil.
	TLSConfig *tls.Config
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// MetricsRegistry is optional; nil disables instrumentation.
	MetricsRegistry *metric.Registry
}

// Gateway owns the HTTP listener and the live sockets behind it.
type Gateway struct {
	host          string
	port          int
	path          string
	tr            *transmitter.Transmitter
	auth          Authenticator
	verifyUpgrade func(RequestInfo) bool
	eventHandler  func(context.Context, message.Connection, message.Event)
	timeout       time.Duration
	tlsConfig     *tls.Config
	logger        *slog.Logger
	metrics       *metric.Core

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}

	lifecycleMu sync.Mutex
	started     bool
	server      *http.Server
	listener    net.Listener
	runCtx      context.Context
	runCancel   context.CancelFunc
}

// HealthStatus is a point-in-time snapshot of the gateway.
type HealthStatus struct {
	Status      string `json:"status"`
	Sockets     int    `json:"sockets"`
	Connections int    `json:"connections"`
}

// New creates a Gateway. Missing transmitter or authenticator fails fast.
func New(cfg Config) (*Gateway, error) {
	if cfg.Transmitter == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"transmitter is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"authenticator is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	var core *metric.Core
	if cfg.MetricsRegistry != nil {
		core = cfg.MetricsRegistry.Core
	}

	g := &Gateway{
		host:          cfg.Host,
		port:          cfg.Port,
		path:          cfg.Path,
		tr:            cfg.Transmitter,
		auth:          cfg.Authenticator,
		verifyUpgrade: cfg.VerifyUpgrade,
		eventHandler:  cfg.EventHandler,
		timeout:       cfg.HandshakeTimeout,
		tlsConfig:     cfg.TLSConfig,
		logger:        cfg.Logger.With("component", "gateway"),
		metrics:       core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[*session]struct{}),
	}

	if cfg.UpgradeRate > 0 {
		burst := cfg.UpgradeBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.UpgradeRate), burst)
	}

	return g, nil
}

// Start opens the listener and begins serving upgrades.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start",
			"gateway already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(g.path, g.handleWebSocket)
	mux.HandleFunc("/healthz", g.handleHealth)

	addr := fmt.Sprintf("%s:%d", g.host, g.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "listen on "+addr)
	}
	if g.tlsConfig != nil {
		ln = tls.NewListener(ln, g.tlsConfig)
	}

	g.listener = ln
	g.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.runCtx, g.runCancel = context.WithCancel(context.Background())

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server failed", "error", err)
		}
	}()

	g.logger.Info("gateway listening", "addr", ln.Addr().String(), "path", g.path,
		"tls", g.tlsConfig != nil)
	g.started = true
	return nil
}

// Stop shuts the listener down and closes every live socket.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.started {
		return nil
	}
	g.started = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := g.server.Shutdown(ctx)

	g.sessionsMu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.sessionsMu.Unlock()

	for _, s := range sessions {
		_ = s.sock.Close()
	}

	g.runCancel()

	if err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown http server")
	}
	return nil
}

// Addr returns the bound listener address, useful when Port 0 picked an
// ephemeral port.
func (g *Gateway) Addr() string {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Health reports the gateway's current state.
func (g *Gateway) Health() HealthStatus {
	g.lifecycleMu.Lock()
	started := g.started
	g.lifecycleMu.Unlock()

	status := "stopped"
	if started {
		status = "running"
	}

	g.sessionsMu.Lock()
	sockets := len(g.sessions)
	connections := 0
	for s := range g.sessions {
		connections += s.connectionCount()
	}
	g.sessionsMu.Unlock()

	return HealthStatus{Status: status, Sockets: sockets, Connections: connections}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.Health())
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	info := requestInfo(r)

	if g.limiter != nil && !g.limiter.Allow() {
		g.countRejected("rate_limit")
		http.Error(w, "upgrade rate exceeded", http.StatusTooManyRequests)
		return
	}

	if g.verifyUpgrade != nil && !g.verifyUpgrade(info) {
		g.countRejected("verify")
		g.logger.Debug("upgrade refused", "remote", r.RemoteAddr, "url", r.URL.String())
		http.Error(w, "upgrade refused", http.StatusBadRequest)
		return
	}

	wsc, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.countRejected("handshake")
		g.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := &session{
		g:       g,
		info:    info,
		pending: make(map[string]AuthResult),
		conns:   make(map[string]message.Connection),
		timers:  make(map[string]*time.Timer),
	}

	sock, err := socket.New(socket.Config{
		Conn: &wsConn{conn: wsc},
		Handlers: socket.Handlers{
			Login:        s.handleLogin,
			Connected:    s.handleConnected,
			ConnectFail:  s.handleConnectFail,
			Disconnected: s.handleDisconnected,
			Event:        s.handleEvent,
			Closed:       s.handleClosed,
		},
		HandshakeTimeout: g.timeout,
		Logger:           g.logger,
	})
	if err != nil {
		g.logger.Error("socket construction failed", "error", err)
		_ = wsc.Close()
		return
	}
	s.sock = sock

	g.sessionsMu.Lock()
	g.sessions[s] = struct{}{}
	g.sessionsMu.Unlock()

	if g.metrics != nil {
		g.metrics.SocketsActive.Inc()
	}
	g.logger.Debug("socket opened", "socket_id", sock.ID(), "remote", r.RemoteAddr)

	sock.Start()
}

func (g *Gateway) removeSession(s *session) {
	g.sessionsMu.Lock()
	_, present := g.sessions[s]
	delete(g.sessions, s)
	g.sessionsMu.Unlock()

	if present && g.metrics != nil {
		g.metrics.SocketsActive.Dec()
	}
}

func (g *Gateway) countRejected(reason string) {
	if g.metrics != nil {
		g.metrics.UpgradesRejected.WithLabelValues(reason).Inc()
	}
}
