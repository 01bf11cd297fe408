// Package main implements the sockmux server binary: a real-time messaging
// transport that multiplexes virtual connections over websockets, routes
// events by connection, topic, or user, and optionally joins a NATS-clustered
// pool of servers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/sockmux/broker"
	"github.com/c360/sockmux/broker/natsbroker"
	"github.com/c360/sockmux/config"
	"github.com/c360/sockmux/gateway"
	"github.com/c360/sockmux/message"
	"github.com/c360/sockmux/metric"
	"github.com/c360/sockmux/natsclient"
	"github.com/c360/sockmux/pkg/retry"
	"github.com/c360/sockmux/pkg/tlsutil"
	"github.com/c360/sockmux/transmitter"
	"github.com/c360/sockmux/worker"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "sockmuxd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(
		coalesce(cliCfg.LogLevel, cfg.Logging.Level),
		coalesce(cliCfg.LogFormat, cfg.Logging.Format),
	)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	slog.Info("starting sockmux transport",
		"version", Version,
		"server_id", cfg.Server.ID,
		"clustered", cfg.NATS.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewRegistry()
	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
	}

	clusterBroker, natsClient, err := buildBroker(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() { _ = natsClient.Close(context.Background()) }()
	}

	tr, err := transmitter.New(transmitter.Config{
		ServerID:        cfg.Server.ID,
		Broker:          clusterBroker,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		return fmt.Errorf("create transmitter: %w", err)
	}
	if nb, ok := clusterBroker.(*natsbroker.Broker); ok {
		nb.BindLocal(tr)
	}
	if err := tr.Start(ctx); err != nil {
		return fmt.Errorf("start transmitter: %w", err)
	}
	defer func() { _ = tr.Stop(cliCfg.ShutdownTimeout) }()

	dispatcher := worker.New(
		cfg.Worker.Concurrency,
		cfg.Worker.QueueSize,
		func(ctx context.Context, job message.Job) error {
			_, err := tr.Dispatch(ctx, job)
			return err
		},
		worker.WithKeyFunc[message.Job](message.Job.ExecutionKey),
		worker.WithMetricsRegistry[message.Job](registry, "sockmux_dispatch"),
		worker.WithLogger[message.Job](logger),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatch worker: %w", err)
	}
	defer func() { _ = dispatcher.Stop(cliCfg.ShutdownTimeout) }()

	tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Path:             cfg.Server.Path,
		Transmitter:      tr,
		Authenticator:    credentialAuthenticator(),
		EventHandler:     relayEventHandler(tr, dispatcher, logger),
		HandshakeTimeout: cfg.Socket.HandshakeTimeout.Std(),
		UpgradeRate:      cfg.Server.UpgradeRate,
		UpgradeBurst:     cfg.Server.UpgradeBurst,
		TLSConfig:        tlsConfig,
		Logger:           logger,
		MetricsRegistry:  registry,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	slog.Info("server running", "addr", gw.Addr())

	<-ctx.Done()
	slog.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)
	return gw.Stop(cliCfg.ShutdownTimeout)
}

func loadConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.ConfigPath == "" {
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(cliCfg.ConfigPath)
}

// buildBroker returns the cluster broker for the configured topology: a
// NATS-backed broker when clustering is enabled, the in-process no-op broker
// otherwise.
func buildBroker(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.Registry,
	logger *slog.Logger,
) (broker.Broker, *natsclient.Client, error) {
	if !cfg.NATS.Enabled {
		return broker.NewLocal(), nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + cfg.Server.ID),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.CredsFile != "" {
		opts = append(opts, natsclient.WithCredentialsFile(cfg.NATS.CredsFile))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(
			cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := retry.Do(ctx, retry.Persistent(), func() error {
		return client.Connect(ctx)
	}); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	b, err := natsbroker.New(natsbroker.Config{
		ServerID:        cfg.Server.ID,
		Client:          client,
		Logger:          logger,
		MetricsRegistry: registry,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS broker: %w", err)
	}
	return b, client, nil
}

// credentialAuthenticator accepts every login and takes the owning identity
// from the credential's user field. Deployments embedding this transport
// plug their own Authenticator in instead.
func credentialAuthenticator() gateway.Authenticator {
	return gateway.AuthenticatorFunc(func(_ context.Context, _ gateway.RequestInfo, credential json.RawMessage) (gateway.AuthResult, error) {
		var cred struct {
			User string `json:"user"`
		}
		if len(credential) > 0 {
			if err := json.Unmarshal(credential, &cred); err != nil {
				return gateway.AuthResult{Reason: "malformed credential"}, nil
			}
		}
		return gateway.AuthResult{Accepted: true, User: cred.User}, nil
	})
}

// relayEventHandler is the binary's built-in application: events of type
// subscribe/unsubscribe manage the sender's topic membership (subtype names
// the topic), and any other event carrying a scope id is relayed to that
// topic through the dispatch worker.
func relayEventHandler(
	tr *transmitter.Transmitter,
	dispatcher *worker.Worker[message.Job],
	logger *slog.Logger,
) func(context.Context, message.Connection, message.Event) {
	return func(ctx context.Context, conn message.Connection, event message.Event) {
		switch event.Type {
		case "subscribe":
			if _, err := tr.SubscribeTopic(ctx, conn, event.Subtype); err != nil {
				logger.Error("subscribe failed", "connection_id", conn.ID, "error", err)
			}
		case "unsubscribe":
			if _, err := tr.UnsubscribeTopic(ctx, conn, event.Subtype); err != nil {
				logger.Error("unsubscribe failed", "connection_id", conn.ID, "error", err)
			}
		default:
			if event.ScopeID == "" {
				return
			}
			err := dispatcher.Submit(message.Job{
				Target:    message.ToTopic(event.ScopeID),
				Events:    []message.Event{event},
				Blacklist: []message.Connection{conn},
			})
			if err != nil {
				logger.Warn("relay dropped", "connection_id", conn.ID, "error", err)
			}
		}
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
