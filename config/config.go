// Package config loads and validates the server configuration from YAML.
// Validation fails fast: a config that passes Validate is safe to run with.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/c360/sockmux/errors"
)

// Duration wraps time.Duration so YAML values like "20s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Socket  SocketConfig  `yaml:"socket"`
	Worker  WorkerConfig  `yaml:"worker"`
	NATS    NATSConfig    `yaml:"nats"`
	TLS     TLSConfig     `yaml:"tls"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig defines identity and the listen surface.
type ServerConfig struct {
	// ID names this cluster member. Defaults to hostname plus a random
	// suffix.
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Path is the websocket upgrade endpoint.
	Path string `yaml:"path"`
	// UpgradeRate caps upgrade attempts per second; 0 disables limiting.
	UpgradeRate  float64 `yaml:"upgrade_rate"`
	UpgradeBurst int     `yaml:"upgrade_burst"`
}

// SocketConfig defines frame-protocol tunables.
type SocketConfig struct {
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// WorkerConfig defines the dispatch worker's limits.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueSize   int `yaml:"queue_size"`
}

// NATSConfig defines the cluster broker connection. Disabled means
// single-node topology with the in-process broker.
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Token         string        `yaml:"token"`
	CredsFile     string        `yaml:"creds_file"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait Duration      `yaml:"reconnect_wait"`
	TLS           NATSTLSConfig `yaml:"tls"`
}

// NATSTLSConfig for secure NATS connections.
type NATSTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// TLSConfig for the websocket listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// CAFile enables client certificate verification when set.
	CAFile     string `yaml:"ca_file"`
	MinVersion string `yaml:"min_version"`
}

// MetricsConfig for the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig for the process-level handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// DefaultConfig returns a runnable single-node configuration.
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "sockmux"
	}

	return &Config{
		Server: ServerConfig{
			ID:           hostname + "-" + uuid.NewString()[:8],
			Host:         "0.0.0.0",
			Port:         8080,
			Path:         "/ws",
			UpgradeRate:  0,
			UpgradeBurst: 10,
		},
		Socket: SocketConfig{
			HandshakeTimeout: Duration(20 * time.Second),
		},
		Worker: WorkerConfig{
			Concurrency: 10,
			QueueSize:   1000,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes derived fields.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ID == "" {
		errs = append(errs, stderrors.New("server.id is required"))
	} else if !isValidSubjectPart(c.Server.ID) {
		// Server ids become NATS subject tokens in cluster mode.
		errs = append(errs, fmt.Errorf(
			"server.id %q must be alphanumeric with dots, dashes, underscores", c.Server.ID))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.Server.UpgradeRate < 0 {
		errs = append(errs, fmt.Errorf("server.upgrade_rate %f must not be negative", c.Server.UpgradeRate))
	}

	if c.Socket.HandshakeTimeout <= 0 {
		errs = append(errs, stderrors.New("socket.handshake_timeout must be positive"))
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency %d must be at least 1", c.Worker.Concurrency))
	}
	if c.Worker.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("worker.queue_size %d must be at least 1", c.Worker.QueueSize))
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, stderrors.New("nats.url is required when nats is enabled"))
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			errs = append(errs, stderrors.New("tls.cert_file and tls.key_file are required when tls is enabled"))
		} else {
			if _, err := os.Stat(c.TLS.CertFile); err != nil {
				errs = append(errs, fmt.Errorf("tls.cert_file: %w", err))
			}
			if _, err := os.Stat(c.TLS.KeyFile); err != nil {
				errs = append(errs, fmt.Errorf("tls.key_file: %w", err))
			}
		}
		if c.TLS.MinVersion != "" {
			switch c.TLS.MinVersion {
			case "1.2", "1.3":
			default:
				errs = append(errs, fmt.Errorf("tls.min_version %q must be 1.2 or 1.3", c.TLS.MinVersion))
			}
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
		}
		if c.Metrics.Port == c.Server.Port {
			errs = append(errs, stderrors.New("metrics.port must differ from server.port"))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Config", "Validate",
			"configuration invalid")
	}
	return nil
}

// isValidSubjectPart reports whether s is usable as one NATS subject token.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
