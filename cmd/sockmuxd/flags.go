package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("SOCKMUX_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: SOCKMUX_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("SOCKMUX_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: SOCKMUX_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("SOCKMUX_LOG_FORMAT", ""),
		"Log format: json, text (env: SOCKMUX_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SOCKMUX_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SOCKMUX_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

// initializeCLI parses flags and handles the short-circuit flags.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ConfigPath != "" {
		if _, err := os.Stat(cliCfg.ConfigPath); err != nil {
			return nil, false, fmt.Errorf("config file not found: %s", cliCfg.ConfigPath)
		}
	}

	return cliCfg, false, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
