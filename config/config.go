// Package config loads doorbell-sip's runtime configuration from CLI flags
// and environment variables, the same flag.NewFlagSet + env-override shape
// flowpbx/internal/config/config.go uses: CLI flags > env vars > defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the signaling agent and audio pump need at
// startup. Precedence: CLI flags > env vars > defaults.
type Config struct {
	User     string
	Password string

	ServerHost string
	ServerPort int

	LocalIP      string
	LocalPort    int
	LocalRTPPort int

	CallTargetUser string
	CallerDisplay  string

	// RegisterJitterMS bounds the random delay before the first REGISTER
	// (original_source/sip_client/sip_client_internal.h), milliseconds.
	RegisterJitterMS int

	LogLevel  string
	LogFormat string
}

const (
	defaultServerPort   = 5060
	defaultLocalPort    = 5060
	defaultLocalRTPPort = 7078
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

const envPrefix = "DOORBELL_"

// Load parses configuration from CLI flags and environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("doorbell-sip", flag.ContinueOnError)
	fs.StringVar(&cfg.User, "sip-user", "", "SIP account username")
	fs.StringVar(&cfg.Password, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.ServerHost, "sip-server-ip", "", "SIP registrar/proxy host")
	fs.IntVar(&cfg.ServerPort, "sip-server-port", defaultServerPort, "SIP registrar/proxy port")
	fs.StringVar(&cfg.LocalIP, "local-ip", "", "local IP address to bind and advertise")
	fs.IntVar(&cfg.LocalPort, "local-port", defaultLocalPort, "local SIP signaling UDP port")
	fs.IntVar(&cfg.LocalRTPPort, "local-rtp-port", defaultLocalRTPPort, "local RTP media UDP port")
	fs.StringVar(&cfg.CallTargetUser, "call-target-user", "", "AOR user part dialed when the doorbell button is pressed")
	fs.StringVar(&cfg.CallerDisplay, "caller-display", "Door", "From display-name presented on outgoing calls")
	fs.IntVar(&cfg.RegisterJitterMS, "register-jitter-ms", 0, "bound (ms) of random delay before the first REGISTER")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	envMap := map[string]string{
		"sip-user":          envPrefix + "SIP_USER",
		"sip-password":      envPrefix + "SIP_PASSWORD",
		"sip-server-ip":     envPrefix + "SIP_SERVER_IP",
		"sip-server-port":   envPrefix + "SIP_SERVER_PORT",
		"local-ip":          envPrefix + "LOCAL_IP",
		"local-port":        envPrefix + "LOCAL_PORT",
		"local-rtp-port":    envPrefix + "LOCAL_RTP_PORT",
		"call-target-user":  envPrefix + "CALL_TARGET_USER",
		"caller-display":    envPrefix + "CALLER_DISPLAY",
		"register-jitter-ms": envPrefix + "REGISTER_JITTER_MS",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-user":
			cfg.User = val
		case "sip-password":
			cfg.Password = val
		case "sip-server-ip":
			cfg.ServerHost = val
		case "sip-server-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ServerPort = v
			}
		case "local-ip":
			cfg.LocalIP = val
		case "local-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LocalPort = v
			}
		case "local-rtp-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LocalRTPPort = v
			}
		case "call-target-user":
			cfg.CallTargetUser = val
		case "caller-display":
			cfg.CallerDisplay = val
		case "register-jitter-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterJitterMS = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

func (c *Config) validate() error {
	if c.User == "" {
		return fmt.Errorf("sip-user is required")
	}
	if c.ServerHost == "" {
		return fmt.Errorf("sip-server-ip is required")
	}
	if c.LocalIP == "" {
		return fmt.Errorf("local-ip is required")
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("sip-server-port must be between 1 and 65535, got %d", c.ServerPort)
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return fmt.Errorf("local-port must be between 1 and 65535, got %d", c.LocalPort)
	}
	if c.LocalRTPPort < 1 || c.LocalRTPPort > 65535 {
		return fmt.Errorf("local-rtp-port must be between 1 and 65535, got %d", c.LocalRTPPort)
	}
	if c.RegisterJitterMS < 0 {
		return fmt.Errorf("register-jitter-ms must not be negative, got %d", c.RegisterJitterMS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// RegisterJitter returns the configured jitter bound as a time.Duration.
func (c *Config) RegisterJitter() time.Duration {
	return time.Duration(c.RegisterJitterMS) * time.Millisecond
}

// SlogHandler returns a slog.Handler matching the configured format/level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
