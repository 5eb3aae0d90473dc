package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/codefionn/hostlink/internal/framing"
	"github.com/codefionn/hostlink/internal/logger"
)

// Mode selects the transport variant.
type Mode string

const (
	// ModeTCP dials the host directly
	ModeTCP Mode = "tcp"
	// ModeListen opens a local socket the host dials into
	ModeListen Mode = "listen"
)

// Environment overrides applied by LoadConfig.
const (
	EnvMode           = "HOSTLINK_MODE"
	EnvHost           = "HOSTLINK_HOST"
	EnvPort           = "HOSTLINK_PORT"
	EnvAppSpace       = "HOSTLINK_APPSPACE"
	EnvClientID       = "HOSTLINK_CLIENT_ID"
	EnvConnectTimeout = "HOSTLINK_CONNECT_TIMEOUT_MS"
	EnvRequestTimeout = "HOSTLINK_REQUEST_TIMEOUT_MS"
)

// Config holds client configuration.
type Config struct {
	// Mode is the transport variant
	Mode Mode `toml:"mode"`
	// Host and Port address the host in tcp mode
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// AppSpace namespaces relay frames in listen mode
	AppSpace string `toml:"appspace"`
	// ListenAddr is the local address in listen mode
	ListenAddr string `toml:"listen_addr"`
	// MaxPeers caps host connections in listen mode
	MaxPeers int `toml:"max_peers"`
	// ClientID identifies this client; empty generates one
	ClientID string `toml:"client_id"`
	// ConnectTimeoutMS bounds Connect
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`
	// RequestTimeoutMS bounds each command
	RequestTimeoutMS int `toml:"request_timeout_ms"`
	// WriteTimeoutMS bounds a single socket write
	WriteTimeoutMS int `toml:"write_timeout_ms"`
	// MaxMessageBytes bounds a single inbound message
	MaxMessageBytes int `toml:"max_message_bytes"`
	// FailPendingOnDisconnect fails outstanding commands when the transport
	// closes instead of letting them time out
	FailPendingOnDisconnect bool `toml:"fail_pending_on_disconnect"`

	// Logger receives client logs. Nil logs through the global logger.
	Logger *slog.Logger `toml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeTCP,
		Host:             "localhost",
		ConnectTimeoutMS: 5000,
		RequestTimeoutMS: 30000,
		WriteTimeoutMS:   10000,
		MaxMessageBytes:  framing.DefaultMaxMessageBytes,
		MaxPeers:         16,
	}
}

// ConnectTimeout returns the connect timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// RequestTimeout returns the request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// Validate checks the configuration for the selected mode.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeTCP:
		if c.Host == "" {
			errs = append(errs, errors.New("host is required in tcp mode"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
		}
	case ModeListen:
		if c.MaxPeers < 0 {
			errs = append(errs, errors.New("max_peers must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.ConnectTimeoutMS <= 0 {
		errs = append(errs, errors.New("connect_timeout_ms must be positive"))
	}
	if c.RequestTimeoutMS <= 0 {
		errs = append(errs, errors.New("request_timeout_ms must be positive"))
	}
	if c.WriteTimeoutMS < 0 {
		errs = append(errs, errors.New("write_timeout_ms must not be negative"))
	}
	if c.MaxMessageBytes < 0 {
		errs = append(errs, errors.New("max_message_bytes must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a TOML file on top of DefaultConfig, applies environment
// overrides and validates the result. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			decoder := toml.NewDecoder(file)
			decoder.DisallowUnknownFields()
			if err := decoder.Decode(&cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := lookupEnv(EnvMode); ok {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v, ok := lookupEnv(EnvHost); ok {
		cfg.Host = v
	}
	if v, ok := lookupEnv(EnvAppSpace); ok {
		cfg.AppSpace = v
	}
	if v, ok := lookupEnv(EnvClientID); ok {
		cfg.ClientID = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPort, &cfg.Port},
		{EnvConnectTimeout, &cfg.ConnectTimeoutMS},
		{EnvRequestTimeout, &cfg.RequestTimeoutMS},
	}
	for _, e := range ints {
		v, ok := lookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// slogger returns the configured logger or one backed by the global logger.
func (c Config) slogger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(logger.NewSlogHandler(logger.Global().WithPrefix("hostlink")))
}
