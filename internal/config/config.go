package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultTransport      = "ssh"
	DefaultSerialBaud     = 115200
	DefaultConnectTimeout = 10
	DefaultRequestTimeout = 15
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig holds the connection defaults shared by every device.
// Per-device values (host, auth secret, transport kind) live on the
// descriptor; these fill the gaps.
type ConnectionConfig struct {
	Transport             string          `json:"transport"`
	SSHUser               string          `json:"ssh_user"`
	SSHKeyPath            string          `json:"ssh_key_path"`
	SerialBaud            int             `json:"serial_baud"`
	WebsocketTLS          bool            `json:"websocket_tls"`
	ConnectTimeoutSeconds int             `json:"connect_timeout_seconds"`
	RequestTimeoutSeconds int             `json:"request_timeout_seconds"`
	Reconnect             ReconnectConfig `json:"reconnect"`
}

// ReconnectConfig controls automatic reconnection after an unexpected
// transport close.
type ReconnectConfig struct {
	Enabled          bool `json:"enabled"`
	MaxAttempts      int  `json:"max_attempts"`
	BaseDelaySeconds int  `json:"base_delay_seconds"`
	MaxDelaySeconds  int  `json:"max_delay_seconds"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled bool                     `json:"enabled"`
	Events  NotificationEventsConfig `json:"events"`
}

// NotificationEventsConfig stores per-event notification toggles.
type NotificationEventsConfig struct {
	ConnectionStatus bool `json:"connection_status"`
	Alarms           bool `json:"alarms"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Connection    ConnectionConfig   `json:"connection"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Transport:             DefaultTransport,
			SSHUser:               "root",
			SSHKeyPath:            "",
			SerialBaud:            DefaultSerialBaud,
			ConnectTimeoutSeconds: DefaultConnectTimeout,
			RequestTimeoutSeconds: DefaultRequestTimeout,
			Reconnect: ReconnectConfig{
				Enabled:          true,
				MaxAttempts:      5,
				BaseDelaySeconds: 1,
				MaxDelaySeconds:  15,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled: true,
			Events: NotificationEventsConfig{
				ConnectionStatus: true,
				Alarms:           true,
			},
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Transport == "" {
		c.Connection.Transport = DefaultTransport
	}
	if c.Connection.SSHUser == "" {
		c.Connection.SSHUser = "root"
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Connection.ConnectTimeoutSeconds <= 0 {
		c.Connection.ConnectTimeoutSeconds = DefaultConnectTimeout
	}
	if c.Connection.RequestTimeoutSeconds <= 0 {
		c.Connection.RequestTimeoutSeconds = DefaultRequestTimeout
	}
	if c.Connection.Reconnect.MaxAttempts <= 0 {
		c.Connection.Reconnect.MaxAttempts = 5
	}
	if c.Connection.Reconnect.BaseDelaySeconds <= 0 {
		c.Connection.Reconnect.BaseDelaySeconds = 1
	}
	if c.Connection.Reconnect.MaxDelaySeconds <= 0 {
		c.Connection.Reconnect.MaxDelaySeconds = 15
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Transport {
	case "ssh":
		if strings.TrimSpace(c.Connection.SSHUser) == "" {
			return errors.New("ssh user is required")
		}
	case "websocket":
	case "serial":
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Connection.Transport)
	}
	if c.Connection.Reconnect.MaxDelaySeconds < c.Connection.Reconnect.BaseDelaySeconds {
		return errors.New("reconnect max delay must not be below base delay")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
