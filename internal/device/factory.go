package device

import (
	"fmt"
	"log/slog"
	"time"

	"devlink/internal/bus"
	"devlink/internal/session"
	"devlink/internal/transport"
)

// FactoryConfig holds the connection defaults shared by every device a
// factory builds. Per-device values come from the Descriptor.
type FactoryConfig struct {
	SSHUser       string
	SSHKeyPath    string
	ClientVersion string
	Identity      string
	SerialBaud    int
	WSUseTLS      bool

	Reconnect session.ReconnectPolicy
}

// NewSessionFactory returns the production SessionFactory: it maps a
// descriptor's transport kind to a concrete transport and wraps it in a
// session bound to the shared bus.
func NewSessionFactory(logger *slog.Logger, b bus.MessageBus, cfg FactoryConfig) SessionFactory {
	return func(desc Descriptor) (Session, error) {
		tr, err := buildTransport(desc, cfg)
		if err != nil {
			return nil, err
		}
		return session.New(session.Config{
			DeviceID:  desc.ID,
			Logger:    logger,
			Bus:       b,
			Transport: tr,
			Reconnect: cfg.Reconnect,
		}), nil
	}
}

func buildTransport(desc Descriptor, cfg FactoryConfig) (transport.Transport, error) {
	kind := desc.Transport
	if kind == "" {
		kind = TransportSSH
	}
	switch kind {
	case TransportSSH:
		return transport.NewSSHTransport(transport.SSHConfig{
			Host:          desc.Host,
			User:          cfg.SSHUser,
			KeyPath:       cfg.SSHKeyPath,
			ClientVersion: cfg.ClientVersion,
			DialTimeout:   10 * time.Second,
		}), nil
	case TransportWebsocket:
		return transport.NewWebsocketTransport(transport.WebsocketConfig{
			Host:     desc.Host,
			Secret:   desc.AuthSecret,
			Identity: cfg.Identity,
			TLS:      cfg.WSUseTLS,
		}), nil
	case TransportSerial:
		return transport.NewSerialTransport(desc.Host, cfg.SerialBaud), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
