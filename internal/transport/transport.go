package transport

import (
	"context"
	"errors"
	"fmt"
)

// Transport owns one physical link to a device and moves opaque frames
// across it. Implementations are interchangeable; the session layer never
// cares which one it holds.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// StatusTargetResolver exposes a human-readable connection target for
// status reporting.
type StatusTargetResolver interface {
	StatusTarget() string
}

// Installer is implemented by transports that can install the device tools
// subsystem on the remote side. Installation only affects future incoming
// connections, so the caller must reconnect afterwards.
type Installer interface {
	RunInstall(ctx context.Context) error
	RunUninstall(ctx context.Context) error
}

var (
	// ErrSubsystemMissing means the link came up but the device has no
	// device tools subsystem yet. The session reacts with one install
	// cycle followed by a reconnect.
	ErrSubsystemMissing = errors.New("device tools subsystem is not available")

	ErrNotConnected = errors.New("transport is not connected")
)

// InstallError reports a failed install or uninstall script run, keeping
// the exit code and script output so callers can show "failed to set up
// device" with detail instead of a generic connection failure.
type InstallError struct {
	ExitCode int
	Output   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("device tools install script exited with code %d", e.ExitCode)
}
