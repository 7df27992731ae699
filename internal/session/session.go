// Package session owns one transport to a device: it runs the connect
// handshake (installing the device tools subsystem when absent),
// multiplexes concurrent requests over the framed stream, fans unsolicited
// pushes out on the bus, and enforces teardown semantics so callers never
// hang past a disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devlink/internal/bus"
	"devlink/internal/events"
	"devlink/internal/transport"
	"devlink/internal/wire"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 15 * time.Second

	// disconnectGracePeriod bounds a graceful close so Disconnect can
	// never hang indefinitely.
	disconnectGracePeriod = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrConnectBusy    = errors.New("session connect already in progress")
	ErrConnectTimeout = errors.New("session connect timed out")
	ErrRequestTimeout = errors.New("request timed out")
	ErrDisconnected   = errors.New("session disconnected")
	ErrInstallFailed  = errors.New("device tools installation failed")
)

// ReconnectPolicy enables bounded exponential backoff after an unexpected
// transport close. Exhausting MaxAttempts leaves the session disconnected
// until an explicit Connect.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 15 * time.Second
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

type Config struct {
	DeviceID  string
	Logger    *slog.Logger
	Bus       bus.MessageBus
	Transport transport.Transport
	Reconnect ReconnectPolicy
}

type Session struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	tr       transport.Transport
	deviceID string
	policy   ReconnectPolicy

	mu             sync.Mutex
	state          events.ConnectionState
	pending        map[wire.RequestID]*pendingRequest
	nextID         uint64
	readerStop     chan struct{}
	readerDone     chan struct{}
	reconnectTimer *time.Timer
	attempts       int
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:   logger.With("component", "session", "device_id", cfg.DeviceID),
		bus:      cfg.Bus,
		tr:       cfg.Transport,
		deviceID: cfg.DeviceID,
		policy:   cfg.Reconnect,
		state:    events.ConnectionStateDisconnected,
		pending:  make(map[wire.RequestID]*pendingRequest),
	}
}

func (s *Session) State() events.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect races the transport handshake against timeout. On timeout the
// attempt is abandoned, any partially established link is torn down, and
// ErrConnectTimeout is returned.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	s.mu.Lock()
	switch s.state {
	case events.ConnectionStateConnected:
		s.mu.Unlock()
		return nil
	case events.ConnectionStateConnecting, events.ConnectionStateClosing:
		s.mu.Unlock()
		return ErrConnectBusy
	}
	s.cancelReconnectLocked()
	s.state = events.ConnectionStateConnecting
	s.mu.Unlock()
	s.publishState(events.ConnectionStateConnecting, nil)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.establish(cctx); err != nil {
		_ = s.tr.Close()
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
		}
		s.mu.Lock()
		s.state = events.ConnectionStateError
		s.mu.Unlock()
		s.publishState(events.ConnectionStateError, err)
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.state = events.ConnectionStateConnected
	s.attempts = 0
	s.readerStop = stop
	s.readerDone = done
	s.mu.Unlock()
	go s.readLoop(stop, done)
	s.publishState(events.ConnectionStateConnected, nil)
	return nil
}

// establish runs the transport handshake. A missing subsystem triggers
// exactly one install cycle followed by a forced reconnect: installation
// only affects future incoming connections, never the current one.
func (s *Session) establish(ctx context.Context) error {
	err := s.tr.Connect(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, transport.ErrSubsystemMissing) {
		return err
	}
	installer, ok := s.tr.(transport.Installer)
	if !ok {
		return err
	}

	s.logger.Info("device tools subsystem missing, installing")
	if installErr := installer.RunInstall(ctx); installErr != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, installErr)
	}
	_ = s.tr.Close()
	if err := s.tr.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect after install: %w", err)
	}
	s.logger.Info("device tools subsystem installed")
	return nil
}

// Disconnect is idempotent. It cancels any scheduled reconnect, fails all
// outstanding requests with ErrDisconnected, and races a graceful close
// against a fixed grace period.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == events.ConnectionStateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.cancelReconnectLocked()
	s.state = events.ConnectionStateClosing
	stop := s.readerStop
	done := s.readerDone
	s.readerStop = nil
	s.readerDone = nil
	s.mu.Unlock()
	s.publishState(events.ConnectionStateClosing, nil)

	s.failAllPending(ErrDisconnected)
	if stop != nil {
		close(stop)
	}

	closed := make(chan error, 1)
	go func() { closed <- s.tr.Close() }()

	grace := time.NewTimer(disconnectGracePeriod)
	defer grace.Stop()
	select {
	case <-closed:
	case <-grace.C:
		s.logger.Warn("graceful close timed out, forcing teardown")
	case <-ctx.Done():
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}

	s.mu.Lock()
	s.state = events.ConnectionStateDisconnected
	s.mu.Unlock()
	s.publishState(events.ConnectionStateDisconnected, nil)
	return nil
}

// RunUninstall removes the device tools subsystem when the transport
// supports installation at all.
func (s *Session) RunUninstall(ctx context.Context) error {
	installer, ok := s.tr.(transport.Installer)
	if !ok {
		return fmt.Errorf("transport %q cannot manage the device tools subsystem", s.tr.Name())
	}
	return installer.RunUninstall(ctx)
}

func (s *Session) readLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		payload, err := s.tr.ReadFrame(context.Background())
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.handleUnexpectedClose(err)
			return
		}
		s.dispatch(payload)
	}
}

func (s *Session) dispatch(payload []byte) {
	env, err := wire.Decode(payload)
	if err != nil {
		// Protocol noise: log and keep the session alive.
		s.logger.Warn("dropping unparseable frame", "len", len(payload), "error", err)
		return
	}
	switch {
	case env.Response != nil:
		s.settle(*env.Response)
	case env.Event != nil:
		s.bus.Publish(events.TopicDeviceEvent, events.DeviceEvent{
			DeviceID:   s.deviceID,
			Name:       env.Event.Event,
			Data:       env.Event.Data,
			ReceivedAt: time.Now(),
		})
	}
}

func (s *Session) handleUnexpectedClose(cause error) {
	s.mu.Lock()
	if s.state == events.ConnectionStateClosing || s.state == events.ConnectionStateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = events.ConnectionStateError
	s.readerStop = nil
	s.readerDone = nil
	s.mu.Unlock()

	s.logger.Warn("transport closed unexpectedly", "error", cause)
	s.failAllPending(ErrDisconnected)
	_ = s.tr.Close()
	s.publishState(events.ConnectionStateError, cause)
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if !s.policy.Enabled {
		return
	}
	s.mu.Lock()
	if s.state != events.ConnectionStateError {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.policy.MaxAttempts {
		s.state = events.ConnectionStateDisconnected
		s.mu.Unlock()
		s.logger.Warn("reconnect attempts exhausted", "attempts", s.policy.MaxAttempts)
		s.publishState(events.ConnectionStateDisconnected, nil)
		return
	}
	attempt := s.attempts
	s.attempts++
	delay := s.policy.delay(attempt)
	s.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	s.reconnectTimer = time.AfterFunc(delay, func() {
		if err := s.Connect(context.Background(), DefaultConnectTimeout); err != nil {
			s.scheduleReconnect()
		}
	})
	s.mu.Unlock()
}

func (s *Session) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Session) publishState(state events.ConnectionState, cause error) {
	status := events.ConnectionStatus{
		DeviceID:  s.deviceID,
		State:     state,
		Transport: s.tr.Name(),
		Timestamp: time.Now(),
	}
	if cause != nil {
		status.Err = cause.Error()
	}
	if resolver, ok := s.tr.(transport.StatusTargetResolver); ok {
		status.Target = resolver.StatusTarget()
	}
	s.bus.Publish(events.TopicConnStatus, status)
}
