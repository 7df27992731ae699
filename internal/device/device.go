// Package device is the high level façade over one device session. It
// caches the latest server-pushed snapshots (metadata, telemetry, alarms,
// dirty modules), exposes typed operations for the device tools commands,
// and republishes cache replacements as change notifications.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devlink/internal/bus"
	"devlink/internal/events"
	"devlink/internal/session"
	"devlink/internal/wire"
)

const defaultCompileTimeout = 60 * time.Second

// Session is the slice of session behavior the façade depends on.
// *session.Session satisfies it; tests substitute a scripted fake.
type Session interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect(ctx context.Context) error
	Request(ctx context.Context, cmd string, payload any, timeout time.Duration) (wire.Response, error)
	State() events.ConnectionState
}

// SessionFactory builds a fresh session for a descriptor. The façade never
// mutates a live session: any descriptor change goes through a rebuild.
type SessionFactory func(desc Descriptor) (Session, error)

type Config struct {
	Logger         *slog.Logger
	Bus            bus.MessageBus
	NewSession     SessionFactory
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Device pairs a descriptor with its current session and the last known
// server state. Cached snapshots are replaced wholesale on every push and
// cleared on disconnect so stale data is never served.
type Device struct {
	logger *slog.Logger
	bus    bus.MessageBus
	cfg    Config

	mu           sync.RWMutex
	desc         Descriptor
	sess         Session
	metadata     *wire.DeviceMetadata
	telemetry    *wire.TelemetryData
	alarms       []string
	dirtyModules []string

	intakeCancel context.CancelFunc
	intakeDone   chan struct{}
}

func New(cfg Config, desc Descriptor) (*Device, error) {
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("device %q: session factory is required", desc.ID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = session.DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = session.DefaultRequestTimeout
	}

	sess, err := cfg.NewSession(desc)
	if err != nil {
		return nil, fmt.Errorf("device %q: build session: %w", desc.ID, err)
	}

	d := &Device{
		logger: logger.With("component", "device", "device_id", desc.ID),
		bus:    cfg.Bus,
		cfg:    cfg,
		desc:   desc,
		sess:   sess,
	}
	d.startIntake()
	return d, nil
}

// startIntake subscribes to raw device events and folds them into the
// snapshot cache until Close.
func (d *Device) startIntake() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.intakeCancel = cancel
	d.intakeDone = done

	sub := d.bus.Subscribe(events.TopicDeviceEvent)
	go func() {
		defer close(done)
		defer d.bus.Unsubscribe(sub, events.TopicDeviceEvent)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				ev, ok := msg.(events.DeviceEvent)
				if !ok || ev.DeviceID != d.ID() {
					continue
				}
				d.handleEvent(ev)
			}
		}
	}()
}

// Close stops the event intake. It does not touch the session; callers
// disconnect first when they need a clean teardown.
func (d *Device) Close() {
	if d.intakeCancel != nil {
		d.intakeCancel()
		<-d.intakeDone
	}
}

func (d *Device) handleEvent(ev events.DeviceEvent) {
	switch ev.Name {
	case wire.EventDeviceMetadata, wire.EventMetadata:
		var md wire.DeviceMetadata
		if err := json.Unmarshal(ev.Data, &md); err != nil {
			d.logger.Warn("dropping malformed metadata event", "error", err)
			return
		}
		d.mu.Lock()
		d.metadata = &md
		d.mu.Unlock()
		d.publishChange(events.ChangeMetadata)
	case wire.EventTelemetry:
		var tel wire.TelemetryData
		if err := json.Unmarshal(ev.Data, &tel); err != nil {
			d.logger.Warn("dropping malformed telemetry event", "error", err)
			return
		}
		d.mu.Lock()
		d.telemetry = &tel
		d.mu.Unlock()
		d.publishChange(events.ChangeTelemetry)
	case wire.EventAlarms:
		var alarms []string
		if err := json.Unmarshal(ev.Data, &alarms); err != nil {
			d.logger.Warn("dropping malformed alarms event", "error", err)
			return
		}
		d.mu.Lock()
		d.alarms = alarms
		d.mu.Unlock()
		d.publishChange(events.ChangeAlarms)
	case wire.EventDirtyModules:
		var mods []string
		if err := json.Unmarshal(ev.Data, &mods); err != nil {
			d.logger.Warn("dropping malformed dirty modules event", "error", err)
			return
		}
		d.mu.Lock()
		d.dirtyModules = mods
		d.mu.Unlock()
		d.publishChange(events.ChangeDirtyModules)
	default:
		d.logger.Debug("ignoring unknown device event", "event", ev.Name)
	}
}

func (d *Device) publishChange(kind events.ChangeKind) {
	d.bus.Publish(events.TopicDeviceChange, events.DeviceChange{
		DeviceID:  d.ID(),
		Kind:      kind,
		Timestamp: time.Now(),
	})
}

func (d *Device) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.desc.ID
}

func (d *Device) Descriptor() Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.desc
}

func (d *Device) ConnectionState() events.ConnectionState {
	return d.session().State()
}

func (d *Device) session() Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sess
}

// Connect establishes the session, labeling failures with the device target
// so they can surface to the user unchanged.
func (d *Device) Connect(ctx context.Context) error {
	desc := d.Descriptor()
	if err := d.session().Connect(ctx, d.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect %s: %w", desc.DisplayName(), err)
	}
	return nil
}

// Disconnect tears the session down and clears every cached snapshot.
func (d *Device) Disconnect(ctx context.Context) error {
	err := d.session().Disconnect(ctx)

	d.mu.Lock()
	d.metadata = nil
	d.telemetry = nil
	d.alarms = nil
	d.dirtyModules = nil
	d.mu.Unlock()
	d.publishChange(events.ChangeConnection)
	return err
}

// Update applies a descriptor patch and rebuilds the session around the new
// descriptor. The old session is always torn down first, even when not
// connected: an errored session may still hold a scheduled reconnect, and
// Disconnect is the only call that cancels it. A previously connected device
// reconnects after the swap so the change takes effect immediately.
func (d *Device) Update(ctx context.Context, patch Patch) error {
	wasConnected := d.session().State() == events.ConnectionStateConnected
	if err := d.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect before update: %w", err)
	}

	d.mu.Lock()
	d.desc = d.desc.apply(patch)
	desc := d.desc
	d.mu.Unlock()

	sess, err := d.cfg.NewSession(desc)
	if err != nil {
		return fmt.Errorf("rebuild session for %s: %w", desc.DisplayName(), err)
	}
	d.mu.Lock()
	d.sess = sess
	d.mu.Unlock()
	d.publishChange(events.ChangeConnection)

	if wasConnected {
		return d.Connect(ctx)
	}
	return nil
}

// subsystemManager is satisfied by sessions whose transport can manage the
// device tools subsystem remotely.
type subsystemManager interface {
	RunUninstall(ctx context.Context) error
}

// Uninstall removes the device tools subsystem from the device. Only
// install-capable transports support this.
func (d *Device) Uninstall(ctx context.Context) error {
	mgr, ok := d.session().(subsystemManager)
	if !ok {
		return fmt.Errorf("device %s cannot manage the device tools subsystem", d.Descriptor().DisplayName())
	}
	return mgr.RunUninstall(ctx)
}

// Ping issues a version roundtrip to check the link end to end.
func (d *Device) Ping(ctx context.Context) error {
	_, err := d.session().Request(ctx, wire.CmdVersion, map[string]any{}, d.cfg.RequestTimeout)
	return err
}

// Exec runs an arbitrary expression on the device and returns the raw
// evaluation output.
func (d *Device) Exec(ctx context.Context, data string) (string, error) {
	resp, err := d.session().Request(ctx, wire.CmdExec, map[string]any{"data": data}, d.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		// Some firmware revisions return structured output; pass it along verbatim.
		return string(resp.Result), nil
	}
	return out, nil
}

// FetchAlarms pulls the current alarm list, replacing the cached snapshot.
func (d *Device) FetchAlarms(ctx context.Context) ([]string, error) {
	resp, err := d.session().Request(ctx, wire.CmdGetAlarms, map[string]any{}, d.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var alarms []string
	if err := json.Unmarshal(resp.Result, &alarms); err != nil {
		return nil, fmt.Errorf("decode alarms: %w", err)
	}
	d.mu.Lock()
	d.alarms = alarms
	d.mu.Unlock()
	d.publishChange(events.ChangeAlarms)
	return alarms, nil
}

// Metadata returns the last pushed metadata snapshot, or nil when none has
// arrived since the last connect.
func (d *Device) Metadata() *wire.DeviceMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.metadata == nil {
		return nil
	}
	md := *d.metadata
	return &md
}

func (d *Device) Telemetry() *wire.TelemetryData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.telemetry == nil {
		return nil
	}
	tel := *d.telemetry
	return &tel
}

func (d *Device) Alarms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.alarms...)
}

func (d *Device) DirtyModules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dirtyModules...)
}
