// Package registry owns the set of known devices: ordered listing,
// add/remove with persistence, bulk disconnect, JSON export/import, and one
// aggregated change feed over the per-device notifications.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"devlink/internal/bus"
	"devlink/internal/device"
	"devlink/internal/events"
)

// DescriptorStore is the persistence surface the registry needs. Implemented
// by persistence.DeviceRepo; nil disables persistence entirely.
type DescriptorStore interface {
	Upsert(ctx context.Context, desc device.Descriptor, position int) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]device.Descriptor, error)
}

type Config struct {
	Logger    *slog.Logger
	Bus       bus.MessageBus
	Store     DescriptorStore
	DeviceCfg device.Config
}

type Registry struct {
	logger *slog.Logger
	bus    bus.MessageBus
	store  DescriptorStore
	devCfg device.Config

	mu      sync.Mutex
	devices map[string]*device.Device
	order   []string

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "registry"),
		bus:     cfg.Bus,
		store:   cfg.Store,
		devCfg:  cfg.DeviceCfg,
		devices: make(map[string]*device.Device),
	}
}

// Restore loads persisted descriptors and rebuilds their devices without
// writing anything back. Devices come up disconnected.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	descs, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, desc := range descs {
		if _, err := r.add(ctx, desc, false); err != nil {
			return err
		}
	}
	r.logger.Info("device registry restored", "devices", len(descs))
	return nil
}

// AddDevice registers a new device. An empty ID gets a generated one; the
// returned id is the durable identity across restarts.
func (r *Registry) AddDevice(ctx context.Context, desc device.Descriptor) (string, error) {
	return r.add(ctx, desc, true)
}

func (r *Registry) add(ctx context.Context, desc device.Descriptor, persist bool) (string, error) {
	if desc.Host == "" {
		return "", fmt.Errorf("device host is required")
	}
	if desc.ID == "" {
		desc.ID = uuid.NewString()
	}
	if desc.Transport == "" {
		desc.Transport = device.TransportSSH
	}

	r.mu.Lock()
	if _, exists := r.devices[desc.ID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("device %q already registered", desc.ID)
	}
	r.mu.Unlock()

	dev, err := device.New(r.devCfg, desc)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.devices[desc.ID] = dev
	r.order = append(r.order, desc.ID)
	position := len(r.order) - 1
	r.mu.Unlock()

	if persist && r.store != nil {
		if err := r.store.Upsert(ctx, desc, position); err != nil {
			r.logger.Error("persist device", "device_id", desc.ID, "error", err)
		}
	}
	r.publish(desc.ID, events.RegistryDeviceAdded)
	return desc.ID, nil
}

// RemoveDevice disconnects the device first so its session cannot outlive
// its registration, then forgets it.
func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}

	if err := dev.Disconnect(ctx); err != nil {
		r.logger.Warn("disconnect before removal", "device_id", id, "error", err)
	}
	dev.Close()

	r.mu.Lock()
	delete(r.devices, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("delete persisted device", "device_id", id, "error", err)
		}
	}
	r.publish(id, events.RegistryDeviceRemoved)
	return nil
}

// UpdateDevice applies a descriptor patch to a registered device and writes
// the new descriptor back to the store, keeping its list position. Without
// the write-back an edited host or secret would silently revert on restart.
func (r *Registry) UpdateDevice(ctx context.Context, id string, patch device.Patch) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	position := -1
	for i, existing := range r.order {
		if existing == id {
			position = i
			break
		}
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}

	if err := dev.Update(ctx, patch); err != nil {
		return err
	}

	if r.store != nil {
		if err := r.store.Upsert(ctx, dev.Descriptor(), position); err != nil {
			r.logger.Error("persist updated device", "device_id", id, "error", err)
		}
	}
	r.publish(id, events.RegistryDeviceChanged)
	return nil
}

func (r *Registry) Device(id string) (*device.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Devices returns the registered devices in insertion order.
func (r *Registry) Devices() []*device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*device.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// DisconnectAll tears down every session, continuing past individual
// failures so one stuck device cannot block shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	for _, dev := range r.Devices() {
		if err := dev.Disconnect(ctx); err != nil {
			r.logger.Warn("disconnect during shutdown", "device_id", dev.ID(), "error", err)
		}
	}
}

// Start launches the aggregation watcher: per-device cache changes and
// connection state transitions are republished as registry changes so list
// consumers subscribe to a single topic.
func (r *Registry) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.watchCancel = cancel
	r.watchDone = done

	changeSub := r.bus.Subscribe(events.TopicDeviceChange)
	statusSub := r.bus.Subscribe(events.TopicConnStatus)
	go func() {
		defer close(done)
		defer r.bus.Unsubscribe(changeSub, events.TopicDeviceChange)
		defer r.bus.Unsubscribe(statusSub, events.TopicConnStatus)
		for {
			select {
			case <-wctx.Done():
				return
			case msg, ok := <-changeSub:
				if !ok {
					return
				}
				if change, ok := msg.(events.DeviceChange); ok && r.owns(change.DeviceID) {
					r.publish(change.DeviceID, events.RegistryDeviceChanged)
				}
			case msg, ok := <-statusSub:
				if !ok {
					return
				}
				if status, ok := msg.(events.ConnectionStatus); ok && r.owns(status.DeviceID) {
					r.publish(status.DeviceID, events.RegistryDeviceChanged)
				}
			}
		}
	}()
}

// Stop halts the watcher started by Start. Sessions are left untouched.
func (r *Registry) Stop() {
	if r.watchCancel != nil {
		r.watchCancel()
		<-r.watchDone
		r.watchCancel = nil
	}
}

func (r *Registry) owns(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id]
	return ok
}

func (r *Registry) publish(id string, kind events.RegistryChangeKind) {
	r.bus.Publish(events.TopicRegistryChange, events.RegistryChange{
		DeviceID:  id,
		Kind:      kind,
		Timestamp: time.Now(),
	})
}

// Export renders the descriptor list as indented JSON, in display order.
func (r *Registry) Export() ([]byte, error) {
	devs := r.Devices()
	descs := make([]device.Descriptor, 0, len(devs))
	for _, dev := range devs {
		descs = append(descs, dev.Descriptor())
	}
	return json.MarshalIndent(descs, "", "  ")
}

// Import registers every descriptor from an Export dump, skipping ids that
// already exist. Returns the ids actually added.
func (r *Registry) Import(ctx context.Context, raw []byte) ([]string, error) {
	var descs []device.Descriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return nil, fmt.Errorf("parse device list: %w", err)
	}
	var added []string
	for _, desc := range descs {
		if desc.ID != "" && r.owns(desc.ID) {
			r.logger.Info("skipping already registered device", "device_id", desc.ID)
			continue
		}
		id, err := r.add(ctx, desc, true)
		if err != nil {
			return added, err
		}
		added = append(added, id)
	}
	return added, nil
}
