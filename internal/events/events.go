package events

import (
	"encoding/json"
	"time"
)

// ConnectionState describes the session lifecycle state.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateClosing      ConnectionState = "closing"
	ConnectionStateError        ConnectionState = "error"
)

// ConnectionStatus is a bus snapshot of one session's current state.
type ConnectionStatus struct {
	DeviceID  string
	State     ConnectionState
	Err       string
	Transport string
	Target    string
	Timestamp time.Time
}

// DeviceEvent is an unsolicited server push decoded from the wire,
// published before the façade interprets the payload.
type DeviceEvent struct {
	DeviceID   string
	Name       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// ChangeKind names the façade cache field a DeviceChange refers to.
type ChangeKind string

const (
	ChangeMetadata     ChangeKind = "metadata"
	ChangeTelemetry    ChangeKind = "telemetry"
	ChangeAlarms       ChangeKind = "alarms"
	ChangeDirtyModules ChangeKind = "dirty_modules"
	ChangeConnection   ChangeKind = "connection"
)

// DeviceChange signals that a façade replaced one of its cached snapshots.
type DeviceChange struct {
	DeviceID  string
	Kind      ChangeKind
	Timestamp time.Time
}

// RegistryChangeKind distinguishes set changes from per-device changes.
type RegistryChangeKind string

const (
	RegistryDeviceAdded   RegistryChangeKind = "device_added"
	RegistryDeviceRemoved RegistryChangeKind = "device_removed"
	RegistryDeviceChanged RegistryChangeKind = "device_changed"
)

// RegistryChange is the single aggregated notification the registry emits.
type RegistryChange struct {
	DeviceID  string
	Kind      RegistryChangeKind
	Timestamp time.Time
}
