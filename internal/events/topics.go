package events

const (
	TopicConnStatus     = "conn.status"
	TopicDeviceEvent    = "device.event"
	TopicDeviceChange   = "device.change"
	TopicRegistryChange = "registry.change"
)
