package wire

// DeviceMetadata identifies the firmware running on a device. Pointer
// fields are null until the device reports them.
type DeviceMetadata struct {
	FwValid         *bool   `json:"fwValid"`
	ActivePartition *string `json:"activePartition"`
	FwArchitecture  *string `json:"fwArchitecture"`
	FwPlatform      *string `json:"fwPlatform"`
	FwProduct       *string `json:"fwProduct"`
	FwVersion       *string `json:"fwVersion"`
	FwUuid          *string `json:"fwUuid"`
}

// MemoryStats is reported in whole megabytes.
type MemoryStats struct {
	UsedMb  int64 `json:"usedMb"`
	TotalMb int64 `json:"totalMb"`
}

// TelemetryData is the periodic device health push. Uptime is a
// pre-formatted human-readable duration produced on the device, e.g.
// "3 days, 2 hours, 5 minutes and 10 seconds" or "0.500 seconds".
type TelemetryData struct {
	Uptime         string       `json:"uptime"`
	LoadAverage    *string      `json:"loadAverage"`
	CpuTemperature *int64       `json:"cpuTemperature"`
	Memory         *MemoryStats `json:"memory"`
}
