package device

// Transport kinds accepted in a Descriptor.
const (
	TransportSSH       = "ssh"
	TransportWebsocket = "websocket"
	TransportSerial    = "serial"
)

// Descriptor is the durable identity of a device: everything needed to
// rebuild its session from scratch. It is persisted as-is.
type Descriptor struct {
	ID         string `json:"id"`
	Host       string `json:"host"`
	Label      string `json:"label,omitempty"`
	AuthSecret string `json:"authSecret,omitempty"`
	Transport  string `json:"transport,omitempty"`
}

// DisplayName prefers the user-assigned label over the raw host.
func (d Descriptor) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Host
}

// Patch carries partial descriptor updates. Nil fields are left untouched.
type Patch struct {
	Host       *string
	Label      *string
	AuthSecret *string
	Transport  *string
}

func (d Descriptor) apply(p Patch) Descriptor {
	if p.Host != nil {
		d.Host = *p.Host
	}
	if p.Label != nil {
		d.Label = *p.Label
	}
	if p.AuthSecret != nil {
		d.AuthSecret = *p.AuthSecret
	}
	if p.Transport != nil {
		d.Transport = *p.Transport
	}
	return d
}
