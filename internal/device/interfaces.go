package device

import "time"

// InterfaceSetting is the persisted user setting of one interface
type InterfaceSetting struct {
	Name        InterfaceName `json:"name"`
	Enabled     bool          `json:"enabled"`
	Invisible   bool          `json:"invisible,omitempty"`
	Port        string        `json:"port,omitempty"`
	Protocol    string        `json:"protocol,omitempty"`
	AutoConnect bool          `json:"autoConnect,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// InterfaceInfo is an InterfaceSetting enriched with the live access state
type InterfaceInfo struct {
	InterfaceSetting
	State      InterfaceState `json:"state"`
	IsScanning bool           `json:"isScanning"`
}

// ScanProps are passed to an interface binding's scan
type ScanProps struct {
	Timeout time.Duration
	// Capability narrows the scan to devices offering it, when the binding can tell
	Capability Capability
}
