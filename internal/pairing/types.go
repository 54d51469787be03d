package pairing

import (
	"context"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/access"
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
)

// DevicePairingData is one device as listed under a capability
type DevicePairingData struct {
	UDID              string
	Name              string
	Interface         device.InterfaceName
	ConnectState      device.ConnectState
	Value             *float64
	Unit              string
	Selected          bool
	InterfaceInactive bool
}

// CapabilityData is the pairing view of one capability. Selected, when set,
// is the udid of an entry of Devices.
type CapabilityData struct {
	Capability   device.Capability
	Selected     string
	DeviceName   string
	ConnectState device.ConnectState
	Value        *float64
	Unit         string
	Devices      []DevicePairingData
	Disabled     bool
	Interface    device.InterfaceName
}

// State is the snapshot handed to the state change callback
type State struct {
	Capabilities []CapabilityData
	Interfaces   []device.InterfaceInfo
	CanStartRide bool
	Adapters     []ride.AdapterInfo
}

// Capability returns the entry of c
func (s State) Capability(c device.Capability) (CapabilityData, bool) {
	for _, cd := range s.Capabilities {
		if cd.Capability == c {
			return cd, true
		}
	}
	return CapabilityData{}, false
}

// Configuration is the device configuration used by the pairing service
type Configuration interface {
	Load() ([]devconfig.CapabilityEntry, []device.InterfaceSetting)
	CanStartRide() bool
	GetSelected(c device.Capability) (string, bool)
	GetDevice(udid string) (devconfig.DeviceEntry, bool)
	GetAdapter(udid string) (device.Adapter, error)
	Select(udid string, c device.Capability, opts devconfig.SelectOptions) error
	Unselect(c device.Capability, emit bool)
	Delete(udid string, c device.Capability, emit bool)
	Add(settings device.Settings, opts devconfig.AddOptions) (string, error)
	GetInterfaceSettings(name device.InterfaceName) (device.InterfaceSetting, bool)
	SetInterfaceSettings(setting device.InterfaceSetting)
	IsInterfaceEnabled(name device.InterfaceName) bool
	OnInterfaceChanged(fn func(device.InterfaceSetting)) func()
	OnCapabilityChanged(fn func(devconfig.CapabilityChange)) func()
}

// Access is the device access layer used by the pairing service
type Access interface {
	EnableInterface(ctx context.Context, name device.InterfaceName, binding access.Binding) error
	DisableInterface(ctx context.Context, name device.InterfaceName) error
	EnabledInterfaces() []device.InterfaceName
	Scan(ctx context.Context, filter access.ScanFilter, props device.ScanProps) []device.Settings
	StopScan(ctx context.Context)
	EnrichWithAccessState(settings []device.InterfaceSetting) []device.InterfaceInfo
	OnDevice(fn func(device.Settings)) func()
	OnInterfaceChanged(fn func(access.InterfaceChange)) func()
}

// Ride is the ride service used to pair adapters
type Ride interface {
	GetSelectedAdapters() []ride.AdapterInfo
	ResetAdapters()
	StartAdapters(ctx context.Context, adapters []ride.AdapterInfo, startType ride.StartType, props ride.Props) bool
	StopAdapters(ctx context.Context, match func(ride.AdapterInfo) bool)
	WaitForPreviousStart(timeout time.Duration) bool
	OnAny(fn func(events.Topic[ride.Event])) func()
}

// Timings are the delays of the pairing loop
type Timings struct {
	PairingRetryDelay    time.Duration
	ScanRetryDelay       time.Duration
	PauseScanDelay       time.Duration
	ScanTimeout          time.Duration
	SelectionScanTimeout time.Duration
	PreviousStartTimeout time.Duration
	StopTimeout          time.Duration
	DataThrottle         time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		PairingRetryDelay:    time.Second,
		ScanRetryDelay:       500 * time.Millisecond,
		PauseScanDelay:       2 * time.Second,
		ScanTimeout:          30 * time.Second,
		SelectionScanTimeout: time.Hour,
		PreviousStartTimeout: 3 * time.Second,
		StopTimeout:          3 * time.Second,
		DataThrottle:         time.Second,
	}
}

type Option func(*Service)

func WithTimings(t Timings) Option {
	return func(s *Service) { s.timings = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAutoRun controls whether the service schedules the next pairing or
// scanning cycle itself. It is disabled when a page state machine drives it.
func WithAutoRun(enabled bool) Option {
	return func(s *Service) { s.autoRun = enabled }
}
