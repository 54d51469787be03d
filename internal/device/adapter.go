package device

import (
	"context"
	"time"
)

// CyclingMode describes how a controllable device maps rider input to resistance
type CyclingMode struct {
	Name string
	// ERG modes hold a target power
	ERG bool
	// RequiresRoute modes need the elevation profile of the ride ahead as part
	// of the start handshake (Daum Classic style EPP upload)
	RequiresRoute bool
}

// RoutePoint is one sample of an elevation profile pushed to a device
type RoutePoint struct {
	Distance  float64 // m from ride start
	Elevation float64 // m
}

// StartProps are passed to Adapter.Start / Adapter.Restart
type StartProps struct {
	Timeout    time.Duration
	UserWeight float64
	BikeWeight float64
	// route window for modes with RequiresRoute
	Route []RoutePoint
}

// UpdateRequest is sent to the control device during a ride. Nil fields are
// left unchanged.
type UpdateRequest struct {
	TargetPower *float64
	Slope       *float64
	Reset       bool
}

// Adapter is the handle to one physical or simulated device. Implementations
// live with their interface binding (bt, serialport, simulator).
type Adapter interface {
	Start(ctx context.Context, props StartProps) (bool, error)
	Stop(ctx context.Context) (bool, error)
	Pause(ctx context.Context) (bool, error)
	Resume(ctx context.Context) (bool, error)
	Restart(ctx context.Context, props StartProps) (bool, error)

	IsStarted() bool
	IsPaused() bool
	IsStopped() bool
	IsControllable() bool
	HasCapability(c Capability) bool
	Capabilities() []Capability

	Interface() InterfaceName
	UniqueName() string
	Name() string
	Settings() Settings

	CyclingModes() []CyclingMode
	CyclingMode() CyclingMode
	SetCyclingMode(name string, settings map[string]any) error

	SendUpdate(ctx context.Context, req UpdateRequest) error

	// OnData registers a listener for data frames and returns its deregistration
	OnData(fn func(Settings, Data)) func()
}

// AdapterEntry is an adapter resolved from the configuration store
type AdapterEntry struct {
	UDID         string
	Adapter      Adapter
	Capabilities []Capability
}
