// Package devicetest provides scriptable fakes of device adapters and
// interface bindings.
package devicetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
)

type frame struct {
	settings device.Settings
	data     device.Data
}

// Adapter is a device.Adapter whose start results are scripted. By default
// every operation succeeds.
type Adapter struct {
	mu           sync.Mutex
	settings     device.Settings
	caps         []device.Capability
	controllable bool
	modes        []device.CyclingMode
	mode         device.CyclingMode
	modeSettings map[string]any

	started bool
	paused  bool
	stopped bool

	// StartFunc and RestartFunc override the default successful start
	StartFunc   func(ctx context.Context, props device.StartProps) (bool, error)
	RestartFunc func(ctx context.Context, props device.StartProps) (bool, error)

	calls      []string
	startProps []device.StartProps
	updates    []device.UpdateRequest
	frames     *events.CallbackEvent[frame]
}

var _ device.Adapter = (*Adapter)(nil)

func NewAdapter(settings device.Settings, caps ...device.Capability) *Adapter {
	a := &Adapter{
		settings: settings,
		caps:     caps,
		frames:   events.NewCallbackEvent[frame](false),
		modes: []device.CyclingMode{
			{Name: "Simulation"},
			{Name: "ERG", ERG: true},
		},
	}
	a.controllable = device.ContainsCapability(caps, device.CapabilityControl)
	a.mode = a.modes[0]
	return a
}

// NewAnt returns an ANT+ adapter for profile and deviceID with the
// capabilities the profile provides
func NewAnt(profile, deviceID string) *Adapter {
	var caps []device.Capability
	switch profile {
	case "FE":
		caps = []device.Capability{device.CapabilityControl, device.CapabilityPower, device.CapabilitySpeed, device.CapabilityCadence}
	case "PWR":
		caps = []device.Capability{device.CapabilityPower, device.CapabilityCadence}
	case "HR":
		caps = []device.Capability{device.CapabilityHeartRate}
	case "SC":
		caps = []device.Capability{device.CapabilitySpeed, device.CapabilityCadence}
	case "SPD":
		caps = []device.Capability{device.CapabilitySpeed}
	case "CAD":
		caps = []device.Capability{device.CapabilityCadence}
	}
	return NewAdapter(device.Settings{
		Interface: device.InterfaceAnt,
		Profile:   profile,
		DeviceID:  deviceID,
		Name:      fmt.Sprintf("Ant+%s %s", profile, deviceID),
	}, caps...)
}

// NewBle returns a BLE adapter named name with the given capabilities
func NewBle(name, address string, caps ...device.Capability) *Adapter {
	return NewAdapter(device.Settings{Interface: device.InterfaceBle, Name: name, Address: address}, caps...)
}

func (a *Adapter) record(call string) {
	a.calls = append(a.calls, call)
}

// Calls returns the adapter operations invoked so far
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// CallCount returns how often call was invoked
func (a *Adapter) CallCount(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (a *Adapter) StartProps() []device.StartProps {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]device.StartProps(nil), a.startProps...)
}

func (a *Adapter) Updates() []device.UpdateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]device.UpdateRequest(nil), a.updates...)
}

func (a *Adapter) Start(ctx context.Context, props device.StartProps) (bool, error) {
	a.mu.Lock()
	a.record("start")
	a.startProps = append(a.startProps, props)
	fn := a.StartFunc
	a.mu.Unlock()

	ok, err := true, error(nil)
	if fn != nil {
		ok, err = fn(ctx, props)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok && err == nil {
		a.started, a.paused, a.stopped = true, false, false
	}
	return ok, err
}

func (a *Adapter) Stop(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("stop")
	a.started, a.paused, a.stopped = false, false, true
	return true, nil
}

func (a *Adapter) Pause(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("pause")
	a.paused = true
	return true, nil
}

func (a *Adapter) Resume(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("resume")
	a.paused = false
	return true, nil
}

func (a *Adapter) Restart(ctx context.Context, props device.StartProps) (bool, error) {
	a.mu.Lock()
	a.record("restart")
	fn := a.RestartFunc
	a.mu.Unlock()

	ok, err := true, error(nil)
	if fn != nil {
		ok, err = fn(ctx, props)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok && err == nil {
		a.started, a.paused, a.stopped = true, false, false
	}
	return ok, err
}

func (a *Adapter) IsStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Adapter) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Adapter) IsStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *Adapter) IsControllable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.controllable
}

func (a *Adapter) HasCapability(c device.Capability) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return device.ContainsCapability(a.caps, c)
}

func (a *Adapter) Capabilities() []device.Capability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]device.Capability(nil), a.caps...)
}

// SetCapabilities changes the capabilities reported from now on
func (a *Adapter) SetCapabilities(caps ...device.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caps = caps
}

// SetModes replaces the cycling modes; the first one becomes active
func (a *Adapter) SetModes(modes ...device.CyclingMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modes = modes
	if len(modes) > 0 {
		a.mode = modes[0]
	}
}

func (a *Adapter) Interface() device.InterfaceName { return a.settings.Interface }
func (a *Adapter) UniqueName() string              { return a.settings.Key() }
func (a *Adapter) Name() string                    { return a.settings.DisplayName() }
func (a *Adapter) Settings() device.Settings       { return a.settings }

func (a *Adapter) CyclingModes() []device.CyclingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]device.CyclingMode(nil), a.modes...)
}

func (a *Adapter) CyclingMode() device.CyclingMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *Adapter) SetCyclingMode(name string, settings map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.modes {
		if m.Name == name {
			a.mode = m
			a.modeSettings = settings
			a.record("mode:" + name)
			return nil
		}
	}
	return fmt.Errorf("unknown cycling mode %q", name)
}

func (a *Adapter) SendUpdate(ctx context.Context, req device.UpdateRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("update")
	a.updates = append(a.updates, req)
	return nil
}

func (a *Adapter) OnData(fn func(device.Settings, device.Data)) func() {
	return a.frames.Listen(func(f frame) { fn(f.settings, f.data) })
}

// Emit delivers a data frame to the OnData listeners
func (a *Adapter) Emit(data device.Data) {
	a.frames.Notify(frame{settings: a.settings, data: data})
}
