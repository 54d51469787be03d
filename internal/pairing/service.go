// Package pairing orchestrates device discovery and pairing: it decides
// between scanning for new devices and pairing the known ones, keeps the
// per-capability view shown to the user and applies device selection and
// interface setting changes.
package pairing

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/access"
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "DevicePairingService"

type deviceSelection struct {
	capability device.Capability
	callback   func(CapabilityData)
}

type Service struct {
	logger  *log.Logger
	config  Configuration
	access  Access
	ride    Ride
	timings Timings
	autoRun bool
	now     func() time.Time

	mu             sync.Mutex
	running        bool
	ctx            context.Context
	cancel         context.CancelFunc
	onStateChanged func(State)
	capabilities   []CapabilityData
	interfaces     []device.InterfaceInfo
	canStartRide   bool
	adapters       []ride.AdapterInfo
	devices        map[string]*deviceState
	cycle          *cycle
	selection      *deviceSelection
	retryTimer     *time.Timer
	unsubscribe    []func()

	pairingDone  *events.CallbackEvent[bool]
	scanningDone *events.CallbackEvent[struct{}]
}

func NewService(logger *log.Logger, config Configuration, acc Access, rideService Ride, opts ...Option) *Service {
	if logger == nil {
		panic("logger cannot be nil")
	}
	s := &Service{
		logger:       logger,
		config:       config,
		access:       acc,
		ride:         rideService,
		timings:      DefaultTimings(),
		autoRun:      true,
		now:          time.Now,
		devices:      make(map[string]*deviceState),
		pairingDone:  events.NewCallbackEvent[bool](false),
		scanningDone: events.NewCallbackEvent[struct{}](false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logError(fn string, err error) {
	safego.LogError(s.logger, component, fn, err)
}

// Start attaches onStateChanged and starts the pairing loop. Calling Start
// again while running replaces the callback and replays the current state.
func (s *Service) Start(onStateChanged func(State)) {
	defer safego.Recover(s.logger, component, "start")

	s.mu.Lock()
	if s.running {
		s.onStateChanged = onStateChanged
		state := s.snapshot()
		s.mu.Unlock()
		if onStateChanged != nil {
			onStateChanged(state)
		}
		return
	}
	s.running = true
	s.onStateChanged = onStateChanged
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Printf("%s: start", component)

	_, interfaces := s.config.Load()
	for _, is := range interfaces {
		if !is.Enabled {
			continue
		}
		if err := s.access.EnableInterface(ctx, is.Name, nil); err != nil {
			s.logError("start", err)
		}
	}

	in := s.readCapabilities()
	s.mu.Lock()
	s.capabilities = s.buildCapabilities(in)
	before := s.capabilities
	s.mu.Unlock()

	// capabilities served by a disabled interface fall back to another device
	after := before
	for _, is := range interfaces {
		if !is.Enabled {
			after, _ = disableInterfaceInCapabilities(after, is.Name)
		}
	}
	s.applySelection(before, after)

	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe,
		s.config.OnInterfaceChanged(func(device.InterfaceSetting) { s.refreshInterfaces() }),
		s.config.OnCapabilityChanged(func(devconfig.CapabilityChange) { s.refreshCapabilities() }),
		s.access.OnInterfaceChanged(func(access.InterfaceChange) { s.refreshInterfaces() }),
		s.access.OnDevice(s.onDeviceDetected),
		s.ride.OnAny(s.onRideEvent),
	)
	s.mu.Unlock()

	s.refresh()
	if s.autoRun {
		safego.Go(s.logger, func() { s.run(false) })
	}
}

// Stop ends the pairing loop and detaches the state callback. Started
// adapters keep running so that a ride can use them.
func (s *Service) Stop() {
	defer safego.Recover(s.logger, component, "stop")

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.onStateChanged = nil
	s.selection = nil
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	s.stopCycle()
	cancel()
	s.logger.Printf("%s: stop", component)
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetState returns the current pairing state
func (s *Service) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// snapshot copies the state. Callers hold s.mu.
func (s *Service) snapshot() State {
	return State{
		Capabilities: cloneCapabilities(s.capabilities),
		Interfaces:   append([]device.InterfaceInfo(nil), s.interfaces...),
		CanStartRide: s.canStartRide,
		Adapters:     append([]ride.AdapterInfo(nil), s.adapters...),
	}
}

func (s *Service) emitStateChange() {
	s.mu.Lock()
	cb := s.onStateChanged
	state := s.snapshot()
	var selection *deviceSelection
	if s.selection != nil {
		sel := *s.selection
		selection = &sel
	}
	s.mu.Unlock()

	if cb != nil {
		cb(state)
	}
	if selection != nil && selection.callback != nil {
		if cd, ok := state.Capability(selection.capability); ok {
			selection.callback(cd)
		}
	}
}

// refresh rebuilds capabilities, interfaces and canStartRide and emits the state
func (s *Service) refresh() {
	in := s.readCapabilities()
	infos := s.readInterfaces()
	sufficient := s.config.CanStartRide()

	s.mu.Lock()
	s.capabilities = s.buildCapabilities(in)
	s.interfaces = infos
	s.canStartRide = s.computeCanStartRide(sufficient)
	s.mu.Unlock()

	s.emitStateChange()
}

func (s *Service) refreshCapabilities() {
	defer safego.Recover(s.logger, component, "refreshCapabilities")
	if s.IsRunning() {
		s.refresh()
	}
}

func (s *Service) refreshInterfaces() {
	defer safego.Recover(s.logger, component, "refreshInterfaces")
	if !s.IsRunning() {
		return
	}
	infos := s.readInterfaces()
	s.mu.Lock()
	s.interfaces = infos
	s.mu.Unlock()
	s.emitStateChange()
}

func (s *Service) readInterfaces() []device.InterfaceInfo {
	_, settings := s.config.Load()
	var visible []device.InterfaceSetting
	for _, is := range settings {
		if !is.Invisible {
			visible = append(visible, is)
		}
	}
	return s.access.EnrichWithAccessState(visible)
}

// computeCanStartRide combines the configuration's answer with the connect
// state of the control and power devices. Callers hold s.mu.
func (s *Service) computeCanStartRide(sufficient bool) bool {
	if !sufficient {
		return false
	}
	control := s.connectState(device.CapabilityControl)
	power := s.connectState(device.CapabilityPower)
	return control != device.ConnectStateFailed || power != device.ConnectStateFailed
}

func (s *Service) connectState(c device.Capability) device.ConnectState {
	for _, cd := range s.capabilities {
		if cd.Capability == c {
			return cd.ConnectState
		}
	}
	return device.ConnectStateNone
}

// IsPairingSuccess reports whether the control or the power device is connected
func (s *Service) IsPairingSuccess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectState(device.CapabilityControl) == device.ConnectStateConnected ||
		s.connectState(device.CapabilityPower) == device.ConnectStateConnected
}

// OnPairingDone registers fn for the end of every pairing cycle
func (s *Service) OnPairingDone(fn func(success bool)) func() {
	return s.pairingDone.Listen(fn)
}

// OnScanningDone registers fn for the end of every scanning cycle
func (s *Service) OnScanningDone(fn func()) func() {
	return s.scanningDone.Listen(func(struct{}) { fn() })
}

func (s *Service) onRideEvent(t events.Topic[ride.Event]) {
	defer safego.Recover(s.logger, component, "onRideEvent")
	if !s.IsRunning() {
		return
	}

	ev := t.Value
	var state device.ConnectState
	switch {
	case strings.HasSuffix(t.Name, "-request"):
		state = device.ConnectStateConnecting
	case strings.HasSuffix(t.Name, "-success"):
		state = device.ConnectStateConnected
	case strings.HasSuffix(t.Name, "-error"):
		state = device.ConnectStateFailed
	case t.Name == ride.EventDataStatus:
		state = device.ConnectStateConnected
		if ev.Status != ride.DataStatusGreen {
			state = device.ConnectStateWaiting
		}
	case t.Name == ride.EventStopAdapter:
		state = device.ConnectStateNone
	case t.Name == ride.EventData:
		s.onData(ev)
		return
	default:
		return
	}

	s.mu.Lock()
	ds := s.deviceState(ev.UDID)
	changed := ds.connectState != state
	ds.connectState = state
	s.mu.Unlock()
	if changed {
		s.refresh()
	}
}

// deviceState returns the state of udid, creating it. Callers hold s.mu.
func (s *Service) deviceState(udid string) *deviceState {
	ds, ok := s.devices[udid]
	if !ok {
		ds = &deviceState{}
		s.devices[udid] = ds
	}
	return ds
}

// onData stores the device's latest values and forwards them at most once
// per throttle interval
func (s *Service) onData(ev ride.Event) {
	now := s.now().UnixNano()
	s.mu.Lock()
	ds := s.deviceState(ev.UDID)
	ds.data = ev.DeviceData
	ds.hasData = true
	due := now-ds.lastEmit >= int64(s.timings.DataThrottle)
	if due {
		ds.lastEmit = now
	}
	s.mu.Unlock()

	if due {
		s.refresh()
	}
}
