// Package ride owns the runtime lifecycle of the started device adapters:
// starting and stopping them, ANT+ duplicate detection, health monitoring,
// reconnection and the fan-out of merged ride data.
package ride

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/route"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "DeviceRideService"

// SimulatorUDID is the udid of the adapter used when the simulator is enforced
const SimulatorUDID = "simulator"

type StartType string

const (
	StartTypeStart StartType = "start"
	StartTypeCheck StartType = "check"
	StartTypePair  StartType = "pair"
)

// DataStatus buckets the time since an adapter last sent data
type DataStatus string

const (
	DataStatusGreen DataStatus = "green"
	DataStatusAmber DataStatus = "amber"
	DataStatusRed   DataStatus = "red"
)

// event names
const (
	EventData                 = "data"
	EventDataStatus           = "data-status"
	EventStopRide             = "stop-ride"
	EventStopAdapter          = "stop-adapter"
	EventStopAdapterConfirmed = "stop-adapter-confirmed"
	EventReconnectSuccess     = "reconnect-success"
)

// EventRequest, EventSuccess and EventError name the events of a start attempt
func EventRequest(t StartType) string { return string(t) + "-request" }
func EventSuccess(t StartType) string { return string(t) + "-success" }
func EventError(t StartType) string   { return string(t) + "-error" }

// Event is the payload of every event emitted by the service
type Event struct {
	UDID      string
	Interface device.InterfaceName
	// Data is the merged ride data, DeviceData the frame as sent by the device
	Data       device.Data
	DeviceData device.Data
	Status     DataStatus
	Err        error
}

// Timings are the delays and thresholds of the service
type Timings struct {
	HealthCheckInterval    time.Duration
	NoDataThreshold        time.Duration
	UnhealthyThreshold     time.Duration
	ReconnectSettleDelay   time.Duration
	ReconnectRetryInterval time.Duration
	ReconnectWindow        time.Duration
	InterfaceStopTimeout   time.Duration
	BleStartTimeout        time.Duration
	StartTimeout           time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		HealthCheckInterval:    time.Second,
		NoDataThreshold:        10 * time.Second,
		UnhealthyThreshold:     60 * time.Second,
		ReconnectSettleDelay:   time.Second,
		ReconnectRetryInterval: time.Second,
		ReconnectWindow:        60 * time.Second,
		InterfaceStopTimeout:   65 * time.Second,
		BleStartTimeout:        30 * time.Second,
		StartTimeout:           10 * time.Second,
	}
}

// Configuration is the part of the device configuration the service reads
type Configuration interface {
	GetAdapters(onlySelected bool) []device.AdapterEntry
	GetSelected(c device.Capability) (string, bool)
	GetModeSettings(udid string, mode string) (string, map[string]any)
}

// InterfaceAccess reconnects interface bindings during an interface restart
type InterfaceAccess interface {
	ConnectInterface(ctx context.Context, name device.InterfaceName) (bool, error)
	DisconnectInterface(ctx context.Context, name device.InterfaceName) (bool, error)
}

// Props configure a start
type Props struct {
	UserWeight float64
	BikeWeight float64
	// ForceErgMode switches controllable devices into their ERG mode
	ForceErgMode bool
	// Route is uploaded to devices whose cycling mode requires it
	Route *route.Request
	// Timeout overrides the start timeout
	Timeout time.Duration
}

// AdapterInfo is a snapshot of one adapter managed by the service
type AdapterInfo struct {
	UDID    string
	Adapter device.Adapter
	// Capabilities are those the adapter is the selected source for
	Capabilities []device.Capability
	// DeviceCapabilities are those the device reported with its last data
	DeviceCapabilities []device.Capability
	IsStarted          bool
	IsControl          bool
	IsHealthy          bool
	IsRestarting       bool
	DataStatus         DataStatus
	LastDataAt         time.Time
}

type adapterState struct {
	udid         string
	adapter      device.Adapter
	// capabilities served for the ride, deviceCaps as reported by the device
	capabilities []device.Capability
	deviceCaps   []device.Capability
	isStarted    bool
	isControl    bool
	isHealthy    bool
	isRestarting bool
	dataStatus   DataStatus
	lastDataAt   time.Time
	startProps   device.StartProps
	// interface restarts waiting for this adapter to leave its reconnect loop
	stopWaiters int

	stopHealth  chan struct{}
	unsubscribe func()
}

func (st *adapterState) info() AdapterInfo {
	return AdapterInfo{
		UDID:               st.udid,
		Adapter:            st.adapter,
		Capabilities:       append([]device.Capability(nil), st.capabilities...),
		DeviceCapabilities: append([]device.Capability(nil), st.deviceCaps...),
		IsStarted:          st.isStarted,
		IsControl:          st.isControl,
		IsHealthy:          st.isHealthy,
		IsRestarting:       st.isRestarting,
		DataStatus:         st.dataStatus,
		LastDataAt:         st.lastDataAt,
	}
}

type Option func(*Service)

func WithTimings(t Timings) Option {
	return func(s *Service) { s.timings = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSimulator sets the constructor of the adapter used when the simulator is enforced
func WithSimulator(create func() device.Adapter) Option {
	return func(s *Service) { s.newSimulator = create }
}

// WithInterfaceAccess enables interface level restarts
func WithInterfaceAccess(a InterfaceAccess) Option {
	return func(s *Service) { s.access = a }
}

type Service struct {
	logger       *log.Logger
	config       Configuration
	access       InterfaceAccess
	newSimulator func() device.Adapter
	timings      Timings
	now          func() time.Time

	mu                sync.Mutex
	adapters          []*adapterState
	resolved          bool
	shadows           map[string]string // shadow udid -> leading udid
	simulatorEnforced bool
	data              device.Data
	reconnectBusy     bool
	inflight          int
	idle              chan struct{}

	emitter *events.Emitter[Event]
}

func NewService(logger *log.Logger, config Configuration, opts ...Option) *Service {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if config == nil {
		panic("config cannot be nil")
	}
	s := &Service{
		logger:  logger,
		config:  config,
		timings: DefaultTimings(),
		now:     time.Now,
		shadows: make(map[string]string),
		emitter: events.NewEmitter[Event](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// On registers fn for the event name
func (s *Service) On(name string, fn func(Event)) func() {
	return s.emitter.On(name, fn)
}

// OnAny registers fn for every event
func (s *Service) OnAny(fn func(events.Topic[Event])) func() {
	return s.emitter.OnAny(fn)
}

// EnforceSimulator replaces the configured adapters by a single simulator
// adapter from the next resolution on
func (s *Service) EnforceSimulator(enforced bool) {
	s.mu.Lock()
	changed := s.simulatorEnforced != enforced
	s.simulatorEnforced = enforced
	s.mu.Unlock()
	if changed {
		s.ResetAdapters()
	}
}

func (s *Service) IsSimulatorEnforced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulatorEnforced
}

// GetSelectedAdapters resolves the adapters selected in the configuration.
// The result is cached until ResetAdapters is called.
func (s *Service) GetSelectedAdapters() []AdapterInfo {
	defer safego.Recover(s.logger, component, "getSelectedAdapters")

	s.mu.Lock()
	if s.resolved {
		infos := s.snapshot()
		s.mu.Unlock()
		return infos
	}
	enforced := s.simulatorEnforced
	s.mu.Unlock()

	var states []*adapterState
	if enforced && s.newSimulator != nil {
		states = []*adapterState{{
			udid:         SimulatorUDID,
			adapter:      s.newSimulator(),
			capabilities: simulatorCapabilities(),
		}}
	} else {
		if enforced {
			s.logger.Printf("%s: simulator enforced but not available", component)
		}
		for _, e := range s.config.GetAdapters(true) {
			states = append(states, &adapterState{
				udid:         e.UDID,
				adapter:      e.Adapter,
				capabilities: append([]device.Capability(nil), e.Capabilities...),
			})
		}
	}
	for _, st := range states {
		st.deviceCaps = st.adapter.Capabilities()
		st.isHealthy = true
		st.dataStatus = DataStatusGreen
	}
	if control := selectControl(states); control != nil {
		control.isControl = true
	}

	infos := make([]AdapterInfo, 0, len(states))
	for _, st := range states {
		infos = append(infos, st.info())
	}
	shadows := CheckAntSameDeviceID(infos)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return s.snapshot()
	}
	s.adapters = states
	s.shadows = shadows
	s.resolved = true
	for shadow, leader := range shadows {
		s.logger.Printf("%s: same ANT device id, udid=%s is served by udid=%s", component, shadow, leader)
	}
	return s.snapshot()
}

func simulatorCapabilities() []device.Capability {
	return []device.Capability{
		device.CapabilityControl,
		device.CapabilityPower,
		device.CapabilityHeartRate,
		device.CapabilityCadence,
		device.CapabilitySpeed,
	}
}

// selectControl picks the ride's control adapter: the first with control,
// else power, else speed
func selectControl(states []*adapterState) *adapterState {
	for _, c := range []device.Capability{device.CapabilityControl, device.CapabilityPower, device.CapabilitySpeed} {
		for _, st := range states {
			if device.ContainsCapability(st.capabilities, c) {
				return st
			}
		}
	}
	return nil
}

func (s *Service) snapshot() []AdapterInfo {
	infos := make([]AdapterInfo, 0, len(s.adapters))
	for _, st := range s.adapters {
		infos = append(infos, st.info())
	}
	return infos
}

// CheckAntSameDeviceID finds ANT+ adapters sharing a device id. Per group the
// adapter with the highest score (+100 control, +50 power, +1 per capability)
// leads; the result maps every other adapter of the group to its leader.
func CheckAntSameDeviceID(adapters []AdapterInfo) map[string]string {
	groups := make(map[string][]AdapterInfo)
	var order []string
	for _, a := range adapters {
		if a.Adapter == nil || a.Adapter.Interface() != device.InterfaceAnt {
			continue
		}
		id := a.Adapter.Settings().DeviceID
		if id == "" {
			continue
		}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], a)
	}

	shadows := make(map[string]string)
	for _, id := range order {
		group := groups[id]
		if len(group) < 2 {
			continue
		}
		leader := group[0]
		for _, a := range group[1:] {
			if powerScore(a) > powerScore(leader) {
				leader = a
			}
		}
		for _, a := range group {
			if a.UDID != leader.UDID {
				shadows[a.UDID] = leader.UDID
			}
		}
	}
	return shadows
}

func powerScore(a AdapterInfo) int {
	caps := a.Adapter.Capabilities()
	score := len(caps)
	if device.ContainsCapability(caps, device.CapabilityControl) {
		score += 100
	}
	if device.ContainsCapability(caps, device.CapabilityPower) {
		score += 50
	}
	return score
}

// shadowsOf returns the udids redirected to leader. Callers hold s.mu.
func (s *Service) shadowsOf(leader string) []string {
	var out []string
	for _, st := range s.adapters {
		if s.shadows[st.udid] == leader {
			out = append(out, st.udid)
		}
	}
	return out
}

func (s *Service) state(udid string) *adapterState {
	for _, st := range s.adapters {
		if st.udid == udid {
			return st
		}
	}
	return nil
}

// emitMirrored emits ev under udid and under every shadow of udid
func (s *Service) emitMirrored(name string, ev Event) {
	s.mu.Lock()
	shadows := s.shadowsOf(ev.UDID)
	s.mu.Unlock()

	s.emitter.Emit(name, ev)
	for _, shadow := range shadows {
		mirrored := ev
		mirrored.UDID = shadow
		s.emitter.Emit(name, mirrored)
	}
}

// ResetAdapters stops monitoring all adapters and drops the cached adapter set
func (s *Service) ResetAdapters() {
	s.mu.Lock()
	states := s.adapters
	s.adapters = nil
	s.shadows = make(map[string]string)
	s.resolved = false
	var unsubscribe []func()
	for _, st := range states {
		unsubscribe = append(unsubscribe, s.detach(st))
	}
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// detach stops the health check of st and returns the function removing its
// data listener, to be called without holding s.mu. Callers hold s.mu.
func (s *Service) detach(st *adapterState) func() {
	s.stopHealthCheck(st)
	unsubscribe := st.unsubscribe
	st.unsubscribe = nil
	if unsubscribe == nil {
		return func() {}
	}
	return unsubscribe
}
