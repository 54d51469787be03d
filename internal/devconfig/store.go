// Package devconfig persists the known devices, the device selected per
// capability, per-device cycling-mode settings and the interface settings.
package devconfig

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
)

const component = "DeviceConfiguration"

var ErrUnknownDevice = errors.New("unknown device")

// DeviceEntry is one known device
type DeviceEntry struct {
	UDID     string          `json:"udid"`
	Settings device.Settings `json:"settings"`
	// Mode is the last used cycling mode, Modes the settings per mode
	Mode  string                    `json:"mode,omitempty"`
	Modes map[string]map[string]any `json:"modes,omitempty"`
}

// CapabilityEntry lists the candidate devices of one capability
type CapabilityEntry struct {
	Capability device.Capability `json:"capability"`
	Devices    []string          `json:"devices"`
	Selected   string            `json:"selected,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

// CapabilityChange is emitted when the selection or the candidates of a capability change
type CapabilityChange struct {
	Capability device.Capability
	Selected   string
	Devices    []string
}

type SelectOptions struct {
	Emit bool
}

type AddOptions struct {
	// Capabilities overrides the capabilities reported by the adapter
	Capabilities []device.Capability
}

type Option func(*Store)

// WithDefaultInterfaces sets the interfaces used when none were persisted
func WithDefaultInterfaces(interfaces ...device.InterfaceSetting) Option {
	return func(s *Store) { s.defaultInterfaces = interfaces }
}

// DefaultInterfaces are used for a fresh configuration
var DefaultInterfaces = []device.InterfaceSetting{
	{Name: device.InterfaceAnt, Enabled: true},
	{Name: device.InterfaceBle, Enabled: true},
	{Name: device.InterfaceSerial, Enabled: false, Protocol: "Daum Classic"},
	{Name: device.InterfaceTCPIP, Enabled: false, Port: "51955", Protocol: "Daum Premium"},
}

type Store struct {
	logger   *log.Logger
	registry *device.Registry
	persist  *persistence

	defaultInterfaces []device.InterfaceSetting

	mu          sync.Mutex
	initialized bool
	doc         document
	adapters    map[string]device.Adapter

	initializedEvent *events.CallbackEvent[struct{}]
	interfaceEvent   *events.CallbackEvent[device.InterfaceSetting]
	capabilityEvent  *events.CallbackEvent[CapabilityChange]
}

// NewStore creates a store backed by the JSON file at path. An empty path
// keeps the configuration in memory only.
func NewStore(logger *log.Logger, path string, registry *device.Registry, opts ...Option) *Store {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if registry == nil {
		panic("registry cannot be nil")
	}
	s := &Store{
		logger:            logger,
		registry:          registry,
		persist:           newPersistence(logger, path),
		defaultInterfaces: DefaultInterfaces,
		adapters:          make(map[string]device.Adapter),
		initializedEvent:  events.NewCallbackEvent[struct{}](true),
		interfaceEvent:    events.NewCallbackEvent[device.InterfaceSetting](false),
		capabilityEvent:   events.NewCallbackEvent[CapabilityChange](false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Init loads the persisted configuration once and emits initialized
func (s *Store) Init() {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.doc = s.persist.load()
	if len(s.doc.Interfaces) == 0 {
		s.doc.Interfaces = append([]device.InterfaceSetting(nil), s.defaultInterfaces...)
	}
	s.ensureCapabilities()
	s.initialized = true
	n := len(s.doc.Devices)
	s.mu.Unlock()

	s.logger.Printf("%s: initialized devices=%d", component, n)
	s.initializedEvent.Notify(struct{}{})
}

// OnInitialized calls fn once the store is initialized, immediately if it already is
func (s *Store) OnInitialized(fn func()) func() {
	return s.initializedEvent.ListenOnce(func(struct{}) { fn() })
}

func (s *Store) ensureCapabilities() {
	for _, c := range device.AllCapabilities {
		if s.capability(c) == nil {
			s.doc.Capabilities = append(s.doc.Capabilities, CapabilityEntry{Capability: c, Devices: []string{}})
		}
	}
}

// Load returns copies of the capability and interface configuration,
// initializing the store first if needed
func (s *Store) Load() ([]CapabilityEntry, []device.InterfaceSetting) {
	s.Init()
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]CapabilityEntry, 0, len(s.doc.Capabilities))
	for _, c := range s.doc.Capabilities {
		c.Devices = append([]string(nil), c.Devices...)
		caps = append(caps, c)
	}
	return caps, append([]device.InterfaceSetting(nil), s.doc.Interfaces...)
}

func (s *Store) capability(c device.Capability) *CapabilityEntry {
	for i := range s.doc.Capabilities {
		if s.doc.Capabilities[i].Capability == c {
			return &s.doc.Capabilities[i]
		}
	}
	return nil
}

func (s *Store) deviceEntry(udid string) *DeviceEntry {
	for i := range s.doc.Devices {
		if s.doc.Devices[i].UDID == udid {
			return &s.doc.Devices[i]
		}
	}
	return nil
}

func (s *Store) interfaceEnabled(name device.InterfaceName) bool {
	if name == device.InterfaceSimulator {
		return true
	}
	for _, i := range s.doc.Interfaces {
		if i.Name == name {
			return i.Enabled
		}
	}
	return false
}

// CanStartRide reports whether a control or power device is selected on an
// enabled interface
func (s *Store) CanStartRide() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range []device.Capability{device.CapabilityControl, device.CapabilityPower} {
		ce := s.capability(c)
		if ce == nil || ce.Selected == "" || ce.Disabled {
			continue
		}
		if d := s.deviceEntry(ce.Selected); d != nil && s.interfaceEnabled(d.Settings.Interface) {
			return true
		}
	}
	return false
}

// GetSelected returns the udid selected for capability c
func (s *Store) GetSelected(c device.Capability) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce := s.capability(c)
	if ce == nil || ce.Selected == "" {
		return "", false
	}
	return ce.Selected, true
}

// GetDevice returns the device entry for udid
func (s *Store) GetDevice(udid string) (DeviceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deviceEntry(udid)
	if d == nil {
		return DeviceEntry{}, false
	}
	return *d, true
}

// GetAdapter returns the adapter for udid, creating it on first use
func (s *Store) GetAdapter(udid string) (device.Adapter, error) {
	s.mu.Lock()
	if a, ok := s.adapters[udid]; ok {
		s.mu.Unlock()
		return a, nil
	}
	d := s.deviceEntry(udid)
	if d == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, udid)
	}
	settings := d.Settings
	s.mu.Unlock()

	a, err := s.registry.Create(settings)
	if err != nil {
		return nil, fmt.Errorf("create adapter %s: %w", udid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.adapters[udid]; ok {
		return existing, nil
	}
	s.adapters[udid] = a
	return a, nil
}

// GetAdapters returns one entry per device, with the capabilities the device
// is selected for (onlySelected) or listed in. Devices on disabled
// interfaces are skipped.
func (s *Store) GetAdapters(onlySelected bool) []device.AdapterEntry {
	s.Init()
	s.mu.Lock()
	var order []string
	caps := make(map[string][]device.Capability)
	for _, ce := range s.doc.Capabilities {
		if ce.Disabled {
			continue
		}
		udids := ce.Devices
		if onlySelected {
			udids = nil
			if ce.Selected != "" {
				udids = []string{ce.Selected}
			}
		}
		for _, udid := range udids {
			d := s.deviceEntry(udid)
			if d == nil || !s.interfaceEnabled(d.Settings.Interface) {
				continue
			}
			if _, ok := caps[udid]; !ok {
				order = append(order, udid)
			}
			caps[udid] = append(caps[udid], ce.Capability)
		}
	}
	s.mu.Unlock()

	entries := make([]device.AdapterEntry, 0, len(order))
	for _, udid := range order {
		a, err := s.GetAdapter(udid)
		if err != nil {
			s.logger.Printf("%s: error fn=getAdapters error=%q", component, err.Error())
			continue
		}
		entries = append(entries, device.AdapterEntry{UDID: udid, Adapter: a, Capabilities: caps[udid]})
	}
	return entries
}

func (s *Store) GetAllAdapters() []device.AdapterEntry {
	return s.GetAdapters(false)
}

// Add stores settings as a device, unless a device with the same identity is
// already known, and lists it in every capability it provides. It returns the
// device's udid.
func (s *Store) Add(settings device.Settings, opts AddOptions) (string, error) {
	s.Init()
	s.mu.Lock()
	var udid string
	for _, d := range s.doc.Devices {
		if d.Settings.Key() == settings.Key() {
			udid = d.UDID
			break
		}
	}
	s.mu.Unlock()

	isNew := udid == ""
	if isNew {
		udid = uuid.NewString()
	}

	caps := opts.Capabilities
	if len(caps) == 0 {
		a, err := s.adapterFor(udid, settings, isNew)
		if err != nil {
			return "", err
		}
		caps = a.Capabilities()
	}

	s.mu.Lock()
	if isNew {
		s.doc.Devices = append(s.doc.Devices, DeviceEntry{UDID: udid, Settings: settings})
		s.logger.Printf("%s: add device udid=%s name=%q", component, udid, settings.DisplayName())
	}
	var changes []CapabilityChange
	for _, c := range caps {
		ce := s.capability(c)
		if ce == nil || containsString(ce.Devices, udid) {
			continue
		}
		ce.Devices = append(ce.Devices, udid)
		changes = append(changes, s.capabilityChange(ce))
	}
	doc := s.doc.clone()
	s.mu.Unlock()

	s.persist.save(doc)
	for _, ch := range changes {
		s.capabilityEvent.Notify(ch)
	}
	return udid, nil
}

func (s *Store) adapterFor(udid string, settings device.Settings, isNew bool) (device.Adapter, error) {
	if !isNew {
		return s.GetAdapter(udid)
	}
	a, err := s.registry.Create(settings)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", settings.Key(), err)
	}
	s.mu.Lock()
	s.adapters[udid] = a
	s.mu.Unlock()
	return a, nil
}

func (s *Store) capabilityChange(ce *CapabilityEntry) CapabilityChange {
	return CapabilityChange{Capability: ce.Capability, Selected: ce.Selected, Devices: append([]string(nil), ce.Devices...)}
}

// Select makes udid the selected device of capability c
func (s *Store) Select(udid string, c device.Capability, opts SelectOptions) error {
	s.mu.Lock()
	if s.deviceEntry(udid) == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, udid)
	}
	ce := s.capability(c)
	if ce == nil {
		s.mu.Unlock()
		return fmt.Errorf("unknown capability %q", c)
	}
	if !containsString(ce.Devices, udid) {
		ce.Devices = append(ce.Devices, udid)
	}
	ce.Selected = udid
	ch := s.capabilityChange(ce)
	doc := s.doc.clone()
	s.mu.Unlock()

	s.logger.Printf("%s: select capability=%s udid=%s", component, c, udid)
	s.persist.save(doc)
	if opts.Emit {
		s.capabilityEvent.Notify(ch)
	}
	return nil
}

// Unselect clears the selection of capability c
func (s *Store) Unselect(c device.Capability, emit bool) {
	s.mu.Lock()
	ce := s.capability(c)
	if ce == nil || ce.Selected == "" {
		s.mu.Unlock()
		return
	}
	ce.Selected = ""
	ch := s.capabilityChange(ce)
	doc := s.doc.clone()
	s.mu.Unlock()

	s.logger.Printf("%s: unselect capability=%s", component, c)
	s.persist.save(doc)
	if emit {
		s.capabilityEvent.Notify(ch)
	}
}

// Delete removes udid from the candidates of capability c. A device that is
// no longer listed in any capability is forgotten.
func (s *Store) Delete(udid string, c device.Capability, emit bool) {
	s.mu.Lock()
	ce := s.capability(c)
	if ce == nil || !containsString(ce.Devices, udid) {
		s.mu.Unlock()
		return
	}
	ce.Devices = removeString(ce.Devices, udid)
	if ce.Selected == udid {
		ce.Selected = ""
	}
	ch := s.capabilityChange(ce)

	listed := false
	for _, other := range s.doc.Capabilities {
		if containsString(other.Devices, udid) {
			listed = true
			break
		}
	}
	if !listed {
		for i, d := range s.doc.Devices {
			if d.UDID == udid {
				s.doc.Devices = append(s.doc.Devices[:i], s.doc.Devices[i+1:]...)
				break
			}
		}
		delete(s.adapters, udid)
	}
	doc := s.doc.clone()
	s.mu.Unlock()

	s.logger.Printf("%s: delete capability=%s udid=%s forgotten=%v", component, c, udid, !listed)
	s.persist.save(doc)
	if emit {
		s.capabilityEvent.Notify(ch)
	}
}

// SetCapabilityDisabled marks a capability as disabled or enabled
func (s *Store) SetCapabilityDisabled(c device.Capability, disabled bool) {
	s.mu.Lock()
	ce := s.capability(c)
	if ce == nil || ce.Disabled == disabled {
		s.mu.Unlock()
		return
	}
	ce.Disabled = disabled
	doc := s.doc.clone()
	s.mu.Unlock()
	s.persist.save(doc)
}

// GetModeSettings returns the cycling mode to use for udid and its settings.
// An empty mode resolves to the last used mode of the device.
func (s *Store) GetModeSettings(udid string, mode string) (string, map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.deviceEntry(udid)
	if d == nil {
		return mode, nil
	}
	if mode == "" {
		mode = d.Mode
	}
	settings := make(map[string]any)
	for k, v := range d.Modes[mode] {
		settings[k] = v
	}
	return mode, settings
}

// SetModeSettings stores settings for mode and makes it the device's current mode
func (s *Store) SetModeSettings(udid string, mode string, settings map[string]any) error {
	s.mu.Lock()
	d := s.deviceEntry(udid)
	if d == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, udid)
	}
	if d.Modes == nil {
		d.Modes = make(map[string]map[string]any)
	}
	d.Mode = mode
	d.Modes[mode] = settings
	doc := s.doc.clone()
	s.mu.Unlock()

	s.persist.save(doc)
	return nil
}

// GetInterfaceSettings returns the settings of interface name
func (s *Store) GetInterfaceSettings(name device.InterfaceName) (device.InterfaceSetting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.doc.Interfaces {
		if i.Name == name {
			return i, true
		}
	}
	return device.InterfaceSetting{}, false
}

// SetInterfaceSettings stores setting and emits interface-changed
func (s *Store) SetInterfaceSettings(setting device.InterfaceSetting) {
	s.mu.Lock()
	found := false
	for i := range s.doc.Interfaces {
		if s.doc.Interfaces[i].Name == setting.Name {
			s.doc.Interfaces[i] = setting
			found = true
		}
	}
	if !found {
		s.doc.Interfaces = append(s.doc.Interfaces, setting)
	}
	doc := s.doc.clone()
	s.mu.Unlock()

	s.logger.Printf("%s: interface %s enabled=%v", component, setting.Name, setting.Enabled)
	s.persist.save(doc)
	s.interfaceEvent.Notify(setting)
}

func (s *Store) IsInterfaceEnabled(name device.InterfaceName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interfaceEnabled(name)
}

func (s *Store) OnInterfaceChanged(fn func(device.InterfaceSetting)) func() {
	return s.interfaceEvent.Listen(fn)
}

func (s *Store) OnCapabilityChanged(fn func(CapabilityChange)) func() {
	return s.capabilityEvent.Listen(fn)
}

// Save writes the configuration to disk
func (s *Store) Save() error {
	s.mu.Lock()
	doc := s.doc.clone()
	s.mu.Unlock()
	return s.persist.save(doc)
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
