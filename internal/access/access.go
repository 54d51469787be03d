// Package access owns the communication interfaces (ANT, BLE, serial,
// TCP/IP, simulator): it enables and disables them and runs device scans
// across all enabled interfaces.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

const component = "DeviceAccessService"

var ErrInterfaceNotInitialized = errors.New("interface not initialized")

// Binding is the driver of one communication interface
type Binding interface {
	Name() device.InterfaceName
	Connect(ctx context.Context) (bool, error)
	Disconnect(ctx context.Context) (bool, error)
	IsConnected() bool
	// Scan reports every discovered device through found and returns when
	// ctx is done, StopScan was called, or the binding gives up.
	Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error)
	StopScan(ctx context.Context) error
}

// ScanFilter restricts a scan. Empty Interfaces means all enabled interfaces.
type ScanFilter struct {
	Interfaces []device.InterfaceName
	Capability device.Capability
}

// InterfaceChange is emitted whenever an interface changes state
type InterfaceChange struct {
	Name       device.InterfaceName
	State      device.InterfaceState
	Enabled    bool
	IsScanning bool
}

type interfaceEntry struct {
	binding    Binding
	enabled    bool
	state      device.InterfaceState
	isScanning bool
}

type Service struct {
	logger *log.Logger

	mu         sync.Mutex
	interfaces map[device.InterfaceName]*interfaceEntry
	scans      map[uint64]context.CancelFunc
	nextScanID uint64

	deviceEvent    *events.CallbackEvent[device.Settings]
	interfaceEvent *events.CallbackEvent[InterfaceChange]
}

func NewService(logger *log.Logger) *Service {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Service{
		logger:         logger,
		interfaces:     make(map[device.InterfaceName]*interfaceEntry),
		scans:          make(map[uint64]context.CancelFunc),
		deviceEvent:    events.NewCallbackEvent[device.Settings](false),
		interfaceEvent: events.NewCallbackEvent[InterfaceChange](false),
	}
}

// RegisterBinding makes a binding known without enabling its interface
func (s *Service) RegisterBinding(b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(b.Name())
	e.binding = b
}

func (s *Service) entry(name device.InterfaceName) *interfaceEntry {
	e, ok := s.interfaces[name]
	if !ok {
		e = &interfaceEntry{state: device.InterfaceUnknown}
		s.interfaces[name] = e
	}
	return e
}

func (s *Service) change(name device.InterfaceName, e *interfaceEntry) InterfaceChange {
	return InterfaceChange{Name: name, State: e.state, Enabled: e.enabled, IsScanning: e.isScanning}
}

// EnableInterface attaches binding (if not nil) to interface name, marks it
// enabled and connects it. Enabling an interface without any binding fails
// with ErrInterfaceNotInitialized.
func (s *Service) EnableInterface(ctx context.Context, name device.InterfaceName, binding Binding) error {
	s.mu.Lock()
	e := s.entry(name)
	if binding != nil {
		e.binding = binding
	}
	if e.binding == nil {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrInterfaceNotInitialized, name)
		safego.LogError(s.logger, component, "enableInterface", err)
		return err
	}
	if e.enabled && e.state == device.InterfaceConnected {
		s.mu.Unlock()
		return nil
	}
	e.enabled = true
	e.state = device.InterfaceConnecting
	b := e.binding
	s.mu.Unlock()

	s.logger.Printf("%s: enable interface %s", component, name)
	return s.connect(ctx, name, b)
}

func (s *Service) connect(ctx context.Context, name device.InterfaceName, b Binding) error {
	ok, err := b.Connect(ctx)

	s.mu.Lock()
	e := s.entry(name)
	if ok && err == nil {
		e.state = device.InterfaceConnected
	} else {
		e.state = device.InterfaceUnavailable
	}
	ch := s.change(name, e)
	s.mu.Unlock()

	s.interfaceEvent.Notify(ch)
	if err != nil {
		safego.LogError(s.logger, component, "connect", fmt.Errorf("%s: %w", name, err))
		return err
	}
	return nil
}

// DisableInterface stops a scan running on the interface, disconnects it and
// marks it disabled.
func (s *Service) DisableInterface(ctx context.Context, name device.InterfaceName) error {
	s.mu.Lock()
	e, ok := s.interfaces[name]
	if !ok || e.binding == nil {
		s.mu.Unlock()
		return nil
	}
	e.enabled = false
	e.state = device.InterfaceDisconnecting
	scanning := e.isScanning
	b := e.binding
	s.mu.Unlock()

	s.logger.Printf("%s: disable interface %s", component, name)
	if scanning {
		if err := b.StopScan(ctx); err != nil {
			safego.LogError(s.logger, component, "disableInterface", err)
		}
	}
	_, err := b.Disconnect(ctx)

	s.mu.Lock()
	e.state = device.InterfaceDisconnected
	ch := s.change(name, e)
	s.mu.Unlock()
	s.interfaceEvent.Notify(ch)
	return err
}

// ConnectInterface reconnects the binding of an enabled interface
func (s *Service) ConnectInterface(ctx context.Context, name device.InterfaceName) (bool, error) {
	s.mu.Lock()
	e, ok := s.interfaces[name]
	if !ok || e.binding == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrInterfaceNotInitialized, name)
	}
	e.state = device.InterfaceConnecting
	b := e.binding
	s.mu.Unlock()

	if err := s.connect(ctx, name, b); err != nil {
		return false, err
	}
	return b.IsConnected(), nil
}

// DisconnectInterface disconnects the binding but keeps the interface enabled
func (s *Service) DisconnectInterface(ctx context.Context, name device.InterfaceName) (bool, error) {
	s.mu.Lock()
	e, ok := s.interfaces[name]
	if !ok || e.binding == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrInterfaceNotInitialized, name)
	}
	e.state = device.InterfaceDisconnecting
	b := e.binding
	s.mu.Unlock()

	ok, err := b.Disconnect(ctx)

	s.mu.Lock()
	e.state = device.InterfaceDisconnected
	ch := s.change(name, e)
	s.mu.Unlock()
	s.interfaceEvent.Notify(ch)
	return ok, err
}

func (s *Service) IsEnabled(name device.InterfaceName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.interfaces[name]
	return ok && e.enabled
}

// EnabledInterfaces returns the names of all enabled interfaces
func (s *Service) EnabledInterfaces() []device.InterfaceName {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []device.InterfaceName
	for name, e := range s.interfaces {
		if e.enabled && e.binding != nil {
			names = append(names, name)
		}
	}
	return names
}

// Scan runs a scan on all enabled interfaces matching filter and returns the
// discovered devices once every interface scan has settled. It returns nil
// without scanning if another scan is in progress.
func (s *Service) Scan(ctx context.Context, filter ScanFilter, props device.ScanProps) []device.Settings {
	s.mu.Lock()
	if len(s.scans) > 0 {
		s.mu.Unlock()
		s.logger.Printf("%s: scan already in progress", component)
		return nil
	}

	type target struct {
		name    device.InterfaceName
		binding Binding
	}
	var targets []target
	for name, e := range s.interfaces {
		if !e.enabled || e.binding == nil || !matches(filter, name) {
			continue
		}
		targets = append(targets, target{name: name, binding: e.binding})
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		s.logger.Printf("%s: scan skipped, no enabled interface", component)
		return []device.Settings{}
	}

	var scanCtx context.Context
	var cancel context.CancelFunc
	if props.Timeout > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, props.Timeout)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	id := s.nextScanID
	s.nextScanID++
	s.scans[id] = cancel

	var changes []InterfaceChange
	for _, t := range targets {
		e := s.interfaces[t.name]
		e.isScanning = true
		changes = append(changes, s.change(t.name, e))
	}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.scans, id)
		var done []InterfaceChange
		for _, t := range targets {
			e := s.interfaces[t.name]
			e.isScanning = false
			done = append(done, s.change(t.name, e))
		}
		s.mu.Unlock()
		for _, ch := range done {
			s.interfaceEvent.Notify(ch)
		}
	}()
	for _, ch := range changes {
		s.interfaceEvent.Notify(ch)
	}

	if filter.Capability != "" {
		props.Capability = filter.Capability
	}
	s.logger.Printf("%s: scan started interfaces=%d timeout=%v", component, len(targets), props.Timeout)

	var resultMu sync.Mutex
	seen := make(map[string]bool)
	var found []device.Settings
	add := func(d device.Settings) {
		resultMu.Lock()
		if seen[d.Key()] {
			resultMu.Unlock()
			return
		}
		seen[d.Key()] = true
		found = append(found, d)
		resultMu.Unlock()
		s.deviceEvent.Notify(d)
	}

	// every interface settles on its own; errors are logged, never propagated
	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			defer safego.Recover(s.logger, component, "scan")
			if !t.binding.IsConnected() {
				if ok, err := t.binding.Connect(scanCtx); !ok || err != nil {
					s.logger.Printf("%s: scan %s skipped, interface not connected", component, t.name)
					return nil
				}
			}
			devices, err := t.binding.Scan(scanCtx, props, add)
			if err != nil {
				safego.LogError(s.logger, component, "scan", fmt.Errorf("%s: %w", t.name, err))
			}
			for _, d := range devices {
				add(d)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Printf("%s: scan finished devices=%d", component, len(found))
	if found == nil {
		found = []device.Settings{}
	}
	return found
}

func matches(filter ScanFilter, name device.InterfaceName) bool {
	if len(filter.Interfaces) == 0 {
		return true
	}
	for _, n := range filter.Interfaces {
		if n == name {
			return true
		}
	}
	return false
}

// StopScan asks all scanning interfaces to stop and waits until they did
func (s *Service) StopScan(ctx context.Context) {
	s.mu.Lock()
	if len(s.scans) == 0 {
		s.mu.Unlock()
		return
	}
	var bindings []Binding
	for _, e := range s.interfaces {
		if e.isScanning && e.binding != nil {
			bindings = append(bindings, e.binding)
		}
	}
	var cancels []context.CancelFunc
	for _, c := range s.scans {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	s.logger.Printf("%s: stop scan", component)
	var g errgroup.Group
	for _, b := range bindings {
		g.Go(func() error {
			if err := b.StopScan(ctx); err != nil {
				safego.LogError(s.logger, component, "stopScan", fmt.Errorf("%s: %w", b.Name(), err))
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, c := range cancels {
		c()
	}
}

// IsScanning reports whether a scan is in flight
func (s *Service) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans) > 0
}

// EnrichWithAccessState adds the live state of each interface to its settings
func (s *Service) EnrichWithAccessState(settings []device.InterfaceSetting) []device.InterfaceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]device.InterfaceInfo, 0, len(settings))
	for _, is := range settings {
		info := device.InterfaceInfo{InterfaceSetting: is, State: device.InterfaceUnknown}
		if e, ok := s.interfaces[is.Name]; ok {
			info.State = e.state
			info.IsScanning = e.isScanning
			if e.binding == nil {
				info.State = device.InterfaceUnavailable
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// OnDevice registers fn for every device discovered by any scan
func (s *Service) OnDevice(fn func(device.Settings)) func() {
	return s.deviceEvent.Listen(fn)
}

func (s *Service) OnInterfaceChanged(fn func(InterfaceChange)) func() {
	return s.interfaceEvent.Listen(fn)
}
