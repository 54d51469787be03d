package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/ride-app/internal/events"
)

var ErrNotConnected = errors.New("peripheral not connected")

// Peripheral is a connected BLE device
type Peripheral interface {
	Address() string
	HasService(uuid string) bool
	EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error
	Read(serviceUUID, charUUID string) ([]byte, error)
	Write(serviceUUID, charUUID string, data []byte) error
	Disconnect() error
	// OnDisconnect registers fn for a link loss or a Disconnect call
	OnDisconnect(fn func()) func()
}

var _ Peripheral = (*btDevice)(nil)

type btDevice struct {
	logger  *log.Logger
	address string

	mu                 sync.Mutex
	device             *bluetooth.Device // nil once disconnected
	services           map[string]*bluetooth.DeviceService
	chars              map[string]*bluetooth.DeviceCharacteristic
	servicesDiscovered bool
	charsDiscovered    map[string]bool

	// serializes GATT operations, some stacks drop concurrent requests
	bleMu sync.Mutex

	disconnected *events.CallbackEvent[struct{}]
}

func newBtDevice(logger *log.Logger, address string, device *bluetooth.Device) *btDevice {
	if logger == nil {
		panic("logger must be non nil")
	}
	return &btDevice{
		logger:          logger,
		address:         address,
		device:          device,
		services:        make(map[string]*bluetooth.DeviceService),
		chars:           make(map[string]*bluetooth.DeviceCharacteristic),
		charsDiscovered: make(map[string]bool),
		disconnected:    events.NewCallbackEvent[struct{}](true),
	}
}

func (b *btDevice) Address() string {
	return b.address
}

func (b *btDevice) HasService(uuid string) bool {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	u, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return false
	}
	_, err = b.service(u)
	return err == nil
}

func (b *btDevice) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(fn); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", charUUID, err)
	}
	b.logger.Printf("BTDevice: notifications enabled address=%s char=%s", b.address, charUUID)
	return nil
}

func (b *btDevice) Read(serviceUUID, charUUID string) ([]byte, error) {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", charUUID, err)
	}
	return buf[:n], nil
}

func (b *btDevice) Write(serviceUUID, charUUID string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	c, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", charUUID, err)
	}
	return nil
}

func (b *btDevice) Disconnect() error {
	b.mu.Lock()
	d := b.device
	b.device = nil
	b.mu.Unlock()

	if d == nil {
		return nil
	}
	err := d.Disconnect()
	b.disconnected.Notify(struct{}{})
	return err
}

func (b *btDevice) OnDisconnect(fn func()) func() {
	return b.disconnected.Listen(func(struct{}) { fn() })
}

// linkLost is called by the Manager when the stack reports a disconnect
func (b *btDevice) linkLost() {
	b.mu.Lock()
	lost := b.device != nil
	b.device = nil
	b.mu.Unlock()

	if lost {
		b.logger.Printf("BTDevice: link lost address=%s", b.address)
		b.disconnected.Notify(struct{}{})
	}
}

// service returns the cached service. All services are discovered at once
// because discovering single services again interrupts notifications of
// services in use. Callers hold bleMu.
func (b *btDevice) service(uuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	b.mu.Lock()
	d := b.device
	svc, ok := b.services[uuid.String()]
	discovered := b.servicesDiscovered
	b.mu.Unlock()

	if d == nil {
		return nil, ErrNotConnected
	}
	if ok {
		return svc, nil
	}
	if discovered {
		return nil, fmt.Errorf("service %v not found on device", uuid.String())
	}

	found, err := d.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("error discovering services: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range found {
		b.services[found[i].UUID().String()] = &found[i]
	}
	b.servicesDiscovered = true
	svc, ok = b.services[uuid.String()]
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", uuid.String())
	}
	return svc, nil
}

// characteristic returns the cached characteristic, discovering all
// characteristics of its service on first use. Callers hold bleMu.
func (b *btDevice) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	su, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	cu, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}
	key := su.String() + "_" + cu.String()

	b.mu.Lock()
	c, ok := b.chars[key]
	discovered := b.charsDiscovered[su.String()]
	b.mu.Unlock()
	if ok {
		return c, nil
	}

	if !discovered {
		svc, err := b.service(su)
		if err != nil {
			return nil, err
		}
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", su.String(), err)
		}
		b.mu.Lock()
		for i := range found {
			b.chars[su.String()+"_"+found[i].UUID().String()] = &found[i]
		}
		b.charsDiscovered[su.String()] = true
		c, ok = b.chars[key]
		b.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", cu.String(), su.String())
	}
	return c, nil
}
