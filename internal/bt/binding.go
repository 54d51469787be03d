package bt

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

var ErrInterfaceNotConnected = errors.New("ble interface not connected")

// Binding exposes a Central as the "ble" interface of the access service
type Binding struct {
	logger  *log.Logger
	central Central

	mu         sync.Mutex
	connected  bool
	scanCancel context.CancelFunc
}

func NewBinding(logger *log.Logger, central Central) *Binding {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Binding{logger: logger, central: central}
}

func (b *Binding) Name() device.InterfaceName {
	return device.InterfaceBle
}

func (b *Binding) Connect(ctx context.Context) (bool, error) {
	if err := b.central.Enable(); err != nil {
		return false, err
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return true, nil
}

// Disconnect stops a running scan. The adapter itself stays powered, the
// stack offers no way to disable it again.
func (b *Binding) Disconnect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	if err := b.StopScan(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Binding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Scan reports every advertisement of a cycling service once. Devices not
// offering props.Capability are skipped.
func (b *Binding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, ErrInterfaceNotConnected
	}
	if b.scanCancel != nil {
		b.scanCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	b.scanCancel = cancel
	b.mu.Unlock()
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]bool)
	var result []device.Settings

	err := b.central.Scan(ctx, func(adv Advertisement) {
		protocol, ok := ProtocolFor(adv.Services)
		if !ok {
			return
		}
		if props.Capability != "" && !device.ContainsCapability(CapabilitiesOf(protocol), props.Capability) {
			return
		}

		mu.Lock()
		if seen[adv.Address] {
			mu.Unlock()
			return
		}
		seen[adv.Address] = true
		name := adv.Name
		if name == "" {
			name = adv.Address
		}
		s := device.Settings{
			Interface: device.InterfaceBle,
			Name:      name,
			Address:   adv.Address,
			Protocol:  protocol,
		}
		result = append(result, s)
		mu.Unlock()

		b.logger.Printf("BLE: Found device: %s (%s) protocol=%s [RSSI: %d]", name, adv.Address, protocol, adv.RSSI)
		found(s)
	})

	mu.Lock()
	defer mu.Unlock()
	return result, err
}

func (b *Binding) StopScan(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.scanCancel
	b.scanCancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Factory creates adapters for BLE settings
func Factory(logger *log.Logger, central Central) device.Factory {
	return device.FactoryFunc(func(settings device.Settings) (device.Adapter, error) {
		return NewAdapter(logger, central, settings)
	})
}
