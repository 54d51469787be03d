package simulator

import (
	"context"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// Binding is the simulator interface. Every scan discovers the one
// simulated device.
type Binding struct {
	mu        sync.Mutex
	connected bool
}

func NewBinding() *Binding {
	return &Binding{}
}

func (b *Binding) Name() device.InterfaceName { return device.InterfaceSimulator }

func (b *Binding) Connect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return true, nil
}

func (b *Binding) Disconnect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return true, nil
}

func (b *Binding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Binding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	if props.Capability != "" && !device.ContainsCapability(capabilities, props.Capability) {
		return []device.Settings{}, nil
	}
	found(Settings)
	return []device.Settings{Settings}, nil
}

func (b *Binding) StopScan(ctx context.Context) error { return nil }

// Factory creates simulator adapters
func Factory(logger *log.Logger, opts ...Option) device.Factory {
	return device.FactoryFunc(func(device.Settings) (device.Adapter, error) {
		return NewAdapter(logger, opts...), nil
	})
}
