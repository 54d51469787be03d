package devicetest

import (
	"context"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// Binding is a fake interface binding. Scan reports Devices one by one and
// then waits until the scan context is done or StopScan is called, unless
// ScanReturnsImmediately is set.
type Binding struct {
	mu        sync.Mutex
	name      device.InterfaceName
	connected bool
	stopCh    chan struct{}

	Devices                []device.Settings
	ScanErr                error
	ScanReturnsImmediately bool
	ConnectResult          bool

	calls []string
}

func NewBinding(name device.InterfaceName, devices ...device.Settings) *Binding {
	return &Binding{name: name, Devices: devices, ConnectResult: true, ScanReturnsImmediately: true}
}

func (b *Binding) Name() device.InterfaceName { return b.name }

func (b *Binding) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *Binding) Connect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "connect")
	b.connected = b.ConnectResult
	return b.connected, nil
}

func (b *Binding) Disconnect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "disconnect")
	b.connected = false
	return true, nil
}

func (b *Binding) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Binding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	b.mu.Lock()
	b.calls = append(b.calls, "scan")
	devices := append([]device.Settings(nil), b.Devices...)
	scanErr := b.ScanErr
	immediate := b.ScanReturnsImmediately
	stop := make(chan struct{})
	b.stopCh = stop
	b.mu.Unlock()

	if scanErr != nil {
		return nil, scanErr
	}
	for _, d := range devices {
		found(d)
	}
	if !immediate {
		select {
		case <-ctx.Done():
		case <-stop:
		}
	}
	return devices, nil
}

func (b *Binding) StopScan(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "stopScan")
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	return nil
}
