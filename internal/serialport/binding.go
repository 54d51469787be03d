package serialport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

var ErrNoPorts = errors.New("no serial ports configured")

// Binding is the serial interface. A scan probes every configured port and
// reports the ports that open as devices of the configured protocol.
type Binding struct {
	logger   *log.Logger
	name     device.InterfaceName
	ports    []string
	protocol string
	open     Opener

	mu        sync.Mutex
	connected bool
}

func NewBinding(logger *log.Logger, ports []string, protocol string, open Opener) *Binding {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if open == nil {
		open = OpenPort
	}
	return &Binding{
		logger:   logger,
		name:     device.InterfaceSerial,
		ports:    ports,
		protocol: protocol,
		open:     open,
	}
}

func (b *Binding) Name() device.InterfaceName { return b.name }

func (b *Binding) Connect(ctx context.Context) (bool, error) {
	if len(b.ports) == 0 {
		return false, ErrNoPorts
	}
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

// Scan probes the ports one after another. A port that cannot be opened is
// skipped, it is either absent or in use.
func (b *Binding) Scan(ctx context.Context, props device.ScanProps, found func(device.Settings)) ([]device.Settings, error) {
	if props.Capability != "" {
		p, ok := lookupProtocol(b.protocol)
		if !ok || !device.ContainsCapability(p.Capabilities(), props.Capability) {
			return []device.Settings{}, nil
		}
	}

	var result []device.Settings
	for _, port := range b.ports {
		if ctx.Err() != nil {
			break
		}
		rw, err := b.open(port, DefaultBaud, DefaultReadTimeout)
		if err != nil {
			b.logger.Printf("Serial: port %s unavailable: %v", port, err)
			continue
		}
		if err := rw.Close(); err != nil {
			b.logger.Printf("Serial: close %s: %v", port, err)
		}
		s := device.Settings{
			Interface: b.name,
			Name:      fmt.Sprintf("%s (%s)", b.protocol, port),
			Port:      port,
			Protocol:  b.protocol,
		}
		result = append(result, s)
		found(s)
	}
	return result, nil
}

func (b *Binding) StopScan(ctx context.Context) error { return nil }
