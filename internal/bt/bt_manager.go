// Package bt is the Bluetooth Low Energy interface: scanning for cycling
// sensors and smart trainers, and adapters speaking the GATT profiles
// (FTMS, Cycling Power, CSC, Heart Rate).
package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

var ErrUnknownAddress = errors.New("device address not seen in a scan")

// Advertisement is one scan result
type Advertisement struct {
	Address  string
	Name     string
	RSSI     int16
	Services []string
}

// Central is the host side of the BLE stack
type Central interface {
	Enable() error
	// Scan reports advertisements until ctx is done or StopScan is called
	Scan(ctx context.Context, found func(Advertisement)) error
	StopScan() error
	Connect(ctx context.Context, address string) (Peripheral, error)
}

var _ Central = (*Manager)(nil)

// Manager implements Central on top of the tinygo bluetooth adapter
type Manager struct {
	adapter *bluetooth.Adapter
	logger  *log.Logger

	mu        sync.Mutex
	enabled   bool
	scanning  bool
	addresses map[string]bluetooth.Address
	connected map[string]*btDevice
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger) *Manager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	return &Manager{
		adapter:   adapter,
		logger:    logger,
		addresses: make(map[string]bluetooth.Address),
		connected: make(map[string]*btDevice),
	}
}

// Enable powers the adapter on. Subsequent calls are no-ops.
func (m *Manager) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return nil
	}

	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		address := normalizeAddress(device.Address.String())
		m.mu.Lock()
		d := m.connected[address]
		delete(m.connected, address)
		m.mu.Unlock()
		if d != nil {
			d.linkLost()
		}
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	m.enabled = true
	m.logger.Println("BTManager: adapter enabled")
	return nil
}

func (m *Manager) Scan(ctx context.Context, found func(Advertisement)) error {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return errors.New("scan already running")
	}
	m.scanning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	// the adapter scan blocks until StopScan
	stopped := make(chan struct{})
	defer close(stopped)
	safego.Go(m.logger, func() {
		select {
		case <-ctx.Done():
			if err := m.adapter.StopScan(); err != nil {
				m.logger.Printf("BTManager: Error stopping scan: %v", err)
			}
		case <-stopped:
		}
	})

	// advertisements are matched against the cycling profiles only
	knownNames := ScanServiceUUIDs()
	known := make([]bluetooth.UUID, 0, len(knownNames))
	for _, name := range knownNames {
		u, err := bluetooth.ParseUUID(name)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", name, err)
		}
		known = append(known, u)
	}

	m.logger.Println("BTManager: Starting scan")
	err := m.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			return
		}
		address := normalizeAddress(result.Address.String())

		m.mu.Lock()
		m.addresses[address] = result.Address
		m.mu.Unlock()

		var services []string
		for i, u := range known {
			if result.HasServiceUUID(u) {
				services = append(services, knownNames[i])
			}
		}
		found(Advertisement{
			Address:  address,
			Name:     result.LocalName(),
			RSSI:     result.RSSI,
			Services: services,
		})
	})
	m.logger.Println("BTManager: scan finished")
	return err
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	scanning := m.scanning
	m.mu.Unlock()
	if !scanning {
		return nil
	}
	return m.adapter.StopScan()
}

// Connect connects to an address reported by a previous scan. A connection
// completing after ctx is done is dropped again.
func (m *Manager) Connect(ctx context.Context, address string) (Peripheral, error) {
	address = normalizeAddress(address)
	m.mu.Lock()
	addr, ok := m.addresses[address]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	m.logger.Printf("BTManager: Attempting to connect to device: %s", address)
	safego.Go(m.logger, func() {
		d, err := m.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{d, err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connect %s: %w", address, r.err)
		}
		d := newBtDevice(m.logger, address, &r.device)
		m.mu.Lock()
		m.connected[address] = d
		m.mu.Unlock()
		m.logger.Printf("BTManager: connected to device: %s", address)
		return d, nil
	case <-ctx.Done():
		safego.Go(m.logger, func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		})
		return nil, ctx.Err()
	}
}

// Shutdown disconnects every connected device
func (m *Manager) Shutdown() {
	m.mu.Lock()
	devices := make([]*btDevice, 0, len(m.connected))
	for _, d := range m.connected {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	m.logger.Printf("BTManager: Shutting down, connected devices %d", len(devices))
	for _, d := range devices {
		if err := d.Disconnect(); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", d.Address(), err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
}

func normalizeAddress(address string) string {
	return strings.ToLower(address)
}
