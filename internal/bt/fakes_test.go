package bt

import (
	"context"
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/events"
)

type fakeCentral struct {
	mu           sync.Mutex
	enabled      int
	enableErr    error
	ads          []Advertisement
	peripherals  map[string]*fakePeripheral
	blockConnect bool
}

func newFakeCentral(ads ...Advertisement) *fakeCentral {
	return &fakeCentral{ads: ads, peripherals: make(map[string]*fakePeripheral)}
}

func (c *fakeCentral) Enable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled++
	return c.enableErr
}

func (c *fakeCentral) Scan(ctx context.Context, found func(Advertisement)) error {
	c.mu.Lock()
	ads := append([]Advertisement(nil), c.ads...)
	c.mu.Unlock()
	for _, ad := range ads {
		found(ad)
	}
	<-ctx.Done()
	return nil
}

func (c *fakeCentral) StopScan() error { return nil }

func (c *fakeCentral) Connect(ctx context.Context, address string) (Peripheral, error) {
	c.mu.Lock()
	block := c.blockConnect
	p := c.peripherals[address]
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}
	p.connect()
	return p, nil
}

func (c *fakeCentral) add(p *fakePeripheral) *fakePeripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals[p.address] = p
	return p
}

type fakePeripheral struct {
	address string

	mu           sync.Mutex
	services     []string
	handlers     map[string]func([]byte)
	writes       [][]byte
	connected    bool
	disconnects  int
	disconnected *events.CallbackEvent[struct{}]
}

func newFakePeripheral(address string, services ...string) *fakePeripheral {
	return &fakePeripheral{
		address:      address,
		services:     services,
		handlers:     make(map[string]func([]byte)),
		disconnected: events.NewCallbackEvent[struct{}](false),
	}
}

func (p *fakePeripheral) connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
}

func (p *fakePeripheral) Address() string { return p.address }

func (p *fakePeripheral) HasService(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.services {
		if s == uuid {
			return true
		}
	}
	return false
}

func (p *fakePeripheral) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	if !p.HasService(serviceUUID) {
		return fmt.Errorf("service %v not found on device", serviceUUID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[charUUID] = fn
	return nil
}

func (p *fakePeripheral) Read(serviceUUID, charUUID string) ([]byte, error) {
	return nil, nil
}

func (p *fakePeripheral) Write(serviceUUID, charUUID string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.disconnects++
	p.mu.Unlock()
	p.disconnected.Notify(struct{}{})
	return nil
}

func (p *fakePeripheral) OnDisconnect(fn func()) func() {
	return p.disconnected.Listen(func(struct{}) { fn() })
}

// notify delivers buf to the handler of charUUID
func (p *fakePeripheral) notify(charUUID string, buf []byte) {
	p.mu.Lock()
	fn := p.handlers[charUUID]
	p.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

// linkLost simulates the trainer dropping the connection
func (p *fakePeripheral) linkLost() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.disconnected.Notify(struct{}{})
}

func (p *fakePeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePeripheral) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var chars []string
	for c := range p.handlers {
		chars = append(chars, c)
	}
	return chars
}
