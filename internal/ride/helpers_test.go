package ride

import (
	"context"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
)

type fakeConfig struct {
	mu       sync.Mutex
	entries  []device.AdapterEntry
	selected map[device.Capability]string
	modes    map[string]string
}

func newFakeConfig() *fakeConfig {
	return &fakeConfig{selected: make(map[device.Capability]string), modes: make(map[string]string)}
}

// add registers a and selects it for caps
func (c *fakeConfig) add(udid string, a device.Adapter, caps ...device.Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, device.AdapterEntry{UDID: udid, Adapter: a, Capabilities: caps})
	for _, cap := range caps {
		c.selected[cap] = udid
	}
}

func (c *fakeConfig) GetAdapters(onlySelected bool) []device.AdapterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.AdapterEntry(nil), c.entries...)
}

func (c *fakeConfig) GetSelected(cap device.Capability) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	udid, ok := c.selected[cap]
	return udid, ok
}

func (c *fakeConfig) GetModeSettings(udid string, mode string) (string, map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == "" {
		mode = c.modes[udid]
	}
	return mode, map[string]any{}
}

type fakeAccess struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAccess) ConnectInterface(ctx context.Context, name device.InterfaceName) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf("connect:%s", name))
	return true, nil
}

func (a *fakeAccess) DisconnectInterface(ctx context.Context, name device.InterfaceName) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf("disconnect:%s", name))
	return true, nil
}

func (a *fakeAccess) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorded struct {
	name  string
	event Event
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func record(s *Service) *recorder {
	r := &recorder{}
	s.OnAny(func(t events.Topic[Event]) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, recorded{name: t.Name, event: t.Value})
	})
	return r
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.event)
		}
	}
	return out
}

func (r *recorder) udids(name string) []string {
	var out []string
	for _, e := range r.named(name) {
		out = append(out, e.UDID)
	}
	return out
}

func (r *recorder) count(name string) func() int {
	return func() int { return len(r.named(name)) }
}

func fastTimings() Timings {
	return Timings{
		HealthCheckInterval:    2 * time.Millisecond,
		NoDataThreshold:        10 * time.Second,
		UnhealthyThreshold:     60 * time.Second,
		ReconnectSettleDelay:   5 * time.Millisecond,
		ReconnectRetryInterval: time.Millisecond,
		ReconnectWindow:        time.Hour,
		InterfaceStopTimeout:   time.Second,
		BleStartTimeout:        30 * time.Second,
		StartTimeout:           10 * time.Second,
	}
}

type fixture struct {
	service *Service
	config  *fakeConfig
	access  *fakeAccess
	clock   *fakeClock
	logs    *devicetest.LogBuffer
	logger  *log.Logger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, logs := devicetest.NewLogger()
	f := &fixture{
		config: newFakeConfig(),
		access: &fakeAccess{},
		clock:  newFakeClock(),
		logs:   logs,
		logger: logger,
	}
	opts = append([]Option{
		WithTimings(fastTimings()),
		WithClock(f.clock.Now),
		WithInterfaceAccess(f.access),
	}, opts...)
	f.service = NewService(logger, f.config, opts...)
	t.Cleanup(func() { f.service.StopRide(context.Background()) })
	return f
}
