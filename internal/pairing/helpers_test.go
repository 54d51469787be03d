package pairing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ride-app/internal/access"
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
)

const waitTimeout = 2 * time.Second

func fastTimings() Timings {
	return Timings{
		PairingRetryDelay:    5 * time.Millisecond,
		ScanRetryDelay:       5 * time.Millisecond,
		PauseScanDelay:       10 * time.Millisecond,
		ScanTimeout:          time.Second,
		SelectionScanTimeout: time.Second,
		PreviousStartTimeout: 100 * time.Millisecond,
		StopTimeout:          200 * time.Millisecond,
	}
}

type fixture struct {
	logs    *devicetest.LogBuffer
	store   *devconfig.Store
	access  *access.Service
	ride    *ride.Service
	service *Service
	ant     *devicetest.Binding
	ble     *devicetest.Binding

	mu     sync.Mutex
	states []State
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, logs := devicetest.NewLogger()

	registry := device.NewRegistry()
	registry.Register(device.InterfaceAnt, device.FactoryFunc(func(s device.Settings) (device.Adapter, error) {
		return devicetest.NewAnt(s.Profile, s.DeviceID), nil
	}))
	registry.Register(device.InterfaceBle, device.FactoryFunc(func(s device.Settings) (device.Adapter, error) {
		return devicetest.NewBle(s.Name, s.Address, device.CapabilityControl, device.CapabilityPower), nil
	}))

	f := &fixture{
		logs: logs,
		ant:  devicetest.NewBinding(device.InterfaceAnt),
		ble:  devicetest.NewBinding(device.InterfaceBle),
	}
	f.store = devconfig.NewStore(logger, "", registry, devconfig.WithDefaultInterfaces(
		device.InterfaceSetting{Name: device.InterfaceAnt, Enabled: true},
		device.InterfaceSetting{Name: device.InterfaceBle, Enabled: true},
	))
	f.store.Init()
	f.access = access.NewService(logger)
	f.access.RegisterBinding(f.ant)
	f.access.RegisterBinding(f.ble)
	f.ride = ride.NewService(logger, f.store)

	opts = append([]Option{WithTimings(fastTimings())}, opts...)
	f.service = NewService(logger, f.store, f.access, f.ride, opts...)
	t.Cleanup(f.service.Stop)
	return f
}

func (f *fixture) start() {
	f.service.Start(func(s State) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})
}

func (f *fixture) stateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

// add stores settings in the configuration and selects it for caps
func (f *fixture) add(t *testing.T, settings device.Settings, caps ...device.Capability) string {
	t.Helper()
	udid, err := f.store.Add(settings, devconfig.AddOptions{})
	require.NoError(t, err)
	for _, c := range caps {
		require.NoError(t, f.store.Select(udid, c, devconfig.SelectOptions{}))
	}
	return udid
}

func (f *fixture) adapter(t *testing.T, udid string) *devicetest.Adapter {
	t.Helper()
	a, err := f.store.GetAdapter(udid)
	require.NoError(t, err)
	return a.(*devicetest.Adapter)
}

// firstIndex returns the position of the first log line containing substr
// after position from, or -1
func firstIndex(logs string, substr string, from int) int {
	if from < 0 {
		return -1
	}
	lines := strings.Split(logs, "\n")
	for i := from; i < len(lines); i++ {
		if strings.Contains(lines[i], substr) {
			return i
		}
	}
	return -1
}

func antSettings(profile, id string) device.Settings {
	return device.Settings{Interface: device.InterfaceAnt, Profile: profile, DeviceID: id}
}

func bleSettings(name, address string) device.Settings {
	return device.Settings{Interface: device.InterfaceBle, Name: name, Address: address}
}
