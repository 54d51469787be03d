package devconfig

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
)

func newRegistry() *device.Registry {
	r := device.NewRegistry()
	r.Register(device.InterfaceAnt, device.FactoryFunc(func(s device.Settings) (device.Adapter, error) {
		return devicetest.NewAnt(s.Profile, s.DeviceID), nil
	}))
	r.Register(device.InterfaceBle, device.FactoryFunc(func(s device.Settings) (device.Adapter, error) {
		return devicetest.NewBle(s.Name, s.Address, device.CapabilityHeartRate), nil
	}))
	return r
}

func newStore(t *testing.T, path string) *Store {
	t.Helper()
	logger, _ := devicetest.NewLogger()
	s := NewStore(logger, path, newRegistry())
	s.Init()
	return s
}

func antSettings(profile, id string) device.Settings {
	return device.Settings{Interface: device.InterfaceAnt, Profile: profile, DeviceID: id}
}

func TestStore_InitEmitsOnce(t *testing.T) {
	logger, _ := devicetest.NewLogger()
	s := NewStore(logger, "", newRegistry())

	calls := 0
	s.OnInitialized(func() { calls++ })
	assert.False(t, s.IsInitialized())

	s.Init()
	s.Init()
	assert.True(t, s.IsInitialized())
	assert.Equal(t, 1, calls)

	late := 0
	s.OnInitialized(func() { late++ })
	assert.Equal(t, 1, late)
}

func TestStore_AddListsDeviceInAllCapabilities(t *testing.T) {
	s := newStore(t, "")

	var changes []CapabilityChange
	s.OnCapabilityChanged(func(c CapabilityChange) { changes = append(changes, c) })

	udid, err := s.Add(antSettings("FE", "1234"), AddOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, udid)
	assert.Len(t, changes, 4)

	again, err := s.Add(antSettings("FE", "1234"), AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, udid, again)
	assert.Len(t, changes, 4)

	caps, _ := s.Load()
	for _, c := range caps {
		switch c.Capability {
		case device.CapabilityControl, device.CapabilityPower, device.CapabilitySpeed, device.CapabilityCadence:
			assert.Equal(t, []string{udid}, c.Devices, c.Capability)
		default:
			assert.Empty(t, c.Devices, c.Capability)
		}
		assert.Empty(t, c.Selected)
	}
	assert.False(t, s.CanStartRide())
}

func TestStore_AddUnknownInterface(t *testing.T) {
	s := newStore(t, "")
	_, err := s.Add(device.Settings{Interface: device.InterfaceSerial, Port: "/dev/ttyUSB0"}, AddOptions{})
	assert.True(t, errors.Is(err, device.ErrNoFactory))
}

func TestStore_SelectAndCanStartRide(t *testing.T) {
	s := newStore(t, "")
	hr, err := s.Add(antSettings("HR", "1"), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Select(hr, device.CapabilityHeartRate, SelectOptions{}))
	assert.False(t, s.CanStartRide())

	fe, err := s.Add(antSettings("FE", "2"), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Select(fe, device.CapabilityPower, SelectOptions{}))
	assert.True(t, s.CanStartRide())

	s.SetInterfaceSettings(device.InterfaceSetting{Name: device.InterfaceAnt, Enabled: false})
	assert.False(t, s.CanStartRide())
}

func TestStore_SelectUnknownDevice(t *testing.T) {
	s := newStore(t, "")
	err := s.Select("nope", device.CapabilityPower, SelectOptions{})
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestStore_GetAdapters(t *testing.T) {
	s := newStore(t, "")
	fe, _ := s.Add(antSettings("FE", "2"), AddOptions{})
	hr, _ := s.Add(antSettings("HR", "1"), AddOptions{})
	require.NoError(t, s.Select(fe, device.CapabilityControl, SelectOptions{}))
	require.NoError(t, s.Select(fe, device.CapabilityPower, SelectOptions{}))

	selected := s.GetAdapters(true)
	require.Len(t, selected, 1)
	assert.Equal(t, fe, selected[0].UDID)
	assert.Equal(t, []device.Capability{device.CapabilityControl, device.CapabilityPower}, selected[0].Capabilities)

	all := s.GetAllAdapters()
	require.Len(t, all, 2)
	assert.Equal(t, hr, all[1].UDID)

	a1, err := s.GetAdapter(fe)
	require.NoError(t, err)
	a2, _ := s.GetAdapter(fe)
	assert.Same(t, a1, a2)
}

func TestStore_DeleteForgetsUnlistedDevice(t *testing.T) {
	s := newStore(t, "")
	hr, _ := s.Add(antSettings("HR", "1"), AddOptions{})
	require.NoError(t, s.Select(hr, device.CapabilityHeartRate, SelectOptions{}))

	var changes []CapabilityChange
	s.OnCapabilityChanged(func(c CapabilityChange) { changes = append(changes, c) })

	s.Delete(hr, device.CapabilityHeartRate, true)

	_, selected := s.GetSelected(device.CapabilityHeartRate)
	assert.False(t, selected)
	_, known := s.GetDevice(hr)
	assert.False(t, known)
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Devices)
}

func TestStore_Unselect(t *testing.T) {
	s := newStore(t, "")
	fe, _ := s.Add(antSettings("FE", "2"), AddOptions{})
	require.NoError(t, s.Select(fe, device.CapabilityControl, SelectOptions{}))

	emitted := 0
	s.OnCapabilityChanged(func(CapabilityChange) { emitted++ })
	s.Unselect(device.CapabilityControl, false)
	s.Unselect(device.CapabilityControl, true)

	_, ok := s.GetSelected(device.CapabilityControl)
	assert.False(t, ok)
	assert.Equal(t, 0, emitted)
}

func TestStore_ModeSettings(t *testing.T) {
	s := newStore(t, "")
	fe, _ := s.Add(antSettings("FE", "2"), AddOptions{})

	require.NoError(t, s.SetModeSettings(fe, "ERG", map[string]any{"startPower": 120.0}))
	mode, settings := s.GetModeSettings(fe, "")
	assert.Equal(t, "ERG", mode)
	assert.Equal(t, 120.0, settings["startPower"])

	mode, settings = s.GetModeSettings(fe, "Simulation")
	assert.Equal(t, "Simulation", mode)
	assert.Empty(t, settings)
}

func TestStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	s := newStore(t, path)
	fe, err := s.Add(antSettings("FE", "2"), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Select(fe, device.CapabilityControl, SelectOptions{}))
	s.SetInterfaceSettings(device.InterfaceSetting{Name: device.InterfaceBle, Enabled: false})

	reloaded := newStore(t, path)
	udid, ok := reloaded.GetSelected(device.CapabilityControl)
	require.True(t, ok)
	assert.Equal(t, fe, udid)
	assert.False(t, reloaded.IsInterfaceEnabled(device.InterfaceBle))
	assert.True(t, reloaded.IsInterfaceEnabled(device.InterfaceAnt))
	assert.True(t, reloaded.CanStartRide())
}
