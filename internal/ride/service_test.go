package ride

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
	"github.com/lowaak/smart-trainer/ride-app/internal/route"
)

const waitTimeout = 2 * time.Second

func controlUDIDs(infos []AdapterInfo) []string {
	var out []string
	for _, a := range infos {
		if a.IsControl {
			out = append(out, a.UDID)
		}
	}
	return out
}

func TestGetSelectedAdapters_ControlPriority(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *fakeConfig)
		control []string
	}{
		{
			name: "control wins",
			setup: func(c *fakeConfig) {
				c.add("hr", devicetest.NewAnt("HR", "1"), device.CapabilityHeartRate)
				c.add("pwr", devicetest.NewAnt("PWR", "2"), device.CapabilityPower)
				c.add("fe", devicetest.NewAnt("FE", "3"), device.CapabilityControl)
			},
			control: []string{"fe"},
		},
		{
			name: "power before speed",
			setup: func(c *fakeConfig) {
				c.add("spd", devicetest.NewAnt("SPD", "4"), device.CapabilitySpeed)
				c.add("pwr", devicetest.NewAnt("PWR", "2"), device.CapabilityPower)
			},
			control: []string{"pwr"},
		},
		{
			name: "speed last",
			setup: func(c *fakeConfig) {
				c.add("hr", devicetest.NewAnt("HR", "1"), device.CapabilityHeartRate)
				c.add("spd", devicetest.NewAnt("SPD", "4"), device.CapabilitySpeed)
			},
			control: []string{"spd"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.config)
			assert.Equal(t, tt.control, controlUDIDs(f.service.GetSelectedAdapters()))
		})
	}
}

func TestGetSelectedAdapters_Cached(t *testing.T) {
	f := newFixture(t)
	f.config.add("fe", devicetest.NewAnt("FE", "3"), device.CapabilityControl)
	require.Len(t, f.service.GetSelectedAdapters(), 1)

	f.config.add("hr", devicetest.NewAnt("HR", "1"), device.CapabilityHeartRate)
	assert.Len(t, f.service.GetSelectedAdapters(), 1)

	f.service.ResetAdapters()
	assert.Len(t, f.service.GetSelectedAdapters(), 2)
}

func TestGetSelectedAdapters_SimulatorEnforced(t *testing.T) {
	sim := devicetest.NewAdapter(device.Settings{Interface: device.InterfaceSimulator, Name: "Simulator"},
		device.CapabilityControl, device.CapabilityPower)
	f := newFixture(t, WithSimulator(func() device.Adapter { return sim }))
	f.config.add("fe", devicetest.NewAnt("FE", "3"), device.CapabilityControl)

	f.service.EnforceSimulator(true)
	adapters := f.service.GetSelectedAdapters()
	require.Len(t, adapters, 1)
	assert.Equal(t, SimulatorUDID, adapters[0].UDID)
	assert.True(t, adapters[0].IsControl)
	assert.Len(t, adapters[0].Capabilities, 5)
}

func TestCheckAntSameDeviceID(t *testing.T) {
	fe := devicetest.NewAnt("FE", "1234")
	pwr := devicetest.NewAnt("PWR", "1234")
	hr := devicetest.NewAnt("HR", "1234")
	other := devicetest.NewAnt("PWR", "99")
	ble := devicetest.NewBle("KICKR", "aa:bb", device.CapabilityControl)

	shadows := CheckAntSameDeviceID([]AdapterInfo{
		{UDID: "pwr", Adapter: pwr},
		{UDID: "fe", Adapter: fe},
		{UDID: "hr", Adapter: hr},
		{UDID: "other", Adapter: other},
		{UDID: "ble", Adapter: ble},
	})
	assert.Equal(t, map[string]string{"pwr": "fe", "hr": "fe"}, shadows)
}

func TestStartAdapters_SameAntDeviceID(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1234")
	pwr := devicetest.NewAnt("PWR", "1234")
	f.config.add("fe", fe, device.CapabilityControl)
	f.config.add("pwr", pwr, device.CapabilityPower)
	rec := record(f.service)

	ok := f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypePair, Props{})
	require.True(t, ok)
	assert.Equal(t, 1, fe.CallCount("start"))
	assert.Equal(t, 0, pwr.CallCount("start"))
	assert.Equal(t, []string{"fe", "pwr"}, rec.udids(EventSuccess(StartTypePair)))

	fe.Emit(device.Data{Power: 200, Speed: 30, Cadence: 90})

	data := rec.named(EventData)
	require.Len(t, data, 2)
	assert.Equal(t, "fe", data[0].UDID)
	assert.Equal(t, "pwr", data[1].UDID)
	assert.Equal(t, 200.0, data[1].Data.Power)
	assert.Equal(t, 30.0, data[1].Data.Speed)
	assert.Equal(t, 90.0, data[1].Data.Cadence)
}

func TestStartAdapters_PairTimeoutsAndPause(t *testing.T) {
	f := newFixture(t)
	ant := devicetest.NewAnt("FE", "1")
	ble := devicetest.NewBle("KICKR", "aa:bb", device.CapabilityControl)
	f.config.add("ant", ant, device.CapabilityControl)
	f.config.add("ble", ble, device.CapabilityPower)

	ok := f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypeCheck, Props{})
	require.True(t, ok)

	assert.Equal(t, 10*time.Second, ant.StartProps()[0].Timeout)
	assert.Equal(t, 30*time.Second, ble.StartProps()[0].Timeout)
	assert.Equal(t, []string{"start", "pause"}, ant.Calls())
	assert.Equal(t, []string{"start", "pause"}, ble.Calls())
}

func TestStartAdapters_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	good := devicetest.NewAnt("FE", "1")
	bad := devicetest.NewAnt("HR", "2")
	bad.StartFunc = func(ctx context.Context, props device.StartProps) (bool, error) {
		return false, nil
	}
	f.config.add("good", good, device.CapabilityControl)
	f.config.add("bad", bad, device.CapabilityHeartRate)
	rec := record(f.service)

	ok := f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypePair, Props{})
	assert.False(t, ok)
	assert.Equal(t, []string{"good"}, rec.udids(EventSuccess(StartTypePair)))
	assert.Equal(t, []string{"bad"}, rec.udids(EventError(StartTypePair)))
	assert.Equal(t, []string{"start", "stop"}, bad.Calls())
	assert.Equal(t, []string{"start", "pause"}, good.Calls())
}

func TestStartAdapters_StartFailureKeepsAdapterUnlessError(t *testing.T) {
	f := newFixture(t)
	refused := devicetest.NewAnt("FE", "1")
	refused.StartFunc = func(ctx context.Context, props device.StartProps) (bool, error) {
		return false, nil
	}
	broken := devicetest.NewAnt("HR", "2")
	broken.StartFunc = func(ctx context.Context, props device.StartProps) (bool, error) {
		return false, errors.New("channel open failed")
	}
	f.config.add("refused", refused, device.CapabilityControl)
	f.config.add("broken", broken, device.CapabilityHeartRate)

	ok := f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypeStart, Props{})
	assert.False(t, ok)
	assert.Equal(t, []string{"start"}, refused.Calls())
	assert.Equal(t, []string{"start", "stop"}, broken.Calls())
	assert.Contains(t, f.logs.String(), `DeviceRideService: error fn=startAdapter error="udid=broken: channel open failed"`)
}

func TestStartAdapters_ErgOverrideAndRoute(t *testing.T) {
	f := newFixture(t)
	bike := devicetest.NewAdapter(device.Settings{Interface: device.InterfaceSerial, Port: "/dev/ttyUSB0", Protocol: "Daum Classic"},
		device.CapabilityControl, device.CapabilityPower)
	bike.SetModes(
		device.CyclingMode{Name: "Daum Classic", RequiresRoute: true},
		device.CyclingMode{Name: "ERG", ERG: true},
	)
	f.config.add("bike", bike, device.CapabilityControl)

	req := &route.Request{
		Points:        []route.Point{{Distance: 0, Elevation: 10}, {Distance: 20, Elevation: 12}},
		RealityFactor: 100,
		Format:        route.FormatEPP,
	}
	ok := f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypeStart, Props{Route: req})
	require.True(t, ok)
	props := bike.StartProps()
	require.Len(t, props, 1)
	assert.Len(t, props[0].Route, 3)
	assert.Equal(t, 11.0, props[0].Route[1].Elevation)

	f.service.StopAdapters(context.Background(), nil)
	ok = f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypeStart, Props{ForceErgMode: true, Route: req})
	require.True(t, ok)
	assert.Equal(t, "ERG", bike.CyclingMode().Name)
	assert.Empty(t, bike.StartProps()[1].Route)
}

func TestWaitForPreviousStart(t *testing.T) {
	f := newFixture(t)
	slow := devicetest.NewAnt("FE", "1")
	entered := make(chan struct{})
	release := make(chan struct{})
	slow.StartFunc = func(ctx context.Context, props device.StartProps) (bool, error) {
		close(entered)
		<-release
		return true, nil
	}
	f.config.add("slow", slow, device.CapabilityControl)

	assert.True(t, f.service.WaitForPreviousStart(time.Millisecond))

	done := make(chan bool)
	go func() {
		done <- f.service.StartAdapters(context.Background(), f.service.GetSelectedAdapters(), StartTypePair, Props{})
	}()
	<-entered
	assert.False(t, f.service.WaitForPreviousStart(10*time.Millisecond))

	close(release)
	assert.True(t, f.service.WaitForPreviousStart(waitTimeout))
	assert.True(t, <-done)
}

func TestOnData_MergesSelectedCapabilities(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1")
	hr := devicetest.NewAnt("HR", "2")
	f.config.add("fe", fe, device.CapabilityControl, device.CapabilityPower)
	f.config.add("hr", hr, device.CapabilityHeartRate)
	rec := record(f.service)
	require.True(t, f.service.StartRide(context.Background(), Props{}))

	fe.Emit(device.Data{Power: 150, Speed: 28, Cadence: 85, HeartRate: 1, Distance: 100, Slope: 2})
	hr.Emit(device.Data{HeartRate: 140, Power: 999})

	data := f.service.GetData()
	assert.Equal(t, 150.0, data.Power)
	assert.Equal(t, 28.0, data.Speed)
	assert.Equal(t, 85.0, data.Cadence)
	assert.Equal(t, 140.0, data.HeartRate)
	assert.Equal(t, 100.0, data.Distance)
	assert.Equal(t, 2.0, data.Slope)
	assert.Equal(t, []string{"fe", "hr"}, rec.udids(EventData))
}

func TestOnData_RefreshesDeviceCapabilities(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1")
	f.config.add("fe", fe, device.CapabilityControl)
	require.True(t, f.service.StartRide(context.Background(), Props{}))

	info, ok := f.service.GetAdapterInfo("fe")
	require.True(t, ok)
	assert.Equal(t, fe.Capabilities(), info.DeviceCapabilities)

	// the device reports a reduced set, the served set follows the selection
	fe.SetCapabilities(device.CapabilityControl, device.CapabilitySpeed)
	fe.Emit(device.Data{Speed: 20})

	info, _ = f.service.GetAdapterInfo("fe")
	assert.Equal(t, []device.Capability{device.CapabilityControl, device.CapabilitySpeed}, info.DeviceCapabilities)
	assert.Contains(t, info.Capabilities, device.CapabilityControl)
	assert.NotContains(t, info.Capabilities, device.CapabilityPower)
}

func TestSendUpdate_ControlAdapter(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1")
	hr := devicetest.NewAnt("HR", "2")
	f.config.add("fe", fe, device.CapabilityControl)
	f.config.add("hr", hr, device.CapabilityHeartRate)
	require.True(t, f.service.StartRide(context.Background(), Props{}))

	power := 180.0
	f.service.SendUpdate(context.Background(), device.UpdateRequest{TargetPower: &power})
	require.Len(t, fe.Updates(), 1)
	assert.Equal(t, 180.0, *fe.Updates()[0].TargetPower)
	assert.Empty(t, hr.Updates())
}

func TestStopRide(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1")
	f.config.add("fe", fe, device.CapabilityControl)
	rec := record(f.service)
	require.True(t, f.service.StartRide(context.Background(), Props{}))

	f.service.StopRide(context.Background())
	assert.Len(t, rec.named(EventStopRide), 1)
	assert.Equal(t, []string{"fe"}, rec.udids(EventStopAdapter))
	assert.True(t, fe.IsStopped())
	_, ok := f.service.GetAdapterInfo("fe")
	assert.False(t, ok)
}

func TestPauseResumeRide(t *testing.T) {
	f := newFixture(t)
	fe := devicetest.NewAnt("FE", "1")
	f.config.add("fe", fe, device.CapabilityControl)
	require.True(t, f.service.StartRide(context.Background(), Props{}))

	f.service.PauseRide(context.Background())
	assert.True(t, fe.IsPaused())
	f.service.ResumeRide(context.Background())
	assert.False(t, fe.IsPaused())
}
