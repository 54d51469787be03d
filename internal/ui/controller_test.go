package ui

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/device/devicetest"
	"github.com/lowaak/smart-trainer/ride-app/internal/events"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairingpage"
)

type fakeService struct {
	mu        sync.Mutex
	state     pairing.State
	calls     []string
	selection func(pairing.CapabilityData)
	settings  []device.InterfaceSetting
}

func (s *fakeService) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeService) GetState() pairing.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeService) StartDeviceSelection(c device.Capability, cb func(pairing.CapabilityData)) {
	s.record("start:" + string(c))
	s.selection = cb
}

func (s *fakeService) StopDeviceSelection() { s.record("stop") }

func (s *fakeService) SelectDevice(c device.Capability, udid string, addAll bool) {
	if addAll {
		s.record("selectAll:" + string(c) + ":" + udid)
		return
	}
	s.record("select:" + string(c) + ":" + udid)
}

func (s *fakeService) DeleteDevice(c device.Capability, udid string, deleteAll bool) {
	s.record("delete:" + string(c) + ":" + udid)
}

func (s *fakeService) ChangeInterfaceSettings(name device.InterfaceName, setting device.InterfaceSetting) {
	s.record("interface:" + string(name))
	s.settings = append(s.settings, setting)
}

type fakePage struct {
	calls []string
	state *events.CallbackEvent[pairingpage.State]
	cb    func(pairing.State)
}

func newFakePage() *fakePage {
	return &fakePage{state: events.NewCallbackEvent[pairingpage.State](true)}
}

func (p *fakePage) Open(cb func(pairing.State)) {
	p.calls = append(p.calls, "open")
	p.cb = cb
	p.state.Notify(pairingpage.StateIdle)
}

func (p *fakePage) Close() {
	p.calls = append(p.calls, "close")
	p.state.Notify(pairingpage.StateClosed)
}

func (p *fakePage) Pause()  { p.calls = append(p.calls, "pause") }
func (p *fakePage) Resume() { p.calls = append(p.calls, "resume") }

func (p *fakePage) OnStateChanged(fn func(pairingpage.State)) func() {
	return p.state.Listen(fn)
}

func newTestController(t *testing.T) (*Controller, *Model, *fakeService, *fakePage) {
	t.Helper()
	logger, _ := devicetest.NewLogger()
	model := NewModel()
	service := &fakeService{}
	page := newFakePage()
	return NewController(logger, model, service, page), model, service, page
}

func TestController_OpenFeedsModel(t *testing.T) {
	c, model, _, page := newTestController(t)

	c.Open()
	assert.Equal(t, pairingpage.StateIdle, model.Snapshot().Page)

	page.cb(pairing.State{CanStartRide: true})
	assert.True(t, model.Snapshot().Pairing.CanStartRide)

	c.Close()
	assert.Equal(t, []string{"open", "close"}, page.calls)
	assert.Equal(t, pairingpage.StateClosed, model.Snapshot().Page)

	// no longer subscribed after close
	page.state.Notify(pairingpage.StateScanning)
	assert.Equal(t, pairingpage.StateClosed, model.Snapshot().Page)
}

func TestController_SelectionFlow(t *testing.T) {
	c, model, service, page := newTestController(t)
	c.Open()

	c.BeginSelection(device.CapabilityPower)
	assert.Equal(t, device.CapabilityPower, model.Snapshot().Selecting)
	assert.Equal(t, []string{"start:power"}, service.Calls())
	assert.Equal(t, []string{"open", "pause"}, page.calls)

	service.mu.Lock()
	service.state = pairing.State{Capabilities: []pairing.CapabilityData{{Capability: device.CapabilityPower, Devices: []pairing.DevicePairingData{{UDID: "kickr"}}}}}
	service.mu.Unlock()
	require.NotNil(t, service.selection)
	service.selection(pairing.CapabilityData{})
	cd, ok := model.Snapshot().Pairing.Capability(device.CapabilityPower)
	require.True(t, ok)
	assert.Len(t, cd.Devices, 1)

	c.SelectDevice("kickr", true)
	assert.Equal(t, []string{"start:power", "selectAll:power:kickr"}, service.Calls())
	assert.Empty(t, model.Snapshot().Selecting)
	assert.Equal(t, []string{"open", "pause", "resume"}, page.calls)
}

func TestController_EndSelection(t *testing.T) {
	c, model, service, page := newTestController(t)

	// nothing to end
	c.EndSelection()
	assert.Empty(t, service.Calls())

	c.BeginSelection(device.CapabilityHeartRate)
	c.EndSelection()
	assert.Equal(t, []string{"start:heartrate", "stop"}, service.Calls())
	assert.Empty(t, model.Snapshot().Selecting)
	assert.Equal(t, []string{"pause", "resume"}, page.calls)
}

func TestController_SelectDeviceWithoutSelection(t *testing.T) {
	c, _, service, _ := newTestController(t)
	c.SelectDevice("x", false)
	c.DeleteDevice("x")
	assert.Empty(t, service.Calls())
}

func TestController_DeleteDevice(t *testing.T) {
	c, _, service, _ := newTestController(t)
	c.BeginSelection(device.CapabilityCadence)
	c.DeleteDevice("sensor")
	assert.Equal(t, []string{"start:cadence", "delete:cadence:sensor"}, service.Calls())
}

func TestController_CloseStopsSelection(t *testing.T) {
	c, model, service, _ := newTestController(t)
	c.Open()
	c.BeginSelection(device.CapabilitySpeed)
	c.Close()
	assert.Equal(t, []string{"start:speed", "stop"}, service.Calls())
	assert.Empty(t, model.Snapshot().Selecting)
}

func TestController_ToggleInterface(t *testing.T) {
	c, model, service, _ := newTestController(t)
	model.SetPairingState(pairing.State{Interfaces: []device.InterfaceInfo{
		{InterfaceSetting: device.InterfaceSetting{Name: device.InterfaceBle, Enabled: true, Protocol: "FTMS"}},
	}})

	c.ToggleInterface(device.InterfaceBle)
	c.ToggleInterface(device.InterfaceAnt)

	assert.Equal(t, []string{"interface:ble"}, service.Calls())
	require.Len(t, service.settings, 1)
	assert.False(t, service.settings[0].Enabled)
	assert.Equal(t, "FTMS", service.settings[0].Protocol)
}

func TestModel_ListenKeepsNewest(t *testing.T) {
	model := NewModel()
	ch := make(chan Snapshot, 1)
	off := model.Listen(ch)
	defer off()

	model.SetPageState(pairingpage.StateScanning)
	model.SetPageState(pairingpage.StatePairing)

	select {
	case s := <-ch:
		assert.Equal(t, pairingpage.StatePairing, s.Page)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no snapshot")
	}
}

type recordingView struct {
	mu       sync.Mutex
	rendered []Snapshot
	run      chan struct{}
}

func (v *recordingView) Initialize(*Controller) {}
func (v *recordingView) Run() error             { <-v.run; return nil }
func (v *recordingView) Stop()                  { close(v.run) }
func (v *recordingView) Render(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rendered = append(v.rendered, s)
}

func (v *recordingView) last() (Snapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.rendered) == 0 {
		return Snapshot{}, false
	}
	return v.rendered[len(v.rendered)-1], true
}

func TestBaseView_RendersAndShutsDown(t *testing.T) {
	logger, _ := devicetest.NewLogger()
	model := NewModel()
	page := newFakePage()
	controller := NewController(logger, model, &fakeService{}, page)
	view := &recordingView{run: make(chan struct{})}

	base := NewBaseView(logger, view, model, controller)
	done := make(chan error, 1)
	go func() { done <- base.Run() }()

	assert.Eventually(t, func() bool {
		s, ok := view.last()
		return ok && s.Page == pairingpage.StateIdle
	}, time.Second, 5*time.Millisecond)

	view.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, []string{"open", "close"}, page.calls)
	assert.NotPanics(t, base.Shutdown)
}
