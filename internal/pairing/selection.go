package pairing

import (
	"context"
	"time"

	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/ride"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

// StartDeviceSelection lets the user pick the device of capability c. The
// adapters serving c are stopped and an open ended scan runs until the
// selection ends. cb receives the capability whenever its devices change.
func (s *Service) StartDeviceSelection(c device.Capability, cb func(CapabilityData)) {
	defer safego.Recover(s.logger, component, "startDeviceSelection")

	s.mu.Lock()
	s.selection = &deviceSelection{capability: c, callback: cb}
	hasDevices := false
	for _, cd := range s.capabilities {
		if cd.Capability == c && len(cd.Devices) > 0 {
			hasDevices = true
		}
	}
	s.mu.Unlock()
	s.logger.Printf("%s: start device selection capability=%s", component, c)

	s.cancelScheduledRun()
	s.ride.StopAdapters(context.Background(), func(a ride.AdapterInfo) bool {
		return device.ContainsCapability(a.Capabilities, c)
	})
	s.stopCycle()
	s.emitStateChange()

	// a populated list is shown right away, the scan follows once the user
	// stayed on the selection for a moment
	if hasDevices {
		s.schedule(s.timings.PauseScanDelay, func() { s.run(true) })
		return
	}
	safego.Go(s.logger, func() { s.run(true) })
}

// StopDeviceSelection ends the device selection and resumes the pairing loop
func (s *Service) StopDeviceSelection() {
	defer safego.Recover(s.logger, component, "stopDeviceSelection")

	s.mu.Lock()
	if s.selection == nil {
		s.mu.Unlock()
		return
	}
	c := s.selection.capability
	s.selection = nil
	s.mu.Unlock()
	s.logger.Printf("%s: stop device selection capability=%s", component, c)

	s.cancelScheduledRun()
	s.stopCycle()
	if s.autoRun {
		safego.Go(s.logger, func() { s.run(false) })
	}
}

// SelectDevice selects udid for capability c, and for every other
// capability the device is listed under if addAll is set. It ends an
// active device selection.
func (s *Service) SelectDevice(c device.Capability, udid string, addAll bool) {
	defer safego.Recover(s.logger, component, "selectDevice")

	caps := []device.Capability{c}
	if addAll {
		caps = s.capabilitiesOf(udid, c)
	}
	for _, capability := range caps {
		if err := s.config.Select(udid, capability, devconfig.SelectOptions{}); err != nil {
			s.logError("selectDevice", err)
		}
	}
	s.ride.ResetAdapters()
	s.refresh()
	s.StopDeviceSelection()
}

// DeleteDevice removes udid from the candidates of capability c, and of
// every capability if deleteAll is set. The device's adapter is stopped when
// it is no longer selected anywhere.
func (s *Service) DeleteDevice(c device.Capability, udid string, deleteAll bool) {
	defer safego.Recover(s.logger, component, "deleteDevice")

	caps := []device.Capability{c}
	if deleteAll {
		caps = s.capabilitiesOf(udid, c)
	}
	for _, capability := range caps {
		s.config.Delete(udid, capability, false)
	}

	entries, _ := s.config.Load()
	inUse := false
	for _, e := range entries {
		if e.Selected == udid {
			inUse = true
		}
	}
	if !inUse {
		s.ride.StopAdapters(context.Background(), func(a ride.AdapterInfo) bool { return a.UDID == udid })
	}
	s.ride.ResetAdapters()
	s.refresh()
}

// capabilitiesOf returns c followed by the other capabilities listing udid
func (s *Service) capabilitiesOf(udid string, c device.Capability) []device.Capability {
	caps := []device.Capability{c}
	entries, _ := s.config.Load()
	for _, e := range entries {
		if e.Capability != c && !e.Disabled && containsUDID(e.Devices, udid) {
			caps = append(caps, e.Capability)
		}
	}
	return caps
}

// ChangeInterfaceSettings stores the settings of interface name and
// enables or disables it. Selections move away from a disabled interface,
// or onto a re-enabled one, and the pairing loop restarts if any of them
// changed.
func (s *Service) ChangeInterfaceSettings(name device.InterfaceName, setting device.InterfaceSetting) {
	defer safego.Recover(s.logger, component, "changeInterfaceSettings")

	prev, _ := s.config.GetInterfaceSettings(name)
	setting.Name = name
	s.config.SetInterfaceSettings(setting)
	if prev.Enabled == setting.Enabled {
		s.refresh()
		return
	}
	s.logger.Printf("%s: interface %s enabled=%v", component, name, setting.Enabled)

	s.ride.StopAdapters(context.Background(), func(a ride.AdapterInfo) bool {
		return a.Adapter != nil && a.Adapter.Interface() == name
	})

	s.mu.Lock()
	before := cloneCapabilities(s.capabilities)
	s.mu.Unlock()

	var after []CapabilityData
	var changed bool
	if setting.Enabled {
		if err := s.access.EnableInterface(context.Background(), name, nil); err != nil {
			s.logError("changeInterfaceSettings", err)
		}
		after, changed = enableInterfaceInCapabilities(before, name)
	} else {
		if err := s.access.DisableInterface(context.Background(), name); err != nil {
			s.logError("changeInterfaceSettings", err)
		}
		after, changed = disableInterfaceInCapabilities(before, name)
	}

	if !changed {
		s.refresh()
		return
	}
	s.applySelection(before, after)
	s.ride.ResetAdapters()
	s.refresh()

	if !s.IsRunning() {
		return
	}
	s.cancelScheduledRun()
	s.stopCycle()
	if s.autoRun {
		safego.Go(s.logger, func() { s.run(false) })
	}
}

// schedule runs fn after delay in place of any pending run
func (s *Service) schedule(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current := s.retryTimer == t
		if current {
			s.retryTimer = nil
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.retryTimer = t
}
