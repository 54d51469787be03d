package ride

import (
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/safego"
)

func (s *Service) onData(st *adapterState, data device.Data) {
	defer safego.Recover(s.logger, component, "onData")

	caps := s.enabledCapabilities(st.udid)
	deviceCaps := st.adapter.Capabilities()

	s.mu.Lock()
	st.lastDataAt = s.now()
	st.capabilities = caps
	st.deviceCaps = deviceCaps
	s.data.Merge(data, caps)
	merged := s.data
	s.mu.Unlock()

	s.emitMirrored(EventData, Event{
		UDID:       st.udid,
		Interface:  st.adapter.Interface(),
		Data:       merged,
		DeviceData: data,
	})
}

// enabledCapabilities returns the capabilities udid is the selected source
// for, including those of its ANT+ shadows. Speed and cadence without an
// explicit selection are taken from the control device, else the power device.
func (s *Service) enabledCapabilities(udid string) []device.Capability {
	s.mu.Lock()
	if s.simulatorEnforced && udid == SimulatorUDID {
		s.mu.Unlock()
		return simulatorCapabilities()
	}
	served := append([]string{udid}, s.shadowsOf(udid)...)
	s.mu.Unlock()

	isServed := func(sel string) bool {
		for _, u := range served {
			if u == sel {
				return true
			}
		}
		return false
	}

	var caps []device.Capability
	for _, c := range device.AllCapabilities {
		if sel, ok := s.config.GetSelected(c); ok {
			if isServed(sel) {
				caps = append(caps, c)
			}
			continue
		}
		if c != device.CapabilitySpeed && c != device.CapabilityCadence {
			continue
		}
		for _, fallback := range []device.Capability{device.CapabilityControl, device.CapabilityPower} {
			if sel, ok := s.config.GetSelected(fallback); ok {
				if isServed(sel) {
					caps = append(caps, c)
				}
				break
			}
		}
	}
	return caps
}
