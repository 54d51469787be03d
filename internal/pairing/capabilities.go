package pairing

import (
	"github.com/lowaak/smart-trainer/ride-app/internal/devconfig"
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// deviceState is the runtime state of one device shown during pairing
type deviceState struct {
	connectState device.ConnectState
	data         device.Data
	hasData      bool
	lastEmit     int64 // unix nanos of the last forwarded value
}

func (d *deviceState) value(c device.Capability) (*float64, string) {
	if d == nil || !d.hasData {
		return nil, ""
	}
	v, unit, ok := d.data.Value(c)
	if !ok {
		return nil, ""
	}
	return &v, unit
}

// capabilityInput is the configuration read for one rebuild of the mirror
type capabilityInput struct {
	entries []devconfig.CapabilityEntry
	devices map[string]devconfig.DeviceEntry
	active  map[device.InterfaceName]bool
}

func (s *Service) readCapabilities() capabilityInput {
	entries, _ := s.config.Load()
	in := capabilityInput{
		entries: entries,
		devices: make(map[string]devconfig.DeviceEntry),
		active:  make(map[device.InterfaceName]bool),
	}
	for _, e := range entries {
		for _, udid := range e.Devices {
			if _, ok := in.devices[udid]; ok {
				continue
			}
			d, ok := s.config.GetDevice(udid)
			if !ok {
				continue
			}
			in.devices[udid] = d
			name := d.Settings.Interface
			if _, ok := in.active[name]; !ok {
				in.active[name] = s.config.IsInterfaceEnabled(name)
			}
		}
	}
	return in
}

// buildCapabilities composes the mirror from the configuration and the
// device states. Callers hold s.mu.
func (s *Service) buildCapabilities(in capabilityInput) []CapabilityData {
	caps := make([]CapabilityData, 0, len(in.entries))
	for _, e := range in.entries {
		cd := CapabilityData{Capability: e.Capability, Disabled: e.Disabled}
		for _, udid := range e.Devices {
			d, ok := in.devices[udid]
			if !ok {
				continue
			}
			ds := s.devices[udid]
			dp := DevicePairingData{
				UDID:              udid,
				Name:              d.Settings.DisplayName(),
				Interface:         d.Settings.Interface,
				Selected:          udid == e.Selected,
				InterfaceInactive: !in.active[d.Settings.Interface],
			}
			if ds != nil {
				dp.ConnectState = ds.connectState
			}
			dp.Value, dp.Unit = ds.value(e.Capability)
			cd.Devices = append(cd.Devices, dp)
			if dp.Selected {
				setSelected(&cd, dp)
			}
		}
		caps = append(caps, cd)
	}
	return caps
}

func cloneCapabilities(caps []CapabilityData) []CapabilityData {
	out := make([]CapabilityData, len(caps))
	for i, c := range caps {
		c.Devices = append([]DevicePairingData(nil), c.Devices...)
		out[i] = c
	}
	return out
}

func setSelected(c *CapabilityData, d DevicePairingData) {
	c.Selected = d.UDID
	c.DeviceName = d.Name
	c.Interface = d.Interface
	c.ConnectState = d.ConnectState
	c.Value = d.Value
	c.Unit = d.Unit
	for i := range c.Devices {
		c.Devices[i].Selected = c.Devices[i].UDID == d.UDID
	}
}

func clearSelected(c *CapabilityData) {
	c.Selected = ""
	c.DeviceName = ""
	c.Interface = ""
	c.ConnectState = device.ConnectStateNone
	c.Value = nil
	c.Unit = ""
	for i := range c.Devices {
		c.Devices[i].Selected = false
	}
}

// disableInterfaceInCapabilities marks the devices on name as inactive. A
// capability whose selected device is on name switches to the first active
// device on another interface, or loses its selection. It reports whether
// any selection changed.
func disableInterfaceInCapabilities(caps []CapabilityData, name device.InterfaceName) ([]CapabilityData, bool) {
	out := cloneCapabilities(caps)
	changed := false
	for i := range out {
		c := &out[i]
		for j := range c.Devices {
			if c.Devices[j].Interface == name {
				c.Devices[j].InterfaceInactive = true
			}
		}
		if c.Selected == "" || c.Interface != name {
			continue
		}
		changed = true
		fallback := -1
		for j, d := range c.Devices {
			if d.Interface != name && !d.InterfaceInactive {
				fallback = j
				break
			}
		}
		if fallback >= 0 {
			setSelected(c, c.Devices[fallback])
		} else {
			clearSelected(c)
		}
	}
	return out, changed
}

// enableInterfaceInCapabilities marks the devices on name as active and
// selects the first of them for capabilities without a selection.
func enableInterfaceInCapabilities(caps []CapabilityData, name device.InterfaceName) ([]CapabilityData, bool) {
	out := cloneCapabilities(caps)
	changed := false
	for i := range out {
		c := &out[i]
		first := -1
		for j := range c.Devices {
			if c.Devices[j].Interface != name {
				continue
			}
			c.Devices[j].InterfaceInactive = false
			if first < 0 {
				first = j
			}
		}
		if c.Selected != "" || c.Disabled || first < 0 {
			continue
		}
		setSelected(c, c.Devices[first])
		changed = true
	}
	return out, changed
}

// applySelection writes the selection differences between before and after
// to the configuration
func (s *Service) applySelection(before, after []CapabilityData) {
	prev := make(map[device.Capability]string)
	for _, c := range before {
		prev[c.Capability] = c.Selected
	}
	for _, c := range after {
		if prev[c.Capability] == c.Selected {
			continue
		}
		if c.Selected == "" {
			s.config.Unselect(c.Capability, false)
			continue
		}
		if err := s.config.Select(c.Selected, c.Capability, devconfig.SelectOptions{}); err != nil {
			s.logError("applySelection", err)
		}
	}
}
