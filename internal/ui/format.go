package ui

import (
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairing"
	"github.com/lowaak/smart-trainer/ride-app/internal/pairingpage"
)

var capabilityNames = map[device.Capability]string{
	device.CapabilityControl:    "Control",
	device.CapabilityPower:      "Power",
	device.CapabilityHeartRate:  "Heart Rate",
	device.CapabilityCadence:    "Cadence",
	device.CapabilitySpeed:      "Speed",
	device.CapabilityAppControl: "App Control",
}

func capabilityName(c device.Capability) string {
	if n, ok := capabilityNames[c]; ok {
		return n
	}
	return string(c)
}

func connectStateColor(s device.ConnectState) string {
	switch s {
	case device.ConnectStateConnected:
		return "green"
	case device.ConnectStateConnecting, device.ConnectStateWaiting:
		return "yellow"
	case device.ConnectStateFailed:
		return "red"
	default:
		return "gray"
	}
}

func formatValue(v *float64, unit string) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf(" %.0f %s", *v, unit)
}

// formatCapability renders one capability line: name, selected device,
// connect state and latest value
func formatCapability(cd pairing.CapabilityData) string {
	name := capabilityName(cd.Capability)
	if cd.Disabled {
		return fmt.Sprintf("%-11s [gray]disabled[white]", name)
	}
	if cd.Selected == "" {
		return fmt.Sprintf("%-11s [gray]none[white]", name)
	}
	state := string(cd.ConnectState)
	if state == "" {
		state = "idle"
	}
	return fmt.Sprintf("%-11s %s [%s]%s[white]%s", name, cd.DeviceName, connectStateColor(cd.ConnectState), state, formatValue(cd.Value, cd.Unit))
}

// formatDevice renders one device of a capability in selection
func formatDevice(d pairing.DevicePairingData) string {
	var b strings.Builder
	if d.Selected {
		b.WriteString("* ")
	} else {
		b.WriteString("  ")
	}
	fmt.Fprintf(&b, "%s (%s)", d.Name, d.Interface)
	if d.InterfaceInactive {
		b.WriteString(" [gray]interface off[white]")
	} else if d.ConnectState != device.ConnectStateNone {
		fmt.Fprintf(&b, " [%s]%s[white]", connectStateColor(d.ConnectState), d.ConnectState)
	}
	b.WriteString(formatValue(d.Value, d.Unit))
	return b.String()
}

func formatInterface(info device.InterfaceInfo) string {
	enabled := "[gray]off[white]"
	if info.Enabled {
		enabled = "[green]on[white]"
	}
	line := fmt.Sprintf("%-9s %s %s", info.Name, enabled, info.State)
	if info.IsScanning {
		line += " [yellow]scanning[white]"
	}
	return line
}

// formatStatus renders the status bar
func formatStatus(s Snapshot) string {
	var page string
	switch s.Page {
	case pairingpage.StateScanning:
		page = "[yellow]Searching for devices...[white]"
	case pairingpage.StatePairing:
		page = "[yellow]Connecting devices...[white]"
	case pairingpage.StateDone:
		page = "[green]All devices connected[white]"
	default:
		page = string(s.Page)
	}
	ride := "[red]not ready to ride[white]"
	if s.Pairing.CanStartRide {
		ride = "[green]ready to ride[white]"
	}
	if s.Selecting != "" {
		return fmt.Sprintf("Select %s device  |  %s", capabilityName(s.Selecting), ride)
	}
	return fmt.Sprintf("%s  |  %s", page, ride)
}
