// Package device holds the data model shared by the access layer, the
// configuration store and the ride/pairing services.
package device

import (
	"fmt"
	"strings"
)

// Capability is a logical data source role a device can fill during a ride
type Capability string

const (
	CapabilityControl    Capability = "control"
	CapabilityPower      Capability = "power"
	CapabilityHeartRate  Capability = "heartrate"
	CapabilityCadence    Capability = "cadence"
	CapabilitySpeed      Capability = "speed"
	CapabilityAppControl Capability = "app_control"
)

// AllCapabilities lists the capabilities in display order
var AllCapabilities = []Capability{
	CapabilityControl,
	CapabilityPower,
	CapabilityHeartRate,
	CapabilityCadence,
	CapabilitySpeed,
	CapabilityAppControl,
}

// InterfaceName identifies a communication interface
type InterfaceName string

const (
	InterfaceAnt       InterfaceName = "ant"
	InterfaceBle       InterfaceName = "ble"
	InterfaceSerial    InterfaceName = "serial"
	InterfaceTCPIP     InterfaceName = "tcpip"
	InterfaceWifi      InterfaceName = "wifi"
	InterfaceSimulator InterfaceName = "simulator"
)

// ConnectState is the connection status of a device as shown per capability
type ConnectState string

const (
	ConnectStateNone       ConnectState = ""
	ConnectStateConnecting ConnectState = "connecting"
	ConnectStateConnected  ConnectState = "connected"
	ConnectStateFailed     ConnectState = "failed"
	ConnectStateWaiting    ConnectState = "waiting"
	ConnectStatePaused     ConnectState = "paused"
)

// InterfaceState is the connection state of an interface binding
type InterfaceState string

const (
	InterfaceConnected     InterfaceState = "connected"
	InterfaceDisconnected  InterfaceState = "disconnected"
	InterfaceConnecting    InterfaceState = "connecting"
	InterfaceDisconnecting InterfaceState = "disconnecting"
	InterfaceUnavailable   InterfaceState = "unavailable"
	InterfaceUnknown       InterfaceState = "unknown"
)

// Settings describe how to reach one device. They are what a scan reports
// and what the configuration store persists.
type Settings struct {
	Interface InterfaceName `json:"interface"`
	Name      string        `json:"name,omitempty"`
	Protocol  string        `json:"protocol,omitempty"`
	// ANT+ device profile (FE, PWR, HR, SC, CAD, SPD) and device number
	Profile  string `json:"profile,omitempty"`
	DeviceID string `json:"deviceID,omitempty"`
	// BLE address
	Address string `json:"address,omitempty"`
	// serial port or tcp port
	Port string `json:"port,omitempty"`
	Host string `json:"host,omitempty"`
}

// Key identifies the physical device behind the settings. Two settings with
// the same key describe the same device.
func (s Settings) Key() string {
	switch s.Interface {
	case InterfaceAnt:
		return fmt.Sprintf("ant:%s:%s", strings.ToUpper(s.Profile), s.DeviceID)
	case InterfaceBle:
		if s.Address != "" {
			return "ble:" + strings.ToLower(s.Address)
		}
		return "ble-name:" + s.Name
	case InterfaceSerial:
		return fmt.Sprintf("serial:%s:%s", s.Port, s.Protocol)
	case InterfaceTCPIP, InterfaceWifi:
		return fmt.Sprintf("%s:%s:%s:%s", s.Interface, s.Host, s.Port, s.Protocol)
	default:
		return fmt.Sprintf("%s:%s", s.Interface, s.Name)
	}
}

// DisplayName returns the name shown to the user
func (s Settings) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Interface {
	case InterfaceAnt:
		return fmt.Sprintf("Ant+%s %s", s.Profile, s.DeviceID)
	case InterfaceSerial:
		return fmt.Sprintf("%s (%s)", s.Protocol, s.Port)
	case InterfaceTCPIP:
		return fmt.Sprintf("%s (%s:%s)", s.Protocol, s.Host, s.Port)
	}
	return s.Key()
}

// ContainsCapability reports whether c is in caps
func ContainsCapability(caps []Capability, c Capability) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
