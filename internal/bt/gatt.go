package bt

import (
	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// Bluetooth Service and Characteristic UUIDs for bike training
const (
	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData   = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"
)

// Protocols stored in device.Settings.Protocol for BLE devices. A device
// advertising several services gets the most capable one.
const (
	ProtocolFTMS         = "FTMS"
	ProtocolCyclingPower = "CP"
	ProtocolCSC          = "CSC"
	ProtocolHeartRate    = "HR"
)

type stream struct {
	service        string
	characteristic string
	kind           streamKind
}

type streamKind int

const (
	streamHeartRate streamKind = iota
	streamCSC
	streamCyclingPower
	streamIndoorBikeData
)

// profile is what a protocol provides: the capabilities and the
// notification streams delivering them
type profile struct {
	protocol     string
	service      string
	capabilities []device.Capability
	streams      []stream
}

// profiles in priority order
var profiles = []profile{
	{
		protocol:     ProtocolFTMS,
		service:      ServiceUUIDFTMS,
		capabilities: []device.Capability{device.CapabilityControl, device.CapabilityPower, device.CapabilitySpeed, device.CapabilityCadence},
		streams: []stream{
			{ServiceUUIDFTMS, CharUUIDIndoorBikeData, streamIndoorBikeData},
		},
	},
	{
		protocol:     ProtocolCyclingPower,
		service:      ServiceUUIDCyclingPower,
		capabilities: []device.Capability{device.CapabilityPower, device.CapabilityCadence},
		streams: []stream{
			{ServiceUUIDCyclingPower, CharUUIDCyclingPowerMeasurement, streamCyclingPower},
		},
	},
	{
		protocol:     ProtocolCSC,
		service:      ServiceUUIDCyclingSpeedCadence,
		capabilities: []device.Capability{device.CapabilitySpeed, device.CapabilityCadence},
		streams: []stream{
			{ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement, streamCSC},
		},
	},
	{
		protocol:     ProtocolHeartRate,
		service:      ServiceUUIDHeartRate,
		capabilities: []device.Capability{device.CapabilityHeartRate},
		streams: []stream{
			{ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, streamHeartRate},
		},
	},
}

// ScanServiceUUIDs are the services that qualify an advertisement
func ScanServiceUUIDs() []string {
	uuids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		uuids = append(uuids, p.service)
	}
	return uuids
}

// ProtocolFor returns the protocol of a device advertising services
func ProtocolFor(services []string) (string, bool) {
	for _, p := range profiles {
		for _, s := range services {
			if s == p.service {
				return p.protocol, true
			}
		}
	}
	return "", false
}

func profileOf(protocol string) (profile, bool) {
	for _, p := range profiles {
		if p.protocol == protocol {
			return p, true
		}
	}
	return profile{}, false
}

// CapabilitiesOf returns the capabilities provided by protocol
func CapabilitiesOf(protocol string) []device.Capability {
	p, ok := profileOf(protocol)
	if !ok {
		return nil
	}
	return append([]device.Capability(nil), p.capabilities...)
}
