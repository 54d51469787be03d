package device

import "time"

// Data is one frame reported by an adapter. The ride service merges frames
// from several adapters into a single accumulator, taking from each adapter
// only the fields of the capabilities it is selected for.
type Data struct {
	Power     float64 `json:"power"`     // W
	Speed     float64 `json:"speed"`     // km/h
	Cadence   float64 `json:"cadence"`   // rpm
	HeartRate float64 `json:"heartrate"` // bpm

	// fields owned by the control device
	Distance   float64   `json:"distance"` // m, internal counter of the trainer
	Slope      float64   `json:"slope"`    // %
	DeviceTime float64   `json:"deviceTime"`
	Gear       string    `json:"gearStr,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Merge copies the fields that belong to caps from src into d
func (d *Data) Merge(src Data, caps []Capability) {
	for _, c := range caps {
		switch c {
		case CapabilityPower:
			d.Power = src.Power
		case CapabilitySpeed:
			d.Speed = src.Speed
		case CapabilityCadence:
			d.Cadence = src.Cadence
		case CapabilityHeartRate:
			d.HeartRate = src.HeartRate
		case CapabilityControl:
			d.Distance = src.Distance
			d.Slope = src.Slope
			d.DeviceTime = src.DeviceTime
			d.Gear = src.Gear
			d.Timestamp = src.Timestamp
		}
	}
}

// Value returns the headline value and unit of the data for a capability
func (d Data) Value(c Capability) (float64, string, bool) {
	switch c {
	case CapabilityPower, CapabilityControl:
		return d.Power, "W", true
	case CapabilitySpeed:
		return d.Speed, "km/h", true
	case CapabilityCadence:
		return d.Cadence, "rpm", true
	case CapabilityHeartRate:
		return d.HeartRate, "bpm", true
	}
	return 0, "", false
}
