package bt

import (
	"fmt"
	"sync"

	"github.com/lowaak/smart-trainer/ride-app/internal/device"
)

// parseHeartRate parses heart rate measurement characteristic data
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func parseHeartRate(buf []byte, d *device.Data) error {
	if len(buf) < 2 {
		return fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	// Bit 0: 0 = UINT8, 1 = UINT16
	if buf[0]&0x01 != 0 {
		if len(buf) < 3 {
			return fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		d.HeartRate = float64(uint16(buf[1]) | uint16(buf[2])<<8)
		return nil
	}
	d.HeartRate = float64(buf[1])
	return nil
}

// parseCyclingPower parses cycling power measurement characteristic data.
// Crank revolution data, when present, updates the cadence.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func parseCyclingPower(buf []byte, crank *revolutions, d *device.Data) error {
	if len(buf) < 4 {
		return fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}

	flags := uint16(buf[0]) | uint16(buf[1])<<8
	d.Power = float64(int16(uint16(buf[2]) | uint16(buf[3])<<8))

	offset := 4
	if flags&0x01 != 0 { // pedal power balance
		offset++
	}
	if flags&0x04 != 0 { // accumulated torque
		offset += 2
	}
	if flags&0x10 != 0 { // wheel revolution data
		offset += 6
	}
	if flags&0x20 != 0 && len(buf) >= offset+4 {
		revs := uint16(buf[offset]) | uint16(buf[offset+1])<<8
		eventTime := uint16(buf[offset+2]) | uint16(buf[offset+3])<<8
		if rpm, ok := crank.update(uint32(revs), 0xFFFF, eventTime, 1024); ok && rpm <= 300 {
			d.Cadence = rpm
		}
	}
	return nil
}

// parseCSC parses Cycling Speed and Cadence measurement characteristic data.
// Speed and cadence are derived from the change of the cumulative counters.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func parseCSC(buf []byte, wheel, crank *revolutions, circumference float64, d *device.Data) error {
	if len(buf) < 1 {
		return fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	offset := 1

	// Bit 0: Wheel Revolution Data Present
	if flags&0x01 != 0 {
		if offset+6 > len(buf) {
			return fmt.Errorf("CSC data too short for wheel data at offset %d", offset)
		}
		revs := uint32(buf[offset]) | uint32(buf[offset+1])<<8 | uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
		eventTime := uint16(buf[offset+4]) | uint16(buf[offset+5])<<8
		offset += 6
		if rpm, ok := wheel.update(revs, 0xFFFFFFFF, eventTime, 1024); ok {
			// wheel rpm * circumference (m) * 60 / 1000 = km/h
			d.Speed = rpm * circumference * 60 / 1000
		}
	}

	// Bit 1: Crank Revolution Data Present
	if flags&0x02 != 0 {
		if offset+4 > len(buf) {
			return fmt.Errorf("CSC data too short for crank data at offset %d", offset)
		}
		revs := uint16(buf[offset]) | uint16(buf[offset+1])<<8
		eventTime := uint16(buf[offset+2]) | uint16(buf[offset+3])<<8
		if rpm, ok := crank.update(uint32(revs), 0xFFFF, eventTime, 1024); ok && rpm <= 300 {
			d.Cadence = rpm
		}
	}
	return nil
}

// revolutions turns cumulative revolution counters into a rate
type revolutions struct {
	mu        sync.Mutex
	revs      uint32
	eventTime uint16
	valid     bool
}

// update stores a reading and returns revolutions per minute since the
// previous one. eventTime is in 1/resolution seconds, mask is the width of
// the revolution counter. The first reading and readings without elapsed
// time return false.
func (r *revolutions) update(revs, mask uint32, eventTime uint16, resolution float64) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.valid {
		r.revs, r.eventTime, r.valid = revs, eventTime, true
		return 0, false
	}

	// unsigned arithmetic handles counter rollover
	revDiff := (revs - r.revs) & mask
	timeDiff := eventTime - r.eventTime
	r.revs, r.eventTime = revs, eventTime
	if timeDiff == 0 {
		return 0, false
	}
	return float64(revDiff) * 60 * resolution / float64(timeDiff), true
}

func (r *revolutions) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.valid = false
}

// IndoorBikeData holds the fields of the FTMS Indoor Bike Data characteristic
// used during a ride
type IndoorBikeData struct {
	HasInstantaneousSpeed   bool
	HasInstantaneousCadence bool
	HasTotalDistance        bool
	HasInstantaneousPower   bool
	HasHeartRate            bool
	HasElapsedTime          bool

	InstantaneousSpeedKmh   float64 // km/h
	InstantaneousCadenceRpm float64 // rpm
	TotalDistanceMeters     uint32  // meters
	ResistanceLevel         int16   // unitless
	InstantaneousPowerWatts int16   // watts
	HeartRateBpm            uint8   // bpm
	ElapsedTimeSeconds      uint16  // seconds
}

// Indoor Bike Data flag bit positions (FTMS 1.0 spec)
const (
	ibdFlagMoreData             = 1 << 0 // 0 = Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
)

// ParseIndoorBikeData parses the FTMS Indoor Bike Data characteristic.
// Fields are laid out in flag order, absent fields take no space.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func ParseIndoorBikeData(buf []byte) (*IndoorBikeData, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}

	flags := uint16(buf[0]) | uint16(buf[1])<<8
	r := &reader{buf: buf, offset: 2}
	data := &IndoorBikeData{}

	if flags&ibdFlagMoreData == 0 {
		data.HasInstantaneousSpeed = true
		data.InstantaneousSpeedKmh = float64(r.uint16("instantaneous speed")) * 0.01
	}
	if flags&ibdFlagAverageSpeed != 0 {
		r.skip("average speed", 2)
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		data.HasInstantaneousCadence = true
		data.InstantaneousCadenceRpm = float64(r.uint16("instantaneous cadence")) * 0.5
	}
	if flags&ibdFlagAverageCadence != 0 {
		r.skip("average cadence", 2)
	}
	if flags&ibdFlagTotalDistance != 0 {
		data.HasTotalDistance = true
		data.TotalDistanceMeters = r.uint24("total distance")
	}
	if flags&ibdFlagResistanceLevel != 0 {
		data.ResistanceLevel = int16(r.uint16("resistance level"))
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		data.HasInstantaneousPower = true
		data.InstantaneousPowerWatts = int16(r.uint16("instantaneous power"))
	}
	if flags&ibdFlagAveragePower != 0 {
		r.skip("average power", 2)
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		r.skip("expended energy", 5)
	}
	if flags&ibdFlagHeartRate != 0 {
		data.HasHeartRate = true
		data.HeartRateBpm = r.uint8("heart rate")
	}
	if flags&ibdFlagMetabolicEquivalent != 0 {
		r.skip("metabolic equivalent", 1)
	}
	if flags&ibdFlagElapsedTime != 0 {
		data.HasElapsedTime = true
		data.ElapsedTimeSeconds = r.uint16("elapsed time")
	}
	if r.err != nil {
		return nil, r.err
	}
	return data, nil
}

// apply copies the present fields into d
func (ibd *IndoorBikeData) apply(d *device.Data) {
	if ibd.HasInstantaneousSpeed {
		d.Speed = ibd.InstantaneousSpeedKmh
	}
	if ibd.HasInstantaneousCadence {
		d.Cadence = ibd.InstantaneousCadenceRpm
	}
	if ibd.HasTotalDistance {
		d.Distance = float64(ibd.TotalDistanceMeters)
	}
	if ibd.HasInstantaneousPower {
		d.Power = float64(ibd.InstantaneousPowerWatts)
	}
	if ibd.HasHeartRate {
		d.HeartRate = float64(ibd.HeartRateBpm)
	}
	if ibd.HasElapsedTime {
		d.DeviceTime = float64(ibd.ElapsedTimeSeconds)
	}
}

// reader reads little-endian fields and remembers the first overrun
type reader struct {
	buf    []byte
	offset int
	err    error
}

func (r *reader) need(field string, n int) bool {
	if r.err != nil {
		return false
	}
	if r.offset+n > len(r.buf) {
		r.err = fmt.Errorf("buffer too short for %s at offset %d", field, r.offset)
		return false
	}
	return true
}

func (r *reader) skip(field string, n int) {
	if r.need(field, n) {
		r.offset += n
	}
}

func (r *reader) uint8(field string) uint8 {
	if !r.need(field, 1) {
		return 0
	}
	v := r.buf[r.offset]
	r.offset++
	return v
}

func (r *reader) uint16(field string) uint16 {
	if !r.need(field, 2) {
		return 0
	}
	v := uint16(r.buf[r.offset]) | uint16(r.buf[r.offset+1])<<8
	r.offset += 2
	return v
}

func (r *reader) uint24(field string) uint32 {
	if !r.need(field, 3) {
		return 0
	}
	v := uint32(r.buf[r.offset]) | uint32(r.buf[r.offset+1])<<8 | uint32(r.buf[r.offset+2])<<16
	r.offset += 3
	return v
}
