package bt

import (
	"fmt"
	"math"
)

// FTMS Control Point Op Codes
const (
	FTMSOpCodeRequestControl      byte = 0x00
	FTMSOpCodeReset               byte = 0x01
	FTMSOpCodeSetTargetPower      byte = 0x05
	FTMSOpCodeStartOrResume       byte = 0x07
	FTMSOpCodeStopOrPause         byte = 0x08
	FTMSOpCodeSetSimulationParams byte = 0x11
	FTMSOpCodeResponseCode        byte = 0x80
)

// FTMS Control Point Result Codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// Target power limits accepted by FTMS trainers
const (
	MinTargetPower = 25
	MaxTargetPower = 2000
)

// Simulation defaults sent with every grade change
const (
	defaultCrr = 0.004 // rolling resistance coefficient
	defaultCw  = 0.51  // wind resistance coefficient, kg/m
)

func EncodeRequestControl() []byte {
	return []byte{FTMSOpCodeRequestControl}
}

func EncodeReset() []byte {
	return []byte{FTMSOpCodeReset}
}

func EncodeStart() []byte {
	return []byte{FTMSOpCodeStartOrResume}
}

// EncodeStop encodes Stop (0x01) as opposed to Pause (0x02)
func EncodeStop() []byte {
	return []byte{FTMSOpCodeStopOrPause, 0x01}
}

// EncodeTargetPower encodes Set Target Power: [0x05, power_lo, power_hi].
// Power is clamped to the trainer limits.
func EncodeTargetPower(watts float64) []byte {
	p := int16(math.Round(math.Max(MinTargetPower, math.Min(MaxTargetPower, watts))))
	return []byte{FTMSOpCodeSetTargetPower, byte(p), byte(p >> 8)}
}

// EncodeSimulation encodes Set Indoor Bike Simulation Parameters for a grade
// in percent: wind speed (0.001 m/s), grade (0.01 %), crr (0.0001), cw (0.01 kg/m)
func EncodeSimulation(grade float64) []byte {
	g := int16(math.Round(math.Max(-40, math.Min(40, grade)) * 100))
	return []byte{
		FTMSOpCodeSetSimulationParams,
		0, 0,
		byte(g), byte(g >> 8),
		byte(math.Round(defaultCrr * 10000)),
		byte(math.Round(defaultCw * 100)),
	}
}

// ControlPointResponse is an indication received on the FTMS control point
type ControlPointResponse struct {
	RequestOpCode byte
	Result        byte
}

func (r ControlPointResponse) Success() bool {
	return r.Result == FTMSResultSuccess
}

func (r ControlPointResponse) String() string {
	return fmt.Sprintf("%s -> %s", opCodeName(r.RequestOpCode), resultName(r.Result))
}

// ParseControlPointResponse parses [0x80, RequestOpCode, ResultCode, ...]
func ParseControlPointResponse(buf []byte) (ControlPointResponse, error) {
	if len(buf) < 3 {
		return ControlPointResponse{}, fmt.Errorf("control point response too short: %v", buf)
	}
	if buf[0] != FTMSOpCodeResponseCode {
		return ControlPointResponse{}, fmt.Errorf("unexpected control point op code: 0x%02X", buf[0])
	}
	return ControlPointResponse{RequestOpCode: buf[1], Result: buf[2]}, nil
}

func opCodeName(op byte) string {
	switch op {
	case FTMSOpCodeRequestControl:
		return "Request Control"
	case FTMSOpCodeReset:
		return "Reset"
	case FTMSOpCodeSetTargetPower:
		return "Set Target Power"
	case FTMSOpCodeStartOrResume:
		return "Start/Resume"
	case FTMSOpCodeStopOrPause:
		return "Stop/Pause"
	case FTMSOpCodeSetSimulationParams:
		return "Set Simulation Parameters"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

func resultName(code byte) string {
	switch code {
	case FTMSResultSuccess:
		return "Success"
	case FTMSResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case FTMSResultOperationFailed:
		return "Operation Failed"
	case FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", code)
	}
}
