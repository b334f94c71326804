// Package status decodes raw controller status snapshots into typed fields.
package status

import (
	"strings"

	"github.com/viam-modules/ximc/units"
)

// MoveState is informational motion state. It is not authoritative for command completion:
// use MoveCommandStatus.Running for that.
type MoveState uint8

// Move state bits.
const (
	MoveStateMoving             MoveState = 0x01
	MoveStateTargetSpeedReached MoveState = 0x02
	MoveStateAntiplayActive     MoveState = 0x04
)

// Has reports whether every bit of b is set.
func (s MoveState) Has(b MoveState) bool {
	return s&b == b
}

func (s MoveState) String() string {
	return joinBits(uint32(s), []bitName{
		{uint32(MoveStateMoving), "moving"},
		{uint32(MoveStateTargetSpeedReached), "target_speed"},
		{uint32(MoveStateAntiplayActive), "antiplay"},
	})
}

// CommandID identifies the most recent motion command.
type CommandID uint8

// Motion command identifiers.
const (
	CommandNone CommandID = iota
	CommandMove
	CommandMovr
	CommandLeft
	CommandRight
	CommandStop
	CommandHome
	CommandLoft
	CommandSstp
)

func (c CommandID) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandMove:
		return "move"
	case CommandMovr:
		return "movr"
	case CommandLeft:
		return "left"
	case CommandRight:
		return "right"
	case CommandStop:
		return "stop"
	case CommandHome:
		return "home"
	case CommandLoft:
		return "loft"
	case CommandSstp:
		return "sstp"
	default:
		return "unknown"
	}
}

const (
	moveCommandIDMask  = 0x3F
	moveCommandError   = 0x40
	moveCommandRunning = 0x80
)

// MoveCommandStatus is the authoritative completion signal of the last motion command.
// Running=false with FinishedWithError=true means it terminated abnormally.
type MoveCommandStatus struct {
	Command           CommandID
	Running           bool
	FinishedWithError bool
}

// DecodeMoveCommand unpacks a move command status byte: low 6 bits command id, bit 6
// finished-with-error, bit 7 running. Unknown ids decode as CommandNone.
func DecodeMoveCommand(b uint8) MoveCommandStatus {
	id := CommandID(b & moveCommandIDMask)
	if id > CommandSstp {
		id = CommandNone
	}
	return MoveCommandStatus{
		Command:           id,
		Running:           b&moveCommandRunning != 0,
		FinishedWithError: b&moveCommandError != 0,
	}
}

// Encode packs s back into its byte form.
func (s MoveCommandStatus) Encode() uint8 {
	b := uint8(s.Command) & moveCommandIDMask
	if s.FinishedWithError {
		b |= moveCommandError
	}
	if s.Running {
		b |= moveCommandRunning
	}
	return b
}

// PowerState is the state of the motor power stage.
type PowerState uint8

// Power states.
const (
	PowerUnknown PowerState = 0
	PowerOff     PowerState = 1
	PowerNormal  PowerState = 3
	PowerReduced PowerState = 4
	PowerMax     PowerState = 5
)

func (p PowerState) String() string {
	switch p {
	case PowerOff:
		return "off"
	case PowerNormal:
		return "normal"
	case PowerReduced:
		return "reduced"
	case PowerMax:
		return "max"
	default:
		return "unknown"
	}
}

// EncoderState is the health of the position encoder.
type EncoderState uint8

// Encoder states.
const (
	EncoderAbsent EncoderState = iota
	EncoderUnknown
	EncoderMalfunction
	EncoderReversed
	EncoderOK
)

func (e EncoderState) String() string {
	switch e {
	case EncoderAbsent:
		return "absent"
	case EncoderMalfunction:
		return "malfunction"
	case EncoderReversed:
		return "reversed"
	case EncoderOK:
		return "ok"
	default:
		return "unknown"
	}
}

// WindingState is the health of one motor winding.
type WindingState uint8

// Winding states. Winding A is reported in the low nibble of the raw byte, B in the high one.
const (
	WindingAbsent WindingState = iota
	WindingUnknown
	WindingMalfunction
	WindingOK
)

func (w WindingState) String() string {
	switch w {
	case WindingAbsent:
		return "absent"
	case WindingMalfunction:
		return "malfunction"
	case WindingOK:
		return "ok"
	default:
		return "unknown"
	}
}

// DecodeWindings splits a raw winding byte into the A and B states.
func DecodeWindings(b uint8) (a, bState WindingState) {
	return WindingState(b & 0x0F), WindingState(b >> 4)
}

// Raw is the status snapshot as delivered by the transport. All quantities are raw units:
// currents in mA, voltages in tens of mV, temperature in tenths of a degree Celsius.
type Raw struct {
	MoveSts       uint8
	MvCmdSts      uint8
	PwrSts        uint8
	EncSts        uint8
	WindSts       uint8
	CurPosition   int32
	UCurPosition  int16
	EncPosition   int64
	CurSpeed      int32
	UCurSpeed     int16
	Ipwr          int16
	Upwr          int16
	Iusb          int16
	Uusb          int16
	CurT          int16
	Flags         uint32
	GPIOFlags     uint32
	CmdBufFreeCnt uint8
}

// DeviceStatus is the decoded form of Raw.
type DeviceStatus struct {
	MoveState   MoveState
	MoveCommand MoveCommandStatus
	Power       PowerState
	Encoder     EncoderState
	WindingA    WindingState
	WindingB    WindingState
	Position    units.RawPosition
	Speed       units.RawSpeed
	Flags       Flags
	GPIO        GPIOFlags

	PowerCurrent  int16 // mA
	PowerVoltage  int16 // tens of mV
	USBCurrent    int16 // mA
	USBVoltage    int16 // tens of mV
	Temperature   int16 // tenths of a degree Celsius
	CommandBuffer uint8
}

// Decode turns a raw snapshot into a DeviceStatus. Position and speed keep the device's own
// whole/fractional split.
func Decode(r Raw) DeviceStatus {
	a, b := DecodeWindings(r.WindSts)
	return DeviceStatus{
		MoveState:   MoveState(r.MoveSts),
		MoveCommand: DecodeMoveCommand(r.MvCmdSts),
		Power:       PowerState(r.PwrSts),
		Encoder:     EncoderState(r.EncSts),
		WindingA:    a,
		WindingB:    b,
		Position: units.RawPosition{
			Steps:      r.CurPosition,
			Microsteps: int32(r.UCurPosition),
			Encoder:    r.EncPosition,
		},
		Speed:         units.RawSpeed{Steps: r.CurSpeed, Microsteps: int32(r.UCurSpeed)},
		Flags:         Flags(r.Flags),
		GPIO:          GPIOFlags(r.GPIOFlags),
		PowerCurrent:  r.Ipwr,
		PowerVoltage:  r.Upwr,
		USBCurrent:    r.Iusb,
		USBVoltage:    r.Uusb,
		Temperature:   r.CurT,
		CommandBuffer: r.CmdBufFreeCnt,
	}
}

type bitName struct {
	bit  uint32
	name string
}

func joinBits(v uint32, names []bitName) string {
	var set []string
	for _, n := range names {
		if v&n.bit != 0 {
			set = append(set, n.name)
		}
	}
	return strings.Join(set, "|")
}
