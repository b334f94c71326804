// Package wire frames controller commands for byte-stream links such as a serial port.
//
// A request is a four byte ASCII command followed, for commands that carry data, by a
// little-endian payload and its CRC-16. The controller echoes the command, followed by data and
// CRC for queries, or answers "errc", "errd" or "errv" when it rejects the request.
package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

const codeLen = 4

// Query and reply codes that are not motion commands.
const (
	codeStatus       = "gets"
	replyUnknown     = "errc"
	replyCorrupt     = "errd"
	replyValueReject = "errv"
)

var (
	// ErrDeviceRejected is returned when the controller answers with an error reply.
	ErrDeviceRejected = errors.New("controller rejected the request")
	// ErrChecksum is returned when a payload fails its CRC check.
	ErrChecksum = errors.New("frame checksum mismatch")
)

type movePayload struct {
	Position  int32
	UPosition int16
	Reserved  [6]byte
}

type positionPayload struct {
	Position    int32
	UPosition   int16
	EncPosition int64
	PosFlags    uint8
	Reserved    [5]byte
}

type speedPayload struct {
	Speed    uint32
	USpeed   uint8
	Reserved [11]byte
}

type homePayload struct {
	FastHome   uint32
	UFastHome  uint8
	SlowHome   uint32
	USlowHome  uint8
	HomeDelta  int32
	UHomeDelta int16
	HomeFlags  uint16
	Reserved   [9]byte
}

type statusPayload struct {
	MoveSts       uint32
	MvCmdSts      uint32
	PwrSts        uint32
	EncSts        uint32
	WindSts       uint32
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
	Reserved      [4]byte
}

// payloadSize returns the payload length of a request, or false for an unknown command.
func payloadSize(code string) (int, bool) {
	switch motion.Code(code) {
	case motion.CodeMove, motion.CodeMovr:
		return binary.Size(movePayload{}), true
	case motion.CodeSetPosition:
		return binary.Size(positionPayload{}), true
	case motion.CodeSetSpeed:
		return binary.Size(speedPayload{}), true
	case motion.CodeSetHomeSettings:
		return binary.Size(homePayload{}), true
	case motion.CodeLeft, motion.CodeRight, motion.CodeStop, motion.CodeSoftStop, motion.CodeHome,
		motion.CodeLoft, motion.CodeZero, motion.CodePowerOff:
		return 0, true
	}
	if code == codeStatus {
		return 0, true
	}
	return 0, false
}

func microsteps16(v int32) (int16, error) {
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, errors.Errorf("microsteps %d do not fit the frame", v)
	}
	return int16(v), nil
}

func speedFields(s units.RawSpeed) (uint32, uint8, error) {
	if s.Steps < 0 || s.Microsteps < 0 || s.Microsteps > math.MaxUint8 {
		return 0, 0, errors.Errorf("speed %d steps %d microsteps cannot be framed", s.Steps, s.Microsteps)
	}
	return uint32(s.Steps), uint8(s.Microsteps), nil
}

func commandPayload(cmd motion.Command) (any, error) {
	switch cmd.Code {
	case motion.CodeMove, motion.CodeMovr:
		u, err := microsteps16(cmd.Position.Microsteps)
		if err != nil {
			return nil, err
		}
		return &movePayload{Position: cmd.Position.Steps, UPosition: u}, nil
	case motion.CodeSetPosition:
		u, err := microsteps16(cmd.Position.Microsteps)
		if err != nil {
			return nil, err
		}
		return &positionPayload{Position: cmd.Position.Steps, UPosition: u, EncPosition: cmd.Position.Encoder}, nil
	case motion.CodeSetSpeed:
		speed, u, err := speedFields(cmd.Speed)
		if err != nil {
			return nil, err
		}
		return &speedPayload{Speed: speed, USpeed: u}, nil
	case motion.CodeSetHomeSettings:
		hs := cmd.Home
		fast, uFast, err := speedFields(hs.FastSpeed)
		if err != nil {
			return nil, err
		}
		slow, uSlow, err := speedFields(hs.SlowSpeed)
		if err != nil {
			return nil, err
		}
		uDelta, err := microsteps16(hs.Delta.Microsteps)
		if err != nil {
			return nil, err
		}
		if hs.Flags > math.MaxUint16 {
			return nil, errors.Errorf("home flags 0x%x do not fit the frame", uint32(hs.Flags))
		}
		return &homePayload{
			FastHome: fast, UFastHome: uFast,
			SlowHome: slow, USlowHome: uSlow,
			HomeDelta: hs.Delta.Steps, UHomeDelta: uDelta,
			HomeFlags: uint16(hs.Flags),
		}, nil
	}
	if _, ok := payloadSize(string(cmd.Code)); !ok {
		return nil, errors.Errorf("unknown command %q", cmd.Code)
	}
	return nil, nil
}

// EncodeCommand returns the request frame for cmd.
func EncodeCommand(cmd motion.Command) ([]byte, error) {
	payload, err := commandPayload(cmd)
	if err != nil {
		return nil, err
	}
	return frame(string(cmd.Code), payload)
}

func frame(code string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(code)
	if payload == nil {
		return buf.Bytes(), nil
	}
	if err := binary.Write(&buf, binary.LittleEndian, payload); err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint16(buf.Bytes(), crc16(buf.Bytes()[codeLen:])), nil
}

// decodePayload checks the trailing CRC of body and decodes the rest into out.
func decodePayload(body []byte, out any) error {
	n := len(body) - 2
	if n < 0 {
		return errors.New("frame too short")
	}
	if crc16(body[:n]) != binary.LittleEndian.Uint16(body[n:]) {
		return ErrChecksum
	}
	return binary.Read(bytes.NewReader(body[:n]), binary.LittleEndian, out)
}

// decodeCommand rebuilds the command of a request from its code and payload.
func decodeCommand(code string, body []byte) (motion.Command, error) {
	cmd := motion.Command{Code: motion.Code(code)}
	switch cmd.Code {
	case motion.CodeMove, motion.CodeMovr:
		var p movePayload
		if err := decodePayload(body, &p); err != nil {
			return cmd, err
		}
		cmd.Position = units.RawPosition{Steps: p.Position, Microsteps: int32(p.UPosition)}
	case motion.CodeSetPosition:
		var p positionPayload
		if err := decodePayload(body, &p); err != nil {
			return cmd, err
		}
		cmd.Position = units.RawPosition{Steps: p.Position, Microsteps: int32(p.UPosition), Encoder: p.EncPosition}
	case motion.CodeSetSpeed:
		var p speedPayload
		if err := decodePayload(body, &p); err != nil {
			return cmd, err
		}
		cmd.Speed = units.RawSpeed{Steps: int32(p.Speed), Microsteps: int32(p.USpeed)}
	case motion.CodeSetHomeSettings:
		var p homePayload
		if err := decodePayload(body, &p); err != nil {
			return cmd, err
		}
		cmd.Home = motion.HomeSettings{
			FastSpeed: units.RawSpeed{Steps: int32(p.FastHome), Microsteps: int32(p.UFastHome)},
			SlowSpeed: units.RawSpeed{Steps: int32(p.SlowHome), Microsteps: int32(p.USlowHome)},
			Delta:     units.RawPosition{Steps: p.HomeDelta, Microsteps: int32(p.UHomeDelta)},
			Flags:     motion.HomeFlags(p.HomeFlags),
		}
	}
	return cmd, nil
}

func toRaw(p statusPayload) status.Raw {
	return status.Raw{
		MoveSts:       uint8(p.MoveSts),
		MvCmdSts:      uint8(p.MvCmdSts),
		PwrSts:        uint8(p.PwrSts),
		EncSts:        uint8(p.EncSts),
		WindSts:       uint8(p.WindSts),
		CurPosition:   p.CurPosition,
		UCurPosition:  p.UCurPosition,
		EncPosition:   p.EncPosition,
		CurSpeed:      p.CurSpeed,
		UCurSpeed:     p.UCurSpeed,
		Ipwr:          p.Ipwr,
		Upwr:          p.Upwr,
		Iusb:          p.Iusb,
		Uusb:          p.Uusb,
		CurT:          p.CurT,
		Flags:         p.Flags,
		GPIOFlags:     p.GPIOFlags,
		CmdBufFreeCnt: p.CmdBufFreeCnt,
	}
}

func fromRaw(r status.Raw) statusPayload {
	return statusPayload{
		MoveSts:       uint32(r.MoveSts),
		MvCmdSts:      uint32(r.MvCmdSts),
		PwrSts:        uint32(r.PwrSts),
		EncSts:        uint32(r.EncSts),
		WindSts:       uint32(r.WindSts),
		CurPosition:   r.CurPosition,
		UCurPosition:  r.UCurPosition,
		EncPosition:   r.EncPosition,
		CurSpeed:      r.CurSpeed,
		UCurSpeed:     r.UCurSpeed,
		Ipwr:          r.Ipwr,
		Upwr:          r.Upwr,
		Iusb:          r.Iusb,
		Uusb:          r.Uusb,
		CurT:          r.CurT,
		Flags:         r.Flags,
		GPIOFlags:     r.GPIOFlags,
		CmdBufFreeCnt: r.CmdBufFreeCnt,
	}
}
