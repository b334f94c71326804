// Package motion issues motion commands to a single controller and tracks their completion,
// including the multi-phase homing sequence and calibrated (user-unit) moves.
package motion

import (
	"context"
	"fmt"

	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

// Transport carries commands and status requests to one controller. Calls are synchronous and
// the transport keeps at most one request in flight.
type Transport interface {
	Send(ctx context.Context, cmd Command) error
	Status(ctx context.Context) (status.Raw, error)
}

// Code is a four letter controller command.
type Code string

// Commands understood by the controller.
const (
	CodeMove            Code = "move"
	CodeMovr            Code = "movr"
	CodeLeft            Code = "left"
	CodeRight           Code = "rigt"
	CodeStop            Code = "stop"
	CodeSoftStop        Code = "sstp"
	CodeHome            Code = "home"
	CodeLoft            Code = "loft"
	CodeZero            Code = "zero"
	CodePowerOff        Code = "pwof"
	CodeSetSpeed        Code = "smov"
	CodeSetHomeSettings Code = "shom"
	CodeSetPosition     Code = "spos"
)

// Valid reports whether c is a known command.
func (c Code) Valid() bool {
	switch c {
	case CodeMove, CodeMovr, CodeLeft, CodeRight, CodeStop, CodeSoftStop, CodeHome, CodeLoft,
		CodeZero, CodePowerOff, CodeSetSpeed, CodeSetHomeSettings, CodeSetPosition:
		return true
	default:
		return false
	}
}

// Moves reports whether c starts a tracked motion command.
func (c Code) Moves() bool {
	switch c {
	case CodeMove, CodeMovr, CodeLeft, CodeRight, CodeHome, CodeLoft, CodeSoftStop:
		return true
	default:
		return false
	}
}

// instant commands take effect on receipt without a tracked motion.
func (c Code) instant() bool {
	return c == CodeZero || c == CodeSetPosition
}

// Command is one request to the controller. Position is the target of move, the shift of movr
// and the new value of spos; Speed is used by smov; Home by shom.
type Command struct {
	Code     Code
	Position units.RawPosition
	Speed    units.RawSpeed
	Home     HomeSettings
}

func (c Command) String() string {
	switch c.Code {
	case CodeMove, CodeMovr, CodeSetPosition:
		return fmt.Sprintf("%s(%d, %d)", c.Code, c.Position.Steps, c.Position.Microsteps)
	case CodeSetSpeed:
		return fmt.Sprintf("%s(%d, %d)", c.Code, c.Speed.Steps, c.Speed.Microsteps)
	case CodeSetHomeSettings:
		return fmt.Sprintf("%s(flags=0x%03x)", c.Code, uint32(c.Home.Flags))
	default:
		return string(c.Code)
	}
}

// State is the coordinator's view of the last motion command.
type State int

// Coordinator states.
const (
	StateIdle State = iota
	StateCommanded
	StateRunning
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCommanded:
		return "commanded"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
