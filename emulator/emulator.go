// Package emulator implements a simulated controller that speaks the motion.Transport protocol.
// Simulated time advances by one tick on every status request, so tests run deterministically.
package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

// ErrRejected is returned for commands the simulated controller refuses while an alarm is latched.
var ErrRejected = errors.New("command rejected by controller")

// DefaultTick is the simulated time that passes between two status requests.
const DefaultTick = 10 * time.Millisecond

// Config describes the simulated axis. Limits are in whole steps and are disabled when
// LeftLimit >= RightLimit.
type Config struct {
	MicrostepMode      units.MicrostepMode
	StepsPerRevolution int32
	LeftLimit          int32
	RightLimit         int32
	Speed              units.RawSpeed
	Tick               time.Duration
}

type mode int

const (
	modeIdle mode = iota
	modeTarget
	modeJog
	modeHome
)

// Controller is a simulated single-axis controller. It is safe for concurrent use.
type Controller struct {
	logger logging.Logger

	mu          sync.Mutex
	conf        Config
	mps         int64
	pos         int64
	target      int64
	dir         int64
	speed       int64
	mode        mode
	cmd         status.CommandID
	failed      bool
	injectFault bool
	powered     bool
	homed       bool
	flags       status.Flags
	gpio        status.GPIOFlags
	home        motion.HomeSettings
	homeStage   int
	stageStart  int64
	sent        []motion.Command
}

// NewController returns an idle, powered controller at position zero.
func NewController(conf Config, logger logging.Logger) (*Controller, error) {
	if !conf.MicrostepMode.Valid() {
		conf.MicrostepMode = units.MicrostepFrac256
	}
	if conf.Tick <= 0 {
		conf.Tick = DefaultTick
	}
	if conf.StepsPerRevolution < 0 {
		return nil, errors.Errorf("steps per revolution must not be negative, got %d", conf.StepsPerRevolution)
	}
	if conf.Speed == (units.RawSpeed{}) {
		conf.Speed = units.RawSpeed{Steps: 1000}
	}
	c := &Controller{
		logger:  logger,
		conf:    conf,
		mps:     int64(conf.MicrostepMode.Microsteps()),
		powered: true,
	}
	c.speed = c.speedTotal(conf.Speed)
	return c, nil
}

func (c *Controller) speedTotal(s units.RawSpeed) int64 {
	return int64(s.Steps)*c.mps + int64(s.Microsteps)
}

func (c *Controller) posTotal(p units.RawPosition) int64 {
	return int64(p.Steps)*c.mps + int64(p.Microsteps)
}

// Send applies cmd.
func (c *Controller) Send(ctx context.Context, cmd motion.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debugf("emulator: %s", cmd)
	c.sent = append(c.sent, cmd)

	if c.flags.Alarm() && cmd.Code != motion.CodeStop && cmd.Code != motion.CodePowerOff {
		return errors.Wrapf(ErrRejected, "%s during alarm", cmd.Code)
	}

	switch cmd.Code {
	case motion.CodeMove:
		c.startTarget(status.CommandMove, c.posTotal(cmd.Position))
	case motion.CodeMovr:
		c.startTarget(status.CommandMovr, c.pos+c.posTotal(cmd.Position))
	case motion.CodeLeft:
		c.startJog(status.CommandLeft, -1)
	case motion.CodeRight:
		c.startJog(status.CommandRight, 1)
	case motion.CodeLoft:
		c.startTarget(status.CommandLoft, c.target)
	case motion.CodeSoftStop:
		c.startTarget(status.CommandSstp, c.pos)
	case motion.CodeStop:
		c.mode = modeIdle
		c.cmd = status.CommandStop
		c.failed = false
		c.flags &^= status.FlagAlarm
	case motion.CodeHome:
		f := c.home.Flags
		if f&motion.HomeSecondPhase != 0 && f&motion.HomeHalfRevolution != 0 && c.conf.StepsPerRevolution == 0 {
			return errors.Wrap(ErrRejected, "half revolution homing without steps per revolution")
		}
		c.startHome()
	case motion.CodeZero:
		c.pos, c.target = 0, 0
	case motion.CodeSetPosition:
		c.pos = c.posTotal(cmd.Position)
		c.target = c.pos
	case motion.CodePowerOff:
		c.mode = modeIdle
		c.powered = false
	case motion.CodeSetSpeed:
		c.speed = c.speedTotal(cmd.Speed)
	case motion.CodeSetHomeSettings:
		c.home = cmd.Home
	default:
		return errors.Wrapf(ErrRejected, "unknown command %q", cmd.Code)
	}
	return nil
}

func (c *Controller) begin(id status.CommandID) {
	c.cmd = id
	c.failed = false
	c.powered = true
}

func (c *Controller) startTarget(id status.CommandID, target int64) {
	c.begin(id)
	c.target = target
	c.mode = modeTarget
}

func (c *Controller) startJog(id status.CommandID, dir int64) {
	c.begin(id)
	c.dir = dir
	c.mode = modeJog
}

func (c *Controller) startHome() {
	c.begin(status.CommandHome)
	c.homed = false
	c.mode = modeHome
	c.enterHomeStage(1)
}

func (c *Controller) enterHomeStage(stage int) {
	c.homeStage = stage
	c.stageStart = c.pos
	hs := c.home
	switch stage {
	case 1:
		c.dir = direction(hs.Flags&motion.HomeDirFirstRight != 0)
		c.speed = c.speedTotal(hs.FastSpeed)
	case 2:
		c.dir = direction(hs.Flags&motion.HomeDirSecondRight != 0)
		c.speed = c.speedTotal(hs.SlowSpeed)
	case 3:
		delta := c.posTotal(hs.Delta)
		if hs.Flags&motion.HomeDirSecondRight == 0 {
			delta = -delta
		}
		c.target = c.pos + delta
		c.speed = c.speedTotal(hs.FastSpeed)
	}
}

func direction(right bool) int64 {
	if right {
		return 1
	}
	return -1
}

// Status advances simulated time by one tick and reports the result.
func (c *Controller) Status(ctx context.Context) (status.Raw, error) {
	if err := ctx.Err(); err != nil {
		return status.Raw{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tick()
	return c.snapshot(), nil
}

func (c *Controller) tick() {
	c.gpio &^= status.GPIORevolution
	if c.mode == modeIdle {
		c.updateLimits(0)
		return
	}
	if c.injectFault {
		c.injectFault = false
		c.failed = true
		c.mode = modeIdle
		return
	}

	step := c.speed * int64(c.conf.Tick) / int64(time.Second)
	if step < 1 {
		step = 1
	}
	old := c.pos
	switch {
	case c.mode == modeTarget || (c.mode == modeHome && c.homeStage == 3):
		d := c.target - c.pos
		if d < 0 {
			c.dir = -1
			d = -d
		} else {
			c.dir = 1
		}
		if d <= step {
			c.pos = c.target
			c.finishTarget()
		} else {
			c.pos += c.dir * step
		}
	default:
		c.pos += c.dir * step
	}
	if c.conf.StepsPerRevolution > 0 {
		rev := int64(c.conf.StepsPerRevolution) * c.mps
		if floorDiv(old, rev) != floorDiv(c.pos, rev) {
			c.gpio |= status.GPIORevolution
		}
	}
	hit := c.updateLimits(c.dir)
	if c.mode == modeHome && c.homeStage < 3 {
		c.advanceHome(hit)
		return
	}
	if hit {
		c.mode = modeIdle
	}
}

func (c *Controller) finishTarget() {
	if c.mode == modeHome {
		c.mode = modeIdle
		c.homed = true
		return
	}
	c.mode = modeIdle
}

// updateLimits clamps the position to the limit switches and reports whether the switch ahead
// in direction dir is pressed.
func (c *Controller) updateLimits(dir int64) bool {
	if c.conf.LeftLimit >= c.conf.RightLimit {
		return false
	}
	left := int64(c.conf.LeftLimit) * c.mps
	right := int64(c.conf.RightLimit) * c.mps
	c.gpio &^= status.GPIOLeftLimit | status.GPIORightLimit
	switch {
	case c.pos <= left:
		c.pos = left
		c.gpio |= status.GPIOLeftLimit
		return dir < 0
	case c.pos >= right:
		c.pos = right
		c.gpio |= status.GPIORightLimit
		return dir > 0
	}
	return false
}

func (c *Controller) advanceHome(hitLimit bool) {
	flags := c.home.Flags
	src := flags.FirstStop()
	if c.homeStage == 2 {
		src = flags.SecondStop()
	}
	fired := hitLimit
	switch src {
	case motion.StopRevolution:
		fired = c.gpio.Has(status.GPIORevolution)
	case motion.StopSync:
		fired = c.gpio.Has(status.GPIOSyncInput)
	}
	if fired && c.homeStage == 2 && flags&motion.HomeHalfRevolution != 0 {
		moved := c.pos - c.stageStart
		if moved < 0 {
			moved = -moved
		}
		fired = moved >= int64(c.conf.StepsPerRevolution)*c.mps/2
	}
	switch {
	case fired && c.homeStage == 1 && flags&motion.HomeSecondPhase != 0:
		c.enterHomeStage(2)
	case fired:
		c.enterHomeStage(3)
	case hitLimit:
		c.failed = true
		c.mode = modeIdle
	}
}

func (c *Controller) snapshot() status.Raw {
	steps, micro := floorDiv(c.pos, c.mps), floorMod(c.pos, c.mps)
	running := c.mode != modeIdle
	r := status.Raw{
		MvCmdSts:     status.MoveCommandStatus{Command: c.cmd, Running: running, FinishedWithError: c.failed}.Encode(),
		PwrSts:       uint8(status.PowerNormal),
		EncSts:       uint8(status.EncoderAbsent),
		WindSts:      uint8(status.WindingOK) | uint8(status.WindingOK)<<4,
		CurPosition:  int32(steps),
		UCurPosition: int16(micro),
		Upwr:         1200,
		Uusb:         500,
		CurT:         250,
		Flags:        uint32(c.flags),
		GPIOFlags:    uint32(c.gpio),
	}
	if !c.powered {
		r.PwrSts = uint8(status.PowerOff)
	}
	if c.homed {
		r.Flags |= uint32(status.FlagHomed)
	}
	if running {
		r.MoveSts = uint8(status.MoveStateMoving)
		r.CurSpeed = int32(c.dir * (c.speed / c.mps))
		r.UCurSpeed = int16(c.speed % c.mps)
	}
	return r
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - floorDiv(a, b)*b
}

// SetAlarm latches the alarm flag and halts motion, as a controller does on a fault condition.
func (c *Controller) SetAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags |= status.FlagAlarm
	c.mode = modeIdle
}

// SetSyncInput drives the sync input line.
func (c *Controller) SetSyncInput(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.gpio |= status.GPIOSyncInput
	} else {
		c.gpio &^= status.GPIOSyncInput
	}
}

// InjectFault makes the running command finish with an error on the next tick.
func (c *Controller) InjectFault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injectFault = true
}

// Position returns the current position.
func (c *Controller) Position() units.RawPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return units.RawPosition{Steps: int32(floorDiv(c.pos, c.mps)), Microsteps: int32(floorMod(c.pos, c.mps))}
}

// Commands returns every command received so far.
func (c *Controller) Commands() []motion.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]motion.Command, len(c.sent))
	copy(out, c.sent)
	return out
}
