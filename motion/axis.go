package motion

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/ximc/correction"
	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

// DefaultPollInterval is used by WaitForStop when no interval is given.
const DefaultPollInterval = 10 * time.Millisecond

// Config describes one axis.
type Config struct {
	Name string
	// Calibration is optional; calibrated operations fail until a valid one is set. Its
	// microstep mode is also used for raw position arithmetic.
	Calibration units.Calibration
	// StepsPerRevolution is only needed by homing phases that ignore the first half revolution.
	StepsPerRevolution int32
}

// Axis coordinates the commands of one controller. It expects a single caller issuing
// commands at a time; status reads may come from anywhere.
type Axis struct {
	name   string
	tr     Transport
	logger logging.Logger
	table  correction.Holder

	mu          sync.Mutex
	state       State
	afterStop   bool
	alarm       bool
	flags       status.Flags
	calib       units.Calibration
	stepsPerRev int32
	speed       units.RawSpeed
	speedSet    bool
}

// NewAxis returns an idle Axis that talks over tr.
func NewAxis(tr Transport, conf Config, logger logging.Logger) (*Axis, error) {
	if tr == nil {
		return nil, errors.New("axis needs a transport")
	}
	if conf.Calibration.Factor != 0 {
		if err := conf.Calibration.Validate(); err != nil {
			return nil, err
		}
	}
	if conf.StepsPerRevolution < 0 {
		return nil, errors.Errorf("steps per revolution must not be negative, got %d", conf.StepsPerRevolution)
	}
	return &Axis{
		name:        conf.Name,
		tr:          tr,
		logger:      logger,
		calib:       conf.Calibration,
		stepsPerRev: conf.StepsPerRevolution,
	}, nil
}

// Name returns the axis name.
func (a *Axis) Name() string {
	return a.name
}

// State returns the coordinator's view of the last motion command.
func (a *Axis) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// AlarmLatched reports whether a status poll has shown the alarm flag since the last stop.
func (a *Axis) AlarmLatched() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarm
}

// Issue sends cmd. While an alarm is latched only stop and pwof are sent.
func (a *Axis) Issue(ctx context.Context, cmd Command) error {
	if !cmd.Code.Valid() {
		return errors.Errorf("unknown command %q", cmd.Code)
	}
	a.mu.Lock()
	alarm, flags, state := a.alarm, a.flags, a.state
	a.mu.Unlock()
	if alarm && cmd.Code != CodeStop && cmd.Code != CodePowerOff {
		return &AlarmActiveError{Flags: flags}
	}
	if cmd.Code == CodePowerOff && (state == StateCommanded || state == StateRunning) {
		a.logger.CWarnf(ctx, "%s: powering off while a %s command may still be running", a.name, state)
	}

	a.logger.Debugf("%s: send %s", a.name, cmd)
	if err := a.tr.Send(ctx, cmd); err != nil {
		return &TransportError{Op: string(cmd.Code), Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case cmd.Code == CodeStop:
		a.state = StateCompleted
		a.afterStop = true
		a.alarm = false
	case cmd.Code.Moves():
		a.state = StateCommanded
		a.afterStop = false
	case cmd.Code.instant():
		if a.state != StateCommanded && a.state != StateRunning {
			a.state = StateCompleted
		}
	case cmd.Code == CodeSetSpeed:
		a.speed = cmd.Speed
		a.speedSet = true
	}
	return nil
}

// Status polls the controller and advances the command state.
func (a *Axis) Status(ctx context.Context) (status.DeviceStatus, error) {
	raw, err := a.tr.Status(ctx)
	if err != nil {
		return status.DeviceStatus{}, &TransportError{Op: "status", Err: err}
	}
	ds := status.Decode(raw)
	a.observe(ds)
	return ds, nil
}

func (a *Axis) observe(ds status.DeviceStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flags = ds.Flags
	if ds.Flags.Alarm() && !a.alarm {
		a.alarm = true
		a.logger.Warnf("%s: controller raised an alarm (%s)", a.name, ds.Flags)
	}
	if a.state != StateCommanded && a.state != StateRunning {
		return
	}
	mc := ds.MoveCommand
	switch {
	case mc.Running:
		a.state = StateRunning
	case mc.FinishedWithError && !a.afterStop:
		a.state = StateFaulted
	default:
		a.state = StateCompleted
	}
}

// WaitForStop polls every interval until the controller reports no running command. It returns
// CommandFaultedError if that command finished with an error and AlarmActiveError if an alarm
// shows up meanwhile. A canceled ctx ends the wait; the motion itself continues.
func (a *Axis) WaitForStop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		ds, err := a.Status(ctx)
		if err != nil {
			return err
		}
		if ds.Flags.Alarm() {
			return &AlarmActiveError{Flags: ds.Flags}
		}
		if !ds.MoveCommand.Running {
			if a.State() == StateFaulted {
				return &CommandFaultedError{Command: ds.MoveCommand.Command}
			}
			return nil
		}
		if !utils.SelectContextOrWait(ctx, interval) {
			return errors.Wrapf(ctx.Err(), "%s: waiting for stop", a.name)
		}
	}
}

// Move starts an absolute move to target.
func (a *Axis) Move(ctx context.Context, target units.RawPosition) error {
	return a.issuePosition(ctx, CodeMove, target)
}

// Movr starts a move by delta from the current position.
func (a *Axis) Movr(ctx context.Context, delta units.RawPosition) error {
	return a.issuePosition(ctx, CodeMovr, delta)
}

func (a *Axis) issuePosition(ctx context.Context, code Code, pos units.RawPosition) error {
	pos, err := pos.Normalize(a.rawCalibration())
	if err != nil {
		return errors.Wrapf(err, "%s: %s", a.name, code)
	}
	return a.Issue(ctx, Command{Code: code, Position: pos})
}

// Left starts a continuous move towards the left limit.
func (a *Axis) Left(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeLeft})
}

// Right starts a continuous move towards the right limit.
func (a *Axis) Right(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeRight})
}

// Stop halts immediately and clears a latched alarm.
func (a *Axis) Stop(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeStop})
}

// SoftStop decelerates to a halt.
func (a *Axis) SoftStop(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeSoftStop})
}

// Home starts the controller's own homing routine with the settings last sent by SetHomeSettings.
func (a *Axis) Home(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeHome})
}

// Loft starts a backlash-compensating approach to the current target.
func (a *Axis) Loft(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeLoft})
}

// Zero makes the current position the origin.
func (a *Axis) Zero(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodeZero})
}

// SetPosition overwrites the controller's position counter without moving.
func (a *Axis) SetPosition(ctx context.Context, pos units.RawPosition) error {
	return a.issuePosition(ctx, CodeSetPosition, pos)
}

// PowerOff de-energizes the windings. It must not be issued while a move is running.
func (a *Axis) PowerOff(ctx context.Context) error {
	return a.Issue(ctx, Command{Code: CodePowerOff})
}

// SetSpeed sets the speed used by subsequent moves.
func (a *Axis) SetSpeed(ctx context.Context, speed units.RawSpeed) error {
	return a.Issue(ctx, Command{Code: CodeSetSpeed, Speed: speed})
}

// SetHomeSettings stores hs on the controller for its own homing routine.
func (a *Axis) SetHomeSettings(ctx context.Context, hs HomeSettings) error {
	return a.Issue(ctx, Command{Code: CodeSetHomeSettings, Home: hs})
}

// Speed returns the last speed sent with SetSpeed.
func (a *Axis) Speed() (units.RawSpeed, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed, a.speedSet
}

// rawCalibration carries the microstep mode for raw arithmetic even when no user calibration is set.
func (a *Axis) rawCalibration() units.Calibration {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.calib
	if c.Engine == units.EngineStepper && !c.MicrostepMode.Valid() {
		c.MicrostepMode = units.MicrostepFrac256
	}
	return c
}
