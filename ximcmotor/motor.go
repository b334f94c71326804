// Package ximcmotor implements a motor driven by a ximc positioning controller.
package ximcmotor

import (
	"context"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/ximc/emulator"
	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/units"
	"github.com/viam-modules/ximc/wire"
)

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor represents one axis of a ximc controller. Positions are in revolutions of the motor
// shaft, speeds in rpm.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	axis        *motion.Axis
	closer      io.Closer
	raw         units.Calibration
	stepsPerRev int32
	maxRPM      float64
	home        *motion.HomeSettings
	poll        time.Duration
	logger      logging.Logger
	opMgr       *operation.SingleOperationManager
	motorName   string

	mu       sync.Mutex
	powerPct float64
}

// newMotor returns a ximc driven motor.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	tr, closer, err := openTransport(*conf, logger)
	if err != nil {
		return nil, err
	}
	m, err := makeMotor(ctx, *conf, c.ResourceName(), logger, tr, closer)
	if err != nil {
		if closer != nil {
			err = multierr.Combine(err, closer.Close())
		}
		return nil, err
	}
	return m, nil
}

func openTransport(conf Config, logger logging.Logger) (motion.Transport, io.Closer, error) {
	if conf.Transport == TransportSerial {
		baud := conf.BaudRate
		if baud == 0 {
			baud = 115200
		}
		client, err := wire.Open(conf.SerialPath, baud, msOrDefault(conf.TimeoutMs, wire.DefaultTimeout), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}

	mode, err := microstepMode(conf.Microsteps)
	if err != nil {
		return nil, nil, err
	}
	ec := EmulatorConfig{}
	if conf.Emulator != nil {
		ec = *conf.Emulator
	}
	dev, err := emulator.NewController(emulator.Config{
		MicrostepMode:      mode,
		StepsPerRevolution: int32(conf.StepsPerRevolution),
		LeftLimit:          ec.LeftLimit,
		RightLimit:         ec.RightLimit,
		Tick:               msOrDefault(ec.TickMs, emulator.DefaultTick),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return dev, nil, nil
}

func microstepMode(microsteps int) (units.MicrostepMode, error) {
	if microsteps == 0 {
		return units.MicrostepFrac256, nil
	}
	return units.MicrostepModeFor(microsteps)
}

// makeMotor returns a ximc driven motor. It is separate from newMotor, above, so you can inject
// a fake transport in here during testing. closer may be nil.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	tr motion.Transport, closer io.Closer,
) (*Motor, error) {
	if c.StepsPerRevolution <= 0 {
		return nil, errors.New("steps_per_revolution isn't set")
	}
	if c.Microsteps == 0 {
		logger.CWarn(ctx, "microsteps not set, assuming 256 per step")
	}
	mode, err := microstepMode(c.Microsteps)
	if err != nil {
		return nil, err
	}
	if c.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, setting to 200 rpm")
		c.MaxRPM = 200
	}

	axis, err := motion.NewAxis(tr, motion.Config{
		Name:               name.ShortName(),
		Calibration:        units.Calibration{Factor: c.UnitsPerStep, MicrostepMode: mode},
		StepsPerRevolution: int32(c.StepsPerRevolution),
	}, logger)
	if err != nil {
		return nil, err
	}

	m := &Motor{
		Named:       name.AsNamed(),
		axis:        axis,
		closer:      closer,
		raw:         units.Calibration{Factor: 1, MicrostepMode: mode},
		stepsPerRev: int32(c.StepsPerRevolution),
		maxRPM:      c.MaxRPM,
		poll:        msOrDefault(c.PollIntervalMs, motion.DefaultPollInterval),
		logger:      logger,
		opMgr:       operation.NewSingleOperationManager(),
		motorName:   name.ShortName(),
	}

	if c.Home != nil {
		hs, err := m.homeSettings(ctx, *c.Home)
		if err != nil {
			return nil, err
		}
		m.home = &hs
	}

	if c.CorrectionTable != "" {
		if err := m.loadCorrectionTable(ctx, c.CorrectionTable); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Motor) homeSettings(ctx context.Context, hc HomeConfig) (motion.HomeSettings, error) {
	if hc.FastRPM == 0 {
		m.logger.CWarn(ctx, "home fast_rpm not set: defaulting to 1/4 of max_rpm")
		hc.FastRPM = m.maxRPM / 4
	}
	if hc.SlowRPM == 0 {
		hc.SlowRPM = hc.FastRPM / 10
	}
	fast, err := m.rpmToSpeed(hc.FastRPM)
	if err != nil {
		return motion.HomeSettings{}, err
	}
	slow, err := m.rpmToSpeed(hc.SlowRPM)
	if err != nil {
		return motion.HomeSettings{}, err
	}
	delta, err := m.revsToPosition(hc.BackoffRevolutions)
	if err != nil {
		return motion.HomeSettings{}, err
	}
	return motion.HomeSettings{FastSpeed: fast, SlowSpeed: slow, Delta: delta, Flags: hc.flags()}, nil
}

func (m *Motor) loadCorrectionTable(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening correction table")
	}
	defer func() {
		if err := f.Close(); err != nil {
			m.logger.CError(ctx, err)
		}
	}()
	return errors.Wrapf(m.axis.LoadCorrectionTableFrom(f), "loading correction table %s", path)
}

// rpmToSpeed converts rpm to a controller speed, capped at max_rpm.
func (m *Motor) rpmToSpeed(rpm float64) (units.RawSpeed, error) {
	rpm = math.Min(math.Abs(rpm), m.maxRPM)
	return units.SpeedFromUserUnits(rpm/60*float64(m.stepsPerRev), m.raw)
}

func (m *Motor) revsToPosition(revs float64) (units.RawPosition, error) {
	return units.FromSteps(revs*float64(m.stepsPerRev), m.raw)
}

// Position gives the current motor position in revolutions.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	ds, err := m.axis.Status(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "error in Position from motor (%s)", m.motorName)
	}
	return ds.Position.FractionalSteps(m.raw) / float64(m.stepsPerRev), nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// SetPower sets the motor at a particular rpm based on the percent of
// maxRPM supplied by powerPct (between -1 and 1).
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(powerPct)
	return m.doJog(ctx, powerPct*m.maxRPM)
}

// SetRPM instructs the motor to move at the specified RPM indefinitely.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(rpm / m.maxRPM)
	return m.doJog(ctx, rpm)
}

func (m *Motor) setPowerPct(pct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerPct = pct
}

func (m *Motor) doJog(ctx context.Context, rpm float64) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if rpm != 0 {
		if warning != "" {
			m.logger.CWarn(ctx, warning)
		}
		if err != nil {
			m.logger.CError(ctx, err)
		}
	}
	if err != nil {
		return m.axis.SoftStop(ctx)
	}

	speed, err := m.rpmToSpeed(rpm)
	if err != nil {
		return err
	}
	if err := m.axis.SetSpeed(ctx, speed); err != nil {
		return err
	}
	if rpm < 0 {
		return m.axis.Left(ctx)
	}
	return m.axis.Right(ctx)
}

// GoFor turns in the given direction the given number of times at the given speed.
// Both the RPM and the revolutions can be assigned negative values to move in a backwards direction.
// Note: if both are negative the motor will spin in the forward direction.
func (m *Motor) GoFor(ctx context.Context, rpm, rotations float64, extra map[string]interface{}) error {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	curPos, err := m.Position(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
	}

	if math.Signbit(rotations) != math.Signbit(rpm) {
		rotations = -math.Abs(rotations)
	} else {
		rotations = math.Abs(rotations)
	}
	return m.GoTo(ctx, math.Abs(rpm), curPos+rotations, extra)
}

// GoTo moves to the specified position in revolutions from zero, at a specific speed. Regardless
// of the directionality of the RPM this function will move the motor towards the specified target.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()

	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	if err != nil {
		return err
	}

	speed, err := m.rpmToSpeed(rpm)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	target, err := m.revsToPosition(positionRevolutions)
	if err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	if err := m.axis.SetSpeed(ctx, speed); err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	if err := m.axis.Move(ctx, target); err != nil {
		return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
	}
	return m.axis.WaitForStop(ctx, m.poll)
}

// IsPowered returns true if the motor is currently moving.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	pct := m.powerPct
	m.mu.Unlock()
	on, err := m.IsMoving(ctx)
	if err != nil {
		return on, pct, errors.Wrapf(err, "error in IsPowered from motor (%s)", m.motorName)
	}
	return on, pct, nil
}

// IsMoving returns true if the motor is currently moving.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	ds, err := m.axis.Status(ctx)
	if err != nil {
		return false, err
	}
	return ds.MoveCommand.Running, nil
}

// Stop stops the motor immediately. It also clears a latched alarm.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(0)
	return m.axis.Stop(ctx)
}

// ResetZeroPosition sets the current position of the motor specified by the request
// (adjusted by a given offset) to be its new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	on, _, err := m.IsPowered(ctx, extra)
	if err != nil {
		return errors.Wrapf(err, "error in ResetZeroPosition from motor (%s)", m.motorName)
	} else if on {
		return errors.Errorf("can't zero motor (%s) while moving", m.motorName)
	}
	pos, err := m.revsToPosition(-offset)
	if err != nil {
		return err
	}
	return m.axis.SetPosition(ctx, pos)
}

// Close cancels any running operation and releases the transport.
func (m *Motor) Close(ctx context.Context) error {
	m.opMgr.CancelRunning(ctx)
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// Axis returns the controller axis driven by the motor, for components that sequence several
// motors together.
func (m *Motor) Axis() *motion.Axis {
	return m.axis
}

// Homing returns the configured homing sequence.
func (m *Motor) Homing() (motion.HomeSettings, bool) {
	if m.home == nil {
		return motion.HomeSettings{}, false
	}
	return *m.home, true
}
