package motion

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

// StopSource is the signal that ends a homing phase.
type StopSource uint8

// Stop sources.
const (
	StopNone StopSource = iota
	StopRevolution
	StopSync
	StopLimit
)

func (s StopSource) String() string {
	switch s {
	case StopNone:
		return "none"
	case StopRevolution:
		return "revolution sensor"
	case StopSync:
		return "sync input"
	case StopLimit:
		return "limit switch"
	default:
		return "unknown"
	}
}

// HomeFlags configure the homing sequence. The layout matches the controller's home settings.
type HomeFlags uint32

// Homing options.
const (
	HomeDirFirstRight   HomeFlags = 0x001
	HomeDirSecondRight  HomeFlags = 0x002
	HomeSecondPhase     HomeFlags = 0x004
	HomeHalfRevolution  HomeFlags = 0x008
	HomeStopFirstRev    HomeFlags = 0x010
	HomeStopFirstSync   HomeFlags = 0x020
	HomeStopFirstLimit  HomeFlags = 0x030
	HomeStopSecondRev   HomeFlags = 0x040
	HomeStopSecondSync  HomeFlags = 0x080
	HomeStopSecondLimit HomeFlags = 0x0C0
	HomeOnDevice        HomeFlags = 0x100

	homeStopFirstMask  HomeFlags = 0x030
	homeStopSecondMask HomeFlags = 0x0C0
)

// FirstStop returns the source that ends phase one.
func (f HomeFlags) FirstStop() StopSource {
	return StopSource((f & homeStopFirstMask) >> 4)
}

// SecondStop returns the source that ends phase two.
func (f HomeFlags) SecondStop() StopSource {
	return StopSource((f & homeStopSecondMask) >> 6)
}

// HomeSettings drive the homing sequence. Speeds are magnitudes.
type HomeSettings struct {
	FastSpeed units.RawSpeed
	SlowSpeed units.RawSpeed
	// Delta is the shift applied after the last phase, in the direction of phase two.
	Delta units.RawPosition
	Flags HomeFlags
}

// HomeSequence finds the home position. With HomeOnDevice set the controller runs its own
// routine; otherwise the phases are sequenced here:
//
//  1. jog at FastSpeed in the first direction until the first stop source fires
//  2. if HomeSecondPhase is set, jog at SlowSpeed in the second direction until the second
//     stop source fires, ignoring it for the first half revolution if HomeHalfRevolution is set
//  3. shift by Delta in the second direction at FastSpeed, whether or not phase two ran
//
// Any failure ends the sequence. A previously set speed is restored afterwards.
func (a *Axis) HomeSequence(ctx context.Context, hs HomeSettings, interval time.Duration) (err error) {
	if hs.Flags&HomeOnDevice != 0 {
		if err := a.SetHomeSettings(ctx, hs); err != nil {
			return err
		}
		if err := a.Home(ctx); err != nil {
			return err
		}
		return a.WaitForStop(ctx, interval)
	}

	secondPhase := hs.Flags&HomeSecondPhase != 0
	if secondPhase && hs.Flags&HomeHalfRevolution != 0 && a.stepsPerRev <= 0 {
		return errors.Errorf("%s: ignoring the first half revolution needs steps per revolution", a.name)
	}

	if prev, ok := a.Speed(); ok {
		defer func() {
			err = multierr.Combine(err, a.SetSpeed(ctx, prev))
		}()
	}

	right := hs.Flags&HomeDirFirstRight != 0
	if err := a.homePhase(ctx, hs.FastSpeed, right, hs.Flags.FirstStop(), 0, interval); err != nil {
		return errors.Wrap(err, "home phase one")
	}

	right = hs.Flags&HomeDirSecondRight != 0
	if secondPhase {
		var ignore int64
		if hs.Flags&HomeHalfRevolution != 0 {
			c := a.rawCalibration()
			ignore = int64(a.stepsPerRev) * int64(c.Microsteps()) / 2
		}
		if err := a.homePhase(ctx, hs.SlowSpeed, right, hs.Flags.SecondStop(), ignore, interval); err != nil {
			return errors.Wrap(err, "home phase two")
		}
	}

	c := a.rawCalibration()
	delta, err := hs.Delta.Normalize(c)
	if err != nil {
		return err
	}
	if !right {
		if delta, err = delta.Neg(c); err != nil {
			return err
		}
	}
	if err := a.SetSpeed(ctx, hs.FastSpeed); err != nil {
		return err
	}
	if err := a.Movr(ctx, delta); err != nil {
		return err
	}
	return errors.Wrap(a.WaitForStop(ctx, interval), "home backoff")
}

// HomeZero homes and then makes the home position the origin.
func (a *Axis) HomeZero(ctx context.Context, hs HomeSettings, interval time.Duration) error {
	if err := a.HomeSequence(ctx, hs, interval); err != nil {
		return err
	}
	return a.Zero(ctx)
}

// homePhase jogs until src fires, then stops. Triggers within ignore microsteps of the start
// are skipped. With no source the phase ends when the controller stops by itself.
func (a *Axis) homePhase(
	ctx context.Context, speed units.RawSpeed, right bool, src StopSource, ignore int64, interval time.Duration,
) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	c := a.rawCalibration()

	var start int64
	if ignore > 0 {
		ds, err := a.Status(ctx)
		if err != nil {
			return err
		}
		start = ds.Position.Total(c)
	}

	if err := a.SetSpeed(ctx, speed); err != nil {
		return err
	}
	jog := a.Left
	if right {
		jog = a.Right
	}
	if err := jog(ctx); err != nil {
		return err
	}

	for {
		ds, err := a.Status(ctx)
		if err != nil {
			return err
		}
		if ds.Flags.Alarm() {
			return &AlarmActiveError{Flags: ds.Flags}
		}
		moved := ds.Position.Total(c) - start
		if moved < 0 {
			moved = -moved
		}
		fired := triggered(ds, src, right) && moved >= ignore
		if fired {
			return a.Stop(ctx)
		}
		if !ds.MoveCommand.Running {
			if a.State() == StateFaulted {
				return &CommandFaultedError{Command: ds.MoveCommand.Command}
			}
			if src == StopNone {
				return nil
			}
			return errors.Errorf("%s: motion ended before the %s fired", a.name, src)
		}
		if !utils.SelectContextOrWait(ctx, interval) {
			return errors.Wrapf(ctx.Err(), "%s: homing", a.name)
		}
	}
}

// triggered reports whether src is active. Limit switches count only on the side being approached.
func triggered(ds status.DeviceStatus, src StopSource, right bool) bool {
	switch src {
	case StopRevolution:
		return ds.GPIO.Has(status.GPIORevolution)
	case StopSync:
		return ds.GPIO.Has(status.GPIOSyncInput)
	case StopLimit:
		if right {
			return ds.GPIO.Has(status.GPIORightLimit)
		}
		return ds.GPIO.Has(status.GPIOLeftLimit)
	default:
		return false
	}
}
