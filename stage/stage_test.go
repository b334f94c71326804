package stage

import (
	"context"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/ximc/emulator"
	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/units"
)

const (
	planarStepsPerMM   = 8000
	verticalStepsPerMM = 4000
)

type rig struct {
	stage      *Stage
	x, y, z    *motion.Axis
	xd, yd, zd *emulator.Controller
}

func newAxis(t *testing.T, name string, stepsPerMM float64, logger logging.Logger) (*motion.Axis, *emulator.Controller) {
	t.Helper()
	dev, err := emulator.NewController(emulator.Config{
		MicrostepMode:      units.MicrostepFrac256,
		StepsPerRevolution: 200,
		LeftLimit:          -20000,
		RightLimit:         80000,
		Speed:              units.RawSpeed{Steps: 100000},
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	a, err := motion.NewAxis(dev, motion.Config{
		Name:               name,
		Calibration:        units.Calibration{Factor: 1 / stepsPerMM, MicrostepMode: units.MicrostepFrac256},
		StepsPerRevolution: 200,
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	return a, dev
}

func newRig(t *testing.T, conf Config) *rig {
	t.Helper()
	logger := logging.NewTestLogger(t)
	r := &rig{}
	r.x, r.xd = newAxis(t, "x", planarStepsPerMM, logger)
	r.y, r.yd = newAxis(t, "y", planarStepsPerMM, logger)
	r.z, r.zd = newAxis(t, "z", verticalStepsPerMM, logger)
	if conf.PollInterval == 0 {
		conf.PollInterval = time.Millisecond
	}
	s, err := New(r.x, r.y, r.z, conf, logger)
	test.That(t, err, test.ShouldBeNil)
	r.stage = s
	return r
}

func codes(cmds []motion.Command) []motion.Code {
	out := make([]motion.Code, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Code)
	}
	return out
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	x, _ := newAxis(t, "x", planarStepsPerMM, logger)
	dev, err := emulator.NewController(emulator.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	bare, err := motion.NewAxis(dev, motion.Config{Name: "bare"}, logger)
	test.That(t, err, test.ShouldBeNil)

	_, err = New(x, x, nil, Config{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = New(x, x, bare, Config{}, logger)
	test.That(t, errors.Is(err, units.ErrInvalidCalibration), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "axis bare")
}

func TestMoveTo(t *testing.T) {
	ctx := context.Background()

	t.Run("lift, travel, lower", func(t *testing.T) {
		r := newRig(t, Config{SafeHeight: 15})
		target := r3.Vector{X: 1.5, Y: -0.25, Z: -3.1}
		test.That(t, r.stage.MoveTo(ctx, target), test.ShouldBeNil)

		test.That(t, codes(r.zd.Commands()), test.ShouldResemble, []motion.Code{motion.CodeMove, motion.CodeMove})
		test.That(t, r.zd.Commands()[0].Position, test.ShouldResemble, units.RawPosition{Steps: 15 * verticalStepsPerMM})
		test.That(t, r.xd.Position(), test.ShouldResemble, units.RawPosition{Steps: 12000})
		test.That(t, r.yd.Position(), test.ShouldResemble, units.RawPosition{Steps: -2000})
		test.That(t, r.zd.Position(), test.ShouldResemble, units.RawPosition{Steps: -12400})

		pos, err := r.stage.Position(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos.X, test.ShouldAlmostEqual, target.X)
		test.That(t, pos.Y, test.ShouldAlmostEqual, target.Y)
		test.That(t, pos.Z, test.ShouldAlmostEqual, target.Z)
	})

	t.Run("mirrored", func(t *testing.T) {
		r := newRig(t, Config{SafeHeight: 1, FlipX: true, FlipY: true})
		test.That(t, r.stage.MoveTo(ctx, r3.Vector{X: -1, Y: -2}), test.ShouldBeNil)
		test.That(t, r.xd.Position(), test.ShouldResemble, units.RawPosition{Steps: 8000})
		test.That(t, r.yd.Position(), test.ShouldResemble, units.RawPosition{Steps: 16000})

		pos, err := r.stage.Position(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos.X, test.ShouldAlmostEqual, -1)
		test.That(t, pos.Y, test.ShouldAlmostEqual, -2)
	})

	t.Run("z failure keeps x and y still", func(t *testing.T) {
		r := newRig(t, Config{SafeHeight: 15})
		r.zd.SetAlarm()
		err := r.stage.MoveTo(ctx, r3.Vector{X: 1})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "lifting z")
		test.That(t, r.xd.Commands(), test.ShouldBeEmpty)
		test.That(t, r.yd.Commands(), test.ShouldBeEmpty)
	})
}

func TestHoming(t *testing.T) {
	ctx := context.Background()
	conf := Config{
		HomeLift: 5,
		XHome: motion.HomeSettings{
			FastSpeed: units.RawSpeed{Steps: 100000},
			SlowSpeed: units.RawSpeed{Steps: 10000},
			Delta:     units.RawPosition{Steps: 800},
			Flags: motion.HomeDirFirstRight | motion.HomeSecondPhase |
				motion.HomeStopFirstLimit | motion.HomeStopSecondRev,
		},
		YHome: motion.HomeSettings{
			FastSpeed: units.RawSpeed{Steps: 100000},
			Flags:     motion.HomeOnDevice | motion.HomeStopFirstLimit,
		},
		ZHome: motion.HomeSettings{
			FastSpeed: units.RawSpeed{Steps: 100000},
			Flags:     motion.HomeOnDevice | motion.HomeDirFirstRight | motion.HomeStopFirstLimit,
		},
	}

	t.Run("home and zero", func(t *testing.T) {
		r := newRig(t, conf)
		test.That(t, r.stage.HomeXY(ctx), test.ShouldBeNil)
		test.That(t, r.zd.Position(), test.ShouldResemble, units.RawPosition{Steps: 5 * verticalStepsPerMM})
		test.That(t, r.xd.Position(), test.ShouldResemble, units.RawPosition{Steps: 79100})
		test.That(t, r.yd.Position(), test.ShouldResemble, units.RawPosition{Steps: -20000})

		test.That(t, r.stage.ZeroXY(ctx), test.ShouldBeNil)
		test.That(t, r.xd.Position(), test.ShouldResemble, units.RawPosition{})
		test.That(t, r.yd.Position(), test.ShouldResemble, units.RawPosition{})

		test.That(t, r.stage.HomeZ(ctx), test.ShouldBeNil)
		test.That(t, r.zd.Position(), test.ShouldResemble, units.RawPosition{Steps: 80000})
		test.That(t, r.stage.ZeroZ(ctx), test.ShouldBeNil)
		test.That(t, r.zd.Position(), test.ShouldResemble, units.RawPosition{})
	})

	t.Run("one axis failing does not stop the other", func(t *testing.T) {
		r := newRig(t, conf)
		r.xd.SetAlarm()
		err := r.stage.HomeXY(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "homing x")
		test.That(t, r.yd.Position(), test.ShouldResemble, units.RawPosition{Steps: -20000})
	})
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Config{})
	test.That(t, r.x.Right(ctx), test.ShouldBeNil)
	test.That(t, r.stage.Stop(ctx), test.ShouldBeNil)
	for _, dev := range []*emulator.Controller{r.xd, r.yd, r.zd} {
		cmds := dev.Commands()
		test.That(t, cmds[len(cmds)-1].Code, test.ShouldEqual, motion.CodeSoftStop)
	}
	test.That(t, r.x.WaitForStop(ctx, time.Millisecond), test.ShouldBeNil)
}

func TestGrid(t *testing.T) {
	g := DefaultGrid()
	test.That(t, g.Pitch(), test.ShouldEqual, 3000)

	row, col, err := SquareFromMarkings(2, ShapeSquare, 1, ShapeCircle)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, row, test.ShouldEqual, -1)
	test.That(t, col, test.ShouldEqual, 2)
	_, _, err = SquareFromMarkings(0, ShapeSquare, 1, ShapeSquare)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, g.SquareCorner(1, 1), test.ShouldResemble, r2.Point{X: 400, Y: 400})
	test.That(t, g.SquareCorner(-1, 2), test.ShouldResemble, r2.Point{X: 3400, Y: -2600})

	p, err := g.Target(1, 1, r2.Point{X: 100, Y: 200})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldResemble, r2.Point{X: 23500, Y: 23600})

	_, err = g.Target(4, 4, r2.Point{})
	test.That(t, err, test.ShouldBeNil)
	_, err = g.Target(5, 5, r2.Point{})
	test.That(t, errors.Is(err, ErrOutsideCircle), test.ShouldBeTrue)
	_, err = g.Target(1, 1, r2.Point{X: 3001})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = g.Target(0, 1, r2.Point{})
	test.That(t, err, test.ShouldNotBeNil)
}
