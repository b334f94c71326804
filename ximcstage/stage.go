// Package ximcstage implements an X/Y/Z stage over three ximc motors, driven through DoCommand.
package ximcstage

import (
	"context"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/stage"
	"github.com/viam-modules/ximc/ximcmotor"
)

// DoCommand() related constants.
const (
	Command      = "command"
	MoveTo       = "move_to"
	MoveToSquare = "move_to_square"
	HomeXY       = "home_xy"
	HomeZ        = "home_z"
	ZeroXY       = "zero_xy"
	ZeroZ        = "zero_z"
	Position     = "position"
	Stop         = "stop"
)

func init() {
	resource.RegisterComponent(generic.API, Model, resource.Registration[resource.Resource, *Config]{
		Constructor: newStage,
	})
}

// Stage exposes stage.Stage as a generic component.
type Stage struct {
	resource.Named
	resource.AlwaysRebuild
	stage  *stage.Stage
	grid   stage.Grid
	homed  map[string]bool
	logger logging.Logger
	opMgr  *operation.SingleOperationManager
}

func newStage(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}

	axes := map[string]*motion.Axis{}
	homing := map[string]motion.HomeSettings{}
	homed := map[string]bool{}
	for _, name := range []string{conf.XMotor, conf.YMotor, conf.ZMotor} {
		m, err := motor.FromDependencies(deps, name)
		if err != nil {
			return nil, err
		}
		xm, ok := m.(*ximcmotor.Motor)
		if !ok {
			return nil, errors.Errorf("%q is not a ximc motor", name)
		}
		axes[name] = xm.Axis()
		homing[name], homed[name] = xm.Homing()
	}

	poll := motion.DefaultPollInterval
	if conf.PollIntervalMs > 0 {
		poll = time.Duration(conf.PollIntervalMs) * time.Millisecond
	}
	s, err := stage.New(axes[conf.XMotor], axes[conf.YMotor], axes[conf.ZMotor], stage.Config{
		SafeHeight:   conf.SafeHeight,
		HomeLift:     conf.HomeLift,
		FlipX:        conf.FlipX,
		FlipY:        conf.FlipY,
		XHome:        homing[conf.XMotor],
		YHome:        homing[conf.YMotor],
		ZHome:        homing[conf.ZMotor],
		PollInterval: poll,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Stage{
		Named: c.ResourceName().AsNamed(),
		stage: s,
		grid:  conf.Grid.grid(),
		homed: map[string]bool{
			"x": homed[conf.XMotor],
			"y": homed[conf.YMotor],
			"z": homed[conf.ZMotor],
		},
		logger: logger,
		opMgr:  operation.NewSingleOperationManager(),
	}, nil
}

// DoCommand runs a stage operation.
func (s *Stage) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case MoveTo:
		v, err := floats(cmd, "x", "y", "z")
		if err != nil {
			return nil, err
		}
		return nil, s.moveTo(ctx, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	case MoveToSquare:
		target, err := s.squareTarget(cmd)
		if err != nil {
			return nil, err
		}
		z, err := floats(cmd, "z")
		if err != nil {
			return nil, err
		}
		return nil, s.moveTo(ctx, r3.Vector{X: target.X, Y: target.Y, Z: z[0]})
	case HomeXY:
		if err := s.requireHoming("x", "y"); err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return nil, s.stage.HomeXY(ctx)
	case HomeZ:
		if err := s.requireHoming("z"); err != nil {
			return nil, err
		}
		ctx, done := s.opMgr.New(ctx)
		defer done()
		return nil, s.stage.HomeZ(ctx)
	case ZeroXY:
		return nil, s.stage.ZeroXY(ctx)
	case ZeroZ:
		return nil, s.stage.ZeroZ(ctx)
	case Position:
		v, err := s.stage.Position(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"x": v.X, "y": v.Y, "z": v.Z}, nil
	case Stop:
		s.opMgr.CancelRunning(ctx)
		return nil, s.stage.Stop(ctx)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (s *Stage) moveTo(ctx context.Context, target r3.Vector) error {
	ctx, done := s.opMgr.New(ctx)
	defer done()
	return errors.Wrapf(s.stage.MoveTo(ctx, target), "error in %s from stage (%s)", MoveTo, s.Name().ShortName())
}

func (s *Stage) requireHoming(axes ...string) error {
	for _, a := range axes {
		if !s.homed[a] {
			return errors.Errorf("%s motor has no home settings configured", a)
		}
	}
	return nil
}

// squareTarget picks a grid square either by "row" and "column" or by the markings on its
// edges ("x_marks", "x_shape", "y_marks", "y_shape"), offset by "dx" and "dy".
func (s *Stage) squareTarget(cmd map[string]interface{}) (r2.Point, error) {
	d, err := floats(cmd, "dx", "dy")
	if err != nil {
		return r2.Point{}, err
	}
	var row, col int
	if _, ok := cmd["x_marks"]; ok {
		marks, err := floats(cmd, "x_marks", "y_marks")
		if err != nil {
			return r2.Point{}, err
		}
		xShape, err := shape(cmd["x_shape"])
		if err != nil {
			return r2.Point{}, err
		}
		yShape, err := shape(cmd["y_shape"])
		if err != nil {
			return r2.Point{}, err
		}
		row, col, err = stage.SquareFromMarkings(int(marks[0]), xShape, int(marks[1]), yShape)
		if err != nil {
			return r2.Point{}, err
		}
	} else {
		rc, err := floats(cmd, "row", "column")
		if err != nil {
			return r2.Point{}, err
		}
		row, col = int(rc[0]), int(rc[1])
	}
	return s.grid.Target(row, col, r2.Point{X: d[0], Y: d[1]})
}

func shape(v interface{}) (stage.Shape, error) {
	switch v {
	case "square", nil:
		return stage.ShapeSquare, nil
	case "circle":
		return stage.ShapeCircle, nil
	default:
		return 0, errors.Errorf("marking shape must be square or circle, got %v", v)
	}
}

func floats(cmd map[string]interface{}, keys ...string) ([]float64, error) {
	out := make([]float64, 0, len(keys))
	for _, k := range keys {
		v, ok := cmd[k].(float64)
		if !ok {
			return nil, errors.Errorf("%s value must be floating point", k)
		}
		out = append(out, v)
	}
	return out, nil
}

// Close cancels any running stage operation. The motors release their own transports.
func (s *Stage) Close(ctx context.Context) error {
	s.opMgr.CancelRunning(ctx)
	return nil
}
