// Package stage sequences a three axis X/Y/Z positioning stage built from single-axis
// controllers: the tool is lifted before any planar travel and lowered only once X and Y are in place.
package stage

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/ximc/motion"
)

// Config holds the stage geometry in user units.
type Config struct {
	// SafeHeight is the Z position for planar travel.
	SafeHeight float64
	// HomeLift is the relative Z move made before homing X and Y.
	HomeLift float64
	// FlipX and FlipY mirror the planar axes, for stages mounted facing the operator.
	FlipX bool
	FlipY bool

	XHome motion.HomeSettings
	YHome motion.HomeSettings
	ZHome motion.HomeSettings

	PollInterval time.Duration
}

// Stage drives three calibrated axes.
type Stage struct {
	x, y, z *motion.Axis
	conf    Config
	logger  logging.Logger
}

// New returns a Stage. Every axis needs a calibration for the user-unit operations.
func New(x, y, z *motion.Axis, conf Config, logger logging.Logger) (*Stage, error) {
	if x == nil || y == nil || z == nil {
		return nil, errors.New("stage needs x, y and z axes")
	}
	for _, a := range []*motion.Axis{x, y, z} {
		if err := a.Calibration().Validate(); err != nil {
			return nil, errors.Wrapf(err, "axis %s", a.Name())
		}
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = motion.DefaultPollInterval
	}
	return &Stage{x: x, y: y, z: z, conf: conf, logger: logger}, nil
}

func (s *Stage) planar(v r3.Vector) (float64, float64) {
	x, y := v.X, v.Y
	if s.conf.FlipX {
		x = -x
	}
	if s.conf.FlipY {
		y = -y
	}
	return x, y
}

func (s *Stage) moveZ(ctx context.Context, z float64) error {
	if err := s.z.MoveCalibrated(ctx, z); err != nil {
		return err
	}
	return s.z.WaitForStop(ctx, s.conf.PollInterval)
}

// MoveTo lifts Z to the safe height, moves X and Y together and lowers Z to target.Z.
func (s *Stage) MoveTo(ctx context.Context, target r3.Vector) error {
	s.logger.Debugf("stage move to %v", target)
	if err := s.moveZ(ctx, s.conf.SafeHeight); err != nil {
		return errors.Wrap(err, "lifting z")
	}

	x, y := s.planar(target)
	if err := s.x.MoveCalibrated(ctx, x); err != nil {
		return errors.Wrap(err, "moving x")
	}
	if err := s.y.MoveCalibrated(ctx, y); err != nil {
		return multierr.Combine(errors.Wrap(err, "moving y"), s.x.SoftStop(ctx))
	}
	if err := multierr.Combine(
		s.x.WaitForStop(ctx, s.conf.PollInterval),
		s.y.WaitForStop(ctx, s.conf.PollInterval),
	); err != nil {
		return err
	}

	return errors.Wrap(s.moveZ(ctx, target.Z), "lowering z")
}

// HomeXY lifts Z by HomeLift and homes X and Y concurrently.
func (s *Stage) HomeXY(ctx context.Context) error {
	if s.conf.HomeLift != 0 {
		if err := s.z.MovrCalibrated(ctx, s.conf.HomeLift); err != nil {
			return errors.Wrap(err, "lifting z")
		}
		if err := s.z.WaitForStop(ctx, s.conf.PollInterval); err != nil {
			return errors.Wrap(err, "lifting z")
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, job := range []struct {
		axis *motion.Axis
		hs   motion.HomeSettings
	}{{s.x, s.conf.XHome}, {s.y, s.conf.YHome}} {
		wg.Add(1)
		go func(a *motion.Axis, hs motion.HomeSettings) {
			defer wg.Done()
			if err := a.HomeSequence(ctx, hs, s.conf.PollInterval); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, errors.Wrapf(err, "homing %s", a.Name()))
				mu.Unlock()
			}
		}(job.axis, job.hs)
	}
	wg.Wait()
	return errs
}

// HomeZ homes the Z axis.
func (s *Stage) HomeZ(ctx context.Context) error {
	return s.z.HomeSequence(ctx, s.conf.ZHome, s.conf.PollInterval)
}

// ZeroXY makes the current X and Y positions the origin.
func (s *Stage) ZeroXY(ctx context.Context) error {
	if err := s.x.Zero(ctx); err != nil {
		return err
	}
	return s.y.Zero(ctx)
}

// ZeroZ makes the current Z position the origin.
func (s *Stage) ZeroZ(ctx context.Context) error {
	return s.z.Zero(ctx)
}

// Position returns the corrected position of all axes in user units, undoing FlipX and FlipY.
func (s *Stage) Position(ctx context.Context) (r3.Vector, error) {
	var v r3.Vector
	var err error
	if v.X, err = s.x.PositionCalibrated(ctx); err != nil {
		return r3.Vector{}, err
	}
	if v.Y, err = s.y.PositionCalibrated(ctx); err != nil {
		return r3.Vector{}, err
	}
	if v.Z, err = s.z.PositionCalibrated(ctx); err != nil {
		return r3.Vector{}, err
	}
	v.X, v.Y = s.planar(v)
	return v, nil
}

// Stop decelerates every axis to a halt.
func (s *Stage) Stop(ctx context.Context) error {
	return multierr.Combine(s.x.SoftStop(ctx), s.y.SoftStop(ctx), s.z.SoftStop(ctx))
}
