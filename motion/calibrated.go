package motion

import (
	"context"
	"io"

	"github.com/viam-modules/ximc/correction"
	"github.com/viam-modules/ximc/status"
	"github.com/viam-modules/ximc/units"
)

// SetCalibration replaces the user-unit calibration.
func (a *Axis) SetCalibration(c units.Calibration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calib = c
	return nil
}

// Calibration returns the current calibration, which may be unset.
func (a *Axis) Calibration() units.Calibration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calib
}

func (a *Axis) validCalibration() (units.Calibration, error) {
	c := a.Calibration()
	return c, c.Validate()
}

// CorrectionTable returns the active table, nil when none is loaded.
func (a *Axis) CorrectionTable() *correction.Table {
	return a.table.Load()
}

// LoadCorrectionTable swaps in a table built from points. On error the previous table stays active.
func (a *Axis) LoadCorrectionTable(points []correction.Point) error {
	if err := a.table.Replace(points); err != nil {
		return err
	}
	a.logger.Infof("%s: loaded correction table with %d points", a.name, len(points))
	return nil
}

// LoadCorrectionTableFrom parses a table from r and swaps it in.
func (a *Axis) LoadCorrectionTableFrom(r io.Reader) error {
	points, err := correction.Parse(r)
	if err != nil {
		return err
	}
	return a.LoadCorrectionTable(points)
}

// ClearCorrectionTable disables correction.
func (a *Axis) ClearCorrectionTable() {
	a.table.Clear()
}

// MoveCalibrated moves to target in user units, compensating for the correction table.
func (a *Axis) MoveCalibrated(ctx context.Context, target float64) error {
	c, err := a.validCalibration()
	if err != nil {
		return err
	}
	raw, err := a.table.Load().InvertTargetToRaw(target, c)
	if err != nil {
		return err
	}
	return a.Move(ctx, raw)
}

// MovrCalibrated moves by delta user units. While a move is in flight its target is unknown here,
// so the shift is sent without correction.
func (a *Axis) MovrCalibrated(ctx context.Context, delta float64) error {
	c, err := a.validCalibration()
	if err != nil {
		return err
	}
	table := a.table.Load()
	if table.Len() == 0 {
		raw, err := units.FromUserUnits(delta, c)
		if err != nil {
			return err
		}
		return a.Movr(ctx, raw)
	}

	ds, err := a.Status(ctx)
	if err != nil {
		return err
	}
	if ds.MoveCommand.Running || ds.MoveState.Has(status.MoveStateMoving) {
		a.logger.Debugf("%s: relative move while moving, correction not applied", a.name)
		raw, err := units.FromUserUnits(delta, c)
		if err != nil {
			return err
		}
		return a.Movr(ctx, raw)
	}

	cur, err := table.CorrectedUserPosition(ds.Position, c)
	if err != nil {
		return err
	}
	target, err := table.InvertTargetToRaw(cur+delta, c)
	if err != nil {
		return err
	}
	d, err := target.Sub(ds.Position, c)
	if err != nil {
		return err
	}
	return a.Movr(ctx, d)
}

// SetSpeedCalibrated sets the move speed in user units per second.
func (a *Axis) SetSpeedCalibrated(ctx context.Context, speed float64) error {
	c, err := a.validCalibration()
	if err != nil {
		return err
	}
	raw, err := units.SpeedFromUserUnits(speed, c)
	if err != nil {
		return err
	}
	return a.SetSpeed(ctx, raw)
}

// SetPositionCalibrated overwrites the position counter so that it reads pos in user units.
func (a *Axis) SetPositionCalibrated(ctx context.Context, pos float64) error {
	c, err := a.validCalibration()
	if err != nil {
		return err
	}
	raw, err := a.table.Load().InvertTargetToRaw(pos, c)
	if err != nil {
		return err
	}
	return a.SetPosition(ctx, raw)
}

// StatusCalibrated polls the controller and projects the result into user units.
func (a *Axis) StatusCalibrated(ctx context.Context) (status.Calibrated, error) {
	c, err := a.validCalibration()
	if err != nil {
		return status.Calibrated{}, err
	}
	ds, err := a.Status(ctx)
	if err != nil {
		return status.Calibrated{}, err
	}
	return status.Calibrate(ds, c, a.table.Load())
}

// PositionCalibrated returns the corrected position in user units.
func (a *Axis) PositionCalibrated(ctx context.Context) (float64, error) {
	cs, err := a.StatusCalibrated(ctx)
	if err != nil {
		return 0, err
	}
	return cs.UserPosition, nil
}
