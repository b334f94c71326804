package ximcmotor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/viam-modules/ximc/status"
)

// DoCommand() related constants.
const (
	Command              = "command"
	Home                 = "home"
	HomeZero             = "home_zero"
	Zero                 = "zero"
	SoftStop             = "soft_stop"
	Loft                 = "loft"
	PowerOff             = "power_off"
	Status               = "status"
	MoveCalibrated       = "move_calibrated"
	MoveRelCalibrated    = "movr_calibrated"
	PositionCalibrated   = "position_calibrated"
	LoadCorrectionTable  = "load_correction_table"
	ClearCorrectionTable = "clear_correction_table"
	PositionVal          = "position"
	DeltaVal             = "delta"
	PathVal              = "path"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Home:
		return nil, m.runHome(ctx, false)
	case HomeZero:
		return nil, m.runHome(ctx, true)
	case Zero:
		return nil, m.axis.Zero(ctx)
	case SoftStop:
		m.opMgr.CancelRunning(ctx)
		m.setPowerPct(0)
		return nil, m.axis.SoftStop(ctx)
	case Loft:
		ctx, done := m.opMgr.New(ctx)
		defer done()
		if err := m.axis.Loft(ctx); err != nil {
			return nil, err
		}
		return nil, m.axis.WaitForStop(ctx, m.poll)
	case PowerOff:
		m.opMgr.CancelRunning(ctx)
		m.setPowerPct(0)
		return nil, m.axis.PowerOff(ctx)
	case Status:
		return m.statusMap(ctx)
	case MoveCalibrated, MoveRelCalibrated:
		key := PositionVal
		if name == MoveRelCalibrated {
			key = DeltaVal
		}
		v, ok := cmd[key].(float64)
		if !ok {
			return nil, errors.Errorf("%s value must be floating point", key)
		}
		return nil, m.moveCalibrated(ctx, v, name == MoveRelCalibrated)
	case PositionCalibrated:
		pos, err := m.axis.PositionCalibrated(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{PositionVal: pos}, nil
	case LoadCorrectionTable:
		path, ok := cmd[PathVal].(string)
		if !ok || path == "" {
			return nil, errors.Errorf("need %s value for %s", PathVal, LoadCorrectionTable)
		}
		if err := m.loadCorrectionTable(ctx, path); err != nil {
			return nil, err
		}
		return map[string]interface{}{"points": m.axis.CorrectionTable().Len()}, nil
	case ClearCorrectionTable:
		m.axis.ClearCorrectionTable()
		return nil, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (m *Motor) runHome(ctx context.Context, zero bool) error {
	if m.home == nil {
		return errors.Errorf("motor (%s) has no home settings configured", m.motorName)
	}
	ctx, done := m.opMgr.New(ctx)
	defer done()
	if zero {
		return m.axis.HomeZero(ctx, *m.home, m.poll)
	}
	return m.axis.HomeSequence(ctx, *m.home, m.poll)
}

func (m *Motor) moveCalibrated(ctx context.Context, v float64, relative bool) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()
	move := m.axis.MoveCalibrated
	if relative {
		move = m.axis.MovrCalibrated
	}
	if err := move(ctx, v); err != nil {
		return errors.Wrapf(err, "error in %s from motor (%s)", MoveCalibrated, m.motorName)
	}
	return m.axis.WaitForStop(ctx, m.poll)
}

// statusMap reports the decoded controller status. User-unit position and speed are included
// when the motor has a calibration.
func (m *Motor) statusMap(ctx context.Context) (map[string]interface{}, error) {
	ds, err := m.axis.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"state":          m.axis.State().String(),
		"move_command":   ds.MoveCommand.Command.String(),
		"running":        ds.MoveCommand.Running,
		"faulted":        ds.MoveCommand.FinishedWithError,
		"move_state":     ds.MoveState.String(),
		"power":          ds.Power.String(),
		"encoder":        ds.Encoder.String(),
		"position_steps": ds.Position.FractionalSteps(m.raw),
		"encoder_counts": float64(ds.Position.Encoder),
		"flags":          ds.Flags.String(),
		"gpio":           ds.GPIO.String(),
		"alarm":          ds.Flags.Alarm(),
		"homed":          ds.Flags.Has(status.FlagHomed),
		"temperature_c":  float64(ds.Temperature) / 10,
		"power_voltage":  float64(ds.PowerVoltage) / 100,
		"power_current":  float64(ds.PowerCurrent) / 1000,
	}
	if m.axis.Calibration().Validate() != nil {
		return out, nil
	}
	cs, err := status.Calibrate(ds, m.axis.Calibration(), m.axis.CorrectionTable())
	if err != nil {
		return nil, err
	}
	out["position"] = cs.UserPosition
	out["speed"] = cs.UserSpeed
	return out, nil
}
