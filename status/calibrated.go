package status

import (
	"github.com/viam-modules/ximc/correction"
	"github.com/viam-modules/ximc/units"
)

// Calibrated is a DeviceStatus with position and speed in user units. Position includes the
// correction table's deviation.
type Calibrated struct {
	DeviceStatus
	UserPosition float64
	UserSpeed    float64
}

// Calibrate projects s into user units. A nil table applies no correction.
func Calibrate(s DeviceStatus, c units.Calibration, table *correction.Table) (Calibrated, error) {
	pos, err := table.CorrectedUserPosition(s.Position, c)
	if err != nil {
		return Calibrated{}, err
	}
	speed, err := units.SpeedToUserUnits(s.Speed, c)
	if err != nil {
		return Calibrated{}, err
	}
	return Calibrated{DeviceStatus: s, UserPosition: pos, UserSpeed: speed}, nil
}
