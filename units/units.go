// Package units converts between raw controller quantities (whole steps plus fractional
// microsteps) and caller-defined user units.
package units

import (
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidCalibration is returned when a calibration cannot be used for conversion.
var ErrInvalidCalibration = errors.New("invalid calibration")

// MicrostepMode selects how finely a whole step is subdivided.
type MicrostepMode int

// Microstep modes. The numeric values match the controller's encoding.
const (
	MicrostepFull MicrostepMode = iota + 1
	MicrostepFrac2
	MicrostepFrac4
	MicrostepFrac8
	MicrostepFrac16
	MicrostepFrac32
	MicrostepFrac64
	MicrostepFrac128
	MicrostepFrac256
)

// Valid reports whether m is a known microstep mode.
func (m MicrostepMode) Valid() bool {
	return m >= MicrostepFull && m <= MicrostepFrac256
}

// Microsteps returns the number of microsteps per whole step, 2^(mode-1).
func (m MicrostepMode) Microsteps() int32 {
	if !m.Valid() {
		return 1
	}
	return 1 << (m - 1)
}

// MicrostepModeFor returns the mode for a microsteps-per-step divisor (1, 2, 4 ... 256).
func MicrostepModeFor(microsteps int) (MicrostepMode, error) {
	for m := MicrostepFull; m <= MicrostepFrac256; m++ {
		if int(m.Microsteps()) == microsteps {
			return m, nil
		}
	}
	return 0, errors.Errorf("no microstep mode divides a step into %d microsteps", microsteps)
}

// EngineType is the kind of motor attached to the controller.
type EngineType int

// Engine types. Only steppers report fractional positions.
const (
	EngineStepper EngineType = iota
	EngineDC
	EngineBrushless
)

func (e EngineType) String() string {
	switch e {
	case EngineStepper:
		return "stepper"
	case EngineDC:
		return "dc"
	case EngineBrushless:
		return "brushless"
	default:
		return "unknown"
	}
}

// Calibration maps raw steps to user units: one whole step is Factor user units.
type Calibration struct {
	Factor        float64
	MicrostepMode MicrostepMode
	Engine        EngineType
}

// Validate rejects calibrations that cannot be used for conversion.
func (c Calibration) Validate() error {
	if math.IsNaN(c.Factor) || math.IsInf(c.Factor, 0) || c.Factor <= 0 {
		return errors.Wrapf(ErrInvalidCalibration, "factor must be positive and finite, got %v", c.Factor)
	}
	if c.Engine == EngineStepper && !c.MicrostepMode.Valid() {
		return errors.Wrapf(ErrInvalidCalibration, "unknown microstep mode %d", c.MicrostepMode)
	}
	return nil
}

// Microsteps is the fractional denominator for this calibration. DC and brushless engines
// have no fractional field, so their denominator is always 1.
func (c Calibration) Microsteps() int32 {
	if c.Engine != EngineStepper {
		return 1
	}
	return c.MicrostepMode.Microsteps()
}

// RawPosition is a device-native position. Microsteps lies in [0, Microsteps()) once
// normalized; Encoder is independent and zero on systems without feedback.
type RawPosition struct {
	Steps      int32
	Microsteps int32
	Encoder    int64
}

// Total returns the position as a single count of microsteps.
func (p RawPosition) Total(c Calibration) int64 {
	return int64(p.Steps)*int64(c.Microsteps()) + int64(p.Microsteps)
}

// Normalize carries or borrows microsteps into whole steps so that the fractional part lies in
// [0, Microsteps()). It fails if the carry leaves the controller's position range.
func (p RawPosition) Normalize(c Calibration) (RawPosition, error) {
	return fromTotal(p.Total(c), c.Microsteps(), p.Encoder)
}

// Sub returns p - q. The encoder field is carried from p.
func (p RawPosition) Sub(q RawPosition, c Calibration) (RawPosition, error) {
	return fromTotal(p.Total(c)-q.Total(c), c.Microsteps(), p.Encoder)
}

// Neg returns -p, normalized.
func (p RawPosition) Neg(c Calibration) (RawPosition, error) {
	return fromTotal(-p.Total(c), c.Microsteps(), p.Encoder)
}

// FractionalSteps returns the position in fractional whole steps, the raw coordinate used by correction
// tables.
func (p RawPosition) FractionalSteps(c Calibration) float64 {
	return float64(p.Steps) + float64(p.Microsteps)/float64(c.Microsteps())
}

// RawSpeed is a device-native rate in whole steps and microsteps per second.
type RawSpeed struct {
	Steps      int32
	Microsteps int32
}

// ToUserUnits converts a raw position to user units.
func ToUserUnits(raw RawPosition, c Calibration) (float64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return raw.FractionalSteps(c) * c.Factor, nil
}

// FromUserUnits converts a user-unit position to a normalized raw position.
func FromUserUnits(value float64, c Calibration) (RawPosition, error) {
	if err := c.Validate(); err != nil {
		return RawPosition{}, err
	}
	return FromSteps(value/c.Factor, c)
}

// FromSteps splits a fractional step count into whole steps and microsteps.
func FromSteps(rawSteps float64, c Calibration) (RawPosition, error) {
	steps, micro, err := split(rawSteps, c.Microsteps())
	if err != nil {
		return RawPosition{}, err
	}
	return RawPosition{Steps: steps, Microsteps: micro}, nil
}

// SpeedToUserUnits converts a raw speed to user units per second.
func SpeedToUserUnits(raw RawSpeed, c Calibration) (float64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return (float64(raw.Steps) + float64(raw.Microsteps)/float64(c.Microsteps())) * c.Factor, nil
}

// SpeedFromUserUnits converts a user-unit speed to a raw speed. Speeds are magnitudes; the
// direction of travel is chosen by the command.
func SpeedFromUserUnits(value float64, c Calibration) (RawSpeed, error) {
	if err := c.Validate(); err != nil {
		return RawSpeed{}, err
	}
	if value < 0 {
		return RawSpeed{}, errors.Errorf("speed must not be negative, got %v", value)
	}
	steps, micro, err := split(value/c.Factor, c.Microsteps())
	if err != nil {
		return RawSpeed{}, err
	}
	return RawSpeed{Steps: steps, Microsteps: micro}, nil
}

// AccelToUserUnits converts an acceleration in whole steps/s^2 to user units/s^2.
func AccelToUserUnits(raw uint32, c Calibration) (float64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return float64(raw) * c.Factor, nil
}

// AccelFromUserUnits converts an acceleration in user units/s^2 to whole steps/s^2, rounded.
func AccelFromUserUnits(value float64, c Calibration) (uint32, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	steps := math.Round(value / c.Factor)
	if math.IsNaN(steps) || steps < 0 || steps > math.MaxUint32 {
		return 0, errors.Errorf("acceleration %v is out of range", value)
	}
	return uint32(steps), nil
}

func split(rawSteps float64, perStep int32) (int32, int32, error) {
	if math.IsNaN(rawSteps) || math.IsInf(rawSteps, 0) {
		return 0, 0, errors.Errorf("cannot convert non-finite value %v", rawSteps)
	}
	whole := math.Trunc(rawSteps)
	if whole > math.MaxInt32 || whole < math.MinInt32 {
		return 0, 0, errors.Errorf("%v steps does not fit the controller's position range", rawSteps)
	}
	micro := math.Round((rawSteps - whole) * float64(perStep))
	p, err := fromTotal(int64(whole)*int64(perStep)+int64(micro), perStep, 0)
	if err != nil {
		return 0, 0, err
	}
	return p.Steps, p.Microsteps, nil
}

// fromTotal splits a microstep count using floor division so the remainder is never negative.
// Step counts outside the int32 range are rejected rather than wrapped.
func fromTotal(total int64, perStep int32, encoder int64) (RawPosition, error) {
	n := int64(perStep)
	steps := total / n
	micro := total % n
	if micro < 0 {
		micro += n
		steps--
	}
	if steps > math.MaxInt32 || steps < math.MinInt32 {
		return RawPosition{}, errors.Errorf("%d steps does not fit the controller's position range", steps)
	}
	return RawPosition{Steps: int32(steps), Microsteps: int32(micro), Encoder: encoder}, nil
}
