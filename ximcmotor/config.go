package ximcmotor

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/units"
)

// Transports a motor can be configured with.
const (
	TransportSerial   = "serial"
	TransportEmulated = "emulated"
)

// HomeConfig describes the homing sequence run by the "home" and "home_zero" commands.
type HomeConfig struct {
	FastRPM            float64 `json:"fast_rpm,omitempty"`
	SlowRPM            float64 `json:"slow_rpm,omitempty"`
	BackoffRevolutions float64 `json:"backoff_revolutions,omitempty"`
	FirstDirection     string  `json:"first_direction,omitempty"`  // "left" (default) or "right"
	SecondDirection    string  `json:"second_direction,omitempty"` // "left" (default) or "right"
	FirstStop          string  `json:"first_stop"`                 // "revolution", "sync" or "limit"
	SecondStop         string  `json:"second_stop,omitempty"`      // empty skips the second phase
	IgnoreHalfRev      bool    `json:"ignore_half_revolution,omitempty"`
	OnDevice           bool    `json:"on_device,omitempty"`
}

var stopSources = map[string]motion.StopSource{
	"revolution": motion.StopRevolution,
	"sync":       motion.StopSync,
	"limit":      motion.StopLimit,
}

func (hc *HomeConfig) validate(path string) error {
	if hc == nil {
		return nil
	}
	for _, dir := range []string{hc.FirstDirection, hc.SecondDirection} {
		if dir != "" && dir != "left" && dir != "right" {
			return errors.Errorf("home direction must be left or right, got %q", dir)
		}
	}
	if hc.FirstStop == "" {
		return resource.NewConfigValidationFieldRequiredError(path, "home.first_stop")
	}
	if _, ok := stopSources[hc.FirstStop]; !ok {
		return errors.Errorf("unknown home first_stop %q", hc.FirstStop)
	}
	if _, ok := stopSources[hc.SecondStop]; hc.SecondStop != "" && !ok {
		return errors.Errorf("unknown home second_stop %q", hc.SecondStop)
	}
	if hc.FastRPM < 0 || hc.SlowRPM < 0 {
		return errors.New("home speeds must not be negative")
	}
	return nil
}

// flags packs the sequence description into controller home flags.
func (hc *HomeConfig) flags() motion.HomeFlags {
	var f motion.HomeFlags
	if hc.FirstDirection == "right" {
		f |= motion.HomeDirFirstRight
	}
	if hc.SecondDirection == "right" {
		f |= motion.HomeDirSecondRight
	}
	f |= motion.HomeFlags(stopSources[hc.FirstStop]) << 4
	if src, ok := stopSources[hc.SecondStop]; ok {
		f |= motion.HomeSecondPhase | motion.HomeFlags(src)<<6
	}
	if hc.IgnoreHalfRev {
		f |= motion.HomeHalfRevolution
	}
	if hc.OnDevice {
		f |= motion.HomeOnDevice
	}
	return f
}

// EmulatorConfig sets up the simulated controller used by the emulated transport. Limits are in
// whole steps; leaving both at zero disables them.
type EmulatorConfig struct {
	LeftLimit  int32 `json:"left_limit_steps,omitempty"`
	RightLimit int32 `json:"right_limit_steps,omitempty"`
	TickMs     int   `json:"tick_ms,omitempty"`
}

func (ec *EmulatorConfig) validate() error {
	if ec == nil {
		return nil
	}
	if ec.LeftLimit > ec.RightLimit {
		return errors.Errorf("left_limit_steps %d is right of right_limit_steps %d", ec.LeftLimit, ec.RightLimit)
	}
	if ec.TickMs < 0 {
		return errors.New("tick_ms must not be negative")
	}
	return nil
}

// Config describes the configuration of a motor.
type Config struct {
	Transport          string          `json:"transport"`
	SerialPath         string          `json:"serial_path,omitempty"`
	BaudRate           int             `json:"baud_rate,omitempty"`
	TimeoutMs          int             `json:"timeout_ms,omitempty"`
	StepsPerRevolution int             `json:"steps_per_revolution"`
	Microsteps         int             `json:"microsteps,omitempty"`     // 1, 2, 4 ... 256
	UnitsPerStep       float64         `json:"units_per_step,omitempty"` // enables the calibrated commands
	MaxRPM             float64         `json:"max_rpm,omitempty"`
	CorrectionTable    string          `json:"correction_table,omitempty"`
	PollIntervalMs     int             `json:"poll_interval_ms,omitempty"`
	Home               *HomeConfig     `json:"home,omitempty"`
	Emulator           *EmulatorConfig `json:"emulator,omitempty"`
}

// Model for a motor driven by a ximc positioning controller.
var Model = resource.NewModel("viam", "ximc", "motor")

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, error) {
	switch config.Transport {
	case "":
		return nil, resource.NewConfigValidationFieldRequiredError(path, "transport")
	case TransportSerial:
		if config.SerialPath == "" {
			return nil, resource.NewConfigValidationFieldRequiredError(path, "serial_path")
		}
	case TransportEmulated:
	default:
		return nil, errors.Errorf("transport must be %q or %q, got %q", TransportSerial, TransportEmulated, config.Transport)
	}
	if config.StepsPerRevolution <= 0 {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "steps_per_revolution")
	}
	if config.Microsteps != 0 {
		if _, err := units.MicrostepModeFor(config.Microsteps); err != nil {
			return nil, err
		}
	}
	if config.UnitsPerStep < 0 {
		return nil, errors.New("units_per_step must not be negative")
	}
	if config.MaxRPM < 0 || config.BaudRate < 0 || config.TimeoutMs < 0 || config.PollIntervalMs < 0 {
		return nil, errors.New("max_rpm, baud_rate, timeout_ms and poll_interval_ms must not be negative")
	}
	if err := config.Home.validate(path); err != nil {
		return nil, err
	}
	if err := config.Emulator.validate(); err != nil {
		return nil, err
	}
	return nil, nil
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
