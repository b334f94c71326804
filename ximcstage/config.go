package ximcstage

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/ximc/stage"
)

// GridConfig describes the sample grid targeted by "move_to_square". Lengths are in the motors'
// user units.
type GridConfig struct {
	Spacing       float64 `json:"spacing"`
	LineThickness float64 `json:"line_thickness"`
	Radius        float64 `json:"radius"`
	OriginX       float64 `json:"origin_x"`
	OriginY       float64 `json:"origin_y"`
}

func (gc *GridConfig) grid() stage.Grid {
	if gc == nil {
		return stage.DefaultGrid()
	}
	return stage.Grid{
		Spacing:       gc.Spacing,
		LineThickness: gc.LineThickness,
		Radius:        gc.Radius,
		Origin:        r2.Point{X: gc.OriginX, Y: gc.OriginY},
	}
}

// Config describes a three axis stage built from ximc motors.
type Config struct {
	XMotor         string      `json:"x_motor"`
	YMotor         string      `json:"y_motor"`
	ZMotor         string      `json:"z_motor"`
	SafeHeight     float64     `json:"safe_height"`
	HomeLift       float64     `json:"home_lift,omitempty"`
	FlipX          bool        `json:"flip_x,omitempty"`
	FlipY          bool        `json:"flip_y,omitempty"`
	PollIntervalMs int         `json:"poll_interval_ms,omitempty"`
	Grid           *GridConfig `json:"grid,omitempty"`
}

// Model for a stage sequencing three ximc motors.
var Model = resource.NewModel("viam", "ximc", "stage")

// Validate ensures all parts of the config are valid and returns the motors as dependencies.
func (config *Config) Validate(path string) ([]string, error) {
	if config.XMotor == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "x_motor")
	}
	if config.YMotor == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "y_motor")
	}
	if config.ZMotor == "" {
		return nil, resource.NewConfigValidationFieldRequiredError(path, "z_motor")
	}
	if config.PollIntervalMs < 0 {
		return nil, errors.New("poll_interval_ms must not be negative")
	}
	if g := config.Grid; g != nil && (g.Spacing <= 0 || g.LineThickness < 0 || g.Radius <= 0) {
		return nil, errors.New("grid spacing and radius must be positive")
	}
	return []string{config.XMotor, config.YMotor, config.ZMotor}, nil
}
