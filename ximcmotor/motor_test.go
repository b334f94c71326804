package ximcmotor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"

	"github.com/viam-modules/ximc/emulator"
	"github.com/viam-modules/ximc/motion"
	"github.com/viam-modules/ximc/units"
)

const maxRpm = 600

type countingCloser struct {
	closed int
}

func (c *countingCloser) Close() error {
	c.closed++
	return nil
}

func newTestMotor(t *testing.T, mc Config, ec emulator.Config) (*Motor, *emulator.Controller) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	ec.MicrostepMode = units.MicrostepFrac256
	ec.StepsPerRevolution = int32(mc.StepsPerRevolution)
	dev, err := emulator.NewController(ec, logger)
	test.That(t, err, test.ShouldBeNil)

	if mc.PollIntervalMs == 0 {
		mc.PollIntervalMs = 1
	}
	m, err := makeMotor(context.Background(), mc, resource.NewName(motor.API, "motor1"), logger, dev, nil)
	test.That(t, err, test.ShouldBeNil)
	return m, dev
}

func baseConfig() Config {
	return Config{
		Transport:          TransportEmulated,
		StepsPerRevolution: 200,
		Microsteps:         256,
		MaxRPM:             maxRpm,
	}
}

func lastCode(dev *emulator.Controller) motion.Code {
	cmds := dev.Commands()
	if len(cmds) == 0 {
		return ""
	}
	return cmds[len(cmds)-1].Code
}

func TestRPMBounds(t *testing.T) {
	ctx := context.Background()
	logger, obs := logging.NewObservedTestLogger(t)
	dev, err := emulator.NewController(emulator.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	m, err := makeMotor(ctx, baseConfig(), resource.NewName(motor.API, "motor1"), logger, dev, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, m.GoFor(ctx, 0.05, 6.6, nil), test.ShouldBeError, motor.NewZeroRPMError())
	test.That(t, obs.FilterMessageSnippet("nearly 0").Len(), test.ShouldEqual, 1)
	test.That(t, dev.Commands(), test.ShouldBeEmpty)

	speed, err := m.rpmToSpeed(1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, speed, test.ShouldResemble, units.RawSpeed{Steps: 2000})
	speed, err = m.rpmToSpeed(-15)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, speed, test.ShouldResemble, units.RawSpeed{Steps: 50})
}

func TestMakeMotorDefaults(t *testing.T) {
	ctx := context.Background()
	logger, obs := logging.NewObservedTestLogger(t)
	dev, err := emulator.NewController(emulator.Config{}, logger)
	test.That(t, err, test.ShouldBeNil)
	name := resource.NewName(motor.API, "motor1")

	m, err := makeMotor(ctx, Config{StepsPerRevolution: 200, Home: &HomeConfig{FirstStop: "limit"}}, name, logger, dev, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.maxRPM, test.ShouldEqual, 200)
	test.That(t, m.raw.MicrostepMode, test.ShouldEqual, units.MicrostepFrac256)
	test.That(t, m.home.FastSpeed, test.ShouldResemble, units.RawSpeed{Steps: 166, Microsteps: 171})
	test.That(t, obs.FilterMessageSnippet("max_rpm not set").Len(), test.ShouldEqual, 1)
	test.That(t, obs.FilterMessageSnippet("fast_rpm not set").Len(), test.ShouldEqual, 1)

	_, err = makeMotor(ctx, Config{}, name, logger, dev, nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = makeMotor(ctx, Config{StepsPerRevolution: 200, UnitsPerStep: -1}, name, logger, dev, nil)
	test.That(t, errors.Is(err, units.ErrInvalidCalibration), test.ShouldBeTrue)
	_, err = makeMotor(ctx, Config{StepsPerRevolution: 200, CorrectionTable: "/does/not/exist"}, name, logger, dev, nil)
	test.That(t, err, test.ShouldNotBeNil)

	closer := &countingCloser{}
	m, err = makeMotor(ctx, baseConfig(), name, logger, dev, closer)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Close(ctx), test.ShouldBeNil)
	test.That(t, closer.closed, test.ShouldEqual, 1)
}

func TestGoTo(t *testing.T) {
	ctx := context.Background()
	m, dev := newTestMotor(t, baseConfig(), emulator.Config{})
	defer func() {
		test.That(t, m.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, m.GoTo(ctx, maxRpm, 2.5, nil), test.ShouldBeNil)
	test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: 500})
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, 2.5)

	cmds := dev.Commands()
	test.That(t, cmds[0], test.ShouldResemble, motion.Command{Code: motion.CodeSetSpeed, Speed: units.RawSpeed{Steps: 2000}})
	test.That(t, cmds[1], test.ShouldResemble, motion.Command{Code: motion.CodeMove, Position: units.RawPosition{Steps: 500}})

	t.Run("go for", func(t *testing.T) {
		test.That(t, m.GoFor(ctx, -maxRpm, 1, nil), test.ShouldBeNil)
		pos, err := m.Position(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pos, test.ShouldEqual, 1.5)

		test.That(t, m.GoFor(ctx, -maxRpm, -0.25, nil), test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: 350})
	})

	t.Run("fractional target", func(t *testing.T) {
		test.That(t, m.GoTo(ctx, maxRpm, 0.002, nil), test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Microsteps: 102})
	})

	t.Run("fault", func(t *testing.T) {
		dev.InjectFault()
		err := m.GoTo(ctx, maxRpm, 3, nil)
		var faulted *motion.CommandFaultedError
		test.That(t, errors.As(err, &faulted), test.ShouldBeTrue)
	})
}

func TestSetRPM(t *testing.T) {
	ctx := context.Background()
	m, dev := newTestMotor(t, baseConfig(), emulator.Config{})

	test.That(t, m.SetRPM(ctx, 300, nil), test.ShouldBeNil)
	test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeRight)
	on, pct, err := m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeTrue)
	test.That(t, pct, test.ShouldEqual, 0.5)

	test.That(t, m.SetPower(ctx, -0.25, nil), test.ShouldBeNil)
	test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeLeft)
	speed, ok := m.axis.Speed()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, speed, test.ShouldResemble, units.RawSpeed{Steps: 500})

	t.Run("zero rpm decelerates", func(t *testing.T) {
		test.That(t, m.SetRPM(ctx, 0, nil), test.ShouldBeNil)
		test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeSoftStop)
		test.That(t, m.axis.WaitForStop(ctx, 0), test.ShouldBeNil)
	})

	t.Run("stop", func(t *testing.T) {
		test.That(t, m.SetRPM(ctx, 100, nil), test.ShouldBeNil)
		test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
		test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeStop)
		moving, err := m.IsMoving(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, moving, test.ShouldBeFalse)
		_, pct, err := m.IsPowered(ctx, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pct, test.ShouldEqual, 0)
	})
}

func TestResetZeroPosition(t *testing.T) {
	ctx := context.Background()
	m, dev := newTestMotor(t, baseConfig(), emulator.Config{})

	test.That(t, m.GoTo(ctx, maxRpm, 1, nil), test.ShouldBeNil)
	test.That(t, m.ResetZeroPosition(ctx, 0.5, nil), test.ShouldBeNil)
	test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeSetPosition)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldEqual, -0.5)

	test.That(t, m.SetRPM(ctx, 60, nil), test.ShouldBeNil)
	err = m.ResetZeroPosition(ctx, 0, nil)
	test.That(t, err, test.ShouldBeError, errors.New("can't zero motor (motor1) while moving"))
}

func TestDoCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("bad commands", func(t *testing.T) {
		m, _ := newTestMotor(t, baseConfig(), emulator.Config{})
		_, err := m.DoCommand(ctx, map[string]interface{}{})
		test.That(t, err, test.ShouldBeError, errors.New("missing command value"))
		_, err = m.DoCommand(ctx, map[string]interface{}{Command: "dance"})
		test.That(t, err, test.ShouldBeError, errors.New("no such command: dance"))
		_, err = m.DoCommand(ctx, map[string]interface{}{Command: Home})
		test.That(t, err, test.ShouldBeError, errors.New("motor (motor1) has no home settings configured"))
		_, err = m.DoCommand(ctx, map[string]interface{}{Command: MoveCalibrated, PositionVal: "far"})
		test.That(t, err, test.ShouldNotBeNil)
		_, err = m.DoCommand(ctx, map[string]interface{}{Command: MoveCalibrated, PositionVal: 1.0})
		test.That(t, errors.Is(err, units.ErrInvalidCalibration), test.ShouldBeTrue)
		_, err = m.DoCommand(ctx, map[string]interface{}{Command: LoadCorrectionTable})
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("home", func(t *testing.T) {
		mc := baseConfig()
		mc.Home = &HomeConfig{FastRPM: maxRpm, FirstStop: "sync", BackoffRevolutions: 0.5}
		m, dev := newTestMotor(t, mc, emulator.Config{})
		dev.SetSyncInput(true)

		_, err := m.DoCommand(ctx, map[string]interface{}{Command: Home})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: -120})

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: HomeZero})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{})
		test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeZero)
	})

	t.Run("home on the controller", func(t *testing.T) {
		mc := baseConfig()
		mc.Home = &HomeConfig{FastRPM: maxRpm, FirstDirection: "right", FirstStop: "limit", OnDevice: true}
		m, dev := newTestMotor(t, mc, emulator.Config{LeftLimit: -1000, RightLimit: 1000})

		_, err := m.DoCommand(ctx, map[string]interface{}{Command: Home})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: 1000})
		st, err := m.DoCommand(ctx, map[string]interface{}{Command: Status})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, st["homed"], test.ShouldEqual, true)
	})

	t.Run("calibrated", func(t *testing.T) {
		mc := baseConfig()
		mc.UnitsPerStep = 0.005
		m, dev := newTestMotor(t, mc, emulator.Config{})

		_, err := m.DoCommand(ctx, map[string]interface{}{Command: MoveCalibrated, PositionVal: 1.0})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: 200})

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: MoveRelCalibrated, DeltaVal: -0.25})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{Steps: 150})

		resp, err := m.DoCommand(ctx, map[string]interface{}{Command: PositionCalibrated})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp[PositionVal], test.ShouldAlmostEqual, 0.75)

		path := filepath.Join(t.TempDir(), "table.tsv")
		test.That(t, os.WriteFile(path, []byte("coordinate\tdeviation\n0\t0\n1000\t1\n"), 0o600), test.ShouldBeNil)
		resp, err = m.DoCommand(ctx, map[string]interface{}{Command: LoadCorrectionTable, PathVal: path})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["points"], test.ShouldEqual, 2)

		st, err := m.DoCommand(ctx, map[string]interface{}{Command: Status})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, st["position"], test.ShouldAlmostEqual, 0.9)
		test.That(t, st["position_steps"], test.ShouldAlmostEqual, 150)
		test.That(t, st["state"], test.ShouldEqual, "completed")

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: ClearCorrectionTable})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.axis.CorrectionTable(), test.ShouldBeNil)
	})

	t.Run("soft stop, loft and power off", func(t *testing.T) {
		m, dev := newTestMotor(t, baseConfig(), emulator.Config{})
		test.That(t, m.GoTo(ctx, maxRpm, 1, nil), test.ShouldBeNil)
		test.That(t, m.SetRPM(ctx, 60, nil), test.ShouldBeNil)
		_, err := m.DoCommand(ctx, map[string]interface{}{Command: SoftStop})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.axis.WaitForStop(ctx, 0), test.ShouldBeNil)

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: Loft})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, lastCode(dev), test.ShouldEqual, motion.CodeLoft)

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: PowerOff})
		test.That(t, err, test.ShouldBeNil)
		st, err := m.DoCommand(ctx, map[string]interface{}{Command: Status})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, st["power"], test.ShouldEqual, "off")

		_, err = m.DoCommand(ctx, map[string]interface{}{Command: Zero})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, dev.Position(), test.ShouldResemble, units.RawPosition{})
	})
}

func TestConfig(t *testing.T) {
	t.Run("emulated", func(t *testing.T) {
		jsonBlob := `{
			"transport": "emulated",
			"steps_per_revolution": 200,
			"microsteps": 16,
			"units_per_step": 0.0025,
			"max_rpm": 300,
			"home": {
				"fast_rpm": 120,
				"first_direction": "right",
				"first_stop": "limit",
				"second_stop": "revolution",
				"ignore_half_revolution": true
			},
			"emulator": {
				"left_limit_steps": -10000,
				"right_limit_steps": 10000
			}
		}`

		var cfg Config
		err := json.Unmarshal([]byte(jsonBlob), &cfg)
		test.That(t, err, test.ShouldBeNil)
		_, err = cfg.Validate("")
		test.That(t, err, test.ShouldBeNil)

		test.That(t, cfg.Microsteps, test.ShouldEqual, 16)
		test.That(t, cfg.Home.flags(), test.ShouldEqual,
			motion.HomeDirFirstRight|motion.HomeStopFirstLimit|motion.HomeSecondPhase|
				motion.HomeStopSecondRev|motion.HomeHalfRevolution)
		test.That(t, cfg.Emulator.RightLimit, test.ShouldEqual, 10000)
	})

	t.Run("serial", func(t *testing.T) {
		jsonBlob := `{
			"transport": "serial",
			"serial_path": "/dev/ttyACM0",
			"baud_rate": 115200,
			"steps_per_revolution": 400
		}`

		var cfg Config
		test.That(t, json.Unmarshal([]byte(jsonBlob), &cfg), test.ShouldBeNil)
		_, err := cfg.Validate("")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cfg.Home, test.ShouldBeNil)
	})

	t.Run("invalid", func(t *testing.T) {
		valid := func() Config {
			return Config{Transport: TransportEmulated, StepsPerRevolution: 200}
		}
		for _, tc := range []struct {
			name   string
			mutate func(*Config)
			want   string
		}{
			{"no transport", func(c *Config) { c.Transport = "" }, "transport"},
			{"unknown transport", func(c *Config) { c.Transport = "usb" }, "usb"},
			{"serial without path", func(c *Config) { c.Transport = TransportSerial }, "serial_path"},
			{"no steps", func(c *Config) { c.StepsPerRevolution = 0 }, "steps_per_revolution"},
			{"microsteps", func(c *Config) { c.Microsteps = 3 }, "3 microsteps"},
			{"negative factor", func(c *Config) { c.UnitsPerStep = -1 }, "units_per_step"},
			{"home without stop", func(c *Config) { c.Home = &HomeConfig{} }, "home.first_stop"},
			{"home bad stop", func(c *Config) { c.Home = &HomeConfig{FirstStop: "limit", SecondStop: "laser"} }, "laser"},
			{"home bad direction", func(c *Config) { c.Home = &HomeConfig{FirstStop: "sync", FirstDirection: "up"} }, "up"},
			{"emulator limits", func(c *Config) { c.Emulator = &EmulatorConfig{LeftLimit: 5, RightLimit: -5} }, "left_limit_steps"},
		} {
			t.Run(tc.name, func(t *testing.T) {
				cfg := valid()
				tc.mutate(&cfg)
				_, err := cfg.Validate("path")
				test.That(t, err, test.ShouldNotBeNil)
				test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
			})
		}
	})
}
