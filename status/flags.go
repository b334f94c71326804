package status

// Flags are the controller's latched health and alarm conditions.
type Flags uint32

// Health and alarm conditions.
const (
	FlagCommandError         Flags = 0x0000001
	FlagDataIntegrityError   Flags = 0x0000002
	FlagValueError           Flags = 0x0000004
	FlagEEPROMPrecedence     Flags = 0x0000010
	FlagHomed                Flags = 0x0000020
	FlagAlarm                Flags = 0x0000040
	FlagControlPositionError Flags = 0x0000080
	FlagPowerOverheat        Flags = 0x0000100
	FlagControllerOverheat   Flags = 0x0000200
	FlagPowerOvervoltage     Flags = 0x0000400
	FlagPowerOvercurrent     Flags = 0x0000800
	FlagUSBOvervoltage       Flags = 0x0001000
	FlagUSBUndervoltage      Flags = 0x0002000
	FlagUSBOvercurrent       Flags = 0x0004000
	FlagBordersSwapMisset    Flags = 0x0008000
	FlagPowerUndervoltage    Flags = 0x0010000
	FlagHBridgeFault         Flags = 0x0020000
	FlagWindingMismatch      Flags = 0x0100000
	FlagEncoderFault         Flags = 0x0200000
	FlagEngineResponseError  Flags = 0x0800000
	FlagExternalAlarm        Flags = 0x1000000
)

var flagNames = []bitName{
	{uint32(FlagCommandError), "command_error"},
	{uint32(FlagDataIntegrityError), "data_integrity_error"},
	{uint32(FlagValueError), "value_error"},
	{uint32(FlagEEPROMPrecedence), "eeprom_precedence"},
	{uint32(FlagHomed), "homed"},
	{uint32(FlagAlarm), "alarm"},
	{uint32(FlagControlPositionError), "control_position_error"},
	{uint32(FlagPowerOverheat), "power_overheat"},
	{uint32(FlagControllerOverheat), "controller_overheat"},
	{uint32(FlagPowerOvervoltage), "power_overvoltage"},
	{uint32(FlagPowerOvercurrent), "power_overcurrent"},
	{uint32(FlagUSBOvervoltage), "usb_overvoltage"},
	{uint32(FlagUSBUndervoltage), "usb_undervoltage"},
	{uint32(FlagUSBOvercurrent), "usb_overcurrent"},
	{uint32(FlagBordersSwapMisset), "borders_swap_misset"},
	{uint32(FlagPowerUndervoltage), "power_undervoltage"},
	{uint32(FlagHBridgeFault), "h_bridge_fault"},
	{uint32(FlagWindingMismatch), "winding_mismatch"},
	{uint32(FlagEncoderFault), "encoder_fault"},
	{uint32(FlagEngineResponseError), "engine_response_error"},
	{uint32(FlagExternalAlarm), "external_alarm"},
}

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// Alarm reports whether the controller has latched an alarm.
func (fl Flags) Alarm() bool {
	return fl.Has(FlagAlarm)
}

// Names lists the set conditions in bit order.
func (fl Flags) Names() []string {
	var out []string
	for _, n := range flagNames {
		if uint32(fl)&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

func (fl Flags) String() string {
	return joinBits(uint32(fl), flagNames)
}

// GPIOFlags are the controller's digital input and output lines.
type GPIOFlags uint32

// Digital signals.
const (
	GPIORightLimit  GPIOFlags = 0x0001
	GPIOLeftLimit   GPIOFlags = 0x0002
	GPIOButtonRight GPIOFlags = 0x0004
	GPIOButtonLeft  GPIOFlags = 0x0008
	GPIOPin         GPIOFlags = 0x0010
	GPIOInput       GPIOFlags = 0x0020
	GPIOHallA       GPIOFlags = 0x0040
	GPIOHallB       GPIOFlags = 0x0080
	GPIOHallC       GPIOFlags = 0x0100
	GPIOBrake       GPIOFlags = 0x0200
	GPIORevolution  GPIOFlags = 0x0400
	GPIOSyncInput   GPIOFlags = 0x0800
	GPIOSyncOutput  GPIOFlags = 0x1000
	GPIOEncoderA    GPIOFlags = 0x2000
	GPIOEncoderB    GPIOFlags = 0x4000
)

// Has reports whether every bit of f is set.
func (g GPIOFlags) Has(f GPIOFlags) bool {
	return g&f == f
}

func (g GPIOFlags) String() string {
	return joinBits(uint32(g), []bitName{
		{uint32(GPIORightLimit), "right_limit"},
		{uint32(GPIOLeftLimit), "left_limit"},
		{uint32(GPIOButtonRight), "button_right"},
		{uint32(GPIOButtonLeft), "button_left"},
		{uint32(GPIOPin), "pin"},
		{uint32(GPIOInput), "input"},
		{uint32(GPIOHallA), "hall_a"},
		{uint32(GPIOHallB), "hall_b"},
		{uint32(GPIOHallC), "hall_c"},
		{uint32(GPIOBrake), "brake"},
		{uint32(GPIORevolution), "revolution"},
		{uint32(GPIOSyncInput), "sync_in"},
		{uint32(GPIOSyncOutput), "sync_out"},
		{uint32(GPIOEncoderA), "enc_a"},
		{uint32(GPIOEncoderB), "enc_b"},
	})
}
