package nativeapi

import (
	"context"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Pointer fields are optional: nil leaves the attribute unchanged on the
// device, non-nil sets the matching has_* flag.

type SwitchCommand struct {
	Key   uint32
	State bool
}

type NumberCommand struct {
	Key   uint32
	State float32
}

type TextCommand struct {
	Key   uint32
	State string
}

type SelectCommand struct {
	Key   uint32
	State string
}

type ButtonCommand struct {
	Key uint32
}

// LockAction is the requested lock transition.
type LockAction int32

const (
	LockUnlock LockAction = 0
	LockLock   LockAction = 1
	LockOpen   LockAction = 2
)

type LockCommand struct {
	Key     uint32
	Command LockAction
	Code    *string
}

type CoverCommand struct {
	Key      uint32
	Position *float32
	Tilt     *float32
	Stop     bool
}

type FanCommand struct {
	Key         uint32
	State       *bool
	Oscillating *bool
	Direction   *int32
	SpeedLevel  *int32
	PresetMode  *string
}

type ClimateCommand struct {
	Key                   uint32
	Mode                  *int32
	TargetTemperature     *float32
	TargetTemperatureLow  *float32
	TargetTemperatureHigh *float32
	FanMode               *int32
	SwingMode             *int32
	CustomFanMode         *string
	Preset                *int32
	CustomPreset          *string
}

// RGBColor holds channel intensities in 0..1.
type RGBColor struct {
	Red, Green, Blue float32
}

type LightCommand struct {
	Key              uint32
	State            *bool
	Brightness       *float32
	ColorMode        *int32
	ColorBrightness  *float32
	RGB              *RGBColor
	White            *float32
	ColorTemperature *float32
	ColdWhite        *float32
	WarmWhite        *float32
	TransitionLength *uint32 // milliseconds
	Effect           *string
}

// ServiceArgValue is one argument passed to ExecuteService. Only the member
// matching Type is sent.
type ServiceArgValue struct {
	Type    ServiceArgType
	Bool    bool
	Int     int32
	Float   float32
	String  string
	Bools   []bool
	Ints    []int32
	Floats  []float32
	Strings []string
}

type ExecuteServiceCommand struct {
	Key  uint32
	Args []ServiceArgValue
}

// The has* helpers write a has_* flag at flag and the value at flag+1.
func hasBool(m message, flag protowire.Number, v *bool) message {
	if v == nil {
		return m
	}
	return m.boolean(flag, true).boolean(flag+1, *v)
}

func hasFloat(m message, flag protowire.Number, v *float32) message {
	if v == nil {
		return m
	}
	return m.boolean(flag, true).float(flag+1, *v)
}

func hasInt32(m message, flag protowire.Number, v *int32) message {
	if v == nil {
		return m
	}
	return m.boolean(flag, true).int32(flag+1, *v)
}

func hasString(m message, flag protowire.Number, v *string) message {
	if v == nil {
		return m
	}
	return m.boolean(flag, true).str(flag+1, *v)
}

func encodeSwitch(cmd SwitchCommand) message {
	return message(nil).fixed32(1, cmd.Key).boolean(2, cmd.State)
}

func encodeNumber(cmd NumberCommand) message {
	return message(nil).fixed32(1, cmd.Key).float(2, cmd.State)
}

func encodeText(key uint32, state string) message {
	return message(nil).fixed32(1, key).str(2, state)
}

func encodeButton(cmd ButtonCommand) message {
	return message(nil).fixed32(1, cmd.Key)
}

func encodeLock(cmd LockCommand) message {
	m := message(nil).fixed32(1, cmd.Key).int32(2, int32(cmd.Command))
	return hasString(m, 3, cmd.Code)
}

func encodeCover(cmd CoverCommand) message {
	m := message(nil).fixed32(1, cmd.Key)
	m = hasFloat(m, 4, cmd.Position)
	m = hasFloat(m, 6, cmd.Tilt)
	return m.boolean(8, cmd.Stop)
}

func encodeFan(cmd FanCommand) message {
	m := message(nil).fixed32(1, cmd.Key)
	m = hasBool(m, 2, cmd.State)
	m = hasBool(m, 6, cmd.Oscillating)
	m = hasInt32(m, 8, cmd.Direction)
	m = hasInt32(m, 10, cmd.SpeedLevel)
	return hasString(m, 12, cmd.PresetMode)
}

func encodeClimate(cmd ClimateCommand) message {
	m := message(nil).fixed32(1, cmd.Key)
	m = hasInt32(m, 2, cmd.Mode)
	m = hasFloat(m, 4, cmd.TargetTemperature)
	m = hasFloat(m, 6, cmd.TargetTemperatureLow)
	m = hasFloat(m, 8, cmd.TargetTemperatureHigh)
	m = hasInt32(m, 12, cmd.FanMode)
	m = hasInt32(m, 14, cmd.SwingMode)
	m = hasString(m, 16, cmd.CustomFanMode)
	m = hasInt32(m, 18, cmd.Preset)
	return hasString(m, 20, cmd.CustomPreset)
}

func encodeLight(cmd LightCommand) message {
	m := message(nil).fixed32(1, cmd.Key)
	m = hasBool(m, 2, cmd.State)
	m = hasFloat(m, 4, cmd.Brightness)
	if cmd.RGB != nil {
		m = m.boolean(6, true).
			float(7, cmd.RGB.Red).
			float(8, cmd.RGB.Green).
			float(9, cmd.RGB.Blue)
	}
	m = hasFloat(m, 10, cmd.White)
	m = hasFloat(m, 12, cmd.ColorTemperature)
	if cmd.TransitionLength != nil {
		m = m.boolean(14, true).uint(15, uint64(*cmd.TransitionLength))
	}
	m = hasString(m, 18, cmd.Effect)
	m = hasFloat(m, 20, cmd.ColorBrightness)
	m = hasInt32(m, 22, cmd.ColorMode)
	m = hasFloat(m, 24, cmd.ColdWhite)
	return hasFloat(m, 26, cmd.WarmWhite)
}

func encodeServiceArg(a ServiceArgValue) message {
	var m message
	switch a.Type {
	case ArgBool:
		m = m.boolean(1, a.Bool)
	case ArgInt:
		m = m.int32(2, a.Int).sint32(5, a.Int)
	case ArgFloat:
		m = m.float(3, a.Float)
	case ArgString:
		m = m.str(4, a.String)
	case ArgBoolArray:
		var packed []byte
		for _, b := range a.Bools {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(b))
		}
		m = m.bytes(6, packed)
	case ArgIntArray:
		var packed []byte
		for _, v := range a.Ints {
			packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v)))
		}
		m = m.bytes(7, packed)
	case ArgFloatArray:
		var packed []byte
		for _, v := range a.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		m = m.bytes(8, packed)
	case ArgStringArray:
		for _, s := range a.Strings {
			m = m.bytes(9, []byte(s))
		}
	}
	return m
}

func encodeExecuteService(cmd ExecuteServiceCommand) message {
	m := message(nil).fixed32(1, cmd.Key)
	for _, a := range cmd.Args {
		m = m.bytes(2, encodeServiceArg(a))
	}
	return m
}

func (c *Conn) SwitchCommand(ctx context.Context, cmd SwitchCommand) error {
	return c.send(ctx, msgSwitchCommandRequest, encodeSwitch(cmd))
}

func (c *Conn) NumberCommand(ctx context.Context, cmd NumberCommand) error {
	return c.send(ctx, msgNumberCommandRequest, encodeNumber(cmd))
}

func (c *Conn) TextCommand(ctx context.Context, cmd TextCommand) error {
	return c.send(ctx, msgTextCommandRequest, encodeText(cmd.Key, cmd.State))
}

func (c *Conn) SelectCommand(ctx context.Context, cmd SelectCommand) error {
	return c.send(ctx, msgSelectCommandRequest, encodeText(cmd.Key, cmd.State))
}

func (c *Conn) ButtonCommand(ctx context.Context, cmd ButtonCommand) error {
	return c.send(ctx, msgButtonCommandRequest, encodeButton(cmd))
}

func (c *Conn) LockCommand(ctx context.Context, cmd LockCommand) error {
	return c.send(ctx, msgLockCommandRequest, encodeLock(cmd))
}

func (c *Conn) CoverCommand(ctx context.Context, cmd CoverCommand) error {
	return c.send(ctx, msgCoverCommandRequest, encodeCover(cmd))
}

func (c *Conn) FanCommand(ctx context.Context, cmd FanCommand) error {
	return c.send(ctx, msgFanCommandRequest, encodeFan(cmd))
}

func (c *Conn) ClimateCommand(ctx context.Context, cmd ClimateCommand) error {
	return c.send(ctx, msgClimateCommandRequest, encodeClimate(cmd))
}

func (c *Conn) LightCommand(ctx context.Context, cmd LightCommand) error {
	return c.send(ctx, msgLightCommandRequest, encodeLight(cmd))
}

func (c *Conn) ExecuteService(ctx context.Context, cmd ExecuteServiceCommand) error {
	return c.send(ctx, msgExecuteServiceRequest, encodeExecuteService(cmd))
}

func (c *Conn) SubscribeStates(ctx context.Context) error {
	return c.send(ctx, msgSubscribeStatesRequest, nil)
}
