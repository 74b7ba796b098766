package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"esphome-go-home/internal/nativeapi"
	"esphome-go-home/internal/transform"
)

var errBadValue = errors.New("invalid value")

// Address is a decoded writable state path:
// <device>.<EntityType|UserDefinedServices>.<key>.<field>.
type Address struct {
	Device string
	Kind   string
	Key    string
	Field  string
}

func (a Address) String() string {
	return a.Device + "." + a.Kind + "." + a.Key + "." + a.Field
}

func (a Address) parent() string {
	return a.Device + "." + a.Kind + "." + a.Key
}

// ParseAddress splits a state ID into its four components.
func ParseAddress(id string) (Address, bool) {
	parts := strings.Split(id, ".")
	if len(parts) != 4 {
		return Address{}, false
	}
	for _, p := range parts {
		if p == "" {
			return Address{}, false
		}
	}
	return Address{Device: parts[0], Kind: parts[1], Key: parts[2], Field: parts[3]}, true
}

// handleWrite turns an operator write into a device command. Writes that do
// not resolve to a known device, entity or service are logged and dropped.
func (c *Coordinator) handleWrite(ctx context.Context, id string, val any) error {
	addr, ok := ParseAddress(id)
	if !ok {
		c.logger.Debug("ignoring write to unmapped state", "id", id)
		return nil
	}
	rec := c.registry.ByName(addr.Device)
	if rec == nil {
		c.logger.Warn("write for unknown device", "id", id)
		return nil
	}
	client := rec.Client()
	if client == nil {
		c.logger.Warn("write for device without connection", "id", id)
		return nil
	}

	var err error
	if addr.Kind == userServicesChannel {
		svc := rec.Service(addr.Key)
		if svc == nil {
			c.logger.Warn("write for unknown service", "id", id)
			return nil
		}
		err = c.serviceWrite(ctx, client, addr, svc, val)
	} else {
		e := rec.Entity(addr.Key)
		if e == nil || string(e.Type) != addr.Kind {
			c.logger.Warn("write for unknown entity", "id", id)
			return nil
		}
		err = c.entityWrite(ctx, client, addr, e, val)
	}

	ev := CommandEvent{Device: addr.Device, Type: addr.Kind, Key: addr.Key, Field: addr.Field}
	if err != nil {
		ev.Err = err.Error()
		c.logger.Warn("command failed", "id", id, "err", err)
	}
	c.events.Emit(Event{Type: EventCommand, Data: ev})
	return err
}

func (c *Coordinator) entityWrite(ctx context.Context, client nativeapi.Client, addr Address, e *EntityRecord, val any) error {
	switch e.Type {
	case nativeapi.Switch:
		return client.SwitchCommand(ctx, nativeapi.SwitchCommand{Key: e.Key, State: transform.Truthy(val)})
	case nativeapi.Number:
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		return client.NumberCommand(ctx, nativeapi.NumberCommand{Key: e.Key, State: float32(f)})
	case nativeapi.Text:
		return client.TextCommand(ctx, nativeapi.TextCommand{Key: e.Key, State: stringValue(val)})
	case nativeapi.Select:
		return client.SelectCommand(ctx, nativeapi.SelectCommand{Key: e.Key, State: stringValue(val)})
	case nativeapi.Button:
		if addr.Field != "SET" {
			return nil
		}
		if err := client.ButtonCommand(ctx, nativeapi.ButtonCommand{Key: e.Key}); err != nil {
			return err
		}
		return c.tree.SetState(addr.String(), false, true)
	case nativeapi.Lock:
		if addr.Field != "command" || val == nil {
			return nil
		}
		f, ok := transform.ToFloat(val)
		if name, isName := val.(string); isName {
			if i := slices.Index(lockCommands, strings.ToUpper(name)); i >= 0 {
				f, ok = float64(i), true
			}
		}
		if !ok || f < 0 || f > 2 {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		return client.LockCommand(ctx, nativeapi.LockCommand{Key: e.Key, Command: nativeapi.LockAction(f)})
	case nativeapi.Cover:
		return c.coverWrite(ctx, client, addr, e, val)
	case nativeapi.Fan:
		return c.fanWrite(ctx, client, addr, e, val)
	case nativeapi.Climate:
		return c.climateWrite(ctx, client, addr, e, val)
	case nativeapi.Light:
		return c.lightWrite(ctx, client, addr, e, val)
	}
	c.logger.Debug("entity type takes no commands", "id", addr.String(), "type", e.Type)
	return nil
}

func (c *Coordinator) coverWrite(ctx context.Context, client nativeapi.Client, addr Address, e *EntityRecord, val any) error {
	cmd := nativeapi.CoverCommand{Key: e.Key}
	switch addr.Field {
	case "position", "tilt":
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		v := float32(transform.FromPercent(f))
		if addr.Field == "position" {
			cmd.Position = &v
		} else {
			cmd.Tilt = &v
		}
	case "stop":
		if !transform.Truthy(val) {
			return nil
		}
		cmd.Stop = true
	default:
		return nil
	}
	return client.CoverCommand(ctx, cmd)
}

func (c *Coordinator) fanWrite(ctx context.Context, client nativeapi.Client, addr Address, e *EntityRecord, val any) error {
	switch addr.Field {
	case "state", "oscillating":
		e.SetState(addr.Field, transform.Truthy(val))
	case "direction", "speedLevel":
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState(addr.Field, int(f))
	case "presetMode":
		e.SetState(addr.Field, stringValue(val))
	default:
		return nil
	}

	cfg := e.Config()
	st := e.States()
	on := transform.Truthy(st["state"])
	cmd := nativeapi.FanCommand{Key: e.Key, State: &on}
	if b, _ := cfg["supportsOscillation"].(bool); b {
		osc := transform.Truthy(st["oscillating"])
		cmd.Oscillating = &osc
	}
	if b, _ := cfg["supportsDirection"].(bool); b {
		cmd.Direction = int32State(st, "direction")
	}
	if n, _ := cfg["supportedSpeedCount"].(int); n > 0 {
		cmd.SpeedLevel = int32State(st, "speedLevel")
	}
	if p, _ := st["presetMode"].(string); p != "" {
		cmd.PresetMode = &p
	}
	return client.FanCommand(ctx, cmd)
}

func (c *Coordinator) climateWrite(ctx context.Context, client nativeapi.Client, addr Address, e *EntityRecord, val any) error {
	switch addr.Field {
	case "mode", "fanMode", "swingMode", "preset":
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState(addr.Field, int(f))
	case "targetTemperature", "targetTemperatureLow", "targetTemperatureHigh":
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState(addr.Field, f)
	case "customFanMode", "customPreset":
		e.SetState(addr.Field, stringValue(val))
	default:
		return nil
	}

	cfg := e.Config()
	st := e.States()
	cmd := nativeapi.ClimateCommand{Key: e.Key, Mode: int32State(st, "mode")}
	if twoPoint, _ := cfg["supportsTwoPointTargetTemperature"].(bool); twoPoint {
		cmd.TargetTemperatureLow = float32State(st, "targetTemperatureLow")
		cmd.TargetTemperatureHigh = float32State(st, "targetTemperatureHigh")
	} else {
		cmd.TargetTemperature = float32State(st, "targetTemperature")
	}
	if listed(cfg, "supportedFanModesList") {
		cmd.FanMode = int32State(st, "fanMode")
	}
	if listed(cfg, "supportedSwingModesList") {
		cmd.SwingMode = int32State(st, "swingMode")
	}
	if listed(cfg, "supportedPresetsList") {
		cmd.Preset = int32State(st, "preset")
	}
	if s, _ := st["customFanMode"].(string); s != "" {
		cmd.CustomFanMode = &s
	}
	if s, _ := st["customPreset"].(string); s != "" {
		cmd.CustomPreset = &s
	}
	return client.ClimateCommand(ctx, cmd)
}

func (c *Coordinator) lightWrite(ctx context.Context, client nativeapi.Client, addr Address, e *EntityRecord, val any) error {
	id := addr.String()
	caps := nativeapi.LightCapabilities(e.Config())

	switch addr.Field {
	case "transitionLength":
		f, ok := transform.ToFloat(val)
		if !ok || f < 0 {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState(addr.Field, f)
		return c.tree.SetState(id, f, true)
	case "rgbAutoWhite":
		b := transform.Truthy(val)
		e.SetState(addr.Field, b)
		return c.tree.SetState(id, b, true)
	case "state":
		e.SetState("state", transform.Truthy(val))
	case "effect":
		e.SetState("effect", stringValue(val))
	case "colorMode":
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState("colorMode", int(f))
	case "colorHEX":
		rgb, ok := transform.HexToRGB(stringValue(val))
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		autoWhite, _ := e.State("rgbAutoWhite")
		if transform.Truthy(autoWhite) && caps.Has(nativeapi.CapWhite) && rgb == (transform.RGB{Red: 255, Green: 255, Blue: 255}) {
			e.SetState("red", 0.0)
			e.SetState("green", 0.0)
			e.SetState("blue", 0.0)
			e.SetState("white", 1.0)
		} else {
			e.SetState("red", transform.ScaleDown(float64(rgb.Red)))
			e.SetState("green", transform.ScaleDown(float64(rgb.Green)))
			e.SetState("blue", transform.ScaleDown(float64(rgb.Blue)))
			if caps.Has(nativeapi.CapWhite) {
				e.SetState("white", 0.0)
			}
		}
		e.SetState("state", true)
	default:
		if !lightChannels[addr.Field] {
			return nil
		}
		f, ok := transform.ToFloat(val)
		if !ok {
			return fmt.Errorf("%s: %w %v", addr, errBadValue, val)
		}
		e.SetState(addr.Field, transform.ScaleDown(f))
	}

	return client.LightCommand(ctx, buildLightCommand(e, caps, addr.Field))
}

// buildLightCommand assembles a full light command from the entity's current
// values, including only the fields the light supports.
func buildLightCommand(e *EntityRecord, caps nativeapi.ColorCapability, written string) nativeapi.LightCommand {
	st := e.States()
	on := transform.Truthy(st["state"])
	cmd := nativeapi.LightCommand{Key: e.Key, State: &on}
	if !on {
		return cmd
	}
	if caps.Has(nativeapi.CapBrightness) {
		cmd.Brightness = float32State(st, "brightness")
	}
	if caps.Has(nativeapi.CapRGB) {
		r, g, b := float32State(st, "red"), float32State(st, "green"), float32State(st, "blue")
		if r != nil && g != nil && b != nil {
			cmd.RGB = &nativeapi.RGBColor{Red: *r, Green: *g, Blue: *b}
		}
		cmd.ColorBrightness = float32State(st, "colorBrightness")
	}
	if caps.Has(nativeapi.CapWhite) {
		cmd.White = float32State(st, "white")
	}
	if caps.Has(nativeapi.CapColorTemperature) {
		cmd.ColorTemperature = float32State(st, "colorTemperature")
	}
	if caps.Has(nativeapi.CapColdWarmWhite) {
		cmd.ColdWhite = float32State(st, "coldWhite")
		cmd.WarmWhite = float32State(st, "warmWhite")
	}
	if nativeapi.HasColorModes(e.Config()) && written == "colorMode" {
		cmd.ColorMode = int32State(st, "colorMode")
	}
	if fx, _ := st["effect"].(string); fx != "" && written == "effect" {
		cmd.Effect = &fx
	}
	if f, ok := transform.ToFloat(st["transitionLength"]); ok && f > 0 {
		ms := uint32(f)
		cmd.TransitionLength = &ms
	}
	return cmd
}

// serviceWrite coerces an argument write or executes the service when its
// run trigger is set.
func (c *Coordinator) serviceWrite(ctx context.Context, client nativeapi.Client, addr Address, svc *ServiceRecord, val any) error {
	id := addr.String()
	if addr.Field == "run" {
		if !transform.Truthy(val) {
			return nil
		}
		err := c.executeService(ctx, client, addr.parent(), svc)
		if rerr := c.tree.SetState(id, false, true); err == nil {
			err = rerr
		}
		return err
	}

	arg, ok := svc.Arg(addr.Field)
	if !ok {
		c.logger.Warn("write for unknown service argument", "id", id)
		return nil
	}
	coerced, err := coerceArg(arg.Type, val)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return c.tree.SetState(id, coerced, true)
}

func coerceArg(t nativeapi.ServiceArgType, val any) (any, error) {
	switch t {
	case nativeapi.ArgBool:
		return transform.Truthy(val), nil
	case nativeapi.ArgInt, nativeapi.ArgFloat:
		f, ok := transform.ToFloat(val)
		if !ok || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: %v is not a number", errBadValue, val)
		}
		return f, nil
	case nativeapi.ArgString:
		return stringValue(val), nil
	default:
		if s, ok := val.(string); ok {
			return s, nil
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadValue, err)
		}
		return string(b), nil
	}
}

func (c *Coordinator) executeService(ctx context.Context, client nativeapi.Client, prefix string, svc *ServiceRecord) error {
	args := make([]nativeapi.ServiceArgValue, 0, len(svc.Config.Args))
	for _, a := range svc.Config.Args {
		var stored any
		if st, err := c.tree.GetState(prefix + "." + a.Name); err == nil {
			stored = st.Val
		}
		args = append(args, serviceArgValue(a.Type, stored))
	}
	return client.ExecuteService(ctx, nativeapi.ExecuteServiceCommand{Key: svc.Config.Key, Args: args})
}

func serviceArgValue(t nativeapi.ServiceArgType, v any) nativeapi.ServiceArgValue {
	out := nativeapi.ServiceArgValue{Type: t}
	switch t {
	case nativeapi.ArgBool:
		out.Bool = transform.Truthy(v)
	case nativeapi.ArgInt:
		f, _ := transform.ToFloat(v)
		out.Int = int32(f)
	case nativeapi.ArgFloat:
		f, _ := transform.ToFloat(v)
		out.Float = float32(f)
	case nativeapi.ArgString:
		out.String = stringValue(v)
	default:
		for _, item := range jsonArray(v) {
			switch t {
			case nativeapi.ArgBoolArray:
				out.Bools = append(out.Bools, transform.Truthy(item))
			case nativeapi.ArgIntArray:
				f, _ := transform.ToFloat(item)
				out.Ints = append(out.Ints, int32(f))
			case nativeapi.ArgFloatArray:
				f, _ := transform.ToFloat(item)
				out.Floats = append(out.Floats, float32(f))
			case nativeapi.ArgStringArray:
				out.Strings = append(out.Strings, stringValue(item))
			}
		}
	}
	return out
}

// jsonArray parses a stored JSON array, returning nil on any failure.
func jsonArray(v any) []any {
	switch a := v.(type) {
	case []any:
		return a
	case string:
		var out []any
		if err := json.Unmarshal([]byte(a), &out); err != nil {
			return nil
		}
		return out
	}
	return nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func float32State(st map[string]any, field string) *float32 {
	f, ok := transform.ToFloat(st[field])
	if !ok {
		return nil
	}
	v := float32(f)
	return &v
}

func int32State(st map[string]any, field string) *int32 {
	f, ok := transform.ToFloat(st[field])
	if !ok {
		return nil
	}
	v := int32(f)
	return &v
}

func listed(cfg map[string]any, name string) bool {
	l, _ := cfg[name].([]int)
	return len(l) > 0
}
