package coordinator

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"esphome-go-home/internal/nativeapi"
	"esphome-go-home/internal/store"
	"esphome-go-home/internal/transform"
)

const userServicesChannel = "UserDefinedServices"

var lightChannels = map[string]bool{
	"brightness":       true,
	"red":              true,
	"green":            true,
	"blue":             true,
	"white":            true,
	"colorTemperature": true,
	"colorBrightness":  true,
	"coldWhite":        true,
	"warmWhite":        true,
}

// Lock enumerations, indexed by their wire values.
var (
	lockStates   = []string{"NONE", "LOCKED", "UNLOCKED", "JAMMED", "LOCKING", "UNLOCKING"}
	lockCommands = []string{"UNLOCK", "LOCK", "OPEN"}
)

func entityID(device string, typ nativeapi.EntityType, key uint32) string {
	return device + "." + string(typ) + "." + strconv.FormatUint(uint64(key), 10)
}

// onNewEntity maps an announced entity into the tree.
func (c *Coordinator) onNewEntity(rec *DeviceRecord, ent nativeapi.Entity) error {
	device := rec.Name()
	if device == "" {
		return fmt.Errorf("entity %d announced before device info", ent.Key)
	}
	e := rec.putEntity(ent)

	typeID := device + "." + string(e.Type)
	if err := c.writer.EnsureChannel(rec, typeID, string(e.Type)); err != nil {
		return err
	}
	id := entityID(device, e.Type, e.Key)
	if err := c.writer.EnsureChannel(rec, id, ent.Name); err != nil {
		return err
	}

	cfgID := id + ".config"
	if c.opts.ConfigStates {
		if err := c.writer.EnsureChannel(rec, cfgID, "config"); err != nil {
			return err
		}
		if err := c.writer.TraverseJSON(rec, cfgID, ent.Config); err != nil {
			return err
		}
	} else if _, err := c.tree.GetObject(cfgID); err == nil {
		if err := c.tree.DeleteObject(cfgID, true); err != nil {
			return err
		}
		c.writer.PurgePrefix(cfgID)
		rec.dropChannels(cfgID)
	}

	// Buttons never send a state, so their trigger exists from the start.
	switch e.Type {
	case nativeapi.Button:
		if err := c.writer.SetCreate(id+".SET", "SET", false, StateOptions{Write: true}); err != nil {
			return err
		}
	case nativeapi.Lock:
		if err := c.writer.SetCreate(id+".command", "command", nil, StateOptions{Write: true, States: lockCommands}); err != nil {
			return err
		}
	}

	c.events.Emit(Event{Type: EventEntityAnnounced, Data: EntityAnnounced{
		Device:       device,
		FriendlyName: rec.FriendlyName(),
		Type:         e.Type,
		Key:          e.Key,
		Name:         ent.Name,
		Channel:      id,
		Config:       ent.Config,
	}})

	rec.mu.Lock()
	initialized, client := rec.initialized, rec.client
	rec.mu.Unlock()
	if initialized && client != nil {
		ctx, cancel := c.commandContext()
		defer cancel()
		if err := client.SubscribeStates(ctx); err != nil {
			c.logger.Warn("subscribe states failed", "device", device, "err", err)
		}
	}
	return nil
}

// onState writes one state event.
func (c *Coordinator) onState(rec *DeviceRecord, ev nativeapi.StateEvent) error {
	device := rec.Name()
	e := rec.Entity(strconv.FormatUint(uint64(ev.Key), 10))
	if device == "" || e == nil {
		return fmt.Errorf("state for unknown entity %s %d", ev.Type, ev.Key)
	}
	id := entityID(device, e.Type, e.Key)

	switch e.Type {
	case nativeapi.BinarySensor, nativeapi.Sensor, nativeapi.TextSensor,
		nativeapi.Switch, nativeapi.Number, nativeapi.Text, nativeapi.Select, nativeapi.Lock:
		return c.regularState(id, e, ev.State)
	case nativeapi.Light, nativeapi.Climate, nativeapi.Fan:
		return c.arrayState(rec, id, e, ev.State)
	case nativeapi.Cover:
		return c.coverState(id, e, ev.State)
	default:
		c.warnUnsupported(string(e.Type), "state", ev.State, "config", e.Config())
		return nil
	}
}

func (c *Coordinator) regularState(id string, e *EntityRecord, state map[string]any) error {
	cfg := e.Config()
	val := state["state"]
	if missing, _ := state["missingState"].(bool); missing {
		val = nil
	}
	if f, ok := val.(float64); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			val = nil
		} else if dec, ok := cfg["accuracyDecimals"].(int); ok {
			rounded, err := transform.Modify(fmt.Sprintf("round(%d)", dec), f)
			if err != nil {
				return err
			}
			val = rounded
		}
	}
	e.SetState("state", val)

	opts := StateOptions{Unit: e.Unit()}
	switch e.Type {
	case nativeapi.Switch, nativeapi.Number, nativeapi.Text, nativeapi.Select:
		opts.Write = true
	}
	if options, ok := cfg["optionsList"].([]string); ok && len(options) > 0 {
		opts.States = options
	}
	if e.Type == nativeapi.Lock {
		opts.States = lockStates
	}
	return c.writer.SetCreate(id+".state", "state", val, opts)
}

func (c *Coordinator) arrayState(rec *DeviceRecord, id string, e *EntityRecord, state map[string]any) error {
	cfg := e.Config()
	for _, field := range slices.Sorted(maps.Keys(state)) {
		if field == "key" {
			continue
		}
		raw := state[field]
		e.SetState(field, raw)

		val := raw
		opts := StateOptions{Write: true}
		switch {
		case field == "currentTemperature":
			val = round2(raw)
			opts.Write = false
		case strings.HasPrefix(field, "target") && strings.Contains(field, "Temperature"):
			val = round2(raw)
			opts.Unit = "°C"
		case e.Type == nativeapi.Light && lightChannels[field]:
			if f, ok := transform.ToFloat(raw); ok {
				val = transform.ScaleUp(f)
			}
		case field == "action", field == "speed":
			opts.Write = false
		case e.Type == nativeapi.Fan && field == "oscillating":
			opts.Write, _ = cfg["supportsOscillation"].(bool)
		case e.Type == nativeapi.Fan && field == "speedLevel":
			n, _ := cfg["supportedSpeedCount"].(int)
			opts.Write = n > 0
		case e.Type == nativeapi.Fan && field == "direction":
			opts.Write, _ = cfg["supportsDirection"].(bool)
		}
		if f, ok := val.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			val = nil
		}
		if err := c.writer.SetCreate(id+"."+field, field, val, opts); err != nil {
			return err
		}
	}

	if e.Type != nativeapi.Light {
		return nil
	}
	return c.lightExtras(id, e)
}

func (c *Coordinator) lightExtras(id string, e *EntityRecord) error {
	r, okR := e.State("red")
	g, okG := e.State("green")
	b, okB := e.State("blue")
	if okR && okG && okB {
		rf, _ := transform.ToFloat(r)
		gf, _ := transform.ToFloat(g)
		bf, _ := transform.ToFloat(b)
		hex := transform.RGBToHex(transform.ScaleUp(rf), transform.ScaleUp(gf), transform.ScaleUp(bf))
		if err := c.writer.SetCreate(id+".colorHEX", "colorHEX", hex, StateOptions{Write: true}); err != nil {
			return err
		}
	}

	if e.first("transitionLength") {
		var seed any = 0
		if st, err := c.tree.GetState(id + ".transitionLength"); err == nil && st.Val != nil {
			seed = st.Val
		}
		e.SetState("transitionLength", seed)
		err := c.writer.SetCreate(id+".transitionLength", "transitionLength", seed, StateOptions{Write: true, Unit: "ms"})
		if err != nil {
			return err
		}
	}

	if nativeapi.LightCapabilities(e.Config()).Has(nativeapi.CapWhite) && e.first("rgbAutoWhite") {
		var seed any = false
		if st, err := c.tree.GetState(id + ".rgbAutoWhite"); err == nil && st.Val != nil {
			seed = transform.Truthy(st.Val)
		}
		e.SetState("rgbAutoWhite", seed)
		if err := c.writer.SetCreate(id+".rgbAutoWhite", "rgbAutoWhite", seed, StateOptions{Write: true}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) coverState(id string, e *EntityRecord, state map[string]any) error {
	for _, field := range []string{"position", "tilt"} {
		f, _ := transform.ToFloat(state[field])
		e.SetState(field, f)
		if err := c.writer.SetCreate(id+"."+field, field, transform.ToPercent(f), StateOptions{Write: true, Unit: "%"}); err != nil {
			return err
		}
	}
	return c.writer.SetCreate(id+".stop", "stop", false, StateOptions{Write: true})
}

// warnUnsupported logs the first sighting of each unsupported entity or
// message type with whatever payload came along.
func (c *Coordinator) warnUnsupported(kind string, args ...any) {
	c.warnMu.Lock()
	_, seen := c.warnedTypes[kind]
	c.warnedTypes[kind] = struct{}{}
	c.warnMu.Unlock()
	if !seen {
		c.logger.Warn("unsupported entity type, please report", append([]any{"type", kind}, args...)...)
	}
}

func round2(v any) any {
	f, ok := transform.ToFloat(v)
	if !ok {
		return v
	}
	return transform.Round(f, 2)
}

// onService maps a user-defined service: one writable leaf per argument
// plus the run trigger.
func (c *Coordinator) onService(rec *DeviceRecord, svc nativeapi.Service) error {
	device := rec.Name()
	if device == "" {
		return fmt.Errorf("service %q announced before device info", svc.Name)
	}
	rec.putService(svc)

	root := device + "." + userServicesChannel
	if err := c.writer.EnsureChannel(rec, root, "User defined services"); err != nil {
		return err
	}
	id := root + "." + strconv.FormatUint(uint64(svc.Key), 10)
	if err := c.writer.EnsureChannel(rec, id, svc.Name); err != nil {
		return err
	}

	for _, arg := range svc.Args {
		argID := id + "." + arg.Name
		val := argDefault(arg.Type)
		st, err := c.tree.GetState(argID)
		switch {
		case err == nil && st.Val != nil:
			val = st.Val
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		opts := StateOptions{Write: true, Name: arg.Name + " (" + arg.Type.String() + ")", Role: argRole(arg.Type)}
		if err := c.writer.SetCreate(argID, arg.Name, val, opts); err != nil {
			return err
		}
	}
	return c.writer.SetCreate(id+".run", "run", false, StateOptions{Write: true, Name: "Run " + svc.Name})
}

func argDefault(t nativeapi.ServiceArgType) any {
	switch t {
	case nativeapi.ArgBool:
		return false
	case nativeapi.ArgInt, nativeapi.ArgFloat:
		return 0
	case nativeapi.ArgString:
		return ""
	default:
		return "[]"
	}
}

func argRole(t nativeapi.ServiceArgType) string {
	switch t {
	case nativeapi.ArgBool:
		return "switch"
	case nativeapi.ArgInt, nativeapi.ArgFloat:
		return "level"
	case nativeapi.ArgString:
		return "text"
	default:
		return "json"
	}
}
