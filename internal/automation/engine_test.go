//go:build !no_automation

package automation

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"esphome-go-home/internal/coordinator"
	"esphome-go-home/internal/store"
)

type fakeHost struct {
	events  *coordinator.EventBus
	tree    *coordinator.ObjectTree
	devices []coordinator.DeviceView
}

func (h *fakeHost) Events() *coordinator.EventBus         { return h.events }
func (h *fakeHost) Tree() *coordinator.ObjectTree         { return h.tree }
func (h *fakeHost) ListDevices() []coordinator.DeviceView { return h.devices }

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	events := coordinator.NewEventBus(testLogger())
	return &fakeHost{events: events, tree: coordinator.NewObjectTree(st, events)}
}

func (h *fakeHost) addState(t *testing.T, id string, write bool) {
	t.Helper()
	err := h.tree.ExtendObject(&store.Object{
		ID:     id,
		Type:   store.TypeState,
		Common: store.Common{Name: id, Read: true, Write: write},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newTestEngineWith(t *testing.T, host *fakeHost) (*Engine, *Manager) {
	t.Helper()
	mgr := newTestManager(t)
	e := NewEngine(host, mgr, testLogger(), SystemConfig{})
	t.Cleanup(e.Stop)
	return e, mgr
}

// waitState polls until id holds want.
func waitState(t *testing.T, tree *coordinator.ObjectTree, id string, want any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, err := tree.GetState(id); err == nil && st.Val == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, err := tree.GetState(id)
	t.Fatalf("state %s = %+v (err %v), want %v", id, st, err, want)
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"uint32", uint32(100000), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"strings", []string{"a", "b"}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	tbl := goToLua(L, []string{"eco", "boost"}).(*lua.LTable)
	if tbl.Len() != 2 || tbl.RawGetInt(2).String() != "boost" {
		t.Errorf("[]string table = len %d, [2] %v", tbl.Len(), tbl.RawGetInt(2))
	}
}

func TestLuaToGo(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	if err := L.DoString(`arr = {1, "two", true}; obj = {r = 255, g = 0}`); err != nil {
		t.Fatal(err)
	}

	arr, ok := luaToGo(L.GetGlobal("arr")).([]any)
	if !ok || len(arr) != 3 || arr[0] != 1.0 || arr[1] != "two" || arr[2] != true {
		t.Errorf("arr = %#v", arr)
	}
	obj, ok := luaToGo(L.GetGlobal("obj")).(map[string]any)
	if !ok || obj["r"] != 255.0 || obj["g"] != 0.0 {
		t.Errorf("obj = %#v", obj)
	}
	if v := luaToGo(lua.LNil); v != nil {
		t.Errorf("nil = %#v", v)
	}
}

func TestMatchesHandler(t *testing.T) {
	yes, no := true, false
	state := func(id string, ack bool) coordinator.Event {
		return coordinator.Event{Type: coordinator.EventStateChange, Data: coordinator.StateChange{ID: id, Ack: ack}}
	}
	status := coordinator.Event{Type: coordinator.EventDeviceStatus, Data: coordinator.DeviceStatus{IP: "10.0.0.5"}}

	tests := []struct {
		name    string
		handler luaEventHandler
		event   coordinator.Event
		want    bool
	}{
		{"exact id", luaEventHandler{kind: handlerState, pattern: "dev.Switch.1.state"}, state("dev.Switch.1.state", true), true},
		{"glob", luaEventHandler{kind: handlerState, pattern: "dev.Sensor.*.state"}, state("dev.Sensor.7.state", true), true},
		{"glob other type", luaEventHandler{kind: handlerState, pattern: "dev.Sensor.*.state"}, state("dev.Switch.7.state", true), false},
		{"empty pattern", luaEventHandler{kind: handlerState}, state("anything", false), true},
		{"ack filter match", luaEventHandler{kind: handlerState, ack: &yes}, state("a", true), true},
		{"ack filter miss", luaEventHandler{kind: handlerState, ack: &no}, state("a", true), false},
		{"bad glob", luaEventHandler{kind: handlerState, pattern: "["}, state("a", true), false},
		{"state handler on status", luaEventHandler{kind: handlerState}, status, false},
		{"status any ip", luaEventHandler{kind: handlerStatus}, status, true},
		{"status ip", luaEventHandler{kind: handlerStatus, pattern: "10.0.0.5"}, status, true},
		{"status other ip", luaEventHandler{kind: handlerStatus, pattern: "10.0.0.6"}, status, false},
		{"status handler on state", luaEventHandler{kind: handlerStatus}, state("a", true), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.handler, tt.event); got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngineStateHandlerWrites(t *testing.T) {
	host := newFakeHost(t)
	host.addState(t, "hall.BinarySensor.1.state", false)
	host.addState(t, "hall.Switch.2.state", true)
	e, mgr := newTestEngineWith(t, host)

	_, err := mgr.Save(&Script{
		Meta: ScriptMeta{Name: "motion light", Enabled: true},
		LuaCode: `
esphome.on_state("hall.BinarySensor.*.state", function(ev)
  local ok, err = esphome.set("hall.Switch.2.state", ev.val)
  if not ok then error(err) end
end, {ack = true})
`,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if !e.Running("motion_light") {
		t.Fatal("script not running")
	}

	if err := host.tree.SetState("hall.BinarySensor.1.state", true, true); err != nil {
		t.Fatal(err)
	}
	waitState(t, host.tree, "hall.Switch.2.state", true)

	st, _ := host.tree.GetState("hall.Switch.2.state")
	if st.Ack {
		t.Error("script write stored with ack=true, want false")
	}
}

func TestEngineSetReadOnlyFails(t *testing.T) {
	host := newFakeHost(t)
	host.addState(t, "dev.Sensor.1.state", false)
	e, _ := newTestEngineWith(t, host)

	res := e.RunLuaCode(`
local ok, err = esphome.set("dev.Sensor.1.state", 5)
esphome.log(tostring(ok) .. " " .. err)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || !strings.HasPrefix(res.Logs[0], "false ") || !strings.Contains(res.Logs[0], "read-only") {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestEngineGetAndDevices(t *testing.T) {
	host := newFakeHost(t)
	host.addState(t, "dev.Sensor.1.state", false)
	if err := host.tree.SetState("dev.Sensor.1.state", 21.5, true); err != nil {
		t.Fatal(err)
	}
	host.devices = []coordinator.DeviceView{{IP: "10.0.0.5", Name: "dev", Status: coordinator.StatusConnected, Connected: true}}
	e, _ := newTestEngineWith(t, host)

	res := e.RunLuaCode(`
local v, ack = esphome.get("dev.Sensor.1.state")
esphome.log(v .. " " .. tostring(ack))
local missing = esphome.get("nope")
esphome.log(tostring(missing))
for _, d in ipairs(esphome.devices()) do
  esphome.log(d.ip .. " " .. d.name .. " " .. d.status)
end
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"21.5 true", "nil", "10.0.0.5 dev connected"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %v, want %v", res.Logs, want)
	}
}

func TestEngineStatusHandler(t *testing.T) {
	host := newFakeHost(t)
	host.addState(t, "last_status", true)
	e, mgr := newTestEngineWith(t, host)

	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "watch", Enabled: true},
		LuaCode: `esphome.on_status(function(ev) esphome.set("last_status", ev.ip .. "=" .. ev.status) end, "10.0.0.5")`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()

	host.events.Emit(coordinator.Event{Type: coordinator.EventDeviceStatus, Data: coordinator.DeviceStatus{IP: "10.0.0.6", Status: coordinator.StatusConnected}})
	host.events.Emit(coordinator.Event{Type: coordinator.EventDeviceStatus, Data: coordinator.DeviceStatus{IP: "10.0.0.5", Status: coordinator.StatusUnreachable}})
	waitState(t, host.tree, "last_status", "10.0.0.5=unreachable")
}

func TestEngineAfter(t *testing.T) {
	host := newFakeHost(t)
	host.addState(t, "flag", true)
	e, mgr := newTestEngineWith(t, host)

	if _, err := mgr.Save(&Script{
		Meta:    ScriptMeta{Name: "delayed", Enabled: true},
		LuaCode: `esphome.after(0.05, function() esphome.set("flag", "fired") end)`,
	}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	waitState(t, host.tree, "flag", "fired")
}

func TestEngineScheduleValidation(t *testing.T) {
	host := newFakeHost(t)
	e, _ := newTestEngineWith(t, host)

	if res := e.RunLuaCode(`esphome.schedule("*/5 * * * *", function() end)`); !res.OK {
		t.Errorf("valid schedule: %s", res.Error)
	}
	res := e.RunLuaCode(`esphome.schedule("every tuesday", function() end)`)
	if res.OK || !strings.Contains(res.Error, "invalid schedule") {
		t.Errorf("invalid schedule result = %+v", res)
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	host := newFakeHost(t)
	e, mgr := newTestEngineWith(t, host)

	s, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "toggle"}, LuaCode: `esphome.log("x")`})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running(s.ID) {
		t.Fatal("disabled script is running")
	}

	s.Meta.Enabled = true
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Fatal("enabled script not running after reload")
	}

	e.StopScript(s.ID)
	if e.Running(s.ID) {
		t.Error("script still running after stop")
	}

	if err := e.ReloadScript("missing"); err == nil {
		t.Error("reload missing script: want error")
	}
}

func TestEngineStartSkipsBrokenScript(t *testing.T) {
	host := newFakeHost(t)
	e, mgr := newTestEngineWith(t, host)

	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "broken", Enabled: true}, LuaCode: `this is not lua`}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Save(&Script{Meta: ScriptMeta{Name: "fine", Enabled: true}, LuaCode: `esphome.log("ok")`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running("broken") || !e.Running("fine") {
		t.Errorf("running broken=%v fine=%v", e.Running("broken"), e.Running("fine"))
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _ := newTestEngineWith(t, newFakeHost(t))

	for _, code := range []string{`os.exit(1)`, `io.open("/etc/passwd")`, `require("x")`, `load("return 1")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: want failure", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	e, _ := newTestEngineWith(t, newFakeHost(t))
	res := e.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestRunLuaCodeInvokesStateHandlers(t *testing.T) {
	e, _ := newTestEngineWith(t, newFakeHost(t))
	res := e.RunLuaCode(`
esphome.on_state("dev.Switch.1.state", function(ev)
  esphome.log(ev.id .. " " .. tostring(ev.val))
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "dev.Switch.1.state true" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _ := newTestEngineWith(t, newFakeHost(t))
	if res := e.RunScript("nope"); res.OK || !strings.HasPrefix(res.Error, "script not found") {
		t.Errorf("result = %+v", res)
	}
}
