//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	lua "github.com/yuin/gopher-lua"

	"esphome-go-home/internal/coordinator"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Host is what scripts can see of the running system.
type Host interface {
	Events() *coordinator.EventBus
	Tree() *coordinator.ObjectTree
	ListDevices() []coordinator.DeviceView
}

const (
	handlerState  = "state"
	handlerStatus = "status"
)

// luaEventHandler is a registered Lua callback.
type luaEventHandler struct {
	kind    string
	pattern string // state ID glob, or device IP for status handlers
	ack     *bool  // nil matches both
	fn      *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	cron     *cron.Cron
	running  bool // schedules fire only on live VMs
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers and cron
}

func newScriptVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	return &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// submit queues fn on the VM loop. It reports false when the queue is full
// or the VM stopped.
func (vm *scriptVM) submit(fn func(*lua.LState)) bool {
	select {
	case <-vm.ctx.Done():
		return false
	default:
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

func (vm *scriptVM) stop() {
	vm.cancel()
	vm.mu.Lock()
	c := vm.cron
	vm.running = false
	vm.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Engine runs enabled scripts and dispatches EventBus events to them.
type Engine struct {
	host    Host
	manager *Manager
	logger  *slog.Logger

	systemCfg SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(host Host, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	return &Engine{
		host:      host,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		vms:       make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.host.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.stop()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM, if any, and starts the stored version.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether the script id has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a 5s budget. Registered
// state handlers are invoked once with a synthetic event so their actions
// run; schedules are registered but never fire.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vm := newScriptVM(ctx, cancel)
	L := vm.state
	defer L.Close()
	defer vm.stop()

	var logMu sync.Mutex
	var logs []string
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}
	registerESPHomeModule(L, vm, e, capture)
	registerSystemModule(L, e, capture)

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.kind))
		switch h.kind {
		case handlerState:
			ev.RawSetString("id", lua.LString(h.pattern))
			ev.RawSetString("val", lua.LTrue)
			ev.RawSetString("ack", lua.LTrue)
		case handlerStatus:
			ev.RawSetString("ip", lua.LString(h.pattern))
			ev.RawSetString("status", lua.LString(coordinator.StatusConnected))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()
	if ok {
		vm.stop()
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := newScriptVM(ctx, cancel)
	L := vm.state

	logger := e.logger.With("script", s.ID)
	registerESPHomeModule(L, vm, e, func(line string) { logger.Info("script log", "msg", line) })
	registerSystemModule(L, e, nil)

	if err := L.DoString(s.LuaCode); err != nil {
		vm.stop()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.stop()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	vm.mu.Lock()
	vm.running = true
	if vm.cron != nil {
		vm.cron.Start()
	}
	vm.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes an EventBus event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := maps.Clone(e.vms)
	e.mu.Unlock()

	for id, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if !vm.submit(func(L *lua.LState) { e.callHandler(L, fn, event) }) {
				e.logger.Warn("script busy, dropping event", "id", id, "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	switch data := event.Data.(type) {
	case coordinator.StateChange:
		if h.kind != handlerState || event.Type != coordinator.EventStateChange {
			return false
		}
		if h.ack != nil && *h.ack != data.Ack {
			return false
		}
		if h.pattern == "" {
			return true
		}
		ok, err := path.Match(h.pattern, data.ID)
		return err == nil && ok
	case coordinator.DeviceStatus:
		if h.kind != handlerStatus || event.Type != coordinator.EventDeviceStatus {
			return false
		}
		return h.pattern == "" || h.pattern == data.IP
	}
	return false
}

// eventTable converts an event payload into the table handlers receive.
func eventTable(L *lua.LState, event coordinator.Event) *lua.LTable {
	t := L.NewTable()
	switch data := event.Data.(type) {
	case coordinator.StateChange:
		t.RawSetString("type", lua.LString(handlerState))
		t.RawSetString("id", lua.LString(data.ID))
		t.RawSetString("val", goToLua(L, data.Val))
		t.RawSetString("ack", lua.LBool(data.Ack))
		t.RawSetString("ts", lua.LNumber(data.TS.Unix()))
	case coordinator.DeviceStatus:
		t.RawSetString("type", lua.LString(handlerStatus))
		t.RawSetString("ip", lua.LString(data.IP))
		t.RawSetString("name", lua.LString(data.Name))
		t.RawSetString("friendlyName", lua.LString(data.FriendlyName))
		t.RawSetString("status", lua.LString(data.Status))
	default:
		t.RawSetString("type", lua.LString(event.Type))
	}
	return t
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value into the JSON-like values the tree stores.
// Tables with a non-empty array part become slices, others maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return v.String()
	}
}
