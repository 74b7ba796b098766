//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	lua "github.com/yuin/gopher-lua"
)

const writeTimeout = 10 * time.Second

// registerESPHomeModule registers the `esphome` global table. logf receives
// esphome.log lines.
func registerESPHomeModule(L *lua.LState, vm *scriptVM, e *Engine, logf func(string)) {
	mod := L.NewTable()

	mod.RawSetString("on_state", L.NewFunction(func(L *lua.LState) int {
		pattern := L.CheckString(1)
		fn := L.CheckFunction(2)
		h := luaEventHandler{kind: handlerState, pattern: pattern, fn: fn}
		if opts, ok := L.Get(3).(*lua.LTable); ok {
			if v, ok := opts.RawGetString("ack").(lua.LBool); ok {
				ack := bool(v)
				h.ack = &ack
			}
		}
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, h)
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("on_status", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ip := L.OptString(2, "")
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaEventHandler{kind: handlerStatus, pattern: ip, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		st, err := e.host.Tree().GetState(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LNil)
			return 2
		}
		L.Push(goToLua(L, st.Val))
		L.Push(lua.LBool(st.Ack))
		return 2
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckString(1)
		val := luaToGo(L.CheckAny(2))
		ctx, cancel := context.WithTimeout(vm.ctx, writeTimeout)
		defer cancel()
		if err := e.host.Tree().WriteState(ctx, id, val); err != nil {
			L.Push(lua.LFalse)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		t := L.NewTable()
		for _, d := range e.host.ListDevices() {
			row := L.NewTable()
			row.RawSetString("ip", lua.LString(d.IP))
			row.RawSetString("mac", lua.LString(d.MAC))
			row.RawSetString("name", lua.LString(d.Name))
			row.RawSetString("friendlyName", lua.LString(d.FriendlyName))
			row.RawSetString("status", lua.LString(d.Status))
			row.RawSetString("connected", lua.LBool(d.Connected))
			t.Append(row)
		}
		L.Push(t)
		return 1
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		secs := float64(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		go func() {
			select {
			case <-vm.ctx.Done():
			case <-time.After(time.Duration(secs * float64(time.Second))):
				vm.submit(func(L *lua.LState) { e.callTimer(L, fn) })
			}
		}()
		return 0
	}))

	mod.RawSetString("schedule", L.NewFunction(func(L *lua.LState) int {
		spec := L.CheckString(1)
		fn := L.CheckFunction(2)
		vm.mu.Lock()
		if vm.cron == nil {
			vm.cron = cron.New()
			if vm.running {
				vm.cron.Start()
			}
		}
		c := vm.cron
		vm.mu.Unlock()
		_, err := c.AddFunc(spec, func() {
			if !vm.submit(func(L *lua.LState) { e.callTimer(L, fn) }) {
				e.logger.Warn("script busy, skipping schedule", "spec", spec)
			}
		})
		if err != nil {
			L.ArgError(1, "invalid schedule: "+err.Error())
			return 0
		}
		return 0
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		if logf != nil {
			logf(L.CheckString(1))
		}
		return 0
	}))

	L.SetGlobal("esphome", mod)
}

func (e *Engine) callTimer(L *lua.LState, fn *lua.LFunction) {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && errors.Is(apiErr.Cause, context.Canceled) {
			return
		}
		e.logger.Error("lua timer error", "err", err)
	}
}
