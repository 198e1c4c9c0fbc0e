//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const hostTimeout = 5 * time.Second

// registerAqaraModule installs the `aqara` global.
//
//	aqara.on(type, [filter], fn)       filter keys: entity, device
//	aqara.send(did, table)             raw command to the gateway
//	aqara.command(entity, action, [v]) turn_on, set_position, ...
//	aqara.force_idle(entity)
//	aqara.state(entity)                state, attributes
//	aqara.devices()
//	aqara.after(seconds, fn)
//	aqara.log(msg)
func registerAqaraModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return aqaraOn(L, vm) }))
	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int { return aqaraSend(L, e) }))
	mod.RawSetString("command", L.NewFunction(func(L *lua.LState) int { return aqaraCommand(L, vm, e) }))
	mod.RawSetString("force_idle", L.NewFunction(func(L *lua.LState) int { return aqaraForceIdle(L, vm, e) }))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int { return aqaraState(L, e) }))
	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int { return aqaraDevices(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return aqaraAfter(L, vm, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.log(e, "info", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("aqara", mod)
}

func aqaraOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v, ok := filter.RawGetString("entity").(lua.LString); ok {
			h.entity = string(v)
		}
		if v, ok := filter.RawGetString("device").(lua.LString); ok {
			h.device = string(v)
		}
	}
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// pushResult pushes true, or false and the error text.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func aqaraSend(L *lua.LState, e *Engine) int {
	did := L.CheckString(1)
	params, _ := luaToGo(L.CheckTable(2)).(map[string]any)
	if params == nil {
		L.ArgError(2, "command table must have string keys")
		return 0
	}
	return pushResult(L, e.host.Send(did, params))
}

func aqaraCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	entity := L.CheckString(1)
	action := L.CheckString(2)
	value := float64(L.OptNumber(3, 0))
	ctx, cancel := context.WithTimeout(vm.ctx, hostTimeout)
	defer cancel()
	return pushResult(L, e.host.Command(ctx, entity, action, value))
}

func aqaraForceIdle(L *lua.LState, vm *scriptVM, e *Engine) int {
	entity := L.CheckString(1)
	ctx, cancel := context.WithTimeout(vm.ctx, hostTimeout)
	defer cancel()
	return pushResult(L, e.host.ForceIdle(ctx, entity))
}

func aqaraState(L *lua.LState, e *Engine) int {
	s, ok := e.host.Snapshot(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, s.State))
	L.Push(goToLua(L, s.Attributes))
	return 2
}

func aqaraDevices(L *lua.LState, e *Engine) int {
	t := L.NewTable()
	for i, d := range e.host.Devices() {
		row := L.NewTable()
		row.RawSetString("did", lua.LString(d.DID))
		row.RawSetString("model", lua.LString(d.Model))
		row.RawSetString("name", lua.LString(d.Name()))
		t.RawSetInt(i+1, row)
	}
	L.Push(t)
	return 1
}

func aqaraAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	if seconds < 0 {
		seconds = 0
	}
	time.AfterFunc(time.Duration(seconds*float64(time.Second)), func() {
		select {
		case <-vm.ctx.Done():
		case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, nil) }:
		default:
			e.logger.Warn("script command channel full, dropping timer")
		}
	})
	return 0
}
