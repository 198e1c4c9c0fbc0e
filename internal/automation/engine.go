//go:build !no_automation

// Package automation runs user Lua scripts against engine events.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/telemetry"
)

// Host is what scripts can see and drive.
type Host interface {
	Events() *engine.EventBus
	Send(did string, command map[string]any) error
	Command(ctx context.Context, entityID, action string, value float64) error
	ForceIdle(ctx context.Context, entityID string) error
	Snapshot(entityID string) (telemetry.Snapshot, bool)
	Devices() []device.Descriptor
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	RunID    string   `json:"run_id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for one event type.
type luaEventHandler struct {
	eventType string
	entity    string // only this entity id (empty = any)
	device    string // only this DID (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf overrides where aqara.log and system.log write.
	logf func(level, msg string)
}

// Engine manages one Lua VM per enabled script and dispatches bus events
// to them.
type Engine struct {
	host    Host
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(host Host, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		host:    host,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the bus and loads every enabled script.
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
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of live VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript stops the old VM, if any, and starts the script again when
// it is enabled.
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

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{RunID: uuid.NewString(), Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway sandboxed VM. Handlers the code
// registers are invoked once with a synthetic event so their actions run.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	res := &RunResult{RunID: uuid.NewString()}
	logger := e.logger.With("run_id", res.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var logMu sync.Mutex
	vm := e.newVM(ctx, cancel)
	defer vm.state.Close()
	vm.logf = func(level, msg string) {
		logMu.Lock()
		if level == "info" {
			res.Logs = append(res.Logs, msg)
		} else {
			res.Logs = append(res.Logs, "["+level+"] "+msg)
		}
		logMu.Unlock()
		logger.Info("script run log", "level", level, "msg", msg)
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		logger.Warn("script run failed", "err", msg)
		res.Error = msg
		res.Duration = time.Since(start).String()
		return res
	}

	if err := vm.state.DoString(code); err != nil {
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := vm.state.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		ev.RawSetString("entity", lua.LString(h.entity))
		ev.RawSetString("device", lua.LString(h.device))
		ev.RawSetString("state", lua.LString(telemetry.StateOn))
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return fail(err)
		}
	}

	res.OK = true
	res.Duration = time.Since(start).String()
	logger.Debug("script run complete", "handlers", len(handlers), "duration", res.Duration)
	return res
}

// newVM creates a sandboxed state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerAqaraModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (vm *scriptVM) log(e *Engine, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

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

// dispatchEvent runs on the engine loop; it only queues work onto VMs.
func (e *Engine) dispatchEvent(event engine.Event) {
	if event.Type == engine.EventBatch {
		return
	}
	fields := eventFields(event)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

// eventFields flattens an event into the table handed to Lua.
func eventFields(event engine.Event) map[string]any {
	fields := map[string]any{"type": event.Type}
	switch d := event.Data.(type) {
	case telemetry.Snapshot:
		fields["entity"] = d.Entity
		fields["device"] = d.Device
		fields["kind"] = d.Kind
		fields["state"] = d.State
		fields["attributes"] = d.Attributes
		fields["revision"] = d.Revision
	case map[string]any:
		for k, v := range d {
			fields[k] = v
		}
		if id, ok := d["entity_id"].(string); ok {
			fields["entity"] = id
		}
	case device.Descriptor:
		fields["device"] = d.DID
		fields["model"] = d.Model
		fields["name"] = d.Name()
	case int:
		fields["count"] = d
	}
	return fields
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.entity != "" {
		if v, _ := fields["entity"].(string); v != h.entity {
			return false
		}
	}
	if h.device != "" {
		if v, _ := fields["device"].(string); v != h.device {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, fields)); err != nil {
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
	}
	if f, ok := number(v); ok {
		return lua.LNumber(f)
	}
	return lua.LString(fmt.Sprint(v))
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// luaToGo converts a Lua value into JSON-friendly Go values. Tables with a
// sequence part become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
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
	}
	return nil
}
