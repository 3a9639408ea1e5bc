//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
)

// luaEventHandler is a registered Lua callback for a state-change pattern.
type luaEventHandler struct {
	zigbeeID  string // filter: only match this snap-in (empty = any)
	stateType string // filter: only match this state type (empty = any)
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
}

// Engine runs user Lua scripts against coordinator state-change events.
// Each script gets its own sandboxed VM; event dispatch and timers go
// through the VM's command channel so Lua is never entered concurrently.
type Engine struct {
	events   *coordinator.EventBus
	store    *coordinator.StateStore
	manager  *Manager
	logger   *slog.Logger
	switches map[string]*entity.RelaySwitch // by zigbee id

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(events *coordinator.EventBus, store *coordinator.StateStore, switches []*entity.RelaySwitch, mgr *Manager, logger *slog.Logger) *Engine {
	byZigbee := make(map[string]*entity.RelaySwitch, len(switches))
	for _, sw := range switches {
		byZigbee[sw.ZigbeeID] = sw
	}
	return &Engine{
		events:   events,
		store:    store,
		manager:  mgr,
		logger:   logger.With("component", "automation"),
		switches: byZigbee,
		vms:      make(map[string]*scriptVM),
	}
}

// Start subscribes to state-change events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.On(coordinator.EventStateUpdate, e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("automation engine stopped")
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove filesystem and loader access.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerStredaModule(L, vm, e)

	// Top-level execution registers the handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	// Command loop goroutine; exits when the context is cancelled.
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

	e.logger.Info("script started", "id", s.ID, "name", s.Name)
	return nil
}

// dispatchEvent routes a state-update event to all matching Lua handlers.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok {
		return
	}
	zigbeeID, _ := data["zigbee_id"].(string)
	deviceNumber, _ := data["device_number"].(int)
	stateType, _ := data["type"].(string)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.zigbeeID != "" && h.zigbeeID != zigbeeID {
				continue
			}
			if h.stateType != "" && h.stateType != stateType {
				continue
			}

			fn := h.fn
			select {
			case <-vm.ctx.Done():
				// VM stopped, skip remaining handlers.
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, zigbeeID, deviceNumber, stateType)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event")
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, zigbeeID string, deviceNumber int, stateType string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("zigbee_id", lua.LString(zigbeeID))
	eventTable.RawSetString("device_number", lua.LNumber(deviceNumber))
	eventTable.RawSetString("type", lua.LString(stateType))

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}
