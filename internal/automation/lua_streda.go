//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"streda-bridge/internal/entity"
	"streda-bridge/internal/streda"
)

// registerStredaModule registers the `streda` global table in a Lua state.
func registerStredaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return stredaOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return stredaSwitchCommand(L, e, "turn_on")
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return stredaSwitchCommand(L, e, "turn_off")
	}))

	mod.RawSetString("toggle", L.NewFunction(func(L *lua.LState) int {
		return stredaSwitchCommand(L, e, "toggle")
	}))

	mod.RawSetString("is_on", L.NewFunction(func(L *lua.LState) int {
		return stredaIsOn(L, e)
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return stredaState(L, e)
	}))

	mod.RawSetString("switches", L.NewFunction(func(L *lua.LState) int {
		return stredaSwitches(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return stredaAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return stredaLog(L, e)
	}))

	L.SetGlobal("streda", mod)
}

const maxHandlersPerScript = 100

// streda.on(filter, callback) — filter keys: zigbee_id, type
func stredaOn(L *lua.LState, vm *scriptVM) int {
	filterTable := L.CheckTable(1)
	fn := L.CheckFunction(2)

	h := luaEventHandler{fn: fn}

	if v := filterTable.RawGetString("zigbee_id"); v != lua.LNil {
		h.zigbeeID = v.String()
	}
	if v := filterTable.RawGetString("type"); v != lua.LNil {
		h.stateType = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// streda.turn_on/turn_off/toggle(zigbee_id_or_name)
func stredaSwitchCommand(L *lua.LState, e *Engine, cmd string) int {
	target := L.CheckString(1)
	sw := resolveSwitch(e, target)
	if sw == nil {
		e.logger.Warn("switch not found", "target", target)
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "turn_on":
		err = sw.TurnOn(ctx)
	case "turn_off":
		err = sw.TurnOff(ctx)
	default:
		err = sw.Toggle(ctx)
	}
	if err != nil {
		e.logger.Error("switch command", "err", err, "target", target, "cmd", cmd)
	}
	return 0
}

// streda.is_on(zigbee_id_or_name)
func stredaIsOn(L *lua.LState, e *Engine) int {
	target := L.CheckString(1)
	sw := resolveSwitch(e, target)
	if sw == nil {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(sw.IsOn()))
	return 1
}

// streda.state(zigbee_id, device_number, type, key) — raw state lookup
func stredaState(L *lua.LState, e *Engine) int {
	zigbeeID := L.CheckString(1)
	deviceNumber := L.CheckInt(2)
	stateType := L.CheckString(3)
	key := L.CheckString(4)

	var value any
	var found bool
	e.store.View(func(snapIns []streda.SnapIn) {
		for _, sn := range snapIns {
			if sn.ZigbeeID != zigbeeID {
				continue
			}
			for _, dev := range sn.Devices {
				if dev.DeviceNumber != deviceNumber {
					continue
				}
				for _, st := range dev.States {
					if st.Type == stateType {
						value, found = st.Data[key]
						return
					}
				}
				return
			}
			return
		}
	})

	if !found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, value))
	return 1
}

// streda.switches() — returns a table of all known switches
func stredaSwitches(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	i := 1
	for _, sw := range e.switches {
		d := L.NewTable()
		d.RawSetString("zigbee_id", lua.LString(sw.ZigbeeID))
		d.RawSetString("name", lua.LString(sw.Name()))
		d.RawSetString("room", lua.LString(sw.RoomName))
		d.RawSetString("device_number", lua.LNumber(sw.DeviceNumber))
		tbl.RawSetInt(i, d)
		i++
	}
	L.Push(tbl)
	return 1
}

// streda.after(seconds, callback) — delayed execution
func stredaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// streda.log(msg)
func stredaLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// resolveSwitch finds a switch by zigbee id or display name.
func resolveSwitch(e *Engine, target string) *entity.RelaySwitch {
	if sw, ok := e.switches[target]; ok {
		return sw
	}
	target = strings.ToLower(target)
	for _, sw := range e.switches {
		if strings.ToLower(sw.Name()) == target || strings.ToLower(sw.DeviceName()) == target {
			return sw
		}
	}
	return nil
}

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
	case int64:
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
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
