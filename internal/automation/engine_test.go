//go:build !no_automation

package automation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
	"streda-bridge/internal/streda"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCommander struct {
	mu      sync.Mutex
	toggles int
}

func (f *fakeCommander) ToggleDevice(_ context.Context, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	return nil
}

func (f *fakeCommander) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggles
}

func testSwitches(api entity.Commander, states *coordinator.StateStore) []*entity.RelaySwitch {
	topo := streda.Topology{
		{
			ID:   "room-1",
			Name: "Kitchen",
			Docks: []streda.Dock{
				{ID: "d1", SnapInID: "sn1", ZigbeeID: "z1", Number: 10, DockCode: streda.DockCodeRelay},
			},
		},
	}
	return entity.BuildSwitches(topo, states, api, testLogger())
}

func relayTree() []streda.SnapIn {
	return []streda.SnapIn{
		{
			ZigbeeID: "z1",
			Devices: []streda.Device{
				{
					DeviceNumber: 1,
					DeviceType:   streda.DeviceTypeRelay,
					States: []streda.DeviceState{
						{Type: streda.StateTypePower, Data: map[string]any{"state": "ON"}},
					},
				},
			},
		},
	}
}

func startEngine(t *testing.T, dir string, api entity.Commander) (*Engine, *coordinator.EventBus) {
	t.Helper()
	states := coordinator.NewStateStore()
	states.ReplaceFull(relayTree())

	mgr, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	events := coordinator.NewEventBus(testLogger())
	e := NewEngine(events, states, testSwitches(api, states), mgr, testLogger())
	e.Start()
	t.Cleanup(e.Stop)
	return e, events
}

func waitForToggles(t *testing.T, api *fakeCommander, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if api.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("toggles = %d, want %d", api.count(), want)
}

func TestEventDispatchCallsHandler(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "react.lua", `
streda.on({zigbee_id = "z1", type = "PowerState"}, function(e)
  if e.zigbee_id == "z1" and e.device_number == 1 then
    streda.toggle("z1")
  end
end)
`)

	api := &fakeCommander{}
	_, events := startEngine(t, dir, api)

	events.Emit(coordinator.Event{Type: coordinator.EventStateUpdate, Data: map[string]any{
		"zigbee_id":     "z1",
		"device_number": 1,
		"type":          streda.StateTypePower,
	}})

	waitForToggles(t, api, 1)
}

func TestEventFilterMismatch(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "react.lua", `
streda.on({zigbee_id = "z-other"}, function(e)
  streda.toggle("z1")
end)
`)

	api := &fakeCommander{}
	_, events := startEngine(t, dir, api)

	events.Emit(coordinator.Event{Type: coordinator.EventStateUpdate, Data: map[string]any{
		"zigbee_id":     "z1",
		"device_number": 1,
		"type":          streda.StateTypePower,
	}})

	time.Sleep(100 * time.Millisecond)
	if api.count() != 0 {
		t.Fatalf("filter mismatch still fired handler, toggles = %d", api.count())
	}
}

func TestDisabledScriptNotStarted(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "off.lua", `
-- disabled
streda.on({}, function(e) streda.toggle("z1") end)
`)

	api := &fakeCommander{}
	_, events := startEngine(t, dir, api)

	events.Emit(coordinator.Event{Type: coordinator.EventStateUpdate, Data: map[string]any{
		"zigbee_id": "z1", "device_number": 1, "type": streda.StateTypePower,
	}})

	time.Sleep(100 * time.Millisecond)
	if api.count() != 0 {
		t.Fatal("disabled script handled an event")
	}
}

func TestSandboxBlocksFilesystem(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "evil.lua", `local f = io.open("/etc/passwd")`)

	e, _ := startEngine(t, dir, &fakeCommander{})

	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	if running != 0 {
		t.Fatal("script with io access started")
	}
}

func TestIsOnAndStateFromLua(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "query.lua", `
streda.on({}, function(e)
  if streda.is_on("z1") and streda.state("z1", 1, "PowerState", "state") == "ON" then
    streda.toggle("z1")
  end
end)
`)

	api := &fakeCommander{}
	_, events := startEngine(t, dir, api)

	events.Emit(coordinator.Event{Type: coordinator.EventStateUpdate, Data: map[string]any{
		"zigbee_id": "z1", "device_number": 1, "type": streda.StateTypePower,
	}})

	waitForToggles(t, api, 1)
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
		{"string", "x", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float", 4.2, lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2}, lua.LTTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got.Type(), tt.want)
			}
		})
	}
}
