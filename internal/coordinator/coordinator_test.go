package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streda-bridge/internal/streda"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend serves canned snapshots and scripted auth results.
type fakeBackend struct {
	mu        sync.Mutex
	snapshots [][]streda.SnapIn
	fetchErr  error
	fetches   int

	rotated  bool
	tokenErr error
}

func (f *fakeBackend) DeviceStates(_ context.Context) ([]streda.SnapIn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func (f *fakeBackend) ReauthenticateIfNeeded(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotated, f.tokenErr
}

func (f *fakeBackend) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// fakePush records lifecycle calls and lets tests drive the callbacks.
type fakePush struct {
	mu       sync.Mutex
	starts   int
	stops    int
	invokes  [][]any
	handlers map[string]func(json.RawMessage)
	onOpen   func()
	onClose  func(error)
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string]func(json.RawMessage))}
}

func (p *fakePush) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return nil
}

func (p *fakePush) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePush) Invoke(target string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invokes = append(p.invokes, append([]any{target}, args...))
	return nil
}

func (p *fakePush) On(target string, fn func(args json.RawMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[target] = fn
}

func (p *fakePush) OnOpen(fn func())           { p.onOpen = fn }
func (p *fakePush) OnClose(fn func(err error)) { p.onClose = fn }

func (p *fakePush) counts() (starts, stops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func (p *fakePush) deliver(t *testing.T, updates []streda.Update) {
	t.Helper()
	p.mu.Lock()
	fn := p.handlers[streda.NotificationTarget]
	p.mu.Unlock()
	if fn == nil {
		t.Fatal("no notification handler registered")
	}
	raw, err := json.Marshal(updates)
	if err != nil {
		t.Fatal(err)
	}
	fn(raw)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartInitialFetchFailure(t *testing.T) {
	backend := &fakeBackend{fetchErr: errors.New("cloud down")}
	c := New(backend, NewStateStore(), NewEventBus(testLogger()), nil, "loc-1", Config{}, testLogger())

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with failing backend")
	}
	if c.Status() != StateStopped {
		t.Errorf("state = %s, want stopped", c.Status())
	}
}

func TestStartSubscribesPush(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}}
	push := newFakePush()
	events := NewEventBus(testLogger())
	c := New(backend, NewStateStore(), events, push, "loc-1", Config{}, testLogger())

	var pushStates []string
	var mu sync.Mutex
	events.On(EventPushState, func(e Event) {
		mu.Lock()
		pushStates = append(pushStates, e.Data.(string))
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	starts, _ := push.counts()
	if starts != 1 {
		t.Fatalf("push starts = %d, want 1", starts)
	}

	// The channel confirms; the coordinator must subscribe for the location.
	push.onOpen()

	push.mu.Lock()
	invokes := push.invokes
	push.mu.Unlock()
	if len(invokes) != 1 {
		t.Fatalf("invokes = %v, want one subscribe", invokes)
	}
	if invokes[0][0] != streda.SubscribeMethod || invokes[0][1] != "loc-1" {
		t.Errorf("subscribe = %v", invokes[0])
	}
	if c.Status() != StatePushActive {
		t.Errorf("state = %s, want push_active", c.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pushStates) != 1 || pushStates[0] != "connected" {
		t.Errorf("push state events = %v", pushStates)
	}
}

func TestPushUpdatesReachStoreAndEvents(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}}
	push := newFakePush()
	events := NewEventBus(testLogger())
	store := NewStateStore()
	c := New(backend, store, events, push, "loc-1", Config{}, testLogger())

	var updates atomic.Int32
	events.On(EventStateUpdate, func(e Event) {
		data := e.Data.(map[string]any)
		if data["zigbee_id"] == "z1" && data["type"] == streda.StateTypePower {
			updates.Add(1)
		}
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	push.deliver(t, []streda.Update{powerUpdate("z1", 1, "ON")})

	waitFor(t, time.Second, func() bool {
		state, _ := store.PowerState("z1", 1)
		return state == "ON"
	})
	waitFor(t, time.Second, func() bool { return updates.Load() == 1 })
}

func TestPollFailureKeepsLastGood(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}}
	events := NewEventBus(testLogger())
	store := NewStateStore()
	c := New(backend, store, events, nil, "loc-1", Config{PollInterval: 20 * time.Millisecond}, testLogger())

	var failures atomic.Int32
	events.On(EventUpdateFailure, func(Event) { failures.Add(1) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	backend.setFetchErr(errors.New("cloud flake"))
	waitFor(t, time.Second, func() bool { return failures.Load() >= 1 })

	if !store.Stale() {
		t.Error("store not marked stale after failed poll")
	}
	if state, ok := store.PowerState("z2", 1); !ok || state != "ON" {
		t.Errorf("last-good data lost: %q,%v", state, ok)
	}

	// Recovery clears staleness.
	backend.setFetchErr(nil)
	waitFor(t, time.Second, func() bool { return !store.Stale() })
}

func TestTokenRotationRestartsPush(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}, rotated: true}
	push := newFakePush()
	c := New(backend, NewStateStore(), NewEventBus(testLogger()), push, "loc-1",
		Config{TokenCheckInterval: 20 * time.Millisecond}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	// Rotation must tear the channel down and dial again with fresh tokens.
	waitFor(t, 3*time.Second, func() bool {
		starts, stops := push.counts()
		return starts >= 2 && stops >= 1
	})
}

func TestTokenCheckNoRotationLeavesPushAlone(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}}
	push := newFakePush()
	c := New(backend, NewStateStore(), NewEventBus(testLogger()), push, "loc-1",
		Config{TokenCheckInterval: 20 * time.Millisecond}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	c.Stop()

	starts, _ := push.counts()
	if starts != 1 {
		t.Errorf("push starts = %d, want 1 (no restart without rotation)", starts)
	}
}

func TestStopWithoutPush(t *testing.T) {
	backend := &fakeBackend{snapshots: [][]streda.SnapIn{twoRelayTree()}}
	c := New(backend, NewStateStore(), NewEventBus(testLogger()), nil, "loc-1", Config{}, testLogger())

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Stop()

	if c.Status() != StateStopped {
		t.Errorf("state = %s, want stopped", c.Status())
	}
}
