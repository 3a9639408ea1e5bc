package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"streda-bridge/internal/streda"
)

// Sync states.
const (
	StateStopped        = "stopped"
	StatePolling        = "polling"
	StatePushConnecting = "push_connecting"
	StatePushActive     = "push_active"
	StateReconnecting   = "reconnecting"
)

// reconnectSettle is the pause between tearing down the push channel after
// a credential rotation and reopening it, to avoid thrashing the hub.
const reconnectSettle = time.Second

// Backend is the slice of the cloud client the coordinator drives.
type Backend interface {
	DeviceStates(ctx context.Context) ([]streda.SnapIn, error)
	ReauthenticateIfNeeded(ctx context.Context) (rotated bool, err error)
}

// PushChannel is the realtime channel the coordinator manages. Handlers
// registered via On/OnOpen/OnClose survive Stop/Start cycles.
type PushChannel interface {
	Start(ctx context.Context) error
	Stop()
	Invoke(target string, args ...any) error
	On(target string, fn func(args json.RawMessage))
	OnOpen(fn func())
	OnClose(fn func(err error))
}

// Config holds coordinator timing configuration.
type Config struct {
	PollInterval       time.Duration // full refresh cadence (safety net under push)
	TokenCheckInterval time.Duration // credential revalidation cadence
	InboxSize          int           // push update inbox capacity
}

// Coordinator keeps the state store current. It polls the cloud at a fixed
// interval, runs the push channel lifecycle, and revalidates credentials
// periodically, rebuilding the channel when they rotate. All tree writes
// happen on the run loop; the push read goroutine only enqueues.
type Coordinator struct {
	backend    Backend
	store      *StateStore
	events     *EventBus
	push       PushChannel
	locationID string
	cfg        Config
	logger     *slog.Logger

	inbox chan []streda.Update

	mu           sync.Mutex
	state        string
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. push may be nil to run on polling alone.
func New(backend Backend, store *StateStore, events *EventBus, push PushChannel, locationID string, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Hour
	}
	if cfg.TokenCheckInterval <= 0 {
		cfg.TokenCheckInterval = 30 * time.Minute
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	c := &Coordinator{
		backend:    backend,
		store:      store,
		events:     events,
		push:       push,
		locationID: locationID,
		cfg:        cfg,
		logger:     logger.With("component", "coordinator"),
		inbox:      make(chan []streda.Update, cfg.InboxSize),
		state:      StateStopped,
	}
	if push != nil {
		c.registerPushHandlers()
	}
	return c
}

// Store returns the state store.
func (c *Coordinator) Store() *StateStore { return c.store }

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus { return c.events }

// Status returns the current sync state.
func (c *Coordinator) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start performs the first full fetch and launches the run loop. A failed
// first fetch aborts setup; nothing half-initialized is exposed. When a push
// channel is configured it is opened after the first fetch succeeds.
func (c *Coordinator) Start(ctx context.Context) error {
	snapIns, err := c.backend.DeviceStates(ctx)
	if err != nil {
		return fmt.Errorf("initial device state fetch: %w", err)
	}
	c.store.ReplaceFull(snapIns)
	c.setState(StatePolling)
	c.logger.Info("initial state loaded", "snapins", len(snapIns))

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run(c.ctx)

	if c.push != nil {
		c.setState(StatePushConnecting)
		if err := c.push.Start(c.ctx); err != nil {
			// Polling still covers updates; push is best-effort.
			c.logger.Error("start push channel", "err", err)
			c.setState(StatePolling)
		}
	}
	return nil
}

// Stop closes the push channel and stops the run loop. Safe to call when
// the channel was never opened.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.push != nil {
		c.push.Stop()
	}
	c.wg.Wait()
	c.setState(StateStopped)
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	tokens := time.NewTicker(c.cfg.TokenCheckInterval)
	defer tokens.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case updates := <-c.inbox:
			c.applyUpdates(updates)

		case <-poll.C:
			c.refresh(ctx)

		case <-tokens.C:
			c.checkTokens(ctx)
		}
	}
}

// applyUpdates merges one push batch and notifies dependents per changed
// record.
func (c *Coordinator) applyUpdates(updates []streda.Update) {
	applied := c.store.ApplyPartial(updates)
	for _, u := range applied {
		c.events.Emit(Event{Type: EventStateUpdate, Data: map[string]any{
			"zigbee_id":     u.ZigbeeID,
			"device_number": u.DeviceNumber,
			"type":          u.DeviceState.Type,
		}})
	}
	if len(applied) < len(updates) {
		c.logger.Debug("push updates skipped", "received", len(updates), "applied", len(applied))
	}
}

// refresh performs a full poll. Failure is recoverable: the last-good tree
// stays visible and dependents are told the data is stale.
func (c *Coordinator) refresh(ctx context.Context) {
	snapIns, err := c.backend.DeviceStates(ctx)
	if err != nil {
		c.logger.Warn("poll refresh failed", "err", err)
		c.store.MarkStale()
		c.events.Emit(Event{Type: EventUpdateFailure, Data: err.Error()})
		return
	}
	c.store.ReplaceFull(snapIns)
	c.events.Emit(Event{Type: EventFullRefresh})
}

// checkTokens revalidates credentials and rebuilds the push channel when
// they rotated, since the hub access token is derived from the API token.
func (c *Coordinator) checkTokens(ctx context.Context) {
	rotated, err := c.backend.ReauthenticateIfNeeded(ctx)
	if err != nil {
		c.logger.Error("token revalidation failed", "err", err)
		return
	}
	if !rotated || c.push == nil {
		return
	}
	c.logger.Info("credentials rotated, reconnecting push channel")
	c.restartPush(ctx)
}

// restartPush tears the channel down and reopens it with freshly negotiated
// credentials. At most one restart runs at a time; the settle pause happens
// off the run loop so updates keep flowing.
func (c *Coordinator) restartPush(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		c.push.Stop()
		select {
		case <-time.After(reconnectSettle):
		case <-ctx.Done():
			return
		}

		c.setState(StatePushConnecting)
		if err := c.push.Start(ctx); err != nil {
			c.logger.Error("restart push channel", "err", err)
			c.setState(StatePolling)
		}
	}()
}

// registerPushHandlers wires the channel callbacks once; they survive
// reconnects.
func (c *Coordinator) registerPushHandlers() {
	c.push.On(streda.NotificationTarget, func(args json.RawMessage) {
		var updates []streda.Update
		if err := json.Unmarshal(args, &updates); err != nil {
			c.logger.Warn("bad push notification", "err", err)
			return
		}
		// Delivered on the channel's read goroutine; hand over to the run
		// loop, which is the only writer.
		select {
		case c.inbox <- updates:
		default:
			c.logger.Warn("push inbox full, dropping batch", "updates", len(updates))
		}
	})

	c.push.OnOpen(func() {
		if err := c.push.Invoke(streda.SubscribeMethod, c.locationID); err != nil {
			c.logger.Error("subscribe to location stream", "err", err)
			return
		}
		c.setState(StatePushActive)
		c.events.Emit(Event{Type: EventPushState, Data: "connected"})
		c.logger.Info("push channel subscribed", "location", c.locationID)
	})

	c.push.OnClose(func(err error) {
		// The channel reconnects on its own; polling covers the gap.
		c.setState(StatePushConnecting)
		c.events.Emit(Event{Type: EventPushState, Data: "disconnected"})
		if err != nil {
			c.logger.Warn("push channel closed", "err", err)
		}
	})
}

func (c *Coordinator) setState(state string) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
