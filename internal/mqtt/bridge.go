//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge exposes the relay switches to the host platform over MQTT with HA
// autodiscovery: one retained discovery config per switch, a state topic, a
// command topic, and a bridge availability topic.
type Bridge struct {
	client pahomqtt.Client
	events *coordinator.EventBus
	prefix string
	logger *slog.Logger
	unsub  func()

	switches []*entity.RelaySwitch
	byDevice map[deviceKey]*entity.RelaySwitch
}

type deviceKey struct {
	zigbeeID     string
	deviceNumber int
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(switches []*entity.RelaySwitch, events *coordinator.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		events:   events,
		prefix:   cfg.TopicPrefix,
		logger:   logger.With("component", "mqtt"),
		switches: switches,
		byDevice: make(map[deviceKey]*entity.RelaySwitch, len(switches)),
	}
	for _, sw := range switches {
		b.byDevice[deviceKey{sw.ZigbeeID, sw.DeviceNumber}] = sw
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("streda-bridge").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to coordinator events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "switches", len(b.switches))
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventStateUpdate:
		data, ok := event.Data.(map[string]any)
		if !ok {
			return
		}
		zigbeeID, _ := data["zigbee_id"].(string)
		deviceNumber, _ := data["device_number"].(int)
		if sw, ok := b.byDevice[deviceKey{zigbeeID, deviceNumber}]; ok {
			b.publishState(sw)
		}
	case coordinator.EventFullRefresh:
		b.publishAllStates()
	}
}

func (b *Bridge) publishAllDiscovery() {
	for _, sw := range b.switches {
		for _, msg := range buildDiscovery(sw, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "unique_id", sw.UniqueID(), "name", sw.Name())
	}
}

func (b *Bridge) publishAllStates() {
	for _, sw := range b.switches {
		b.publishState(sw)
	}
}

func (b *Bridge) publishState(sw *entity.RelaySwitch) {
	state := "OFF"
	if sw.IsOn() {
		state = "ON"
	}
	payload, _ := json.Marshal(map[string]string{"state": state})
	b.publish(b.prefix+"/"+switchTopicName(sw), payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) subscribeCommands() {
	for _, sw := range b.switches {
		topic := b.prefix + "/" + switchTopicName(sw) + "/set"
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(sw, msg.Payload())
		})
	}
}

// parseCommand accepts either the bare payload HA switches publish ("ON")
// or the zigbee2mqtt-style JSON form ({"state":"ON"}).
func parseCommand(payload []byte) string {
	state := strings.ToUpper(strings.TrimSpace(string(payload)))
	var cmd struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.State != "" {
		state = strings.ToUpper(cmd.State)
	}
	return state
}

func (b *Bridge) handleCommand(sw *entity.RelaySwitch, payload []byte) {
	state := parseCommand(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch state {
	case "ON":
		err = sw.TurnOn(ctx)
	case "OFF":
		err = sw.TurnOff(ctx)
	case "TOGGLE":
		err = sw.Toggle(ctx)
	default:
		b.logger.Warn("unknown command", "unique_id", sw.UniqueID(), "payload", string(payload))
		return
	}
	if err != nil {
		b.logger.Warn("command failed", "unique_id", sw.UniqueID(), "state", state, "err", err)
		return
	}
	// Optimistic update; the push channel confirms shortly after.
	b.publishState(sw)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
