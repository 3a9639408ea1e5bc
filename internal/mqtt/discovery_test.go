//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"streda-bridge/internal/entity"
)

func relaySwitch() *entity.RelaySwitch {
	return &entity.RelaySwitch{
		SnapInID:     "SNAP1",
		ZigbeeID:     "z1",
		DockNumber:   10,
		DeviceNumber: 1,
		RoomName:     "Kitchen",
		Position:     "North east",
		Firmware:     "1.2.3",
	}
}

func TestSwitchTopicName(t *testing.T) {
	tests := []struct {
		name string
		sw   *entity.RelaySwitch
		want string
	}{
		{"room and position", relaySwitch(), "kitchen_north_east"},
		{"room only", &entity.RelaySwitch{RoomName: "Hall"}, "hall"},
		{"umlauts sanitized", &entity.RelaySwitch{RoomName: "Küche"}, "k_che"},
		{"empty falls back to snap-in id", &entity.RelaySwitch{SnapInID: "SNAP9"}, "SNAP9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := switchTopicName(tt.sw); got != tt.want {
				t.Errorf("switchTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildDiscovery(t *testing.T) {
	msgs := buildDiscovery(relaySwitch(), "streda")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}

	if msgs[0].Topic != "homeassistant/switch/streda_SNAP1/switch/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}

	if payload.Name != "Kitchen Ceiling Light" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "streda_SNAP1_relay_1" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "streda/kitchen_north_east" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "streda/kitchen_north_east/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "streda/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.ValueTemplate != "{{ value_json.state }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}

	dev := payload.Device
	if len(dev.Identifiers) != 1 || dev.Identifiers[0] != "streda_SNAP1" {
		t.Errorf("identifiers = %v", dev.Identifiers)
	}
	if dev.Manufacturer != "Isolectra" {
		t.Errorf("manufacturer = %q", dev.Manufacturer)
	}
	if dev.Model != "Ceiling mounted snap-in" {
		t.Errorf("model = %q", dev.Model)
	}
	if dev.Name != "Kitchen North east" {
		t.Errorf("device name = %q", dev.Name)
	}
	if dev.SWVersion != "1.2.3" {
		t.Errorf("sw_version = %q", dev.SWVersion)
	}
}
