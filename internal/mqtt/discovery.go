//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"streda-bridge/internal/entity"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/streda_SNAP1/switch/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery. It groups the switch
// under one registry device per snap-in.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is the switch discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// switchTopicName returns the MQTT topic segment for a switch, derived from
// its room and position, sanitized for MQTT.
func switchTopicName(sw *entity.RelaySwitch) string {
	name := strings.ToLower(sw.DeviceName())
	if name == "" {
		return sw.SnapInID
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// buildDiscovery generates the HA discovery message for one relay switch.
func buildDiscovery(sw *entity.RelaySwitch, prefix string) []discoveryMsg {
	nodeID := "streda_" + sw.SnapInID
	topicName := switchTopicName(sw)

	payload := haDiscovery{
		Name:              sw.Name(),
		UniqueID:          sw.UniqueID(),
		StateTopic:        prefix + "/" + topicName,
		CommandTopic:      prefix + "/" + topicName + "/set",
		AvailabilityTopic: prefix + "/bridge/state",
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Icon:              "mdi:ceiling-light",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: "Isolectra",
			Model:        "Ceiling mounted snap-in",
			Name:         sw.DeviceName(),
			SWVersion:    sw.Firmware,
		},
	}

	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	return []discoveryMsg{{Topic: topic, Payload: mustJSON(payload)}}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
