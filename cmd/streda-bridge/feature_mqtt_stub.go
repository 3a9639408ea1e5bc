//go:build no_mqtt

package main

import (
	"log/slog"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ []*entity.RelaySwitch, _ *coordinator.EventBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
