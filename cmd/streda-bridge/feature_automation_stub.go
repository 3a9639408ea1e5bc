//go:build no_automation

package main

import (
	"log/slog"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.EventBus, _ *coordinator.StateStore, _ []*entity.RelaySwitch, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
