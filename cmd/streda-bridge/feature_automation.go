//go:build !no_automation

package main

import (
	"log/slog"

	"streda-bridge/internal/automation"
	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(events *coordinator.EventBus, states *coordinator.StateStore, switches []*entity.RelaySwitch, cfg *Config, logger *slog.Logger) *autoStopper {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}
	}

	engine := automation.NewEngine(events, states, switches, scriptMgr, logger)
	engine.Start()
	return &autoStopper{engine: engine}
}
