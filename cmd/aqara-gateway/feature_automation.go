//go:build !no_automation

package main

import (
	"log/slog"

	"aqara-gateway-go/internal/automation"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(eng *engine.Engine, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	auto := automation.NewEngine(eng, scriptMgr, logger)
	auto.Start()

	opts := []web.ServerOption{
		web.WithAutomation(auto, scriptMgr),
	}
	return &autoStopper{engine: auto}, opts
}
