//go:build no_mqtt

package main

import (
	"log/slog"

	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *engine.Engine, _ *store.BoltStore, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
