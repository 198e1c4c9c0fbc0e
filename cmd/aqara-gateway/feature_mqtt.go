//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "aqara-gateway-go/internal/mqtt"

	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/store"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(eng *engine.Engine, db *store.BoltStore, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		logger.Warn("mqtt disabled, no gateway reports will arrive")
		return &mqttStopper{}
	}
	bridge := mqttbridge.NewBridge(eng, db, mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)
	if err := bridge.Start(); err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	return &mqttStopper{bridge: bridge}
}
