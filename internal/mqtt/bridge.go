//go:build !no_mqtt

// Package mqtt connects the engine to the gateway's MQTT broker: raw
// reports come in, entity state and Home Assistant discovery go out.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/store"
	"aqara-gateway-go/internal/telemetry"
)

// ErrNotConnected is returned by Send while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt not connected")

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string // random "aqara-gateway-xxxxxxxx" when empty
	TopicPrefix     string
	DiscoveryPrefix string // Home Assistant discovery root, "homeassistant" when empty
}

// Engine is the part of the engine the bridge drives.
type Engine interface {
	Events() *engine.EventBus
	SetSender(s telemetry.Sender)
	Dispatch(did string, b telemetry.Batch) bool
	DispatchStats(did string, b telemetry.Batch) bool
	Register(ctx context.Context, d device.Descriptor) error
	Remove(ctx context.Context, did string) error
	Command(ctx context.Context, entityID, action string, value float64) error
	ResetSessions() bool
	Devices() []device.Descriptor
}

// SessionStore persists the gateway session counter.
type SessionStore interface {
	GetGatewayState() (*store.GatewayState, error)
	SaveGatewayState(state *store.GatewayState) error
}

// Bridge connects the engine to MQTT with HA autodiscovery.
type Bridge struct {
	client    pahomqtt.Client
	eng       Engine
	sessions  SessionStore
	prefix    string
	discovery string
	clientID  string
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	connects int
}

// NewBridge creates an MQTT bridge. Start connects it.
func NewBridge(eng Engine, sessions SessionStore, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "aqara-gateway-" + uuid.NewString()[:8]
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		eng:       eng,
		sessions:  sessions,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.DiscoveryPrefix,
		clientID:  cfg.ClientID,
		logger:    logger.With("component", "mqtt"),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected", "client_id", cfg.ClientID)
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
			b.recordLost()
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	return b
}

// Start subscribes to engine events and installs the bridge as the
// engine's command outbound, then connects. Reports that arrive as soon as
// the connection is up already find both in place.
func (b *Bridge) Start() error {
	b.unsub = b.eng.Events().OnAll(b.handleEvent)
	b.eng.SetSender(b)

	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.detach()
		b.client.Disconnect(0)
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.detach()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
	return nil
}

// detach undoes the engine wiring of Start.
func (b *Bridge) detach() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.eng.SetSender(nil)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.detach()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Send publishes a raw command for the gateway to forward to did.
func (b *Bridge) Send(did string, command map[string]any) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	b.publish(b.prefix+"/"+did+"/"+suffixSet, mustJSON(command), false)
	return nil
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.subscribe()
	for _, d := range b.eng.Devices() {
		b.publishDeviceDiscovery(&d)
	}

	b.mu.Lock()
	b.connects++
	reconnect := b.connects > 1
	b.mu.Unlock()
	b.recordSession()
	if reconnect {
		// A new gateway session restarts every sequence counter.
		b.eng.ResetSessions()
	}
}

func (b *Bridge) recordSession() {
	state, err := b.sessions.GetGatewayState()
	if errors.Is(err, store.ErrNotFound) {
		state = &store.GatewayState{}
	} else if err != nil {
		b.logger.Error("load gateway session", "err", err)
		return
	}
	state.ClientID = b.clientID
	state.Sessions++
	state.ConnectedAt = time.Now()
	if err := b.sessions.SaveGatewayState(state); err != nil {
		b.logger.Error("save gateway session", "err", err)
	}
}

func (b *Bridge) recordLost() {
	state, err := b.sessions.GetGatewayState()
	if err != nil {
		return
	}
	state.LostAt = time.Now()
	if err := b.sessions.SaveGatewayState(state); err != nil {
		b.logger.Error("save gateway session", "err", err)
	}
}

func (b *Bridge) subscribe() {
	filters := map[string]byte{
		b.prefix + "/+/" + suffixReport: 1,
		b.prefix + "/+/" + suffixStats:  1,
		b.prefix + "/+/+/" + suffixSet:  1,
		b.prefix + "/bridge/devices":    1,
		b.prefix + "/bridge/remove":     1,
	}
	token := b.client.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout")
		} else if err := token.Error(); err != nil {
			b.logger.Error("MQTT subscribe", "err", err)
		}
	}()
}

// handleMessage runs on the paho router goroutine. Reports are queued in
// arrival order; anything that waits on the loop runs on its own goroutine
// so the router never blocks.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	switch topic {
	case b.prefix + "/bridge/devices":
		go b.handleDescriptors(payload)
		return
	case b.prefix + "/bridge/remove":
		go b.handleRemove(strings.TrimSpace(string(payload)))
		return
	}

	if did, ok := deviceTopic(b.prefix, topic, suffixReport); ok {
		b.handleReport(did, payload, false)
		return
	}
	if did, ok := deviceTopic(b.prefix, topic, suffixStats); ok {
		b.handleReport(did, payload, true)
		return
	}
	if did, entityID, ok := entityCommandTopic(b.prefix, topic); ok {
		go b.handleEntityCommand(did, entityID, payload)
		return
	}
	b.logger.Debug("unhandled topic", "topic", topic)
}

func (b *Bridge) handleReport(did string, payload []byte, stats bool) {
	batch, err := parseBatch(payload)
	if err != nil {
		b.logger.Warn("invalid report", "device", did, "err", err)
		return
	}
	var queued bool
	if stats {
		queued = b.eng.DispatchStats(did, batch)
	} else {
		queued = b.eng.Dispatch(did, batch)
	}
	if !queued {
		b.logger.Debug("report dropped, engine stopped", "device", did)
	}
}

func (b *Bridge) handleDescriptors(payload []byte) {
	descs, err := parseDescriptors(payload)
	if err != nil {
		b.logger.Warn("invalid device announcement", "err", err)
		return
	}
	for _, d := range descs {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		if err := b.eng.Register(ctx, d); err != nil {
			b.logger.Warn("register device", "device", d.DID, "err", err)
		}
		cancel()
	}
}

func (b *Bridge) handleRemove(did string) {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.eng.Remove(ctx, did); err != nil {
		b.logger.Warn("remove device", "device", did, "err", err)
	}
}

func (b *Bridge) handleEntityCommand(did, entityID string, payload []byte) {
	cmd, err := parseEntityCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "entity", entityID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.eng.Command(ctx, entityID, cmd.Action, cmd.Value); err != nil {
		b.logger.Warn("command failed", "device", did, "entity", entityID, "action", cmd.Action, "err", err)
	}
}

// handleEvent runs on the engine loop and only publishes.
func (b *Bridge) handleEvent(event engine.Event) {
	switch event.Type {
	case engine.EventStateChanged:
		s, ok := event.Data.(telemetry.Snapshot)
		if !ok {
			return
		}
		b.publish(stateTopic(b.prefix, s.Device, s.Entity), mustJSON(s), true)
	case engine.EventClick, engine.EventMotion:
		b.publish(b.prefix+"/events/"+event.Type, mustJSON(event.Data), false)
	case engine.EventDeviceRegistered:
		if d, ok := event.Data.(device.Descriptor); ok {
			b.publishDeviceDiscovery(&d)
		}
	case engine.EventDeviceRemoved:
		if d, ok := event.Data.(device.Descriptor); ok {
			b.removeDevice(&d)
		}
	}
}

func (b *Bridge) removeDevice(d *device.Descriptor) {
	for _, msg := range buildRemoveDiscovery(d, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	// Clear retained entity state.
	for _, spec := range d.Entities {
		id := telemetry.EntityID(spec.Domain, d.DID, spec.Attr)
		b.publish(stateTopic(b.prefix, d.DID, id), nil, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishDeviceDiscovery(d *device.Descriptor) {
	msgs := buildDiscovery(d, b.prefix, b.discovery)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "device", d.DID, "name", d.Name(), "entities", len(msgs))
	}
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
