// Package engine routes gateway batches to the telemetry entities of each
// device and publishes their derived state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/loop"
	"aqara-gateway-go/internal/store"
	"aqara-gateway-go/internal/telemetry"
)

var (
	// ErrUnknownEntity is returned for an entity id no device owns.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrUnknownDevice is returned for a DID that was never registered.
	ErrUnknownDevice = errors.New("unknown device")
)

// Entity actions accepted by Command besides the cover actions.
const (
	ActionTurnOn  = "turn_on"
	ActionTurnOff = "turn_off"
	ActionToggle  = "toggle"
	ActionIdle    = "idle"
)

// Config holds engine settings.
type Config struct {
	QueueDepth       int
	OccupancyTimeout telemetry.Timeout
	// Sched overrides the loop's wall clock. Tests inject a manual clock.
	Sched telemetry.Scheduler
}

// lastSeenPersistEvery bounds how often a chatty device's last-seen stamp
// is written through to the store.
const lastSeenPersistEvery = time.Minute

type deviceEntry struct {
	entities []telemetry.Entity
	gateway  bool
	// persisted is when LastSeen was last written to the store.
	persisted time.Time
}

// Engine owns the event loop and every entity. Entity state is only
// touched on the loop; the snapshot cache is readable from any goroutine.
type Engine struct {
	cfg     Config
	loop    *loop.Loop
	sched   telemetry.Scheduler
	bus     *EventBus
	catalog *device.Catalog
	store   store.Store
	logger  *slog.Logger

	// Loop-owned.
	devices  map[string]*deviceEntry
	entities map[string]telemetry.Entity

	mu        sync.RWMutex
	sender    telemetry.Sender
	snapshots map[string]telemetry.Snapshot
	known     map[string]device.Descriptor
}

// New creates an engine. Start must be called to begin processing.
func New(cfg Config, catalog *device.Catalog, st store.Store, bus *EventBus, logger *slog.Logger) *Engine {
	if cfg.OccupancyTimeout == nil {
		cfg.OccupancyTimeout = telemetry.DefaultOccupancyTimeout
	}
	logger = logger.With("component", "engine")
	e := &Engine{
		cfg:       cfg,
		loop:      loop.New(cfg.QueueDepth, logger),
		bus:       bus,
		catalog:   catalog,
		store:     st,
		logger:    logger,
		devices:   make(map[string]*deviceEntry),
		entities:  make(map[string]telemetry.Entity),
		snapshots: make(map[string]telemetry.Snapshot),
		known:     make(map[string]device.Descriptor),
	}
	e.sched = e.loop
	if cfg.Sched != nil {
		e.sched = cfg.Sched
	}
	return e
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus {
	return e.bus
}

// SetSender installs the command outbound.
func (e *Engine) SetSender(s telemetry.Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

// Send forwards a raw command to a device. It implements telemetry.Sender
// for the entities.
func (e *Engine) Send(did string, command map[string]any) error {
	e.mu.RLock()
	s := e.sender
	e.mu.RUnlock()
	if s == nil {
		return telemetry.ErrNoSender
	}
	e.logger.Debug("sending command", "device", did, "command", command)
	return s.Send(did, command)
}

// Start restores persisted descriptors and starts the loop. It returns
// once the devices are registered; the loop runs until ctx ends or Stop.
func (e *Engine) Start(ctx context.Context) error {
	go e.loop.Run(ctx)

	descs, err := e.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range descs {
		if err := e.loop.Do(ctx, func() { e.attach(*d) }); err != nil {
			return fmt.Errorf("restore %s: %w", d.DID, err)
		}
	}
	e.logger.Info("engine started", "devices", len(descs))
	return nil
}

// Stop cancels every entity timer and stops the loop.
func (e *Engine) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.loop.Do(ctx, func() {
		for did := range e.devices {
			e.detach(did)
		}
	})
	e.loop.Stop()
}

// Register persists d and (re)builds its entities. A re-announced device
// starts with fresh entity state.
func (e *Engine) Register(ctx context.Context, d device.Descriptor) error {
	e.catalog.Complete(&d)
	if prev, err := e.store.GetDevice(d.DID); err == nil {
		if d.RegisteredAt.IsZero() {
			d.RegisteredAt = prev.RegisteredAt
		}
		if d.LastSeen.IsZero() {
			d.LastSeen = prev.LastSeen
		}
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = e.sched.Now()
	}
	if err := e.store.SaveDevice(&d); err != nil {
		return fmt.Errorf("save device %s: %w", d.DID, err)
	}
	if err := e.loop.Do(ctx, func() { e.attach(d) }); err != nil {
		return err
	}
	e.logger.Info("device registered", "device", d.DID, "model", d.Model, "entities", len(d.Entities))
	e.bus.Emit(Event{Type: EventDeviceRegistered, Data: d})
	return nil
}

// Remove forgets a device and cancels its timers.
func (e *Engine) Remove(ctx context.Context, did string) error {
	e.mu.RLock()
	d, ok := e.known[did]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("device %s: %w", did, ErrUnknownDevice)
	}
	if err := e.store.DeleteDevice(did); err != nil {
		return fmt.Errorf("delete device %s: %w", did, err)
	}
	if err := e.loop.Do(ctx, func() { e.detach(did) }); err != nil {
		return err
	}
	e.logger.Info("device removed", "device", did)
	e.bus.Emit(Event{Type: EventDeviceRemoved, Data: d})
	return nil
}

func (e *Engine) env() telemetry.Env {
	return telemetry.Env{
		Sched:  e.sched,
		Notify: e.onSnapshot,
		Fire:   e.onLegacyEvent,
		Sender: e,
		Logger: e.logger,
	}
}

// attach runs on the loop.
func (e *Engine) attach(d device.Descriptor) {
	e.detach(d.DID)

	entry := &deviceEntry{gateway: d.IsGateway()}
	env := e.env()
	for _, spec := range d.Entities {
		p := e.catalog.Profile(&d, spec, e.cfg.OccupancyTimeout)
		ent := telemetry.New(spec, p, env)
		if _, dup := e.entities[ent.ID()]; dup {
			e.logger.Warn("duplicate entity skipped", "device", d.DID, "entity", ent.ID())
			continue
		}
		entry.entities = append(entry.entities, ent)
		e.entities[ent.ID()] = ent
	}
	e.devices[d.DID] = entry

	e.mu.Lock()
	e.known[d.DID] = d
	e.mu.Unlock()

	if entry.gateway {
		e.markGatewayAvailable(entry)
	}
}

// markGatewayAvailable stamps the hub stats entities with the current time.
// It runs on the loop.
func (e *Engine) markGatewayAvailable(entry *deviceEntry) {
	for _, ent := range entry.entities {
		if g, ok := ent.(*telemetry.GatewayStats); ok {
			g.Update(telemetry.Batch{})
		}
	}
}

// detach runs on the loop.
func (e *Engine) detach(did string) {
	entry, ok := e.devices[did]
	if !ok {
		return
	}
	e.mu.Lock()
	for _, ent := range entry.entities {
		ent.Close()
		delete(e.entities, ent.ID())
		delete(e.snapshots, ent.ID())
	}
	delete(e.known, did)
	e.mu.Unlock()
	delete(e.devices, did)
}

func (e *Engine) onSnapshot(s telemetry.Snapshot) {
	e.mu.Lock()
	e.snapshots[s.Entity] = s
	e.mu.Unlock()
	e.bus.Emit(Event{Type: EventStateChanged, Data: s})
}

func (e *Engine) onLegacyEvent(name string, data map[string]any) {
	e.bus.Emit(Event{Type: name, Data: data})
}

// Dispatch queues a report batch for did. It returns false once the
// engine has stopped.
func (e *Engine) Dispatch(did string, b telemetry.Batch) bool {
	return e.loop.Post(func() { e.route(did, b, false) })
}

// DispatchStats queues a link diagnostics batch for did. Only the zigbee
// statistics entity of the device sees it.
func (e *Engine) DispatchStats(did string, b telemetry.Batch) bool {
	return e.loop.Post(func() { e.route(did, b, true) })
}

func (e *Engine) route(did string, b telemetry.Batch, stats bool) {
	entry, ok := e.devices[did]
	e.bus.Emit(Event{Type: EventBatch, Data: BatchInfo{Device: did, Keys: len(b), Known: ok, Stats: stats}})
	if !ok {
		e.logger.Debug("batch for unknown device", "device", did, "keys", len(b))
		return
	}
	e.touch(did, entry)
	for _, ent := range entry.entities {
		switch ent.(type) {
		case *telemetry.ZigbeeStats:
			if stats {
				ent.Update(b)
			}
		case *telemetry.GatewayStats:
			// The hub's own stats entity hears both streams.
			if !stats || entry.gateway {
				ent.Update(b)
			}
		default:
			if !stats {
				ent.Update(b)
			}
		}
	}
}

// touch stamps LastSeen on the cached descriptor and writes it through to
// the store at most once per lastSeenPersistEvery. It runs on the loop.
func (e *Engine) touch(did string, entry *deviceEntry) {
	now := e.sched.Now()
	e.mu.Lock()
	if d, ok := e.known[did]; ok {
		d.LastSeen = now
		e.known[did] = d
	}
	e.mu.Unlock()

	if !entry.persisted.IsZero() && now.Sub(entry.persisted) < lastSeenPersistEvery {
		return
	}
	entry.persisted = now
	err := e.store.UpdateDevice(did, func(d *device.Descriptor) error {
		d.LastSeen = now
		return nil
	})
	if err != nil {
		e.logger.Warn("persist last seen", "device", did, "err", err)
	}
}

// ResetSessions clears every sequence tracker and marks the hub available
// again, as after a gateway reconnect.
func (e *Engine) ResetSessions() bool {
	return e.loop.Post(func() {
		n := 0
		for _, ent := range e.entities {
			if z, ok := ent.(*telemetry.ZigbeeStats); ok {
				z.Reset()
				n++
			}
		}
		for _, entry := range e.devices {
			if entry.gateway {
				e.markGatewayAvailable(entry)
			}
		}
		e.logger.Info("sequence counters reset", "entities", n)
		e.bus.Emit(Event{Type: EventSessionReset, Data: n})
	})
}

// Command runs an entity action on the loop. value is used by
// set_position and set_tilt.
func (e *Engine) Command(ctx context.Context, entityID, action string, value float64) error {
	var err error
	doErr := e.loop.Do(ctx, func() {
		ent, ok := e.entities[entityID]
		if !ok {
			err = fmt.Errorf("entity %s: %w", entityID, ErrUnknownEntity)
			return
		}
		err = runAction(ent, action, value)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func runAction(ent telemetry.Entity, action string, value float64) error {
	switch v := ent.(type) {
	case *telemetry.Cover:
		return v.Command(action, value)
	case *telemetry.Switch:
		switch action {
		case ActionTurnOn:
			return v.TurnOn()
		case ActionTurnOff:
			return v.TurnOff()
		case ActionToggle:
			if v.Snapshot().State == telemetry.StateOn {
				return v.TurnOff()
			}
			return v.TurnOn()
		}
	case *telemetry.Motion:
		if action == ActionIdle {
			v.ForceIdle()
			return nil
		}
	}
	return fmt.Errorf("%s on %s: %w", action, ent.ID(), telemetry.ErrUnsupported)
}

// ForceIdle returns a motion entity to IDLE.
func (e *Engine) ForceIdle(ctx context.Context, entityID string) error {
	return e.Command(ctx, entityID, ActionIdle, 0)
}

// Snapshot returns the latest snapshot of an entity.
func (e *Engine) Snapshot(entityID string) (telemetry.Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.snapshots[entityID]
	return s, ok
}

// Snapshots returns every cached snapshot ordered by entity id.
func (e *Engine) Snapshots() []telemetry.Snapshot {
	e.mu.RLock()
	out := make([]telemetry.Snapshot, 0, len(e.snapshots))
	for _, s := range e.snapshots {
		out = append(out, s)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Device returns the descriptor of a registered device.
func (e *Engine) Device(did string) (device.Descriptor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.known[did]
	return d, ok
}

// Devices returns every registered descriptor ordered by DID.
func (e *Engine) Devices() []device.Descriptor {
	e.mu.RLock()
	out := make([]device.Descriptor, 0, len(e.known))
	for _, d := range e.known {
		out = append(out, d)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out
}

// EntityIDs returns the entity ids of a device.
func (e *Engine) EntityIDs(did string) []string {
	e.mu.RLock()
	d, ok := e.known[did]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(d.Entities))
	for _, spec := range d.Entities {
		ids = append(ids, telemetry.EntityID(spec.Domain, d.DID, spec.Attr))
	}
	return ids
}
