package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aqara-gateway-go/internal/device"
	"aqara-gateway-go/internal/loop"
	"aqara-gateway-go/internal/store"
	"aqara-gateway-go/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSender struct {
	mu   sync.Mutex
	sent []map[string]any
}

func (f *fakeSender) Send(did string, command map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(typ string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type testEngine struct {
	*Engine
	clock  *loop.Manual
	sender *fakeSender
	log    *eventLog
	store  *store.BoltStore
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	clock := loop.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	bus := NewEventBus(testLogger())
	log := &eventLog{}
	bus.OnAll(log.add)

	e := New(Config{Sched: clock}, device.NewCatalog(), st, bus, testLogger())
	sender := &fakeSender{}
	e.SetSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Stop()
		cancel()
	})
	return &testEngine{Engine: e, clock: clock, sender: sender, log: log, store: st}
}

// sync waits until everything queued so far has run.
func (te *testEngine) sync(t *testing.T) {
	t.Helper()
	if err := te.loop.Do(context.Background(), func() {}); err != nil {
		t.Fatal(err)
	}
}

func (te *testEngine) advance(t *testing.T, d time.Duration) {
	t.Helper()
	if err := te.loop.Do(context.Background(), func() { te.clock.Advance(d) }); err != nil {
		t.Fatal(err)
	}
}

const motionDID = "lumi.158d0001a2b3c4"

func registerMotion(t *testing.T, te *testEngine) string {
	t.Helper()
	err := te.Register(context.Background(), device.Descriptor{DID: motionDID, Model: "lumi.sensor_motion.aq2"})
	if err != nil {
		t.Fatal(err)
	}
	return telemetry.EntityID(telemetry.DomainBinarySensor, motionDID, "motion")
}

func TestRegisterAndDispatch(t *testing.T) {
	te := newTestEngine(t)
	id := registerMotion(t, te)

	if _, err := te.store.GetDevice(motionDID); err != nil {
		t.Fatalf("descriptor not persisted: %v", err)
	}
	if got := te.EntityIDs(motionDID); len(got) != 3 {
		t.Errorf("entities = %v", got)
	}

	te.Dispatch(motionDID, telemetry.Batch{"motion": 1, "illuminance": 30})
	te.sync(t)

	s, ok := te.Snapshot(id)
	if !ok || s.State != telemetry.StateOn {
		t.Fatalf("snapshot = %+v, %v", s, ok)
	}
	lux, ok := te.Snapshot(telemetry.EntityID(telemetry.DomainSensor, motionDID, "illuminance"))
	if !ok || lux.State != 30 {
		t.Errorf("illuminance = %+v", lux)
	}
	if te.log.count(EventMotion) != 1 {
		t.Errorf("motion events = %d, want 1", te.log.count(EventMotion))
	}

	te.advance(t, 90*time.Second)
	if s, _ := te.Snapshot(id); s.State != telemetry.StateOff {
		t.Errorf("state after decay = %v, want off", s.State)
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	te := newTestEngine(t)
	te.Dispatch("lumi.nobody", telemetry.Batch{"motion": 1})
	te.sync(t)
	if n := len(te.Snapshots()); n != 0 {
		t.Errorf("snapshots = %d, want 0", n)
	}
	if te.log.count(EventBatch) != 1 {
		t.Errorf("batch events = %d, want 1", te.log.count(EventBatch))
	}
}

func TestStatsRoutedSeparately(t *testing.T) {
	te := newTestEngine(t)
	id := registerMotion(t, te)
	statsID := telemetry.EntityID(telemetry.DomainSensor, motionDID, "zigbee")

	te.DispatchStats(motionDID, telemetry.Batch{
		"sourceAddress": "0x1234", "APSCounter": 1, "APSPlayload": "0x18010a",
	})
	te.sync(t)

	if _, ok := te.Snapshot(id); ok {
		t.Error("stats batch reached the motion entity")
	}
	s, ok := te.Snapshot(statsID)
	if !ok || s.Attributes["msg_received"] != uint64(1) {
		t.Errorf("stats snapshot = %+v", s)
	}
}

func TestForceIdle(t *testing.T) {
	te := newTestEngine(t)
	id := registerMotion(t, te)

	te.Dispatch(motionDID, telemetry.Batch{"motion": 1})
	te.sync(t)
	if err := te.ForceIdle(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if s, _ := te.Snapshot(id); s.State != telemetry.StateOff {
		t.Errorf("state = %v, want off", s.State)
	}

	err := te.ForceIdle(context.Background(), "binary_sensor.nope")
	if !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("err = %v, want ErrUnknownEntity", err)
	}
}

func TestCommandRoutesToSender(t *testing.T) {
	te := newTestEngine(t)
	const did = "lumi.158d000cafe"
	err := te.Register(context.Background(), device.Descriptor{DID: did, Model: "lumi.curtain.acn011"})
	if err != nil {
		t.Fatal(err)
	}
	cover := telemetry.EntityID(telemetry.DomainCover, did, "vertical_blinds")

	if err := te.Command(context.Background(), cover, telemetry.CoverCloseTilt, 0); err != nil {
		t.Fatal(err)
	}
	if te.sender.count() != 1 {
		t.Fatalf("sent = %d, want 1", te.sender.count())
	}

	stats := telemetry.EntityID(telemetry.DomainSensor, did, "zigbee")
	if err := te.Command(context.Background(), stats, ActionTurnOn, 0); !errors.Is(err, telemetry.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestRemoveCancelsTimers(t *testing.T) {
	te := newTestEngine(t)
	id := registerMotion(t, te)
	te.Dispatch(motionDID, telemetry.Batch{"motion": 1})
	te.sync(t)

	if err := te.Remove(context.Background(), motionDID); err != nil {
		t.Fatal(err)
	}
	if _, ok := te.Snapshot(id); ok {
		t.Error("snapshot kept after remove")
	}
	if te.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", te.clock.Pending())
	}
	if _, err := te.store.GetDevice(motionDID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := te.Remove(context.Background(), motionDID); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("err = %v, want ErrUnknownDevice", err)
	}
	if te.log.count(EventDeviceRemoved) != 1 {
		t.Errorf("removed events = %d", te.log.count(EventDeviceRemoved))
	}
}

func TestResetSessions(t *testing.T) {
	te := newTestEngine(t)
	statsID := telemetry.EntityID(telemetry.DomainSensor, motionDID, "zigbee")
	registerMotion(t, te)

	te.DispatchStats(motionDID, telemetry.Batch{"sourceAddress": "0x1", "APSCounter": 1, "APSPlayload": "0x18010a"})
	te.DispatchStats(motionDID, telemetry.Batch{"sourceAddress": "0x1", "APSCounter": 5, "APSPlayload": "0x18050a"})
	te.ResetSessions()
	te.DispatchStats(motionDID, telemetry.Batch{"sourceAddress": "0x1", "APSCounter": 90, "APSPlayload": "0x185a0a"})
	te.sync(t)

	s, _ := te.Snapshot(statsID)
	if s.Attributes["msg_missed"] != uint64(0) || s.Attributes["msg_received"] != uint64(1) {
		t.Errorf("attrs after reset = %v", s.Attributes)
	}
	if te.log.count(EventSessionReset) != 1 {
		t.Errorf("reset events = %d", te.log.count(EventSessionReset))
	}
}

func TestRestoreFromStore(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	st.SaveDevice(&device.Descriptor{
		DID: "lumi.1", Model: "lumi.plug",
		Entities: []telemetry.EntitySpec{{Domain: telemetry.DomainSwitch, Attr: "channel_0"}},
	})

	e := New(Config{}, device.NewCatalog(), st, NewEventBus(testLogger()), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if _, ok := e.Device("lumi.1"); !ok {
		t.Fatal("device not restored")
	}
	e.Dispatch("lumi.1", telemetry.Batch{"channel_0": 1})
	if err := e.loop.Do(ctx, func() {}); err != nil {
		t.Fatal(err)
	}
	s, ok := e.Snapshot(telemetry.EntityID(telemetry.DomainSwitch, "lumi.1", "channel_0"))
	if !ok || s.State != telemetry.StateOn {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestDispatchStampsLastSeen(t *testing.T) {
	te := newTestEngine(t)
	registerMotion(t, te)
	start := te.clock.Now()

	lastSeen := func() (cached, stored time.Time) {
		t.Helper()
		d, ok := te.Device(motionDID)
		if !ok {
			t.Fatal("device missing")
		}
		sd, err := te.store.GetDevice(motionDID)
		if err != nil {
			t.Fatal(err)
		}
		return d.LastSeen, sd.LastSeen
	}

	if cached, _ := lastSeen(); !cached.IsZero() {
		t.Fatalf("last seen before any batch = %v", cached)
	}

	te.Dispatch(motionDID, telemetry.Batch{"lqi": 50})
	te.sync(t)
	if cached, stored := lastSeen(); !cached.Equal(start) || !stored.Equal(start) {
		t.Errorf("first batch: cached %v stored %v, want %v", cached, stored, start)
	}

	// Inside the write-through window only the cache moves.
	te.advance(t, 10*time.Second)
	te.DispatchStats(motionDID, telemetry.Batch{"sourceAddress": "0x1", "APSCounter": 1, "APSPlayload": "0x18010a"})
	te.sync(t)
	if cached, stored := lastSeen(); !cached.Equal(start.Add(10*time.Second)) || !stored.Equal(start) {
		t.Errorf("within window: cached %v stored %v", cached, stored)
	}

	te.advance(t, time.Minute)
	te.Dispatch(motionDID, telemetry.Batch{"lqi": 51})
	te.sync(t)
	want := start.Add(70 * time.Second)
	if cached, stored := lastSeen(); !cached.Equal(want) || !stored.Equal(want) {
		t.Errorf("after window: cached %v stored %v, want %v", cached, stored, want)
	}
}

func TestReRegisterKeepsTimestamps(t *testing.T) {
	te := newTestEngine(t)
	registerMotion(t, te)
	start := te.clock.Now()
	te.Dispatch(motionDID, telemetry.Batch{"lqi": 50})
	te.sync(t)

	te.advance(t, 5*time.Minute)
	registerMotion(t, te)
	d, _ := te.Device(motionDID)
	if !d.RegisteredAt.Equal(start) || !d.LastSeen.Equal(start) {
		t.Errorf("registered %v last seen %v, want both %v", d.RegisteredAt, d.LastSeen, start)
	}
}

func TestGatewayStatsRouting(t *testing.T) {
	te := newTestEngine(t)
	const hub = "lumi.0"
	if err := te.Register(context.Background(), device.Descriptor{DID: hub, Model: "lumi.gateway.future"}); err != nil {
		t.Fatal(err)
	}
	id := telemetry.EntityID(telemetry.DomainSensor, hub, "gateway")
	start := te.clock.Now().Format(time.RFC3339)

	s, ok := te.Snapshot(id)
	if !ok || s.State != start {
		t.Fatalf("snapshot after register = %+v, %v", s, ok)
	}

	te.Dispatch(hub, telemetry.Batch{"free_mem": 10240})
	te.DispatchStats(hub, telemetry.Batch{"zb_msgs": 7})
	te.sync(t)
	s, _ = te.Snapshot(id)
	if s.Attributes["free_mem"] != 10240 || s.Attributes["zb_msgs"] != 7 {
		t.Errorf("attributes = %v", s.Attributes)
	}

	te.advance(t, time.Minute)
	te.ResetSessions()
	te.sync(t)
	s, _ = te.Snapshot(id)
	if want := te.clock.Now().Format(time.RFC3339); s.State != want {
		t.Errorf("state after reconnect = %v, want %s", s.State, want)
	}
}

func TestEventBusRecoversPanic(t *testing.T) {
	bus := NewEventBus(testLogger())
	var got int
	bus.On(EventStateChanged, func(Event) { panic("boom") })
	unsub := bus.On(EventStateChanged, func(Event) { got++ })
	bus.Emit(Event{Type: EventStateChanged})
	if got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	unsub()
	bus.Emit(Event{Type: EventStateChanged})
	if got != 1 {
		t.Errorf("unsubscribed handler called")
	}
}
