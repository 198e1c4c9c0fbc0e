package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func newTestMotion(r *recorder, timeout Timeout) *Motion {
	p := testProfile("lumi.sensor_motion")
	p.OccupancyTimeout = timeout
	return New(EntitySpec{Domain: DomainBinarySensor, Attr: "motion"}, p, r.env()).(*Motion)
}

func TestMotionUnknownBeforeFirstBatch(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, nil)
	if got := m.Snapshot().State; got != StateUnknown {
		t.Fatalf("state = %v, want unknown", got)
	}
	m.Update(Batch{KeyBattery: 90})
	if got := r.last(t).State; got != StateOff {
		t.Fatalf("state after heartbeat = %v, want off", got)
	}
}

func TestMotionDefaultDecay(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, nil)

	m.Update(Batch{"motion": 1})
	if !m.Active() {
		t.Fatal("expected active after motion=1")
	}
	r.clock.Advance(89 * time.Second)
	if !m.Active() {
		t.Fatal("decayed before 90s")
	}
	r.clock.Advance(time.Second)
	if m.Active() {
		t.Fatal("still active after 90s")
	}
	if n := r.eventCount(EventMotion); n != 2 {
		t.Errorf("motion events = %d, want 2", n)
	}
}

func TestMotionDebounce(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, Timeout{30})

	m.Update(Batch{"motion": 1})
	rev := m.state.Revision()
	r.clock.Advance(500 * time.Millisecond)
	m.Update(Batch{"motion": 1})

	if m.state.Revision() != rev {
		t.Errorf("second trigger inside 1s changed state")
	}
	if n := r.eventCount(EventMotion); n != 1 {
		t.Errorf("motion events = %d, want 1", n)
	}
	// The ignored trigger must not have extended the decay.
	r.clock.Advance(29500 * time.Millisecond)
	if m.Active() {
		t.Error("decay was extended by a debounced trigger")
	}
}

func TestMotionBatteryHeartbeatSuppressed(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, nil)
	m.Update(Batch{"motion": 1, KeyBattery: 100})
	if m.Active() {
		t.Fatal("heartbeat batch triggered motion")
	}
	if r.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", r.clock.Pending())
	}
}

func TestMotionDelayList(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, Timeout{30, 20, 10})

	// Triggers at 0s, 5s, 10s, 15s use 30, 20, 10, 10.
	wantDue := []time.Duration{30 * time.Second, 25 * time.Second, 20 * time.Second, 25 * time.Second}
	for i, w := range wantDue {
		if i > 0 {
			r.clock.Advance(5 * time.Second)
		}
		m.Update(Batch{"motion": 1})
		due, ok := r.clock.NextDue()
		if !ok || !due.Equal(epoch.Add(w)) {
			t.Fatalf("trigger %d: decay due %v, want %v", i, due.Sub(epoch), w)
		}
		if r.clock.Pending() != 1 {
			t.Fatalf("trigger %d: pending timers = %d, want 1", i, r.clock.Pending())
		}
	}
	if m.pos != 4 {
		t.Errorf("pos = %d, want 4", m.pos)
	}

	// Last trigger at 15s with 10s decay.
	r.clock.Advance(9 * time.Second)
	if !m.Active() {
		t.Fatal("decayed early")
	}
	r.clock.Advance(time.Second)
	if m.Active() {
		t.Fatal("did not decay at 25s")
	}
	if m.pos != 0 {
		t.Errorf("pos after idle = %d, want 0", m.pos)
	}
	if r.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", r.clock.Pending())
	}
}

func TestMotionNegativeDelayDoubles(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, Timeout{-30})

	m.Update(Batch{"motion": 1})
	r.clock.Advance(30 * time.Second)
	if m.Active() {
		t.Fatal("first decay should use |delay|")
	}

	// Retrigger 10s after idle: inside the previous window, so 60s.
	r.clock.Advance(10 * time.Second)
	m.Update(Batch{"motion": 1})
	r.clock.Advance(59 * time.Second)
	if !m.Active() {
		t.Fatal("doubled delay expired early")
	}
	r.clock.Advance(time.Second)
	if m.Active() {
		t.Fatal("doubled delay did not expire")
	}

	// Long after: back to 30s.
	r.clock.Advance(5 * time.Minute)
	m.Update(Batch{"motion": 1})
	r.clock.Advance(30 * time.Second)
	if m.Active() {
		t.Fatal("delay should not double outside the window")
	}
}

func TestMotionZeroTimeoutNeedsForceIdle(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, Timeout{0})

	m.Update(Batch{"motion": 1})
	if r.clock.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", r.clock.Pending())
	}
	r.clock.Advance(time.Hour)
	if !m.Active() {
		t.Fatal("zero timeout decayed")
	}
	m.ForceIdle()
	if m.Active() {
		t.Fatal("ForceIdle did not reset")
	}
	if got := r.last(t).State; got != StateOff {
		t.Errorf("notified state = %v, want off", got)
	}
}

func TestMotionIlluminanceCountsOnDualReportModels(t *testing.T) {
	r := newRecorder()
	p := testProfile("lumi.sensor_motion.aq2")
	p.DualReportMotion = true
	m := New(EntitySpec{Domain: DomainBinarySensor, Attr: "motion"}, p, r.env()).(*Motion)

	m.Update(Batch{"illuminance": 12})
	if !m.Active() {
		t.Fatal("illuminance report did not count as motion")
	}
}

func TestMotionCloseCancelsTimer(t *testing.T) {
	r := newRecorder()
	m := newTestMotion(r, nil)
	m.Update(Batch{"motion": 1})
	m.Close()
	r.clock.Advance(2 * time.Minute)
	if !m.Active() {
		t.Error("decay fired after Close")
	}
}

func TestTimeoutDecode(t *testing.T) {
	tests := []struct {
		name string
		json string
		yaml string
		want Timeout
	}{
		{"scalar", `90`, `90`, Timeout{90}},
		{"negative", `-30`, `-30`, Timeout{-30}},
		{"list", `[30, 20, 10]`, `[30, 20, 10]`, Timeout{30, 20, 10}},
		{"scalar zero", `0`, `0`, Timeout{0}},
		{"single element list", `[45]`, `[45]`, Timeout{45, 45}},
		{"zero list", `[0]`, `[0]`, Timeout{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j Timeout
			if err := json.Unmarshal([]byte(tt.json), &j); err != nil {
				t.Fatal(err)
			}
			var y Timeout
			if err := yaml.Unmarshal([]byte(tt.yaml), &y); err != nil {
				t.Fatal(err)
			}
			if !equalTimeout(j, tt.want) || !equalTimeout(y, tt.want) {
				t.Errorf("json=%v yaml=%v, want %v", j, y, tt.want)
			}
		})
	}

	var bad Timeout
	if err := json.Unmarshal([]byte(`"soon"`), &bad); err == nil {
		t.Error("expected error for string timeout")
	}

	keep := Timeout{30}
	if err := json.Unmarshal([]byte(`null`), &keep); err != nil || !equalTimeout(keep, Timeout{30}) {
		t.Errorf("null: %v %v, want untouched", keep, err)
	}
}

func TestTimeoutDisabled(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		disabled bool
	}{
		{"scalar zero", `0`, true},
		{"empty list", `[]`, true},
		{"zero list", `[0]`, false},
		{"scalar", `30`, false},
		{"zero then delay", `[0, 30]`, false},
	}
	for _, tt := range tests {
		var to Timeout
		if err := json.Unmarshal([]byte(tt.json), &to); err != nil {
			t.Fatal(err)
		}
		if got := to.Disabled(); got != tt.disabled {
			t.Errorf("%s: Disabled() = %v, want %v", tt.name, got, tt.disabled)
		}
	}
}

func TestMotionZeroListIdlesImmediately(t *testing.T) {
	var to Timeout
	if err := yaml.Unmarshal([]byte(`[0]`), &to); err != nil {
		t.Fatal(err)
	}
	r := newRecorder()
	m := newTestMotion(r, to)

	m.Update(Batch{"motion": 1})
	if !m.Active() {
		t.Fatal("expected active after motion=1")
	}
	if r.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", r.clock.Pending())
	}
	r.clock.Advance(0)
	if m.Active() {
		t.Fatal("zero list did not idle immediately")
	}
	if n := r.eventCount(EventMotion); n != 2 {
		t.Errorf("motion events = %d, want 2", n)
	}

	// The next trigger idles immediately too.
	r.clock.Advance(2 * time.Second)
	m.Update(Batch{"motion": 1})
	r.clock.Advance(0)
	if m.Active() {
		t.Error("second trigger did not idle immediately")
	}
}

func equalTimeout(a, b Timeout) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
