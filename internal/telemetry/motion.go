package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// Motion batch keys.
const (
	keyIlluminance = "illuminance"
	keyNoClose     = "no_close"
	keyElapsedTime = "elapsed_time"

	motionActive = 1
)

// DefaultOccupancyTimeout applies when a device does not configure one.
var DefaultOccupancyTimeout = Timeout{90}

// Timeout is the occupancy decay policy in seconds. A single value is a
// fixed delay; a list is consumed by position on successive triggers and
// holds at its last entry. A negative delay doubles when the new trigger
// lands inside the previous decay window.
//
// A scalar 0 disables decay. A one-element list is decoded with its entry
// repeated, which consumes the same way and keeps the list [0] (idle
// immediately) apart from the scalar 0.
type Timeout []float64

// Disabled reports whether no decay timer should be scheduled.
func (t Timeout) Disabled() bool {
	return len(t) == 0 || (len(t) == 1 && t[0] == 0)
}

func fromList(many []float64) Timeout {
	if len(many) == 1 {
		return Timeout{many[0], many[0]}
	}
	return many
}

// UnmarshalJSON accepts a number or a list of numbers. null leaves t alone.
func (t *Timeout) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var one float64
	if err := json.Unmarshal(data, &one); err == nil {
		*t = Timeout{one}
		return nil
	}
	var many []float64
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("occupancy timeout: %w", err)
	}
	*t = fromList(many)
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (t *Timeout) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var one float64
		if err := node.Decode(&one); err != nil {
			return fmt.Errorf("occupancy timeout: %w", err)
		}
		*t = Timeout{one}
	case yaml.SequenceNode:
		var many []float64
		if err := node.Decode(&many); err != nil {
			return fmt.Errorf("occupancy timeout: %w", err)
		}
		*t = fromList(many)
	default:
		return fmt.Errorf("occupancy timeout: unexpected yaml node kind %d", node.Kind)
	}
	return nil
}

// Motion is the occupancy timer: IDLE until an accepted motion trigger, then
// ACTIVE until the decay timer fires.
type Motion struct {
	base

	state      Value[bool]
	timeout    Timeout
	dualReport bool

	lastOn  time.Time
	lastOff time.Time
	pos     int
	decay   Timer

	lastTriggered string
	openSince     any
	elapsed       any
}

func newMotion(b base, p Profile) *Motion {
	timeout := p.OccupancyTimeout
	if timeout == nil {
		timeout = DefaultOccupancyTimeout
	}
	return &Motion{
		base:       b,
		timeout:    timeout,
		dualReport: p.DualReportMotion,
		decay:      newTimer(b.env.Sched),
	}
}

// Update applies one batch.
func (m *Motion) Update(b Batch) {
	m.common.Apply(b)
	now := m.env.Sched.Now()
	if !m.state.Known() {
		m.state.Set(false, now)
	}
	if v, ok := b[keyNoClose]; ok {
		m.openSince = v
	}
	if v, ok := b[keyElapsedTime]; ok {
		m.elapsed = v
	}

	motion, ok := b.Int(m.attr)
	if m.dualReport && b.Has(keyIlluminance) {
		motion, ok = motionActive, true
	}
	if !ok || motion != motionActive {
		m.env.notify(m.Snapshot())
		return
	}
	// Some firmware repeats motion=1 inside its heartbeat.
	if b.Has(KeyBattery) {
		m.env.notify(m.Snapshot())
		return
	}
	if !m.lastOn.IsZero() && now.Sub(m.lastOn) < time.Second {
		return
	}

	m.state.Set(true, now)
	m.lastOn = now
	m.lastTriggered = now.Format(time.RFC3339)
	m.env.notify(m.Snapshot())

	if d, ok := m.nextDelay(now); ok {
		m.decay.Rearm(d, m.idle)
	} else {
		m.decay.Cancel()
	}
	m.env.fire(EventMotion, map[string]any{"entity_id": m.id})
}

// nextDelay picks the decay for a trigger at now and advances the list
// position.
func (m *Motion) nextDelay(now time.Time) (time.Duration, bool) {
	if m.timeout.Disabled() {
		return 0, false
	}
	pos := min(m.pos, len(m.timeout)-1)
	delay := m.timeout[pos]
	m.pos++

	if delay < 0 && !m.lastOff.IsZero() && now.Add(seconds(delay)).Before(m.lastOff) {
		delay *= 2
	}
	return seconds(math.Abs(delay)), true
}

func (m *Motion) idle() {
	now := m.env.Sched.Now()
	m.lastOff = now
	m.pos = 0
	m.state.Set(false, now)
	m.env.notify(m.Snapshot())
	m.env.fire(EventMotion, map[string]any{"entity_id": m.id})
}

// ForceIdle returns an ACTIVE entity to IDLE immediately. It is the only
// way back when the decay timer is disabled.
func (m *Motion) ForceIdle() {
	if on, _ := m.state.Get(); !on {
		return
	}
	m.decay.Cancel()
	m.idle()
}

// Active reports whether occupancy is currently detected.
func (m *Motion) Active() bool {
	on, _ := m.state.Get()
	return on
}

// Close cancels the pending decay timer.
func (m *Motion) Close() {
	m.decay.Cancel()
}

func (m *Motion) Snapshot() Snapshot {
	attrs := m.attrs()
	attrs["last_triggered"] = m.lastTriggered
	if m.openSince != nil {
		attrs["open_since"] = m.openSince
	}
	if m.elapsed != nil {
		attrs["elapsed_time"] = m.elapsed
	}
	return m.snap(onOff(&m.state), attrs, m.state.Revision(), m.state.ChangedAt())
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
