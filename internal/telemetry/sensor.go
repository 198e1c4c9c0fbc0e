package telemetry

import (
	"reflect"
	"time"
)

const (
	keyPower     = "power"
	keyLoadPower = "load_power"
)

// Sensor passes a single attribute through unchanged.
type Sensor struct {
	base

	value   any
	known   bool
	rev     uint64
	changed time.Time
}

func newSensor(b base) *Sensor {
	return &Sensor{base: b}
}

// Update applies one batch. Plugs report load_power in place of power.
// Every batch notifies, so hosts see the device alive even when this
// attribute is absent.
func (s *Sensor) Update(b Batch) {
	v, ok := b[s.attr]
	if s.attr == keyPower {
		if lp, has := b[keyLoadPower]; has {
			v, ok = lp, true
		}
	}
	if ok {
		s.set(v)
	}
	s.env.notify(s.Snapshot())
}

// set stores a raw value. The change timestamp only moves on a different
// value.
func (s *Sensor) set(v any) {
	if !s.known || !reflect.DeepEqual(s.value, v) {
		s.changed = s.env.Sched.Now()
	}
	s.value, s.known = v, true
	s.rev++
}

func (s *Sensor) Snapshot() Snapshot {
	return s.snap(s.value, nil, s.rev, s.changed)
}
