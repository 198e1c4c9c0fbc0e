package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic scheduler with a virtual clock. Callbacks run
// synchronously inside Advance, in due-time order.
type Manual struct {
	now    time.Time
	nextID uint64
	timers []*manualTimer
}

type manualTimer struct {
	id      uint64
	due     time.Time
	fn      func()
	stopped bool
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	return m.now
}

// AfterFunc registers fn to run once the virtual clock passes now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	m.nextID++
	t := &manualTimer{id: m.nextID, due: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Pending reports how many timers are armed and not yet fired.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers scheduled by a firing callback also run if they fall inside the
// window.
func (m *Manual) Advance(d time.Duration) {
	end := m.now.Add(d)
	for {
		t := m.nextDue(end)
		if t == nil {
			break
		}
		t.stopped = true
		if t.due.After(m.now) {
			m.now = t.due
		}
		t.fn()
	}
	m.now = end
	m.compact()
}

func (m *Manual) nextDue(end time.Time) *manualTimer {
	var live []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.due.After(end) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due.Equal(live[j].due) {
			return live[i].id < live[j].id
		}
		return live[i].due.Before(live[j].due)
	})
	return live[0]
}

func (m *Manual) compact() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	m.timers = kept
}

// NextDue returns when the earliest armed timer fires.
func (m *Manual) NextDue() (time.Time, bool) {
	t := m.nextDue(time.Unix(1<<62, 0))
	if t == nil {
		return time.Time{}, false
	}
	return t.due, true
}
