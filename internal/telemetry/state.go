package telemetry

import (
	"log/slog"
	"time"
)

// Value is the derived state of one capability. It starts unknown; every Set
// bumps the revision, the change timestamp only moves when the value differs.
type Value[T comparable] struct {
	v       T
	known   bool
	rev     uint64
	changed time.Time
}

// Set stores v and reports whether it differs from the previous value.
func (s *Value[T]) Set(v T, now time.Time) bool {
	diff := !s.known || s.v != v
	s.v = v
	s.known = true
	s.rev++
	if diff {
		s.changed = now
	}
	return diff
}

// Get returns the value and whether it is known.
func (s *Value[T]) Get() (T, bool) {
	return s.v, s.known
}

func (s *Value[T]) Known() bool          { return s.known }
func (s *Value[T]) Revision() uint64     { return s.rev }
func (s *Value[T]) ChangedAt() time.Time { return s.changed }

// Binary states as rendered to hosts.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateUnknown = "unknown"
)

func onOff(s *Value[bool]) string {
	v, ok := s.Get()
	switch {
	case !ok:
		return StateUnknown
	case v:
		return StateOn
	default:
		return StateOff
	}
}

// Snapshot is the immutable view of an entity handed to the host.
type Snapshot struct {
	Entity     string         `json:"entity"`
	Device     string         `json:"device"`
	Kind       string         `json:"kind"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Revision   uint64         `json:"revision"`
	Changed    time.Time      `json:"changed"`
}

// Scheduler queues deferred callbacks onto the decoders' event loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Sender transmits a raw command map to a device. Delivery is fire-and-forget:
// confirmation arrives later as a fresh batch.
type Sender interface {
	Send(device string, command map[string]any) error
}

// Env carries the collaborators every entity needs.
type Env struct {
	Sched  Scheduler
	Notify func(Snapshot)
	Fire   func(event string, data map[string]any)
	Sender Sender
	Logger *slog.Logger
}

func (e Env) notify(s Snapshot) {
	if e.Notify != nil {
		e.Notify(s)
	}
}

func (e Env) fire(event string, data map[string]any) {
	if e.Fire != nil {
		e.Fire(event, data)
	}
}

func (e Env) send(device string, command map[string]any) error {
	if e.Sender == nil {
		return ErrNoSender
	}
	return e.Sender.Send(device, command)
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Timer owns at most one pending callback. Rearm always cancels the previous
// callback first; a generation counter drops callbacks that were already
// queued when they were cancelled.
type Timer struct {
	sched Scheduler
	stop  func() bool
	gen   uint64
}

func newTimer(s Scheduler) Timer {
	return Timer{sched: s}
}

// Rearm cancels any pending callback and schedules fn after d.
func (t *Timer) Rearm(d time.Duration, fn func()) {
	t.Cancel()
	gen := t.gen
	t.stop = t.sched.AfterFunc(d, func() {
		if t.gen != gen {
			return
		}
		t.stop = nil
		t.gen++
		fn()
	})
}

// Cancel drops the pending callback, if any.
func (t *Timer) Cancel() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	t.gen++
}

// Pending reports whether a callback is armed.
func (t *Timer) Pending() bool {
	return t.stop != nil
}
