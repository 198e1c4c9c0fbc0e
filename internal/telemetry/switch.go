package telemetry

// Switch is a relay channel. Commands are fire-and-forget; the state only
// moves when the device reports back.
type Switch struct {
	base
	state Value[bool]
}

func newSwitch(b base) *Switch {
	return &Switch{base: b}
}

// Update applies one batch. A batch without the channel still notifies.
func (s *Switch) Update(b Batch) {
	if v, ok := b[s.attr]; ok {
		s.state.Set(truthy(v), s.env.Sched.Now())
	}
	s.env.notify(s.Snapshot())
}

func (s *Switch) TurnOn() error  { return s.env.send(s.device, map[string]any{s.attr: 1}) }
func (s *Switch) TurnOff() error { return s.env.send(s.device, map[string]any{s.attr: 0}) }

func (s *Switch) Snapshot() Snapshot {
	return s.snap(onOff(&s.state), nil, s.state.Revision(), s.state.ChangedAt())
}
