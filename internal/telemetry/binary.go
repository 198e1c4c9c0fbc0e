package telemetry

var densityKeys = []string{"gas density", "smoke density"}

// Binary is a plain on/off sensor: contact, leak, gas and smoke.
type Binary struct {
	base

	state     Value[bool]
	invert    bool
	openSince bool

	density any
	since   any
}

func newBinary(b base, p Profile) *Binary {
	return &Binary{base: b, invert: p.Invert, openSince: p.OpenSince}
}

// Update applies one batch.
func (s *Binary) Update(b Batch) {
	s.common.Apply(b)
	if v, ok := b[s.attr]; ok {
		s.state.Set(truthy(v) != s.invert, s.env.Sched.Now())
	}
	for _, k := range densityKeys {
		if n, ok := b.Int(k); ok {
			s.density = n
		}
	}
	if v, ok := b[keyNoClose]; ok && s.openSince {
		s.since = v
	}
	s.env.notify(s.Snapshot())
}

func (s *Binary) Snapshot() Snapshot {
	attrs := s.attrs()
	if s.density != nil {
		attrs["density"] = s.density
	}
	if s.openSince {
		attrs["open_since"] = s.since
	}
	return s.snap(onOff(&s.state), attrs, s.state.Revision(), s.state.ChangedAt())
}
