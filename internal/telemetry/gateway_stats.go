package telemetry

import "time"

// GatewayStats is the hub's own diagnostics entity. It hears both the
// report and the statistics stream of the hub. An empty batch marks the
// hub available and stamps the time; anything else is merged into the
// attributes.
type GatewayStats struct {
	base

	state Value[string]
	fields map[string]any
}

func newGatewayStats(b base) *GatewayStats {
	return &GatewayStats{base: b, fields: map[string]any{}}
}

// Update applies one batch.
func (g *GatewayStats) Update(b Batch) {
	now := g.env.Sched.Now()
	if len(b) == 0 {
		g.state.Set(now.Format(time.RFC3339), now)
	}
	for k, v := range b {
		g.fields[k] = v
	}
	g.env.notify(g.Snapshot())
}

func (g *GatewayStats) Snapshot() Snapshot {
	attrs := make(map[string]any, len(g.fields))
	for k, v := range g.fields {
		attrs[k] = v
	}
	var state any
	if v, ok := g.state.Get(); ok {
		state = v
	}
	return g.snap(state, attrs, g.state.Revision(), g.state.ChangedAt())
}
