package telemetry

// Movement passes the movement attribute through and republishes every
// report as a legacy click.
type Movement struct {
	Sensor
}

func newMovement(b base) *Movement {
	return &Movement{Sensor: Sensor{base: b}}
}

// Update applies one batch.
func (m *Movement) Update(b Batch) {
	v, ok := b[m.attr]
	if ok {
		m.set(v)
	}
	m.env.notify(m.Snapshot())
	if ok {
		m.env.fire(EventClick, map[string]any{"entity_id": m.id, "click_type": v})
	}
}

// Presence radar configuration keys, exposed verbatim as attributes.
var regionKeys = []string{
	"approaching_distance",
	"detecting_region",
	"exits_entrances_region",
	"interference_region",
	"monitoring_mode",
	"reverted_mode",
}

// OccupancyRegion is the region report of a presence radar together with
// its configuration.
type OccupancyRegion struct {
	Sensor
	config map[string]any
}

func newOccupancyRegion(b base) *OccupancyRegion {
	return &OccupancyRegion{Sensor: Sensor{base: b}, config: make(map[string]any, len(regionKeys))}
}

// Update applies one batch.
func (o *OccupancyRegion) Update(b Batch) {
	o.common.Apply(b)
	for _, k := range regionKeys {
		if v, ok := b[k]; ok {
			o.config[k] = v
		}
	}
	if v, ok := b[o.attr]; ok {
		o.set(v)
	}
	o.env.notify(o.Snapshot())
}

func (o *OccupancyRegion) Snapshot() Snapshot {
	attrs := map[string]any{
		AttrLQI:             o.common.lqi,
		AttrChipTemperature: o.common.chipTemp,
	}
	for _, k := range regionKeys {
		attrs[k] = o.config[k]
	}
	return o.snap(o.value, attrs, o.rev, o.changed)
}
