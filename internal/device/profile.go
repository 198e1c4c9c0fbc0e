package device

import "aqara-gateway-go/internal/telemetry"

// miotInvertedContact reports contact inverted when bound to the MIoT cloud.
const miotInvertedContact = "lumi.magnet.acn001"

func coverVariant(name string) telemetry.CoverVariant {
	switch name {
	case "roller_shade":
		return telemetry.CoverRollerShade
	case "vertical_blinds":
		return telemetry.CoverVerticalBlinds
	default:
		return telemetry.CoverCurtain
	}
}

// Profile resolves the behaviour tags of one entity of d. fallback is the
// occupancy timeout used when the descriptor does not set one.
func (c *Catalog) Profile(d *Descriptor, spec telemetry.EntitySpec, fallback telemetry.Timeout) telemetry.Profile {
	def := c.Lookup(d.Model)
	if def == nil {
		def = &ModelDef{Model: d.Model}
	}

	p := telemetry.Profile{
		Device:           d.DID,
		Model:            d.Model,
		DualReportMotion: def.has(FlagDualReportMotion),
		WithRotation:     def.has(FlagWithRotation),
		OpenSince:        def.has(FlagOpenSince),
		MiSpec:           d.MiSpec || def.has(FlagMiSpec),
		LiBattery:        def.has(FlagLiBattery),
		Cover:            coverVariant(def.Cover),
		Invert:           d.inverted(spec.Attr),
		OccupancyTimeout: d.OccupancyTimeout,
	}

	// Contact sensors report chip temperature in °F, except the models that
	// push no_close.
	p.ChipFahrenheit = def.has(FlagChipFahrenheit) || (spec.Attr == "contact" && !p.OpenSince)

	if d.Model == miotInvertedContact && d.Cloud == "miot" && spec.Attr == "contact" {
		p.Invert = !p.Invert
	}
	if p.OccupancyTimeout == nil {
		p.OccupancyTimeout = fallback
	}
	return p
}
