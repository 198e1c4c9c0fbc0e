package telemetry

// Shared telemetry keys present in nearly every batch.
const (
	KeyBattery         = "battery"
	KeyLQI             = "lqi"
	KeyVoltage         = "voltage"
	KeyFirmware        = "fw_ver"
	KeyChipTemperature = "chip_temperature"
)

// Attribute names exposed on snapshots.
const (
	AttrBattery         = "battery_level"
	AttrLQI             = "lqi"
	AttrVoltage         = "voltage"
	AttrFirmware        = "fw_version"
	AttrChipTemperature = "chip_temperature"
)

// Common multiplexes the shared telemetry fields out of a batch. It never
// notifies; the owning entity does once its own decode has finished.
type Common struct {
	fahrenheit bool

	battery  any
	lqi      any
	firmware any
	voltage  any
	chipTemp any
}

// Apply stores every shared field present in b.
func (c *Common) Apply(b Batch) {
	if v, ok := b[KeyBattery]; ok {
		c.battery = v
	}
	if v, ok := b[KeyLQI]; ok {
		c.lqi = v
	}
	if v, ok := b[KeyFirmware]; ok {
		c.firmware = v
	}
	if v, ok := b[KeyVoltage]; ok {
		c.voltage = millivoltsToVolts(v)
	}
	if v, ok := b[KeyChipTemperature]; ok {
		if c.fahrenheit {
			c.chipTemp = fahrenheitToCelsius(v)
		} else {
			c.chipTemp = v
		}
	}
}

// Attributes copies the shared fields into dst.
func (c *Common) Attributes(dst map[string]any) {
	dst[AttrBattery] = c.battery
	dst[AttrLQI] = c.lqi
	dst[AttrVoltage] = c.voltage
	dst[AttrChipTemperature] = c.chipTemp
	dst[AttrFirmware] = c.firmware
}

// millivoltsToVolts returns nil for non-numeric input.
func millivoltsToVolts(v any) any {
	mv, ok := toFloat(v)
	if !ok {
		return nil
	}
	return round(mv/1000, 3)
}

// fahrenheitToCelsius truncates the reading to whole degrees first, the
// way the gateway firmware reports it.
func fahrenheitToCelsius(v any) any {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return round(float64(int64(f)-32)*5/9, 2)
}
