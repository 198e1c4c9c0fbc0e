package device

import "aqara-gateway-go/internal/telemetry"

func bs(attr string) telemetry.EntitySpec {
	return telemetry.EntitySpec{Domain: telemetry.DomainBinarySensor, Attr: attr}
}

func sn(attr string) telemetry.EntitySpec {
	return telemetry.EntitySpec{Domain: telemetry.DomainSensor, Attr: attr}
}

var zigbeeStats = sn("zigbee")

var builtinModels = []ModelDef{
	// Motion
	{Model: "lumi.sensor_motion", FriendlyName: "Motion Sensor",
		Entities: []telemetry.EntitySpec{bs("motion"), zigbeeStats}},
	{Model: "lumi.sensor_motion.aq2", FriendlyName: "Aqara Motion Sensor",
		Entities: []telemetry.EntitySpec{bs("motion"), sn("illuminance"), zigbeeStats},
		Flags:    []string{FlagDualReportMotion}},
	{Model: "lumi.motion.agl04", FriendlyName: "Aqara Precision Motion Sensor",
		Entities: []telemetry.EntitySpec{bs("action"), sn("movements"), zigbeeStats},
		Flags:    []string{FlagChipFahrenheit}},
	{Model: "lumi.motion.ac01", FriendlyName: "Aqara Presence Detector FP1",
		Entities: []telemetry.EntitySpec{bs("presence"), sn("occupancy_region"), sn("movements"), zigbeeStats}},

	// Contact
	{Model: "lumi.sensor_magnet", FriendlyName: "Door Sensor",
		Entities: []telemetry.EntitySpec{bs("contact"), zigbeeStats}},
	{Model: "lumi.sensor_magnet.aq2", FriendlyName: "Aqara Door Sensor",
		Entities: []telemetry.EntitySpec{bs("contact"), zigbeeStats},
		Flags:    []string{FlagOpenSince}},
	{Model: "lumi.magnet.agl02", FriendlyName: "Aqara Door Sensor T1",
		Entities: []telemetry.EntitySpec{bs("contact"), zigbeeStats},
		Flags:    []string{FlagOpenSince}},
	{Model: "lumi.magnet.ac01", FriendlyName: "Aqara Door Sensor P1",
		Entities: []telemetry.EntitySpec{bs("contact"), zigbeeStats},
		Flags:    []string{FlagOpenSince}},
	{Model: "lumi.magnet.acn001", FriendlyName: "Aqara Door Sensor E1",
		Entities: []telemetry.EntitySpec{bs("contact"), zigbeeStats}},

	// Buttons and remotes
	{Model: "lumi.sensor_switch", FriendlyName: "Button",
		Entities: []telemetry.EntitySpec{bs("switch"), zigbeeStats},
		Flags:    []string{FlagChipFahrenheit}},
	{Model: "lumi.sensor_switch.aq2", FriendlyName: "Aqara Button",
		Entities: []telemetry.EntitySpec{bs("switch"), zigbeeStats}},
	{Model: "lumi.remote.b286acn01", FriendlyName: "Aqara Double Wall Button",
		Entities: []telemetry.EntitySpec{bs("switch"), zigbeeStats}},
	{Model: "lumi.remote.rkba01", FriendlyName: "Aqara Knob H1",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats},
		Flags:    []string{FlagWithRotation}},
	{Model: "lumi.switch.rkna01", FriendlyName: "Aqara Knob Switch H1",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats},
		Flags:    []string{FlagWithRotation}},
	{Model: "lumi.remote.cagl01", FriendlyName: "Aqara Cube T1",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats},
		Flags:    []string{FlagWithRotation}},
	{Model: "lumi.remote.cagl02", FriendlyName: "Aqara Cube T1 Pro",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats},
		Flags:    []string{FlagWithRotation}},
	{Model: "lumi.sensor_cube.aqgl01", FriendlyName: "Aqara Cube",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats}},
	{Model: "lumi.vibration.aq1", FriendlyName: "Aqara Vibration Sensor",
		Entities: []telemetry.EntitySpec{bs("action"), zigbeeStats}},

	// Safety
	{Model: "lumi.sensor_wleak.aq1", FriendlyName: "Aqara Water Leak Sensor",
		Entities: []telemetry.EntitySpec{bs("moisture"), zigbeeStats}},
	{Model: "lumi.sensor_natgas", FriendlyName: "Natural Gas Detector",
		Entities: []telemetry.EntitySpec{bs("gas"), sn("gas density"), zigbeeStats}},
	{Model: "lumi.sensor_smoke", FriendlyName: "Smoke Detector",
		Entities: []telemetry.EntitySpec{bs("smoke"), sn("smoke density"), zigbeeStats}},

	// Climate
	{Model: "lumi.weather", FriendlyName: "Aqara Temperature Sensor",
		Entities: []telemetry.EntitySpec{sn("temperature"), sn("humidity"), sn("pressure"), zigbeeStats}},

	// Power
	{Model: "lumi.plug", FriendlyName: "Smart Plug",
		Entities: []telemetry.EntitySpec{
			{Domain: telemetry.DomainSwitch, Attr: "channel_0"},
			sn("power"), sn("consumption"), zigbeeStats,
		}},
	{Model: "lumi.ctrl_ln2.aq1", FriendlyName: "Aqara Double Wall Switch",
		Entities: []telemetry.EntitySpec{
			{Domain: telemetry.DomainSwitch, Attr: "channel_0"},
			{Domain: telemetry.DomainSwitch, Attr: "channel_1"},
			sn("power"), zigbeeStats,
		}},

	// Covers
	{Model: "lumi.curtain", FriendlyName: "Aqara Curtain",
		Entities: []telemetry.EntitySpec{{Domain: telemetry.DomainCover, Attr: "curtain"}, zigbeeStats},
		Cover:    "curtain"},
	{Model: "lumi.curtain.acn002", FriendlyName: "Aqara Roller Shade E1",
		Entities: []telemetry.EntitySpec{{Domain: telemetry.DomainCover, Attr: "roller_shade"}, zigbeeStats},
		Cover:    "roller_shade"},
	{Model: "lumi.curtain.acn011", FriendlyName: "Aqara Vertical Blinds Controller",
		Entities: []telemetry.EntitySpec{{Domain: telemetry.DomainCover, Attr: "vertical_blinds"}, zigbeeStats},
		Cover:    "vertical_blinds"},
	{Model: "lumi.airer.acn001", FriendlyName: "Aqara Smart Airer",
		Entities: []telemetry.EntitySpec{{Domain: telemetry.DomainCover, Attr: "airer"}},
		Cover:    "curtain", Flags: []string{FlagMiSpec}},

	// Locks
	{Model: "aqara.lock.wbzac1", FriendlyName: "Aqara Door Lock P100",
		Entities: []telemetry.EntitySpec{
			bs("door_state"), bs("auto locking"), bs("latch_state"),
			sn("lock"), sn("key_id"), sn("lock_event"),
		},
		Flags: []string{FlagLiBattery}},
	{Model: "lumi.lock.acn02", FriendlyName: "Aqara Door Lock S2",
		Entities: []telemetry.EntitySpec{
			bs("door_state"), bs("lock by handle"), bs("latch_state"),
			sn("lock"), sn("key_id"), sn("lock_event"),
		}},

	// Hubs
	{Model: "lumi.gateway.aqcn02", FriendlyName: "Aqara Hub M2",
		Entities: gatewayEntities},
	{Model: "lumi.gateway.acn01", FriendlyName: "Aqara Hub M1S",
		Entities: gatewayEntities},
	{Model: "lumi.gateway.sacn01", FriendlyName: "Aqara Smart Hub H1",
		Entities: gatewayEntities},
	{Model: "lumi.camera.gwagl02", FriendlyName: "Aqara Camera Hub G3",
		Entities: gatewayEntities},
}
