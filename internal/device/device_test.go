package device

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"aqara-gateway-go/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		ok   bool
	}{
		{"valid", Descriptor{DID: "lumi.1", Model: "lumi.plug"}, true},
		{"no did", Descriptor{Model: "lumi.plug"}, false},
		{"no model", Descriptor{DID: "lumi.1"}, false},
		{"bad domain", Descriptor{DID: "lumi.1", Model: "x", Entities: []telemetry.EntitySpec{{Domain: "light", Attr: "x"}}}, false},
		{"empty attr", Descriptor{DID: "lumi.1", Model: "x", Entities: []telemetry.EntitySpec{{Domain: "sensor"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidDescriptor) {
				t.Errorf("err = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

func TestCatalogComplete(t *testing.T) {
	c := NewCatalog()
	d := Descriptor{DID: "lumi.158d0001", Model: "lumi.sensor_motion.aq2"}
	c.Complete(&d)
	if len(d.Entities) != 3 || d.Entities[0].Attr != "motion" {
		t.Errorf("entities = %v", d.Entities)
	}
	if d.Name() != "Aqara Motion Sensor" {
		t.Errorf("name = %q", d.Name())
	}

	// Announced entities win over the catalog defaults.
	d = Descriptor{DID: "lumi.2", Model: "lumi.plug", Entities: []telemetry.EntitySpec{{Domain: "sensor", Attr: "power"}}}
	c.Complete(&d)
	if len(d.Entities) != 1 {
		t.Errorf("entities = %v", d.Entities)
	}
}

func TestCatalogCompleteGateway(t *testing.T) {
	c := NewCatalog()
	tests := []struct {
		name string
		d    Descriptor
		want int
	}{
		{"known hub", Descriptor{DID: "lumi.0", Model: "lumi.gateway.aqcn02"}, 1},
		{"unknown hub by did", Descriptor{DID: "lumi.0", Model: "lumi.gateway.future"}, 1},
		{"unknown hub by type", Descriptor{DID: "lumi.54ef44", Model: "lumi.gateway.future", Type: "gateway"}, 1},
		{"unknown child", Descriptor{DID: "lumi.158d0001", Model: "vendor.thing"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Complete(&tt.d)
			if len(tt.d.Entities) != tt.want {
				t.Fatalf("entities = %v, want %d", tt.d.Entities, tt.want)
			}
			if tt.want == 1 && (tt.d.Entities[0].Domain != telemetry.DomainSensor || tt.d.Entities[0].Attr != "gateway") {
				t.Errorf("entity = %+v", tt.d.Entities[0])
			}
		})
	}
}

func TestBuiltinLockEntities(t *testing.T) {
	c := NewCatalog()
	for _, model := range []string{"aqara.lock.wbzac1", "lumi.lock.acn02"} {
		d := Descriptor{DID: "lumi.1", Model: model}
		c.Complete(&d)
		attrs := map[string]bool{}
		for _, e := range d.Entities {
			attrs[e.Attr] = true
		}
		for _, want := range []string{"door_state", "latch_state", "lock", "key_id", "lock_event"} {
			if !attrs[want] {
				t.Errorf("%s: missing %s in %v", model, want, d.Entities)
			}
		}
	}
}

func TestProfileTags(t *testing.T) {
	c := NewCatalog()
	fallback := telemetry.Timeout{90}

	tests := []struct {
		name  string
		d     Descriptor
		attr  string
		check func(telemetry.Profile) bool
	}{
		{"dual report", Descriptor{Model: "lumi.sensor_motion.aq2"}, "motion",
			func(p telemetry.Profile) bool { return p.DualReportMotion && !p.ChipFahrenheit }},
		{"door sensor fahrenheit", Descriptor{Model: "lumi.sensor_magnet"}, "contact",
			func(p telemetry.Profile) bool { return p.ChipFahrenheit && !p.OpenSince }},
		{"open since celsius", Descriptor{Model: "lumi.sensor_magnet.aq2"}, "contact",
			func(p telemetry.Profile) bool { return !p.ChipFahrenheit && p.OpenSince }},
		{"button fahrenheit", Descriptor{Model: "lumi.sensor_switch"}, "switch",
			func(p telemetry.Profile) bool { return p.ChipFahrenheit }},
		{"knob rotation", Descriptor{Model: "lumi.remote.rkba01"}, "action",
			func(p telemetry.Profile) bool { return p.WithRotation }},
		{"roller shade", Descriptor{Model: "lumi.curtain.acn002", MiSpec: true}, "roller_shade",
			func(p telemetry.Profile) bool { return p.Cover == telemetry.CoverRollerShade && p.MiSpec }},
		{"blinds", Descriptor{Model: "lumi.curtain.acn011"}, "vertical_blinds",
			func(p telemetry.Profile) bool { return p.Cover == telemetry.CoverVerticalBlinds && !p.MiSpec }},
		{"airer mi spec", Descriptor{Model: "lumi.airer.acn001"}, "airer",
			func(p telemetry.Profile) bool { return p.Cover == telemetry.CoverCurtain && p.MiSpec }},
		{"miot contact inverted", Descriptor{Model: "lumi.magnet.acn001", Cloud: "miot"}, "contact",
			func(p telemetry.Profile) bool { return p.Invert }},
		{"user invert cancels miot", Descriptor{Model: "lumi.magnet.acn001", Cloud: "miot", Invert: []string{"contact"}}, "contact",
			func(p telemetry.Profile) bool { return !p.Invert }},
		{"fallback timeout", Descriptor{Model: "lumi.sensor_motion"}, "motion",
			func(p telemetry.Profile) bool { return len(p.OccupancyTimeout) == 1 && p.OccupancyTimeout[0] == 90 }},
		{"own timeout", Descriptor{Model: "lumi.sensor_motion", OccupancyTimeout: telemetry.Timeout{30, 10}}, "motion",
			func(p telemetry.Profile) bool { return len(p.OccupancyTimeout) == 2 }},
		{"lock li battery", Descriptor{Model: "aqara.lock.wbzac1"}, "lock",
			func(p telemetry.Profile) bool { return p.LiBattery }},
		{"lock without li battery", Descriptor{Model: "lumi.lock.acn02"}, "lock",
			func(p telemetry.Profile) bool { return !p.LiBattery }},
		{"unknown model", Descriptor{Model: "vendor.thing"}, "x",
			func(p telemetry.Profile) bool { return p.Cover == telemetry.CoverCurtain && !p.WithRotation }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.d.DID = "lumi.1"
			p := c.Profile(&tt.d, telemetry.EntitySpec{Attr: tt.attr}, fallback)
			if p.Device != "lumi.1" || !tt.check(p) {
				t.Errorf("profile = %+v", p)
			}
		})
	}
}

func TestLoadCatalogDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "extra.json"), []byte(`{
		"models": [
			{"model": "lumi.curtain.hagl04", "friendly_name": "Curtain B1",
			 "entities": [{"domain": "cover", "attr": "curtain"}], "cover": "curtain"}
		],
		"manufacturers": [
			{"name": "Aqara", "models": [
				{"model": "lumi.sensor_motion", "friendly_name": "Overridden",
				 "entities": [{"domain": "binary_sensor", "attr": "motion"}]}
			]}
		]
	}`), 0644)

	c, err := LoadCatalogDir(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if def := c.Lookup("lumi.curtain.hagl04"); def == nil || def.FriendlyName != "Curtain B1" {
		t.Errorf("hagl04 = %+v", def)
	}
	def := c.Lookup("lumi.sensor_motion")
	if def == nil || def.FriendlyName != "Overridden" || def.Manufacturer != "Aqara" {
		t.Errorf("override = %+v", def)
	}
	if c.Len() != len(builtinModels)+1 {
		t.Errorf("len = %d, want %d", c.Len(), len(builtinModels)+1)
	}
}

func TestLoadCatalogDirMissing(t *testing.T) {
	c, err := LoadCatalogDir(filepath.Join(t.TempDir(), "nope"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != len(builtinModels) {
		t.Errorf("len = %d", c.Len())
	}
}

func TestLoadCatalogDirBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{`), 0644)
	if _, err := LoadCatalogDir(dir, testLogger()); err == nil {
		t.Error("expected parse error")
	}
}
