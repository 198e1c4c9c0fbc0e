package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"aqara-gateway-go/internal/telemetry"
)

// Model flags understood in catalog files.
const (
	FlagChipFahrenheit   = "chip_fahrenheit"
	FlagDualReportMotion = "dual_report_motion"
	FlagWithRotation     = "with_rotation"
	FlagOpenSince        = "open_since"
	FlagMiSpec           = "mi_spec"
	FlagLiBattery        = "li_battery"
)

// ManufacturerGroup groups models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string     `json:"name"`
	Models []ModelDef `json:"models"`
}

// ModelDef describes the default entities and behaviour of one model.
type ModelDef struct {
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Model        string                 `json:"model"`
	FriendlyName string                 `json:"friendly_name,omitempty"`
	Entities     []telemetry.EntitySpec `json:"entities,omitempty"`
	Flags        []string               `json:"flags,omitempty"`
	Cover        string                 `json:"cover,omitempty"` // curtain, roller_shade, vertical_blinds
}

func (m *ModelDef) has(flag string) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Catalog holds model definitions keyed by model string.
type Catalog struct {
	defs map[string]*ModelDef
}

// NewCatalog returns a catalog preloaded with the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{defs: make(map[string]*ModelDef)}
	for _, d := range builtinModels {
		c.Add(d)
	}
	return c
}

// Add inserts or replaces a model definition.
func (c *Catalog) Add(def ModelDef) {
	cp := def
	c.defs[def.Model] = &cp
}

// Lookup finds a model definition. It returns nil for unknown models.
func (c *Catalog) Lookup(model string) *ModelDef {
	return c.defs[model]
}

// Len returns the number of model definitions.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// catalogFile is the JSON structure of files in the devices directory.
type catalogFile struct {
	Models        []ModelDef          `json:"models,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty"`
}

// LoadCatalogDir reads all *.json files from dir on top of the built-in
// models. A missing or empty directory is not an error.
func LoadCatalogDir(dir string, logger *slog.Logger) (*Catalog, error) {
	c := NewCatalog()
	if dir == "" {
		return c, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return c, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no model definition files found", "dir", dir)
		return c, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read %s: %w", path, err)
		}
		var f catalogFile
		if err := json.Unmarshal(data, &f); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}

		count := len(f.Models)
		for _, m := range f.Models {
			c.Add(m)
		}
		for _, mg := range f.Manufacturers {
			for _, m := range mg.Models {
				m.Manufacturer = mg.Name
				c.Add(m)
			}
			count += len(mg.Models)
		}
		logger.Info("loaded model file", "path", filepath.Base(path), "models", count)
	}

	logger.Info("model catalog loaded", "files", len(matches), "models", c.Len())
	return c, nil
}

// gatewayEntities is what an unknown hub model gets.
var gatewayEntities = []telemetry.EntitySpec{sn("gateway")}

// Complete fills in defaults from the catalog for a freshly announced
// descriptor: entity list and friendly name.
func (c *Catalog) Complete(d *Descriptor) {
	def := c.Lookup(d.Model)
	if def == nil {
		if d.IsGateway() && len(d.Entities) == 0 {
			d.Entities = append([]telemetry.EntitySpec(nil), gatewayEntities...)
		}
		return
	}
	if len(d.Entities) == 0 {
		d.Entities = append([]telemetry.EntitySpec(nil), def.Entities...)
	}
	if d.FriendlyName == "" {
		d.FriendlyName = def.FriendlyName
	}
}
