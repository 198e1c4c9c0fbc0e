// Package device describes the physical devices behind a gateway and
// resolves their behaviour tags once, from the model identity.
package device

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aqara-gateway-go/internal/telemetry"
)

// ErrInvalidDescriptor is returned by Validate.
var ErrInvalidDescriptor = errors.New("invalid device descriptor")

// Descriptor is the identity of a device as announced by the gateway.
type Descriptor struct {
	DID          string                 `json:"did"`
	Model        string                 `json:"model"`
	Type         string                 `json:"type,omitempty"`  // zigbee, ble, gateway
	Cloud        string                 `json:"cloud,omitempty"` // aiot or miot
	MiSpec       bool                   `json:"mi_spec,omitempty"`
	FriendlyName string                 `json:"friendly_name,omitempty"`
	Entities     []telemetry.EntitySpec `json:"entities,omitempty"`
	Invert       []string               `json:"invert,omitempty"`

	OccupancyTimeout telemetry.Timeout `json:"occupancy_timeout,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Validate checks the fields every descriptor needs.
func (d *Descriptor) Validate() error {
	if d.DID == "" {
		return fmt.Errorf("%w: did is required", ErrInvalidDescriptor)
	}
	if d.Model == "" {
		return fmt.Errorf("%w: %s: model is required", ErrInvalidDescriptor, d.DID)
	}
	for _, e := range d.Entities {
		switch e.Domain {
		case telemetry.DomainBinarySensor, telemetry.DomainSensor,
			telemetry.DomainCover, telemetry.DomainSwitch:
		default:
			return fmt.Errorf("%w: %s: unknown domain %q", ErrInvalidDescriptor, d.DID, e.Domain)
		}
		if e.Attr == "" {
			return fmt.Errorf("%w: %s: empty attribute", ErrInvalidDescriptor, d.DID)
		}
	}
	return nil
}

// Name returns the friendly name, falling back to the DID.
func (d *Descriptor) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.DID
}

// IsGateway reports whether the descriptor is the hub itself.
func (d *Descriptor) IsGateway() bool {
	return d.Type == "gateway" || strings.HasPrefix(d.DID, "lumi.0")
}

func (d *Descriptor) inverted(attr string) bool {
	for _, a := range d.Invert {
		if a == attr {
			return true
		}
	}
	return false
}
