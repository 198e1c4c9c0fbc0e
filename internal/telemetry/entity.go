// Package telemetry turns raw gateway attribute batches into per-capability
// derived state. Every entity owns its state and timers and is driven from a
// single event loop; nothing here is safe for concurrent use.
package telemetry

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnsupported is returned for a command the device variant lacks.
	ErrUnsupported = errors.New("command not supported by device variant")
	// ErrNoSender is returned when an entity has no command outbound.
	ErrNoSender = errors.New("no command sender configured")
)

// Host platforms an entity can belong to.
const (
	DomainBinarySensor = "binary_sensor"
	DomainSensor       = "sensor"
	DomainCover        = "cover"
	DomainSwitch       = "switch"
)

// Legacy event names republished for backward-compatible subscribers.
const (
	EventClick  = "xiaomi_aqara.click"
	EventMotion = "xiaomi_aqara.motion"
)

// EntitySpec names one logical sensor of a device.
type EntitySpec struct {
	Domain string `json:"domain" yaml:"domain"`
	Attr   string `json:"attr" yaml:"attr"`
}

// Profile is the per-device behaviour resolved once from the device
// identity. Entities dispatch on these tags, never on the model string.
type Profile struct {
	Device string
	Model  string

	ChipFahrenheit   bool // chip temperature reported in °F
	DualReportMotion bool // illuminance-only batch means motion=1
	WithRotation     bool // knob remotes expose rotate angle
	OpenSince        bool // contact sensor pushes no_close
	MiSpec           bool // MIoT motor code table
	LiBattery        bool // lock carries a lithium backup battery
	Cover            CoverVariant
	Invert           bool
	OccupancyTimeout Timeout
}

// Entity is a decoder plus the derived state it owns.
type Entity interface {
	ID() string
	Update(b Batch)
	Snapshot() Snapshot
	Close()
}

// EntityID builds the host-facing identifier for a device attribute.
func EntityID(domain, device, attr string) string {
	return domain + "." + slug(device) + "_" + slug(attr)
}

func slug(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "-", "_").Replace(strings.ToLower(s))
}

// New builds the entity for spec. Unknown attributes fall back to the
// generic decoder of the domain.
func New(spec EntitySpec, p Profile, env Env) Entity {
	b := newBase(spec, p, env)
	switch spec.Domain {
	case DomainBinarySensor:
		switch spec.Attr {
		case "action":
			return newGesture(b, GestureAction, p)
		case "switch":
			return newGesture(b, GestureButton, p)
		case "motion":
			return newMotion(b, p)
		case "door_state":
			return newLock(b, LockDoor)
		case "auto locking", "lock by handle":
			return newLock(b, LockBolt)
		case "latch_state":
			return newLock(b, LockLatch)
		default:
			return newBinary(b, p)
		}
	case DomainSensor:
		switch spec.Attr {
		case "zigbee":
			return newZigbeeStats(b)
		case "gateway":
			return newGatewayStats(b)
		case "lock":
			return newLockSensor(b, p)
		case "key_id":
			return newKeyID(b)
		case "lock_event":
			return newLockEvent(b)
		case "movements":
			return newMovement(b)
		case "occupancy_region":
			return newOccupancyRegion(b)
		}
		return newSensor(b)
	case DomainCover:
		return newCover(b, p)
	case DomainSwitch:
		return newSwitch(b)
	}
	return newSensor(b)
}

// base holds what every entity shares.
type base struct {
	id     string
	device string
	attr   string
	kind   string
	env    Env
	common Common
}

func newBase(spec EntitySpec, p Profile, env Env) base {
	return base{
		id:     EntityID(spec.Domain, p.Device, spec.Attr),
		device: p.Device,
		attr:   spec.Attr,
		kind:   spec.Domain,
		env:    env,
		common: Common{fahrenheit: p.ChipFahrenheit},
	}
}

func (b *base) ID() string { return b.id }

// Close is a no-op for entities without timers.
func (b *base) Close() {}

func (b *base) snap(state any, attrs map[string]any, rev uint64, changed time.Time) Snapshot {
	return Snapshot{
		Entity:     b.id,
		Device:     b.device,
		Kind:       b.kind,
		State:      state,
		Attributes: attrs,
		Revision:   rev,
		Changed:    changed,
	}
}

// attrs returns a fresh attribute map seeded with the shared telemetry.
func (b *base) attrs() map[string]any {
	m := make(map[string]any, 8)
	b.common.Attributes(m)
	return m
}
