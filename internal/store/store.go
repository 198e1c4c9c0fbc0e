// Package store persists device descriptors and gateway session state.
// Derived entity state is never stored.
package store

import (
	"errors"

	"aqara-gateway-go/internal/device"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	SaveDevice(d *device.Descriptor) error
	GetDevice(did string) (*device.Descriptor, error)
	DeleteDevice(did string) error
	ListDevices() ([]*device.Descriptor, error)

	// UpdateDevice atomically reads, modifies, and saves a descriptor in a
	// single transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(did string, fn func(d *device.Descriptor) error) error

	// Gateway session
	SaveGatewayState(state *GatewayState) error
	GetGatewayState() (*GatewayState, error)

	Close() error
}
