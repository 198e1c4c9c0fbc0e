package store

import "time"

// GatewayState records the transport session with the gateway. A new
// session means the sequence counters of every device start over.
type GatewayState struct {
	ClientID    string    `json:"client_id"`
	Sessions    uint64    `json:"sessions"`
	ConnectedAt time.Time `json:"connected_at"`
	LostAt      time.Time `json:"lost_at,omitempty"`
}
