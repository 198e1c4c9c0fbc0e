package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	keySourceAddress = "sourceAddress"
	keyLinkQuality   = "linkQuality"
	keyRSSI          = "rssi"
	keyClusterID     = "clusterId"
	keyAPSCounter    = "APSCounter"
	keyAPSPayload    = "APSPlayload" // sic, as sent by the gateway
	keyParent        = "parent"
	keyAgo           = "ago"
	keyDeviceState   = "deviceState"

	deviceStateUnresponsive = 17
)

var errShortPayload = errors.New("aps payload too short")

// SequenceSkip estimates messages lost between two reports from the two
// independent 8-bit sequence sources. The smaller skip wins, so a glitch
// in either source cannot inflate the count.
func SequenceSkip(lastA, newA, lastB, newB int64) uint64 {
	skipA := uint64((newA - lastA - 1) & 0xFF)
	skipB := uint64((newB - lastB - 1) & 0xFF)
	return min(skipA, skipB)
}

// payloadSequence extracts the ZCL sequence number from a "0x"-prefixed hex
// APS payload. The frame-control manufacturer-specific bit (0x04) moves the
// sequence byte behind the two-byte manufacturer code.
func payloadSequence(raw string) (int64, error) {
	if len(raw) < 6 {
		return 0, errShortPayload
	}
	fc, err := strconv.ParseUint(raw[2:4], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("frame control: %w", err)
	}
	field := raw[4:6]
	if fc&0x04 != 0 {
		if len(raw) < 10 {
			return 0, errShortPayload
		}
		field = raw[8:10]
	}
	seq, err := strconv.ParseUint(field, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("sequence: %w", err)
	}
	return int64(seq), nil
}

// SequenceTracker holds the per-device rolling counters. It lives for the
// device session and is cleared only by Reset.
type SequenceTracker struct {
	seeded      bool
	lastAPS     int64
	lastPayload int64

	Received     uint64
	Missed       uint64
	LastMissed   uint64
	Unresponsive uint64
	ParseErrors  uint64
}

// Observe feeds one message. A malformed counter pair leaves the sequence
// state untouched and only bumps ParseErrors.
func (t *SequenceTracker) Observe(b Batch) {
	aps, ok := b.Int(keyAPSCounter)
	if !ok {
		t.ParseErrors++
		return
	}
	raw, _ := b.String(keyAPSPayload)
	seq, err := payloadSequence(raw)
	if err != nil {
		t.ParseErrors++
		return
	}
	if t.seeded {
		miss := SequenceSkip(t.lastAPS, aps, t.lastPayload, seq)
		t.Missed += miss
		t.LastMissed = miss
	}
	t.seeded = true
	t.lastAPS = aps
	t.lastPayload = seq
}

// Reset clears everything, as after a gateway reconnect.
func (t *SequenceTracker) Reset() {
	*t = SequenceTracker{}
}

// ZigbeeStats is the per-device link diagnostics entity.
type ZigbeeStats struct {
	base

	state   Value[string]
	tracker SequenceTracker

	ieee    string
	nwk     any
	lqi     any
	rssi    any
	lastMsg any
	parent  map[string]any
}

func newZigbeeStats(b base) *ZigbeeStats {
	return &ZigbeeStats{base: b, ieee: ieeeFromDID(b.device), parent: map[string]any{}}
}

// ieeeFromDID turns "lumi.158d0001234567" into "0x00158D0001234567".
func ieeeFromDID(did string) string {
	if len(did) <= 5 {
		return ""
	}
	hex := did[5:]
	if len(hex) < 16 {
		hex = strings.Repeat("0", 16-len(hex)) + hex
	}
	return "0x" + strings.ToUpper(hex)
}

// Update applies one batch.
func (z *ZigbeeStats) Update(b Batch) {
	now := z.env.Sched.Now()
	switch {
	case b.Has(keySourceAddress):
		z.nwk = b[keySourceAddress]
		z.lqi = b[keyLinkQuality]
		z.rssi = b[keyRSSI]
		if cid, ok := b.Int(keyClusterID); ok {
			z.lastMsg = clusterName(cid)
		} else {
			z.lastMsg = b[keyClusterID]
		}
		z.tracker.Received++
		missedBefore := z.tracker.Missed
		z.tracker.Observe(b)
		if z.tracker.Missed != missedBefore {
			z.env.logger().Debug("zigbee messages missed",
				"device", z.device, "missed", z.tracker.LastMissed, "cluster", z.lastMsg)
		}
		z.state.Set(now.Format(time.RFC3339), now)
	case b.Has(keyParent):
		ago, _ := b.Float(keyAgo)
		z.state.Set(now.Add(-seconds(ago)).Format(time.RFC3339), now)
		for k, v := range b {
			if k != keyAgo {
				z.parent[k] = v
			}
		}
	default:
		if code, ok := b.Int(keyDeviceState); ok && code == deviceStateUnresponsive {
			z.tracker.Unresponsive++
		}
	}
	z.env.notify(z.Snapshot())
}

// Reset clears the sequence counters after a reconnect.
func (z *ZigbeeStats) Reset() {
	z.tracker.Reset()
}

// Tracker returns a copy of the sequence counters.
func (z *ZigbeeStats) Tracker() SequenceTracker {
	return z.tracker
}

func (z *ZigbeeStats) Snapshot() Snapshot {
	attrs := map[string]any{
		"ieee":         z.ieee,
		"nwk":          z.nwk,
		"link_quality": z.lqi,
		"rssi":         z.rssi,
		"last_msg":     z.lastMsg,
		"msg_received": z.tracker.Received,
		"msg_missed":   z.tracker.Missed,
		"last_missed":  z.tracker.LastMissed,
		"unresponsive": z.tracker.Unresponsive,
		"parse_errors": z.tracker.ParseErrors,
	}
	for k, v := range z.parent {
		attrs[k] = v
	}
	var state any
	if v, ok := z.state.Get(); ok {
		state = v
	}
	return z.snap(state, attrs, z.state.Revision(), z.state.ChangedAt())
}

var clusterNames = map[int64]string{
	0x0000: "Basic",
	0x0001: "PowerCfg",
	0x0003: "Identify",
	0x0006: "OnOff",
	0x0008: "LevelCtrl",
	0x000A: "Time",
	0x000C: "AnalogInput",
	0x0012: "Multistate",
	0x0019: "OTA",
	0x0101: "DoorLock",
	0x0102: "WindowCovering",
	0x0400: "Illuminance",
	0x0402: "Temperature",
	0x0403: "Pressure",
	0x0405: "Humidity",
	0x0406: "Occupancy",
	0x0500: "IasZone",
	0x0B04: "ElectrMeasur",
	0xFCC0: "AqaraPrivate",
}

func clusterName(id int64) any {
	if name, ok := clusterNames[id]; ok {
		return name
	}
	return id
}
