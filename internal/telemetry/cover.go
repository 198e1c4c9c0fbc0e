package telemetry

import (
	"fmt"
	"math"
)

// CoverVariant is the mechanical flavour of a cover, fixed at construction.
type CoverVariant int

const (
	CoverCurtain        CoverVariant = iota // curtain motors and airers
	CoverRollerShade                        // roller shade E1
	CoverVerticalBlinds                     // vertical blinds controller
)

func (v CoverVariant) String() string {
	switch v {
	case CoverRollerShade:
		return "roller_shade"
	case CoverVerticalBlinds:
		return "vertical_blinds"
	default:
		return "curtain"
	}
}

// Cover actions accepted by Command.
const (
	CoverOpen        = "open"
	CoverClose       = "close"
	CoverStop        = "stop"
	CoverSetPosition = "set_position"
	CoverOpenTilt    = "open_tilt"
	CoverCloseTilt   = "close_tilt"
	CoverStopTilt    = "stop_tilt"
	CoverSetTilt     = "set_tilt"
)

const (
	keyPosition     = "position"
	keyRunState     = "run_state"
	keyTiltPosition = "tilt_position"
	keyMotor        = "motor"
	keyTiltMotor    = "tilt_motor"

	// closedBelow absorbs mechanical imprecision near fully closed.
	closedBelow = 5
)

// TiltPercent maps a blind angle in [-90, 90] to 0..100, 100 being
// vertical-open at 0°.
func TiltPercent(angle float64) int {
	return int((90 - math.Abs(angle)) / 90 * 100)
}

// TiltAngle inverts TiltPercent, staying on the side of vertical given by
// current.
func TiltAngle(percent, current float64) float64 {
	if current >= 0 {
		return 90 - percent/100*90
	}
	return percent/100*90 - 90
}

// Cover tracks position and tilt and maps commands to motor codes.
type Cover struct {
	base

	variant CoverVariant
	miSpec  bool

	position Value[int]
	tilt     Value[float64]
	opening  bool
	closing  bool
}

func newCover(b base, p Profile) *Cover {
	return &Cover{base: b, variant: p.Cover, miSpec: p.MiSpec}
}

// Update applies one batch.
func (c *Cover) Update(b Batch) {
	c.common.Apply(b)
	now := c.env.Sched.Now()
	if c.variant == CoverVerticalBlinds {
		if angle, ok := b.Float(keyTiltPosition); ok {
			c.tilt.Set(math.Max(-90, math.Min(90, angle)), now)
		}
		if b.Has(keyPosition) {
			c.opening, c.closing = false, false
		}
	}
	// Some firmware reports fractional positions.
	if pos, ok := b.Float(keyPosition); ok {
		c.position.Set(int(math.Round(pos)), now)
	} else if pos, ok := b.Int(keyPosition); ok {
		c.position.Set(int(pos), now)
	}
	if rs, ok := b.Int(keyRunState); ok {
		c.opening = rs == 1
		c.closing = rs == 0
	}
	c.env.notify(c.Snapshot())
}

// Position returns the current position, 0 fully closed.
func (c *Cover) Position() (int, bool) {
	return c.position.Get()
}

// Closed reports position below the dead band; ok is false while unknown.
func (c *Cover) Closed() (closed, ok bool) {
	pos, ok := c.position.Get()
	if !ok {
		return false, false
	}
	return pos < closedBelow, true
}

// TiltPercent returns the derived tilt percentage.
func (c *Cover) TiltPercent() (int, bool) {
	angle, ok := c.tilt.Get()
	if !ok {
		return 0, false
	}
	return TiltPercent(angle), true
}

// Command transmits action. value is the target for set_position and
// set_tilt and ignored otherwise.
func (c *Cover) Command(action string, value float64) error {
	cmd, err := c.commandFor(action, value)
	if err != nil {
		return err
	}
	return c.env.send(c.device, cmd)
}

func (c *Cover) commandFor(action string, value float64) (map[string]any, error) {
	switch action {
	case CoverSetPosition:
		return map[string]any{keyPosition: int(math.Max(0, math.Min(100, value)))}, nil
	case CoverSetTilt:
		if c.variant != CoverVerticalBlinds {
			return nil, ErrUnsupported
		}
		current, _ := c.tilt.Get()
		pct := math.Max(0, math.Min(100, value))
		return map[string]any{keyTiltPosition: TiltAngle(pct, current)}, nil
	}

	switch c.variant {
	case CoverCurtain:
		if c.miSpec {
			return motorCode(action, map[string]int{
				CoverOpen: 2, CoverClose: 1, CoverStop: 0, CoverOpenTilt: 5, CoverCloseTilt: 6,
			})
		}
		return legacyMotion(action)
	case CoverRollerShade:
		if c.miSpec {
			if cmd, err := legacyPosition(action); err == nil {
				return cmd, nil
			}
			return motorCode(action, map[string]int{CoverStop: 0, CoverOpenTilt: 4, CoverCloseTilt: 3})
		}
		if cmd, err := legacyPosition(action); err == nil {
			return cmd, nil
		}
		return motorCode(action, map[string]int{CoverStop: 2, CoverOpenTilt: 6, CoverCloseTilt: 5})
	case CoverVerticalBlinds:
		switch action {
		case CoverOpenTilt:
			return map[string]any{keyTiltPosition: 0}, nil
		case CoverCloseTilt:
			return map[string]any{keyTiltPosition: -90}, nil
		case CoverStopTilt:
			return map[string]any{keyTiltMotor: 2}, nil
		}
		return legacyMotion(action)
	}
	return nil, fmt.Errorf("cover variant %d: %w", c.variant, ErrUnsupported)
}

// legacyPosition opens and closes by absolute position.
func legacyPosition(action string) (map[string]any, error) {
	switch action {
	case CoverOpen:
		return map[string]any{keyPosition: 100}, nil
	case CoverClose:
		return map[string]any{keyPosition: 0}, nil
	}
	return nil, ErrUnsupported
}

func legacyMotion(action string) (map[string]any, error) {
	if action == CoverStop {
		return map[string]any{keyMotor: 2}, nil
	}
	return legacyPosition(action)
}

func motorCode(action string, codes map[string]int) (map[string]any, error) {
	code, ok := codes[action]
	if !ok {
		return nil, ErrUnsupported
	}
	return map[string]any{keyMotor: code}, nil
}

func (c *Cover) Snapshot() Snapshot {
	attrs := c.attrs()
	attrs["variant"] = c.variant.String()
	attrs["opening"] = c.opening
	attrs["closing"] = c.closing
	if closed, ok := c.Closed(); ok {
		attrs["closed"] = closed
	}
	if pct, ok := c.TiltPercent(); ok {
		attrs["tilt_position"] = pct
		attrs["tilt_angle"], _ = c.tilt.Get()
	}
	var state any
	if pos, ok := c.position.Get(); ok {
		state = pos
	}
	rev := c.position.Revision() + c.tilt.Revision()
	changed := c.position.ChangedAt()
	if t := c.tilt.ChangedAt(); t.After(changed) {
		changed = t
	}
	return c.snap(state, attrs, rev, changed)
}
