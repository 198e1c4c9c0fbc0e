package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// GestureWindow is how long a decoded click stays in the capsule.
const GestureWindow = 100 * time.Millisecond

// GestureFlavor selects the rule set of a gesture entity.
type GestureFlavor int

const (
	GestureButton GestureFlavor = iota // wall switches and remotes
	GestureAction                      // cubes, knobs, vibration sensors
)

const (
	keyButton         = "button"
	keyButtonBoth     = "button_both"
	keyAction         = "action"
	keyActionDuration = "action_duration"
	keyVibration      = "vibration"
	keyTiltAngle      = "tilt_angle"
	keyRotateAngle    = "rotate_angle"
	keyTripleClick    = "triple_click"
	keyScense         = "scense"

	vibrationTilt = 2
)

// settingKeys are device settings echoed in action batches. They are kept
// as attributes, never as gesture state.
var settingKeys = []string{
	"mode",
	"vibration_level",
	"detect_interval",
	"vibrate_intensity_level",
	"report_interval_level",
}

// Decoded is the single result of decoding one batch.
type Decoded struct {
	Rule       string
	Label      string         // empty when the batch carries no gesture
	Details    map[string]any // extra fields published with the click event
	Settings   map[string]any
	Angle      any // raw rotate angle, kept even without a rotation label
	Suppressed bool
}

// gestureKey is a batch key split on the optional ":code" suffix.
type gestureKey struct {
	name string
	code any
}

func splitKeys(b Batch) []gestureKey {
	keys := make([]gestureKey, 0, len(b))
	for _, k := range b.Keys() {
		name, code := k, b[k]
		if i := strings.IndexByte(k, ':'); i >= 0 {
			if n, ok := toInt(k[i+1:]); ok {
				name, code = k[:i], n
			}
		}
		keys = append(keys, gestureKey{name: name, code: code})
	}
	return keys
}

// gestureRule is one (predicate, handler) pair. Rules are evaluated in
// order and the first match wins.
type gestureRule struct {
	name  string
	match func(b Batch, keys []gestureKey) (Decoded, bool)
}

// The order below is a compatibility contract; do not reorder.
var buttonRules = []gestureRule{
	{"button_both", matchButtonBoth},
	{"button", matchSingle(keyButton, buttonCodes)},
	{"button_n", matchPrefixed(keyButton, func(c any) string { return lookupCode(buttonCodes, c) }, keyButtonBoth)},
}

var actionRules = []gestureRule{
	{"action", matchSingle(keyAction, nil)},
	{"vibration", matchVibration},
	{"tilt_angle", matchTilt},
	{"rotate_angle", matchRotate},
	{"triple_click", matchTripleClick},
	{"action_n", matchPrefixed(keyAction, cubeLabel, keyActionDuration)},
	{"settings", matchSettings},
	{"scense", matchScense},
}

// DecodeGesture runs the rule set of flavor over b. It never mutates b.
func DecodeGesture(flavor GestureFlavor, b Batch) Decoded {
	rules := buttonRules
	if flavor == GestureAction {
		rules = actionRules
	}
	keys := splitKeys(b)
	for _, r := range rules {
		if d, ok := r.match(b, keys); ok {
			d.Rule = r.name
			return d
		}
	}
	return Decoded{}
}

func matchButtonBoth(_ Batch, keys []gestureKey) (Decoded, bool) {
	for _, k := range keys {
		if strings.HasPrefix(k.name, keyButtonBoth) {
			return Decoded{Label: k.name + "_" + lookupCode(buttonBothCodes, k.code)}, true
		}
	}
	return Decoded{}, false
}

// matchSingle handles the bare "button"/"action" key. A voltage field in the
// same batch marks a heartbeat misreport and suppresses the whole batch.
func matchSingle(key string, table map[int64]string) func(Batch, []gestureKey) (Decoded, bool) {
	return func(b Batch, keys []gestureKey) (Decoded, bool) {
		for _, k := range keys {
			if k.name != key {
				continue
			}
			if b.Has(KeyVoltage) {
				return Decoded{Suppressed: true}, true
			}
			if table == nil {
				return Decoded{Label: cubeLabel(k.code)}, true
			}
			return Decoded{Label: lookupCode(table, k.code)}, true
		}
		return Decoded{}, false
	}
}

// matchPrefixed handles "button_1", "action_2" and friends.
func matchPrefixed(prefix string, label func(any) string, exclude string) func(Batch, []gestureKey) (Decoded, bool) {
	return func(_ Batch, keys []gestureKey) (Decoded, bool) {
		for _, k := range keys {
			if k.name == prefix || !strings.HasPrefix(k.name, prefix) || strings.HasPrefix(k.name, exclude) {
				continue
			}
			return Decoded{Label: k.name + "_" + label(k.code)}, true
		}
		return Decoded{}, false
	}
}

// matchVibration skips the tilt code; the tilt_angle key that follows it
// carries the real event.
func matchVibration(b Batch, _ []gestureKey) (Decoded, bool) {
	v, ok := b[keyVibration]
	if !ok {
		return Decoded{}, false
	}
	if code, ok := toInt(v); ok && code == vibrationTilt {
		return Decoded{}, false
	}
	return Decoded{Label: lookupCode(vibrationCodes, v)}, true
}

func matchTilt(b Batch, _ []gestureKey) (Decoded, bool) {
	angle, ok := b[keyTiltAngle]
	if !ok {
		return Decoded{}, false
	}
	return Decoded{
		Label:   "tilt",
		Details: map[string]any{keyVibration: vibrationTilt, "angle": angle},
	}, true
}

// matchRotate labels a knob rotation with the direction carried in the
// button code.
func matchRotate(b Batch, _ []gestureKey) (Decoded, bool) {
	angle, ok := b[keyRotateAngle]
	if !ok {
		return Decoded{}, false
	}
	d := Decoded{Angle: angle}
	button, ok := b[keyButton]
	if !ok {
		button = 0
	}
	if rotation := lookupCode(buttonCodes, button); rotation != labelUnknown {
		duration, ok := b[keyActionDuration]
		if !ok {
			duration = labelUnknown
		}
		d.Label = rotation
		d.Details = map[string]any{"duration": duration, "angle": angle}
	}
	return d, true
}

func matchTripleClick(b Batch, _ []gestureKey) (Decoded, bool) {
	v, ok := b[keyTripleClick]
	if !ok {
		return Decoded{}, false
	}
	return Decoded{Label: "triple", Details: map[string]any{keyTripleClick: v}}, true
}

func matchSettings(b Batch, _ []gestureKey) (Decoded, bool) {
	for _, k := range settingKeys {
		if v, ok := b[k]; ok {
			return Decoded{Settings: map[string]any{k: v}}, true
		}
	}
	return Decoded{}, false
}

func matchScense(_ Batch, keys []gestureKey) (Decoded, bool) {
	for _, k := range keys {
		if strings.HasPrefix(k.name, keyScense) {
			return Decoded{Label: k.name + "_" + fmt.Sprint(k.code)}, true
		}
	}
	return Decoded{}, false
}

// Gesture is a momentary click capsule: a decoded label holds for
// GestureWindow, then clears to empty.
type Gesture struct {
	base

	flavor       GestureFlavor
	withRotation bool

	label    Value[string]
	clear    Timer
	angle    any
	settings map[string]any
}

func newGesture(b base, flavor GestureFlavor, p Profile) *Gesture {
	return &Gesture{
		base:         b,
		flavor:       flavor,
		withRotation: p.WithRotation,
		clear:        newTimer(b.env.Sched),
		settings:     map[string]any{},
	}
}

// Update applies one batch.
func (g *Gesture) Update(b Batch) {
	g.common.Apply(b)
	if g.withRotation {
		g.angle = nil
	}

	d := DecodeGesture(g.flavor, b)
	if d.Suppressed {
		return
	}
	for k, v := range d.Settings {
		g.settings[k] = v
	}
	if d.Angle != nil {
		g.angle = d.Angle
	}
	if d.Label == "" {
		g.env.notify(g.Snapshot())
		return
	}

	g.label.Set(d.Label, g.env.Sched.Now())
	g.env.notify(g.Snapshot())

	event := map[string]any{"entity_id": g.id, "click_type": d.Label}
	for k, v := range d.Details {
		event[k] = v
	}
	g.env.fire(EventClick, event)
	g.clear.Rearm(GestureWindow, g.reset)
}

func (g *Gesture) reset() {
	g.label.Set("", g.env.Sched.Now())
	g.env.notify(g.Snapshot())
}

// Label returns the current capsule content.
func (g *Gesture) Label() string {
	v, _ := g.label.Get()
	return v
}

// Close cancels the pending clear.
func (g *Gesture) Close() {
	g.clear.Cancel()
}

func (g *Gesture) Snapshot() Snapshot {
	attrs := g.attrs()
	for k, v := range g.settings {
		attrs[k] = v
	}
	if g.withRotation {
		attrs["angle"] = g.angle
	}
	return g.snap(g.Label(), attrs, g.label.Revision(), g.label.ChangedAt())
}
