package telemetry

import (
	"fmt"
	"strings"
)

// Lock states as rendered to hosts.
const (
	StateLocked   = "locked"
	StateUnlocked = "unlocked"
	StateJammed   = "jammed"
	StateProblem  = "problem"
)

// Lock batch keys besides the shared telemetry.
const (
	keyBackVersion   = "back_version"
	keyLiBattery     = "li battery"
	keyLiBatteryTemp = "li battery temperature"
	keyLatchState    = "latch_state"
	keyUnlockBy      = "unlock by"

	notificationUnknown = "Unknown"
)

// lockStates maps the lock code to the host lock state. Anything else is
// StateProblem.
var lockStates = map[string]string{
	"0": StateUnlocked,
	"1": StateLocked,
	"2": StateUnlocked,
	"3": StateLocked,
	"4": StateJammed,
	"5": StateLocked,
}

var lockStatusText = map[string]string{
	"0": "Unlocked",
	"1": "Locked",
	"2": "Door Not Closed",
	"3": "Latch Bolt Out",
	"4": "Lock Damaged",
	"5": "Concealed",
}

var latchStatusText = map[string]string{
	"0": "Unlocked",
	"1": "Locked",
	"2": "Anti-lock",
}

// notification renders one lock event key. A value missing from values
// falls back to text.
type notification struct {
	text   string
	values map[string]string
}

func (n notification) render(v any) string {
	if s, ok := n.values[codeString(v)]; ok {
		return s
	}
	return n.text
}

var lockNotifications = map[string]notification{
	"doorbell":            {text: "Doorbell"},
	"verification failed": {text: "Verification Failed"},
	"lock by handle": {text: "Handle Operated", values: map[string]string{
		"0": "Unlocked by Handle",
		"1": "Locked by Handle",
	}},
	"auto locking": {text: "Auto Locking", values: map[string]string{
		"0": "Auto Locking Off",
		"1": "Auto Locked",
	}},
	"abnormal condition": {text: "Abnormal Condition", values: map[string]string{
		"1": "Door Not Closed",
		"2": "Lock Damaged",
		"3": "Wrong Password Alarm",
		"4": "Pry Alarm",
	}},
	"battery notify": {text: "Battery Notice", values: map[string]string{
		"0": "Battery Low",
		"1": "Battery Normal",
	}},
	"li battery notify": {text: "Li Battery Notice", values: map[string]string{
		"0": "Li Battery Low",
		"1": "Li Battery Normal",
	}},
}

// codeString renders a raw code the way the lookup tables key it:
// integral numbers without a fraction, everything else as printed.
func codeString(v any) string {
	if n, ok := toInt(v); ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Sprint(n)
		}
	}
	return fmt.Sprint(v)
}

// lastNotification returns the rendered text of the last notification key
// of b in lexical order.
func lastNotification(b Batch) (string, bool) {
	var text string
	found := false
	for _, k := range b.Keys() {
		if n, ok := lockNotifications[k]; ok {
			text, found = n.render(b[k]), true
		}
	}
	return text, found
}

// LockSensor is the lock's summary entity: the lock state plus status text
// and the last notification.
type LockSensor struct {
	base

	state     Value[string]
	liBattery bool

	firmware     any
	liLevel      any
	liTemp       any
	lockStatus   any
	latchStatus  any
	notification string
}

func newLockSensor(b base, p Profile) *LockSensor {
	return &LockSensor{base: b, liBattery: p.LiBattery, notification: notificationUnknown}
}

// Update applies one batch.
func (l *LockSensor) Update(b Batch) {
	l.common.Apply(b)
	if v, ok := b[keyBackVersion]; ok {
		l.firmware = v
	}
	if v, ok := b[keyLiBattery]; ok {
		l.liLevel = v
	}
	if t, ok := b.Float(keyLiBatteryTemp); ok {
		l.liTemp = t / 10
	}
	if v, ok := b[keyLatchState]; ok {
		code := codeString(v)
		if text, known := latchStatusText[code]; known {
			l.latchStatus = text
		} else {
			l.latchStatus = code
		}
	}
	if text, ok := lastNotification(b); ok {
		l.notification = text
	}
	if v, ok := b[l.attr]; ok {
		code := codeString(v)
		state, known := lockStates[code]
		if !known {
			state = StateProblem
		}
		l.state.Set(state, l.env.Sched.Now())
		if text, known := lockStatusText[code]; known {
			l.lockStatus = text
		} else {
			l.lockStatus = code
		}
	}
	l.env.notify(l.Snapshot())
}

func (l *LockSensor) Snapshot() Snapshot {
	attrs := l.attrs()
	if l.firmware != nil {
		attrs[AttrFirmware] = l.firmware
	}
	attrs["lock_status"] = l.lockStatus
	attrs["latch_status"] = l.latchStatus
	attrs["notification"] = l.notification
	if l.liBattery {
		attrs["li_battery"] = l.liLevel
		attrs["li_battery_temperature"] = l.liTemp
	}
	var state any
	if v, ok := l.state.Get(); ok {
		state = v
	}
	return l.snap(state, attrs, l.state.Revision(), l.state.ChangedAt())
}

// KeyID reports which key, card or finger last opened the lock. Any
// "unlock by ..." key carries the id.
type KeyID struct {
	base
	state Value[string]
}

func newKeyID(b base) *KeyID {
	return &KeyID{base: b}
}

// Update applies one batch.
func (k *KeyID) Update(b Batch) {
	for _, key := range b.Keys() {
		if key == k.attr || strings.Contains(key, keyUnlockBy) {
			k.state.Set(fmt.Sprint(b[key]), k.env.Sched.Now())
		}
	}
	k.env.notify(k.Snapshot())
}

func (k *KeyID) Snapshot() Snapshot {
	var state any
	if v, ok := k.state.Get(); ok {
		state = v
	}
	return k.snap(state, nil, k.state.Revision(), k.state.ChangedAt())
}

// LockEvent renders the last lock notification as its state.
type LockEvent struct {
	base
	state Value[string]
}

func newLockEvent(b base) *LockEvent {
	return &LockEvent{base: b}
}

// Update applies one batch.
func (e *LockEvent) Update(b Batch) {
	if text, ok := lastNotification(b); ok {
		e.state.Set(text, e.env.Sched.Now())
	}
	e.env.notify(e.Snapshot())
}

func (e *LockEvent) Snapshot() Snapshot {
	var state any
	if v, ok := e.state.Get(); ok {
		state = v
	}
	return e.snap(state, nil, e.state.Revision(), e.state.ChangedAt())
}
