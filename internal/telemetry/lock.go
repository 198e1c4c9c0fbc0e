package telemetry

// LockFlavor selects which of the three lock booleans an entity derives.
type LockFlavor int

const (
	LockDoor  LockFlavor = iota // door open
	LockBolt                    // unlocked ("auto locking" / "lock by handle")
	LockLatch                   // latch open
)

const (
	keyDoorCode = "door"
	keyLockCode = "lock"
)

// lockTriple is the {door-open, unlocked, latch-open} state guessed from a
// door code. True means open or unlocked.
type lockTriple struct {
	door, unlocked, latch bool
}

var doorCodes = map[int64]lockTriple{
	2: {door: true, unlocked: true, latch: true},    // door not closed
	3: {door: false, unlocked: true, latch: true},   // door not locked
	4: {door: false, unlocked: false, latch: true},  // locked
	5: {door: false, unlocked: true, latch: false},  // auto-locked
	6: {door: false, unlocked: true, latch: true},   // unlocked
	7: {door: false, unlocked: false, latch: false}, // locked and auto-locked
}

// lockCodes maps the independent lock code to door-open.
var lockCodes = map[int64]bool{
	0: true,  // open
	1: false, // closed
	2: true,  // not closed
	4: true,  // lock damaged
	5: true,  // concealed
}

// DoorCodeState returns the door/unlocked/latch triple for a door code.
func DoorCodeState(code int64) (door, unlocked, latch, ok bool) {
	t, ok := doorCodes[code]
	return t.door, t.unlocked, t.latch, ok
}

// Lock resolves one boolean of a door lock from the two raw encodings.
type Lock struct {
	base
	flavor LockFlavor
	state  Value[bool]
}

func newLock(b base, flavor LockFlavor) *Lock {
	return &Lock{base: b, flavor: flavor}
}

// Update applies one batch. Codes outside the tables leave the state alone.
func (l *Lock) Update(b Batch) {
	l.common.Apply(b)
	now := l.env.Sched.Now()

	switch l.flavor {
	case LockDoor:
		if b.Has(keyLockCode) {
			if code, ok := b.Int(keyLockCode); ok {
				if open, ok := lockCodes[code]; ok {
					l.state.Set(open, now)
				}
			}
		} else if t, ok := l.doorTriple(b); ok {
			l.state.Set(t.door, now)
		}
	case LockBolt, LockLatch:
		// Raw flag 1 means locked.
		if v, ok := b[l.attr]; ok {
			l.state.Set(!truthy(v), now)
		} else if t, ok := l.doorTriple(b); ok {
			if l.flavor == LockBolt {
				l.state.Set(t.unlocked, now)
			} else {
				l.state.Set(t.latch, now)
			}
		}
	}
	l.env.notify(l.Snapshot())
}

func (l *Lock) doorTriple(b Batch) (lockTriple, bool) {
	code, ok := b.Int(keyDoorCode)
	if !ok {
		return lockTriple{}, false
	}
	t, ok := doorCodes[code]
	return t, ok
}

func (l *Lock) Snapshot() Snapshot {
	return l.snap(onOff(&l.state), l.attrs(), l.state.Revision(), l.state.ChangedAt())
}
