// Package syncobj tracks the state of every synchronization primitive the
// event stream mentions: locks, condition variables and semaphores,
// cyclic barriers, and producer-consumer queues.
//
// Objects are keyed by address and created lazily on first use (or
// eagerly on LOCK_CREATE). LOCK_DESTROY removes the entry; a later event
// on the same address gets a fresh object, and the map remembers the
// address so the analyzer can diagnose the reuse.
package syncobj

import "github.com/kolkov/hybridsan/internal/race/vectorclock"

// LockState carries the happens-before and ownership state of one mutex.
type LockState struct {
	// Release is the clock snapshot of the last writer unlock. Writer and
	// reader acquires join it: every critical section happens-after the
	// previous writer section.
	Release vectorclock.Clock

	// ReaderRelease accumulates reader unlocks. Only writer acquires join
	// it, so two readers never become ordered through the lock.
	ReaderRelease vectorclock.Clock

	// PureHB upgrades the mutex to full happens-before treatment in
	// hybrid mode (the MutexIsUsedAsCondVar annotation).
	PureHB bool

	// Recursion counts nested writer acquires by Owner. Only the
	// outermost acquire and release have HB and lockset effects.
	Recursion int
	Owner     uint32
}

// SignalState carries the clock of the last SIGNAL on a condition
// variable, semaphore, or event object. Repeated signals join into it.
type SignalState struct {
	VC vectorclock.Clock
}

// BarrierState tracks one cyclic barrier.
type BarrierState struct {
	// Count is the participant count from CYCLIC_BARRIER_INIT.
	Count int

	// Arrived and Pending accumulate the current phase: every
	// WAIT_BEFORE joins the caller's clock into Pending. When Arrived
	// reaches Count the pending clock is published as Phase and the
	// accumulator resets.
	Arrived int
	Pending vectorclock.Clock

	// Phase is adopted by every WAIT_AFTER.
	Phase vectorclock.Clock
}

// PCQState is a FIFO of per-put clock snapshots, consumed by matching
// gets.
type PCQState struct {
	FIFO []vectorclock.Clock
}

// Object is the per-address record. Exactly one of the sub-states is
// normally populated, but nothing stops a confused program from using
// one address as both a lock and a condvar; each role keeps its own
// state.
type Object struct {
	Addr uint64

	Lock    *LockState
	Signal  *SignalState
	Barrier *BarrierState
	PCQ     *PCQState
}

// Map owns all sync objects. Owned exclusively by the analyzer.
type Map struct {
	objs      map[uint64]*Object
	destroyed map[uint64]struct{}
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		objs:      make(map[uint64]*Object),
		destroyed: make(map[uint64]struct{}),
	}
}

// Len returns the number of live sync objects.
func (m *Map) Len() int { return len(m.objs) }

// GetOrCreate returns the object at addr, creating it on first use.
// reused reports that addr was destroyed earlier and is now being used
// again, a common defect pattern worth a diagnostic.
func (m *Map) GetOrCreate(addr uint64) (obj *Object, reused bool) {
	if o, ok := m.objs[addr]; ok {
		return o, false
	}
	_, reused = m.destroyed[addr]
	if reused {
		delete(m.destroyed, addr)
	}
	o := &Object{Addr: addr}
	m.objs[addr] = o
	return o, reused
}

// Destroy removes the object at addr. Destroying an unknown address is
// tolerated (the program may destroy a never-contended lock).
func (m *Map) Destroy(addr uint64) {
	delete(m.objs, addr)
	m.destroyed[addr] = struct{}{}
}

// LockAt returns the lock state at addr, creating object and state as
// needed.
func (m *Map) LockAt(addr uint64) (*LockState, bool) {
	o, reused := m.GetOrCreate(addr)
	if o.Lock == nil {
		o.Lock = &LockState{}
	}
	return o.Lock, reused
}

// SignalAt returns the signal state at addr, creating it as needed.
func (m *Map) SignalAt(addr uint64) *SignalState {
	o, _ := m.GetOrCreate(addr)
	if o.Signal == nil {
		o.Signal = &SignalState{}
	}
	return o.Signal
}

// BarrierAt returns the barrier state at addr, creating it as needed.
func (m *Map) BarrierAt(addr uint64) *BarrierState {
	o, _ := m.GetOrCreate(addr)
	if o.Barrier == nil {
		o.Barrier = &BarrierState{}
	}
	return o.Barrier
}

// PCQAt returns the queue state at addr, creating it as needed.
func (m *Map) PCQAt(addr uint64) *PCQState {
	o, _ := m.GetOrCreate(addr)
	if o.PCQ == nil {
		o.PCQ = &PCQState{}
	}
	return o.PCQ
}
