// Package event defines the record shape exchanged between event producers
// (an instrumentation runtime or an offline log reader) and the analyzer.
//
// An Event is a flat 5-tuple {Kind, Tid, PC, Addr, Info}. The Kind set is
// closed: producers must not invent kinds, and the analyzer treats an
// unknown kind as a protocol error. The meaning of Addr and Info depends
// on the kind (lock address, allocation size, child thread id, ...).
package event

// Kind identifies what an event describes.
type Kind uint8

// The closed event vocabulary. Order matters only for the name table.
const (
	Noop Kind = iota

	// Memory accesses.
	Read
	Write

	// Locks.
	WriterLock
	ReaderLock
	Unlock
	UnlockOrInit
	LockCreate
	LockDestroy
	HBLock    // annotation: treat this mutex as a pure happens-before lock
	NonHBLock // annotation: treat this mutex as a plain lockset mutex

	// Condition variables, semaphores, events.
	Signal
	Wait
	WaitBefore
	WaitAfter

	// Barriers.
	CyclicBarrierInit
	CyclicBarrierWaitBefore
	CyclicBarrierWaitAfter

	// Producer-consumer queues.
	PCQCreate
	PCQDestroy
	PCQPut
	PCQGet

	// Thread lifecycle.
	ThrStart
	ThrFirstInsn
	ThrEnd
	ThrCreateBefore
	ThrCreateAfter
	ThrJoinBefore
	ThrJoinAfter
	ThrStackTop
	ThrSetPtid

	// Call stack maintenance and trace boundaries.
	RtnCall
	RtnExit
	SBlockEnter
	StackTrace

	// Memory lifecycle.
	Malloc
	Free
	Mmap
	Munmap
	PublishRange
	UnpublishRange

	// Annotations.
	ExpectRace
	BenignRace
	FlushState
	IgnoreReadsBeg
	IgnoreReadsEnd
	IgnoreWritesBeg
	IgnoreWritesEnd
	SetThreadName
	TraceMem

	numKinds
)

// kindNames uses the wire spelling of the offline log format.
var kindNames = [numKinds]string{
	Noop:                    "NOOP",
	Read:                    "READ",
	Write:                   "WRITE",
	WriterLock:              "WRITER_LOCK",
	ReaderLock:              "READER_LOCK",
	Unlock:                  "UNLOCK",
	UnlockOrInit:            "UNLOCK_OR_INIT",
	LockCreate:              "LOCK_CREATE",
	LockDestroy:             "LOCK_DESTROY",
	HBLock:                  "HB_LOCK",
	NonHBLock:               "NON_HB_LOCK",
	Signal:                  "SIGNAL",
	Wait:                    "WAIT",
	WaitBefore:              "WAIT_BEFORE",
	WaitAfter:               "WAIT_AFTER",
	CyclicBarrierInit:       "CYCLIC_BARRIER_INIT",
	CyclicBarrierWaitBefore: "CYCLIC_BARRIER_WAIT_BEFORE",
	CyclicBarrierWaitAfter:  "CYCLIC_BARRIER_WAIT_AFTER",
	PCQCreate:               "PCQ_CREATE",
	PCQDestroy:              "PCQ_DESTROY",
	PCQPut:                  "PCQ_PUT",
	PCQGet:                  "PCQ_GET",
	ThrStart:                "THR_START",
	ThrFirstInsn:            "THR_FIRST_INSN",
	ThrEnd:                  "THR_END",
	ThrCreateBefore:         "THR_CREATE_BEFORE",
	ThrCreateAfter:          "THR_CREATE_AFTER",
	ThrJoinBefore:           "THR_JOIN_BEFORE",
	ThrJoinAfter:            "THR_JOIN_AFTER",
	ThrStackTop:             "THR_STACK_TOP",
	ThrSetPtid:              "THR_SET_PTID",
	RtnCall:                 "RTN_CALL",
	RtnExit:                 "RTN_EXIT",
	SBlockEnter:             "SBLOCK_ENTER",
	StackTrace:              "STACK_TRACE",
	Malloc:                  "MALLOC",
	Free:                    "FREE",
	Mmap:                    "MMAP",
	Munmap:                  "MUNMAP",
	PublishRange:            "PUBLISH_RANGE",
	UnpublishRange:          "UNPUBLISH_RANGE",
	ExpectRace:              "EXPECT_RACE",
	BenignRace:              "BENIGN_RACE",
	FlushState:              "FLUSH_STATE",
	IgnoreReadsBeg:          "IGNORE_READS_BEG",
	IgnoreReadsEnd:          "IGNORE_READS_END",
	IgnoreWritesBeg:         "IGNORE_WRITES_BEG",
	IgnoreWritesEnd:         "IGNORE_WRITES_END",
	SetThreadName:           "SET_THREAD_NAME",
	TraceMem:                "TRACE_MEM",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		m[kindNames[k]] = k
	}
	return m
}()

// String returns the wire spelling of the kind.
func (k Kind) String() string {
	if k >= numKinds {
		return "UNKNOWN"
	}
	return kindNames[k]
}

// KindByName resolves the wire spelling used in offline logs.
// The second result is false for names outside the closed set.
func KindByName(name string) (Kind, bool) {
	k, ok := kindByName[name]
	return k, ok
}

// Event is the fixed-shape record produced for every observed operation.
//
// Tid is dense in [0, N). PC is the program counter of the operation.
// Addr and Info carry kind-specific payload: the accessed address and
// size for Read/Write, the sync object address for lock/signal events,
// the child tid for thread lifecycle events, and so on.
type Event struct {
	Kind Kind
	Tid  uint32
	PC   uint64
	Addr uint64
	Info uint64
}

// IsAccess reports whether the event is a memory access.
func (e Event) IsAccess() bool { return e.Kind == Read || e.Kind == Write }

// IsLifecycle reports whether the event starts or ends a thread. Lifecycle
// events force a TLEB flush so the analyzer observes them promptly.
func (e Event) IsLifecycle() bool {
	switch e.Kind {
	case ThrStart, ThrEnd, ThrCreateBefore, ThrCreateAfter, ThrJoinBefore, ThrJoinAfter:
		return true
	}
	return false
}

// IsThreadLocal reports whether the event only affects the issuing
// thread's own state (accesses, call stack, trace boundaries, ignores).
// Everything else — sync objects, lifecycle, memory lifecycle,
// annotations — has cross-thread effect and must reach the analyzer in
// log order relative to other threads' events.
func (e Event) IsThreadLocal() bool {
	switch e.Kind {
	case Noop, Read, Write, RtnCall, RtnExit, SBlockEnter, StackTrace,
		ThrFirstInsn, IgnoreReadsBeg, IgnoreReadsEnd, IgnoreWritesBeg, IgnoreWritesEnd:
		return true
	}
	return false
}

// IsSync reports whether the event manipulates a synchronization object.
func (e Event) IsSync() bool {
	switch e.Kind {
	case WriterLock, ReaderLock, Unlock, UnlockOrInit, LockCreate, LockDestroy,
		HBLock, NonHBLock, Signal, Wait, WaitBefore, WaitAfter,
		CyclicBarrierInit, CyclicBarrierWaitBefore, CyclicBarrierWaitAfter,
		PCQCreate, PCQDestroy, PCQPut, PCQGet:
		return true
	}
	return false
}
