// Package tleb implements the event pipeline: per-thread buffers that
// batch events with minimal coordination and hand them to the single
// analyzer under one global serialization lock.
//
// Producers never block on each other except at flush points. Within a
// thread, events reach the analyzer in append order; across threads, the
// observation order is the order in which flushes win the global lock.
//
// Three locking schemes are supported:
//
//   - ON_FLUSH: the lock is taken once per flush. Simplest; producers may
//     contend.
//   - SEPARATE_THREAD: a flush copies the buffer onto a bounded queue
//     drained by a dedicated consumer goroutine. If the queue outgrows
//     its soft bound the producer drains it inline under the lock, which
//     keeps growth bounded without blocking the common case.
//   - ON_SYSCALL: the producer keeps the lock across many flushes,
//     releasing only at syscall boundaries or after an event budget.
//     Minimizes lock thrash in CPU-bound regions.
package tleb

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/hybridsan/internal/race/config"
	"github.com/kolkov/hybridsan/internal/race/event"
)

const (
	// DefaultCapacity is the per-thread buffer size in event slots.
	DefaultCapacity = 2046

	// DefaultQueueSoftBound is the SEPARATE_THREAD queue length beyond
	// which producers drain inline.
	DefaultQueueSoftBound = 100

	// syscallEventBudget bounds how many events one producer may push
	// through the analyzer while retaining the lock in ON_SYSCALL mode.
	syscallEventBudget = 1 << 18
)

// Consumer receives flushed batches. The pipeline guarantees calls are
// serialized under its global lock.
type Consumer interface {
	ConsumeBatch(tid uint32, evs []event.Event) error
}

type batch struct {
	tid uint32
	evs []event.Event
}

// Pipeline owns the global lock and, in SEPARATE_THREAD mode, the
// hand-off queue and its consumer goroutine.
type Pipeline struct {
	scheme   config.LockingScheme
	capacity int
	cons     Consumer

	mu sync.Mutex // the global analyzer lock

	// dmu serializes queue delivery: whoever drains (the consumer
	// goroutine or a producer over the soft bound) holds it across
	// pop+deliver, so batches always reach the analyzer in queue order.
	dmu sync.Mutex

	qmu       sync.Mutex
	qcond     *sync.Cond
	queue     []batch
	softBound int
	stopping  bool

	g *errgroup.Group

	errMu sync.Mutex
	err   error // first consumer error; the pipeline is dead after one
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithCapacity overrides the per-thread buffer size.
func WithCapacity(n int) Option {
	return func(p *Pipeline) { p.capacity = n }
}

// WithQueueSoftBound overrides the SEPARATE_THREAD inline-drain
// threshold.
func WithQueueSoftBound(n int) Option {
	return func(p *Pipeline) { p.softBound = n }
}

// NewPipeline builds a pipeline feeding cons. In SEPARATE_THREAD mode
// the consumer goroutine starts immediately.
func NewPipeline(scheme config.LockingScheme, cons Consumer, opts ...Option) *Pipeline {
	p := &Pipeline{
		scheme:    scheme,
		capacity:  DefaultCapacity,
		cons:      cons,
		softBound: DefaultQueueSoftBound,
	}
	p.qcond = sync.NewCond(&p.qmu)
	for _, o := range opts {
		o(p)
	}
	if scheme == config.SeparateThread {
		p.g = &errgroup.Group{}
		p.g.Go(p.consumeLoop)
	}
	return p
}

// fail records the first consumer error. Later operations return it.
func (p *Pipeline) fail(err error) error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
	return p.err
}

func (p *Pipeline) failed() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// deliver pushes one batch through the consumer under the global lock.
func (p *Pipeline) deliver(tid uint32, evs []event.Event) error {
	if err := p.failed(); err != nil {
		return err
	}
	p.mu.Lock()
	err := p.cons.ConsumeBatch(tid, evs)
	p.mu.Unlock()
	if err != nil {
		return p.fail(err)
	}
	return nil
}

// consumeLoop is the SEPARATE_THREAD drain goroutine.
func (p *Pipeline) consumeLoop() error {
	for {
		// Wait for work without holding dmu, so a producer draining
		// inline is never blocked behind an idle consumer.
		p.qmu.Lock()
		for len(p.queue) == 0 && !p.stopping {
			p.qcond.Wait()
		}
		if len(p.queue) == 0 && p.stopping {
			p.qmu.Unlock()
			return nil
		}
		p.qmu.Unlock()

		// Re-check under dmu: an inline drain may have emptied the queue.
		p.dmu.Lock()
		p.qmu.Lock()
		if len(p.queue) == 0 {
			p.qmu.Unlock()
			p.dmu.Unlock()
			continue
		}
		b := p.queue[0]
		p.queue = p.queue[1:]
		p.qmu.Unlock()

		err := p.deliver(b.tid, b.evs)
		p.dmu.Unlock()
		if err != nil {
			return err
		}
	}
}

// Drain stops the consumer goroutine (if any) and pushes every queued
// batch through the analyzer. Called at finalization after all buffers
// are closed.
func (p *Pipeline) Drain() error {
	if p.scheme != config.SeparateThread {
		return p.failed()
	}
	p.qmu.Lock()
	p.stopping = true
	p.qcond.Broadcast()
	p.qmu.Unlock()
	if err := p.g.Wait(); err != nil {
		return err
	}
	// The consumer exits when the queue is empty, but a racing producer
	// may have appended after the last wakeup.
	p.dmu.Lock()
	defer p.dmu.Unlock()
	p.qmu.Lock()
	rest := p.queue
	p.queue = nil
	p.qmu.Unlock()
	for _, b := range rest {
		if err := p.deliver(b.tid, b.evs); err != nil {
			return err
		}
	}
	return p.failed()
}

// Buffer is one thread's TLEB. Not safe for concurrent use: exactly one
// producer owns it.
type Buffer struct {
	tid  uint32
	pipe *Pipeline
	buf  []event.Event
	dead bool

	// ON_SYSCALL state machine: holdingLock distinguishes
	// RUNNING_WITH_LOCK from RUNNING_NO_LOCK; consumed counts events
	// pushed under the held lock.
	holdingLock bool
	consumed    int
}

// NewBuffer creates the TLEB for tid.
func (p *Pipeline) NewBuffer(tid uint32) *Buffer {
	return &Buffer{
		tid:  tid,
		pipe: p,
		buf:  make([]event.Event, 0, p.capacity),
	}
}

// Append adds one event, flushing first if the buffer would overflow.
// Thread lifecycle events force a flush immediately after the append so
// the analyzer observes them promptly. Appending to a closed buffer is a
// protocol error.
func (b *Buffer) Append(e event.Event) error {
	if b.dead {
		return errors.Newf("append to TLEB of finished tid %d", b.tid)
	}
	if len(b.buf) == cap(b.buf) {
		if err := b.flush(); err != nil {
			return err
		}
	}
	b.buf = append(b.buf, e)
	if e.IsLifecycle() {
		return b.flush()
	}
	return nil
}

// FlushSyscall flushes at a syscall boundary. In ON_SYSCALL mode this is
// also where a lock-holding producer releases the global lock.
func (b *Buffer) FlushSyscall() error {
	if b.dead {
		return errors.Newf("flush of TLEB of finished tid %d", b.tid)
	}
	if err := b.flush(); err != nil {
		return err
	}
	b.releaseLock()
	return nil
}

// Flush hands the current contents to the analyzer.
func (b *Buffer) Flush() error {
	if b.dead {
		return errors.Newf("flush of TLEB of finished tid %d", b.tid)
	}
	return b.flush()
}

// Close drains the buffer and marks it dead. Any later append or flush
// is a hard error.
func (b *Buffer) Close() error {
	if b.dead {
		return nil
	}
	err := b.flush()
	b.releaseLock()
	b.dead = true
	return err
}

func (b *Buffer) flush() error {
	if len(b.buf) == 0 {
		return b.pipe.failed()
	}
	evs := b.buf
	b.buf = make([]event.Event, 0, b.pipe.capacity)

	switch b.pipe.scheme {
	case config.SeparateThread:
		return b.enqueue(evs)
	case config.OnSyscall:
		return b.flushHoldingLock(evs)
	default: // ON_FLUSH
		return b.pipe.deliver(b.tid, evs)
	}
}

// enqueue implements the SEPARATE_THREAD hand-off with its soft bound.
func (b *Buffer) enqueue(evs []event.Event) error {
	p := b.pipe
	p.qmu.Lock()
	p.queue = append(p.queue, batch{tid: b.tid, evs: evs})
	over := len(p.queue) > p.softBound
	p.qcond.Signal()
	p.qmu.Unlock()

	if !over {
		return p.failed()
	}

	// Over the soft bound: this producer pays for the backlog inline so
	// the queue cannot grow without bound. dmu keeps delivery in queue
	// order even while the consumer goroutine has a batch in flight.
	p.dmu.Lock()
	p.qmu.Lock()
	drained := p.queue
	p.queue = nil
	p.qmu.Unlock()
	for _, q := range drained {
		if err := p.deliver(q.tid, q.evs); err != nil {
			p.dmu.Unlock()
			return err
		}
	}
	p.dmu.Unlock()
	return p.failed()
}

// flushHoldingLock implements ON_SYSCALL: acquire once, keep the lock
// across subsequent flushes, release at a syscall boundary or after the
// event budget.
func (b *Buffer) flushHoldingLock(evs []event.Event) error {
	p := b.pipe
	if err := p.failed(); err != nil {
		return err
	}
	if !b.holdingLock {
		p.mu.Lock()
		b.holdingLock = true
		b.consumed = 0
	}
	err := p.cons.ConsumeBatch(b.tid, evs)
	if err != nil {
		p.mu.Unlock()
		b.holdingLock = false
		return p.fail(err)
	}
	b.consumed += len(evs)
	if b.consumed >= syscallEventBudget {
		b.releaseLock()
	}
	return nil
}

func (b *Buffer) releaseLock() {
	if b.holdingLock {
		b.holdingLock = false
		b.consumed = 0
		b.pipe.mu.Unlock()
	}
}
