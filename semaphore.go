package nanokernel

import (
	"fmt"
	"math"
)

// MaxSemaphoreLimit is the largest count a semaphore may hold, and the
// default limit.
const MaxSemaphoreLimit = math.MaxUint32

// WaitResult is the outcome of a wait.
type WaitResult uint8

const (
	// Available indicates the wait succeeded.
	Available WaitResult = iota
	// Unavailable indicates a poll found nothing available.
	Unavailable
	// TimedOut indicates the deadline passed before the wait succeeded.
	TimedOut
	// Reset indicates the object was reset while waiting.
	Reset
	// Busy indicates another context is already waiting, where only one
	// waiter is permitted.
	Busy
)

// String returns a human-readable representation of the result.
func (r WaitResult) String() string {
	switch r {
	case Available:
		return "Available"
	case Unavailable:
		return "Unavailable"
	case TimedOut:
		return "TimedOut"
	case Reset:
		return "Reset"
	case Busy:
		return "Busy"
	default:
		return fmt.Sprintf("WaitResult(%d)", uint8(r))
	}
}

// WaitOrder is the order in which blocked fibers are woken.
type WaitOrder uint8

const (
	// OrderFIFO wakes waiters in the order they started waiting.
	OrderFIFO WaitOrder = iota
	// OrderPriority wakes the highest priority waiter first, in FIFO order
	// within a priority.
	OrderPriority
)

// Semaphore is a counting semaphore. Fibers may block on it, tasks may poll
// it, and any context, including interrupt handlers, may give it.
//
// The count is only ever positive while no fiber is waiting: a give either
// wakes exactly one waiter or increments the count.
type Semaphore struct {
	k     *Kernel
	waitQ contextList
	count uint32
	limit uint32
	order WaitOrder
}

type semaphoreOptions struct {
	initial uint32
	limit   uint32
	order   WaitOrder
}

// SemaphoreOption configures a Semaphore.
type SemaphoreOption interface {
	applySemaphore(*semaphoreOptions) error
}

type semaphoreOptionImpl struct {
	applySemaphoreFunc func(*semaphoreOptions) error
}

func (x *semaphoreOptionImpl) applySemaphore(opts *semaphoreOptions) error {
	return x.applySemaphoreFunc(opts)
}

// WithInitialCount sets the initial count, which defaults to 0.
func WithInitialCount(n uint32) SemaphoreOption {
	return &semaphoreOptionImpl{func(opts *semaphoreOptions) error {
		opts.initial = n
		return nil
	}}
}

// WithLimit caps the count. Gives that would exceed it are discarded.
func WithLimit(n uint32) SemaphoreOption {
	return &semaphoreOptionImpl{func(opts *semaphoreOptions) error {
		if n == 0 {
			return fmt.Errorf("nanokernel: semaphore limit must be positive")
		}
		opts.limit = n
		return nil
	}}
}

// WithWaitOrder sets the order blocked fibers are woken in. Defaults to
// OrderFIFO.
func WithWaitOrder(order WaitOrder) SemaphoreOption {
	return &semaphoreOptionImpl{func(opts *semaphoreOptions) error {
		switch order {
		case OrderFIFO, OrderPriority:
		default:
			return fmt.Errorf("nanokernel: invalid wait order: %d", order)
		}
		opts.order = order
		return nil
	}}
}

// NewSemaphore creates a semaphore bound to the kernel.
func (k *Kernel) NewSemaphore(opts ...SemaphoreOption) (*Semaphore, error) {
	cfg := semaphoreOptions{limit: MaxSemaphoreLimit}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySemaphore(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.initial > cfg.limit {
		return nil, fmt.Errorf("nanokernel: semaphore initial count %d exceeds limit %d", cfg.initial, cfg.limit)
	}
	return &Semaphore{
		k:     k,
		count: cfg.initial,
		limit: cfg.limit,
		order: cfg.order,
	}, nil
}

// Give signals the semaphore on behalf of c.
//
// If a fiber is waiting, the head waiter is woken with Available, and the
// count is unchanged. An interrupt caller only makes it ready. A task caller
// makes it ready then switches, letting ready fibers run. A fiber caller
// makes itself ready and hands the CPU to the woken fiber, even if the caller
// has the higher priority; a ready fiber at least as urgent as the woken one
// still runs first. If no fiber is waiting, the count is incremented, up to
// the limit.
func (s *Semaphore) Give(c Caller) {
	k := s.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(c)
	s.give(cur, c.callerKind())
}

// give implements Give.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (s *Semaphore) give(cur *contextRecord, kind callerKind) {
	k := s.k
	w := s.waitQ.popFront(&k.table)
	if w == nil {
		if s.count < s.limit {
			s.count++
		}
		return
	}
	k.wake(w, Available)
	switch kind {
	case callerInterrupt:
		k.schedule(w)
	case callerTask:
		k.schedule(w)
		k.swap(cur)
	case callerFiber:
		k.schedule(w)
		next := k.nextContext()
		k.schedule(cur)
		k.switchTo(cur, next)
	}
}

// Take polls the semaphore, decrementing the count if it is positive. It
// returns Available or Unavailable, and never blocks. It may be called from
// any context.
func (s *Semaphore) Take() WaitResult {
	defer s.k.mask.lock().unlock()
	return s.take()
}

// CALLER MUST HOLD THE INTERRUPT MASK.
func (s *Semaphore) take() WaitResult {
	if s.count == 0 {
		return Unavailable
	}
	s.count--
	return Available
}

// TakeWait takes the semaphore, blocking the fiber until it is given. It
// returns Available, or Reset if the semaphore was reset while waiting.
func (s *Semaphore) TakeWait(f *Fiber) WaitResult {
	return s.TakeWaitTimeout(f, Forever)
}

// TakeWaitTimeout takes the semaphore, blocking the fiber for at most
// timeout ticks. It returns Available, TimedOut, or Reset. NoWait behaves as
// Take, and Forever (or any negative timeout) waits without a deadline. A
// fiber that times out is no longer on the wait queue.
func (s *Semaphore) TakeWaitTimeout(f *Fiber, timeout Timeout) WaitResult {
	k := s.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(f)

	if r := s.take(); r == Available || timeout == NoWait {
		return r
	}

	s.enqueue(cur)
	if timeout > 0 {
		k.addTimeout(cur, timeout)
	}
	k.swap(cur)

	return cur.result
}

// TaskTakeWait takes the semaphore on behalf of a task, which cannot block
// on a wait queue. It polls, idling until an interrupt has been serviced
// between attempts, and lets any fibers made ready run. It returns
// Available, Unavailable for NoWait, or TimedOut once timeout ticks have
// passed.
func (s *Semaphore) TaskTakeWait(t *Task, timeout Timeout) WaitResult {
	k := s.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(t)

	deadline := k.now() + Ticks(max(timeout, 0))
	for {
		if s.take() == Available {
			return Available
		}
		switch {
		case timeout == NoWait:
			return Unavailable
		case timeout > 0 && k.now() >= deadline:
			return TimedOut
		}
		k.idle(cur)
	}
}

// Reset sets the count to zero, and wakes every waiting fiber with Reset.
// A task caller then switches, letting the woken fibers run.
func (s *Semaphore) Reset(c Caller) {
	k := s.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(c)

	s.count = 0
	var woken bool
	for w := s.waitQ.popFront(&k.table); w != nil; w = s.waitQ.popFront(&k.table) {
		k.wake(w, Reset)
		k.schedule(w)
		woken = true
	}

	if woken && c.callerKind() == callerTask {
		k.swap(cur)
	}
}

// Count returns the current count.
func (s *Semaphore) Count() uint32 {
	defer s.k.mask.lock().unlock()
	return s.count
}

// Waiting returns the number of fibers waiting.
func (s *Semaphore) Waiting() int {
	defer s.k.mask.lock().unlock()
	return s.waitQ.len
}

// enqueue blocks the current fiber on the wait queue, in wait order.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (s *Semaphore) enqueue(cur *contextRecord) {
	if cur.isTask() {
		panic(fmt.Errorf("%w: wait by task %s", ErrNotFiber, cur))
	}
	if cur.owner != ownerCPU {
		panic(fmt.Errorf("%w: wait by %s owned by %s", ErrAlreadyQueued, cur, cur.owner))
	}
	switch s.order {
	case OrderPriority:
		s.waitQ.insertByPriority(&s.k.table, cur)
	default:
		s.waitQ.pushBack(&s.k.table, cur)
	}
	cur.owner = ownerWait
	cur.waitQ = &s.waitQ
}

// wake detaches c, already removed from its wait queue, and records the
// result of its wait.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) wake(c *contextRecord, result WaitResult) {
	k.abortTimeout(c)
	c.owner = ownerNone
	c.waitQ = nil
	c.result = result
}
