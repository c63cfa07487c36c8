package nanokernel

import (
	"container/heap"
)

// Ticks counts system clock ticks since the kernel started.
type Ticks uint64

// Timeout bounds a wait, in ticks.
type Timeout int64

const (
	// NoWait makes a wait return immediately, as a poll.
	NoWait Timeout = 0
	// Forever makes a wait unbounded. Any negative Timeout is treated as
	// Forever.
	Forever Timeout = -1
)

// timeoutQueue is a min-heap of waiting contexts ordered by deadline, then by
// registration order. It implements heap.Interface.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
type timeoutQueue struct {
	table *contextTable
	ids   []ContextID
	seq   uint64
}

func (q *timeoutQueue) Len() int { return len(q.ids) }

func (q *timeoutQueue) Less(i, j int) bool {
	a, b := q.table.get(q.ids[i]), q.table.get(q.ids[j])
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.timeoutSeq < b.timeoutSeq
}

func (q *timeoutQueue) Swap(i, j int) {
	q.ids[i], q.ids[j] = q.ids[j], q.ids[i]
	q.table.get(q.ids[i]).timeoutIdx = i
	q.table.get(q.ids[j]).timeoutIdx = j
}

func (q *timeoutQueue) Push(x any) {
	c := x.(*contextRecord)
	c.timeoutIdx = len(q.ids)
	q.ids = append(q.ids, c.id)
}

func (q *timeoutQueue) Pop() any {
	n := len(q.ids) - 1
	c := q.table.get(q.ids[n])
	q.ids = q.ids[:n]
	c.timeoutIdx = -1
	return c
}

// peek returns the context with the earliest deadline.
func (q *timeoutQueue) peek() *contextRecord {
	if len(q.ids) == 0 {
		return nil
	}
	return q.table.get(q.ids[0])
}

// addTimeout registers a deadline for c, which must be waiting on a wait
// queue, timeout ticks from now.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) addTimeout(c *contextRecord, timeout Timeout) {
	if c.timeoutIdx >= 0 {
		panic(ErrAlreadyQueued)
	}
	q := &k.timeouts
	q.seq++
	c.timeoutSeq = q.seq
	c.deadline = k.now() + Ticks(timeout)
	heap.Push(q, c)
}

// abortTimeout cancels the deadline registered for c, if any.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) abortTimeout(c *contextRecord) {
	if c.timeoutIdx < 0 {
		return
	}
	heap.Remove(&k.timeouts, c.timeoutIdx)
}

// announce advances the tick counter by n, then expires every deadline that
// has been reached: the context is removed from its wait queue, told it
// timed out, and made ready.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) announce(n Ticks) {
	now := k.ticks.Add(uint64(n))
	for {
		c := k.timeouts.peek()
		if c == nil || c.deadline > Ticks(now) {
			return
		}
		heap.Pop(&k.timeouts)
		if c.owner != ownerWait || !c.waitQ.remove(&k.table, c) {
			panic(ErrAlreadyQueued)
		}
		c.waitQ = nil
		c.owner = ownerNone
		c.result = TimedOut
		k.stats.timeouts++
		k.logger.Trace().
			Stringer(`context`, c).
			Uint64(`deadline`, uint64(c.deadline)).
			Log(`wait timed out`)
		k.schedule(c)
	}
}

// now returns the current tick count.
func (k *Kernel) now() Ticks {
	return Ticks(k.ticks.Load())
}

// Ticks returns the number of ticks announced since the kernel was created.
func (k *Kernel) Ticks() Ticks {
	return k.now()
}

// Announce advances the system clock by n ticks, as the clock interrupt.
// Waits whose deadlines are reached time out. It is called by the real-time
// clock enabled by WithTickPeriod, and may be called directly, typically when
// the clock is disabled.
func (k *Kernel) Announce(n Ticks) error {
	if n == 0 {
		return nil
	}
	return k.Interrupt(func(*Interrupt) {
		defer k.mask.lock().unlock()
		k.announce(n)
	})
}
