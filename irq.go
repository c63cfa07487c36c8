package nanokernel

import (
	"fmt"
	"runtime"
	"sync"
)

// interruptMask is the single critical section guarding all kernel state.
// Holding mu is equivalent to running with interrupts masked. The idle
// condition is broadcast on every interrupt exit.
type interruptMask struct {
	mu   sync.Mutex
	idle sync.Cond
}

// irqKey is the scoped guard returned by interruptMask.lock.
//
//	defer k.mask.lock().unlock()
type irqKey struct {
	m *interruptMask
}

func (m *interruptMask) init() {
	m.idle.L = &m.mu
}

func (m *interruptMask) lock() irqKey {
	m.mu.Lock()
	return irqKey{m}
}

func (x irqKey) unlock() {
	x.m.mu.Unlock()
}

// callerKind discriminates the capability making a kernel call.
type callerKind uint8

const (
	callerInterrupt callerKind = iota
	callerFiber
	callerTask
)

// Caller is implemented by the capability types [*Fiber], [*Task] and
// [*Interrupt], identifying the context a kernel operation runs on behalf of.
// It cannot be implemented outside this package.
type Caller interface {
	callerKind() callerKind
	callerKernel() *Kernel
}

// Interrupt is the capability passed to an interrupt handler. It may give
// semaphores and post packets, but can never block or switch context. It is
// only valid until the handler returns.
type Interrupt struct {
	k    *Kernel
	done bool
}

func (x *Interrupt) callerKind() callerKind { return callerInterrupt }

func (x *Interrupt) callerKernel() *Kernel { return x.k }

// Kernel returns the kernel that delivered the interrupt.
func (x *Interrupt) Kernel() *Kernel { return x.k }

// Interrupt runs handler as an interrupt handler, on the calling goroutine.
// Handlers are serialized: there is a single interrupt level. On return, any
// task idling in the kernel is given the opportunity to observe the effects
// of the handler. Handlers must not call Interrupt or Announce.
func (k *Kernel) Interrupt(handler func(isr *Interrupt)) error {
	if handler == nil {
		panic(`nanokernel: nil interrupt handler`)
	}
	if k.isHalted() {
		return ErrKernelTerminated
	}

	k.isrMu.Lock()
	defer k.isrMu.Unlock()

	isr := &Interrupt{k: k}
	defer func() {
		defer k.mask.lock().unlock()
		isr.done = true
		k.stats.interrupts++
		k.mask.idle.Broadcast()
	}()

	handler(isr)

	return nil
}

// checkCaller validates that c may act now, returning the current context,
// or nil for an interrupt.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) checkCaller(c Caller) *contextRecord {
	if c == nil {
		panic(`nanokernel: nil caller`)
	}
	if c.callerKernel() != k {
		panic(ErrForeignKernel)
	}
	switch c := c.(type) {
	case *Interrupt:
		if c.done {
			panic(ErrInterruptDone)
		}
		return nil
	case *Fiber:
		return k.checkCurrent(c.c, c.gen)
	case *Task:
		return k.checkCurrent(c.c, c.gen)
	default:
		panic(fmt.Sprintf(`nanokernel: unexpected caller type %T`, c))
	}
}

func (k *Kernel) checkCurrent(c *contextRecord, gen uint32) *contextRecord {
	if !c.inUse || c.gen != gen {
		panic(ErrStaleHandle)
	}
	if k.current != c {
		panic(ErrNotCurrent)
	}
	if k.isHalted() {
		// the kernel halted while c was running
		runtime.Goexit()
	}
	return c
}

// nextContext removes and returns the context the CPU should run next: the
// head of the ready queue, or else the installed task.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) nextContext() *contextRecord {
	if c := k.ready.popFront(&k.table); c != nil {
		c.owner = ownerNone
		return c
	}
	if k.task == nil {
		panic(ErrNoReadyTask)
	}
	return k.task
}

// swap performs a context switch away from cur, which must already be
// queued wherever it belongs (or nowhere). Returns once cur is resumed, or
// immediately if cur is also the next context.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) swap(cur *contextRecord) {
	next := k.nextContext()
	if next == cur {
		cur.owner = ownerCPU
		return
	}
	k.switchTo(cur, next)
}

// switchTo hands the CPU from cur to next, and parks cur until resumed.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) switchTo(cur, next *contextRecord) {
	k.dispatchTo(next)
	k.park(cur)
}

// dispatchTo marks next as current and signals it, without parking.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) dispatchTo(next *contextRecord) {
	if next.owner != ownerNone && next.owner != ownerCPU {
		panic(fmt.Errorf("%w: dispatch of %s owned by %s", ErrAlreadyQueued, next, next.owner))
	}
	if k.current != next {
		k.stats.contextSwitches++
		k.logger.Trace().
			Stringer(`from`, k.current).
			Stringer(`to`, next).
			Log(`context switch`)
	}
	next.owner = ownerCPU
	k.current = next
	next.resume <- struct{}{}
}

// park releases the interrupt mask, blocks until cur is resumed, then
// re-acquires the mask. If the kernel halts or cur is killed while parked,
// the goroutine exits via runtime.Goexit, with the mask held, so deferred
// guards unwind normally. A killed cur must not be touched again, as its slot
// may already belong to another context.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) park(cur *contextRecord) {
	if cur.owner == ownerCPU {
		cur.owner = ownerNone
	}
	resume, kill := cur.resume, cur.kill
	k.mask.mu.Unlock()
	select {
	case <-resume:
		k.mask.mu.Lock()
		if k.isHalted() {
			runtime.Goexit()
		}
	case <-kill:
		k.mask.mu.Lock()
		runtime.Goexit()
	case <-k.halted:
		k.mask.mu.Lock()
		runtime.Goexit()
	}
}

// atomicIdle releases the interrupt mask until at least one interrupt has
// been serviced, then re-acquires it.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) atomicIdle() {
	k.stats.idles++
	k.mask.idle.Wait()
	if k.isHalted() {
		runtime.Goexit()
	}
}

// idle performs atomicIdle on behalf of the task cur, then lets any fiber
// made ready by the serviced interrupt run, since fibers preempt tasks at
// interrupt exit.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) idle(cur *contextRecord) {
	if k.ready.empty() {
		k.atomicIdle()
	}
	if !k.ready.empty() {
		k.swap(cur)
	}
}
