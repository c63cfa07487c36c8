package nanokernel

import (
	"fmt"
)

// abortSignal is the panic value used to unwind a context that aborts itself.
type abortSignal struct{}

// schedule makes the fiber c ready. It is inserted after every ready fiber of
// equal or higher priority, so equal priorities run in FIFO order.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) schedule(c *contextRecord) {
	if c.isTask() {
		panic(fmt.Errorf("%w: schedule of task %s", ErrNotFiber, c))
	}
	if c.owner != ownerNone && c.owner != ownerCPU {
		panic(fmt.Errorf("%w: schedule of %s owned by %s", ErrAlreadyQueued, c, c.owner))
	}
	k.ready.insertByPriority(&k.table, c)
	c.owner = ownerReady
}

// newContext allocates and initializes a context record, and launches the
// goroutine hosting it. The context does not run until switched to.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) newContext(name string, prio Priority, opts Options, flags Flags) (*contextRecord, error) {
	c, ok := k.table.alloc()
	if !ok {
		return nil, ErrNoContexts
	}
	c.name = name
	c.prio = prio
	c.flags = opts.flags() | flags
	return c, nil
}

// launch starts the goroutine hosting c, which waits to be switched to
// before calling entry.
func (k *Kernel) launch(c *contextRecord, entry func()) {
	k.wg.Add(1)
	go k.runContext(c, c.resume, c.kill, entry)
}

// startFiber creates a fiber and makes it ready.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) startFiber(cfg FiberConfig) (*Fiber, error) {
	if cfg.Entry == nil {
		panic(`nanokernel: nil fiber entry`)
	}
	c, err := k.newContext(cfg.Name, cfg.Priority, cfg.Options, 0)
	if err != nil {
		return nil, err
	}
	f := &Fiber{k: k, c: c, gen: c.gen}
	entry := cfg.Entry
	k.launch(c, func() { entry(f) })
	k.schedule(c)
	k.logger.Debug().
		Stringer(`fiber`, c).
		Uint64(`priority`, uint64(c.prio)).
		Log(`fiber started`)
	return f, nil
}

// runContext is the body of every context goroutine. The resume and kill
// channels are those of c at launch, since a killed context's slot may be
// reused before its goroutine unwinds.
func (k *Kernel) runContext(c *contextRecord, resume, kill <-chan struct{}, entry func()) {
	defer k.wg.Done()

	select {
	case <-resume:
	case <-kill:
		return
	case <-k.halted:
		return
	}
	if k.isHalted() {
		return
	}

	var completed bool
	defer func() {
		if isClosed(kill) {
			// the slot is no longer ours, and deferred calls of entry may
			// have panicked on the stale handle
			_ = recover()
			return
		}
		if k.isHalted() {
			// unwinding via runtime.Goexit, or racing the halt
			return
		}
		r := recover()
		if _, ok := r.(abortSignal); ok {
			r = nil
		}
		k.exitContext(c, r, completed)
	}()

	entry()
	completed = true
}

// exitContext releases the context c, which has finished running, and hands
// the CPU to the next context. It never parks.
func (k *Kernel) exitContext(c *contextRecord, r any, completed bool) {
	defer k.mask.lock().unlock()

	if k.current != c {
		panic(fmt.Errorf("%w: exit of %s", ErrNotCurrent, c))
	}

	k.stats.exits++
	k.logContextExit(c, r, completed)

	if c.isEssential() {
		k.haltLocked(&FaultError{Value: r, Name: c.name, ID: c.id})
		return
	}

	if c.isTask() {
		k.exitTask(c)
	}

	k.table.release(c)
	k.swapOutCurrent()
}

// killTask terminates the task c, which is parked and not current, on
// behalf of another context. The goroutine hosting c unwinds by itself, and
// the slot is released once no queued packet refers to its argument block.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) killTask(c *contextRecord) {
	if k.current == c {
		panic(fmt.Errorf("%w: kill of current %s", ErrNotCurrent, c))
	}
	k.abortTask(c)
	if k.task == c {
		k.selectTaskLocked()
	}
	close(c.kill)
	k.stats.exits++
	k.logger.Debug().
		Stringer(`context`, c).
		Log(`context killed`)
	if c.lastPost > k.commands.done {
		k.commands.reap = append(k.commands.reap, c)
		return
	}
	k.table.release(c)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// swapOutCurrent hands the CPU to the next context without re-enqueuing the
// current one, which must already have been released.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) swapOutCurrent() {
	k.dispatchTo(k.nextContext())
}

func (k *Kernel) logContextExit(c *contextRecord, r any, completed bool) {
	switch {
	case r != nil && c.isEssential():
		k.logger.Crit().
			Stringer(`context`, c).
			Any(`panic`, r).
			Log(`essential context faulted`)
	case r != nil:
		k.logger.Err().
			Stringer(`context`, c).
			Any(`panic`, r).
			Log(`context faulted`)
	case c.isEssential():
		k.logger.Crit().
			Stringer(`context`, c).
			Bool(`returned`, completed).
			Log(`essential context exited`)
	default:
		k.logger.Debug().
			Stringer(`context`, c).
			Bool(`returned`, completed).
			Log(`context exited`)
	}
}

// ReadyFibers returns the ids of the ready fibers, in the order they will
// run.
func (k *Kernel) ReadyFibers() []ContextID {
	defer k.mask.lock().unlock()
	return k.ready.ids(&k.table)
}
