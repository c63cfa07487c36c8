// Package nanokernel implements the scheduling and synchronization core of a
// cooperative, single-CPU kernel: a priority ordered ready queue of fibers,
// counting semaphores with blocking and timeout semantics, a 64 slot
// priority bitmap for selecting the running task, and the command dispatch
// loop that connects them.
//
// # Execution Model
//
// Every execution context (fiber or task) is hosted on its own goroutine, but
// exactly one context owns the simulated CPU at any time. All other contexts
// are parked until a context switch hands the CPU to them. Contexts are never
// preempted involuntarily: a switch happens only at the explicit scheduling
// points documented on each operation.
//
// Three capability types identify the caller of a kernel operation:
//   - [Fiber]: may block on a [Semaphore] and yield to its peers
//   - [Task]: scheduled by the priority bitmap, polls instead of blocking
//   - [Interrupt]: an interrupt handler, which never blocks or switches
//
// Only the capability type permitted to perform an operation exposes it, so
// calling a blocking wait from an interrupt handler does not compile.
//
// # Concurrency
//
// A single interrupt mask guards all shared kernel state. It is acquired
// internally by every operation, for the duration of the operation, and is
// released while a context is parked. Interrupt handlers run via
// [Kernel.Interrupt], from any goroutine, and are serialized.
//
// # Usage
//
//	k, err := nanokernel.New(nanokernel.WithTickPeriod(10 * time.Millisecond))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sem, err := k.NewSemaphore()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	_, _ = k.SpawnFiber(nanokernel.FiberConfig{
//	    Name:     "consumer",
//	    Priority: 5,
//	    Entry: func(f *nanokernel.Fiber) {
//	        for sem.TakeWait(f) == nanokernel.Available {
//	            // handle the signal
//	        }
//	    },
//	})
//
//	if err := k.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Handling
//
// Misuse that would corrupt scheduler state (operating on behalf of a context
// that is not running, queueing a context twice, using a stale handle) panics
// with one of the precondition errors, e.g. [ErrNotCurrent]. Timeouts are not
// errors: they are reported as a [WaitResult]. The loss of an essential
// context halts the kernel, and [Kernel.Run] returns a [*FaultError].
package nanokernel
