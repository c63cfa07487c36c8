package nanokernel

import (
	"errors"
	"fmt"
)

// Errors returned by kernel operations.
var (
	// ErrKernelAlreadyRunning is returned when Run is called more than once.
	ErrKernelAlreadyRunning = errors.New("nanokernel: kernel is already running")

	// ErrKernelTerminated is returned when operations are attempted on a halted kernel.
	ErrKernelTerminated = errors.New("nanokernel: kernel has been terminated")

	// ErrKernelRunning is returned by boot-time operations called after Run.
	ErrKernelRunning = errors.New("nanokernel: operation is only valid before Run")

	// ErrNoContexts is returned when the context table is exhausted.
	ErrNoContexts = errors.New("nanokernel: context table exhausted")

	// ErrInvalidPriority is returned for task priorities outside [0, NumTaskPriorities).
	ErrInvalidPriority = errors.New("nanokernel: invalid priority")

	// ErrCommandQueueFull is returned when a packet cannot be queued for the dispatcher.
	ErrCommandQueueFull = errors.New("nanokernel: command queue is full")

	// ErrUnknownTask is returned when a command names a task that no longer exists.
	ErrUnknownTask = errors.New("nanokernel: unknown task")

	// ErrInvalidEvent is returned for event ids outside the configured range.
	ErrInvalidEvent = errors.New("nanokernel: invalid event")

	// ErrEventBusy is returned when a task waits on an event another task is waiting on.
	ErrEventBusy = errors.New("nanokernel: event already has a waiting task")

	// ErrEssentialTask is returned when suspending or aborting an essential task.
	ErrEssentialTask = errors.New("nanokernel: operation not permitted on an essential task")

	// ErrUnknownCommand is set on an ArgBlock whose Op has no dispatch table entry.
	ErrUnknownCommand = errors.New("nanokernel: unknown command")
)

// Precondition violations. These are raised as panics, since continuing would
// corrupt shared scheduler state.
var (
	// ErrNotCurrent indicates an operation was invoked on behalf of a context
	// that does not currently own the CPU.
	ErrNotCurrent = errors.New("nanokernel: caller is not the current context")

	// ErrAlreadyQueued indicates a context was inserted into a list while
	// already owned by another list.
	ErrAlreadyQueued = errors.New("nanokernel: context is already queued")

	// ErrNotFiber indicates a task was passed to a fiber-only scheduler operation.
	ErrNotFiber = errors.New("nanokernel: operation requires a fiber")

	// ErrStaleHandle indicates a handle was used after its context exited.
	ErrStaleHandle = errors.New("nanokernel: stale context handle")

	// ErrInterruptDone indicates an Interrupt was used after its handler returned.
	ErrInterruptDone = errors.New("nanokernel: interrupt handler has returned")

	// ErrNoReadyTask indicates the task selector was consulted with no ready
	// task, which the idle task makes unreachable.
	ErrNoReadyTask = errors.New("nanokernel: no ready task")

	// ErrForeignKernel indicates a handle or object from one kernel was used
	// with another.
	ErrForeignKernel = errors.New("nanokernel: object belongs to a different kernel")
)

// FaultError reports the abnormal termination of an essential context, which
// halts the kernel.
type FaultError struct {
	// Value is the recovered panic value, or nil if the context returned.
	Value any
	// Name is the name of the context.
	Name string
	// ID is the id of the context.
	ID ContextID
}

// Error implements the error interface.
func (e *FaultError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("nanokernel: essential context %d (%s) exited", e.ID, e.Name)
	}
	return fmt.Sprintf("nanokernel: essential context %d (%s) faulted: %v", e.ID, e.Name, e.Value)
}

// Unwrap returns the panic value if it is an error, for use with [errors.Is]
// and [errors.As].
func (e *FaultError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
