package nanokernel

import (
	"fmt"
)

// TaskConfig describes a task to start.
type TaskConfig struct {
	// Entry is the body of the task. The task is aborted when it returns.
	Entry func(t *Task)
	// Name identifies the task in logs and errors.
	Name string
	// Priority selects among ready tasks, and must be less than
	// NumTaskPriorities.
	Priority Priority
	// Options are the start options.
	Options Options
}

// Task is the handle of a task, passed to its entry. Tasks are selected by
// the dispatcher in priority order, and run whenever no fiber is ready. They
// cannot block on a wait queue, so they poll semaphores instead.
//
// Methods taking no caller must be called from the task itself, and panic
// with ErrNotCurrent otherwise.
type Task struct {
	k   *Kernel
	c   *contextRecord
	gen uint32
}

func (x *Task) callerKind() callerKind { return callerTask }

func (x *Task) callerKernel() *Kernel { return x.k }

// Kernel returns the kernel hosting the task.
func (x *Task) Kernel() *Kernel { return x.k }

// ID returns the id of the task, which may be reused after it exits.
func (x *Task) ID() ContextID { return x.c.id }

// Name returns the name the task was started with.
func (x *Task) Name() string { return x.c.name }

// Priority returns the current priority of the task.
func (x *Task) Priority() Priority {
	defer x.k.mask.lock().unlock()
	return x.c.prio
}

// StartFiber starts a new fiber, then switches, so that it runs before the
// task continues.
func (x *Task) StartFiber(cfg FiberConfig) (*Fiber, error) {
	k := x.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(x)
	f, err := k.startFiber(cfg)
	if err != nil {
		return nil, err
	}
	k.swap(cur)
	return f, nil
}

// StartTask starts a new task, returning once it is selectable.
func (x *Task) StartTask(cfg TaskConfig) (*Task, error) {
	return x.k.startTaskCommand(x, cfg)
}

// Yield moves the task behind the other ready tasks of its priority, letting
// them run.
func (x *Task) Yield() {
	_, _ = x.k.command(x, ArgBlock{Op: OpTaskYield, Task: x})
}

// Abort terminates the calling task, unwinding its stack. It does not
// return.
func (x *Task) Abort() {
	func() {
		defer x.k.mask.lock().unlock()
		x.k.checkCaller(x)
	}()
	panic(abortSignal{})
}

// WaitEvent blocks the task until ev is signalled, returning Available. If
// ev was signalled since it was last consumed, it returns immediately. Only
// one task may wait on an event: other tasks get Busy, with ErrEventBusy.
func (x *Task) WaitEvent(ev EventID) (WaitResult, error) {
	args, err := x.k.command(x, ArgBlock{Op: OpEventWait, Task: x, Event: ev})
	if args == nil {
		return Unavailable, err
	}
	return args.Result, err
}

// PollEvent consumes ev if it has been signalled, returning Available, or
// Unavailable otherwise.
func (x *Task) PollEvent(ev EventID) (WaitResult, error) {
	k := x.k
	defer k.mask.lock().unlock()
	k.checkCaller(x)
	if int(ev) >= len(k.events) {
		return Unavailable, ErrInvalidEvent
	}
	e := &k.events[ev]
	if !e.latched {
		return Unavailable, nil
	}
	e.latched = false
	return Available, nil
}

// newTask creates a task, which is not yet selectable.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) newTask(cfg TaskConfig) (*Task, error) {
	if cfg.Entry == nil {
		panic(`nanokernel: nil task entry`)
	}
	if cfg.Priority >= NumTaskPriorities {
		return nil, fmt.Errorf("%w: task %q priority %d", ErrInvalidPriority, cfg.Name, cfg.Priority)
	}
	c, err := k.newContext(cfg.Name, cfg.Priority, cfg.Options, FlagTask)
	if err != nil {
		return nil, err
	}
	c.taskState = taskStarting
	t := &Task{k: k, c: c, gen: c.gen}
	entry := cfg.Entry
	k.launch(c, func() { entry(t) })
	k.logger.Debug().
		Stringer(`task`, c).
		Uint64(`priority`, uint64(c.prio)).
		Log(`task started`)
	return t, nil
}

// startTaskCommand creates a task, and posts the command making it
// selectable.
func (k *Kernel) startTaskCommand(c Caller, cfg TaskConfig) (*Task, error) {
	t, err := func() (*Task, error) {
		defer k.mask.lock().unlock()
		k.checkCaller(c)
		return k.newTask(cfg)
	}()
	if err != nil {
		return nil, err
	}
	if _, err := k.command(c, ArgBlock{Op: OpTaskStart, Task: t}); err != nil {
		func() {
			defer k.mask.lock().unlock()
			if !k.isHalted() {
				k.killTask(t.c)
			}
		}()
		return nil, err
	}
	return t, nil
}

// SuspendTask removes t from task selection until resumed. The command is
// processed by the dispatcher: a task caller waits for it, returning its
// error, while other callers return once it is queued.
func (k *Kernel) SuspendTask(c Caller, t *Task) error {
	_, err := k.command(c, ArgBlock{Op: OpTaskSuspend, Task: t})
	return err
}

// ResumeTask makes a suspended task selectable again. See SuspendTask.
func (k *Kernel) ResumeTask(c Caller, t *Task) error {
	_, err := k.command(c, ArgBlock{Op: OpTaskResume, Task: t})
	return err
}

// AbortTask terminates t. A task aborting itself behaves as Task.Abort.
// Otherwise, t never runs again: its goroutine unwinds, running its deferred
// calls, and its slot is freed. See SuspendTask.
func (k *Kernel) AbortTask(c Caller, t *Task) error {
	if c == Caller(t) {
		t.Abort()
	}
	_, err := k.command(c, ArgBlock{Op: OpTaskAbort, Task: t})
	return err
}

// SetTaskPriority changes the priority of t, which moves behind any other
// tasks of the new priority. See SuspendTask.
func (k *Kernel) SetTaskPriority(c Caller, t *Task, priority Priority) error {
	if priority >= NumTaskPriorities {
		return fmt.Errorf("%w: priority %d", ErrInvalidPriority, priority)
	}
	_, err := k.command(c, ArgBlock{Op: OpTaskSetPriority, Task: t, Priority: priority})
	return err
}

// commandTask resolves the task argument of a command.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) commandTask(args *ArgBlock) (*contextRecord, error) {
	t := args.Task
	if t == nil || t.k != k {
		return nil, ErrUnknownTask
	}
	c := t.c
	if !c.inUse || c.gen != t.gen || c.taskState&taskAborted != 0 {
		return nil, ErrUnknownTask
	}
	return c, nil
}

// setTaskState updates the state bits of c, adding or removing it from the
// selector to match.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) setTaskState(c *contextRecord, set, clear taskState) {
	c.taskState = (c.taskState | set) &^ clear
	switch {
	case c.taskState == 0 && !c.inSelector:
		k.selector.add(&k.table, c)
	case c.taskState != 0 && c.inSelector:
		k.selector.remove(&k.table, c)
	}
}

// exitTask detaches the exiting task c from the selector and events. If c is
// the installed task, the next task is installed, and a reschedule is queued
// for the dispatcher.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) exitTask(c *contextRecord) {
	k.abortTask(c)
	if k.task == c {
		k.selectTaskLocked()
		_ = k.post(nil, callerInterrupt, CommandPacket(&ArgBlock{Op: OpReschedule}))
	}
}

// abortTask marks c aborted.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) abortTask(c *contextRecord) {
	if c.taskState&taskWaitingEvent != 0 {
		k.events[c.args.Event].waiter = nil
	}
	k.setTaskState(c, taskAborted, 0)
}

func (k *Kernel) handleTaskStart(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	k.setTaskState(c, 0, taskStarting)
}

func (k *Kernel) handleTaskSuspend(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	if c.isEssential() {
		args.Err = ErrEssentialTask
		return
	}
	k.setTaskState(c, taskSuspended, 0)
}

func (k *Kernel) handleTaskResume(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	k.setTaskState(c, 0, taskSuspended)
}

func (k *Kernel) handleTaskAbort(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	if c.isEssential() {
		args.Err = ErrEssentialTask
		return
	}
	k.logger.Debug().
		Stringer(`task`, c).
		Log(`task aborted`)
	k.killTask(c)
}

func (k *Kernel) handleTaskSetPriority(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	if args.Priority >= NumTaskPriorities {
		args.Err = ErrInvalidPriority
		return
	}
	selectable := k.selector.remove(&k.table, c)
	c.prio = args.Priority
	if selectable {
		k.selector.add(&k.table, c)
	}
}

func (k *Kernel) handleTaskYield(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	k.selector.rotate(&k.table, c)
}

func (k *Kernel) handleEventWait(_ *Dispatcher, args *ArgBlock) {
	defer k.mask.lock().unlock()
	c, err := k.commandTask(args)
	if err != nil {
		args.Err = err
		return
	}
	if int(args.Event) >= len(k.events) {
		args.Result = Unavailable
		args.Err = ErrInvalidEvent
		return
	}
	e := &k.events[args.Event]
	switch {
	case e.latched:
		e.latched = false
		args.Result = Available
	case e.waiter != nil:
		args.Result = Busy
		args.Err = ErrEventBusy
	default:
		e.waiter = c
		c.args.Event = args.Event
		k.setTaskState(c, taskWaitingEvent, 0)
	}
}
