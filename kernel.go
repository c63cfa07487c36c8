package nanokernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/cpu"
)

// Kernel is a nanokernel instance: a single simulated CPU shared by fibers
// and tasks, each hosted on its own goroutine, of which exactly one runs at a
// time.
//
// A Kernel is created with New, populated with SpawnFiber and SpawnTask, then
// driven by Run until Shutdown, context cancellation, or the failure of an
// essential context.
type Kernel struct {
	_ cpu.CacheLinePad
	// ticks is read without the interrupt mask
	ticks atomic.Uint64
	_     cpu.CacheLinePad

	state kernelState

	mask interruptMask

	// isrMu serializes interrupt handlers
	isrMu sync.Mutex

	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter

	// halted is closed when the kernel halts
	halted chan struct{}
	// done is closed once Run has returned, or on Shutdown before Run
	done chan struct{}
	wg   sync.WaitGroup

	// fault is the reason the kernel halted, if abnormal
	fault error

	handlers map[Op]CommandHandler
	events   []event

	table    contextTable
	ready    contextList
	timeouts timeoutQueue
	selector taskSelector
	commands commandQueue

	// current is the context on the CPU
	current *contextRecord
	// task is the task the CPU falls back to when no fiber is ready
	task *contextRecord

	dispatcher *Fiber
	idleTask   *Task

	tickPeriod time.Duration

	stats kernelStats
}

// kernelStats are counters maintained under the interrupt mask.
type kernelStats struct {
	contextSwitches uint64
	taskSwitches    uint64
	interrupts      uint64
	idles           uint64
	timeouts        uint64
	yields          uint64
	commands        uint64
	events          uint64
	droppedPackets  uint64
	exits           uint64
}

// Stats is a snapshot of kernel counters.
type Stats struct {
	// ContextSwitches counts hand-offs of the CPU between contexts.
	ContextSwitches uint64
	// TaskSwitches counts changes of the selected task.
	TaskSwitches uint64
	// Interrupts counts serviced interrupts, including clock ticks.
	Interrupts uint64
	// Idles counts waits for an interrupt.
	Idles uint64
	// Timeouts counts expired waits.
	Timeouts uint64
	// Yields counts fiber yields that switched.
	Yields uint64
	// Commands counts dispatched command packets.
	Commands uint64
	// Events counts delivered event packets.
	Events uint64
	// DroppedPackets counts packets rejected or discarded.
	DroppedPackets uint64
	// Exits counts contexts that have exited.
	Exits uint64
	// Contexts is the number of allocated contexts.
	Contexts int
	// ReadyFibers is the number of ready fibers.
	ReadyFibers int
}

// New creates a kernel, with its dispatcher fiber and idle task.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		logger:     cfg.logger,
		limiter:    cfg.limiter,
		halted:     make(chan struct{}),
		done:       make(chan struct{}),
		table:      newContextTable(cfg.maxContexts),
		events:     make([]event, cfg.events),
		tickPeriod: cfg.tickPeriod,
	}
	k.mask.init()
	k.timeouts.table = &k.table
	k.commands = newCommandQueue(k, cfg.commandQueueSize)

	k.handlers = map[Op]CommandHandler{
		OpReschedule:      func(*Dispatcher, *ArgBlock) {},
		OpTaskStart:       k.handleTaskStart,
		OpTaskSuspend:     k.handleTaskSuspend,
		OpTaskResume:      k.handleTaskResume,
		OpTaskAbort:       k.handleTaskAbort,
		OpTaskSetPriority: k.handleTaskSetPriority,
		OpTaskYield:       k.handleTaskYield,
		OpEventWait:       k.handleEventWait,
	}
	for op, h := range cfg.handlers {
		k.handlers[op] = h
	}
	for ev, h := range cfg.eventHandlers {
		k.events[ev].handler = h
	}

	defer k.mask.lock().unlock()

	if k.dispatcher, err = k.startFiber(FiberConfig{
		Entry:    k.dispatchLoop,
		Name:     `dispatcher`,
		Priority: cfg.dispatcherPriority,
		Options:  OptionEssential,
	}); err != nil {
		return nil, err
	}

	if k.idleTask, err = k.spawnTask(TaskConfig{
		Entry:    k.idleLoop,
		Name:     `idle`,
		Priority: IdlePriority,
		Options:  OptionEssential,
	}); err != nil {
		return nil, err
	}

	return k, nil
}

// idleLoop is the entry of the idle task, which waits for interrupts
// whenever nothing else is ready.
func (k *Kernel) idleLoop(t *Task) {
	for {
		func() {
			defer k.mask.lock().unlock()
			k.idle(k.checkCaller(t))
		}()
	}
}

// SpawnFiber creates a ready fiber. It may only be called before Run.
func (k *Kernel) SpawnFiber(cfg FiberConfig) (*Fiber, error) {
	defer k.mask.lock().unlock()
	if err := k.checkBoot(); err != nil {
		return nil, err
	}
	return k.startFiber(cfg)
}

// SpawnTask creates a selectable task. It may only be called before Run.
func (k *Kernel) SpawnTask(cfg TaskConfig) (*Task, error) {
	defer k.mask.lock().unlock()
	if err := k.checkBoot(); err != nil {
		return nil, err
	}
	return k.spawnTask(cfg)
}

// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) spawnTask(cfg TaskConfig) (*Task, error) {
	t, err := k.newTask(cfg)
	if err != nil {
		return nil, err
	}
	k.setTaskState(t.c, 0, taskStarting)
	return t, nil
}

// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) checkBoot() error {
	switch k.state.Load() {
	case StateAwake:
		return nil
	case StateRunning:
		return ErrKernelRunning
	default:
		return ErrKernelTerminated
	}
}

// Run boots the kernel, switching to the highest priority ready fiber, or
// the highest priority task if none are ready. It blocks until the kernel
// halts, then waits for every context goroutine to exit.
//
// Run returns a *FaultError if an essential context exited, ctx.Err() if ctx
// was cancelled, or nil after Shutdown.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.state.TryTransition(StateAwake, StateRunning) {
		if k.state.Load() == StateRunning {
			return ErrKernelAlreadyRunning
		}
		return ErrKernelTerminated
	}
	defer close(k.done)

	k.logger.Info().
		Int(`contexts`, k.table.used).
		Dur(`tick_period`, k.tickPeriod).
		Log(`kernel starting`)

	func() {
		defer k.mask.lock().unlock()
		k.selectTaskLocked()
		k.dispatchTo(k.nextContext())
	}()

	if k.tickPeriod > 0 {
		k.wg.Add(1)
		go k.runClock()
	}

	select {
	case <-k.halted:
	case <-ctx.Done():
		k.halt(nil)
	}

	k.wg.Wait()
	k.state.Store(StateHalted)

	k.mask.mu.Lock()
	fault := k.fault
	k.mask.mu.Unlock()

	if fault != nil {
		k.logger.Crit().
			Err(fault).
			Log(`kernel halted`)
	} else {
		k.logger.Info().
			Log(`kernel halted`)
	}

	if fault != nil {
		return fault
	}
	return ctx.Err()
}

// runClock announces a tick every period until the kernel halts.
func (k *Kernel) runClock() {
	defer k.wg.Done()
	ticker := time.NewTicker(k.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-k.halted:
			return
		case <-ticker.C:
			_ = k.Announce(1)
		}
	}
}

// Shutdown halts the kernel, and waits until Run has returned, or ctx is
// done. It must not be called from a context of the kernel. Calling Shutdown
// before Run releases the kernel's goroutines, and Run then fails with
// ErrKernelTerminated.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.state.TryTransition(StateAwake, StateHalted) {
		k.halt(nil)
		k.wg.Wait()
		close(k.done)
		return nil
	}
	k.halt(nil)
	select {
	case <-k.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halt stops the kernel, recording fault if it is the first reason.
func (k *Kernel) halt(fault error) {
	defer k.mask.lock().unlock()
	k.haltLocked(fault)
}

// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) haltLocked(fault error) {
	if k.isHalted() {
		return
	}
	k.fault = fault
	k.state.TryTransition(StateRunning, StateHalting)
	close(k.halted)
	k.mask.idle.Broadcast()
}

func (k *Kernel) isHalted() bool {
	select {
	case <-k.halted:
		return true
	default:
		return false
	}
}

// State returns the lifecycle state of the kernel.
func (k *Kernel) State() KernelState {
	return k.state.Load()
}

// Done returns a channel closed once the kernel has halted, and Run has
// returned.
func (k *Kernel) Done() <-chan struct{} {
	return k.done
}

// Dispatcher returns the dispatcher fiber.
func (k *Kernel) Dispatcher() *Fiber {
	return k.dispatcher
}

// IdleTask returns the idle task.
func (k *Kernel) IdleTask() *Task {
	return k.idleTask
}

// Stats returns a snapshot of the kernel counters.
func (k *Kernel) Stats() Stats {
	defer k.mask.lock().unlock()
	return Stats{
		ContextSwitches: k.stats.contextSwitches,
		TaskSwitches:    k.stats.taskSwitches,
		Interrupts:      k.stats.interrupts,
		Idles:           k.stats.idles,
		Timeouts:        k.stats.timeouts,
		Yields:          k.stats.yields,
		Commands:        k.stats.commands,
		Events:          k.stats.events,
		DroppedPackets:  k.stats.droppedPackets,
		Exits:           k.stats.exits,
		Contexts:        k.table.used,
		ReadyFibers:     k.ready.len,
	}
}
