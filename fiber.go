package nanokernel

// FiberConfig describes a fiber to start.
type FiberConfig struct {
	// Entry is the body of the fiber, which exits when it returns.
	Entry func(f *Fiber)
	// Name identifies the fiber in logs and errors.
	Name string
	// Priority orders the fiber among ready fibers.
	Priority Priority
	// Options are the start options.
	Options Options
}

// Fiber is the capability of a running fiber, passed to its entry. Fibers
// are scheduled cooperatively by priority and may block on semaphores. All
// methods must be called from the fiber itself, and panic with ErrNotCurrent
// otherwise.
type Fiber struct {
	k   *Kernel
	c   *contextRecord
	gen uint32
}

func (x *Fiber) callerKind() callerKind { return callerFiber }

func (x *Fiber) callerKernel() *Kernel { return x.k }

// Kernel returns the kernel hosting the fiber.
func (x *Fiber) Kernel() *Kernel { return x.k }

// ID returns the id of the fiber, which may be reused after it exits.
func (x *Fiber) ID() ContextID { return x.c.id }

// Name returns the name the fiber was started with.
func (x *Fiber) Name() string { return x.c.name }

// Priority returns the priority of the fiber.
func (x *Fiber) Priority() Priority { return x.c.prio }

// StartFiber starts a new fiber, which is made ready. The caller continues
// to run.
func (x *Fiber) StartFiber(cfg FiberConfig) (*Fiber, error) {
	k := x.k
	defer k.mask.lock().unlock()
	k.checkCaller(x)
	return k.startFiber(cfg)
}

// StartTask starts a new task, which becomes eligible for selection once the
// dispatcher processes the start command.
func (x *Fiber) StartTask(cfg TaskConfig) (*Task, error) {
	return x.k.startTaskCommand(x, cfg)
}

// Yield gives up the CPU if a fiber of equal or higher priority is ready,
// otherwise returns immediately.
func (x *Fiber) Yield() {
	k := x.k
	defer k.mask.lock().unlock()
	cur := k.checkCaller(x)
	if head := k.ready.peek(&k.table); head == nil || head.prio > cur.prio {
		return
	}
	k.stats.yields++
	k.schedule(cur)
	k.swap(cur)
}

// Abort terminates the calling fiber, unwinding its stack. It does not
// return.
func (x *Fiber) Abort() {
	func() {
		defer x.k.mask.lock().unlock()
		x.k.checkCaller(x)
	}()
	panic(abortSignal{})
}
