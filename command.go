package nanokernel

import (
	"fmt"
)

// EventID identifies a well-known event. Valid ids are [0, n), where n is set
// by WithEvents.
type EventID uint32

// Op indexes the dispatch table.
type Op uint32

// Built-in dispatch table entries.
const (
	// OpReschedule does nothing, forcing a task selection pass.
	OpReschedule Op = iota
	// OpTaskStart makes a newly started task selectable.
	OpTaskStart
	// OpTaskSuspend suspends a task.
	OpTaskSuspend
	// OpTaskResume resumes a suspended task.
	OpTaskResume
	// OpTaskAbort aborts a task.
	OpTaskAbort
	// OpTaskSetPriority changes the priority of a task.
	OpTaskSetPriority
	// OpTaskYield moves a task behind the other tasks of its priority.
	OpTaskYield
	// OpEventWait blocks a task until an event is signalled.
	OpEventWait

	numBuiltinOps

	// OpUser is the first op available to WithCommandHandler.
	OpUser Op = 32
)

var opNames = [numBuiltinOps]string{
	OpReschedule:      "Reschedule",
	OpTaskStart:       "TaskStart",
	OpTaskSuspend:     "TaskSuspend",
	OpTaskResume:      "TaskResume",
	OpTaskAbort:       "TaskAbort",
	OpTaskSetPriority: "TaskSetPriority",
	OpTaskYield:       "TaskYield",
	OpEventWait:       "EventWait",
}

// String returns the name of a built-in op, or its number.
func (o Op) String() string {
	if o < numBuiltinOps {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint32(o))
}

// ArgBlock carries the arguments and results of a command. Handlers read the
// arguments, and write Result and Err.
type ArgBlock struct {
	// Data is available to user handlers.
	Data any
	// Err is set by the handler on failure.
	Err error
	// Task is the task the command applies to, if any.
	Task *Task
	// Op selects the handler.
	Op Op
	// Priority is the priority argument of OpTaskSetPriority.
	Priority Priority
	// Event is the event argument of OpEventWait.
	Event EventID
	// Result is set by handlers that wait.
	Result WaitResult
}

// Packet is a unit of work for the dispatcher: either a well-known event, or
// a command. The zero value is an event packet for event 0.
type Packet struct {
	args  *ArgBlock
	event EventID
}

// EventPacket returns a packet signalling ev.
func EventPacket(ev EventID) Packet {
	return Packet{event: ev}
}

// CommandPacket returns a packet invoking the handler for args.Op.
func CommandPacket(args *ArgBlock) Packet {
	if args == nil {
		panic(`nanokernel: nil command arguments`)
	}
	return Packet{args: args}
}

// Event returns the event of an event packet.
func (p Packet) Event() (EventID, bool) {
	return p.event, p.args == nil
}

// Args returns the arguments of a command packet.
func (p Packet) Args() (*ArgBlock, bool) {
	return p.args, p.args != nil
}

// CommandHandler implements a dispatch table entry. Handlers run on the
// dispatcher fiber, in the order packets were posted.
type CommandHandler func(d *Dispatcher, args *ArgBlock)

// Dispatcher is the capability passed to command handlers.
type Dispatcher struct {
	k *Kernel
	f *Fiber
}

// Kernel returns the kernel the dispatcher belongs to.
func (x *Dispatcher) Kernel() *Kernel { return x.k }

// Fiber returns the dispatcher fiber, on which handlers run. Handlers may
// use it as the caller of kernel operations, but must not block on it.
func (x *Dispatcher) Fiber() *Fiber { return x.f }

// commandQueue is a fixed capacity ring of packets, paired with a semaphore
// counting them.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
type commandQueue struct {
	sem *Semaphore
	buf []Packet
	// reap holds killed contexts whose argument block may still be queued
	reap []*contextRecord
	// posted and done are the sequence numbers of the last packet queued and
	// the last packet processed
	posted uint64
	done   uint64
	head   int
	len    int
}

func newCommandQueue(k *Kernel, size int) commandQueue {
	return commandQueue{
		sem: &Semaphore{
			k:     k,
			limit: uint32(size),
		},
		buf: make([]Packet, size),
	}
}

func (q *commandQueue) push(p Packet) bool {
	if q.len == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.len)%len(q.buf)] = p
	q.len++
	q.posted++
	return true
}

func (q *commandQueue) pop() (Packet, bool) {
	if q.len == 0 {
		return Packet{}, false
	}
	p := q.buf[q.head]
	q.buf[q.head] = Packet{}
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	return p, true
}

// Post queues a packet for the dispatcher on behalf of c.
//
// A task caller switches until the dispatcher has processed the packet, so
// any result written to its argument block is visible on return. A fiber
// caller hands the CPU to the dispatcher if it was waiting for packets, and
// continues once the fiber is scheduled again; if the dispatcher was already
// ready, the fiber continues first. An interrupt caller only makes the
// dispatcher ready.
func (k *Kernel) Post(c Caller, p Packet) error {
	defer k.mask.lock().unlock()
	cur := k.checkCaller(c)
	return k.post(cur, c.callerKind(), p)
}

// post implements Post.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) post(cur *contextRecord, kind callerKind, p Packet) error {
	if k.isHalted() {
		return ErrKernelTerminated
	}
	if !k.commands.push(p) {
		k.stats.droppedPackets++
		return ErrCommandQueueFull
	}
	seq := k.commands.posted
	k.commands.sem.give(cur, kind)
	if kind != callerTask {
		return nil
	}
	cur.lastPost = seq
	// the dispatcher may have been ready rather than waiting, so the give
	// need not have switched
	for k.commands.done < seq {
		k.idle(cur)
	}
	return nil
}

// finishPacket records that the dispatcher has processed the oldest queued
// packet, and reports whether any fiber is ready.
func (k *Kernel) finishPacket() (readyPending bool) {
	defer k.mask.lock().unlock()
	q := &k.commands
	q.done++
	reap := q.reap[:0]
	for _, c := range q.reap {
		if c.lastPost > q.done {
			reap = append(reap, c)
		} else {
			k.table.release(c)
		}
	}
	clear(q.reap[len(reap):])
	q.reap = reap
	return !k.ready.empty()
}

// command runs a command on behalf of c. A task caller uses its own argument
// block, and returns once the command has been processed, with its error.
// Other callers get a fresh argument block and a nil error, as the command
// may not have been processed yet.
func (k *Kernel) command(c Caller, args ArgBlock) (*ArgBlock, error) {
	defer k.mask.lock().unlock()
	cur := k.checkCaller(c)

	kind := c.callerKind()
	var block *ArgBlock
	if kind == callerTask {
		block = &cur.args
	} else {
		block = new(ArgBlock)
	}
	*block = args

	if err := k.post(cur, kind, CommandPacket(block)); err != nil {
		return nil, err
	}
	if kind == callerTask {
		return block, block.Err
	}
	return block, nil
}
