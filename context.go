package nanokernel

import (
	"fmt"
)

// ContextID identifies an execution context. The zero value is never a valid
// context.
type ContextID uint32

// NoContext is the zero ContextID, terminating intrusive lists.
const NoContext ContextID = 0

// Priority orders execution contexts. Lower values are higher priorities.
type Priority uint32

const (
	// HighestPriority is the numerically lowest, most urgent priority.
	HighestPriority Priority = 0

	// NumTaskPriorities is the number of priorities the task selector
	// supports. Task priorities must be less than this.
	NumTaskPriorities = 64

	// IdlePriority is the priority of the idle task, the least urgent task
	// priority.
	IdlePriority Priority = NumTaskPriorities - 1
)

// Options are the start options of a context.
type Options uint32

const (
	// OptionEssential marks the context as essential to system integrity.
	// Its termination halts the kernel.
	OptionEssential Options = 1 << iota
)

// Flags are the status flags of a context.
type Flags uint32

const (
	// FlagTask is set on task-class contexts, which are scheduled by the
	// task selector rather than the ready queue.
	FlagTask Flags = 1 << iota
	// FlagEssential is set on contexts whose termination halts the kernel.
	FlagEssential
)

func (o Options) flags() (f Flags) {
	if o&OptionEssential != 0 {
		f |= FlagEssential
	}
	return
}

// taskState bits; a task is ready iff its taskState is zero.
type taskState uint8

const (
	taskSuspended taskState = 1 << iota
	taskWaitingEvent
	taskAborted
	taskStarting
)

// owner records which list (if any) holds a context.
type owner uint8

const (
	ownerNone owner = iota
	ownerCPU
	ownerReady
	ownerWait
)

func (o owner) String() string {
	switch o {
	case ownerNone:
		return "none"
	case ownerCPU:
		return "cpu"
	case ownerReady:
		return "ready"
	case ownerWait:
		return "wait"
	default:
		return "unknown"
	}
}

// contextRecord is the execution context record. Records live in the
// contextTable, and are linked into lists by id.
type contextRecord struct {
	// entry runs on the context goroutine after the first switch to it
	entry func()
	// resume is signalled to hand the CPU to this context
	resume chan struct{}
	// kill is closed to unwind the goroutine hosting this context, while it
	// is parked
	kill chan struct{}
	// waitQ is the wait queue holding this context, when owner is ownerWait
	waitQ *contextList
	name  string
	// args is the context's own command argument block
	args ArgBlock
	// timeoutSeq orders equal deadlines
	timeoutSeq uint64
	// lastPost is the sequence number of the last packet posted by this
	// context, as a task
	lastPost uint64
	deadline   Ticks
	// timeoutIdx is the timeoutQueue index, or -1
	timeoutIdx int
	id         ContextID
	gen        uint32
	next       ContextID
	taskNext   ContextID
	prio       Priority
	flags      Flags
	result     WaitResult
	owner      owner
	taskState  taskState
	inSelector bool
	inUse      bool
}

func (c *contextRecord) isTask() bool { return c.flags&FlagTask != 0 }

func (c *contextRecord) isEssential() bool { return c.flags&FlagEssential != 0 }

func (c *contextRecord) String() string {
	if c == nil {
		return "none"
	}
	return fmt.Sprintf("%d(%s)", c.id, c.name)
}

// contextTable is the fixed arena of context records. Free records are
// linked through next.
type contextTable struct {
	slots []contextRecord
	free  ContextID
	used  int
}

func newContextTable(size int) contextTable {
	t := contextTable{slots: make([]contextRecord, size)}
	for i := size - 1; i >= 0; i-- {
		c := &t.slots[i]
		c.id = ContextID(i + 1)
		c.timeoutIdx = -1
		c.next = t.free
		t.free = c.id
	}
	return t
}

// get returns the record for id, which must not be NoContext.
func (t *contextTable) get(id ContextID) *contextRecord {
	return &t.slots[id-1]
}

func (t *contextTable) alloc() (*contextRecord, bool) {
	if t.free == NoContext {
		return nil, false
	}
	c := t.get(t.free)
	t.free = c.next
	t.used++
	// a killed goroutine may still hold the channels of the previous user
	*c = contextRecord{
		resume:     make(chan struct{}, 1),
		kill:       make(chan struct{}),
		timeoutIdx: -1,
		id:         c.id,
		gen:        c.gen,
		inUse:      true,
	}
	return c, true
}

func (t *contextTable) release(c *contextRecord) {
	*c = contextRecord{
		timeoutIdx: -1,
		id:         c.id,
		gen:        c.gen + 1,
		next:       t.free,
	}
	t.free = c.id
	t.used--
}

// contextList is an intrusive, singly linked list of contexts, linked
// through contextRecord.next.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
type contextList struct {
	head ContextID
	tail ContextID
	len  int
}

func (l *contextList) empty() bool { return l.head == NoContext }

func (l *contextList) pushBack(t *contextTable, c *contextRecord) {
	c.next = NoContext
	if l.tail == NoContext {
		l.head = c.id
	} else {
		t.get(l.tail).next = c.id
	}
	l.tail = c.id
	l.len++
}

// insertByPriority inserts c after every entry with a priority numerically
// less than or equal to its own, preserving FIFO order within a priority.
func (l *contextList) insertByPriority(t *contextTable, c *contextRecord) {
	prev := NoContext
	for id := l.head; id != NoContext; id = t.get(id).next {
		if t.get(id).prio > c.prio {
			break
		}
		prev = id
	}
	if prev == NoContext {
		c.next = l.head
		l.head = c.id
	} else {
		p := t.get(prev)
		c.next = p.next
		p.next = c.id
	}
	if c.next == NoContext {
		l.tail = c.id
	}
	l.len++
}

func (l *contextList) peek(t *contextTable) *contextRecord {
	if l.head == NoContext {
		return nil
	}
	return t.get(l.head)
}

func (l *contextList) popFront(t *contextTable) *contextRecord {
	if l.head == NoContext {
		return nil
	}
	c := t.get(l.head)
	l.head = c.next
	if l.head == NoContext {
		l.tail = NoContext
	}
	c.next = NoContext
	l.len--
	return c
}

// remove unlinks c, returning false if it was not a member.
func (l *contextList) remove(t *contextTable, c *contextRecord) bool {
	prev := NoContext
	for id := l.head; id != NoContext; id = t.get(id).next {
		if id != c.id {
			prev = id
			continue
		}
		if prev == NoContext {
			l.head = c.next
		} else {
			t.get(prev).next = c.next
		}
		if l.tail == c.id {
			l.tail = prev
		}
		c.next = NoContext
		l.len--
		return true
	}
	return false
}

func (l *contextList) ids(t *contextTable) []ContextID {
	ids := make([]ContextID, 0, l.len)
	for id := l.head; id != NoContext; id = t.get(id).next {
		ids = append(ids, id)
	}
	return ids
}
