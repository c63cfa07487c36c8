package nanokernel

import (
	"fmt"

	"github.com/joeycumines/go-nanokernel/internal/bitops"
)

// taskSelector indexes the ready tasks by priority. Word 0 covers priorities
// 0 to 31, word 1 covers 32 to 63. A bit is set iff the list for that
// priority is non-empty. Lists are FIFO, linked through taskNext.
//
// CALLER MUST HOLD THE INTERRUPT MASK.
type taskSelector struct {
	words [2]uint32
	heads [NumTaskPriorities]ContextID
	tails [NumTaskPriorities]ContextID
}

func priorityBit(p Priority) (word int, bit uint32) {
	return int(p / 32), 1 << (p % 32)
}

// add appends the task c to the list for its priority.
func (s *taskSelector) add(t *contextTable, c *contextRecord) {
	if !c.isTask() {
		panic(fmt.Errorf("%w: select of fiber %s", ErrNotFiber, c))
	}
	if c.inSelector {
		panic(fmt.Errorf("%w: %s is already selectable", ErrAlreadyQueued, c))
	}
	p := c.prio
	c.taskNext = NoContext
	if s.tails[p] == NoContext {
		s.heads[p] = c.id
	} else {
		t.get(s.tails[p]).taskNext = c.id
	}
	s.tails[p] = c.id
	c.inSelector = true
	w, b := priorityBit(p)
	s.words[w] |= b
}

// remove unlinks the task c, returning false if it was not selectable.
func (s *taskSelector) remove(t *contextTable, c *contextRecord) bool {
	if !c.inSelector {
		return false
	}
	p := c.prio
	prev := NoContext
	for id := s.heads[p]; id != c.id; id = t.get(id).taskNext {
		if id == NoContext {
			panic(fmt.Errorf("nanokernel: task %s missing from priority %d", c, p))
		}
		prev = id
	}
	if prev == NoContext {
		s.heads[p] = c.taskNext
	} else {
		t.get(prev).taskNext = c.taskNext
	}
	if s.tails[p] == c.id {
		s.tails[p] = prev
	}
	c.taskNext = NoContext
	c.inSelector = false
	if s.heads[p] == NoContext {
		w, b := priorityBit(p)
		s.words[w] &^= b
	}
	return true
}

// rotate moves the task c behind any other tasks of its priority.
func (s *taskSelector) rotate(t *contextTable, c *contextRecord) {
	if s.remove(t, c) {
		s.add(t, c)
	}
}

// selectPriority returns the highest priority with a ready task.
func (s *taskSelector) selectPriority() Priority {
	if s.words[0] != 0 {
		return Priority(bitops.FindFirstSet(s.words[0]) - 1)
	}
	if s.words[1] != 0 {
		return Priority(bitops.FindFirstSet(s.words[1]) + 31)
	}
	panic(ErrNoReadyTask)
}

// selectNext returns the first task of the highest priority with a ready
// task.
func (s *taskSelector) selectNext(t *contextTable) *contextRecord {
	return t.get(s.heads[s.selectPriority()])
}

// ready reports whether any task of priority p is selectable.
func (s *taskSelector) ready(p Priority) bool {
	w, b := priorityBit(p)
	return s.words[w]&b != 0
}
