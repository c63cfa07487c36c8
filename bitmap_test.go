package nanokernel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTasks(t *testing.T, table *contextTable, prios ...Priority) []*contextRecord {
	t.Helper()
	cs := make([]*contextRecord, len(prios))
	for i, p := range prios {
		c, ok := table.alloc()
		require.True(t, ok)
		c.flags = FlagTask
		c.prio = p
		cs[i] = c
	}
	return cs
}

// requireCoherent checks that every bit is set iff its list is non-empty.
func requireCoherent(t *testing.T, s *taskSelector) {
	t.Helper()
	for p := Priority(0); p < NumTaskPriorities; p++ {
		require.Equalf(t, s.heads[p] != NoContext, s.ready(p), "priority %d", p)
		require.Equalf(t, s.heads[p] == NoContext, s.tails[p] == NoContext, "priority %d", p)
	}
}

func TestTaskSelector_selectNext(t *testing.T) {
	table := newContextTable(8)
	cs := newTestTasks(t, &table, 40, 5, IdlePriority, 31, 32)
	var s taskSelector
	for _, c := range cs {
		s.add(&table, c)
	}
	requireCoherent(t, &s)

	for _, want := range []*contextRecord{cs[1], cs[3], cs[4], cs[0], cs[2]} {
		got := s.selectNext(&table)
		require.Same(t, want, got)
		require.True(t, s.remove(&table, got))
		requireCoherent(t, &s)
	}

	assert.Equal(t, [2]uint32{}, s.words)
	requirePanicIs(t, ErrNoReadyTask, func() { s.selectNext(&table) })
}

func TestTaskSelector_fifoAndRotate(t *testing.T) {
	table := newContextTable(4)
	cs := newTestTasks(t, &table, 10, 10, 10)
	var s taskSelector
	for _, c := range cs {
		s.add(&table, c)
	}

	require.Same(t, cs[0], s.selectNext(&table))
	s.rotate(&table, cs[0])
	require.Same(t, cs[1], s.selectNext(&table))
	s.rotate(&table, cs[1])
	require.Same(t, cs[2], s.selectNext(&table))

	require.True(t, s.remove(&table, cs[2]))
	require.False(t, s.remove(&table, cs[2]))
	require.Same(t, cs[0], s.selectNext(&table))
	requireCoherent(t, &s)

	requirePanicIs(t, ErrAlreadyQueued, func() { s.add(&table, cs[0]) })
}

func TestTaskSelector_rejectsFibers(t *testing.T) {
	table := newContextTable(1)
	c, ok := table.alloc()
	require.True(t, ok)
	var s taskSelector
	requirePanicIs(t, ErrNotFiber, func() { s.add(&table, c) })
}

func TestTaskSelector_coherence(t *testing.T) {
	const n = 48
	rng := rand.New(rand.NewSource(7))
	table := newContextTable(n)
	prios := make([]Priority, n)
	for i := range prios {
		prios[i] = Priority(rng.Intn(NumTaskPriorities))
	}
	cs := newTestTasks(t, &table, prios...)
	var s taskSelector

	for i := 0; i < 2000; i++ {
		c := cs[rng.Intn(n)]
		switch rng.Intn(3) {
		case 0:
			if !c.inSelector {
				s.add(&table, c)
			}
		case 1:
			s.remove(&table, c)
		case 2:
			s.rotate(&table, c)
		}
		requireCoherent(t, &s)

		var best *contextRecord
		for _, c := range cs {
			if c.inSelector && (best == nil || c.prio < best.prio) {
				best = c
			}
		}
		if best == nil {
			requirePanicIs(t, ErrNoReadyTask, func() { s.selectNext(&table) })
			continue
		}
		got := s.selectNext(&table)
		require.Equal(t, best.prio, got.prio)
		require.True(t, s.ready(got.prio))
	}
}
