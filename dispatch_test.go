package nanokernel

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_yieldsToReadiedFiber(t *testing.T) {
	var (
		rec recorder
		sem *Semaphore
	)
	k := newTestKernel(t,
		WithDispatcherPriority(5),
		WithCommandHandler(OpUser, func(d *Dispatcher, args *ArgBlock) {
			rec.add(fmt.Sprint("cmd", args.Data))
			sem.Reset(d.Fiber())
		}),
	)
	sem, err := k.NewSemaphore()
	require.NoError(t, err)

	_, err = k.SpawnFiber(FiberConfig{
		Name:     "waiter",
		Priority: 5,
		Entry: func(f *Fiber) {
			rec.add("fiber " + sem.TakeWait(f).String())
		},
	})
	require.NoError(t, err)

	runKernel(t, k)
	require.Eventually(t, func() bool { return k.Stats().Idles > 0 }, testTimeout, timeoutPoll)

	require.NoError(t, k.Interrupt(func(isr *Interrupt) {
		assert.NoError(t, k.Post(isr, CommandPacket(&ArgBlock{Op: OpUser, Data: 1})))
		assert.NoError(t, k.Post(isr, CommandPacket(&ArgBlock{Op: OpUser, Data: 2})))
	}))
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, testTimeout, timeoutPoll)

	assert.Equal(t, []string{"cmd1", "fiber Reset", "cmd2"}, rec.get())
	assert.Equal(t, uint64(2), k.Stats().Commands)
}

func TestDispatcher_taskPostIsSynchronous(t *testing.T) {
	var k *Kernel
	k = newTestKernel(t, WithCommandHandler(OpUser+1, func(d *Dispatcher, args *ArgBlock) {
		assert.Same(t, k, d.Kernel())
		args.Data = args.Data.(int) * 2
		args.Err = errTest
	}))
	done := make(chan struct{})

	_, err := k.SpawnTask(TaskConfig{
		Name:     "client",
		Priority: 5,
		Entry: func(task *Task) {
			defer close(done)

			args := &ArgBlock{Op: OpUser + 1, Data: 21}
			assert.NoError(t, k.Post(task, CommandPacket(args)))
			assert.Equal(t, 42, args.Data)
			assert.ErrorIs(t, args.Err, errTest)

			unknown := &ArgBlock{Op: OpUser + 2}
			assert.NoError(t, k.Post(task, CommandPacket(unknown)))
			assert.ErrorIs(t, unknown.Err, ErrUnknownCommand)
		},
	})
	require.NoError(t, err)

	runKernel(t, k)
	waitClosed(t, done)

	stats := k.Stats()
	assert.Equal(t, uint64(1), stats.DroppedPackets)
}

func TestDispatcher_fiberPostHandsOff(t *testing.T) {
	var rec recorder
	k := newTestKernel(t, WithCommandHandler(OpUser, func(*Dispatcher, *ArgBlock) {
		rec.add("handled")
	}))
	done := make(chan struct{})

	_, err := k.SpawnFiber(FiberConfig{
		Name:     "poster",
		Priority: 5,
		Entry: func(f *Fiber) {
			defer close(done)
			// the dispatcher is waiting for packets, so it runs first
			assert.NoError(t, k.Post(f, CommandPacket(&ArgBlock{Op: OpUser})))
			rec.add("after post")
		},
	})
	require.NoError(t, err)

	runKernel(t, k)
	waitClosed(t, done)
	assert.Equal(t, []string{"handled", "after post"}, rec.get())
}

func TestDispatcher_dropsInvalidPackets(t *testing.T) {
	k := newTestKernel(t, WithEvents(1))
	args := &ArgBlock{Op: OpUser + 5}

	runKernel(t, k)
	require.NoError(t, k.Interrupt(func(isr *Interrupt) {
		assert.NoError(t, k.Post(isr, EventPacket(9)))
		assert.NoError(t, k.Post(isr, CommandPacket(args)))
	}))

	require.Eventually(t, func() bool { return k.Stats().DroppedPackets == 2 }, testTimeout, timeoutPoll)
	assert.ErrorIs(t, args.Err, ErrUnknownCommand)
	assert.Equal(t, uint64(0), k.Stats().Events)
	assert.Equal(t, StateRunning, k.State())
}

func TestDispatcher_dropLogIsRateLimited(t *testing.T) {
	var buf syncBuffer
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf)),
		stumpy.L.WithLevel(logiface.LevelWarning),
	).Logger()
	k := newTestKernel(t,
		WithLogger(logger),
		WithLogRateLimits(map[time.Duration]int{time.Hour: 1}),
	)

	runKernel(t, k)
	require.NoError(t, k.Interrupt(func(isr *Interrupt) {
		for i := 0; i < 3; i++ {
			assert.NoError(t, k.Post(isr, CommandPacket(&ArgBlock{Op: OpUser + 9})))
		}
	}))

	require.Eventually(t, func() bool { return k.Stats().DroppedPackets == 3 }, testTimeout, timeoutPoll)
	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "dropped packet"), out)
	assert.Contains(t, out, "limited_until")
}

func TestKernel_Post_queueFull(t *testing.T) {
	k := newTestKernel(t, WithCommandQueueSize(1))

	require.NoError(t, k.Interrupt(func(isr *Interrupt) {
		assert.NoError(t, k.Post(isr, EventPacket(0)))
		assert.ErrorIs(t, k.Post(isr, EventPacket(0)), ErrCommandQueueFull)
	}))
	assert.Equal(t, uint64(1), k.Stats().DroppedPackets)
}

func TestKernel_Post_afterHalt(t *testing.T) {
	k := newTestKernel(t)
	var isr *Interrupt
	require.NoError(t, k.Interrupt(func(x *Interrupt) { isr = x }))
	require.NoError(t, k.Shutdown(t.Context()))

	assert.ErrorIs(t, k.Interrupt(func(*Interrupt) {}), ErrKernelTerminated)
	requirePanicIs(t, ErrInterruptDone, func() { _ = k.Post(isr, EventPacket(0)) })
}

func TestCommandPacket_nil(t *testing.T) {
	assert.Panics(t, func() { CommandPacket(nil) })

	p := EventPacket(7)
	ev, ok := p.Event()
	assert.True(t, ok)
	assert.Equal(t, EventID(7), ev)
	_, ok = p.Args()
	assert.False(t, ok)

	args := &ArgBlock{Op: OpUser}
	p = CommandPacket(args)
	_, ok = p.Event()
	assert.False(t, ok)
	got, ok := p.Args()
	assert.True(t, ok)
	assert.Same(t, args, got)
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "TaskStart", OpTaskStart.String())
	assert.Equal(t, "Op(35)", (OpUser + 3).String())
}
