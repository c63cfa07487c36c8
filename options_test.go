package nanokernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_invalidOptions(t *testing.T) {
	noopCommand := func(*Dispatcher, *ArgBlock) {}
	noopEvent := func(EventID) bool { return true }

	for _, tc := range []struct {
		name string
		opt  Option
	}{
		{`negative tick period`, WithTickPeriod(-time.Second)},
		{`too few contexts`, WithMaxContexts(1)},
		{`empty command queue`, WithCommandQueueSize(0)},
		{`negative events`, WithEvents(-1)},
		{`nil event handler`, WithEventHandler(0, nil)},
		{`reserved op`, WithCommandHandler(OpTaskStart, noopCommand)},
		{`nil command handler`, WithCommandHandler(OpUser, nil)},
		{`invalid log rates`, WithLogRateLimits(map[time.Duration]int{time.Second: 0})},
		{`non-monotonic log rates`, WithLogRateLimits(map[time.Duration]int{time.Second: 10, time.Minute: 5})},
		{`event handler out of range`, WithEventHandler(DefaultEvents, noopEvent)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, err := New(tc.opt)
			assert.Error(t, err)
			assert.Nil(t, k)
		})
	}
}

func TestNew_eventHandlerOutOfRange(t *testing.T) {
	_, err := New(WithEvents(2), WithEventHandler(2, func(EventID) bool { return true }))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestResolveOptions_defaults(t *testing.T) {
	cfg, err := resolveOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTickPeriod, cfg.tickPeriod)
	assert.Equal(t, DefaultMaxContexts, cfg.maxContexts)
	assert.Equal(t, DefaultCommandQueueSize, cfg.commandQueueSize)
	assert.Equal(t, DefaultEvents, cfg.events)
	assert.Equal(t, Priority(0), cfg.dispatcherPriority)
	assert.NotNil(t, cfg.limiter)
	assert.Nil(t, cfg.logger)
}

func TestResolveOptions_overrides(t *testing.T) {
	cfg, err := resolveOptions([]Option{
		nil,
		WithTickPeriod(time.Second),
		WithMaxContexts(8),
		WithCommandQueueSize(4),
		WithEvents(3),
		WithDispatcherPriority(9),
		WithLogRateLimits(nil),
		WithCommandHandler(OpUser+1, func(*Dispatcher, *ArgBlock) {}),
		WithEventHandler(2, func(EventID) bool { return false }),
	})
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.tickPeriod)
	assert.Equal(t, 8, cfg.maxContexts)
	assert.Equal(t, 4, cfg.commandQueueSize)
	assert.Equal(t, 3, cfg.events)
	assert.Equal(t, Priority(9), cfg.dispatcherPriority)
	assert.Nil(t, cfg.limiter)
	assert.Contains(t, cfg.handlers, OpUser+1)
	assert.Contains(t, cfg.eventHandlers, EventID(2))
}

func TestNew_minimalKernel(t *testing.T) {
	k := newTestKernel(t, WithMaxContexts(2), WithEvents(0))
	_, err := k.SpawnFiber(FiberConfig{Name: "extra", Entry: func(*Fiber) {}})
	assert.ErrorIs(t, err, ErrNoContexts)
	require.NoError(t, k.Interrupt(func(isr *Interrupt) {
		assert.ErrorIs(t, k.SignalEvent(isr, 0), ErrInvalidEvent)
	}))
}
