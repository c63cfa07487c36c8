package nanokernel

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultTickPeriod is the real-time clock period used unless
	// WithTickPeriod is provided.
	DefaultTickPeriod = 10 * time.Millisecond

	// DefaultMaxContexts is the default capacity of the context table,
	// including the dispatcher fiber and the idle task.
	DefaultMaxContexts = 64

	// DefaultCommandQueueSize is the default capacity of the command queue.
	DefaultCommandQueueSize = 64

	// DefaultEvents is the default number of well-known events.
	DefaultEvents = 16
)

// kernelOptions holds configuration options for Kernel creation.
type kernelOptions struct {
	logger             *logiface.Logger[logiface.Event]
	limiter            *catrate.Limiter
	handlers           map[Op]CommandHandler
	eventHandlers      map[EventID]EventHandler
	tickPeriod         time.Duration
	maxContexts        int
	commandQueueSize   int
	events             int
	dispatcherPriority Priority
}

// Option configures a Kernel instance.
type Option interface {
	applyKernel(*kernelOptions) error
}

// kernelOptionImpl implements Option.
type kernelOptionImpl struct {
	applyKernelFunc func(*kernelOptions) error
}

func (x *kernelOptionImpl) applyKernel(opts *kernelOptions) error {
	return x.applyKernelFunc(opts)
}

// WithLogger attaches a structured logger. A nil logger disables logging,
// which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithLogRateLimits configures the per-category rate limits applied to
// warnings the dispatcher may emit repeatedly, e.g. for dropped packets. See
// catrate.NewLimiter for the format. A nil or empty map disables limiting.
// Defaults to 5 per second and 60 per minute.
func WithLogRateLimits(rates map[time.Duration]int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) (err error) {
		if len(rates) == 0 {
			opts.limiter = nil
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("nanokernel: invalid log rate limits: %v", r)
			}
		}()
		opts.limiter = catrate.NewLimiter(rates)
		return nil
	}}
}

// WithTickPeriod sets the period of the real-time clock, which announces one
// tick per period. A period of 0 disables the clock, in which case ticks
// must be announced via Kernel.Announce.
func WithTickPeriod(period time.Duration) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if period < 0 {
			return fmt.Errorf("nanokernel: negative tick period: %s", period)
		}
		opts.tickPeriod = period
		return nil
	}}
}

// WithMaxContexts sets the capacity of the context table. Two slots are
// reserved for the dispatcher fiber and the idle task.
func WithMaxContexts(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 2 {
			return fmt.Errorf("nanokernel: max contexts must be at least 2: %d", n)
		}
		opts.maxContexts = n
		return nil
	}}
}

// WithCommandQueueSize sets the capacity of the command queue.
func WithCommandQueueSize(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n <= 0 {
			return fmt.Errorf("nanokernel: command queue size must be positive: %d", n)
		}
		opts.commandQueueSize = n
		return nil
	}}
}

// WithEvents sets the number of well-known events, which are identified by
// the ids [0, n).
func WithEvents(n int) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if n < 0 {
			return fmt.Errorf("nanokernel: negative event count: %d", n)
		}
		opts.events = n
		return nil
	}}
}

// WithEventHandler installs a filter that runs on the dispatcher each time
// the event is signalled. The event is only delivered if the handler returns
// true.
func WithEventHandler(ev EventID, handler EventHandler) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if handler == nil {
			return fmt.Errorf("nanokernel: nil handler for event %d", ev)
		}
		if opts.eventHandlers == nil {
			opts.eventHandlers = make(map[EventID]EventHandler)
		}
		opts.eventHandlers[ev] = handler
		return nil
	}}
}

// WithCommandHandler adds an entry to the dispatch table. The op must be at
// least OpUser.
func WithCommandHandler(op Op, handler CommandHandler) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		if op < OpUser {
			return fmt.Errorf("nanokernel: op %d is reserved", op)
		}
		if handler == nil {
			return fmt.Errorf("nanokernel: nil handler for op %d", op)
		}
		if opts.handlers == nil {
			opts.handlers = make(map[Op]CommandHandler)
		}
		opts.handlers[op] = handler
		return nil
	}}
}

// WithDispatcherPriority sets the fiber priority of the command dispatcher.
// Defaults to 0, the highest priority.
func WithDispatcherPriority(priority Priority) Option {
	return &kernelOptionImpl{func(opts *kernelOptions) error {
		opts.dispatcherPriority = priority
		return nil
	}}
}

// resolveOptions applies Option instances to kernelOptions.
func resolveOptions(opts []Option) (*kernelOptions, error) {
	cfg := &kernelOptions{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		tickPeriod:       DefaultTickPeriod,
		maxContexts:      DefaultMaxContexts,
		commandQueueSize: DefaultCommandQueueSize,
		events:           DefaultEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyKernel(cfg); err != nil {
			return nil, err
		}
	}
	for ev := range cfg.eventHandlers {
		if int(ev) >= cfg.events {
			return nil, fmt.Errorf("%w: handler for event %d, with %d events", ErrInvalidEvent, ev, cfg.events)
		}
	}
	return cfg, nil
}
