// Command nanokernel boots a kernel running a small producer/consumer
// workload, driven by a simulated device interrupt, and logs its counters
// when done.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/go-nanokernel"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

const deviceEvent nanokernel.EventID = 0

type config struct {
	duration  time.Duration
	tick      time.Duration
	irq       time.Duration
	consumers int
	level     string
}

func main() {
	var cfg config
	flag.DurationVar(&cfg.duration, `duration`, 2*time.Second, `how long to run for`)
	flag.DurationVar(&cfg.tick, `tick`, nanokernel.DefaultTickPeriod, `system clock period`)
	flag.DurationVar(&cfg.irq, `irq`, 25*time.Millisecond, `device interrupt period`)
	flag.IntVar(&cfg.consumers, `consumers`, 3, `number of consumer fibers`)
	flag.StringVar(&cfg.level, `level`, `info`, `log level (trace, debug, info, warning)`)
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLevel(s string) (logiface.Level, error) {
	switch s {
	case `trace`:
		return logiface.LevelTrace, nil
	case `debug`:
		return logiface.LevelDebug, nil
	case `info`:
		return logiface.LevelInformational, nil
	case `warning`:
		return logiface.LevelWarning, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf(`unknown log level: %q`, s)
	}
}

func run(cfg config) error {
	level, err := parseLevel(cfg.level)
	if err != nil {
		return err
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	k, err := nanokernel.New(
		nanokernel.WithLogger(logger),
		nanokernel.WithTickPeriod(cfg.tick),
		nanokernel.WithEvents(1),
	)
	if err != nil {
		return err
	}

	items, err := k.NewSemaphore(nanokernel.WithLimit(64))
	if err != nil {
		return err
	}

	for i := 0; i < cfg.consumers; i++ {
		if _, err := k.SpawnFiber(nanokernel.FiberConfig{
			Name:     fmt.Sprintf(`consumer-%d`, i),
			Priority: nanokernel.Priority(10 + i),
			Entry:    consumer(logger, items),
		}); err != nil {
			return err
		}
	}

	if _, err := k.SpawnTask(nanokernel.TaskConfig{
		Name:     `producer`,
		Priority: 20,
		Entry:    producer(logger, items),
	}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, cfg.duration)
	defer cancel()

	go device(ctx, k, cfg.irq)

	err = k.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = nil
	}

	stats := k.Stats()
	logger.Info().
		Uint64(`context_switches`, stats.ContextSwitches).
		Uint64(`task_switches`, stats.TaskSwitches).
		Uint64(`interrupts`, stats.Interrupts).
		Uint64(`timeouts`, stats.Timeouts).
		Uint64(`commands`, stats.Commands).
		Uint64(`events`, stats.Events).
		Log(`kernel stats`)

	return err
}

// device raises the device event from an interrupt handler, once per
// period.
func device(ctx context.Context, k *nanokernel.Kernel, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := k.Interrupt(func(isr *nanokernel.Interrupt) {
			_ = k.SignalEvent(isr, deviceEvent)
		}); err != nil {
			return
		}
	}
}

// producer waits for the device, then gives one item per event.
func producer(logger *logiface.Logger[logiface.Event], items *nanokernel.Semaphore) func(t *nanokernel.Task) {
	return func(t *nanokernel.Task) {
		for n := 0; ; n++ {
			if _, err := t.WaitEvent(deviceEvent); err != nil {
				logger.Err().
					Err(err).
					Log(`producer wait failed`)
				return
			}
			items.Give(t)
			logger.Debug().
				Int(`item`, n).
				Log(`produced`)
		}
	}
}

// consumer takes items, giving up after a bounded wait.
func consumer(logger *logiface.Logger[logiface.Event], items *nanokernel.Semaphore) func(f *nanokernel.Fiber) {
	return func(f *nanokernel.Fiber) {
		for {
			switch r := items.TakeWaitTimeout(f, 50); r {
			case nanokernel.Available:
				logger.Debug().
					Str(`fiber`, f.Name()).
					Log(`consumed`)
			default:
				logger.Info().
					Str(`fiber`, f.Name()).
					Stringer(`result`, r).
					Log(`consumer idle`)
			}
		}
	}
}
