package nanokernel

import (
	"fmt"
)

// dropCategory is a catrate category for dropped packet warnings.
type dropCategory struct {
	op    Op
	event bool
}

// dispatchLoop is the entry of the dispatcher fiber. It alternates between
// draining the command queue and selecting the next task, and never returns.
func (k *Kernel) dispatchLoop(f *Fiber) {
	d := &Dispatcher{k: k, f: f}
	sem := k.commands.sem
	for {
		sem.TakeWait(f)
		for {
			k.dispatchPacket(d, k.popPacket())
			if k.finishPacket() {
				f.Yield()
			}
			if sem.Take() != Available {
				break
			}
		}
		k.selectTask()
	}
}

func (k *Kernel) popPacket() Packet {
	defer k.mask.lock().unlock()
	p, ok := k.commands.pop()
	if !ok {
		panic(`nanokernel: command semaphore out of sync with queue`)
	}
	return p
}

// dispatchPacket routes p to the event signaller or the dispatch table.
func (k *Kernel) dispatchPacket(d *Dispatcher, p Packet) {
	if ev, ok := p.Event(); ok {
		if int(ev) >= len(k.events) {
			k.dropPacket(dropCategory{event: true}, fmt.Sprintf("event %d", ev))
			return
		}
		k.signalEvent(ev)
		return
	}

	args, _ := p.Args()
	h := k.handlers[args.Op]
	if h == nil {
		args.Err = ErrUnknownCommand
		k.dropPacket(dropCategory{op: args.Op}, args.Op.String())
		return
	}
	k.countCommand()
	h(d, args)
}

func (k *Kernel) countCommand() {
	defer k.mask.lock().unlock()
	k.stats.commands++
}

// dropPacket logs a discarded packet, rate limited per category.
func (k *Kernel) dropPacket(category dropCategory, what string) {
	func() {
		defer k.mask.lock().unlock()
		k.stats.droppedPackets++
	}()
	next, ok := k.limiter.Allow(category)
	if !ok {
		return
	}
	b := k.logger.Warning().
		Str(`packet`, what)
	if !next.IsZero() {
		b = b.Time(`limited_until`, next)
	}
	b.Log(`dropped packet`)
}

// selectTask installs the highest priority ready task, as the task the CPU
// falls back to when no fiber is ready.
func (k *Kernel) selectTask() {
	defer k.mask.lock().unlock()
	k.selectTaskLocked()
}

// CALLER MUST HOLD THE INTERRUPT MASK.
func (k *Kernel) selectTaskLocked() {
	next := k.selector.selectNext(&k.table)
	if next == k.task {
		return
	}
	k.logger.Debug().
		Stringer(`from`, k.task).
		Stringer(`to`, next).
		Log(`task selected`)
	k.task = next
	k.stats.taskSwitches++
}
