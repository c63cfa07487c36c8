package nanokernel

// EventHandler filters a well-known event on the dispatcher, before it is
// delivered. Returning false discards the signal.
type EventHandler func(ev EventID) bool

// event is the state of a well-known event: at most one waiting task, and a
// latch recording a signal no task was waiting for.
type event struct {
	handler EventHandler
	waiter  *contextRecord
	latched bool
}

// SignalEvent signals ev on behalf of c, by posting an event packet. The
// waiting task, if any, becomes selectable again, otherwise the event is
// latched until a task waits on or polls it.
func (k *Kernel) SignalEvent(c Caller, ev EventID) error {
	if int(ev) >= len(k.events) {
		return ErrInvalidEvent
	}
	return k.Post(c, EventPacket(ev))
}

// signalEvent delivers ev, on the dispatcher.
func (k *Kernel) signalEvent(ev EventID) {
	if h := k.events[ev].handler; h != nil && !h(ev) {
		return
	}

	defer k.mask.lock().unlock()
	k.stats.events++
	e := &k.events[ev]
	c := e.waiter
	if c == nil {
		e.latched = true
		return
	}
	e.waiter = nil
	c.args.Result = Available
	k.setTaskState(c, 0, taskWaitingEvent)
	k.logger.Trace().
		Uint64(`event`, uint64(ev)).
		Stringer(`task`, c).
		Log(`event delivered`)
}
