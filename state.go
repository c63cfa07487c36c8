package nanokernel

import (
	"sync/atomic"
)

// KernelState represents the lifecycle state of a Kernel.
//
//	StateAwake   → StateRunning  [Run]
//	StateAwake   → StateHalted   [Shutdown]
//	StateRunning → StateHalting  [Shutdown, context cancel, essential fault]
//	StateHalting → StateHalted   [all contexts released]
type KernelState uint32

const (
	// StateAwake indicates the kernel has been created but not started.
	StateAwake KernelState = iota
	// StateRunning indicates the kernel is scheduling contexts.
	StateRunning
	// StateHalting indicates the kernel is releasing its contexts.
	StateHalting
	// StateHalted indicates the kernel has stopped, and cannot be restarted.
	StateHalted
)

// String returns a human-readable representation of the state.
func (s KernelState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateHalting:
		return "Halting"
	case StateHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// kernelState is a lock-free lifecycle state machine.
type kernelState struct {
	v atomic.Uint32
}

func (s *kernelState) Load() KernelState {
	return KernelState(s.v.Load())
}

func (s *kernelState) Store(state KernelState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *kernelState) TryTransition(from, to KernelState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
