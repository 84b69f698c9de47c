package jobs

import "sync/atomic"

// StopHandle is a one-way stop request that can be shared across components.
// Whoever holds a reference may request the stop; it is never reset.
type StopHandle struct {
	value atomic.Bool
}

func NewStopHandle() *StopHandle {
	return &StopHandle{}
}

func (h *StopHandle) Stop() {
	h.value.Store(true)
}

func (h *StopHandle) IsStopped() bool {
	return h.value.Load()
}
