package engine

import "sync/atomic"

// ControlHandle lets the pool talk to a running worker. The worker polls the
// flags; both are one-way and never reset.
type ControlHandle struct {
	stop  atomic.Bool
	pause atomic.Bool
}

func NewControlHandle() *ControlHandle {
	return &ControlHandle{}
}

func (h *ControlHandle) SignalStop() {
	h.stop.Store(true)
}

func (h *ControlHandle) SignalPause() {
	h.pause.Store(true)
}

func (h *ControlHandle) StopRequested() bool {
	return h.stop.Load()
}

func (h *ControlHandle) PauseRequested() bool {
	return h.pause.Load()
}
