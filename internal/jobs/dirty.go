package jobs

import "sync/atomic"

// dirtyMarker tells the scheduler loop that a whole class of work may exist
// without saying which rows. Sweeps run only while dirty, so an idle server
// does not hammer the database every tick.
type dirtyMarker struct {
	value atomic.Bool
}

func (m *dirtyMarker) markDirty() {
	m.value.Store(true)
}

func (m *dirtyMarker) markClean() {
	m.value.Store(false)
}

func (m *dirtyMarker) isDirty() bool {
	return m.value.Load()
}
