package engine

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"project-magpie/internal/storage"
)

const progressPrefix = "[dl]"

// ProgressCell is a shared snapshot of one running download's progress. The
// worker goroutine writes it, readers copy it out.
type ProgressCell struct {
	mu       sync.Mutex
	progress storage.TaskProgress
}

func (c *ProgressCell) Store(p storage.TaskProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = p
}

func (c *ProgressCell) Load() storage.TaskProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// ParseProgressLine reads one "[dl] <elapsed> <estimate> <downloaded>" line
// as emitted by the progress template. Anything else, including lines where
// the byte counts do not parse yet ("NA"), reports false.
func ParseProgressLine(line string) (storage.TaskProgress, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != progressPrefix {
		return storage.TaskProgress{}, false
	}

	estimate, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return storage.TaskProgress{}, false
	}
	downloaded, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return storage.TaskProgress{}, false
	}

	p := storage.TaskProgress{
		BytesEstimate:   int64(estimate),
		BytesDownloaded: int64(downloaded),
	}
	if estimate > 0 {
		p.Percent = int(math.Round(downloaded * 100 / estimate))
	}
	return p, true
}
