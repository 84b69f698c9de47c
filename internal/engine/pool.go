package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"project-magpie/internal/filesystem"
	"project-magpie/internal/storage"
)

// TaskResult is one finished worker's outcome, ready to be written back.
type TaskResult struct {
	Task      storage.Task
	Status    storage.TaskStatus // Done, Paused, Failed or Cancelled
	Expansion *ExpansionResult   // set for successful url expansions
	Err       error              // set when Status is Failed
}

// RunnerFunc executes one task; the pool treats it as a black box.
type RunnerFunc func(task storage.Task, handle *ControlHandle, cell *ProgressCell) (*ExpansionResult, error)

type worker struct {
	task   storage.Task
	handle *ControlHandle
	cell   *ProgressCell
	done   chan struct{}
	result TaskResult
}

// Pool runs up to capacity workers and keeps their control handles
// addressable by task and by owning job.
type Pool struct {
	mu       sync.Mutex
	log      *slog.Logger
	run      RunnerFunc
	files    *filesystem.Driver
	capacity int
	workers  map[uuid.UUID]*worker
	byJob    map[uuid.UUID][]uuid.UUID
}

func NewPool(log *slog.Logger, files *filesystem.Driver, capacity int, run RunnerFunc) *Pool {
	return &Pool{
		log:      log,
		run:      run,
		files:    files,
		capacity: capacity,
		workers:  make(map[uuid.UUID]*worker),
		byJob:    make(map[uuid.UUID][]uuid.UUID),
	}
}

// NumFreeWorkers reports how many more tasks the pool will take right now.
func (p *Pool) NumFreeWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - len(p.workers)
}

// NumRunning reports the current worker count.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// StartTask hands a task to a fresh worker goroutine. Starting a task that
// is already running is a no-op.
func (p *Pool) StartTask(task storage.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.workers[task.TaskID]; exists {
		return
	}

	w := &worker{
		task:   task,
		handle: NewControlHandle(),
		cell:   &ProgressCell{},
		done:   make(chan struct{}),
	}
	p.workers[task.TaskID] = w
	p.byJob[task.OwnerJobID] = append(p.byJob[task.OwnerJobID], task.TaskID)

	p.log.Info("Started worker.", "task_id", task.TaskID, "kind", task.Kind)
	go p.runWorker(w)
}

func (p *Pool) runWorker(w *worker) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Worker panicked.", "task_id", w.task.TaskID, "panic", r)
			w.result = TaskResult{
				Task:   w.task,
				Status: storage.StatusFailed,
				Err:    fmt.Errorf("worker panicked: %v", r),
			}
		}
	}()

	expansion, err := p.run(w.task, w.handle, w.cell)
	w.result = resultFromRun(w.task, expansion, err)
}

func resultFromRun(task storage.Task, expansion *ExpansionResult, err error) TaskResult {
	switch {
	case err == nil:
		return TaskResult{Task: task, Status: storage.StatusDone, Expansion: expansion}
	case errors.Is(err, ErrAborted):
		return TaskResult{Task: task, Status: storage.StatusCancelled}
	case errors.Is(err, ErrPaused):
		return TaskResult{Task: task, Status: storage.StatusPaused}
	default:
		return TaskResult{Task: task, Status: storage.StatusFailed, Err: err}
	}
}

// PollDone collects every finished worker without blocking and frees their
// slots.
func (p *Pool) PollDone() []TaskResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var results []TaskResult
	for id, w := range p.workers {
		select {
		case <-w.done:
		default:
			continue
		}
		results = append(results, w.result)
		delete(p.workers, id)
		p.dropJobIndex(w.task.OwnerJobID, id)
	}
	return results
}

func (p *Pool) dropJobIndex(jobID, taskID uuid.UUID) {
	ids := p.byJob[jobID]
	for i, id := range ids {
		if id == taskID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(p.byJob, jobID)
	} else {
		p.byJob[jobID] = ids
	}
}

// SignalTask routes a user command to the running worker of one task.
func (p *Pool) SignalTask(taskID uuid.UUID, cmd storage.Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[taskID]; ok {
		signalHandle(w.handle, cmd)
	}
}

// SignalJob routes a user command to every running worker of a job.
func (p *Pool) SignalJob(jobID uuid.UUID, cmd storage.Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, taskID := range p.byJob[jobID] {
		if w, ok := p.workers[taskID]; ok {
			signalHandle(w.handle, cmd)
		}
	}
}

// SignalAll routes a user command to every running worker.
func (p *Pool) SignalAll(cmd storage.Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		signalHandle(w.handle, cmd)
	}
}

// signalHandle maps user commands onto worker flags. Pause asks for a
// pausable exit, Cancel and Delete for a hard stop; everything else means
// nothing to a running worker.
func signalHandle(h *ControlHandle, cmd storage.Command) {
	switch cmd {
	case storage.CommandPause:
		h.SignalPause()
	case storage.CommandCancel, storage.CommandDelete:
		h.SignalStop()
	}
}

// WorkerProgress returns a copy of the live progress of a running task.
func (p *Pool) WorkerProgress(taskID uuid.UUID) (storage.TaskProgress, bool) {
	p.mu.Lock()
	w, ok := p.workers[taskID]
	p.mu.Unlock()
	if !ok {
		return storage.TaskProgress{}, false
	}
	return w.cell.Load(), true
}

// CleanUpAfterWorker removes the scratch tree of a task that is not running
// anymore.
func (p *Pool) CleanUpAfterWorker(taskID uuid.UUID) error {
	return p.files.RemoveTaskRoot(taskID.String())
}
