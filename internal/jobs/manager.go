package jobs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"project-magpie/internal/announce"
	"project-magpie/internal/engine"
	"project-magpie/internal/storage"
)

// tickInterval paces the reconcile loop. Worker results and user commands
// are picked up within one tick.
const tickInterval = 100 * time.Millisecond

// Manager reconciles the database with the worker pool: it admits Waiting
// tasks up to the pool's capacity, records worker outcomes, turns finished
// url expansions into download tasks and sweeps scratch trees flagged for
// cleanup or deletion.
//
// mu serializes every compound store-and-pool operation; the pool's own
// mutex nests strictly below it. Pool methods never call back into the
// store, so acquiring mu first is the one and only lock order.
type Manager struct {
	log      *slog.Logger
	announce *announce.Announcer
	store    *storage.Storage
	pool     *engine.Pool
	stop     *StopHandle

	mu sync.Mutex

	jobsDirty    dirtyMarker
	cleanupDirty dirtyMarker
}

func NewManager(log *slog.Logger, announcer *announce.Announcer, store *storage.Storage, pool *engine.Pool) *Manager {
	m := &Manager{
		log:      log,
		announce: announcer,
		store:    store,
		pool:     pool,
		stop:     NewStopHandle(),
	}
	// Sweep and admit on the first tick; a restart may have left work behind.
	m.markDirty()
	return m
}

// StopHandle returns the handle that shuts the Run loop down.
func (m *Manager) StopHandle() *StopHandle {
	return m.stop
}

func (m *Manager) markDirty() {
	m.jobsDirty.markDirty()
	m.cleanupDirty.markDirty()
}

// ============= Control surface entry points =============

// CreateJob inserts a new job with its url expansion task.
func (m *Manager) CreateJob(url, format string) (storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.CreateJob(url, format)
	if err != nil {
		return storage.Job{}, err
	}
	m.markDirty()
	return job, nil
}

// ModifyTask applies a user command to one task: the row first, then the
// running worker, so a finished worker can never outrun its own state.
func (m *Manager) ModifyTask(id uuid.UUID, cmd storage.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ApplyTaskCommand(id, cmd); err != nil {
		return err
	}
	m.pool.SignalTask(id, cmd)
	m.markDirty()
	return nil
}

// ModifyJob applies a user command to every task of a job.
func (m *Manager) ModifyJob(id uuid.UUID, cmd storage.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.ApplyJobCommand(id, cmd); err != nil {
		return err
	}
	m.pool.SignalJob(id, cmd)
	m.markDirty()
	return nil
}

// ModifyAllJobs applies a user command to every task in the store.
func (m *Manager) ModifyAllJobs(cmd storage.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modifyAllJobsLocked(cmd)
}

func (m *Manager) modifyAllJobsLocked(cmd storage.Command) error {
	if err := m.store.ApplyCommandToAllJobs(cmd); err != nil {
		return err
	}
	m.pool.SignalAll(cmd)
	m.markDirty()
	return nil
}

// GetJob returns one job with live progress for its running tasks.
func (m *Manager) GetJob(id uuid.UUID) (storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJob(id)
	if err != nil {
		return storage.Job{}, err
	}
	m.populateProgress(&job)
	return job, nil
}

// GetAllJobs returns every job, newest first, with live progress.
func (m *Manager) GetAllJobs() ([]storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.store.GetAllJobs()
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		m.populateProgress(&jobs[i])
	}
	return jobs, nil
}

// GetGlobalStats aggregates task counts across all jobs.
func (m *Manager) GetGlobalStats() (storage.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.GetGlobalTaskStats()
}

func (m *Manager) populateProgress(job *storage.Job) {
	for _, task := range job.Tasks {
		if task.Status != storage.StatusProcessing {
			continue
		}
		if progress, ok := m.pool.WorkerProgress(task.TaskID); ok {
			job.Progress[task.TaskID] = progress
		}
	}
}

// ============= Reconcile loop =============

// Run drives the scheduler until the stop handle fires and every admitted
// worker has been collected. Per-tick errors are logged, never fatal; the
// next tick retries.
func (m *Manager) Run() {
	m.log.Info("Started job manager.")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	stopping := false
	for range ticker.C {
		if m.stop.IsStopped() && !stopping {
			stopping = true
			if err := m.ModifyAllJobs(storage.CommandCancel); err != nil {
				m.log.Error("Failed to cancel jobs for shutdown.", "error", err)
			}
		}

		if m.cleanupDirty.isDirty() {
			busy, err := m.sweepPendingOperations()
			if err != nil {
				m.log.Error("Failed to sweep pending operations.", "error", err)
			} else if !busy {
				m.cleanupDirty.markClean()
			}
		}

		if m.collectResults() {
			m.markDirty()
		}

		if !stopping && m.jobsDirty.isDirty() {
			if err := m.admitTasks(); err != nil {
				m.log.Error("Failed to admit tasks.", "error", err)
			} else {
				m.jobsDirty.markClean()
			}
		}

		if stopping && m.pool.NumRunning() == 0 {
			break
		}
	}
	m.log.Info("Shut down job manager.")
}

// sweepPendingOperations removes flagged scratch trees and deletes rows
// scheduled for removal. It reports whether flagged rows were held back
// because their workers are still running; the sweep stays dirty then.
func (m *Manager) sweepPendingOperations() (bool, error) {
	// Read the snapshot without touching the pool, then re-enter for the
	// combined sweep. Keeps mu hold times short on the common empty path.
	m.mu.Lock()
	ops, err := m.store.GetPendingOperations()
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	if ops.IsEmpty() {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := make([]uuid.UUID, 0, len(ops.Cleanup))
	for _, task := range ops.Cleanup {
		m.log.Info("Cleaning up after task.", "task_id", task.TaskID)
		if err := m.pool.CleanUpAfterWorker(task.TaskID); err != nil {
			// Keep the flag set; a later sweep retries.
			m.log.Warn("Failed to remove scratch directory.", "task_id", task.TaskID, "error", err)
			continue
		}
		cleaned = append(cleaned, task.TaskID)
	}
	if err := m.store.ConfirmCleanup(cleaned); err != nil {
		return true, err
	}
	if err := m.store.ConfirmDeletion(ops.Delete); err != nil {
		return true, err
	}
	return ops.NumBusy > 0, nil
}

// collectResults drains the pool and persists each outcome before anything
// reacts to it. Reports whether any worker finished.
func (m *Manager) collectResults() bool {
	m.mu.Lock()
	results := m.pool.PollDone()
	for _, result := range results {
		if err := m.store.SetTaskStatus(result.Task.TaskID, result.Status); err != nil {
			m.log.Error("Failed to record task status.", "task_id", result.Task.TaskID, "error", err)
		}
	}
	m.mu.Unlock()

	for _, result := range results {
		m.handleResult(result)
	}
	return len(results) > 0
}

func (m *Manager) handleResult(result engine.TaskResult) {
	switch result.Status {
	case storage.StatusDone:
		m.log.Info("Task finished successfully.", "task_id", result.Task.TaskID)
	case storage.StatusPaused:
		m.log.Info("Task has been paused.", "task_id", result.Task.TaskID)
	case storage.StatusCancelled:
		m.log.Info("Task has been cancelled.", "task_id", result.Task.TaskID)
	default:
		m.log.Error("Task has failed.", "task_id", result.Task.TaskID, "error", result.Err)
	}

	m.announce.OnTaskResult(result.Task, result.Status)

	if result.Task.Kind == storage.KindFetchURLContents {
		m.applyExpansion(result)
	}
}

// applyExpansion turns a finished url expansion into the job's download
// tasks. An empty expansion only warrants an announcement.
func (m *Manager) applyExpansion(result engine.TaskResult) {
	if result.Expansion == nil {
		return
	}
	jobID := result.Task.OwnerJobID

	if len(result.Expansion.Items) == 0 {
		m.announce.OnContentsEmpty(jobID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.store.AppendJobUpdate(jobID, result.Expansion.Title, result.Expansion.Thumbnail, result.Expansion.Items)
	if err != nil {
		m.log.Error("Failed to append discovered tasks.", "job_id", jobID, "error", err)
		return
	}
	m.log.Info("Expanded job.", "job_id", jobID, "num_tasks", len(result.Expansion.Items))
}

// admitTasks fills the pool's free slots with the oldest Waiting tasks.
func (m *Manager) admitTasks() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, err := m.store.AcquireTasks(m.pool.NumFreeWorkers())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		m.pool.StartTask(task)
	}
	return nil
}
