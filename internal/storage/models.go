package storage

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the stored lifecycle state of a task.
type TaskStatus string

const (
	StatusWaiting    TaskStatus = "Waiting"
	StatusProcessing TaskStatus = "Processing"
	StatusPaused     TaskStatus = "Paused"
	StatusDone       TaskStatus = "Done"
	StatusFailed     TaskStatus = "Failed"
	StatusCancelled  TaskStatus = "Cancelled"
)

// IsTerminal reports whether no further work will happen for this status.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// TaskKind separates the url expansion phase from the actual downloads.
type TaskKind string

const (
	KindFetchURLContents   TaskKind = "FetchUrlContents"
	KindDownloadAndConvert TaskKind = "DownloadAndConvert"
)

// JobStatus is derived from a job's tasks and never stored.
type JobStatus string

const (
	JobWaiting       JobStatus = "Waiting"
	JobProcessing    JobStatus = "Processing"
	JobPaused        JobStatus = "Paused"
	JobDone          JobStatus = "Done"
	JobPartiallyDone JobStatus = "PartiallyDone"
	JobFailed        JobStatus = "Failed"
	JobCancelled     JobStatus = "Cancelled"
)

// Command is a user-issued state change for jobs or tasks.
type Command string

const (
	CommandPause  Command = "Pause"
	CommandResume Command = "Resume"
	CommandCancel Command = "Cancel"
	CommandRetry  Command = "Retry"
	CommandDelete Command = "Delete"
)

// Task represents one unit of work owned by a job
type Task struct {
	TaskID         uuid.UUID  `gorm:"primaryKey;type:text;column:task_id" json:"task_id"`
	OwnerJobID     uuid.UUID  `gorm:"index;type:text;column:owner_job_id" json:"owner_job_id"`
	Kind           TaskKind   `json:"kind"`
	Status         TaskStatus `gorm:"index" json:"status"`
	URL            string     `json:"url"`
	Format         string     `json:"format"`
	Thumbnail      string     `json:"thumbnail"`
	Title          string     `json:"title"`
	TaskIndex      int        `json:"-"` // insertion order within the job
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	Prioritized    bool       `json:"prioritized"`
	IsResumed      bool       `json:"is_resumed"`
	PendingCleanup bool       `json:"pending_cleanup"`
	PendingDelete  bool       `json:"pending_delete"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// Job represents one user submission. Status, timestamps, tasks and progress
// are derived from the owned tasks and never persisted.
type Job struct {
	JobID       uuid.UUID                  `gorm:"primaryKey;type:text;column:job_id" json:"job_id"`
	Status      JobStatus                  `gorm:"-" json:"status"`
	Tasks       []Task                     `gorm:"-" json:"tasks"`
	Thumbnail   string                     `json:"thumbnail"`
	URL         string                     `json:"url"`
	Format      string                     `json:"format"`
	CreatedAt   time.Time                  `json:"created_at"`
	StartedAt   *time.Time                 `gorm:"-" json:"started_at"`
	FinishedAt  *time.Time                 `gorm:"-" json:"finished_at"`
	Progress    map[uuid.UUID]TaskProgress `gorm:"-" json:"progress"`
	Prioritized bool                       `json:"prioritized"`
	Title       string                     `json:"title"`
}

// TableName specifies the table name for Job
func (Job) TableName() string {
	return "jobs"
}

// User owns an api token. A single admin user is provisioned at first start.
type User struct {
	UserID   uuid.UUID `gorm:"primaryKey;type:text;column:user_id" json:"user_id"`
	Name     string    `gorm:"uniqueIndex" json:"name"`
	APIToken string    `gorm:"column:api_token" json:"api_token"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// Session is a login handle created from an api token. Sessions never expire
// on their own; they only go away with ExpireAllSessions.
type Session struct {
	SessionToken uuid.UUID `gorm:"primaryKey;type:text;column:session_token" json:"session_token"`
	UserID       uuid.UUID `gorm:"index;type:text;column:user_id" json:"user_id"`
}

// TableName specifies the table name for Session
func (Session) TableName() string {
	return "sessions"
}

// TaskProgress is a live snapshot of a running download.
type TaskProgress struct {
	Percent         int   `json:"percent"`
	BytesEstimate   int64 `json:"bytes_estimate"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
}

// TaskStats are aggregate task counts, global or per job.
type TaskStats struct {
	NumTotal     int `json:"num_total"`
	NumActive    int `json:"num_active"`
	NumCancelled int `json:"num_cancelled"`
	NumWaiting   int `json:"num_waiting"`
	NumDone      int `json:"num_done"`
	NumFailed    int `json:"num_failed"`
}

// PendingOperations is a snapshot of rows flagged for cleanup or deletion.
// Rows still Processing are held back and only counted in NumBusy.
type PendingOperations struct {
	Cleanup []Task
	Delete  []uuid.UUID
	NumBusy int
}

// IsEmpty reports whether no sweep work is queued at all.
func (p PendingOperations) IsEmpty() bool {
	return len(p.Cleanup) == 0 && len(p.Delete) == 0 && p.NumBusy == 0
}

// AssembleTasks attaches tasks to the job and fills every derived field.
// The progress map starts empty; live progress is layered on by the caller.
func (j *Job) AssembleTasks(tasks []Task) {
	if tasks == nil {
		tasks = []Task{}
	}
	j.Tasks = tasks
	j.Status = DeriveJobStatus(tasks)
	j.StartedAt = earliestStart(tasks)
	if j.Status == JobWaiting || j.Status == JobProcessing {
		j.FinishedAt = nil
	} else {
		j.FinishedAt = latestFinish(tasks)
	}
	j.Progress = make(map[uuid.UUID]TaskProgress)
}

// DeriveJobStatus computes the job status from its tasks. While the url
// expansion task is not Done its status speaks for the whole job; afterwards
// only the download tasks count.
func DeriveJobStatus(tasks []Task) JobStatus {
	for _, t := range tasks {
		if t.Kind == KindFetchURLContents && t.Status != StatusDone {
			return JobStatus(t.Status)
		}
	}

	var total, processing, waiting, paused, done, failed, cancelled int
	for _, t := range tasks {
		if t.Kind != KindDownloadAndConvert {
			continue
		}
		total++
		switch t.Status {
		case StatusProcessing:
			processing++
		case StatusWaiting:
			waiting++
		case StatusPaused:
			paused++
		case StatusDone:
			done++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}

	switch {
	case total == 0:
		return JobDone
	case processing > 0:
		return JobProcessing
	case waiting > 0:
		return JobWaiting
	case paused > 0:
		return JobPaused
	case done > 0 && (failed > 0 || cancelled > 0):
		return JobPartiallyDone
	case done == total:
		return JobDone
	case cancelled > 0:
		return JobCancelled
	default:
		return JobFailed
	}
}

func earliestStart(tasks []Task) *time.Time {
	var min *time.Time
	for _, t := range tasks {
		if t.StartedAt == nil {
			continue
		}
		if min == nil || t.StartedAt.Before(*min) {
			v := *t.StartedAt
			min = &v
		}
	}
	return min
}

func latestFinish(tasks []Task) *time.Time {
	var max *time.Time
	for _, t := range tasks {
		if t.FinishedAt == nil {
			continue
		}
		if max == nil || t.FinishedAt.After(*max) {
			v := *t.FinishedAt
			max = &v
		}
	}
	return max
}
