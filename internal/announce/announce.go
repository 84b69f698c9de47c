package announce

import (
	"log/slog"

	"github.com/gen2brain/beeep"
	"github.com/google/uuid"

	"project-magpie/internal/storage"
)

// Announcer shows desktop notifications for job milestones. Display failures
// are logged and swallowed; a broken notification daemon must never affect
// the queue.
type Announcer struct {
	log     *slog.Logger
	store   *storage.Storage
	enabled bool
	notify  func(title, body string) error
}

func New(log *slog.Logger, store *storage.Storage, enabled bool) *Announcer {
	return &Announcer{
		log:     log,
		store:   store,
		enabled: enabled,
		notify: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
}

// OnTaskResult inspects one finished worker outcome. A download result may
// complete its job and deserve a summary; a failed url expansion is worth a
// warning of its own.
func (a *Announcer) OnTaskResult(task storage.Task, status storage.TaskStatus) {
	if !a.enabled {
		return
	}

	switch task.Kind {
	case storage.KindDownloadAndConvert:
		if a.jobJustCompleted(task.OwnerJobID) {
			a.showCompletion(task.OwnerJobID)
		}
	case storage.KindFetchURLContents:
		if status == storage.StatusFailed {
			a.showFetchFailed(task.OwnerJobID)
		}
	}
}

// OnContentsEmpty reports a url expansion that succeeded but found nothing
// to download.
func (a *Announcer) OnContentsEmpty(jobID uuid.UUID) {
	if !a.enabled {
		return
	}
	job, err := a.store.GetJob(jobID)
	if err != nil {
		a.log.Warn("Failed to load job for announcement.", "job_id", jobID, "error", err)
		return
	}
	a.show("No videos available.", job.URL)
}

// jobJustCompleted is true when the job had real downloads and none of them
// is waiting or running anymore.
func (a *Announcer) jobJustCompleted(jobID uuid.UUID) bool {
	stats, err := a.store.GetJobTaskStats(jobID)
	if err != nil {
		a.log.Warn("Failed to load job stats for announcement.", "job_id", jobID, "error", err)
		return false
	}
	return stats.NumTotal > 1 && stats.NumWaiting == 0 && stats.NumActive == 0
}

func (a *Announcer) showCompletion(jobID uuid.UUID) {
	job, err := a.store.GetJob(jobID)
	if err != nil {
		a.log.Warn("Failed to load job for announcement.", "job_id", jobID, "error", err)
		return
	}

	var text string
	switch job.Status {
	case storage.JobDone:
		text = "Download complete"
	case storage.JobPartiallyDone:
		text = "Download partially complete"
	case storage.JobPaused:
		text = "Download paused"
	case storage.JobFailed:
		text = "Download failed"
	case storage.JobCancelled:
		text = "Download cancelled"
	default:
		return
	}
	a.show(text, job.Title)
}

func (a *Announcer) showFetchFailed(jobID uuid.UUID) {
	job, err := a.store.GetJob(jobID)
	if err != nil {
		a.log.Warn("Failed to load job for announcement.", "job_id", jobID, "error", err)
		return
	}
	a.show("Failed to fetch video data", job.URL)
}

func (a *Announcer) show(title, body string) {
	if err := a.notify(title, body); err != nil {
		a.log.Warn("Failed to show announcement.", "title", title, "error", err)
	}
}
