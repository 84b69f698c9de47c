package announce

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"project-magpie/internal/logger"
	"project-magpie/internal/storage"
)

type note struct {
	title, body string
}

func newTestAnnouncer(t *testing.T, enabled bool) (*Announcer, *storage.Storage, *[]note) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var notes []note
	a := New(logger.NewNop(), store, enabled)
	a.notify = func(title, body string) error {
		notes = append(notes, note{title, body})
		return nil
	}
	return a, store, &notes
}

// seedJob builds a job whose url expansion succeeded and whose downloads sit
// at the given statuses.
func seedJob(t *testing.T, s *storage.Storage, statuses ...storage.TaskStatus) storage.Job {
	t.Helper()
	job, err := s.CreateJob("https://example.com/list", "mp3")
	require.NoError(t, err)
	require.NoError(t, s.SetTaskStatus(job.Tasks[0].TaskID, storage.StatusDone))

	specs := make([]storage.NewTaskSpec, len(statuses))
	for i := range statuses {
		specs[i] = storage.NewTaskSpec{
			URL:   fmt.Sprintf("https://example.com/%d", i),
			Title: fmt.Sprintf("Item %d", i),
		}
	}
	require.NoError(t, s.AppendJobUpdate(job.JobID, "The Playlist", "", specs))

	assembled, err := s.GetJob(job.JobID)
	require.NoError(t, err)
	for i, status := range statuses {
		task := assembled.Tasks[i+1]
		require.NoError(t, s.DB.Model(&storage.Task{}).
			Where("task_id = ?", task.TaskID).
			Update("status", status).Error)
	}

	out, err := s.GetJob(job.JobID)
	require.NoError(t, err)
	return out
}

func TestDisabledAnnouncerStaysSilent(t *testing.T) {
	a, s, notes := newTestAnnouncer(t, false)
	job := seedJob(t, s, storage.StatusDone)

	a.OnTaskResult(job.Tasks[1], storage.StatusDone)
	a.OnTaskResult(job.Tasks[0], storage.StatusFailed)
	a.OnContentsEmpty(job.JobID)
	require.Empty(t, *notes)
}

func TestFetchFailureAnnouncement(t *testing.T) {
	a, s, notes := newTestAnnouncer(t, true)
	job, err := s.CreateJob("https://example.com/broken", "mp3")
	require.NoError(t, err)

	a.OnTaskResult(job.Tasks[0], storage.StatusFailed)
	require.Equal(t, []note{{"Failed to fetch video data", "https://example.com/broken"}}, *notes)

	// A successful fetch says nothing.
	*notes = nil
	a.OnTaskResult(job.Tasks[0], storage.StatusDone)
	require.Empty(t, *notes)
}

func TestEmptyContentsAnnouncement(t *testing.T) {
	a, s, notes := newTestAnnouncer(t, true)
	job, err := s.CreateJob("https://example.com/empty", "mp3")
	require.NoError(t, err)

	a.OnContentsEmpty(job.JobID)
	require.Equal(t, []note{{"No videos available.", "https://example.com/empty"}}, *notes)
}

func TestCompletionAnnouncements(t *testing.T) {
	tests := []struct {
		name     string
		statuses []storage.TaskStatus
		want     string
	}{
		{"all done", []storage.TaskStatus{storage.StatusDone, storage.StatusDone}, "Download complete"},
		{"partially done", []storage.TaskStatus{storage.StatusDone, storage.StatusFailed}, "Download partially complete"},
		{"paused remainder", []storage.TaskStatus{storage.StatusDone, storage.StatusPaused}, "Download paused"},
		{"all failed", []storage.TaskStatus{storage.StatusFailed, storage.StatusFailed}, "Download failed"},
		{"all cancelled", []storage.TaskStatus{storage.StatusCancelled, storage.StatusCancelled}, "Download cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, s, notes := newTestAnnouncer(t, true)
			job := seedJob(t, s, tt.statuses...)

			a.OnTaskResult(job.Tasks[1], tt.statuses[0])
			require.Equal(t, []note{{tt.want, "The Playlist"}}, *notes)
		})
	}
}

func TestNoAnnouncementWhileWorkRemains(t *testing.T) {
	a, s, notes := newTestAnnouncer(t, true)

	waiting := seedJob(t, s, storage.StatusDone, storage.StatusWaiting)
	a.OnTaskResult(waiting.Tasks[1], storage.StatusDone)
	require.Empty(t, *notes)

	active := seedJob(t, s, storage.StatusDone, storage.StatusProcessing)
	a.OnTaskResult(active.Tasks[1], storage.StatusDone)
	require.Empty(t, *notes)
}
