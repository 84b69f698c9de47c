package storage

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// AdminUserName is the account the CLI prints the api token for.
	AdminUserName = "admin"
	tokenLength   = 32
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at path, migrates the schema and
// prepares it for a server run: tasks left Waiting or Processing by a dead
// process become Failed, and the admin user exists afterwards.
func Open(path string) (*Storage, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(3)

	// Enable WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	if err := db.AutoMigrate(&Job{}, &Task{}, &User{}, &Session{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &Storage{DB: db}
	if err := s.resetState(); err != nil {
		return nil, fmt.Errorf("failed to reset task state: %w", err)
	}
	if err := s.ensureAdminUser(); err != nil {
		return nil, fmt.Errorf("failed to provision admin user: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// resetState compensates for a crash or kill: anything that was in flight or
// admissible when the last process died cannot be trusted anymore.
func (s *Storage) resetState() error {
	return s.DB.Model(&Task{}).
		Where("status IN ?", []TaskStatus{StatusWaiting, StatusProcessing}).
		Updates(map[string]interface{}{
			"status":      StatusFailed,
			"finished_at": gorm.Expr("started_at"),
		}).Error
}

func (s *Storage) ensureAdminUser() error {
	var count int64
	if err := s.DB.Model(&User{}).Where("name = ?", AdminUserName).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := s.AddUser(AdminUserName)
	return err
}

func generateAPIToken() (string, error) {
	out := make([]byte, tokenLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to draw token character: %w", err)
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out), nil
}

// ============= Job & Task Lifecycle =============

// CreateJob inserts a new job together with its url expansion task and
// returns the assembled job.
func (s *Storage) CreateJob(url, format string) (Job, error) {
	now := time.Now()
	job := Job{
		JobID:     uuid.New(),
		URL:       url,
		Format:    format,
		Thumbnail: "",
		Title:     "...",
		CreatedAt: now,
	}
	fetch := Task{
		TaskID:     uuid.New(),
		OwnerJobID: job.JobID,
		Kind:       KindFetchURLContents,
		Status:     StatusWaiting,
		URL:        url,
		Format:     format,
		Title:      "[Fetch Contents]",
		TaskIndex:  0,
		CreatedAt:  now,
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&job).Error; err != nil {
			return err
		}
		return tx.Create(&fetch).Error
	})
	if err != nil {
		return Job{}, err
	}

	job.AssembleTasks([]Task{fetch})
	return job, nil
}

// AcquireTasks moves up to n admissible tasks to Processing in submission
// order and returns their snapshots. Rows flagged for deletion never run.
func (s *Storage) AcquireTasks(n int) ([]Task, error) {
	if n <= 0 {
		return nil, nil
	}

	var acquired []Task
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var tasks []Task
		if err := tx.Where("status = ? AND pending_delete = ?", StatusWaiting, false).
			Order("created_at, task_index").
			Limit(n).
			Find(&tasks).Error; err != nil {
			return err
		}

		now := time.Now()
		for i := range tasks {
			if err := tx.Model(&Task{}).Where("task_id = ?", tasks[i].TaskID).
				Updates(map[string]interface{}{
					"status":      StatusProcessing,
					"started_at":  now,
					"finished_at": nil,
				}).Error; err != nil {
				return err
			}
			tasks[i].Status = StatusProcessing
			tasks[i].StartedAt = &now
			tasks[i].FinishedAt = nil
		}
		acquired = tasks
		return nil
	})
	return acquired, err
}

// applyCommand applies a user command to every task matched by the scoped
// query. Rows the command does not apply to are left alone.
func applyCommand(q *gorm.DB, cmd Command) error {
	switch cmd {
	case CommandPause:
		return q.Where("status = ?", StatusWaiting).
			Update("status", StatusPaused).Error
	case CommandResume:
		return q.Where("status = ?", StatusPaused).
			Updates(map[string]interface{}{"status": StatusWaiting, "is_resumed": true}).Error
	case CommandCancel:
		return q.Where("status IN ?", []TaskStatus{StatusWaiting, StatusPaused}).
			Updates(map[string]interface{}{"status": StatusCancelled, "finished_at": time.Now()}).Error
	case CommandRetry:
		return q.Where("status IN ?", []TaskStatus{StatusFailed, StatusCancelled}).
			Update("status", StatusWaiting).Error
	case CommandDelete:
		return q.Updates(map[string]interface{}{"pending_delete": true, "pending_cleanup": true}).Error
	default:
		return nil
	}
}

// ApplyTaskCommand applies a user command to one task.
func (s *Storage) ApplyTaskCommand(taskID uuid.UUID, cmd Command) error {
	return applyCommand(s.DB.Model(&Task{}).Where("task_id = ?", taskID), cmd)
}

// ApplyJobCommand applies a user command to every task of a job.
func (s *Storage) ApplyJobCommand(jobID uuid.UUID, cmd Command) error {
	return applyCommand(s.DB.Model(&Task{}).Where("owner_job_id = ?", jobID), cmd)
}

// ApplyCommandToAllJobs applies a user command to every task there is.
func (s *Storage) ApplyCommandToAllJobs(cmd Command) error {
	q := s.DB.Model(&Task{}).Session(&gorm.Session{AllowGlobalUpdate: true})
	return applyCommand(q, cmd)
}

// SetTaskStatus records a worker outcome. Terminal statuses stamp
// finished_at; Done additionally flags the scratch tree for cleanup.
func (s *Storage) SetTaskStatus(taskID uuid.UUID, status TaskStatus) error {
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": nil,
	}
	if status.IsTerminal() {
		updates["finished_at"] = time.Now()
	}
	if status == StatusDone {
		updates["pending_cleanup"] = true
	}
	return s.DB.Model(&Task{}).Where("task_id = ?", taskID).Updates(updates).Error
}

// NewTaskSpec describes one download task discovered by url expansion.
type NewTaskSpec struct {
	URL       string
	Title     string
	Thumbnail string
}

// AppendJobUpdate applies the outcome of url expansion: the job header gets
// the discovered title and thumbnail, and one download task per item is
// appended after the job's current highest task index.
func (s *Storage) AppendJobUpdate(jobID uuid.UUID, title, thumbnail string, items []NewTaskSpec) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.First(&job, "job_id = ?", jobID).Error; err != nil {
			return err
		}

		if err := tx.Model(&Job{}).Where("job_id = ?", jobID).
			Updates(map[string]interface{}{"title": title, "thumbnail": thumbnail}).Error; err != nil {
			return err
		}

		var nextIndex int
		row := tx.Model(&Task{}).Where("owner_job_id = ?", jobID).
			Select("IFNULL(MAX(task_index), -1) + 1").Row()
		if err := row.Scan(&nextIndex); err != nil {
			return err
		}

		now := time.Now()
		for i, item := range items {
			task := Task{
				TaskID:     uuid.New(),
				OwnerJobID: jobID,
				Kind:       KindDownloadAndConvert,
				Status:     StatusWaiting,
				URL:        item.URL,
				Format:     job.Format,
				Thumbnail:  item.Thumbnail,
				Title:      item.Title,
				TaskIndex:  nextIndex + i,
				CreatedAt:  now,
			}
			if err := tx.Create(&task).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ============= Cleanup & Deletion =============

// GetPendingOperations returns the rows whose scratch trees want sweeping
// and the rows waiting to disappear. Processing rows are never handed out;
// they surface in NumBusy so the sweep knows to come back.
func (s *Storage) GetPendingOperations() (PendingOperations, error) {
	var flagged []Task
	if err := s.DB.Where("pending_cleanup = ? OR pending_delete = ?", true, true).
		Find(&flagged).Error; err != nil {
		return PendingOperations{}, err
	}

	var ops PendingOperations
	for _, t := range flagged {
		if t.Status == StatusProcessing {
			ops.NumBusy++
			continue
		}
		if t.PendingCleanup {
			ops.Cleanup = append(ops.Cleanup, t)
		}
		if t.PendingDelete {
			ops.Delete = append(ops.Delete, t.TaskID)
		}
	}
	return ops, nil
}

// ConfirmCleanup clears the cleanup flag after the scratch trees are gone.
func (s *Storage) ConfirmCleanup(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.DB.Model(&Task{}).Where("task_id IN ?", ids).
		Update("pending_cleanup", false).Error
}

// ConfirmDeletion removes the tasks, then every job left without tasks.
func (s *Storage) ConfirmDeletion(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Task{}, "task_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM jobs WHERE 0 = (SELECT COUNT(*) FROM tasks WHERE tasks.owner_job_id = jobs.job_id)").Error
	})
}

// ============= Queries =============

// GetJob returns one assembled job.
func (s *Storage) GetJob(jobID uuid.UUID) (Job, error) {
	var job Job
	if err := s.DB.First(&job, "job_id = ?", jobID).Error; err != nil {
		return Job{}, err
	}
	var tasks []Task
	if err := s.DB.Where("owner_job_id = ?", jobID).Order("task_index").Find(&tasks).Error; err != nil {
		return Job{}, err
	}
	job.AssembleTasks(tasks)
	return job, nil
}

// GetAllJobs returns every job, newest first, each with its tasks in
// submission order.
func (s *Storage) GetAllJobs() ([]Job, error) {
	var jobs []Job
	if err := s.DB.Order("created_at desc").Find(&jobs).Error; err != nil {
		return nil, err
	}
	var tasks []Task
	if err := s.DB.Order("task_index").Find(&tasks).Error; err != nil {
		return nil, err
	}

	byJob := make(map[uuid.UUID][]Task, len(jobs))
	for _, t := range tasks {
		byJob[t.OwnerJobID] = append(byJob[t.OwnerJobID], t)
	}
	for i := range jobs {
		jobs[i].AssembleTasks(byJob[jobs[i].JobID])
	}
	return jobs, nil
}

const taskStatsSelect = "COUNT(*), " +
	"IFNULL(SUM(CASE WHEN status = 'Processing' THEN 1 ELSE 0 END), 0), " +
	"IFNULL(SUM(CASE WHEN status = 'Cancelled' THEN 1 ELSE 0 END), 0), " +
	"IFNULL(SUM(CASE WHEN status = 'Waiting' THEN 1 ELSE 0 END), 0), " +
	"IFNULL(SUM(CASE WHEN status = 'Done' THEN 1 ELSE 0 END), 0), " +
	"IFNULL(SUM(CASE WHEN status = 'Failed' THEN 1 ELSE 0 END), 0)"

// GetGlobalTaskStats aggregates task counts across all jobs.
func (s *Storage) GetGlobalTaskStats() (TaskStats, error) {
	return taskStats(s.DB.Model(&Task{}))
}

// GetJobTaskStats aggregates task counts for one job.
func (s *Storage) GetJobTaskStats(jobID uuid.UUID) (TaskStats, error) {
	return taskStats(s.DB.Model(&Task{}).Where("owner_job_id = ?", jobID))
}

func taskStats(q *gorm.DB) (TaskStats, error) {
	var stats TaskStats
	err := q.Select(taskStatsSelect).Row().
		Scan(&stats.NumTotal, &stats.NumActive, &stats.NumCancelled,
			&stats.NumWaiting, &stats.NumDone, &stats.NumFailed)
	return stats, err
}

// ============= Users & Sessions =============

// GetUserByName retrieves a user by name
func (s *Storage) GetUserByName(name string) (User, error) {
	var user User
	err := s.DB.First(&user, "name = ?", name).Error
	return user, err
}

// GetUserByAPIToken retrieves the user owning apiToken.
func (s *Storage) GetUserByAPIToken(apiToken string) (User, error) {
	var user User
	err := s.DB.First(&user, "api_token = ?", apiToken).Error
	return user, err
}

// AddUser creates a user with a freshly generated api token.
func (s *Storage) AddUser(name string) (User, error) {
	token, err := generateAPIToken()
	if err != nil {
		return User{}, err
	}
	user := User{UserID: uuid.New(), Name: name, APIToken: token}
	if err := s.DB.Create(&user).Error; err != nil {
		return User{}, err
	}
	return user, nil
}

// NewSession creates a session for the user owning apiToken.
func (s *Storage) NewSession(apiToken string) (Session, error) {
	user, err := s.GetUserByAPIToken(apiToken)
	if err != nil {
		return Session{}, err
	}
	session := Session{SessionToken: uuid.New(), UserID: user.UserID}
	if err := s.DB.Create(&session).Error; err != nil {
		return Session{}, err
	}
	return session, nil
}

// ValidateSession resolves the user only when the session belongs to the
// user owning the api token.
func (s *Storage) ValidateSession(apiToken string, sessionToken uuid.UUID) (User, error) {
	var user User
	err := s.DB.Model(&User{}).
		Joins("JOIN sessions ON sessions.user_id = users.user_id").
		Where("sessions.session_token = ? AND users.api_token = ?", sessionToken, apiToken).
		First(&user).Error
	return user, err
}

// ExpireAllSessions drops every session.
func (s *Storage) ExpireAllSessions() error {
	return s.DB.Exec("DELETE FROM sessions").Error
}
