package api

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const auditLogName = "access.log"

// AccessLogEntry is one line of the control surface's access trail.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /api/jobs/new"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends one JSON line per authorization decision. The trail is
// what lets a user reconstruct which page or extension talked to the server.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	log     *slog.Logger
}

func NewAuditLogger(log *slog.Logger, logDir string) *AuditLogger {
	var logFile *os.File
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Error("Failed to create audit log directory.", "path", logDir, "error", err)
	} else {
		path := filepath.Join(logDir, auditLogName)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Error("Failed to open audit log.", "path", path, "error", err)
		} else {
			logFile = f
		}
	}

	return &AuditLogger{logFile: logFile, log: log}
}

func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if data, err := json.Marshal(entry); err == nil {
			a.logFile.Write(append(data, '\n'))
		}
	}
	a.mu.Unlock()

	if status >= 400 {
		a.log.Warn("Audit.", "action", action, "status", status, "details", details)
	} else {
		a.log.Debug("Audit.", "action", action, "status", status, "details", details)
	}
}

func (a *AuditLogger) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}
