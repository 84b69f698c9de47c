package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/flytam/filenamify"
)

const (
	dataDirName   = "data"
	logDirName    = "log"
	outputStem    = "main"
	stdoutLogName = "stdout.log"
	stderrLogName = "stderr.log"
)

// Driver lays out per-task scratch space under a worker root and moves
// finished outputs into the download folder.
//
// Layout per task:
//
//	<workerRoot>/<taskID>/data/main.<ext>
//	<workerRoot>/<taskID>/log/stdout.log
//	<workerRoot>/<taskID>/log/stderr.log
type Driver struct {
	workerRoot string
	outputDir  string
}

func NewDriver(workerRoot, outputDir string) *Driver {
	return &Driver{workerRoot: workerRoot, outputDir: outputDir}
}

func (d *Driver) TaskRoot(taskID string) string {
	return filepath.Join(d.workerRoot, taskID)
}

func (d *Driver) DataDir(taskID string) string {
	return filepath.Join(d.workerRoot, taskID, dataDirName)
}

func (d *Driver) LogDir(taskID string) string {
	return filepath.Join(d.workerRoot, taskID, logDirName)
}

// OutputTemplate is handed to the download tool; it substitutes the
// extension itself.
func (d *Driver) OutputTemplate(taskID string) string {
	return filepath.Join(d.DataDir(taskID), outputStem+".%(ext)s")
}

func (d *Driver) OutputFile(taskID, ext string) string {
	return filepath.Join(d.DataDir(taskID), outputStem+"."+ext)
}

func (d *Driver) StdoutLogPath(taskID string) string {
	return filepath.Join(d.LogDir(taskID), stdoutLogName)
}

func (d *Driver) StderrLogPath(taskID string) string {
	return filepath.Join(d.LogDir(taskID), stderrLogName)
}

// PrepareTaskDirs creates the data and log directories for a task. Safe to
// call again for a task that already has them.
func (d *Driver) PrepareTaskDirs(taskID string) error {
	if err := EnsureWritableDir(d.DataDir(taskID)); err != nil {
		return err
	}
	return EnsureWritableDir(d.LogDir(taskID))
}

func (d *Driver) OpenStdoutLog(taskID string) (*os.File, error) {
	return openLogFile(d.StdoutLogPath(taskID))
}

func (d *Driver) OpenStderrLog(taskID string) (*os.File, error) {
	return openLogFile(d.StderrLogPath(taskID))
}

func openLogFile(path string) (*os.File, error) {
	if err := EnsureWritableDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// RemoveTaskRoot drops the whole scratch tree of a task. A missing tree is
// not an error.
func (d *Driver) RemoveTaskRoot(taskID string) error {
	return os.RemoveAll(d.TaskRoot(taskID))
}

// RemoveDataDir drops only the tool output directory, keeping the logs.
func (d *Driver) RemoveDataDir(taskID string) error {
	return os.RemoveAll(d.DataDir(taskID))
}

// RemoveOutputFile deletes a previous partial output. Used on resume so the
// tool starts from its own partial files rather than a finished artifact.
func (d *Driver) RemoveOutputFile(taskID, ext string) error {
	err := os.Remove(d.OutputFile(taskID, ext))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove output file: %w", err)
	}
	return nil
}

// MoveOutputFile renames the finished artifact into the download folder
// under a sanitized name derived from the title, or the URL when the title
// is empty. Name collisions get a " (N)" suffix.
func (d *Driver) MoveOutputFile(taskID, ext, title, url string) (string, error) {
	name := title
	if strings.TrimSpace(name) == "" {
		name = url
	}
	safe, err := filenamify.Filenamify(name, filenamify.Options{Replacement: "_"})
	if err != nil || strings.TrimSpace(safe) == "" {
		safe = taskID
	}

	if err := EnsureWritableDir(d.outputDir); err != nil {
		return "", err
	}

	target := PickFreeFileName(filepath.Join(d.outputDir, safe+"."+ext))
	if err := os.Rename(d.OutputFile(taskID, ext), target); err != nil {
		return "", fmt.Errorf("failed to move output file: %w", err)
	}
	return target, nil
}

// EnsureWritableDir creates the directory tree when it is missing.
func EnsureWritableDir(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// PickFreeFileName returns path unchanged when nothing occupies it, otherwise
// the first "<name> (N)<ext>" candidate that is free, counting from 1.
func PickFreeFileName(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	dir := filepath.Dir(path)
	nameOnly := strings.TrimSuffix(filepath.Base(path), ext)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameOnly, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
