package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"

	"project-magpie/internal/config"
	"project-magpie/internal/filesystem"
	"project-magpie/internal/storage"
)

// scanBufferSize caps a single output line; the tool can emit very long
// lines for playlists with big descriptions.
const scanBufferSize = 1024 * 1024

// TaskRunner executes one task per call in a supervised child process.
type TaskRunner struct {
	log   *slog.Logger
	tool  config.ToolConfig
	files *filesystem.Driver
	sup   *Supervisor
}

func NewTaskRunner(log *slog.Logger, tool config.ToolConfig, files *filesystem.Driver) *TaskRunner {
	return &TaskRunner{
		log:   log,
		tool:  tool,
		files: files,
		sup:   NewSupervisor(log),
	}
}

// Run executes the task to completion. Download tasks return a nil
// expansion; url expansion tasks return the parsed result.
func (r *TaskRunner) Run(task storage.Task, handle *ControlHandle, cell *ProgressCell) (*ExpansionResult, error) {
	switch task.Kind {
	case storage.KindFetchURLContents:
		return r.runFetch(task, handle)
	case storage.KindDownloadAndConvert:
		return nil, r.runDownload(task, handle, cell)
	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (r *TaskRunner) runDownload(task storage.Task, handle *ControlHandle, cell *ProgressCell) error {
	id := task.TaskID.String()

	format, ok := r.tool.FormatByID(task.Format)
	if !ok {
		return fmt.Errorf("unknown format %q", task.Format)
	}

	// A resumed task keeps the tool's partial files and loses only the
	// finished artifact; a fresh run starts from an empty data dir.
	if task.IsResumed {
		if err := r.files.RemoveOutputFile(id, format.Ext); err != nil {
			return err
		}
	} else {
		if err := r.files.RemoveDataDir(id); err != nil {
			return fmt.Errorf("failed to clear data dir: %w", err)
		}
	}
	if err := r.files.PrepareTaskDirs(id); err != nil {
		return err
	}

	stdoutLog, err := r.files.OpenStdoutLog(id)
	if err != nil {
		return err
	}
	defer stdoutLog.Close()
	stderrLog, err := r.files.OpenStderrLog(id)
	if err != nil {
		return err
	}
	defer stderrLog.Close()

	args := r.tool.RenderDownloadArgs(task.URL, r.files.OutputTemplate(id), format)
	cmd := exec.Command(toolBinary(), args...)

	err = r.sup.Run(cmd, handle,
		func(stream io.Reader) { consumeProgress(stream, stdoutLog, cell) },
		func(stream io.Reader) { mirrorStream(stream, stderrLog) },
	)
	if err != nil {
		return err
	}

	dest, err := r.files.MoveOutputFile(id, format.Ext, task.Title, task.URL)
	if err != nil {
		return err
	}
	r.log.Info("Stored finished download.", "task_id", id, "path", dest)
	return nil
}

func (r *TaskRunner) runFetch(task storage.Task, handle *ControlHandle) (*ExpansionResult, error) {
	id := task.TaskID.String()

	if err := r.files.PrepareTaskDirs(id); err != nil {
		return nil, err
	}
	stdoutLog, err := r.files.OpenStdoutLog(id)
	if err != nil {
		return nil, err
	}
	defer stdoutLog.Close()
	stderrLog, err := r.files.OpenStderrLog(id)
	if err != nil {
		return nil, err
	}
	defer stderrLog.Close()

	var captured bytes.Buffer
	args := r.tool.RenderFetchArgs(task.URL)
	cmd := exec.Command(toolBinary(), args...)

	err = r.sup.Run(cmd, handle,
		func(stream io.Reader) { captureStream(stream, stdoutLog, &captured) },
		func(stream io.Reader) { mirrorStream(stream, stderrLog) },
	)
	if err != nil {
		return nil, err
	}

	result, err := ParseFetchOutput(captured.Bytes())
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// consumeProgress mirrors every stdout line into the log file and feeds the
// progress cell from the lines that carry byte counts.
func consumeProgress(stream io.Reader, logFile io.Writer, cell *ProgressCell) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(logFile, line)
		if p, ok := ParseProgressLine(line); ok {
			cell.Store(p)
		}
	}
}

func mirrorStream(stream io.Reader, logFile io.Writer) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)
	for scanner.Scan() {
		fmt.Fprintln(logFile, scanner.Text())
	}
}

// captureStream keeps the full stream in memory and mirrors it to the log.
func captureStream(stream io.Reader, logFile io.Writer, buf *bytes.Buffer) {
	io.Copy(io.MultiWriter(logFile, buf), stream)
}

func toolBinary() string {
	if runtime.GOOS == "windows" {
		return "yt-dlp.exe"
	}
	return "yt-dlp"
}
