// Package svc integrates the server with the OS service manager. On Windows
// this is the SCM, on Linux systemd, on macOS launchd; kardianos/service
// papers over the differences.
package svc

import (
	"fmt"

	"github.com/kardianos/service"

	"project-magpie/internal/jobs"
)

// Name is the identifier the service is registered under.
const Name = "magpie-server"

func newServiceConfig(executable, workDir string, verbose bool) *service.Config {
	logFlag := "--log-none"
	if verbose {
		logFlag = "--log-file"
	}
	return &service.Config{
		Name:        Name,
		DisplayName: "Magpie Download Server",
		Description: "Queues video downloads, runs them through yt-dlp and serves the Magpie web UI.",
		Executable:  executable,
		Arguments:   []string{"run", "--service", "--workdir", workDir, logFlag},
	}
}

// program adapts the run loop to the service manager's start/stop protocol.
// Start must return quickly, so the loop runs in its own goroutine; Stop
// flips the shared stop handle and waits for the loop to drain.
type program struct {
	runServer func(external *jobs.StopHandle) error
	stop      *jobs.StopHandle
	done      chan struct{}
	err       error
}

func (p *program) Start(service.Service) error {
	if p.runServer == nil {
		// Install/uninstall connections never start the program.
		close(p.done)
		return nil
	}
	go func() {
		defer close(p.done)
		p.err = p.runServer(p.stop)
	}()
	return nil
}

func (p *program) Stop(service.Service) error {
	p.stop.Stop()
	<-p.done
	return p.err
}

// Run hands the process to the service manager and blocks until it orders a
// stop or the server exits on its own.
func Run(workDir string, runServer func(external *jobs.StopHandle) error) error {
	prg := &program{
		runServer: runServer,
		stop:      jobs.NewStopHandle(),
		done:      make(chan struct{}),
	}
	svc, err := service.New(prg, newServiceConfig("", workDir, false))
	if err != nil {
		return fmt.Errorf("failed to connect to the service manager: %w", err)
	}
	return svc.Run()
}

// Install registers the current executable with the service manager. The
// installed unit runs silently unless verbose asks for log files.
func Install(executable, workDir string, verbose bool) error {
	svc, err := service.New(&program{done: make(chan struct{})}, newServiceConfig(executable, workDir, verbose))
	if err != nil {
		return fmt.Errorf("failed to connect to the service manager: %w", err)
	}
	if err := svc.Install(); err != nil {
		return fmt.Errorf("failed to install service %q: %w", Name, err)
	}
	return nil
}

func Uninstall() error {
	svc, err := service.New(&program{done: make(chan struct{})}, newServiceConfig("", "", false))
	if err != nil {
		return fmt.Errorf("failed to connect to the service manager: %w", err)
	}
	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("failed to uninstall service %q: %w", Name, err)
	}
	return nil
}
