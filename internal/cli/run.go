package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"project-magpie/internal/announce"
	"project-magpie/internal/api"
	"project-magpie/internal/config"
	"project-magpie/internal/engine"
	"project-magpie/internal/filesystem"
	"project-magpie/internal/jobs"
	"project-magpie/internal/storage"
	"project-magpie/internal/svc"
)

// socketCooldown is how long a restart waits for the OS to release the
// listen socket before binding it again.
const socketCooldown = 5 * time.Second

func newRunCmd() *cobra.Command {
	var asService bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the download server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asService {
				workDir, err := resolveWorkDir()
				if err != nil {
					return err
				}
				return svc.Run(workDir, runServerLoop)
			}
			return runServerLoop(nil)
		},
	}
	cmd.Flags().BoolVar(&asService, "service", false, "run under the OS service manager")
	return cmd
}

// runServerLoop owns the restart cycle: a config change winds the server
// down cleanly and starts a fresh one in the same process, so the OS
// service, when there is one, never sees the bounce.
func runServerLoop(external *jobs.StopHandle) error {
	workDir, err := resolveWorkDir()
	if err != nil {
		return err
	}
	paths, err := config.ResolvePaths(workDir, flagDevMode)
	if err != nil {
		return err
	}
	log, err := buildLogger(paths)
	if err != nil {
		return err
	}

	for {
		restart, err := runOnce(workDir, log, external)
		if err != nil {
			log.Error("Server run failed.", "error", err)
			return err
		}
		if !restart {
			return nil
		}
		log.Info("Restarting with the new config.", "cooldown", socketCooldown)
		time.Sleep(socketCooldown)
	}
}

func runOnce(workDir string, log *slog.Logger, external *jobs.StopHandle) (restart bool, err error) {
	env, err := config.LoadEnvironment(workDir, flagDevMode, log)
	if err != nil {
		return false, err
	}
	if err := filesystem.EnsureWritableDir(env.Server.DownloadFolder); err != nil {
		return false, err
	}
	if err := filesystem.EnsureWritableDir(env.WorkerDir()); err != nil {
		return false, err
	}

	store, err := storage.Open(env.Paths.DBFile())
	if err != nil {
		return false, err
	}
	defer store.Close()

	files := filesystem.NewDriver(env.WorkerDir(), env.Server.DownloadFolder)
	announcer := announce.New(log, store, env.Server.ShowAnnouncements)
	runner := engine.NewTaskRunner(log, env.Tool, files)
	pool := engine.NewPool(log, files, int(env.Server.NumDownloadWorkers), runner.Run)
	manager := jobs.NewManager(log, announcer, store, pool)

	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		manager.Run()
	}()

	exitState := config.NewExitState()
	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	audit := api.NewAuditLogger(log, env.Paths.LogDir)
	defer audit.Close()

	server := api.NewServer(api.Options{
		Log:             log,
		Manager:         manager,
		Store:           store,
		Files:           files,
		Env:             env,
		ExitState:       exitState,
		Audit:           audit,
		RequestShutdown: requestShutdown,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// The service manager flips the external handle instead of signaling us.
	externalTick := time.NewTicker(time.Second)
	defer externalTick.Stop()

	var runErr error
	running := true
	for running {
		select {
		case <-shutdownCh:
			running = false
		case sig := <-sigCh:
			log.Info("Received signal.", "signal", sig.String())
			running = false
		case <-externalTick.C:
			if external != nil && external.IsStopped() {
				log.Info("Stop requested by the service manager.")
				running = false
			}
		case err := <-serveErr:
			runErr = err
			running = false
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown did not finish cleanly.", "error", err)
	}

	// The scheduler cancels running downloads and drains its workers before
	// Run returns. Only then is the database quiet enough to checkpoint.
	manager.StopHandle().Stop()
	<-managerDone

	if err := store.Checkpoint(); err != nil {
		log.Warn("Final WAL checkpoint failed.", "error", err)
	}

	if runErr != nil {
		return false, runErr
	}
	if cfg, ok := exitState.TakeConfigChange(); ok {
		if err := env.ApplyConfig(cfg, log); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
