package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"project-magpie/internal/filesystem"
)

// Environment ties the resolved paths to the two loaded config files.
type Environment struct {
	WorkDir string
	Paths   Paths
	Server  ServerConfig
	Tool    ToolConfig
}

// LoadEnvironment resolves paths for the run mode and loads both config
// files, falling back to generated defaults when a file is missing, broken
// or invalid. A file that does not even parse is renamed out of the way so
// the defaults written next to it do not clobber the user's edits.
func LoadEnvironment(workDir string, devMode bool, log *slog.Logger) (*Environment, error) {
	paths, err := ResolvePaths(workDir, devMode)
	if err != nil {
		return nil, err
	}
	if err := filesystem.EnsureWritableDir(paths.ConfigDir); err != nil {
		return nil, err
	}
	if err := filesystem.EnsureWritableDir(paths.DBDir); err != nil {
		return nil, err
	}

	server := loadConfigFile(paths.ServerConfigFile(), DefaultServerConfig(paths), log)
	tool := loadConfigFile(paths.ToolConfigFile(), DefaultToolConfig(), log)

	return &Environment{
		WorkDir: workDir,
		Paths:   paths,
		Server:  server,
		Tool:    tool,
	}, nil
}

// WorkerDir is the scratch root derived from the configured temp folder.
func (e *Environment) WorkerDir() string {
	return e.Paths.WorkerDir(e.Server.TempFolder)
}

// ApplyConfig persists a replacement server config and rebuilds the derived
// state. When the worker directory moved, the old one is swept.
func (e *Environment) ApplyConfig(cfg ServerConfig, log *slog.Logger) error {
	oldWorkerDir := e.WorkerDir()

	if err := writeConfigFile(e.Paths.ServerConfigFile(), cfg); err != nil {
		return fmt.Errorf("failed to save server config: %w", err)
	}
	e.Server = cfg

	if newDir := e.WorkerDir(); newDir != oldWorkerDir {
		if err := os.RemoveAll(oldWorkerDir); err != nil {
			log.Warn("Failed to remove old worker directory.", "path", oldWorkerDir, "error", err)
		}
	}
	return nil
}

type validatable interface {
	Validate() error
}

// loadConfigFile never fails the caller: whatever happens to the file on
// disk, the returned config is usable. Unknown YAML keys are ignored and
// missing keys keep their default values.
func loadConfigFile[T validatable](path string, defaults T, log *slog.Logger) T {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := writeConfigFile(path, defaults); err != nil {
			log.Warn("Failed to write default config.", "path", path, "error", err)
		}
		return defaults
	}
	if err != nil {
		log.Error("Failed to read config file, using defaults.", "path", path, "error", err)
		return defaults
	}

	cfg := defaults
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		log.Warn("Rejecting config: file does not parse.", "path", path, "error", err)
		neutralizeConfigFile(path, log)
		if err := writeConfigFile(path, defaults); err != nil {
			log.Warn("Failed to write default config.", "path", path, "error", err)
		}
		return defaults
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("Rejecting config: validation failed.", "path", path, "reason", err)
		return defaults
	}
	return cfg
}

// neutralizeConfigFile renames a broken file to "<name>_old", picking a free
// suffix when that name is taken too.
func neutralizeConfigFile(path string, log *slog.Logger) {
	target := filesystem.PickFreeFileName(path + "_old")
	if err := os.Rename(path, target); err != nil {
		log.Warn("Failed to move broken config file aside.", "path", path, "error", err)
		return
	}
	log.Info("Moved broken config file aside.", "path", path, "moved_to", target)
}

func writeConfigFile(path string, cfg any) error {
	if err := filesystem.EnsureWritableDir(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
