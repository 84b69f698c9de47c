package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	appDirName       = "magpie"
	dbFileName       = "state.db"
	serverConfigName = "server.yaml"
	toolConfigName   = "ytdlp.yaml"
)

// Paths are the static locations of the app's files. The download and temp
// folder defaults feed the generated server config; the configured values
// live in ServerConfig afterwards.
type Paths struct {
	ConfigDir string
	DBDir     string
	LogDir    string

	DefaultDownloadFolder string
	DefaultTempFolder     string

	DevMode bool
}

// ResolvePaths picks the directory layout. Dev mode keeps everything under
// the working directory so a checkout stays self-contained; production uses
// the platform user dirs.
func ResolvePaths(workDir string, devMode bool) (Paths, error) {
	if devMode {
		return Paths{
			ConfigDir:             filepath.Join(workDir, "debug", "config"),
			DBDir:                 filepath.Join(workDir, "debug", "db"),
			LogDir:                filepath.Join(workDir, "debug", "log"),
			DefaultDownloadFolder: filepath.Join(workDir, "download"),
			DefaultTempFolder:     filepath.Join(workDir, "temp"),
			DevMode:               true,
		}, nil
	}

	configRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("failed to locate user config dir: %w", err)
	}
	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return Paths{}, fmt.Errorf("failed to locate user cache dir: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("failed to locate user home dir: %w", err)
	}

	return Paths{
		ConfigDir:             filepath.Join(configRoot, appDirName),
		DBDir:                 filepath.Join(cacheRoot, appDirName),
		LogDir:                filepath.Join(cacheRoot, appDirName, "logs"),
		DefaultDownloadFolder: filepath.Join(home, "Downloads"),
		DefaultTempFolder:     os.TempDir(),
	}, nil
}

func (p Paths) DBFile() string {
	return filepath.Join(p.DBDir, dbFileName)
}

func (p Paths) ServerConfigFile() string {
	return filepath.Join(p.ConfigDir, serverConfigName)
}

func (p Paths) ToolConfigFile() string {
	return filepath.Join(p.ConfigDir, toolConfigName)
}

// WorkerDir is where per-task scratch trees live. It is always a subdirectory
// of the configured temp folder, never the folder itself, so sweeping it
// cannot touch unrelated files.
func (p Paths) WorkerDir(tempFolder string) string {
	if p.DevMode {
		return filepath.Join(tempFolder, "workers")
	}
	return filepath.Join(tempFolder, "Magpie In-Progress")
}
