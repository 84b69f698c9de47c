package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"project-magpie/internal/filesystem"
)

const (
	MaxAutomaticRetries   = 50
	MaxTimeoutBeforeRetry = 3600
	MaxDownloadWorkers    = 32
)

// ServerConfig is the user-editable server.yaml. The same shape travels over
// the control surface as JSON.
type ServerConfig struct {
	DownloadFolder      string `yaml:"download_folder" json:"download_folder"`
	TempFolder          string `yaml:"temp_folder" json:"temp_folder"`
	ListenAddress       string `yaml:"listen_address" json:"listen_address"`
	StartWithOS         bool   `yaml:"start_with_os" json:"start_with_os"`
	ShowAnnouncements   bool   `yaml:"show_announcements" json:"show_announcements"`
	NumAutomaticRetries uint   `yaml:"num_automatic_retries" json:"num_automatic_retries"`
	TimeoutBeforeRetry  uint   `yaml:"timeout_before_retry" json:"timeout_before_retry"`
	NumDownloadWorkers  uint   `yaml:"num_download_workers" json:"num_download_workers"`
}

func DefaultServerConfig(p Paths) ServerConfig {
	return ServerConfig{
		DownloadFolder:      p.DefaultDownloadFolder,
		TempFolder:          p.DefaultTempFolder,
		ListenAddress:       "127.0.0.1:8000",
		StartWithOS:         false,
		ShowAnnouncements:   true,
		NumAutomaticRetries: 3,
		TimeoutBeforeRetry:  30,
		NumDownloadWorkers:  4,
	}
}

func (c ServerConfig) Validate() error {
	if c.NumDownloadWorkers < 1 || c.NumDownloadWorkers > MaxDownloadWorkers {
		return fmt.Errorf("num_download_workers must be between 1 and %d, got %d", MaxDownloadWorkers, c.NumDownloadWorkers)
	}
	if c.NumAutomaticRetries > MaxAutomaticRetries {
		return fmt.Errorf("num_automatic_retries may not exceed %d, got %d", MaxAutomaticRetries, c.NumAutomaticRetries)
	}
	if c.TimeoutBeforeRetry > MaxTimeoutBeforeRetry {
		return fmt.Errorf("timeout_before_retry may not exceed %d, got %d", MaxTimeoutBeforeRetry, c.TimeoutBeforeRetry)
	}
	if _, err := net.ResolveTCPAddr("tcp", c.ListenAddress); err != nil {
		return fmt.Errorf("listen_address %q is not a valid address: %w", c.ListenAddress, err)
	}
	if strings.TrimSpace(c.DownloadFolder) == "" {
		return fmt.Errorf("download_folder must not be empty")
	}
	if strings.TrimSpace(c.TempFolder) == "" {
		return fmt.Errorf("temp_folder must not be empty")
	}
	if err := probeFolder(c.DownloadFolder); err != nil {
		return fmt.Errorf("download_folder: %w", err)
	}
	if err := probeFolder(c.TempFolder); err != nil {
		return fmt.Errorf("temp_folder: %w", err)
	}
	return nil
}

// probeFolder creates the folder when missing and checks it sits on a real
// volume with known capacity.
func probeFolder(path string) error {
	if err := filesystem.EnsureWritableDir(path); err != nil {
		return err
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("failed to probe disk usage of %s: %w", path, err)
	}
	if usage.Total == 0 {
		return fmt.Errorf("%s sits on a volume with no capacity", path)
	}
	return nil
}
