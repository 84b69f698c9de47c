package config

import "fmt"

const (
	placeholderSourceURL       = "{{source_url}}"
	placeholderFormatArgs      = "{{format_args}}"
	placeholderDestinationFile = "{{destination_file}}"
)

// CommandTemplate is an argv template for the download tool. Placeholder
// tokens are substituted at render time; anything else passes through.
type CommandTemplate struct {
	Args []string `yaml:"args" json:"args"`
}

// Format is one user-selectable output format.
type Format struct {
	ID      string   `yaml:"id" json:"id"`
	Display string   `yaml:"display" json:"display"`
	Ext     string   `yaml:"ext" json:"ext"`
	Args    []string `yaml:"args" json:"args"`
}

// ToolConfig is the user-editable ytdlp.yaml.
type ToolConfig struct {
	CommandFetchURL CommandTemplate `yaml:"command_fetch_url" json:"command_fetch_url"`
	CommandDownload CommandTemplate `yaml:"command_download" json:"command_download"`
	Formats         []Format        `yaml:"formats" json:"formats"`
}

func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		CommandFetchURL: CommandTemplate{
			Args: []string{"--dump-single-json", placeholderSourceURL},
		},
		CommandDownload: CommandTemplate{
			Args: []string{
				"--newline",
				"--progress-template", "[dl] %(progress.elapsed)s %(progress.total_bytes_estimate)s %(progress.downloaded_bytes)s",
				"-o", placeholderDestinationFile,
				placeholderFormatArgs,
				placeholderSourceURL,
			},
		},
		Formats: []Format{
			{
				ID:      "mp4-1080",
				Display: "MP4 (1080p)",
				Ext:     "mp4",
				Args:    []string{"-f", "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best", "--remux-video", "mp4"},
			},
			{
				ID:      "mp4-720",
				Display: "MP4 (720p)",
				Ext:     "mp4",
				Args:    []string{"-f", "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best", "--remux-video", "mp4"},
			},
			{
				ID:      "mp3",
				Display: "MP3 (audio only)",
				Ext:     "mp3",
				Args:    []string{"-x", "--audio-format", "mp3"},
			},
		},
	}
}

func (c ToolConfig) Validate() error {
	if len(c.CommandFetchURL.Args) == 0 {
		return fmt.Errorf("command_fetch_url.args must not be empty")
	}
	if len(c.CommandDownload.Args) == 0 {
		return fmt.Errorf("command_download.args must not be empty")
	}
	seen := make(map[string]bool, len(c.Formats))
	for _, f := range c.Formats {
		if f.ID == "" {
			return fmt.Errorf("format with empty id")
		}
		if f.Ext == "" {
			return fmt.Errorf("format %s has no ext", f.ID)
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate format id %s", f.ID)
		}
		seen[f.ID] = true
	}
	return nil
}

// FormatByID looks up a format by its id.
func (c ToolConfig) FormatByID(id string) (Format, bool) {
	for _, f := range c.Formats {
		if f.ID == id {
			return f, true
		}
	}
	return Format{}, false
}

// RenderFetchArgs builds the argv for an URL-expansion run.
func (c ToolConfig) RenderFetchArgs(sourceURL string) []string {
	args := make([]string, 0, len(c.CommandFetchURL.Args))
	for _, arg := range c.CommandFetchURL.Args {
		if arg == placeholderSourceURL {
			args = append(args, sourceURL)
			continue
		}
		args = append(args, arg)
	}
	return args
}

// RenderDownloadArgs builds the argv for a download run. The format's arg
// vector is spliced in place of the format_args token.
func (c ToolConfig) RenderDownloadArgs(sourceURL, destinationFile string, format Format) []string {
	args := make([]string, 0, len(c.CommandDownload.Args)+len(format.Args))
	for _, arg := range c.CommandDownload.Args {
		switch arg {
		case placeholderSourceURL:
			args = append(args, sourceURL)
		case placeholderDestinationFile:
			args = append(args, destinationFile)
		case placeholderFormatArgs:
			args = append(args, format.Args...)
		default:
			args = append(args, arg)
		}
	}
	return args
}
