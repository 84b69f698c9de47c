package engine

import (
	"encoding/json"
	"fmt"

	"project-magpie/internal/storage"
)

// Thumbnail is one entry of the tool's thumbnail list.
type Thumbnail struct {
	URL string `json:"url"`
}

// VideoInfo is the info-mode metadata of a single downloadable item.
type VideoInfo struct {
	OriginalURL string      `json:"original_url"`
	Title       string      `json:"title"`
	Thumbnails  []Thumbnail `json:"thumbnails"`
}

// PlaylistEntry is one item inside a playlist. Unlike a standalone video its
// address lives in the plain "url" field.
type PlaylistEntry struct {
	URL        string      `json:"url"`
	Title      string      `json:"title"`
	Thumbnails []Thumbnail `json:"thumbnails"`
}

// PlaylistInfo is the info-mode metadata of a playlist.
type PlaylistInfo struct {
	OriginalURL string          `json:"original_url"`
	Title       string          `json:"title"`
	Entries     []PlaylistEntry `json:"entries"`
	Thumbnails  []Thumbnail     `json:"thumbnails"`
}

// ExpansionResult is what a finished url expansion hands the scheduler: the
// job header update plus one spec per downloadable item. A playlist with no
// entries is a valid result with zero items.
type ExpansionResult struct {
	Title     string
	Thumbnail string
	Items     []storage.NewTaskSpec
}

// ParseFetchOutput decodes info-mode JSON, dispatching on the "_type" field.
func ParseFetchOutput(data []byte) (ExpansionResult, error) {
	var probe struct {
		Type string `json:"_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ExpansionResult{}, fmt.Errorf("failed to parse tool output: %w", err)
	}

	switch probe.Type {
	case "video":
		var info VideoInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return ExpansionResult{}, fmt.Errorf("failed to parse video info: %w", err)
		}
		thumbnail := firstThumbnail(info.Thumbnails)
		return ExpansionResult{
			Title:     info.Title,
			Thumbnail: thumbnail,
			Items: []storage.NewTaskSpec{
				{URL: info.OriginalURL, Title: info.Title, Thumbnail: thumbnail},
			},
		}, nil

	case "playlist":
		var info PlaylistInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return ExpansionResult{}, fmt.Errorf("failed to parse playlist info: %w", err)
		}
		items := make([]storage.NewTaskSpec, 0, len(info.Entries))
		for _, entry := range info.Entries {
			items = append(items, storage.NewTaskSpec{
				URL:       entry.URL,
				Title:     entry.Title,
				Thumbnail: firstThumbnail(entry.Thumbnails),
			})
		}
		return ExpansionResult{
			Title:     info.Title,
			Thumbnail: firstThumbnail(info.Thumbnails),
			Items:     items,
		}, nil

	default:
		return ExpansionResult{}, fmt.Errorf("expected '_type' to be 'video' or 'playlist', got %q", probe.Type)
	}
}

func firstThumbnail(list []Thumbnail) string {
	if len(list) == 0 {
		return ""
	}
	return list[0].URL
}
