package engine

import (
	"testing"

	"project-magpie/internal/storage"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want storage.TaskProgress
		ok   bool
	}{
		{
			"happy path",
			"[dl] 12.5 1000 250",
			storage.TaskProgress{Percent: 25, BytesEstimate: 1000, BytesDownloaded: 250},
			true,
		},
		{
			"rounds half up",
			"[dl] 1 1000 505",
			storage.TaskProgress{Percent: 51, BytesEstimate: 1000, BytesDownloaded: 505},
			true,
		},
		{
			"float byte counts",
			"[dl] 3.2 2048.0 1024.0",
			storage.TaskProgress{Percent: 50, BytesEstimate: 2048, BytesDownloaded: 1024},
			true,
		},
		{
			"complete",
			"[dl] 60 1000 1000",
			storage.TaskProgress{Percent: 100, BytesEstimate: 1000, BytesDownloaded: 1000},
			true,
		},
		{"wrong prefix", "[download] 1 2 3", storage.TaskProgress{}, false},
		{"no prefix", "1 2 3 4", storage.TaskProgress{}, false},
		{"too few fields", "[dl] 1 2", storage.TaskProgress{}, false},
		{"too many fields", "[dl] 1 2 3 4", storage.TaskProgress{}, false},
		{"estimate not a number", "[dl] 1 NA 250", storage.TaskProgress{}, false},
		{"downloaded not a number", "[dl] 1 1000 NA", storage.TaskProgress{}, false},
		{"empty line", "", storage.TaskProgress{}, false},
		{
			"zero estimate gives zero percent",
			"[dl] 1 0 250",
			storage.TaskProgress{Percent: 0, BytesEstimate: 0, BytesDownloaded: 250},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProgressLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("progress = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProgressCell(t *testing.T) {
	var cell ProgressCell

	if got := cell.Load(); got != (storage.TaskProgress{}) {
		t.Errorf("fresh cell should be zero, got %+v", got)
	}

	want := storage.TaskProgress{Percent: 42, BytesEstimate: 100, BytesDownloaded: 42}
	cell.Store(want)
	if got := cell.Load(); got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}
