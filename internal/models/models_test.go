package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestSettingsValue(t *testing.T) {
	s := ExportSettings{Resolution: Dimension{Width: 1280, Height: 720}, FPS: 30, Quality: QualityHigh, Format: "mp4"}

	data, err := s.Value()
	if err != nil {
		t.Fatalf("failed to marshal settings: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data.([]byte), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["format"] != "mp4" || result["fps"] != 30.0 {
		t.Errorf("unexpected settings row: %v", result)
	}
}

func TestTimelineScan(t *testing.T) {
	var tl Timeline
	if err := tl.Scan([]byte(`{"duration": 5, "tracks": [{"id": "v1", "kind": "video"}]}`)); err != nil {
		t.Fatalf("failed to scan: %v", err)
	}
	if tl.Duration != 5 || len(tl.Tracks) != 1 || tl.Tracks[0].Kind != TrackKindVideo {
		t.Errorf("unexpected timeline: %+v", tl)
	}

	if err := tl.Scan("not bytes"); err == nil {
		t.Error("expected error for string scan")
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusComplete, JobStatusError, JobStatusCancelled}
	for _, status := range terminal {
		if !status.IsTerminal() {
			t.Errorf("%s should be terminal", status)
		}
	}

	active := []JobStatus{JobStatusPending, JobStatusUploading, JobStatusProcessing, JobStatusEncoding}
	for _, status := range active {
		if status.IsTerminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}

func TestItemDefaults(t *testing.T) {
	it := Item{ID: "a", Start: 2, Duration: 3, Offset: 1.5}

	if it.BaseOpacity() != 1 {
		t.Errorf("default opacity = %v, want 1", it.BaseOpacity())
	}
	if it.WidthPct() != 100 || it.HeightPct() != 100 {
		t.Errorf("default size = %vx%v, want 100x100", it.WidthPct(), it.HeightPct())
	}
	if it.FitMode() != FitCover {
		t.Errorf("default fit = %s, want cover", it.FitMode())
	}
	if got := it.SourceTime(3); got != 2.5 {
		t.Errorf("SourceTime(3) = %v, want 2.5", got)
	}

	it.Speed = 2
	if got := it.SourceTime(3); got != 3.5 {
		t.Errorf("SourceTime(3) at 2x = %v, want 3.5", got)
	}
	if !it.Contains(2) || it.Contains(5) {
		t.Error("Contains must use a half-open window")
	}
}

func TestTransitionWindow(t *testing.T) {
	tests := []struct {
		timing     TransitionTiming
		speed      float64
		wantStart  float64
		wantLength float64
	}{
		{TimingPostfix, 0, 0, 1},
		{"", 0, 0, 1},
		{TimingOverlap, 0, -0.5, 1},
		{TimingPrefix, 0, -1, 1},
		{TimingPrefix, 2, -0.5, 0.5},
	}

	for _, tt := range tests {
		ts := TransitionSpec{Type: "dissolve", Duration: 1, Timing: tt.timing, Speed: tt.speed}
		start, length := ts.Window()
		if start != tt.wantStart || length != tt.wantLength {
			t.Errorf("%s speed=%v: window = (%v, %v), want (%v, %v)", tt.timing, tt.speed, start, length, tt.wantStart, tt.wantLength)
		}
	}
}

func TestFrameCount(t *testing.T) {
	if got := FrameCount(5, 30); got != 150 {
		t.Errorf("FrameCount(5, 30) = %d, want 150", got)
	}
	if got := FrameCount(1.01, 30); got != 31 {
		t.Errorf("FrameCount(1.01, 30) = %d, want 31", got)
	}
}

func validSettings() ExportSettings {
	return ExportSettings{
		Resolution: Dimension{Width: 1920, Height: 1080},
		FPS:        30,
		Quality:    QualityMedium,
		Format:     "mp4",
	}
}

func TestValidateAcceptsTransitionOverlap(t *testing.T) {
	tl := Timeline{
		Duration: 9,
		Tracks: []Track{{
			ID:   "v1",
			Kind: TrackKindVideo,
			Items: []Item{
				{ID: "a", Type: ItemTypeColor, Start: 0, Duration: 5, Color: "#ff0000"},
				{ID: "b", Type: ItemTypeColor, Start: 4, Duration: 5, Color: "#0000ff",
					Transition: &TransitionSpec{Type: "dissolve", Duration: 1, Timing: TimingOverlap}},
			},
		}},
	}
	settings := validSettings()

	if err := Validate(&tl, &settings); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tl := Timeline{
		Duration: 3,
		Tracks: []Track{{
			ID:   "v1",
			Kind: TrackKindVideo,
			Items: []Item{
				{ID: "a", Type: ItemTypeColor, Start: 0, Duration: 5},
				{ID: "b", Type: ItemTypeColor, Start: 4, Duration: 2},
				{ID: "c", Type: "hologram", Start: -1, Duration: 0},
			},
		}},
	}
	settings := ExportSettings{Resolution: Dimension{Width: 1921, Height: 1080}, FPS: 0, Quality: "ultra", Format: "avi"}

	err := Validate(&tl, &settings)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}

	// odd width, fps, quality, format, overlap, duration shorter than end,
	// unknown type, negative start, zero duration
	if len(verr.Problems) < 9 {
		t.Errorf("expected at least 9 problems, got %d: %v", len(verr.Problems), verr.Problems)
	}
}

func TestValidateRejectsGeometry(t *testing.T) {
	huge, negative := 1e15, -5.0
	tests := []struct {
		name string
		item Item
	}{
		{"huge width", Item{Width: &huge}},
		{"negative height", Item{Height: &negative}},
		{"nan x", Item{X: math.NaN()}},
		{"far y", Item{Y: 5000}},
		{"infinite rotation", Item{Rotation: math.Inf(1)}},
	}
	for _, tt := range tests {
		it := tt.item
		it.ID, it.Type, it.Duration, it.Color = "c", ItemTypeColor, 2, "#fff"
		tl := Timeline{Duration: 2, Tracks: []Track{{ID: "v", Kind: TrackKindVideo, Items: []Item{it}}}}
		settings := ExportSettings{Resolution: Dimension{Width: 16, Height: 16}, FPS: 10, Quality: QualityLow, Format: "mp4"}

		var verr *ValidationError
		if err := Validate(&tl, &settings); !errors.As(err, &verr) || len(verr.Problems) != 1 {
			t.Errorf("%s: Validate = %v, want one problem", tt.name, err)
		}
	}
}

func TestJobOutputReady(t *testing.T) {
	job := ExportJob{Status: JobStatusEncoding, OutputPath: "/tmp/out.mp4"}
	if job.OutputReady() {
		t.Error("output must not be ready before completion")
	}
	job.Status = JobStatusComplete
	if !job.OutputReady() {
		t.Error("completed job with output should be ready")
	}
}
