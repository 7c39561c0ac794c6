package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

type fakeSink struct {
	frames  int
	aborted bool
	closed  bool
}

func (s *fakeSink) WriteFrame(ctx context.Context, pix []byte) error {
	s.frames++
	return nil
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func (s *fakeSink) Abort() { s.aborted = true }

type fakeEncoder struct {
	sink     *fakeSink
	stream   *ffmpeg.StreamSpec
	sequence func(spec ffmpeg.SequenceSpec) error
	graph    *ffmpeg.GraphSpec
}

func (e *fakeEncoder) OpenStream(ctx context.Context, spec ffmpeg.StreamSpec) (FrameSink, error) {
	e.stream = &spec
	e.sink = &fakeSink{}
	return e.sink, nil
}

func (e *fakeEncoder) EncodeSequence(ctx context.Context, spec ffmpeg.SequenceSpec) error {
	if e.sequence != nil {
		return e.sequence(spec)
	}
	return nil
}

func (e *fakeEncoder) EncodeGraph(ctx context.Context, spec ffmpeg.GraphSpec) error {
	e.graph = &spec
	return nil
}

type fakeScene struct {
	times    []float64
	failAt   int
	panics   bool // fail by panicking instead of returning an error
	releases int
	audio    map[string]bool // paths that carry an audio stream
	closed   bool
}

func (s *fakeScene) RenderFrame(ctx context.Context, dst *image.RGBA, t float64) error {
	s.times = append(s.times, t)
	if s.failAt >= 0 && len(s.times) == s.failAt+1 {
		if s.panics {
			panic("layer buffer out of range")
		}
		return errors.New("layer exploded")
	}
	dst.Pix[0] = byte(len(s.times))
	return nil
}

func (s *fakeScene) RenderStill(ctx context.Context, it *models.Item) (*image.RGBA, image.Rectangle, error) {
	if it.Type == models.ItemTypeImage && it.Source == "" {
		return nil, image.Rectangle{}, &models.MediaLoadError{ItemID: it.ID, Err: os.ErrNotExist}
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), image.Rect(0, 0, 4, 4), nil
}

func (s *fakeScene) ReleaseCaches() { s.releases++ }

func (s *fakeScene) ResolvePath(it *models.Item) (string, error) {
	if it.Source == "" {
		return "", &models.MediaLoadError{ItemID: it.ID, Err: os.ErrNotExist}
	}
	return "/media/" + it.Source, nil
}

func (s *fakeScene) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	return &ffmpeg.MediaInfo{Path: path, HasVideo: true, HasAudio: s.audio[path]}, nil
}

func (s *fakeScene) Close() error {
	s.closed = true
	return nil
}

func vol(v float64) *float64 { return &v }

func testJob(t *testing.T, duration, fps float64) *Job {
	t.Helper()
	return &Job{
		ID: "job-1",
		Timeline: &models.Timeline{
			Duration: duration,
			Tracks: []models.Track{
				{ID: "v", Kind: models.TrackKindVideo, Items: []models.Item{
					{ID: "clip", Type: models.ItemTypeVideo, Source: "clip.mp4", Start: 0, Duration: duration},
				}},
				{ID: "a", Kind: models.TrackKindAudio, Items: []models.Item{
					{ID: "music", Type: models.ItemTypeAudio, Source: "music.mp3", Start: 0.5, Duration: 1, Offset: 2},
				}},
			},
		},
		Settings: models.ExportSettings{
			Resolution: models.Dimension{Width: 16, Height: 16},
			FPS:        fps,
			Quality:    models.QualityMedium,
			Format:     "mp4",
		},
		WorkDir: t.TempDir(),
		Logger:  zerolog.Nop(),
	}
}

func testDeps(enc Encoder, scene *fakeScene) *Deps {
	return &Deps{
		Encoder:  enc,
		Pool:     NewContextPool(1, 0, zerolog.Nop()),
		NewScene: func(*Job) (Scene, error) { return scene, nil },
	}
}

func TestStreamingRendersEveryFrameInOrder(t *testing.T) {
	job := testJob(t, 5, 30)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	var last [2]int
	encoding := 0
	job.OnProgress = func(done, total int) { last = [2]int{done, total} }
	job.OnEncoding = func() { encoding++ }

	enc := &fakeEncoder{}
	scene := &fakeScene{failAt: -1}
	if err := NewStreaming(testDeps(enc, scene)).Render(context.Background(), job); err != nil {
		t.Fatalf("Render: %v", err)
	}

	if enc.sink.frames != 150 {
		t.Errorf("frames = %d, want 150", enc.sink.frames)
	}
	if len(scene.times) != 150 {
		t.Fatalf("rendered %d frames, want 150", len(scene.times))
	}
	for i := 1; i < len(scene.times); i++ {
		if scene.times[i] <= scene.times[i-1] {
			t.Fatalf("frame %d at %v not after %v", i, scene.times[i], scene.times[i-1])
		}
	}
	if last != [2]int{150, 150} {
		t.Errorf("last progress = %v, want [150 150]", last)
	}
	if encoding != 1 {
		t.Errorf("encoding callback ran %d times, want 1", encoding)
	}
	if !enc.sink.closed || enc.sink.aborted {
		t.Errorf("sink closed=%v aborted=%v, want closed", enc.sink.closed, enc.sink.aborted)
	}
	if !scene.closed {
		t.Error("scene was not closed")
	}
	if enc.stream.Width != 16 || enc.stream.FPS != 30 || enc.stream.Duration != 5 {
		t.Errorf("stream spec = %+v", enc.stream)
	}
	if len(enc.stream.Audio) != 1 || enc.stream.Audio[0].Path != "/media/music.mp3" {
		t.Errorf("audio = %+v, want the music track only", enc.stream.Audio)
	}
}

func TestStreamingFailureIsStageError(t *testing.T) {
	job := testJob(t, 2, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	enc := &fakeEncoder{}
	scene := &fakeScene{failAt: 10}
	err := NewStreaming(testDeps(enc, scene)).Render(context.Background(), job)
	if !IsStageError(err) {
		t.Fatalf("err = %v, want a stage error", err)
	}
	var stage *models.RenderStageError
	errors.As(err, &stage)
	if stage.Frame != 10 || stage.Strategy != StrategyStreaming {
		t.Errorf("stage error = %+v", stage)
	}
	if !enc.sink.aborted || enc.sink.closed {
		t.Errorf("sink aborted=%v closed=%v, want aborted", enc.sink.aborted, enc.sink.closed)
	}
	if enc.sink.frames != 10 {
		t.Errorf("frames written = %d, want 10", enc.sink.frames)
	}
}

func TestStreamingCancellation(t *testing.T) {
	job := testJob(t, 2, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	job.OnProgress = func(done, total int) {
		if done == 5 {
			cancel(models.ErrCancelled)
		}
	}

	enc := &fakeEncoder{}
	deps := testDeps(enc, &fakeScene{failAt: -1})
	err := NewStreaming(deps).Render(ctx, job)
	if !models.IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if IsStageError(err) {
		t.Error("cancellation must not advance the fallback chain")
	}
	if enc.sink.frames != 5 || !enc.sink.aborted {
		t.Errorf("frames=%d aborted=%v, want 5 and aborted", enc.sink.frames, enc.sink.aborted)
	}
	if deps.Pool.Available() != 1 {
		t.Error("render context was not returned to the pool")
	}
}

func TestDiskBufferedPNG(t *testing.T) {
	job := testJob(t, 1, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	var files int
	var pattern string
	enc := &fakeEncoder{sequence: func(spec ffmpeg.SequenceSpec) error {
		pattern = spec.Pattern
		matches, _ := filepath.Glob(filepath.Join(filepath.Dir(spec.Pattern), "frame_*.png"))
		files = len(matches)
		return nil
	}}
	encoding := 0
	job.OnEncoding = func() { encoding++ }

	if err := NewDiskBuffered(testDeps(enc, &fakeScene{failAt: -1})).Render(context.Background(), job); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if files != 10 {
		t.Errorf("frame files = %d, want 10", files)
	}
	if !strings.HasSuffix(pattern, "frame_%06d.png") {
		t.Errorf("pattern = %q", pattern)
	}
	if encoding != 1 {
		t.Errorf("encoding callback ran %d times, want 1", encoding)
	}
	if _, err := os.Stat(filepath.Dir(pattern)); !os.IsNotExist(err) {
		t.Errorf("frame dir should be removed after encoding, stat err = %v", err)
	}
}

func TestDiskBufferedMJPEG(t *testing.T) {
	job := testJob(t, 1, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	var spoolSize int64
	enc := &fakeEncoder{sequence: func(spec ffmpeg.SequenceSpec) error {
		if spec.Pattern != "" {
			return fmt.Errorf("unexpected pattern %q", spec.Pattern)
		}
		fi, err := os.Stat(spec.Spool)
		if err != nil {
			return err
		}
		spoolSize = fi.Size()
		return nil
	}}
	deps := testDeps(enc, &fakeScene{failAt: -1})
	deps.SpoolFormat = SpoolMJPEG

	if err := NewDiskBuffered(deps).Render(context.Background(), job); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if spoolSize == 0 {
		t.Error("mjpeg spool is empty")
	}
}

func TestDiskBufferedFractionalRateFallsBackToPNG(t *testing.T) {
	job := testJob(t, 0.4, 12.5)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	var pattern string
	enc := &fakeEncoder{sequence: func(spec ffmpeg.SequenceSpec) error {
		pattern = spec.Pattern
		return nil
	}}
	deps := testDeps(enc, &fakeScene{failAt: -1})
	deps.SpoolFormat = SpoolMJPEG

	if err := NewDiskBuffered(deps).Render(context.Background(), job); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if pattern == "" {
		t.Error("expected a png sequence for a fractional frame rate")
	}
}

func TestDiskBufferedFailureIsStageError(t *testing.T) {
	job := testJob(t, 1, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")

	called := false
	enc := &fakeEncoder{sequence: func(ffmpeg.SequenceSpec) error {
		called = true
		return nil
	}}
	err := NewDiskBuffered(testDeps(enc, &fakeScene{failAt: 3})).Render(context.Background(), job)
	if !IsStageError(err) {
		t.Fatalf("err = %v, want a stage error", err)
	}
	if called {
		t.Error("encoder ran after a failed render")
	}
}

func TestRendererPanicIsStageError(t *testing.T) {
	job := testJob(t, 2, 10)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")
	enc := &fakeEncoder{}
	deps := testDeps(enc, &fakeScene{failAt: 4, panics: true})

	err := NewStreaming(deps).Render(context.Background(), job)
	var stage *models.RenderStageError
	if !errors.As(err, &stage) {
		t.Fatalf("err = %v, want a stage error", err)
	}
	if stage.Frame != 4 || !strings.Contains(stage.Error(), "panic") {
		t.Errorf("stage error = %v (frame %d)", stage, stage.Frame)
	}
	if !enc.sink.aborted {
		t.Error("sink not aborted")
	}
	if deps.Pool.Available() != 1 {
		t.Error("render context not returned to the pool")
	}

	// the disk-buffered producer runs in its own goroutine
	err = NewDiskBuffered(testDeps(&fakeEncoder{}, &fakeScene{failAt: 2, panics: true})).Render(context.Background(), job)
	if !IsStageError(err) {
		t.Errorf("disk-buffered err = %v, want a stage error", err)
	}
}

func TestMinimalGraph(t *testing.T) {
	job := testJob(t, 4, 25)
	job.Output = filepath.Join(job.WorkDir, "out.mp4")
	half := 50.0
	job.Timeline.Tracks = []models.Track{
		{ID: "v", Kind: models.TrackKindVideo, Items: []models.Item{
			{ID: "clip", Type: models.ItemTypeVideo, Source: "clip.mp4", Start: 0, Duration: 2, Offset: 1, IsBackground: true},
			{ID: "gone", Type: models.ItemTypeVideo, Start: 2, Duration: 2},
		}},
		{ID: "t", Kind: models.TrackKindText, Items: []models.Item{
			{ID: "title", Type: models.ItemTypeText, Start: 1, Duration: 2, X: 25, Y: 25, Width: &half, Height: &half,
				Text: &models.TextStyle{Content: "hi"}},
		}},
		{ID: "a", Kind: models.TrackKindAudio, Items: []models.Item{
			{ID: "music", Type: models.ItemTypeAudio, Source: "music.mp3", Start: 0, Duration: 4, Volume: vol(0)},
		}},
	}

	enc := &fakeEncoder{}
	if err := NewMinimal(testDeps(enc, &fakeScene{failAt: -1})).Render(context.Background(), job); err != nil {
		t.Fatalf("Render: %v", err)
	}
	g := enc.graph
	if g == nil {
		t.Fatal("graph encode was not run")
	}
	if len(g.Inputs) != 3 {
		t.Fatalf("inputs = %d, want base, clip and title", len(g.Inputs))
	}
	if g.Inputs[0].Path != "color=c=black:s=16x16:r=25:d=4" {
		t.Errorf("base input = %q", g.Inputs[0].Path)
	}
	if got := strings.Join(g.Inputs[1].Options, " "); got != "-ss 1 -t 2" {
		t.Errorf("clip options = %q", got)
	}
	if _, err := os.Stat(g.Inputs[2].Path); err != nil {
		t.Errorf("title still not written: %v", err)
	}
	if len(g.Audio) != 0 {
		t.Errorf("silent audio item should be left out, got %d sources", len(g.Audio))
	}

	for _, want := range []string{
		"[0:v][l1]overlay=x=8-overlay_w/2:y=8-overlay_h/2:enable='between(t,0,2)':eof_action=pass[b1]",
		"[b1][l2]overlay=x=8-overlay_w/2:y=8-overlay_h/2:enable='between(t,1,3)':eof_action=pass[b2]",
		"scale=16:16:force_original_aspect_ratio=increase,crop=16:16",
		"[b2]format=yuv420p[vout]",
	} {
		if !strings.Contains(g.FilterGraph, want) {
			t.Errorf("graph missing %q\n%s", want, g.FilterGraph)
		}
	}
}

func TestReleaseInterval(t *testing.T) {
	tests := []struct {
		w, h int
		want int
	}{
		{1920, 1080, 300},
		{3840, 2160, 75},
		{7680, 4320, 30},
		{640, 360, 900},
		{0, 0, 300},
	}
	for _, tt := range tests {
		if got := ReleaseInterval(tt.w, tt.h); got != tt.want {
			t.Errorf("ReleaseInterval(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

func TestFrameLoopRecyclesContext(t *testing.T) {
	job := testJob(t, 1, 10)
	pool := NewContextPool(1, 4, zerolog.Nop())
	rc, err := pool.Acquire(context.Background(), job.Canvas())
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Release(rc)

	var surfaces []*image.RGBA
	err = frameLoop(context.Background(), StrategyStreaming, job, &fakeScene{failAt: -1}, rc, pool, func(i int, frame *image.RGBA) error {
		if len(surfaces) == 0 || surfaces[len(surfaces)-1] != frame {
			surfaces = append(surfaces, frame)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("frameLoop: %v", err)
	}
	if rc.Frames() != 2 {
		t.Errorf("frames since recycle = %d, want 2", rc.Frames())
	}
	if len(surfaces) != 3 {
		t.Errorf("distinct surfaces = %d, want 3", len(surfaces))
	}
}

func TestContextPoolAcquireHonoursContext(t *testing.T) {
	pool := NewContextPool(1, 0, zerolog.Nop())
	rc, err := pool.Acquire(context.Background(), image.Pt(8, 8))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(models.ErrCancelled)
	if _, err := pool.Acquire(ctx, image.Pt(8, 8)); !errors.Is(err, models.ErrCancelled) {
		t.Errorf("Acquire on exhausted pool = %v, want ErrCancelled", err)
	}

	pool.Release(rc)
	if pool.Available() != 1 {
		t.Errorf("available = %d, want 1", pool.Available())
	}
	if pool.Acquired() != 1 {
		t.Errorf("acquired = %d, want 1", pool.Acquired())
	}
}

func TestCollectAudio(t *testing.T) {
	job := testJob(t, 4, 10)
	job.Timeline.Tracks = []models.Track{
		{ID: "v", Kind: models.TrackKindVideo, Items: []models.Item{
			{ID: "talk", Type: models.ItemTypeVideo, Source: "talk.mp4", Start: 1, Duration: 2, Offset: 3, Speed: 2, Volume: vol(50)},
			{ID: "broll", Type: models.ItemTypeVideo, Source: "broll.mp4", Start: 0, Duration: 1},
			{ID: "muted", Type: models.ItemTypeVideo, Source: "talk.mp4", Start: 3, Duration: 1, Muted: true},
		}},
		{ID: "a", Kind: models.TrackKindAudio, Items: []models.Item{
			{ID: "music", Type: models.ItemTypeAudio, Source: "music.mp3", Start: 0, Duration: 4},
			{ID: "lost", Type: models.ItemTypeAudio, Start: 0, Duration: 4},
		}},
	}
	scene := &fakeScene{failAt: -1, audio: map[string]bool{"/media/talk.mp4": true}}

	got := collectAudio(context.Background(), job, scene)
	want := []ffmpeg.AudioSource{
		{Path: "/media/talk.mp4", Start: 1, Offset: 3, Duration: 2, Speed: 2, Volume: 0.5},
		{Path: "/media/music.mp3", Start: 0, Offset: 0, Duration: 4, Speed: 1, Volume: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("sources = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("source %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
