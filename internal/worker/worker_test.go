package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/jobs"
	"github.com/bobarin/cutline/internal/models"
	"github.com/bobarin/cutline/internal/queue"
	"github.com/bobarin/cutline/internal/render"
)

// funcStrategy is a render.Strategy backed by a function.
type funcStrategy struct {
	name  string
	calls int
	fn    func(ctx context.Context, job *render.Job) error
}

func (s *funcStrategy) Name() string { return s.name }

func (s *funcStrategy) Render(ctx context.Context, job *render.Job) error {
	s.calls++
	return s.fn(ctx, job)
}

func writeOutput(job *render.Job) error {
	return os.WriteFile(job.Output, []byte("encoded"), 0o644)
}

// testScene draws nothing and fails at a given frame on its first use.
type testScene struct {
	failAt int
	frames int
}

func (s *testScene) RenderFrame(ctx context.Context, dst *image.RGBA, t float64) error {
	if s.failAt >= 0 && s.frames == s.failAt {
		return errors.New("renderer crashed")
	}
	s.frames++
	return nil
}

func (s *testScene) RenderStill(ctx context.Context, it *models.Item) (*image.RGBA, image.Rectangle, error) {
	return nil, image.Rectangle{}, nil
}

func (s *testScene) ReleaseCaches() {}

func (s *testScene) ResolvePath(*models.Item) (string, error) { return "", os.ErrNotExist }

func (s *testScene) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	return nil, os.ErrNotExist
}

func (s *testScene) Close() error { return nil }

type countingSink struct{ frames *int }

func (s countingSink) WriteFrame(ctx context.Context, pix []byte) error {
	*s.frames++
	return nil
}

func (s countingSink) Close(ctx context.Context) error { return nil }

func (s countingSink) Abort() {}

// sequenceEncoder counts the frames each encode receives and writes a
// small output file for sequences.
type sequenceEncoder struct {
	streamed int
	sequence int
}

func (e *sequenceEncoder) OpenStream(ctx context.Context, spec ffmpeg.StreamSpec) (render.FrameSink, error) {
	return countingSink{frames: &e.streamed}, nil
}

func (e *sequenceEncoder) EncodeSequence(ctx context.Context, spec ffmpeg.SequenceSpec) error {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(spec.Pattern), "frame_*.png"))
	if err != nil {
		return err
	}
	e.sequence = len(matches)
	return os.WriteFile(spec.Output, []byte(fmt.Sprintf("frames=%d", len(matches))), 0o644)
}

func (e *sequenceEncoder) EncodeGraph(ctx context.Context, spec ffmpeg.GraphSpec) error {
	return errors.New("not used")
}

type testEnv struct {
	orch  *Orchestrator
	store *jobs.MemoryStore
	queue *queue.Local
	root  string
}

func newEnv(t *testing.T, strategies ...render.Strategy) *testEnv {
	t.Helper()
	return newPeer(t, jobs.NewMemoryStore(), "worker-a", strategies...)
}

// newPeer builds an orchestrator with its own queue and directories on a
// possibly shared store, as a second process would.
func newPeer(t *testing.T, store *jobs.MemoryStore, workerID string, strategies ...render.Strategy) *testEnv {
	t.Helper()
	root := t.TempDir()
	q := queue.NewLocal(16)
	t.Cleanup(func() { q.Close() })
	orch := New(store, q, Options{
		MediaDir:   filepath.Join(root, "media"),
		WorkDir:    filepath.Join(root, "work"),
		OutputDir:  filepath.Join(root, "out"),
		Strategies: strategies,
		WorkerID:   workerID,
	}, zerolog.Nop())
	return &testEnv{orch: orch, store: store, queue: q, root: root}
}

func exportRequest(id string) *models.CreateExportRequest {
	return &models.CreateExportRequest{
		ID: id,
		Timeline: models.Timeline{
			Duration: 2,
			Tracks: []models.Track{{ID: "v", Kind: models.TrackKindVideo, Items: []models.Item{
				{ID: "bg", Type: models.ItemTypeColor, Start: 0, Duration: 2, Color: "#ff0000"},
			}}},
		},
		Settings: models.ExportSettings{
			Resolution: models.Dimension{Width: 16, Height: 16},
			FPS:        10,
			Quality:    models.QualityMedium,
			Format:     "mp4",
		},
	}
}

func (e *testEnv) submit(t *testing.T, id string) {
	t.Helper()
	if _, err := e.orch.Submit(context.Background(), exportRequest(id)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func (e *testEnv) job(t *testing.T, id string) *models.ExportJob {
	t.Helper()
	job, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return job
}

func TestRunCompletes(t *testing.T) {
	env := newEnv(t, &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		for i := 1; i <= 20; i++ {
			job.OnProgress(i, 20)
		}
		job.OnEncoding()
		return writeOutput(job)
	}})
	env.submit(t, "job-1")

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := env.job(t, "job-1")
	if job.Status != models.JobStatusComplete || job.Progress != 100 {
		t.Fatalf("job = %s %.0f%%, want complete 100%%", job.Status, job.Progress)
	}
	if !job.OutputReady() || job.Strategy != render.StrategyStreaming {
		t.Errorf("job = %+v", job)
	}
	if want := filepath.Join(env.root, "out", "job-1.mp4"); job.OutputPath != want {
		t.Errorf("output = %q, want %q", job.OutputPath, want)
	}
	if _, err := os.Stat(job.OutputPath); err != nil {
		t.Errorf("output missing: %v", err)
	}
	if _, err := os.Stat(env.orch.jobWorkDir("job-1")); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}
}

func TestFallbackAfterStreamingFailure(t *testing.T) {
	enc := &sequenceEncoder{}
	scenes := 0
	deps := &render.Deps{
		Encoder: enc,
		Pool:    render.NewContextPool(1, 0, zerolog.Nop()),
		NewScene: func(*render.Job) (render.Scene, error) {
			scenes++
			if scenes == 1 {
				return &testScene{failAt: 10}, nil
			}
			return &testScene{failAt: -1}, nil
		},
	}
	env := newEnv(t,
		render.NewStreaming(deps),
		render.NewDiskBuffered(deps),
		render.NewMinimal(deps),
	)
	env.submit(t, "job-1")

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := env.job(t, "job-1")
	if job.Status != models.JobStatusComplete {
		t.Fatalf("status = %s (%s), want complete", job.Status, job.Error)
	}
	if job.Strategy != render.StrategyDiskBuffered {
		t.Errorf("strategy = %q, want disk-buffered", job.Strategy)
	}
	if enc.streamed != 10 {
		t.Errorf("streamed %d frames before failing, want 10", enc.streamed)
	}
	if enc.sequence != 20 {
		t.Errorf("fallback encoded %d frames, want 20", enc.sequence)
	}
	data, err := os.ReadFile(job.OutputPath)
	if err != nil || string(data) != "frames=20" {
		t.Errorf("output = %q, %v", data, err)
	}
}

func TestEncodeErrorIsTerminal(t *testing.T) {
	first := &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		writeOutput(job)
		return &models.EncodeError{Stage: "stream", Err: errors.New("exit status 1")}
	}}
	second := &funcStrategy{name: render.StrategyDiskBuffered, fn: func(ctx context.Context, job *render.Job) error {
		return writeOutput(job)
	}}
	env := newEnv(t, first, second)
	env.submit(t, "job-1")

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := env.job(t, "job-1")
	if job.Status != models.JobStatusError || job.Error == "" {
		t.Fatalf("job = %s %q, want error", job.Status, job.Error)
	}
	if second.calls != 0 {
		t.Error("encoder failure must not fall back")
	}
	if job.OutputReady() {
		t.Error("failed job reports output ready")
	}
	if _, err := os.Stat(env.orch.jobWorkDir("job-1")); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "out", "job-1.mp4")); !os.IsNotExist(err) {
		t.Error("partial output reached the output dir")
	}
}

func TestChainExhaustedIsError(t *testing.T) {
	fail := func(name string) *funcStrategy {
		return &funcStrategy{name: name, fn: func(ctx context.Context, job *render.Job) error {
			return &models.RenderStageError{Strategy: name, Frame: -1, Err: errors.New("boom")}
		}}
	}
	a, b, c := fail(render.StrategyStreaming), fail(render.StrategyDiskBuffered), fail(render.StrategyMinimal)
	env := newEnv(t, a, b, c)
	env.submit(t, "job-1")

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if job := env.job(t, "job-1"); job.Status != models.JobStatusError {
		t.Errorf("status = %s, want error", job.Status)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Errorf("calls = %d %d %d, want each strategy once", a.calls, b.calls, c.calls)
	}
}

func TestCancelMidRender(t *testing.T) {
	started := make(chan struct{})
	env := newEnv(t, &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		os.WriteFile(filepath.Join(job.WorkDir, "frame.tmp"), []byte("x"), 0o644)
		job.OnProgress(10, 20)
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	}})
	env.submit(t, "job-1")

	done := make(chan error, 1)
	go func() { done <- env.orch.Run(context.Background(), "job-1") }()
	<-started

	if !env.orch.Running("job-1") {
		t.Error("job should hold a worker slot")
	}
	if _, err := env.orch.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	job := env.job(t, "job-1")
	if job.Status != models.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", job.Status)
	}
	if job.Error != "" {
		t.Errorf("cancelled job carries an error: %q", job.Error)
	}
	if job.Progress != 47 {
		t.Errorf("progress = %v, want it frozen at 47", job.Progress)
	}
	if _, err := os.Stat(env.orch.jobWorkDir("job-1")); !os.IsNotExist(err) {
		t.Errorf("work dir still present after cancel: %v", err)
	}
	if _, err := env.orch.Cancel(context.Background(), "job-1"); err != nil {
		t.Errorf("second cancel should be a no-op, got %v", err)
	}
}

func TestCancelPendingSkipsRun(t *testing.T) {
	s := &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		return writeOutput(job)
	}}
	env := newEnv(t, s)
	env.submit(t, "job-1")

	if _, err := env.orch.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if s.calls != 0 {
		t.Error("cancelled job was rendered")
	}
	if job := env.job(t, "job-1"); job.Status != models.JobStatusCancelled {
		t.Errorf("status = %s", job.Status)
	}
}

func TestCancelCompletedJobFails(t *testing.T) {
	env := newEnv(t, &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		return writeOutput(job)
	}})
	env.submit(t, "job-1")
	env.orch.Run(context.Background(), "job-1")

	if _, err := env.orch.Cancel(context.Background(), "job-1"); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Errorf("cancel complete job err = %v, want ErrInvalidTransition", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newEnv(t)

	req := exportRequest("job-1")
	req.Settings.FPS = 0
	_, err := env.orch.Submit(context.Background(), req)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	if _, err := env.orch.Submit(context.Background(), exportRequest("../etc")); !errors.As(err, &verr) {
		t.Errorf("path-like id err = %v, want ValidationError", err)
	}

	job, err := env.orch.Submit(context.Background(), exportRequest(""))
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.Status != models.JobStatusPending {
		t.Errorf("job = %+v", job)
	}
	if n, _ := env.queue.Len(context.Background()); n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
	if _, err := env.orch.Submit(context.Background(), exportRequest(job.ID)); !errors.Is(err, jobs.ErrExists) {
		t.Errorf("duplicate id err = %v, want ErrExists", err)
	}
}

func TestStartDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	env := newEnv(t, &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return writeOutput(job)
	}})
	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		env.submit(t, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.orch.Start(ctx, 1)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for env.job(t, id).Status != models.JobStatusComplete {
			if time.Now().After(deadline) {
				t.Fatalf("job %s not complete: %s", id, env.job(t, id).Status)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

func TestDeleteRemovesOutput(t *testing.T) {
	env := newEnv(t, &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		return writeOutput(job)
	}})
	env.submit(t, "job-1")
	env.orch.Run(context.Background(), "job-1")
	out := env.job(t, "job-1").OutputPath

	if err := env.orch.Delete(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output still present: %v", err)
	}
	if _, err := env.store.Get(context.Background(), "job-1"); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("job still stored: %v", err)
	}
	if err := env.orch.Cleanup("job-1"); err != nil {
		t.Errorf("cleanup after delete should be a no-op, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.store.Create(ctx, &models.ExportJob{ID: "waiting", Status: models.JobStatusPending})
	env.store.Create(ctx, &models.ExportJob{ID: "halfway", Status: models.JobStatusEncoding, Worker: "worker-a"})
	env.store.Create(ctx, &models.ExportJob{ID: "elsewhere", Status: models.JobStatusProcessing, Worker: "worker-b"})
	env.store.Create(ctx, &models.ExportJob{ID: "done", Status: models.JobStatusComplete, Progress: 100})

	if err := env.orch.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := env.queue.Len(ctx); n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}
	if job := env.job(t, "halfway"); job.Status != models.JobStatusError {
		t.Errorf("interrupted job status = %s, want error", job.Status)
	}
	if job := env.job(t, "done"); job.Status != models.JobStatusComplete {
		t.Errorf("complete job changed to %s", job.Status)
	}
	if job := env.job(t, "elsewhere"); job.Status != models.JobStatusProcessing {
		t.Errorf("job of another worker changed to %s", job.Status)
	}
}

// slowStrategy reports progress frame by frame until cancelled or done.
func slowStrategy(started chan<- struct{}, stopped *bool) *funcStrategy {
	return &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		for i := 1; i <= 1000; i++ {
			if ctx.Err() != nil {
				*stopped = true
				return context.Cause(ctx)
			}
			job.OnProgress(i, 1000)
			if i == 1 {
				close(started)
			}
			time.Sleep(2 * time.Millisecond)
		}
		return writeOutput(job)
	}}
}

func TestCancelFromAnotherProcess(t *testing.T) {
	started := make(chan struct{})
	stopped := false
	worker := newEnv(t, slowStrategy(started, &stopped))
	api := newPeer(t, worker.store, "")
	worker.submit(t, "job-1")

	done := make(chan error, 1)
	go func() { done <- worker.orch.Run(context.Background(), "job-1") }()
	<-started

	if _, err := api.orch.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept rendering after a cancel from another process")
	}

	if !stopped {
		t.Error("render finished instead of stopping")
	}
	if worker.orch.Running("job-1") {
		t.Error("job still holds a worker slot")
	}
	job := worker.job(t, "job-1")
	if job.Status != models.JobStatusCancelled || job.OutputPath != "" {
		t.Errorf("job = %s output=%q, want cancelled without output", job.Status, job.OutputPath)
	}
	if _, err := os.Stat(worker.orch.jobWorkDir("job-1")); !os.IsNotExist(err) {
		t.Errorf("work dir still present: %v", err)
	}
}

func TestDuplicateRunIsSkipped(t *testing.T) {
	started := make(chan struct{})
	stopped := false
	env := newEnv(t, slowStrategy(started, &stopped))
	env.submit(t, "job-1")

	done := make(chan error, 1)
	go func() { done <- env.orch.Run(context.Background(), "job-1") }()
	<-started

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if _, err := os.Stat(env.orch.jobWorkDir("job-1")); err != nil {
		t.Errorf("second run removed the live work dir: %v", err)
	}
	if !env.orch.Running("job-1") {
		t.Error("second run stopped the first one")
	}

	env.orch.Cancel(context.Background(), "job-1")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if job := env.job(t, "job-1"); job.Worker != "worker-a" {
		t.Errorf("worker = %q, want worker-a", job.Worker)
	}
}

func TestPeerRecoverLeavesRunningJob(t *testing.T) {
	started := make(chan struct{})
	stopped := false
	worker := newEnv(t, slowStrategy(started, &stopped))
	peer := newPeer(t, worker.store, "worker-b")
	worker.submit(t, "job-1")

	done := make(chan error, 1)
	go func() { done <- worker.orch.Run(context.Background(), "job-1") }()
	<-started

	if err := peer.orch.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if job := worker.job(t, "job-1"); job.Status.IsTerminal() {
		t.Fatalf("peer recovery settled a running job: %s %q", job.Status, job.Error)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	if job := worker.job(t, "job-1"); job.Status != models.JobStatusComplete {
		t.Errorf("status = %s (%s), want complete", job.Status, job.Error)
	}
}

func TestStrategyPanicFallsBack(t *testing.T) {
	first := &funcStrategy{name: render.StrategyStreaming, fn: func(ctx context.Context, job *render.Job) error {
		panic("layer buffer out of range")
	}}
	second := &funcStrategy{name: render.StrategyDiskBuffered, fn: func(ctx context.Context, job *render.Job) error {
		return writeOutput(job)
	}}
	env := newEnv(t, first, second)
	env.submit(t, "job-1")

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := env.job(t, "job-1")
	if job.Status != models.JobStatusComplete || job.Strategy != render.StrategyDiskBuffered {
		t.Errorf("job = %s via %q (%s), want complete via disk-buffered", job.Status, job.Strategy, job.Error)
	}
}

func TestCompositorPanicFallsBack(t *testing.T) {
	enc := &sequenceEncoder{}
	streaming := render.NewStreaming(&render.Deps{
		Encoder: enc,
		Pool:    render.NewContextPool(1, 0, zerolog.Nop()),
	})
	disk := render.NewDiskBuffered(&render.Deps{
		Encoder:  enc,
		Pool:     render.NewContextPool(1, 0, zerolog.Nop()),
		NewScene: func(*render.Job) (render.Scene, error) { return &testScene{failAt: -1}, nil },
	})
	env := newEnv(t, streaming, disk)

	// stored before item sizes were bounded
	req := exportRequest("job-1")
	wide := 1e15
	req.Timeline.Tracks[0].Items[0].Width = &wide
	if err := env.store.Create(context.Background(), &models.ExportJob{ID: "job-1", Timeline: req.Timeline, Settings: req.Settings}); err != nil {
		t.Fatal(err)
	}

	if err := env.orch.Run(context.Background(), "job-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := env.job(t, "job-1")
	if job.Status != models.JobStatusComplete || job.Strategy != render.StrategyDiskBuffered {
		t.Fatalf("job = %s via %q (%s), want complete via disk-buffered", job.Status, job.Strategy, job.Error)
	}
	if enc.streamed != 0 || enc.sequence != 20 {
		t.Errorf("streamed %d, sequenced %d, want 0 and 20", enc.streamed, enc.sequence)
	}
}

func TestUnknownPresets(t *testing.T) {
	tl := exportRequest("x").Timeline
	tl.Tracks[0].Items[0].Transition = &models.TransitionSpec{Type: "dissolve", Duration: 1}
	tl.Tracks[0].Items = append(tl.Tracks[0].Items, models.Item{
		ID: "b", Type: models.ItemTypeColor, Start: 1, Duration: 1,
		Transition: &models.TransitionSpec{Type: "teleport", Duration: 1},
		Animation:  &models.AnimationSpec{Type: "moonwalk", Duration: 1},
	})

	got := unknownPresets(&tl)
	if len(got) != 2 || got[0] != "teleport" || got[1] != "moonwalk" {
		t.Errorf("unknownPresets = %v", got)
	}
}
