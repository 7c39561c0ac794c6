package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/bobarin/cutline/internal/effects"
	"github.com/bobarin/cutline/internal/jobs"
	"github.com/bobarin/cutline/internal/models"
	"github.com/bobarin/cutline/internal/queue"
	"github.com/bobarin/cutline/internal/render"
)

const dequeueTimeout = 5 * time.Second

// statusPollInterval bounds how long a running job goes without reading
// its stored status, so a cancel issued by another process is seen.
const statusPollInterval = 2 * time.Second

// errClaimed means another run already took the job.
var errClaimed = errors.New("export already claimed")

// Progress split: rendering fills the bar up to encodingProgress, the
// encoder finish takes the rest.
const encodingProgress = 95.0

var validJobID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Publisher uploads finished exports. It is optional.
type Publisher interface {
	Publish(ctx context.Context, jobID, localPath string) (string, error)
	Unpublish(ctx context.Context, jobID, localPath string) error
}

// Options configure an Orchestrator.
type Options struct {
	MediaDir  string // one sub-directory of uploaded media per job id
	WorkDir   string // job-scoped scratch space
	OutputDir string // finished exports

	// Strategies are tried in order, each at most once per job.
	Strategies []render.Strategy
	// Extension maps an output format to a file extension.
	Extension func(format string) string
	Publisher Publisher
	// WorkerID marks the jobs this process claims. Recover only settles
	// jobs claimed under the same id.
	WorkerID string
}

// Orchestrator owns the export job lifecycle: submission, worker slots,
// the render fallback chain, cancellation and cleanup.
type Orchestrator struct {
	store      jobs.Store
	queue      queue.Queue
	tokens     *jobs.Tokens
	strategies []render.Strategy
	mediaDir   string
	workDir    string
	outputDir  string
	extension  func(string) string
	publisher  Publisher
	workerID   string
	logger     zerolog.Logger

	wg sync.WaitGroup
}

func New(store jobs.Store, q queue.Queue, opts Options, logger zerolog.Logger) *Orchestrator {
	ext := opts.Extension
	if ext == nil {
		ext = func(format string) string { return format }
	}
	return &Orchestrator{
		store:      store,
		queue:      q,
		tokens:     jobs.NewTokens(),
		strategies: opts.Strategies,
		mediaDir:   opts.MediaDir,
		workDir:    opts.WorkDir,
		outputDir:  opts.OutputDir,
		extension:  ext,
		publisher:  opts.Publisher,
		workerID:   opts.WorkerID,
		logger:     logger.With().Str("component", "worker").Logger(),
	}
}

// Submit validates an export request, records the job as pending and
// queues it.
func (o *Orchestrator) Submit(ctx context.Context, req *models.CreateExportRequest) (*models.ExportJob, error) {
	if err := models.Validate(&req.Timeline, &req.Settings); err != nil {
		return nil, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !validJobID.MatchString(id) {
		return nil, &models.ValidationError{Problems: []string{fmt.Sprintf("invalid job id %q", id)}}
	}

	for _, name := range unknownPresets(&req.Timeline) {
		o.logger.Warn().Str("job_id", id).Str("preset", name).Msg("unknown preset, falling back to the default")
	}

	job := &models.ExportJob{
		ID:       id,
		Status:   models.JobStatusPending,
		Timeline: req.Timeline,
		Settings: req.Settings,
	}
	if err := o.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := o.queue.Enqueue(ctx, id); err != nil {
		o.logger.Error().Err(err).Str("job_id", id).Msg("failed to enqueue export")
		o.store.Update(ctx, id, func(j *models.ExportJob) error {
			return jobs.Fail(j, fmt.Errorf("failed to queue export: %w", err))
		})
		return nil, fmt.Errorf("failed to queue export: %w", err)
	}

	o.logger.Info().Str("job_id", id).Float64("duration", job.Timeline.Duration).Msg("export queued")
	return job, nil
}

// Start pulls jobs off the queue and runs up to concurrency of them at a
// time. It returns once ctx is done and every running job has stopped.
func (o *Orchestrator) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	o.logger.Info().Int("concurrency", concurrency).Msg("worker started")
	sem := semaphore.NewWeighted(int64(concurrency))

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		msg, err := o.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				break
			}
			o.logger.Error().Err(err).Msg("error dequeuing export")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			sem.Release(1) // No job available, retry
			continue
		}

		o.wg.Add(1)
		go func(id string) {
			defer o.wg.Done()
			defer sem.Release(1)
			if err := o.Run(ctx, id); err != nil {
				o.logger.Error().Err(err).Str("job_id", id).Msg("export run failed")
			}
		}(msg.JobID)
	}

	o.logger.Info().Msg("worker shutting down...")
	o.wg.Wait()
}

// Recover settles jobs left behind by a previous run of this worker:
// pending jobs are queued again, jobs it had claimed and not finished are
// marked as errored. Jobs claimed by other workers are left alone.
func (o *Orchestrator) Recover(ctx context.Context) error {
	list, err := o.store.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range list {
		switch {
		case job.Status == models.JobStatusPending:
			if err := o.queue.Enqueue(ctx, job.ID); err != nil {
				return err
			}
		case !job.Status.IsTerminal() && job.Worker == o.workerID:
			o.store.Update(ctx, job.ID, func(j *models.ExportJob) error {
				return jobs.Fail(j, errors.New("export interrupted by a restart"))
			})
			o.Cleanup(job.ID)
		}
	}
	return nil
}

// Run executes one job through the strategy chain. Failures are recorded
// on the job; the returned error only reports store problems.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	log := o.logger.With().Str("job_id", id).Logger()

	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		log.Debug().Str("status", string(job.Status)).Msg("job already settled, skipping")
		return nil
	}
	if err := o.claim(ctx, id); err != nil {
		if errors.Is(err, errClaimed) {
			log.Debug().Str("status", string(job.Status)).Msg("job claimed by another run, skipping")
			return nil
		}
		return err
	}

	ctx, release := o.tokens.Start(ctx, id)
	defer release()
	defer o.Cleanup(id)
	work, err := o.stage(id)
	if err != nil {
		return o.settle(ctx, id, log, err)
	}
	if err := o.advance(ctx, id, models.JobStatusProcessing); err != nil {
		return o.settle(ctx, id, log, err)
	}

	output := filepath.Join(work, "export."+o.extension(job.Settings.Format))
	strategy, err := o.render(ctx, job, work, output, log)
	if err != nil {
		return o.settle(ctx, id, log, err)
	}

	final, err := o.finalize(ctx, id, output, job.Settings.Format)
	if err != nil {
		return o.settle(ctx, id, log, err)
	}

	var url string
	if o.publisher != nil {
		url, err = o.publisher.Publish(ctx, id, final)
		if err != nil {
			if models.IsCancelled(err) || ctx.Err() != nil {
				os.Remove(final)
				return o.settle(ctx, id, log, context.Cause(ctx))
			}
			log.Warn().Err(err).Msg("failed to publish export, keeping local copy only")
		}
	}

	_, err = o.store.Update(ctx, id, func(j *models.ExportJob) error {
		if err := jobs.Transition(j, models.JobStatusComplete); err != nil {
			return err
		}
		j.Strategy = strategy
		j.OutputPath = final
		j.OutputURL = url
		return nil
	})
	if err != nil {
		// cancelled or deleted at the last moment
		os.Remove(final)
		return o.settle(ctx, id, log, err)
	}
	log.Info().Str("strategy", strategy).Str("output", final).Msg("export complete")
	return nil
}

// claim moves a pending job to uploading under this worker's id. Only one
// run can claim a job, so a duplicate queue message is harmless.
func (o *Orchestrator) claim(ctx context.Context, id string) error {
	_, err := o.store.Update(ctx, id, func(j *models.ExportJob) error {
		if j.Status != models.JobStatusPending {
			return errClaimed
		}
		j.Worker = o.workerID
		return jobs.Transition(j, models.JobStatusUploading)
	})
	return err
}

// stage prepares the job's work directory.
func (o *Orchestrator) stage(id string) (string, error) {
	if info, err := os.Stat(o.jobMediaDir(id)); err == nil && !info.IsDir() {
		return "", fmt.Errorf("media path %s is not a directory", o.jobMediaDir(id))
	}
	work := o.jobWorkDir(id)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	return work, nil
}

// render tries each strategy in order. A RenderStageError moves on to the
// next one; anything else ends the job.
func (o *Orchestrator) render(ctx context.Context, job *models.ExportJob, work, output string, log zerolog.Logger) (string, error) {
	if len(o.strategies) == 0 {
		return "", errors.New("no render strategies configured")
	}
	var lastErr error
	for _, strategy := range o.strategies {
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		rjob := &render.Job{
			ID:         job.ID,
			Timeline:   &job.Timeline,
			Settings:   job.Settings,
			MediaDir:   o.jobMediaDir(job.ID),
			WorkDir:    work,
			Output:     output,
			Logger:     log.With().Str("strategy", strategy.Name()).Logger(),
			OnProgress: o.progressReporter(ctx, job.ID),
			OnEncoding: func() { o.advance(ctx, job.ID, models.JobStatusEncoding) },
		}

		start := time.Now()
		log.Info().Str("strategy", strategy.Name()).Msg("rendering")
		err := runStrategy(ctx, strategy, rjob)
		if err == nil {
			log.Info().Str("strategy", strategy.Name()).Dur("elapsed", time.Since(start)).Msg("render finished")
			return strategy.Name(), nil
		}
		if models.IsCancelled(err) || ctx.Err() != nil {
			return "", err
		}
		os.Remove(output)
		if !render.IsStageError(err) {
			return "", err
		}
		log.Warn().Err(err).Str("strategy", strategy.Name()).Msg("render strategy failed, falling back")
		lastErr = err
	}
	return "", fmt.Errorf("all render strategies failed: %w", lastErr)
}

// runStrategy renders with one strategy. A panic inside it is reported as
// a stage error so the next strategy can run.
func runStrategy(ctx context.Context, strategy render.Strategy, job *render.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.RenderStageError{Strategy: strategy.Name(), Frame: -1, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return strategy.Render(ctx, job)
}

// progressReporter maps rendered frames onto the job progress. It writes
// to the store when the whole percentage changes or statusPollInterval has
// passed, and stops the run once the stored job reads cancelled.
func (o *Orchestrator) progressReporter(ctx context.Context, id string) func(done, total int) {
	last := -1
	var lastWrite time.Time
	return func(done, total int) {
		if total <= 0 {
			return
		}
		pct := int(float64(done) / float64(total) * encodingProgress)
		if pct == last && time.Since(lastWrite) < statusPollInterval {
			return
		}
		last, lastWrite = pct, time.Now()
		job, err := o.store.Update(ctx, id, func(j *models.ExportJob) error {
			jobs.SetProgress(j, float64(pct))
			return nil
		})
		if err == nil && job.Status == models.JobStatusCancelled {
			o.tokens.Cancel(id)
		}
	}
}

// stopIfCancelled cancels the local run when the stored job was cancelled,
// possibly by another process.
func (o *Orchestrator) stopIfCancelled(ctx context.Context, id string) {
	job, err := o.store.Get(context.WithoutCancel(ctx), id)
	if err == nil && job.Status == models.JobStatusCancelled {
		o.tokens.Cancel(id)
	}
}

// advance moves a job forward, keeping the progress bar in step.
func (o *Orchestrator) advance(ctx context.Context, id string, to models.JobStatus) error {
	_, err := o.store.Update(ctx, id, func(j *models.ExportJob) error {
		if err := jobs.Transition(j, to); err != nil {
			return err
		}
		if to == models.JobStatusEncoding {
			jobs.SetProgress(j, encodingProgress)
		}
		return nil
	})
	if errors.Is(err, jobs.ErrInvalidTransition) {
		o.stopIfCancelled(ctx, id)
	}
	return err
}

// finalize moves the encoded file out of the work dir. The destination
// only ever holds a complete file.
func (o *Orchestrator) finalize(ctx context.Context, id, output, format string) (string, error) {
	if ctx.Err() != nil {
		return "", context.Cause(ctx)
	}
	if info, err := os.Stat(output); err != nil || info.Size() == 0 {
		return "", fmt.Errorf("encoder produced no output: %w", errOr(err, io.ErrUnexpectedEOF))
	}
	if err := os.MkdirAll(o.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	final := filepath.Join(o.outputDir, id+"."+o.extension(format))
	if err := moveFile(output, final); err != nil {
		return "", fmt.Errorf("failed to move export: %w", err)
	}
	return final, nil
}

// settle records why a run stopped: cancelled jobs stay cancelled, the
// rest are marked as errored.
func (o *Orchestrator) settle(ctx context.Context, id string, log zerolog.Logger, cause error) error {
	store := context.WithoutCancel(ctx)
	if models.IsCancelled(cause) || ctx.Err() != nil {
		_, err := o.store.Update(store, id, func(j *models.ExportJob) error {
			return jobs.Transition(j, models.JobStatusCancelled)
		})
		log.Info().Msg("export cancelled")
		if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrInvalidTransition) {
			return nil
		}
		return err
	}

	log.Error().Err(cause).Msg("export failed")
	_, err := o.store.Update(store, id, func(j *models.ExportJob) error {
		return jobs.Fail(j, cause)
	})
	if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Cancel stops a job. Pending jobs are cancelled before they start; a
// running job stops at its next frame boundary and cleans up after itself.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*models.ExportJob, error) {
	job, err := o.store.Update(ctx, id, func(j *models.ExportJob) error {
		return jobs.Transition(j, models.JobStatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	if !o.tokens.Cancel(id) {
		o.Cleanup(id)
	}
	o.logger.Info().Str("job_id", id).Msg("export cancel requested")
	return job, nil
}

// Cleanup removes every job-scoped temporary file. It is idempotent.
// Subprocesses are owned by the job's token and die with it.
func (o *Orchestrator) Cleanup(id string) error {
	if err := os.RemoveAll(o.jobWorkDir(id)); err != nil {
		o.logger.Warn().Err(err).Str("job_id", id).Msg("failed to clean up work dir")
		return err
	}
	return nil
}

// Delete cancels a job if needed and removes every trace of it.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	o.tokens.Cancel(id)
	o.Cleanup(id)

	if job.OutputPath != "" {
		if err := os.Remove(job.OutputPath); err != nil && !os.IsNotExist(err) {
			o.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove export file")
		}
		if o.publisher != nil && job.OutputURL != "" {
			if err := o.publisher.Unpublish(ctx, id, job.OutputPath); err != nil {
				o.logger.Warn().Err(err).Str("job_id", id).Msg("failed to unpublish export")
			}
		}
	}
	return o.store.Delete(ctx, id)
}

// Get returns a snapshot of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	return o.store.Get(ctx, id)
}

// List returns every job, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]models.ExportJob, error) {
	return o.store.List(ctx)
}

// Running reports whether a job currently holds a worker slot.
func (o *Orchestrator) Running(id string) bool {
	return o.tokens.Running(id)
}

func (o *Orchestrator) jobWorkDir(id string) string {
	return filepath.Join(o.workDir, "export-"+id)
}

func (o *Orchestrator) jobMediaDir(id string) string {
	return filepath.Join(o.mediaDir, id)
}

// moveFile renames src to dst, copying through a temporary file in dst's
// directory when they sit on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".export-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Remove(src)
}

func errOr(err, def error) error {
	if err != nil {
		return err
	}
	return def
}

// unknownPresets lists transition and animation names the effect tables do
// not know. They render with the default cross-fade or no animation.
func unknownPresets(tl *models.Timeline) []string {
	var out []string
	for ti := range tl.Tracks {
		for ii := range tl.Tracks[ti].Items {
			it := &tl.Tracks[ti].Items[ii]
			if it.Transition != nil && !effects.HasTransition(it.Transition.Type) {
				out = append(out, it.Transition.Type)
			}
			if it.Animation != nil && !effects.HasAnimation(it.Animation.Type) {
				out = append(out, it.Animation.Type)
			}
		}
	}
	return out
}
