package render

import (
	"context"
	"image"

	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

// Streaming pipes raw frames straight into the encoder's stdin.
type Streaming struct {
	deps *Deps
}

func NewStreaming(deps *Deps) *Streaming {
	return &Streaming{deps: deps}
}

func (s *Streaming) Name() string { return StrategyStreaming }

func (s *Streaming) Render(ctx context.Context, job *Job) error {
	scene, err := s.deps.scene(job)
	if err != nil {
		return stageError(StrategyStreaming, err)
	}
	defer scene.Close()

	rc, err := s.deps.Pool.Acquire(ctx, job.Canvas())
	if err != nil {
		return err
	}
	defer s.deps.Pool.Release(rc)

	sink, err := s.deps.Encoder.OpenStream(ctx, ffmpeg.StreamSpec{
		Output:   job.Output,
		Width:    job.Canvas().X,
		Height:   job.Canvas().Y,
		FPS:      job.Settings.FPS,
		Duration: job.Timeline.Duration,
		Settings: job.Settings,
		Audio:    collectAudio(ctx, job, scene),
	})
	if err != nil {
		return err
	}

	err = frameLoop(ctx, StrategyStreaming, job, scene, rc, s.deps.Pool, func(i int, frame *image.RGBA) error {
		return sink.WriteFrame(ctx, frame.Pix)
	})
	if err != nil {
		sink.Abort()
		return err
	}

	job.encoding()
	if err := sink.Close(ctx); err != nil {
		return err
	}
	return nil
}

// stageError marks a failure outside the frame loop as recoverable by
// the next strategy.
func stageError(strategy string, err error) error {
	return &models.RenderStageError{Strategy: strategy, Frame: -1, Err: err}
}
