package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/icza/mjpeg"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

// Spool formats for the disk-buffered strategy.
const (
	SpoolPNG   = "png"
	SpoolMJPEG = "mjpeg"
)

const (
	framePattern = "frame_%06d.png"
	spoolName    = "spool.avi"
	spoolBuffers = 2
	jpegQuality  = 92
)

// DiskBuffered writes every frame to disk first and encodes the result as
// an image sequence. Rendering and disk writes overlap through a small
// bounded queue.
type DiskBuffered struct {
	deps *Deps
}

func NewDiskBuffered(deps *Deps) *DiskBuffered {
	return &DiskBuffered{deps: deps}
}

func (d *DiskBuffered) Name() string { return StrategyDiskBuffered }

type spooledFrame struct {
	index int
	data  []byte
}

func (d *DiskBuffered) Render(ctx context.Context, job *Job) error {
	scene, err := d.deps.scene(job)
	if err != nil {
		return stageError(StrategyDiskBuffered, err)
	}
	defer scene.Close()

	dir := filepath.Join(job.WorkDir, "frames")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stageError(StrategyDiskBuffered, fmt.Errorf("create frame dir: %w", err))
	}
	defer os.RemoveAll(dir)

	spool, err := openSpool(d.deps.SpoolFormat, dir, job)
	if err != nil {
		return stageError(StrategyDiskBuffered, err)
	}
	defer spool.close()

	rc, err := d.deps.Pool.Acquire(ctx, job.Canvas())
	if err != nil {
		return err
	}
	defer d.deps.Pool.Release(rc)

	job.Logger.Debug().Str("spool", spool.name()).Str("dir", dir).Msg("buffering frames to disk")

	frames := make(chan spooledFrame, spoolBuffers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		return frameLoop(gctx, StrategyDiskBuffered, job, scene, rc, d.deps.Pool, func(i int, frame *image.RGBA) error {
			data, err := spool.encode(rc, frame)
			if err != nil {
				return &models.RenderStageError{Strategy: StrategyDiskBuffered, Frame: i, Err: err}
			}
			select {
			case frames <- spooledFrame{index: i, data: data}:
				return nil
			case <-gctx.Done():
				return context.Cause(gctx)
			}
		})
	})

	g.Go(func() error {
		for f := range frames {
			if err := spool.write(f.index, f.data); err != nil {
				return &models.RenderStageError{Strategy: StrategyDiskBuffered, Frame: f.index, Err: err}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	if err := spool.close(); err != nil {
		return stageError(StrategyDiskBuffered, fmt.Errorf("finish spool: %w", err))
	}

	job.encoding()
	pattern, spoolFile := spool.input()
	return d.deps.Encoder.EncodeSequence(ctx, ffmpeg.SequenceSpec{
		Pattern:  pattern,
		Spool:    spoolFile,
		FPS:      job.Settings.FPS,
		Duration: job.Timeline.Duration,
		Output:   job.Output,
		Settings: job.Settings,
		Audio:    collectAudio(ctx, job, scene),
	})
}

// frameSpool stores encoded frames. encode runs on the render goroutine,
// write and close on the writer goroutine.
type frameSpool interface {
	name() string
	encode(rc *RenderContext, frame *image.RGBA) ([]byte, error)
	write(index int, data []byte) error
	close() error
	input() (pattern, spool string)
}

func openSpool(format, dir string, job *Job) (frameSpool, error) {
	switch format {
	case "", SpoolPNG:
		return &pngSpool{dir: dir}, nil
	case SpoolMJPEG:
		fps := job.Settings.FPS
		if fps != math.Trunc(fps) {
			job.Logger.Info().Float64("fps", fps).Msg("mjpeg spool needs an integer frame rate, using png")
			return &pngSpool{dir: dir}, nil
		}
		path := filepath.Join(dir, spoolName)
		size := job.Canvas()
		aw, err := mjpeg.New(path, int32(size.X), int32(size.Y), int32(fps))
		if err != nil {
			return nil, fmt.Errorf("create mjpeg spool: %w", err)
		}
		return &mjpegSpool{path: path, aw: aw}, nil
	default:
		return nil, fmt.Errorf("unknown spool format %q", format)
	}
}

type pngSpool struct {
	dir string
}

func (s *pngSpool) name() string { return SpoolPNG }

func (s *pngSpool) encode(rc *RenderContext, frame *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	if err := rc.EncodePNG(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *pngSpool) write(index int, data []byte) error {
	return os.WriteFile(filepath.Join(s.dir, fmt.Sprintf(framePattern, index)), data, 0o644)
}

func (s *pngSpool) close() error { return nil }

func (s *pngSpool) input() (string, string) {
	return filepath.Join(s.dir, framePattern), ""
}

type mjpegSpool struct {
	path   string
	aw     mjpeg.AviWriter
	closed bool
}

func (s *mjpegSpool) name() string { return SpoolMJPEG }

func (s *mjpegSpool) encode(rc *RenderContext, frame *image.RGBA) ([]byte, error) {
	data, err := rc.EncodeJPEG(frame, jpegQuality)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}

func (s *mjpegSpool) write(_ int, data []byte) error {
	return s.aw.AddFrame(data)
}

func (s *mjpegSpool) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.aw.Close()
}

func (s *mjpegSpool) input() (string, string) {
	return "", s.path
}
