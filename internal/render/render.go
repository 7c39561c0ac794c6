package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/compositor"
	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

// Strategy names, in fallback order.
const (
	StrategyStreaming    = "streaming"
	StrategyDiskBuffered = "disk-buffered"
	StrategyMinimal      = "minimal"
)

// Job is everything a strategy needs to produce one output file.
type Job struct {
	ID       string
	Timeline *models.Timeline
	Settings models.ExportSettings
	MediaDir string
	WorkDir  string // job-scoped scratch directory
	Output   string // encoded file, inside WorkDir
	Logger   zerolog.Logger

	// OnProgress is called after each frame is handed to the encoder.
	OnProgress func(done, total int)
	// OnEncoding is called once every frame has been rendered and the
	// encoder is finishing.
	OnEncoding func()
}

func (j *Job) progress(done, total int) {
	if j.OnProgress != nil {
		j.OnProgress(done, total)
	}
}

func (j *Job) encoding() {
	if j.OnEncoding != nil {
		j.OnEncoding()
	}
}

// Canvas returns the output size.
func (j *Job) Canvas() image.Point {
	return image.Pt(j.Settings.Resolution.Width, j.Settings.Resolution.Height)
}

// FrameCount is the number of frames in the output.
func (j *Job) FrameCount() int {
	return models.FrameCount(j.Timeline.Duration, j.Settings.FPS)
}

// Strategy renders a job into job.Output. A *models.RenderStageError
// means the next strategy may still succeed; any other error is final.
type Strategy interface {
	Name() string
	Render(ctx context.Context, job *Job) error
}

// FrameSink takes frames in presentation order.
type FrameSink interface {
	WriteFrame(ctx context.Context, pix []byte) error
	Close(ctx context.Context) error
	Abort()
}

// Encoder is the external encoder process.
type Encoder interface {
	OpenStream(ctx context.Context, spec ffmpeg.StreamSpec) (FrameSink, error)
	EncodeSequence(ctx context.Context, spec ffmpeg.SequenceSpec) error
	EncodeGraph(ctx context.Context, spec ffmpeg.GraphSpec) error
}

// NewEncoder adapts an ffmpeg service to Encoder.
func NewEncoder(svc *ffmpeg.Service) Encoder {
	return ffmpegEncoder{svc}
}

type ffmpegEncoder struct {
	*ffmpeg.Service
}

func (e ffmpegEncoder) OpenStream(ctx context.Context, spec ffmpeg.StreamSpec) (FrameSink, error) {
	return e.Service.OpenStream(ctx, spec)
}

// Scene draws the frames of one job and locates its media.
type Scene interface {
	RenderFrame(ctx context.Context, dst *image.RGBA, t float64) error
	RenderStill(ctx context.Context, it *models.Item) (*image.RGBA, image.Rectangle, error)
	ReleaseCaches()
	ResolvePath(it *models.Item) (string, error)
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	Close() error
}

// SceneFactory builds the scene of a job.
type SceneFactory func(job *Job) (Scene, error)

// Deps are the collaborators shared by every strategy.
type Deps struct {
	Encoder     Encoder
	Pool        *ContextPool
	Fonts       *compositor.FontLibrary
	Decoder     *ffmpeg.Service // video decoding for the media cache, may be nil
	SpoolFormat string          // png or mjpeg
	NewScene    SceneFactory    // nil selects the compositor
}

func (d *Deps) scene(job *Job) (Scene, error) {
	if d.NewScene != nil {
		return d.NewScene(job)
	}
	return newCompositorScene(job, d.Decoder, d.Fonts), nil
}

type compositorScene struct {
	*compositor.Compositor
	media *compositor.MediaCache
}

func newCompositorScene(job *Job, decoder *ffmpeg.Service, fonts *compositor.FontLibrary) *compositorScene {
	canvas := job.Canvas()
	media := compositor.NewMediaCache(job.MediaDir, decoder, job.Settings.FPS, canvas, job.Logger)
	return &compositorScene{
		Compositor: compositor.New(job.Timeline, canvas.X, canvas.Y, media, fonts, job.Logger),
		media:      media,
	}
}

func (s *compositorScene) ResolvePath(it *models.Item) (string, error) {
	return s.media.ResolvePath(it)
}

func (s *compositorScene) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	return s.media.Probe(ctx, path)
}

func (s *compositorScene) Close() error {
	return s.media.Close()
}

// ReleaseInterval is the number of frames between cache releases. Larger
// canvases release more often.
func ReleaseInterval(width, height int) int {
	if width <= 0 || height <= 0 {
		return 300
	}
	n := int(math.Round(300 * 1920 * 1080 / float64(width*height)))
	if n < 30 {
		return 30
	}
	if n > 900 {
		return 900
	}
	return n
}

// frameLoop renders every frame of the job in order and hands each to
// emit. Compositor failures become a RenderStageError for strategy;
// cancellation is checked before each frame.
func frameLoop(ctx context.Context, strategy string, job *Job, scene Scene, rc *RenderContext, pool *ContextPool, emit func(i int, frame *image.RGBA) error) error {
	total := job.FrameCount()
	fps := job.Settings.FPS
	release := ReleaseInterval(rc.Size().X, rc.Size().Y)

	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		frame := rc.Surface()
		if err := renderFrame(ctx, scene, frame, float64(i)/fps); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return &models.RenderStageError{Strategy: strategy, Frame: i, Err: err}
		}
		if err := emit(i, frame); err != nil {
			return err
		}
		job.progress(i+1, total)

		if (i+1)%release == 0 {
			scene.ReleaseCaches()
			debug.FreeOSMemory()
			job.Logger.Debug().Int("frame", i+1).Msg("released render caches")
		}
		if pool != nil && rc.Frames() >= pool.RecycleAfter() {
			rc.Recycle()
		}
	}
	return nil
}

// renderFrame draws one frame, turning a renderer panic into an error.
func renderFrame(ctx context.Context, scene Scene, dst *image.RGBA, t float64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("renderer panic: %v", r)
		}
	}()
	return scene.RenderFrame(ctx, dst, t)
}

// collectAudio gathers the audio sources of the timeline: audio items and
// un-muted video items that carry an audio stream. Sources that cannot be
// found are logged and left out.
func collectAudio(ctx context.Context, job *Job, scene Scene) []ffmpeg.AudioSource {
	var out []ffmpeg.AudioSource
	for ti := range job.Timeline.Tracks {
		track := &job.Timeline.Tracks[ti]
		for ii := range track.Items {
			it := &track.Items[ii]
			if it.Muted || it.VolumeLevel() == 0 {
				continue
			}
			if it.Type != models.ItemTypeAudio && it.Type != models.ItemTypeVideo {
				continue
			}
			path, err := scene.ResolvePath(it)
			if err != nil {
				job.Logger.Warn().Err(err).Str("item_id", it.ID).Msg("audio source unavailable, skipping")
				continue
			}
			if it.Type == models.ItemTypeVideo {
				info, err := scene.Probe(ctx, path)
				if err != nil || !info.HasAudio {
					continue
				}
			}
			out = append(out, ffmpeg.AudioSource{
				Path:     path,
				Start:    it.Start,
				Offset:   it.Offset,
				Duration: it.Duration,
				Speed:    it.PlaybackSpeed(),
				Volume:   it.VolumeLevel(),
			})
		}
	}
	return out
}

// IsStageError reports whether err allows the next strategy to run.
func IsStageError(err error) bool {
	var stage *models.RenderStageError
	return errors.As(err, &stage)
}
