package render

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bobarin/cutline/internal/compositor"
	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

// Minimal lays the timeline out entirely inside an ffmpeg filter graph:
// every visual item is overlaid on a black base during its time window.
// Transitions, animations and per-frame effects are not rendered. Colour,
// text and image items are drawn once as stills; video is decoded by the
// encoder itself.
type Minimal struct {
	deps *Deps
}

func NewMinimal(deps *Deps) *Minimal {
	return &Minimal{deps: deps}
}

func (m *Minimal) Name() string { return StrategyMinimal }

type placedItem struct {
	item  *models.Item
	track int
}

func (m *Minimal) Render(ctx context.Context, job *Job) error {
	scene, err := m.deps.scene(job)
	if err != nil {
		return stageError(StrategyMinimal, err)
	}
	defer scene.Close()

	stills := filepath.Join(job.WorkDir, "stills")
	if err := os.MkdirAll(stills, 0o755); err != nil {
		return stageError(StrategyMinimal, fmt.Errorf("create stills dir: %w", err))
	}

	spec, err := m.buildGraph(ctx, job, scene, stills)
	if err != nil {
		return err
	}

	total := job.FrameCount()
	spec.OnProgress = func(p ffmpeg.Progress) {
		if p.Done {
			job.encoding()
			return
		}
		done := int(p.OutTime * job.Settings.FPS)
		if done > total {
			done = total
		}
		job.progress(done, total)
	}
	return m.deps.Encoder.EncodeGraph(ctx, spec)
}

// buildGraph writes the stills and assembles the filter graph.
func (m *Minimal) buildGraph(ctx context.Context, job *Job, scene Scene, stillsDir string) (ffmpeg.GraphSpec, error) {
	canvas := job.Canvas()
	fps := job.Settings.FPS
	dur := job.Timeline.Duration

	spec := ffmpeg.GraphSpec{
		Inputs: []ffmpeg.GraphInput{{
			Options: []string{"-f", "lavfi"},
			Path:    fmt.Sprintf("color=c=black:s=%dx%d:r=%s:d=%s", canvas.X, canvas.Y, num(fps), num(dur)),
		}},
		VideoLabel: "vout",
		FPS:        fps,
		Duration:   dur,
		Output:     job.Output,
		Settings:   job.Settings,
		Audio:      collectAudio(ctx, job, scene),
	}

	var chains []string
	base := "0:v"
	for n, p := range paintOrder(job.Timeline) {
		if ctx.Err() != nil {
			return spec, context.Cause(ctx)
		}
		it := p.item
		box := compositor.LayerBox(it, canvas)

		input, err := m.itemInput(ctx, job, scene, it, stillsDir, n)
		if err != nil {
			job.Logger.Warn().Err(err).Str("item_id", it.ID).Msg("skipping layer in minimal render")
			continue
		}
		if input == nil {
			continue
		}
		k := len(spec.Inputs)
		spec.Inputs = append(spec.Inputs, *input)

		layer := fmt.Sprintf("l%d", k)
		chains = append(chains, fmt.Sprintf("[%d:v]%s[%s]", k, layerFilters(it, box, fps, it.Type == models.ItemTypeVideo), layer))

		out := fmt.Sprintf("b%d", k)
		chains = append(chains, fmt.Sprintf("[%s][%s]%s[%s]", base, layer, overlayFilter(it, box), out))
		base = out
	}
	chains = append(chains, fmt.Sprintf("[%s]format=yuv420p[%s]", base, spec.VideoLabel))
	spec.FilterGraph = strings.Join(chains, ";")
	return spec, nil
}

// itemInput returns the encoder input for an item, or nil when the item
// paints nothing.
func (m *Minimal) itemInput(ctx context.Context, job *Job, scene Scene, it *models.Item, dir string, n int) (*ffmpeg.GraphInput, error) {
	if it.Type == models.ItemTypeVideo {
		path, err := scene.ResolvePath(it)
		if err != nil {
			return nil, err
		}
		return &ffmpeg.GraphInput{
			Options: []string{
				"-ss", num(it.Offset),
				"-t", num(it.Duration * it.PlaybackSpeed()),
			},
			Path: path,
		}, nil
	}

	still, _, err := scene.RenderStill(ctx, it)
	if err != nil {
		return nil, err
	}
	if still == nil {
		return nil, nil
	}
	path := filepath.Join(dir, fmt.Sprintf("still_%04d.png", n))
	if err := writeStill(path, still); err != nil {
		return nil, err
	}
	return &ffmpeg.GraphInput{
		Options: []string{
			"-loop", "1",
			"-framerate", num(job.Settings.FPS),
			"-t", num(it.Duration),
		},
		Path: path,
	}, nil
}

func writeStill(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// layerFilters conforms one input to its box and shifts it to the item's
// start time. Stills are already drawn at box size.
func layerFilters(it *models.Item, box image.Rectangle, fps float64, video bool) string {
	w, h := box.Dx(), box.Dy()
	var f []string
	if video {
		f = append(f, fmt.Sprintf("fps=%s", num(fps*it.PlaybackSpeed())))
		f = append(f, "setpts=PTS-STARTPTS")
		if s := it.PlaybackSpeed(); s != 1 {
			f = append(f, fmt.Sprintf("setpts=PTS/%s", num(s)))
		}
		f = append(f, "format=rgba")
		switch it.FitMode() {
		case models.FitFill:
			f = append(f, fmt.Sprintf("scale=%d:%d", w, h))
		case models.FitContain:
			f = append(f,
				fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", w, h),
				fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:color=black@0", w, h),
			)
		default:
			f = append(f,
				fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", w, h),
				fmt.Sprintf("crop=%d:%d", w, h),
			)
		}
	} else {
		f = append(f, "format=rgba", "setpts=PTS-STARTPTS")
	}

	if op := it.BaseOpacity(); op < 1 {
		f = append(f, fmt.Sprintf("colorchannelmixer=aa=%s", num(op)))
	}
	if it.Rotation != 0 && !it.IsBackground {
		a := num(it.Rotation * math.Pi / 180)
		f = append(f, fmt.Sprintf("rotate=a=%s:ow=rotw(%s):oh=roth(%s):c=none", a, a, a))
	}
	f = append(f, fmt.Sprintf("setpts=PTS+%s/TB", num(it.Start)))
	return strings.Join(f, ",")
}

// overlayFilter centres the layer on its box while the item is active.
func overlayFilter(it *models.Item, box image.Rectangle) string {
	cx := float64(box.Min.X+box.Max.X) / 2
	cy := float64(box.Min.Y+box.Max.Y) / 2
	return fmt.Sprintf("overlay=x=%s-overlay_w/2:y=%s-overlay_h/2:enable='between(t,%s,%s)':eof_action=pass",
		num(cx), num(cy), num(it.Start), num(it.End()))
}

// paintOrder lists the visual items in the order the compositor paints
// them: background first, then by layer, then by track.
func paintOrder(tl *models.Timeline) []placedItem {
	var out []placedItem
	for ti := range tl.Tracks {
		track := &tl.Tracks[ti]
		if track.Kind == models.TrackKindAudio {
			continue
		}
		for ii := range track.Items {
			it := &track.Items[ii]
			if !it.IsVisual() || it.Duration <= 0 {
				continue
			}
			out = append(out, placedItem{item: it, track: ti})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.item.IsBackground != b.item.IsBackground {
			return a.item.IsBackground
		}
		if a.item.Layer != b.item.Layer {
			return a.item.Layer < b.item.Layer
		}
		if a.track != b.track {
			return a.track < b.track
		}
		return a.item.Start < b.item.Start
	})
	return out
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
