package compositor

import (
	"context"
	"errors"
	"image"

	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/filters"
	"github.com/bobarin/cutline/internal/models"
)

var errNoMedia = errors.New("no media provider")

// Compositor renders frames of one timeline at a fixed canvas size. It is
// not safe for concurrent use; each render job owns its own.
type Compositor struct {
	tracks []preparedTrack
	size   image.Point
	media  MediaProvider
	fonts  *FontLibrary
	logger zerolog.Logger

	layers   map[image.Point]*image.RGBA
	reported map[string]bool
}

// New prepares a compositor for tl drawing into width×height surfaces.
// media may be nil for timelines without image or video items; a nil
// font library falls back to the built-in faces.
func New(tl *models.Timeline, width, height int, media MediaProvider, fonts *FontLibrary, logger zerolog.Logger) *Compositor {
	if fonts == nil {
		// the embedded Go fonts always parse
		fonts, _ = NewFontLibrary("")
	}
	return &Compositor{
		tracks:   prepareTracks(tl),
		size:     image.Pt(width, height),
		media:    media,
		fonts:    fonts,
		logger:   logger.With().Str("component", "compositor").Logger(),
		layers:   make(map[image.Point]*image.RGBA),
		reported: make(map[string]bool),
	}
}

// Size returns the canvas size.
func (c *Compositor) Size() image.Point {
	return c.size
}

// NewSurface allocates a canvas-sized surface.
func (c *Compositor) NewSurface() *image.RGBA {
	return image.NewRGBA(image.Rectangle{Max: c.size})
}

// Resolve returns the entries painted at time t, in paint order.
func (c *Compositor) Resolve(t float64) []Entry {
	return resolveFrame(c.tracks, t)
}

// RenderFrame paints the frame at time t into dst, which must be
// canvas-sized. Layers that fail to load or draw are skipped and logged
// once per item; only cancellation aborts the frame.
func (c *Compositor) RenderFrame(ctx context.Context, dst *image.RGBA, t float64) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	clearOpaque(dst)

	for _, e := range c.Resolve(t) {
		if err := c.paint(ctx, dst, e, t); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			c.report(e.Item, err)
		}
	}
	return nil
}

// Frame renders time t into a new surface.
func (c *Compositor) Frame(ctx context.Context, t float64) (*image.RGBA, error) {
	dst := c.NewSurface()
	if err := c.RenderFrame(ctx, dst, t); err != nil {
		return nil, err
	}
	return dst, nil
}

// RenderStill draws the content of a single item into its own layer, with
// its filter applied but no transition, animation or transform. The
// returned rectangle is where the layer sits on the canvas.
func (c *Compositor) RenderStill(ctx context.Context, it *models.Item) (*image.RGBA, image.Rectangle, error) {
	box := LayerBox(it, c.size)
	layer := image.NewRGBA(image.Rectangle{Max: box.Size()})
	drawn, err := c.drawContent(ctx, layer, it, it.Start)
	if err != nil {
		return nil, box, err
	}
	if !drawn {
		return nil, box, nil
	}
	filters.Apply(layer, layer.Bounds(), it.Filter, it.Adjustments)
	return layer, box, nil
}

// ReleaseCaches drops decoded media and scratch layers.
func (c *Compositor) ReleaseCaches() {
	if c.media != nil {
		c.media.Release()
	}
	c.layers = make(map[image.Point]*image.RGBA)
}

func (c *Compositor) report(it *models.Item, err error) {
	if c.reported[it.ID] {
		return
	}
	c.reported[it.ID] = true

	var mle *models.MediaLoadError
	if errors.As(err, &mle) {
		c.logger.Warn().Err(err).Str("item_id", it.ID).Str("path", mle.Path).Msg("media unavailable, skipping layer")
		return
	}
	c.logger.Warn().Err(err).Str("item_id", it.ID).Msg("failed to draw layer, skipping")
}

// clearOpaque fills dst with opaque black.
func clearOpaque(dst *image.RGBA) {
	pix := dst.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = 0, 0, 0, 255
	}
}
