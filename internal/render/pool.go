package render

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// RenderContext is the reusable per-job rendering state: the canvas
// surface and the encode buffers. Contexts are checked out of a
// ContextPool and are used by one job at a time.
type RenderContext struct {
	size    image.Point
	surface *image.RGBA
	frames  int

	png     png.Encoder
	pngBuf  *png.EncoderBuffer
	scratch bytes.Buffer
}

func newRenderContext() *RenderContext {
	rc := &RenderContext{}
	rc.png = png.Encoder{CompressionLevel: png.BestSpeed, BufferPool: rc}
	return rc
}

// Get implements png.EncoderBufferPool.
func (rc *RenderContext) Get() *png.EncoderBuffer {
	return rc.pngBuf
}

// Put implements png.EncoderBufferPool.
func (rc *RenderContext) Put(b *png.EncoderBuffer) {
	rc.pngBuf = b
}

func (rc *RenderContext) resize(size image.Point) {
	if rc.size != size {
		rc.size = size
		rc.surface = nil
	}
}

// Size returns the surface size.
func (rc *RenderContext) Size() image.Point {
	return rc.size
}

// Surface returns the canvas for the next frame.
func (rc *RenderContext) Surface() *image.RGBA {
	if rc.surface == nil {
		rc.surface = image.NewRGBA(image.Rectangle{Max: rc.size})
	}
	rc.frames++
	return rc.surface
}

// Frames counts the frames drawn since the context was last recycled.
func (rc *RenderContext) Frames() int {
	return rc.frames
}

// Recycle drops the surface and encode buffers so their memory can be
// reclaimed. They are reallocated on next use.
func (rc *RenderContext) Recycle() {
	rc.surface = nil
	rc.pngBuf = nil
	rc.scratch = bytes.Buffer{}
	rc.frames = 0
}

// EncodePNG writes img as a fast-compressed PNG.
func (rc *RenderContext) EncodePNG(w io.Writer, img image.Image) error {
	return rc.png.Encode(w, img)
}

// EncodeJPEG returns img as JPEG bytes. The slice is valid until the next
// call.
func (rc *RenderContext) EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	rc.scratch.Reset()
	if err := jpeg.Encode(&rc.scratch, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return rc.scratch.Bytes(), nil
}

// ContextPool is a bounded set of render contexts shared by all jobs.
// Acquire blocks while every context is checked out.
type ContextPool struct {
	slots        chan *RenderContext
	recycleAfter int
	logger       zerolog.Logger

	acquired atomic.Int64
}

// NewContextPool creates a pool of size contexts. Each context is
// recycled after recycleAfter frames; zero disables recycling.
func NewContextPool(size, recycleAfter int, logger zerolog.Logger) *ContextPool {
	if size < 1 {
		size = 1
	}
	p := &ContextPool{
		slots:        make(chan *RenderContext, size),
		recycleAfter: recycleAfter,
		logger:       logger.With().Str("component", "render_pool").Logger(),
	}
	for i := 0; i < size; i++ {
		p.slots <- newRenderContext()
	}
	return p
}

// Acquire checks out a context sized for a canvas.
func (p *ContextPool) Acquire(ctx context.Context, size image.Point) (*RenderContext, error) {
	select {
	case rc := <-p.slots:
		rc.resize(size)
		p.acquired.Add(1)
		return rc, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Release returns a context to the pool.
func (p *ContextPool) Release(rc *RenderContext) {
	if rc == nil {
		return
	}
	select {
	case p.slots <- rc:
	default:
		p.logger.Warn().Msg("render context released twice")
	}
}

// RecycleAfter returns the recycle threshold in frames, or a value no
// frame count reaches when recycling is off.
func (p *ContextPool) RecycleAfter() int {
	if p.recycleAfter <= 0 {
		return int(^uint(0) >> 1)
	}
	return p.recycleAfter
}

// Available returns the number of idle contexts.
func (p *ContextPool) Available() int {
	return len(p.slots)
}

// Acquired counts checkouts since the pool was created.
func (p *ContextPool) Acquired() int64 {
	return p.acquired.Load()
}
