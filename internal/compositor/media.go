package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/bobarin/cutline/internal/ffmpeg"
	"github.com/bobarin/cutline/internal/models"
)

// MediaProvider supplies decoded pixels for image and video items.
type MediaProvider interface {
	// Frame returns the picture of item at sourceTime seconds into its
	// media. Failures are *models.MediaLoadError.
	Frame(ctx context.Context, item *models.Item, sourceTime float64) (image.Image, error)
	// Release drops cached pictures and idle decoders.
	Release()
	Close() error
}

// seekThreshold is how far ahead a video may jump before its decoder is
// restarted instead of read forward.
const seekThreshold = 2.0

// MediaCache loads media from a job's media directory. Images are decoded
// once and videos are read by one sequential decoder per item.
type MediaCache struct {
	root   string
	ff     *ffmpeg.Service
	fps    float64
	canvas image.Point
	logger zerolog.Logger

	mu       sync.Mutex
	images   map[string]*image.RGBA
	videos   map[string]*videoState
	probes   map[string]*ffmpeg.MediaInfo
	failures map[string]error
}

type videoState struct {
	path string
	size image.Point
	dec  *ffmpeg.Decoder
	last *image.RGBA
	eof  bool
	used bool
}

// NewMediaCache creates a cache rooted at dir. Decoded media is scaled down
// to just cover the canvas. ff may be nil when no video items are used.
func NewMediaCache(dir string, ff *ffmpeg.Service, fps float64, canvas image.Point, logger zerolog.Logger) *MediaCache {
	return &MediaCache{
		root:     dir,
		ff:       ff,
		fps:      fps,
		canvas:   canvas,
		logger:   logger.With().Str("component", "media").Logger(),
		images:   make(map[string]*image.RGBA),
		videos:   make(map[string]*videoState),
		probes:   make(map[string]*ffmpeg.MediaInfo),
		failures: make(map[string]error),
	}
}

// ResolvePath finds the file of item inside the media directory: its
// source name when set, else a file named after the item id.
func (m *MediaCache) ResolvePath(item *models.Item) (string, error) {
	if item.Source != "" {
		// clean against a virtual root so the name cannot leave the directory
		rel := filepath.Clean("/" + filepath.FromSlash(item.Source))
		path := filepath.Join(m.root, rel)
		if _, err := os.Stat(path); err != nil {
			return "", &models.MediaLoadError{ItemID: item.ID, Path: path, Err: err}
		}
		return path, nil
	}

	matches, err := filepath.Glob(filepath.Join(m.root, globEscape(item.ID)+".*"))
	if err != nil || len(matches) == 0 {
		return "", &models.MediaLoadError{ItemID: item.ID, Path: filepath.Join(m.root, item.ID+".*"), Err: os.ErrNotExist}
	}
	return matches[0], nil
}

func globEscape(s string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`, `\`, `\\`)
	return r.Replace(s)
}

// Probe returns cached stream metadata for path.
func (m *MediaCache) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	m.mu.Lock()
	info, ok := m.probes[path]
	m.mu.Unlock()
	if ok {
		return info, nil
	}
	if m.ff == nil {
		return nil, fmt.Errorf("no decoder configured")
	}
	info, err := m.ff.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.probes[path] = info
	m.mu.Unlock()
	return info, nil
}

// Frame implements MediaProvider.
func (m *MediaCache) Frame(ctx context.Context, item *models.Item, sourceTime float64) (image.Image, error) {
	m.mu.Lock()
	failed := m.failures[item.ID]
	m.mu.Unlock()
	if failed != nil {
		return nil, failed
	}

	var img image.Image
	var err error
	if item.Type == models.ItemTypeVideo {
		img, err = m.videoFrame(ctx, item, sourceTime)
	} else {
		img, err = m.image(item)
	}
	if err != nil && ctx.Err() == nil {
		var mle *models.MediaLoadError
		if !errors.As(err, &mle) {
			err = &models.MediaLoadError{ItemID: item.ID, Err: err}
		}
		m.mu.Lock()
		m.failures[item.ID] = err
		m.mu.Unlock()
	}
	return img, err
}

func (m *MediaCache) image(item *models.Item) (image.Image, error) {
	path, err := m.ResolvePath(item)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	img, ok := m.images[path]
	m.mu.Unlock()
	if ok {
		return img, nil
	}

	img, err = loadImage(path, m.canvas)
	if err != nil {
		return nil, &models.MediaLoadError{ItemID: item.ID, Path: path, Err: err}
	}
	m.mu.Lock()
	m.images[path] = img
	m.mu.Unlock()
	return img, nil
}

// loadImage decodes an image file into RGBA, scaled down to cover canvas
// when it is larger.
func loadImage(path string, canvas image.Point) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	size := coverSize(src.Bounds().Size(), canvas)
	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	if size == src.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}
	return dst, nil
}

// coverSize shrinks src, keeping its aspect, to the smallest size that
// still covers canvas. Sources already smaller are left alone.
func coverSize(src, canvas image.Point) image.Point {
	if src.X <= 0 || src.Y <= 0 || canvas.X <= 0 || canvas.Y <= 0 {
		return src
	}
	scale := math.Max(float64(canvas.X)/float64(src.X), float64(canvas.Y)/float64(src.Y))
	if scale >= 1 {
		return src
	}
	w := int(math.Ceil(float64(src.X) * scale))
	h := int(math.Ceil(float64(src.Y) * scale))
	// decoders want even sizes
	w += w % 2
	h += h % 2
	return image.Pt(w, h)
}

func (m *MediaCache) videoFrame(ctx context.Context, item *models.Item, ts float64) (image.Image, error) {
	if m.ff == nil {
		return nil, &models.MediaLoadError{ItemID: item.ID, Err: fmt.Errorf("no video decoder configured")}
	}

	m.mu.Lock()
	st, ok := m.videos[item.ID]
	m.mu.Unlock()
	if !ok {
		path, err := m.ResolvePath(item)
		if err != nil {
			return nil, err
		}
		info, err := m.Probe(ctx, path)
		if err != nil {
			return nil, &models.MediaLoadError{ItemID: item.ID, Path: path, Err: err}
		}
		if !info.HasVideo {
			return nil, &models.MediaLoadError{ItemID: item.ID, Path: path, Err: fmt.Errorf("no video stream")}
		}
		st = &videoState{path: path, size: coverSize(image.Pt(info.Width, info.Height), m.canvas)}
		st.size.X += st.size.X % 2
		st.size.Y += st.size.Y % 2
		m.mu.Lock()
		m.videos[item.ID] = st
		m.mu.Unlock()
	}
	st.used = true

	rate := m.fps * item.PlaybackSpeed()
	half := 0.5 / rate
	if st.dec != nil {
		pos := st.dec.Position()
		// the last frame read sits one step before pos
		if ts < pos-1/rate-half || ts > pos+seekThreshold {
			st.dec.Close()
			st.dec = nil
		}
	}
	if st.dec == nil {
		dec, err := m.ff.OpenDecoder(ctx, st.path, ffmpeg.DecodeOptions{Start: ts, Rate: rate, Width: st.size.X, Height: st.size.Y})
		if err != nil {
			return nil, &models.MediaLoadError{ItemID: item.ID, Path: st.path, Err: err}
		}
		st.dec = dec
		st.eof = false
		m.logger.Debug().Str("item_id", item.ID).Float64("start", ts).Msg("opened video decoder")
	}

	for !st.eof && st.dec.Position() <= ts+half {
		frame, err := st.dec.Next()
		if err == io.EOF {
			st.eof = true
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, &models.MediaLoadError{ItemID: item.ID, Path: st.path, Err: err}
		}
		if st.last == nil {
			st.last = image.NewRGBA(frame.Bounds())
		}
		copy(st.last.Pix, frame.Pix)
	}

	if st.last == nil {
		return nil, &models.MediaLoadError{ItemID: item.ID, Path: st.path, Err: fmt.Errorf("no frame at %.3fs", ts)}
	}
	// past the end of the source the last frame is held
	return st.last, nil
}

// Release drops decoded images and closes decoders not used since the
// previous call.
func (m *MediaCache) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = make(map[string]*image.RGBA)
	for id, st := range m.videos {
		if !st.used {
			if st.dec != nil {
				st.dec.Close()
			}
			delete(m.videos, id)
			continue
		}
		st.used = false
	}
}

// Close stops every decoder.
func (m *MediaCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.videos {
		if st.dec != nil {
			st.dec.Close()
		}
		delete(m.videos, id)
	}
	m.images = make(map[string]*image.RGBA)
	return nil
}
