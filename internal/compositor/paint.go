package compositor

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/bobarin/cutline/internal/effects"
	"github.com/bobarin/cutline/internal/filters"
	"github.com/bobarin/cutline/internal/models"
)

// minVisibleOpacity is the opacity under which a layer is not drawn.
const minVisibleOpacity = 1.0 / 512

// LayerBox places an item on the canvas. Background items cover the whole
// canvas; the rest use their top-left position and size in percent.
func LayerBox(it *models.Item, canvas image.Point) image.Rectangle {
	if it.IsBackground {
		return image.Rect(0, 0, canvas.X, canvas.Y)
	}
	cw, ch := float64(canvas.X), float64(canvas.Y)
	x0 := int(math.Round(it.X / 100 * cw))
	y0 := int(math.Round(it.Y / 100 * ch))
	w := int(math.Round(it.WidthPct() / 100 * cw))
	h := int(math.Round(it.HeightPct() / 100 * ch))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.Rect(x0, y0, x0+w, y0+h)
}

// entryStyle merges the transition, animation and static opacity of an
// entry at time t.
func entryStyle(e Entry, t float64) effects.Style {
	var style effects.Style
	if e.Transition != nil {
		style = effects.TransitionStyle(e.Transition.Type, e.Progress, e.Role, e.Transition.Direction)
	}
	it := e.Item
	if it.Animation != nil {
		style = effects.Combine(style, effects.AnimationStyle(it.Animation, it.Start, it.Duration, t))
	}
	base := it.BaseOpacity()
	return effects.Combine(style, effects.Style{Opacity: &base})
}

// paint draws one entry onto dst.
func (c *Compositor) paint(ctx context.Context, dst *image.RGBA, e Entry, t float64) error {
	it := e.Item
	style := entryStyle(e, t)
	opacity := style.OpacityValue()
	sx, sy := style.ScaleValues()
	if opacity < minVisibleOpacity || math.Abs(sx) < 1e-3 || math.Abs(sy) < 1e-3 {
		return nil
	}

	box := LayerBox(it, c.size)
	layer := c.scratch(box.Size())
	drawn, err := c.drawContent(ctx, layer, it, t)
	if err != nil || !drawn {
		return err
	}

	bounds := layer.Bounds()
	filters.Apply(layer, bounds, it.Filter, it.Adjustments)
	if hue := style.HueValue(); hue != 0 {
		filters.HueRotate(layer, bounds, hue)
	}
	if k := style.FlashValue(); k > 0 {
		flash(layer, k)
	}
	if blur := style.BlurValue(); blur > 0 {
		boxBlurRGBA(layer, int(math.Round(blur*float64(c.size.Y)/referenceHeight)))
	}
	if it.Border != nil && it.Border.Width > 0 {
		drawBorder(layer, it.Border, float64(c.size.Y)/referenceHeight)
	}
	if clip := style.Clip.Sanitize(); clip != nil {
		applyClip(layer, clip)
	}
	if opacity < 1 {
		scaleAlpha(layer, opacity)
	}

	tx, ty := style.TranslateValues()
	c.composite(dst, layer, box, it.Rotation+style.RotateValue(), sx, sy, tx/100*float64(box.Dx()), ty/100*float64(box.Dy()))
	return nil
}

// drawContent fills layer with the item's pixels. It reports false when
// there was nothing to draw.
func (c *Compositor) drawContent(ctx context.Context, layer *image.RGBA, it *models.Item, t float64) (bool, error) {
	switch it.Type {
	case models.ItemTypeColor:
		if it.Gradient != nil && len(it.Gradient.Stops) > 0 {
			fillGradient(layer, it.Gradient)
		} else {
			draw.Draw(layer, layer.Bounds(), image.NewUniform(colorOr(it.Color, color.NRGBA{A: 255})), image.Point{}, draw.Src)
		}
		return true, nil
	case models.ItemTypeText:
		if it.Text == nil || it.Text.Content == "" {
			return false, nil
		}
		if err := drawText(layer, c.fonts, it.Text, c.size.Y); err != nil {
			return false, err
		}
		return true, nil
	case models.ItemTypeImage, models.ItemTypeVideo:
		if c.media == nil {
			return false, &models.MediaLoadError{ItemID: it.ID, Err: errNoMedia}
		}
		// an outgoing item can outlive its window during a transition
		local := math.Min(t, it.End()-1e-3)
		img, err := c.media.Frame(ctx, it, it.SourceTime(local))
		if err != nil {
			return false, err
		}
		drawFitted(layer, img, it.FitMode(), it.Crop)
		return true, nil
	}
	return false, nil
}

// composite draws layer onto dst at box, rotated by deg degrees clockwise
// and scaled about the box centre, then shifted by (tx, ty) pixels.
func (c *Compositor) composite(dst, layer *image.RGBA, box image.Rectangle, deg, sx, sy, tx, ty float64) {
	if deg == 0 && sx == 1 && sy == 1 {
		off := image.Pt(int(math.Round(tx)), int(math.Round(ty)))
		r := box.Add(off)
		draw.Draw(dst, r, layer, image.Point{}, draw.Over)
		return
	}

	rad := deg * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	lw, lh := float64(layer.Bounds().Dx())/2, float64(layer.Bounds().Dy())/2
	cx := float64(box.Min.X+box.Max.X)/2 + tx
	cy := float64(box.Min.Y+box.Max.Y)/2 + ty

	a, b := cos*sx, -sin*sy
	d, e := sin*sx, cos*sy
	m := f64.Aff3{
		a, b, cx - a*lw - b*lh,
		d, e, cy - d*lw - e*lh,
	}
	xdraw.ApproxBiLinear.Transform(dst, m, layer, layer.Bounds(), xdraw.Over, nil)
}

// scratch returns a cleared layer buffer of the given size, reused across
// frames.
func (c *Compositor) scratch(size image.Point) *image.RGBA {
	img, ok := c.layers[size]
	if !ok {
		img = image.NewRGBA(image.Rectangle{Max: size})
		c.layers[size] = img
		return img
	}
	clear(img.Pix)
	return img
}

// flash blends premultiplied pixels toward white by k.
func flash(img *image.RGBA, k float64) {
	for i := 0; i < len(img.Pix); i += 4 {
		a := float64(img.Pix[i+3])
		for ch := 0; ch < 3; ch++ {
			v := float64(img.Pix[i+ch])
			img.Pix[i+ch] = uint8(v + (a-v)*k + 0.5)
		}
	}
}

// scaleAlpha multiplies every premultiplied channel by k.
func scaleAlpha(img *image.RGBA, k float64) {
	m := uint32(math.Round(k * 256))
	for i := range img.Pix {
		img.Pix[i] = uint8(uint32(img.Pix[i]) * m >> 8)
	}
}

// applyClip clears the pixels the clip shape hides.
func applyClip(img *image.RGBA, clip *effects.ClipShape) {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	if w == 0 || h == 0 {
		return
	}
	aspect := w / h
	for y := b.Min.Y; y < b.Max.Y; y++ {
		v := (float64(y-b.Min.Y) + 0.5) / h
		row := img.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x++ {
			u := (float64(x) + 0.5) / w
			if !clip.Contains(u, v, aspect) {
				i := row + x*4
				img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 0, 0, 0, 0
			}
		}
	}
}

// drawBorder strokes the inside edge of the layer. Width is in pixels on a
// 1080-high canvas.
func drawBorder(img *image.RGBA, border *models.Border, k float64) {
	w := int(math.Max(1, math.Round(border.Width*k)))
	b := img.Bounds()
	src := image.NewUniform(colorOr(border.Color, color.NRGBA{255, 255, 255, 255}))
	for _, r := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+w),
		image.Rect(b.Min.X, b.Max.Y-w, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y+w, b.Min.X+w, b.Max.Y-w),
		image.Rect(b.Max.X-w, b.Min.Y+w, b.Max.X, b.Max.Y-w),
	} {
		draw.Draw(img, r.Intersect(b), src, image.Point{}, draw.Over)
	}
}

// boxBlurRGBA blurs a premultiplied image in place with two box passes.
func boxBlurRGBA(img *image.RGBA, r int) {
	b := img.Bounds()
	for pass := 0; pass < 2; pass++ {
		boxBlur(img.Pix, b.Dx(), b.Dy(), img.Stride, 4, r)
	}
}

// boxBlurAlpha blurs a coverage mask in place.
func boxBlurAlpha(mask *image.Alpha, r int) {
	b := mask.Bounds()
	for pass := 0; pass < 2; pass++ {
		boxBlur(mask.Pix, b.Dx(), b.Dy(), mask.Stride, 1, r)
	}
}

// boxBlur runs a separable sliding-window mean of radius r over an
// interleaved buffer. Samples outside the image count as zero.
func boxBlur(pix []uint8, w, h, stride, channels, r int) {
	if r < 1 || w == 0 || h == 0 {
		return
	}
	div := 2*r + 1
	tmp := make([]uint8, len(pix))

	for y := 0; y < h; y++ {
		row := y * stride
		for c := 0; c < channels; c++ {
			sum := 0
			for i := 0; i <= r && i < w; i++ {
				sum += int(pix[row+i*channels+c])
			}
			for x := 0; x < w; x++ {
				tmp[row+x*channels+c] = uint8(sum / div)
				if in := x + r + 1; in < w {
					sum += int(pix[row+in*channels+c])
				}
				if out := x - r; out >= 0 {
					sum -= int(pix[row+out*channels+c])
				}
			}
		}
	}

	for x := 0; x < w; x++ {
		for c := 0; c < channels; c++ {
			col := x*channels + c
			sum := 0
			for i := 0; i <= r && i < h; i++ {
				sum += int(tmp[i*stride+col])
			}
			for y := 0; y < h; y++ {
				pix[y*stride+col] = uint8(sum / div)
				if in := y + r + 1; in < h {
					sum += int(tmp[in*stride+col])
				}
				if out := y - r; out >= 0 {
					sum -= int(tmp[out*stride+col])
				}
			}
		}
	}
}
