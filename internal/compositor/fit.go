package compositor

import (
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/bobarin/cutline/internal/models"
)

// fitRects maps a source of size src into a box of size box. It returns the
// part of the source to sample and where it lands in the box.
func fitRects(src image.Rectangle, box image.Point, mode models.FitMode, crop *models.Crop) (image.Rectangle, image.Rectangle) {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	bw, bh := float64(box.X), float64(box.Y)
	full := image.Rect(0, 0, box.X, box.Y)
	if sw <= 0 || sh <= 0 || bw <= 0 || bh <= 0 {
		return image.Rectangle{}, image.Rectangle{}
	}

	// crop narrows the source around a focus point before fitting
	focusX, focusY, zoom := 0.5, 0.5, 1.0
	if crop != nil {
		if crop.Zoom > 1 {
			zoom = crop.Zoom
		}
		if crop.X != 0 || crop.Y != 0 {
			focusX, focusY = clampF(crop.X/100, 0, 1), clampF(crop.Y/100, 0, 1)
		}
	}
	vw, vh := sw/zoom, sh/zoom

	switch mode {
	case models.FitFill:
		return window(src, sw, sh, vw, vh, focusX, focusY), full
	case models.FitContain:
		scale := math.Min(bw/vw, bh/vh)
		dw, dh := vw*scale, vh*scale
		x0 := int(math.Round((bw - dw) / 2))
		y0 := int(math.Round((bh - dh) / 2))
		dst := image.Rect(x0, y0, x0+int(math.Round(dw)), y0+int(math.Round(dh))).Intersect(full)
		return window(src, sw, sh, vw, vh, focusX, focusY), dst
	default: // cover
		scale := math.Max(bw/vw, bh/vh)
		cw, ch := bw/scale, bh/scale
		return window(src, sw, sh, cw, ch, focusX, focusY), full
	}
}

// window picks a w×h region of the source centred on the focus point and
// shifted to stay inside it.
func window(src image.Rectangle, sw, sh, w, h, fx, fy float64) image.Rectangle {
	w, h = math.Min(w, sw), math.Min(h, sh)
	x0 := clampF(fx*sw-w/2, 0, sw-w)
	y0 := clampF(fy*sh-h/2, 0, sh-h)
	r := image.Rect(
		src.Min.X+int(math.Round(x0)), src.Min.Y+int(math.Round(y0)),
		src.Min.X+int(math.Round(x0+w)), src.Min.Y+int(math.Round(y0+h)),
	)
	if r.Dx() < 1 {
		r.Max.X = r.Min.X + 1
	}
	if r.Dy() < 1 {
		r.Max.Y = r.Min.Y + 1
	}
	return r.Intersect(src)
}

// drawFitted scales src into layer according to the item's fit and crop.
func drawFitted(layer *image.RGBA, src image.Image, mode models.FitMode, crop *models.Crop) {
	sr, dr := fitRects(src.Bounds(), layer.Bounds().Size(), mode, crop)
	if sr.Empty() || dr.Empty() {
		return
	}
	if sr.Size() == dr.Size() {
		draw.Draw(layer, dr, src, sr.Min, draw.Src)
		return
	}
	xdraw.ApproxBiLinear.Scale(layer, dr, src, sr, xdraw.Src, nil)
}

func clampF(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
