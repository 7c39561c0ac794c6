// Package filters applies color adjustments and named looks to RGBA pixels.
package filters

import (
	"image"
	"math"
	"sort"

	"github.com/bobarin/cutline/internal/models"
)

// Preset is a fixed bundle of base multipliers. Brightness, Contrast and
// Saturate are percentages where 100 is neutral; Grayscale and Sepia are
// 0-100 blend amounts.
type Preset struct {
	Brightness float64
	Contrast   float64
	Saturate   float64
	Grayscale  float64
	Sepia      float64
	HueRotate  float64
}

var neutral = Preset{Brightness: 100, Contrast: 100, Saturate: 100}

var presets = map[string]Preset{
	"none":      neutral,
	"bw":        {Brightness: 100, Contrast: 110, Saturate: 100, Grayscale: 100},
	"noir":      {Brightness: 90, Contrast: 140, Saturate: 100, Grayscale: 100},
	"sepia":     {Brightness: 100, Contrast: 100, Saturate: 100, Sepia: 100},
	"vintage":   {Brightness: 105, Contrast: 90, Saturate: 80, Sepia: 40},
	"warm":      {Brightness: 105, Contrast: 100, Saturate: 110, Sepia: 20},
	"cool":      {Brightness: 100, Contrast: 105, Saturate: 90, HueRotate: 15},
	"lomo":      {Brightness: 110, Contrast: 150, Saturate: 130},
	"vivid":     {Brightness: 105, Contrast: 115, Saturate: 160},
	"muted":     {Brightness: 100, Contrast: 90, Saturate: 60},
	"fade":      {Brightness: 110, Contrast: 80, Saturate: 80},
	"dramatic":  {Brightness: 95, Contrast: 135, Saturate: 90},
	"cinematic": {Brightness: 95, Contrast: 120, Saturate: 85, HueRotate: -10},
	"sunset":    {Brightness: 105, Contrast: 105, Saturate: 120, Sepia: 30, HueRotate: -15},
	"arctic":    {Brightness: 110, Contrast: 95, Saturate: 70, HueRotate: 30},
	"matrix":    {Brightness: 95, Contrast: 120, Saturate: 120, HueRotate: 90},
	"retro":     {Brightness: 110, Contrast: 85, Saturate: 90, Sepia: 50, HueRotate: -5},
	"mono-warm": {Brightness: 100, Contrast: 110, Saturate: 100, Grayscale: 100, Sepia: 35},
	"chrome":    {Brightness: 110, Contrast: 125, Saturate: 110},
}

// Names lists the registered presets in sorted order.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params are the resolved stage values for one layer.
type Params struct {
	Grayscale   float64 // 0-100
	Sepia       float64 // 0-100
	HueRotate   float64 // degrees
	Saturation  float64 // percent, 100 neutral
	Brightness  float64 // percent, 100 neutral
	Contrast    float64 // percent, 100 neutral
	Temperature float64
	Tint        float64
	Vignette    float64 // -100..100
	Sharpness   float64 // 0-100
}

// Resolve combines a preset with per-item adjustments. ok is false when
// neither is present, in which case the pipeline must not run.
func Resolve(presetID string, adj *models.Adjustments) (Params, bool) {
	preset, known := presets[presetID]
	hasPreset := known && preset != neutral
	if !hasPreset && adj.IsZero() {
		return Params{}, false
	}
	if !known {
		preset = neutral
	}
	var a models.Adjustments
	if adj != nil {
		a = *adj
	}

	// secondary sliders pre-bias the primary ones
	brightAdj := a.Brightness + 0.15*(a.Highlights+a.Shadows+a.Whites+a.Blacks)
	contrastAdj := a.Contrast + a.Clarity*0.2
	satAdj := a.Saturation + a.Vibrance*0.5

	return Params{
		Grayscale:   preset.Grayscale,
		Sepia:       preset.Sepia,
		HueRotate:   preset.HueRotate + a.Hue,
		Saturation:  math.Max(0, preset.Saturate*(1+satAdj/100)),
		Brightness:  math.Max(0, preset.Brightness*(1+brightAdj/100)),
		Contrast:    math.Max(0, preset.Contrast*(1+contrastAdj/100)),
		Temperature: a.Temperature,
		Tint:        a.Tint,
		Vignette:    a.Vignette,
		Sharpness:   a.Sharpness,
	}, true
}

// Apply runs the pipeline over region of img in place. It reports whether
// any pixel was touched.
func Apply(img *image.RGBA, region image.Rectangle, presetID string, adj *models.Adjustments) bool {
	params, ok := Resolve(presetID, adj)
	if !ok {
		return false
	}
	region = region.Intersect(img.Bounds())
	if region.Empty() {
		return false
	}
	ApplyParams(img, region, params)
	return true
}

// ApplyParams runs the fixed stage order: grayscale, sepia, hue-rotate,
// saturation, brightness, contrast, temperature, tint. Vignette and
// sharpness follow as post-stages. Neutral stages are skipped.
func ApplyParams(img *image.RGBA, region image.Rectangle, p Params) {
	var hue, tempHue, tint *[9]float64
	if p.HueRotate != 0 {
		m := hueMatrix(p.HueRotate)
		hue = &m
	}
	tempSepia := 0.0
	if p.Temperature > 0 {
		tempSepia = p.Temperature * 0.3
	} else if p.Temperature < 0 {
		m := hueMatrix(p.Temperature * 0.3)
		tempHue = &m
	}
	if p.Tint != 0 {
		m := hueMatrix(p.Tint)
		tint = &m
	}

	chain := p.Grayscale != 0 || p.Sepia != 0 || hue != nil || p.Saturation != 100 ||
		p.Brightness != 100 || p.Contrast != 100 || tempSepia != 0 || tempHue != nil || tint != nil

	if chain {
		forEachPixel(img, region, func(r, g, b float64) (float64, float64, float64) {
			if p.Grayscale != 0 {
				r, g, b = grayscale(r, g, b, p.Grayscale)
			}
			if p.Sepia != 0 {
				r, g, b = sepia(r, g, b, p.Sepia)
			}
			if hue != nil {
				r, g, b = applyMatrix(hue, r, g, b)
			}
			if p.Saturation != 100 {
				r, g, b = saturate(r, g, b, p.Saturation)
			}
			if p.Brightness != 100 {
				r, g, b = brightness(r, p.Brightness), brightness(g, p.Brightness), brightness(b, p.Brightness)
			}
			if p.Contrast != 100 {
				r, g, b = contrast(r, p.Contrast), contrast(g, p.Contrast), contrast(b, p.Contrast)
			}
			if tempSepia != 0 {
				r, g, b = sepia(r, g, b, tempSepia)
			} else if tempHue != nil {
				r, g, b = applyMatrix(tempHue, r, g, b)
			}
			if tint != nil {
				r, g, b = applyMatrix(tint, r, g, b)
			}
			return r, g, b
		})
	}

	if p.Vignette != 0 {
		vignette(img, region, p.Vignette)
	}
	if p.Sharpness > 0 {
		sharpen(img, region, p.Sharpness)
	}
}

// HueRotate rotates the hue of region in place.
func HueRotate(img *image.RGBA, region image.Rectangle, deg float64) {
	if deg == 0 {
		return
	}
	region = region.Intersect(img.Bounds())
	m := hueMatrix(deg)
	forEachPixel(img, region, func(r, g, b float64) (float64, float64, float64) {
		return applyMatrix(&m, r, g, b)
	})
}

// forEachPixel hands straight-alpha channel values to fn and writes the
// result back premultiplied. Fully transparent pixels are skipped.
func forEachPixel(img *image.RGBA, region image.Rectangle, fn func(r, g, b float64) (float64, float64, float64)) {
	for y := region.Min.Y; y < region.Max.Y; y++ {
		row := img.Pix[img.PixOffset(region.Min.X, y):img.PixOffset(region.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			a := row[i+3]
			if a == 0 {
				continue
			}
			r, g, b := float64(row[i]), float64(row[i+1]), float64(row[i+2])
			if a != 255 {
				k := 255 / float64(a)
				r, g, b = r*k, g*k, b*k
			}
			r, g, b = fn(r, g, b)
			if a != 255 {
				k := float64(a) / 255
				r, g, b = r*k, g*k, b*k
			}
			row[i] = clampByte(r)
			row[i+1] = clampByte(g)
			row[i+2] = clampByte(b)
		}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func clampByte(v float64) uint8 {
	return uint8(clamp(v) + 0.5)
}

func brightness(v, b float64) float64 {
	return clamp(v * b / 100)
}

func contrast(v, c float64) float64 {
	return clamp(((v/255-0.5)*c/100 + 0.5) * 255)
}

func saturate(r, g, b, s float64) (float64, float64, float64) {
	gray := 0.2989*r + 0.587*g + 0.114*b
	k := s / 100
	return clamp(gray + (r-gray)*k), clamp(gray + (g-gray)*k), clamp(gray + (b-gray)*k)
}

func grayscale(r, g, b, amount float64) (float64, float64, float64) {
	k := math.Min(amount, 100) / 100
	gray := 0.2126*r + 0.7152*g + 0.0722*b
	return r + (gray-r)*k, g + (gray-g)*k, b + (gray-b)*k
}

// sepia blends toward the classic sepia matrix by amount/100.
func sepia(r, g, b, amount float64) (float64, float64, float64) {
	k := math.Min(amount, 100) / 100
	sr := clamp(0.393*r + 0.769*g + 0.189*b)
	sg := clamp(0.349*r + 0.686*g + 0.168*b)
	sb := clamp(0.272*r + 0.534*g + 0.131*b)
	return r + (sr-r)*k, g + (sg-g)*k, b + (sb-b)*k
}

// hueMatrix is the luma-preserving rotation used by CSS hue-rotate.
func hueMatrix(deg float64) [9]float64 {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return [9]float64{
		0.213 + c*0.787 - s*0.213, 0.715 - c*0.715 - s*0.715, 0.072 - c*0.072 + s*0.928,
		0.213 - c*0.213 + s*0.143, 0.715 + c*0.285 + s*0.140, 0.072 - c*0.072 - s*0.283,
		0.213 - c*0.213 - s*0.787, 0.715 - c*0.715 + s*0.715, 0.072 + c*0.928 + s*0.072,
	}
}

func applyMatrix(m *[9]float64, r, g, b float64) (float64, float64, float64) {
	return clamp(m[0]*r + m[1]*g + m[2]*b),
		clamp(m[3]*r + m[4]*g + m[5]*b),
		clamp(m[6]*r + m[7]*g + m[8]*b)
}

// vignette darkens (positive) or lightens (negative) toward the corners.
func vignette(img *image.RGBA, region image.Rectangle, amount float64) {
	cx := float64(region.Min.X+region.Max.X) / 2
	cy := float64(region.Min.Y+region.Max.Y) / 2
	maxD := math.Hypot(float64(region.Dx())/2, float64(region.Dy())/2)
	if maxD == 0 {
		return
	}
	k := amount / 100 * 0.8
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy) / maxD
			w := smoothstep(0.3, 1, d)
			if w == 0 {
				continue
			}
			factor := 1 - k*w
			i := img.PixOffset(x, y)
			a := float64(img.Pix[i+3])
			for c := 0; c < 3; c++ {
				v := float64(img.Pix[i+c]) * factor
				if v > a {
					v = a
				}
				img.Pix[i+c] = clampByte(v)
			}
		}
	}
}

func smoothstep(e0, e1, x float64) float64 {
	t := (x - e0) / (e1 - e0)
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// sharpen is an unsharp mask with a 4-neighbour kernel.
func sharpen(img *image.RGBA, region image.Rectangle, amount float64) {
	region = region.Intersect(img.Bounds())
	if region.Dx() < 3 || region.Dy() < 3 {
		return
	}
	k := amount / 100
	// snapshot of the region's rows only
	base := img.PixOffset(region.Min.X, region.Min.Y)
	src := make([]uint8, img.PixOffset(region.Max.X-1, region.Max.Y-1)+4-base)
	copy(src, img.Pix[base:])
	at := func(x, y int) int { return img.PixOffset(x, y) - base }
	for y := region.Min.Y + 1; y < region.Max.Y-1; y++ {
		for x := region.Min.X + 1; x < region.Max.X-1; x++ {
			i := at(x, y)
			a := float64(src[i+3])
			for c := 0; c < 3; c++ {
				center := float64(src[i+c])
				avg := (float64(src[at(x-1, y)+c]) + float64(src[at(x+1, y)+c]) +
					float64(src[at(x, y-1)+c]) + float64(src[at(x, y+1)+c])) / 4
				v := center + (center-avg)*k
				if v > a {
					v = a
				}
				img.Pix[base+i+c] = clampByte(v)
			}
		}
	}
}
