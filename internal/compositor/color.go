package compositor

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bobarin/cutline/internal/models"
)

var namedColors = map[string]color.NRGBA{
	"black":       {0, 0, 0, 255},
	"white":       {255, 255, 255, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"yellow":      {255, 255, 0, 255},
	"cyan":        {0, 255, 255, 255},
	"magenta":     {255, 0, 255, 255},
	"gray":        {128, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"orange":      {255, 165, 0, 255},
	"purple":      {128, 0, 128, 255},
	"pink":        {255, 192, 203, 255},
	"transparent": {0, 0, 0, 0},
}

// ParseColor accepts #rgb, #rrggbb, #rrggbbaa, rgb(), rgba() and a few names.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	switch {
	case strings.HasPrefix(s, "#"):
		return parseHex(s[1:])
	case strings.HasPrefix(s, "rgba(") && strings.HasSuffix(s, ")"):
		return parseFunc(s[5:len(s)-1], true)
	case strings.HasPrefix(s, "rgb(") && strings.HasSuffix(s, ")"):
		return parseFunc(s[4:len(s)-1], false)
	}
	return color.NRGBA{}, fmt.Errorf("unrecognized color %q", s)
}

// colorOr parses s, returning def for empty or invalid input.
func colorOr(s string, def color.NRGBA) color.NRGBA {
	if s == "" {
		return def
	}
	c, err := ParseColor(s)
	if err != nil {
		return def
	}
	return c
}

func parseHex(h string) (color.NRGBA, error) {
	if len(h) == 3 || len(h) == 4 {
		var b strings.Builder
		for _, r := range h {
			b.WriteRune(r)
			b.WriteRune(r)
		}
		h = b.String()
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("bad hex color length %d", len(h))
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("bad hex color: %w", err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func parseFunc(body string, alpha bool) (color.NRGBA, error) {
	parts := strings.Split(body, ",")
	want := 3
	if alpha {
		want = 4
	}
	if len(parts) != want {
		return color.NRGBA{}, fmt.Errorf("expected %d components, got %d", want, len(parts))
	}
	var ch [3]uint8
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("bad color component: %w", err)
		}
		ch[i] = uint8(math.Max(0, math.Min(255, v)))
	}
	a := uint8(255)
	if alpha {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return color.NRGBA{}, fmt.Errorf("bad alpha: %w", err)
		}
		a = uint8(math.Max(0, math.Min(1, v))*255 + 0.5)
	}
	return color.NRGBA{R: ch[0], G: ch[1], B: ch[2], A: a}, nil
}

// withAlpha scales the alpha of c by k.
func withAlpha(c color.NRGBA, k float64) color.NRGBA {
	c.A = uint8(math.Max(0, math.Min(1, k))*float64(c.A) + 0.5)
	return c
}

// fillGradient paints a linear or radial gradient over the whole layer.
// Linear angles follow CSS: 0 points up, 90 points right.
func fillGradient(dst *image.RGBA, g *models.Gradient) {
	stops := make([]models.GradientStop, len(g.Stops))
	copy(stops, g.Stops)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Position < stops[j].Position })
	if len(stops) == 0 {
		return
	}
	cols := make([]color.NRGBA, len(stops))
	for i, s := range stops {
		cols[i] = colorOr(s.Color, color.NRGBA{A: 255})
	}

	b := dst.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	rad := g.Angle * math.Pi / 180
	dx, dy := math.Sin(rad), -math.Cos(rad)
	// half the projected length of the box onto the gradient line
	half := (math.Abs(w*dx) + math.Abs(h*dy)) / 2
	halfDiag := math.Hypot(w, h) / 2

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := float64(x-b.Min.X) + 0.5 - w/2
			py := float64(y-b.Min.Y) + 0.5 - h/2
			var pos float64
			if g.Type == "radial" {
				pos = math.Hypot(px, py) / halfDiag * 100
			} else if half > 0 {
				pos = ((px*dx+py*dy)/half + 1) / 2 * 100
			}
			c := sampleStops(stops, cols, pos)
			i := dst.PixOffset(x, y)
			a := uint32(c.A)
			dst.Pix[i] = uint8(uint32(c.R) * a / 255)
			dst.Pix[i+1] = uint8(uint32(c.G) * a / 255)
			dst.Pix[i+2] = uint8(uint32(c.B) * a / 255)
			dst.Pix[i+3] = c.A
		}
	}
}

func sampleStops(stops []models.GradientStop, cols []color.NRGBA, pos float64) color.NRGBA {
	if pos <= stops[0].Position {
		return cols[0]
	}
	for i := 1; i < len(stops); i++ {
		if pos <= stops[i].Position {
			span := stops[i].Position - stops[i-1].Position
			if span <= 0 {
				return cols[i]
			}
			t := (pos - stops[i-1].Position) / span
			a, b := cols[i-1], cols[i]
			mix := func(x, y uint8) uint8 { return uint8(float64(x) + (float64(y)-float64(x))*t + 0.5) }
			return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
		}
	}
	return cols[len(cols)-1]
}
