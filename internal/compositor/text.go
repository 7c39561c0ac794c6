package compositor

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/bobarin/cutline/internal/models"
)

const (
	defaultFontSize   = 48
	referenceHeight   = 1080
	defaultLineHeight = 1.2
)

type faceKey struct {
	family       string
	bold, italic bool
	size         int
}

// FontLibrary resolves font families to faces. The Go fonts are always
// available; extra faces can be loaded from a directory of .ttf/.otf files
// keyed by lower-case file name.
type FontLibrary struct {
	mu    sync.Mutex
	fonts  map[string]*opentype.Font
	faces  map[faceKey]font.Face
	custom int
}

// NewFontLibrary parses the built-in faces and, when dir is set, every font
// file in it.
func NewFontLibrary(dir string) (*FontLibrary, error) {
	lib := &FontLibrary{
		fonts: make(map[string]*opentype.Font),
		faces: make(map[faceKey]font.Face),
	}
	builtin := map[string][]byte{
		"go":             goregular.TTF,
		"go-bold":        gobold.TTF,
		"go-italic":      goitalic.TTF,
		"go-bold-italic": gobolditalic.TTF,
		"go-mono":        gomono.TTF,
	}
	for name, data := range builtin {
		f, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse font %s: %w", name, err)
		}
		lib.fonts[name] = f
	}

	if dir == "" {
		return lib, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read fonts dir: %w", err)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".ttf" && ext != ".otf") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read font file: %w", err)
		}
		f, err := opentype.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse font %s: %w", e.Name(), err)
		}
		lib.fonts[strings.ToLower(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))] = f
		lib.custom++
	}
	return lib, nil
}

// HasCustomFonts reports whether any font was loaded from the fonts dir.
func (l *FontLibrary) HasCustomFonts() bool {
	return l.custom > 0
}

func (l *FontLibrary) lookup(family string, bold, italic bool) *opentype.Font {
	name := strings.ToLower(strings.TrimSpace(family))
	candidates := []string{}
	if name != "" {
		switch {
		case bold && italic:
			candidates = append(candidates, name+"-bolditalic", name+"-bold-italic")
		case bold:
			candidates = append(candidates, name+"-bold")
		case italic:
			candidates = append(candidates, name+"-italic")
		}
		candidates = append(candidates, name)
	}
	for _, c := range candidates {
		if f, ok := l.fonts[c]; ok {
			return f
		}
	}
	if strings.Contains(name, "mono") || name == "courier" {
		return l.fonts["go-mono"]
	}
	switch {
	case bold && italic:
		return l.fonts["go-bold-italic"]
	case bold:
		return l.fonts["go-bold"]
	case italic:
		return l.fonts["go-italic"]
	}
	return l.fonts["go"]
}

// Face returns a cached face for the family at a pixel size.
func (l *FontLibrary) Face(family string, bold, italic bool, sizePx int) (font.Face, error) {
	if sizePx < 1 {
		sizePx = 1
	}
	key := faceKey{family: strings.ToLower(family), bold: bold, italic: italic, size: sizePx}

	l.mu.Lock()
	defer l.mu.Unlock()
	if face, ok := l.faces[key]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(l.lookup(family, bold, italic), &opentype.FaceOptions{
		Size:    float64(sizePx),
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	l.faces[key] = face
	return face, nil
}

// Close releases cached faces.
func (l *FontLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, face := range l.faces {
		face.Close()
		delete(l.faces, k)
	}
	return nil
}

// textLine is one laid-out line with its pen origin inside the layer.
type textLine struct {
	text  string
	x     int
	base  int
	width int
}

// layoutText wraps content to the layer width and positions each line.
// Lines are vertically centred in the layer.
func layoutText(face font.Face, st *models.TextStyle, bounds image.Rectangle, spacing float64) []textLine {
	maxW := bounds.Dx()
	metrics := face.Metrics()
	lineH := float64(metrics.Height.Ceil())
	if st.LineHeight > 0 {
		lineH = float64(metrics.Ascent.Ceil()+metrics.Descent.Ceil()) * st.LineHeight
	} else {
		lineH = math.Max(lineH, float64(metrics.Ascent.Ceil()+metrics.Descent.Ceil())*defaultLineHeight)
	}

	var lines []string
	for _, para := range strings.Split(st.Content, "\n") {
		lines = append(lines, wrapWords(face, para, maxW, spacing)...)
	}

	total := lineH * float64(len(lines))
	top := (float64(bounds.Dy()) - total) / 2
	out := make([]textLine, 0, len(lines))
	for i, ln := range lines {
		w := measure(face, ln, spacing)
		x := 0
		switch st.Align {
		case models.AlignLeft:
			x = 0
		case models.AlignRight:
			x = maxW - w
		default:
			x = (maxW - w) / 2
		}
		base := top + lineH*float64(i) + (lineH-float64(metrics.Ascent.Ceil()+metrics.Descent.Ceil()))/2 + float64(metrics.Ascent.Ceil())
		out = append(out, textLine{text: ln, x: bounds.Min.X + x, base: bounds.Min.Y + int(math.Round(base)), width: w})
	}
	return out
}

func wrapWords(face font.Face, para string, maxW int, spacing float64) []string {
	words := strings.Fields(para)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		candidate := cur + " " + w
		if measure(face, candidate, spacing) <= maxW {
			cur = candidate
			continue
		}
		lines = append(lines, cur)
		cur = w
	}
	return append(lines, cur)
}

func measure(face font.Face, s string, spacing float64) int {
	w := font.MeasureString(face, s).Ceil()
	if n := utf8.RuneCountInString(s); n > 1 {
		w += int(math.Round(spacing * float64(n-1)))
	}
	return w
}

// drawGlyphs renders lines into an alpha mask, shifted by (dx, dy).
func drawGlyphs(mask *image.Alpha, face font.Face, lines []textLine, spacing float64, dx, dy int) {
	d := &font.Drawer{Dst: mask, Src: image.Opaque, Face: face}
	for _, ln := range lines {
		if spacing == 0 {
			d.Dot = fixed.P(ln.x+dx, ln.base+dy)
			d.DrawString(ln.text)
			continue
		}
		x := float64(ln.x + dx)
		for _, r := range ln.text {
			d.Dot = fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.I(ln.base + dy)}
			d.DrawString(string(r))
			adv, _ := face.GlyphAdvance(r)
			x += float64(adv)/64 + spacing
		}
	}
}

// dilate grows a mask by r pixels with a square structuring element.
func dilate(src *image.Alpha, r int) *image.Alpha {
	if r <= 0 {
		return src
	}
	b := src.Bounds()
	tmp := image.NewAlpha(b)
	out := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var m uint8
			for k := x - r; k <= x+r; k++ {
				if k < b.Min.X || k >= b.Max.X {
					continue
				}
				if v := src.Pix[src.PixOffset(k, y)]; v > m {
					m = v
				}
			}
			tmp.Pix[tmp.PixOffset(x, y)] = m
		}
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var m uint8
			for k := y - r; k <= y+r; k++ {
				if k < b.Min.Y || k >= b.Max.Y {
					continue
				}
				if v := tmp.Pix[tmp.PixOffset(x, k)]; v > m {
					m = v
				}
			}
			out.Pix[out.PixOffset(x, y)] = m
		}
	}
	return out
}

// subtractMask clears from a every pixel covered by b.
func subtractMask(a, b *image.Alpha) *image.Alpha {
	out := image.NewAlpha(a.Bounds())
	for i := range a.Pix {
		v := int(a.Pix[i]) - int(b.Pix[i])
		if v > 0 {
			out.Pix[i] = uint8(v)
		}
	}
	return out
}

func paintMask(dst *image.RGBA, mask *image.Alpha, c color.NRGBA) {
	draw.DrawMask(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, mask, dst.Bounds().Min, draw.Over)
}

// drawText lays out and paints a text item into layer, including its
// background box, decoration lines and effect.
func drawText(layer *image.RGBA, fonts *FontLibrary, st *models.TextStyle, canvasH int) error {
	if st == nil || st.Content == "" {
		return nil
	}
	k := float64(canvasH) / referenceHeight
	size := st.FontSize
	if size <= 0 {
		size = defaultFontSize
	}
	face, err := fonts.Face(st.FontFamily, st.Bold, st.Italic, int(math.Round(size*k)))
	if err != nil {
		return err
	}
	spacing := st.LetterSpacing * k
	bounds := layer.Bounds()
	lines := layoutText(face, st, bounds, spacing)
	fill := colorOr(st.Color, color.NRGBA{255, 255, 255, 255})

	effect := st.Effect
	intensity := 50.0
	var effectColor color.NRGBA
	if effect != nil {
		if effect.Intensity > 0 {
			intensity = effect.Intensity
		}
		effectColor = colorOr(effect.Color, color.NRGBA{0, 0, 0, 255})
	}
	unit := math.Max(1, math.Round(size*k/24*intensity/50))

	metrics := face.Metrics()
	ascent, descent := metrics.Ascent.Ceil(), metrics.Descent.Ceil()

	bg := st.Background
	if effect != nil && effect.Type == "background" && bg == "" {
		bg = effect.Color
	}
	if bg != "" {
		pad := int(math.Round(size * k * 0.25))
		bc := colorOr(bg, color.NRGBA{0, 0, 0, 160})
		for _, ln := range lines {
			r := image.Rect(ln.x-pad, ln.base-ascent-pad/2, ln.x+ln.width+pad, ln.base+descent+pad/2)
			draw.Draw(layer, r.Intersect(bounds), image.NewUniform(bc), image.Point{}, draw.Over)
		}
	}

	mask := image.NewAlpha(bounds)
	drawGlyphs(mask, face, lines, spacing, 0, 0)

	if effect != nil {
		u := int(unit)
		switch effect.Type {
		case "shadow":
			shadow := image.NewAlpha(bounds)
			drawGlyphs(shadow, face, lines, spacing, u*2, u*2)
			boxBlurAlpha(shadow, u)
			paintMask(layer, shadow, withAlpha(effectColor, 0.75))
		case "outline":
			paintMask(layer, dilate(mask, u), effectColor)
		case "neon":
			glowColor := colorOr(effect.Color, fill)
			glow := dilate(mask, u)
			boxBlurAlpha(glow, u*3)
			paintMask(layer, glow, glowColor)
			paintMask(layer, glow, withAlpha(glowColor, 0.6))
		case "glitch":
			red := image.NewAlpha(bounds)
			drawGlyphs(red, face, lines, spacing, -u, 0)
			cyan := image.NewAlpha(bounds)
			drawGlyphs(cyan, face, lines, spacing, u, 0)
			paintMask(layer, red, color.NRGBA{255, 0, 80, 180})
			paintMask(layer, cyan, color.NRGBA{0, 255, 255, 180})
		case "echo":
			for i := 3; i >= 1; i-- {
				echo := image.NewAlpha(bounds)
				drawGlyphs(echo, face, lines, spacing, u*2*i, u*2*i)
				paintMask(layer, echo, withAlpha(colorOr(effect.Color, fill), 0.5/float64(i)))
			}
		case "hollow":
			ring := subtractMask(dilate(mask, u), mask)
			paintMask(layer, ring, fill)
			mask = nil
		}
	}

	if mask != nil {
		paintMask(layer, mask, fill)
	}

	thickness := int(math.Max(1, math.Round(size*k/16)))
	for _, ln := range lines {
		if st.Underline {
			y := ln.base + descent/2
			r := image.Rect(ln.x, y, ln.x+ln.width, y+thickness)
			draw.Draw(layer, r.Intersect(bounds), image.NewUniform(fill), image.Point{}, draw.Over)
		}
		if st.Strike {
			y := ln.base - ascent/3
			r := image.Rect(ln.x, y, ln.x+ln.width, y+thickness)
			draw.Draw(layer, r.Intersect(bounds), image.NewUniform(fill), image.Point{}, draw.Over)
		}
	}
	return nil
}
