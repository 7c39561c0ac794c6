package effects

import "math"

// ClipKind names the geometric mask applied to a layer.
type ClipKind string

const (
	ClipNone    ClipKind = "none"
	ClipCircle  ClipKind = "circle"
	ClipRect    ClipKind = "rect"
	ClipInset   ClipKind = "inset"
	ClipPolygon ClipKind = "polygon"
	ClipArc     ClipKind = "arc"
	ClipBlinds  ClipKind = "blinds"
	ClipChecker ClipKind = "checker"
)

type Point struct {
	X, Y float64
}

// ClipShape is a mask in normalized layer coordinates (0-1, origin top-left).
// Only the fields of the active Kind are read.
type ClipShape struct {
	Kind   ClipKind
	Invert bool

	// circle: radius as a percent of the half-diagonal, so 100 covers the layer
	CircleRadiusPct  float64
	CenterX, CenterY float64

	// inset and rect: percent of the layer trimmed from each edge
	InsetTop, InsetRight, InsetBottom, InsetLeft float64

	Polygon []Point

	// arc: degrees clockwise from 3 o'clock
	ArcStartDeg, ArcEndDeg float64

	StripeCount int
	StripeFill  float64 // 0-1
	Vertical    bool

	CheckerSize int // cells along the short side
	CheckerFill float64
}

// Sanitize returns a usable clip or nil. Malformed parameters degrade to nil,
// which callers treat as an unclipped full-frame layer.
func (c *ClipShape) Sanitize() *ClipShape {
	if c == nil {
		return nil
	}
	bad := func(vs ...float64) bool {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
		return false
	}
	switch c.Kind {
	case ClipCircle:
		if bad(c.CircleRadiusPct, c.CenterX, c.CenterY) || c.CircleRadiusPct < 0 {
			return nil
		}
	case ClipRect, ClipInset:
		if bad(c.InsetTop, c.InsetRight, c.InsetBottom, c.InsetLeft) {
			return nil
		}
	case ClipPolygon:
		if len(c.Polygon) < 3 {
			return nil
		}
		for _, p := range c.Polygon {
			if bad(p.X, p.Y) {
				return nil
			}
		}
	case ClipArc:
		if bad(c.ArcStartDeg, c.ArcEndDeg) {
			return nil
		}
	case ClipBlinds:
		if c.StripeCount < 1 || bad(c.StripeFill) {
			return nil
		}
	case ClipChecker:
		if c.CheckerSize < 1 || bad(c.CheckerFill) {
			return nil
		}
	default:
		return nil
	}
	return c
}

// Contains reports whether the normalized point (u, v) is revealed. aspect is
// the layer width over its height and keeps circles round.
func (c *ClipShape) Contains(u, v, aspect float64) bool {
	in := c.contains(u, v, aspect)
	if c.Invert {
		return !in
	}
	return in
}

func (c *ClipShape) contains(u, v, aspect float64) bool {
	switch c.Kind {
	case ClipCircle:
		cx, cy := c.center()
		dx := (u - cx) * aspect
		dy := v - cy
		r := c.CircleRadiusPct / 100 * math.Sqrt(aspect*aspect+1) / 2
		return dx*dx+dy*dy <= r*r
	case ClipRect, ClipInset:
		return u >= c.InsetLeft/100 && u <= 1-c.InsetRight/100 &&
			v >= c.InsetTop/100 && v <= 1-c.InsetBottom/100
	case ClipPolygon:
		return pointInPolygon(c.Polygon, u, v)
	case ClipArc:
		span := c.ArcEndDeg - c.ArcStartDeg
		if span >= 360 {
			return true
		}
		if span <= 0 {
			return false
		}
		cx, cy := c.center()
		angle := math.Atan2(v-cy, (u-cx)*aspect) * 180 / math.Pi
		a := math.Mod(angle-c.ArcStartDeg, 360)
		if a < 0 {
			a += 360
		}
		return a < span
	case ClipBlinds:
		pos := v
		if c.Vertical {
			pos = u
		}
		local := pos*float64(c.StripeCount) - math.Floor(pos*float64(c.StripeCount))
		return local < c.StripeFill
	case ClipChecker:
		cols := float64(c.CheckerSize) * math.Max(aspect, 1)
		rows := float64(c.CheckerSize) * math.Max(1/aspect, 1)
		cu, cv := u*cols, v*rows
		lx := cu - math.Floor(cu)
		if (int(math.Floor(cu))+int(math.Floor(cv)))%2 == 0 {
			return lx < 2*c.CheckerFill
		}
		return lx < 2*c.CheckerFill-1
	}
	return true
}

func (c *ClipShape) center() (float64, float64) {
	if c.CenterX == 0 && c.CenterY == 0 {
		return 0.5, 0.5
	}
	return c.CenterX, c.CenterY
}

func pointInPolygon(poly []Point, x, y float64) bool {
	in := false
	j := len(poly) - 1
	for i := range poly {
		pi, pj := poly[i], poly[j]
		if (pi.Y > y) != (pj.Y > y) && x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			in = !in
		}
		j = i
	}
	return in
}

// Style is a sparse render record. Nil fields are identity.
type Style struct {
	Opacity       *float64 // 0-1, multiplicative
	Scale         *float64 // multiplicative
	ScaleX        *float64
	ScaleY        *float64
	RotateDeg     *float64 // additive
	TranslateXPct *float64 // percent of the element width, additive
	TranslateYPct *float64
	BlurPx        *float64 // px on a 1080-high canvas, additive
	HueRotateDeg  *float64
	Flash         *float64 // 0-1 blend toward white, additive and clamped
	Clip          *ClipShape
}

func f(v float64) *float64 { return &v }

// IsEmpty reports whether every field is unset.
func (s Style) IsEmpty() bool {
	return s.Opacity == nil && s.Scale == nil && s.ScaleX == nil && s.ScaleY == nil &&
		s.RotateDeg == nil && s.TranslateXPct == nil && s.TranslateYPct == nil &&
		s.BlurPx == nil && s.HueRotateDeg == nil && s.Flash == nil && s.Clip == nil
}

func mul(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return f(*a * *b)
}

func add(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return f(*a + *b)
}

// Combine merges two styles. Translate, rotate, blur, hue and flash add;
// opacity and scales multiply; the first clip wins.
func Combine(a, b Style) Style {
	out := Style{
		Opacity:       mul(a.Opacity, b.Opacity),
		Scale:         mul(a.Scale, b.Scale),
		ScaleX:        mul(a.ScaleX, b.ScaleX),
		ScaleY:        mul(a.ScaleY, b.ScaleY),
		RotateDeg:     add(a.RotateDeg, b.RotateDeg),
		TranslateXPct: add(a.TranslateXPct, b.TranslateXPct),
		TranslateYPct: add(a.TranslateYPct, b.TranslateYPct),
		BlurPx:        add(a.BlurPx, b.BlurPx),
		HueRotateDeg:  add(a.HueRotateDeg, b.HueRotateDeg),
		Flash:         add(a.Flash, b.Flash),
		Clip:          a.Clip,
	}
	if out.Clip == nil {
		out.Clip = b.Clip
	}
	if out.Flash != nil && *out.Flash > 1 {
		out.Flash = f(1)
	}
	return out
}

func or(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func (s Style) OpacityValue() float64 { return clamp01(or(s.Opacity, 1)) }
func (s Style) RotateValue() float64  { return or(s.RotateDeg, 0) }
func (s Style) BlurValue() float64    { return math.Max(0, or(s.BlurPx, 0)) }
func (s Style) HueValue() float64     { return or(s.HueRotateDeg, 0) }
func (s Style) FlashValue() float64   { return clamp01(or(s.Flash, 0)) }

// ScaleValues folds the uniform scale into the per-axis scales.
func (s Style) ScaleValues() (float64, float64) {
	k := or(s.Scale, 1)
	return k * or(s.ScaleX, 1), k * or(s.ScaleY, 1)
}

func (s Style) TranslateValues() (float64, float64) {
	return or(s.TranslateXPct, 0), or(s.TranslateYPct, 0)
}

const coverageGrid = 24

// Visibility estimates the fraction of a full-canvas layer that remains
// visible under s. Blur and hue are ignored.
func Visibility(s Style) float64 {
	op := s.OpacityValue()
	if op == 0 {
		return 0
	}
	sx, sy := s.ScaleValues()
	area := math.Min(1, math.Abs(sx*sy))
	tx, ty := s.TranslateValues()
	onscreen := math.Max(0, 1-math.Abs(tx)/100) * math.Max(0, 1-math.Abs(ty)/100)
	return op * area * onscreen * Coverage(s.Clip.Sanitize(), 16.0/9.0)
}

// Coverage samples the revealed fraction of a clip on a regular grid.
func Coverage(c *ClipShape, aspect float64) float64 {
	if c == nil {
		return 1
	}
	hits := 0
	for j := 0; j < coverageGrid; j++ {
		for i := 0; i < coverageGrid; i++ {
			u := (float64(i) + 0.5) / coverageGrid
			v := (float64(j) + 0.5) / coverageGrid
			if c.Contains(u, v, aspect) {
				hits++
			}
		}
	}
	return float64(hits) / float64(coverageGrid*coverageGrid)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
