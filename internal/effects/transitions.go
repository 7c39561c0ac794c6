package effects

import (
	"math"
	"sort"

	"github.com/bobarin/cutline/internal/models"
)

// Role distinguishes the entering clip from the leaving one.
type Role int

const (
	RoleMain Role = iota
	RoleOutgoing
)

func (r Role) String() string {
	if r == RoleOutgoing {
		return "outgoing"
	}
	return "main"
}

// DipFloor keeps dip transitions from producing a fully black frame at the
// midpoint. It matches what the editor preview shows.
const DipFloor = 0.05

// transitionParams are the typed knobs a family formula reads.
type transitionParams struct {
	ease     EaseFunc
	dir      models.Direction // fixed direction for named variants
	amount   float64          // blur px, jitter pct or flash strength
	hue      float64
	from, to float64 // zoom scales
	shape    string
	count    int
	vertical bool
	fade     bool
}

type transitionFamily func(p float64, role Role, dx, dy float64, prm transitionParams) Style

type transitionPreset struct {
	family transitionFamily
	params transitionParams
}

var transitionPresets = map[string]transitionPreset{
	// dissolve
	"fade":              {dissolveFamily, transitionParams{ease: Linear}},
	"cross-fade":        {dissolveFamily, transitionParams{ease: Linear}},
	"dissolve":          {dissolveFamily, transitionParams{ease: EaseInOutCubic}},
	"film-dissolve":     {dissolveFamily, transitionParams{ease: EaseOutCubic}},
	"additive-dissolve": {additiveFamily, transitionParams{ease: Linear}},
	"dip-to-black":      {dipFamily, transitionParams{}},
	"fade-color":        {dipFamily, transitionParams{}},
	"dip-to-white":      {dipWhiteFamily, transitionParams{}},
	"flash":             {flashFamily, transitionParams{ease: EaseInOutCubic, amount: 1}},
	"blur":              {blurFamily, transitionParams{ease: EaseInOutCubic, amount: 24}},
	"blur-dissolve":     {blurFamily, transitionParams{ease: Linear, amount: 12}},

	// slide and push
	"slide":       {slideFamily, transitionParams{ease: Linear}},
	"slide-left":  {slideFamily, transitionParams{ease: Linear, dir: models.DirectionLeft}},
	"slide-right": {slideFamily, transitionParams{ease: Linear, dir: models.DirectionRight}},
	"slide-up":    {slideFamily, transitionParams{ease: Linear, dir: models.DirectionUp}},
	"slide-down":  {slideFamily, transitionParams{ease: Linear, dir: models.DirectionDown}},
	"slide-fade":  {slideFamily, transitionParams{ease: Linear, fade: true}},
	"cover":       {slideFamily, transitionParams{ease: EaseInOutCubic}},
	"push":        {pushFamily, transitionParams{ease: Linear}},
	"push-left":   {pushFamily, transitionParams{ease: Linear, dir: models.DirectionLeft}},
	"push-right":  {pushFamily, transitionParams{ease: Linear, dir: models.DirectionRight}},
	"push-up":     {pushFamily, transitionParams{ease: Linear, dir: models.DirectionUp}},
	"push-down":   {pushFamily, transitionParams{ease: Linear, dir: models.DirectionDown}},
	"whip-pan":    {pushFamily, transitionParams{ease: EaseInOutCubic, amount: 40}},
	"cube":        {cubeFamily, transitionParams{ease: EaseInOutCubic}},

	// iris
	"circle":       {irisFamily, transitionParams{shape: "circle"}},
	"iris":         {irisFamily, transitionParams{shape: "circle"}},
	"circle-close": {irisFamily, transitionParams{shape: "circle-close"}},
	"box":          {irisFamily, transitionParams{shape: "box"}},
	"diamond":      {irisFamily, transitionParams{shape: "diamond"}},
	"cross":        {irisFamily, transitionParams{shape: "cross"}},
	"star":         {irisFamily, transitionParams{shape: "star"}},
	"triangle":     {irisFamily, transitionParams{shape: "triangle"}},

	// wipes
	"wipe":                {wipeFamily, transitionParams{ease: EaseOutCubic}},
	"wipe-left":           {wipeFamily, transitionParams{ease: EaseOutCubic, dir: models.DirectionLeft}},
	"wipe-right":          {wipeFamily, transitionParams{ease: EaseOutCubic, dir: models.DirectionRight}},
	"wipe-up":             {wipeFamily, transitionParams{ease: EaseOutCubic, dir: models.DirectionUp}},
	"wipe-down":           {wipeFamily, transitionParams{ease: EaseOutCubic, dir: models.DirectionDown}},
	"barn-doors":          {barnDoorsFamily, transitionParams{ease: EaseOutCubic}},
	"barn-doors-vertical": {barnDoorsFamily, transitionParams{ease: EaseOutCubic, vertical: true}},
	"diagonal-wipe":       {diagonalFamily, transitionParams{ease: EaseOutCubic}},
	"clock-wipe":          {clockFamily, transitionParams{ease: Linear, shape: "cw"}},
	"clock-wipe-ccw":      {clockFamily, transitionParams{ease: Linear, shape: "ccw"}},
	"radial-wipe":         {clockFamily, transitionParams{ease: EaseInOutCubic, shape: "radial"}},
	"blinds":              {blindsFamily, transitionParams{ease: EaseInOutCubic, count: 8}},
	"blinds-vertical":     {blindsFamily, transitionParams{ease: EaseInOutCubic, count: 8, vertical: true}},
	"venetian":            {blindsFamily, transitionParams{ease: Linear, count: 16}},
	"checkerboard":        {checkerFamily, transitionParams{ease: Linear, count: 6}},
	"checkerboard-fine":   {checkerFamily, transitionParams{ease: Linear, count: 12}},

	// zoom
	"zoom-in":    {zoomFamily, transitionParams{ease: EaseInOutCubic, from: 0.5, to: 1.5, amount: 8}},
	"zoom-out":   {zoomFamily, transitionParams{ease: EaseInOutCubic, from: 1.5, to: 0.5, amount: 8}},
	"cross-zoom": {zoomFamily, transitionParams{ease: EaseInOutCubic, from: 2, to: 2, amount: 20}},
	"zoom-blur":  {zoomFamily, transitionParams{ease: EaseInOutCubic, from: 0.7, to: 1.3, amount: 30}},
	"grow":       {growFamily, transitionParams{ease: EaseOutCubic}},

	// spin and flip
	"spin":            {spinFamily, transitionParams{ease: EaseInOutCubic, amount: 180}},
	"swirl":           {spinFamily, transitionParams{ease: EaseInOutCubic, amount: 360, fade: true}},
	"rotate-in":       {rotateFamily, transitionParams{ease: EaseOutCubic, amount: 90}},
	"flip-horizontal": {flipFamily, transitionParams{}},
	"flip-vertical":   {flipFamily, transitionParams{vertical: true}},

	// digital
	"glitch":    {glitchFamily, transitionParams{amount: 4, hue: 90}},
	"digital":   {glitchFamily, transitionParams{amount: 2, hue: 180}},
	"chromatic": {glitchFamily, transitionParams{amount: 1, hue: 60}},
}

// TransitionStyle returns the style of one side of a transition at progress
// p. Unknown types fall back to a linear cross-fade.
func TransitionStyle(name string, p float64, role Role, dir models.Direction) Style {
	p = clamp01(p)
	preset, ok := transitionPresets[name]
	if !ok {
		return dissolveFamily(p, role, 0, 0, transitionParams{ease: Linear})
	}
	prm := preset.params
	if prm.ease == nil {
		prm.ease = EaseOutCubic
	}
	if prm.dir != "" {
		dir = prm.dir
	}
	dx, dy := DirectionVector(dir)
	return preset.family(p, role, dx, dy, prm)
}

// HasTransition reports whether name is a registered preset.
func HasTransition(name string) bool {
	_, ok := transitionPresets[name]
	return ok
}

// IsDipTransition reports presets that intentionally hide both sides near
// the midpoint.
func IsDipTransition(name string) bool {
	return name == "dip-to-black" || name == "fade-color"
}

// TransitionNames lists the registered presets in sorted order.
func TransitionNames() []string {
	names := make([]string, 0, len(transitionPresets))
	for name := range transitionPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DirectionVector maps a direction onto the sign/axis multiplier used by
// the directional families. Left is the default.
func DirectionVector(d models.Direction) (float64, float64) {
	switch d {
	case models.DirectionRight:
		return -1, 0
	case models.DirectionUp:
		return 0, 1
	case models.DirectionDown:
		return 0, -1
	default:
		return 1, 0
	}
}

func dissolveFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	if role == RoleMain {
		return Style{Opacity: f(e)}
	}
	return Style{Opacity: f(1 - e)}
}

func additiveFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	if role == RoleMain {
		return Style{Opacity: f(math.Min(1, 2*e))}
	}
	return Style{Opacity: f(math.Min(1, 2*(1-e)))}
}

func dipFamily(p float64, role Role, _, _ float64, _ transitionParams) Style {
	if role == RoleMain {
		if p < 0.5 {
			return Style{Opacity: f(0)}
		}
		return Style{Opacity: f(math.Max(2*(p-0.5), DipFloor))}
	}
	if p < 0.5 {
		return Style{Opacity: f(math.Max(1-2*p, DipFloor))}
	}
	return Style{Opacity: f(0)}
}

func dipWhiteFamily(p float64, role Role, _, _ float64, _ transitionParams) Style {
	if role == RoleMain {
		if p < 0.5 {
			return Style{Opacity: f(0)}
		}
		return Style{Opacity: f(1), Flash: f(2 - 2*p)}
	}
	if p < 0.5 {
		return Style{Opacity: f(1), Flash: f(2 * p)}
	}
	return Style{Opacity: f(0)}
}

func flashFamily(p float64, role Role, dx, dy float64, prm transitionParams) Style {
	s := dissolveFamily(p, role, dx, dy, prm)
	s.Flash = f(prm.amount * math.Sin(p*math.Pi))
	return s
}

func blurFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	if role == RoleMain {
		return Style{Opacity: f(e), BlurPx: f(prm.amount * (1 - e))}
	}
	return Style{Opacity: f(1 - e), BlurPx: f(prm.amount * e)}
}

func slideFamily(p float64, role Role, dx, dy float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	e := prm.ease(p)
	s := Style{TranslateXPct: f(dx * 100 * (1 - e)), TranslateYPct: f(dy * 100 * (1 - e))}
	if prm.fade {
		s.Opacity = f(e)
	}
	return s
}

func pushFamily(p float64, role Role, dx, dy float64, prm transitionParams) Style {
	e := prm.ease(p)
	var s Style
	if role == RoleMain {
		s = Style{TranslateXPct: f(dx * 100 * (1 - e)), TranslateYPct: f(dy * 100 * (1 - e))}
	} else {
		s = Style{TranslateXPct: f(-dx * 100 * e), TranslateYPct: f(-dy * 100 * e)}
	}
	if prm.amount > 0 {
		s.BlurPx = f(prm.amount * math.Sin(p*math.Pi))
	}
	return s
}

func cubeFamily(p float64, role Role, dx, dy float64, prm transitionParams) Style {
	s := pushFamily(p, role, dx, dy, prm)
	e := prm.ease(p)
	squash := lerp(0.6, 1, e)
	if role == RoleOutgoing {
		squash = lerp(1, 0.6, e)
	}
	if dy != 0 {
		s.ScaleY = f(squash)
	} else {
		s.ScaleX = f(squash)
	}
	return s
}

func irisFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{Opacity: f(1 - p)}
	}
	e := EaseOutCubic(p)
	return Style{Clip: irisShape(prm.shape, e)}
}

func irisShape(shape string, e float64) *ClipShape {
	switch shape {
	case "circle-close":
		return &ClipShape{Kind: ClipCircle, CircleRadiusPct: 100 * (1 - e), Invert: true}
	case "box":
		in := 50 * (1 - e)
		return &ClipShape{Kind: ClipInset, InsetTop: in, InsetRight: in, InsetBottom: in, InsetLeft: in}
	case "diamond":
		r := 1.05 * e
		return &ClipShape{Kind: ClipPolygon, Polygon: []Point{
			{0.5, 0.5 - r}, {0.5 + r, 0.5}, {0.5, 0.5 + r}, {0.5 - r, 0.5},
		}}
	case "cross":
		a := 0.6 * e
		lo, hi := -0.1, 1.1
		c := 0.5
		return &ClipShape{Kind: ClipPolygon, Polygon: []Point{
			{c - a, lo}, {c + a, lo}, {c + a, c - a}, {hi, c - a},
			{hi, c + a}, {c + a, c + a}, {c + a, hi}, {c - a, hi},
			{c - a, c + a}, {lo, c + a}, {lo, c - a}, {c - a, c - a},
		}}
	case "star":
		return &ClipShape{Kind: ClipPolygon, Polygon: starPolygon(2*e, e, 5)}
	case "triangle":
		return &ClipShape{Kind: ClipPolygon, Polygon: regularPolygon(1.5*e, 3)}
	default:
		return &ClipShape{Kind: ClipCircle, CircleRadiusPct: 100 * e}
	}
}

func starPolygon(outer, inner float64, points int) []Point {
	pts := make([]Point, 0, points*2)
	for i := 0; i < points*2; i++ {
		r := outer
		if i%2 == 1 {
			r = inner
		}
		a := -math.Pi/2 + float64(i)*math.Pi/float64(points)
		pts = append(pts, Point{0.5 + r*math.Cos(a), 0.5 + r*math.Sin(a)})
	}
	return pts
}

func regularPolygon(r float64, sides int) []Point {
	pts := make([]Point, 0, sides)
	for i := 0; i < sides; i++ {
		a := -math.Pi/2 + float64(i)*2*math.Pi/float64(sides)
		pts = append(pts, Point{0.5 + r*math.Cos(a), 0.5 + r*math.Sin(a)})
	}
	return pts
}

func wipeFamily(p float64, role Role, dx, dy float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	hidden := 100 * (1 - prm.ease(p))
	c := &ClipShape{Kind: ClipInset}
	switch {
	case dx > 0:
		c.InsetLeft = hidden
	case dx < 0:
		c.InsetRight = hidden
	case dy > 0:
		c.InsetTop = hidden
	default:
		c.InsetBottom = hidden
	}
	return Style{Clip: c}
}

func barnDoorsFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	hidden := 50 * (1 - prm.ease(p))
	c := &ClipShape{Kind: ClipInset, InsetLeft: hidden, InsetRight: hidden}
	if prm.vertical {
		c = &ClipShape{Kind: ClipInset, InsetTop: hidden, InsetBottom: hidden}
	}
	return Style{Clip: c}
}

func diagonalFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	d := 2 * prm.ease(p)
	return Style{Clip: &ClipShape{Kind: ClipPolygon, Polygon: []Point{{0, 0}, {d, 0}, {0, d}}}}
}

func clockFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	sweep := 360 * prm.ease(p)
	c := &ClipShape{Kind: ClipArc}
	switch prm.shape {
	case "ccw":
		c.ArcStartDeg, c.ArcEndDeg = -90-sweep, -90
	case "radial":
		c.ArcStartDeg, c.ArcEndDeg = -90-sweep/2, -90+sweep/2
	default:
		c.ArcStartDeg, c.ArcEndDeg = -90, -90+sweep
	}
	return Style{Clip: c}
}

func blindsFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	return Style{Clip: &ClipShape{Kind: ClipBlinds, StripeCount: prm.count, StripeFill: prm.ease(p), Vertical: prm.vertical}}
}

func checkerFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	return Style{Clip: &ClipShape{Kind: ClipChecker, CheckerSize: prm.count, CheckerFill: prm.ease(p)}}
}

func zoomFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	blur := prm.amount * math.Sin(p*math.Pi)
	if role == RoleMain {
		return Style{Opacity: f(e), Scale: f(lerp(prm.from, 1, e)), BlurPx: f(blur)}
	}
	return Style{Opacity: f(1 - e), Scale: f(lerp(1, prm.to, e)), BlurPx: f(blur)}
}

func growFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	if role == RoleOutgoing {
		return Style{}
	}
	return Style{Scale: f(prm.ease(p))}
}

func spinFamily(p float64, role Role, dx, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	sign := 1.0
	if dx < 0 {
		sign = -1
	}
	if role == RoleMain {
		s := Style{RotateDeg: f(-sign * prm.amount * (1 - e)), Scale: f(e)}
		if prm.fade {
			s.Opacity = f(e)
		}
		return s
	}
	s := Style{RotateDeg: f(sign * prm.amount * e), Scale: f(1 - e)}
	if prm.fade {
		s.Opacity = f(1 - e)
		s.Scale = f(1 + 0.5*e)
	}
	return s
}

func rotateFamily(p float64, role Role, dx, _ float64, prm transitionParams) Style {
	e := prm.ease(p)
	sign := 1.0
	if dx < 0 {
		sign = -1
	}
	if role == RoleMain {
		return Style{RotateDeg: f(sign * prm.amount * (1 - e)), Opacity: f(e)}
	}
	return Style{Opacity: f(1 - e)}
}

// flipFamily squashes one axis to fake a card flip. The halves overlap so
// some of each side is visible at the midpoint.
func flipFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	var k float64
	if role == RoleMain {
		k = EaseOutCubic((p - 0.3) / 0.7)
	} else {
		k = EaseInCubic(1 - p/0.6)
	}
	if prm.vertical {
		return Style{ScaleY: f(k)}
	}
	return Style{ScaleX: f(k)}
}

// glitchFamily jitters with fixed-frequency sines so renders are reproducible.
func glitchFamily(p float64, role Role, _, _ float64, prm transitionParams) Style {
	env := math.Sin(p * math.Pi)
	jx := prm.amount * math.Sin(p*37) * env
	jy := prm.amount / 2 * math.Sin(p*53) * env
	hue := prm.hue * math.Sin(p*23) * env
	if role == RoleMain {
		return Style{Opacity: f(p), TranslateXPct: f(jx), TranslateYPct: f(jy), HueRotateDeg: f(hue)}
	}
	return Style{Opacity: f(1 - p), TranslateXPct: f(-jx), TranslateYPct: f(-jy), HueRotateDeg: f(-hue)}
}
