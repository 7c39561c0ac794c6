package effects

import (
	"sort"

	"github.com/bobarin/cutline/internal/models"
)

type channel int

const (
	chOpacity channel = iota
	chScale
	chScaleX
	chScaleY
	chRotate
	chTranslateX
	chTranslateY
	chBlur
)

// channelTrack animates one Style field through a list of phases.
type channelTrack struct {
	ch     channel
	phases []Phase
}

type animationPreset []channelTrack

func track(ch channel, phases ...Phase) channelTrack {
	return channelTrack{ch: ch, phases: phases}
}

// ramp is a single phase over the whole progress range.
func ramp(from, to float64) Phase {
	return Phase{PStart: 0, PEnd: 1, From: from, To: to}
}

func ph(start, end, from, to float64) Phase {
	return Phase{PStart: start, PEnd: end, From: from, To: to}
}

var fadeIn = track(chOpacity, ramp(0, 1))

// quickFade reaches full opacity early so motion presets are readable.
var quickFade = track(chOpacity, ph(0, 0.4, 0, 1))

var animationPresets = map[string]animationPreset{
	"fade":        {fadeIn},
	"fade-up":     {fadeIn, track(chTranslateY, ramp(30, 0))},
	"fade-down":   {fadeIn, track(chTranslateY, ramp(-30, 0))},
	"fade-left":   {fadeIn, track(chTranslateX, ramp(30, 0))},
	"fade-right":  {fadeIn, track(chTranslateX, ramp(-30, 0))},
	"slide-up":    {quickFade, track(chTranslateY, ramp(100, 0))},
	"slide-down":  {quickFade, track(chTranslateY, ramp(-100, 0))},
	"slide-left":  {quickFade, track(chTranslateX, ramp(100, 0))},
	"slide-right": {quickFade, track(chTranslateX, ramp(-100, 0))},
	"glide-up":    {fadeIn, track(chTranslateY, ramp(12, 0))},
	"glide-down":  {fadeIn, track(chTranslateY, ramp(-12, 0))},
	"float-in":    {fadeIn, track(chTranslateY, ramp(8, 0)), track(chScale, ramp(0.96, 1))},
	"rise":        {fadeIn, track(chTranslateY, ph(0, 0.8, 60, -4), ph(0.8, 1, -4, 0))},
	"drop":        {fadeIn, track(chTranslateY, ph(0, 0.8, -60, 4), ph(0.8, 1, 4, 0))},

	"zoom-in":    {fadeIn, track(chScale, ramp(0.5, 1))},
	"zoom-out":   {fadeIn, track(chScale, ramp(1.5, 1))},
	"scale-up":   {track(chScale, ramp(0, 1))},
	"scale-down": {fadeIn, track(chScale, ramp(2, 1))},
	"grow":       {track(chScale, ramp(0, 1)), quickFade},
	"shrink":     {quickFade, track(chScale, ramp(1.3, 1))},
	"expand-x":   {quickFade, track(chScaleX, ramp(0, 1))},
	"expand-y":   {quickFade, track(chScaleY, ramp(0, 1))},
	"pop": {
		quickFade,
		track(chScale, ph(0, 0.6, 0.3, 1.12), ph(0.6, 1, 1.12, 1)),
	},
	"bounce": {
		quickFade,
		track(chScale, ph(0, 0.5, 0.3, 1.15), ph(0.5, 0.75, 1.15, 0.95), ph(0.75, 1, 0.95, 1)),
	},
	"bounce-up": {
		quickFade,
		track(chTranslateY, ph(0, 0.5, 80, -10), ph(0.5, 0.75, -10, 4), ph(0.75, 1, 4, 0)),
	},
	"bounce-down": {
		quickFade,
		track(chTranslateY, ph(0, 0.5, -80, 10), ph(0.5, 0.75, 10, -4), ph(0.75, 1, -4, 0)),
	},
	"elastic": {
		quickFade,
		track(chScaleX, ph(0, 0.4, 0.2, 1.25), ph(0.4, 0.7, 1.25, 0.9), ph(0.7, 1, 0.9, 1)),
		track(chScaleY, ph(0, 0.4, 0.2, 0.8), ph(0.4, 0.7, 0.8, 1.1), ph(0.7, 1, 1.1, 1)),
	},
	"rubber-band": {
		track(chScaleX, ph(0, 0.4, 1.25, 0.75), ph(0.4, 0.7, 0.75, 1.15), ph(0.7, 1, 1.15, 1)),
		track(chScaleY, ph(0, 0.4, 0.75, 1.25), ph(0.4, 0.7, 1.25, 0.85), ph(0.7, 1, 0.85, 1)),
		quickFade,
	},
	"squash": {
		quickFade,
		track(chScaleY, ph(0, 0.5, 0.2, 1.2), ph(0.5, 1, 1.2, 1)),
		track(chScaleX, ph(0, 0.5, 1.4, 0.9), ph(0.5, 1, 0.9, 1)),
	},
	"stretch-x": {quickFade, track(chScaleX, ph(0, 0.6, 2, 0.9), ph(0.6, 1, 0.9, 1))},
	"stretch-y": {quickFade, track(chScaleY, ph(0, 0.6, 2, 0.9), ph(0.6, 1, 0.9, 1))},
	"heartbeat": {
		fadeIn,
		track(chScale, ph(0, 0.3, 1, 1.15), ph(0.3, 0.5, 1.15, 1), ph(0.5, 0.8, 1, 1.1), ph(0.8, 1, 1.1, 1)),
	},
	"pulse": {fadeIn, track(chScale, ph(0, 0.5, 0.9, 1.06), ph(0.5, 1, 1.06, 1))},

	"spin":            {fadeIn, track(chRotate, ramp(-360, 0)), track(chScale, ramp(0.5, 1))},
	"spin-ccw":        {fadeIn, track(chRotate, ramp(360, 0)), track(chScale, ramp(0.5, 1))},
	"rotate-in":       {fadeIn, track(chRotate, ramp(-90, 0))},
	"rotate-in-left":  {fadeIn, track(chRotate, ramp(-45, 0)), track(chTranslateX, ramp(-40, 0))},
	"rotate-in-right": {fadeIn, track(chRotate, ramp(45, 0)), track(chTranslateX, ramp(40, 0))},
	"roll-in-left":    {fadeIn, track(chRotate, ramp(-120, 0)), track(chTranslateX, ramp(-100, 0))},
	"roll-in-right":   {fadeIn, track(chRotate, ramp(120, 0)), track(chTranslateX, ramp(100, 0))},
	"tilt-in":         {fadeIn, track(chRotate, ph(0, 0.7, 12, -3), ph(0.7, 1, -3, 0)), track(chTranslateY, ramp(20, 0))},
	"swing": {
		quickFade,
		track(chRotate, ph(0, 0.3, 30, -15), ph(0.3, 0.6, -15, 8), ph(0.6, 1, 8, 0)),
	},
	"wobble": {
		quickFade,
		track(chTranslateX, ph(0, 0.3, -25, 15), ph(0.3, 0.6, 15, -8), ph(0.6, 1, -8, 0)),
		track(chRotate, ph(0, 0.3, -5, 3), ph(0.3, 0.6, 3, -2), ph(0.6, 1, -2, 0)),
	},
	"jello": {
		quickFade,
		track(chScaleX, ph(0, 0.35, 0.8, 1.1), ph(0.35, 0.7, 1.1, 0.97), ph(0.7, 1, 0.97, 1)),
		track(chRotate, ph(0, 0.35, -6, 4), ph(0.35, 0.7, 4, -1), ph(0.7, 1, -1, 0)),
	},
	"flip-x": {quickFade, track(chScaleX, ramp(0, 1))},
	"flip-y": {quickFade, track(chScaleY, ramp(0, 1))},

	"blur-in":   {fadeIn, track(chBlur, ramp(20, 0))},
	"focus":     {fadeIn, track(chBlur, ramp(12, 0)), track(chScale, ramp(1.1, 1))},
	"zoom-blur": {fadeIn, track(chBlur, ramp(16, 0)), track(chScale, ramp(0.6, 1))},
	"whip-left": {
		quickFade,
		track(chTranslateX, ph(0, 0.7, 120, -5), ph(0.7, 1, -5, 0)),
		track(chBlur, ph(0, 0.7, 18, 0)),
	},
	"whip-right": {
		quickFade,
		track(chTranslateX, ph(0, 0.7, -120, 5), ph(0.7, 1, 5, 0)),
		track(chBlur, ph(0, 0.7, 18, 0)),
	},
}

// AnimationPhase tells which half of an item's lifetime an animation is in.
type AnimationPhase int

const (
	PhaseInactive AnimationPhase = iota
	PhaseEnter
	PhaseExit
)

// AnimationProgress returns the eased progress for an item at time t and
// the phase it belongs to. Progress rises during enter and falls during exit.
func AnimationProgress(spec *models.AnimationSpec, itemStart, itemDuration, t float64) (float64, AnimationPhase) {
	if spec == nil || spec.Duration <= 0 || itemDuration <= 0 {
		return 0, PhaseInactive
	}
	itemTime := t - itemStart
	if itemTime < 0 || itemTime > itemDuration {
		return 0, PhaseInactive
	}
	d := spec.Duration
	if d > itemDuration {
		d = itemDuration
	}

	timing := spec.Timing
	if timing == "" {
		timing = models.AnimationEnter
	}
	enter := timing == models.AnimationEnter || timing == models.AnimationBoth
	exit := timing == models.AnimationExit || timing == models.AnimationBoth

	switch {
	case enter && itemTime < d:
		return EaseInOutCubic(itemTime / d), PhaseEnter
	case exit && itemTime >= itemDuration-d:
		return EaseInOutCubic(1 - (itemTime-(itemDuration-d))/d), PhaseExit
	}
	return 0, PhaseInactive
}

// AnimationStyle returns the style an animation contributes at time t, or an
// empty style outside its enter and exit windows.
func AnimationStyle(spec *models.AnimationSpec, itemStart, itemDuration, t float64) Style {
	progress, phase := AnimationProgress(spec, itemStart, itemDuration, t)
	if phase == PhaseInactive {
		return Style{}
	}
	return presetStyle(spec.Type, progress)
}

// presetStyle evaluates a preset at eased progress. Unknown names fade.
func presetStyle(name string, progress float64) Style {
	preset, ok := animationPresets[name]
	if !ok {
		preset = animationPresets["fade"]
	}
	var s Style
	for _, tr := range preset {
		v := evalPhases(tr.phases, progress)
		switch tr.ch {
		case chOpacity:
			s.Opacity = f(clamp01(v))
		case chScale:
			s.Scale = f(v)
		case chScaleX:
			s.ScaleX = f(v)
		case chScaleY:
			s.ScaleY = f(v)
		case chRotate:
			s.RotateDeg = f(v)
		case chTranslateX:
			s.TranslateXPct = f(v)
		case chTranslateY:
			s.TranslateYPct = f(v)
		case chBlur:
			s.BlurPx = f(v)
		}
	}
	return s
}

func HasAnimation(name string) bool {
	_, ok := animationPresets[name]
	return ok
}

// AnimationNames lists the registered presets in sorted order.
func AnimationNames() []string {
	names := make([]string, 0, len(animationPresets))
	for name := range animationPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
