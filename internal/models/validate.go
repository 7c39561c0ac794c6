package models

import (
	"math"
	"sort"
)

const (
	MaxFPS        = 120
	MaxDimension  = 7680
	durationSlack = 1e-6

	// Item geometry is in percent of the canvas.
	MaxItemSize     = 400
	MaxItemPosition = 1000
)

// SupportedFormats lists the output containers the encoder profiles cover.
var SupportedFormats = map[string]bool{
	"mp4":  true,
	"webm": true,
	"mov":  true,
	"mkv":  true,
}

// Validate checks a timeline and its export settings. It returns a
// *ValidationError describing all problems, or nil.
func Validate(tl *Timeline, settings *ExportSettings) error {
	verr := &ValidationError{}

	validateSettings(settings, verr)

	if tl.Duration <= 0 || math.IsNaN(tl.Duration) || math.IsInf(tl.Duration, 0) {
		verr.add("timeline duration must be positive")
	}
	if tl.Dimension.Width < 0 || tl.Dimension.Height < 0 {
		verr.add("timeline dimension must not be negative")
	}

	seen := make(map[string]bool)
	for ti := range tl.Tracks {
		validateTrack(&tl.Tracks[ti], seen, verr)
	}

	if end := tl.End(); end > tl.Duration+durationSlack {
		verr.add("timeline duration %.3fs is shorter than the last item end %.3fs", tl.Duration, end)
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validateSettings(s *ExportSettings, verr *ValidationError) {
	if s.Resolution.Width <= 0 || s.Resolution.Height <= 0 {
		verr.add("resolution must be positive")
	}
	if s.Resolution.Width > MaxDimension || s.Resolution.Height > MaxDimension {
		verr.add("resolution exceeds %dpx", MaxDimension)
	}
	if s.Resolution.Width%2 != 0 || s.Resolution.Height%2 != 0 {
		verr.add("resolution must use even dimensions")
	}
	if !(s.FPS > 0 && s.FPS <= MaxFPS) {
		verr.add("fps must be in (0, %d]", MaxFPS)
	}
	switch s.Quality {
	case QualityLow, QualityMedium, QualityHigh:
	default:
		verr.add("quality must be low, medium or high")
	}
	if !SupportedFormats[s.Format] {
		verr.add("unsupported format %q", s.Format)
	}
}

func validateTrack(track *Track, seen map[string]bool, verr *ValidationError) {
	switch track.Kind {
	case TrackKindVideo, TrackKindAudio, TrackKindOverlay, TrackKindText:
	default:
		verr.add("track %s: unknown kind %q", track.ID, track.Kind)
	}

	for i := range track.Items {
		validateItem(track, &track.Items[i], seen, verr)
	}

	if !track.Kind.SupportsTransitions() {
		return
	}

	items := SortedItems(track.Items)
	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		overlap := prev.End() - cur.Start
		if overlap <= durationSlack {
			continue
		}
		if cur.Transition == nil || cur.Transition.Timing == TimingPostfix || cur.Transition.Timing == "" {
			verr.add("track %s: items %s and %s overlap outside a transition window", track.ID, prev.ID, cur.ID)
			continue
		}
		_, length := cur.Transition.Window()
		if overlap > length+durationSlack {
			verr.add("track %s: overlap of %s and %s exceeds transition window", track.ID, prev.ID, cur.ID)
		}
	}
}

func validateItem(track *Track, it *Item, seen map[string]bool, verr *ValidationError) {
	if it.ID == "" {
		verr.add("track %s: item without id", track.ID)
	} else if seen[it.ID] {
		verr.add("duplicate item id %s", it.ID)
	}
	seen[it.ID] = true

	switch it.Type {
	case ItemTypeVideo, ItemTypeImage, ItemTypeAudio, ItemTypeText, ItemTypeColor:
	default:
		verr.add("item %s: unknown type %q", it.ID, it.Type)
	}
	if it.Start < 0 || !finite(it.Start) {
		verr.add("item %s: start must be >= 0", it.ID)
	}
	if it.Duration <= 0 || !finite(it.Duration) {
		verr.add("item %s: duration must be > 0", it.ID)
	}
	validateGeometry(it, verr)
	if it.Offset < 0 || !finite(it.Offset) {
		verr.add("item %s: offset must be >= 0", it.ID)
	}
	if it.Opacity != nil && (*it.Opacity < 0 || *it.Opacity > 100) {
		verr.add("item %s: opacity must be within 0-100", it.ID)
	}
	switch it.Fit {
	case "", FitContain, FitCover, FitFill:
	default:
		verr.add("item %s: unknown fit %q", it.ID, it.Fit)
	}
	if it.Type == ItemTypeText && (it.Text == nil || it.Text.Content == "") {
		verr.add("item %s: text item without content", it.ID)
	}
	if it.Crop != nil && it.Crop.Zoom != 0 && it.Crop.Zoom < 1 {
		verr.add("item %s: crop zoom must be >= 1", it.ID)
	}
	if ts := it.Transition; ts != nil {
		if ts.Duration <= 0 {
			verr.add("item %s: transition duration must be > 0", it.ID)
		}
		switch ts.Timing {
		case "", TimingPrefix, TimingPostfix, TimingOverlap:
		default:
			verr.add("item %s: unknown transition timing %q", it.ID, ts.Timing)
		}
	}
	if as := it.Animation; as != nil {
		if as.Duration <= 0 {
			verr.add("item %s: animation duration must be > 0", it.ID)
		}
		switch as.Timing {
		case "", AnimationEnter, AnimationExit, AnimationBoth:
		default:
			verr.add("item %s: unknown animation timing %q", it.ID, as.Timing)
		}
	}
}

func validateGeometry(it *Item, verr *ValidationError) {
	if !finite(it.X) || math.Abs(it.X) > MaxItemPosition {
		verr.add("item %s: x must be within +/-%d%%", it.ID, MaxItemPosition)
	}
	if !finite(it.Y) || math.Abs(it.Y) > MaxItemPosition {
		verr.add("item %s: y must be within +/-%d%%", it.ID, MaxItemPosition)
	}
	if it.Width != nil && (!finite(*it.Width) || *it.Width < 0 || *it.Width > MaxItemSize) {
		verr.add("item %s: width must be within 0-%d%%", it.ID, MaxItemSize)
	}
	if it.Height != nil && (!finite(*it.Height) || *it.Height < 0 || *it.Height > MaxItemSize) {
		verr.add("item %s: height must be within 0-%d%%", it.ID, MaxItemSize)
	}
	if !finite(it.Rotation) {
		verr.add("item %s: rotation must be a number", it.ID)
	}
	if it.Crop != nil && (!finite(it.Crop.X) || !finite(it.Crop.Y) || !finite(it.Crop.Zoom)) {
		verr.add("item %s: crop must be finite", it.ID)
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SortedItems returns the items ordered by start time, stable for equal starts.
func SortedItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// FrameCount is the number of output frames for a duration at fps.
func FrameCount(duration, fps float64) int {
	n := duration * fps
	// absorb float noise such as 5*30 = 150.00000000000003
	return int(math.Ceil(n - 1e-9))
}
