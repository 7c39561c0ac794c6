package compositor

import (
	"sort"

	"github.com/bobarin/cutline/internal/effects"
	"github.com/bobarin/cutline/internal/models"
)

// Entry is one item to paint in a frame.
type Entry struct {
	Item       *models.Item
	Track      int
	Role       effects.Role
	Transition *models.TransitionSpec // set while the item takes part in a transition
	Progress   float64

	sortKey sortKey
}

// Transitioning reports whether the entry is half of a transition pair.
func (e Entry) Transitioning() bool {
	return e.Transition != nil
}

type sortKey struct {
	background bool
	layer      int
	track      int
	sub        int
}

func (k sortKey) less(o sortKey) bool {
	if k.background != o.background {
		return k.background
	}
	if k.layer != o.layer {
		return k.layer < o.layer
	}
	if k.track != o.track {
		return k.track < o.track
	}
	return k.sub < o.sub
}

// preparedTrack holds the visual items of a track sorted by start.
type preparedTrack struct {
	index int
	kind  models.TrackKind
	items []*models.Item
}

func prepareTracks(tl *models.Timeline) []preparedTrack {
	var out []preparedTrack
	for ti := range tl.Tracks {
		track := &tl.Tracks[ti]
		if track.Kind == models.TrackKindAudio {
			continue
		}
		pt := preparedTrack{index: ti, kind: track.Kind}
		for i := range track.Items {
			if track.Items[i].IsVisual() {
				pt.items = append(pt.items, &track.Items[i])
			}
		}
		sort.SliceStable(pt.items, func(a, b int) bool { return pt.items[a].Start < pt.items[b].Start })
		out = append(out, pt)
	}
	return out
}

// resolveTrack returns the entries of one track at time t, outgoing before
// main when a transition is running.
func resolveTrack(pt preparedTrack, t float64) []Entry {
	if !pt.kind.SupportsTransitions() {
		var out []Entry
		for _, it := range pt.items {
			if it.Contains(t) {
				out = append(out, Entry{Item: it, Track: pt.index, Role: effects.RoleMain})
			}
		}
		return out
	}

	items := pt.items
	mainIdx := -1
	for i, it := range items {
		if it.Contains(t) {
			mainIdx = i
		}
	}

	// incoming transition on the main item
	if mainIdx >= 0 {
		main := items[mainIdx]
		if ts := main.Transition; ts != nil {
			ws, wl := ts.Window()
			start := main.Start + ws
			if wl > 0 && t >= start && t <= start+wl {
				var outgoing *models.Item
				if mainIdx > 0 {
					outgoing = items[mainIdx-1]
				}
				return pair(pt.index, outgoing, main, (t-start)/wl)
			}
		}
	}

	// transition of the next item that starts before its nominal start
	nextIdx := -1
	for i, it := range items {
		if it.Start > t {
			nextIdx = i
			break
		}
	}
	if nextIdx >= 0 {
		next := items[nextIdx]
		if ts := next.Transition; ts != nil && (ts.Timing == models.TimingPrefix || ts.Timing == models.TimingOverlap) {
			ws, wl := ts.Window()
			start := next.Start + ws
			if wl > 0 && t >= start && t < next.Start {
				var outgoing *models.Item
				switch {
				case mainIdx >= 0:
					outgoing = items[mainIdx]
				case nextIdx > 0:
					outgoing = items[nextIdx-1]
				}
				return pair(pt.index, outgoing, next, (t-start)/wl)
			}
		}
	}

	if mainIdx < 0 {
		return nil
	}
	return []Entry{{Item: items[mainIdx], Track: pt.index, Role: effects.RoleMain}}
}

func pair(track int, outgoing, incoming *models.Item, progress float64) []Entry {
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	ts := incoming.Transition
	out := make([]Entry, 0, 2)
	if outgoing != nil {
		out = append(out, Entry{Item: outgoing, Track: track, Role: effects.RoleOutgoing, Transition: ts, Progress: progress})
	}
	return append(out, Entry{Item: incoming, Track: track, Role: effects.RoleMain, Transition: ts, Progress: progress})
}

// resolveFrame resolves every track and orders the entries for painting:
// background items first, then ascending layer, then track order. Both
// halves of a transition share the incoming item's key so they stay adjacent.
func resolveFrame(tracks []preparedTrack, t float64) []Entry {
	var all []Entry
	for _, pt := range tracks {
		entries := resolveTrack(pt, t)
		for i := range entries {
			anchor := entries[len(entries)-1].Item
			if !entries[i].Transitioning() {
				anchor = entries[i].Item
			}
			entries[i].sortKey = sortKey{
				background: anchor.IsBackground,
				layer:      anchor.Layer,
				track:      pt.index,
				sub:        i,
			}
		}
		all = append(all, entries...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].sortKey.less(all[j].sortKey) })
	return all
}
