package ffmpeg

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AudioSource is one audio input placed on the output timeline.
type AudioSource struct {
	Path     string
	Start    float64 // timeline position, seconds
	Offset   float64 // trim start inside the source, seconds
	Duration float64 // seconds of source audio to keep
	Speed    float64 // playback rate, 0 means 1
	Volume   float64 // 0-1
}

// MixGraph builds the filter graph that trims, delays and sums the audio
// sources. firstInput is the ffmpeg input index of the first source. The
// returned label names the mixed output pad, or is empty when there is
// nothing to mix.
func MixGraph(sources []AudioSource, firstInput int) (graph, label string) {
	if len(sources) == 0 {
		return "", ""
	}

	var parts []string
	var pads strings.Builder
	for i, src := range sources {
		speed := src.Speed
		if speed <= 0 {
			speed = 1
		}
		// the source window covers duration seconds of timeline at speed
		end := src.Offset + src.Duration*speed
		delay := int64(math.Round(src.Start * 1000))

		chain := fmt.Sprintf("[%d:a]atrim=start=%s:end=%s,asetpts=PTS-STARTPTS",
			firstInput+i, formatSeconds(src.Offset), formatSeconds(end))
		if speed != 1 {
			chain += atempoChain(speed)
		}
		chain += fmt.Sprintf(",adelay=delays=%d:all=1", delay)
		if src.Volume != 1 {
			chain += fmt.Sprintf(",volume=%s", formatSeconds(src.Volume))
		}
		pad := fmt.Sprintf("a%d", i)
		parts = append(parts, fmt.Sprintf("%s[%s]", chain, pad))
		pads.WriteString("[" + pad + "]")
	}

	parts = append(parts, fmt.Sprintf("%samix=inputs=%d:duration=longest:dropout_transition=0:normalize=0[aout]",
		pads.String(), len(sources)))
	return strings.Join(parts, ";"), "aout"
}

// atempoChain splits a speed factor into atempo stages, each limited to
// the [0.5, 2] range the filter accepts.
func atempoChain(speed float64) string {
	var b strings.Builder
	for speed > 2 {
		b.WriteString(",atempo=2")
		speed /= 2
	}
	for speed < 0.5 {
		b.WriteString(",atempo=0.5")
		speed /= 0.5
	}
	b.WriteString(",atempo=" + formatSeconds(speed))
	return b.String()
}

// formatRate prints a frame rate with every significant digit.
func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatSeconds(v float64) string {
	s := fmt.Sprintf("%.3f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
