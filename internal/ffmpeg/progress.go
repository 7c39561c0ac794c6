package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Progress is one block of ffmpeg's -progress output.
type Progress struct {
	Frame   int
	FPS     float64
	Bitrate string
	OutTime float64 // seconds of output written
	Speed   string
	Done    bool // progress=end
}

var progressKeys = []string{
	"frame=", "fps=", "bitrate=", "total_size=", "out_time_us=", "out_time_ms=",
	"out_time=", "dup_frames=", "drop_frames=", "speed=", "progress=", "stream_",
}

func isProgressLine(line string) bool {
	for _, k := range progressKeys {
		if strings.HasPrefix(line, k) {
			return true
		}
	}
	return false
}

// streamProgress parses ffmpeg's diagnostic stream. Every line goes to
// logHandler; a Progress is emitted at the end of each block.
func streamProgress(r io.Reader, progressHandler func(Progress), logHandler func(string)) {
	scanner := bufio.NewScanner(r)
	var p Progress

	for scanner.Scan() {
		line := scanner.Text()
		if logHandler != nil {
			logHandler(line)
		}

		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch key {
		case "frame":
			fmt.Sscanf(value, "%d", &p.Frame)
		case "fps":
			fmt.Sscanf(value, "%f", &p.FPS)
		case "bitrate":
			p.Bitrate = value
		case "out_time_us", "out_time_ms":
			// both keys are reported in microseconds
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				p.OutTime = float64(us) / 1e6
			}
		case "speed":
			p.Speed = value
		case "progress":
			p.Done = value == "end"
			if progressHandler != nil {
				progressHandler(p)
			}
			p = Progress{}
		}
	}
}
