package ffmpeg

import (
	"context"
	"fmt"

	"github.com/bobarin/cutline/internal/models"
)

// SequenceSpec describes an encode from frames already on disk: either a
// numbered image pattern such as frame_%06d.png or a single MJPEG AVI spool.
type SequenceSpec struct {
	Pattern    string // printf-style pattern, numbering starts at 0
	Spool      string // MJPEG AVI, used when Pattern is empty
	FPS        float64
	Duration   float64
	Output     string
	Settings   models.ExportSettings
	Audio      []AudioSource
	OnProgress func(Progress)
}

// EncodeSequence encodes a frame sequence and the audio mix into Output.
func (s *Service) EncodeSequence(ctx context.Context, spec SequenceSpec) error {
	args, err := s.sequenceArgs(spec)
	if err != nil {
		return err
	}
	return s.run(ctx, "sequence", args, spec.OnProgress)
}

func (s *Service) sequenceArgs(spec SequenceSpec) ([]string, error) {
	if spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", spec.FPS)
	}
	var args []string
	switch {
	case spec.Pattern != "":
		args = append(args,
			"-framerate", formatRate(spec.FPS),
			"-start_number", "0",
			"-i", spec.Pattern,
		)
	case spec.Spool != "":
		args = append(args, "-i", spec.Spool)
	default:
		return nil, fmt.Errorf("sequence needs a pattern or a spool file")
	}
	for _, a := range spec.Audio {
		args = append(args, "-i", a.Path)
	}

	out, err := s.outputArgs(spec.Settings, spec.Audio, 1, "0:v", spec.FPS, spec.Duration, spec.Output)
	if err != nil {
		return nil, err
	}
	return append(args, out...), nil
}

// GraphInput is one ffmpeg input with its input options.
type GraphInput struct {
	Options []string // placed before -i, e.g. -loop 1 -t 5
	Path    string
}

// GraphSpec describes an encode that does all of its layout inside an
// ffmpeg filter graph.
type GraphSpec struct {
	Inputs      []GraphInput
	FilterGraph string
	VideoLabel  string // output pad of FilterGraph carrying the video
	FPS         float64
	Duration    float64
	Output      string
	Settings    models.ExportSettings
	Audio       []AudioSource
	OnProgress  func(Progress)
}

// EncodeGraph runs a filter-graph-only encode.
func (s *Service) EncodeGraph(ctx context.Context, spec GraphSpec) error {
	args, err := s.graphArgs(spec)
	if err != nil {
		return err
	}
	return s.run(ctx, "graph", args, spec.OnProgress)
}

func (s *Service) graphArgs(spec GraphSpec) ([]string, error) {
	if len(spec.Inputs) == 0 || spec.FilterGraph == "" || spec.VideoLabel == "" {
		return nil, fmt.Errorf("graph encode needs inputs, a filter graph and a video label")
	}
	var args []string
	for _, in := range spec.Inputs {
		args = append(args, in.Options...)
		args = append(args, "-i", in.Path)
	}
	for _, a := range spec.Audio {
		args = append(args, "-i", a.Path)
	}

	out, err := s.outputArgs(spec.Settings, spec.Audio, len(spec.Inputs), "", spec.FPS, spec.Duration, spec.Output)
	if err != nil {
		return nil, err
	}

	graph := spec.FilterGraph
	audioGraph, _ := MixGraph(spec.Audio, len(spec.Inputs))
	if audioGraph != "" {
		graph += ";" + audioGraph
	}
	args = append(args, "-filter_complex", graph, "-map", "["+spec.VideoLabel+"]")
	return append(args, out...), nil
}

// outputArgs maps the video stream and the audio mix, then adds codec,
// rate, length and output path. An empty videoMap leaves the video mapping
// to the caller. When the caller builds its own -filter_complex the audio
// graph is merged there, so only the mapping is emitted here.
func (s *Service) outputArgs(settings models.ExportSettings, audio []AudioSource, firstAudio int, videoMap string, fps, duration float64, output string) ([]string, error) {
	if output == "" {
		return nil, fmt.Errorf("output path is required")
	}
	var args []string
	if len(audio) > 0 && videoMap != "" {
		graph, _ := MixGraph(audio, firstAudio)
		args = append(args, "-filter_complex", graph)
	}
	if videoMap != "" {
		args = append(args, "-map", videoMap)
	}
	if len(audio) > 0 {
		args = append(args, "-map", "[aout]")
	}

	codec, err := s.profiles.OutputArgs(settings, len(audio) > 0)
	if err != nil {
		return nil, err
	}
	args = append(args, codec...)
	args = append(args, "-r", formatRate(fps))
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}
	return append(args, output), nil
}
