package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
)

// DecodeOptions selects where and how fast a decoder reads a video.
type DecodeOptions struct {
	Start  float64 // source timestamp of the first frame, seconds
	Rate   float64 // frames per second of source time
	Width  int
	Height int
}

// Decoder reads a video as a sequence of RGBA frames spaced 1/Rate apart
// in source time.
type Decoder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	tail   *tail
	frame  *image.RGBA
	opts   DecodeOptions
	index  int
	done   bool
}

// OpenDecoder starts a decoder at opts.Start, scaling frames to
// opts.Width×opts.Height.
func (s *Service) OpenDecoder(ctx context.Context, path string, opts DecodeOptions) (*Decoder, error) {
	if opts.Width <= 0 || opts.Height <= 0 || opts.Rate <= 0 {
		return nil, fmt.Errorf("invalid decode geometry %dx%d@%v", opts.Width, opts.Height, opts.Rate)
	}

	args := decoderArgs(path, opts)
	s.logger.Debug().
		Str("cmd", "ffmpeg").
		Str("stage", "decode").
		Strs("args", args).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}

	d := &Decoder{
		cmd:    cmd,
		stdout: stdout,
		tail:   newTail(stderrTailLines),
		frame:  image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)),
		opts:   opts,
	}
	go d.tail.drain(stderr)
	return d, nil
}

func decoderArgs(path string, opts DecodeOptions) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-ss", formatSeconds(opts.Start),
		"-i", path,
		"-an",
		"-vf", fmt.Sprintf("fps=%s,scale=%d:%d:flags=bilinear", formatRate(opts.Rate), opts.Width, opts.Height),
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}
}

// Next reads the next frame into the decoder's buffer, which is reused by
// the following call. It returns io.EOF after the last frame.
func (d *Decoder) Next() (*image.RGBA, error) {
	if d.done {
		return nil, io.EOF
	}
	if _, err := io.ReadFull(d.stdout, d.frame.Pix); err != nil {
		d.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode frame %d: %w (%s)", d.index, err, d.tail.String())
	}
	d.index++
	return d.frame, nil
}

// Position is the source timestamp of the next frame Next will return.
func (d *Decoder) Position() float64 {
	return d.opts.Start + float64(d.index)/d.opts.Rate
}

// Rate returns the decode rate in frames per second of source time.
func (d *Decoder) Rate() float64 {
	return d.opts.Rate
}

// Close stops the decoder process.
func (d *Decoder) Close() error {
	d.done = true
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.stdout.Close()
	d.cmd.Wait()
	return nil
}
