package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/bobarin/cutline/internal/models"
)

// streamBuffers is the number of frame buffers between the renderer and
// the encoder's stdin. WriteFrame blocks while all of them are in flight.
const streamBuffers = 2

// ErrStreamClosed is returned when writing to a closed stream.
var ErrStreamClosed = errors.New("encoder stream closed")

// StreamSpec describes a raw-frame encode.
type StreamSpec struct {
	Output     string
	Width      int
	Height     int
	FPS        float64
	Duration   float64 // output length in seconds, 0 for no cap
	Settings   models.ExportSettings
	Audio      []AudioSource
	OnProgress func(Progress)
}

// Stream is a running encoder fed with RGBA frames on stdin. Frames must be
// written from a single goroutine in presentation order.
type Stream struct {
	svc       *Service
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	frameSize int

	free   chan []byte
	queued chan []byte

	writerDone chan struct{}
	exited     chan struct{}
	tail       *tail

	mu       sync.Mutex
	writeErr error
	waitErr  error
	frames   int
	closed   bool
}

// OpenStream starts an encoder that reads raw RGBA frames from stdin.
func (s *Service) OpenStream(ctx context.Context, spec StreamSpec) (*Stream, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid stream geometry %dx%d@%v", spec.Width, spec.Height, spec.FPS)
	}

	args := streamArgs(spec)
	out, err := s.outputArgs(spec.Settings, spec.Audio, 1, "0:v", spec.FPS, spec.Duration, spec.Output)
	if err != nil {
		return nil, err
	}
	full := append(s.baseArgs(), append(args, out...)...)

	s.logger.Debug().
		Str("cmd", "ffmpeg").
		Str("stage", "stream").
		Strs("args", full).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, s.ffmpegPath, full...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &models.EncodeError{Stage: "stream", Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	st := &Stream{
		svc:        s,
		cmd:        cmd,
		stdin:      stdin,
		frameSize:  spec.Width * spec.Height * 4,
		free:       make(chan []byte, streamBuffers),
		queued:     make(chan []byte, streamBuffers),
		writerDone: make(chan struct{}),
		exited:     make(chan struct{}),
		tail:       newTail(stderrTailLines),
	}
	for i := 0; i < streamBuffers; i++ {
		st.free <- make([]byte, st.frameSize)
	}

	go st.writeLoop()
	go func() {
		streamProgress(stderr, spec.OnProgress, st.tail.add)
		err := cmd.Wait()
		st.mu.Lock()
		st.waitErr = err
		st.mu.Unlock()
		close(st.exited)
	}()

	return st, nil
}

func streamArgs(spec StreamSpec) []string {
	args := []string{
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", formatRate(spec.FPS),
		"-i", "pipe:0",
	}
	for _, a := range spec.Audio {
		args = append(args, "-i", a.Path)
	}
	return args
}

// writeLoop feeds queued frames to stdin and hands the buffers back. After
// a write error the remaining frames are dropped so WriteFrame never hangs.
func (st *Stream) writeLoop() {
	defer close(st.writerDone)
	for buf := range st.queued {
		if st.err() == nil {
			if _, err := st.stdin.Write(buf); err != nil {
				st.setErr(err)
			}
		}
		st.free <- buf
	}
}

func (st *Stream) err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.writeErr
}

func (st *Stream) setErr(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.writeErr == nil {
		st.writeErr = err
	}
}

// FrameSize is the byte length of one RGBA frame.
func (st *Stream) FrameSize() int {
	return st.frameSize
}

// Frames returns the number of frames accepted so far.
func (st *Stream) Frames() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.frames
}

// WriteFrame copies pix into a free buffer and queues it for the encoder.
// It blocks while every buffer is in flight, which is the backpressure
// point of the render loop.
func (st *Stream) WriteFrame(ctx context.Context, pix []byte) error {
	if len(pix) != st.frameSize {
		return fmt.Errorf("frame is %d bytes, want %d", len(pix), st.frameSize)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	if err := st.err(); err != nil {
		return st.encodeError(err)
	}

	var buf []byte
	select {
	case buf = <-st.free:
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-st.exited:
		return st.encodeError(fmt.Errorf("encoder exited early"))
	}

	copy(buf, pix)
	st.queued <- buf
	st.mu.Lock()
	st.frames++
	st.mu.Unlock()
	return nil
}

// Close flushes queued frames, closes stdin and waits for the encoder.
func (st *Stream) Close(ctx context.Context) error {
	if !st.markClosed() {
		return ErrStreamClosed
	}
	close(st.queued)
	<-st.writerDone
	st.stdin.Close()

	select {
	case <-st.exited:
	case <-ctx.Done():
		st.kill()
		<-st.exited
		return context.Cause(ctx)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if err := st.err(); err != nil {
		return st.encodeError(err)
	}
	st.mu.Lock()
	waitErr := st.waitErr
	st.mu.Unlock()
	if waitErr != nil {
		return st.encodeError(waitErr)
	}

	st.svc.logger.Debug().Int("frames", st.Frames()).Msg("encoder stream finished")
	return nil
}

// Abort kills the encoder and releases the stream. It is safe to call
// more than once and after Close.
func (st *Stream) Abort() {
	st.kill()
	if st.markClosed() {
		close(st.queued)
		st.stdin.Close()
	}
	<-st.writerDone
	<-st.exited
}

func (st *Stream) markClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	st.closed = true
	return true
}

func (st *Stream) kill() {
	if st.cmd.Process != nil {
		st.cmd.Process.Kill()
	}
}

func (st *Stream) encodeError(err error) error {
	return &models.EncodeError{Stage: "stream", Stderr: st.tail.String(), Err: err}
}
