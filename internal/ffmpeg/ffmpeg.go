package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bobarin/cutline/internal/models"
)

// stderrTailLines is how many diagnostic lines are kept for error reports.
const stderrTailLines = 12

// Service runs the ffmpeg and ffprobe binaries for encoding, decoding and probing.
type Service struct {
	ffmpegPath  string
	ffprobePath string
	profiles    Profiles
	threads     int
	logger      zerolog.Logger
}

// New creates a Service. Empty paths default to the binaries on PATH.
func New(ffmpegPath, ffprobePath string, profiles Profiles, logger zerolog.Logger) *Service {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Service{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		profiles:    profiles,
		logger:      logger.With().Str("component", "ffmpeg").Logger(),
	}
}

// WithThreads limits the encoder thread count. Zero lets ffmpeg decide.
func (s *Service) WithThreads(n int) *Service {
	s.threads = n
	return s
}

// Profiles returns the encoder profile table in use.
func (s *Service) Profiles() Profiles {
	return s.profiles
}

// Available checks that both binaries can be found.
func (s *Service) Available() error {
	if _, err := exec.LookPath(s.ffmpegPath); err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if _, err := exec.LookPath(s.ffprobePath); err != nil {
		return fmt.Errorf("ffprobe not found: %w", err)
	}
	return nil
}

// baseArgs are prepended to every encoder invocation. Progress goes to
// stderr as key=value blocks.
func (s *Service) baseArgs() []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "warning", "-nostats"}
	if s.threads > 0 {
		args = append(args, "-threads", fmt.Sprintf("%d", s.threads))
	}
	return append(args, "-progress", "pipe:2")
}

// run executes a complete ffmpeg command that reads no stdin, reporting
// progress as it goes.
func (s *Service) run(ctx context.Context, stage string, args []string, onProgress func(Progress)) error {
	full := append(s.baseArgs(), args...)

	s.logger.Debug().
		Str("cmd", "ffmpeg").
		Str("stage", stage).
		Strs("args", full).
		Msg("executing ffmpeg")

	cmd := exec.CommandContext(ctx, s.ffmpegPath, full...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return &models.EncodeError{Stage: stage, Err: fmt.Errorf("failed to start ffmpeg: %w", err)}
	}

	tail := newTail(stderrTailLines)
	streamProgress(stderr, onProgress, tail.add)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return &models.EncodeError{Stage: stage, Stderr: tail.String(), Err: err}
	}

	s.logger.Debug().Str("stage", stage).Msg("ffmpeg execution completed")
	return nil
}

// CreateTempFile creates an empty temp file in dir and returns its path.
func CreateTempFile(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Cleanup removes temp files, ignoring the ones already gone.
func Cleanup(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// tail keeps the last n non-progress lines written by ffmpeg.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || isProgressLine(line) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, " | ")
}

// drain copies r to the tail until EOF.
func (t *tail) drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.add(scanner.Text())
	}
}
