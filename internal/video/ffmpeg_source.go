package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
)

const maxJPEGSize = 16 << 20

// FFmpegSourceConfig describes an ffmpeg input
type FFmpegSourceConfig struct {
	Input       string // device path, RTSP URL or file
	InputFormat string // optional -f, e.g. v4l2
	Quality     int    // mjpeg -q:v, 2 (best) to 31
}

// FFmpegSource decodes any ffmpeg input into frames by reading an MJPEG pipe.
// The latest decoded frame is kept; older ones are dropped.
type FFmpegSource struct {
	ffmpeg *FFmpegWrapper
	config FFmpegSourceConfig
	logger *logger.Logger

	mu      sync.RWMutex
	state   State
	paused  bool
	latest  image.Image
	frames  uint64
	exitErr error
	cancel  context.CancelFunc
	done    chan struct{}
	ready   chan struct{}
	once    sync.Once
}

// NewFFmpegSource creates a source that is opened later
func NewFFmpegSource(ffmpeg *FFmpegWrapper, config FFmpegSourceConfig, log *logger.Logger) *FFmpegSource {
	return &FFmpegSource{
		ffmpeg: ffmpeg,
		config: config,
		logger: log,
		ready:  make(chan struct{}),
	}
}

func (s *FFmpegSource) Name() string {
	return "ffmpeg:" + s.config.Input
}

// Open starts ffmpeg and waits for the first frame. If ffmpeg exits before
// producing one, the input is treated as unavailable.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("ffmpeg source already opened")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := s.ffmpeg.BuildCommand(runCtx, mjpegArgs(s.config.Input, s.config.InputFormat, s.config.Quality))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(stdout, func() error {
		err := cmd.Wait()
		if err != nil && stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	})

	select {
	case <-s.ready:
		s.logger.Info("FFmpeg source opened", "input", s.config.Input)
		return nil
	case <-s.done:
		s.mu.RLock()
		exitErr := s.exitErr
		s.mu.RUnlock()
		if exitErr == nil {
			exitErr = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("input %s unavailable: %w", s.config.Input, exitErr)
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (s *FFmpegSource) readLoop(stdout io.Reader, wait func() error) {
	defer close(s.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 512<<10), maxJPEGSize)
	scanner.Split(splitJPEG)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			s.logger.Debug("Dropping undecodable frame", "error", err)
			continue
		}

		s.mu.Lock()
		s.latest = img
		s.frames++
		if s.state == StateNotReady {
			s.state = StatePlaying
		}
		s.mu.Unlock()
		s.once.Do(func() { close(s.ready) })
	}

	err := wait()
	if scanErr := scanner.Err(); scanErr != nil && err == nil {
		err = scanErr
	}

	s.mu.Lock()
	s.state = StateEnded
	s.exitErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("FFmpeg source ended", "input", s.config.Input, "error", err)
	} else {
		s.logger.Info("FFmpeg source ended", "input", s.config.Input)
	}
}

func (s *FFmpegSource) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.paused && s.state == StatePlaying {
		return StatePaused
	}
	return s.state
}

// Pause keeps draining ffmpeg but reports StatePaused
func (s *FFmpegSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *FFmpegSource) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *FFmpegSource) Grab() (*Frame, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StatePlaying || s.latest == nil {
		return nil, ErrNotReady
	}
	return &Frame{
		Image:     s.latest,
		Timestamp: time.Now(),
		Width:     s.latest.Bounds().Dx(),
		Height:    s.latest.Bounds().Dy(),
	}, nil
}

// FrameCount returns how many frames were decoded
func (s *FFmpegSource) FrameCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// Close stops ffmpeg and waits for the reader to exit
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// splitJPEG is a bufio.SplitFunc yielding complete JPEG images (SOI..EOI)
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF, it may begin the next marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
