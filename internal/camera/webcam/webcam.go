// Package webcam reads frames from a local camera through OpenCV.
package webcam

import (
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/video"
)

// maxReadFailures consecutive failed reads end the stream
const maxReadFailures = 30

// Config selects the device and an optional capture resolution
type Config struct {
	DeviceID int
	Width    int // 0 keeps the device default
	Height   int
}

// Source is a video.Source backed by gocv.VideoCapture
type Source struct {
	config Config
	logger *logger.Logger

	mu       sync.Mutex
	cam      *gocv.VideoCapture
	mat      gocv.Mat
	state    video.State
	paused   bool
	failures int
	closed   bool
}

// New creates a webcam source; the device is opened by Open
func New(config Config, log *logger.Logger) *Source {
	return &Source{config: config, logger: log}
}

func (s *Source) Name() string {
	return fmt.Sprintf("webcam:%d", s.config.DeviceID)
}

// Open acquires the device. A device that cannot be opened maps to a
// denied camera for the caller.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return video.ErrClosed
	}
	if s.cam != nil {
		return nil
	}

	cam, err := gocv.VideoCaptureDevice(s.config.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to open device %d: %w", s.config.DeviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return fmt.Errorf("device %d is not available", s.config.DeviceID)
	}
	if s.config.Width > 0 && s.config.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(s.config.Width))
		cam.Set(gocv.VideoCaptureFrameHeight, float64(s.config.Height))
	}

	s.cam = cam
	s.mat = gocv.NewMat()
	s.state = video.StatePlaying
	s.logger.Info("Webcam opened", "device_id", s.config.DeviceID)
	return nil
}

func (s *Source) State() video.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused && s.state == video.StatePlaying {
		return video.StatePaused
	}
	return s.state
}

func (s *Source) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Source) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Grab reads the next frame from the device
func (s *Source) Grab() (*video.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, video.ErrClosed
	}
	if s.cam == nil || s.state != video.StatePlaying {
		return nil, video.ErrNotReady
	}

	if ok := s.cam.Read(&s.mat); !ok || s.mat.Empty() {
		s.failures++
		if s.failures >= maxReadFailures {
			s.state = video.StateEnded
			s.logger.Warn("Webcam stopped delivering frames", "device_id", s.config.DeviceID)
		}
		return nil, fmt.Errorf("cannot read frame from device %d", s.config.DeviceID)
	}
	s.failures = 0

	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return video.NewFrame(img), nil
}

// Close stops the device. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.state = video.StateEnded

	var err error
	if s.cam != nil {
		err = s.cam.Close()
		s.mat.Close()
		s.cam = nil
		s.logger.Info("Webcam released", "device_id", s.config.DeviceID)
	}
	return err
}
