package video

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// State mirrors the playback readiness of a live video surface
type State int

const (
	StateNotReady State = iota // no frame decoded yet
	StatePlaying
	StatePaused
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNotReady:
		return "not_ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Ready reports whether a frame can be grabbed in this state
func (s State) Ready() bool {
	return s == StatePlaying
}

var (
	// ErrNotReady is returned by Grab before the first frame or after the end
	ErrNotReady = errors.New("video source not ready")
	// ErrClosed is returned when using a closed source
	ErrClosed = errors.New("video source closed")
)

// Frame represents a single decoded video frame at native resolution
type Frame struct {
	Image     image.Image
	Timestamp time.Time
	Width     int
	Height    int
}

// NewFrame wraps img with its dimensions and the current time
func NewFrame(img image.Image) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:     img,
		Timestamp: time.Now(),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
}

// Source is a live camera stream owned by one capture session
type Source interface {
	// Open acquires the device. Failure means access was denied or the
	// device is unavailable.
	Open(ctx context.Context) error
	// State reports readiness without blocking
	State() State
	// Grab returns the current frame
	Grab() (*Frame, error)
	// Close releases the device. It is safe to call more than once.
	Close() error
	Name() string
}

// Pauser is implemented by sources that can hold playback without
// releasing the device
type Pauser interface {
	Pause()
	Resume()
}

// MemorySource plays a fixed list of frames, looping over them.
// It stands in for a camera in tests and demos.
type MemorySource struct {
	name    string
	frames  []image.Image
	openErr error

	mu     sync.Mutex
	state  State
	paused bool
	next   int
	opened bool
	closed bool
	grabs  int
}

// NewMemorySource creates a source that plays frames in order
func NewMemorySource(name string, frames ...image.Image) *MemorySource {
	return &MemorySource{name: name, frames: frames}
}

// FailOpen makes Open return err, simulating a denied camera
func (m *MemorySource) FailOpen(err error) *MemorySource {
	m.openErr = err
	return m
}

func (m *MemorySource) Name() string {
	return m.name
}

func (m *MemorySource) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	if m.closed {
		return ErrClosed
	}
	m.opened = true
	if len(m.frames) > 0 {
		m.state = StatePlaying
	}
	return nil
}

func (m *MemorySource) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

func (m *MemorySource) current() State {
	if m.paused && m.state == StatePlaying {
		return StatePaused
	}
	return m.state
}

func (m *MemorySource) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *MemorySource) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// SetState forces the playback state
func (m *MemorySource) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *MemorySource) Grab() (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if !m.current().Ready() || len(m.frames) == 0 {
		return nil, ErrNotReady
	}
	img := m.frames[m.next%len(m.frames)]
	m.next++
	m.grabs++
	return NewFrame(img), nil
}

// Grabs returns how many frames were read
func (m *MemorySource) Grabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabs
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.state = StateEnded
	return nil
}

// Closed reports whether Close was called
func (m *MemorySource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
