package capture

import "errors"

var (
	// ErrCameraUnavailable means camera access was denied or the device is
	// missing. The loop never starts.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrNoSessionIdentity means no session email is stored, so processing
	// stays disabled.
	ErrNoSessionIdentity = errors.New("no session identity")
	// ErrNotActive is returned by operations that need a live session
	ErrNotActive = errors.New("capture session not active")
	// ErrVideoNotReady is returned by manual capture before the video plays
	ErrVideoNotReady = errors.New("video not ready")
	// ErrPauseUnsupported is returned when the camera source cannot pause
	ErrPauseUnsupported = errors.New("source cannot pause")
)
