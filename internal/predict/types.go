package predict

import (
	"errors"
	"io"
)

// LabelFire is the only label treated as a positive detection.
const LabelFire = "fire"

// ErrBadResponse is returned when the endpoint answers with a non-2xx status
// or a body that is not a prediction.
var ErrBadResponse = errors.New("bad prediction response")

// Payload is one artifact submitted for classification
type Payload struct {
	Filename    string    // reported in the multipart part, e.g. frame.png
	ContentType string    // e.g. image/png or video/mp4
	Body        io.Reader // file contents
	Email       string    // optional session identifier, sent as the email field
}

// Result is the classification returned by the endpoint
type Result struct {
	Label     string  `json:"result"`
	Score     float64 `json:"score"` // 0 when absent
	Message   string  `json:"message,omitempty"`
	ImagePath string  `json:"image_path,omitempty"`
}

// IsFire reports whether the result is a positive detection
func (r Result) IsFire() bool {
	return r.Label == LabelFire
}

// errorBody is the shape of the endpoint's error responses
type errorBody struct {
	Error string `json:"error"`
}
