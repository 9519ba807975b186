package capture

import (
	"time"

	"github.com/vzahanych/firewatch/internal/predict"
)

// Prediction is the last classification held by a session
type Prediction struct {
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	Message   string    `json:"message,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	At        time.Time `json:"at"`
}

func fromResult(res *predict.Result) Prediction {
	return Prediction{
		Label:     res.Label,
		Score:     res.Score,
		Message:   res.Message,
		ImagePath: res.ImagePath,
		At:        time.Now(),
	}
}

// Empty reports whether no prediction has been received yet
func (p Prediction) Empty() bool {
	return p.Label == ""
}

func (p Prediction) IsFire() bool {
	return p.Label == predict.LabelFire
}
