package capture

import "time"

// Ticker is the display refresh signal driving the sampling loop
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type refreshTicker struct {
	t *time.Ticker
}

// NewRefreshTicker ticks rate times per second
func NewRefreshTicker(rate float64) Ticker {
	if rate <= 0 {
		rate = 60
	}
	return &refreshTicker{t: time.NewTicker(time.Duration(float64(time.Second) / rate))}
}

func (r *refreshTicker) C() <-chan time.Time { return r.t.C }
func (r *refreshTicker) Stop()               { r.t.Stop() }

// ManualTicker fires only when Tick is called
type ManualTicker struct {
	ch chan time.Time
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time)}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }
func (m *ManualTicker) Stop()               {}

// Tick blocks until the loop receives the tick
func (m *ManualTicker) Tick() {
	m.ch <- time.Now()
}
