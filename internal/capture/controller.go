// Package capture runs the live capture loop: it samples frames from a camera
// on every refresh tick, forwards every Nth sampled frame to the prediction
// endpoint and overlays the last held prediction on the displayed frame.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/video"
)

// Predictor submits one artifact for classification
type Predictor interface {
	Predict(ctx context.Context, payload predict.Payload) (*predict.Result, error)
}

// IdentityStore provides the persisted session identity
type IdentityStore interface {
	SessionEmail(ctx context.Context) (string, error)
}

// Recorder persists successful predictions
type Recorder interface {
	RecordPrediction(ctx context.Context, rec *state.PredictionRecord) error
}

// Display receives the overlaid surface as JPEG after each sampled tick
type Display interface {
	UpdateJPEG(jpeg []byte)
}

// Config controls sampling
type Config struct {
	RefreshRate float64 // ticks per second
	SubmitEvery int     // submit when the frame count is a multiple of this
	MaxWidth    int     // downscale wider frames, 0 keeps native size
	JPEGQuality int     // display stream quality
}

// Options wires the controller's collaborators. Recorder, Display, Metrics
// and NewTicker are optional.
type Options struct {
	Config    Config
	Predictor Predictor
	Identity  IdentityStore
	NewSource func() video.Source
	Recorder  Recorder
	Display   Display
	Metrics   *metrics.Metrics
	NewTicker func(rate float64) Ticker
}

// Status is a snapshot of the current session for the UI
type Status struct {
	Active     bool       `json:"active"`
	Source     string     `json:"source,omitempty"`
	State      string     `json:"state"`
	FrameCount uint64     `json:"frame_count"`
	InFlight   bool       `json:"in_flight"`
	Last       Prediction `json:"last"`
}

// Controller owns at most one capture session at a time
type Controller struct {
	*service.ServiceBase
	cfg       Config
	predictor Predictor
	identity  IdentityStore
	newSource func() video.Source
	recorder  Recorder
	display   Display
	metrics   *metrics.Metrics
	newTicker func(rate float64) Ticker

	mu     sync.Mutex
	active *run

	statusMu sync.RWMutex
	status   Status
}

// run is the handle on a running loop goroutine
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	frames chan frameRequest
	pauses chan pauseRequest
}

// session is owned exclusively by the loop goroutine
type session struct {
	source     video.Source
	email      string
	frameCount uint64
	inFlight   bool
	last       Prediction
	results    chan submission
}

type submission struct {
	result *predict.Result
	err    error
}

type frameRequest struct {
	reply chan frameReply
}

type frameReply struct {
	png   []byte
	email string
	err   error
}

type pauseRequest struct {
	paused bool
	reply  chan error
}

// NewController creates a capture controller
func NewController(opts Options, log *logger.Logger) *Controller {
	cfg := opts.Config
	if cfg.SubmitEvery <= 0 {
		cfg.SubmitEvery = 5
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = 60
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}

	c := &Controller{
		ServiceBase: service.NewServiceBase("capture", log),
		cfg:         cfg,
		predictor:   opts.Predictor,
		identity:    opts.Identity,
		newSource:   opts.NewSource,
		recorder:    opts.Recorder,
		display:     opts.Display,
		metrics:     opts.Metrics,
		newTicker:   opts.NewTicker,
		status:      Status{State: video.StateNotReady.String()},
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.newTicker == nil {
		c.newTicker = NewRefreshTicker
	}
	return c
}

// Start marks the service running. Sessions are activated on demand.
func (c *Controller) Start(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Capture controller ready",
		"refresh_rate", c.cfg.RefreshRate,
		"submit_every", c.cfg.SubmitEvery,
	)
	return nil
}

// Stop tears down any active session
func (c *Controller) Stop(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStopping)
	c.Deactivate()
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Active reports whether a session is running
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Status returns the latest session snapshot
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Activate reads the session identity, opens the camera and starts the
// sampling loop. It is a no-op when a session is already active.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil
	}

	email, err := c.identity.SessionEmail(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session identity: %w", err)
	}
	if email == "" {
		c.LogWarn("Capture not started, no session identity")
		return ErrNoSessionIdentity
	}

	src := c.newSource()
	if err := src.Open(ctx); err != nil {
		_ = src.Close()
		c.metrics.CameraDenied.Add(1)
		c.LogWarn("Camera unavailable", "source", src.Name(), "error", err)
		c.PublishEvent(service.EventTypeCameraDenied, map[string]interface{}{
			"source": src.Name(),
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		frames: make(chan frameRequest),
		pauses: make(chan pauseRequest),
	}
	sess := &session{
		source:  src,
		email:   email,
		results: make(chan submission, 1),
	}
	c.active = r

	c.statusMu.Lock()
	c.status = Status{Active: true, Source: src.Name(), State: src.State().String()}
	c.statusMu.Unlock()
	metrics.SetFlag(&c.metrics.SessionActive, true)

	go c.loop(sessCtx, sess, r)

	c.LogInfo("Capture session started", "source", src.Name())
	c.PublishEvent(service.EventTypeCaptureStarted, map[string]interface{}{
		"source": src.Name(),
	})
	return nil
}

// Deactivate cancels the pending tick, releases the camera and discards any
// result still in flight. It waits for the loop to exit.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r != nil {
		c.stopRun(r)
	}
}

// stopRun ends r if it is still the active session
func (c *Controller) stopRun(r *run) bool {
	c.mu.Lock()
	if c.active != r {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	c.mu.Unlock()

	r.cancel()
	<-r.done
	return true
}

// SetPaused holds or resumes playback of the active session. Ticks are
// skipped while paused.
func (c *Controller) SetPaused(ctx context.Context, paused bool) error {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return ErrNotActive
	}

	reply := make(chan error, 1)
	select {
	case r.pauses <- pauseRequest{paused: paused, reply: reply}:
	case <-r.done:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop(ctx context.Context, s *session, r *run) {
	ticker := c.newTicker(c.cfg.RefreshRate)
	defer func() {
		ticker.Stop()
		if err := s.source.Close(); err != nil {
			c.LogWarn("Failed to release camera", "error", err)
		}

		c.statusMu.Lock()
		c.status.Active = false
		c.status.InFlight = false
		c.status.State = video.StateEnded.String()
		c.statusMu.Unlock()
		metrics.SetFlag(&c.metrics.SessionActive, false)
		metrics.SetFlag(&c.metrics.InFlight, false)

		c.LogInfo("Capture session stopped", "frames", s.frameCount)
		c.PublishEvent(service.EventTypeCaptureStopped, map[string]interface{}{
			"source": s.source.Name(),
			"frames": s.frameCount,
		})
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.tick(ctx, s)
		case sub := <-s.results:
			c.settle(ctx, s, sub)
		case req := <-r.frames:
			req.reply <- c.grabForCapture(s)
		case req := <-r.pauses:
			err := c.setPaused(s, req.paused)
			c.snapshot(s)
			req.reply <- err
			continue
		}
		c.snapshot(s)
	}
}

// tick runs one sampling step
func (c *Controller) tick(ctx context.Context, s *session) {
	c.metrics.Ticks.Add(1)

	if s.inFlight {
		c.metrics.SkippedInFlight.Add(1)
		return
	}
	if !s.source.State().Ready() {
		c.metrics.SkippedNotReady.Add(1)
		return
	}

	s.inFlight = true
	frame, err := s.source.Grab()
	if err != nil {
		s.inFlight = false
		c.metrics.GrabErrors.Add(1)
		c.LogDebug("Frame grab failed", "error", err)
		return
	}
	surface := drawSurface(frame, c.cfg.MaxWidth)
	s.frameCount++
	c.metrics.SampledTicks.Add(1)

	if s.frameCount%uint64(c.cfg.SubmitEvery) == 0 {
		data, err := encodePNG(surface)
		if err != nil {
			s.inFlight = false
			c.LogError("Failed to encode frame", err)
		} else {
			c.submit(ctx, s, data)
		}
	} else {
		s.inFlight = false
	}

	c.show(surface, s.last)
}

// submit posts the frame without blocking the loop. The result comes back on
// s.results unless the session ends first.
func (c *Controller) submit(ctx context.Context, s *session, data []byte) {
	metrics.SetFlag(&c.metrics.InFlight, true)
	observe := c.metrics.ObserveSubmission(metrics.SourceLive)
	results := s.results
	payload := predict.Payload{
		Filename:    "frame.png",
		ContentType: "image/png",
		Body:        bytes.NewReader(data),
		Email:       s.email,
	}

	go func() {
		res, err := c.predictor.Predict(ctx, payload)
		label := ""
		if res != nil {
			label = res.Label
		}
		observe(label, err)

		select {
		case results <- submission{result: res, err: err}:
		case <-ctx.Done():
		}
	}()
}

// settle applies a finished background request
func (c *Controller) settle(ctx context.Context, s *session, sub submission) {
	s.inFlight = false
	metrics.SetFlag(&c.metrics.InFlight, false)

	if ctx.Err() != nil {
		return
	}
	if sub.err != nil {
		c.LogWarn("Background prediction failed", "error", sub.err)
		return
	}

	s.last = fromResult(sub.result)
	c.handleResult(ctx, state.SourceLive, s.email, sub.result)
}

func (c *Controller) setPaused(s *session, paused bool) error {
	p, ok := s.source.(video.Pauser)
	if !ok {
		return ErrPauseUnsupported
	}
	if paused {
		p.Pause()
		c.LogInfo("Capture paused", "frames", s.frameCount)
	} else {
		p.Resume()
		c.LogInfo("Capture resumed", "frames", s.frameCount)
	}
	return nil
}

// grabForCapture draws and encodes the current frame for manual capture.
// It does not touch the frame counter or the in-flight flag.
func (c *Controller) grabForCapture(s *session) frameReply {
	if !s.source.State().Ready() {
		return frameReply{err: ErrVideoNotReady}
	}
	frame, err := s.source.Grab()
	if err != nil {
		return frameReply{err: fmt.Errorf("failed to grab frame: %w", err)}
	}
	data, err := encodePNG(drawSurface(frame, c.cfg.MaxWidth))
	return frameReply{png: data, email: s.email, err: err}
}

// Capture classifies the current frame once. On success the held prediction
// is updated and the session is deactivated, as the caller navigates away.
// On failure the session keeps running.
func (c *Controller) Capture(ctx context.Context) (*Prediction, error) {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()
	if r == nil {
		return nil, ErrNotActive
	}

	reply := make(chan frameReply, 1)
	select {
	case r.frames <- frameRequest{reply: reply}:
	case <-r.done:
		return nil, ErrNotActive
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var fr frameReply
	select {
	case fr = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fr.err != nil {
		return nil, fr.err
	}

	observe := c.metrics.ObserveSubmission(metrics.SourceManual)
	res, err := c.predictor.Predict(ctx, predict.Payload{
		Filename:    "capture.png",
		ContentType: "image/png",
		Body:        bytes.NewReader(fr.png),
		Email:       fr.email,
	})
	if err != nil {
		observe("", err)
		c.LogError("Manual capture failed", err)
		return nil, err
	}
	observe(res.Label, nil)

	p := fromResult(res)
	c.handleResult(ctx, state.SourceManual, fr.email, res)

	// a session started while the request ran is left alone
	if !c.stopRun(r) && c.Active() {
		return &p, nil
	}
	c.statusMu.Lock()
	c.status.Last = p
	c.statusMu.Unlock()
	return &p, nil
}

// handleResult records and announces a successful prediction
func (c *Controller) handleResult(ctx context.Context, source, email string, res *predict.Result) {
	if c.recorder != nil {
		rec := &state.PredictionRecord{
			Source:    source,
			Label:     res.Label,
			Score:     res.Score,
			Message:   res.Message,
			ImagePath: res.ImagePath,
			Email:     email,
		}
		if err := c.recorder.RecordPrediction(ctx, rec); err != nil {
			c.LogWarn("Failed to record prediction", "error", err)
		}
	}

	data := map[string]interface{}{
		"source":     source,
		"label":      res.Label,
		"score":      res.Score,
		"email":      email,
		"message":    res.Message,
		"image_path": res.ImagePath,
	}
	c.PublishEvent(service.EventTypePrediction, data)

	if res.IsFire() {
		c.LogWarn("Fire detected, alerting", "source", source, "email", email, "score", res.Score)
		c.PublishEvent(service.EventTypeFireDetected, data)
	}
}

// show overlays the held prediction and pushes the surface to the display
func (c *Controller) show(surface *image.NRGBA, last Prediction) {
	if c.display == nil {
		return
	}
	drawOverlay(surface, last)
	data, err := encodeJPEG(surface, c.cfg.JPEGQuality)
	if err != nil {
		c.LogDebug("Display encode failed", "error", err)
		return
	}
	c.display.UpdateJPEG(data)
}

func (c *Controller) snapshot(s *session) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status.FrameCount = s.frameCount
	c.status.InFlight = s.inFlight
	c.status.Last = s.last
	c.status.State = s.source.State().String()
}
