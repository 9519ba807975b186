// Package upload implements the video upload form: one selection per client
// with a revocable preview file, submitted once to the prediction endpoint.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
)

var (
	// ErrNoFileSelected is returned when submitting without a selection
	ErrNoFileSelected = errors.New("no file selected")
	// ErrUnsupportedType is returned for anything that is not a video
	ErrUnsupportedType = errors.New("only video files are accepted")
	// ErrTooLarge is returned when the file exceeds the configured limit
	ErrTooLarge = errors.New("file too large")
)

const previewPrefix = "preview-"

// Predictor submits one artifact for classification
type Predictor interface {
	Predict(ctx context.Context, payload predict.Payload) (*predict.Result, error)
}

// IdentityStore provides the optional session identity sent with uploads
type IdentityStore interface {
	SessionEmail(ctx context.Context) (string, error)
}

// Recorder persists successful predictions
type Recorder interface {
	RecordPrediction(ctx context.Context, rec *state.PredictionRecord) error
}

// Config controls selection limits and preview lifetime
type Config struct {
	MaxSize    int64
	PreviewTTL time.Duration
	PreviewDir string
}

// Selection is a chosen file and its preview resource
type Selection struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`

	previewPath string
	lastSeen    time.Time
}

// PreviewPath returns the local file backing the preview
func (s *Selection) PreviewPath() string {
	return s.previewPath
}

// Form holds at most one selection per client
type Form struct {
	*service.ServiceBase
	cfg       Config
	predictor Predictor
	identity  IdentityStore
	recorder  Recorder
	metrics   *metrics.Metrics

	mu         sync.Mutex
	selections map[string]*Selection // by client id
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// NewForm creates an upload form. identity, recorder and m may be nil.
func NewForm(cfg Config, predictor Predictor, identity IdentityStore, recorder Recorder, m *metrics.Metrics, log *logger.Logger) *Form {
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = 30 * time.Minute
	}
	if m == nil {
		m = metrics.New()
	}
	return &Form{
		ServiceBase: service.NewServiceBase("upload-form", log),
		cfg:         cfg,
		predictor:   predictor,
		identity:    identity,
		recorder:    recorder,
		metrics:     m,
		selections:  make(map[string]*Selection),
		now:         time.Now,
	}
}

// Start prepares the preview directory, removes previews left by a previous
// run and starts expiring idle selections.
func (f *Form) Start(ctx context.Context) error {
	f.GetStatus().SetStatus(service.StatusStarting)

	if err := os.MkdirAll(f.cfg.PreviewDir, 0755); err != nil {
		f.GetStatus().SetError(err)
		return fmt.Errorf("failed to create preview directory: %w", err)
	}
	if n := f.removeStale(); n > 0 {
		f.LogInfo("Removed stale previews", "count", n)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.sweepLoop(sweepCtx)

	f.GetStatus().SetStatus(service.StatusRunning)
	f.LogInfo("Upload form ready", "preview_dir", f.cfg.PreviewDir, "max_size", f.cfg.MaxSize)
	return nil
}

// Stop releases every preview
func (f *Form) Stop(ctx context.Context) error {
	f.GetStatus().SetStatus(service.StatusStopping)
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}

	f.mu.Lock()
	ids := make([]string, 0, len(f.selections))
	for id := range f.selections {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Release(id)
	}

	f.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Select stores r as the client's selection, replacing and releasing any
// previous one.
func (f *Form) Select(clientID, filename, contentType string, r io.Reader) (*Selection, error) {
	if !isVideo(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	tmp, err := os.CreateTemp(f.cfg.PreviewDir, previewPrefix+"*"+safeExt(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create preview: %w", err)
	}

	src := r
	if f.cfg.MaxSize > 0 {
		src = io.LimitReader(r, f.cfg.MaxSize+1)
	}
	size, err := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to store preview: %w", err)
	}
	if f.cfg.MaxSize > 0 && size > f.cfg.MaxSize {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, f.cfg.MaxSize)
	}

	now := f.now()
	sel := &Selection{
		ID:          uuid.New().String(),
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Size:        size,
		CreatedAt:   now,
		previewPath: tmp.Name(),
		lastSeen:    now,
	}

	f.mu.Lock()
	prev := f.selections[clientID]
	f.selections[clientID] = sel
	f.mu.Unlock()

	if prev != nil {
		f.releasePreview(prev)
	}
	f.metrics.UploadSelections.Add(1)
	f.LogDebug("File selected", "client", clientID, "filename", sel.Filename, "size", size)
	return sel, nil
}

// MaxSize is the largest accepted file in bytes, 0 when unlimited
func (f *Form) MaxSize() int64 {
	return f.cfg.MaxSize
}

// Current returns the client's selection and marks it as seen
func (f *Form) Current(clientID string) (*Selection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.selections[clientID]
	if ok {
		sel.lastSeen = f.now()
	}
	return sel, ok
}

// OpenPreview opens the client's preview file for streaming
func (f *Form) OpenPreview(clientID string) (*os.File, *Selection, error) {
	sel, ok := f.Current(clientID)
	if !ok {
		return nil, nil, ErrNoFileSelected
	}
	file, err := os.Open(sel.previewPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open preview: %w", err)
	}
	return file, sel, nil
}

// Release drops the client's selection and its preview
func (f *Form) Release(clientID string) bool {
	f.mu.Lock()
	sel, ok := f.selections[clientID]
	delete(f.selections, clientID)
	f.mu.Unlock()

	if ok {
		f.releasePreview(sel)
	}
	return ok
}

// Submit sends the client's selection to the prediction endpoint once.
// Without a selection nothing is sent. On success the selection is released
// because the client navigates away from the form; on failure it is kept.
func (f *Form) Submit(ctx context.Context, clientID string) (*predict.Result, error) {
	sel, ok := f.Current(clientID)
	if !ok {
		f.LogInfo("Submit without a file", "client", clientID)
		return nil, ErrNoFileSelected
	}

	file, err := os.Open(sel.previewPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open selection: %w", err)
	}
	defer file.Close()

	email := f.sessionEmail(ctx)
	observe := f.metrics.ObserveSubmission(metrics.SourceUpload)
	res, err := f.predictor.Predict(ctx, predict.Payload{
		Filename:    sel.Filename,
		ContentType: sel.ContentType,
		Body:        file,
		Email:       email,
	})
	if err != nil {
		observe("", err)
		f.LogError("Upload prediction failed", err, "filename", sel.Filename)
		return nil, err
	}
	observe(res.Label, nil)

	f.LogInfo("Upload classified", "filename", sel.Filename, "result", res.Label, "score", res.Score)
	f.record(ctx, email, res)

	data := map[string]interface{}{
		"source":     state.SourceUpload,
		"label":      res.Label,
		"score":      res.Score,
		"email":      email,
		"filename":   sel.Filename,
		"message":    res.Message,
		"image_path": res.ImagePath,
	}
	f.PublishEvent(service.EventTypeUploadSubmitted, data)
	f.PublishEvent(service.EventTypePrediction, data)
	if res.IsFire() {
		f.PublishEvent(service.EventTypeFireDetected, data)
	}

	f.Release(clientID)
	return res, nil
}

func (f *Form) sessionEmail(ctx context.Context) string {
	if f.identity == nil {
		return ""
	}
	email, err := f.identity.SessionEmail(ctx)
	if err != nil {
		f.LogWarn("Failed to read session identity", "error", err)
		return ""
	}
	return email
}

func (f *Form) record(ctx context.Context, email string, res *predict.Result) {
	if f.recorder == nil {
		return
	}
	rec := &state.PredictionRecord{
		Source:    state.SourceUpload,
		Label:     res.Label,
		Score:     res.Score,
		Message:   res.Message,
		ImagePath: res.ImagePath,
		Email:     email,
	}
	if err := f.recorder.RecordPrediction(ctx, rec); err != nil {
		f.LogWarn("Failed to record prediction", "error", err)
	}
}

func (f *Form) releasePreview(sel *Selection) {
	if err := os.Remove(sel.previewPath); err != nil && !os.IsNotExist(err) {
		f.LogWarn("Failed to remove preview", "path", sel.previewPath, "error", err)
		return
	}
	f.metrics.PreviewsReleased.Add(1)
}

func (f *Form) sweepLoop(ctx context.Context) {
	defer close(f.done)

	interval := f.cfg.PreviewTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.expire(); n > 0 {
				f.LogDebug("Expired idle selections", "count", n)
			}
		}
	}
}

// expire releases selections idle for longer than the preview TTL
func (f *Form) expire() int {
	cutoff := f.now().Add(-f.cfg.PreviewTTL)

	f.mu.Lock()
	var expired []*Selection
	for id, sel := range f.selections {
		if sel.lastSeen.Before(cutoff) {
			expired = append(expired, sel)
			delete(f.selections, id)
		}
	}
	f.mu.Unlock()

	for _, sel := range expired {
		f.releasePreview(sel)
	}
	return len(expired)
}

func (f *Form) removeStale() int {
	matches, err := filepath.Glob(filepath.Join(f.cfg.PreviewDir, previewPrefix+"*"))
	if err != nil {
		return 0
	}
	removed := 0
	for _, path := range matches {
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}

func isVideo(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "video/")
}

func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
