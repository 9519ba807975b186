package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/state"
)

// ReceivedFile is one multipart request seen by the fake endpoint
type ReceivedFile struct {
	Filename    string
	ContentType string
	Email       string
	Size        int
}

// PredictEndpoint is an in-process stand-in for the prediction service
type PredictEndpoint struct {
	*httptest.Server

	mu       sync.Mutex
	result   predict.Result
	status   int
	received []ReceivedFile
}

func newPredictEndpoint(t *testing.T) *PredictEndpoint {
	e := &PredictEndpoint{
		result: predict.Result{Label: "no_fire", Score: 0.1},
		status: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(predict.PredictPath, e.serve)
	e.Server = httptest.NewServer(mux)
	t.Cleanup(e.Close)
	return e
}

func (e *PredictEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing file"})
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	e.mu.Lock()
	e.received = append(e.received, ReceivedFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Email:       r.FormValue("email"),
		Size:        len(data),
	})
	status, result := e.status, e.result
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status != http.StatusOK {
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "model unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(result)
}

// Respond sets the classification returned from now on
func (e *PredictEndpoint) Respond(res predict.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = res
	e.status = http.StatusOK
}

// Fail makes the endpoint answer with status
func (e *PredictEndpoint) Fail(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

// Received returns a copy of the requests seen so far
func (e *PredictEndpoint) Received() []ReceivedFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ReceivedFile(nil), e.received...)
}

// TestEnvironment provides a test environment for integration tests
type TestEnvironment struct {
	TempDir  string
	Config   *config.Config
	StateMgr *state.Manager
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Endpoint *PredictEndpoint
	Client   *predict.Client
}

// SetupTestEnvironment creates a test environment
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	tmpDir := t.TempDir()
	endpoint := newPredictEndpoint(t)

	cfg := config.Default()
	cfg.Firewatch.DataDir = filepath.Join(tmpDir, "data")
	cfg.Upload.PreviewDir = filepath.Join(tmpDir, "previews")
	cfg.Predict.Endpoint = endpoint.URL
	cfg.Predict.Timeout = 5 * time.Second
	cfg.Log = config.LogConfig{Level: "debug", Format: "text"}

	log := logger.NewNopLogger()

	stateMgr, err := state.NewManager(cfg.DatabasePath(), log)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	t.Cleanup(func() { stateMgr.Close() })

	return &TestEnvironment{
		TempDir:  tmpDir,
		Config:   cfg,
		StateMgr: stateMgr,
		Logger:   log,
		Metrics:  metrics.New(),
		Endpoint: endpoint,
		Client: predict.NewClient(predict.ClientConfig{
			Endpoint: cfg.Predict.Endpoint,
			Timeout:  cfg.Predict.Timeout,
		}, log),
	}
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}
	return false
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
