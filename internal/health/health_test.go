package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/camera"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
)

type stubProbe struct{ err error }

func (s stubProbe) HealthCheck(ctx context.Context) error { return s.err }
func (s stubProbe) Endpoint() string                      { return "http://predict.local/api/predict" }

type stubDevices []camera.Device

func (s stubDevices) Devices() []camera.Device { return s }

type fixedChecker struct {
	name   string
	status Status
}

func (f fixedChecker) Name() string { return f.name }
func (f fixedChecker) Check(ctx context.Context) Check {
	return Check{Name: f.name, Status: f.status}
}

func TestManager_AggregatesWorstStatus(t *testing.T) {
	m := NewManager(logger.NewNopLogger(), nil)
	m.RegisterChecker(fixedChecker{"a", StatusHealthy})
	assert.Equal(t, StatusHealthy, m.Check(context.Background()).Status)

	m.RegisterChecker(fixedChecker{"b", StatusDegraded})
	assert.Equal(t, StatusDegraded, m.Check(context.Background()).Status)

	m.RegisterChecker(fixedChecker{"c", StatusUnhealthy})
	m.RegisterChecker(fixedChecker{"d", StatusDegraded})
	report := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Len(t, report.Checks, 4)
}

func TestManager_Endpoints(t *testing.T) {
	svcMgr := service.NewManager(logger.NewNopLogger())
	m := NewManager(logger.NewNopLogger(), svcMgr)
	m.RegisterChecker(fixedChecker{"predict_endpoint", StatusDegraded})

	tests := []struct {
		path       string
		wantStatus int
		wantKey    string
	}{
		{"/health", http.StatusOK, "checks"},
		{"/health/live", http.StatusOK, "status"},
		{"/health/ready", http.StatusOK, "ready"},
		{"/health/services", http.StatusOK, "services"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Contains(t, body, tt.wantKey)
		})
	}
}

func TestManager_UnhealthyIsNotReady(t *testing.T) {
	m := NewManager(logger.NewNopLogger(), nil)
	m.RegisterChecker(fixedChecker{"database", StatusUnhealthy})

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"ready":false`)
}

func TestDatabaseChecker(t *testing.T) {
	missing := NewDatabaseChecker(filepath.Join(t.TempDir(), "none.db"))
	assert.Equal(t, StatusHealthy, missing.Check(context.Background()).Status)

	assert.Equal(t, StatusDegraded, NewDatabaseChecker("").Check(context.Background()).Status)

	dbPath := filepath.Join(t.TempDir(), "db", "firewatch.db")
	mgr, err := state.NewManager(dbPath, logger.NewNopLogger())
	require.NoError(t, err)
	defer mgr.Close()

	check := NewDatabaseChecker(dbPath).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, true, check.Details["file_exists"])
}

func TestPredictChecker(t *testing.T) {
	ok := NewPredictChecker(stubProbe{}).Check(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	down := NewPredictChecker(stubProbe{err: errors.New("connection refused")}).Check(context.Background())
	assert.Equal(t, StatusDegraded, down.Status)
	assert.Contains(t, down.Message, "connection refused")
	assert.Equal(t, "http://predict.local/api/predict", down.Details["url"])
}

func TestCameraChecker(t *testing.T) {
	none := NewCameraChecker(stubDevices(nil)).Check(context.Background())
	assert.Equal(t, StatusDegraded, none.Status)

	some := NewCameraChecker(stubDevices{{Path: "/dev/video0", Index: 0, Name: "USB Camera"}}).Check(context.Background())
	assert.Equal(t, StatusHealthy, some.Status)
	assert.Equal(t, []string{"/dev/video0"}, some.Details["devices"])
}

func TestStorageChecker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "previews")
	check := NewStorageChecker(dir).Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.DirExists(t, dir)
}
