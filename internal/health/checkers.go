package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vzahanych/firewatch/internal/camera"
)

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	dbPath string
}

func NewDatabaseChecker(dbPath string) *DatabaseChecker {
	return &DatabaseChecker{dbPath: dbPath}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	if c.dbPath == "" {
		check.Status = StatusDegraded
		check.Message = "Database path not configured"
		return check
	}

	if _, err := os.Stat(c.dbPath); os.IsNotExist(err) {
		// first run
		check.Status = StatusHealthy
		check.Message = "Database file will be created on first use"
		check.Details["file_exists"] = false
		return check
	}

	db, err := sql.Open("sqlite3", c.dbPath)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to open database: %v", err)
		return check
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	check.Details["file_exists"] = true
	return check
}

// EndpointProbe is implemented by the prediction client
type EndpointProbe interface {
	HealthCheck(ctx context.Context) error
	Endpoint() string
}

// PredictChecker checks that the prediction endpoint answers.
// An unreachable endpoint degrades the service: uploads and captures fail
// with a notice but the UI keeps working.
type PredictChecker struct {
	probe   EndpointProbe
	timeout time.Duration
}

func NewPredictChecker(probe EndpointProbe) *PredictChecker {
	return &PredictChecker{probe: probe, timeout: 3 * time.Second}
}

func (c *PredictChecker) Name() string {
	return "predict_endpoint"
}

func (c *PredictChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"url": c.probe.Endpoint()},
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.probe.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Prediction endpoint unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Prediction endpoint is reachable"
	return check
}

// DeviceLister is implemented by the camera discovery service
type DeviceLister interface {
	Devices() []camera.Device
}

// CameraChecker reports whether any local camera is present
type CameraChecker struct {
	lister DeviceLister
}

func NewCameraChecker(lister DeviceLister) *CameraChecker {
	return &CameraChecker{lister: lister}
}

func (c *CameraChecker) Name() string {
	return "camera"
}

func (c *CameraChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	devices := c.lister.Devices()
	paths := make([]string, 0, len(devices))
	for _, d := range devices {
		paths = append(paths, d.Path)
	}
	check.Details["devices"] = paths

	if len(devices) == 0 {
		check.Status = StatusDegraded
		check.Message = "No camera devices found, live capture unavailable"
		return check
	}

	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%d camera device(s) present", len(devices))
	return check
}

// StorageChecker checks that the preview directory is writable
type StorageChecker struct {
	previewDir string
}

func NewStorageChecker(previewDir string) *StorageChecker {
	return &StorageChecker{previewDir: previewDir}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"preview_dir": c.previewDir},
	}

	if err := os.MkdirAll(c.previewDir, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create preview directory: %v", err)
		return check
	}

	probe, err := os.CreateTemp(c.previewDir, ".probe-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Preview directory not writable: %v", err)
		return check
	}
	probe.Close()
	os.Remove(filepath.Clean(probe.Name()))

	check.Status = StatusHealthy
	check.Message = "Preview directory writable"
	return check
}
