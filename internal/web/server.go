package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/firewatch/internal/camera"
	"github.com/vzahanych/firewatch/internal/capture"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/upload"
)

//go:embed templates/*.html
var templateFiles embed.FS

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	uploadForm UploadForm        // Optional upload form
	capture    CaptureController // Optional live capture
	session    SessionStore      // Optional session identity store
	history    HistoryStore      // Optional prediction history
	devices    DeviceLister      // Optional camera discovery
	metrics    *metrics.Metrics  // Optional Prometheus metrics
	liveStream http.Handler      // Optional MJPEG display stream
	version    string
	startTime  time.Time

	outcomesMu sync.Mutex
	outcomes   map[string]storedOutcome // last classification per client
	now        func() time.Time
}

// UploadForm is the upload flow served by the index page
type UploadForm interface {
	MaxSize() int64
	Select(clientID, filename, contentType string, r io.Reader) (*upload.Selection, error)
	Current(clientID string) (*upload.Selection, bool)
	OpenPreview(clientID string) (*os.File, *upload.Selection, error)
	Release(clientID string) bool
	Submit(ctx context.Context, clientID string) (*predict.Result, error)
}

// CaptureController is the live capture session behind the live page
type CaptureController interface {
	Activate(ctx context.Context) error
	Deactivate()
	Capture(ctx context.Context) (*capture.Prediction, error)
	SetPaused(ctx context.Context, paused bool) error
	Status() capture.Status
}

// SessionStore persists the session identity
type SessionStore interface {
	SessionEmail(ctx context.Context) (string, error)
	SetSessionEmail(ctx context.Context, email string) error
}

// HistoryStore lists recorded predictions
type HistoryStore interface {
	ListPredictions(ctx context.Context, source string, limit int) ([]state.PredictionRecord, error)
}

// DeviceLister lists local cameras
type DeviceLister interface {
	Devices() []camera.Device
}

// Outcome is what the result pages show
type Outcome struct {
	Label     string
	Score     float64
	Message   string
	ImagePath string
	Source    string
	At        time.Time
}

// IsFire reports whether the outcome routes to the fire view
func (o Outcome) IsFire() bool {
	return o.Label == predict.LabelFire
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(template.Must(
		template.New("").Funcs(templateFuncs).ParseFS(templateFiles, "templates/*.html"),
	))

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
		outcomes:    make(map[string]storedOutcome),
		now:         time.Now,
	}
	s.setupRoutes()
	return s
}

var templateFuncs = template.FuncMap{
	"score": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"sessionForm": func(email, next string) sessionForm {
		return sessionForm{Email: email, Next: next}
	},
}

type sessionForm struct {
	Email string
	Next  string
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetUploadForm sets the upload form dependency
func (s *Server) SetUploadForm(form UploadForm) {
	s.uploadForm = form
}

// SetCapture sets the live capture dependencies. stream serves the overlaid
// surface and may be nil.
func (s *Server) SetCapture(ctrl CaptureController, stream http.Handler) {
	s.capture = ctrl
	s.liveStream = stream
}

// SetStateDependencies sets the identity and history stores
func (s *Server) SetStateDependencies(session SessionStore, history HistoryStore) {
	s.session = session
	s.history = history
}

// SetDeviceLister sets the camera discovery dependency
func (s *Server) SetDeviceLister(devices DeviceLister) {
	s.devices = devices
}

// SetMetrics sets the metrics served at /metrics
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// WriteTimeout stays disabled for the MJPEG stream
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", addr)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes sets up all routes
func (s *Server) setupRoutes() {
	s.router.Use(clientIdentity())

	s.router.GET("/", s.handleIndex)
	s.router.POST("/session", s.handleSetSession)

	up := s.router.Group("/upload")
	{
		up.POST("", s.handleSelect)
		up.GET("/preview", s.handlePreview)
		up.POST("/submit", s.handleSubmit)
		up.POST("/clear", s.handleClear)
	}

	live := s.router.Group("/live")
	{
		live.GET("", s.handleLive)
		live.GET("/stream", s.handleLiveStream)
		live.GET("/status", s.handleLiveStatus)
		live.POST("/capture", s.handleCapture)
		live.POST("/stop", s.handleStop)
		live.POST("/pause", s.handlePause(true))
		live.POST("/resume", s.handlePause(false))
	}

	s.router.GET(RouteFireResult, s.handleResult(true))
	s.router.GET(RouteNoFireResult, s.handleResult(false))

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/predictions", s.handleListPredictions)
		api.GET("/devices", s.handleListDevices)
	}

	s.router.GET("/metrics", s.handleMetrics)
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
