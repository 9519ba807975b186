package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/firewatch/internal/capture"
	"github.com/vzahanych/firewatch/internal/service"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/upload"
)

// User-facing notices
const (
	noticeChooseFile      = "Please choose a video file."
	noticeNoFileSelected  = "Please select a video file before submitting."
	noticeVideoOnly       = "Only video files can be uploaded."
	noticeTooLarge        = "The video is too large."
	noticeUploadFailed    = "Something went wrong while sending the video. Please try again."
	noticeNoIdentity      = "Set your email address before starting live capture."
	noticeCameraDenied    = "Camera access was denied or no camera is available."
	noticeNotActive       = "Live capture is not running."
	noticeVideoNotReady   = "The video is not ready yet, try again in a moment."
	noticeCaptureFailed   = "Capture failed. Please try again."
	noticeNoPause         = "This camera cannot be paused."
	noticeInvalidEmail    = "Please enter a valid email address."
	noticeUnavailable     = "This feature is not available."
	noticeInternalFailure = "Something went wrong."
)

const (
	// room for multipart boundaries and part headers on top of the file
	multipartOverhead = 64 << 10

	outcomeTTL  = 30 * time.Minute
	maxOutcomes = 1024
)

type storedOutcome struct {
	Outcome
	stored time.Time
}

type pageData struct {
	Notice    string
	Email     string
	Selection *upload.Selection
	Live      capture.Status
	Fire      bool
	Outcome   *Outcome
	Version   string
}

func (s *Server) page(c *gin.Context, notice string) pageData {
	data := pageData{Notice: notice, Version: s.version}
	if s.session != nil {
		if email, err := s.session.SessionEmail(c.Request.Context()); err == nil {
			data.Email = email
		}
	}
	if s.uploadForm != nil {
		if sel, ok := s.uploadForm.Current(clientID(c)); ok {
			data.Selection = sel
		}
	}
	if s.capture != nil {
		data.Live = s.capture.Status()
	}
	return data
}

func (s *Server) renderIndex(c *gin.Context, status int, notice string) {
	c.HTML(status, "index.html", s.page(c, notice))
}

func (s *Server) renderLive(c *gin.Context, status int, notice string) {
	c.HTML(status, "live.html", s.page(c, notice))
}

// handleIndex renders the upload form
func (s *Server) handleIndex(c *gin.Context) {
	s.renderIndex(c, http.StatusOK, "")
}

// handleSelect stores the chosen file as the client's selection
func (s *Server) handleSelect(c *gin.Context) {
	if s.uploadForm == nil {
		s.renderIndex(c, http.StatusServiceUnavailable, noticeUnavailable)
		return
	}

	if limit := s.uploadForm.MaxSize(); limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.renderIndex(c, http.StatusRequestEntityTooLarge, noticeTooLarge)
			return
		}
		s.renderIndex(c, http.StatusBadRequest, noticeChooseFile)
		return
	}
	file, err := header.Open()
	if err != nil {
		s.LogError("Failed to open uploaded file", err)
		s.renderIndex(c, http.StatusInternalServerError, noticeInternalFailure)
		return
	}
	defer file.Close()

	_, err = s.uploadForm.Select(clientID(c), header.Filename, header.Header.Get("Content-Type"), file)
	switch {
	case err == nil:
		c.Redirect(http.StatusSeeOther, "/")
	case errors.Is(err, upload.ErrUnsupportedType):
		s.renderIndex(c, http.StatusUnsupportedMediaType, noticeVideoOnly)
	case errors.Is(err, upload.ErrTooLarge):
		s.renderIndex(c, http.StatusRequestEntityTooLarge, noticeTooLarge)
	default:
		s.LogError("Failed to store selection", err)
		s.renderIndex(c, http.StatusInternalServerError, noticeInternalFailure)
	}
}

// handlePreview streams the selected file so the form can play it back
func (s *Server) handlePreview(c *gin.Context) {
	if s.uploadForm == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}

	file, sel, err := s.uploadForm.OpenPreview(clientID(c))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	defer file.Close()

	c.Header("Content-Type", sel.ContentType)
	c.Header("Cache-Control", "no-store")
	http.ServeContent(c.Writer, c.Request, sel.Filename, sel.CreatedAt, file)
}

// handleSubmit sends the selection for classification and routes to the
// matching result view
func (s *Server) handleSubmit(c *gin.Context) {
	if s.uploadForm == nil {
		s.renderIndex(c, http.StatusServiceUnavailable, noticeUnavailable)
		return
	}

	id := clientID(c)
	res, err := s.uploadForm.Submit(c.Request.Context(), id)
	if errors.Is(err, upload.ErrNoFileSelected) {
		s.renderIndex(c, http.StatusBadRequest, noticeNoFileSelected)
		return
	}
	if err != nil {
		s.renderIndex(c, http.StatusBadGateway, noticeUploadFailed)
		return
	}

	s.remember(id, Outcome{
		Label:     res.Label,
		Score:     res.Score,
		Message:   res.Message,
		ImagePath: res.ImagePath,
		Source:    state.SourceUpload,
		At:        time.Now(),
	})
	c.Redirect(http.StatusSeeOther, RouteFor(res.Label))
}

// handleClear releases the selection
func (s *Server) handleClear(c *gin.Context) {
	if s.uploadForm != nil {
		s.uploadForm.Release(clientID(c))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// handleLive activates the capture session and renders the live view.
// A failed activation still renders the page with a notice.
func (s *Server) handleLive(c *gin.Context) {
	if s.capture == nil {
		s.renderLive(c, http.StatusServiceUnavailable, noticeUnavailable)
		return
	}

	err := s.capture.Activate(c.Request.Context())
	switch {
	case err == nil:
		s.renderLive(c, http.StatusOK, "")
	case errors.Is(err, capture.ErrNoSessionIdentity):
		s.renderLive(c, http.StatusConflict, noticeNoIdentity)
	case errors.Is(err, capture.ErrCameraUnavailable):
		s.renderLive(c, http.StatusServiceUnavailable, noticeCameraDenied)
	default:
		s.LogError("Failed to start live capture", err)
		s.renderLive(c, http.StatusInternalServerError, noticeInternalFailure)
	}
}

// handleLiveStream serves the overlaid surface as MJPEG
func (s *Server) handleLiveStream(c *gin.Context) {
	if s.liveStream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Live stream not available",
		})
		return
	}
	c.Header("X-Accel-Buffering", "no")
	s.liveStream.ServeHTTP(c.Writer, c.Request)
}

// handleLiveStatus reports the capture session
func (s *Server) handleLiveStatus(c *gin.Context) {
	if s.capture == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Live capture not available",
		})
		return
	}
	c.JSON(http.StatusOK, s.capture.Status())
}

// handleCapture classifies the current frame and routes to the result view
func (s *Server) handleCapture(c *gin.Context) {
	if s.capture == nil {
		s.renderLive(c, http.StatusServiceUnavailable, noticeUnavailable)
		return
	}

	p, err := s.capture.Capture(c.Request.Context())
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrNotActive):
		s.renderLive(c, http.StatusConflict, noticeNotActive)
		return
	case errors.Is(err, capture.ErrVideoNotReady):
		s.renderLive(c, http.StatusConflict, noticeVideoNotReady)
		return
	default:
		s.renderLive(c, http.StatusBadGateway, noticeCaptureFailed)
		return
	}

	s.remember(clientID(c), Outcome{
		Label:     p.Label,
		Score:     p.Score,
		Message:   p.Message,
		ImagePath: p.ImagePath,
		Source:    state.SourceManual,
		At:        p.At,
	})
	c.Redirect(http.StatusSeeOther, RouteFor(p.Label))
}

// handleStop tears the capture session down. The live page also calls it
// with a beacon when it is left.
func (s *Server) handleStop(c *gin.Context) {
	if s.capture != nil {
		s.capture.Deactivate()
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// handlePause holds or resumes the live camera
func (s *Server) handlePause(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.capture == nil {
			s.renderLive(c, http.StatusServiceUnavailable, noticeUnavailable)
			return
		}

		err := s.capture.SetPaused(c.Request.Context(), paused)
		switch {
		case err == nil:
			c.Redirect(http.StatusSeeOther, "/live")
		case errors.Is(err, capture.ErrNotActive):
			s.renderLive(c, http.StatusConflict, noticeNotActive)
		case errors.Is(err, capture.ErrPauseUnsupported):
			s.renderLive(c, http.StatusConflict, noticeNoPause)
		default:
			s.LogError("Failed to change pause state", err, "paused", paused)
			s.renderLive(c, http.StatusInternalServerError, noticeInternalFailure)
		}
	}
}

// handleSetSession persists the session identity
func (s *Server) handleSetSession(c *gin.Context) {
	if s.session == nil {
		s.renderIndex(c, http.StatusServiceUnavailable, noticeUnavailable)
		return
	}

	err := s.session.SetSessionEmail(c.Request.Context(), c.PostForm("email"))
	if errors.Is(err, state.ErrInvalidEmail) {
		s.renderIndex(c, http.StatusBadRequest, noticeInvalidEmail)
		return
	}
	if err != nil {
		s.LogError("Failed to save session identity", err)
		s.renderIndex(c, http.StatusInternalServerError, noticeInternalFailure)
		return
	}
	c.Redirect(http.StatusSeeOther, localRedirect(c.PostForm("next")))
}

// handleResult renders the fire or no-fire view
func (s *Server) handleResult(fire bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		data := pageData{Fire: fire, Version: s.version}
		if o, ok := s.outcome(clientID(c)); ok && o.IsFire() == fire {
			data.Outcome = &o
		}
		c.HTML(http.StatusOK, "result.html", data)
	}
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	health := "healthy"
	if s.GetStatus().GetStatus() != service.StatusRunning {
		health = "unhealthy"
	}

	resp := gin.H{
		"status":         health,
		"uptime":         uptime.String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if s.capture != nil {
		resp["capture"] = s.capture.Status()
	}
	c.JSON(http.StatusOK, resp)
}

// handleListPredictions lists recorded predictions, newest first
func (s *Server) handleListPredictions(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Prediction history not available",
		})
		return
	}

	source := c.Query("source")
	switch source {
	case "", state.SourceUpload, state.SourceLive, state.SourceManual:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "source must be one of upload, live, manual",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	records, err := s.history.ListPredictions(c.Request.Context(), source, limit)
	if err != nil {
		s.LogError("Failed to list predictions", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list predictions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"predictions": records,
		"count":       len(records),
	})
}

// handleListDevices lists local camera devices
func (s *Server) handleListDevices(c *gin.Context) {
	if s.devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Camera discovery not available",
		})
		return
	}

	devices := s.devices.Devices()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleMetrics exposes Prometheus metrics
func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	s.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// remember keeps o for the client's result view. Outcomes expire after
// outcomeTTL and the oldest is dropped once maxOutcomes clients are held.
func (s *Server) remember(id string, o Outcome) {
	s.outcomesMu.Lock()
	defer s.outcomesMu.Unlock()

	now := s.now()
	for k, v := range s.outcomes {
		if now.Sub(v.stored) > outcomeTTL {
			delete(s.outcomes, k)
		}
	}
	if _, ok := s.outcomes[id]; !ok && len(s.outcomes) >= maxOutcomes {
		oldest := ""
		for k, v := range s.outcomes {
			if oldest == "" || v.stored.Before(s.outcomes[oldest].stored) {
				oldest = k
			}
		}
		delete(s.outcomes, oldest)
	}
	s.outcomes[id] = storedOutcome{Outcome: o, stored: now}
}

func (s *Server) outcome(id string) (Outcome, bool) {
	s.outcomesMu.Lock()
	defer s.outcomesMu.Unlock()
	v, ok := s.outcomes[id]
	if !ok {
		return Outcome{}, false
	}
	if s.now().Sub(v.stored) > outcomeTTL {
		delete(s.outcomes, id)
		return Outcome{}, false
	}
	return v.Outcome, true
}

// localRedirect only allows same-site paths
func localRedirect(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}
