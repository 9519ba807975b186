package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/firewatch/internal/camera"
	"github.com/vzahanych/firewatch/internal/capture"
	"github.com/vzahanych/firewatch/internal/config"
	"github.com/vzahanych/firewatch/internal/logger"
	"github.com/vzahanych/firewatch/internal/metrics"
	"github.com/vzahanych/firewatch/internal/predict"
	"github.com/vzahanych/firewatch/internal/state"
	"github.com/vzahanych/firewatch/internal/upload"
	"github.com/vzahanych/firewatch/internal/video"
)

type stubPredictor struct {
	mu     sync.Mutex
	calls  int
	result predict.Result
	err    error
}

func (s *stubPredictor) Predict(ctx context.Context, p predict.Payload) (*predict.Result, error) {
	_, _ = io.Copy(io.Discard, p.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	res := s.result
	return &res, nil
}

func (s *stubPredictor) set(res predict.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result, s.err = res, err
}

func (s *stubPredictor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDevices []camera.Device

func (s stubDevices) Devices() []camera.Device { return s }

type testEnv struct {
	server    *Server
	http      *httptest.Server
	client    *http.Client
	predictor *stubPredictor
	state     *state.Manager
	ctrl      *capture.Controller
	denyOpen  error
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNopLogger()
	env := &testEnv{
		predictor: &stubPredictor{result: predict.Result{Label: "no_fire", Score: 0.12}},
		state:     state.NewTestManager(t),
	}
	m := metrics.New()

	form := upload.NewForm(upload.Config{
		MaxSize:    1 << 20,
		PreviewTTL: time.Minute,
		PreviewDir: filepath.Join(t.TempDir(), "previews"),
	}, env.predictor, env.state, env.state, m, log)
	require.NoError(t, form.Start(context.Background()))
	t.Cleanup(func() { form.Stop(context.Background()) })

	env.ctrl = capture.NewController(capture.Options{
		Predictor: env.predictor,
		Identity:  env.state,
		Recorder:  env.state,
		Metrics:   m,
		NewSource: func() video.Source {
			src := video.NewMemorySource("memory", video.SolidImage(64, 48, color.White))
			if env.denyOpen != nil {
				src.FailOpen(env.denyOpen)
			}
			return src
		},
		NewTicker: func(float64) capture.Ticker { return capture.NewManualTicker() },
	}, log)
	t.Cleanup(env.ctrl.Deactivate)

	env.server = NewServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1"}, log)
	env.server.SetUploadForm(form)
	env.server.SetCapture(env.ctrl, nil)
	env.server.SetStateDependencies(env.state, env.state)
	env.server.SetDeviceLister(stubDevices{{Path: "/dev/video0", Index: 0, Name: "USB Camera"}})
	env.server.SetMetrics(m)

	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	env.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.http.URL + path)
	require.NoError(t, err)
	return readBody(t, resp)
}

func (e *testEnv) postForm(t *testing.T, path string, values url.Values) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.PostForm(e.http.URL+path, values)
	require.NoError(t, err)
	return readBody(t, resp)
}

func (e *testEnv) selectFile(t *testing.T, filename, contentType, data string) (*http.Response, string) {
	t.Helper()
	body, formType := multipartFile(t, filename, contentType, []byte(data))
	resp, err := e.client.Post(e.http.URL+"/upload", formType, body)
	require.NoError(t, err)
	return readBody(t, resp)
}

func multipartFile(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func readBody(t *testing.T, resp *http.Response) (*http.Response, string) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestRouteFor(t *testing.T) {
	assert.Equal(t, "/result", RouteFor("fire"))
	assert.Equal(t, "/final", RouteFor("no_fire"))
	assert.Equal(t, "/final", RouteFor("safe"))
	assert.Equal(t, "/final", RouteFor(""))
}

func TestServer_NewServer(t *testing.T) {
	server := NewServer(&config.WebConfig{Enabled: true}, logger.NewNopLogger())
	assert.Equal(t, "web-server", server.Name())
}

func TestServer_StartStop(t *testing.T) {
	server := NewServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1", Port: 0}, logger.NewNopLogger())

	require.NoError(t, server.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Stop(ctx))
}

func TestServer_Disabled(t *testing.T) {
	server := NewServer(&config.WebConfig{Enabled: false}, logger.NewNopLogger())
	require.NoError(t, server.Start(context.Background()))
	assert.NoError(t, server.Stop(context.Background()))
}

func TestUpload_SubmitWithoutFile(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.postForm(t, "/upload/submit", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, noticeNoFileSelected)
	assert.Zero(t, env.predictor.Calls())
}

func TestUpload_FireRoutesToResult(t *testing.T) {
	env := setupTestEnv(t)
	env.predictor.set(predict.Result{Label: "fire", Score: 0.92, Message: "Alert sent"}, nil)

	resp, _ := env.selectFile(t, "clip.mp4", "video/mp4", "mp4-bytes")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	_, body := env.get(t, "/")
	assert.Contains(t, body, "clip.mp4")
	assert.Contains(t, body, `src="/upload/preview"`)

	resp, body = env.get(t, "/upload/preview")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "mp4-bytes", body)

	resp, _ = env.postForm(t, "/upload/submit", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, RouteFireResult, resp.Header.Get("Location"))
	assert.Equal(t, 1, env.predictor.Calls())

	resp, body = env.get(t, RouteFireResult)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Fire detected")
	assert.Contains(t, body, "0.92")
	assert.Contains(t, body, "Alert sent")

	// the preview was released on navigation
	resp, _ = env.get(t, "/upload/preview")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_NoFireRoutesToFinal(t *testing.T) {
	env := setupTestEnv(t)
	env.predictor.set(predict.Result{Label: "safe"}, nil)

	env.selectFile(t, "clip.webm", "video/webm", "webm")
	resp, _ := env.postForm(t, "/upload/submit", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, RouteNoFireResult, resp.Header.Get("Location"))

	_, body := env.get(t, RouteNoFireResult)
	assert.Contains(t, body, "No fire detected")
	assert.Contains(t, body, "0.00")
}

func TestUpload_EndpointFailureShowsNotice(t *testing.T) {
	env := setupTestEnv(t)
	env.predictor.set(predict.Result{}, fmt.Errorf("%w: status 500", predict.ErrBadResponse))

	env.selectFile(t, "clip.mp4", "video/mp4", "x")
	resp, body := env.postForm(t, "/upload/submit", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Contains(t, body, noticeUploadFailed)
	assert.Contains(t, body, "clip.mp4", "selection is kept")
	assert.Equal(t, 1, env.predictor.Calls())
}

func TestUpload_RejectsNonVideo(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.selectFile(t, "photo.png", "image/png", "png")
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Contains(t, body, noticeVideoOnly)
}

func TestUpload_RejectsOversizedBodyEarly(t *testing.T) {
	env := setupTestEnv(t)

	// well past max_size plus the multipart allowance
	data := bytes.Repeat([]byte{0x01}, (1<<20)+multipartOverhead+4096)
	body, formType := multipartFile(t, "huge.mp4", "video/mp4", data)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", formType)
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), noticeTooLarge)
	assert.NotContains(t, rec.Body.String(), "huge.mp4")
}

func TestUpload_SlightlyOversizedFileRejected(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.selectFile(t, "big.mp4", "video/mp4", strings.Repeat("x", (1<<20)+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, body, noticeTooLarge)

	_, body = env.get(t, "/")
	assert.NotContains(t, body, "big.mp4")
}

func TestUpload_MissingResultRoutesToFinal(t *testing.T) {
	env := setupTestEnv(t)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":0.3,"message":"ok"}`))
	}))
	t.Cleanup(endpoint.Close)

	client := predict.NewClient(predict.ClientConfig{Endpoint: endpoint.URL, Timeout: 5 * time.Second}, logger.NewNopLogger())
	form := upload.NewForm(upload.Config{
		MaxSize:    1 << 20,
		PreviewDir: filepath.Join(t.TempDir(), "previews"),
	}, client, env.state, env.state, nil, logger.NewNopLogger())
	require.NoError(t, form.Start(context.Background()))
	t.Cleanup(func() { form.Stop(context.Background()) })
	env.server.SetUploadForm(form)

	env.selectFile(t, "clip.mp4", "video/mp4", "mp4")
	resp, _ := env.postForm(t, "/upload/submit", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, RouteNoFireResult, resp.Header.Get("Location"))

	_, body := env.get(t, RouteNoFireResult)
	assert.Contains(t, body, "No fire detected")
	assert.Contains(t, body, "0.30")
	assert.Contains(t, body, "ok")
}

func TestUpload_SelectWithoutFile(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.postForm(t, "/upload", url.Values{"other": {"x"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, noticeChooseFile)
}

func TestUpload_Clear(t *testing.T) {
	env := setupTestEnv(t)

	env.selectFile(t, "clip.mp4", "video/mp4", "x")
	resp, _ := env.postForm(t, "/upload/clear", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, body := env.get(t, "/")
	assert.NotContains(t, body, "clip.mp4")
}

func TestLive_RequiresSessionIdentity(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.get(t, "/live")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, noticeNoIdentity)
	assert.False(t, env.ctrl.Active())
}

func TestLive_CameraDenied(t *testing.T) {
	env := setupTestEnv(t)
	env.denyOpen = errors.New("permission denied")
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))

	resp, body := env.get(t, "/live")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, noticeCameraDenied)
	assert.Contains(t, body, "Start camera", "view stays usable")
	assert.Zero(t, env.predictor.Calls())
}

func TestLive_ManualCaptureRoutes(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))
	env.predictor.set(predict.Result{Label: "fire", Score: 0.92}, nil)

	resp, body := env.get(t, "/live")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `src="/live/stream"`)
	assert.True(t, env.ctrl.Active())

	resp, body = env.get(t, "/live/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"active":true`)

	resp, _ = env.postForm(t, "/live/capture", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, RouteFireResult, resp.Header.Get("Location"))
	assert.False(t, env.ctrl.Active(), "leaving the live view tears the session down")

	_, body = env.get(t, RouteFireResult)
	assert.Contains(t, body, "0.92")

	records, err := env.state.ListPredictions(context.Background(), state.SourceManual, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestLive_CaptureWithoutLabelRoutesToFinal(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))
	env.predictor.set(predict.Result{Score: 0.3}, nil)

	env.get(t, "/live")
	resp, _ := env.postForm(t, "/live/capture", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, RouteNoFireResult, resp.Header.Get("Location"))
}

func TestLive_PauseResume(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))

	env.get(t, "/live")
	require.True(t, env.ctrl.Active())

	resp, _ := env.postForm(t, "/live/pause", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/live", resp.Header.Get("Location"))
	assert.Equal(t, "paused", env.ctrl.Status().State)

	_, body := env.get(t, "/live")
	assert.Contains(t, body, `action="/live/resume"`)
	assert.NotContains(t, body, `action="/live/pause"`)

	resp, body = env.postForm(t, "/live/capture", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, noticeVideoNotReady)

	resp, _ = env.postForm(t, "/live/resume", nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "playing", env.ctrl.Status().State)

	_, body = env.get(t, "/live")
	assert.Contains(t, body, `action="/live/pause"`)
}

func TestLive_PauseWhenInactive(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.postForm(t, "/live/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, noticeNotActive)
}

func TestLive_CaptureFailureKeepsView(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))
	env.predictor.set(predict.Result{}, errors.New("connection refused"))

	env.get(t, "/live")
	resp, body := env.postForm(t, "/live/capture", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, noticeCaptureFailed)
	assert.True(t, env.ctrl.Active())
}

func TestLive_CaptureWhenInactive(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.postForm(t, "/live/capture", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body, noticeNotActive)
}

func TestLive_Stop(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.state.SetSessionEmail(context.Background(), "ops@example.com"))

	env.get(t, "/live")
	require.True(t, env.ctrl.Active())

	resp, _ := env.postForm(t, "/live/stop", nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.False(t, env.ctrl.Active())
}

func TestLive_StreamUnavailable(t *testing.T) {
	env := setupTestEnv(t)

	resp, _ := env.get(t, "/live/stream")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSession_SetEmail(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.postForm(t, "/session", url.Values{"email": {"not an email"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, noticeInvalidEmail)

	resp, _ = env.postForm(t, "/session", url.Values{"email": {"ops@example.com"}, "next": {"/live"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/live", resp.Header.Get("Location"))

	email, err := env.state.SessionEmail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", email)
}

func TestAPI_ListPredictions(t *testing.T) {
	env := setupTestEnv(t)
	env.selectFile(t, "clip.mp4", "video/mp4", "x")
	env.postForm(t, "/upload/submit", nil)

	resp, body := env.get(t, "/api/predictions?source=upload")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"count":1`)
	assert.Contains(t, body, `"source":"upload"`)

	resp, _ = env.get(t, "/api/predictions?source=email")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/api/predictions?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DevicesAndStatus(t *testing.T) {
	env := setupTestEnv(t)

	resp, body := env.get(t, "/api/devices")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "/dev/video0")

	resp, body = env.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"capture"`)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	env.selectFile(t, "clip.mp4", "video/mp4", "x")

	resp, body := env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, "firewatch_upload_selections"))
}

func TestClientCookieIsolatesSelections(t *testing.T) {
	env := setupTestEnv(t)
	env.selectFile(t, "mine.mp4", "video/mp4", "x")

	other := &http.Client{}
	resp, err := other.Get(env.http.URL + "/")
	require.NoError(t, err)
	_, body := readBody(t, resp)
	assert.NotContains(t, body, "mine.mp4")
}

func TestOutcomes_Expire(t *testing.T) {
	server := NewServer(&config.WebConfig{Enabled: true}, logger.NewNopLogger())
	now := time.Now()
	server.now = func() time.Time { return now }

	server.remember("a", Outcome{Label: "fire", Score: 0.9})
	o, ok := server.outcome("a")
	require.True(t, ok)
	assert.True(t, o.IsFire())

	now = now.Add(outcomeTTL + time.Second)
	_, ok = server.outcome("a")
	assert.False(t, ok)

	// expired entries are dropped when a new one arrives
	server.remember("old", Outcome{Label: "safe"})
	now = now.Add(outcomeTTL + time.Second)
	server.remember("new", Outcome{Label: "safe"})
	server.outcomesMu.Lock()
	assert.Len(t, server.outcomes, 1)
	server.outcomesMu.Unlock()
}

func TestOutcomes_Capped(t *testing.T) {
	server := NewServer(&config.WebConfig{Enabled: true}, logger.NewNopLogger())
	now := time.Now()
	server.now = func() time.Time { return now }

	for i := 0; i <= maxOutcomes; i++ {
		server.remember(fmt.Sprintf("client-%d", i), Outcome{Label: "safe"})
		now = now.Add(time.Millisecond)
	}

	server.outcomesMu.Lock()
	assert.Len(t, server.outcomes, maxOutcomes)
	server.outcomesMu.Unlock()

	_, ok := server.outcome("client-0")
	assert.False(t, ok, "the oldest outcome is evicted")
	_, ok = server.outcome(fmt.Sprintf("client-%d", maxOutcomes))
	assert.True(t, ok)

	// updating a known client never evicts another one
	server.remember("client-1", Outcome{Label: "fire"})
	_, ok = server.outcome("client-2")
	assert.True(t, ok)
}

func TestLocalRedirect(t *testing.T) {
	tests := map[string]string{
		"/live":               "/live",
		"":                    "/",
		"https://example.com": "/",
		"//example.com":       "/",
		`/\example.com`:       "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, localRedirect(in), in)
	}
}
