package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
)

// PredictPath is appended to the configured endpoint base URL
const PredictPath = "/api/predict"

// maxResponseSize caps how much of a response body is read
const maxResponseSize = 1 << 20

// Client submits artifacts to the prediction endpoint. It is shared by the
// upload form, the background capture loop and manual capture; each caller
// decides what to do with the Result.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logger.Logger
}

// ClientConfig contains configuration for the prediction client
type ClientConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// NewClient creates a new prediction client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: log,
	}
}

// Endpoint returns the full predict URL
func (c *Client) Endpoint() string {
	return c.endpoint + PredictPath
}

// Predict issues exactly one multipart POST and parses the result.
// There is no retry.
func (c *Client) Predict(ctx context.Context, payload Payload) (*Result, error) {
	if payload.Body == nil {
		return nil, fmt.Errorf("payload has no body")
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, payload))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Debug("Sending prediction request",
		"url", c.Endpoint(),
		"filename", payload.Filename,
		"content_type", payload.ContentType,
	)
	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		c.logger.Warn("Prediction endpoint returned error",
			"status", resp.StatusCode,
			"response", msg,
		)
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, msg)
	}

	// A body without result is still a classification, just not a fire
	var result *Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if result == nil {
		return nil, fmt.Errorf("%w: empty body", ErrBadResponse)
	}

	c.logger.Debug("Prediction completed",
		"result", result.Label,
		"score", result.Score,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)

	return result, nil
}

func writeMultipart(mw *multipart.Writer, payload Payload) error {
	filename := payload.Filename
	if filename == "" {
		filename = "upload"
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, payload.Body); err != nil {
		return err
	}

	if payload.Email != "" {
		if err := mw.WriteField("email", payload.Email); err != nil {
			return err
		}
	}
	return mw.Close()
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// HealthCheck reports whether the endpoint host answers HTTP at all.
// The endpoint exposes no health route, so any status below 500 counts.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("prediction endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("prediction endpoint health check failed: status %d", resp.StatusCode)
	}
	return nil
}
