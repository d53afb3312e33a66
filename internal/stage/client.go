package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxResponseBytes = 4 * 1024 * 1024
	maxArtifactBytes = 64 * 1024 * 1024
	maxDetailBytes   = 512
)

// Client is the transport shared by every gateway of one remote service.
// It is stateless beyond its configuration and safe for concurrent use.
type Client struct {
	service       string
	baseURL       string
	healthPath    string
	timeout       time.Duration
	healthTimeout time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
}

// ClientConfig configures one remote service.
type ClientConfig struct {
	Service       string        // service name used in logs and doctor reports
	BaseURL       string        // e.g. http://localhost:8004
	HealthPath    string        // e.g. /generate/health
	Timeout       time.Duration // per-call deadline for stage requests
	HealthTimeout time.Duration // per-call deadline for health probes
	HTTPClient    *http.Client  // nil = a dedicated client without a global timeout
	Logger        *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		service:       cfg.Service,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		healthPath:    cfg.HealthPath,
		timeout:       timeout,
		healthTimeout: healthTimeout,
		httpClient:    httpClient,
		logger:        logger.With("component", "stage_client", "service", cfg.Service),
	}
}

// Name returns the service name.
func (c *Client) Name() string {
	return c.service
}

// IsHealthy probes the service's health endpoint. It never affects runs.
func (c *Client) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// request describes one outbound call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

// validator is implemented by payloads that need more than a JSON decode to
// be considered usable.
type validator interface {
	validate() error
}

// envelope captures the application-level failure markers the stage
// services put in otherwise successful responses.
type envelope struct {
	Success *bool           `json:"success"`
	Error   json.RawMessage `json:"error"`
}

func (e envelope) failure() (string, bool) {
	if msg := rawMessage(e.Error); msg != "" {
		return msg, true
	}
	if e.Success != nil && !*e.Success {
		return "remote stage reported success=false", true
	}
	return "", false
}

// call performs req and classifies the reply into a Result.
func call[T any](ctx context.Context, c *Client, req request) (res Result[T]) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	body, status, err := c.roundTrip(ctx, req, maxResponseBytes)
	if err != nil {
		res = transportFailure[T](err, c.timeout)
		c.logger.Warn("stage call failed",
			"path", req.path,
			"outcome", res.Outcome.String(),
			"timeout", res.Timeout,
			"error", err,
		)
		return res
	}

	if status < 200 || status >= 300 {
		res = Result[T]{Outcome: RemoteError, StatusCode: status, Detail: remoteMessage(body, status)}
		c.logger.Warn("stage call rejected", "path", req.path, "status", status, "detail", res.Detail)
		return res
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		res = Result[T]{Outcome: TransportError, StatusCode: status, Detail: "malformed payload: " + err.Error()}
		c.logger.Warn("stage payload malformed", "path", req.path, "error", err)
		return res
	}
	if msg, failed := env.failure(); failed {
		res = Result[T]{Outcome: RemoteError, StatusCode: status, Detail: msg}
		c.logger.Warn("stage reported failure", "path", req.path, "detail", msg)
		return res
	}

	var payload T
	if err := json.Unmarshal(body, &payload); err != nil {
		res = Result[T]{Outcome: TransportError, StatusCode: status, Detail: "malformed payload: " + err.Error()}
		c.logger.Warn("stage payload malformed", "path", req.path, "error", err)
		return res
	}
	if v, ok := any(payload).(validator); ok {
		if err := v.validate(); err != nil {
			res = Result[T]{Outcome: TransportError, StatusCode: status, Detail: "malformed payload: " + err.Error()}
			c.logger.Warn("stage payload incomplete", "path", req.path, "error", err)
			return res
		}
	}

	res = Result[T]{Outcome: Success, Payload: payload, StatusCode: status}
	c.logger.Info("stage call succeeded", "path", req.path, "status", status, "duration_ms", time.Since(start).Milliseconds())
	return res
}

// fetch downloads a raw artifact rather than a JSON document.
func (c *Client) fetch(ctx context.Context, path, filename string) Result[Artifact] {
	start := time.Now()
	req := request{method: http.MethodGet, path: path}

	var contentType string
	body, status, err := c.roundTripWithHeader(ctx, req, maxArtifactBytes, func(h http.Header) {
		contentType = h.Get("Content-Type")
	})
	if err != nil {
		res := transportFailure[Artifact](err, c.timeout)
		res.Duration = time.Since(start)
		return res
	}
	if status < 200 || status >= 300 {
		return Result[Artifact]{Outcome: RemoteError, StatusCode: status, Detail: remoteMessage(body, status), Duration: time.Since(start)}
	}
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return Result[Artifact]{
		Outcome:    Success,
		StatusCode: status,
		Payload:    Artifact{Filename: filename, ContentType: contentType, Data: body},
		Duration:   time.Since(start),
	}
}

func (c *Client) roundTrip(ctx context.Context, r request, limit int64) ([]byte, int, error) {
	return c.roundTripWithHeader(ctx, r, limit, nil)
}

func (c *Client) roundTripWithHeader(ctx context.Context, r request, limit int64, onHeader func(http.Header)) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	c.logger.Debug("invoking stage", "method", r.method, "url", u, "body_bytes", len(r.body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if onHeader != nil {
		onHeader(resp.Header)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func transportFailure[T any](err error, timeout time.Duration) Result[T] {
	if errors.Is(err, context.DeadlineExceeded) {
		return Result[T]{Outcome: TransportError, Timeout: true, Detail: fmt.Sprintf("timeout after %s", timeout)}
	}
	if errors.Is(err, context.Canceled) {
		return Result[T]{Outcome: TransportError, Detail: "request cancelled"}
	}
	return Result[T]{Outcome: TransportError, Detail: err.Error()}
}

// remoteMessage extracts the remote-supplied error text, preferring the
// FastAPI "detail" field, then "error", then the raw body.
func remoteMessage(body []byte, status int) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg := rawMessage(parsed.Detail); msg != "" {
			return msg
		}
		if msg := rawMessage(parsed.Error); msg != "" {
			return msg
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(text, maxDetailBytes)
	}
	return http.StatusText(status)
}

// rawMessage renders a JSON string verbatim and any other non-null value as
// compact JSON.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return truncate(string(raw), maxDetailBytes)
	}
	return truncate(buf.String(), maxDetailBytes)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func jsonRequest(method, path string, payload any) (request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, fmt.Errorf("marshal request: %w", err)
	}
	return request{method: method, path: path, body: body, contentType: "application/json"}, nil
}

func multipartRequest(path, field string, files []UploadFile, fields map[string]string) (request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, f := range files {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("image_%d.jpg", i)
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(f.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, name))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return request{}, fmt.Errorf("create part %s: %w", name, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return request{}, fmt.Errorf("write part %s: %w", name, err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return request{}, fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return request{}, fmt.Errorf("close multipart body: %w", err)
	}

	return request{method: http.MethodPost, path: path, body: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}
