package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/tracing"
)

// Analysis service endpoints
const (
	UploadPath     = "/api/upload"
	SyncUploadPath = "/api/sync-upload"
)

// APIError is a non-2xx answer from the analysis service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the analysis service over HTTP. Requests are never
// retried: a resubmitted file would become a second job.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     *tracing.Provider
	logger     *logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTLSConfig sets the TLS configuration used for https service URLs.
// Apply it before WithTracer.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.TLSClientConfig = tc
		c.httpClient.Transport = base
	}
}

// WithTracer traces every request and propagates the trace context
func WithTracer(p *tracing.Provider) Option {
	return func(c *Client) {
		c.tracer = p
		c.httpClient.Transport = &tracing.Transport{Base: c.httpClient.Transport}
	}
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l.Named("api")
		}
	}
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitJob queues file for asynchronous analysis and returns the initial
// record (normally QUEUED) carrying the server-assigned job ID. Progress is
// reported on the push channel session identified by sessionID.
func (c *Client) SubmitJob(ctx context.Context, file models.File, userID, sessionID string) (*models.JobRecord, error) {
	ctx, span := c.tracer.StartSpan(ctx, "api.SubmitJob",
		attribute.String("file.name", file.Name),
		attribute.Int("file.size", len(file.Data)),
	)
	defer span.End()

	body, contentType, err := multipartBody(file, map[string]string{
		"userId":  userID,
		"userSid": sessionID,
	})
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	var out models.SubmitResponse
	if err := c.post(ctx, UploadPath, body, contentType, &out); err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to submit %s: %w", file.Name, err)
	}

	record := out.InitialStatus
	if record.JobID == "" {
		record.JobID = out.JobID
	}
	if record.JobID == "" {
		err := fmt.Errorf("failed to submit %s: response carries no job id", file.Name)
		tracing.SetError(ctx, err)
		return nil, err
	}
	if record.FileName == "" {
		record.FileName = file.Name
	}
	record.Status = models.ParseStatus(string(record.Status))

	span.SetAttributes(attribute.String("job.id", record.JobID))
	c.logger.Debug("Job queued", map[string]interface{}{
		"job_id": record.JobID,
		"file":   file.Name,
		"status": string(record.Status),
	})
	return &record, nil
}

// AnalyzeSync analyzes file and returns only when the analysis is finished
func (c *Client) AnalyzeSync(ctx context.Context, file models.File) (*models.SyncResponse, error) {
	ctx, span := c.tracer.StartSpan(ctx, "api.AnalyzeSync",
		attribute.String("file.name", file.Name),
		attribute.Int("file.size", len(file.Data)),
	)
	defer span.End()

	body, contentType, err := multipartBody(file, nil)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	var out models.SyncResponse
	if err := c.post(ctx, SyncUploadPath, body, contentType, &out); err != nil {
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to analyze %s: %w", file.Name, err)
	}
	if out.Results.Error != "" {
		err := &APIError{StatusCode: http.StatusOK, Message: out.Results.Error}
		tracing.SetError(ctx, err)
		return nil, fmt.Errorf("failed to analyze %s: %w", file.Name, err)
	}
	if out.Filename == "" {
		out.Filename = file.Name
	}

	span.SetAttributes(attribute.Int("result.line_count", out.Results.LineCount))
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var er models.ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func multipartBody(file models.File, fields map[string]string) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreateFormFile("file", file.Name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}
