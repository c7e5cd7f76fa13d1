// Package brim uploads notes and abstraction definitions to the BRIM
// LLM abstraction service and downloads its results.
package brim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/mkoziy/radiant/pipeline/internal/metrics"
	"github.com/mkoziy/radiant/pipeline/internal/ratelimit"
)

const (
	uploadPath  = "/api/v1/upload/csv/"
	resultsPath = "/api/v1/results/"

	maxErrorBody = 4 << 10
)

var (
	ErrRequestFailed = errors.New("brim request failed")
	ErrExportFailed  = errors.New("brim export failed")
	ErrExportTimeout = errors.New("brim export timed out")

	errTransport = errors.New("transport error")
)

// StatusError is a non-2xx reply from the BRIM API.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brim %s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrRequestFailed
}

// Temporary reports server-side failures and throttling, which are retried.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type response struct {
	code        int
	contentType string
	body        []byte
}

// Client talks to the BRIM REST API with a static bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	retry      ratelimit.Config
	breaker    *gobreaker.CircuitBreaker[*response]
	logger     zerolog.Logger
}

// NewClient creates a BRIM client. retry controls backoff for 5xx and 429
// replies; the limiter paces every request.
func NewClient(baseURL, token string, limiter ratelimit.Limiter, retry ratelimit.Config, logger zerolog.Logger) *Client {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	logger = logger.With().Str("component", "brim").Logger()

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		limiter:    limiter,
		retry:      retry,
		breaker: gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
			Name:        "brim",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return !se.Temporary()
				}
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
			},
		}),
		logger: logger,
	}
}

// WithHTTPClient replaces the default HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

// UploadOptions controls a CSV upload.
type UploadOptions struct {
	GenerateAfterUpload bool
}

// UploadResult is the decoded upload reply.
type UploadResult struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"-"`
}

// UploadCSV uploads a project, variables or decisions CSV file.
func (c *Client) UploadCSV(ctx context.Context, projectID, filename string, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("project_id", projectID); err != nil {
		return nil, fmt.Errorf("write field: %w", err)
	}
	if err := mw.WriteField("generate_after_upload", fmt.Sprintf("%t", opts.GenerateAfterUpload)); err != nil {
		return nil, fmt.Errorf("write field: %w", err)
	}
	part, err := mw.CreateFormFile("csv_file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	payload := buf.Bytes()

	resp, err := c.do(ctx, "upload", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Raw: resp.body}
	if len(bytes.TrimSpace(resp.body)) > 0 {
		if err := json.Unmarshal(resp.body, result); err != nil {
			c.logger.Debug().Err(err).Msg("upload reply is not JSON")
		}
	}
	c.logger.Info().Str("file", filename).Int("bytes", len(content)).Str("status", result.Status).Msg("csv uploaded")
	return result, nil
}

// ExportOptions controls what an export contains.
type ExportOptions struct {
	Detailed     bool
	PatientLevel bool
	IncludeNull  bool
}

// StartExport requests a results export and returns its id.
func (c *Client) StartExport(ctx context.Context, projectID string, opts ExportOptions) (string, error) {
	body := map[string]any{
		"project_id":             projectID,
		"detailed_export":        opts.Detailed,
		"patient_export":         opts.PatientLevel,
		"include_null_in_export": opts.IncludeNull,
	}
	resp, err := c.postJSON(ctx, "export", body)
	if err != nil {
		return "", err
	}

	var reply struct {
		ExportID flexID `json:"export_id"`
		Data     struct {
			ExportID flexID `json:"export_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		return "", fmt.Errorf("decode export reply: %w", err)
	}
	id := string(reply.Data.ExportID)
	if id == "" {
		id = string(reply.ExportID)
	}
	if id == "" {
		return "", fmt.Errorf("%w: export reply has no export_id", ErrRequestFailed)
	}
	c.logger.Info().Str("export_id", id).Msg("export started")
	return id, nil
}

// flexID accepts an id sent either as a JSON number or a string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// ExportStatus is the state of an export. CSV is set once it is done.
type ExportStatus struct {
	Done     bool
	Complete bool
	Status   string
	CSV      []byte
}

// Failed reports a terminal failure reported by BRIM.
func (s *ExportStatus) Failed() bool {
	st := strings.ToLower(s.Status)
	return strings.Contains(st, "fail") || strings.Contains(st, "error")
}

// CheckExport polls an export once. A text/csv reply means the export is
// ready; a JSON reply carries the pending status.
func (c *Client) CheckExport(ctx context.Context, projectID, exportID string) (*ExportStatus, error) {
	resp, err := c.postJSON(ctx, "export_status", map[string]any{
		"project_id": projectID,
		"export_id":  exportID,
	})
	if err != nil {
		return nil, err
	}

	if isCSV(resp) {
		return &ExportStatus{Done: true, Complete: true, Status: "complete", CSV: resp.body}, nil
	}

	var reply struct {
		Data struct {
			IsComplete    bool   `json:"is_complete"`
			StatusDisplay string `json:"status_display"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &reply); err != nil {
		return nil, fmt.Errorf("decode export status: %w", err)
	}
	return &ExportStatus{Complete: reply.Data.IsComplete, Status: reply.Data.StatusDisplay}, nil
}

// WaitExport polls until the export CSV is available, BRIM reports a
// failure, or timeout passes.
func (c *Client) WaitExport(ctx context.Context, projectID, exportID string, interval, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	poll := ratelimit.NewFixedDelayLimiter(ratelimit.PollConfig(interval))

	for attempt := 1; ; attempt++ {
		if err := poll.Wait(ctx); err != nil {
			return nil, exportWaitErr(err, exportID)
		}

		st, err := c.CheckExport(ctx, projectID, exportID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, exportWaitErr(ctx.Err(), exportID)
			}
			return nil, err
		}
		if st.Done {
			c.logger.Info().Str("export_id", exportID).Int("polls", attempt).Int("bytes", len(st.CSV)).Msg("export ready")
			return st.CSV, nil
		}
		if st.Failed() {
			return nil, fmt.Errorf("%w: export %s: %s", ErrExportFailed, exportID, st.Status)
		}
		c.logger.Debug().Str("export_id", exportID).Str("status", st.Status).Msg("export pending")
	}
}

// Export starts an export and waits for its CSV.
func (c *Client) Export(ctx context.Context, projectID string, opts ExportOptions, interval, timeout time.Duration) ([]byte, error) {
	id, err := c.StartExport(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	return c.WaitExport(ctx, projectID, id, interval, timeout)
}

func exportWaitErr(err error, exportID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: export %s", ErrExportTimeout, exportID)
	}
	return err
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any) (*response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+resultsPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// do sends a request built fresh for every attempt. Temporary failures are
// retried with backoff; 4xx replies are returned at once.
func (c *Client) do(ctx context.Context, endpoint string, build func() (*http.Request, error)) (*response, error) {
	var out *response
	err := ratelimit.Retry(ctx, c.retry, retryable, func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json, text/csv")

		resp, err := c.breaker.Execute(func() (*response, error) {
			return c.send(req, endpoint)
		})
		if err != nil {
			c.logger.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("request failed")
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(req *http.Request, endpoint string) (*response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordBRIMRequest(endpoint, "error")
		return nil, fmt.Errorf("execute request: %w: %w", errTransport, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	metrics.RecordBRIMRequest(endpoint, metrics.StatusClass(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return &response{code: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: body}, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return errors.Is(err, errTransport)
}

func isCSV(resp *response) bool {
	if mt, _, err := mime.ParseMediaType(resp.contentType); err == nil {
		if mt == "text/csv" || mt == "application/csv" {
			return true
		}
		if mt == "application/json" {
			return false
		}
	}
	trimmed := bytes.TrimSpace(resp.body)
	return len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '['
}
