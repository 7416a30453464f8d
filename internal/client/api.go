package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"media-fetch-service/internal/domain/model"
)

// ErrConnectivity marks failures to talk to the service at all, as opposed to errors it reported.
var ErrConnectivity = errors.New("cannot reach the download service")

// APIError is an error document returned by the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// API is a thin JSON client for the video endpoints.
type API struct {
	baseURL string
	client  *http.Client
}

// NewAPI targets baseURL (e.g. http://localhost:3000). A nil hc gets a client with a 2 minute timeout.
func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

func (a *API) BaseURL() string { return a.baseURL }

func (a *API) Info(ctx context.Context, mediaURL string) (*model.MediaInfo, error) {
	var info model.MediaInfo
	if err := a.call(ctx, http.MethodPost, "/api/video/info", map[string]string{"url": mediaURL}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type submitResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// Submit queues a download and returns the job id.
func (a *API) Submit(ctx context.Context, mediaURL string, mode model.Mode) (string, error) {
	var resp submitResponse
	body := map[string]string{"url": mediaURL, "mode": string(mode)}
	if err := a.call(ctx, http.MethodPost, "/api/video/download", body, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("%w: response without job id", ErrConnectivity)
	}
	return resp.JobID, nil
}

func (a *API) Status(ctx context.Context, jobID string) (*model.JobStatus, error) {
	var st model.JobStatus
	if err := a.call(ctx, http.MethodGet, "/api/video/status/"+url.PathEscape(jobID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Download copies the finished file into dst and returns the server-provided filename.
// The server deletes the file after a complete transfer, so this succeeds once per job.
func (a *API) Download(ctx context.Context, jobID string, dst io.Writer) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/video/file/"+url.PathEscape(jobID), nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, decodeAPIError(resp)
	}
	filename := jobID
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		filename = params["filename"]
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return filename, n, fmt.Errorf("%w: transfer interrupted: %v", ErrConnectivity, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return filename, n, fmt.Errorf("%w: received %d of %d bytes", ErrConnectivity, n, resp.ContentLength)
	}
	return filename, n, nil
}

func (a *API) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request data: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrConnectivity, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to unmarshal response: %v, body: %s", ErrConnectivity, err, truncate(raw, 200))
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var doc struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Message == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(truncate(raw, 200))}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: doc.Code, Message: doc.Message}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
