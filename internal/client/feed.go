package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"media-fetch-service/internal/domain/model"
)

// Feed delivers status updates for one job until it is terminal.
// Watch calls onUpdate for every status it sees and returns the terminal one.
// Transport failures are reported wrapped in ErrConnectivity.
type Feed interface {
	Watch(ctx context.Context, jobID string, onUpdate func(*model.JobStatus)) (*model.JobStatus, error)
}

// DefaultPollInterval is the fixed status query period.
const DefaultPollInterval = time.Second

// PollingFeed queries GET status on a fixed interval.
type PollingFeed struct {
	api      *API
	interval time.Duration
}

func NewPollingFeed(api *API, interval time.Duration) *PollingFeed {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingFeed{api: api, interval: interval}
}

func (f *PollingFeed) Watch(ctx context.Context, jobID string, onUpdate func(*model.JobStatus)) (*model.JobStatus, error) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	for {
		st, err := f.api.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		onUpdate(st)
		if st.State.IsTerminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// PushFeed listens on the websocket status stream instead of polling.
type PushFeed struct {
	baseURL string
	dialer  *websocket.Dialer
}

func NewPushFeed(api *API) *PushFeed {
	return &PushFeed{baseURL: api.BaseURL(), dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (f *PushFeed) Watch(ctx context.Context, jobID string, onUpdate func(*model.JobStatus)) (*model.JobStatus, error) {
	endpoint, err := streamURL(f.baseURL, jobID)
	if err != nil {
		return nil, err
	}
	conn, resp, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer resp.Body.Close()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var last *model.JobStatus
	for {
		var st model.JobStatus
		if err := conn.ReadJSON(&st); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if last != nil && last.State.IsTerminal() && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return last, nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure && ce.Text == "job not found" {
				return nil, &APIError{StatusCode: http.StatusNotFound, Code: "not_found", Message: "Job not found"}
			}
			return nil, fmt.Errorf("%w: status stream closed: %v", ErrConnectivity, err)
		}
		last = &st
		onUpdate(last)
		if st.State.IsTerminal() {
			return last, nil
		}
	}
}

func streamURL(base, jobID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	prefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/api/video/status/" + jobID + "/stream"
	u.RawPath = prefix + "/api/video/status/" + url.PathEscape(jobID) + "/stream"
	return u.String(), nil
}
