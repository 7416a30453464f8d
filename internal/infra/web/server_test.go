//go:build !integration

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-service/internal/config"
	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/infra/api"
	"media-fetch-service/internal/infra/logging"
	redisstore "media-fetch-service/internal/infra/redis"
	"media-fetch-service/internal/infra/worker"
	"media-fetch-service/internal/usecase"
)

// stubFetcher answers Info from a fixed table and Fetch by writing a small file.
type stubFetcher struct {
	dir string

	mu      sync.Mutex
	release chan struct{} // when set, Fetch waits on it after reporting 40%
	fail    error
}

func (f *stubFetcher) Info(ctx context.Context, url string) (*model.MediaInfo, error) {
	if strings.Contains(url, "private") {
		return nil, &domain.ToolError{Op: "info", ExitCode: 1, Diagnostic: "ERROR: Private video"}
	}
	return &model.MediaInfo{ID: "abc", Title: "Demo clip", Thumbnail: "https://i.ytimg.com/abc.jpg", DurationSeconds: 212}, nil
}

func (f *stubFetcher) Fetch(ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
	f.mu.Lock()
	release, fail := f.release, f.fail
	f.mu.Unlock()

	progress <- 40
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	path := filepath.Join(f.dir, "Demo clip-"+req.Token+".mp4")
	if err := os.WriteFile(path, []byte("fake media bytes"), 0o600); err != nil {
		return nil, err
	}
	return &adapter.FetchOutcome{Path: path, Size: 16}, nil
}

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	store   *redisstore.JobStore
	fetcher *stubFetcher
	proc    *worker.DownloadProcessor
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T, rl config.RateLimitConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisstore.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	log := logging.Nop()
	store := redisstore.NewJobStore(client, "test-downloads", log)
	fetcher := &stubFetcher{dir: t.TempDir()}

	if rl.APILimit == 0 {
		rl = config.RateLimitConfig{APILimit: 1000, APIWindow: time.Minute, DownloadLimit: 1000, DownloadWindow: time.Minute}
	}
	s := NewServer(
		usecase.NewDownloadUseCase(store, 2, log),
		usecase.NewStatusUseCase(store, redisstore.NewLocker(client), redisstore.ArtifactLockKey, time.Minute, log),
		usecase.NewInfoUseCase(fetcher, log),
		redisstore.NewRateLimiter(client),
		store.Ping,
		Options{
			RequestTimeout: 5 * time.Second,
			RateLimit:      rl,
			StreamPoll:     5 * time.Millisecond,
			StreamMinGap:   time.Millisecond,
		},
		log,
	)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	proc := worker.NewDownloadProcessor(store, fetcher, worker.ProcessorOptions{
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     30 * time.Second,
		BackoffBase:  time.Millisecond,
		MaxAttempts:  2,
	}, log)
	return &harness{t: t, srv: srv, store: store, fetcher: fetcher, proc: proc, mr: mr}
}

func (h *harness) do(method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(h.t, err)
	return resp, buf.Bytes()
}

func (h *harness) status(id string) model.JobStatus {
	h.t.Helper()
	resp, body := h.do(http.MethodGet, "/api/video/status/"+id, nil)
	require.Equal(h.t, http.StatusOK, resp.StatusCode, string(body))
	var st model.JobStatus
	require.NoError(h.t, json.Unmarshal(body, &st))
	return st
}

func (h *harness) submit(url string) string {
	h.t.Helper()
	resp, body := h.do(http.MethodPost, "/api/video/download", map[string]string{"url": url})
	require.Equal(h.t, http.StatusAccepted, resp.StatusCode, string(body))
	var out downloadResponse
	require.NoError(h.t, json.Unmarshal(body, &out))
	assert.Equal(h.t, "Download job queued successfully", out.Message)
	require.NotEmpty(h.t, out.JobID)
	return out.JobID
}

func decodeError(t *testing.T, body []byte) api.ErrorBody {
	t.Helper()
	var e api.ErrorBody
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	assert.Equal(t, "error", e.Status)
	return e
}

func TestServer_DownloadLifecycle(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	release := make(chan struct{})
	h.fetcher.release = release

	id := h.submit("https://www.youtube.com/watch?v=abc")
	st := h.status(id)
	assert.Equal(t, model.JobStateWaiting, st.State)
	assert.Zero(t, st.Progress)

	resp, body := h.do(http.MethodGet, "/api/video/file/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.CodeNotReady, decodeError(t, body).Code)

	done := make(chan bool)
	go func() { done <- h.proc.ProcessOne(context.Background()) }()

	require.Eventually(t, func() bool {
		st := h.status(id)
		return st.State == model.JobStateActive && st.Progress == 40
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.True(t, <-done)

	st = h.status(id)
	assert.Equal(t, model.JobStateCompleted, st.State)
	assert.Equal(t, 100.0, st.Progress)
	require.NotNil(t, st.Result)
	assert.Equal(t, "Demo clip-"+strings.ToLower(id)+"-1.mp4", st.Result.Filename)

	resp, body = h.do(http.MethodGet, "/api/video/file/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fake media bytes", string(body))
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "16", resp.Header.Get("Content-Length"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), st.Result.Filename)
	assert.NoFileExists(t, st.Result.Path)

	resp, body = h.do(http.MethodGet, "/api/video/file/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, api.CodeArtifactGone, e.Code)
	assert.Equal(t, "File no longer available on server", e.Message)
}

func TestServer_FailedJob(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	h.fetcher.fail = &domain.ToolError{Op: "download", ExitCode: 1, Diagnostic: "ERROR: Video unavailable"}

	id := h.submit("https://youtu.be/xyz")
	for i := 0; i < 200 && !h.status(id).State.IsTerminal(); i++ {
		h.proc.ProcessOne(context.Background())
		time.Sleep(2 * time.Millisecond)
	}

	st := h.status(id)
	assert.Equal(t, model.JobStateFailed, st.State)
	assert.Equal(t, "ERROR: Video unavailable", st.FailureReason)
	assert.Nil(t, st.Result)

	resp, body := h.do(http.MethodGet, "/api/video/file/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.CodeNotReady, decodeError(t, body).Code)
}

func TestServer_Info(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})

	resp, body := h.do(http.MethodPost, "/api/video/info", map[string]string{"url": "https://www.youtube.com/watch?v=abc"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info model.MediaInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "Demo clip", info.Title)
	assert.Equal(t, 212.0, info.DurationSeconds)

	resp, body = h.do(http.MethodPost, "/api/video/info", map[string]string{"url": "https://youtube.com/watch?v=private"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, api.CodeToolFailure, e.Code)
	assert.Equal(t, "ERROR: Private video", e.Message)
}

func TestServer_Validation(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})

	cases := []struct {
		name string
		path string
		body any
		msg  string
	}{
		{"missing url", "/api/video/download", map[string]string{}, `Validation Error: "url" is required`},
		{"empty body", "/api/video/info", nil, `Validation Error: "url" is required`},
		{"unsupported host", "/api/video/download", map[string]string{"url": "https://example.com/video"},
			"Validation Error: URL must be a valid link from a supported platform (e.g., YouTube, Twitter, TikTok, etc.)"},
		{"query without path", "/api/video/download", map[string]string{"url": "https://youtube.com/?v=abc"},
			"Validation Error: URL must be a valid link from a supported platform (e.g., YouTube, Twitter, TikTok, etc.)"},
		{"not a url", "/api/video/info", map[string]string{"url": "youtube"}, ""},
		{"bad mode", "/api/video/download", map[string]string{"url": "https://youtu.be/x", "mode": "gif"}, `Validation Error: "mode" must be one of [video, audio]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.do(http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			e := decodeError(t, body)
			assert.Equal(t, api.CodeValidation, e.Code)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, e.Message)
			}
		})
	}

	counts, err := h.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts[model.JobStateWaiting], "rejected requests never create jobs")
}

func TestServer_AudioModeFromFormat(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	resp, body := h.do(http.MethodPost, "/api/video/download", map[string]string{"url": "https://x.com/u/status/1", "format": "audio"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out downloadResponse
	require.NoError(t, json.Unmarshal(body, &out))

	job, err := h.store.Get(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeAudio, job.Payload.Mode)
}

func TestServer_NotFound(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})

	resp, body := h.do(http.MethodGet, "/api/video/status/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Job not found", decodeError(t, body).Message)

	resp, body = h.do(http.MethodGet, "/api/video/file/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, api.CodeNotFound, decodeError(t, body).Code)

	resp, body = h.do(http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", decodeError(t, body).Message)
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{
		APILimit: 100, APIWindow: 15 * time.Minute,
		DownloadLimit: 2, DownloadWindow: time.Hour,
	})

	h.submit("https://youtu.be/one")
	h.submit("https://youtu.be/two")
	resp, body := h.do(http.MethodPost, "/api/video/download", map[string]string{"url": "https://youtu.be/three"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	e := decodeError(t, body)
	assert.Equal(t, api.CodeRateLimited, e.Code)
	assert.Equal(t, "Download limit exceeded. Please try again later.", e.Message)

	// Other endpoints only count against the general limiter.
	resp, _ = h.do(http.MethodPost, "/api/video/info", map[string]string{"url": "https://youtu.be/one"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RateLimitFailsOpen(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	h.mr.SetError("connection refused")
	resp, _ := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// The limiter cannot reach redis but must not reject the request; the store error surfaces instead.
	resp, body := h.do(http.MethodGet, "/api/video/status/abc", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, api.CodeInternal, decodeError(t, body).Code)
	h.mr.SetError("")
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	resp, body := h.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out healthResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "ok", out.Status)
	assert.GreaterOrEqual(t, out.Uptime, 0.0)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get(api.TraceHeader))
}

func TestServer_StatusStream(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	release := make(chan struct{})
	h.fetcher.release = release
	id := h.submit("https://vimeo.com/123")

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/video/status/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() model.JobStatus {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var st model.JobStatus
		require.NoError(t, conn.ReadJSON(&st))
		return st
	}
	assert.Equal(t, model.JobStateWaiting, read().State)

	done := make(chan bool)
	go func() { done <- h.proc.ProcessOne(context.Background()) }()

	var st model.JobStatus
	for st.Progress != 40 {
		st = read()
		require.False(t, st.State.IsTerminal())
	}
	close(release)
	<-done

	for !st.State.IsTerminal() {
		st = read()
	}
	assert.Equal(t, model.JobStateCompleted, st.State)
	require.NotNil(t, st.Result)

	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestServer_StatusStreamUnknownJob(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/video/status/missing/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
