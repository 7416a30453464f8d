//go:build !integration

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
	"media-fetch-service/internal/domain/ports/repository"
	"media-fetch-service/internal/infra/logging"
	redisstore "media-fetch-service/internal/infra/redis"
)

type fetchFunc func(call int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []adapter.FetchRequest
	run   fetchFunc
}

func (f *fakeFetcher) Info(ctx context.Context, url string) (*model.MediaInfo, error) {
	return nil, errors.New("not used")
}

func (f *fakeFetcher) Fetch(ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	return f.run(n, ctx, req, progress)
}

func (f *fakeFetcher) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Token)
	}
	return out
}

// spyStore records progress writes and can inject failures on top of a real store.
type spyStore struct {
	repository.JobStore
	mu          sync.Mutex
	progress    []float64
	progressErr error
	renewErr    error
}

func (s *spyStore) UpdateProgress(ctx context.Context, id, token string, v float64) error {
	s.mu.Lock()
	s.progress = append(s.progress, v)
	err := s.progressErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.JobStore.UpdateProgress(ctx, id, token, v)
}

func (s *spyStore) RenewLease(ctx context.Context, id, token string, ttl time.Duration) error {
	if s.renewErr != nil {
		return s.renewErr
	}
	return s.JobStore.RenewLease(ctx, id, token, ttl)
}

func (s *spyStore) written() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.progress...)
}

func newStore(t *testing.T) *redisstore.JobStore {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redisstore.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return redisstore.NewJobStore(c, "test-downloads", logging.Nop())
}

func submit(t *testing.T, store repository.JobStore, id string) {
	t.Helper()
	job, err := model.NewJob(id, model.Payload{URL: "https://youtube.com/watch?v=" + id, Mode: model.ModeVideo}, 3)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(context.Background(), job))
}

func testOptions() ProcessorOptions {
	return ProcessorOptions{
		PollInterval: 5 * time.Millisecond,
		LeaseTTL:     30 * time.Second,
		BackoffBase:  time.Millisecond,
	}
}

func writeArtifact(t *testing.T, dir, token string) *adapter.FetchOutcome {
	t.Helper()
	path := filepath.Join(dir, "abc-"+token+".mp4")
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o600))
	return &adapter.FetchOutcome{Path: path, Size: 5}
}

// runUntilTerminal keeps claiming until the job reaches completed or failed.
func runUntilTerminal(t *testing.T, p *DownloadProcessor, store repository.JobStore, id string) *model.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		p.ProcessOne(ctx)
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		if job.State.IsTerminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}

func TestProcessor_FailsAfterMaxAttempts(t *testing.T) {
	store := newStore(t)
	fetcher := &fakeFetcher{run: func(int, context.Context, adapter.FetchRequest, chan<- float64) (*adapter.FetchOutcome, error) {
		return nil, &domain.ToolError{Op: "yt-dlp", ExitCode: 1, Diagnostic: "ERROR: Video unavailable"}
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	submit(t, store, "01HFAILJOB")

	job := runUntilTerminal(t, p, store, "01HFAILJOB")
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "ERROR: Video unavailable", job.FailureReason)
	assert.Nil(t, job.Result)
	assert.Equal(t, []string{"01hfailjob-1", "01hfailjob-2", "01hfailjob-3"}, fetcher.tokens())
}

func TestProcessor_SucceedsAfterRetries(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	fetcher := &fakeFetcher{run: func(call int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		if call < 3 {
			return nil, fmt.Errorf("attempt %d: %w", call, &domain.ToolError{Op: "yt-dlp", ExitCode: 1})
		}
		progress <- 50
		return writeArtifact(t, dir, req.Token), nil
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	submit(t, store, "j-retry")

	job := runUntilTerminal(t, p, store, "j-retry")
	require.Equal(t, model.JobStateCompleted, job.State)
	assert.Equal(t, 100.0, job.Progress)
	require.NotNil(t, job.Result)
	assert.Equal(t, filepath.Join(dir, "abc-j-retry-3.mp4"), job.Result.Path)
	assert.Equal(t, "abc-j-retry-3.mp4", job.Result.Filename)
	assert.Empty(t, job.FailureReason)
}

func TestProcessor_ProgressIsMonotonic(t *testing.T) {
	store := &spyStore{JobStore: newStore(t)}
	dir := t.TempDir()
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		for _, v := range []float64{10, 5, 47.3, 47.3, 30, 99.5, 150, -3} {
			progress <- v
		}
		return writeArtifact(t, dir, req.Token), nil
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	submit(t, store, "j-mono")

	require.True(t, p.ProcessOne(context.Background()))
	assert.Equal(t, []float64{10, 47.3, 99.5}, store.written())

	job, err := store.Get(context.Background(), "j-mono")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Equal(t, 100.0, job.Progress)
}

func TestProcessor_FailedAttemptKeepsLastProgress(t *testing.T) {
	store := &spyStore{JobStore: newStore(t)}
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		for _, v := range []float64{10, 20, 30, 47} {
			progress <- v
		}
		return nil, &domain.ToolError{Op: "yt-dlp", ExitCode: 1, Diagnostic: "ERROR: connection reset"}
	}}
	opts := testOptions()
	opts.BackoffBase = time.Hour
	p := NewDownloadProcessor(store, fetcher, opts, logging.Nop())

	const runs = 20
	for i := 0; i < runs; i++ {
		submit(t, store, fmt.Sprintf("j-partial-%d", i))
	}
	for i := 0; i < runs; i++ {
		require.True(t, p.ProcessOne(context.Background()))
	}
	for i := 0; i < runs; i++ {
		job, err := store.Get(context.Background(), fmt.Sprintf("j-partial-%d", i))
		require.NoError(t, err)
		assert.Equal(t, model.JobStateDelayed, job.State)
		assert.Equal(t, 47.0, job.Progress, "job %d", i)
		assert.Equal(t, 1, job.Attempts)
	}
	assert.Len(t, store.written(), 4*runs)
}

func TestProcessor_ProgressWriteFailureIsNotFatal(t *testing.T) {
	store := &spyStore{JobStore: newStore(t), progressErr: domain.ErrTransientStore}
	dir := t.TempDir()
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		progress <- 20
		progress <- 80
		return writeArtifact(t, dir, req.Token), nil
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	submit(t, store, "j-flaky")

	require.True(t, p.ProcessOne(context.Background()))
	job, err := store.Get(context.Background(), "j-flaky")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Len(t, store.written(), 2)
}

func TestProcessor_LeaseLossCancelsFetch(t *testing.T) {
	store := &spyStore{JobStore: newStore(t), renewErr: domain.ErrLeaseLost}
	cancelled := make(chan struct{})
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		select {
		case <-ctx.Done():
			close(cancelled)
			return nil, fmt.Errorf("fetch interrupted: %w", ctx.Err())
		case <-time.After(5 * time.Second):
			return nil, errors.New("fetch was not cancelled")
		}
	}}
	opts := testOptions()
	opts.LeaseTTL = 30 * time.Millisecond
	p := NewDownloadProcessor(store, fetcher, opts, logging.Nop())
	submit(t, store, "j-lease")

	require.True(t, p.ProcessOne(context.Background()))
	select {
	case <-cancelled:
	default:
		t.Fatal("fetch context was not cancelled after the lease was lost")
	}

	job, err := store.Get(context.Background(), "j-lease")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateActive, job.State, "a worker without the lease must not write an outcome")
	assert.Zero(t, job.Attempts)
}

func TestProcessor_IdleQueue(t *testing.T) {
	store := newStore(t)
	fetcher := &fakeFetcher{run: func(int, context.Context, adapter.FetchRequest, chan<- float64) (*adapter.FetchOutcome, error) {
		return nil, errors.New("unexpected fetch")
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	assert.False(t, p.ProcessOne(context.Background()))
	assert.Empty(t, fetcher.tokens())
}

func TestProcessor_Backoff(t *testing.T) {
	p := NewDownloadProcessor(nil, nil, ProcessorOptions{BackoffBase: 5 * time.Second}, logging.Nop())
	assert.Equal(t, 5*time.Second, p.backoff(1))
	assert.Equal(t, 10*time.Second, p.backoff(2))
	assert.Equal(t, 20*time.Second, p.backoff(3))
}

func TestProcessor_StartDrainsQueue(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		progress <- 99.2
		return writeArtifact(t, dir, req.Token), nil
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	for _, id := range []string{"s1", "s2", "s3"} {
		submit(t, store, id)
	}

	pool := NewPool(2, logging.Nop())
	pool.Start(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx, pool)
		close(done)
	}()

	require.Eventually(t, func() bool {
		counts, err := store.Counts(context.Background())
		return err == nil && counts[model.JobStateCompleted] == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestProcessor_ShutdownRequeuesInterruptedJob(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	fetcher := &fakeFetcher{run: func(_ int, ctx context.Context, req adapter.FetchRequest, progress chan<- float64) (*adapter.FetchOutcome, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("fetch interrupted: %w", ctx.Err())
	}}
	p := NewDownloadProcessor(store, fetcher, testOptions(), logging.Nop())
	submit(t, store, "j-shutdown")

	pool := NewPool(1, logging.Nop())
	pool.Start(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	go p.Start(ctx, pool)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was never picked up")
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer scancel()
	assert.ErrorIs(t, pool.Shutdown(sctx), context.DeadlineExceeded)

	job, err := store.Get(context.Background(), "j-shutdown")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateDelayed, job.State)
	assert.Zero(t, job.Attempts, "an interrupted attempt is not counted")
	assert.Equal(t, "interrupted by shutdown", job.LastError)
}
