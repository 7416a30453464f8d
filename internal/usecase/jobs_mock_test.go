//go:build !integration

package usecase

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/domain/ports/adapter"
)

// memJobStore is a small in-memory JobStore used by unit tests.
type memJobStore struct {
	mu         sync.Mutex
	jobs       map[string]*model.Job
	enqueueErr error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*model.Job)}
}

func (m *memJobStore) put(j *model.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
}

func (m *memJobStore) Enqueue(ctx context.Context, job *model.Job) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobStore) Claim(ctx context.Context, leaseToken string, leaseTTL time.Duration) (*model.Job, error) {
	return nil, domain.ErrNotFound
}
func (m *memJobStore) RenewLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error {
	return nil
}
func (m *memJobStore) UpdateProgress(ctx context.Context, id, leaseToken string, progress float64) error {
	return nil
}
func (m *memJobStore) Complete(ctx context.Context, id, leaseToken string, result model.JobResult) error {
	return nil
}
func (m *memJobStore) Retry(ctx context.Context, id, leaseToken string, attempts int, lastError string, delay time.Duration) error {
	return nil
}
func (m *memJobStore) Fail(ctx context.Context, id, leaseToken string, attempts int, reason string) error {
	return nil
}
func (m *memJobStore) RequeueStalled(ctx context.Context, now time.Time) ([]string, error) {
	return nil, nil
}
func (m *memJobStore) PurgeCompleted(ctx context.Context, olderThan time.Time) ([]string, error) {
	return nil, nil
}
func (m *memJobStore) ArtifactPaths(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (m *memJobStore) Counts(ctx context.Context) (map[model.JobState]int64, error) {
	return nil, nil
}
func (m *memJobStore) Ping(ctx context.Context) error { return nil }
func (m *memJobStore) Close() error                   { return nil }

// memLocker grants each key to one holder at a time.
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

var _ adapter.Locker = (*memLocker)(nil)

func newMemLocker() *memLocker { return &memLocker{held: map[string]string{}} }

func (l *memLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", domain.ErrLockHeld
	}
	l.held[key] = "tok-" + key
	return l.held[key], nil
}

func (l *memLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// bufSink collects an artifact in memory.
type bufSink struct {
	filename string
	size     int64
	begun    int
	data     []byte
	failAt   int // fail once this many bytes were written; 0 disables
}

func (b *bufSink) Begin(filename string, size int64) {
	b.filename, b.size = filename, size
	b.begun++
}

func (b *bufSink) Write(p []byte) (int, error) {
	if b.failAt > 0 && len(b.data)+len(p) > b.failAt {
		n := b.failAt - len(b.data)
		b.data = append(b.data, p[:n]...)
		return n, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func testLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}
