package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"media-fetch-service/internal/domain/model"
)

// Phase is the client-side view of where a download session stands.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseInfoRequested     Phase = "info_requested"
	PhaseInfoReady         Phase = "info_ready"
	PhaseDownloadRequested Phase = "download_requested"
	PhasePolling           Phase = "polling"
	PhaseReady             Phase = "ready"
	PhaseFailed            Phase = "failed"
)

// ErrWrongPhase is returned when an action is not allowed in the current phase.
var ErrWrongPhase = errors.New("action not allowed in current phase")

// JobFailedError is a failure the backend recorded on the job.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return "download failed"
	}
	return "download failed: " + e.Reason
}

// PhaseLabel is a display hint derived from progress. It is not a backend state.
func PhaseLabel(progress float64) string {
	if progress < 99 {
		return "downloading"
	}
	return "finalizing"
}

// Snapshot is what a UI renders after every change.
type Snapshot struct {
	Phase    Phase
	URL      string
	Mode     model.Mode
	Info     *model.MediaInfo
	JobID    string
	State    model.JobState
	Progress float64
	Label    string
	Result   *model.JobResult
	Err      error
}

// Session drives one URL through info, download, polling and retrieval.
// Actions must not run concurrently; Snapshot may be read from any goroutine.
type Session struct {
	api  *API
	feed Feed

	mu       sync.Mutex
	snap     Snapshot
	onChange func(Snapshot)
}

func NewSession(api *API, feed Feed) *Session {
	if feed == nil {
		feed = NewPollingFeed(api, DefaultPollInterval)
	}
	return &Session{api: api, feed: feed, snap: Snapshot{Phase: PhaseIdle}}
}

// OnChange registers fn to receive a copy of the snapshot after every transition or update.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.snap)
	snap, cb := s.snap, s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

func (s *Session) expect(allowed ...Phase) error {
	cur := s.Snapshot().Phase
	for _, p := range allowed {
		if cur == p {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongPhase, cur)
}

// RequestInfo looks up metadata for url. It may start over from any settled phase.
func (s *Session) RequestInfo(ctx context.Context, url string) (*model.MediaInfo, error) {
	if err := s.expect(PhaseIdle, PhaseInfoReady, PhaseReady, PhaseFailed); err != nil {
		return nil, err
	}
	url = strings.TrimSpace(url)
	s.update(func(sn *Snapshot) { *sn = Snapshot{Phase: PhaseInfoRequested, URL: url} })

	info, err := s.api.Info(ctx, url)
	if err != nil {
		s.update(func(sn *Snapshot) { sn.Phase, sn.Err = PhaseIdle, err })
		return nil, err
	}
	s.update(func(sn *Snapshot) { sn.Phase, sn.Info = PhaseInfoReady, info })
	return info, nil
}

// Download submits the job and follows it until it is terminal. The returned error is
// a *JobFailedError for a backend failure and wraps ErrConnectivity for transport failures.
func (s *Session) Download(ctx context.Context, mode model.Mode) (*model.JobStatus, error) {
	if err := s.expect(PhaseInfoReady); err != nil {
		return nil, err
	}
	s.update(func(sn *Snapshot) {
		sn.Phase, sn.Mode, sn.Err = PhaseDownloadRequested, mode, nil
		sn.JobID, sn.State, sn.Progress, sn.Label, sn.Result = "", "", 0, "", nil
	})

	jobID, err := s.api.Submit(ctx, s.Snapshot().URL, mode)
	if err != nil {
		s.update(func(sn *Snapshot) { sn.Phase, sn.Err = PhaseFailed, err })
		return nil, err
	}
	s.update(func(sn *Snapshot) {
		sn.Phase, sn.JobID, sn.State, sn.Label = PhasePolling, jobID, model.JobStateWaiting, PhaseLabel(0)
	})

	final, err := s.feed.Watch(ctx, jobID, func(st *model.JobStatus) {
		if st.State.IsTerminal() {
			return
		}
		s.update(func(sn *Snapshot) {
			sn.State, sn.Progress, sn.Label = st.State, st.Progress, PhaseLabel(st.Progress)
		})
	})
	if err != nil {
		s.update(func(sn *Snapshot) { sn.Phase, sn.Err = PhaseFailed, err })
		return nil, err
	}

	if final.State == model.JobStateFailed {
		ferr := &JobFailedError{JobID: jobID, Reason: final.FailureReason}
		s.update(func(sn *Snapshot) {
			sn.Phase, sn.State, sn.Progress, sn.Err = PhaseFailed, final.State, final.Progress, ferr
		})
		return final, ferr
	}
	s.update(func(sn *Snapshot) {
		sn.Phase, sn.State, sn.Progress, sn.Label, sn.Result = PhaseReady, final.State, final.Progress, PhaseLabel(final.Progress), final.Result
	})
	return final, nil
}

// Retry resubmits the same URL and mode as a fresh job. The failed job is not resumed.
func (s *Session) Retry(ctx context.Context) (*model.JobStatus, error) {
	if err := s.expect(PhaseFailed); err != nil {
		return nil, err
	}
	snap := s.Snapshot()
	if snap.Info == nil {
		return nil, fmt.Errorf("%w: no media info to retry from", ErrWrongPhase)
	}
	s.update(func(sn *Snapshot) { sn.Phase, sn.Err = PhaseInfoReady, nil })
	return s.Download(ctx, snap.Mode)
}

// Save retrieves the artifact of a ready job into dst.
func (s *Session) Save(ctx context.Context, dst io.Writer) (string, int64, error) {
	if err := s.expect(PhaseReady); err != nil {
		return "", 0, err
	}
	return s.api.Download(ctx, s.Snapshot().JobID, dst)
}
