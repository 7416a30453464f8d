package model

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"media-fetch-service/internal/domain"
)

// Mode selects what the external tool produces for a URL.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// ParseMode accepts "video" or "audio" (case-insensitive); empty means video.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ModeVideo):
		return ModeVideo, nil
	case string(ModeAudio):
		return ModeAudio, nil
	default:
		return "", domain.ErrInvalidArgument
	}
}

// JobState is the queue-visible lifecycle state of a job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateDelayed   JobState = "delayed" // retry scheduled
)

// IsTerminal reports whether no further transition can happen.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// IsPending reports whether the job is still waiting for or undergoing execution.
func (s JobState) IsPending() bool {
	return s == JobStateWaiting || s == JobStateActive || s == JobStateDelayed
}

// CanTransition encodes the allowed forward moves:
// waiting->active, active->{completed,delayed,failed}, delayed->active.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobStateWaiting:
		return to == JobStateActive
	case JobStateActive:
		return to == JobStateCompleted || to == JobStateDelayed || to == JobStateFailed
	case JobStateDelayed:
		return to == JobStateActive
	default:
		return false
	}
}

// DefaultMaxAttempts is the retry ceiling applied when none is configured.
const DefaultMaxAttempts = 3

// Payload is what a client asked for. Immutable once the job exists.
type Payload struct {
	URL  string `json:"url"`
	Mode Mode   `json:"mode"`
}

// JobResult points at the produced artifact.
type JobResult struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

func NewJobResult(path string) *JobResult {
	return &JobResult{Path: path, Filename: filepath.Base(path)}
}

// Job is the durable unit of work kept by the queue store.
type Job struct {
	ID            string
	Payload       Payload
	State         JobState
	Progress      float64
	Attempts      int
	MaxAttempts   int
	Result        *JobResult
	FailureReason string
	LastError     string

	RunAt      time.Time
	LeaseToken string
	LeaseUntil time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
	FinishedAt  *time.Time
}

// NewJob builds a waiting job for a payload. The id must be unique for the lifetime of the store.
func NewJob(id string, p Payload, maxAttempts int) (*Job, error) {
	if id == "" || strings.TrimSpace(p.URL) == "" {
		return nil, domain.ErrInvalidArgument
	}
	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return &Job{
		ID:          id,
		Payload:     Payload{URL: strings.TrimSpace(p.URL), Mode: mode},
		State:       JobStateWaiting,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Token is the per-attempt marker embedded in output filenames.
func (j *Job) Token(attempt int) string {
	return strings.ToLower(j.ID) + "-" + strconv.Itoa(attempt)
}

func (j *Job) Status() *JobStatus {
	st := &JobStatus{
		JobID:    j.ID,
		State:    j.State,
		Progress: j.Progress,
	}
	if j.State == JobStateCompleted && j.Result != nil {
		r := *j.Result
		st.Result = &r
	}
	if j.State == JobStateFailed {
		st.FailureReason = j.FailureReason
	}
	return st
}

// JobStatus is the point-in-time view handed to polling clients.
type JobStatus struct {
	JobID         string     `json:"jobId"`
	State         JobState   `json:"state"`
	Progress      float64    `json:"progress"`
	Result        *JobResult `json:"result,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// ClampProgress bounds a reported percentage to [0,100].
func ClampProgress(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
