package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrValidation      = errors.New("validation failed")

	// Artifact retrieval
	ErrNotReady     = errors.New("file not ready or job failed")
	ErrGoneMissing  = errors.New("file no longer available on server")
	ErrArtifactBusy = errors.New("file is already being transferred")

	// Execution
	ErrExternalTool       = errors.New("external tool failed")
	ErrArtifactNotFound   = errors.New("external tool finished but the produced file could not be located")
	ErrTransientStore     = errors.New("queue store temporarily unavailable")
	ErrLeaseLost          = errors.New("job is no longer owned by this worker")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("could not read database row")
)

// ToolError reports a non-zero exit of the external media tool.
// Diagnostic holds what the tool printed on its error stream.
type ToolError struct {
	Op         string
	ExitCode   int
	Diagnostic string
}

func (e *ToolError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s: exited with code %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s: exited with code %d: %s", e.Op, e.ExitCode, e.Diagnostic)
}

func (e *ToolError) Unwrap() error { return ErrExternalTool }

// FailureReason turns an execution error into the human-readable text stored on a failed job.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	var te *ToolError
	if errors.As(err, &te) && te.Diagnostic != "" {
		return te.Diagnostic
	}
	return err.Error()
}
