package pipeline

import (
	"errors"
	"fmt"

	"fakturak/internal/idoklad"
)

// ErrNotClaimed is returned when an item was not in pending state at claim
// time, typically because an overlapping invocation took it first.
var ErrNotClaimed = errors.New("queue item was not claimable")

// Kind classifies a processing failure so the processor knows whether a
// retry can help.
type Kind string

const (
	KindConfig     Kind = "config"
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindExtraction Kind = "extraction"
	KindValidation Kind = "validation"
	KindAPI        Kind = "api"
)

// StageError is a failure tagged with the pipeline stage it happened in.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt can plausibly succeed.
// Misconfiguration and rejected payloads fail the same way every time;
// transient transport, auth and server-side problems do not.
func (e *StageError) Retryable() bool {
	switch e.Kind {
	case KindConfig, KindValidation:
		return false
	case KindAPI:
		var apiErr *idoklad.APIError
		if errors.As(e.Err, &apiErr) {
			return apiErr.StatusCode >= 500
		}
		return true
	}
	return true
}

func stageErr(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
