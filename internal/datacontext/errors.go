package datacontext

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound means a backend answered and the message does not exist
	// (or is a tombstone).
	ErrNotFound = errors.New("datacontext: not found")
	// ErrUnavailable is matched by every *UnavailableError.
	ErrUnavailable = errors.New("datacontext: unavailable")
)

type Reason string

const (
	// ReasonNoBackends: the context was built without any data source.
	ReasonNoBackends Reason = "no_backends"
	// ReasonAllFailed: every configured source failed this request.
	ReasonAllFailed Reason = "all_failed"
)

// SourceError is one backend's failure.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string {
	return e.Source + ": " + e.Err.Error()
}

// UnavailableError reports that no backend could answer.
type UnavailableError struct {
	Reason Reason
	Causes []SourceError
}

func (e *UnavailableError) Error() string {
	if len(e.Causes) == 0 {
		return "datacontext unavailable: " + string(e.Reason)
	}
	parts := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		parts[i] = c.Error()
	}
	return "datacontext unavailable: " + string(e.Reason) + ": " + strings.Join(parts, "; ")
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() []error {
	out := make([]error, len(e.Causes))
	for i, c := range e.Causes {
		out[i] = c.Err
	}
	return out
}
