package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors. Call sites wrap these with fmt.Errorf("%w: %w", ...) so a
// single error can carry both its stage (authentication, navigation) and its
// cause (timeout, rejection).
var (
	// ErrTimeout marks a transient failure: no landmark or artifact appeared in time.
	ErrTimeout = errors.New("timed out")

	// ErrAuthRejected means the portal explicitly refused the login. Never retried.
	ErrAuthRejected = errors.New("authentication rejected")

	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNavigationFailed     = errors.New("navigation failed")
	ErrDownloadFailed       = errors.New("download failed")
	ErrUnknownInstitution   = errors.New("unknown institution")
	ErrMalformedRecord      = errors.New("malformed record")

	// ErrMissingSelector is a configuration error; retrying cannot fix it.
	ErrMissingSelector = errors.New("missing selector")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrMissingSelector) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTimeout)
}

// PartialFailure is returned by an extractor when at least one account type
// succeeded and at least one failed. Succeeded batches are still usable.
type PartialFailure struct {
	InstitutionID string
	Succeeded     []AccountType
	Failed        map[AccountType]error
}

func (e *PartialFailure) Error() string {
	keys := e.FailedTypes()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("%s: partial failure (%d succeeded, %d failed): %s",
		e.InstitutionID, len(e.Succeeded), len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the per-account errors to errors.Is and errors.As.
func (e *PartialFailure) Unwrap() []error {
	keys := e.FailedTypes()
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, e.Failed[k])
	}
	return errs
}

// FailedTypes returns the failed account types in a stable order.
func (e *PartialFailure) FailedTypes() []AccountType {
	keys := make([]AccountType, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// MalformedRecordError carries the offending line so skipped rows can be reported.
type MalformedRecordError struct {
	Line   int
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("line %d: %s %q: %s", e.Line, e.Field, e.Value, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }
