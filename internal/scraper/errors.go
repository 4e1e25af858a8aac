package scraper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrStorageUnavailable aborts a whole request when storage cannot be reached.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ConfigError reports a malformed site configuration. It is fatal at startup.
type ConfigError struct {
	Source string
	Agency string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Source != "" {
		msg += " in " + e.Source
	}
	if e.Agency != "" {
		msg += fmt.Sprintf(" (agency %q)", e.Agency)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ValidationError rejects a request before any network or storage activity.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchHTTPStatus       FetchErrorKind = "http_status"
	FetchRetriesExhausted FetchErrorKind = "retries_exhausted"
)

// FetchError is returned by a Fetcher once it gives up on a URL.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractErrorKind classifies extraction failures.
type ExtractErrorKind string

// Extraction failure kinds.
const (
	ExtractMissingField     ExtractErrorKind = "missing_field"
	ExtractDateParseFailure ExtractErrorKind = "date_parse_failure"
	ExtractMalformedMarkup  ExtractErrorKind = "malformed_markup"
)

// ExtractError is a recoverable per-item extraction failure.
type ExtractError struct {
	Kind  ExtractErrorKind
	Field string
	Value string
	Err   error
}

func (e *ExtractError) Error() string {
	msg := "extract: " + string(e.Kind)
	if e.Field != "" {
		msg += "(" + e.Field + ")"
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractError) Unwrap() error { return e.Err }

// StorageErrorKind classifies storage failures.
type StorageErrorKind string

// Storage failure kinds.
const (
	StorageConstraintConflict StorageErrorKind = "constraint_conflict"
	StorageConnectionFailed   StorageErrorKind = "connection_failed"
	StorageQueryFailed        StorageErrorKind = "query_failed"
)

// StorageError wraps a failed storage operation.
type StorageError struct {
	Kind StorageErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FailureKind maps an error to the stable kind recorded in outcomes.
func FailureKind(err error) string {
	var (
		fetchErr   *FetchError
		extractErr *ExtractError
		storageErr *StorageError
	)
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.As(err, &fetchErr):
		return string(fetchErr.Kind)
	case errors.As(err, &extractErr):
		return string(extractErr.Kind)
	case errors.As(err, &storageErr):
		return "storage_" + string(storageErr.Kind)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return string(FetchTimeout)
	default:
		return "internal"
	}
}

// IsStorageConnection reports whether err is a storage connectivity failure.
func IsStorageConnection(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr) && storageErr.Kind == StorageConnectionFailed
}
