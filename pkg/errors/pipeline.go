package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a classified task error, one of the six categories
// of the task error taxonomy.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "bad_request"
	ErrCodeNotAuthorized     ErrorCode = "not_authorized"
	ErrCodeUpstreamTransport ErrorCode = "upstream_transport"
	ErrCodeArchive           ErrorCode = "archive_error"
	ErrCodeSMTP              ErrorCode = "smtp_error"
	ErrCodeInternal          ErrorCode = "internal_error"
)

// TaskError is a structured error for task failures, recorded as an error
// row (with stage and cause) at the single task-boundary handler.
type TaskError struct {
	Code     ErrorCode
	Stage    string
	Message  string
	Duration time.Duration
	Cause    error
}

func (e *TaskError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// ClassifyError inspects an error and returns a *TaskError with the
// appropriate code for the given pipeline stage (e.g. "ingest", "zip",
// "email"). If the error doesn't match any known sentinel or pattern, it
// returns a TaskError with ErrCodeInternal.
func ClassifyError(err error, stage string) *TaskError {
	if err == nil {
		return nil
	}

	te := &TaskError{Stage: stage, Cause: err, Message: err.Error()}

	switch {
	case errors.Is(err, ErrBadRequest):
		te.Code = ErrCodeBadRequest
	case errors.Is(err, ErrNotAuthorized):
		te.Code = ErrCodeNotAuthorized
	case errors.Is(err, ErrUpstreamTransport):
		te.Code = ErrCodeUpstreamTransport
	case errors.Is(err, ErrArchive):
		te.Code = ErrCodeArchive
	case errors.Is(err, ErrSMTP):
		te.Code = ErrCodeSMTP
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		te.Code = ErrCodeUpstreamTransport
	default:
		te.Code = classifyByMessage(err.Error())
	}

	return te
}

// classifyByMessage falls back to pattern matching for errors that were not
// wrapped around one of the package's sentinels, e.g. errors bubbling up
// from net/http or os/exec.
func classifyByMessage(msg string) ErrorCode {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "status code"):
		return ErrCodeUpstreamTransport
	case strings.Contains(lower, "exit status"),
		strings.Contains(lower, "zip"):
		return ErrCodeArchive
	case strings.Contains(lower, "smtp"),
		strings.Contains(lower, "mail"):
		return ErrCodeSMTP
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "secret"):
		return ErrCodeNotAuthorized
	default:
		return ErrCodeInternal
	}
}

// IsRetryableErr returns true if the task error is worth resubmitting.
// Per the error handling design, ckanpackager never retries automatically;
// this only informs operator-facing diagnostics.
func IsRetryableErr(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		if info, ok := ErrorCodeRegistry[te.Code]; ok {
			return info.Retryable
		}
	}
	return false
}
