// Package errors provides the task error taxonomy for ckanpackager.
//
// This package defines sentinel errors for the conditions described in the
// ingress and task-boundary error handling design: schema violations,
// authorization failures, and the three categories of task failure
// (upstream transport, archive/zip, SMTP), plus a catch-all internal error.
// Using typed errors enables consistent handling with errors.Is() checks at
// both the ingress layer and the worker-pool task boundary.
//
// Usage:
//
//	import pkerrors "github.com/otherjamesbrown/ckanpackager/pkg/errors"
//
//	return nil, pkerrors.ErrBadRequest
//
//	if pkerrors.IsUpstreamTransport(err) {
//	    // logged via the stats store; no email sent
//	}
package errors

import "errors"

// Domain errors - sentinel errors for the §7 task error taxonomy.
var (
	// ErrBadRequest indicates a schema violation on an ingress request
	// (missing required field, malformed JSON filter). Surfaced as HTTP 400.
	ErrBadRequest = errors.New("bad request")

	// ErrNotAuthorized indicates a bad or missing shared secret. HTTP 401.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrUpstreamTransport indicates a non-2xx response or network failure
	// talking to the catalog or a resource URL. The task fails; logged via
	// the stats store; no email is sent.
	ErrUpstreamTransport = errors.New("upstream transport error")

	// ErrArchive indicates the zip command exited non-zero.
	ErrArchive = errors.New("archive error")

	// ErrSMTP indicates email delivery failed. The archive remains cached;
	// the requester is not notified.
	ErrSMTP = errors.New("smtp error")

	// ErrInternal is the catch-all for any uncaught task failure.
	ErrInternal = errors.New("internal error")
)

// IsBadRequest reports whether any error in err's chain is ErrBadRequest.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

// IsNotAuthorized reports whether any error in err's chain is ErrNotAuthorized.
func IsNotAuthorized(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// IsUpstreamTransport reports whether any error in err's chain is ErrUpstreamTransport.
func IsUpstreamTransport(err error) bool {
	return errors.Is(err, ErrUpstreamTransport)
}

// IsArchive reports whether any error in err's chain is ErrArchive.
func IsArchive(err error) bool {
	return errors.Is(err, ErrArchive)
}

// IsSMTP reports whether any error in err's chain is ErrSMTP.
func IsSMTP(err error) bool {
	return errors.Is(err, ErrSMTP)
}

// IsInternal reports whether any error in err's chain is ErrInternal.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}
