package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata. None of these are
// auto-retried by the worker pool; Retryable only flags which failures a
// caller could reasonably resubmit unchanged.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrCodeBadRequest: {
		Code:            ErrCodeBadRequest,
		Retryable:       false,
		Description:     "Request descriptor failed schema validation",
		SuggestedAction: "Fix the request body and resubmit",
	},
	ErrCodeNotAuthorized: {
		Code:            ErrCodeNotAuthorized,
		Retryable:       false,
		Description:     "Missing or incorrect shared secret",
		SuggestedAction: "Check the configured SECRET and the request's api_key",
	},
	ErrCodeUpstreamTransport: {
		Code:            ErrCodeUpstreamTransport,
		Retryable:       true,
		Description:     "Non-2xx response or network failure from the catalog or resource URL",
		SuggestedAction: "Verify the upstream host is reachable, then resubmit",
	},
	ErrCodeArchive: {
		Code:            ErrCodeArchive,
		Retryable:       true,
		Description:     "The zip command exited non-zero",
		SuggestedAction: "Check ZIP_COMMAND configuration and available disk space",
	},
	ErrCodeSMTP: {
		Code:            ErrCodeSMTP,
		Retryable:       true,
		Description:     "Email delivery failed; archive remains cached",
		SuggestedAction: "Check SMTP configuration; the archive can still be fetched once delivery succeeds",
	},
	ErrCodeInternal: {
		Code:            ErrCodeInternal,
		Retryable:       false,
		Description:     "Unclassified task failure",
		SuggestedAction: "Inspect the errors table for the full message and stack",
	},
}

// IsRetryable returns true if the given error code represents a transient,
// resubmission-worthy failure.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check the errors table for more detail"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
