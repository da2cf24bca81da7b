// Package errors provides standardized error handling for the send pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Recipient-scoped errors
const (
	ErrCodeEmptySanitizedEmail ErrorCode = "EMPTY_SANITIZED_EMAIL"
	ErrCodeEmptyMessage        ErrorCode = "EMPTY_MESSAGE"
	ErrCodeInvalidRecipient    ErrorCode = "INVALID_RECIPIENT"
	ErrCodeBlacklisted         ErrorCode = "BLACKLISTED"
	ErrCodeProviderTransient   ErrorCode = "PROVIDER_TRANSIENT"
	ErrCodeProviderTerminal    ErrorCode = "PROVIDER_TERMINAL"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeSendTimeout         ErrorCode = "SEND_TIMEOUT"
)

// Job-scoped errors
const (
	ErrCodeJobInvalid       ErrorCode = "JOB_INVALID"
	ErrCodeProviderOutage   ErrorCode = "PROVIDER_OUTAGE"
	ErrCodeQueueStalled     ErrorCode = "QUEUE_STALLED"
	ErrCodeOutcomesPending  ErrorCode = "OUTCOMES_PENDING"
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeInvalidStatus    ErrorCode = "INVALID_STATUS_TRANSITION"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Callback errors
const (
	ErrCodeCallbackAuthFailed  ErrorCode = "CALLBACK_AUTH_FAILED"
	ErrCodeCallbackParseFailed ErrorCode = "CALLBACK_PARSE_FAILED"
)

// EmptySanitizedEmail is the message carried by a MessageError.
const EmptySanitizedEmail = "Email subject and/or body empty after removing invalid HTML tags"

var (
	// ErrMessage marks recipient-scoped render failures. Match with errors.Is.
	ErrMessage = stderrors.New("message error")
	// ErrUnrecognizedEvent is returned when no single callback parser claims a payload.
	ErrUnrecognizedEvent = stderrors.New("unable to handle this event")
	// ErrUnauthorized is returned for callbacks with a missing or wrong credential.
	ErrUnauthorized = stderrors.New("callback credential rejected")
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel or underlying error, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. Provider Error Classification
// ==========================

// Class is the retry classification of a provider failure.
type Class string

const (
	ClassRetryable Class = "RETRYABLE"
	ClassTerminal  Class = "TERMINAL"
)

// ProviderError is a normalized failure returned by a channel provider.
type ProviderError struct {
	Provider         string
	Class            Class
	Code             string
	InvalidRecipient bool
	Err              error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error [%s/%s]: %v", e.Provider, e.Class, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewRetryableProviderError wraps a transient provider failure (rate limit, timeout, 5xx).
func NewRetryableProviderError(provider, code string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: ClassRetryable, Code: code, Err: err}
}

// NewTerminalProviderError wraps a permanent provider failure.
func NewTerminalProviderError(provider, code string, invalidRecipient bool, err error) *ProviderError {
	return &ProviderError{
		Provider:         provider,
		Class:            ClassTerminal,
		Code:             code,
		InvalidRecipient: invalidRecipient,
		Err:              err,
	}
}

// ==========================
// 3. Error Constructors
// ==========================

// NewMessageError creates a non-retryable, recipient-scoped render error.
func NewMessageError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEmptySanitizedEmail,
		Message:   EmptySanitizedEmail,
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     ErrMessage,
	}
}

// NewEmptyMessageError creates a non-retryable error for an SMS body that rendered empty.
func NewEmptyMessageError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeEmptyMessage,
		Message:   "Message body empty after rendering",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     ErrMessage,
	}
}

// NewJobInvalidError creates a non-retryable error for a malformed queue payload.
func NewJobInvalidError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeJobInvalid,
		Message:   "Job payload is invalid",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewProviderOutageError creates a retryable job-level error raised when every
// recipient of a batch failed with a transient provider error.
func NewProviderOutageError(channel string, failed int) *StandardError {
	return &StandardError{
		Code:      ErrCodeProviderOutage,
		Message:   "Provider unavailable for every recipient in batch",
		Details:   fmt.Sprintf("channel: %s, failed: %d", channel, failed),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueueStalledError creates the error recorded against a job that stalled too often.
func NewQueueStalledError(jobID string, stalled int) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueueStalled,
		Message:   "Job stalled more than allowable limit",
		Details:   fmt.Sprintf("jobId: %s, stalled: %d", jobID, stalled),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewOutcomesPendingError creates a retryable error used by logger workers to
// re-check a campaign whose messages have not all reached a terminal status.
func NewOutcomesPendingError(campaignID int64, outstanding int) *StandardError {
	return &StandardError{
		Code:      ErrCodeOutcomesPending,
		Message:   "Campaign still has messages awaiting delivery outcome",
		Details:   fmt.Sprintf("campaignId: %d, outstanding: %d", campaignID, outstanding),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreUnavailableError creates a retryable persistence error.
func NewStoreUnavailableError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreUnavailable,
		Message:   "Message store unavailable",
		Details:   fmt.Sprintf("op: %s, error: %s", op, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewInvalidStatusError creates a non-retryable campaign transition error.
func NewInvalidStatusError(campaignID int64, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidStatus,
		Message:   "Campaign cannot move to requested status",
		Details:   fmt.Sprintf("campaignId: %d, to: %s", campaignID, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCallbackAuthError creates the error returned for unauthenticated callbacks.
func NewCallbackAuthError() *StandardError {
	return &StandardError{
		Code:      ErrCodeCallbackAuthFailed,
		Message:   "Callback authentication failed",
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     ErrUnauthorized,
	}
}

// NewCallbackParseError creates the error returned for unrecognized callback payloads.
func NewCallbackParseError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCallbackParseFailed,
		Message:   "Unable to handle this event",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     ErrUnrecognizedEvent,
	}
}

// ==========================
// 4. Utility Functions
// ==========================

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeProviderTransient,
		ErrCodeRateLimited,
		ErrCodeSendTimeout,
		ErrCodeStoreUnavailable,
		ErrCodeInternal:
		return 3

	case ErrCodeProviderOutage:
		return 2

	case ErrCodeOutcomesPending:
		return 10

	default:
		return 0
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// IsRetryable reports whether err should be retried by the queue or the sender.
// Classified errors decide for themselves; anything else (a panic, a dropped
// Redis connection) is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Class == ClassRetryable
	}
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// CodeOf extracts the most specific code carried by err.
func CodeOf(err error) string {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		if pe.Code != "" {
			return pe.Code
		}
		if pe.Class == ClassRetryable {
			return string(ErrCodeProviderTransient)
		}
		return string(ErrCodeProviderTerminal)
	}
	var se *StandardError
	if stderrors.As(err, &se) {
		return string(se.Code)
	}
	return string(ErrCodeInternal)
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CALLBACK"):
		return "CALLBACK"
	case strings.HasPrefix(codeStr, "PROVIDER") || code == ErrCodeRateLimited || code == ErrCodeSendTimeout:
		return "PROVIDER"
	case strings.Contains(codeStr, "EMPTY") || code == ErrCodeInvalidRecipient || code == ErrCodeBlacklisted:
		return "RECIPIENT"
	case strings.HasPrefix(codeStr, "QUEUE") || strings.HasPrefix(codeStr, "JOB") || code == ErrCodeOutcomesPending:
		return "QUEUE"
	case strings.Contains(codeStr, "STORE") || strings.Contains(codeStr, "STATUS"):
		return "STORE"
	default:
		return "OTHER"
	}
}

// Is and As re-export the standard library helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
