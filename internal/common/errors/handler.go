// internal/common/errors/handler.go
package errors

import (
	"context"
	"time"
)

// ErrorHandler handles job errors with standardized error handling
type ErrorHandler struct {
	logger Logger
}

type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// JobFailer is the part of the dispatch queue the handler reports failures to.
type JobFailer interface {
	Fail(ctx context.Context, jobID, token string, cause error, retryable bool) (bool, error)
}

// JobRef identifies the job that failed.
type JobRef struct {
	ID          string
	Token       string
	Queue       string
	Attempts    int
	MaxAttempts int
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleJobError normalizes err, logs it and fails the job on the queue.
// It returns whether the job was moved to the dead-letter list.
func (h *ErrorHandler) HandleJobError(ctx context.Context, q JobFailer, job JobRef, err error) bool {
	stdErr := Normalize(err)
	retryable := IsRetryable(err)

	deadLettered, failErr := q.Fail(ctx, job.ID, job.Token, stdErr, retryable)
	h.logError(job, stdErr, retryable, deadLettered)
	if failErr != nil {
		h.logger.Error("failed to record job failure", map[string]interface{}{
			"jobId": job.ID,
			"queue": job.Queue,
			"error": failErr.Error(),
		})
	}
	return deadLettered
}

// Normalize ensures we always have a StandardError. Errors nobody classified
// come out retryable; only the queue's attempt budget bounds them.
func Normalize(err error) *StandardError {
	var stdErr *StandardError
	if As(err, &stdErr) {
		return stdErr
	}
	var pe *ProviderError
	if As(err, &pe) {
		code := ErrCodeProviderTerminal
		if pe.Class == ClassRetryable {
			code = ErrCodeProviderTransient
		}
		return &StandardError{
			Code:      code,
			Message:   "Provider call failed",
			Details:   pe.Error(),
			Retryable: pe.Class == ClassRetryable,
			Timestamp: time.Now().UTC(),
			cause:     err,
		}
	}
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func (h *ErrorHandler) logError(job JobRef, stdErr *StandardError, retryable, deadLettered bool) {
	h.logger.Error("Job failed", map[string]interface{}{
		"jobId":         job.ID,
		"queue":         job.Queue,
		"attempt":       job.Attempts,
		"maxAttempts":   job.MaxAttempts,
		"errorCode":     string(stdErr.Code),
		"message":       stdErr.Message,
		"details":       stdErr.Details,
		"retryable":     retryable,
		"deadLettered":  deadLettered,
		"errorCategory": GetErrorCategory(stdErr.Code),
	})
}
