package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ==========================
// Mocks
// ==========================

type MockFailer struct {
	mock.Mock
}

func (m *MockFailer) Fail(ctx context.Context, jobID, token string, cause error, retryable bool) (bool, error) {
	args := m.Called(ctx, jobID, token, cause, retryable)
	return args.Bool(0), args.Error(1)
}

type recordingLogger struct {
	entries []map[string]interface{}
}

func (l *recordingLogger) Error(_ string, fields map[string]interface{}) {
	l.entries = append(l.entries, fields)
}

// ==========================
// Classification Tests
// ==========================

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unclassified", New("redis: connection reset"), true},
		{"wrapped unclassified", fmt.Errorf("enqueue log job: %w", New("i/o timeout")), true},
		{"handler panic", fmt.Errorf("handler panic: %v", "boom"), true},
		{"job invalid", NewJobInvalidError(New("bad payload")), false},
		{"invalid status", NewInvalidStatusError(1, "LOGGED"), false},
		{"wrapped job invalid", fmt.Errorf("parse: %w", NewJobInvalidError(New("x"))), false},
		{"callback parse", NewCallbackParseError("no parser"), false},
		{"store unavailable", NewStoreUnavailableError("get", New("down")), true},
		{"outcomes pending", NewOutcomesPendingError(1, 3), true},
		{"retryable provider", NewRetryableProviderError("ses", "Throttling", New("slow down")), true},
		{"terminal provider", NewTerminalProviderError("ses", "MessageRejected", false, New("no")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestNormalize(t *testing.T) {
	se := Normalize(New("redis: connection reset"))
	assert.Equal(t, ErrCodeInternal, se.Code)
	assert.True(t, se.Retryable)
	assert.Equal(t, "redis: connection reset", se.Details)

	invalid := NewJobInvalidError(New("bad"))
	assert.Same(t, invalid, Normalize(fmt.Errorf("wrapped: %w", invalid)))

	pe := Normalize(NewTerminalProviderError("sns", "InvalidParameter", true, New("bad number")))
	assert.Equal(t, ErrCodeProviderTerminal, pe.Code)
	assert.False(t, pe.Retryable)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "INTERNAL_ERROR", CodeOf(New("x")))
	assert.Equal(t, "Throttling", CodeOf(NewRetryableProviderError("ses", "Throttling", New("x"))))
	assert.Equal(t, string(ErrCodeJobInvalid), CodeOf(NewJobInvalidError(New("x"))))
}

// ==========================
// Handler Tests
// ==========================

func TestHandleJobError_UnclassifiedErrorIsRetried(t *testing.T) {
	failer := new(MockFailer)
	failer.On("Fail", mock.Anything, "job-1", "tok-1", mock.AnythingOfType("*errors.StandardError"), true).Return(false, nil)
	log := &recordingLogger{}

	dead := NewErrorHandler(log).HandleJobError(context.Background(), failer,
		JobRef{ID: "job-1", Token: "tok-1", Queue: "send", Attempts: 1, MaxAttempts: 3},
		New("redis: connection reset"))

	assert.False(t, dead)
	failer.AssertExpectations(t)
	require.Len(t, log.entries, 1)
	assert.Equal(t, "INTERNAL_ERROR", log.entries[0]["errorCode"])
	assert.Equal(t, true, log.entries[0]["retryable"])
}

func TestHandleJobError_TerminalErrorDeadLetters(t *testing.T) {
	failer := new(MockFailer)
	failer.On("Fail", mock.Anything, "job-2", "tok-2", mock.Anything, false).Return(true, nil)
	log := &recordingLogger{}

	dead := NewErrorHandler(log).HandleJobError(context.Background(), failer,
		JobRef{ID: "job-2", Token: "tok-2", Queue: "send", Attempts: 1, MaxAttempts: 3},
		NewJobInvalidError(New("bad payload")))

	assert.True(t, dead)
	failer.AssertExpectations(t)
	assert.Equal(t, true, log.entries[0]["deadLettered"])
}

func TestHandleJobError_LogsFailToRecord(t *testing.T) {
	failer := new(MockFailer)
	failer.On("Fail", mock.Anything, "job-3", "stale", mock.Anything, true).Return(false, New("job is not active"))
	log := &recordingLogger{}

	NewErrorHandler(log).HandleJobError(context.Background(), failer, JobRef{ID: "job-3", Token: "stale", Queue: "log"}, New("x"))

	require.Len(t, log.entries, 2)
	assert.Equal(t, "job is not active", log.entries[1]["error"])
}
