package provider

import (
	"context"
	"fmt"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
)

type statusError struct{ status int }

func (e *statusError) Error() string       { return fmt.Sprintf("http %d", e.status) }
func (e *statusError) HTTPStatusCode() int { return e.status }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		wantClass        errors.Class
		wantCode         string
		invalidRecipient bool
	}{
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), errors.ClassRetryable, "SEND_TIMEOUT", false},
		{"net timeout", fmt.Errorf("dial: %w", timeoutError{}), errors.ClassRetryable, "SEND_TIMEOUT", false},
		{"smtp mailbox busy", &textproto.Error{Code: 451, Msg: "try again later"}, errors.ClassRetryable, "SMTP_451", false},
		{"smtp no such user", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 550, Msg: "no such user"}), errors.ClassTerminal, "SMTP_550", true},
		{"smtp policy", &textproto.Error{Code: 554, Msg: "rejected"}, errors.ClassTerminal, "SMTP_554", false},
		{"http 429", &statusError{429}, errors.ClassRetryable, "RATE_LIMITED", false},
		{"http 503", &statusError{503}, errors.ClassRetryable, "HTTP_503", false},
		{"http 422", &statusError{422}, errors.ClassTerminal, "HTTP_422", true},
		{"unknown", errors.New("connection reset by peer"), errors.ClassRetryable, "PROVIDER_TRANSIENT", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("test", tt.err)
			assert.Equal(t, tt.wantClass, pe.Class)
			assert.Equal(t, tt.wantCode, pe.Code)
			assert.Equal(t, tt.invalidRecipient, pe.InvalidRecipient)
			assert.ErrorIs(t, pe, tt.err)
		})
	}
}

func TestClassify_KeepsProviderError(t *testing.T) {
	orig := errors.NewTerminalProviderError("ses", "MessageRejected", false, errors.New("rejected"))
	assert.Same(t, orig, Classify("other", fmt.Errorf("wrapped: %w", orig)))
}
