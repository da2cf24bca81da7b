package provider

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
)

var retryableAPICodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"ThrottledException":       true,
	"TooManyRequestsException": true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
	"ServiceUnavailable":       true,
	"InternalFailure":          true,
	"InternalError":            true,
	"KMSThrottling":            true,
}

// Codes that mean the address itself will never accept the message.
var invalidRecipientAPICodes = map[string]bool{
	"InvalidParameter":      true,
	"InvalidParameterValue": true,
	"EndpointDisabled":      true,
}

// Classify maps a provider failure onto RETRYABLE or TERMINAL.
// Unrecognized errors are treated as transient network trouble.
func Classify(provider string, err error) *errors.ProviderError {
	var pe *errors.ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewRetryableProviderError(provider, string(errors.ErrCodeSendTimeout), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewRetryableProviderError(provider, string(errors.ErrCodeSendTimeout), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(provider, apiErr, err)
	}

	var smtpErr *textproto.Error
	if errors.As(err, &smtpErr) {
		return classifySMTP(provider, smtpErr, err)
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return classifyStatus(provider, statusErr.HTTPStatusCode(), err)
	}

	return errors.NewRetryableProviderError(provider, string(errors.ErrCodeProviderTransient), err)
}

func classifyAPIError(provider string, apiErr smithy.APIError, err error) *errors.ProviderError {
	code := apiErr.ErrorCode()
	switch {
	case retryableAPICodes[code]:
		return errors.NewRetryableProviderError(provider, code, err)
	case invalidRecipientAPICodes[code]:
		return errors.NewTerminalProviderError(provider, code, true, err)
	case apiErr.ErrorFault() == smithy.FaultServer:
		return errors.NewRetryableProviderError(provider, code, err)
	default:
		return errors.NewTerminalProviderError(provider, code, false, err)
	}
}

// classifySMTP follows RFC 5321 reply classes: 4yz is transient, 5yz
// permanent, and 550/551/553 reject the mailbox.
func classifySMTP(provider string, smtpErr *textproto.Error, err error) *errors.ProviderError {
	code := "SMTP_" + strconv.Itoa(smtpErr.Code)
	switch {
	case smtpErr.Code >= 400 && smtpErr.Code < 500:
		return errors.NewRetryableProviderError(provider, code, err)
	case smtpErr.Code == 550 || smtpErr.Code == 551 || smtpErr.Code == 553:
		return errors.NewTerminalProviderError(provider, code, true, err)
	default:
		return errors.NewTerminalProviderError(provider, code, false, err)
	}
}

func classifyStatus(provider string, status int, err error) *errors.ProviderError {
	code := "HTTP_" + strconv.Itoa(status)
	switch {
	case status == 429:
		return errors.NewRetryableProviderError(provider, string(errors.ErrCodeRateLimited), err)
	case status == 408 || status >= 500:
		return errors.NewRetryableProviderError(provider, code, err)
	case status == 400 || status == 422:
		return errors.NewTerminalProviderError(provider, code, true, err)
	default:
		return errors.NewTerminalProviderError(provider, code, false, err)
	}
}

// classifyMessage is for SDKs that only surface a formatted error string.
func classifyMessage(provider string, err error) *errors.ProviderError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return errors.NewRetryableProviderError(provider, string(errors.ErrCodeRateLimited), err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key"):
		return errors.NewTerminalProviderError(provider, string(errors.ErrCodeProviderTerminal), false, err)
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") || strings.Contains(msg, "422"):
		return errors.NewTerminalProviderError(provider, string(errors.ErrCodeInvalidRecipient), true, err)
	default:
		return Classify(provider, err)
	}
}
