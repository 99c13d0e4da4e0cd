// Package errors provides classified errors for the consistency engine.
// Every failure crossing a component boundary carries an HTTP-like status
// code and a retryability flag; the retry layer consults only the flag and
// never inspects error content.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes used across the engine
const (
	CodeConfigMissing      = "config_missing"
	CodeGatewayTimeout     = "gateway_timeout"
	CodeServiceUnavailable = "service_unavailable"
	CodeRateLimited        = "rate_limited"
	CodePermissionDenied   = "permission_denied"
	CodeInvalidRequest     = "invalid_request"
	CodeProviderError      = "provider_error"
	CodeEmptyResponse      = "empty_response"
	CodeMalformedResponse  = "malformed_response"
)

// ClassifiedError is an error carrying a status code and retryability flag
type ClassifiedError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%d %s] %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// New creates a new classified error
func New(statusCode int, code, message string, retryable bool) *ClassifiedError {
	return &ClassifiedError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
	}
}

// Wrap wraps an existing error with classification
func Wrap(err error, statusCode int, code, message string, retryable bool) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		cause:      err,
	}
}

// ConfigMissing reports an absent required configuration setting. Not
// retryable: the process is misconfigured, not the request.
func ConfigMissing(setting string) *ClassifiedError {
	return New(500, CodeConfigMissing, fmt.Sprintf("missing required configuration: %s", setting), false)
}

// Timeout reports a single attempt exceeding its latency ceiling
func Timeout(operation string) *ClassifiedError {
	return New(504, CodeGatewayTimeout, fmt.Sprintf("%s timed out", operation), true)
}

// Unavailable reports a network-level failure reaching the provider
func Unavailable(err error) *ClassifiedError {
	return Wrap(err, 503, CodeServiceUnavailable, "AI service unavailable", true)
}

// IsRetryable reports whether err carries a retryable classification.
// Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// StatusOf returns the status code carried by err, or 500 if unclassified
func StatusOf(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 500
}

// CodeOf returns the stable code carried by err, or empty if unclassified
func CodeOf(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// FromHTTPStatus classifies a provider HTTP status into a ClassifiedError.
// 5xx and 429 are retryable; other 4xx propagate immediately.
func FromHTTPStatus(statusCode int, body string) *ClassifiedError {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch {
	case statusCode == 429:
		return New(429, CodeRateLimited, "AI service rate limited", true)
	case statusCode == 403 || statusCode == 401:
		return New(403, CodePermissionDenied, msg, false)
	case statusCode == 504:
		return New(504, CodeGatewayTimeout, msg, true)
	case statusCode >= 500:
		return New(503, CodeServiceUnavailable, msg, true)
	case statusCode >= 400:
		return New(400, CodeInvalidRequest, msg, false)
	default:
		return New(500, CodeProviderError, msg, true)
	}
}

// ClassifyProviderMessage pattern-matches a provider error message into a
// classified error when no usable status code is available (SDK-style
// failures surface as opaque strings).
func ClassifyProviderMessage(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "429"):
		return Wrap(err, 429, CodeRateLimited, "AI service rate limited", true)
	case strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return Wrap(err, 403, CodePermissionDenied, err.Error(), false)
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "400"):
		return Wrap(err, 400, CodeInvalidRequest, err.Error(), false)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return Wrap(err, 504, CodeGatewayTimeout, err.Error(), true)
	default:
		return Wrap(err, 500, CodeProviderError, err.Error(), true)
	}
}
