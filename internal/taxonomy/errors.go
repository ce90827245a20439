// Package taxonomy defines the typed error kinds shared by every component:
// config, rate-limit, timeout, provider, process, patch, and network errors.
// Retry classification and user-facing summaries are pure functions over
// this sum type; the one exception is IsNetworkTransient, which also matches
// the known network error codes against error.Error().
package taxonomy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of taxonomy variants.
type Kind string

const (
	KindConfig    Kind = "config"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindProvider  Kind = "provider"
	KindProcess   Kind = "process"
	KindPatch     Kind = "patch"
	KindNetwork   Kind = "network"
)

// Error is the common interface satisfied by every taxonomy variant.
type Error interface {
	error
	Kind() Kind
	Unwrap() error
}

type baseError struct {
	kind    Kind
	message string
	cause   error
}

func (e *baseError) Error() string {
	msg := strings.TrimSpace(e.message)
	if e.cause != nil {
		if msg == "" {
			return fmt.Sprintf("%s: %v", e.kind, e.cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.kind, msg, e.cause)
	}
	if msg == "" {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %s", e.kind, msg)
}

func (e *baseError) Kind() Kind    { return e.kind }
func (e *baseError) Unwrap() error { return e.cause }

// ConfigError: missing credential, malformed argument, forbidden managed
// flag, authentication failure. Always terminal.
type ConfigError struct{ baseError }

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{baseError{kind: KindConfig, message: message, cause: cause}}
}

// RateLimitError: HTTP 429 or a vendor-specific rate-limit signal. Retriable.
type RateLimitError struct {
	baseError
	RetryAfter *time.Duration
}

func NewRateLimitError(message string, retryAfter *time.Duration, cause error) *RateLimitError {
	return &RateLimitError{baseError: baseError{kind: KindRateLimit, message: message, cause: cause}, RetryAfter: retryAfter}
}

// TimeoutError: per-call wall clock, or a network connection timeout. Retriable.
type TimeoutError struct{ baseError }

func NewTimeoutError(message string, cause error) *TimeoutError {
	return &TimeoutError{baseError{kind: KindTimeout, message: message, cause: cause}}
}

// ProviderError: subprocess failure, unparseable response, oversized capture.
// Retriable at the engine level only when the classifier admits it.
type ProviderError struct {
	baseError
	StatusCode int
}

func NewProviderError(message string, statusCode int, cause error) *ProviderError {
	return &ProviderError{baseError: baseError{kind: KindProvider, message: message, cause: cause}, StatusCode: statusCode}
}

// ProcessError: child process failures (cap overflow, spawn or pipe setup
// failure, a child that exits before a ReadUntil match).
type ProcessError struct {
	baseError
	ExitCode int
	Signal   string
}

func NewProcessError(message string, exitCode int, signal string, cause error) *ProcessError {
	return &ProcessError{baseError: baseError{kind: KindProcess, message: message, cause: cause}, ExitCode: exitCode, Signal: signal}
}

// PatchErrorType distinguishes validation failures (the diff itself is
// malformed) from execution failures (a well-formed diff failed to apply).
type PatchErrorType string

const (
	PatchValidation PatchErrorType = "validation"
	PatchExecution  PatchErrorType = "execution"
)

// PatchErrorDetail is one normalized error from the patch tool's structured
// report.
type PatchErrorDetail struct {
	Kind       string `json:"kind"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// PatchError: validation or execution, carrying structured details. Converted
// by the run engine into a retry-context block, never retried by the retry
// engine itself.
type PatchError struct {
	baseError
	Type   PatchErrorType
	Errors []PatchErrorDetail
	Stderr string
}

func NewPatchError(typ PatchErrorType, message string, errs []PatchErrorDetail, stderr string) *PatchError {
	return &PatchError{baseError: baseError{kind: KindPatch, message: message}, Type: typ, Errors: errs, Stderr: stderr}
}

// NetworkError: ECONNRESET/ETIMEDOUT/ECONNREFUSED and similar transient
// network failures, including when nested inside a wrapped cause. Retriable.
type NetworkError struct {
	baseError
	Code string
}

func NewNetworkError(code, message string, cause error) *NetworkError {
	return &NetworkError{baseError: baseError{kind: KindNetwork, message: message, cause: cause}, Code: code}
}

// KindOf classifies an arbitrary error into a taxonomy Kind, walking the
// error chain so a taxonomy error wrapped by fmt.Errorf("%w", ...) is still
// recognized. Returns "" if the error does not carry a taxonomy kind.
func KindOf(err error) Kind {
	var te Error
	if errors.As(err, &te) {
		return te.Kind()
	}
	return ""
}

var networkCodes = []string{"ECONNRESET", "ETIMEDOUT", "ECONNREFUSED"}

// IsNetworkTransient reports whether err (or its cause chain, including a
// plain string match against Error()) names one of the known transient
// network codes. Codes are checked on the error itself and on its wrapped
// cause chain.
func IsNetworkTransient(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	for _, code := range networkCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	if cause := errors.Unwrap(err); cause != nil {
		return IsNetworkTransient(cause)
	}
	return false
}
