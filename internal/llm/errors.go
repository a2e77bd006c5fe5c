package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes why a provider request failed.
// The retry ladder is a pure function of this kind.
type ErrorKind string

const (
	// KindTransient indicates a network or rate problem worth retrying
	// on the same model.
	KindTransient ErrorKind = "transient"

	// KindTargetExhausted indicates the upstream target reported
	// exhaustion; retry the same model with backoff.
	KindTargetExhausted ErrorKind = "target_exhausted"

	// KindContextLength indicates the request exceeded the model's
	// context window. Never retried; the caller advances to the next
	// model in the chain.
	KindContextLength ErrorKind = "context_length"

	// KindToolsUnsupported indicates the model rejected structured tool
	// definitions. The caller may switch to JSON-emulated tool calling.
	KindToolsUnsupported ErrorKind = "tools_unsupported"

	// KindAuth indicates authentication failure (HTTP 401/403). Never
	// retried.
	KindAuth ErrorKind = "auth"

	// KindMalformedResponse indicates the response could not be parsed
	// into assistant blocks.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindFatal indicates an unrecoverable failure, including exceeded
	// retry budgets.
	KindFatal ErrorKind = "fatal"
)

// Retryable reports whether the same model is worth another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindTargetExhausted, KindMalformedResponse:
		return true
	default:
		return false
	}
}

// AdvancesModel reports whether the caller should move to the next
// model in the fallback chain instead of retrying this one.
func (k ErrorKind) AdvancesModel() bool {
	switch k {
	case KindContextLength, KindToolsUnsupported:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider. It carries
// the context the retry ladder and logs need.
type ProviderError struct {
	// Kind categorizes the error for retry and fallback decisions.
	Kind ErrorKind

	// Provider is the provider name (e.g. "anthropic", "chutes").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause and wraps it with provider context.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindTransient,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyError(cause)
	}
	return err
}

// WithStatus adds an HTTP status and reclassifies from it when the
// message-based classification was inconclusive.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if kind := classifyStatusCode(status); kind != KindTransient {
		e.Kind = kind
	}
	return e
}

// WithKind overrides the classified kind.
func (e *ProviderError) WithKind(kind ErrorKind) *ProviderError {
	e.Kind = kind
	return e
}

// ClassifyError inspects an error message and returns the matching kind.
// Context-length and tools-unsupported phrases win over generic
// transient patterns because they change the fallback decision.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg,
		"maximum context length",
		"context length",
		"context_length_exceeded",
		"token limit",
		"reduce the length",
		"prompt is too long") {
		return KindContextLength
	}

	if containsAny(msg,
		"does not support tools",
		"tools are not supported",
		"tool use is not supported",
		"function calling is not supported",
		"no endpoints found that support tool use") {
		return KindToolsUnsupported
	}

	if containsAny(msg,
		"unauthorized",
		"invalid api key",
		"invalid_api_key",
		"authentication",
		"401",
		"403") {
		return KindAuth
	}

	if containsAny(msg,
		"exhausted",
		"quota",
		"insufficient balance",
		"capacity",
		"overloaded") {
		return KindTargetExhausted
	}

	if containsAny(msg,
		"rate limit",
		"rate_limit",
		"too many requests",
		"429",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"temporarily",
		"500", "502", "503", "504") {
		return KindTransient
	}

	return KindTransient
}

func classifyStatusCode(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindTransient
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsFatal reports whether err ends the run without further fallback.
func IsFatal(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind == KindFatal || pe.Kind == KindAuth
	}
	return false
}
