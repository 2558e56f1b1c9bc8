// Package errs provides structured error types shared by the data runner components.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a component-level error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource or unknown identifier.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates an identifier that is already taken.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a component that cannot serve the request right now.
	CodeUnavailable Code = "unavailable"
	// CodeNotSupported indicates an optional feature that has not been enabled.
	CodeNotSupported Code = "not_supported"
	// CodeIO indicates a resource read or write failure.
	CodeIO Code = "io"
)

// CanonicalCode captures component-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalCapabilityMissing indicates an extension capability that was never registered.
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	// CanonicalConfigMissing indicates a required configuration key is absent.
	CanonicalConfigMissing CanonicalCode = "config_missing"
	// CanonicalConfigMalformed indicates a configuration document that cannot be decoded.
	CanonicalConfigMalformed CanonicalCode = "config_malformed"
)

// E captures structured error information produced across the runner.
type E struct {
	Component string
	Code      Code
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Message:   "",
		Canonical: CanonicalUnknown,
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single key/value pair describing the failing subject.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches envelopes by code and canonical code so sentinel envelopes work with errors.Is.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok || e == nil || other == nil {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Canonical != "" && other.Canonical != CanonicalUnknown && other.Canonical != e.Canonical {
		return false
	}
	return true
}

// NotSupported returns a standardized error for capabilities that are not enabled.
func NotSupported(component, msg string) *E {
	return New(component, CodeNotSupported, WithMessage(strings.TrimSpace(msg)), WithCanonicalCode(CanonicalCapabilityMissing))
}
