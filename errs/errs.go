// Package errs provides structured error types shared across the mirroring engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category used for retry classification.
type Code string

const (
	// CodeNetwork indicates a transport-level failure reaching the venue.
	CodeNetwork Code = "network"
	// CodeTimeout indicates the venue did not answer in time.
	CodeTimeout Code = "timeout"
	// CodeBusy indicates transient venue congestion or rate limiting.
	CodeBusy Code = "venue_busy"
	// CodeRejected indicates the venue refused the action outright.
	CodeRejected Code = "rejected"
	// CodeInvalid indicates malformed input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInsufficientBalance indicates the venue reported insufficient funds.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeRiskRejected indicates a local risk rule refused the action.
	CodeRiskRejected Code = "risk_rejected"
	// CodeUnavailable indicates the component is temporarily unable to serve.
	CodeUnavailable Code = "unavailable"
	// CodeDuplicate indicates an idempotency violation.
	CodeDuplicate Code = "duplicate"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
)

// E captures structured error information produced across the mirroring stack.
type E struct {
	Scope       string
	Code        Code
	RawCode     string
	RawMsg      string
	Message     string
	VenueFields map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:       strings.TrimSpace(scope),
		Code:        code,
		RawCode:     "",
		RawMsg:      "",
		Message:     "",
		VenueFields: nil,
		cause:       nil,
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

// WithRawCode captures the raw venue reason code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single venue metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueFields == nil {
			e.VenueFields = make(map[string]string, 1)
		}
		e.VenueFields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueFields) > 0 {
		keys := make([]string, 0, len(e.VenueFields))
		for k := range e.VenueFields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueFields[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, walking wrapped causes.
// Errors that do not carry an envelope report CodeNetwork so that plain
// transport failures stay retriable.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return CodeNetwork
}

// Retriable reports whether err describes a transient failure that a
// later attempt may succeed at. Validation, rejection, and balance
// failures are permanent and must never be retried.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeBusy, CodeUnavailable:
		return true
	default:
		return false
	}
}
