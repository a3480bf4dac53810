package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesVenueFields(t *testing.T) {
	err := New(
		"venue/submit",
		CodeRejected,
		WithMessage("order rejected"),
		WithRawCode("-2010"),
		WithRawMessage("Account has insufficient balance"),
		WithField("market", "MON-USDC"),
		WithField("client_order_id", "mirror-42"),
		WithCause(errors.New("http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=venue/submit") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedVenue := "venue=client_order_id=\"mirror-42\",market=\"MON-USDC\""
	if !strings.Contains(out, expectedVenue) {
		t.Fatalf("expected venue fields %q in error string: %s", expectedVenue, out)
	}
	if !strings.Contains(out, "cause=\"http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("feed/ws", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match the wrapped cause")
	}
}

func TestRetriableClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retriable bool
	}{
		{"network", New("venue/submit", CodeNetwork), true},
		{"timeout", New("venue/submit", CodeTimeout), true},
		{"busy", New("venue/submit", CodeBusy), true},
		{"unavailable", New("venue/submit", CodeUnavailable), true},
		{"rejected", New("venue/submit", CodeRejected), false},
		{"invalid", New("venue/submit", CodeInvalid), false},
		{"insufficient balance", New("venue/submit", CodeInsufficientBalance), false},
		{"risk rejected", New("risk", CodeRiskRejected), false},
		{"nil", nil, false},
		{"plain error", errors.New("dial tcp: i/o timeout"), true},
		{"wrapped envelope", fmt.Errorf("submit: %w", New("venue/submit", CodeRejected)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retriable(tc.err); got != tc.retriable {
				t.Fatalf("Retriable(%v) = %v, want %v", tc.err, got, tc.retriable)
			}
		})
	}
}

func TestCodeOfWalksWrappedErrors(t *testing.T) {
	inner := New("venue/cancel", CodeNotFound)
	wrapped := fmt.Errorf("cancel batch: %w", inner)
	if got := CodeOf(wrapped); got != CodeNotFound {
		t.Fatalf("CodeOf = %q, want %q", got, CodeNotFound)
	}
	if got := CodeOf(errors.New("plain")); got != CodeNetwork {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeNetwork)
	}
}
