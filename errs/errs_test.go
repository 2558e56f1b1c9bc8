package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndFields(t *testing.T) {
	err := New(
		"bridge",
		CodeNotSupported,
		WithMessage("extended tick dumper not enabled"),
		WithCanonicalCode(CanonicalCapabilityMissing),
		WithField("id", "dumper-1"),
		WithField("code", "SHFE.rb.2410"),
		WithCause(errors.New("slot empty")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=bridge") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_supported") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=capability_missing") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedFields := "fields=code=\"SHFE.rb.2410\",id=\"dumper-1\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"slot empty\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("config", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestNotSupportedMatchesWithErrorsIs(t *testing.T) {
	err := NotSupported("bridge", "extended bar dumper not enabled")
	sentinel := New("", CodeNotSupported, WithCanonicalCode(CanonicalCapabilityMissing))
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected NotSupported envelope to match sentinel: %v", err)
	}
	if errors.Is(err, New("", CodeNotFound)) {
		t.Fatalf("expected code mismatch to fail errors.Is")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
