package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"handle in use", ErrHandleInUse, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"network error", fmt.Errorf("network unreachable"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"decode failed", ErrDecodeFailed, true},
		{"unknown topic", ErrUnknownTopic, true},
		{"sequence in use", ErrSequenceInUse, true},
		{"callback set", ErrCallbackSet, true},
		{"command not running", ErrCommandNotRunning, true},
		{"wrapped callback set", fmt.Errorf("wrapper: %w", ErrCallbackSet), true},
		{"connection lost", ErrConnectionLost, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"closed", ErrClosed, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"decode failed", ErrDecodeFailed, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"invalid beats fatal default", ErrSequenceInUse, ErrorInvalid},
		{"fatal", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults transient", fmt.Errorf("mystery"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "Transport", "Start", "create consumer")
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	want := "Transport.Start: create consumer failed: boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should match base with errors.Is")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Client", "Connect", "dial")
	if !IsTransient(transient) {
		t.Error("WrapTransient result should be transient")
	}
	invalid := WrapInvalid(base, "ReadTopic", "Next", "check state")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid result should be invalid")
	}
	fatal := WrapFatal(base, "Transport", "readLoop", "consume")
	if !IsFatal(fatal) {
		t.Error("WrapFatal result should be fatal")
	}

	var ce *ClassifiedError
	if !errors.As(transient, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Client" || ce.Operation != "Connect" {
		t.Errorf("unexpected context: %+v", ce)
	}
	if !strings.Contains(ce.Error(), "dial failed") {
		t.Errorf("unexpected message: %s", ce.Error())
	}
	if !errors.Is(transient, base) {
		t.Error("classification should preserve the error chain")
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.ShouldRetry(nil, 0) {
		t.Error("nil error should not retry")
	}
	if cfg.ShouldRetry(ErrConnectionLost, cfg.MaxRetries) {
		t.Error("should not retry past MaxRetries")
	}
	if !cfg.ShouldRetry(ErrConnectionLost, 0) {
		t.Error("transient error should retry")
	}
	if cfg.ShouldRetry(ErrInvalidConfig, 0) {
		t.Error("fatal error should not retry")
	}

	if d := cfg.BackoffDelay(0); d != cfg.InitialDelay {
		t.Errorf("attempt 0 delay: expected %v, got %v", cfg.InitialDelay, d)
	}
	if d := cfg.BackoffDelay(1); d != 200*time.Millisecond {
		t.Errorf("attempt 1 delay: expected 200ms, got %v", d)
	}
	if d := cfg.BackoffDelay(100); d != cfg.MaxDelay {
		t.Errorf("large attempt should clamp to MaxDelay, got %v", d)
	}
}
