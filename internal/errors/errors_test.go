package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(CodeNotFound, "message not found"),
			expected: "[NotFound] message not found",
		},
		{
			name:     "with wrapped error",
			err:      ErrStorageUnavailable.Wrap(errors.New("dial tcp: refused")),
			expected: "[StorageUnavailable] message storage unavailable: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapUnwrap(t *testing.T) {
	original := errors.New("original error")
	appErr := ErrStorageUnavailable.Wrap(original)

	if appErr.Code != CodeStorageUnavailable {
		t.Errorf("Expected code %s, got %s", CodeStorageUnavailable, appErr.Code)
	}
	if errors.Unwrap(appErr) != original {
		t.Error("Expected unwrapped error to be the original error")
	}
	if ErrStorageUnavailable.Err != nil {
		t.Error("Wrap must not mutate the predefined error")
	}
}

func TestAppError_WithMessage(t *testing.T) {
	err := ErrInvalidIdentifier.WithMessage("user id %q contains ':'", "a:b")

	if err.Code != CodeInvalidIdentifier {
		t.Errorf("Expected code %s, got %s", CodeInvalidIdentifier, err.Code)
	}
	if err.Message != `user id "a:b" contains ':'` {
		t.Errorf("Unexpected message %q", err.Message)
	}
	if ErrInvalidIdentifier.Message != "invalid identifier" {
		t.Error("WithMessage must not mutate the predefined error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   *AppError
		expected bool
	}{
		{"same error", ErrNotAMember, ErrNotAMember, true},
		{"wrapped same error", ErrNotAMember.Wrap(errors.New("wrapped")), ErrNotAMember, true},
		{"custom message same code", ErrNotAMember.WithMessage("not in p1"), ErrNotAMember, true},
		{"fmt wrapped", fmt.Errorf("send: %w", ErrInvalidThread), ErrInvalidThread, true},
		{"different error", ErrInvalidThread, ErrNotAMember, false},
		{"non-app error", errors.New("standard error"), ErrNotAMember, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("Is: expected %v, got %v", tt.expected, got)
			}
			if got := errors.Is(tt.err, tt.target); got != tt.expected {
				t.Errorf("errors.Is: expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{"app error", ErrValidationFailed, CodeValidationFailed},
		{"wrapped app error", fmt.Errorf("ctx: %w", ErrStorageUnavailable.Wrap(errors.New("x"))), CodeStorageUnavailable},
		{"standard error", errors.New("standard error"), CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(ErrRateLimited); got != ErrRateLimited.Message {
		t.Errorf("Expected '%s', got '%s'", ErrRateLimited.Message, got)
	}
	if got := GetMessage(errors.New("boom")); got != "internal server error" {
		t.Errorf("Expected fallback message, got '%s'", got)
	}
}
