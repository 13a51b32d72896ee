package model

import (
	"errors"
	"testing"
)

func TestParseOutageStatus(t *testing.T) {
	tests := []struct {
		input string
		want  OutageStatus
	}{
		{"none", OutageStatusNone},
		{"partial", OutageStatusPartial},
		{"FULL", OutageStatusFull},
		{" Partial ", OutageStatusPartial},
	}
	for _, tt := range tests {
		got, err := ParseOutageStatus(tt.input)
		if err != nil {
			t.Fatalf("ParseOutageStatus(%q) returned error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("ParseOutageStatus(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseOutageStatus_Invalid(t *testing.T) {
	_, err := ParseOutageStatus("degraded")
	if !IsCode(err, ErrCodeInvalidStatus) {
		t.Fatalf("error = %v, want %s", err, ErrCodeInvalidStatus)
	}
}

func TestAPIError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewStoreUnavailableError(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Code != ErrCodeStoreUnavailable {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeStoreUnavailable)
	}
}

func TestAsStoreError(t *testing.T) {
	if AsStoreError(nil) != nil {
		t.Error("AsStoreError(nil) should be nil")
	}

	notFound := NewOutageNotFoundError("o-1")
	if got := AsStoreError(notFound); got != notFound {
		t.Errorf("APIError should pass through, got %v", got)
	}

	if got := AsStoreError(errors.New("boom")); !IsCode(got, ErrCodeStoreUnavailable) {
		t.Errorf("plain error should become STORE_UNAVAILABLE, got %v", got)
	}
}
