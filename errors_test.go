package activitysync

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransportErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		auth   bool
	}{
		{401, true},
		{403, true},
		{400, false},
		{429, false},
		{500, false},
		{503, false},
	}

	for _, tt := range tests {
		err := newTransportError(tt.status, "rejected", nil)
		if err.Auth != tt.auth {
			t.Errorf("status %d: Auth = %v, want %v", tt.status, err.Auth, tt.auth)
		}
		if IsAuthError(err) != tt.auth {
			t.Errorf("status %d: IsAuthError = %v, want %v", tt.status, IsAuthError(err), tt.auth)
		}
		if IsTransientError(err) == tt.auth {
			t.Errorf("status %d: auth and transient must be exclusive", tt.status)
		}
	}
}

func TestTransportErrorSentinelMatching(t *testing.T) {
	authErr := &TransportError{Message: "bad token", Auth: true}
	if !errors.Is(authErr, ErrTransportAuth) {
		t.Error("auth error does not match ErrTransportAuth")
	}
	if errors.Is(authErr, ErrTransportUnavailable) {
		t.Error("auth error matches ErrTransportUnavailable")
	}

	transient := &TransportError{Message: "timeout"}
	if !errors.Is(transient, ErrTransportUnavailable) {
		t.Error("transient error does not match ErrTransportUnavailable")
	}

	// Wrapped errors still classify.
	wrapped := fmt.Errorf("cycle failed: %w", authErr)
	if !IsAuthError(wrapped) {
		t.Error("wrapped auth error lost its classification")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransportError{Message: "upload request", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestStorageErrorMessage(t *testing.T) {
	err := &StorageError{Op: "append", Cause: errors.New("disk full")}
	if err.Error() != "storage append failed: disk full" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	var serr *StorageError
	wrapped := fmt.Errorf("cycle: %w", err)
	if !errors.As(wrapped, &serr) {
		t.Error("wrapped storage error lost its type")
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{RecordID: "abc", Reason: "missing payload"}
	if err.Error() != "invalid record abc: missing payload" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
