package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestWrappersPreserveKindAndCause(t *testing.T) {
	cause := errors.New("row not found")
	err := NotFound(cause)

	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFound() lost its kind")
	}
	if !errors.Is(err, cause) {
		t.Error("NotFound() lost its cause")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("NotFound() matched the wrong kind")
	}
}

func TestWrappersWithNilCause(t *testing.T) {
	if !errors.Is(Invalid(nil), ErrInvalidInput) {
		t.Error("Invalid(nil) should still carry the kind")
	}
	if !errors.Is(Transient(nil), ErrTransient) {
		t.Error("Transient(nil) should still carry the kind")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid input", Invalid(errors.New("empty description")), false},
		{"permanent", Permanent(errors.New("401 unauthorized")), false},
		{"conflict", Conflict(errors.New("duplicate membership")), false},
		{"transient", Transient(errors.New("connection reset")), true},
		{"not found", NotFound(errors.New("incident 7")), true},
		{"unclassified", errors.New("something odd"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped transient", fmt.Errorf("embed: %w", Transient(errors.New("503"))), true},
		{"wrapped permanent", fmt.Errorf("embed: %w", Permanent(errors.New("bad dim"))), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
