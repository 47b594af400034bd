// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cdkerrors_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/cdktr-io/cdktr/internal/cdkerrors"
)

func TestWrap(t *testing.T) {
	t.Run("wraps error with context", func(t *testing.T) {
		original := errors.New("original error")
		wrapped := cdkerrors.Wrap(original, "additional context")

		if wrapped == nil {
			t.Fatal("Wrap should not return nil for non-nil error")
		}
		msg := wrapped.Error()
		if !strings.Contains(msg, "additional context") {
			t.Errorf("wrapped error should contain context, got: %s", msg)
		}
		if !strings.Contains(msg, "original error") {
			t.Errorf("wrapped error should contain original message, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := cdkerrors.Wrap(nil, "context"); wrapped != nil {
			t.Errorf("Wrap(nil, _) should return nil, got: %v", wrapped)
		}
	})

	t.Run("preserves error chain", func(t *testing.T) {
		original := errors.New("root cause")
		wrapped := cdkerrors.Wrap(original, "context")
		if !errors.Is(wrapped, original) {
			t.Error("wrapped error should match original with errors.Is")
		}
	})
}

func TestWrapf(t *testing.T) {
	t.Run("wraps error with formatted context", func(t *testing.T) {
		original := errors.New("connection refused")
		wrapped := cdkerrors.Wrapf(original, "dialing %s:%d", "principal.local", 7337)
		msg := wrapped.Error()
		if !strings.Contains(msg, "dialing principal.local:7337") {
			t.Errorf("wrapped error should contain formatted context, got: %s", msg)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if wrapped := cdkerrors.Wrapf(nil, "dialing %s", "x"); wrapped != nil {
			t.Errorf("Wrapf(nil, _) should return nil, got: %v", wrapped)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "timeout", err: cdkerrors.ErrTimeout, want: true},
		{name: "transport", err: cdkerrors.ErrTransport, want: true},
		{name: "wrapped timeout", err: cdkerrors.Wrap(cdkerrors.ErrTimeout, "dispatching task"), want: true},
		{name: "no data is not retryable", err: cdkerrors.ErrNoData, want: false},
		{name: "unrelated error", err: errors.New("disk full"), want: false},
		{name: "not found is not retryable", err: &cdkerrors.NotFoundError{Resource: "workflow", ID: "wf-1"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cdkerrors.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := &cdkerrors.NotFoundError{Resource: "task", ID: "t-9"}
	want := "task not found: t-9"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk i/o error")
	err := &cdkerrors.StorageError{Op: "BatchLoad", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("StorageError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "BatchLoad") {
		t.Errorf("Error() should name the operation, got: %s", err.Error())
	}
}

func TestRuntimeErrorWithoutCause(t *testing.T) {
	err := &cdkerrors.RuntimeError{Reason: "invalid dag: cycle detected"}
	want := "runtime error: invalid dag: cycle detected"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if errors.Unwrap(err) != nil {
		t.Error("RuntimeError without cause should unwrap to nil")
	}
}

func TestParseError(t *testing.T) {
	cause := errors.New("unexpected token")
	err := &cdkerrors.ParseError{Context: "workflow.yml", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("ParseError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "workflow.yml") {
		t.Errorf("Error() should name the context, got: %s", err.Error())
	}
}
