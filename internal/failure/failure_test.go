package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
)

func TestNew_KindOf(t *testing.T) {
	err := New(InvalidInput, errors.New("bad ref"))
	if KindOf(err) != InvalidInput {
		t.Errorf("expected InvalidInput, got %q", KindOf(err))
	}
	if !strings.Contains(err.Error(), "invalid input") || !strings.Contains(err.Error(), "bad ref") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestNew_KeepsInnerKind(t *testing.T) {
	inner := New(StaleResourceTimeout, errors.New("pod still terminating"))
	outer := New(JobCreateError, fmt.Errorf("creating pod: %w", inner))
	if KindOf(outer) != StaleResourceTimeout {
		t.Errorf("expected inner kind to win, got %q", KindOf(outer))
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for plain error")
	}
	if KindOf(nil) != "" {
		t.Error("expected empty kind for nil")
	}
}

func TestErrdefsClasses(t *testing.T) {
	tests := []struct {
		kind  Kind
		check func(error) bool
	}{
		{InvalidInput, errdefs.IsInvalidArgument},
		{ClusterUnreachable, errdefs.IsUnavailable},
		{CredentialError, errdefs.IsUnauthorized},
		{JobCreateError, errdefs.IsFailedPrecondition},
		{ReadinessTimeout, errdefs.IsDeadlineExceeded},
		{MonitorTimedOut, errdefs.IsDeadlineExceeded},
		{Interrupted, errdefs.IsCanceled},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, errors.New("x"))
			if !tt.check(err) {
				t.Errorf("expected %s to match its errdefs class", tt.kind)
			}
		})
	}
}

func TestUnwrap_Cause(t *testing.T) {
	err := New(Interrupted, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Error("expected cause to be reachable")
	}
}

func TestWithTail(t *testing.T) {
	err := New(BuildFailed, errors.New("exit 1"))
	_ = WithTail(err, []string{"step 1", "error: boom"})

	tail := Tail(fmt.Errorf("run: %w", err))
	if len(tail) != 2 || tail[1] != "error: boom" {
		t.Errorf("unexpected tail %v", tail)
	}
}

func TestWithTail_Unclassified(t *testing.T) {
	plain := errors.New("plain")
	if got := WithTail(plain, []string{"x"}); got != plain {
		t.Error("expected unclassified error unchanged")
	}
	if Tail(plain) != nil {
		t.Error("expected no tail")
	}
}

func TestStage_Unknown(t *testing.T) {
	if Kind("Weird").Stage() != "Weird" {
		t.Error("expected unknown kind to render as itself")
	}
}
