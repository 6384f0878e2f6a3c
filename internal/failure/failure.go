// Package failure defines the error taxonomy a build run reports to the user.
//
// Every error that leaves a component is a *Error carrying a Kind. The Kind
// decides which stage the CLI names in its summary and whether a log tail is
// printed. Each Kind is also mapped to a containerd/errdefs class, so callers
// can branch with errdefs.IsInvalidArgument, errdefs.IsUnavailable and the
// like without importing this package.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies a failure by the stage that produced it.
type Kind string

const (
	InvalidInput         Kind = "InvalidInput"
	ClusterUnreachable   Kind = "ClusterUnreachable"
	CredentialError      Kind = "CredentialError"
	ContextUploadError   Kind = "ContextUploadError"
	StaleResourceTimeout Kind = "StaleResourceTimeout"
	JobCreateError       Kind = "JobCreateError"
	ReadinessTimeout     Kind = "ReadinessTimeout"
	ReadinessFailed      Kind = "ReadinessFailed"
	BuildFailed          Kind = "BuildFailed"
	MonitorTimedOut      Kind = "MonitorTimedOut"
	Interrupted          Kind = "Interrupted"
)

var classes = map[Kind]error{
	InvalidInput:         errdefs.ErrInvalidArgument,
	ClusterUnreachable:   errdefs.ErrUnavailable,
	CredentialError:      errdefs.ErrUnauthenticated,
	ContextUploadError:   errdefs.ErrDataLoss,
	StaleResourceTimeout: context.DeadlineExceeded,
	JobCreateError:       errdefs.ErrFailedPrecondition,
	ReadinessTimeout:     context.DeadlineExceeded,
	ReadinessFailed:      errdefs.ErrFailedPrecondition,
	BuildFailed:          errdefs.ErrAborted,
	MonitorTimedOut:      context.DeadlineExceeded,
	Interrupted:          context.Canceled,
}

var stages = map[Kind]string{
	InvalidInput:         "invalid input",
	ClusterUnreachable:   "cluster unreachable",
	CredentialError:      "registry credentials",
	ContextUploadError:   "build context upload failed",
	StaleResourceTimeout: "timed out removing previous build pod",
	JobCreateError:       "build pod creation failed",
	ReadinessTimeout:     "timed out waiting for build pod to become ready",
	ReadinessFailed:      "build pod failed to start",
	BuildFailed:          "build failed",
	MonitorTimedOut:      "build timed out",
	Interrupted:          "interrupted",
}

// Stage returns the user-facing description of the stage k names.
func (k Kind) Stage() string {
	if s, ok := stages[k]; ok {
		return s
	}
	return string(k)
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Err  error

	// LogTail holds the last lines of build output when a build pod existed
	// at the time of failure.
	LogTail []string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Stage()
	}
	return fmt.Sprintf("%s: %v", e.Kind.Stage(), e.Err)
}

// Unwrap exposes both the cause and the errdefs class.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if class, ok := classes[e.Kind]; ok {
		errs = append(errs, class)
	}
	return errs
}

// New wraps err with kind. If err is already a *Error it is returned as is,
// so the innermost classification wins.
func New(kind Kind, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a message and classifies it with kind.
func Errorf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// WithTail attaches a log tail to a classified error. Unclassified errors are
// returned unchanged.
func WithTail(err error, tail []string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	fe.LogTail = append([]string(nil), tail...)
	return err
}

// Tail returns the log tail attached to err, if any.
func Tail(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.LogTail
	}
	return nil
}
