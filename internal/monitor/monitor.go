// Package monitor follows a running build pod until it finishes or a
// deadline passes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/detector"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/kube"
	"github.com/ppiankov/kiln/internal/poll"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultDeadline  = 10 * time.Minute
	DefaultTailLines = 200
)

// Type is the kind of a monitoring event.
type Type int

const (
	// LogLine carries one new line of build output.
	LogLine Type = iota
	// Status carries a changed pod status summary.
	Status
	Succeeded
	Failed
	TimedOut
)

func (t Type) String() string {
	switch t {
	case LogLine:
		return "LogLine"
	case Status:
		return "Status"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case TimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Terminal reports whether t ends a sequence.
func (t Type) Terminal() bool {
	return t == Succeeded || t == Failed || t == TimedOut
}

// Event is one observation of the build.
type Event struct {
	Type Type

	// Text is the log line for LogLine, the status summary for Status and
	// the failure reason for Failed and TimedOut.
	Text string

	// Tail holds the last lines of output on terminal events.
	Tail []string
}

// Monitor polls pod status and logs.
type Monitor struct {
	Client    client.Reader
	Logs      kube.LogReader
	Container string

	Interval  time.Duration
	Deadline  time.Duration
	TailLines int

	// Sleep replaces time.Sleep between polls.
	Sleep func(time.Duration)
}

func (m *Monitor) backoff() poll.Backoff {
	b := poll.Backoff{Interval: m.Interval, Timeout: m.Deadline, Sleep: m.Sleep}
	if b.Interval <= 0 {
		b.Interval = DefaultInterval
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultDeadline
	}
	return b
}

func (m *Monitor) tailLines() int {
	if m.TailLines <= 0 {
		return DefaultTailLines
	}
	return m.TailLines
}

// Events returns the build's events. The sequence is lazy and finite: it
// ends after exactly one terminal event, or early when ctx is canceled or
// the consumer stops. Transient read errors are logged and retried on the
// next poll.
func (m *Monitor) Events(ctx context.Context, namespace, pod string) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		logger := log.FromContext(ctx)
		key := client.ObjectKey{Namespace: namespace, Name: pod}
		t := &tracker{max: m.tailLines()}
		var (
			lastStatus string
			stopped    bool
		)

		emit := func(e Event) bool {
			if stopped {
				return false
			}
			if !yield(e) {
				stopped = true
			}
			return !stopped
		}

		err := m.backoff().Poll(ctx, func(ctx context.Context) (bool, error) {
			var p corev1.Pod
			podErr := m.Client.Get(ctx, key, &p)
			if apierrors.IsNotFound(podErr) {
				m.readLogs(ctx, namespace, pod, true, t, emit)
				emit(Event{Type: Failed, Text: fmt.Sprintf("build pod %s disappeared", pod), Tail: t.tail()})
				return true, nil
			}
			if podErr != nil {
				logger.V(1).Info("reading pod status", "error", podErr.Error())
			}

			final := podErr == nil && detector.Terminal(&p)
			if !m.readLogs(ctx, namespace, pod, final, t, emit) {
				return true, nil
			}
			if podErr != nil {
				return false, nil
			}

			if s := detector.Summary(&p); s != lastStatus {
				lastStatus = s
				if !emit(Event{Type: Status, Text: s}) {
					return true, nil
				}
			}

			switch p.Status.Phase {
			case corev1.PodSucceeded:
				emit(Event{Type: Succeeded, Tail: t.tail()})
				return true, nil
			case corev1.PodFailed:
				emit(Event{Type: Failed, Text: detector.TerminationMessage(&p), Tail: t.tail()})
				return true, nil
			}
			return false, nil
		})

		if errors.Is(err, poll.ErrTimeout) {
			emit(Event{Type: TimedOut, Text: fmt.Sprintf("build did not finish within %s", m.backoff().Timeout), Tail: t.tail()})
		}
	}
}

// readLogs emits lines not seen before. A trailing partial line is held
// back until final. Reads are timestamped and start at the newest line
// already emitted, so each poll transfers only the recent part of the log.
// It returns false when the consumer stopped.
func (m *Monitor) readLogs(ctx context.Context, namespace, pod string, final bool, t *tracker, emit func(Event) bool) bool {
	opts := kube.LogOptions{SinceTime: t.last, Timestamps: true}
	data, err := m.Logs.Logs(ctx, namespace, pod, m.Container, opts)
	if err != nil {
		log.FromContext(ctx).V(1).Info("reading build logs", "error", err.Error())
		return true
	}
	for _, line := range t.update(string(data), final) {
		if !emit(Event{Type: LogLine, Text: line}) {
			return false
		}
	}
	return true
}

// tracker remembers which lines were emitted and keeps a bounded tail.
// Lines are identified by timestamp plus position among lines sharing that
// timestamp, since reads overlap.
type tracker struct {
	max   int
	lines []string

	// last is the timestamp of the newest emitted line and atLast how many
	// emitted lines carry it.
	last   time.Time
	atLast int
}

func (t *tracker) update(text string, final bool) []string {
	all := strings.Split(text, "\n")
	partial := all[len(all)-1]
	all = all[:len(all)-1]
	if final && partial != "" {
		all = append(all, partial)
	}

	prevLast, prevCount := t.last, t.atLast
	cur := prevLast
	dup := 0
	var fresh []string
	for _, raw := range all {
		line := raw
		if ts, rest, ok := splitTimestamp(raw); ok {
			cur, line = ts, rest
		}
		if cur.Before(prevLast) {
			continue
		}
		if cur.Equal(prevLast) && dup < prevCount {
			dup++
			continue
		}
		if cur.Equal(t.last) {
			t.atLast++
		} else {
			t.last, t.atLast = cur, 1
		}
		fresh = append(fresh, line)
	}

	t.lines = append(t.lines, fresh...)
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = append([]string(nil), t.lines[over:]...)
	}
	return fresh
}

// splitTimestamp separates the RFC3339Nano prefix the log API adds to each
// line.
func splitTimestamp(raw string) (time.Time, string, bool) {
	stamp, rest, _ := strings.Cut(raw, " ")
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, raw, false
	}
	return ts, rest, true
}

func (t *tracker) tail() []string {
	return append([]string(nil), t.lines...)
}

// Result is the outcome of Run.
type Result struct {
	Outcome Type
	Message string
	Tail    []string
	Lines   int
}

// Run drains Events, passing every event to onEvent when it is not nil.
// A Failed outcome returns failure.BuildFailed and TimedOut returns
// failure.MonitorTimedOut, both with the tail attached. Cancellation
// returns failure.Interrupted.
func (m *Monitor) Run(ctx context.Context, namespace, pod string, onEvent func(Event)) (Result, error) {
	var res Result
	for e := range m.Events(ctx, namespace, pod) {
		if onEvent != nil {
			onEvent(e)
		}
		if e.Type == LogLine {
			res.Lines++
		}
		if e.Type.Terminal() {
			res.Outcome = e.Type
			res.Message = e.Text
			res.Tail = e.Tail
		}
	}

	switch res.Outcome {
	case Succeeded:
		return res, nil
	case Failed:
		return res, failure.WithTail(failure.Errorf(failure.BuildFailed, "%s", res.Message), res.Tail)
	case TimedOut:
		return res, failure.WithTail(failure.Errorf(failure.MonitorTimedOut, "%s", res.Message), res.Tail)
	}
	if err := ctx.Err(); err != nil {
		return res, failure.New(failure.Interrupted, err)
	}
	return res, failure.Errorf(failure.MonitorTimedOut, "monitoring ended without an outcome")
}
