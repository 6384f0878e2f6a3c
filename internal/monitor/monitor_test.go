package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/kube"
)

// logBase is when the fake build started writing output.
var logBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeLogs returns a growing log, one chunk per read. Like the log API it
// prefixes lines with a timestamp, two lines per second, and honors
// SinceTime to the second.
type fakeLogs struct {
	chunks []string
	reads  int
	err    error

	since  []time.Time
	served []int
}

func (f *fakeLogs) Logs(_ context.Context, _, _, _ string, opts kube.LogOptions) ([]byte, error) {
	f.reads++
	f.since = append(f.since, opts.SinceTime)
	if f.err != nil {
		return nil, f.err
	}
	n := f.reads
	if n > len(f.chunks) {
		n = len(f.chunks)
	}
	text := strings.Join(f.chunks[:n], "")
	if !opts.Timestamps {
		f.served = append(f.served, len(text))
		return []byte(text), nil
	}

	cutoff := opts.SinceTime.Truncate(time.Second)
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			break
		}
		ts := logBase.Add(time.Duration(i) * 500 * time.Millisecond)
		if ts.Before(cutoff) {
			continue
		}
		b.WriteString(ts.Format(time.RFC3339Nano) + " " + line)
		if i < len(lines)-1 {
			b.WriteString("\n")
		}
	}
	f.served = append(f.served, b.Len())
	return []byte(b.String()), nil
}

func newCluster(t *testing.T, phase corev1.PodPhase) client.WithWatch {
	t.Helper()
	s := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(s))
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "b", Namespace: "ns"},
		Status:     corev1.PodStatus{Phase: phase},
	}
	return fake.NewClientBuilder().WithScheme(s).WithStatusSubresource(&corev1.Pod{}).WithObjects(pod).Build()
}

func setPhase(t *testing.T, cl client.Client, status corev1.PodStatus) {
	t.Helper()
	var pod corev1.Pod
	if err := cl.Get(context.Background(), client.ObjectKey{Namespace: "ns", Name: "b"}, &pod); err != nil {
		t.Fatal(err)
	}
	pod.Status = status
	if err := cl.Status().Update(context.Background(), &pod); err != nil {
		t.Fatal(err)
	}
}

func collect(m *Monitor) []Event {
	var out []Event
	for e := range m.Events(context.Background(), "ns", "b") {
		out = append(out, e)
	}
	return out
}

func texts(events []Event, typ Type) []string {
	var out []string
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e.Text)
		}
	}
	return out
}

func terminalCount(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Type.Terminal() {
			n++
		}
	}
	return n
}

func TestEvents_Succeeded(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	logs := &fakeLogs{chunks: []string{"#1 load\n", "#2 build\n#3 push", "ed\n"}}
	polls := 0
	m := &Monitor{Client: cl, Logs: logs, Interval: time.Second, Deadline: time.Minute, Sleep: func(time.Duration) {
		polls++
		if polls == 2 {
			setPhase(t, cl, corev1.PodStatus{Phase: corev1.PodSucceeded})
		}
	}}

	events := collect(m)
	if diff := cmp.Diff([]string{"#1 load", "#2 build", "#3 pushed"}, texts(events, LogLine)); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
	last := events[len(events)-1]
	if last.Type != Succeeded {
		t.Fatalf("expected Succeeded last, got %s", last.Type)
	}
	if terminalCount(events) != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminalCount(events))
	}
	if diff := cmp.Diff([]string{"Running", "Succeeded"}, texts(events, Status)); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_FinalPartialLine(t *testing.T) {
	cl := newCluster(t, corev1.PodSucceeded)
	m := &Monitor{Client: cl, Logs: &fakeLogs{chunks: []string{"done without newline"}}, Sleep: func(time.Duration) {}}

	events := collect(m)
	if diff := cmp.Diff([]string{"done without newline"}, texts(events, LogLine)); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
	if got := events[len(events)-1].Tail; len(got) != 1 {
		t.Errorf("expected tail with 1 line, got %v", got)
	}
}

func TestEvents_Failed(t *testing.T) {
	cl := newCluster(t, corev1.PodFailed)
	setPhase(t, cl, corev1.PodStatus{
		Phase: corev1.PodFailed,
		ContainerStatuses: []corev1.ContainerStatus{{
			Name:  "buildkit",
			State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 1, Reason: "Error"}},
		}},
	})
	m := &Monitor{Client: cl, Logs: &fakeLogs{chunks: []string{"step 1\nerror: failed to solve\n"}}, Sleep: func(time.Duration) {}}

	events := collect(m)
	last := events[len(events)-1]
	if last.Type != Failed {
		t.Fatalf("expected Failed, got %s", last.Type)
	}
	if !strings.Contains(last.Text, "exited with code 1") {
		t.Errorf("unexpected failure text %q", last.Text)
	}
	if diff := cmp.Diff([]string{"step 1", "error: failed to solve"}, last.Tail); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_TimedOut(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	m := &Monitor{Client: cl, Logs: &fakeLogs{chunks: []string{"still going\n"}}, Interval: time.Second, Deadline: 3 * time.Second, Sleep: func(time.Duration) {}}

	events := collect(m)
	last := events[len(events)-1]
	if last.Type != TimedOut {
		t.Fatalf("expected TimedOut, got %s", last.Type)
	}
	if terminalCount(events) != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminalCount(events))
	}
	if len(last.Tail) != 1 {
		t.Errorf("expected tail on timeout, got %v", last.Tail)
	}
}

func TestEvents_TransientLogErrors(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	logs := &fakeLogs{err: errors.New("connection reset")}
	polls := 0
	m := &Monitor{Client: cl, Logs: logs, Interval: time.Second, Deadline: time.Minute, Sleep: func(time.Duration) {
		polls++
		if polls == 2 {
			logs.err = nil
			logs.chunks = []string{"recovered\n"}
			logs.reads = 0
			setPhase(t, cl, corev1.PodStatus{Phase: corev1.PodSucceeded})
		}
	}}

	events := collect(m)
	if events[len(events)-1].Type != Succeeded {
		t.Fatalf("expected monitoring to survive transient errors, got %v", events)
	}
	if diff := cmp.Diff([]string{"recovered"}, texts(events, LogLine)); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_PodDeleted(t *testing.T) {
	s := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(s))
	cl := fake.NewClientBuilder().WithScheme(s).Build()
	m := &Monitor{Client: cl, Logs: &fakeLogs{}, Sleep: func(time.Duration) {}}

	events := collect(m)
	if len(events) == 0 || events[len(events)-1].Type != Failed {
		t.Fatalf("expected Failed for missing pod, got %v", events)
	}
}

func TestEvents_ConsumerStops(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	m := &Monitor{Client: cl, Logs: &fakeLogs{chunks: []string{"a\nb\nc\n"}}, Sleep: func(time.Duration) {
		t.Error("expected no further polling after consumer stopped")
	}}

	var got []string
	for e := range m.Events(context.Background(), "ns", "b") {
		got = append(got, e.Text)
		if len(got) == 2 {
			break
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func stamped(i int, line string) string {
	return logBase.Add(time.Duration(i)*500*time.Millisecond).Format(time.RFC3339Nano) + " " + line + "\n"
}

func TestTracker_BoundedTail(t *testing.T) {
	tr := &tracker{max: 3}
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString(stamped(i, fmt.Sprintf("line %d", i)))
	}
	fresh := tr.update(b.String(), false)
	if len(fresh) != 10 {
		t.Errorf("expected 10 fresh lines, got %d", len(fresh))
	}
	if diff := cmp.Diff([]string{"line 7", "line 8", "line 9"}, tr.tail()); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}
	if again := tr.update(b.String(), false); len(again) != 0 {
		t.Errorf("expected no fresh lines on unchanged log, got %v", again)
	}
}

func TestTracker_OverlappingReads(t *testing.T) {
	tr := &tracker{max: 10}
	same := logBase.Format(time.RFC3339Nano)
	first := same + " a\n" + same + " b\n"
	if diff := cmp.Diff([]string{"a", "b"}, tr.update(first, false)); diff != "" {
		t.Errorf("first read mismatch (-want +got):\n%s", diff)
	}

	// The next read starts at the same second and repeats both lines, plus a
	// third written in the same instant and one written later.
	second := first + same + " c\n" + stamped(3, "d")
	if diff := cmp.Diff([]string{"c", "d"}, tr.update(second, false)); diff != "" {
		t.Errorf("overlapping read mismatch (-want +got):\n%s", diff)
	}
	if !tr.last.Equal(logBase.Add(1500 * time.Millisecond)) {
		t.Errorf("expected last timestamp to advance, got %s", tr.last)
	}
}

func TestTracker_UntimestampedLines(t *testing.T) {
	tr := &tracker{max: 10}
	if got := tr.update("x\ny\n", false); len(got) != 2 {
		t.Fatalf("expected 2 fresh lines, got %v", got)
	}
	if got := tr.update("x\ny\nz\n", false); len(got) != 1 || got[0] != "z" {
		t.Errorf("expected only the new line, got %v", got)
	}
}

func TestEvents_IncrementalLogReads(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	var chunks []string
	for i := 0; i < 20; i++ {
		chunks = append(chunks, fmt.Sprintf("#%d step output that is reasonably long\n", i))
	}
	logs := &fakeLogs{chunks: chunks}
	polls := 0
	m := &Monitor{Client: cl, Logs: logs, Interval: time.Second, Deadline: time.Hour, Sleep: func(time.Duration) {
		polls++
		if polls == len(chunks) {
			setPhase(t, cl, corev1.PodStatus{Phase: corev1.PodSucceeded})
		}
	}}

	events := collect(m)
	if got := texts(events, LogLine); len(got) != len(chunks) {
		t.Fatalf("expected %d distinct lines, got %d: %v", len(chunks), len(got), got)
	}
	if !logs.since[0].IsZero() {
		t.Errorf("expected the first read to start at the beginning, got %s", logs.since[0])
	}
	if logs.since[len(logs.since)-1].IsZero() {
		t.Error("expected later reads to pass SinceTime")
	}
	full := 0
	for _, c := range chunks {
		full += len(c)
	}
	if last := logs.served[len(logs.served)-1]; last >= full {
		t.Errorf("expected the last read to transfer less than the full log (%d bytes), got %d", full, last)
	}
}

func TestEvents_SlowLogReadsHonorDeadline(t *testing.T) {
	cl := newCluster(t, corev1.PodRunning)
	m := &Monitor{Client: cl, Logs: slowLogs{delay: 100 * time.Millisecond}, Interval: 10 * time.Millisecond, Deadline: 100 * time.Millisecond}

	start := time.Now()
	events := collect(m)
	elapsed := time.Since(start)
	if last := events[len(events)-1]; last.Type != TimedOut {
		t.Fatalf("expected TimedOut, got %s", last.Type)
	}
	if elapsed > time.Second {
		t.Errorf("expected monitoring to end near its deadline, took %s", elapsed)
	}
}

// slowLogs takes delay per read and honors cancellation.
type slowLogs struct {
	delay time.Duration
}

func (s slowLogs) Logs(ctx context.Context, _, _, _ string, _ kube.LogOptions) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return []byte("still building\n"), nil
	}
}

func TestRun(t *testing.T) {
	tests := []struct {
		name  string
		phase corev1.PodPhase
		kind  failure.Kind
	}{
		{"succeeded", corev1.PodSucceeded, ""},
		{"failed", corev1.PodFailed, failure.BuildFailed},
		{"timed out", corev1.PodRunning, failure.MonitorTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl := newCluster(t, tt.phase)
			m := &Monitor{Client: cl, Logs: &fakeLogs{chunks: []string{"one\ntwo\n"}}, Interval: time.Second, Deadline: 2 * time.Second, Sleep: func(time.Duration) {}}

			var seen int
			res, err := m.Run(context.Background(), "ns", "b", func(Event) { seen++ })
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else if !failure.Is(err, tt.kind) {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
			if res.Lines != 2 {
				t.Errorf("expected 2 lines, got %d", res.Lines)
			}
			if seen == 0 {
				t.Error("expected events to be passed to the callback")
			}
			if tt.kind != "" && len(failure.Tail(err)) != 2 {
				t.Errorf("expected tail attached to error, got %v", failure.Tail(err))
			}
		})
	}
}

func TestRun_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cl := newCluster(t, corev1.PodRunning)
	m := &Monitor{Client: cl, Logs: &fakeLogs{}, Interval: time.Second, Deadline: time.Minute, Sleep: func(time.Duration) { cancel() }}

	_, err := m.Run(ctx, "ns", "b", nil)
	if !failure.Is(err, failure.Interrupted) {
		t.Fatalf("expected Interrupted, got %v", err)
	}
}
