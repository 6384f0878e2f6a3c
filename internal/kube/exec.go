package kube

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/buildkite/shellwords"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/httpstream"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ExecRequest describes a command to run in a pod container.
type ExecRequest struct {
	Namespace string
	Pod       string
	Container string
	Command   []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs commands inside a running container.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) error
}

// LogOptions narrows a log read. The zero value reads the whole log.
type LogOptions struct {
	// SinceTime skips lines older than this. The API honors it to the
	// second, so callers see some overlap.
	SinceTime time.Time
	// TailLines keeps only the last lines when positive.
	TailLines int64
	// Timestamps prefixes each line with an RFC3339Nano timestamp.
	Timestamps bool
}

// LogReader returns the log of a container.
type LogReader interface {
	Logs(ctx context.Context, namespace, pod, container string, opts LogOptions) ([]byte, error)
}

// PodExecutor executes over the pods/exec subresource, preferring WebSocket
// and falling back to SPDY on servers that do not support it.
type PodExecutor struct {
	Clientset kubernetes.Interface
	Config    *rest.Config
}

// Exec runs req.Command and blocks until it exits or ctx is canceled.
func (e *PodExecutor) Exec(ctx context.Context, req ExecRequest) error {
	log.FromContext(ctx).V(1).Info("exec", "pod", req.Namespace+"/"+req.Pod, "command", FormatCommand(req.Command))

	r := e.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(req.Namespace).
		Name(req.Pod).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: req.Container,
			Command:   req.Command,
			Stdin:     req.Stdin != nil,
			Stdout:    req.Stdout != nil,
			Stderr:    req.Stderr != nil,
		}, scheme.ParameterCodec)

	spdy, err := remotecommand.NewSPDYExecutor(e.Config, "POST", r.URL())
	if err != nil {
		return fmt.Errorf("creating SPDY executor: %w", err)
	}
	ws, err := remotecommand.NewWebSocketExecutor(e.Config, "GET", r.URL().String())
	if err != nil {
		return fmt.Errorf("creating WebSocket executor: %w", err)
	}
	exec, err := remotecommand.NewFallbackExecutor(ws, spdy, func(err error) bool {
		return httpstream.IsUpgradeFailure(err) || httpstream.IsHTTPSProxyError(err)
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil {
		return fmt.Errorf("exec %s in %s/%s: %w", FormatCommand(req.Command), req.Namespace, req.Pod, err)
	}
	return nil
}

// PodLogReader reads container logs through the pods/log subresource.
type PodLogReader struct {
	Clientset kubernetes.Interface
}

func (r *PodLogReader) Logs(ctx context.Context, namespace, pod, container string, opts LogOptions) ([]byte, error) {
	b, err := r.Clientset.CoreV1().Pods(namespace).GetLogs(pod, PodLogOptions(container, opts)).DoRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s/%s: %w", namespace, pod, err)
	}
	return b, nil
}

// PodLogOptions converts opts for the pods/log subresource.
func PodLogOptions(container string, opts LogOptions) *corev1.PodLogOptions {
	o := &corev1.PodLogOptions{Container: container, Timestamps: opts.Timestamps}
	if !opts.SinceTime.IsZero() {
		o.SinceTime = &metav1.Time{Time: opts.SinceTime}
	}
	if opts.TailLines > 0 {
		o.TailLines = ptr.To(opts.TailLines)
	}
	return o
}

// FormatCommand renders argv as a shell-quoted string for logs.
func FormatCommand(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellwords.Quote(a)
	}
	return strings.Join(quoted, " ")
}
