package job

import (
	"context"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"

	"github.com/ppiankov/kiln/internal/cluster"
	"github.com/ppiankov/kiln/internal/detector"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/kube"
	"github.com/ppiankov/kiln/internal/poll"
)

// Controller creates the build pod and drives it to the point where the
// build runs.
type Controller struct {
	Client client.Client
	Exec   kube.Executor

	// Delete bounds the wait for a stale pod to disappear.
	Delete poll.Backoff
	// Ready bounds the wait for the new pod to become ready.
	Ready poll.Backoff
}

// DeleteStale deletes a pod with the given name left by an earlier run and
// waits until it is gone. It reports whether a pod was found.
func (c *Controller) DeleteStale(ctx context.Context, namespace, name string) (bool, error) {
	logger := log.FromContext(ctx)
	key := client.ObjectKey{Namespace: namespace, Name: name}

	var pod corev1.Pod
	if err := c.Client.Get(ctx, key, &pod); err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err, failure.JobCreateError, "checking for previous build pod %s", name)
	}

	logger.Info("deleting previous build pod", "pod", key.String(), "phase", pod.Status.Phase)
	if err := client.IgnoreNotFound(c.Client.Delete(ctx, &pod, client.PropagationPolicy(metav1.DeletePropagationBackground))); err != nil {
		return true, classify(err, failure.JobCreateError, "deleting previous build pod %s", name)
	}

	err := c.Delete.Poll(ctx, func(ctx context.Context) (bool, error) {
		var p corev1.Pod
		err := c.Client.Get(ctx, key, &p)
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			logger.V(1).Info("checking pod deletion", "error", err.Error())
		}
		return false, nil
	})
	if err != nil {
		return true, waitError(err, failure.StaleResourceTimeout, fmt.Sprintf("previous build pod %s still exists after %s", name, c.Delete.Timeout))
	}
	logger.Info("previous build pod deleted", "pod", key.String())
	return true, nil
}

// Create creates the build pod. Any rejection is failure.JobCreateError.
func (c *Controller) Create(ctx context.Context, spec Spec) (*corev1.Pod, error) {
	pod := spec.Pod()
	if err := c.Client.Create(ctx, pod); err != nil {
		return nil, classify(err, failure.JobCreateError, "creating build pod %s", spec.Name)
	}
	log.FromContext(ctx).Info("created build pod", "pod", spec.Namespace+"/"+spec.Name, "image", spec.BuilderImage)
	return pod, nil
}

// WaitReady polls until the build container is ready. With allowTerminal a
// pod that already finished counts as ready, for builds that start without
// a trigger. Start failures are failure.ReadinessFailed; running out of
// time is failure.ReadinessTimeout.
func (c *Controller) WaitReady(ctx context.Context, namespace, name string, allowTerminal bool) (*corev1.Pod, error) {
	logger := log.FromContext(ctx)
	key := client.ObjectKey{Namespace: namespace, Name: name}

	var (
		pod  corev1.Pod
		last string
	)
	err := c.Ready.Poll(ctx, func(ctx context.Context) (bool, error) {
		if err := c.Client.Get(ctx, key, &pod); err != nil {
			if apierrors.IsNotFound(err) {
				return false, failure.Errorf(failure.ReadinessFailed, "build pod %s disappeared", name)
			}
			logger.V(1).Info("reading pod status", "error", err.Error())
			return false, nil
		}

		if s := detector.Summary(&pod); s != last {
			logger.Info("pod status", "pod", name, "status", s)
			last = s
		}

		if failures := detector.Detect(&pod); len(failures) > 0 {
			msgs := make([]string, len(failures))
			for i, f := range failures {
				msgs[i] = f.String()
			}
			return false, failure.Errorf(failure.ReadinessFailed, "%s", strings.Join(msgs, "; "))
		}
		if detector.Terminal(&pod) {
			if allowTerminal {
				return true, nil
			}
			return false, failure.Errorf(failure.ReadinessFailed, "build pod %s: %s", name, detector.TerminationMessage(&pod))
		}
		return detector.Ready(&pod), nil
	})
	if err != nil {
		return nil, waitError(err, failure.ReadinessTimeout, fmt.Sprintf("build pod %s not ready after %s (last status: %s)", name, c.Ready.Timeout, last))
	}
	return &pod, nil
}

// Trigger releases a container waiting for its context.
func (c *Controller) Trigger(ctx context.Context, spec Spec) error {
	if !spec.WaitsForTrigger() {
		return nil
	}
	var stderr strings.Builder
	err := c.Exec.Exec(ctx, kube.ExecRequest{
		Namespace: spec.Namespace,
		Pod:       spec.Name,
		Container: ContainerName,
		Command:   []string{"touch", TriggerFile},
		Stderr:    &stderr,
	})
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return failure.New(failure.ContextUploadError, fmt.Errorf("triggering build in %s: %w", spec.Name, err))
	}
	log.FromContext(ctx).Info("build triggered", "pod", spec.Namespace+"/"+spec.Name)
	return nil
}

// Manifest renders the pod as YAML without creating it.
func Manifest(spec Spec) ([]byte, error) {
	return yaml.Marshal(spec.Pod())
}

func waitError(err error, timeoutKind failure.Kind, msg string) error {
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return failure.Errorf(timeoutKind, "%s", msg)
	case errors.Is(err, context.Canceled):
		return failure.New(failure.Interrupted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return failure.Errorf(timeoutKind, "%s: %v", msg, err)
	}
	return err
}

func classify(err error, kind failure.Kind, format string, args ...any) error {
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	switch {
	case errors.Is(err, context.Canceled):
		return failure.New(failure.Interrupted, wrapped)
	case cluster.Unreachable(err):
		return failure.New(failure.ClusterUnreachable, wrapped)
	}
	return failure.New(kind, wrapped)
}
