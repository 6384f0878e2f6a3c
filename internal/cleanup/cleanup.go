// Package cleanup removes the cluster objects a build run created.
package cleanup

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/session"
)

// DefaultTimeout bounds a cleanup pass.
const DefaultTimeout = 30 * time.Second

// Report lists what cleanup did. Warnings never fail a run.
type Report struct {
	Deleted  []session.Object
	Kept     []session.Object
	Warnings []string

	// Skipped is set when the session was already cleaned up.
	Skipped bool
}

// OK reports whether cleanup finished without warnings.
func (r Report) OK() bool {
	return len(r.Warnings) == 0
}

// Coordinator deletes tracked objects on every exit path.
type Coordinator struct {
	Client client.Client

	// Timeout bounds the detached context cleanup runs under.
	Timeout time.Duration

	// DeleteNamespace also removes a namespace created by the run.
	DeleteNamespace bool
}

// NewCoordinator creates a Coordinator with the default timeout.
func NewCoordinator(c client.Client, deleteNamespace bool) *Coordinator {
	return &Coordinator{
		Client:          c,
		Timeout:         DefaultTimeout,
		DeleteNamespace: deleteNamespace,
	}
}

// Cleanup deletes every object tracked in sess in reverse creation order and
// moves the session to CleanedUp. It runs under a context detached from
// ctx's cancellation, so an interrupted run still cleans up. A second call
// for the same session is a no-op.
func (c *Coordinator) Cleanup(ctx context.Context, sess *session.Session) Report {
	if sess.Phase() == session.CleanedUp {
		return Report{Skipped: true}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	objs := sess.Objects()
	var report Report
	for i := len(objs) - 1; i >= 0; i-- {
		c.remove(ctx, objs[i], &report)
		if contains(report.Deleted, objs[i]) {
			sess.Untrack(objs[i].Kind, objs[i].Namespace, objs[i].Name)
		}
	}

	_ = sess.Advance(session.CleanedUp)
	return report
}

// Sweep deletes the given objects, as found by inventory, pods first.
func (c *Coordinator) Sweep(ctx context.Context, objs []session.Object) Report {
	var report Report
	for _, kind := range []session.Kind{session.KindPod, session.KindConfigMap, session.KindSecret} {
		for _, o := range objs {
			if o.Kind == kind {
				c.remove(ctx, o, &report)
			}
		}
	}
	return report
}

func (c *Coordinator) remove(ctx context.Context, o session.Object, report *Report) {
	logger := log.FromContext(ctx)

	if o.Kind == session.KindNamespace && !c.DeleteNamespace {
		report.Kept = append(report.Kept, o)
		return
	}

	obj, err := objectFor(o)
	if err != nil {
		report.Warnings = append(report.Warnings, err.Error())
		return
	}
	if err := client.IgnoreNotFound(c.Client.Delete(ctx, obj)); err != nil {
		msg := fmt.Sprintf("failed to delete %s: %v", o, err)
		logger.Info("cleanup warning", "object", o.String(), "error", err.Error())
		report.Warnings = append(report.Warnings, msg)
		return
	}
	logger.Info("deleted", "object", o.String())
	report.Deleted = append(report.Deleted, o)
}

func objectFor(o session.Object) (client.Object, error) {
	meta := metav1.ObjectMeta{Name: o.Name, Namespace: o.Namespace}
	switch o.Kind {
	case session.KindPod:
		return &corev1.Pod{ObjectMeta: meta}, nil
	case session.KindSecret:
		return &corev1.Secret{ObjectMeta: meta}, nil
	case session.KindConfigMap:
		return &corev1.ConfigMap{ObjectMeta: meta}, nil
	case session.KindNamespace:
		return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: o.Name}}, nil
	}
	return nil, fmt.Errorf("cannot delete %s: unknown kind", o)
}

func contains(objs []session.Object, o session.Object) bool {
	for _, x := range objs {
		if x == o {
			return true
		}
	}
	return false
}
