// Package events records build lifecycle events on the build pod.
package events

import (
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/events"
)

const (
	// ReasonBuildStarted indicates the build was triggered.
	ReasonBuildStarted = "BuildStarted"

	// ReasonBuildSucceeded indicates the image was built and pushed.
	ReasonBuildSucceeded = "BuildSucceeded"

	// ReasonBuildFailed indicates the build engine reported failure.
	ReasonBuildFailed = "BuildFailed"

	// ReasonBuildTimedOut indicates the build did not finish in time.
	ReasonBuildTimedOut = "BuildTimedOut"

	actionBuilding = "Building"
	actionFinished = "Finished"
)

// Emitter emits Kubernetes events for builds. A nil Emitter or Recorder
// drops events.
type Emitter struct {
	Recorder events.EventRecorder
}

// NewEmitter creates an Emitter with the given recorder.
func NewEmitter(recorder events.EventRecorder) *Emitter {
	return &Emitter{Recorder: recorder}
}

func (e *Emitter) enabled() bool {
	return e != nil && e.Recorder != nil
}

// EmitStarted emits a Normal event when the build is triggered.
func (e *Emitter) EmitStarted(pod *corev1.Pod, image string, platforms []string) {
	if !e.enabled() {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeNormal, ReasonBuildStarted, actionBuilding,
		"Building %s for %s",
		image, strings.Join(platforms, ", "),
	)
}

// EmitSucceeded emits a Normal event when the image was pushed.
func (e *Emitter) EmitSucceeded(pod *corev1.Pod, image string) {
	if !e.enabled() {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeNormal, ReasonBuildSucceeded, actionFinished,
		"Built and pushed %s",
		image,
	)
}

// EmitFailed emits a Warning event when the build failed.
func (e *Emitter) EmitFailed(pod *corev1.Pod, image, reason string) {
	if !e.enabled() {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeWarning, ReasonBuildFailed, actionFinished,
		"Build of %s failed: %s",
		image, reason,
	)
}

// EmitTimedOut emits a Warning event when monitoring gave up.
func (e *Emitter) EmitTimedOut(pod *corev1.Pod, image, reason string) {
	if !e.enabled() {
		return
	}
	e.Recorder.Eventf(
		pod, nil, corev1.EventTypeWarning, ReasonBuildTimedOut, actionFinished,
		"Build of %s timed out: %s",
		image, reason,
	)
}
