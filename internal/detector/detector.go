// Package detector inspects build pod status for start failures and
// readiness.
package detector

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

// Failure represents a container that cannot start.
type Failure struct {
	ContainerName string
	Image         string
	Reason        string
	Message       string
}

func (f Failure) String() string {
	s := fmt.Sprintf("container %s (%s): %s", f.ContainerName, f.Image, f.Reason)
	if f.Message != "" {
		s += ": " + f.Message
	}
	return s
}

// startFailureReasons are waiting reasons a pod does not recover from
// without intervention.
var startFailureReasons = map[string]bool{
	"ImagePullBackOff":           true,
	"ErrImagePull":               true,
	"InvalidImageName":           true,
	"ErrImageNeverPull":          true,
	"CreateContainerConfigError": true,
	"CreateContainerError":       true,
	"RunContainerError":          true,
}

// Detect inspects a Pod and returns any start failures found across both
// regular and init container statuses.
func Detect(pod *corev1.Pod) []Failure {
	var failures []Failure
	failures = append(failures, detectInStatuses(pod.Status.ContainerStatuses, pod.Spec.Containers)...)
	failures = append(failures, detectInStatuses(pod.Status.InitContainerStatuses, pod.Spec.InitContainers)...)
	return failures
}

func detectInStatuses(statuses []corev1.ContainerStatus, specs []corev1.Container) []Failure {
	specImage := make(map[string]string, len(specs))
	for _, c := range specs {
		specImage[c.Name] = c.Image
	}

	var failures []Failure
	for _, cs := range statuses {
		if cs.State.Waiting == nil {
			continue
		}
		if !startFailureReasons[cs.State.Waiting.Reason] {
			continue
		}
		failures = append(failures, Failure{
			ContainerName: cs.Name,
			Image:         specImage[cs.Name],
			Reason:        cs.State.Waiting.Reason,
			Message:       cs.State.Waiting.Message,
		})
	}
	return failures
}

// Ready reports whether the PodReady condition is true.
func Ready(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// Terminal reports whether the pod reached Succeeded or Failed.
func Terminal(pod *corev1.Pod) bool {
	return pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed
}

// Summary is a one-line progress description of the pod, such as
// "Pending (ContainerCreating)".
func Summary(pod *corev1.Pod) string {
	phase := string(pod.Status.Phase)
	if phase == "" {
		phase = string(corev1.PodPending)
	}
	var reasons []string
	for _, cs := range pod.Status.ContainerStatuses {
		switch {
		case cs.State.Waiting != nil && cs.State.Waiting.Reason != "":
			reasons = append(reasons, cs.State.Waiting.Reason)
		case cs.State.Terminated != nil && cs.State.Terminated.Reason != "":
			reasons = append(reasons, cs.State.Terminated.Reason)
		}
	}
	if len(reasons) == 0 && pod.Status.Reason != "" {
		reasons = append(reasons, pod.Status.Reason)
	}
	if len(reasons) == 0 {
		return phase
	}
	return fmt.Sprintf("%s (%s)", phase, strings.Join(reasons, ", "))
}

// TerminationMessage returns the exit code and message of the first
// terminated container, for failure summaries.
func TerminationMessage(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		t := cs.State.Terminated
		if t == nil {
			continue
		}
		msg := fmt.Sprintf("container %s exited with code %d", cs.Name, t.ExitCode)
		if t.Reason != "" {
			msg += " (" + t.Reason + ")"
		}
		if m := strings.TrimSpace(t.Message); m != "" {
			msg += ": " + m
		}
		return msg
	}
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	return "pod " + string(pod.Status.Phase)
}
