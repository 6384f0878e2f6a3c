package session

import (
	"fmt"

	"github.com/google/uuid"
)

// Phase is a step of the build lifecycle.
type Phase int

const (
	Validating Phase = iota
	NamespaceReady
	CredentialsReady
	ContextUploaded
	JobCreated
	JobReady
	Triggered
	Monitoring
	Succeeded
	Failed
	TimedOut
	CleanedUp
)

var phaseNames = [...]string{
	Validating:       "Validating",
	NamespaceReady:   "NamespaceReady",
	CredentialsReady: "CredentialsReady",
	ContextUploaded:  "ContextUploaded",
	JobCreated:       "JobCreated",
	JobReady:         "JobReady",
	Triggered:        "Triggered",
	Monitoring:       "Monitoring",
	Succeeded:        "Succeeded",
	Failed:           "Failed",
	TimedOut:         "TimedOut",
	CleanedUp:        "CleanedUp",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports whether p is a build outcome.
func (p Phase) Terminal() bool {
	return p == Succeeded || p == Failed || p == TimedOut
}

// Kind names the type of a tracked cluster object.
type Kind string

const (
	KindNamespace Kind = "Namespace"
	KindSecret    Kind = "Secret"
	KindConfigMap Kind = "ConfigMap"
	KindPod       Kind = "Pod"
)

// Object identifies a cluster object created during the run.
type Object struct {
	Kind      Kind
	Namespace string
	Name      string
}

func (o Object) String() string {
	if o.Namespace == "" {
		return fmt.Sprintf("%s/%s", o.Kind, o.Name)
	}
	return fmt.Sprintf("%s %s/%s", o.Kind, o.Namespace, o.Name)
}

// Session is the cluster-side state of a single build. It is owned by one
// orchestrator run and is not safe for concurrent use.
type Session struct {
	ID        string
	Namespace string
	Name      string

	phase   Phase
	history []Phase
	objects []Object
	mutated bool
}

// New creates a session in the Validating phase for the derived build name.
func New(namespace, name string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Name:      name,
		phase:     Validating,
		history:   []Phase{Validating},
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// History returns every phase entered, in order.
func (s *Session) History() []Phase {
	return append([]Phase(nil), s.history...)
}

// Advance moves the session to next. Phases only move forward, with these
// exceptions:
//   - JobCreated may be re-entered after a stale pod was replaced.
//   - ContextUploaded may follow JobReady, for transports that upload into a
//     running pod.
//   - Failed and CleanedUp may be entered from any non-final phase.
func (s *Session) Advance(next Phase) error {
	if !s.allowed(next) {
		return fmt.Errorf("invalid phase transition %s -> %s", s.phase, next)
	}
	s.phase = next
	s.history = append(s.history, next)
	return nil
}

func (s *Session) allowed(next Phase) bool {
	cur := s.phase
	switch {
	case cur == CleanedUp:
		return false
	case next == CleanedUp:
		return true
	case cur.Terminal():
		return false
	case next == Failed || next == TimedOut:
		return true
	case cur == JobCreated && next == JobCreated:
		return true
	case cur == JobReady && next == ContextUploaded:
		return true
	case cur == ContextUploaded && next == Triggered && s.reached(JobReady):
		return true
	}
	return next > cur
}

func (s *Session) reached(p Phase) bool {
	for _, h := range s.history {
		if h == p {
			return true
		}
	}
	return false
}

// Track records an object created during the run. Tracking the same object
// twice is a no-op.
func (s *Session) Track(kind Kind, namespace, name string) {
	s.mutated = true
	obj := Object{Kind: kind, Namespace: namespace, Name: name}
	for _, o := range s.objects {
		if o == obj {
			return
		}
	}
	s.objects = append(s.objects, obj)
}

// Untrack forgets an object, typically after it was deleted.
func (s *Session) Untrack(kind Kind, namespace, name string) {
	obj := Object{Kind: kind, Namespace: namespace, Name: name}
	for i, o := range s.objects {
		if o == obj {
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			return
		}
	}
}

// MarkMutated records that the cluster was changed even though no object
// was tracked, for example when an existing namespace was reused.
func (s *Session) MarkMutated() {
	s.mutated = true
}

// Mutated reports whether the run has touched the cluster.
func (s *Session) Mutated() bool {
	return s.mutated
}

// Objects returns tracked objects in creation order.
func (s *Session) Objects() []Object {
	return append([]Object(nil), s.objects...)
}

// Has reports whether an object of kind is tracked.
func (s *Session) Has(kind Kind) bool {
	for _, o := range s.objects {
		if o.Kind == kind {
			return true
		}
	}
	return false
}

// Len returns the number of tracked objects. Intended for testing.
func (s *Session) Len() int {
	return len(s.objects)
}
