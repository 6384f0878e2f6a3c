// Package notify posts build outcomes to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/kiln/internal/failure"
)

// Event types.
const (
	TypeSucceeded   = "succeeded"
	TypeFailed      = "failed"
	TypeTimedOut    = "timed_out"
	TypeInterrupted = "interrupted"
	TypeError       = "error"
)

// Types lists every event type, for validating filters.
var Types = []string{TypeSucceeded, TypeFailed, TypeTimedOut, TypeInterrupted, TypeError}

// Event represents a notification payload sent to webhooks.
type Event struct {
	Type      string   `json:"type"`
	RunID     string   `json:"run_id"`
	ImageRef  string   `json:"image_ref"`
	PodName   string   `json:"pod_name,omitempty"`
	Namespace string   `json:"namespace"`
	Platforms []string `json:"platforms,omitempty"`
	Digest    string   `json:"digest,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Duration  float64  `json:"duration_seconds"`
	Timestamp string   `json:"timestamp"`
}

// TypeOf maps a run error to an event type. nil is TypeSucceeded.
func TypeOf(err error) string {
	if err == nil {
		return TypeSucceeded
	}
	switch failure.KindOf(err) {
	case failure.BuildFailed:
		return TypeFailed
	case failure.MonitorTimedOut:
		return TypeTimedOut
	case failure.Interrupted:
		return TypeInterrupted
	}
	return TypeError
}

// Notifier sends webhook notifications with a request timeout.
type Notifier struct {
	URL        string
	Events     map[string]bool
	HTTPClient *http.Client
}

// NewNotifier creates a Notifier for the given URL and event filter.
// eventTypes is a list of event types to send (e.g. "succeeded", "failed").
// An empty list means all events are sent.
func NewNotifier(url string, eventTypes []string) *Notifier {
	events := make(map[string]bool)
	for _, e := range eventTypes {
		events[e] = true
	}
	return &Notifier{
		URL:    url,
		Events: events,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Notify sends an event to the webhook unless the filter excludes its type.
// Delivery errors are returned; the caller decides whether they matter.
func (n *Notifier) Notify(ctx context.Context, evt Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	if len(n.Events) > 0 && !n.Events[evt.Type] {
		return nil
	}

	evt.Timestamp = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
