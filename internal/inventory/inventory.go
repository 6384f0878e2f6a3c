// Package inventory finds build objects left in a namespace.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ppiankov/kiln/internal/cluster"
	"github.com/ppiankov/kiln/internal/session"
)

// Item is one build object found in the cluster.
type Item struct {
	session.Object

	BuildName string
	RunID     string
	Created   time.Time

	// Phase is the pod phase; empty for other kinds.
	Phase string
}

// Finder locates objects created by build runs.
type Finder struct {
	Client client.Reader
}

// NewFinder creates a Finder with the given client.
func NewFinder(c client.Reader) *Finder {
	return &Finder{Client: c}
}

// Find returns build pods, secrets and configmaps in namespace. When
// buildName is not empty only objects of that build are returned. Items are
// sorted by build name, then kind, then name.
func (f *Finder) Find(ctx context.Context, namespace, buildName string) ([]Item, error) {
	labels := client.MatchingLabels{cluster.LabelManagedBy: cluster.ManagedByValue}
	if buildName != "" {
		labels[cluster.LabelBuildName] = buildName
	}
	opts := []client.ListOption{client.InNamespace(namespace), labels}

	var items []Item

	var pods corev1.PodList
	if err := f.Client.List(ctx, &pods, opts...); err != nil {
		return nil, fmt.Errorf("listing pods: %w", err)
	}
	for i := range pods.Items {
		p := &pods.Items[i]
		it := item(session.KindPod, p.Namespace, p.Name, p.Labels, p.CreationTimestamp.Time)
		it.Phase = string(p.Status.Phase)
		items = append(items, it)
	}

	var secrets corev1.SecretList
	if err := f.Client.List(ctx, &secrets, opts...); err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	for _, s := range secrets.Items {
		items = append(items, item(session.KindSecret, s.Namespace, s.Name, s.Labels, s.CreationTimestamp.Time))
	}

	var cms corev1.ConfigMapList
	if err := f.Client.List(ctx, &cms, opts...); err != nil {
		return nil, fmt.Errorf("listing configmaps: %w", err)
	}
	for _, cm := range cms.Items {
		items = append(items, item(session.KindConfigMap, cm.Namespace, cm.Name, cm.Labels, cm.CreationTimestamp.Time))
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.BuildName != b.BuildName {
			return a.BuildName < b.BuildName
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
	return items, nil
}

func item(kind session.Kind, namespace, name string, labels map[string]string, created time.Time) Item {
	return Item{
		Object:    session.Object{Kind: kind, Namespace: namespace, Name: name},
		BuildName: labels[cluster.LabelBuildName],
		RunID:     labels[cluster.LabelRunID],
		Created:   created,
	}
}
