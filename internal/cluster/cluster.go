// Package cluster creates and deletes the namespaced objects a build needs
// besides the build pod itself: the namespace, the registry credential
// secret and the ConfigMap context.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/registry"
)

const (
	// LabelManagedBy marks every object the tool creates.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	// ManagedByValue is the LabelManagedBy value.
	ManagedByValue = "kiln"
	// LabelBuildName carries the derived build name.
	LabelBuildName = "kiln.dev/build-name"
	// LabelRunID carries the run that created the object.
	LabelRunID = "kiln.dev/run-id"
)

// Labels returns the labels applied to every object of a build run.
func Labels(buildName, runID string) map[string]string {
	l := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelBuildName: buildName,
	}
	if runID != "" {
		l[LabelRunID] = runID
	}
	return l
}

// Manager performs CRUD on build support objects.
type Manager struct {
	Client client.Client
}

// EnsureNamespace makes sure the namespace exists. It reports whether this
// call created it. An existing namespace is left untouched.
func (m *Manager) EnsureNamespace(ctx context.Context, name string) (bool, error) {
	var ns corev1.Namespace
	err := m.Client.Get(ctx, client.ObjectKey{Name: name}, &ns)
	if err == nil {
		return false, nil
	}
	if !apierrors.IsNotFound(err) {
		return false, classify(err, failure.ClusterUnreachable, "getting namespace %s", name)
	}

	ns = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{LabelManagedBy: ManagedByValue},
		},
	}
	if err := m.Client.Create(ctx, &ns); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		return false, classify(err, failure.ClusterUnreachable, "creating namespace %s", name)
	}
	log.FromContext(ctx).Info("created namespace", "namespace", name)
	return true, nil
}

// DeleteNamespace deletes the namespace. NotFound is success.
func (m *Manager) DeleteNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := client.IgnoreNotFound(m.Client.Delete(ctx, ns)); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return nil
}

// CredentialSecret describes a registry credential secret.
type CredentialSecret struct {
	Namespace string
	Name      string
	Registry  string
	Username  string
	Token     string
	Labels    map[string]string
}

// CreateCredentialSecret creates a kubernetes.io/dockerconfigjson secret
// scoped to the namespace. A leftover secret with the same name is replaced.
func (m *Manager) CreateCredentialSecret(ctx context.Context, cs CredentialSecret) error {
	if cs.Username == "" || cs.Token == "" {
		return failure.Errorf(failure.CredentialError, "registry username and token are required")
	}
	data, err := registry.DockerConfigJSON(cs.Registry, cs.Username, cs.Token)
	if err != nil {
		return failure.New(failure.CredentialError, err)
	}

	newSecret := func() *corev1.Secret {
		return &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      cs.Name,
				Namespace: cs.Namespace,
				Labels:    cs.Labels,
			},
			Type: corev1.SecretTypeDockerConfigJson,
			Data: map[string][]byte{corev1.DockerConfigJsonKey: data},
		}
	}

	err = m.Client.Create(ctx, newSecret())
	if apierrors.IsAlreadyExists(err) {
		log.FromContext(ctx).Info("replacing leftover credential secret", "secret", cs.Namespace+"/"+cs.Name)
		if err := m.DeleteCredentialSecret(ctx, cs.Namespace, cs.Name); err != nil {
			return classify(err, failure.CredentialError, "replacing secret %s", cs.Name)
		}
		err = m.Client.Create(ctx, newSecret())
	}
	if err != nil {
		return classify(err, failure.CredentialError, "creating secret %s", cs.Name)
	}
	return nil
}

// DeleteCredentialSecret deletes the secret. NotFound is success.
func (m *Manager) DeleteCredentialSecret(ctx context.Context, namespace, name string) error {
	s := &corev1.Secret{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	if err := client.IgnoreNotFound(m.Client.Delete(ctx, s)); err != nil {
		return fmt.Errorf("deleting secret %s/%s: %w", namespace, name, err)
	}
	return nil
}

// CreateConfigMap creates cm, replacing a leftover with the same name.
func (m *Manager) CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	err := m.Client.Create(ctx, cm.DeepCopy())
	if apierrors.IsAlreadyExists(err) {
		if err := m.DeleteConfigMap(ctx, cm.Namespace, cm.Name); err != nil {
			return classify(err, failure.ContextUploadError, "replacing configmap %s", cm.Name)
		}
		err = m.Client.Create(ctx, cm.DeepCopy())
	}
	if err != nil {
		return classify(err, failure.ContextUploadError, "creating configmap %s", cm.Name)
	}
	return nil
}

// DeleteConfigMap deletes the ConfigMap. NotFound is success.
func (m *Manager) DeleteConfigMap(ctx context.Context, namespace, name string) error {
	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
	if err := client.IgnoreNotFound(m.Client.Delete(ctx, cm)); err != nil {
		return fmt.Errorf("deleting configmap %s/%s: %w", namespace, name, err)
	}
	return nil
}

// classify maps an API error to a failure kind. Errors that never reached
// the API server are ClusterUnreachable; API rejections get fallback.
func classify(err error, fallback failure.Kind, format string, args ...any) error {
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.Interrupted, wrapped)
	}
	if Unreachable(err) {
		return failure.New(failure.ClusterUnreachable, wrapped)
	}
	return failure.New(fallback, wrapped)
}

// Unreachable reports whether err means the API server could not be
// reached or did not answer in time. Other errors, such as API rejections or
// local encoding failures, are not.
func Unreachable(err error) bool {
	if err == nil {
		return false
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return apierrors.IsServiceUnavailable(err) || apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err)
	}
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return utilnet.IsConnectionRefused(err) || utilnet.IsConnectionReset(err) || utilnet.IsProbableEOF(err)
}
