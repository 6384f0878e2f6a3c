// Package kube builds the Kubernetes clients a build run uses: a
// controller-runtime client for object CRUD and client-go for exec, logs
// and events.
package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ppiankov/kiln/internal/failure"
)

// Options selects the kubeconfig and context. Empty values use the standard
// loading rules (KUBECONFIG, ~/.kube/config, in-cluster).
type Options struct {
	Kubeconfig string
	Context    string
}

// Clients bundles everything a run needs to talk to the cluster. It is built
// once per invocation and injected into every component.
type Clients struct {
	Client    client.Client
	Clientset kubernetes.Interface
	Config    *rest.Config
	Scheme    *runtime.Scheme

	Exec Executor
	Logs LogReader
}

// NewScheme returns a scheme with the core API group registered.
func NewScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	utilruntime.Must(corev1.AddToScheme(scheme))
	return scheme
}

// RESTConfig resolves a rest.Config from opts.
func RESTConfig(opts Options) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if opts.Kubeconfig != "" {
		rules.ExplicitPath = opts.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: opts.Context}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, failure.New(failure.ClusterUnreachable, fmt.Errorf("loading kubeconfig: %w", err))
	}
	cfg.UserAgent = "kiln"
	return cfg, nil
}

// New builds Clients from opts. It does not contact the cluster; call Ping
// for that.
func New(opts Options) (*Clients, error) {
	cfg, err := RESTConfig(opts)
	if err != nil {
		return nil, err
	}
	return NewForConfig(cfg)
}

// NewForConfig builds Clients from an existing rest.Config.
func NewForConfig(cfg *rest.Config) (*Clients, error) {
	scheme := NewScheme()
	c, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, failure.New(failure.ClusterUnreachable, fmt.Errorf("creating client: %w", err))
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, failure.New(failure.ClusterUnreachable, fmt.Errorf("creating clientset: %w", err))
	}
	return &Clients{
		Client:    c,
		Clientset: cs,
		Config:    cfg,
		Scheme:    scheme,
		Exec:      &PodExecutor{Clientset: cs, Config: cfg},
		Logs:      &PodLogReader{Clientset: cs},
	}, nil
}

// Ping checks that the API server answers. Any failure is
// failure.ClusterUnreachable.
func (c *Clients) Ping(ctx context.Context) error {
	if c.Clientset == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.Clientset.Discovery().ServerVersion(); err != nil {
		return failure.New(failure.ClusterUnreachable, fmt.Errorf("contacting API server: %w", err))
	}
	return nil
}
