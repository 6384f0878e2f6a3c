package buildctx

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// Strategy names a transport.
type Strategy string

const (
	StrategyPodCopy   Strategy = "podcopy"
	StrategyConfigMap Strategy = "configmap"
)

// Strategies lists the accepted strategy names.
var Strategies = []Strategy{StrategyPodCopy, StrategyConfigMap}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	for _, v := range Strategies {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown context transport %q (want %s or %s)", s, StrategyPodCopy, StrategyConfigMap)
}

// Target names where a context goes.
type Target struct {
	Namespace string
	Pod       string
	Container string

	// ConfigMap is the name for the configmap strategy.
	ConfigMap string
	Labels    map[string]string

	Context *Context
}

// Staged is what a transport did before the build pod existed.
type Staged struct {
	// Done reports that the context is fully in the cluster.
	Done bool

	// ConfigMap and Items are set by the configmap strategy and become the
	// pod's context volume.
	ConfigMap string
	Items     []corev1.KeyToPath

	Bytes int64
}

// Transport delivers a context into the cluster. Stage runs before the build
// pod is created, Upload once it is ready. A transport does its work in one
// of the two and treats the other as a no-op.
type Transport interface {
	Strategy() Strategy
	Stage(ctx context.Context, t Target) (Staged, error)
	Upload(ctx context.Context, t Target) (int64, error)
}
