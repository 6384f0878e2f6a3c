package buildctx

import (
	"context"
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/failure"
)

// MaxConfigMapBytes bounds the encoded size of a ConfigMap context.
const MaxConfigMapBytes = 1_000_000

// ConfigMapCreator creates a ConfigMap, replacing any leftover.
type ConfigMapCreator interface {
	CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) error
}

// ConfigMap materializes the context as a ConfigMap mounted into the pod.
// Directories are implied by item paths; empty directories are dropped.
type ConfigMap struct {
	Creator ConfigMapCreator
}

func (c *ConfigMap) Strategy() Strategy { return StrategyConfigMap }

// Stage builds and creates the ConfigMap.
func (c *ConfigMap) Stage(ctx context.Context, t Target) (Staged, error) {
	cm, items, size, err := BuildConfigMap(t)
	if err != nil {
		return Staged{}, err
	}
	if err := c.Creator.CreateConfigMap(ctx, cm); err != nil {
		return Staged{}, failure.New(failure.ContextUploadError, err)
	}
	log.FromContext(ctx).Info("staged build context", "configmap", cm.Name, "files", len(items), "size", humanize.Bytes(uint64(size)))
	return Staged{Done: true, ConfigMap: cm.Name, Items: items, Bytes: size}, nil
}

// Upload is a no-op; Stage already delivered the context.
func (c *ConfigMap) Upload(context.Context, Target) (int64, error) {
	return 0, nil
}

// BuildConfigMap renders the context as a ConfigMap. Text files go to data,
// everything else to binaryData. Symlinks are rejected.
func BuildConfigMap(t Target) (*corev1.ConfigMap, []corev1.KeyToPath, int64, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      t.ConfigMap,
			Namespace: t.Namespace,
			Labels:    t.Labels,
		},
		Data:       map[string]string{},
		BinaryData: map[string][]byte{},
	}

	var (
		items []corev1.KeyToPath
		size  int64
	)
	for _, f := range t.Context.Files {
		switch {
		case f.Link != "":
			return nil, nil, 0, failure.Errorf(failure.ContextUploadError, "symlink %s cannot be stored in a ConfigMap, use the podcopy transport", f.Rel)
		case f.Mode.IsDir():
			continue
		}

		data, err := readFile(t.Context.Root, f.Rel)
		if err != nil {
			return nil, nil, 0, failure.New(failure.ContextUploadError, err)
		}

		key := fmt.Sprintf("f%05d", len(items))
		if utf8.Valid(data) {
			cm.Data[key] = string(data)
			size += int64(len(key) + len(data))
		} else {
			cm.BinaryData[key] = data
			size += int64(len(key) + base64.StdEncoding.EncodedLen(len(data)))
		}
		if size > MaxConfigMapBytes {
			return nil, nil, 0, failure.Errorf(failure.ContextUploadError,
				"build context exceeds the ConfigMap limit of %s, use the podcopy transport", humanize.Bytes(MaxConfigMapBytes))
		}

		mode := int32(f.Mode.Perm())
		items = append(items, corev1.KeyToPath{Key: key, Path: f.Rel, Mode: &mode})
	}
	return cm, items, size, nil
}
