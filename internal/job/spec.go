// Package job creates and drives the BuildKit pod that performs a build.
package job

import (
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/ppiankov/kiln/internal/buildctx"
)

const (
	// ContainerName is the build container.
	ContainerName = "buildkit"

	// TriggerFile is created once the context upload is complete.
	TriggerFile = "/workspace/BUILD_READY"

	// AnnotationImage records the image the pod builds.
	AnnotationImage = "kiln.dev/image"
	// AnnotationRevision records the source commit of the context.
	AnnotationRevision = "kiln.dev/source-revision"

	// DefaultBuilderImage runs buildkitd rootless alongside buildctl.
	DefaultBuilderImage = "moby/buildkit:v0.27.1-rootless"

	workspaceDir     = "/workspace"
	configMapDir     = "/context"
	dockerConfigDir  = "/home/user/.docker"
	buildkitStateDir = "/home/user/.local/share/buildkit"
	rootlessUID      = 1000
)

// script waits for the trigger when the context is copied in after start,
// then builds every platform and pushes in one buildctl invocation. All
// values come from the environment so nothing user-supplied is spliced into
// the shell text.
const script = `set -eu
mkdir -p "$KILN_CONTEXT_DIR" 2>/dev/null || true
if [ "$KILN_WAIT_FOR_TRIGGER" = "true" ]; then
  echo "waiting for build context"
  while [ ! -f "$KILN_TRIGGER_FILE" ]; do sleep 1; done
fi
echo "building $KILN_IMAGE for $KILN_PLATFORMS"
set --
if [ -n "${KILN_REVISION:-}" ]; then
  set -- --opt "label:$KILN_REVISION_LABEL=$KILN_REVISION"
fi
exec buildctl-daemonless.sh build "$@" \
  --frontend dockerfile.v0 \
  --local context="$KILN_CONTEXT_DIR" \
  --local dockerfile="$KILN_CONTEXT_DIR" \
  --opt platform="$KILN_PLATFORMS" \
  --output type=image,name="$KILN_IMAGE",push="$KILN_PUSH"
`

// Spec describes a build pod.
type Spec struct {
	Name      string
	Namespace string

	// Image is the validated repository:tag to build.
	Image     string
	Platforms []string

	// CredentialSecret names the dockerconfigjson secret. Empty builds
	// without registry credentials.
	CredentialSecret string

	Strategy buildctx.Strategy

	// ConfigMap and Items mount the context for the configmap strategy.
	ConfigMap string
	Items     []corev1.KeyToPath

	BuilderImage string
	Push         bool

	Labels      map[string]string
	Annotations map[string]string
}

// NewSpec returns a Spec with defaults for the pod-copy strategy.
func NewSpec(namespace, name, image string, platforms []string) Spec {
	return Spec{
		Name:         name,
		Namespace:    namespace,
		Image:        image,
		Platforms:    append([]string(nil), platforms...),
		Strategy:     buildctx.StrategyPodCopy,
		BuilderImage: DefaultBuilderImage,
		Push:         true,
		Labels:       map[string]string{},
		Annotations:  map[string]string{AnnotationImage: image},
	}
}

// WaitsForTrigger reports whether the container blocks on TriggerFile.
func (s Spec) WaitsForTrigger() bool {
	return s.Strategy != buildctx.StrategyConfigMap
}

func (s Spec) contextDir() string {
	if s.Strategy == buildctx.StrategyConfigMap {
		return configMapDir
	}
	return buildctx.ContextDir
}

// Pod renders the build pod.
func (s Spec) Pod() *corev1.Pod {
	env := []corev1.EnvVar{
		{Name: "KILN_IMAGE", Value: s.Image},
		{Name: "KILN_PLATFORMS", Value: strings.Join(s.Platforms, ",")},
		{Name: "KILN_PUSH", Value: strconv.FormatBool(s.Push)},
		{Name: "KILN_CONTEXT_DIR", Value: s.contextDir()},
		{Name: "KILN_WAIT_FOR_TRIGGER", Value: strconv.FormatBool(s.WaitsForTrigger())},
		{Name: "KILN_TRIGGER_FILE", Value: TriggerFile},
		{Name: "BUILDKITD_FLAGS", Value: "--oci-worker-no-process-sandbox"},
	}
	if rev := s.Annotations[AnnotationRevision]; rev != "" {
		env = append(env,
			corev1.EnvVar{Name: "KILN_REVISION", Value: rev},
			corev1.EnvVar{Name: "KILN_REVISION_LABEL", Value: ocispec.AnnotationRevision},
		)
	}

	mounts := []corev1.VolumeMount{
		{Name: "workspace", MountPath: workspaceDir},
		{Name: "buildkitd", MountPath: buildkitStateDir},
	}
	volumes := []corev1.Volume{
		{Name: "workspace", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		{Name: "buildkitd", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}

	if s.CredentialSecret != "" {
		env = append(env, corev1.EnvVar{Name: "DOCKER_CONFIG", Value: dockerConfigDir})
		mounts = append(mounts, corev1.VolumeMount{Name: "docker-config", MountPath: dockerConfigDir, ReadOnly: true})
		volumes = append(volumes, corev1.Volume{
			Name: "docker-config",
			VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{
				SecretName: s.CredentialSecret,
				Items:      []corev1.KeyToPath{{Key: corev1.DockerConfigJsonKey, Path: "config.json"}},
			}},
		})
	}

	if s.Strategy == buildctx.StrategyConfigMap {
		mounts = append(mounts, corev1.VolumeMount{Name: "context", MountPath: configMapDir, ReadOnly: true})
		volumes = append(volumes, corev1.Volume{
			Name: "context",
			VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: s.ConfigMap},
				Items:                s.Items,
			}},
		})
	}

	return &corev1.Pod{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Pod"},
		ObjectMeta: metav1.ObjectMeta{
			Name:        s.Name,
			Namespace:   s.Namespace,
			Labels:      copyMap(s.Labels),
			Annotations: copyMap(s.Annotations),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			AutomountServiceAccountToken:  ptr.To(false),
			TerminationGracePeriodSeconds: ptr.To[int64](5),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:  ptr.To[int64](rootlessUID),
				RunAsGroup: ptr.To[int64](rootlessUID),
				FSGroup:    ptr.To[int64](rootlessUID),
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeUnconfined,
				},
				AppArmorProfile: &corev1.AppArmorProfile{
					Type: corev1.AppArmorProfileTypeUnconfined,
				},
			},
			Containers: []corev1.Container{{
				Name:         ContainerName,
				Image:        s.BuilderImage,
				Command:      []string{"/bin/sh", "-c", script},
				Env:          env,
				VolumeMounts: mounts,
			}},
			Volumes: volumes,
		},
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
