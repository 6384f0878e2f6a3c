// Package config holds kiln's runtime settings: defaults, an optional YAML
// file, .env and environment overrides. Command-line flags are applied last
// by the CLI.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kiln/internal/buildctx"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/job"
	"github.com/ppiankov/kiln/internal/notify"
	"github.com/ppiankov/kiln/internal/validate"
)

const (
	// DefaultNamespace is where build objects are created.
	DefaultNamespace = "docker-builds"

	// DefaultTransport is the context transport strategy.
	DefaultTransport = string(buildctx.StrategyPodCopy)

	// DefaultReadyTimeout bounds the wait for the build pod to become ready.
	DefaultReadyTimeout = 2 * time.Minute

	// DefaultDeleteTimeout bounds the wait for a stale pod to disappear.
	DefaultDeleteTimeout = time.Minute

	// DefaultBuildTimeout bounds the build itself.
	DefaultBuildTimeout = 10 * time.Minute

	// DefaultPollInterval is the monitoring poll interval.
	DefaultPollInterval = 5 * time.Second

	// DefaultTailLines is how many log lines are kept for failure reports.
	DefaultTailLines = 200

	// DefaultEnvFile is loaded from the working directory when present.
	DefaultEnvFile = ".env"
)

// DefaultPlatforms are built when none are configured.
var DefaultPlatforms = []string{"linux/amd64", "linux/arm64"}

// Environment variables read by ApplyEnv.
const (
	EnvNamespace        = "KILN_NAMESPACE"
	EnvPlatforms        = "KILN_PLATFORMS"
	EnvTransport        = "KILN_TRANSPORT"
	EnvBuilderImage     = "KILN_BUILDER_IMAGE"
	EnvNotifyURL        = "KILN_NOTIFY_URL"
	EnvNotifyEvents     = "KILN_NOTIFY_EVENTS"
	EnvRegistryUsername = "KILN_REGISTRY_USERNAME"
	EnvRegistryToken    = "KILN_REGISTRY_TOKEN"
	EnvDockerHubUser    = "DOCKERHUB_USERNAME"
	EnvDockerHubToken   = "DOCKERHUB_TOKEN"
)

// Config holds build runtime configuration.
type Config struct {
	Namespace    string   `yaml:"namespace"`
	Platforms    []string `yaml:"platforms"`
	Transport    string   `yaml:"transport"`
	BuilderImage string   `yaml:"builderImage"`

	ReadyTimeout  time.Duration `yaml:"readyTimeout"`
	DeleteTimeout time.Duration `yaml:"deleteTimeout"`
	BuildTimeout  time.Duration `yaml:"buildTimeout"`
	PollInterval  time.Duration `yaml:"pollInterval"`

	// LockTimeout is how long to wait for another local run of the same
	// build. Zero fails immediately.
	LockTimeout time.Duration `yaml:"lockTimeout"`

	TailLines       int  `yaml:"tailLines"`
	DeleteNamespace bool `yaml:"deleteNamespace"`
	Push            bool `yaml:"push"`

	// NotifyURL receives an outcome webhook when set.
	NotifyURL string `yaml:"notifyURL"`
	// NotifyEvents limits the webhook to these outcome types. Empty sends
	// every outcome.
	NotifyEvents []string `yaml:"notifyEvents"`

	// MetricsFile receives Prometheus text output when set.
	MetricsFile string `yaml:"metricsFile"`

	// Registry credentials never come from the config file.
	Username string `yaml:"-"`
	Token    string `yaml:"-"`
}

// New creates a Config with default values.
func New() Config {
	return Config{
		Namespace:     DefaultNamespace,
		Platforms:     append([]string(nil), DefaultPlatforms...),
		Transport:     DefaultTransport,
		BuilderImage:  job.DefaultBuilderImage,
		ReadyTimeout:  DefaultReadyTimeout,
		DeleteTimeout: DefaultDeleteTimeout,
		BuildTimeout:  DefaultBuildTimeout,
		PollInterval:  DefaultPollInterval,
		TailLines:     DefaultTailLines,
		Push:          true,
	}
}

// Load returns the defaults overlaid by the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, failure.New(failure.InvalidInput, fmt.Errorf("reading config %s: %w", path, err))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, failure.New(failure.InvalidInput, fmt.Errorf("parsing config %s: %w", path, err))
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := getenv(EnvPlatforms); v != "" {
		c.Platforms = SplitList(v)
	}
	if v := getenv(EnvTransport); v != "" {
		c.Transport = v
	}
	if v := getenv(EnvBuilderImage); v != "" {
		c.BuilderImage = v
	}
	if v := getenv(EnvNotifyURL); v != "" {
		c.NotifyURL = v
	}
	if v := getenv(EnvNotifyEvents); v != "" {
		c.NotifyEvents = SplitList(v)
	}
	c.Username, c.Token = Credentials(getenv)
}

// Credentials returns the registry username and token from the environment.
// The KILN_ pair is preferred. The DOCKERHUB_ pair is used only when neither
// KILN_ variable is set, so the two sources are never mixed.
func Credentials(getenv func(string) string) (string, string) {
	user, token := getenv(EnvRegistryUsername), getenv(EnvRegistryToken)
	if user != "" || token != "" {
		return user, token
	}
	return getenv(EnvDockerHubUser), getenv(EnvDockerHubToken)
}

// SplitList splits a comma-separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every setting and normalizes platforms in place, for
// example "linux/arm64/v8" becomes "linux/arm64". Errors are
// failure.InvalidInput.
func (c *Config) Validate() error {
	if err := validate.DNSLabel(c.Namespace); err != nil {
		return failure.Errorf(failure.InvalidInput, "namespace: %v", err)
	}
	if _, err := buildctx.ParseStrategy(c.Transport); err != nil {
		return failure.New(failure.InvalidInput, err)
	}
	if c.BuilderImage == "" {
		return failure.Errorf(failure.InvalidInput, "builder image must be set")
	}

	if len(c.Platforms) == 0 {
		return failure.Errorf(failure.InvalidInput, "at least one platform is required")
	}
	seen := make(map[string]bool, len(c.Platforms))
	normalized := make([]string, 0, len(c.Platforms))
	for _, p := range c.Platforms {
		spec, err := platforms.Parse(p)
		if err != nil {
			return failure.New(failure.InvalidInput, fmt.Errorf("platform %q: %w", p, err))
		}
		s := platforms.Format(platforms.Normalize(spec))
		if seen[s] {
			continue
		}
		seen[s] = true
		normalized = append(normalized, s)
	}
	c.Platforms = normalized

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"ready timeout", c.ReadyTimeout},
		{"delete timeout", c.DeleteTimeout},
		{"build timeout", c.BuildTimeout},
		{"poll interval", c.PollInterval},
	} {
		if d.val <= 0 {
			return failure.Errorf(failure.InvalidInput, "%s must be positive, got %s", d.name, d.val)
		}
	}
	if c.LockTimeout < 0 {
		return failure.Errorf(failure.InvalidInput, "lock timeout must not be negative, got %s", c.LockTimeout)
	}
	if c.TailLines <= 0 {
		return failure.Errorf(failure.InvalidInput, "tail lines must be positive, got %d", c.TailLines)
	}
	for _, e := range c.NotifyEvents {
		if !slices.Contains(notify.Types, e) {
			return failure.Errorf(failure.InvalidInput, "unknown notify event %q, want one of %s", e, strings.Join(notify.Types, ", "))
		}
	}
	return nil
}
