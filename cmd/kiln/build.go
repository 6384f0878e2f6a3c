package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	k8sevents "k8s.io/client-go/tools/events"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/build"
	"github.com/ppiankov/kiln/internal/config"
	"github.com/ppiankov/kiln/internal/events"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/job"
	"github.com/ppiankov/kiln/internal/metrics"
	"github.com/ppiankov/kiln/internal/notify"
	"github.com/ppiankov/kiln/internal/registry"
	"github.com/ppiankov/kiln/internal/validate"
)

type buildOptions struct {
	image        string
	contextDir   string
	username     string
	token        string
	dockerConfig string

	platforms       []string
	transport       string
	builderImage    string
	readyTimeout    time.Duration
	deleteTimeout   time.Duration
	buildTimeout    time.Duration
	pollInterval    time.Duration
	lockTimeout     time.Duration
	tailLines       int
	deleteNamespace bool
	push            bool

	dryRun      bool
	verifyPush  bool
	insecure    bool
	notifyURL    string
	notifyEvents []string
	metricsFile  string
}

func newBuildCmd(global *globalOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and push an image on the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, global, opts)
		},
	}

	opts.bind(cmd)
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

// bind registers the build flags on cmd.
func (o *buildOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.image, "image", "i", "", "image to build and push, e.g. alice/app:v1 (required)")
	f.StringVarP(&o.contextDir, "context", "c", ".", "build context directory containing the Dockerfile")
	f.StringVar(&o.username, "username", "", "registry username (env: "+config.EnvRegistryUsername+", "+config.EnvDockerHubUser+")")
	f.StringVar(&o.token, "token", "", "registry token (env: "+config.EnvRegistryToken+", "+config.EnvDockerHubToken+")")
	f.StringVar(&o.dockerConfig, "docker-config", "", "docker config.json to read credentials from when none are given")
	f.StringSliceVar(&o.platforms, "platform", config.DefaultPlatforms, "target platforms")
	f.StringVar(&o.transport, "transport", config.DefaultTransport, "context transport: podcopy or configmap")
	f.StringVar(&o.builderImage, "builder-image", job.DefaultBuilderImage, "BuildKit image for the build pod")
	f.DurationVar(&o.readyTimeout, "ready-timeout", config.DefaultReadyTimeout, "how long to wait for the build pod to become ready")
	f.DurationVar(&o.deleteTimeout, "delete-timeout", config.DefaultDeleteTimeout, "how long to wait for a previous build pod to disappear")
	f.DurationVar(&o.buildTimeout, "build-timeout", config.DefaultBuildTimeout, "how long the build may run")
	f.DurationVar(&o.pollInterval, "poll-interval", config.DefaultPollInterval, "how often to poll build logs and status")
	f.DurationVar(&o.lockTimeout, "lock-timeout", 0, "how long to wait for another local build of the same image (0 = fail immediately)")
	f.IntVar(&o.tailLines, "tail-lines", config.DefaultTailLines, "log lines kept for failure reports")
	f.BoolVar(&o.deleteNamespace, "delete-namespace", false, "delete the namespace afterwards if this run created it")
	f.BoolVar(&o.push, "push", true, "push the image after building")
	f.BoolVar(&o.dryRun, "dry-run", false, "print the build pod manifest and exit")
	f.BoolVar(&o.verifyPush, "verify-push", false, "check the registry for the pushed tag after a successful build")
	f.BoolVar(&o.insecure, "insecure-registry", false, "allow plain HTTP for --verify-push")
	f.StringVar(&o.notifyURL, "notify-url", "", "webhook URL that receives the build outcome")
	f.StringSliceVar(&o.notifyEvents, "notify-events", nil, "outcomes sent to the webhook: "+strings.Join(notify.Types, ", ")+" (default all)")
	f.StringVar(&o.metricsFile, "metrics-file", "", "write Prometheus metrics to this file after the run")
}

// apply overlays the flags the user set on cfg.
func (o *buildOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("platform") {
		cfg.Platforms = o.platforms
	}
	if f.Changed("transport") {
		cfg.Transport = o.transport
	}
	if f.Changed("builder-image") {
		cfg.BuilderImage = o.builderImage
	}
	if f.Changed("ready-timeout") {
		cfg.ReadyTimeout = o.readyTimeout
	}
	if f.Changed("delete-timeout") {
		cfg.DeleteTimeout = o.deleteTimeout
	}
	if f.Changed("build-timeout") {
		cfg.BuildTimeout = o.buildTimeout
	}
	if f.Changed("poll-interval") {
		cfg.PollInterval = o.pollInterval
	}
	if f.Changed("lock-timeout") {
		cfg.LockTimeout = o.lockTimeout
	}
	if f.Changed("tail-lines") {
		cfg.TailLines = o.tailLines
	}
	if f.Changed("delete-namespace") {
		cfg.DeleteNamespace = o.deleteNamespace
	}
	if f.Changed("push") {
		cfg.Push = o.push
	}
	if f.Changed("notify-url") {
		cfg.NotifyURL = o.notifyURL
	}
	if f.Changed("notify-events") {
		cfg.NotifyEvents = o.notifyEvents
	}
	if f.Changed("metrics-file") {
		cfg.MetricsFile = o.metricsFile
	}
	if o.username != "" || o.token != "" {
		cfg.Username, cfg.Token = o.username, o.token
	}
}

// credentials falls back to a docker config file when neither flags nor
// the environment supplied any.
func (o *buildOptions) credentials(cfg config.Config) (string, string, error) {
	if cfg.Username != "" || cfg.Token != "" || o.dockerConfig == "" {
		return cfg.Username, cfg.Token, nil
	}
	ref, err := validate.ImageRef(o.image)
	if err != nil {
		return "", "", err
	}
	user, pass, err := registry.LoadCredentials(o.dockerConfig, ref.Registry)
	if err != nil {
		return "", "", failure.New(failure.CredentialError, err)
	}
	return user, pass, nil
}

func runBuild(cmd *cobra.Command, global *globalOptions, opts *buildOptions) error {
	ctx := cmd.Context()
	logger := ctrl.Log.WithName("build")
	ctx = log.IntoContext(ctx, logger)

	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	user, token, err := opts.credentials(cfg)
	if err != nil {
		return err
	}
	req := build.Request{
		Image:      opts.image,
		Context:    opts.contextDir,
		WorkDir:    wd,
		Username:   user,
		Token:      token,
		VerifyPush: opts.verifyPush,
		Insecure:   opts.insecure,
		DryRun:     opts.dryRun,
	}

	reg := prometheus.NewRegistry()
	orch := &build.Orchestrator{
		Config:  cfg,
		Metrics: metrics.NewCounters(reg),
		Out:     cmd.OutOrStdout(),
	}
	if cfg.NotifyURL != "" {
		orch.Notifier = notify.NewNotifier(cfg.NotifyURL, cfg.NotifyEvents)
	}

	if !opts.dryRun {
		clients, err := newClients(global)
		if err != nil {
			return err
		}
		orch.Clients = clients

		broadcaster := k8sevents.NewBroadcaster(&k8sevents.EventSinkImpl{Interface: clients.Clientset.EventsV1()})
		broadcaster.StartRecordingToSink(ctx.Done())
		defer broadcaster.Shutdown()
		orch.Emitter = events.NewEmitter(broadcaster.NewRecorder(clients.Scheme, "kiln"))
	}

	res, err := orch.Run(ctx, req)

	if cfg.MetricsFile != "" && !opts.dryRun {
		if merr := metrics.WriteTextfile(cfg.MetricsFile, reg); merr != nil {
			logger.Error(merr, "writing metrics file")
		}
	}

	if opts.dryRun && err == nil {
		_, err = cmd.OutOrStdout().Write(res.Manifest)
		return err
	}

	printReport(cmd, res, err)
	return err
}

// printReport writes the log tail of a failed build, then the outcome.
func printReport(cmd *cobra.Command, res build.Result, err error) {
	out := cmd.ErrOrStderr()

	if tail := failure.Tail(err); len(tail) > 0 {
		fmt.Fprintf(out, "--- last %d lines of build output ---\n", len(tail))
		for _, line := range tail {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out, "---")
	}
	for _, w := range res.Cleanup.Warnings {
		fmt.Fprintf(out, "warning: cleanup: %s\n", w)
	}
	if err != nil {
		return
	}

	msg := fmt.Sprintf("built %s in %s", res.Image, res.Duration.Round(time.Second))
	if res.ContextBytes > 0 {
		msg += fmt.Sprintf(" (context %s)", humanize.IBytes(uint64(res.ContextBytes)))
	}
	if res.Digest != "" {
		msg += ", digest " + res.Digest
	}
	if !res.Cleanup.OK() {
		msg += ", with cleanup warnings"
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
}
