package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/ppiankov/kiln/internal/config"
	"github.com/ppiankov/kiln/internal/kube"
	"github.com/ppiankov/kiln/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	}
	return 1
}

// globalOptions are flags shared by every subcommand.
type globalOptions struct {
	kubeconfig  string
	kubeContext string
	configFile  string
	namespace   string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:          "kiln",
		Short:        "Remote multi-platform image builds on Kubernetes",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctrl.SetLogger(zap.New(zap.UseDevMode(opts.verbose), zap.WriteTo(cmd.ErrOrStderr())))
		},
	}

	root.PersistentFlags().StringVar(&opts.kubeconfig, "kubeconfig", "", "path to the kubeconfig file (default: $KUBECONFIG or ~/.kube/config)")
	root.PersistentFlags().StringVar(&opts.kubeContext, "kube-context", "", "kubeconfig context to use")
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVarP(&opts.namespace, "namespace", "n", config.DefaultNamespace, "namespace for build objects")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newBuildCmd(opts))
	root.AddCommand(newListCmd(opts))
	root.AddCommand(newCleanCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kiln version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}

// loadConfig layers defaults, the config file, .env, the environment and
// the global flags.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return cfg, err
	}
	if err := config.LoadDotEnv(config.DefaultEnvFile); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv(os.Getenv)
	if cmd.Flags().Changed("namespace") {
		cfg.Namespace = opts.namespace
	}
	return cfg, nil
}

func newClients(opts *globalOptions) (*kube.Clients, error) {
	return kube.New(kube.Options{Kubeconfig: opts.kubeconfig, Context: opts.kubeContext})
}
