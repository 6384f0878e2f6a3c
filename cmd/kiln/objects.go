package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/ppiankov/kiln/internal/cleanup"
	"github.com/ppiankov/kiln/internal/failure"
	"github.com/ppiankov/kiln/internal/inventory"
	"github.com/ppiankov/kiln/internal/kube"
	"github.com/ppiankov/kiln/internal/session"
	"github.com/ppiankov/kiln/internal/validate"
)

func newListCmd(global *globalOptions) *cobra.Command {
	var image string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build objects kiln left in the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, _, err := findObjects(cmd, global, image)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no build objects found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUILD\tKIND\tNAME\tSTATUS\tAGE")
			for _, it := range items {
				status := it.Phase
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.BuildName, it.Kind, it.Name, status, humanize.Time(it.Created))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&image, "image", "i", "", "only objects for this image")

	return cmd
}

func newCleanCmd(global *globalOptions) *cobra.Command {
	var (
		image string
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete build objects left by interrupted runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if image == "" && !all {
				return failure.Errorf(failure.InvalidInput, "either --image or --all is required")
			}
			items, clients, err := findObjects(cmd, global, image)
			if err != nil {
				return err
			}
			objs := make([]session.Object, len(items))
			for i, it := range items {
				objs[i] = it.Object
			}

			ctx := log.IntoContext(cmd.Context(), ctrl.Log.WithName("clean"))
			report := cleanup.NewCoordinator(clients.Client, false).Sweep(ctx, objs)
			for _, o := range report.Deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", o)
			}
			if !report.OK() {
				return fmt.Errorf("%d objects could not be deleted: %v", len(report.Warnings), report.Warnings)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&image, "image", "i", "", "delete objects for this image")
	cmd.Flags().BoolVar(&all, "all", false, "delete every kiln build object in the namespace")

	return cmd
}

// findObjects lists kiln objects in the configured namespace, narrowed to
// one image when image is set.
func findObjects(cmd *cobra.Command, global *globalOptions, image string) ([]inventory.Item, *kube.Clients, error) {
	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return nil, nil, err
	}
	if err := validate.DNSLabel(cfg.Namespace); err != nil {
		return nil, nil, err
	}

	var buildName string
	if image != "" {
		ref, err := validate.ImageRef(image)
		if err != nil {
			return nil, nil, err
		}
		buildName = validate.DerivedName(ref)
	}

	clients, err := newClients(global)
	if err != nil {
		return nil, nil, err
	}
	if err := clients.Ping(cmd.Context()); err != nil {
		return nil, nil, err
	}
	items, err := inventory.NewFinder(clients.Client).Find(cmd.Context(), cfg.Namespace, buildName)
	return items, clients, err
}
