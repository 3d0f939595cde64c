package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants/subscriber"
	"github.com/zeusync/variantsync/internal/injector"
)

func newRefreshCommand(opts *rootOptions) *cobra.Command {
	var depth string
	cmd := &cobra.Command{
		Use:   "refresh [path...]",
		Short: "Fetch the remote lineup of paths, or of every root",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := resource.ParseDepth(depth)
			if err != nil {
				return err
			}
			return opts.run(cmd.Context(), func(ctx context.Context, app *injector.App) error {
				changed, err := refresh(ctx, app, args, d)
				fmt.Fprintf(cmd.OutOrStdout(), "%d resources changed\n", changed)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&depth, "depth", "d", "infinite", "refresh depth (0, 1, infinite)")
	return cmd
}

// refresh refreshes paths and counts the resources reported as changed.
func refresh(ctx context.Context, app *injector.App, paths []string, depth resource.Depth) (int, error) {
	resources, err := resolve(app, paths)
	if err != nil {
		return 0, err
	}
	changed := 0
	sub, err := app.Subscriber.AddListener(func(ev subscriber.ChangeEvent) {
		if ev.Origin == subscriber.OriginRefresh {
			changed += len(ev.Resources)
		}
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = sub.Cancel() }()
	err = app.Subscriber.Refresh(ctx, resources, depth)
	return changed, err
}
