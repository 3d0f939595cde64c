package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants/subscriber"
	"github.com/zeusync/variantsync/internal/injector"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var (
		noRefresh bool
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "status [path...]",
		Short: "Print the sync state of resources that differ from the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(ctx context.Context, app *injector.App) error {
				if !noRefresh {
					if _, err := refresh(ctx, app, args, resource.DepthInfinite); err != nil {
						return err
					}
				}
				resources, err := resolve(app, args)
				if err != nil {
					return err
				}
				for _, r := range resources {
					if err = printStatus(cmd.OutOrStdout(), app.Subscriber, r, all); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "report stored state without contacting the remote")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include resources that are in sync")
	return cmd
}

func printStatus(w io.Writer, sub *subscriber.Subscriber, r resource.Resource, all bool) error {
	info, err := sub.SyncInfo(r)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	if all || info.Kind != subscriber.InSync {
		fmt.Fprintf(w, "%-28s %s\n", info.Kind, r.Path())
	}
	if !r.Type().IsContainer() {
		return nil
	}
	members, err := sub.Members(r)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err = printStatus(w, sub, m, all); err != nil {
			return err
		}
	}
	return nil
}
