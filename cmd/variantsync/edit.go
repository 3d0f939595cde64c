package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/injector"
)

func newIgnoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ignore path...",
		Short: "Exclude resources from synchronization",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(ctx context.Context, app *injector.App) error {
				resources, err := resolve(app, args)
				if err != nil {
					return err
				}
				for _, r := range resources {
					if err = app.Subscriber.Ignore(ctx, r); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "ignored %s\n", r.Path())
				}
				return nil
			})
		},
	}
}

func newAcceptCommand(opts *rootOptions) *cobra.Command {
	var noRefresh bool
	cmd := &cobra.Command{
		Use:   "accept path...",
		Short: "Record the remote state of resources as their base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), func(ctx context.Context, app *injector.App) error {
				if !noRefresh {
					if _, err := refresh(ctx, app, args, resource.DepthZero); err != nil {
						return err
					}
				}
				resources, err := resolve(app, args)
				if err != nil {
					return err
				}
				for _, r := range resources {
					if err = app.Subscriber.Accept(ctx, r); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "accepted %s\n", r.Path())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "accept the stored remote state without contacting the remote")
	return cmd
}
