package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/variantsync/internal/config"
	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/injector"
)

type rootOptions struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "variantsync",
		Short: "Track local resources against a remote lineup",
		Long: `variantsync keeps base and remote sync bytes for the resources below the
configured roots and reports how each one relates to its remote variant.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error, silent)")

	cmd.AddCommand(
		newRefreshCommand(opts),
		newStatusCommand(opts),
		newIgnoreCommand(opts),
		newAcceptCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// run wires the app for the loaded config and releases it after fn.
func (o *rootOptions) run(ctx context.Context, fn func(ctx context.Context, app *injector.App) error) error {
	app, cleanup, err := injector.InitializeApp(ctx, o.cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, app)
}

// resolve maps path arguments to resources, defaulting to the roots.
func resolve(app *injector.App, paths []string) ([]resource.Resource, error) {
	if len(paths) == 0 {
		roots := app.Roots()
		if len(roots) == 0 {
			return nil, fmt.Errorf("no roots configured")
		}
		return roots, nil
	}
	out := make([]resource.Resource, 0, len(paths))
	for _, p := range paths {
		r, err := app.Lookup(p)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
