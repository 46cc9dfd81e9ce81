package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
)

// runner is the part of *app.App the run command drives.
type runner interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	GetLogger() *zap.Logger
}

// newRunner builds the worker. Tests replace it.
var newRunner = func(ctx context.Context, cfg config.Config) (runner, error) {
	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type cli struct {
	cfgFile string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Mirror a video catalog to disk through a real browser.",
		Long: `harvester discovers a site's course catalog, splits it across a fixed
number of workers and, for every lesson in its share, records the media, the
API calls the player makes and their rendered responses. Finished lessons are
marked and skipped on later runs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newRunCmd(c), newCookiesCmd(c))
	return cmd
}

// canceled reports whether err only says the run was interrupted.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
