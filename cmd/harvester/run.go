package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run <workers> <index> <output-root>",
		Short: "Harvest one worker's share of the catalog",
		Long: `Harvest the index-th of workers contiguous shares of the catalog into
output-root. Use "run 1 0 <output-root>" for a single worker. All workers of a
fleet must share the output root so they agree on the cached catalog.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.applyRunArgs(args); err != nil {
				return err
			}
			return runHarvest(cmd.Context(), c)
		},
	}
}

// applyRunArgs lets the positional arguments override run.*.
func (c *cli) applyRunArgs(args []string) error {
	workers, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("workers %q: %w", args[0], err)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("index %q: %w", args[1], err)
	}
	c.cfg.Run.Workers = workers
	c.cfg.Run.Index = index
	c.cfg.Run.OutputDir = args[2]
	return c.cfg.Run.Validate()
}

func runHarvest(ctx context.Context, c *cli) error {
	r, err := newRunner(ctx, c.cfg)
	if err != nil {
		return wrap("initialize worker", err)
	}
	defer r.Close(context.WithoutCancel(ctx))

	err = r.Run(ctx)
	if canceled(ctx, err) {
		r.GetLogger().Info("run interrupted, completed lessons are kept")
		return nil
	}
	if err != nil {
		r.GetLogger().Error("run failed", zap.Error(err))
		return wrap("run", err)
	}
	r.GetLogger().Info("run finished")
	return nil
}
