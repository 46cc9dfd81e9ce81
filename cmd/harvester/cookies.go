package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/browser"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
)

// captureCookies opens a visible browser on the home page. Tests replace it.
var captureCookies = func(ctx context.Context, cfg config.Config, wait time.Duration, logger *zap.Logger) ([]browser.Cookie, error) {
	session, err := browser.NewSession(ctx, browser.Config{
		Headless:          false,
		UserAgent:         cfg.Browser.UserAgent,
		ExecPath:          cfg.Browser.ExecPath,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SelectorTimeout:   cfg.Browser.SelectorTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.CaptureCookies(ctx, cfg.Site.HomeURL, wait)
}

func newCookiesCmd(c *cli) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "cookies <path>",
		Short: "Record session cookies after a manual login",
		Long: `Open the home page in a visible browser, wait for the operator to log in
and write the browser's cookies to path. Runs read the file named by
cookies.path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(c.cfg.Logging.Development, c.cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cookies, err := captureCookies(cmd.Context(), c.cfg, wait, logger.Named("cookies"))
			if err != nil {
				return wrap("capture cookies", err)
			}
			if err := browser.SaveCookies(args[0], cookies); err != nil {
				return err
			}
			logger.Info("cookies saved", zap.String("path", args[0]), zap.Int("count", len(cookies)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 60*time.Second, "time allowed for the manual login")
	return cmd
}
