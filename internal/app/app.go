// Package app initializes and holds long-lived services for one harvest worker,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/browser"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/coordinator"
	"github.com/JakeFAU/catalog-harvester/internal/download"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/media"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
	"github.com/JakeFAU/catalog-harvester/internal/storage/postgres"
)

// Browser is what the app needs from a browser session.
type Browser interface {
	harvest.Browser
	SetCookies(cookies []browser.Cookie)
	Close()
}

// BrowserFactory launches the browser for a run.
type BrowserFactory func(ctx context.Context, cfg browser.Config, logger *zap.Logger) (Browser, error)

// Option customizes NewApp.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	browser  BrowserFactory
	registry *prometheus.Registry
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBrowser replaces the Chrome launcher.
func WithBrowser(f BrowserFactory) Option {
	return func(o *options) { o.browser = f }
}

// WithRegistry replaces the Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func launchChrome(ctx context.Context, cfg browser.Config, logger *zap.Logger) (Browser, error) {
	s, err := browser.NewSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// App holds the shared services of a worker run. It is built once at startup
// and closed when the command returns.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	browser     Browser
	store       *local.Store
	hub         *progress.Hub
	status      *sinks.StatusSink
	registry    *prometheus.Registry
	db          *postgres.ProgressStore
	server      *api.Server
	reporter    *progress.Reporter
	coordinator *coordinator.Coordinator
}

// GetLogger returns the root logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetStore exposes the output tree.
func (a *App) GetStore() *local.Store {
	return a.store
}

// GetStatus exposes the live run snapshot.
func (a *App) GetStatus() *sinks.StatusSink {
	return a.status
}

// RunID identifies this run in progress events and the ledger.
func (a *App) RunID() uuid.UUID {
	return a.reporter.RunID()
}

// NewApp builds every service cfg asks for. It fails fast: anything started
// before the failure is shut down again.
func NewApp(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{browser: launchChrome}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		if logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level); err != nil {
			return nil, err
		}
	}
	logger = logging.ForWorker(logger, "harvester", cfg.Run.Index)
	logger.Info("initializing worker",
		zap.Int("workers", cfg.Run.Workers),
		zap.String("output_dir", cfg.Run.OutputDir),
	)

	a := &App{cfg: cfg, logger: logger, registry: o.registry}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if a.store, err = local.New(local.Config{BaseDir: cfg.Run.OutputDir}); err != nil {
		return nil, fmt.Errorf("open output directory: %w", err)
	}

	if err = a.initProgress(ctx); err != nil {
		return nil, err
	}

	a.browser, err = o.browser(ctx, browser.Config{
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		ExecPath:          cfg.Browser.ExecPath,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		SelectorTimeout:   cfg.Browser.SelectorTimeout,
	}, logger.Named("browser"))
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	if a.coordinator, err = a.buildCoordinator(); err != nil {
		return nil, err
	}

	logger.Info("worker initialized", zap.Stringer("run_id", a.RunID()))
	return a, nil
}

// initProgress wires the hub, its sinks and the optional ledger and ops server.
func (a *App) initProgress(ctx context.Context) error {
	if a.registry == nil {
		a.registry = metrics.NewRegistry()
	}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return err
	}
	a.status = sinks.NewStatusSink()
	hubSinks := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("progress")),
		a.status,
		promSink,
	}

	if a.cfg.DB.DSN != "" {
		a.logger.Info("connecting to postgres run ledger")
		a.db, err = postgres.NewProgressStore(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("init run ledger: %w", err)
		}
		if err := a.db.EnsureSchema(ctx); err != nil {
			return err
		}
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.db, a.logger.Named("ledger")))
	}

	a.hub = progress.NewHub(progress.Config{
		BufferSize:      a.cfg.Progress.BufferSize,
		MaxBatchEvents:  a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:    a.cfg.Progress.MaxBatchWait,
		SinkTimeout:     a.cfg.Progress.SinkTimeout,
		MilestoneWait:   a.cfg.Progress.MilestoneWait,
		MaxSinkFailures: a.cfg.Progress.MaxSinkFailures,
		Logger:          a.logger.Named("hub"),
	}, hubSinks...)

	runID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	a.reporter = progress.NewReporter(a.hub, runID, a.cfg.Run.Index)

	if a.cfg.Ops.Addr != "" {
		httpMetrics, err := metrics.NewHTTP(a.registry)
		if err != nil {
			return err
		}
		serverOpts := api.Options{
			Gatherer: a.registry,
			HTTP:     httpMetrics,
			Status:   a.status,
			Ready:    a.ready,
			Logger:   a.logger.Named("ops"),
		}
		if a.db != nil {
			serverOpts.Repo = a.db
		}
		a.server = api.NewServer(serverOpts)
	}
	return nil
}

func (a *App) buildCoordinator() (*coordinator.Coordinator, error) {
	cfg := a.cfg
	logger := a.logger.Named("coordinator")
	nav := browser.NewNavigator(cfg.Retry.Navigation, logger.Named("nav"))

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	downloader := download.New(download.Config{
		UserAgent: cfg.Browser.UserAgent,
		Timeout:   cfg.Download.Timeout,
		Rate:      cfg.Download.Rate,
		Burst:     cfg.Download.Burst,
		Retry:     cfg.Retry.Download,
	}, jar, logger.Named("download"))

	return coordinator.New(coordinator.Config{
		Workers:     cfg.Run.Workers,
		Index:       cfg.Run.Index,
		HomeURL:     cfg.Site.HomeURL,
		APIPrefix:   cfg.Site.APIPrefix,
		MediaFile:   cfg.Download.FileName,
		CookiePath:  cfg.Cookies.Path,
		IdleTime:    cfg.Timing.IdleTime,
		IdleTimeout: cfg.Timing.LandingIdleTimeout,
		Extraction:  cfg.Retry.Extraction,
	}, coordinator.Deps{
		Browser:   a.browser,
		Navigator: nav,
		Discoverer: catalog.NewDiscovery(catalog.DiscoveryConfig{
			ListingURL:       cfg.Site.ListingURL,
			BaseURL:          cfg.Site.BaseURL,
			PageSize:         cfg.Site.PageSize,
			IdleTime:         cfg.Timing.IdleTime,
			IdleTimeout:      cfg.Timing.IdleTimeout,
			ResetSelector:    cfg.Selectors.Reset,
			LastPageSelector: cfg.Selectors.LastPage,
			ItemSelector:     cfg.Selectors.Item,
			NextPageSelector: cfg.Selectors.NextPage,
		}, nav, logger.Named("discovery")),
		Expander: catalog.NewExpander(catalog.ExpansionConfig{
			BaseURL:         cfg.Site.BaseURL,
			SubItemSelector: cfg.Selectors.SubItem,
			SettleDelay:     cfg.Timing.SettleDelay,
		}, nav, logger.Named("expansion")),
		Resolver: media.NewResolver(media.ResolverConfig{
			HomeURL:            cfg.Site.HomeURL,
			BaseURL:            cfg.Site.BaseURL,
			PlaySelector:       cfg.Selectors.Play,
			MediaSelector:      cfg.Selectors.Media,
			LandingIdle:        cfg.Timing.IdleTime,
			LandingIdleTimeout: cfg.Timing.LandingIdleTimeout,
		}, nav, logger.Named("resolver")),
		Replayer:   media.NewReplayer(nav, a.store, logger.Named("replay")),
		Downloader: downloader,
		Store:      a.store,
		Cookies:    []coordinator.CookieSetter{a.browser, browser.JarSetter{Jar: jar}},
		Reporter:   a.reporter,
		OnTransition: func(url string, attempt int, from, to coordinator.State) {
			logger.Debug("attempt state",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
		Logger: logger,
	})
}

// ready fails when the output tree or the ledger is unusable.
func (a *App) ready(ctx context.Context) error {
	if _, err := os.Stat(a.store.Root()); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	if a.db != nil {
		return a.db.Ping(ctx)
	}
	return nil
}

// Run harvests this worker's shard, serving the ops endpoints while it does.
// The ops server stops once the harvest returns.
func (a *App) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	if a.server != nil {
		g.Go(func() error {
			err := a.server.ListenAndServe(gctx, a.cfg.Ops.Addr)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer stop()
		return a.coordinator.Run(gctx)
	})
	return g.Wait()
}

// Close shuts every service down. Buffered progress is flushed before the
// ledger connection closes.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.hub != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := a.hub.Close(flushCtx); err != nil {
			a.logger.Warn("progress hub did not drain", zap.Error(err))
		}
		cancel()
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
		if off := a.hub.Disabled(); len(off) > 0 {
			a.logger.Warn("progress sinks were disabled during the run", zap.Strings("sinks", off))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
