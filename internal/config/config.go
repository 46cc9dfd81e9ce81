// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Run       RunConfig      `mapstructure:"run"`
	Site      SiteConfig     `mapstructure:"site"`
	Selectors SelectorConfig `mapstructure:"selectors"`
	Browser   BrowserConfig  `mapstructure:"browser"`
	Timing    TimingConfig   `mapstructure:"timing"`
	Retry     RetryConfig    `mapstructure:"retry"`
	Download  DownloadConfig `mapstructure:"download"`
	Cookies   CookiesConfig  `mapstructure:"cookies"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Ops       OpsConfig      `mapstructure:"ops"`
	DB        DBConfig       `mapstructure:"db"`
	Progress  ProgressConfig `mapstructure:"progress"`
}

// RunConfig identifies this process's shard and output tree. The CLI
// positional arguments override these.
type RunConfig struct {
	Workers   int    `mapstructure:"workers"`
	Index     int    `mapstructure:"index"`
	OutputDir string `mapstructure:"output_dir"`
}

// SiteConfig names the target site's entry points.
type SiteConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	HomeURL    string `mapstructure:"home_url"`
	ListingURL string `mapstructure:"listing_url"`
	// APIPrefix selects which in-page requests are captured for replay.
	APIPrefix string `mapstructure:"api_prefix"`
	PageSize  int    `mapstructure:"page_size"`
}

// SelectorConfig holds the CSS selectors used against the site.
type SelectorConfig struct {
	Reset    string `mapstructure:"reset"`
	LastPage string `mapstructure:"last_page"`
	Item     string `mapstructure:"item"`
	// NextPage is a fmt template receiving the 1-based page number.
	NextPage string `mapstructure:"next_page"`
	SubItem  string `mapstructure:"sub_item"`
	Play     string `mapstructure:"play"`
	Media    string `mapstructure:"media"`
}

// BrowserConfig configures the Chrome session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	UserAgent         string        `mapstructure:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
}

// TimingConfig holds the quiet-period and settle waits.
type TimingConfig struct {
	IdleTime           time.Duration `mapstructure:"idle_time"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	LandingIdleTimeout time.Duration `mapstructure:"landing_idle_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
}

// RetryConfig holds one policy per retry loop.
type RetryConfig struct {
	Navigation retry.Policy `mapstructure:"navigation"`
	Download   retry.Policy `mapstructure:"download"`
	Extraction retry.Policy `mapstructure:"extraction"`
}

// DownloadConfig configures the media downloader.
type DownloadConfig struct {
	FileName string        `mapstructure:"file_name"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Rate     float64       `mapstructure:"rate"`
	Burst    int           `mapstructure:"burst"`
}

// CookiesConfig locates the persisted session cookies.
type CookiesConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// OpsConfig enables the ops HTTP server when Addr is set.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig enables the Postgres run ledger when DSN is set.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	// MilestoneWait bounds how long a run or sub-item outcome waits for
	// queue room.
	MilestoneWait   time.Duration `mapstructure:"milestone_wait"`
	MaxSinkFailures int           `mapstructure:"max_sink_failures"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.workers", 1)
	v.SetDefault("run.index", 0)
	v.SetDefault("run.output_dir", "out")

	v.SetDefault("site.base_url", "https://chess24.com")
	v.SetDefault("site.home_url", "https://chess24.com/es")
	v.SetDefault("site.listing_url", "https://chess24.com/es/aprende/videos?lang=es")
	v.SetDefault("site.api_prefix", "https://chess24.com/api/web/videoSeriesAPI/videoDescription")
	v.SetDefault("site.page_size", 20)

	v.SetDefault("selectors.reset", "div.selectedFilters > a.cBtn")
	v.SetDefault("selectors.last_page", "li.goLast>a[href]")
	v.SetDefault("selectors.item", "a.learnItemBoxLink[href]")
	v.SetDefault("selectors.next_page", `li.page>a[href$="=%d"]`)
	v.SetDefault("selectors.sub_item", ".videosList > ul > li > h3 > a[href]")
	v.SetDefault("selectors.play", ".fp-play.gameVideoControlIcon.iconPlay")
	v.SetDefault("selectors.media", "video.fp-engine[src]")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.selector_timeout", "30s")

	v.SetDefault("timing.idle_time", "1s")
	v.SetDefault("timing.idle_timeout", "15s")
	v.SetDefault("timing.landing_idle_timeout", "2s")
	v.SetDefault("timing.settle_delay", "1s")

	for _, loop := range []string{"navigation", "download", "extraction"} {
		v.SetDefault("retry."+loop+".max_attempts", 0)
		v.SetDefault("retry."+loop+".base_delay", "500ms")
		v.SetDefault("retry."+loop+".max_delay", "30s")
	}

	v.SetDefault("download.file_name", "video.webm")
	v.SetDefault("download.timeout", "0s")
	v.SetDefault("download.rate", 0)
	v.SetDefault("download.burst", 1)

	v.SetDefault("cookies.path", "cookies.json")

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("ops.addr", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.milestone_wait", "1s")
	v.SetDefault("progress.max_sink_failures", 5)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if c.Site.BaseURL == "" || c.Site.HomeURL == "" || c.Site.ListingURL == "" {
		return errors.New("site.base_url, site.home_url and site.listing_url are required")
	}
	if c.Site.PageSize <= 0 {
		return errors.New("site.page_size must be > 0")
	}
	if !strings.Contains(c.Selectors.NextPage, "%d") {
		return errors.New("selectors.next_page must contain %d")
	}
	for name, sel := range map[string]string{
		"selectors.item":     c.Selectors.Item,
		"selectors.sub_item": c.Selectors.SubItem,
		"selectors.media":    c.Selectors.Media,
	} {
		if sel == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.Browser.NavigationTimeout < 0 || c.Browser.SelectorTimeout < 0 {
		return errors.New("browser timeouts must be >= 0")
	}
	if c.Timing.IdleTime <= 0 || c.Timing.IdleTimeout < c.Timing.IdleTime {
		return errors.New("timing.idle_timeout must be >= timing.idle_time > 0")
	}
	for name, p := range map[string]retry.Policy{
		"retry.navigation": c.Retry.Navigation,
		"retry.download":   c.Retry.Download,
		"retry.extraction": c.Retry.Extraction,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Download.FileName == "" {
		return errors.New("download.file_name is required")
	}
	if c.Download.Rate < 0 {
		return errors.New("download.rate must be >= 0")
	}
	if c.DB.DSN != "" && c.DB.MaxConns <= 0 {
		return errors.New("db.max_conns must be > 0 when db.dsn is set")
	}
	return nil
}

// Validate checks the shard assignment and output directory.
func (r RunConfig) Validate() error {
	if r.Workers < 1 {
		return errors.New("run.workers must be >= 1")
	}
	if r.Index < 0 || r.Index >= r.Workers {
		return fmt.Errorf("run.index must be in [0, %d)", r.Workers)
	}
	if r.OutputDir == "" {
		return errors.New("run.output_dir is required")
	}
	return nil
}
