// Package bootstrap wires all dependencies and runs the composition host.
// Configuration comes from a YAML file with PKGHOST_* environment overrides,
// or from the environment alone when no file exists.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/adapters/clock"
	apihttp "github.com/artpar/pkghost/adapters/http"
	"github.com/artpar/pkghost/adapters/idgen"
	"github.com/artpar/pkghost/adapters/loader"
	"github.com/artpar/pkghost/adapters/metrics"
	"github.com/artpar/pkghost/adapters/sqlite"
	"github.com/artpar/pkghost/config"
	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/core/lifecycle"
	"github.com/artpar/pkghost/modules"
	"github.com/artpar/pkghost/ports"
)

// ErrAlreadyUp is returned by Up while a session is active.
var ErrAlreadyUp = errors.New("a session is already up")

// shutdownTimeout bounds draining the HTTP server.
const shutdownTimeout = 30 * time.Second

// App represents the running host.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	Bus        *events.Bus
	Loader     ports.ModuleLoader
	Metrics    *metrics.Collector
	DB         *sqlite.DB
	Journal    *sqlite.JournalStore
	HTTPServer *http.Server

	clock ports.Clock
	ids   ports.IDGenerator

	mu      sync.RWMutex
	session *lifecycle.Session
}

// Options provides optional configuration for application initialization.
type Options struct {
	// ConfigPath is the YAML configuration file. When it does not exist the
	// configuration is read from the environment.
	ConfigPath string

	// Config bypasses file loading when set.
	Config *config.Config

	// Loader overrides the configured loader.
	Loader ports.ModuleLoader

	// Registerer receives the metrics. Defaults to the global registry.
	Registerer prometheus.Registerer

	// Gatherer backs /metrics when Registerer is set.
	Gatherer prometheus.Gatherer

	// LogOutput defaults to stdout.
	LogOutput io.Writer

	// Clock and IDs default to the system clock and random UUIDs.
	Clock ports.Clock
	IDs   ports.IDGenerator
}

// New creates and initializes the application. Nothing is loaded until Up.
func New(opts Options) (*App, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}

	// Bootstrap logger until the configured one exists.
	logger := setupLogger(config.LoggingConfig{
		Level:  os.Getenv("PKGHOST_LOG_LEVEL"),
		Format: os.Getenv("PKGHOST_LOG_FORMAT"),
	}, out)

	a := &App{
		Bus:   events.NewBus(logger),
		clock: opts.Clock,
		ids:   opts.IDs,
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if a.ids == nil {
		a.ids = idgen.UUID{}
	}

	if err := a.initConfig(opts, logger); err != nil {
		return nil, fmt.Errorf("init config: %w", err)
	}
	cfg := a.Config.Get()

	a.Logger = setupLogger(cfg.Logging, out)
	a.Logger.Info().Str("loader", cfg.Loader.Kind).Msg("initializing pkghost")

	// Log level is applied on every reload; everything else waits for the
	// next bring-up or a restart.
	a.Config.OnChange(func(c *config.Config) {
		setLevel(c.Logging.Level)
	})

	a.Loader = opts.Loader
	if a.Loader == nil {
		a.Loader = newLoader(cfg.Loader, a.Logger)
	}

	if cfg.Metrics.Enabled {
		if opts.Registerer != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registerer)
		} else {
			a.Metrics = metrics.New()
		}
		a.Metrics.Subscribe(a.Bus, a.Loader.Refs)
		a.Logger.Info().Msg("prometheus metrics enabled")
	}

	if cfg.Journal.Enabled {
		if err := a.initJournal(cfg.Journal); err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
	}

	if cfg.Server.Enabled {
		a.initHTTPServer(cfg, opts.Gatherer)
	}

	return a, nil
}

func (a *App) initConfig(opts Options, logger zerolog.Logger) error {
	if opts.Config != nil {
		a.Config = config.NewStaticHolder(opts.Config, logger)
		return nil
	}

	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			h, err := config.NewHolder(opts.ConfigPath, logger, a.Bus)
			if err != nil {
				return err
			}
			a.Config = h
			return nil
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	a.Config = config.NewStaticHolder(cfg, logger)
	return nil
}

func newLoader(cfg config.LoaderConfig, logger zerolog.Logger) ports.ModuleLoader {
	if cfg.Kind == config.LoaderPlugin {
		return loader.NewPlugin(cfg.Dir, cfg.Suffix, logger)
	}
	return modules.NewStatic()
}

func (a *App) initJournal(cfg config.JournalConfig) error {
	db, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return err
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	a.DB = db
	a.Journal = sqlite.NewJournalStore(db)
	sqlite.NewRecorder(a.Journal, a.Logger).Subscribe(a.Bus)
	a.Logger.Info().Str("dsn", cfg.DSN).Msg("session journal enabled")
	return nil
}

func (a *App) initHTTPServer(cfg *config.Config, gatherer prometheus.Gatherer) {
	routerCfg := apihttp.RouterConfig{EnableMetrics: cfg.Metrics.Enabled}
	if cfg.Metrics.Enabled && gatherer != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	router := apihttp.NewRouter(apihttp.NewHandler(a), a.Logger, routerCfg)
	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// =============================================================================
// Composition
// =============================================================================

// Plan resolves the current composition.
func (a *App) Plan() (descriptor.Plan, error) {
	cfg := a.Config.Get()
	cat, err := cfg.Catalog()
	if err != nil {
		return descriptor.Plan{}, err
	}
	return cfg.Plan(cat)
}

// Manager builds a lifecycle manager from the current configuration.
func (a *App) Manager() *lifecycle.Manager {
	cfg := a.Config.Get()
	return lifecycle.New(a.Loader, lifecycle.Config{
		Logger:  a.Logger,
		Bus:     a.Bus,
		Clock:   a.clock,
		IDs:     a.ids,
		Quiesce: cfg.Teardown.Quiesce,
	})
}

// Up brings up the configured composition.
func (a *App) Up(ctx context.Context) (*lifecycle.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil && a.session.State().Live() {
		return nil, ErrAlreadyUp
	}

	plan, err := a.Plan()
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}

	s, err := a.Manager().Up(ctx, plan)
	if err != nil {
		return nil, err
	}
	a.session = s
	return s, nil
}

// Down tears down the current session. Without one it returns an empty
// report.
func (a *App) Down(ctx context.Context) (*lifecycle.TeardownReport, error) {
	a.mu.Lock()
	s := a.session
	a.session = nil
	a.mu.Unlock()

	if s == nil {
		return &lifecycle.TeardownReport{}, nil
	}
	return s.Down(ctx)
}

// Current returns the current session, or nil.
func (a *App) Current() *lifecycle.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Probe checks every configured package's exports without initializing it.
func (a *App) Probe(ctx context.Context) ([]lifecycle.ProbeResult, error) {
	plan, err := a.Plan()
	if err != nil {
		return nil, fmt.Errorf("resolve plan: %w", err)
	}
	return a.Manager().Probe(ctx, plan)
}

// =============================================================================
// Run
// =============================================================================

// Run brings up the composition, serves the status API when enabled, and
// holds until ctx is done or SIGINT/SIGTERM arrives. Teardown always runs.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch disabled")
	}
	a.Config.WatchSignals()

	errCh := make(chan error, 1)
	if a.HTTPServer != nil {
		go func() {
			a.Logger.Info().
				Str("addr", a.HTTPServer.Addr).
				Msg("starting http server")
			if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	if _, err := a.Up(ctx); err != nil {
		a.Shutdown()
		return fmt.Errorf("bring-up: %w", err)
	}

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.Logger.Info().Msg("shutting down")
	}

	if err := a.Shutdown(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown tears down the session and stops the application. Teardown
// runs without a deadline; only the HTTP server drain is bounded.
func (a *App) Shutdown() error {
	var errs []error

	report, err := a.Down(context.Background())
	if err != nil {
		a.Logger.Error().Err(err).Msg("teardown error")
		errs = append(errs, err)
	} else if len(report.Statuses) > 0 {
		a.Logger.Info().Strs("order", report.Order()).Msg("teardown complete")
	}

	if a.HTTPServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	a.Config.Stop()

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	if refs := a.Loader.Refs(); refs != 0 {
		a.Logger.Warn().Int("refs", refs).Msg("native handles still referenced after shutdown")
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// =============================================================================
// Logging
// =============================================================================

func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	setLevel(cfg.Level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

func setLevel(levelStr string) {
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
