package tracker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/chain-estate/ches-tracker/app/tracker/controller"
	"github.com/chain-estate/ches-tracker/pkg/balances"
	"github.com/chain-estate/ches-tracker/pkg/chain"
	"github.com/chain-estate/ches-tracker/pkg/covalent"
	"github.com/chain-estate/ches-tracker/pkg/db/clickhouse"
	"github.com/chain-estate/ches-tracker/pkg/logging"
	"github.com/chain-estate/ches-tracker/pkg/metrics"
	redisclient "github.com/chain-estate/ches-tracker/pkg/redis"
	"github.com/chain-estate/ches-tracker/pkg/reports"
	"github.com/chain-estate/ches-tracker/pkg/store"
	"github.com/chain-estate/ches-tracker/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App polls one ERC20 contract on a cron schedule and serves the resulting ledger over HTTP.
type App struct {
	Config Config

	// Tracker runs the poll cycles; everything below exists to feed it.
	Tracker    *tracker.Tracker
	Chain      *chain.EthClient
	Refresher  *balances.Refresher
	Redis      *redisclient.Client
	ClickHouse *clickhouse.Client

	// Registry backs /metrics.
	Registry *prometheus.Registry

	// Cron triggers a cycle according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Logger *zap.Logger

	// Server is the HTTP server that serves the API.
	Server *http.Server

	ready atomic.Bool
}

// Initialize reads the environment, connects every backend and schedules the poll loop.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg := LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		CronSpec: cfg.CronSpec(),
		Registry: prometheus.NewRegistry(),
		Logger:   logger,
	}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := app.connect(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.SetupScheduler(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	logger := a.Logger.With(zap.String("contract", cfg.Contract))

	ethc, err := chain.Dial(ctx, cfg.RPCURL, cfg.Contract)
	if err != nil {
		return err
	}
	a.Chain = ethc

	httpc := covalent.NewHTTPWithOpts(covalent.Opts{
		Endpoints: cfg.CovalentEndpoints,
		APIKey:    cfg.CovalentAPIKey,
		RPS:       cfg.CovalentRPS,
		Burst:     cfg.CovalentBurst,
		Logger:    logger.Named("covalent"),
	})
	cov := covalent.New(httpc, covalent.Config{
		ChainID:  cfg.ChainID,
		PageSize: cfg.CovalentPageSize,
		MaxPages: cfg.CovalentMaxPages,
	}, logger.Named("covalent"))

	var heights chain.HeightSource = ethc
	if cfg.HeightSource == HeightSourceCovalent {
		heights = cov
	}

	if cfg.RedisEnabled {
		if a.Redis, err = redisclient.NewClient(ctx, logger); err != nil {
			return err
		}
	}

	var st store.Store
	switch cfg.StoreBackend {
	case StoreRedis:
		st = store.NewRedisStore(a.Redis.GetClient(), store.LedgerKey(cfg.Contract))
	case StoreMemory:
		st = store.NewMemoryStore()
	default:
		st = store.NewFileStore(cfg.StateFile)
	}

	var sink reports.Sink = reports.NopSink{}
	if cfg.ClickHouseEnabled {
		if a.ClickHouse, err = clickhouse.New(ctx, logger, cfg.ClickHouseDatabase); err != nil {
			return err
		}
		chSink := reports.NewClickHouseSink(a.ClickHouse, logger)
		if err := chSink.EnsureSchema(ctx); err != nil {
			return err
		}
		sink = chSink
	}

	a.Refresher = balances.NewRefresher(ethc, cfg.BalanceWorkers, logger.Named("balances"))

	deps := tracker.Deps{
		Heights:   heights,
		Events:    cov,
		Refresher: a.Refresher,
		Store:     st,
		Sink:      sink,
		Metrics:   metrics.New(a.Registry),
		Logger:    a.Logger,
	}
	if a.Redis != nil {
		deps.Notifier = a.Redis
	}
	a.Tracker, err = tracker.New(tracker.Config{
		Contract:        cfg.Contract,
		Lookback:        cfg.Lookback,
		MinBucketDigits: cfg.MinBucketDigits,
	}, deps)
	if err != nil {
		return err
	}

	logger.Info("tracker initialized",
		zap.String("height_source", cfg.HeightSource),
		zap.String("store", cfg.StoreBackend),
		zap.Uint64("lookback", cfg.Lookback),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("clickhouse", a.ClickHouse != nil))
	return nil
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() error {
	c := &controller.Controller{
		Tracker:         a.Tracker,
		Gatherer:        a.Registry,
		Ready:           a.Ready,
		MinBucketDigits: a.Config.MinBucketDigits,
		Logger:          a.Logger.Named("http"),
	}
	if a.Redis != nil {
		c.Redis = a.Redis
	}
	r, err := c.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	a.Server = &http.Server{Addr: a.Config.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

// SetupScheduler sets up the cron scheduler. Overlapping ticks are skipped and panics recovered.
func (a *App) SetupScheduler(ctx context.Context) error {
	logger := cronLogger{a.Logger.Named("cron").Sugar()}
	// Seconds field, optional
	a.Cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	_, err := a.Cron.AddFunc(a.CronSpec, func() { a.RunOnce(ctx) })
	return err
}

// RunOnce runs one poll cycle bounded by CYCLE_TIMEOUT. Errors are logged by the tracker.
func (a *App) RunOnce(ctx context.Context) {
	timeout := a.Config.CycleTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := a.Tracker.RunCycle(rctx)
	if errors.Is(err, tracker.ErrCycleInFlight) {
		a.Logger.Debug("[tracker] cycle already running, tick skipped")
		return
	}
	if res.Completed() {
		a.ready.Store(true)
	}
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[tracker] Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the cron scheduler and waits for a running cycle to finish.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Ready reports whether at least one cycle has completed since startup.
func (a *App) Ready() bool { return a.ready.Load() }

// Close releases every backend connection.
func (a *App) Close() {
	if a.Refresher != nil {
		a.Refresher.Close()
	}
	if a.Chain != nil {
		a.Chain.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
}

// Start serves HTTP until ctx is done, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("[tracker] http server failed", zap.Error(err))
		}
	}()
	a.Logger.Info("[tracker] listening", zap.String("addr", a.Server.Addr))

	<-ctx.Done()
	a.Logger.Info("[tracker] shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	a.StopCron()
	a.Close()
	a.Logger.Info("bye")
	_ = a.Logger.Sync()
}

// cronLogger routes robfig/cron logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
