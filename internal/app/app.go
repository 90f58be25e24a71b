// Package app assembles a run from the environment config and the run
// file: storage, venues, engine, strategy, recorder, scheduler and the
// optional status API and reconciliation loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quant-trader/internal/api"
	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/events"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/gateway/backtest"
	"quant-trader/internal/gateway/paper"
	"quant-trader/internal/ledger"
	"quant-trader/internal/market"
	"quant-trader/internal/monitor"
	"quant-trader/internal/persistence"
	"quant-trader/internal/portfolio"
	"quant-trader/internal/reconciliation"
	"quant-trader/internal/recorder"
	"quant-trader/internal/scheduler"
	"quant-trader/internal/strategy"
	"quant-trader/pkg/config"
	"quant-trader/pkg/db"
)

// Mode restricts which venues a run accepts.
type Mode string

const (
	// ModeBacktest accepts replay venues only.
	ModeBacktest Mode = "backtest"
	// ModeLive accepts any mix of replay and live venues.
	ModeLive Mode = "live"
)

var ErrLiveVenueInBacktest = errors.New("app: backtest run has a live venue")

// App is one assembled run.
type App struct {
	Env       *config.Config
	RunConfig *config.Run
	Mode      Mode
	Logger    *zap.Logger
	DB        *db.Database
	Writer    *persistence.BatchWriter
	Journal   *persistence.Journal
	Gateways  *gateway.Manager
	Engine    *engine.Engine
	Strategy  strategy.Strategy
	Recorder  *recorder.Recorder
	Scheduler *scheduler.Scheduler
	Monitor   *monitor.Monitor
	API       *api.Server

	feeModels map[string]fees.Model
	feeds     map[string]market.Feed
	redis     *redis.Client
	closers   []func() error
	closed    bool
}

// New builds the run. strat selects the strategy entry of the run file.
func New(ctx context.Context, env *config.Config, run *config.Run, strat strategy.Config, mode Mode, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Env:       env,
		RunConfig: run,
		Mode:      mode,
		Logger:    logger,
		feeModels: make(map[string]fees.Model),
		feeds:     make(map[string]market.Feed),
	}
	if err := a.build(ctx, strat); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) build(ctx context.Context, strat strategy.Config) error {
	if err := a.openStorage(); err != nil {
		return err
	}
	loc, err := a.RunConfig.Location()
	if err != nil {
		return err
	}

	a.Gateways = gateway.NewManager(gateway.DefaultConfig(), a.Logger)
	for _, g := range a.RunConfig.Gateways {
		if a.Mode == ModeBacktest && !g.TradeMode.IsReplay() {
			return fmt.Errorf("%w: %s", ErrLiveVenueInBacktest, g.Name)
		}
		gw, err := a.buildGateway(ctx, g, loc)
		if err != nil {
			return fmt.Errorf("app: gateway %s: %w", g.Name, err)
		}
		if err := a.Gateways.Register(gw); err != nil {
			return err
		}
	}

	bus := events.NewBus()
	a.Engine = engine.New(a.Gateways, engine.Config{
		PlaceOrderDelay: a.Env.PlaceOrderDelay,
		PollTimeout:     a.Env.PollTimeout,
		PollAttempts:    a.Env.PollAttempts,
		PollRate:        rate.Limit(a.Env.PollRate),
		PollBurst:       a.Env.PollBurst,
	}, a.accountOptions(bus)...)

	a.Strategy, err = strategy.Build(a.Engine, strat, a.RunConfig.Securities(), strategy.BaseConfig{Logger: a.Logger})
	if err != nil {
		return err
	}

	var recOpts []recorder.Option
	recOpts = append(recOpts, recorder.WithLogger(a.Logger))
	if a.Journal != nil {
		recOpts = append(recOpts, recorder.WithStore(a.Journal))
	}
	a.Recorder = recorder.New(a.Strategy.Name(), recOpts...)
	for field, mode := range strat.Fields {
		if err := a.Recorder.AddField(field, recorder.Mode(mode)); err != nil {
			return err
		}
	}

	start, end, err := a.RunConfig.Span()
	if err != nil {
		return err
	}
	a.Scheduler = scheduler.New(a.Engine, a.Strategy, a.Recorder, a.feeds, scheduler.Config{
		Start:       start,
		End:         end,
		Step:        a.RunConfig.Step,
		Location:    loc,
		SyncOnStart: true,
		Logger:      a.Logger,
	})

	a.Monitor = &monitor.Monitor{Bus: bus, Metrics: monitor.NewMetrics(), Logger: a.Logger}
	a.API = api.NewServer(a.Engine, bus, a.Monitor.Metrics, a.Recorder, api.SystemMeta{
		Run:      a.RunConfig.Name,
		Strategy: a.Strategy.Name(),
		Mode:     string(a.Mode),
		Version:  Version,
	}, api.Config{RateLimit: rate.Limit(a.Env.APIRateLimit), Burst: a.Env.APIBurst}, a.Logger)
	return nil
}

func (a *App) accountOptions(bus *events.Bus) []engine.Option {
	opts := []engine.Option{engine.WithBus(bus), engine.WithLogger(a.Logger)}
	for _, g := range a.RunConfig.Gateways {
		opts = append(opts, engine.WithAccount(g.Name, portfolio.Config{
			Balance:           accountBalance(g.Cash),
			ShortInterestRate: g.ShortInterestRate,
		}))
	}
	return opts
}

func accountBalance(cash float64) domain.AccountBalance {
	return domain.AccountBalance{Cash: cash, AvailableCash: cash}
}

// Version is stamped at build time.
var Version = "dev"

func (a *App) openStorage() error {
	if a.Env.DBPath == "" {
		return nil
	}
	database, err := db.New(a.Env.DBPath)
	if err != nil {
		return err
	}
	a.DB = database
	a.closers = append(a.closers, database.Close)
	if !a.Env.EnableJournal {
		return nil
	}
	a.Writer = persistence.NewBatchWriter(database.DB, a.Env.JournalBatch, time.Duration(a.Env.JournalFlushMs)*time.Millisecond, a.Logger)
	// Flush before the database closes.
	a.closers = append(a.closers, a.Writer.Close)
	a.Journal = persistence.NewJournal(a.Writer, func(venue string) fees.Model { return a.feeModels[venue] })
	return nil
}

func (a *App) ledgerOptions() []ledger.Option {
	if a.Journal == nil {
		return nil
	}
	return []ledger.Option{ledger.WithJournal(a.Journal)}
}

func (a *App) buildGateway(ctx context.Context, g config.Gateway, loc *time.Location) (gateway.Gateway, error) {
	model, err := fees.New(g.FeeModel, g.FeeRate)
	if err != nil {
		return nil, err
	}
	a.feeModels[g.Name] = model
	balance := accountBalance(g.Cash)
	logger := a.Logger.With(zap.String("venue", g.Name))

	switch g.Broker {
	case "backtest":
		bars, err := a.loadBars(ctx, g, loc)
		if err != nil {
			return nil, err
		}
		ds := data.NewDataset(bars)
		first, last, _ := ds.Span()
		logger.Info("app: historical data loaded", zap.Int("bars", ds.Len()), zap.Time("first", first), zap.Time("last", last))
		return backtest.New(backtest.Config{
			Name:              g.Name,
			Dataset:           ds,
			Fees:              model,
			Balance:           balance,
			ShortInterestRate: g.ShortInterestRate,
			LedgerOptions:     a.ledgerOptions(),
			Logger:            a.Logger,
		}), nil
	case "paper":
		feed, err := a.buildFeed(ctx, g)
		if err != nil {
			return nil, err
		}
		a.feeds[g.Name] = feed
		return paper.New(paper.Config{
			Name:              g.Name,
			Fees:              model,
			Balance:           balance,
			ShortInterestRate: g.ShortInterestRate,
			SlippageBps:       g.Paper.SlippageBps,
			LatencyMin:        g.Paper.LatencyMin,
			LatencyMax:        g.Paper.LatencyMax,
			PartialFills:      g.Paper.PartialFills,
			Seed:              g.Paper.Seed,
			LedgerOptions:     a.ledgerOptions(),
			Logger:            a.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown broker %q", g.Broker)
}

func (a *App) loadBars(ctx context.Context, g config.Gateway, loc *time.Location) ([]domain.Bar, error) {
	if g.Data.CSV != "" {
		return data.LoadCSV(g.Data.CSV, g.Securities, loc)
	}
	if a.DB == nil {
		return nil, errors.New("no csv and no database configured")
	}
	start, end, err := a.RunConfig.Span()
	if err != nil {
		return nil, err
	}
	return data.LoadDB(ctx, a.DB, g.Securities, start, end)
}

func (a *App) buildFeed(ctx context.Context, g config.Gateway) (market.Feed, error) {
	switch g.Feed.Type {
	case "redis":
		if a.redis == nil {
			client, err := market.NewRedisClient(ctx, market.RedisConfig{
				Addr:     a.Env.RedisAddr,
				Password: a.Env.RedisPassword,
				DB:       a.Env.RedisDB,
			})
			if err != nil {
				return nil, err
			}
			a.redis = client
			a.closers = append(a.closers, client.Close)
		}
		channel := firstNonEmpty(g.Feed.Channel, a.Env.RedisChannel, market.DefaultChannel)
		return &market.RedisFeed{Client: a.redis, Channel: channel, Logger: a.Logger}, nil
	case "websocket", "ws":
		url := firstNonEmpty(g.Feed.URL, a.Env.WSURL)
		if url == "" {
			return nil, errors.New("websocket feed without url")
		}
		return &market.WSFeed{URL: url, Logger: a.Logger}, nil
	case "mock", "":
		codes := make([]string, 0, len(g.Securities))
		for _, s := range g.Securities {
			codes = append(codes, s.Code)
		}
		return &market.MockFeed{Codes: codes, Interval: g.Feed.Interval, Limit: g.Feed.Limit, Seed: g.Paper.Seed}, nil
	}
	return nil, fmt.Errorf("unknown feed type %q", g.Feed.Type)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Run drives the scheduler to completion, serving the status API and
// reconciling live venues meanwhile, then writes the result table.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	waitMonitor := a.Monitor.Start(ctx)
	defer func() {
		cancel()
		waitMonitor()
	}()

	var srv *http.Server
	if a.Env.APIAddr != "" {
		srv = &http.Server{Addr: a.Env.APIAddr, Handler: a.API.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.Logger.Info("app: status api listening", zap.String("addr", a.Env.APIAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("app: status api failed", zap.Error(err))
			}
		}()
	}

	if a.Env.ReconcileInterval > 0 && len(a.feeds) > 0 {
		recon := reconciliation.NewService(a.Engine, a.Env.ReconcileInterval, a.Logger)
		recon.SetAutoSync(a.Env.ReconcileAutoSync)
		recon.Start(ctx)
	}

	runErr := a.Scheduler.Run(ctx)
	a.Logger.Info("app: run finished", zap.Int("ticks", a.Scheduler.Ticks()), zap.Error(runErr))
	a.logSummary()

	if a.Env.ResultsDir != "" {
		path, err := a.Recorder.SaveCSV(a.Env.ResultsDir, time.Now())
		if err != nil {
			runErr = multierr.Append(runErr, err)
		} else {
			a.Logger.Info("app: results written", zap.String("path", path))
		}
	}
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		runErr = multierr.Append(runErr, srv.Shutdown(shutdownCtx))
	}
	return runErr
}

func (a *App) logSummary() {
	for _, vs := range a.Engine.Status().Venues {
		p, err := a.Engine.Portfolio(vs.Name)
		if err != nil {
			continue
		}
		val := p.Valuation()
		a.Logger.Info("app: venue summary",
			zap.String("venue", vs.Name),
			zap.Int("orders", vs.Orders),
			zap.Int("deals", vs.Deals),
			zap.Float64("cash", val.Cash),
			zap.Float64("value", val.Value),
			zap.Bool("estimated", val.Estimated),
			zap.Strings("halted", vs.Halted))
	}
}

// Close releases venues and storage, newest first.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs error
	if a.Gateways != nil {
		errs = multierr.Append(errs, a.Gateways.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
