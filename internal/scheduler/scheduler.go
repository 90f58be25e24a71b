// Package scheduler drives a strategy tick by tick: replay venues on a
// virtual clock over preloaded bars, live venues on pushed quote batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/events"
	"quant-trader/internal/gateway"
	"quant-trader/internal/market"
	"quant-trader/internal/recorder"
	"quant-trader/internal/strategy"
)

var (
	// ErrNoFeed means a live venue has no quote feed configured.
	ErrNoFeed = errors.New("scheduler: live venue without feed")
	// ErrNoSpan means no start or end was given and no venue could supply one.
	ErrNoSpan = errors.New("scheduler: run span unknown")
)

// Config configures a run.
type Config struct {
	// Start and End bound the run. Zero values are taken from the replay
	// venues' data: earliest start, latest end.
	Start time.Time
	End   time.Time
	// Step advances the replay clock; default one day. Steps of whole days
	// land on midnight.
	Step time.Duration
	// Location is used to read live record timestamps and to find midnight.
	Location *time.Location
	// SyncOnStart pulls broker balance and positions into the engine
	// portfolios before the first tick.
	SyncOnStart bool
	Now         func() time.Time
	Logger      *zap.Logger
}

type quoted interface {
	Quotes() *market.QuoteCache
}

// Scheduler runs one strategy against the venues of an engine.
type Scheduler struct {
	engine   *engine.Engine
	strategy strategy.Strategy
	recorder *recorder.Recorder
	feeds    map[string]market.Feed
	cfg      Config
	logger   *zap.Logger
	bus      *events.Bus

	tickMu sync.Mutex // one tick at a time across venues

	mu     sync.Mutex
	cancel context.CancelFunc
	ticks  int
}

// New creates a scheduler. feeds supplies the quote stream of each live
// venue; rec may be nil.
func New(eng *engine.Engine, strat strategy.Strategy, rec *recorder.Recorder, feeds map[string]market.Feed, cfg Config) *Scheduler {
	if cfg.Step <= 0 {
		cfg.Step = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		engine:   eng,
		strategy: strat,
		recorder: rec,
		feeds:    feeds,
		cfg:      cfg,
		logger:   cfg.Logger.With(zap.String("strategy", strat.Name())),
		bus:      eng.Bus(),
	}
}

// Ticks returns the number of completed ticks.
func (s *Scheduler) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Stop ends the run after the tick in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run blocks until every venue loop has ended: replay venues when the
// clock passes End, live venues when End passes, their feed closes, or
// ctx is done. A stop never cuts a tick short.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	subscribed := s.strategy.Securities()
	var replay, live []gateway.Gateway
	for _, gw := range s.engine.Gateways().All() {
		if _, ok := subscribed[gw.Name()]; !ok {
			continue
		}
		if gw.TradeMode().IsReplay() {
			replay = append(replay, gw)
		} else {
			live = append(live, gw)
		}
	}

	if s.cfg.SyncOnStart {
		s.syncAll(ctx, append(append([]gateway.Gateway(nil), replay...), live...))
	}

	start, end, err := s.span(replay)
	if err != nil && len(replay) > 0 {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	fail := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}
	if len(replay) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runReplay(ctx, replay, start, end)
		}()
	}
	for _, gw := range live {
		feed, ok := s.feeds[gw.Name()]
		if !ok {
			fail(fmt.Errorf("%w: %s", ErrNoFeed, gw.Name()))
			continue
		}
		wg.Add(1)
		go func(gw gateway.Gateway, feed market.Feed) {
			defer wg.Done()
			if err := s.runLive(ctx, gw, feed); err != nil {
				fail(err)
			}
		}(gw, feed)
	}
	wg.Wait()
	return errs
}

func (s *Scheduler) syncAll(ctx context.Context, gws []gateway.Gateway) {
	for _, gw := range gws {
		name := gw.Name()
		if err := s.engine.SyncBrokerBalance(ctx, name); err != nil {
			s.logger.Warn("scheduler: initial balance sync failed", zap.String("venue", name), zap.Error(err))
		}
		if err := s.engine.SyncBrokerPosition(ctx, name); err != nil {
			s.logger.Warn("scheduler: initial position sync failed", zap.String("venue", name), zap.Error(err))
		}
		bal, _ := s.engine.GetBalance(name)
		pos, _ := s.engine.GetAllPositions(name)
		s.logger.Info("scheduler: starting account",
			zap.String("venue", name),
			zap.Float64("cash", bal.Cash),
			zap.Int("positions", len(pos)))
	}
}

func (s *Scheduler) span(replay []gateway.Gateway) (time.Time, time.Time, error) {
	start, end := s.cfg.Start, s.cfg.End
	var first, last time.Time
	for _, gw := range replay {
		r, ok := gw.(gateway.Replayer)
		if !ok {
			continue
		}
		a, b, ok := r.Span()
		if !ok {
			continue
		}
		if first.IsZero() || a.Before(first) {
			first = a
		}
		if last.IsZero() || b.After(last) {
			last = b
		}
	}
	if start.IsZero() {
		start = first
	}
	if end.IsZero() {
		end = last
	}
	if start.IsZero() || end.IsZero() {
		return start, end, ErrNoSpan
	}
	return start, end, nil
}

func (s *Scheduler) daily() bool {
	return s.cfg.Step%(24*time.Hour) == 0
}

func (s *Scheduler) midnight(t time.Time) time.Time {
	t = t.In(s.cfg.Location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.cfg.Location)
}

// Times returns the replay tick times between start and end inclusive.
func (s *Scheduler) Times(start, end time.Time) []time.Time {
	var out []time.Time
	t := start
	if s.daily() {
		t = s.midnight(t)
	}
	days := int(s.cfg.Step / (24 * time.Hour))
	for !t.After(end) {
		out = append(out, t)
		if s.daily() {
			// Calendar days, so DST transitions neither repeat nor skip a date.
			t = s.midnight(t.AddDate(0, 0, days))
			continue
		}
		t = t.Add(s.cfg.Step)
	}
	return out
}

func (s *Scheduler) runReplay(ctx context.Context, venues []gateway.Gateway, start, end time.Time) {
	s.logger.Info("scheduler: replay started",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Duration("step", s.cfg.Step),
		zap.Int("venues", len(venues)))
	for _, t := range s.Times(start, end) {
		if ctx.Err() != nil {
			s.logger.Info("scheduler: replay stopped", zap.Time("at", t))
			return
		}
		if !s.strategy.InSession(t) {
			continue
		}
		for _, gw := range venues {
			if c, ok := gw.(gateway.Clocked); ok {
				c.SetMarketTime(t)
			}
			bars := make(map[domain.SecurityKey]domain.Bar)
			if r, ok := gw.(gateway.Replayer); ok {
				for _, sec := range s.strategy.Securities()[gw.Name()] {
					if bar, ok := r.BarAt(sec, t); ok {
						bars[sec.Key()] = bar
					}
				}
			}
			s.tick(ctx, gw.Name(), t, bars, nil)
		}
	}
	s.logger.Info("scheduler: replay finished", zap.Int("ticks", s.Ticks()))
}

func (s *Scheduler) runLive(ctx context.Context, gw gateway.Gateway, feed market.Feed) error {
	name := gw.Name()
	batches, err := feed.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: subscribe %s: %w", name, err)
	}
	byCode := make(map[string]domain.Security)
	for _, sec := range s.strategy.Securities()[name] {
		byCode[sec.Code] = sec
	}
	var cache *market.QuoteCache
	if q, ok := gw.(quoted); ok {
		cache = q.Quotes()
	}
	s.logger.Info("scheduler: live started", zap.String("venue", name))

	var endReached <-chan time.Time
	if !s.cfg.End.IsZero() {
		timer := time.NewTimer(max(s.cfg.End.Sub(s.cfg.Now()), 0))
		defer timer.Stop()
		endReached = timer.C
	}

	for {
		var batch []market.Record
		var ok bool
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: live stopped", zap.String("venue", name))
			return nil
		case <-endReached:
			s.logger.Info("scheduler: end time reached", zap.String("venue", name), zap.Time("end", s.cfg.End))
			return nil
		case batch, ok = <-batches:
		}
		if !ok {
			s.logger.Info("scheduler: feed closed", zap.String("venue", name))
			return nil
		}
		now := s.cfg.Now()
		if !s.cfg.End.IsZero() && now.After(s.cfg.End) {
			s.logger.Info("scheduler: end time reached", zap.String("venue", name), zap.Time("end", s.cfg.End))
			return nil
		}
		if !s.strategy.InSession(now) {
			continue
		}

		bars := make(map[domain.SecurityKey]domain.Bar)
		var errs error
		latest := time.Time{}
		for _, rec := range batch {
			sec, ok := byCode[rec.Code]
			if !ok {
				continue
			}
			bar, err := rec.Bar(sec, s.cfg.Location, now)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", sec, err))
				continue
			}
			bars[sec.Key()] = bar
			if cache != nil {
				cache.PutBar(bar)
			}
			if bar.Datetime.After(latest) {
				latest = bar.Datetime
			}
		}
		if c, ok := gw.(gateway.Clocked); ok && !latest.IsZero() {
			c.SetMarketTime(latest)
		}
		s.tick(ctx, name, now, bars, errs)
	}
}

// tick runs one strategy step for venue. ctx cancellation does not reach
// the strategy, so order resolution inside OnBar always completes.
func (s *Scheduler) tick(ctx context.Context, venue string, at time.Time, bars map[domain.SecurityKey]domain.Bar, inputErrs error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	began := time.Now()
	tctx := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("venue", venue), zap.Time("tick", at))
	errs := inputErrs

	for _, bar := range bars {
		errs = multierr.Append(errs, s.updateBar(venue, bar))
	}
	// late fills from earlier ticks are booked before the strategy decides
	errs = multierr.Append(errs, s.settle(venue, logger))
	if err := s.onBar(tctx, strategy.Bars{venue: bars}); err != nil {
		errs = multierr.Append(errs, err)
		logger.Error("scheduler: strategy callback failed", zap.Int("bars", len(bars)), zap.Error(err))
		s.bus.Publish(events.EventStrategyError, events.StrategyErrorEvent{At: at, Venue: venue, Err: err.Error()})
	}
	errs = multierr.Append(errs, s.settle(venue, logger))
	if s.recorder != nil {
		if err := s.recorder.Record(s.strategy, venue, at); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	s.strategy.ResetAction(venue)

	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()
	n := len(multierr.Errors(errs))
	if inputErrs != nil {
		logger.Warn("scheduler: records skipped", zap.Error(inputErrs))
	}
	s.bus.Publish(events.EventTick, events.TickEvent{At: at, Venues: []string{venue}, Bars: len(bars), Errors: n, Elapsed: time.Since(began)})
}

func (s *Scheduler) updateBar(venue string, bar domain.Bar) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: update bar %s panicked: %v", bar.Security, r)
		}
	}()
	s.strategy.UpdateBar(venue, bar)
	return nil
}

func (s *Scheduler) settle(venue string, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: settle panicked: %v", r)
		}
	}()
	if err := s.strategy.Settle(venue); err != nil {
		logger.Warn("scheduler: late fills not applied", zap.Error(err))
		return err
	}
	return nil
}

func (s *Scheduler) onBar(ctx context.Context, bars strategy.Bars) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: strategy panicked: %v", r)
			s.logger.Error("scheduler: strategy panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return s.strategy.OnBar(ctx, bars)
}
