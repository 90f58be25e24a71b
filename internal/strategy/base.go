package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/portfolio"
	"quant-trader/internal/position"
)

// FieldFunc serves one recorder field for a venue.
type FieldFunc func(venue string) any

// BaseConfig configures a Base.
type BaseConfig struct {
	Name       string
	Securities map[string][]domain.Security
	// Balances seeds the strategy-level portfolio of each venue.
	Balances  map[string]domain.AccountBalance
	Sessions  []Session
	CostBasis position.CostBasis
	Logger    *zap.Logger
}

// Base carries what every strategy shares: subscriptions, strategy-level
// portfolios, the latest bar per security, the per-tick action log and
// the recorder getters.
type Base struct {
	name       string
	engine     engine.Service
	securities map[string][]domain.Security
	venues     []string
	portfolios map[string]*portfolio.Portfolio
	sessions   []Session
	logger     *zap.Logger

	mu      sync.RWMutex
	bars    map[string]map[domain.SecurityKey]domain.Bar
	actions map[string]string
	fields  map[string]FieldFunc
	// working holds, per venue, order ids that were not terminal when
	// Execute returned. Their late fills are applied by Settle.
	working map[string][]string
}

// NewBase binds a strategy-level portfolio to every subscribed venue.
func NewBase(eng engine.Service, cfg BaseConfig) (*Base, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	b := &Base{
		name:       cfg.Name,
		engine:     eng,
		securities: make(map[string][]domain.Security, len(cfg.Securities)),
		portfolios: make(map[string]*portfolio.Portfolio),
		sessions:   cfg.Sessions,
		logger:     cfg.Logger.With(zap.String("strategy", cfg.Name)),
		bars:       make(map[string]map[domain.SecurityKey]domain.Bar),
		actions:    make(map[string]string),
		working:    make(map[string][]string),
	}
	for _, venue := range eng.Venues() {
		secs, ok := cfg.Securities[venue]
		if !ok {
			continue
		}
		ep, err := eng.Portfolio(venue)
		if err != nil {
			return nil, err
		}
		b.venues = append(b.venues, venue)
		b.securities[venue] = append([]domain.Security(nil), secs...)
		b.bars[venue] = make(map[domain.SecurityKey]domain.Bar)
		b.portfolios[venue] = portfolio.New(ep.Market(), portfolio.Config{
			Balance:   cfg.Balances[venue],
			CostBasis: cfg.CostBasis,
			Now:       ep.Clock,
			Logger:    cfg.Logger,
		})
	}
	for venue := range cfg.Securities {
		if _, ok := b.portfolios[venue]; !ok {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownVenue, venue)
		}
	}
	b.fields = map[string]FieldFunc{
		"datetime":                 func(v string) any { return b.Datetime(v) },
		"portfolio_value":          func(v string) any { return b.PortfolioValue(v) },
		"strategy_portfolio_value": func(v string) any { return b.StrategyPortfolioValue(v) },
		"action":                   func(v string) any { return b.Action(v) },
		"open":                     func(v string) any { return b.Open(v) },
		"high":                     func(v string) any { return b.High(v) },
		"low":                      func(v string) any { return b.Low(v) },
		"close":                    func(v string) any { return b.Close(v) },
		"volume":                   func(v string) any { return b.Volume(v) },
	}
	return b, nil
}

func (b *Base) Name() string { return b.name }

// Engine returns the execution facade.
func (b *Base) Engine() engine.Service { return b.engine }

// Logger returns the strategy logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// Venues returns the subscribed venues in engine order.
func (b *Base) Venues() []string { return append([]string(nil), b.venues...) }

// Securities returns the subscriptions per venue.
func (b *Base) Securities() map[string][]domain.Security {
	out := make(map[string][]domain.Security, len(b.securities))
	for v, secs := range b.securities {
		out[v] = append([]domain.Security(nil), secs...)
	}
	return out
}

// Portfolio returns the strategy-level portfolio of venue.
func (b *Base) Portfolio(venue string) *portfolio.Portfolio { return b.portfolios[venue] }

// InSession reports whether t is inside a configured trading session.
func (b *Base) InSession(t time.Time) bool { return InSessions(b.sessions, t) }

// UpdateBar stores the latest bar of a subscribed security.
func (b *Base) UpdateBar(venue string, bar domain.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.bars[venue]; ok {
		m[bar.Security.Key()] = bar
	}
}

// LatestBar returns the last bar stored for sec.
func (b *Base) LatestBar(venue string, sec domain.Security) (domain.Bar, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bar, ok := b.bars[venue][sec.Key()]
	return bar, ok
}

// UpdateAction appends an action to this tick's log for venue.
func (b *Base) UpdateAction(venue string, action any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[venue] += fmt.Sprint(action) + "|"
}

// ResetAction clears the tick's action log for venue.
func (b *Base) ResetAction(venue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[venue] = ""
}

// Action returns this tick's action log for venue.
func (b *Base) Action(venue string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.actions[venue]
}

// Datetime is the market clock of venue.
func (b *Base) Datetime(venue string) time.Time {
	if p, ok := b.portfolios[venue]; ok {
		return p.Clock()
	}
	return time.Time{}
}

// PortfolioValue values the engine portfolio of venue.
func (b *Base) PortfolioValue(venue string) float64 {
	p, err := b.engine.Portfolio(venue)
	if err != nil {
		return 0
	}
	return p.Value()
}

// StrategyPortfolioValue values the strategy-level portfolio of venue.
func (b *Base) StrategyPortfolioValue(venue string) float64 {
	if p, ok := b.portfolios[venue]; ok {
		return p.Value()
	}
	return 0
}

func (b *Base) column(venue string, pick func(domain.Bar) float64) []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []float64
	for _, sec := range b.securities[venue] {
		if bar, ok := b.bars[venue][sec.Key()]; ok {
			out = append(out, pick(bar))
		}
	}
	return out
}

// Open returns the latest opens of the venue's securities that have a bar,
// in subscription order. High, Low, Close and Volume do the same.
func (b *Base) Open(venue string) []float64 {
	return b.column(venue, func(x domain.Bar) float64 { return x.Open })
}

func (b *Base) High(venue string) []float64 {
	return b.column(venue, func(x domain.Bar) float64 { return x.High })
}

func (b *Base) Low(venue string) []float64 {
	return b.column(venue, func(x domain.Bar) float64 { return x.Low })
}

func (b *Base) Close(venue string) []float64 {
	return b.column(venue, func(x domain.Bar) float64 { return x.Close })
}

func (b *Base) Volume(venue string) []float64 {
	return b.column(venue, func(x domain.Bar) float64 { return x.Volume })
}

// RegisterField adds or replaces a recorder getter.
func (b *Base) RegisterField(name string, fn FieldFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fields[name] = fn
}

// Fields lists the registered getter names.
func (b *Base) Fields() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.fields))
	for k := range b.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Field serves a recorder value.
func (b *Base) Field(name, venue string) (any, error) {
	b.mu.RLock()
	fn, ok := b.fields[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, name)
	}
	return fn(venue), nil
}

// Decide maps a crossover signal and the engine's holdings of sec to an
// instruction: flatten the opposite side first, otherwise open one lot.
// It returns false when the signal needs no order.
func (b *Base) Decide(venue string, sec domain.Security, action string, lot float64) (engine.Instruction, bool) {
	long, hasLong, _ := b.engine.GetPosition(venue, sec, domain.DirectionLong)
	short, hasShort, _ := b.engine.GetPosition(venue, sec, domain.DirectionShort)
	ins := engine.Instruction{Security: sec, Type: domain.OrderTypeMarket}
	switch {
	case action == "SELL" && hasShort, action == "BUY" && hasLong:
		return ins, false
	case action == "SELL" && hasLong:
		ins.Quantity, ins.Direction, ins.Offset = long.Quantity, domain.DirectionShort, domain.OffsetClose
	case action == "SELL":
		ins.Quantity, ins.Direction, ins.Offset = lot, domain.DirectionShort, domain.OffsetOpen
	case action == "BUY" && hasShort:
		ins.Quantity, ins.Direction, ins.Offset = short.Quantity, domain.DirectionLong, domain.OffsetClose
	case action == "BUY":
		ins.Quantity, ins.Direction, ins.Offset = lot, domain.DirectionLong, domain.OffsetOpen
	default:
		return ins, false
	}
	return ins, true
}

// Execute submits ins, waits for the venue to settle it, applies its deals
// to the engine and strategy portfolios, and cancels any unfilled rest.
// An order still working after the cancel is handed to Settle so fills
// that land later are applied too.
func (b *Base) Execute(ctx context.Context, venue string, ins engine.Instruction) (domain.Order, error) {
	id, err := b.engine.SendOrder(ctx, venue, ins)
	if err != nil {
		return domain.Order{}, err
	}
	o, waitErr := b.engine.AwaitOrder(ctx, venue, id)
	if o.ID == "" {
		o.ID = id
	}
	if err := b.apply(venue, id); err != nil {
		return o, err
	}

	if !o.Status.Terminal() {
		if err := b.engine.CancelOrder(ctx, venue, id); err != nil {
			b.logger.Warn("strategy: cancel failed", zap.String("order_id", id), zap.Error(err))
		} else {
			b.logger.Info("strategy: cancelled unfilled order", zap.String("order_id", id))
		}
		// the cancel may race the final fills
		if settled, err := b.engine.AwaitOrder(ctx, venue, id); settled.ID != "" {
			o, waitErr = settled, err
		}
		if err := b.apply(venue, id); err != nil {
			return o, err
		}
		if !o.Status.Terminal() {
			b.mu.Lock()
			b.working[venue] = append(b.working[venue], id)
			b.mu.Unlock()
		}
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		b.logger.Warn("strategy: order not settled", zap.String("order_id", id), zap.Error(waitErr))
	}
	return o, nil
}

func (b *Base) apply(venue, id string) error {
	ep, err := b.engine.Portfolio(venue)
	if err != nil {
		return err
	}
	_, err = b.engine.ApplyDeals(venue, id, ep, b.portfolios[venue])
	return err
}

// Settle applies the deals that arrived for orders still working after
// Execute returned, and forgets the ones that reached a terminal status.
func (b *Base) Settle(venue string) error {
	b.mu.Lock()
	ids := b.working[venue]
	delete(b.working, venue)
	b.mu.Unlock()

	var errs error
	var still []string
	for _, id := range ids {
		if err := b.apply(venue, id); err != nil {
			errs = multierr.Append(errs, err)
		}
		o, ok, err := b.engine.LookupOrder(venue, id)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok || !o.Status.Terminal() {
			still = append(still, id)
			continue
		}
		b.logger.Info("strategy: late order settled", zap.String("order_id", id), zap.String("status", string(o.Status)))
	}
	if len(still) > 0 {
		b.mu.Lock()
		b.working[venue] = append(still, b.working[venue]...)
		b.mu.Unlock()
	}
	return errs
}

// Working returns the order ids Settle still tracks for venue.
func (b *Base) Working(venue string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.working[venue]...)
}

// Trade decides and executes one signal, logging it as this tick's action.
func (b *Base) Trade(ctx context.Context, venue string, bar domain.Bar, action string, lot float64) error {
	ins, ok := b.Decide(venue, bar.Security, action, lot)
	if !ok {
		return nil
	}
	ins.Price = bar.Close
	o, err := b.Execute(ctx, venue, ins)
	sig := Signal{Action: action, Security: bar.Security, Quantity: ins.Quantity, OrderID: o.ID}
	if err != nil {
		sig.Note = "failed: " + err.Error()
		b.UpdateAction(venue, sig)
		return fmt.Errorf("strategy: %s %s: %w", strings.ToLower(action), bar.Security, err)
	}
	sig.Note = string(o.Status)
	b.UpdateAction(venue, sig)
	return nil
}
