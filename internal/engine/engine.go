package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quant-trader/internal/domain"
	"quant-trader/internal/events"
	"quant-trader/internal/gateway"
	"quant-trader/internal/ledger"
	"quant-trader/internal/portfolio"
)

var (
	// ErrUnknownVenue means no gateway is registered under the name.
	ErrUnknownVenue = gateway.ErrUnknownVenue
	// ErrSecurityHalted means the security's book diverged and automated
	// orders for it are refused until the book is resynchronized.
	ErrSecurityHalted = errors.New("engine: security halted")
)

type marketClock interface {
	MarketTime() time.Time
}

type venue struct {
	gw        gateway.Gateway
	portfolio *portfolio.Portfolio
	limiter   *rate.Limiter
}

// Engine routes strategy orders to venues and owns one portfolio per venue.
type Engine struct {
	gateways *gateway.Manager
	cfg      Config
	bus      *events.Bus
	logger   *zap.Logger
	started  time.Time

	mu     sync.RWMutex
	venues map[string]*venue
}

var _ Service = (*Engine)(nil)

// Option configures an Engine.
type Option func(*options)

type options struct {
	bus      *events.Bus
	logger   *zap.Logger
	accounts map[string]portfolio.Config
}

// WithBus publishes order, position and account events on b.
func WithBus(b *events.Bus) Option { return func(o *options) { o.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithAccount seeds the engine portfolio of venue.
func WithAccount(venue string, cfg portfolio.Config) Option {
	return func(o *options) { o.accounts[venue] = cfg }
}

// New binds an engine portfolio to every gateway in gws.
func New(gws *gateway.Manager, cfg Config, opts ...Option) *Engine {
	o := options{accounts: make(map[string]portfolio.Config)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	def := DefaultConfig()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = def.PollAttempts
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = def.PollRate
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = def.PollBurst
	}

	e := &Engine{
		gateways: gws,
		cfg:      cfg,
		bus:      o.bus,
		logger:   o.logger,
		started:  time.Now(),
		venues:   make(map[string]*venue),
	}
	for _, gw := range gws.All() {
		pc := o.accounts[gw.Name()]
		if pc.Logger == nil {
			pc.Logger = o.logger
		}
		if c, ok := gw.(marketClock); ok && pc.Now == nil {
			pc.Now = c.MarketTime
		}
		e.venues[gw.Name()] = &venue{
			gw:        gw,
			portfolio: portfolio.New(gw, pc),
			limiter:   rate.NewLimiter(cfg.PollRate, cfg.PollBurst),
		}
	}
	return e
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Gateways returns the venue manager.
func (e *Engine) Gateways() *gateway.Manager { return e.gateways }

// Venues returns venue names in registration order.
func (e *Engine) Venues() []string { return e.gateways.Names() }

func (e *Engine) venue(name string) (*venue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, nil
}

// SendOrder places ins on venueName and returns the venue's order id. An
// empty id from the venue is a rejection.
func (e *Engine) SendOrder(ctx context.Context, venueName string, ins Instruction) (string, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return "", err
	}
	if err := v.portfolio.Halted(ins.Security); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSecurityHalted, ins.Security, err)
	}
	if ins.Type == "" {
		ins.Type = domain.OrderTypeMarket
	}
	if ins.TimeInForce == "" {
		ins.TimeInForce = domain.TimeInForceDay
	}

	o := domain.Order{
		Security:    ins.Security,
		Price:       ins.Price,
		Quantity:    ins.Quantity,
		Direction:   ins.Direction,
		Offset:      ins.Offset,
		Type:        ins.Type,
		TimeInForce: ins.TimeInForce,
		Status:      domain.OrderStatusUnknown,
	}
	if err := o.Transition(domain.OrderStatusSubmitting, v.portfolio.Clock()); err != nil {
		return "", err
	}
	e.bus.Publish(events.EventOrderSubmitted, events.OrderEvent{Venue: venueName, Order: o})

	id, err := v.gw.PlaceOrder(ctx, o)
	if err == nil && id == "" {
		err = fmt.Errorf("%w: venue returned no order id", gateway.ErrRejected)
	}
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			e.gateways.Report(venueName, err)
		}
		o.Status = domain.OrderStatusFailed
		e.bus.Publish(events.EventOrderRejected, events.OrderEvent{Venue: venueName, Order: o, Err: err.Error()})
		e.logger.Warn("engine: order rejected",
			zap.String("venue", venueName),
			zap.String("security", ins.Security.String()),
			zap.String("direction", string(ins.Direction)),
			zap.String("offset", string(ins.Offset)),
			zap.Float64("qty", ins.Quantity),
			zap.Error(err))
		return "", err
	}
	o.ID = id
	e.bus.Publish(events.EventOrderAccepted, events.OrderEvent{Venue: venueName, Order: o})
	e.logger.Info("engine: order placed",
		zap.String("venue", venueName),
		zap.String("order_id", id),
		zap.String("security", ins.Security.String()),
		zap.String("direction", string(ins.Direction)),
		zap.String("offset", string(ins.Offset)),
		zap.Float64("price", ins.Price),
		zap.Float64("qty", ins.Quantity))

	if e.cfg.PlaceOrderDelay > 0 && !v.gw.TradeMode().IsReplay() {
		t := time.NewTimer(e.cfg.PlaceOrderDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return id, ctx.Err()
		}
	}
	return id, nil
}

// GetOrder waits for the venue's acknowledgement of orderID. Each attempt
// is bounded by PollTimeout and throttled by the venue limiter; running
// out of attempts returns ledger.ErrOrderPending.
func (e *Engine) GetOrder(ctx context.Context, venueName, orderID string) (domain.Order, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.Order{}, err
	}
	return e.getOrder(ctx, v, orderID)
}

func (e *Engine) getOrder(ctx context.Context, v *venue, orderID string) (domain.Order, error) {
	l := v.gw.Ledger()
	if o, ok := l.LookupOrder(orderID); ok {
		return o, nil
	}
	for attempt := 1; attempt <= e.cfg.PollAttempts; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			return domain.Order{}, err
		}
		actx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
		o, err := l.GetOrder(actx, orderID)
		cancel()
		if err == nil {
			return o, nil
		}
		if ctx.Err() != nil {
			return domain.Order{}, ctx.Err()
		}
		if !errors.Is(err, ledger.ErrOrderPending) {
			return domain.Order{}, err
		}
		e.logger.Debug("engine: order still pending",
			zap.String("venue", v.gw.Name()),
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt))
	}
	return domain.Order{}, fmt.Errorf("%w: %s after %d attempts", ledger.ErrOrderPending, orderID, e.cfg.PollAttempts)
}

// AwaitOrder waits until orderID reaches a terminal status or the poll
// budget runs out. In the latter case the last seen order is returned with
// ledger.ErrOrderPending.
func (e *Engine) AwaitOrder(ctx context.Context, venueName, orderID string) (domain.Order, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.Order{}, err
	}
	o, err := e.getOrder(ctx, v, orderID)
	if err != nil {
		return o, err
	}
	l := v.gw.Ledger()
	deadline := time.Duration(e.cfg.PollAttempts) * e.cfg.PollTimeout
	wait := e.cfg.PollTimeout / 20
	if wait <= 0 {
		wait = time.Millisecond
	}
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	for !o.Status.Terminal() {
		if err := v.limiter.Wait(ctx); err != nil {
			return o, err
		}
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-timeout.C:
			return o, fmt.Errorf("%w: %s still %s", ledger.ErrOrderPending, orderID, o.Status)
		case <-time.After(wait):
		}
		if cur, ok := l.LookupOrder(orderID); ok {
			o = cur
		}
	}
	e.publishFinal(v.gw.Name(), o)
	return o, nil
}

func (e *Engine) publishFinal(venueName string, o domain.Order) {
	switch o.Status {
	case domain.OrderStatusFilled:
		e.bus.Publish(events.EventOrderFilled, events.OrderEvent{Venue: venueName, Order: o})
	case domain.OrderStatusCancelled:
		e.bus.Publish(events.EventOrderCancelled, events.OrderEvent{Venue: venueName, Order: o})
	case domain.OrderStatusFailed:
		e.bus.Publish(events.EventOrderRejected, events.OrderEvent{Venue: venueName, Order: o})
	}
}

// CancelOrder forwards a cancel request. The outcome arrives through the
// venue's ledger.
func (e *Engine) CancelOrder(ctx context.Context, venueName, orderID string) error {
	v, err := e.venue(venueName)
	if err != nil {
		return err
	}
	if err := v.gw.CancelOrder(ctx, orderID); err != nil {
		e.logger.Warn("engine: cancel failed", zap.String("venue", venueName), zap.String("order_id", orderID), zap.Error(err))
		return err
	}
	return nil
}

// LookupOrder returns the venue's current view of orderID without waiting.
func (e *Engine) LookupOrder(venueName, orderID string) (domain.Order, bool, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.Order{}, false, err
	}
	o, ok := v.gw.Ledger().LookupOrder(orderID)
	return o, ok, nil
}

// FindDealsWithOrder returns the deals of orderID in delivery order.
func (e *Engine) FindDealsWithOrder(venueName, orderID string) ([]domain.Deal, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	return v.gw.Ledger().FindDealsWithOrder(orderID), nil
}

// ApplyDeals applies every deal of orderID not yet applied to each of
// portfolios, in delivery order. With no portfolios given the venue's
// engine portfolio is used. It returns the number of new applications.
func (e *Engine) ApplyDeals(venueName, orderID string, portfolios ...*portfolio.Portfolio) (int, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return 0, err
	}
	if len(portfolios) == 0 {
		portfolios = []*portfolio.Portfolio{v.portfolio}
	}
	deals := v.gw.Ledger().FindDealsWithOrder(orderID)

	var errs error
	applied := 0
	for _, p := range portfolios {
		var fresh []domain.Deal
		for _, d := range deals {
			err := p.Update(d)
			switch {
			case err == nil:
				fresh = append(fresh, d)
			case errors.Is(err, portfolio.ErrAlreadyApplied):
			default:
				errs = multierr.Append(errs, err)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		applied += len(fresh)
		e.bus.Publish(events.EventPositionChange, events.PositionEvent{
			Venue:    venueName,
			OrderID:  orderID,
			Deals:    fresh,
			Cash:     p.Balance().Cash,
			Strategy: p != v.portfolio,
		})
	}
	return applied, errs
}

// Orders returns every order the venue reported.
func (e *Engine) Orders(venueName string) ([]domain.Order, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	return v.gw.Ledger().Orders(), nil
}

// Deals returns every deal the venue reported.
func (e *Engine) Deals(venueName string) ([]domain.Deal, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	return v.gw.Ledger().Deals(), nil
}

// Portfolio returns the engine portfolio of venueName.
func (e *Engine) Portfolio(venueName string) (*portfolio.Portfolio, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	return v.portfolio, nil
}

// GetBalance returns the engine-side cash balance.
func (e *Engine) GetBalance(venueName string) (domain.AccountBalance, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	return v.portfolio.Balance(), nil
}

// GetPosition returns the engine-side entry for (sec, dir).
func (e *Engine) GetPosition(venueName string, sec domain.Security, dir domain.Direction) (domain.PositionData, bool, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.PositionData{}, false, err
	}
	pd, ok := v.portfolio.Position(sec, dir)
	return pd, ok, nil
}

// GetAllPositions returns every engine-side entry.
func (e *Engine) GetAllPositions(venueName string) ([]domain.PositionData, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	return v.portfolio.Positions(), nil
}

// GetBrokerBalance queries the venue's account. Repeated failures open the
// venue circuit.
func (e *Engine) GetBrokerBalance(ctx context.Context, venueName string) (domain.AccountBalance, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	if err := e.gateways.Allow(venueName); err != nil {
		return domain.AccountBalance{}, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	bal, err := v.gw.BrokerBalance(ctx)
	e.gateways.Report(venueName, err)
	if err != nil {
		return domain.AccountBalance{}, unavailable(err)
	}
	return bal, nil
}

// GetAllBrokerPositions queries the venue's positions.
func (e *Engine) GetAllBrokerPositions(ctx context.Context, venueName string) ([]domain.PositionData, error) {
	v, err := e.venue(venueName)
	if err != nil {
		return nil, err
	}
	if err := e.gateways.Allow(venueName); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	list, err := v.gw.BrokerPositions(ctx)
	e.gateways.Report(venueName, err)
	if err != nil {
		return nil, unavailable(err)
	}
	return list, nil
}

type brokerFunc struct {
	balance   func(ctx context.Context) (domain.AccountBalance, error)
	positions func(ctx context.Context) ([]domain.PositionData, error)
}

func (b brokerFunc) BrokerBalance(ctx context.Context) (domain.AccountBalance, error) {
	return b.balance(ctx)
}

func (b brokerFunc) BrokerPositions(ctx context.Context) ([]domain.PositionData, error) {
	return b.positions(ctx)
}

func (e *Engine) broker(venueName string) portfolio.Broker {
	return brokerFunc{
		balance: func(ctx context.Context) (domain.AccountBalance, error) {
			return e.GetBrokerBalance(ctx, venueName)
		},
		positions: func(ctx context.Context) ([]domain.PositionData, error) {
			return e.GetAllBrokerPositions(ctx, venueName)
		},
	}
}

// SyncBrokerBalance replaces the engine cash balance with the broker's.
func (e *Engine) SyncBrokerBalance(ctx context.Context, venueName string) error {
	v, err := e.venue(venueName)
	if err != nil {
		return err
	}
	return v.portfolio.SyncBalance(ctx, e.broker(venueName))
}

// SyncBrokerPosition replaces the engine position book with the broker's
// and lifts halts on the venue.
func (e *Engine) SyncBrokerPosition(ctx context.Context, venueName string) error {
	v, err := e.venue(venueName)
	if err != nil {
		return err
	}
	if err := v.portfolio.SyncPositions(ctx, e.broker(venueName)); err != nil {
		return err
	}
	e.logger.Info("engine: positions synchronized from broker", zap.String("venue", venueName))
	return nil
}

// Status summarizes every venue.
func (e *Engine) Status() Status {
	st := Status{StartedAt: e.started}
	for _, name := range e.gateways.Names() {
		v, err := e.venue(name)
		if err != nil {
			continue
		}
		vs := VenueStatus{
			Name:      name,
			TradeMode: v.gw.TradeMode(),
			Orders:    len(v.gw.Ledger().Orders()),
			Deals:     len(v.gw.Ledger().Deals()),
		}
		vs.Health, _ = e.gateways.Health(name)
		vs.Stale, _ = v.portfolio.Stale()
		for _, k := range v.portfolio.HaltedSecurities() {
			vs.Halted = append(vs.Halted, k.Code)
		}
		st.Venues = append(st.Venues, vs)
	}
	return st
}

func unavailable(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}
