// Package paper is a simulated live venue. Orders are acknowledged at once
// and filled in the background after a random gateway latency, at the
// latest cached quote plus slippage.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/ledger"
	"quant-trader/internal/market"
	"quant-trader/internal/portfolio"
)

// Config configures a paper venue.
type Config struct {
	Name   string
	Quotes *market.QuoteCache
	Fees   fees.Model
	// Balance seeds the simulated broker account.
	Balance           domain.AccountBalance
	ShortInterestRate float64
	SlippageBps       float64 // basis points applied against the order side
	LatencyMin        time.Duration
	LatencyMax        time.Duration
	// PartialFills splits every fill into two executions.
	PartialFills  bool
	Seed          int64
	LedgerOptions []ledger.Option
	Logger        *zap.Logger
	Now           func() time.Time
}

// Gateway simulates a broker connection against live quotes.
type Gateway struct {
	cfg    Config
	ledger *ledger.Ledger
	broker *portfolio.Portfolio
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	cashMu sync.Mutex // serializes the cash check with the broker update

	wg     sync.WaitGroup
	done   chan struct{}
	closed sync.Once
}

var (
	_ gateway.Gateway = (*Gateway)(nil)
	_ gateway.Closer  = (*Gateway)(nil)
)

// New creates a paper venue priced from cfg.Quotes.
func New(cfg Config) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "Paper"
	}
	if cfg.Quotes == nil {
		cfg.Quotes = market.NewQuoteCache()
	}
	if cfg.Fees == nil {
		cfg.Fees = fees.Zero{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Gateway{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("venue", cfg.Name)),
		rng:    rand.New(rand.NewSource(seed)),
		done:   make(chan struct{}),
	}
	opts := append([]ledger.Option{ledger.WithLogger(cfg.Logger)}, cfg.LedgerOptions...)
	g.ledger = ledger.New(cfg.Name, opts...)
	g.broker = portfolio.New(g, portfolio.Config{
		Balance:           cfg.Balance,
		ShortInterestRate: cfg.ShortInterestRate,
		Now:               cfg.Now,
		Logger:            cfg.Logger,
	})
	return g
}

func (g *Gateway) Name() string                { return g.cfg.Name }
func (g *Gateway) TradeMode() domain.TradeMode { return domain.TradeModeSimulate }
func (g *Gateway) Ledger() *ledger.Ledger      { return g.ledger }

// Quotes returns the price cache the venue fills against.
func (g *Gateway) Quotes() *market.QuoteCache { return g.cfg.Quotes }

// RecentBar returns the latest cached quote as a bar.
func (g *Gateway) RecentBar(sec domain.Security, at time.Time) (domain.Bar, bool) {
	return g.cfg.Quotes.RecentBar(sec, at)
}

// Fees applies the configured fee model.
func (g *Gateway) Fees(deals ...domain.Deal) fees.Breakdown {
	return g.cfg.Fees.Fees(deals...)
}

// PlaceOrder acknowledges o and fills it asynchronously. The returned id is
// known to the ledger before PlaceOrder returns.
func (g *Gateway) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-g.done:
		return "", fmt.Errorf("%w: %s closed", gateway.ErrUnavailable, g.cfg.Name)
	default:
	}
	if o.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity %v", gateway.ErrRejected, o.Quantity)
	}
	if o.Type == domain.OrderTypeLimit && o.Price <= 0 {
		return "", fmt.Errorf("%w: limit order without price", gateway.ErrRejected)
	}

	now := g.cfg.Now()
	o.ID = "paper-sim-order-" + uuid.NewString()
	o.Status = domain.OrderStatusSubmitting
	o.CreatedAt = now
	o.UpdatedAt = now
	o.FilledQuantity = 0
	o.FilledAvgPrice = 0
	if err := g.ledger.PutOrder(o); err != nil {
		return "", err
	}

	g.wg.Add(1)
	go g.execute(o)
	return o.ID, nil
}

func (g *Gateway) execute(o domain.Order) {
	defer g.wg.Done()

	if d := g.latency(); d > 0 {
		select {
		case <-time.After(d):
		case <-g.done:
			g.fail(o, "venue closed")
			return
		}
	}
	if cur, ok := g.ledger.LookupOrder(o.ID); ok && cur.Status.Terminal() {
		return
	}

	price, ok := g.fillPrice(o)
	if !ok {
		g.fail(o, "no quote")
		return
	}

	g.cashMu.Lock()
	defer g.cashMu.Unlock()

	if o.Direction == domain.DirectionLong && !o.Offset.IsClose() {
		quote := domain.Deal{Security: o.Security, Direction: o.Direction, Offset: o.Offset, Type: o.Type, Price: price, Quantity: o.Quantity}
		need := quote.Notional() + g.cfg.Fees.Fees(quote).Total
		if cash := g.broker.Balance().Cash; need > cash {
			g.fail(o, fmt.Sprintf("insufficient cash: need %.2f have %.2f", need, cash))
			return
		}
	}

	ack := o
	ack.Status = domain.OrderStatusSubmitted
	ack.UpdatedAt = g.cfg.Now()
	if err := g.ledger.PutOrder(ack); err != nil {
		// cancelled while we were pricing
		return
	}

	parts := []float64{o.Quantity}
	if g.cfg.PartialFills && o.Quantity > 1 {
		first := float64(int(o.Quantity / 2))
		parts = []float64{first, o.Quantity - first}
	}
	for _, qty := range parts {
		if cur, ok := g.ledger.LookupOrder(o.ID); ok && cur.Status.Terminal() {
			return
		}
		d := domain.Deal{
			ID:        "paper-sim-deal-" + uuid.NewString(),
			OrderID:   o.ID,
			Security:  o.Security,
			Direction: o.Direction,
			Offset:    o.Offset,
			Type:      o.Type,
			Price:     price,
			Quantity:  qty,
			At:        g.cfg.Now(),
		}
		if err := g.ledger.RecordFill(d); err != nil {
			g.logger.Warn("paper: fill not recorded", zap.String("order_id", o.ID), zap.Error(err))
			return
		}
		if err := g.broker.Update(d); err != nil {
			g.logger.Warn("paper: simulated broker rejected deal", zap.String("deal_id", d.ID), zap.Error(err))
		}
		g.logger.Info("paper: filled",
			zap.String("order_id", o.ID),
			zap.String("security", o.Security.String()),
			zap.Float64("price", price),
			zap.Float64("qty", qty))
	}
}

func (g *Gateway) fail(o domain.Order, reason string) {
	o.Status = domain.OrderStatusFailed
	o.UpdatedAt = g.cfg.Now()
	if err := g.ledger.PutOrder(o); err != nil {
		return
	}
	g.logger.Warn("paper: order failed", zap.String("order_id", o.ID), zap.String("reason", reason))
}

func (g *Gateway) fillPrice(o domain.Order) (float64, bool) {
	price := o.Price
	if o.Type != domain.OrderTypeLimit || price <= 0 {
		q, ok := g.cfg.Quotes.Latest(o.Security)
		if !ok || q.LastPrice <= 0 {
			return 0, false
		}
		price = q.LastPrice
	}
	if frac := g.cfg.SlippageBps / 10000.0; frac > 0 {
		g.rngMu.Lock()
		noise := g.rng.Float64() * frac
		g.rngMu.Unlock()
		if o.Direction == domain.DirectionLong {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}
	return price, true
}

func (g *Gateway) latency() time.Duration {
	lo, hi := g.cfg.LatencyMin, g.cfg.LatencyMax
	if hi <= 0 {
		return lo
	}
	span := int64(hi - lo)
	if span <= 0 {
		return lo
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return lo + time.Duration(g.rng.Int63n(span+1))
}

// CancelOrder cancels an order that has not completely filled.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	o, ok := g.ledger.LookupOrder(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", gateway.ErrUnknownOrder, orderID)
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = g.cfg.Now()
	if err := g.ledger.PutOrder(o); err != nil {
		// raced with the final fill
		if cur, ok := g.ledger.LookupOrder(orderID); ok && cur.Status.Terminal() {
			return nil
		}
		return err
	}
	return nil
}

// BrokerBalance returns the simulated account.
func (g *Gateway) BrokerBalance(ctx context.Context) (domain.AccountBalance, error) {
	return g.broker.Balance(), nil
}

// BrokerPositions returns the simulated positions.
func (g *Gateway) BrokerPositions(ctx context.Context) ([]domain.PositionData, error) {
	return g.broker.Positions(), nil
}

// Close stops accepting orders and waits for in-flight fills.
func (g *Gateway) Close() error {
	g.closed.Do(func() { close(g.done) })
	g.wg.Wait()
	return nil
}
