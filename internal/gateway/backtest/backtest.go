// Package backtest is a replay venue: it serves historical bars at the
// scheduler clock and fills accepted orders synchronously. LIMIT orders the
// current bar does not reach rest until a later bar does.
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/ledger"
	"quant-trader/internal/portfolio"
)

// Config configures a replay venue.
type Config struct {
	Name    string
	Dataset *data.Dataset
	Fees    fees.Model
	// Balance seeds the simulated broker account.
	Balance           domain.AccountBalance
	ShortInterestRate float64
	LedgerOptions     []ledger.Option
	Logger            *zap.Logger
}

// Gateway is a deterministic replay venue. Ids are derived from the venue
// name and a sequence so two runs over the same data produce the same ids.
type Gateway struct {
	name    string
	dataset *data.Dataset
	fees    fees.Model
	ledger  *ledger.Ledger
	broker  *portfolio.Portfolio
	logger  *zap.Logger

	mu         sync.Mutex
	marketTime time.Time
	orderSeq   int
	dealSeq    int
	working    []string // resting LIMIT order ids in placement order
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a replay venue over cfg.Dataset.
func New(cfg Config) *Gateway {
	if cfg.Name == "" {
		cfg.Name = "Backtest"
	}
	if cfg.Fees == nil {
		cfg.Fees = fees.Zero{}
	}
	if cfg.Dataset == nil {
		cfg.Dataset = data.NewDataset(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Gateway{
		name:    cfg.Name,
		dataset: cfg.Dataset,
		fees:    cfg.Fees,
		logger:  cfg.Logger.With(zap.String("venue", cfg.Name)),
	}
	opts := append([]ledger.Option{ledger.WithLogger(cfg.Logger)}, cfg.LedgerOptions...)
	g.ledger = ledger.New(cfg.Name, opts...)
	g.broker = portfolio.New(g, portfolio.Config{
		Balance:           cfg.Balance,
		ShortInterestRate: cfg.ShortInterestRate,
		Now:               g.MarketTime,
		Logger:            cfg.Logger,
	})
	return g
}

func (g *Gateway) Name() string                { return g.name }
func (g *Gateway) TradeMode() domain.TradeMode { return domain.TradeModeBacktest }
func (g *Gateway) Ledger() *ledger.Ledger      { return g.ledger }

// SetMarketTime moves the venue clock; the scheduler calls it every tick.
// Resting LIMIT orders whose price the new bar reaches fill at that price.
func (g *Gateway) SetMarketTime(t time.Time) {
	g.mu.Lock()
	g.marketTime = t
	working := g.working
	g.working = nil
	g.mu.Unlock()

	var still []string
	for _, id := range working {
		o, ok := g.ledger.LookupOrder(id)
		if !ok || o.Status.Terminal() {
			continue
		}
		bar, ok := g.dataset.Bar(o.Security, t)
		if !ok || !reaches(bar, o) {
			still = append(still, id)
			continue
		}
		if err := g.fill(o, o.Price, t); err != nil {
			g.logger.Warn("backtest: resting order fill failed", zap.String("order_id", id), zap.Error(err))
		}
	}

	g.mu.Lock()
	g.working = append(still, g.working...)
	g.mu.Unlock()
}

// MarketTime returns the venue clock.
func (g *Gateway) MarketTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marketTime
}

// BarAt returns the bar stamped exactly at t.
func (g *Gateway) BarAt(sec domain.Security, t time.Time) (domain.Bar, bool) {
	return g.dataset.Bar(sec, t)
}

// Span returns the dataset time range.
func (g *Gateway) Span() (time.Time, time.Time, bool) {
	return g.dataset.Span()
}

// RecentBar returns the latest bar at or before at.
func (g *Gateway) RecentBar(sec domain.Security, at time.Time) (domain.Bar, bool) {
	return g.dataset.Last(sec, at)
}

// Fees applies the configured fee model.
func (g *Gateway) Fees(deals ...domain.Deal) fees.Breakdown {
	return g.fees.Fees(deals...)
}

// PlaceOrder acknowledges o and, unless it is a LIMIT order the latest bar
// does not reach, fully fills it before returning. Orders without a price
// fill at the latest close. An order for a security with no bar yet, or
// with a non-positive quantity, is rejected.
func (g *Gateway) PlaceOrder(ctx context.Context, o domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if o.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity %v", gateway.ErrRejected, o.Quantity)
	}
	if o.Type == domain.OrderTypeLimit && o.Price <= 0 {
		return "", fmt.Errorf("%w: limit order without price", gateway.ErrRejected)
	}

	g.mu.Lock()
	at := g.marketTime
	g.orderSeq++
	orderID := g.id("order", g.orderSeq)
	g.mu.Unlock()

	bar, ok := g.dataset.Last(o.Security, at)
	if !ok {
		g.logger.Warn("backtest: no bar for order", zap.String("security", o.Security.String()), zap.Time("at", at))
		return "", fmt.Errorf("%w: no market data for %s at %s", gateway.ErrRejected, o.Security, at)
	}
	price := o.Price
	if price <= 0 {
		price = bar.Close
	}

	o.ID = orderID
	o.Status = domain.OrderStatusSubmitted
	o.UpdatedAt = at
	if o.CreatedAt.IsZero() {
		o.CreatedAt = at
	}
	if err := g.ledger.PutOrder(o); err != nil {
		return "", err
	}

	if o.Type == domain.OrderTypeLimit && !reaches(bar, o) {
		g.mu.Lock()
		g.working = append(g.working, orderID)
		g.mu.Unlock()
		return orderID, nil
	}
	if err := g.fill(o, price, at); err != nil {
		return orderID, err
	}
	return orderID, nil
}

// reaches reports whether bar trades through the limit price of o.
func reaches(bar domain.Bar, o domain.Order) bool {
	if o.Direction == domain.DirectionShort {
		return bar.High >= o.Price
	}
	return bar.Low <= o.Price
}

func (g *Gateway) fill(o domain.Order, price float64, at time.Time) error {
	g.mu.Lock()
	g.dealSeq++
	dealID := g.id("deal", g.dealSeq)
	g.mu.Unlock()

	d := domain.Deal{
		ID:        dealID,
		OrderID:   o.ID,
		Security:  o.Security,
		Direction: o.Direction,
		Offset:    o.Offset,
		Type:      o.Type,
		Price:     price,
		Quantity:  o.Remaining(),
		At:        at,
	}
	if err := g.ledger.RecordFill(d); err != nil {
		return err
	}
	if err := g.broker.Update(d); err != nil {
		g.logger.Warn("backtest: simulated broker rejected deal", zap.String("deal_id", d.ID), zap.Error(err))
	}
	return nil
}

// CancelOrder cancels a resting order. Final orders are left as they are.
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	o, ok := g.ledger.LookupOrder(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", gateway.ErrUnknownOrder, orderID)
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = g.MarketTime()
	return g.ledger.PutOrder(o)
}

// BrokerBalance returns the simulated account.
func (g *Gateway) BrokerBalance(ctx context.Context) (domain.AccountBalance, error) {
	return g.broker.Balance(), nil
}

// BrokerPositions returns the simulated positions.
func (g *Gateway) BrokerPositions(ctx context.Context) ([]domain.PositionData, error) {
	return g.broker.Positions(), nil
}

func (g *Gateway) id(kind string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%s/%d", g.name, kind, seq))).String()
}
