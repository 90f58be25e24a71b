// Package portfolio binds a cash balance and a position book to one venue
// and values them against that venue's prices.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/position"
)

var (
	// ErrAlreadyApplied means the deal id was applied before.
	ErrAlreadyApplied = errors.New("portfolio: deal already applied")
	// ErrHalted means the security's book diverged from the venue.
	ErrHalted = errors.New("portfolio: security halted")
)

// Market is the venue side a portfolio reads prices and fees from.
type Market interface {
	Name() string
	RecentBar(sec domain.Security, at time.Time) (domain.Bar, bool)
	Fees(deals ...domain.Deal) fees.Breakdown
}

// Broker serves account snapshots for synchronization.
type Broker interface {
	BrokerBalance(ctx context.Context) (domain.AccountBalance, error)
	BrokerPositions(ctx context.Context) ([]domain.PositionData, error)
}

// Config configures a Portfolio.
type Config struct {
	Balance           domain.AccountBalance
	CostBasis         position.CostBasis
	ShortInterestRate float64          // annualized, charged when a short is bought back
	Now               func() time.Time // market clock used for valuation
	Logger            *zap.Logger
}

// Valuation is a mark-to-market snapshot.
type Valuation struct {
	Value float64   `json:"value"`
	Cash  float64   `json:"cash"`
	At    time.Time `json:"at"`
	// Estimated is set when some security had no price and was valued at
	// its holding prices. Such values are for reporting only.
	Estimated bool     `json:"estimated"`
	Unpriced  []string `json:"unpriced,omitempty"`
	// Stale is set when the last broker refresh failed.
	Stale bool `json:"stale"`
}

// Portfolio is written by one goroutine (the scheduler); concurrent
// readers see each deal fully applied or not at all.
type Portfolio struct {
	mu        sync.RWMutex
	market    Market
	balance   domain.AccountBalance
	book      *position.Book
	shortRate float64
	now       func() time.Time
	logger    *zap.Logger

	applied  map[string]struct{}
	halted   map[domain.SecurityKey]error
	// balance and positions refresh independently; either failing leaves
	// the portfolio stale until that same query succeeds again.
	balanceErr   error
	positionsErr error
	synced       time.Time
}

// New creates a portfolio on market.
func New(market Market, cfg Config) *Portfolio {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Portfolio{
		market:    market,
		balance:   cfg.Balance.Clone(),
		book:      position.NewBook(cfg.CostBasis),
		shortRate: cfg.ShortInterestRate,
		now:       cfg.Now,
		logger:    cfg.Logger.With(zap.String("venue", market.Name())),
		applied:   make(map[string]struct{}),
		halted:    make(map[domain.SecurityKey]error),
	}
}

// Market returns the bound venue.
func (p *Portfolio) Market() Market { return p.market }

// Clock returns the market time valuations are taken at.
func (p *Portfolio) Clock() time.Time { return p.now() }

// Update applies one deal: fee, cash movement, short interest and the
// position change, as one step. If the position book rejects the deal the
// cash is left untouched and the security is halted.
func (p *Portfolio) Update(d domain.Deal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.ID != "" {
		if _, ok := p.applied[d.ID]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyApplied, d.ID)
		}
	}

	var interest float64
	if d.Direction == domain.DirectionLong && d.Offset.IsClose() {
		// Only buy-to-cover accrues interest; selling out a long book does not.
		if short, ok := p.book.Get(d.Security, domain.DirectionShort); ok {
			days := math.Floor(d.At.Sub(short.UpdatedAt).Hours() / 24)
			if days < 0 {
				days = 0
			}
			interest = short.HoldingPrice * short.Quantity * days / 365 * p.shortRate
		}
	}

	change, err := p.book.Update(domain.PositionData{
		Security:     d.Security,
		Direction:    d.Direction,
		HoldingPrice: d.Price,
		Quantity:     d.Quantity,
		UpdatedAt:    d.At,
	}, d.Offset)
	if err != nil {
		if position.IsIntegrity(err) {
			p.halted[d.Security.Key()] = err
			p.logger.Error("portfolio: book diverged from venue, security halted",
				zap.String("security", d.Security.String()),
				zap.String("deal_id", d.ID),
				zap.String("order_id", d.OrderID),
				zap.Error(err))
		}
		return fmt.Errorf("portfolio: apply deal %s: %w", d.ID, err)
	}

	fee := p.market.Fees(d).Total
	p.balance.Cash -= fee
	switch d.Direction {
	case domain.DirectionLong:
		p.balance.Cash -= d.Notional()
		p.balance.Cash -= interest
	case domain.DirectionShort:
		p.balance.Cash += d.Notional()
	}
	p.balance.AvailableCash = p.balance.Cash
	p.balance.RealizedPnL += change.Realized

	if d.ID != "" {
		p.applied[d.ID] = struct{}{}
	}
	p.logger.Debug("portfolio: deal applied",
		zap.String("deal_id", d.ID),
		zap.String("security", d.Security.String()),
		zap.String("direction", string(d.Direction)),
		zap.String("offset", string(d.Offset)),
		zap.Float64("price", d.Price),
		zap.Float64("qty", d.Quantity),
		zap.Float64("fee", fee),
		zap.Float64("short_interest", interest),
		zap.Float64("cash", p.balance.Cash))
	return nil
}

// Value is the mark-to-market value at the market clock.
func (p *Portfolio) Value() float64 {
	return p.Valuation().Value
}

// Valuation values cash plus every held entry at the latest price,
// LONG positive and SHORT negative. A security without a price is valued
// at the mean of its entries' holding prices and flagged Estimated.
func (p *Portfolio) Valuation() Valuation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	at := p.now()
	v := Valuation{Value: p.balance.Cash, Cash: p.balance.Cash, At: at, Stale: p.isStale()}
	entries := p.book.All()
	for i := 0; i < len(entries); {
		sec := entries[i].Security
		j := i
		for j < len(entries) && entries[j].Security.Key() == sec.Key() {
			j++
		}
		group := entries[i:j]

		price, ok := 0.0, false
		if bar, found := p.market.RecentBar(sec, at); found {
			price, ok = bar.Close, true
		}
		if !ok {
			for _, e := range group {
				price += e.HoldingPrice
			}
			price /= float64(len(group))
			v.Estimated = true
			v.Unpriced = append(v.Unpriced, sec.String())
		}
		for _, e := range group {
			amount := price * e.Quantity * sec.Lot()
			if e.Direction == domain.DirectionShort {
				amount = -amount
			}
			v.Value += amount
		}
		i = j
	}
	return v
}

// Balance returns a copy of the cash balance.
func (p *Portfolio) Balance() domain.AccountBalance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance.Clone()
}

// Position returns the entry for (sec, dir).
func (p *Portfolio) Position(sec domain.Security, dir domain.Direction) (domain.PositionData, bool) {
	return p.book.Get(sec, dir)
}

// Positions returns every held entry.
func (p *Portfolio) Positions() []domain.PositionData {
	return p.book.All()
}

// Book exposes the position book for read-only inspection.
func (p *Portfolio) Book() *position.Book { return p.book }

// Halted reports whether automated decisions on sec are suspended.
func (p *Portfolio) Halted(sec domain.Security) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err, ok := p.halted[sec.Key()]; ok {
		return fmt.Errorf("%w: %s: %v", ErrHalted, sec, err)
	}
	return nil
}

// HaltedSecurities lists suspended securities.
func (p *Portfolio) HaltedSecurities() []domain.SecurityKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.SecurityKey, 0, len(p.halted))
	for k := range p.halted {
		out = append(out, k)
	}
	return out
}

// Resume lifts a halt after the book has been reconciled.
func (p *Portfolio) Resume(sec domain.Security) {
	p.mu.Lock()
	delete(p.halted, sec.Key())
	p.mu.Unlock()
}

// Stale reports whether the last balance or position refresh failed, and why.
func (p *Portfolio) Stale() (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isStale(), multierr.Combine(p.balanceErr, p.positionsErr)
}

func (p *Portfolio) isStale() bool { return p.balanceErr != nil || p.positionsErr != nil }

// SyncedAt is the time of the last successful broker refresh.
func (p *Portfolio) SyncedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.synced
}

// SyncBalance replaces the cash balance with the broker's. On failure the
// last-known balance is kept and the portfolio is flagged stale.
func (p *Portfolio) SyncBalance(ctx context.Context, b Broker) error {
	bal, err := b.BrokerBalance(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.balanceErr = unavailable(err)
		return p.logStale("balance", p.balanceErr)
	}
	p.balance = bal.Clone()
	p.balanceErr = nil
	p.markSynced()
	return nil
}

// SyncPositions replaces the book with the broker's positions and lifts
// every halt, since the broker is now the reference. On failure the
// last-known book is kept and the portfolio is flagged stale.
func (p *Portfolio) SyncPositions(ctx context.Context, b Broker) error {
	list, err := b.BrokerPositions(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.positionsErr = unavailable(err)
		return p.logStale("positions", p.positionsErr)
	}
	if err := p.book.Replace(list); err != nil {
		return fmt.Errorf("portfolio: replace positions: %w", err)
	}
	p.halted = make(map[domain.SecurityKey]error)
	p.positionsErr = nil
	p.markSynced()
	return nil
}

// Refresh pulls both the broker balance and positions.
func (p *Portfolio) Refresh(ctx context.Context, b Broker) error {
	return multierr.Append(p.SyncBalance(ctx, b), p.SyncPositions(ctx, b))
}

func unavailable(err error) error {
	if errors.Is(err, gateway.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
}

func (p *Portfolio) logStale(what string, err error) error {
	p.logger.Warn("portfolio: broker refresh failed, keeping last-known state", zap.String("query", what), zap.Error(err))
	return err
}

// markSynced records a successful refresh once neither query is failing.
func (p *Portfolio) markSynced() {
	if !p.isStale() {
		p.synced = time.Now()
	}
}
