package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/position"
)

var x = domain.Security{Code: "X", Name: "X", LotSize: 1, Exchange: domain.ExchangeSMART}

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
	fee    float64
}

func (m *fakeMarket) Name() string { return "fake" }

func (m *fakeMarket) RecentBar(sec domain.Security, at time.Time) (domain.Bar, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[sec.Code]
	return domain.Bar{Security: sec, Close: p, Datetime: at}, ok
}

func (m *fakeMarket) Fees(deals ...domain.Deal) fees.Breakdown {
	return fees.Breakdown{Total: m.fee * float64(len(deals))}
}

type fakeBroker struct {
	balance   domain.AccountBalance
	positions []domain.PositionData
	err       error
}

func (b fakeBroker) BrokerBalance(context.Context) (domain.AccountBalance, error) {
	return b.balance, b.err
}

func (b fakeBroker) BrokerPositions(context.Context) ([]domain.PositionData, error) {
	return b.positions, b.err
}

var dealSeq int

func deal(dir domain.Direction, off domain.Offset, price, qty float64, at time.Time) domain.Deal {
	dealSeq++
	return domain.Deal{
		ID:        fmt.Sprintf("d%d", dealSeq),
		OrderID:   "o",
		Security:  x,
		Direction: dir,
		Offset:    off,
		Price:     price,
		Quantity:  qty,
		At:        at,
	}
}

func newPortfolio(m Market, cash float64) *Portfolio {
	return New(m, Config{Balance: domain.AccountBalance{Cash: cash}})
}

func TestScenarioOpenOpenClose(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := newPortfolio(m, 100000)
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 10, 100, t0)))
	assert.InDelta(t, 99000, p.Balance().Cash, 1e-9)
	pos, ok := p.Position(x, domain.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 10, pos.HoldingPrice, 1e-9)

	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 12, 50, t0)))
	assert.InDelta(t, 98400, p.Balance().Cash, 1e-9)
	pos, _ = p.Position(x, domain.DirectionLong)
	assert.InDelta(t, (10*100+12*50)/150.0, pos.HoldingPrice, 1e-9)
	assert.InDelta(t, 150, pos.Quantity, 1e-9)

	require.NoError(t, p.Update(deal(domain.DirectionShort, domain.OffsetClose, 11, 150, t0)))
	assert.InDelta(t, 100050, p.Balance().Cash, 1e-9)
	assert.Empty(t, p.Positions())
	assert.False(t, p.Book().Has(x))
}

func TestFeeCashConservation(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}, fee: 3.5}
	sec := domain.Security{Code: "L", Name: "L", LotSize: 100, Exchange: domain.ExchangeSEHK}
	now := time.Now()

	long := New(m, Config{Balance: domain.AccountBalance{Cash: 1e6}})
	require.NoError(t, long.Update(domain.Deal{ID: "a", Security: sec, Direction: domain.DirectionLong, Offset: domain.OffsetOpen, Price: 20, Quantity: 3, At: now}))
	assert.InDelta(t, 1e6-20*3*100-3.5, long.Balance().Cash, 1e-6)

	short := New(m, Config{Balance: domain.AccountBalance{Cash: 1e6}})
	require.NoError(t, short.Update(domain.Deal{ID: "b", Security: sec, Direction: domain.DirectionShort, Offset: domain.OffsetOpen, Price: 20, Quantity: 3, At: now}))
	assert.InDelta(t, 1e6+20*3*100-3.5, short.Balance().Cash, 1e-6)
}

func TestShortInterestOnBuyToCover(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := New(m, Config{Balance: domain.AccountBalance{Cash: 0}, ShortInterestRate: 0.0098})
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, p.Update(deal(domain.DirectionShort, domain.OffsetOpen, 10, 100, t0)))
	assert.InDelta(t, 1000, p.Balance().Cash, 1e-9)

	t1 := t0.Add(73*24*time.Hour + 5*time.Hour)
	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetClose, 9, 100, t1)))

	interest := 10 * 100 * 73.0 / 365 * 0.0098
	assert.InDelta(t, 1000-900-interest, p.Balance().Cash, 1e-9)
	assert.InDelta(t, 100, p.Balance().RealizedPnL, 1e-9)
}

func TestSellingLongAccruesNoInterest(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := New(m, Config{Balance: domain.AccountBalance{Cash: 1000}, ShortInterestRate: 0.5})
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 10, 10, t0)))
	require.NoError(t, p.Update(deal(domain.DirectionShort, domain.OffsetClose, 10, 10, t0.AddDate(1, 0, 0))))
	assert.InDelta(t, 1000, p.Balance().Cash, 1e-9)
}

func TestOverCloseHaltsWithoutTouchingCash(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}, fee: 1}
	p := newPortfolio(m, 1000)
	now := time.Now()

	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 10, 5, now)))
	cash := p.Balance().Cash

	err := p.Update(deal(domain.DirectionShort, domain.OffsetClose, 10, 6, now))
	require.Error(t, err)
	assert.ErrorIs(t, err, position.ErrOverClose)
	assert.InDelta(t, cash, p.Balance().Cash, 1e-9)
	assert.ErrorIs(t, p.Halted(x), ErrHalted)
	assert.Len(t, p.HaltedSecurities(), 1)

	p.Resume(x)
	assert.NoError(t, p.Halted(x))
}

func TestDuplicateDealRejected(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := newPortfolio(m, 1000)
	d := deal(domain.DirectionLong, domain.OffsetOpen, 1, 1, time.Now())
	require.NoError(t, p.Update(d))
	assert.ErrorIs(t, p.Update(d), ErrAlreadyApplied)
	assert.InDelta(t, 999, p.Balance().Cash, 1e-9)
}

func TestValuation(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{"X": 12}}
	p := newPortfolio(m, 1000)
	now := time.Now()
	require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 10, 10, now)))
	require.NoError(t, p.Update(deal(domain.DirectionShort, domain.OffsetOpen, 11, 4, now)))

	v := p.Valuation()
	assert.False(t, v.Estimated)
	assert.InDelta(t, 1000-100+44+12*10-12*4, v.Value, 1e-9)

	m.mu.Lock()
	delete(m.prices, "X")
	m.mu.Unlock()
	v = p.Valuation()
	assert.True(t, v.Estimated)
	assert.Equal(t, []string{x.String()}, v.Unpriced)
	est := (10.0 + 11.0) / 2
	assert.InDelta(t, 1000-100+44+est*10-est*4, v.Value, 1e-9)
}

func TestSyncStaleness(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := newPortfolio(m, 1000)

	err := p.SyncBalance(context.Background(), fakeBroker{err: errors.New("socket closed")})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	stale, _ := p.Stale()
	assert.True(t, stale)
	assert.True(t, p.Valuation().Stale)
	assert.InDelta(t, 1000, p.Balance().Cash, 1e-9)

	require.NoError(t, p.SyncBalance(context.Background(), fakeBroker{balance: domain.AccountBalance{Cash: 5}}))
	stale, _ = p.Stale()
	assert.False(t, stale)
	assert.InDelta(t, 5, p.Balance().Cash, 1e-9)
	assert.False(t, p.SyncedAt().IsZero())

	require.NoError(t, p.SyncPositions(context.Background(), fakeBroker{positions: []domain.PositionData{
		{Security: x, Direction: domain.DirectionLong, HoldingPrice: 3, Quantity: 2},
	}}))
	pos, ok := p.Position(x, domain.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 2, pos.Quantity, 1e-9)
}

type splitBroker struct {
	balanceErr   error
	positionsErr error
}

func (b splitBroker) BrokerBalance(context.Context) (domain.AccountBalance, error) {
	return domain.AccountBalance{Cash: 7}, b.balanceErr
}

func (b splitBroker) BrokerPositions(context.Context) ([]domain.PositionData, error) {
	return nil, b.positionsErr
}

func TestPartialRefreshStaysStale(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{}}
	p := newPortfolio(m, 1000)
	ctx := context.Background()

	err := p.Refresh(ctx, splitBroker{balanceErr: errors.New("balance down")})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	stale, cause := p.Stale()
	assert.True(t, stale, "a successful position query leaves the failed balance stale")
	assert.ErrorContains(t, cause, "balance down")
	assert.True(t, p.Valuation().Stale)
	assert.InDelta(t, 1000, p.Balance().Cash, 1e-9)
	assert.True(t, p.SyncedAt().IsZero())

	require.NoError(t, p.SyncPositions(ctx, splitBroker{}))
	stale, _ = p.Stale()
	assert.True(t, stale)

	err = p.Refresh(ctx, splitBroker{positionsErr: errors.New("positions down")})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	stale, cause = p.Stale()
	assert.True(t, stale)
	assert.ErrorContains(t, cause, "positions down")
	assert.NotContains(t, cause.Error(), "balance down")
	assert.InDelta(t, 7, p.Balance().Cash, 1e-9)

	require.NoError(t, p.Refresh(ctx, splitBroker{}))
	stale, cause = p.Stale()
	assert.False(t, stale)
	assert.NoError(t, cause)
	assert.False(t, p.Valuation().Stale)
	assert.False(t, p.SyncedAt().IsZero())
}

func TestConcurrentReadsSeeWholeDeals(t *testing.T) {
	m := &fakeMarket{prices: map[string]float64{"X": 10}}
	p := newPortfolio(m, 1e6)
	now := time.Now()

	// at price == fill price every deal leaves value unchanged
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				assert.InDelta(t, 1e6, p.Value(), 1e-6)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		require.NoError(t, p.Update(deal(domain.DirectionLong, domain.OffsetOpen, 10, 1, now)))
	}
	close(done)
	wg.Wait()
}
