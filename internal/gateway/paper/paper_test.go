package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trader/internal/domain"
	"quant-trader/internal/gateway"
	"quant-trader/internal/market"
)

var sec = domain.Security{Code: "US.AAPL", Name: "Apple", LotSize: 1, Exchange: domain.ExchangeNASDAQ}

func newPaper(t *testing.T, cash float64, cfg Config) *Gateway {
	t.Helper()
	quotes := market.NewQuoteCache()
	quotes.PutQuote(domain.Quote{Security: sec, LastPrice: 100})
	cfg.Quotes = quotes
	cfg.Balance = domain.AccountBalance{Cash: cash}
	cfg.Seed = 7
	g := New(cfg)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func await(t *testing.T, g *Gateway, id string) domain.Order {
	t.Helper()
	var o domain.Order
	require.Eventually(t, func() bool {
		var ok bool
		o, ok = g.Ledger().LookupOrder(id)
		return ok && o.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return o
}

func buy(qty float64) domain.Order {
	return domain.Order{Security: sec, Quantity: qty, Direction: domain.DirectionLong, Offset: domain.OffsetOpen, Type: domain.OrderTypeMarket}
}

func TestFillsAfterLatency(t *testing.T) {
	g := newPaper(t, 10_000, Config{LatencyMin: 5 * time.Millisecond, LatencyMax: 10 * time.Millisecond})

	id, err := g.PlaceOrder(context.Background(), buy(10))
	require.NoError(t, err)

	o, ok := g.Ledger().LookupOrder(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusSubmitting, o.Status)

	o = await(t, g, id)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.InDelta(t, 10, o.FilledQuantity, 1e-9)
	assert.InDelta(t, 100, o.FilledAvgPrice, 1e-9)

	deals := g.Ledger().FindDealsWithOrder(id)
	require.Len(t, deals, 1)

	bal, err := g.BrokerBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 9_000, bal.Cash, 1e-6)
	pos, err := g.BrokerPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, 10, pos[0].Quantity, 1e-9)
}

func TestSlippageMovesAgainstSide(t *testing.T) {
	g := newPaper(t, 1e6, Config{SlippageBps: 50})

	id, err := g.PlaceOrder(context.Background(), buy(1))
	require.NoError(t, err)
	o := await(t, g, id)
	assert.GreaterOrEqual(t, o.FilledAvgPrice, 100.0)
	assert.LessOrEqual(t, o.FilledAvgPrice, 100.5)
}

func TestPartialFills(t *testing.T) {
	g := newPaper(t, 1e6, Config{PartialFills: true})

	id, err := g.PlaceOrder(context.Background(), buy(5))
	require.NoError(t, err)
	o := await(t, g, id)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Len(t, g.Ledger().FindDealsWithOrder(id), 2)
}

func TestInsufficientCashFails(t *testing.T) {
	g := newPaper(t, 500, Config{})

	id, err := g.PlaceOrder(context.Background(), buy(10))
	require.NoError(t, err)
	o := await(t, g, id)
	assert.Equal(t, domain.OrderStatusFailed, o.Status)
	assert.Empty(t, g.Ledger().FindDealsWithOrder(id))
}

func TestNoQuoteFails(t *testing.T) {
	g := newPaper(t, 1e6, Config{})
	other := domain.Security{Code: "US.MSFT", Exchange: domain.ExchangeNASDAQ}

	id, err := g.PlaceOrder(context.Background(), domain.Order{Security: other, Quantity: 1, Direction: domain.DirectionLong, Offset: domain.OffsetOpen, Type: domain.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, await(t, g, id).Status)
}

func TestCancelBeforeFill(t *testing.T) {
	g := newPaper(t, 1e6, Config{LatencyMin: 200 * time.Millisecond})

	id, err := g.PlaceOrder(context.Background(), buy(1))
	require.NoError(t, err)
	require.NoError(t, g.CancelOrder(context.Background(), id))

	o := await(t, g, id)
	assert.Equal(t, domain.OrderStatusCancelled, o.Status)

	err = g.CancelOrder(context.Background(), "nope")
	assert.True(t, errors.Is(err, gateway.ErrUnknownOrder))
}

func TestRejectsBadOrders(t *testing.T) {
	g := newPaper(t, 1e6, Config{})

	_, err := g.PlaceOrder(context.Background(), buy(0))
	assert.ErrorIs(t, err, gateway.ErrRejected)

	_, err = g.PlaceOrder(context.Background(), domain.Order{Security: sec, Quantity: 1, Direction: domain.DirectionLong, Type: domain.OrderTypeLimit})
	assert.ErrorIs(t, err, gateway.ErrRejected)

	require.NoError(t, g.Close())
	_, err = g.PlaceOrder(context.Background(), buy(1))
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}
