package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/fees"
	"quant-trader/internal/gateway"
	"quant-trader/internal/gateway/backtest"
	"quant-trader/internal/ledger"
	"quant-trader/internal/portfolio"
)

var sec = domain.Security{Code: "HK.00700", Name: "Tencent", LotSize: 1, Exchange: domain.ExchangeSEHK}

func day(n int) time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }

func setup(t *testing.T, closes []float64) (*engine.Engine, *backtest.Gateway, []domain.Bar) {
	t.Helper()
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Datetime: day(i), Security: sec, Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	bt := backtest.New(backtest.Config{Name: "Backtest", Dataset: data.NewDataset(bars), Balance: domain.AccountBalance{Cash: 1e6}})
	m := gateway.NewManager(gateway.DefaultConfig(), nil)
	require.NoError(t, m.Register(bt))
	e := engine.New(m, engine.Config{PollRate: rate.Inf, PollBurst: 1, PollTimeout: 50 * time.Millisecond, PollAttempts: 2},
		engine.WithAccount("Backtest", portfolio.Config{Balance: domain.AccountBalance{Cash: 1e6}}))
	return e, bt, bars
}

func newBase(t *testing.T, e *engine.Engine) *Base {
	t.Helper()
	b, err := NewBase(e, BaseConfig{
		Name:       "test",
		Securities: map[string][]domain.Security{"Backtest": {sec}},
		Balances:   map[string]domain.AccountBalance{"Backtest": {Cash: 50000}},
	})
	require.NoError(t, err)
	return b
}

func TestBaseFieldsAndActions(t *testing.T) {
	e, bt, bars := setup(t, []float64{10, 11})
	b := newBase(t, e)
	bt.SetMarketTime(day(1))

	v, err := b.Field("close", "Backtest")
	require.NoError(t, err)
	assert.Empty(t, v)

	b.UpdateBar("Backtest", bars[1])
	b.UpdateBar("Other", bars[0])
	v, err = b.Field("close", "Backtest")
	require.NoError(t, err)
	assert.Equal(t, []float64{11}, v)

	v, err = b.Field("datetime", "Backtest")
	require.NoError(t, err)
	assert.Equal(t, day(1), v)

	v, err = b.Field("portfolio_value", "Backtest")
	require.NoError(t, err)
	assert.InDelta(t, 1e6, v, 1e-9)
	v, err = b.Field("strategy_portfolio_value", "Backtest")
	require.NoError(t, err)
	assert.InDelta(t, 50000, v, 1e-9)

	_, err = b.Field("nope", "Backtest")
	assert.ErrorIs(t, err, ErrUnknownField)

	b.UpdateAction("Backtest", "a")
	b.UpdateAction("Backtest", Signal{Action: "BUY", Security: sec, Quantity: 1})
	assert.Equal(t, "a|{action:BUY security:HK.00700 qty:1}|", b.Action("Backtest"))
	b.ResetAction("Backtest")
	assert.Empty(t, b.Action("Backtest"))

	b.RegisterField("custom", func(string) any { return 42 })
	v, err = b.Field("custom", "Backtest")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Contains(t, b.Fields(), "custom")
}

func TestBaseUnknownVenue(t *testing.T) {
	e, _, _ := setup(t, []float64{10})
	_, err := NewBase(e, BaseConfig{Securities: map[string][]domain.Security{"Nope": {sec}}})
	assert.ErrorIs(t, err, engine.ErrUnknownVenue)
}

func TestTradeOpensThenFlips(t *testing.T) {
	e, bt, bars := setup(t, []float64{10, 12})
	b := newBase(t, e)
	ctx := context.Background()

	bt.SetMarketTime(day(0))
	require.NoError(t, b.Trade(ctx, "Backtest", bars[0], "BUY", 1))
	require.NoError(t, b.Trade(ctx, "Backtest", bars[0], "BUY", 1), "already long")

	pd, ok, _ := e.GetPosition("Backtest", sec, domain.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 1, pd.Quantity, 1e-9)
	sp, ok := b.Portfolio("Backtest").Position(sec, domain.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 1, sp.Quantity, 1e-9)

	bt.SetMarketTime(day(1))
	require.NoError(t, b.Trade(ctx, "Backtest", bars[1], "SELL", 1))
	_, ok, _ = e.GetPosition("Backtest", sec, domain.DirectionLong)
	assert.False(t, ok, "sell closes the long first")
	assert.InDelta(t, 50002, b.Portfolio("Backtest").Balance().Cash, 1e-9)

	require.NoError(t, b.Trade(ctx, "Backtest", bars[1], "SELL", 1))
	_, ok, _ = e.GetPosition("Backtest", sec, domain.DirectionShort)
	assert.True(t, ok)
	assert.Contains(t, b.Action("Backtest"), "SELL")
}

func TestDemoSellsWhenUptrendBreaks(t *testing.T) {
	var closes []float64
	for i := 0; i < 45; i++ {
		x := float64(i)
		closes = append(closes, 100+x+0.05*x*x)
	}
	closes = append(closes, closes[len(closes)-1]-80)
	e, bt, bars := setup(t, closes)
	b := newBase(t, e)
	d := NewDemo(b, DemoParams{})

	for _, bar := range bars {
		bt.SetMarketTime(bar.Datetime)
		d.UpdateBar("Backtest", bar)
		require.NoError(t, d.OnBar(context.Background(), Bars{"Backtest": {bar.Security.Key(): bar}}))
		d.ResetAction("Backtest")
	}

	orders, err := e.Orders("Backtest")
	require.NoError(t, err)
	require.NotEmpty(t, orders)
	assert.Equal(t, domain.DirectionShort, orders[0].Direction)
	assert.Equal(t, domain.OffsetOpen, orders[0].Offset)
	assert.True(t, orders[0].CreatedAt.Equal(day(45)))
}

func TestMACrossBuysGoldenCross(t *testing.T) {
	closes := []float64{10, 10, 10, 10, 10, 10, 9, 9, 9, 12}
	e, bt, bars := setup(t, closes)
	b := newBase(t, e)
	m := NewMACross(b, MACrossParams{Fast: 2, Slow: 4})

	for _, bar := range bars {
		bt.SetMarketTime(bar.Datetime)
		require.NoError(t, m.OnBar(context.Background(), Bars{"Backtest": {bar.Security.Key(): bar}}))
	}
	orders, _ := e.Orders("Backtest")
	require.NotEmpty(t, orders)
	last := orders[len(orders)-1]
	assert.Equal(t, domain.DirectionLong, last.Direction)
}

func TestSessions(t *testing.T) {
	day, err := ParseSession("09:30-16:00")
	require.NoError(t, err)
	night, err := ParseSession("21:00-02:30")
	require.NoError(t, err)
	_, err = ParseSession("0930")
	assert.Error(t, err)

	at := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }
	assert.True(t, day.Contains(at(9, 30)))
	assert.False(t, day.Contains(at(16, 1)))
	assert.True(t, night.Contains(at(23, 0)))
	assert.True(t, night.Contains(at(1, 0)))
	assert.False(t, night.Contains(at(12, 0)))

	assert.True(t, InSessions(nil, at(3, 0)))
	assert.True(t, InSessions([]Session{day, night}, at(22, 0)))
	assert.False(t, InSessions([]Session{day, night}, at(5, 0)))
}

func TestBuildFromConfig(t *testing.T) {
	e, _, _ := setup(t, []float64{10})
	cfgs, err := ParseConfig([]byte(`
strategies:
  - name: macd
    type: demo
    sessions: ["09:30-16:00"]
    cash: {Backtest: 1000}
    parameters: {fast: 5, slow: 10, signal: 3, lot: 2}
  - name: cross
    type: ma_cross
    parameters: {fast: 3, slow: 9}
`))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	secs := map[string][]domain.Security{"Backtest": {sec}}
	s, err := Build(e, cfgs[0], secs, BaseConfig{})
	require.NoError(t, err)
	demo, ok := s.(*Demo)
	require.True(t, ok)
	assert.Equal(t, 5, demo.params.Fast)
	assert.InDelta(t, 2, demo.params.Lot, 1e-9)
	assert.GreaterOrEqual(t, demo.params.Window, 13)
	assert.True(t, demo.InSession(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.InDelta(t, 1000, demo.Portfolio("Backtest").Balance().Cash, 1e-9)

	s, err = Build(e, cfgs[1], secs, BaseConfig{})
	require.NoError(t, err)
	cross, ok := s.(*MACross)
	require.True(t, ok)
	assert.Equal(t, 9, cross.params.Slow)

	_, err = Build(e, Config{Type: "nope"}, secs, BaseConfig{})
	assert.Error(t, err)
}

// slowVenue acknowledges orders but never fills them on its own and
// ignores cancels; the test delivers fills through its ledger.
type slowVenue struct {
	gateway.Gateway
	ledger *ledger.Ledger
	placed []domain.Order
}

func (v *slowVenue) Name() string                              { return "Slow" }
func (v *slowVenue) TradeMode() domain.TradeMode               { return domain.TradeModeSimulate }
func (v *slowVenue) Ledger() *ledger.Ledger                    { return v.ledger }
func (v *slowVenue) Fees(...domain.Deal) fees.Breakdown        { return fees.Breakdown{} }
func (v *slowVenue) CancelOrder(context.Context, string) error { return nil }

func (v *slowVenue) RecentBar(domain.Security, time.Time) (domain.Bar, bool) {
	return domain.Bar{}, false
}

func (v *slowVenue) PlaceOrder(_ context.Context, o domain.Order) (string, error) {
	o.ID = fmt.Sprintf("slow-%d", len(v.placed)+1)
	o.Status = domain.OrderStatusSubmitted
	v.placed = append(v.placed, o)
	return o.ID, v.ledger.PutOrder(o)
}

func TestLateFillsAreSettled(t *testing.T) {
	venue := &slowVenue{ledger: ledger.New("Slow")}
	m := gateway.NewManager(gateway.DefaultConfig(), nil)
	require.NoError(t, m.Register(venue))
	e := engine.New(m, engine.Config{PollRate: rate.Inf, PollBurst: 1, PollTimeout: 5 * time.Millisecond, PollAttempts: 2},
		engine.WithAccount("Slow", portfolio.Config{Balance: domain.AccountBalance{Cash: 1e6}}))
	b, err := NewBase(e, BaseConfig{
		Name:       "test",
		Securities: map[string][]domain.Security{"Slow": {sec}},
		Balances:   map[string]domain.AccountBalance{"Slow": {Cash: 50000}},
	})
	require.NoError(t, err)

	o, err := b.Execute(context.Background(), "Slow", engine.Instruction{
		Security: sec, Price: 10, Quantity: 4, Direction: domain.DirectionLong, Offset: domain.OffsetOpen,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, o.Status)
	assert.Equal(t, []string{o.ID}, b.Working("Slow"))

	require.NoError(t, venue.ledger.RecordFill(domain.Deal{
		ID: "late-1", OrderID: o.ID, Security: sec, Direction: domain.DirectionLong, Offset: domain.OffsetOpen,
		Price: 10, Quantity: 3, At: day(0),
	}))
	require.NoError(t, b.Settle("Slow"))
	pd, ok, err := e.GetPosition("Slow", sec, domain.DirectionLong)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 3, pd.Quantity, 1e-9)
	assert.Equal(t, []string{o.ID}, b.Working("Slow"), "a partly filled order stays tracked")

	require.NoError(t, venue.ledger.RecordFill(domain.Deal{
		ID: "late-2", OrderID: o.ID, Security: sec, Direction: domain.DirectionLong, Offset: domain.OffsetOpen,
		Price: 10, Quantity: 1, At: day(0),
	}))
	require.NoError(t, b.Settle("Slow"))
	require.NoError(t, b.Settle("Slow"))

	pd, _, _ = e.GetPosition("Slow", sec, domain.DirectionLong)
	assert.InDelta(t, 4, pd.Quantity, 1e-9)
	spd, ok := b.Portfolio("Slow").Position(sec, domain.DirectionLong)
	require.True(t, ok)
	assert.InDelta(t, 4, spd.Quantity, 1e-9, "the strategy portfolio books late fills once")
	assert.Empty(t, b.Working("Slow"))
}
