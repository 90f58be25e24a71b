package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/events"
	"quant-trader/internal/gateway"
	"quant-trader/internal/gateway/backtest"
	"quant-trader/internal/gateway/paper"
	"quant-trader/internal/market"
	"quant-trader/internal/portfolio"
	"quant-trader/internal/recorder"
	"quant-trader/internal/strategy"
)

var (
	x = domain.Security{Code: "X", Name: "X", LotSize: 1, Exchange: domain.ExchangeSEHK}
	y = domain.Security{Code: "Y", Name: "Y", LotSize: 1, Exchange: domain.ExchangeSEHK}
)

func day(n int) time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n) }

var fastPoll = engine.Config{PollRate: rate.Inf, PollBurst: 1, PollTimeout: 200 * time.Millisecond, PollAttempts: 10}

func flat(sec domain.Security, at time.Time, c float64) domain.Bar {
	return domain.Bar{Datetime: at, Security: sec, Open: c, High: c, Low: c, Close: c, Volume: 1}
}

func replayEngine(t *testing.T, bars []domain.Bar, cash float64) *engine.Engine {
	t.Helper()
	bt := backtest.New(backtest.Config{Name: "Backtest", Dataset: data.NewDataset(bars), Balance: domain.AccountBalance{Cash: cash}})
	m := gateway.NewManager(gateway.DefaultConfig(), nil)
	require.NoError(t, m.Register(bt))
	return engine.New(m, fastPoll, engine.WithAccount("Backtest", portfolio.Config{Balance: domain.AccountBalance{Cash: cash}}))
}

// scripted submits fixed instructions on given days and records what it saw.
type scripted struct {
	*strategy.Base
	script map[time.Time][]engine.Instruction
	panics map[time.Time]bool
	delay  time.Duration

	mu   sync.Mutex
	seen []strategy.Bars
}

func newScripted(t *testing.T, e *engine.Engine, venue string, secs ...domain.Security) *scripted {
	t.Helper()
	b, err := strategy.NewBase(e, strategy.BaseConfig{
		Name:       "scripted",
		Securities: map[string][]domain.Security{venue: secs},
		Balances:   map[string]domain.AccountBalance{venue: {Cash: 100000}},
	})
	require.NoError(t, err)
	return &scripted{Base: b, script: map[time.Time][]engine.Instruction{}, panics: map[time.Time]bool{}}
}

func (s *scripted) OnBar(ctx context.Context, bars strategy.Bars) error {
	s.mu.Lock()
	s.seen = append(s.seen, bars)
	s.mu.Unlock()
	for venue, m := range bars {
		for _, bar := range m {
			if s.panics[bar.Datetime] {
				panic("boom")
			}
			if s.delay > 0 {
				time.Sleep(s.delay)
			}
			for _, ins := range s.script[bar.Datetime] {
				if ins.Security.Key() != bar.Security.Key() {
					continue
				}
				o, err := s.Execute(ctx, venue, ins)
				if err != nil {
					return err
				}
				s.UpdateAction(venue, strategy.Signal{Action: string(ins.Direction), Security: ins.Security, Quantity: ins.Quantity, OrderID: o.ID})
			}
		}
	}
	return nil
}

func (s *scripted) ticks() []strategy.Bars {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]strategy.Bars(nil), s.seen...)
}

func TestReplayScenario(t *testing.T) {
	bars := []domain.Bar{flat(x, day(0), 10), flat(x, day(1), 12), flat(x, day(2), 11)}
	e := replayEngine(t, bars, 100000)
	s := newScripted(t, e, "Backtest", x)
	s.script[day(0)] = []engine.Instruction{{Security: x, Quantity: 100, Direction: domain.DirectionLong, Offset: domain.OffsetOpen}}
	s.script[day(1)] = []engine.Instruction{{Security: x, Quantity: 50, Direction: domain.DirectionLong, Offset: domain.OffsetOpen}}
	s.script[day(2)] = []engine.Instruction{{Security: x, Quantity: 150, Direction: domain.DirectionShort, Offset: domain.OffsetClose}}

	s.RegisterField("cash", func(v string) any {
		bal, _ := e.GetBalance(v)
		return bal.Cash
	})
	rec := recorder.New("scripted")
	require.NoError(t, rec.AddField("cash", recorder.Append))
	ticks, unsubscribe := e.Bus().Subscribe(events.EventTick, 16)
	defer unsubscribe()

	sch := New(e, s, rec, nil, Config{})
	require.NoError(t, sch.Run(context.Background()))

	assert.Equal(t, 3, sch.Ticks())
	assert.Equal(t, []string{"99000", "98400", "100050"}, rec.Series("cash", "Backtest"))
	pos, err := e.GetAllPositions("Backtest")
	require.NoError(t, err)
	assert.Empty(t, pos)
	assert.InDelta(t, 100050, s.Portfolio("Backtest").Balance().Cash, 1e-9)

	deals, err := e.Deals("Backtest")
	require.NoError(t, err)
	require.Len(t, deals, 3)
	assert.InDelta(t, 11, deals[2].Price, 1e-9)

	rows := rec.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "100050", rows[2].Values["portfolio_value"])
	assert.Len(t, ticks, 3)
}

func TestReplaySkipsAbsentSecurities(t *testing.T) {
	bars := []domain.Bar{flat(x, day(0), 1), flat(y, day(0), 2), flat(x, day(1), 1), flat(y, day(2), 2)}
	e := replayEngine(t, bars, 1000)
	s := newScripted(t, e, "Backtest", x, y)
	require.NoError(t, New(e, s, nil, nil, Config{}).Run(context.Background()))

	seen := s.ticks()
	require.Len(t, seen, 3)
	assert.Len(t, seen[0]["Backtest"], 2)
	assert.Contains(t, seen[1]["Backtest"], x.Key())
	assert.NotContains(t, seen[1]["Backtest"], y.Key())
	assert.NotContains(t, seen[2]["Backtest"], x.Key())
}

func TestReplayRecoversFromPanic(t *testing.T) {
	bars := []domain.Bar{flat(x, day(0), 1), flat(x, day(1), 1)}
	e := replayEngine(t, bars, 1000)
	s := newScripted(t, e, "Backtest", x)
	s.panics[day(0)] = true
	errs, unsubscribe := e.Bus().Subscribe(events.EventStrategyError, 4)
	defer unsubscribe()

	sch := New(e, s, nil, nil, Config{})
	require.NoError(t, sch.Run(context.Background()))
	assert.Equal(t, 2, sch.Ticks())
	assert.Len(t, s.ticks(), 2)

	select {
	case ev := <-errs:
		se, ok := ev.(events.StrategyErrorEvent)
		require.True(t, ok)
		assert.Equal(t, day(0), se.At)
		assert.Contains(t, se.Err, "boom")
	case <-time.After(time.Second):
		t.Fatal("no strategy error published")
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	var bars []domain.Bar
	for i := 0; i < 90; i++ {
		c := 100 + float64(i) + 0.05*float64(i*i)
		if i >= 45 {
			c = 100 + 45 + 0.05*45*45 - float64(i-45)*4
		}
		bars = append(bars, flat(x, day(i), c))
	}

	type trajectory struct {
		orders    []domain.Order
		deals     []domain.Deal
		positions []domain.PositionData
		cash      float64
		rows      []recorder.Row
	}
	run := func() trajectory {
		e := replayEngine(t, bars, 1e6)
		b, err := strategy.NewBase(e, strategy.BaseConfig{
			Name:       "demo",
			Securities: map[string][]domain.Security{"Backtest": {x}},
			Balances:   map[string]domain.AccountBalance{"Backtest": {Cash: 1e5}},
		})
		require.NoError(t, err)
		rec := recorder.New("demo")
		require.NoError(t, New(e, strategy.NewDemo(b, strategy.DefaultDemoParams()), rec, nil, Config{}).Run(context.Background()))

		var tr trajectory
		tr.orders, _ = e.Orders("Backtest")
		tr.deals, _ = e.Deals("Backtest")
		tr.positions, _ = e.GetAllPositions("Backtest")
		bal, _ := e.GetBalance("Backtest")
		tr.cash = bal.Cash
		tr.rows = rec.Rows()
		return tr
	}

	a, b := run(), run()
	require.NotEmpty(t, a.orders, "the series should trigger at least one signal")
	assert.Equal(t, a.orders, b.orders)
	assert.Equal(t, a.deals, b.deals)
	assert.Equal(t, a.positions, b.positions)
	assert.Equal(t, a.cash, b.cash)
	assert.Equal(t, a.rows, b.rows)
}

func TestTimesAndSpan(t *testing.T) {
	e := replayEngine(t, []domain.Bar{flat(x, day(1).Add(15*time.Hour), 1), flat(x, day(3).Add(15*time.Hour), 1)}, 0)
	s := newScripted(t, e, "Backtest", x)
	sch := New(e, s, nil, nil, Config{})

	start, end, err := sch.span(e.Gateways().All())
	require.NoError(t, err)
	assert.Equal(t, day(1).Add(15*time.Hour), start)
	assert.Equal(t, day(3).Add(15*time.Hour), end)

	assert.Equal(t, []time.Time{day(1), day(2), day(3)}, sch.Times(start, end))

	hourly := New(e, s, nil, nil, Config{Step: time.Hour})
	assert.Len(t, hourly.Times(day(0), day(0).Add(3*time.Hour)), 4)

	empty := New(replayEngine(t, nil, 0), s, nil, nil, Config{})
	_, _, err = empty.span(empty.engine.Gateways().All())
	assert.ErrorIs(t, err, ErrNoSpan)
}

func TestTimesAcrossDaylightSaving(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	e := replayEngine(t, nil, 0)
	s := newScripted(t, e, "Backtest", x)

	date := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 0, 0, 0, 0, ny) }

	fallBack := New(e, s, nil, nil, Config{Location: ny})
	assert.Equal(t,
		[]time.Time{date(10, 30), date(10, 31), date(11, 1), date(11, 2), date(11, 3)},
		fallBack.Times(date(10, 30), date(11, 3)))
	assert.Equal(t,
		[]time.Time{date(3, 7), date(3, 8), date(3, 9)},
		fallBack.Times(date(3, 7), date(3, 9)))

	everyOther := New(e, s, nil, nil, Config{Location: ny, Step: 48 * time.Hour})
	assert.Equal(t, []time.Time{date(10, 31), date(11, 2)}, everyOther.Times(date(10, 31), date(11, 3)))
}

func TestStopDoesNotTruncateTick(t *testing.T) {
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, flat(x, day(i), 10))
	}
	e := replayEngine(t, bars, 1e6)
	s := newScripted(t, e, "Backtest", x)
	s.delay = 30 * time.Millisecond
	s.script[day(0)] = []engine.Instruction{{Security: x, Quantity: 1, Direction: domain.DirectionLong, Offset: domain.OffsetOpen}}

	ctx, cancel := context.WithCancel(context.Background())
	sch := New(e, s, nil, nil, Config{})
	time.AfterFunc(10*time.Millisecond, cancel)
	require.NoError(t, sch.Run(ctx))

	assert.Equal(t, 1, sch.Ticks(), "the in-flight tick completes, later ticks never start")
	pd, ok, err := e.GetPosition("Backtest", x, domain.DirectionLong)
	require.NoError(t, err)
	require.True(t, ok, "the order placed during the stopped tick was settled")
	assert.InDelta(t, 1, pd.Quantity, 1e-9)
}

type chanFeed chan []market.Record

func (f chanFeed) Subscribe(context.Context) (<-chan []market.Record, error) { return f, nil }

type failingFeed struct{}

func (failingFeed) Subscribe(context.Context) (<-chan []market.Record, error) {
	return nil, errors.New("refused")
}

func liveEngine(t *testing.T) (*engine.Engine, *paper.Gateway) {
	t.Helper()
	pg := paper.New(paper.Config{Name: "Paper", Balance: domain.AccountBalance{Cash: 100000}, Seed: 1})
	t.Cleanup(func() { _ = pg.Close() })
	m := gateway.NewManager(gateway.DefaultConfig(), nil)
	require.NoError(t, m.Register(pg))
	return engine.New(m, fastPoll), pg
}

func TestLiveFeedDrivesTicks(t *testing.T) {
	e, pg := liveEngine(t)
	s := newScripted(t, e, "Paper", x)
	at := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	s.script[at] = []engine.Instruction{{Security: x, Quantity: 10, Direction: domain.DirectionLong, Offset: domain.OffsetOpen}}

	feed := make(chanFeed, 3)
	feed <- []market.Record{{Code: "X", Datetime: "2024-05-06 10:00:00", Open: 20, High: 20, Low: 20, Close: 20}, {Code: "ZZZ", Close: 1}}
	feed <- []market.Record{{Code: "X", Datetime: "bad"}}
	close(feed)

	rec := recorder.New("scripted")
	sch := New(e, s, rec, map[string]market.Feed{"Paper": feed}, Config{SyncOnStart: true})
	require.NoError(t, sch.Run(context.Background()))

	assert.Equal(t, 2, sch.Ticks())
	seen := s.ticks()
	require.Len(t, seen, 2)
	assert.Len(t, seen[0]["Paper"], 1, "unsubscribed codes are ignored")
	assert.Empty(t, seen[1]["Paper"], "undecodable records are absent")

	q, ok := pg.Quotes().Latest(x)
	require.True(t, ok)
	assert.InDelta(t, 20, q.LastPrice, 1e-9)

	pd, ok, err := e.GetPosition("Paper", x, domain.DirectionLong)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 10, pd.Quantity, 1e-9)
	assert.Len(t, rec.Rows(), 2)
}

func TestLiveStopsAtEnd(t *testing.T) {
	e, _ := liveEngine(t)
	s := newScripted(t, e, "Paper", x)
	feed := make(chanFeed, 1)
	feed <- []market.Record{{Code: "X", Close: 1}}

	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sch := New(e, s, nil, map[string]market.Feed{"Paper": feed}, Config{End: end, Now: func() time.Time { return end.Add(time.Second) }})
	require.NoError(t, sch.Run(context.Background()))
	assert.Zero(t, sch.Ticks())
}

func TestLiveStopsAtEndWithIdleFeed(t *testing.T) {
	e, _ := liveEngine(t)
	s := newScripted(t, e, "Paper", x)
	feed := make(chanFeed)

	sch := New(e, s, nil, map[string]market.Feed{"Paper": feed}, Config{End: time.Now().Add(50 * time.Millisecond)})
	done := make(chan error, 1)
	go func() { done <- sch.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		sch.Stop()
		t.Fatal("live run kept going past its end time")
	}
	assert.Zero(t, sch.Ticks())
}

func TestLiveFeedErrors(t *testing.T) {
	e, _ := liveEngine(t)
	s := newScripted(t, e, "Paper", x)

	err := New(e, s, nil, nil, Config{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoFeed)

	err = New(e, s, nil, map[string]market.Feed{"Paper": failingFeed{}}, Config{}).Run(context.Background())
	assert.ErrorContains(t, err, "refused")
}

func TestLiveStopsOnContext(t *testing.T) {
	e, _ := liveEngine(t)
	s := newScripted(t, e, "Paper", x)
	feed := make(chanFeed)
	sch := New(e, s, nil, map[string]market.Feed{"Paper": feed}, Config{})

	done := make(chan error, 1)
	go func() { done <- sch.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	sch.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
