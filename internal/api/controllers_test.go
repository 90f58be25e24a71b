package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/events"
	"quant-trader/internal/gateway"
	"quant-trader/internal/gateway/backtest"
	"quant-trader/internal/monitor"
	"quant-trader/internal/portfolio"
	"quant-trader/internal/recorder"
)

var sec = domain.Security{Code: "HK.00700", Name: "Tencent", LotSize: 100, Exchange: domain.ExchangeSEHK}

func newTestAPIServer(t *testing.T, cfg Config) (*Server, *engine.Engine, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bt := backtest.New(backtest.Config{
		Name:    "Backtest",
		Dataset: data.NewDataset([]domain.Bar{{Datetime: day, Security: sec, Open: 300, High: 305, Low: 298, Close: 302}}),
		Balance: domain.AccountBalance{Cash: 1e6},
	})
	bt.SetMarketTime(day)
	m := gateway.NewManager(gateway.DefaultConfig(), nil)
	require.NoError(t, m.Register(bt))
	bus := events.NewBus()
	eng := engine.New(m, engine.Config{PollRate: rate.Inf, PollBurst: 1},
		engine.WithBus(bus),
		engine.WithAccount("Backtest", portfolio.Config{Balance: domain.AccountBalance{Cash: 1e6}}))

	id, err := eng.SendOrder(context.Background(), "Backtest", engine.Instruction{
		Security: sec, Quantity: 2, Direction: domain.DirectionLong, Offset: domain.OffsetOpen,
	})
	require.NoError(t, err)
	_, err = eng.ApplyDeals("Backtest", id)
	require.NoError(t, err)

	rec := recorder.New("demo")
	s := NewServer(eng, bus, monitor.NewMetrics(), rec, SystemMeta{Run: "test", Mode: "backtest"}, cfg, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, eng, srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestReadEndpoints(t *testing.T) {
	_, _, srv := newTestAPIServer(t, Config{})

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	var venues []engine.VenueStatus
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues", &venues))
	require.Len(t, venues, 1)
	assert.Equal(t, "Backtest", venues[0].Name)
	assert.Equal(t, 1, venues[0].Orders)

	var pf portfolioResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/portfolio", &pf))
	assert.InDelta(t, 1e6-302*2*100, pf.Balance.Cash, 1e-6)
	assert.InDelta(t, 1e6, pf.Valuation.Value, 1e-6)
	assert.False(t, pf.Valuation.Estimated)

	var positions []domain.PositionData
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/positions", &positions))
	require.Len(t, positions, 1)
	assert.InDelta(t, 2, positions[0].Quantity, 1e-9)

	var orders struct {
		Total  int            `json:"total"`
		Orders []domain.Order `json:"orders"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/orders?status=FILLED", &orders))
	require.Equal(t, 1, orders.Total)
	id := orders.Orders[0].ID
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/orders?status=CANCELLED", &orders))
	assert.Zero(t, orders.Total)

	var one struct {
		Order domain.Order  `json:"order"`
		Deals []domain.Deal `json:"deals"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/orders/"+id, &one))
	assert.Len(t, one.Deals, 1)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/venues/Backtest/orders/nope", nil))

	var deals struct {
		Total int `json:"total"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/venues/Backtest/deals?limit=1", &deals))
	assert.Equal(t, 1, deals.Total)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/venues/Nope/positions", &errBody))
	assert.Equal(t, "UNKNOWN_VENUE", errBody["code"])

	var snap monitor.Snapshot
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/metrics", &snap))
	assert.NotZero(t, snap.APIRequests)
}

func TestRecords(t *testing.T) {
	s, _, srv := newTestAPIServer(t, Config{})
	src := recorderSource{"datetime": "2024-03-01", "portfolio_value": 1, "strategy_portfolio_value": 2}
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Recorder.Record(src, "Backtest", at))
	require.NoError(t, s.Recorder.Record(src, "Other", at))

	var body struct {
		Name string         `json:"name"`
		Rows []recorder.Row `json:"rows"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/records?venue=Backtest", &body))
	assert.Equal(t, "demo", body.Name)
	require.Len(t, body.Rows, 1)
	assert.Equal(t, "1", body.Rows[0].Values["portfolio_value"])
}

type recorderSource map[string]any

func (r recorderSource) Field(name, _ string) (any, error) { return r[name], nil }

func TestRateLimit(t *testing.T) {
	_, _, srv := newTestAPIServer(t, Config{RateLimit: 0.001, Burst: 2})
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, srv.URL+"/healthz", nil))
}

func TestWebsocketStreamsEvents(t *testing.T) {
	s, _, srv := newTestAPIServer(t, Config{})
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Bus.Subscribers(events.EventTick) > 0 }, time.Second, 5*time.Millisecond)
	s.Bus.Publish(events.EventTick, events.TickEvent{Venues: []string{"Backtest"}, Bars: 1})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Event   string           `json:"event"`
		Payload events.TickEvent `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "tick", msg.Event)
	assert.Equal(t, 1, msg.Payload.Bars)
}
