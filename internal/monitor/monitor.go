// Package monitor folds engine and scheduler events into run metrics and
// raises alerts for rejected orders and failing strategies.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"quant-trader/internal/events"
)

// Monitor watches the bus.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Logger  *zap.Logger
	// AlertFn receives alert text; nil logs at warn level.
	AlertFn func(string)
}

var watched = []events.Event{
	events.EventTick,
	events.EventOrderSubmitted,
	events.EventOrderFilled,
	events.EventOrderRejected,
	events.EventOrderCancelled,
	events.EventPositionChange,
	events.EventStrategyError,
}

// Start subscribes to the bus until ctx is done. The returned function
// waits for the subscriptions to drain.
func (m *Monitor) Start(ctx context.Context) func() {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Metrics == nil {
		m.Metrics = NewMetrics()
	}
	if m.AlertFn == nil {
		m.AlertFn = func(s string) { m.Logger.Warn("monitor: alert", zap.String("alert", s)) }
	}
	var wg sync.WaitGroup
	if m.Bus == nil {
		m.Logger.Info("monitor: no bus configured; skipping")
		return wg.Wait
	}
	stream, unsub := m.Bus.Watch(1024, watched...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				m.handle(msg.Event, msg.Payload)
			}
		}
	}()
	return wg.Wait
}

func (m *Monitor) handle(e events.Event, msg any) {
	switch e {
	case events.EventTick:
		m.Metrics.ticks.Add(1)
		if t, ok := msg.(events.TickEvent); ok {
			m.Metrics.TickLatency.RecordDuration(t.Elapsed)
		}
	case events.EventOrderSubmitted:
		m.Metrics.ordersSubmitted.Add(1)
	case events.EventOrderFilled:
		m.Metrics.ordersFilled.Add(1)
		if o, ok := msg.(events.OrderEvent); ok && !o.Order.CreatedAt.IsZero() {
			m.Metrics.OrderLatency.RecordDuration(o.Order.UpdatedAt.Sub(o.Order.CreatedAt))
		}
	case events.EventOrderRejected:
		m.Metrics.ordersRejected.Add(1)
		if o, ok := msg.(events.OrderEvent); ok {
			m.AlertFn(fmt.Sprintf("order rejected on %s: %s %s %g %s: %s",
				o.Venue, o.Order.Direction, o.Order.Offset, o.Order.Quantity, o.Order.Security.Code, o.Err))
		}
	case events.EventOrderCancelled:
		m.Metrics.ordersCancelled.Add(1)
	case events.EventPositionChange:
		m.Metrics.positionChanges.Add(1)
	case events.EventStrategyError:
		m.Metrics.strategyErrors.Add(1)
		if se, ok := msg.(events.StrategyErrorEvent); ok {
			m.AlertFn(fmt.Sprintf("strategy failed on %s at %s: %s", se.Venue, se.At.Format("2006-01-02 15:04:05"), se.Err))
		}
	}
}
