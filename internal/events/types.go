package events

import (
	"time"

	"quant-trader/internal/domain"
)

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventTick           Event = "tick"
	EventPositionChange Event = "position_change"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderAccepted  Event = "order.accepted"
	EventOrderRejected  Event = "order.rejected"
	EventOrderFilled    Event = "order.filled"
	EventOrderCancelled Event = "order.cancelled"
	EventStrategyError  Event = "strategy.error"
)

// OrderEvent carries an order snapshot for the order.* topics.
type OrderEvent struct {
	Venue string       `json:"venue"`
	Order domain.Order `json:"order"`
	Err   string       `json:"error,omitempty"`
}

// PositionEvent is published after deals are applied to a portfolio.
type PositionEvent struct {
	Venue    string        `json:"venue"`
	OrderID  string        `json:"order_id"`
	Deals    []domain.Deal `json:"deals"`
	Cash     float64       `json:"cash"`
	Strategy bool          `json:"strategy"`
}

// TickEvent is published once a scheduler tick has completed.
type TickEvent struct {
	At      time.Time     `json:"at"`
	Venues  []string      `json:"venues"`
	Bars    int           `json:"bars"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed"`
}

// StrategyErrorEvent reports a failed or panicking strategy callback.
type StrategyErrorEvent struct {
	At    time.Time `json:"at"`
	Venue string    `json:"venue,omitempty"`
	Err   string    `json:"error"`
}
