package engine

import (
	"time"

	"golang.org/x/time/rate"

	"quant-trader/internal/domain"
	"quant-trader/internal/gateway"
)

// Instruction is what a strategy asks a venue to do. The venue assigns
// the order id.
type Instruction struct {
	Security    domain.Security    `json:"security"`
	Price       float64            `json:"price"`
	Quantity    float64            `json:"quantity"`
	Direction   domain.Direction   `json:"direction"`
	Offset      domain.Offset      `json:"offset"`
	Type        domain.OrderType   `json:"type"`
	TimeInForce domain.TimeInForce `json:"time_in_force"`
}

// Config tunes order placement and lookups.
type Config struct {
	// PlaceOrderDelay is slept after each live placement before the order is
	// looked up, to stay clear of venue rate limits. Replay venues skip it.
	PlaceOrderDelay time.Duration
	// PollTimeout bounds one lookup attempt.
	PollTimeout time.Duration
	// PollAttempts bounds GetOrder and AwaitOrder.
	PollAttempts int
	// PollRate and PollBurst throttle lookups per venue.
	PollRate  rate.Limit
	PollBurst int
}

// DefaultConfig returns the lookup settings used when none are given.
func DefaultConfig() Config {
	return Config{
		PollTimeout:  time.Second,
		PollAttempts: 10,
		PollRate:     rate.Limit(5),
		PollBurst:    5,
	}
}

// VenueStatus summarizes one venue for the status API.
type VenueStatus struct {
	Name      string           `json:"name"`
	TradeMode domain.TradeMode `json:"trade_mode"`
	Health    gateway.Health   `json:"health"`
	Orders    int              `json:"orders"`
	Deals     int              `json:"deals"`
	Halted    []string         `json:"halted,omitempty"`
	Stale     bool             `json:"stale"`
}

// Status is the engine snapshot served by the status API.
type Status struct {
	StartedAt time.Time     `json:"started_at"`
	Venues    []VenueStatus `json:"venues"`
}
