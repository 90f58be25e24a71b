// Package gateway defines the capability set the engine needs from a
// trading venue, plus a registry of the venues in a run.
package gateway

import (
	"context"
	"errors"
	"time"

	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/internal/ledger"
)

var (
	// ErrRejected means the venue declined an order synchronously.
	ErrRejected = errors.New("gateway: order rejected")
	// ErrUnavailable means a balance or position query could not be served.
	ErrUnavailable = errors.New("gateway: venue unavailable")
	// ErrUnknownOrder means a cancel referenced an id the venue does not know.
	ErrUnknownOrder = errors.New("gateway: unknown order")
)

// Gateway is a trading venue. Orders and deals flow back asynchronously
// through Ledger(); PlaceOrder only returns the venue-assigned id.
type Gateway interface {
	Name() string
	TradeMode() domain.TradeMode

	// PlaceOrder submits o and returns the venue id. An empty id means the
	// venue rejected the order.
	PlaceOrder(ctx context.Context, o domain.Order) (string, error)
	// CancelOrder sends a cancel request and does not wait for the outcome.
	CancelOrder(ctx context.Context, orderID string) error

	BrokerBalance(ctx context.Context) (domain.AccountBalance, error)
	BrokerPositions(ctx context.Context) ([]domain.PositionData, error)

	// RecentBar returns the latest bar for sec as of at.
	RecentBar(sec domain.Security, at time.Time) (domain.Bar, bool)
	Fees(deals ...domain.Deal) fees.Breakdown

	Ledger() *ledger.Ledger
}

// Clocked is implemented by venues whose market time is driven externally,
// such as replay venues following the scheduler clock.
type Clocked interface {
	SetMarketTime(t time.Time)
}

// Closer releases venue connections at shutdown.
type Closer interface {
	Close() error
}

// Replayer is implemented by replay venues that serve bars stamped exactly
// at a tick time from a preloaded dataset.
type Replayer interface {
	BarAt(sec domain.Security, t time.Time) (domain.Bar, bool)
	Span() (start, end time.Time, ok bool)
}
