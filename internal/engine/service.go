// Package engine is the execution facade strategies trade through: order
// placement and lookup per venue, deal application to portfolios, and
// account queries with broker synchronization.
package engine

import (
	"context"

	"quant-trader/internal/domain"
	"quant-trader/internal/portfolio"
)

// Service is the surface strategies and the status API use.
type Service interface {
	// Orders
	SendOrder(ctx context.Context, venue string, ins Instruction) (string, error)
	GetOrder(ctx context.Context, venue, orderID string) (domain.Order, error)
	AwaitOrder(ctx context.Context, venue, orderID string) (domain.Order, error)
	LookupOrder(venue, orderID string) (domain.Order, bool, error)
	CancelOrder(ctx context.Context, venue, orderID string) error
	FindDealsWithOrder(venue, orderID string) ([]domain.Deal, error)
	ApplyDeals(venue, orderID string, portfolios ...*portfolio.Portfolio) (int, error)
	Orders(venue string) ([]domain.Order, error)
	Deals(venue string) ([]domain.Deal, error)

	// Engine-side account
	Portfolio(venue string) (*portfolio.Portfolio, error)
	GetBalance(venue string) (domain.AccountBalance, error)
	GetPosition(venue string, sec domain.Security, dir domain.Direction) (domain.PositionData, bool, error)
	GetAllPositions(venue string) ([]domain.PositionData, error)

	// Broker-side account
	GetBrokerBalance(ctx context.Context, venue string) (domain.AccountBalance, error)
	GetAllBrokerPositions(ctx context.Context, venue string) ([]domain.PositionData, error)
	SyncBrokerBalance(ctx context.Context, venue string) error
	SyncBrokerPosition(ctx context.Context, venue string) error

	Venues() []string
	Status() Status
}
