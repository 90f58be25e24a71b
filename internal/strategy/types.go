// Package strategy holds the strategy contract the scheduler drives, the
// shared Base every strategy embeds, and the bundled strategies.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quant-trader/internal/domain"
)

// ErrUnknownField is returned for a recorder field no getter serves.
var ErrUnknownField = errors.New("strategy: unknown field")

// Bars is one tick's input: venue name to the bars that arrived for it,
// keyed by security. A security without a bar this tick is absent.
type Bars map[string]map[domain.SecurityKey]domain.Bar

// Signal is a decision emitted by a strategy.
type Signal struct {
	Action   string // BUY, SELL
	Security domain.Security
	Quantity float64
	OrderID  string
	Note     string
}

func (s Signal) String() string {
	out := fmt.Sprintf("{action:%s security:%s qty:%g", s.Action, s.Security.Code, s.Quantity)
	if s.OrderID != "" {
		out += " order:" + s.OrderID
	}
	if s.Note != "" {
		out += " note:" + s.Note
	}
	return out + "}"
}

// Strategy is what the scheduler drives each tick.
type Strategy interface {
	Name() string
	// Securities lists the subscribed securities per venue.
	Securities() map[string][]domain.Security
	UpdateBar(venue string, bar domain.Bar)
	// OnBar runs once per tick. Orders it submits are resolved before it
	// returns.
	OnBar(ctx context.Context, bars Bars) error
	// Settle applies fills that arrived for orders still working after
	// OnBar returned.
	Settle(venue string) error
	ResetAction(venue string)
	// Field serves recorder values.
	Field(name, venue string) (any, error)
	InSession(t time.Time) bool
}
