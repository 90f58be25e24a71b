package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
)

// qtyEpsilon absorbs float noise when comparing filled and requested size.
const qtyEpsilon = 1e-9

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusUnknown    OrderStatus = "UNKNOWN"
	OrderStatusSubmitting OrderStatus = "SUBMITTING"
	OrderStatusSubmitted  OrderStatus = "SUBMITTED"
	OrderStatusPartFilled OrderStatus = "PART_FILLED"
	OrderStatusFilled     OrderStatus = "FILLED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusUnknown:    {OrderStatusSubmitting, OrderStatusFailed},
	OrderStatusSubmitting: {OrderStatusSubmitted, OrderStatusPartFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusSubmitted:  {OrderStatusPartFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPartFilled: {OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether from -> to is a legal move. Re-asserting a
// non-terminal state is allowed; venues repeat status pushes.
func CanTransition(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is a request to a venue plus its venue-reported progress.
type Order struct {
	ID             string      `json:"id"`
	Security       Security    `json:"security"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	Direction      Direction   `json:"direction"`
	Offset         Offset      `json:"offset"`
	Type           OrderType   `json:"type"`
	TimeInForce    TimeInForce `json:"time_in_force"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	FilledQuantity float64     `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
}

// Transition moves the order to status, stamping UpdatedAt.
func (o *Order) Transition(status OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, status) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.Status, status, o.ID)
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}

// ApplyFill folds one execution into the filled average and quantity and
// moves the order to PART_FILLED or FILLED.
func (o *Order) ApplyFill(price, qty float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFill, qty)
	}
	filled := o.FilledQuantity + qty
	if filled > o.Quantity+qtyEpsilon {
		return fmt.Errorf("%w: fill %v exceeds remaining %v (order %s)", ErrInvalidFill, qty, o.Remaining(), o.ID)
	}
	next := OrderStatusPartFilled
	if math.Abs(filled-o.Quantity) <= qtyEpsilon {
		next = OrderStatusFilled
	}
	if err := o.Transition(next, at); err != nil {
		return err
	}
	o.FilledAvgPrice = (o.FilledAvgPrice*o.FilledQuantity + price*qty) / filled
	o.FilledQuantity = filled
	return nil
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}
