// Package ledger records the orders and deals of one venue. The venue
// callback path writes it; strategy-side callers read it with bounded waits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quant-trader/internal/domain"
	"quant-trader/pkg/handoff"
)

var (
	// ErrOrderPending means the venue has not acknowledged the order yet.
	ErrOrderPending = errors.New("ledger: order pending acknowledgement")
	// ErrStaleUpdate means an update tried to leave a terminal state.
	ErrStaleUpdate = errors.New("ledger: update rejected by order state")
	// ErrDuplicateDeal means a deal id was delivered twice.
	ErrDuplicateDeal = errors.New("ledger: duplicate deal")
	// ErrFillRejected means a fill did not fit its order, such as one
	// arriving after the order was cancelled or completely filled.
	ErrFillRejected = errors.New("ledger: fill rejected by order state")
	// ErrEmptyID rejects records without a venue identifier.
	ErrEmptyID = errors.New("ledger: empty identifier")
)

// Journal receives every accepted write, for auditing.
type Journal interface {
	OrderChanged(venue string, o domain.Order)
	DealRecorded(venue string, d domain.Deal)
}

// Ledger holds the orders and deals of one venue keyed by venue ids.
type Ledger struct {
	venue   string
	orders  *handoff.Map[string, domain.Order]
	deals   *handoff.Map[string, domain.Deal]
	journal Journal
	logger  *zap.Logger

	mu      sync.Mutex
	byOrder map[string][]string
	early   map[string][]domain.Deal
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal mirrors writes into j.
func WithJournal(j Journal) Option { return func(l *Ledger) { l.journal = j } }

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// New creates an empty ledger for venue.
func New(venue string, opts ...Option) *Ledger {
	l := &Ledger{
		venue:   venue,
		orders:  handoff.New[string, domain.Order](),
		deals:   handoff.New[string, domain.Deal](),
		byOrder: make(map[string][]string),
		early:   make(map[string][]domain.Deal),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(zap.String("venue", venue))
	return l
}

// Venue returns the venue name.
func (l *Ledger) Venue() string { return l.venue }

// PutOrder stores the venue's view of an order. An update that would move
// an order out of a terminal state, or backwards, is dropped. Fills that
// arrived before the order was first seen are folded in afterwards.
func (l *Ledger) PutOrder(o domain.Order) error {
	if o.ID == "" {
		return ErrEmptyID
	}
	var prev domain.OrderStatus
	var first bool
	stored, ok := l.orders.Update(o.ID, func(old domain.Order, exists bool) (domain.Order, bool) {
		if exists && !domain.CanTransition(old.Status, o.Status) {
			prev = old.Status
			return old, false
		}
		first = !exists
		return o, true
	})
	if !ok {
		l.logger.Warn("ledger: stale order update dropped",
			zap.String("order_id", o.ID),
			zap.String("status", string(prev)),
			zap.String("update", string(o.Status)))
		return fmt.Errorf("%w: %s %s -> %s", ErrStaleUpdate, o.ID, prev, o.Status)
	}
	if l.journal != nil {
		l.journal.OrderChanged(l.venue, stored)
	}
	if !first {
		return nil
	}

	l.mu.Lock()
	early := l.early[o.ID]
	delete(l.early, o.ID)
	var firstErr error
	var folded []domain.Deal
	var updates []domain.Order
	for _, d := range early {
		upd, err := l.foldLocked(d)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		folded = append(folded, d)
		updates = append(updates, upd)
	}
	l.mu.Unlock()
	l.journalFills(folded, updates)
	return firstErr
}

// PutDeal stores a deal. A deal id seen before is ignored.
func (l *Ledger) PutDeal(d domain.Deal) error {
	if d.ID == "" || d.OrderID == "" {
		return ErrEmptyID
	}
	l.mu.Lock()
	if l.seenLocked(d) {
		l.mu.Unlock()
		l.logger.Debug("ledger: duplicate deal ignored", zap.String("deal_id", d.ID))
		return fmt.Errorf("%w: %s", ErrDuplicateDeal, d.ID)
	}
	l.storeLocked(d)
	l.mu.Unlock()

	if l.journal != nil {
		l.journal.DealRecorded(l.venue, d)
	}
	return nil
}

// RecordFill folds d into its order's filled quantity and status, then
// stores it. Used by venues that report fills without a separate order
// push. A fill the order cannot take, for example one arriving after a
// cancel, is rejected with ErrFillRejected and leaves no deal behind.
// A fill for an order not yet seen is held until PutOrder delivers it.
func (l *Ledger) RecordFill(d domain.Deal) error {
	if d.ID == "" || d.OrderID == "" {
		return ErrEmptyID
	}
	l.mu.Lock()
	if l.seenLocked(d) {
		l.mu.Unlock()
		l.logger.Debug("ledger: duplicate deal ignored", zap.String("deal_id", d.ID))
		return fmt.Errorf("%w: %s", ErrDuplicateDeal, d.ID)
	}
	if _, known := l.orders.Lookup(d.OrderID); !known {
		l.early[d.OrderID] = append(l.early[d.OrderID], d)
		l.mu.Unlock()
		l.logger.Debug("ledger: fill ahead of order ack", zap.String("order_id", d.OrderID), zap.String("deal_id", d.ID))
		return nil
	}
	upd, err := l.foldLocked(d)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.journalFills([]domain.Deal{d}, []domain.Order{upd})
	return nil
}

// seenLocked reports whether d was stored or is held for its order.
func (l *Ledger) seenLocked(d domain.Deal) bool {
	if _, ok := l.deals.Lookup(d.ID); ok {
		return true
	}
	for _, e := range l.early[d.OrderID] {
		if e.ID == d.ID {
			return true
		}
	}
	return false
}

func (l *Ledger) storeLocked(d domain.Deal) {
	l.deals.Put(d.ID, d)
	l.byOrder[d.OrderID] = append(l.byOrder[d.OrderID], d.ID)
}

// foldLocked applies d to its order and stores d only if the order took it.
func (l *Ledger) foldLocked(d domain.Deal) (domain.Order, error) {
	var fillErr error
	stored, _ := l.orders.Update(d.OrderID, func(old domain.Order, exists bool) (domain.Order, bool) {
		next := old
		if err := next.ApplyFill(d.Price, d.Quantity, d.At); err != nil {
			fillErr = err
			return old, false
		}
		return next, exists
	})
	if fillErr != nil {
		l.logger.Error("ledger: fill rejected by order",
			zap.String("deal_id", d.ID),
			zap.String("order_id", d.OrderID),
			zap.String("status", string(stored.Status)),
			zap.Error(fillErr))
		return stored, fmt.Errorf("%w: deal %s on %s order %s: %w", ErrFillRejected, d.ID, stored.Status, d.OrderID, fillErr)
	}
	l.storeLocked(d)
	return stored, nil
}

func (l *Ledger) journalFills(deals []domain.Deal, updates []domain.Order) {
	if l.journal == nil {
		return
	}
	for i, d := range deals {
		l.journal.DealRecorded(l.venue, d)
		l.journal.OrderChanged(l.venue, updates[i])
	}
}

// GetOrder waits for the order until ctx is done.
func (l *Ledger) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := l.orders.Get(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		return o, fmt.Errorf("%w: %s", ErrOrderPending, id)
	}
	return o, err
}

// GetOrderTimeout waits at most d. A timeout returns ErrOrderPending.
func (l *Ledger) GetOrderTimeout(id string, d time.Duration) (domain.Order, error) {
	o, err := l.orders.GetTimeout(id, d)
	if errors.Is(err, handoff.ErrTimeout) {
		return o, fmt.Errorf("%w: %s", ErrOrderPending, id)
	}
	return o, err
}

// LookupOrder returns the order without waiting.
func (l *Ledger) LookupOrder(id string) (domain.Order, bool) {
	return l.orders.Lookup(id)
}

// FindDealsWithOrder returns the deals of an order in delivery order.
func (l *Ledger) FindDealsWithOrder(id string) []domain.Deal {
	l.mu.Lock()
	ids := append([]string(nil), l.byOrder[id]...)
	l.mu.Unlock()

	out := make([]domain.Deal, 0, len(ids))
	for _, dealID := range ids {
		if d, ok := l.deals.Lookup(dealID); ok {
			out = append(out, d)
		}
	}
	return out
}

// Orders returns every order in first-seen order.
func (l *Ledger) Orders() []domain.Order {
	return l.orders.Values()
}

// Deals returns every deal ordered by time, then id.
func (l *Ledger) Deals() []domain.Deal {
	out := l.deals.Values()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
