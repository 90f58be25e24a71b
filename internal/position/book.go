// Package position keeps per-security LONG and SHORT books with a
// weighted-average holding price per direction.
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"quant-trader/internal/domain"
)

var (
	// ErrNoHolding means a close arrived for a book that has no entry.
	ErrNoHolding = errors.New("position: close without holding")
	// ErrOverClose means a close is larger than the held quantity.
	ErrOverClose = errors.New("position: close exceeds holding")
	// ErrInvalidDirection rejects NET or empty directions.
	ErrInvalidDirection = errors.New("position: direction must be LONG or SHORT")
	// ErrInvalidQuantity rejects non-positive fill quantities.
	ErrInvalidQuantity = errors.New("position: quantity must be positive")
)

// IsIntegrity reports whether err means the local book diverged from the venue.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrNoHolding) || errors.Is(err, ErrOverClose)
}

const qtyEpsilon = 1e-9

// CostBasis selects how a partial close treats the surviving entry.
type CostBasis int

const (
	// AverageCost leaves the holding price unchanged on a partial close.
	AverageCost CostBasis = iota
	// BreakEven folds the close notional into the survivor:
	// (price*qty - closePrice*closeQty) / remaining.
	BreakEven
)

func (c CostBasis) String() string {
	if c == BreakEven {
		return "break_even"
	}
	return "average_cost"
}

// ParseCostBasis maps a config string to a CostBasis.
func ParseCostBasis(s string) (CostBasis, error) {
	switch s {
	case "", "average_cost", "average":
		return AverageCost, nil
	case "break_even", "breakeven":
		return BreakEven, nil
	}
	return AverageCost, fmt.Errorf("position: unknown cost basis %q", s)
}

type entry struct {
	security domain.Security
	long     *domain.PositionData
	short    *domain.PositionData
}

func (e *entry) side(d domain.Direction) **domain.PositionData {
	if d == domain.DirectionLong {
		return &e.long
	}
	return &e.short
}

func (e *entry) empty() bool { return e.long == nil && e.short == nil }

// Change describes the effect of one Update.
type Change struct {
	// Book is the direction of the entry that was touched.
	Book domain.Direction
	// Before is the entry before the update; nil when newly opened.
	Before *domain.PositionData
	// After is the entry after the update; nil when removed.
	After *domain.PositionData
	// Realized is the P&L of a close measured against the holding price.
	Realized float64
}

// Book is the position set of one venue. A single goroutine writes it;
// readers take a snapshot under the read lock.
type Book struct {
	mu      sync.RWMutex
	basis   CostBasis
	entries map[domain.SecurityKey]*entry
}

// NewBook creates an empty book.
func NewBook(basis CostBasis) *Book {
	return &Book{basis: basis, entries: make(map[domain.SecurityKey]*entry)}
}

// Basis returns the configured cost-basis mode.
func (b *Book) Basis() CostBasis { return b.basis }

// Update applies one fill expressed as position data. For a closing offset
// pd.Direction names the trade side, so the opposite book is reduced.
func (b *Book) Update(pd domain.PositionData, offset domain.Offset) (Change, error) {
	if pd.Direction != domain.DirectionLong && pd.Direction != domain.DirectionShort {
		return Change{}, fmt.Errorf("%w: %q", ErrInvalidDirection, pd.Direction)
	}
	if pd.Quantity <= 0 {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidQuantity, pd.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if offset.IsClose() {
		return b.close(pd)
	}
	return b.open(pd), nil
}

func (b *Book) open(pd domain.PositionData) Change {
	key := pd.Security.Key()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{security: pd.Security}
		b.entries[key] = e
	}
	slot := e.side(pd.Direction)
	ch := Change{Book: pd.Direction}

	if *slot == nil {
		fresh := pd
		*slot = &fresh
		after := fresh
		ch.After = &after
		return ch
	}

	old := **slot
	ch.Before = &old
	qty := old.Quantity + pd.Quantity
	next := old
	next.Quantity = qty
	next.HoldingPrice = (old.HoldingPrice*old.Quantity + pd.HoldingPrice*pd.Quantity) / qty
	next.UpdatedAt = pd.UpdatedAt
	*slot = &next
	after := next
	ch.After = &after
	return ch
}

func (b *Book) close(pd domain.PositionData) (Change, error) {
	book := pd.Direction.Opposite()
	key := pd.Security.Key()
	e, ok := b.entries[key]
	if !ok || *e.side(book) == nil {
		return Change{}, fmt.Errorf("%w: %s %s", ErrNoHolding, pd.Security, book)
	}
	slot := e.side(book)
	old := **slot
	if pd.Quantity > old.Quantity+qtyEpsilon {
		return Change{}, fmt.Errorf("%w: %s %s held %v close %v", ErrOverClose, pd.Security, book, old.Quantity, pd.Quantity)
	}

	ch := Change{Book: book, Before: &old}
	diff := pd.HoldingPrice - old.HoldingPrice
	if book == domain.DirectionShort {
		diff = -diff
	}
	ch.Realized = diff * pd.Quantity * pd.Security.Lot()

	remaining := old.Quantity - pd.Quantity
	if remaining <= qtyEpsilon {
		*slot = nil
		if e.empty() {
			delete(b.entries, key)
		}
		return ch, nil
	}

	next := old
	next.Quantity = remaining
	next.UpdatedAt = pd.UpdatedAt
	if b.basis == BreakEven {
		next.HoldingPrice = (old.HoldingPrice*old.Quantity - pd.HoldingPrice*pd.Quantity) / remaining
	}
	*slot = &next
	after := next
	ch.After = &after
	return ch, nil
}

// Get returns the entry for (security, direction).
func (b *Book) Get(sec domain.Security, d domain.Direction) (domain.PositionData, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[sec.Key()]
	if !ok {
		return domain.PositionData{}, false
	}
	p := *e.side(d)
	if p == nil {
		return domain.PositionData{}, false
	}
	return *p, true
}

// Has reports whether the security has any open entry.
func (b *Book) Has(sec domain.Security) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[sec.Key()]
	return ok
}

// Len returns the number of securities with at least one entry.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// All returns every entry ordered by security then LONG before SHORT.
func (b *Book) All() []domain.PositionData {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.PositionData, 0, 2*len(b.entries))
	for _, e := range b.entries {
		if e.long != nil {
			out = append(out, *e.long)
		}
		if e.short != nil {
			out = append(out, *e.short)
		}
	}
	sortEntries(out)
	return out
}

// Securities returns the held securities in code order.
func (b *Book) Securities() []domain.Security {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Security, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.security)
	}
	sort.Slice(out, func(i, j int) bool { return lessSecurity(out[i], out[j]) })
	return out
}

// Replace discards the book and loads the given entries, used when the
// venue is declared the source of truth. Zero-quantity entries are skipped.
func (b *Book) Replace(list []domain.PositionData) error {
	fresh := make(map[domain.SecurityKey]*entry, len(list))
	for _, pd := range list {
		if pd.Direction != domain.DirectionLong && pd.Direction != domain.DirectionShort {
			return fmt.Errorf("%w: %q", ErrInvalidDirection, pd.Direction)
		}
		if pd.Quantity <= qtyEpsilon {
			continue
		}
		key := pd.Security.Key()
		e, ok := fresh[key]
		if !ok {
			e = &entry{security: pd.Security}
			fresh[key] = e
		}
		p := pd
		*e.side(pd.Direction) = &p
	}
	b.mu.Lock()
	b.entries = fresh
	b.mu.Unlock()
	return nil
}

// Clone returns an independent copy.
func (b *Book) Clone() *Book {
	c := NewBook(b.basis)
	_ = c.Replace(b.All())
	return c
}

func sortEntries(list []domain.PositionData) {
	sort.Slice(list, func(i, j int) bool {
		a, c := list[i], list[j]
		if a.Security.Key() != c.Security.Key() {
			return lessSecurity(a.Security, c.Security)
		}
		return a.Direction == domain.DirectionLong && c.Direction != domain.DirectionLong
	})
}

func lessSecurity(a, b domain.Security) bool {
	if a.Code != b.Code {
		return a.Code < b.Code
	}
	if a.Exchange != b.Exchange {
		return a.Exchange < b.Exchange
	}
	return a.Name < b.Name
}
