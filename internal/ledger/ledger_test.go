package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant-trader/internal/domain"
)

var sec = domain.Security{Code: "HK.00700", Name: "Tencent", LotSize: 100, Exchange: domain.ExchangeSEHK}

func submitted(id string, qty float64) domain.Order {
	return domain.Order{
		ID:        id,
		Security:  sec,
		Price:     300,
		Quantity:  qty,
		Direction: domain.DirectionLong,
		Offset:    domain.OffsetOpen,
		Type:      domain.OrderTypeLimit,
		Status:    domain.OrderStatusSubmitted,
	}
}

func fill(id, orderID string, price, qty float64, at time.Time) domain.Deal {
	return domain.Deal{
		ID:        id,
		OrderID:   orderID,
		Security:  sec,
		Direction: domain.DirectionLong,
		Offset:    domain.OffsetOpen,
		Price:     price,
		Quantity:  qty,
		At:        at,
	}
}

type recordingJournal struct {
	mu     sync.Mutex
	orders []domain.Order
	deals  []domain.Deal
}

func (j *recordingJournal) OrderChanged(_ string, o domain.Order) {
	j.mu.Lock()
	j.orders = append(j.orders, o)
	j.mu.Unlock()
}

func (j *recordingJournal) DealRecorded(_ string, d domain.Deal) {
	j.mu.Lock()
	j.deals = append(j.deals, d)
	j.mu.Unlock()
}

func TestGetOrderWaitsForAck(t *testing.T) {
	l := New("futu")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = l.PutOrder(submitted("o1", 100))
	}()

	o, err := l.GetOrderTimeout("o1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, o.Status)
}

func TestGetOrderPending(t *testing.T) {
	l := New("futu")
	_, err := l.GetOrderTimeout("nope", 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrOrderPending)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = l.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, ErrOrderPending)
}

func TestTerminalStateIsFinal(t *testing.T) {
	l := New("futu")
	o := submitted("o1", 100)
	require.NoError(t, l.PutOrder(o))

	o.Status = domain.OrderStatusCancelled
	require.NoError(t, l.PutOrder(o))

	o.Status = domain.OrderStatusSubmitted
	assert.ErrorIs(t, l.PutOrder(o), ErrStaleUpdate)

	got, ok := l.LookupOrder("o1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
}

func TestRecordFillFoldsIntoOrder(t *testing.T) {
	j := &recordingJournal{}
	l := New("futu", WithJournal(j))
	now := time.Now()
	require.NoError(t, l.PutOrder(submitted("o1", 100)))

	require.NoError(t, l.RecordFill(fill("d1", "o1", 300, 40, now)))
	require.NoError(t, l.RecordFill(fill("d2", "o1", 301, 60, now.Add(time.Second))))

	o, _ := l.LookupOrder("o1")
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.InDelta(t, 100, o.FilledQuantity, 1e-9)
	assert.InDelta(t, (300*40+301*60)/100.0, o.FilledAvgPrice, 1e-9)

	deals := l.FindDealsWithOrder("o1")
	require.Len(t, deals, 2)
	assert.Equal(t, "d1", deals[0].ID)
	assert.Equal(t, "d2", deals[1].ID)

	assert.Len(t, j.deals, 2)
	assert.Len(t, j.orders, 3)
}

func TestDuplicateDealIgnored(t *testing.T) {
	l := New("futu")
	require.NoError(t, l.PutOrder(submitted("o1", 100)))
	d := fill("d1", "o1", 300, 10, time.Now())
	require.NoError(t, l.RecordFill(d))

	assert.ErrorIs(t, l.RecordFill(d), ErrDuplicateDeal)
	o, _ := l.LookupOrder("o1")
	assert.InDelta(t, 10, o.FilledQuantity, 1e-9)
	assert.Len(t, l.Deals(), 1)
}

func TestFillBeforeAck(t *testing.T) {
	l := New("futu")
	require.NoError(t, l.RecordFill(fill("d1", "o1", 300, 100, time.Now())))

	_, ok := l.LookupOrder("o1")
	assert.False(t, ok)
	assert.Empty(t, l.FindDealsWithOrder("o1"), "held fills are not visible before the order")
	assert.ErrorIs(t, l.RecordFill(fill("d1", "o1", 300, 100, time.Now())), ErrDuplicateDeal)

	require.NoError(t, l.PutOrder(submitted("o1", 100)))
	o, err := l.GetOrderTimeout("o1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Len(t, l.FindDealsWithOrder("o1"), 1)
}

func TestFillAfterTerminalIsRejected(t *testing.T) {
	tests := []struct {
		name   string
		final  domain.OrderStatus
		filled float64
	}{
		{"cancelled", domain.OrderStatusCancelled, 0},
		{"filled", domain.OrderStatusFilled, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &recordingJournal{}
			l := New("paper", WithJournal(j))
			now := time.Now()
			o := submitted("o1", 100)
			require.NoError(t, l.PutOrder(o))
			if tt.final == domain.OrderStatusFilled {
				require.NoError(t, l.RecordFill(fill("d0", "o1", 300, 100, now)))
			} else {
				o.Status = tt.final
				require.NoError(t, l.PutOrder(o))
			}

			err := l.RecordFill(fill("late", "o1", 300, 10, now.Add(time.Second)))
			assert.ErrorIs(t, err, ErrFillRejected)

			got, _ := l.LookupOrder("o1")
			assert.Equal(t, tt.final, got.Status)
			assert.InDelta(t, tt.filled, got.FilledQuantity, 1e-9)
			var sum float64
			for _, d := range l.FindDealsWithOrder("o1") {
				assert.NotEqual(t, "late", d.ID)
				sum += d.Quantity
			}
			assert.InDelta(t, got.FilledQuantity, sum, 1e-9, "stored deals always add up to the filled quantity")
			for _, d := range j.deals {
				assert.NotEqual(t, "late", d.ID)
			}
		})
	}
}

func TestHeldFillRejectedByTerminalAck(t *testing.T) {
	l := New("paper")
	require.NoError(t, l.RecordFill(fill("d1", "o1", 300, 10, time.Now())))

	o := submitted("o1", 100)
	o.Status = domain.OrderStatusCancelled
	assert.ErrorIs(t, l.PutOrder(o), ErrFillRejected)

	got, ok := l.LookupOrder("o1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.Empty(t, l.FindDealsWithOrder("o1"))
}

func TestDealsSortedByTime(t *testing.T) {
	l := New("futu")
	now := time.Now()
	require.NoError(t, l.PutDeal(fill("b", "o1", 1, 1, now.Add(time.Second))))
	require.NoError(t, l.PutDeal(fill("a", "o1", 1, 1, now)))
	deals := l.Deals()
	require.Len(t, deals, 2)
	assert.Equal(t, "a", deals[0].ID)

	assert.ErrorIs(t, l.PutDeal(domain.Deal{}), ErrEmptyID)
	assert.ErrorIs(t, l.PutOrder(domain.Order{}), ErrEmptyID)
}
