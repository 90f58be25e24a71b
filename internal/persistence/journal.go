package persistence

import (
	"quant-trader/internal/domain"
	"quant-trader/internal/fees"
	"quant-trader/pkg/db"
)

// Journal mirrors ledger writes into the orders and deals tables.
type Journal struct {
	w    *BatchWriter
	fees func(venue string) fees.Model
}

// NewJournal writes through w. feeFor, when set, stamps each deal with the
// fee its venue charges.
func NewJournal(w *BatchWriter, feeFor func(venue string) fees.Model) *Journal {
	return &Journal{w: w, fees: feeFor}
}

// OrderChanged upserts o.
func (j *Journal) OrderChanged(venue string, o domain.Order) {
	j.w.WriteQuery(db.UpsertOrderSQL, db.OrderArgs(db.OrderRow{
		Venue:          venue,
		ID:             o.ID,
		Code:           o.Security.Code,
		Exchange:       string(o.Security.Exchange),
		Direction:      string(o.Direction),
		Offset:         string(o.Offset),
		Type:           string(o.Type),
		Price:          o.Price,
		Qty:            o.Quantity,
		FilledQty:      o.FilledQuantity,
		FilledAvgPrice: o.FilledAvgPrice,
		Status:         string(o.Status),
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	})...)
}

// DealRecorded inserts d.
func (j *Journal) DealRecorded(venue string, d domain.Deal) {
	var fee float64
	if j.fees != nil {
		if m := j.fees(venue); m != nil {
			fee = m.Fees(d).Total
		}
	}
	j.w.WriteQuery(db.InsertDealSQL, db.DealArgs(db.DealRow{
		Venue:     venue,
		ID:        d.ID,
		OrderID:   d.OrderID,
		Code:      d.Security.Code,
		Exchange:  string(d.Security.Exchange),
		Direction: string(d.Direction),
		Offset:    string(d.Offset),
		Price:     d.Price,
		Qty:       d.Quantity,
		Fee:       fee,
		At:        d.At,
	})...)
}

// Record writes one field value of one tick for run.
func (j *Journal) Record(run string, tick int, field, value string) {
	j.w.WriteQuery(db.UpsertRecordSQL, db.RecordArgs(db.RecordRow{Run: run, Tick: tick, Field: field, Value: value})...)
}
