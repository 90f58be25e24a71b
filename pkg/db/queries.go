package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Statements used by the batch writer. Arguments come from the *Args helpers.
const (
	UpsertOrderSQL = `
		INSERT INTO orders (venue, id, code, exchange, direction, offset_flag, order_type, price, qty, filled_qty, filled_avg_price, status, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue, id) DO UPDATE SET
			filled_qty = excluded.filled_qty,
			filled_avg_price = excluded.filled_avg_price,
			status = excluded.status,
			updated_ms = excluded.updated_ms`

	InsertDealSQL = `
		INSERT OR IGNORE INTO deals (venue, id, order_id, code, exchange, direction, offset_flag, price, qty, fee, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	UpsertRecordSQL = `
		INSERT INTO records (run, tick, field, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(run, tick, field) DO UPDATE SET value = excluded.value`
)

// OrderArgs flattens r for UpsertOrderSQL.
func OrderArgs(r OrderRow) []any {
	return []any{r.Venue, r.ID, r.Code, r.Exchange, r.Direction, r.Offset, r.Type, r.Price, r.Qty,
		r.FilledQty, r.FilledAvgPrice, r.Status, toMillis(r.CreatedAt), toMillis(r.UpdatedAt)}
}

// DealArgs flattens r for InsertDealSQL.
func DealArgs(r DealRow) []any {
	return []any{r.Venue, r.ID, r.OrderID, r.Code, r.Exchange, r.Direction, r.Offset, r.Price, r.Qty, r.Fee, toMillis(r.At)}
}

// RecordArgs flattens r for UpsertRecordSQL.
func RecordArgs(r RecordRow) []any {
	return []any{r.Run, r.Tick, r.Field, r.Value}
}

// UpsertBars stores bars in one transaction.
func (d *Database) UpsertBars(ctx context.Context, bars []BarRow) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (code, datetime_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, datetime_ms) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`)
	if err != nil {
		return fmt.Errorf("prepare bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Code, toMillis(b.Datetime), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("insert bar %s: %w", b.Code, err)
		}
	}
	return tx.Commit()
}

// ListBars returns bars of code in [start, end], oldest first. A zero end
// means unbounded.
func (d *Database) ListBars(ctx context.Context, code string, start, end time.Time) ([]BarRow, error) {
	hi := int64(1<<62 - 1)
	if !end.IsZero() {
		hi = end.UnixMilli()
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT code, datetime_ms, open, high, low, close, volume
		FROM bars
		WHERE code = ? AND datetime_ms >= ? AND datetime_ms <= ?
		ORDER BY datetime_ms`, code, toMillis(start), hi)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []BarRow
	for rows.Next() {
		var b BarRow
		var ms int64
		if err := rows.Scan(&b.Code, &ms, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Datetime = fromMillis(ms)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetOrder returns one journaled order.
func (d *Database) GetOrder(ctx context.Context, venue, id string) (OrderRow, error) {
	rows, err := d.listOrders(ctx, `WHERE venue = ? AND id = ?`, venue, id)
	if err != nil {
		return OrderRow{}, err
	}
	if len(rows) == 0 {
		return OrderRow{}, ErrNotFound
	}
	return rows[0], nil
}

// ListOrders returns the journaled orders of venue, oldest first.
func (d *Database) ListOrders(ctx context.Context, venue string) ([]OrderRow, error) {
	return d.listOrders(ctx, `WHERE venue = ?`, venue)
}

func (d *Database) listOrders(ctx context.Context, where string, args ...any) ([]OrderRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT venue, id, code, exchange, direction, offset_flag, order_type, price, qty,
			filled_qty, filled_avg_price, status, created_ms, updated_ms
		FROM orders `+where+` ORDER BY created_ms, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var r OrderRow
		var created, updated int64
		if err := rows.Scan(&r.Venue, &r.ID, &r.Code, &r.Exchange, &r.Direction, &r.Offset, &r.Type,
			&r.Price, &r.Qty, &r.FilledQty, &r.FilledAvgPrice, &r.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.CreatedAt = fromMillis(created)
		r.UpdatedAt = fromMillis(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListDeals returns the journaled deals of venue. A non-empty orderID
// narrows to that order.
func (d *Database) ListDeals(ctx context.Context, venue, orderID string) ([]DealRow, error) {
	query := `
		SELECT venue, id, order_id, code, exchange, direction, offset_flag, price, qty, fee, at_ms
		FROM deals WHERE venue = ?`
	args := []any{venue}
	if orderID != "" {
		query += ` AND order_id = ?`
		args = append(args, orderID)
	}
	rows, err := d.DB.QueryContext(ctx, query+` ORDER BY at_ms, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query deals: %w", err)
	}
	defer rows.Close()

	var out []DealRow
	for rows.Next() {
		var r DealRow
		var at int64
		if err := rows.Scan(&r.Venue, &r.ID, &r.OrderID, &r.Code, &r.Exchange, &r.Direction, &r.Offset,
			&r.Price, &r.Qty, &r.Fee, &at); err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		r.At = fromMillis(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRecords returns the recorded values of run ordered by tick then field.
func (d *Database) ListRecords(ctx context.Context, run string) ([]RecordRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT run, tick, field, COALESCE(value, '')
		FROM records WHERE run = ? ORDER BY tick, field`, run)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		if err := rows.Scan(&r.Run, &r.Tick, &r.Field, &r.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
