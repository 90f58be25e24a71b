// Package market delivers live quote batches to the scheduler and caches
// the latest quote per security for synchronous readers.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
)

// DefaultChannel is the pub/sub channel quote publishers write to.
const DefaultChannel = "quant_trader_quotes_channel"

// Record is one security's update inside a published batch.
type Record struct {
	Code     string  `json:"code"`
	Datetime string  `json:"datetime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Decode parses a JSON array of records.
func Decode(b []byte) ([]Record, error) {
	var out []Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("market: decode batch: %w", err)
	}
	return out, nil
}

// Encode renders records as a JSON array.
func Encode(recs []Record) ([]byte, error) {
	return json.Marshal(recs)
}

// Bar converts r for sec. A missing datetime takes fallback.
func (r Record) Bar(sec domain.Security, loc *time.Location, fallback time.Time) (domain.Bar, error) {
	at := fallback
	if r.Datetime != "" {
		t, err := data.ParseTime(r.Datetime, loc)
		if err != nil {
			return domain.Bar{}, err
		}
		at = t
	}
	return domain.Bar{
		Datetime: at,
		Security: sec,
		Open:     r.Open,
		High:     r.High,
		Low:      r.Low,
		Close:    r.Close,
		Volume:   r.Volume,
	}, nil
}

// Feed is a live source of quote batches. The channel closes when ctx is
// done or the source ends.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan []Record, error)
}
