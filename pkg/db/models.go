package db

import "time"

// OrderRow is an order as journaled.
type OrderRow struct {
	Venue          string
	ID             string
	Code           string
	Exchange       string
	Direction      string
	Offset         string
	Type           string
	Price          float64
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DealRow is a deal as journaled.
type DealRow struct {
	Venue     string
	ID        string
	OrderID   string
	Code      string
	Exchange  string
	Direction string
	Offset    string
	Price     float64
	Qty       float64
	Fee       float64
	At        time.Time
}

// BarRow is one stored OHLCV bar.
type BarRow struct {
	Code     string
	Datetime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// RecordRow is one recorded field value of one tick.
type RecordRow struct {
	Run   string
	Tick  int
	Field string
	Value string
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
