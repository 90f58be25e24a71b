// Package fees implements venue fee schedules. A model turns one or more
// deals into an itemized breakdown; the portfolio deducts Total from cash.
package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"quant-trader/internal/domain"
)

// Breakdown itemizes the charges for a set of deals.
type Breakdown struct {
	Commissions      float64 `json:"commissions"`       // broker
	PlatformFees     float64 `json:"platform_fees"`     // broker
	SystemFees       float64 `json:"system_fees"`       // exchange
	SettlementFees   float64 `json:"settlement_fees"`   // clearing
	StampFees        float64 `json:"stamp_fees"`        // government stamp duty
	TradeFees        float64 `json:"trade_fees"`        // exchange trading fee
	TransactionFees  float64 `json:"transaction_fees"`  // regulator levy
	Total            float64 `json:"total_fees"`
	TotalTradeAmount float64 `json:"total_trade_amount"`
	NumberOfTrades   int     `json:"total_number_of_trades"`
}

func (b *Breakdown) sum() {
	total := decimal.Zero
	for _, v := range []float64{b.Commissions, b.PlatformFees, b.SystemFees, b.SettlementFees, b.StampFees, b.TradeFees, b.TransactionFees} {
		total = total.Add(decimal.NewFromFloat(v))
	}
	b.Total = money(total)
}

// Model computes fees for deals.
type Model interface {
	Fees(deals ...domain.Deal) Breakdown
}

// ModelFunc adapts a function to Model.
type ModelFunc func(deals ...domain.Deal) Breakdown

func (f ModelFunc) Fees(deals ...domain.Deal) Breakdown { return f(deals...) }

// Zero charges nothing.
type Zero struct{}

func (Zero) Fees(deals ...domain.Deal) Breakdown {
	b := Breakdown{NumberOfTrades: len(deals)}
	for _, d := range deals {
		b.TotalTradeAmount += d.Price * d.Quantity
	}
	return b
}

// FlatRate charges Rate of notional as commission, with an optional floor per deal.
type FlatRate struct {
	Rate    float64
	Minimum float64
}

func (f FlatRate) Fees(deals ...domain.Deal) Breakdown {
	var b Breakdown
	commission := decimal.Zero
	for _, d := range deals {
		amount := decimal.NewFromFloat(d.Notional())
		b.NumberOfTrades++
		b.TotalTradeAmount += d.Notional()
		c := amount.Mul(decimal.NewFromFloat(f.Rate))
		c = decimal.Max(c, decimal.NewFromFloat(f.Minimum))
		commission = commission.Add(c)
	}
	b.Commissions = money(commission)
	b.sum()
	return b
}

// CQG charges a fixed amount per contract.
type CQG struct {
	PerContract float64
}

// DefaultCQGPerContract is the CQG futures commission per contract.
const DefaultCQGPerContract = 1.92

func (c CQG) Fees(deals ...domain.Deal) Breakdown {
	per := c.PerContract
	if per == 0 {
		per = DefaultCQGPerContract
	}
	var b Breakdown
	commission := decimal.Zero
	for _, d := range deals {
		b.NumberOfTrades++
		b.TotalTradeAmount += d.Price * d.Quantity
		commission = commission.Add(decimal.NewFromFloat(per).Mul(decimal.NewFromFloat(d.Quantity)))
	}
	b.Commissions, _ = commission.Float64()
	b.sum()
	return b
}

// New returns the model registered under name.
func New(name string, rate float64) (Model, error) {
	switch strings.ToLower(name) {
	case "", "zero", "none":
		return Zero{}, nil
	case "flat", "flat_rate":
		return FlatRate{Rate: rate}, nil
	case "ib_hk_equity":
		return IBHKEquity{}, nil
	case "ib_connect_equity", "ib_shsz_hk_connect_equity":
		return IBConnectEquity{}, nil
	case "cqg":
		return CQG{}, nil
	}
	return nil, fmt.Errorf("fees: unknown model %q", name)
}

// money rounds to cents.
func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	return decimal.Min(decimal.Max(d, lo), hi)
}
