package fees

import (
	"github.com/shopspring/decimal"

	"quant-trader/internal/domain"
)

var (
	hkCommissionRate = decimal.RequireFromString("0.0008")
	hkMinCommission  = decimal.NewFromInt(18)
	cent             = decimal.RequireFromString("0.01")
)

// IBHKEquity is the Interactive Brokers fixed schedule for SEHK equities.
// Trade amount is price * quantity as reported on the deal.
type IBHKEquity struct{}

func (IBHKEquity) Fees(deals ...domain.Deal) Breakdown {
	var (
		b                                       Breakdown
		total, system, settle, stamp, trade, tx decimal.Decimal
	)
	for _, d := range deals {
		amount := decimal.NewFromFloat(d.Price).Mul(decimal.NewFromFloat(d.Quantity))
		b.NumberOfTrades++
		total = total.Add(amount)

		system = system.Add(decimal.RequireFromString("0.50"))
		settle = settle.Add(clamp(amount.Mul(decimal.RequireFromString("0.00002")), decimal.NewFromInt(2), decimal.NewFromInt(100)).Round(2))
		stamp = stamp.Add(amount.Mul(decimal.RequireFromString("0.0013")).Ceil())
		trade = trade.Add(decimal.Max(amount.Mul(decimal.RequireFromString("0.00005")), cent).Round(2))
		tx = tx.Add(decimal.Max(amount.Mul(decimal.RequireFromString("0.000027")), cent).Round(2))
	}
	if b.NumberOfTrades > 0 {
		b.Commissions = money(decimal.Max(total.Mul(hkCommissionRate), hkMinCommission))
	}
	b.TotalTradeAmount, _ = total.Float64()
	b.SystemFees = money(system)
	b.SettlementFees = money(settle)
	b.StampFees = money(stamp)
	b.TradeFees = money(trade)
	b.TransactionFees = money(tx)
	b.sum()
	return b
}

// IBConnectEquity is the Interactive Brokers schedule for Shanghai/Shenzhen
// Stock Connect equities traded from Hong Kong.
type IBConnectEquity struct{}

func (IBConnectEquity) Fees(deals ...domain.Deal) Breakdown {
	var (
		b                                   Breakdown
		total, system, settle, stamp, trade decimal.Decimal
	)
	for _, d := range deals {
		amount := decimal.NewFromFloat(d.Price).Mul(decimal.NewFromFloat(d.Quantity))
		b.NumberOfTrades++
		total = total.Add(amount)

		system = system.Add(amount.Mul(decimal.RequireFromString("0.00002")).Round(2))
		settle = settle.Add(amount.Mul(decimal.RequireFromString("0.00004")).Round(2))
		stamp = stamp.Add(amount.Mul(decimal.RequireFromString("0.001")).Round(2))
		trade = trade.Add(amount.Mul(decimal.RequireFromString("0.0000487")).Round(2))
	}
	if b.NumberOfTrades > 0 {
		b.Commissions = money(decimal.Max(total.Mul(hkCommissionRate), hkMinCommission))
	}
	b.TotalTradeAmount, _ = total.Float64()
	b.SystemFees = money(system)
	b.SettlementFees = money(settle)
	b.StampFees = money(stamp)
	b.TradeFees = money(trade)
	b.sum()
	return b
}
