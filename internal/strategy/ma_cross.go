package strategy

import (
	"context"

	"github.com/markcheno/go-talib"
	"go.uber.org/multierr"

	"quant-trader/internal/domain"
)

// MACrossParams tunes the moving average crossover.
type MACrossParams struct {
	Fast int     `yaml:"fast"`
	Slow int     `yaml:"slow"`
	Lot  float64 `yaml:"lot"`
}

// MACross buys when the fast SMA crosses above the slow SMA (golden cross)
// and sells on the opposite cross.
type MACross struct {
	*Base
	params MACrossParams
	prices map[string]map[domain.SecurityKey][]float64
}

// NewMACross creates the crossover strategy on base.
func NewMACross(base *Base, p MACrossParams) *MACross {
	if p.Fast <= 0 {
		p.Fast = 10
	}
	if p.Slow <= p.Fast {
		p.Slow = 3 * p.Fast
	}
	if p.Lot <= 0 {
		p.Lot = 1
	}
	m := &MACross{Base: base, params: p, prices: make(map[string]map[domain.SecurityKey][]float64)}
	for _, venue := range base.Venues() {
		m.prices[venue] = make(map[domain.SecurityKey][]float64)
	}
	return m
}

func (m *MACross) signal(prices []float64) string {
	// one extra close to see the previous pair
	if len(prices) < m.params.Slow+1 {
		return ""
	}
	fast := talib.Sma(prices, m.params.Fast)
	slow := talib.Sma(prices, m.params.Slow)
	n := len(prices)
	switch {
	case fast[n-2] <= slow[n-2] && fast[n-1] > slow[n-1]:
		return "BUY"
	case fast[n-2] >= slow[n-2] && fast[n-1] < slow[n-1]:
		return "SELL"
	}
	return ""
}

// OnBar updates the price history and trades crosses.
func (m *MACross) OnBar(ctx context.Context, bars Bars) error {
	var errs error
	for _, venue := range m.Venues() {
		cur, ok := bars[venue]
		if !ok {
			continue
		}
		for _, sec := range m.Securities()[venue] {
			bar, ok := cur[sec.Key()]
			if !ok {
				continue
			}
			h := append(m.prices[venue][sec.Key()], bar.Close)
			if len(h) > m.params.Slow+1 {
				h = h[len(h)-m.params.Slow-1:]
			}
			m.prices[venue][sec.Key()] = h

			if action := m.signal(h); action != "" {
				errs = multierr.Append(errs, m.Trade(ctx, venue, bar, action, m.params.Lot))
			}
		}
	}
	return errs
}
