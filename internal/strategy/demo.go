package strategy

import (
	"context"

	"github.com/markcheno/go-talib"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"quant-trader/internal/domain"
)

// DemoParams tunes the MACD demo.
type DemoParams struct {
	Fast   int     `yaml:"fast"`
	Slow   int     `yaml:"slow"`
	Signal int     `yaml:"signal"`
	Window int     `yaml:"window"` // closes kept per security
	Lot    float64 `yaml:"lot"`
}

// DefaultDemoParams is MACD(12,26,9) over the last 60 closes, one lot.
func DefaultDemoParams() DemoParams {
	return DemoParams{Fast: 12, Slow: 26, Signal: 9, Window: 60, Lot: 1}
}

// Demo trades MACD crossovers: a MACD falling through its signal line
// above zero sells, rising through it below zero buys. An opposite
// holding is closed before a new one is opened.
type Demo struct {
	*Base
	params  DemoParams
	history map[string]map[domain.SecurityKey][]float64
}

// NewDemo creates the MACD demo on base.
func NewDemo(base *Base, p DemoParams) *Demo {
	def := DefaultDemoParams()
	if p.Fast <= 0 {
		p.Fast = def.Fast
	}
	if p.Slow <= 0 {
		p.Slow = def.Slow
	}
	if p.Signal <= 0 {
		p.Signal = def.Signal
	}
	if p.Window < p.Slow+p.Signal {
		p.Window = max(def.Window, p.Slow+p.Signal)
	}
	if p.Lot <= 0 {
		p.Lot = def.Lot
	}
	d := &Demo{Base: base, params: p, history: make(map[string]map[domain.SecurityKey][]float64)}
	for _, venue := range base.Venues() {
		d.history[venue] = make(map[domain.SecurityKey][]float64)
	}
	return d
}

// signal returns BUY, SELL or "" for a close series.
func (d *Demo) signal(closes []float64) string {
	if len(closes) < d.params.Slow+d.params.Signal {
		return ""
	}
	macd, sig, _ := talib.Macd(closes, d.params.Fast, d.params.Slow, d.params.Signal)
	n := len(macd)
	prev, cur, curSig := macd[n-2], macd[n-1], sig[n-1]
	switch {
	case prev > curSig && curSig > cur && cur > 0:
		return "SELL"
	case prev < curSig && curSig < cur && cur < 0:
		return "BUY"
	}
	return ""
}

// OnBar feeds each venue's bars into the close history and trades any
// signal. Failures of one security do not stop the others.
func (d *Demo) OnBar(ctx context.Context, bars Bars) error {
	var errs error
	for _, venue := range d.Venues() {
		cur, ok := bars[venue]
		if !ok {
			continue
		}
		if bal, err := d.Engine().GetBalance(venue); err == nil {
			d.Logger().Debug("demo: balance", zap.String("venue", venue), zap.Float64("cash", bal.Cash))
		}
		for _, sec := range d.Securities()[venue] {
			bar, ok := cur[sec.Key()]
			if !ok {
				continue
			}
			h := append(d.history[venue][sec.Key()], bar.Close)
			if len(h) > d.params.Window {
				h = h[len(h)-d.params.Window:]
			}
			d.history[venue][sec.Key()] = h

			action := d.signal(h)
			if action == "" {
				continue
			}
			errs = multierr.Append(errs, d.Trade(ctx, venue, bar, action, d.params.Lot))
		}
	}
	return errs
}
