// Package domain holds the value types shared by the ledger, position book,
// portfolio, gateways and scheduler.
package domain

import (
	"fmt"
	"time"
)

// Exchange identifies the listing venue of a security.
type Exchange string

const (
	ExchangeSEHK     Exchange = "SEHK"
	ExchangeHKFE     Exchange = "HKFE"
	ExchangeSSE      Exchange = "SSE"
	ExchangeSZSE     Exchange = "SZSE"
	ExchangeCME      Exchange = "CME"
	ExchangeCOMEX    Exchange = "COMEX"
	ExchangeNYMEX    Exchange = "NYMEX"
	ExchangeCBOT     Exchange = "CBOT"
	ExchangeECBOT    Exchange = "ECBOT"
	ExchangeSGE      Exchange = "SGE"
	ExchangeIDEALPRO Exchange = "IDEALPRO"
	ExchangeGLOBEX   Exchange = "GLOBEX"
	ExchangeSMART    Exchange = "SMART"
	ExchangeSGX      Exchange = "SGX"
	ExchangeICE      Exchange = "ICE"
	ExchangeNASDAQ   Exchange = "NASDAQ"
	ExchangeNYSE     Exchange = "NYSE"
	ExchangeASE      Exchange = "ASE"
)

// Direction is the book side of an order, fill or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNet   Direction = "NET"
)

// Opposite returns the other book side. NET has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return d
}

// Offset says whether a trade opens or closes exposure.
type Offset string

const (
	OffsetNone           Offset = "NONE"
	OffsetOpen           Offset = "OPEN"
	OffsetClose          Offset = "CLOSE"
	OffsetCloseToday     Offset = "CLOSE_TODAY"
	OffsetCloseYesterday Offset = "CLOSE_YESTERDAY"
)

// IsClose reports whether the offset reduces an existing book.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

// OrderType is the execution style requested from the venue.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeStop   OrderType = "STOP"
	OrderTypeFAK    OrderType = "FAK"
	OrderTypeFOK    OrderType = "FOK"
)

// TimeInForce controls how long a working order stays live.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
)

// TradeMode is fixed per venue for the life of a run.
type TradeMode string

const (
	TradeModeBacktest  TradeMode = "BACKTEST"
	TradeModeSimulate  TradeMode = "SIMULATE"
	TradeModeLivetrade TradeMode = "LIVETRADE"
)

// IsReplay reports whether the venue is driven by a historical calendar.
func (m TradeMode) IsReplay() bool { return m == TradeModeBacktest }

// Security is an immutable instrument identity. Key defines equality.
type Security struct {
	Code     string   `json:"code" yaml:"code"`
	Name     string   `json:"name" yaml:"name"`
	LotSize  int      `json:"lot_size" yaml:"lot_size"`
	Exchange Exchange `json:"exchange" yaml:"exchange"`
	Expiry   string   `json:"expiry,omitempty" yaml:"expiry,omitempty"` // YYYYMMDD for derivatives
}

// SecurityKey is the identity of a Security: code, name and exchange.
type SecurityKey struct {
	Code     string
	Name     string
	Exchange Exchange
}

// Key returns the identity used for map lookups.
func (s Security) Key() SecurityKey {
	return SecurityKey{Code: s.Code, Name: s.Name, Exchange: s.Exchange}
}

// Lot returns the lot size, treating an unset value as 1.
func (s Security) Lot() float64 {
	if s.LotSize <= 0 {
		return 1
	}
	return float64(s.LotSize)
}

func (s Security) String() string {
	return fmt.Sprintf("%s.%s", s.Exchange, s.Code)
}

// Bar is one OHLCV observation.
type Bar struct {
	Datetime time.Time `json:"datetime"`
	Security Security  `json:"security"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Quote is a top-of-book snapshot delivered by a live feed.
type Quote struct {
	Security     Security  `json:"security"`
	ExchangeTime time.Time `json:"exchange_time"`
	LastPrice    float64   `json:"last_price"`
	OpenPrice    float64   `json:"open_price"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	PrevClose    float64   `json:"prev_close_price"`
	Volume       float64   `json:"volume"`
	Turnover     float64   `json:"turnover"`
}

// Bar converts a quote into a bar stamped at the exchange time.
func (q Quote) Bar() Bar {
	return Bar{
		Datetime: q.ExchangeTime,
		Security: q.Security,
		Open:     q.OpenPrice,
		High:     q.HighPrice,
		Low:      q.LowPrice,
		Close:    q.LastPrice,
		Volume:   q.Volume,
	}
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Count  int     `json:"count"`
}

// OrderBook holds up to ten levels per side.
type OrderBook struct {
	Security     Security    `json:"security"`
	ExchangeTime time.Time   `json:"exchange_time"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
}

// Deal is an immutable execution record against an order.
type Deal struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Security  Security  `json:"security"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Type      OrderType `json:"type"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	At        time.Time `json:"at"`
}

// Notional is price * quantity * lot size.
func (d Deal) Notional() float64 {
	return d.Price * d.Quantity * d.Security.Lot()
}

// PositionData is one directional book entry. Direction is LONG or SHORT.
type PositionData struct {
	Security     Security  `json:"security"`
	Direction    Direction `json:"direction"`
	HoldingPrice float64   `json:"holding_price"`
	Quantity     float64   `json:"quantity"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AccountBalance is a venue account snapshot.
type AccountBalance struct {
	Cash              float64            `json:"cash"`
	AvailableCash     float64            `json:"available_cash"`
	CashByCurrency    map[string]float64 `json:"cash_by_currency,omitempty"`
	BuyingPower       float64            `json:"buying_power"`
	MaintenanceMargin float64            `json:"maintenance_margin"`
	UnrealizedPnL     float64            `json:"unrealized_pnl"`
	RealizedPnL       float64            `json:"realized_pnl"`
}

// Clone returns a deep copy.
func (b AccountBalance) Clone() AccountBalance {
	out := b
	if b.CashByCurrency != nil {
		out.CashByCurrency = make(map[string]float64, len(b.CashByCurrency))
		for k, v := range b.CashByCurrency {
			out.CashByCurrency[k] = v
		}
	}
	return out
}
