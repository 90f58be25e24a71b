package market

import (
	"context"
	"time"

	"quant-trader/internal/domain"
	"quant-trader/pkg/handoff"
)

// QuoteCache keeps the latest quote and order book per security. Feed
// goroutines write it; strategies and venues read it.
type QuoteCache struct {
	quotes *handoff.Map[domain.SecurityKey, domain.Quote]
	books  *handoff.Map[domain.SecurityKey, domain.OrderBook]
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		quotes: handoff.New[domain.SecurityKey, domain.Quote](),
		books:  handoff.New[domain.SecurityKey, domain.OrderBook](),
	}
}

// PutQuote stores q as the latest quote of its security.
func (c *QuoteCache) PutQuote(q domain.Quote) {
	c.quotes.Put(q.Security.Key(), q)
}

// PutBar stores a bar as a quote.
func (c *QuoteCache) PutBar(b domain.Bar) {
	c.PutQuote(domain.Quote{
		Security:     b.Security,
		ExchangeTime: b.Datetime,
		LastPrice:    b.Close,
		OpenPrice:    b.Open,
		HighPrice:    b.High,
		LowPrice:     b.Low,
		Volume:       b.Volume,
	})
}

// PutOrderBook stores the latest book of its security.
func (c *QuoteCache) PutOrderBook(b domain.OrderBook) {
	c.books.Put(b.Security.Key(), b)
}

// Latest returns the latest quote without waiting.
func (c *QuoteCache) Latest(sec domain.Security) (domain.Quote, bool) {
	return c.quotes.Lookup(sec.Key())
}

// WaitQuote waits at most d for the first quote of sec.
func (c *QuoteCache) WaitQuote(sec domain.Security, d time.Duration) (domain.Quote, error) {
	return c.quotes.GetTimeout(sec.Key(), d)
}

// OrderBook waits until ctx is done for the book of sec.
func (c *QuoteCache) OrderBook(ctx context.Context, sec domain.Security) (domain.OrderBook, error) {
	return c.books.Get(ctx, sec.Key())
}

// RecentBar returns the latest quote as a bar, for venues priced from this cache.
func (c *QuoteCache) RecentBar(sec domain.Security, _ time.Time) (domain.Bar, bool) {
	q, ok := c.Latest(sec)
	if !ok {
		return domain.Bar{}, false
	}
	return q.Bar(), true
}
