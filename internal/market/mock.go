package market

import (
	"context"
	"math/rand"
	"time"
)

// MockFeed generates random-walk batches for local development.
type MockFeed struct {
	Codes      []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
	// Limit stops the feed after that many batches when positive.
	Limit int
	Seed  int64
	Now   func() time.Time
}

// Subscribe starts the generator.
func (m *MockFeed) Subscribe(ctx context.Context) (<-chan []Record, error) {
	price := m.StartPrice
	if price == 0 {
		price = 100.0
	}
	step := m.Step
	if step == 0 {
		step = 0.5
	}
	interval := m.Interval
	if interval == 0 {
		interval = time.Second
	}
	now := m.Now
	if now == nil {
		now = time.Now
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	prices := make(map[string]float64, len(m.Codes))
	for _, c := range m.Codes {
		prices[c] = price
	}

	out := make(chan []Record, 1)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for n := 0; m.Limit <= 0 || n < m.Limit; n++ {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			stamp := now().Format("2006-01-02 15:04:05")
			batch := make([]Record, 0, len(m.Codes))
			for _, code := range m.Codes {
				open := prices[code]
				closePx := open + (rng.Float64()*2-1)*step
				if closePx <= 0 {
					closePx = step
				}
				prices[code] = closePx
				batch = append(batch, Record{
					Code:     code,
					Datetime: stamp,
					Open:     open,
					High:     max(open, closePx),
					Low:      min(open, closePx),
					Close:    closePx,
					Volume:   float64(rng.Intn(1000) + 1),
				})
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
