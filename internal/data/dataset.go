// Package data holds preloaded historical bars for replay venues.
package data

import (
	"sort"
	"time"

	"quant-trader/internal/domain"
)

// Dataset indexes bars by security and exact timestamp. It is read-only
// once built and safe for concurrent readers.
type Dataset struct {
	exact  map[domain.SecurityKey]map[int64]domain.Bar
	series map[domain.SecurityKey][]domain.Bar
	times  []time.Time
}

// NewDataset indexes bars. A later bar with the same security and
// timestamp replaces an earlier one.
func NewDataset(bars []domain.Bar) *Dataset {
	d := &Dataset{
		exact:  make(map[domain.SecurityKey]map[int64]domain.Bar),
		series: make(map[domain.SecurityKey][]domain.Bar),
	}
	seen := make(map[int64]time.Time)
	for _, b := range bars {
		key := b.Security.Key()
		m, ok := d.exact[key]
		if !ok {
			m = make(map[int64]domain.Bar)
			d.exact[key] = m
		}
		ts := b.Datetime.UnixNano()
		m[ts] = b
		if _, ok := seen[ts]; !ok {
			seen[ts] = b.Datetime
		}
	}
	for key, m := range d.exact {
		s := make([]domain.Bar, 0, len(m))
		for _, b := range m {
			s = append(s, b)
		}
		sort.Slice(s, func(i, j int) bool { return s[i].Datetime.Before(s[j].Datetime) })
		d.series[key] = s
	}
	for _, t := range seen {
		d.times = append(d.times, t)
	}
	sort.Slice(d.times, func(i, j int) bool { return d.times[i].Before(d.times[j]) })
	return d
}

// Bar returns the bar for sec stamped exactly at t.
func (d *Dataset) Bar(sec domain.Security, t time.Time) (domain.Bar, bool) {
	m, ok := d.exact[sec.Key()]
	if !ok {
		return domain.Bar{}, false
	}
	b, ok := m[t.UnixNano()]
	return b, ok
}

// Last returns the latest bar for sec at or before t.
func (d *Dataset) Last(sec domain.Security, t time.Time) (domain.Bar, bool) {
	s := d.series[sec.Key()]
	i := sort.Search(len(s), func(i int) bool { return s[i].Datetime.After(t) })
	if i == 0 {
		return domain.Bar{}, false
	}
	return s[i-1], true
}

// Series returns every bar of sec in time order.
func (d *Dataset) Series(sec domain.Security) []domain.Bar {
	return append([]domain.Bar(nil), d.series[sec.Key()]...)
}

// Times returns the distinct bar timestamps in order.
func (d *Dataset) Times() []time.Time {
	return append([]time.Time(nil), d.times...)
}

// Span returns the first and last timestamps. ok is false when empty.
func (d *Dataset) Span() (start, end time.Time, ok bool) {
	if len(d.times) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return d.times[0], d.times[len(d.times)-1], true
}

// Len returns the number of indexed bars.
func (d *Dataset) Len() int {
	n := 0
	for _, s := range d.series {
		n += len(s)
	}
	return n
}
