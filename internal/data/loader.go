package data

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"quant-trader/internal/domain"
	"quant-trader/pkg/db"
)

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts the datetime layouts used in bar files.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("data: unrecognized datetime %q", s)
}

// ReadCSV parses bars with header code,datetime,open,high,low,close,volume.
// Rows for codes not in securities are skipped.
func ReadCSV(r io.Reader, securities []domain.Security, loc *time.Location) ([]domain.Bar, error) {
	byCode := make(map[string]domain.Security, len(securities))
	for _, s := range securities {
		byCode[s.Code] = s
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("data: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range []string{"code", "datetime", "open", "high", "low", "close", "volume"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("data: missing column %q", want)
		}
	}

	var bars []domain.Bar
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("data: line %d: %w", line, err)
		}
		sec, ok := byCode[rec[col["code"]]]
		if !ok {
			continue
		}
		at, err := ParseTime(rec[col["datetime"]], loc)
		if err != nil {
			return nil, fmt.Errorf("data: line %d: %w", line, err)
		}
		var v [5]float64
		for i, name := range []string{"open", "high", "low", "close", "volume"} {
			f, err := strconv.ParseFloat(strings.TrimSpace(rec[col[name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("data: line %d column %s: %w", line, name, err)
			}
			v[i] = f
		}
		bars = append(bars, domain.Bar{
			Datetime: at,
			Security: sec,
			Open:     v[0],
			High:     v[1],
			Low:      v[2],
			Close:    v[3],
			Volume:   v[4],
		})
	}
	return bars, nil
}

// LoadCSV reads a bar file from disk.
func LoadCSV(path string, securities []domain.Security, loc *time.Location) ([]domain.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, securities, loc)
}

// LoadDB reads bars for securities in [start, end] from the bars table.
func LoadDB(ctx context.Context, database *db.Database, securities []domain.Security, start, end time.Time) ([]domain.Bar, error) {
	var bars []domain.Bar
	for _, sec := range securities {
		rows, err := database.ListBars(ctx, sec.Code, start, end)
		if err != nil {
			return nil, fmt.Errorf("data: load %s: %w", sec.Code, err)
		}
		for _, r := range rows {
			bars = append(bars, domain.Bar{
				Datetime: r.Datetime,
				Security: sec,
				Open:     r.Open,
				High:     r.High,
				Low:      r.Low,
				Close:    r.Close,
				Volume:   r.Volume,
			})
		}
	}
	return bars, nil
}
