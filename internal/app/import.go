package app

import (
	"context"
	"time"

	"quant-trader/internal/data"
	"quant-trader/internal/domain"
	"quant-trader/pkg/db"
)

// ImportCSV loads a bar file into the bars table so replay venues without
// a csv can read it. It returns the number of bars stored.
func ImportCSV(ctx context.Context, database *db.Database, path string, securities []domain.Security, loc *time.Location) (int, error) {
	bars, err := data.LoadCSV(path, securities, loc)
	if err != nil {
		return 0, err
	}
	rows := make([]db.BarRow, 0, len(bars))
	for _, b := range bars {
		rows = append(rows, db.BarRow{
			Code:     b.Security.Code,
			Datetime: b.Datetime,
			Open:     b.Open,
			High:     b.High,
			Low:      b.Low,
			Close:    b.Close,
			Volume:   b.Volume,
		})
	}
	if err := database.UpsertBars(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
