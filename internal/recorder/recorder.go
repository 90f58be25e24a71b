// Package recorder collects named per-tick values from a strategy into a
// table with one row per (tick, venue), and saves it as CSV.
package recorder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TimeLayout formats time values.
const TimeLayout = "2006-01-02 15:04:05"

// Mode says how a field accumulates.
type Mode string

const (
	// Append keeps one value per tick.
	Append Mode = "append"
	// Override keeps only the latest value.
	Override Mode = "override"
)

var (
	ErrDuplicateField = errors.New("recorder: field already recorded")
	ErrInvalidMode    = errors.New("recorder: invalid mode")
)

// DefaultFields are recorded by every recorder.
var DefaultFields = []string{"datetime", "portfolio_value", "strategy_portfolio_value"}

// Source serves field values, normally a strategy.
type Source interface {
	Field(name, venue string) (any, error)
}

// Store receives every recorded value as it is taken.
type Store interface {
	Record(run string, tick int, field, value string)
}

// Row is one venue's values at one tick.
type Row struct {
	Tick   int               `json:"tick"`
	Venue  string            `json:"venue"`
	Values map[string]string `json:"values"`
}

// Recorder accumulates rows for one strategy.
type Recorder struct {
	name   string
	store  Store
	logger *zap.Logger

	mu        sync.Mutex
	fields    []string
	modes     map[string]Mode
	rows      []Row
	overrides map[string]string
	ticks     int
	lastTick  time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithStore streams values to s.
func WithStore(s Store) Option { return func(r *Recorder) { r.store = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Recorder) { r.logger = l } }

// New creates a recorder with the default fields.
func New(name string, opts ...Option) *Recorder {
	r := &Recorder{
		name:      name,
		modes:     make(map[string]Mode),
		overrides: make(map[string]string),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	for _, f := range DefaultFields {
		r.fields = append(r.fields, f)
		r.modes[f] = Append
	}
	return r
}

// Name returns the recorder name.
func (r *Recorder) Name() string { return r.name }

// AddField records name with mode from the next tick on.
func (r *Recorder) AddField(name string, mode Mode) error {
	if mode != Append && mode != Override {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateField, name)
	}
	r.fields = append(r.fields, name)
	r.modes[name] = mode
	return nil
}

// Fields returns the recorded fields, defaults first.
func (r *Recorder) Fields() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fields...)
}

// Record pulls every field from src for venue at tick and appends one
// row. A field that fails is recorded empty; the errors are returned
// together after the row is stored.
func (r *Recorder) Record(src Source, venue string, tick time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !tick.Equal(r.lastTick) || r.ticks == 0 {
		r.ticks++
		r.lastTick = tick
	}
	seq := r.ticks
	row := Row{Tick: seq, Venue: venue, Values: make(map[string]string, len(r.fields))}
	var errs error
	for _, f := range r.fields {
		v, err := src.Field(f, venue)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		s := Format(v)
		if r.modes[f] == Override {
			r.overrides[f] = s
		} else {
			row.Values[f] = s
		}
		if r.store != nil {
			r.store.Record(r.name+"/"+venue, seq, f, s)
		}
	}
	r.rows = append(r.rows, row)
	if errs != nil {
		r.logger.Warn("recorder: fields failed", zap.String("recorder", r.name), zap.String("venue", venue), zap.Error(errs))
	}
	return errs
}

// Rows returns the recorded rows in tick order.
func (r *Recorder) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, len(r.rows))
	for i, row := range r.rows {
		vals := make(map[string]string, len(row.Values))
		for k, v := range row.Values {
			vals[k] = v
		}
		out[i] = Row{Tick: row.Tick, Venue: row.Venue, Values: vals}
	}
	return out
}

// Series returns the appended values of field for venue.
func (r *Recorder) Series(field, venue string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, row := range r.rows {
		if row.Venue == venue {
			out = append(out, row.Values[field])
		}
	}
	return out
}

// Latest returns the current value of an override field.
func (r *Recorder) Latest(field string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.overrides[field]
	return v, ok
}

// Format renders a recorded value.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.Format(TimeLayout)
	case float64:
		return fmt.Sprintf("%g", x)
	case []float64:
		return fmt.Sprint(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// WriteCSV writes the table: one column per field plus venue, override
// fields filled on the last row only.
func (r *Recorder) WriteCSV(w *csv.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := append([]string{"venue"}, r.fields...)
	if err := w.Write(header); err != nil {
		return err
	}
	for i, row := range r.rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, row.Venue)
		for _, f := range r.fields {
			if r.modes[f] == Override {
				if i == len(r.rows)-1 {
					rec = append(rec, r.overrides[f])
				} else {
					rec = append(rec, "")
				}
				continue
			}
			rec = append(rec, row.Values[f])
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// SaveCSV writes result_<name>.csv into a new timestamped directory under
// dir and returns its path.
func (r *Recorder) SaveCSV(dir string, now time.Time) (string, error) {
	out := filepath.Join(dir, now.Format("2006-01-02 15-04-05.000000"))
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", fmt.Errorf("recorder: create %s: %w", out, err)
	}
	name := "result"
	if r.name != "" {
		name += "_" + r.name
	}
	path := filepath.Join(out, name+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("recorder: create %s: %w", path, err)
	}
	werr := r.WriteCSV(csv.NewWriter(f))
	if err := multierr.Append(werr, f.Close()); err != nil {
		return "", fmt.Errorf("recorder: write %s: %w", path, err)
	}
	r.logger.Info("recorder: saved", zap.String("recorder", r.name), zap.String("path", path))
	return path, nil
}
