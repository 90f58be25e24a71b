package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quant-trader/internal/domain"
)

var ErrInvalidRun = errors.New("config: invalid run file")

// Run is the YAML run file: the venues to trade and the replay clock.
// Strategies live in the same file under "strategies" and are read by the
// strategy package.
type Run struct {
	Name     string        `yaml:"name"`
	Start    string        `yaml:"start"`
	End      string        `yaml:"end"`
	Step     time.Duration `yaml:"step"`
	Timezone string        `yaml:"timezone"`
	Gateways []Gateway     `yaml:"gateways"`
}

// Gateway configures one venue.
type Gateway struct {
	Name              string            `yaml:"name"`
	Broker            string            `yaml:"broker"` // backtest, paper
	TradeMode         domain.TradeMode  `yaml:"trade_mode"`
	FeeModel          string            `yaml:"fee_model"`
	FeeRate           float64           `yaml:"fee_rate"`
	ShortInterestRate float64           `yaml:"short_interest_rate"`
	Cash              float64           `yaml:"cash"`
	Securities        []domain.Security `yaml:"securities"`
	Data              Data              `yaml:"data"`
	Paper             Paper             `yaml:"paper"`
	Feed              Feed              `yaml:"feed"`
}

// Data locates the historical bars of a replay venue. With no CSV the
// bars table of the database is read.
type Data struct {
	CSV string `yaml:"csv"`
}

// Paper tunes the simulated broker.
type Paper struct {
	SlippageBps  float64       `yaml:"slippage_bps"`
	LatencyMin   time.Duration `yaml:"latency_min"`
	LatencyMax   time.Duration `yaml:"latency_max"`
	PartialFills bool          `yaml:"partial_fills"`
	Seed         int64         `yaml:"seed"`
}

// Feed selects the live quote source of a venue.
type Feed struct {
	Type     string        `yaml:"type"` // redis, websocket, mock
	Channel  string        `yaml:"channel"`
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Limit    int           `yaml:"limit"`
}

// LoadRun reads and validates a run file.
func LoadRun(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRun(data)
}

// ParseRun decodes and validates a run document.
func ParseRun(data []byte) (*Run, error) {
	var r Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("config: parse run: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Run) validate() error {
	if len(r.Gateways) == 0 {
		return fmt.Errorf("%w: no gateways", ErrInvalidRun)
	}
	if _, err := r.Location(); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", ErrInvalidRun, r.Timezone, err)
	}
	seen := make(map[string]bool)
	for i := range r.Gateways {
		g := &r.Gateways[i]
		if g.Name == "" {
			return fmt.Errorf("%w: gateway %d has no name", ErrInvalidRun, i)
		}
		if seen[g.Name] {
			return fmt.Errorf("%w: duplicate gateway %s", ErrInvalidRun, g.Name)
		}
		seen[g.Name] = true
		switch g.Broker {
		case "backtest":
			if g.TradeMode == "" {
				g.TradeMode = domain.TradeModeBacktest
			}
			if g.TradeMode != domain.TradeModeBacktest {
				return fmt.Errorf("%w: %s: backtest broker needs trade mode %s", ErrInvalidRun, g.Name, domain.TradeModeBacktest)
			}
		case "paper":
			if g.TradeMode == "" {
				g.TradeMode = domain.TradeModeSimulate
			}
			if g.TradeMode.IsReplay() {
				return fmt.Errorf("%w: %s: paper broker cannot replay", ErrInvalidRun, g.Name)
			}
		default:
			return fmt.Errorf("%w: %s: unknown broker %q", ErrInvalidRun, g.Name, g.Broker)
		}
		if len(g.Securities) == 0 {
			return fmt.Errorf("%w: %s: no securities", ErrInvalidRun, g.Name)
		}
	}
	for _, s := range []string{r.Start, r.End} {
		if _, err := r.parseTime(s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRun, err)
		}
	}
	return nil
}

// Location returns the run time zone, UTC when unset.
func (r *Run) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.Timezone)
}

// Span returns the configured start and end; unset values are zero.
func (r *Run) Span() (start, end time.Time, err error) {
	if start, err = r.parseTime(r.Start); err != nil {
		return
	}
	end, err = r.parseTime(r.End)
	return
}

var timeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

func (r *Run) parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("time %q: want YYYY-MM-DD [HH:MM:SS]", s)
}

// Filter keeps only the named gateways; no names keeps all.
func (r *Run) Filter(names []string) error {
	if len(names) == 0 {
		return nil
	}
	byName := make(map[string]Gateway, len(r.Gateways))
	for _, g := range r.Gateways {
		byName[g.Name] = g
	}
	out := make([]Gateway, 0, len(names))
	for _, n := range names {
		g, ok := byName[n]
		if !ok {
			return fmt.Errorf("%w: unknown gateway %s", ErrInvalidRun, n)
		}
		out = append(out, g)
	}
	r.Gateways = out
	return nil
}

// Securities returns the subscribed securities per gateway.
func (r *Run) Securities() map[string][]domain.Security {
	out := make(map[string][]domain.Security, len(r.Gateways))
	for _, g := range r.Gateways {
		out[g.Name] = append([]domain.Security(nil), g.Securities...)
	}
	return out
}
