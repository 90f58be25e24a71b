// Package reconciliation compares engine position books with broker
// positions and optionally resynchronizes the engine side.
package reconciliation

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quant-trader/internal/domain"
)

const qtyTolerance = 1e-4

// Accounts is the engine surface reconciliation needs.
type Accounts interface {
	Venues() []string
	GetAllPositions(venue string) ([]domain.PositionData, error)
	GetAllBrokerPositions(ctx context.Context, venue string) ([]domain.PositionData, error)
	SyncBrokerPosition(ctx context.Context, venue string) error
}

// Service handles periodic reconciliation
type Service struct {
	accounts Accounts
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	autoSync bool
}

// Report contains reconciliation results for one venue.
type Report struct {
	Venue     string         `json:"venue"`
	Timestamp time.Time      `json:"timestamp"`
	Diffs     []PositionDiff `json:"diffs"`
	Synced    bool           `json:"synced"`
}

// HasDiffs reports whether any entry disagreed.
func (r *Report) HasDiffs() bool { return len(r.Diffs) > 0 }

// PositionDiff is one (security, direction) disagreement.
type PositionDiff struct {
	Security    domain.Security  `json:"security"`
	Direction   domain.Direction `json:"direction"`
	LocalQty    float64          `json:"local_qty"`
	BrokerQty   float64          `json:"broker_qty"`
	Difference  float64          `json:"difference"`
	LocalPrice  float64          `json:"local_price"`
	BrokerPrice float64          `json:"broker_price"`
}

// NewService creates a service. Auto-sync starts disabled.
func NewService(accounts Accounts, interval time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{accounts: accounts, interval: interval, logger: logger}
}

// SetAutoSync enables or disables auto-sync
func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.logger.Info("reconciliation: auto-sync changed", zap.Bool("enabled", enabled))
}

// Start reconciles every venue each interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, venue := range s.accounts.Venues() {
					report, err := s.Reconcile(ctx, venue)
					if err != nil {
						s.logger.Warn("reconciliation: failed", zap.String("venue", venue), zap.Error(err))
						continue
					}
					s.handleReport(report)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("reconciliation: started", zap.Duration("interval", s.interval))
}

type entryKey struct {
	sec domain.SecurityKey
	dir domain.Direction
}

// Reconcile compares the engine book of venue with the broker's. With
// auto-sync on and any difference found, the engine book is replaced.
func (s *Service) Reconcile(ctx context.Context, venue string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	broker, err := s.accounts.GetAllBrokerPositions(ctx, venue)
	if err != nil {
		return nil, err
	}
	local, err := s.accounts.GetAllPositions(venue)
	if err != nil {
		return nil, err
	}

	type pair struct {
		sec           domain.Security
		dir           domain.Direction
		local, broker domain.PositionData
	}
	entries := make(map[entryKey]*pair)
	get := func(pd domain.PositionData) *pair {
		k := entryKey{pd.Security.Key(), pd.Direction}
		p, ok := entries[k]
		if !ok {
			p = &pair{sec: pd.Security, dir: pd.Direction}
			entries[k] = p
		}
		return p
	}
	for _, pd := range local {
		get(pd).local = pd
	}
	for _, pd := range broker {
		get(pd).broker = pd
	}

	report := &Report{Venue: venue, Timestamp: time.Now()}
	for _, p := range entries {
		if math.Abs(p.local.Quantity-p.broker.Quantity) <= qtyTolerance {
			continue
		}
		report.Diffs = append(report.Diffs, PositionDiff{
			Security:    p.sec,
			Direction:   p.dir,
			LocalQty:    p.local.Quantity,
			BrokerQty:   p.broker.Quantity,
			Difference:  p.local.Quantity - p.broker.Quantity,
			LocalPrice:  p.local.HoldingPrice,
			BrokerPrice: p.broker.HoldingPrice,
		})
	}
	sort.Slice(report.Diffs, func(i, j int) bool {
		a, b := report.Diffs[i], report.Diffs[j]
		if a.Security.Code != b.Security.Code {
			return a.Security.Code < b.Security.Code
		}
		return a.Direction < b.Direction
	})

	if s.autoSync && report.HasDiffs() {
		if err := s.accounts.SyncBrokerPosition(ctx, venue); err != nil {
			s.logger.Warn("reconciliation: sync failed", zap.String("venue", venue), zap.Error(err))
		} else {
			report.Synced = true
		}
	}
	return report, nil
}

func (s *Service) handleReport(report *Report) {
	if !report.HasDiffs() {
		s.logger.Debug("reconciliation: positions match", zap.String("venue", report.Venue))
		return
	}
	for _, d := range report.Diffs {
		s.logger.Warn("reconciliation: position differs",
			zap.String("venue", report.Venue),
			zap.String("security", d.Security.String()),
			zap.String("direction", string(d.Direction)),
			zap.Float64("local", d.LocalQty),
			zap.Float64("broker", d.BrokerQty),
			zap.Bool("synced", report.Synced))
	}
}
