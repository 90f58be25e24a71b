package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrUnknownVenue     = errors.New("gateway: unknown venue")
	ErrDuplicateVenue   = errors.New("gateway: venue already registered")
	ErrGatewayUnhealthy = errors.New("gateway: venue is unhealthy")
)

// Config controls the failure circuit applied to venue queries.
type Config struct {
	FailureThreshold int           // consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // time before an open circuit is retried
}

// DefaultConfig returns the default circuit settings.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, CircuitTimeout: time.Minute}
}

// Health is the query history of one venue.
type Health struct {
	Failures  int       `json:"failures"`
	HealthyAt time.Time `json:"healthy_at"`
	LastError string    `json:"last_error,omitempty"`
}

type registered struct {
	gw     Gateway
	health Health
}

// Manager holds the venues of one run, in registration order.
type Manager struct {
	mu     sync.RWMutex
	venues map[string]*registered
	order  []string
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates an empty manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Manager{
		venues: make(map[string]*registered),
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Register adds gw under its name.
func (m *Manager) Register(gw Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := gw.Name()
	if _, ok := m.venues[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateVenue, name)
	}
	m.venues[name] = &registered{gw: gw, health: Health{HealthyAt: m.now()}}
	m.order = append(m.order, name)
	m.logger.Info("gateway: registered", zap.String("venue", name), zap.String("mode", string(gw.TradeMode())))
	return nil
}

// Get returns the venue called name.
func (m *Manager) Get(name string) (Gateway, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return r.gw, nil
}

// Names returns venue names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// All returns venues in registration order.
func (m *Manager) All() []Gateway {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Gateway, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.venues[name].gw)
	}
	return out
}

// Allow reports whether queries against name may proceed. An open circuit
// blocks until CircuitTimeout has passed since the last healthy result.
func (m *Manager) Allow(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.venues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	if r.health.Failures >= m.config.FailureThreshold && m.now().Sub(r.health.HealthyAt) < m.config.CircuitTimeout {
		return fmt.Errorf("%w: %s", ErrGatewayUnhealthy, name)
	}
	return nil
}

// Report records the outcome of a venue query.
func (m *Manager) Report(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.venues[name]
	if !ok {
		return
	}
	if err == nil {
		r.health = Health{HealthyAt: m.now()}
		return
	}
	r.health.Failures++
	r.health.LastError = err.Error()
	if r.health.Failures == m.config.FailureThreshold {
		m.logger.Warn("gateway: circuit open", zap.String("venue", name), zap.Error(err))
	}
}

// Health returns the query history of name.
func (m *Manager) Health(name string) (Health, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.venues[name]
	if !ok {
		return Health{}, false
	}
	return r.health, true
}

// Close closes every venue that holds connections.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs error
	for _, name := range m.order {
		if c, ok := m.venues[name].gw.(Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
