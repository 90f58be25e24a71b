package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"quant-trader/internal/domain"
	"quant-trader/internal/engine"
	"quant-trader/internal/position"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Sessions []string `yaml:"sessions"`
	// Cash seeds the strategy-level portfolio per venue.
	Cash       map[string]float64 `yaml:"cash"`
	CostBasis  string             `yaml:"cost_basis"`
	Parameters yaml.Node          `yaml:"parameters"`
	// Fields are extra recorder fields; see the recorder package.
	Fields map[string]string `yaml:"fields"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig reads the strategies section of a YAML document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("strategy: parse config: %w", err)
	}
	return file.Strategies, nil
}

// Build constructs the strategy cfg describes, subscribed to securities.
func Build(eng engine.Service, cfg Config, securities map[string][]domain.Security, base BaseConfig) (Strategy, error) {
	sessions := make([]Session, 0, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		sess, err := ParseSession(s)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	basis, err := position.ParseCostBasis(cfg.CostBasis)
	if err != nil {
		return nil, err
	}
	balances := make(map[string]domain.AccountBalance, len(cfg.Cash))
	for venue, cash := range cfg.Cash {
		balances[venue] = domain.AccountBalance{Cash: cash, AvailableCash: cash}
	}

	base.Name = cfg.Name
	base.Securities = securities
	base.Balances = balances
	base.Sessions = sessions
	base.CostBasis = basis
	b, err := NewBase(eng, base)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "demo", "macd", "":
		p := DefaultDemoParams()
		if err := decodeParams(cfg.Parameters, &p); err != nil {
			return nil, err
		}
		return NewDemo(b, p), nil
	case "ma_cross":
		var p MACrossParams
		if err := decodeParams(cfg.Parameters, &p); err != nil {
			return nil, err
		}
		return NewMACross(b, p), nil
	}
	return nil, fmt.Errorf("strategy: unknown type %q", cfg.Type)
}

func decodeParams(n yaml.Node, out any) error {
	if n.Kind == 0 {
		return nil
	}
	if err := n.Decode(out); err != nil {
		return fmt.Errorf("strategy: parameters: %w", err)
	}
	return nil
}
