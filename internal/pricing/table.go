package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Table is the static price list. Amounts are minor currency units.
type Table struct {
	Currency  string `yaml:"currency"`
	Basic     int64  `yaml:"basic"`
	Premium   int64  `yaml:"premium"`
	Upgrade   int64  `yaml:"upgrade"`
	Flat      int64  `yaml:"flat"`
	TokenCost int    `yaml:"token_cost"` // whole tokens per wallet unlock
	Quota     Quotas `yaml:"quota"`
}

// Quotas holds per-tier message limits; 0 means unlimited.
type Quotas struct {
	Basic    int `yaml:"basic"`
	Premium  int `yaml:"premium"`
	Standard int `yaml:"standard"`
}

// Validate checks the table is usable for mode.
func (t Table) Validate(mode string) error {
	if len(t.Currency) != 3 {
		return fmt.Errorf("%w: currency %q", ErrInvalidTable, t.Currency)
	}
	if t.Quota.Basic < 0 || t.Quota.Premium < 0 || t.Quota.Standard < 0 {
		return fmt.Errorf("%w: negative quota", ErrInvalidTable)
	}
	switch mode {
	case ModeToken:
		if t.Flat <= 0 {
			return fmt.Errorf("%w: flat price must be positive", ErrInvalidTable)
		}
		if t.TokenCost <= 0 {
			return fmt.Errorf("%w: token cost must be positive", ErrInvalidTable)
		}
	default:
		if t.Basic <= 0 || t.Premium <= 0 || t.Upgrade <= 0 {
			return fmt.Errorf("%w: prices must be positive", ErrInvalidTable)
		}
		if t.Upgrade >= t.Premium {
			return fmt.Errorf("%w: upgrade (%d) must be below full premium (%d)", ErrInvalidTable, t.Upgrade, t.Premium)
		}
	}
	return nil
}

// LoadFile overlays the YAML file at path onto base. Keys absent from the
// file keep their base value.
func LoadFile(path string, base Table) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	t := base
	if err := yaml.Unmarshal(data, &t); err != nil {
		return base, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return t, nil
}
