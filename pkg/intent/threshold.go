package intent

import "fmt"

// Tier is the action band a confidence falls into.
type Tier int

const (
	TierClarify Tier = iota
	TierConfirm
	TierAutoAdvance
)

func (t Tier) String() string {
	switch t {
	case TierAutoAdvance:
		return "auto_advance"
	case TierConfirm:
		return "confirm"
	default:
		return "clarify"
	}
}

// Thresholds are the lower bounds of the confirm and auto-advance tiers.
// Each bound is inclusive.
type Thresholds struct {
	AutoAdvance float64 `yaml:"auto_advance" json:"auto_advance"`
	Confirm     float64 `yaml:"confirm" json:"confirm"`
}

// DefaultThresholds returns 0.8 / 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoAdvance: 0.8, Confirm: 0.5}
}

// Validate checks 0 <= Confirm <= AutoAdvance <= 1.
func (t Thresholds) Validate() error {
	if t.Confirm < 0 || t.AutoAdvance > 1 || t.Confirm > t.AutoAdvance {
		return fmt.Errorf("invalid thresholds: confirm=%.2f auto_advance=%.2f", t.Confirm, t.AutoAdvance)
	}
	return nil
}

// Tier maps a confidence to its tier. A confidence exactly at a bound
// belongs to the higher tier.
func (t Thresholds) Tier(confidence float64) Tier {
	switch {
	case confidence >= t.AutoAdvance:
		return TierAutoAdvance
	case confidence >= t.Confirm:
		return TierConfirm
	default:
		return TierClarify
	}
}
