package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// SpecKind tags ProfitSpec values.
type SpecKind string

const (
	SpecFixed   SpecKind = "fixed"
	SpecPercent SpecKind = "percent"
)

// ProfitSpec is either a fixed quote amount or a rate.
// Percent values are stored as a rate, "1.5%" parses to 0.015.
type ProfitSpec struct {
	Kind  SpecKind
	Value decimal.Decimal
}

// Fixed returns a fixed-amount spec.
func Fixed(amount decimal.Decimal) ProfitSpec {
	return ProfitSpec{Kind: SpecFixed, Value: amount}
}

// Percent returns a rate spec.
func Percent(rate decimal.Decimal) ProfitSpec {
	return ProfitSpec{Kind: SpecPercent, Value: rate}
}

// ParseProfitSpec parses "0.001" as Fixed and "1.5%" as Percent(0.015).
func ParseProfitSpec(s string) (ProfitSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ProfitSpec{}, fmt.Errorf("%w: empty value", ErrInvalidSpec)
	}

	kind := SpecFixed
	if strings.HasSuffix(s, "%") {
		kind = SpecPercent
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return ProfitSpec{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if kind == SpecPercent {
		v = v.Div(hundred)
	}

	spec := ProfitSpec{Kind: kind, Value: v}
	if err := spec.Validate(); err != nil {
		return ProfitSpec{}, err
	}
	return spec, nil
}

// Validate enforces a positive amount or rate.
func (p ProfitSpec) Validate() error {
	switch p.Kind {
	case SpecFixed, SpecPercent:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, p.Kind)
	}
	if !p.Value.IsPositive() {
		return fmt.Errorf("%w: value must be > 0, got %s", ErrInvalidSpec, p.Value)
	}
	return nil
}

func (p ProfitSpec) String() string {
	if p.Kind == SpecPercent {
		return p.Value.Mul(hundred).String() + "%"
	}
	return p.Value.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p ProfitSpec) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProfitSpec) UnmarshalText(text []byte) error {
	spec, err := ParseProfitSpec(string(text))
	if err != nil {
		return err
	}
	*p = spec
	return nil
}

// StopLossSpec 止损设置
type StopLossSpec struct {
	Enabled bool       `json:"enabled" yaml:"enabled"`
	Limit   ProfitSpec `json:"limit" yaml:"limit"`
}

// TrailingStopSpec 移动止损设置
type TrailingStopSpec struct {
	Enabled         bool            `json:"enabled" yaml:"enabled"`
	DistancePercent decimal.Decimal `json:"distance_percent" yaml:"distance_percent"`
}

// StopFor returns the trailing stop for a running peak.
func (t TrailingStopSpec) StopFor(peak decimal.Decimal) decimal.Decimal {
	return peak.Mul(decimal.NewFromInt(1).Sub(t.DistancePercent.Div(hundred)))
}

// PriceDropGuardSpec cancels a resting sell when the price falls from its
// running peak by at least either threshold. PercentThreshold is in percent
// units, 1.0 means 1%.
type PriceDropGuardSpec struct {
	AbsoluteThreshold *decimal.Decimal `json:"absolute_threshold,omitempty" yaml:"absolute_threshold,omitempty"`
	PercentThreshold  *decimal.Decimal `json:"percent_threshold,omitempty" yaml:"percent_threshold,omitempty"`
}

// Enabled reports whether any threshold is configured.
func (g PriceDropGuardSpec) Enabled() bool {
	return g.AbsoluteThreshold != nil || g.PercentThreshold != nil
}

// Triggered evaluates the guard. drop is peak-current, dropPct is in percent.
func (g PriceDropGuardSpec) Triggered(peak, current decimal.Decimal) (triggered bool, drop, dropPct decimal.Decimal) {
	if !peak.IsPositive() || !current.LessThan(peak) {
		return false, decimal.Zero, decimal.Zero
	}

	drop = peak.Sub(current)
	dropPct = drop.Div(peak).Mul(hundred)

	if g.AbsoluteThreshold != nil && drop.GreaterThanOrEqual(*g.AbsoluteThreshold) {
		triggered = true
	}
	if g.PercentThreshold != nil && dropPct.GreaterThanOrEqual(*g.PercentThreshold) {
		triggered = true
	}
	return triggered, drop, dropPct
}
