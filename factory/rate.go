/*
Package factory provides JSON to Go rate-config conversion.

PURPOSE:
  Converts JSON rate definitions into billing.RateConfig values. Rate
  configs are stored as JSON sub-documents on billing entities and edited
  through the admin UI, so the wire shape lives here, decoupled from the
  engine's tagged union.

JSON SCHEMA:
  {"type": "flat", "currency": "EUR", "base": 45}

  {"type": "per_student", "currency": "EUR", "rate": 5,
   "online_rate": 4, "minimum": 8, "base": 40, "bonus_per_student": 3}

  {"type": "tiered", "currency": "EUR", "default_rate": 20,
   "tiers": [{"threshold": 0, "rate": 20},
             {"threshold": 10, "rate": 35},
             {"threshold": 20, "rate": 60}]}

KEY FEATURES:
  - Validates structure on parse (tier thresholds strictly increasing);
    invalid configs are rejected at configuration time, never at
    calculation time
  - Round-trips: ToJSON(Parse(x)) preserves meaning
  - Decimal-safe: amounts are parsed from JSON numbers into decimals once

USAGE:
  rc, err := factory.ParseRate(jsonString)
  if errors.Is(err, billing.ErrInvalidTierConfig) { ... }

SEE ALSO:
  - billing/rate.go: RateConfig union and payout math
  - store/sqlite: persists the JSON form
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RateJSON is the JSON representation of a rate config.
type RateJSON struct {
	Type     string `json:"type"`
	Currency string `json:"currency"`

	// flat
	Base *float64 `json:"base,omitempty"`

	// per_student
	Rate            *float64 `json:"rate,omitempty"`
	OnlineRate      *float64 `json:"online_rate,omitempty"`
	Minimum         int      `json:"minimum,omitempty"`
	BonusPerStudent *float64 `json:"bonus_per_student,omitempty"`

	// tiered
	DefaultRate *float64   `json:"default_rate,omitempty"`
	Tiers       []TierJSON `json:"tiers,omitempty"`
}

type TierJSON struct {
	Threshold int     `json:"threshold"`
	Rate      float64 `json:"rate"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseRate converts a JSON rate definition into a validated RateConfig.
func ParseRate(jsonStr string) (*billing.RateConfig, error) {
	var rj RateJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("invalid rate JSON: %w", err)
	}
	return FromJSON(rj)
}

// FromJSON converts the wire shape into the engine's tagged union.
func FromJSON(rj RateJSON) (*billing.RateConfig, error) {
	currency := rj.Currency
	if currency == "" {
		currency = "EUR"
	}

	rc := &billing.RateConfig{Currency: currency}

	switch rj.Type {
	case "flat":
		rc.Kind = billing.RateFlat
		rc.Flat = &billing.FlatRate{Base: dec(rj.Base)}

	case "per_student":
		rc.Kind = billing.RatePerStudent
		ps := &billing.PerStudentRate{
			Rate:            dec(rj.Rate),
			Minimum:         rj.Minimum,
			Base:            dec(rj.Base),
			BonusPerStudent: dec(rj.BonusPerStudent),
		}
		if rj.OnlineRate != nil {
			d := decimal.NewFromFloat(*rj.OnlineRate)
			ps.OnlineRate = &d
		}
		rc.PerStudent = ps

	case "tiered":
		rc.Kind = billing.RateTiered
		tr := &billing.TieredRate{DefaultRate: dec(rj.DefaultRate)}
		for _, t := range rj.Tiers {
			tr.Tiers = append(tr.Tiers, billing.Tier{
				Threshold: t.Threshold,
				Rate:      decimal.NewFromFloat(t.Rate),
			})
		}
		rc.Tiered = tr

	default:
		return nil, fmt.Errorf("unknown rate type %q: %w", rj.Type, billing.ErrNoRateConfigured)
	}

	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// ToJSON converts a RateConfig back into its wire shape.
func ToJSON(rc *billing.RateConfig) (RateJSON, error) {
	rj := RateJSON{Currency: rc.Currency}

	switch rc.Kind {
	case billing.RateFlat:
		rj.Type = "flat"
		rj.Base = fl(rc.Flat.Base)

	case billing.RatePerStudent:
		rj.Type = "per_student"
		ps := rc.PerStudent
		rj.Rate = fl(ps.Rate)
		rj.Minimum = ps.Minimum
		if !ps.Base.IsZero() {
			rj.Base = fl(ps.Base)
		}
		if !ps.BonusPerStudent.IsZero() {
			rj.BonusPerStudent = fl(ps.BonusPerStudent)
		}
		if ps.OnlineRate != nil {
			rj.OnlineRate = fl(*ps.OnlineRate)
		}

	case billing.RateTiered:
		rj.Type = "tiered"
		tr := rc.Tiered
		if !tr.DefaultRate.IsZero() {
			rj.DefaultRate = fl(tr.DefaultRate)
		}
		for _, t := range tr.Tiers {
			rate, _ := t.Rate.Float64()
			rj.Tiers = append(rj.Tiers, TierJSON{Threshold: t.Threshold, Rate: rate})
		}

	default:
		return RateJSON{}, billing.ErrNoRateConfigured
	}

	return rj, nil
}

// MarshalRate serializes a RateConfig to its JSON string form for storage.
func MarshalRate(rc *billing.RateConfig) (string, error) {
	rj, err := ToJSON(rc)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(rj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dec(f *float64) decimal.Decimal {
	if f == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*f)
}

func fl(d decimal.Decimal) *float64 {
	f, _ := d.Float64()
	return &f
}
