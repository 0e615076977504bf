/*
rate.go - Rate configurations and payout computation

PURPOSE:
  Defines the rate configuration attached to a billing entity and the pure
  payout computation: (attendance, rate config) -> amount. The original
  product stored rate configs as loosely-typed objects with different fields
  per type; here it is a tagged union with exhaustive matching at every
  consumption site.

RATE KINDS:
  flat:
    - Fixed base amount per event, attendance ignored
  per_student:
    - onsite*onsiteRate + online*onlineRate (online defaults to onsite rate)
    - With base/bonus fields set: base + max(0, total-minimum)*bonus
      (floor plus bonus, not a hard gate below the minimum)
  tiered:
    - Ordered attendance thresholds, each with its own rate
    - Applicable tier = largest threshold <= attendance
    - Below every threshold: configured default rate (zero if unset)

INVARIANTS:
  - Tier thresholds strictly increasing; validated at configuration time
    (ErrInvalidTierConfig), never at calculation time
  - Missing/unknown config => ErrNoRateConfigured, never a silent zero
  - All arithmetic in decimal; rounding only at aggregation boundaries
  - ComputeTotal is order-independent (pure sum of per-event payouts)

SEE ALSO:
  - types.go: Money, Attendance
  - factory/rate.go: JSON <-> RateConfig conversion
  - invoice.go: totals over linked events
*/
package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE CONFIG - Tagged union: flat | per_student | tiered
// =============================================================================

type RateKind string

const (
	RateFlat       RateKind = "flat"
	RatePerStudent RateKind = "per_student"
	RateTiered     RateKind = "tiered"
)

// RateConfig is a tagged union. Exactly the variant named by Kind is non-nil.
type RateConfig struct {
	Kind     RateKind
	Currency string

	Flat       *FlatRate
	PerStudent *PerStudentRate
	Tiered     *TieredRate
}

// FlatRate pays a fixed amount per event.
type FlatRate struct {
	Base decimal.Decimal
}

// PerStudentRate pays per attendee. OnlineRate falls back to Rate when nil,
// so a single rate covers both headcounts unless the studio pays online
// attendance differently.
//
// When Base or BonusPerStudent is set the shape is floor-plus-bonus: Base is
// guaranteed, and every attendee above Minimum adds BonusPerStudent. A
// Minimum on its own leaves the plain per-attendee product in effect.
type PerStudentRate struct {
	Rate       decimal.Decimal
	OnlineRate *decimal.Decimal

	Minimum         int
	Base            decimal.Decimal
	BonusPerStudent decimal.Decimal
}

// TieredRate pays by attendance bracket.
type TieredRate struct {
	// Tiers must have strictly increasing thresholds. Validate() enforces
	// this when the config is accepted.
	Tiers []Tier

	// DefaultRate applies when attendance is below every threshold.
	DefaultRate decimal.Decimal
}

type Tier struct {
	Threshold int
	Rate      decimal.Decimal
}

// Validate checks structural invariants. Called when a config is created or
// edited, so calculation never sees an invalid config.
func (rc *RateConfig) Validate() error {
	switch rc.Kind {
	case RateFlat:
		if rc.Flat == nil {
			return ErrNoRateConfigured
		}
		return nil
	case RatePerStudent:
		if rc.PerStudent == nil {
			return ErrNoRateConfigured
		}
		return nil
	case RateTiered:
		if rc.Tiered == nil {
			return ErrNoRateConfigured
		}
		return rc.Tiered.validate()
	default:
		return ErrNoRateConfigured
	}
}

func (tr *TieredRate) validate() error {
	prev := -1
	for i, t := range tr.Tiers {
		if t.Threshold <= prev && i > 0 {
			return &TierConfigError{Index: i, Threshold: t.Threshold, Previous: prev}
		}
		if t.Threshold < 0 {
			return &TierConfigError{Index: i, Threshold: t.Threshold, Previous: prev}
		}
		prev = t.Threshold
	}
	return nil
}

// sortedTiers returns tiers in ascending threshold order without mutating
// the config.
func (tr *TieredRate) sortedTiers() []Tier {
	tiers := make([]Tier, len(tr.Tiers))
	copy(tiers, tr.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold < tiers[j].Threshold })
	return tiers
}

// =============================================================================
// PAYOUT COMPUTATION - Pure functions
// =============================================================================

// ComputePayout computes the payout for one event's attendance under the
// given rate config. A nil or unknown config yields ErrNoRateConfigured so
// callers can distinguish "not configured" from a legitimate zero rate.
func ComputePayout(att Attendance, rc *RateConfig) (Money, error) {
	if rc == nil {
		return Money{}, ErrNoRateConfigured
	}

	switch rc.Kind {
	case RateFlat:
		if rc.Flat == nil {
			return Money{}, ErrNoRateConfigured
		}
		return Money{Value: rc.Flat.Base, Currency: rc.Currency}, nil

	case RatePerStudent:
		if rc.PerStudent == nil {
			return Money{}, ErrNoRateConfigured
		}
		return computePerStudent(att, rc.PerStudent, rc.Currency), nil

	case RateTiered:
		if rc.Tiered == nil {
			return Money{}, ErrNoRateConfigured
		}
		return computeTiered(att, rc.Tiered, rc.Currency), nil

	default:
		return Money{}, ErrNoRateConfigured
	}
}

func computePerStudent(att Attendance, ps *PerStudentRate, currency string) Money {
	if !ps.BonusPerStudent.IsZero() || !ps.Base.IsZero() {
		// Floor plus bonus: Base is guaranteed, attendees above Minimum
		// each add BonusPerStudent. A Minimum with no bonus fields does
		// not switch shapes; the plain product still applies.
		extra := att.Total() - ps.Minimum
		if extra < 0 {
			extra = 0
		}
		value := ps.Base.Add(ps.BonusPerStudent.Mul(decimal.NewFromInt(int64(extra))))
		return Money{Value: value, Currency: currency}
	}

	onlineRate := ps.Rate
	if ps.OnlineRate != nil {
		onlineRate = *ps.OnlineRate
	}
	value := ps.Rate.Mul(decimal.NewFromInt(int64(att.Onsite))).
		Add(onlineRate.Mul(decimal.NewFromInt(int64(att.Online))))
	return Money{Value: value, Currency: currency}
}

func computeTiered(att Attendance, tr *TieredRate, currency string) Money {
	total := att.Total()
	rate := tr.DefaultRate
	for _, t := range tr.sortedTiers() {
		if t.Threshold <= total {
			rate = t.Rate
		} else {
			break
		}
	}
	return Money{Value: rate, Currency: currency}
}

// =============================================================================
// AGGREGATION
// =============================================================================

// EventPayout pairs an event with its computed payout, or the reason it
// could not be computed. Batch computation reports per-event failures
// instead of aborting on the first one.
type EventPayout struct {
	EventID EventID
	Amount  Money
	Err     error
}

// ComputeTotal sums per-event payouts for an entity's rate config. The sum
// is order-independent: each event is priced independently and the additions
// commute. Events whose payout cannot be computed are reported in the
// returned slice with Err set and excluded from the total.
func ComputeTotal(events []*Event, rc *RateConfig, currency string) (Money, []EventPayout) {
	total := ZeroMoney(currency)
	payouts := make([]EventPayout, 0, len(events))

	for _, ev := range events {
		amount, err := ComputePayout(ev.Attendance, rc)
		payouts = append(payouts, EventPayout{EventID: ev.ID, Amount: amount, Err: err})
		if err == nil {
			total = total.Add(amount)
		}
	}

	return total, payouts
}
