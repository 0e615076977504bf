package billing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return billing.MustParseDecimal(s)
}

func att(onsite, online int) billing.Attendance {
	return billing.Attendance{Onsite: onsite, Online: online}
}

func flatRate(base string) *billing.RateConfig {
	return &billing.RateConfig{
		Kind:     billing.RateFlat,
		Currency: "EUR",
		Flat:     &billing.FlatRate{Base: dec(base)},
	}
}

func perStudentRate(rate string) *billing.RateConfig {
	return &billing.RateConfig{
		Kind:       billing.RatePerStudent,
		Currency:   "EUR",
		PerStudent: &billing.PerStudentRate{Rate: dec(rate)},
	}
}

func tieredRate(defaultRate string, tiers ...billing.Tier) *billing.RateConfig {
	return &billing.RateConfig{
		Kind:     billing.RateTiered,
		Currency: "EUR",
		Tiered:   &billing.TieredRate{Tiers: tiers, DefaultRate: dec(defaultRate)},
	}
}

func tier(threshold int, rate string) billing.Tier {
	return billing.Tier{Threshold: threshold, Rate: dec(rate)}
}

// =============================================================================
// FLAT RATE TESTS
// =============================================================================

func TestComputePayout_Flat_IgnoresAttendance(t *testing.T) {
	// GIVEN: A flat rate of 45
	// WHEN: Computing payouts for very different attendance
	// THEN: Both payouts are 45

	rc := flatRate("45")

	empty, err := billing.ComputePayout(att(0, 0), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	full, err := billing.ComputePayout(att(30, 10), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !empty.Value.Equal(dec("45")) || !full.Value.Equal(dec("45")) {
		t.Errorf("flat rate should ignore attendance: got %s and %s", empty.Value, full.Value)
	}
}

// =============================================================================
// PER-STUDENT RATE TESTS
// =============================================================================

func TestComputePayout_PerStudent_SingleRateCoversBothHeadcounts(t *testing.T) {
	// GIVEN: 5 per student, no separate online rate
	// WHEN: 8 onsite and 2 online attendees
	// THEN: Payout is (8+2)*5 = 50

	rc := perStudentRate("5")

	got, err := billing.ComputePayout(att(8, 2), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("50")) {
		t.Errorf("expected 50, got %s", got.Value)
	}
}

func TestComputePayout_PerStudent_SeparateOnlineRate(t *testing.T) {
	// GIVEN: 5 per onsite student, 3 per online student
	// WHEN: 8 onsite and 2 online attendees
	// THEN: Payout is 8*5 + 2*3 = 46

	online := dec("3")
	rc := &billing.RateConfig{
		Kind:     billing.RatePerStudent,
		Currency: "EUR",
		PerStudent: &billing.PerStudentRate{
			Rate:       dec("5"),
			OnlineRate: &online,
		},
	}

	got, err := billing.ComputePayout(att(8, 2), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("46")) {
		t.Errorf("expected 46, got %s", got.Value)
	}
}

func TestComputePayout_PerStudent_FloorPlusBonus_BelowMinimum(t *testing.T) {
	// GIVEN: Base 40 guaranteed, minimum 10, bonus 2 per extra student
	// WHEN: Only 6 students show up
	// THEN: Payout is the base, 40, not a prorated amount

	rc := &billing.RateConfig{
		Kind:     billing.RatePerStudent,
		Currency: "EUR",
		PerStudent: &billing.PerStudentRate{
			Minimum:         10,
			Base:            dec("40"),
			BonusPerStudent: dec("2"),
		},
	}

	got, err := billing.ComputePayout(att(6, 0), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("40")) {
		t.Errorf("expected floor of 40, got %s", got.Value)
	}
}

func TestComputePayout_PerStudent_FloorPlusBonus_AboveMinimum(t *testing.T) {
	// GIVEN: Base 40, minimum 10, bonus 2 per extra student
	// WHEN: 14 students attend (10 onsite + 4 online)
	// THEN: Payout is 40 + 4*2 = 48

	rc := &billing.RateConfig{
		Kind:     billing.RatePerStudent,
		Currency: "EUR",
		PerStudent: &billing.PerStudentRate{
			Minimum:         10,
			Base:            dec("40"),
			BonusPerStudent: dec("2"),
		},
	}

	got, err := billing.ComputePayout(att(10, 4), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("48")) {
		t.Errorf("expected 48, got %s", got.Value)
	}
}

func TestComputePayout_PerStudent_MinimumWithoutBonus_KeepsPlainProduct(t *testing.T) {
	// GIVEN: 5 per student with only a minimum set, no base or bonus
	// WHEN: 10 students attend
	// THEN: Payout is the plain product 10*5 = 50, not the (zero) floor

	rc := &billing.RateConfig{
		Kind:     billing.RatePerStudent,
		Currency: "EUR",
		PerStudent: &billing.PerStudentRate{
			Rate:    dec("5"),
			Minimum: 8,
		},
	}

	got, err := billing.ComputePayout(att(10, 0), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("50")) {
		t.Errorf("expected 50, got %s", got.Value)
	}

	// Below the minimum the product still applies unchanged.
	below, err := billing.ComputePayout(att(4, 0), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !below.Value.Equal(dec("20")) {
		t.Errorf("expected 20, got %s", below.Value)
	}
}

// =============================================================================
// TIERED RATE TESTS
// =============================================================================

func TestComputePayout_Tiered_SelectsLargestThresholdAtOrBelow(t *testing.T) {
	// GIVEN: Default 20, tiers 10->35 and 20->60
	// WHEN: Computing payouts across brackets and exact boundaries
	// THEN: 5->20 (default), 10->35, 15->35, 20->60, 25->60

	rc := tieredRate("20", tier(10, "35"), tier(20, "60"))

	cases := []struct {
		total int
		want  string
	}{
		{5, "20"},
		{10, "35"},
		{15, "35"},
		{20, "60"},
		{25, "60"},
	}
	for _, c := range cases {
		got, err := billing.ComputePayout(att(c.total, 0), rc)
		if err != nil {
			t.Fatalf("attendance %d: unexpected error: %v", c.total, err)
		}
		if !got.Value.Equal(dec(c.want)) {
			t.Errorf("attendance %d: expected %s, got %s", c.total, c.want, got.Value)
		}
	}
}

func TestComputePayout_Tiered_UnsortedTiersStillResolve(t *testing.T) {
	// GIVEN: Tiers supplied out of threshold order
	// WHEN: Computing a payout in the middle bracket
	// THEN: The largest threshold at or below attendance still wins

	rc := tieredRate("10", tier(20, "60"), tier(5, "25"))

	got, err := billing.ComputePayout(att(12, 0), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("25")) {
		t.Errorf("expected 25, got %s", got.Value)
	}
}

func TestComputePayout_Tiered_CountsOnlineAttendance(t *testing.T) {
	// GIVEN: Tier threshold 10 at rate 35
	// WHEN: 6 onsite + 5 online, total 11
	// THEN: Total attendance crosses the threshold

	rc := tieredRate("20", tier(10, "35"))

	got, err := billing.ComputePayout(att(6, 5), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.Equal(dec("35")) {
		t.Errorf("expected 35, got %s", got.Value)
	}
}

func TestValidate_Tiered_RejectsNonIncreasingThresholds(t *testing.T) {
	// GIVEN: Tiers with a duplicate threshold
	// WHEN: Validating the config
	// THEN: ErrInvalidTierConfig identifying the offending tier

	rc := tieredRate("0", tier(10, "35"), tier(10, "60"))

	err := rc.Validate()
	if !errors.Is(err, billing.ErrInvalidTierConfig) {
		t.Fatalf("expected ErrInvalidTierConfig, got %v", err)
	}

	var tce *billing.TierConfigError
	if !errors.As(err, &tce) {
		t.Fatalf("expected *TierConfigError, got %T", err)
	}
	if tce.Index != 1 || tce.Threshold != 10 {
		t.Errorf("expected offending tier index 1 threshold 10, got index %d threshold %d", tce.Index, tce.Threshold)
	}
}

func TestValidate_Tiered_RejectsNegativeThreshold(t *testing.T) {
	rc := tieredRate("0", tier(-1, "35"))
	if !errors.Is(rc.Validate(), billing.ErrInvalidTierConfig) {
		t.Errorf("expected ErrInvalidTierConfig for negative threshold")
	}
}

func TestValidate_Tiered_AcceptsStrictlyIncreasing(t *testing.T) {
	rc := tieredRate("0", tier(0, "20"), tier(10, "35"), tier(20, "60"))
	if err := rc.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// =============================================================================
// NO-RATE AND ZERO-RATE DISTINCTION
// =============================================================================

func TestComputePayout_NilConfig_ErrNoRateConfigured(t *testing.T) {
	// GIVEN: No rate config at all
	// WHEN: Computing a payout
	// THEN: ErrNoRateConfigured, never a silent zero

	_, err := billing.ComputePayout(att(10, 0), nil)
	if !errors.Is(err, billing.ErrNoRateConfigured) {
		t.Fatalf("expected ErrNoRateConfigured, got %v", err)
	}
}

func TestComputePayout_ZeroFlatRate_IsALegitimateZero(t *testing.T) {
	// GIVEN: A configured flat rate of zero (e.g. donation-based class)
	// WHEN: Computing a payout
	// THEN: Zero amount without error

	got, err := billing.ComputePayout(att(10, 0), flatRate("0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Value.IsZero() {
		t.Errorf("expected zero, got %s", got.Value)
	}
}

func TestComputePayout_UnknownKind_ErrNoRateConfigured(t *testing.T) {
	rc := &billing.RateConfig{Kind: "percentage", Currency: "EUR"}
	_, err := billing.ComputePayout(att(10, 0), rc)
	if !errors.Is(err, billing.ErrNoRateConfigured) {
		t.Fatalf("expected ErrNoRateConfigured, got %v", err)
	}
}

// =============================================================================
// AGGREGATION TESTS
// =============================================================================

func TestComputeTotal_OrderIndependent(t *testing.T) {
	// GIVEN: Three events with different attendance under a per-student rate
	// WHEN: Summing in two different orders
	// THEN: Identical totals

	rc := perStudentRate("5")
	events := []*billing.Event{
		{ID: "a", Attendance: att(8, 2)},
		{ID: "b", Attendance: att(3, 0)},
		{ID: "c", Attendance: att(0, 7)},
	}
	reversed := []*billing.Event{events[2], events[1], events[0]}

	forward, _ := billing.ComputeTotal(events, rc, "EUR")
	backward, _ := billing.ComputeTotal(reversed, rc, "EUR")

	if !forward.Value.Equal(backward.Value) {
		t.Errorf("totals differ by order: %s vs %s", forward.Value, backward.Value)
	}
	if !forward.Value.Equal(dec("100")) {
		t.Errorf("expected 100, got %s", forward.Value)
	}
}

func TestComputeTotal_ReportsPerEventFailures(t *testing.T) {
	// GIVEN: A nil rate config
	// WHEN: Computing a batch total
	// THEN: Every payout carries ErrNoRateConfigured and the total is zero

	events := []*billing.Event{
		{ID: "a", Attendance: att(8, 0)},
		{ID: "b", Attendance: att(4, 0)},
	}

	total, payouts := billing.ComputeTotal(events, nil, "EUR")

	if !total.Value.IsZero() {
		t.Errorf("expected zero total, got %s", total.Value)
	}
	for _, p := range payouts {
		if !errors.Is(p.Err, billing.ErrNoRateConfigured) {
			t.Errorf("event %s: expected ErrNoRateConfigured, got %v", p.EventID, p.Err)
		}
	}
}
