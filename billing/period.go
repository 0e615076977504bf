/*
period.go - Billing periods and fiscal-year scoping

PURPOSE:
  A billing period is the time span an invoice covers. It is DERIVED from
  the linked events (earliest start, latest end), never entered by hand, so
  the invoice document always agrees with its line items.

  Fiscal-year math lives here too: compliance modes that restart invoice
  numbering every year need to know which fiscal year a date falls into.

SEE ALSO:
  - invoice.go: derives the period on create/update
  - numbering.go: fiscal-year counter scoping
*/
package billing

import "time"

// =============================================================================
// TIME RANGE
// =============================================================================

type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

func (r TimeRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r TimeRange) String() string {
	return "[" + r.From.Format("2006-01-02") + ", " + r.To.Format("2006-01-02") + "]"
}

// =============================================================================
// PERIOD DERIVATION
// =============================================================================

// PeriodOf returns the billing period spanned by the given events: earliest
// start to latest end. Zero range for an empty set.
func PeriodOf(events []*Event) TimeRange {
	var r TimeRange
	for _, ev := range events {
		if r.From.IsZero() || ev.Start.Before(r.From) {
			r.From = ev.Start
		}
		if ev.End.After(r.To) {
			r.To = ev.End
		}
	}
	return r
}

// =============================================================================
// FISCAL YEAR - For year-scoped numbering
// =============================================================================

// FiscalYearConfig defines when the fiscal year starts. The zero value
// (January) matches the calendar year.
type FiscalYearConfig struct {
	StartMonth time.Month
}

// YearOf returns the fiscal year label containing the date. The label is
// the calendar year in which the fiscal year STARTS, e.g. with an April
// start, 2026-02-15 is fiscal year 2025.
func (fc FiscalYearConfig) YearOf(date time.Time) int {
	start := fc.StartMonth
	if start == 0 {
		start = time.January
	}
	year := date.Year()
	if date.Before(time.Date(year, start, 1, 0, 0, 0, 0, time.UTC)) {
		year--
	}
	return year
}

// RangeOf returns the full span of the fiscal year containing the date.
func (fc FiscalYearConfig) RangeOf(date time.Time) TimeRange {
	start := fc.StartMonth
	if start == 0 {
		start = time.January
	}
	from := time.Date(fc.YearOf(date), start, 1, 0, 0, 0, 0, time.UTC)
	return TimeRange{From: from, To: from.AddDate(1, 0, 0).Add(-time.Nanosecond)}
}
