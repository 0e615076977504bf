/*
numbering.go - Gapless per-issuer invoice numbers

PURPOSE:
  Issues invoice numbers that are unique, strictly increasing per issuer,
  and regulation-compliant: a number once handed out is consumed forever.
  Deleting an invoice leaves a gap; it never frees its number for reuse.

FORMAT:
  <prefix><payer-abbrev-><[year-]><zero-padded counter>

  Examples:
    INV-0042             prefix "INV-", pad 4
    INV-FLO-0042         with payer abbreviation "FLO"
    INV-2025-0042        fiscal-year scoped (counter restarts per year)

CONCURRENCY:
  The per-issuer counter is the ONLY shared mutable resource in the engine.
  It sits behind CounterStore.NextSequence, a single atomic
  increment-and-fetch. There is no read-then-write path: two concurrent
  callers for the same issuer always receive two distinct consecutive
  values, and different issuers never contend.

FAILURE SEMANTICS:
  If invoice persistence fails after a number was reserved, the number
  stays consumed. Retries request a FRESH number. This trades an occasional
  gap (acceptable) for the no-duplicate guarantee (mandatory).

SEE ALSO:
  - store.go: CounterStore contract
  - invoice.go: reservation retry loop
*/
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// NUMBER FORMAT
// =============================================================================

// NumberFormat is the issuer's numbering scheme.
type NumberFormat struct {
	// Prefix is user-configurable, e.g. "INV-" or "2025/R".
	Prefix string

	// Pad is the zero-padded counter width. Zero means 4.
	Pad int

	// YearScoped restarts the counter each fiscal year and embeds the year
	// in the number (compliance mode).
	YearScoped bool
	FiscalYear FiscalYearConfig
}

func (f NumberFormat) pad() int {
	if f.Pad <= 0 {
		return 4
	}
	return f.Pad
}

// PayerAbbrev derives the three-letter abbreviation embedded in the number
// from the payer's display name. Empty name yields no abbreviation segment.
func PayerAbbrev(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, name)
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 3 {
		cleaned = cleaned[:3]
	}
	return strings.ToUpper(cleaned)
}

// =============================================================================
// NUMBERING SERVICE
// =============================================================================

// NumberingService issues the next valid invoice number for an issuer.
type NumberingService struct {
	Counters CounterStore
	Clock    Clock
}

func NewNumberingService(counters CounterStore) *NumberingService {
	return &NumberingService{Counters: counters, Clock: SystemClock{}}
}

// NumberRequest carries the per-call inputs: the issuer's format and,
// optionally, the payer whose abbreviation is embedded.
type NumberRequest struct {
	IssuerID  IssuerID
	Format    NumberFormat
	PayerName string
}

// NextNumber reserves and formats the next invoice number. The underlying
// sequence value is consumed whether or not the caller's invoice write
// succeeds.
func (s *NumberingService) NextNumber(ctx context.Context, req NumberRequest) (string, error) {
	scope, yearSegment := s.scope(req.Format)

	seq, err := s.Counters.NextSequence(ctx, req.IssuerID, scope)
	if err != nil {
		return "", &NumberReservationError{IssuerID: req.IssuerID, Attempts: 1, Cause: err}
	}

	return s.format(req, yearSegment, seq), nil
}

// PeekNumber formats the number the NEXT NextNumber call would most likely
// return, without consuming it. Advisory only: a concurrent create can take
// the peeked number first.
func (s *NumberingService) PeekNumber(ctx context.Context, req NumberRequest) (string, error) {
	scope, yearSegment := s.scope(req.Format)

	seq, err := s.Counters.PeekSequence(ctx, req.IssuerID, scope)
	if err != nil {
		return "", err
	}
	return s.format(req, yearSegment, seq+1), nil
}

func (s *NumberingService) scope(f NumberFormat) (scope, yearSegment string) {
	if !f.YearScoped {
		return "", ""
	}
	year := f.FiscalYear.YearOf(s.now())
	return fmt.Sprintf("fy%d", year), fmt.Sprintf("%d-", year)
}

func (s *NumberingService) format(req NumberRequest, yearSegment string, seq int64) string {
	var b strings.Builder
	b.WriteString(req.Format.Prefix)
	if abbrev := PayerAbbrev(req.PayerName); abbrev != "" {
		b.WriteString(abbrev)
		b.WriteString("-")
	}
	b.WriteString(yearSegment)
	b.WriteString(fmt.Sprintf("%0*d", req.Format.pad(), seq))
	return b.String()
}

func (s *NumberingService) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now().UTC()
}
