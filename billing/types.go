/*
Package billing provides the core billing and invoicing engine.

PURPOSE:
  This package contains the domain types and algorithms for turning synced
  calendar events into invoices: matching events to the studio (or teacher)
  that pays for them, computing a payout per event from a rate configuration,
  issuing gapless per-issuer invoice numbers, and managing the invoice
  lifecycle (create, relink, recompute, regenerate document).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A monetary amount with a currency (decimal, not float)
  - Attendance: On-site and online headcounts for a class
  - Event: A scheduled class instance synced from a calendar
  - BillingEntity: The party an event is billed to - a studio or a teacher

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Type Safety: Strong typing for IDs prevents mixing issuer/entity/event IDs
  3. Two references, not one: an event's rate source (studio) and payee
     (possibly a substitute teacher) are separate fields
  4. Typed results: "no rate configured" is never conflated with a zero rate

SEE ALSO:
  - rate.go: Rate configurations and payout computation
  - pattern.go: Location/keyword matching
  - resolver.go: Event-to-entity resolution
  - numbering.go: Gapless invoice numbers
  - invoice.go: Invoice lifecycle
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Monetary amount with currency
// =============================================================================

type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value float64, currency string) Money {
	return Money{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewMoneyFromInt(value int, currency string) Money {
	return Money{Value: decimal.NewFromInt(int64(value)), Currency: currency}
}

func ZeroMoney(currency string) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (m Money) Add(b Money) Money            { return Money{Value: m.Value.Add(b.Value), Currency: m.Currency} }
func (m Money) Sub(b Money) Money            { return Money{Value: m.Value.Sub(b.Value), Currency: m.Currency} }
func (m Money) Mul(s decimal.Decimal) Money  { return Money{Value: m.Value.Mul(s), Currency: m.Currency} }
func (m Money) Neg() Money                   { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) Equal(b Money) bool           { return m.Currency == b.Currency && m.Value.Equal(b.Value) }
func (m Money) GreaterThan(b Money) bool     { return m.Value.GreaterThan(b.Value) }
func (m Money) LessThan(b Money) bool        { return m.Value.LessThan(b.Value) }

// Rounded returns the amount rounded to 2 decimal places.
// Rounding happens ONLY at display/aggregation boundaries; intermediate
// per-event computation keeps full decimal precision.
func (m Money) Rounded() Money {
	return Money{Value: m.Value.Round(2), Currency: m.Currency}
}

func (m Money) String() string {
	return m.Value.Round(2).StringFixed(2) + " " + m.Currency
}

// =============================================================================
// CLOCK - Injectable time source
// =============================================================================

// Clock abstracts time.Now so tests can pin the fiscal year and timestamps.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type IssuerID string
type EntityID string
type EventID string
type InvoiceID string

// =============================================================================
// ATTENDANCE - Headcounts for one class instance
// =============================================================================

type Attendance struct {
	Onsite int
	Online int
}

func (a Attendance) Total() int { return a.Onsite + a.Online }

// =============================================================================
// EVENT - A scheduled class instance synced from a calendar
// =============================================================================

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventCancelled EventStatus = "cancelled"
)

// Event is a synced class. The calendar sync collaborator owns title,
// location, times and default attendance; this engine owns the billing
// references (RateSourceID, PayeeID) and nothing else.
//
// RateSourceID is the studio whose rate configuration prices the event.
// PayeeID, when set, redirects payment to a substitute teacher while the
// studio remains the rate source. PayeeID == nil means the rate source is
// also the payee.
type Event struct {
	ID         EventID
	IssuerID   IssuerID
	Title      string
	Location   string
	Start      time.Time
	End        time.Time
	Attendance Attendance

	RateSourceID *EntityID
	PayeeID      *EntityID

	// Ambiguous records that the last automatic resolution had more than
	// one candidate studio and was decided by tie-break. Surfaced to the
	// user, never silently cleared.
	Ambiguous bool

	Tags    []string
	Visible bool
	Status  EventStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BillableEntity returns the entity the payout is computed from.
func (e *Event) BillableEntity() *EntityID { return e.RateSourceID }

// EffectivePayee returns the entity that gets paid: the substitute teacher
// if redirected, otherwise the rate source itself.
func (e *Event) EffectivePayee() *EntityID {
	if e.PayeeID != nil {
		return e.PayeeID
	}
	return e.RateSourceID
}

// IsRedirected reports whether payment has been redirected to a substitute.
func (e *Event) IsRedirected() bool { return e.PayeeID != nil }

// =============================================================================
// BILLING ENTITY - Studio or substitute teacher
// =============================================================================

type EntityKind string

const (
	EntityStudio  EntityKind = "studio"
	EntityTeacher EntityKind = "teacher"
)

// BillingEntity is the party an event is billed to. Studios carry location
// patterns that auto-claim events; teachers are payment recipients created
// for substitute redirection and normally carry no rate config of their own.
type BillingEntity struct {
	ID       EntityID
	IssuerID IssuerID
	Name     string
	Kind     EntityKind
	Currency string

	// LocationPatterns auto-claim events whose location matches.
	// Studio entities only.
	LocationPatterns []string

	Rate *RateConfig

	// Studio flags
	Verified bool
	Featured bool

	// Teacher contact info (payment recipient)
	RecipientEmail   string
	RecipientAddress string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsStudio reports whether the entity can claim events by location pattern.
func (e *BillingEntity) IsStudio() bool { return e.Kind == EntityStudio }
