/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  EntityStore:  Billing entities (studios, teachers) with rate configs
  EventStore:   Synced calendar events; the engine mutates only the
                billing references it owns
  InvoiceStore: Invoices and invoice-event links
  CounterStore: Per-issuer monotonic counters (increment-and-fetch)
  TxStore:      Transactional composition of the above

COUNTER CONTRACT:
  NextSequence is a single atomic increment-and-fetch. There is NO
  read-then-write API on counters: that shape is exactly the race the
  gapless numbering guarantee exists to prevent. A sequence value handed
  out is consumed forever, even if the caller's invoice write later fails.

LINK CONTRACT:
  An event belongs to at most one open invoice. Link() fails with a
  LinkConflictError rather than silently relinking; the store enforces
  this with a uniqueness check under the same transaction that writes
  the link.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - billing/store: in-memory for tests/dev

SEE ALSO:
  - invoice.go: lifecycle manager composing these interfaces
  - numbering.go: counter consumer
*/
package billing

import "context"

// =============================================================================
// ENTITY STORE
// =============================================================================

type EntityStore interface {
	SaveEntity(ctx context.Context, entity *BillingEntity) error
	GetEntity(ctx context.Context, id EntityID) (*BillingEntity, error)

	// ListEntities returns all entities for an issuer. Kind filters when
	// non-empty.
	ListEntities(ctx context.Context, issuerID IssuerID, kind EntityKind) ([]*BillingEntity, error)
}

// =============================================================================
// EVENT STORE
// =============================================================================

type EventStore interface {
	SaveEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id EventID) (*Event, error)
	ListEvents(ctx context.Context, issuerID IssuerID, filter EventFilter) ([]*Event, error)

	// SetBillingRefs updates only the fields this engine owns on an event:
	// rate source, payee and the ambiguity marker. Calendar-owned fields
	// are never touched.
	SetBillingRefs(ctx context.Context, id EventID, rateSource, payee *EntityID, ambiguous bool) error
}

// EventFilter narrows ListEvents. Zero value means no filtering.
type EventFilter struct {
	Range         *TimeRange
	EntityID      *EntityID
	OnlyUnmatched bool
	OnlyAmbiguous bool
}

// =============================================================================
// INVOICE STORE
// =============================================================================

// InvoiceEventLink joins an invoice with one billed event, carrying the
// frozen per-event amount and any attendance override used to compute it.
type InvoiceEventLink struct {
	InvoiceID InvoiceID
	EventID   EventID
	Amount    Money

	// Override replaces the event's stored attendance for THIS invoice's
	// payout computation only. The event record itself is never mutated.
	Override *Attendance

	// Frozen display fields for the document renderer.
	Title string
	Date  string
}

type InvoiceStore interface {
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, issuerID IssuerID) ([]*Invoice, error)
	DeleteInvoice(ctx context.Context, id InvoiceID) error

	// Link attaches an event to an invoice. Fails with LinkConflictError if
	// the event is already linked to another open invoice.
	Link(ctx context.Context, link InvoiceEventLink) error
	Unlink(ctx context.Context, invoiceID InvoiceID, eventID EventID) error
	Links(ctx context.Context, invoiceID InvoiceID) ([]InvoiceEventLink, error)

	// LinkedInvoice returns the open invoice an event is linked to, or
	// ("", false) when it is free.
	LinkedInvoice(ctx context.Context, eventID EventID) (InvoiceID, bool, error)
}

// =============================================================================
// COUNTER STORE - Per-issuer monotonic sequence
// =============================================================================

// CounterStore hands out strictly increasing sequence values per
// (issuer, scope) pair. Scope is "" for a plain per-issuer sequence or a
// fiscal-year label when numbering restarts each year.
//
// The increment must be atomic: two concurrent calls for the same issuer
// return two distinct consecutive values. Calls for different issuers do
// not contend.
type CounterStore interface {
	NextSequence(ctx context.Context, issuerID IssuerID, scope string) (int64, error)

	// PeekSequence returns the current value without consuming. Advisory
	// only - by the time the caller acts on it, it may be stale.
	PeekSequence(ctx context.Context, issuerID IssuerID, scope string) (int64, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Store aggregates everything the lifecycle manager needs.
type Store interface {
	EntityStore
	EventStore
	InvoiceStore
	CounterStore
}

// TxStore adds transactional composition. Counter increments deliberately
// live OUTSIDE WithTx: a consumed number must stay consumed even when the
// surrounding invoice write rolls back.
type TxStore interface {
	Store

	// WithTx executes fn atomically. If fn returns an error the writes are
	// rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
