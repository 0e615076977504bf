/*
invoice.go - Invoice model and lifecycle manager

PURPOSE:
  Orchestrates the invoice lifecycle: create (link events, compute totals,
  reserve a number, persist atomically), update (relink by symmetric
  difference, recompute, mark the document stale), attendance overrides,
  and delete (unlink first, never leave dangling links).

STATE MACHINE:
  Draft(building) -> Created(number assigned, events linked, totals fixed)
  -> Edited(relinked, totals recomputed, document stale)
  -> DocumentGenerated

  Edits are permitted only while the invoice is not locked (paid/locked
  logic lives outside this engine; the Locked flag is the precondition it
  exposes).

FROZEN PAYER:
  The payer's identity is captured at issuance (PayerID + PayerName) and is
  not live-recomputed from the entity afterwards. Rate configs, by
  contrast, are read live at computation time - the "frozen payee, live
  rate source" duality of substitute billing.

NUMBER RESERVATION:
  Reservation failures are retried with backoff, each retry requesting a
  NEW number. A reserved number is consumed even when the invoice write
  that follows fails; see numbering.go.

LINK CONFLICTS:
  An event already linked to another open invoice is a per-event conflict,
  reported individually. The caller chooses: abort (default) or proceed
  with the non-conflicting subset (AllowPartial).

SEE ALSO:
  - rate.go: payout computation
  - numbering.go: number reservation
  - document.go: renderer hand-off and staleness
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// INVOICE MODEL
// =============================================================================

type DocumentState string

const (
	// DocumentNone: no document generated yet.
	DocumentNone DocumentState = "none"
	// DocumentStale: a document was generated but the invoice changed since;
	// it must be regenerated before being considered authoritative.
	DocumentStale DocumentState = "stale"
	// DocumentGenerated: the document reflects the current invoice.
	DocumentGenerated DocumentState = "generated"
)

type Invoice struct {
	ID       InvoiceID
	IssuerID IssuerID

	// Number is unique and strictly increasing per issuer. Assigned once at
	// creation; editable by hand afterwards (compliance corrections), but
	// never reassigned automatically.
	Number string

	// Frozen payer at issuance.
	PayerID   EntityID
	PayerName string

	Total    Money
	Currency string

	// Period is derived from the linked events, never entered by hand.
	Period TimeRange

	Notes string

	// Locked blocks edits and deletion. Set by the payment layer outside
	// this engine.
	Locked bool

	Document DocumentState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Editable is the precondition check for Update and Delete.
func (inv *Invoice) Editable() bool { return !inv.Locked }

// =============================================================================
// LIFECYCLE MANAGER
// =============================================================================

type Manager struct {
	Store   TxStore
	Numbers *NumberingService
	Clock   Clock

	// ReservationAttempts bounds the number-reservation retry loop.
	// Zero means 3.
	ReservationAttempts int

	// ReservationBackoff sleeps between reservation attempts.
	// Nil means 50ms * attempt.
	ReservationBackoff func(attempt int) time.Duration
}

func NewManager(store TxStore, numbers *NumberingService) *Manager {
	return &Manager{Store: store, Numbers: numbers, Clock: SystemClock{}}
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock.Now()
	}
	return time.Now().UTC()
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	IssuerID IssuerID
	PayerID  EntityID
	EventIDs []EventID

	// Overrides replace stored attendance for payout computation on this
	// invoice only. Keyed by event.
	Overrides map[EventID]Attendance

	Notes  string
	Format NumberFormat

	// AllowPartial proceeds with the non-conflicting subset instead of
	// aborting when some events are already linked elsewhere.
	AllowPartial bool
}

// CreateResult reports the outcome, including per-event conflicts so the
// caller can retry or surface them individually.
type CreateResult struct {
	Invoice   *Invoice
	Linked    []EventID
	Conflicts []LinkConflictError
}

// Create builds an invoice for the chosen events: per-event payouts, total,
// a fresh number, and invoice + links persisted in one transaction.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	payer, err := m.Store.GetEntity(ctx, in.PayerID)
	if err != nil {
		return nil, err
	}

	events, err := m.loadEvents(ctx, in.EventIDs)
	if err != nil {
		return nil, err
	}

	// Conflict check up front so the caller gets the full list, not just
	// the first offender. The store re-checks under the transaction.
	billable, conflicts, err := m.partitionConflicts(ctx, events, "")
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 && !in.AllowPartial {
		return &CreateResult{Conflicts: conflicts}, ErrLinkConflict
	}
	if len(billable) == 0 {
		return &CreateResult{Conflicts: conflicts}, fmt.Errorf("no billable events: %w", ErrLinkConflict)
	}

	lines, total, err := m.computeLines(ctx, billable, payer, in.Overrides)
	if err != nil {
		return nil, err
	}

	number, err := m.reserveNumber(ctx, NumberRequest{
		IssuerID:  in.IssuerID,
		Format:    in.Format,
		PayerName: payer.Name,
	})
	if err != nil {
		return nil, err
	}

	now := m.now()
	inv := &Invoice{
		ID:        InvoiceID(uuid.NewString()),
		IssuerID:  in.IssuerID,
		Number:    number,
		PayerID:   payer.ID,
		PayerName: payer.Name,
		Total:     total.Rounded(),
		Currency:  total.Currency,
		Period:    PeriodOf(billable),
		Notes:     in.Notes,
		Document:  DocumentNone,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = m.Store.WithTx(ctx, func(s Store) error {
		if err := s.SaveInvoice(ctx, inv); err != nil {
			return err
		}
		for _, line := range lines {
			line.InvoiceID = inv.ID
			if err := s.Link(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// The reserved number stays consumed. A retried Create gets a
		// fresh one.
		return nil, err
	}

	result := &CreateResult{Invoice: inv, Conflicts: conflicts}
	for _, line := range lines {
		result.Linked = append(result.Linked, line.EventID)
	}
	return result, nil
}

// =============================================================================
// UPDATE
// =============================================================================

type UpdateInput struct {
	// EventIDs is the full desired linked set, not a delta. Recomputing
	// from the desired set makes a retried Update naturally idempotent.
	EventIDs []EventID

	Overrides map[EventID]Attendance

	// Notes and Number replace the stored values when non-nil.
	Notes  *string
	Number *string

	AllowPartial bool
}

type UpdateResult struct {
	Invoice   *Invoice
	Linked    []EventID
	Unlinked  []EventID
	Conflicts []LinkConflictError
}

// Update relinks an invoice to the desired event set, recomputes totals and
// period, and marks any previously generated document stale.
func (m *Manager) Update(ctx context.Context, id InvoiceID, in UpdateInput) (*UpdateResult, error) {
	inv, err := m.Store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.Editable() {
		return nil, ErrInvoiceLocked
	}

	payer, err := m.Store.GetEntity(ctx, inv.PayerID)
	if err != nil {
		return nil, err
	}

	currentLinks, err := m.Store.Links(ctx, id)
	if err != nil {
		return nil, err
	}
	current := make(map[EventID]bool, len(currentLinks))
	for _, l := range currentLinks {
		current[l.EventID] = true
	}

	desired := make(map[EventID]bool, len(in.EventIDs))
	for _, evID := range in.EventIDs {
		desired[evID] = true
	}

	// Symmetric difference against the currently linked set.
	var toUnlink []EventID
	for evID := range current {
		if !desired[evID] {
			toUnlink = append(toUnlink, evID)
		}
	}
	var toAdd []EventID
	for _, evID := range in.EventIDs {
		if !current[evID] {
			toAdd = append(toAdd, evID)
		}
	}

	added, err := m.loadEvents(ctx, toAdd)
	if err != nil {
		return nil, err
	}
	addable, conflicts, err := m.partitionConflicts(ctx, added, id)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 && !in.AllowPartial {
		return &UpdateResult{Conflicts: conflicts}, ErrLinkConflict
	}

	// Final linked set: kept events plus the addable ones.
	var keptIDs []EventID
	for _, l := range currentLinks {
		if desired[l.EventID] {
			keptIDs = append(keptIDs, l.EventID)
		}
	}
	kept, err := m.loadEvents(ctx, keptIDs)
	if err != nil {
		return nil, err
	}
	final := append(kept, addable...)

	lines, total, err := m.computeLines(ctx, final, payer, in.Overrides)
	if err != nil {
		return nil, err
	}

	inv.Total = total.Rounded()
	inv.Currency = total.Currency
	inv.Period = PeriodOf(final)
	inv.UpdatedAt = m.now()
	if in.Notes != nil {
		inv.Notes = *in.Notes
	}
	if in.Number != nil {
		inv.Number = *in.Number
	}
	if inv.Document == DocumentGenerated {
		inv.Document = DocumentStale
	}

	err = m.Store.WithTx(ctx, func(s Store) error {
		for _, evID := range toUnlink {
			if err := s.Unlink(ctx, id, evID); err != nil {
				return err
			}
		}
		// Relink the full final set so per-event amounts and overrides are
		// refreshed, not just the additions.
		for _, l := range currentLinks {
			if desired[l.EventID] {
				if err := s.Unlink(ctx, id, l.EventID); err != nil {
					return err
				}
			}
		}
		for _, line := range lines {
			line.InvoiceID = id
			if err := s.Link(ctx, line); err != nil {
				return err
			}
		}
		return s.SaveInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{Invoice: inv, Unlinked: toUnlink, Conflicts: conflicts}
	for _, line := range lines {
		result.Linked = append(result.Linked, line.EventID)
	}
	return result, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes an invoice after unlinking all its events. Refused while
// locked. Never leaves dangling links, and never frees the invoice number.
func (m *Manager) Delete(ctx context.Context, id InvoiceID) error {
	inv, err := m.Store.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Editable() {
		return ErrInvoiceLocked
	}

	links, err := m.Store.Links(ctx, id)
	if err != nil {
		return err
	}

	return m.Store.WithTx(ctx, func(s Store) error {
		for _, l := range links {
			if err := s.Unlink(ctx, id, l.EventID); err != nil {
				return err
			}
		}
		return s.DeleteInvoice(ctx, id)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) loadEvents(ctx context.Context, ids []EventID) ([]*Event, error) {
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		ev, err := m.Store.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// partitionConflicts splits events into linkable ones and those already
// linked to a different open invoice. selfID exempts the invoice being
// updated.
func (m *Manager) partitionConflicts(ctx context.Context, events []*Event, selfID InvoiceID) ([]*Event, []LinkConflictError, error) {
	var linkable []*Event
	var conflicts []LinkConflictError
	for _, ev := range events {
		linkedTo, linked, err := m.Store.LinkedInvoice(ctx, ev.ID)
		if err != nil {
			return nil, nil, err
		}
		if linked && linkedTo != selfID {
			conflicts = append(conflicts, LinkConflictError{EventID: ev.ID, InvoiceID: linkedTo})
			continue
		}
		linkable = append(linkable, ev)
	}
	return linkable, conflicts, nil
}

// computeLines prices each event and builds the link rows. The rate config
// comes from the event's rate source (the studio) even when the payer is a
// substitute teacher - unless the teacher entity carries its own rate
// config, which the user set by explicit choice.
func (m *Manager) computeLines(ctx context.Context, events []*Event, payer *BillingEntity, overrides map[EventID]Attendance) ([]InvoiceEventLink, Money, error) {
	currency := payer.Currency
	total := ZeroMoney(currency)
	lines := make([]InvoiceEventLink, 0, len(events))

	rateCache := make(map[EntityID]*BillingEntity)

	for _, ev := range events {
		rc, owner, err := m.rateFor(ctx, ev, payer, rateCache)
		if err != nil {
			return nil, Money{}, err
		}

		att := ev.Attendance
		var override *Attendance
		if o, ok := overrides[ev.ID]; ok {
			att = o
			override = &o
		}

		amount, err := ComputePayout(att, rc)
		if err != nil {
			if errors.Is(err, ErrNoRateConfigured) {
				return nil, Money{}, &NoRateError{EntityID: owner.ID, Name: owner.Name}
			}
			return nil, Money{}, err
		}

		lines = append(lines, InvoiceEventLink{
			EventID:  ev.ID,
			Amount:   amount,
			Override: override,
			Title:    ev.Title,
			Date:     ev.Start.Format("2006-01-02"),
		})
		total = total.Add(amount)
	}

	return lines, total, nil
}

func (m *Manager) rateFor(ctx context.Context, ev *Event, payer *BillingEntity, cache map[EntityID]*BillingEntity) (*RateConfig, *BillingEntity, error) {
	// Teacher with its own rate config: explicit user choice, takes over.
	if payer.Kind == EntityTeacher && payer.Rate != nil {
		return payer.Rate, payer, nil
	}

	src := ev.RateSourceID
	if src == nil {
		// Unmatched events cannot be priced; resolve or assign them first.
		return nil, nil, fmt.Errorf("event %s: %w", ev.ID, ErrUnmatched)
	}
	if *src == payer.ID {
		return payer.Rate, payer, nil
	}

	entity, ok := cache[*src]
	if !ok {
		var err error
		entity, err = m.Store.GetEntity(ctx, *src)
		if err != nil {
			return nil, nil, err
		}
		cache[*src] = entity
	}
	return entity.Rate, entity, nil
}

// reserveNumber retries reservation with backoff, requesting a NEW number
// each attempt. The failed attempt's number (if any was consumed) is never
// reused.
func (m *Manager) reserveNumber(ctx context.Context, req NumberRequest) (string, error) {
	attempts := m.ReservationAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		number, err := m.Numbers.NextNumber(ctx, req)
		if err == nil {
			return number, nil
		}
		lastErr = err

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(m.backoff(attempt)):
			}
		}
	}
	return "", &NumberReservationError{IssuerID: req.IssuerID, Attempts: attempts, Cause: lastErr}
}

func (m *Manager) backoff(attempt int) time.Duration {
	if m.ReservationBackoff != nil {
		return m.ReservationBackoff(attempt)
	}
	return time.Duration(attempt) * 50 * time.Millisecond
}
