package billing_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestManager() (*billing.Manager, *store.TxMemory) {
	m := store.NewTxMemory()
	return billing.NewManager(m, billing.NewNumberingService(m)), m
}

func seedRatedStudio(t *testing.T, m *store.Memory, id, name string, rc *billing.RateConfig) {
	t.Helper()
	err := m.SaveEntity(context.Background(), &billing.BillingEntity{
		ID:       billing.EntityID(id),
		IssuerID: "issuer-1",
		Name:     name,
		Kind:     billing.EntityStudio,
		Currency: "EUR",
		Rate:     rc,
	})
	if err != nil {
		t.Fatalf("seeding studio %s: %v", id, err)
	}
}

func seedAssignedEvent(t *testing.T, m *store.Memory, id, studioID string, day, onsite int) {
	t.Helper()
	start := time.Date(2026, time.March, day, 18, 0, 0, 0, time.UTC)
	src := billing.EntityID(studioID)
	ev := &billing.Event{
		ID:           billing.EventID(id),
		IssuerID:     "issuer-1",
		Title:        "Class " + id,
		Location:     "Studio",
		Start:        start,
		End:          start.Add(time.Hour),
		Attendance:   billing.Attendance{Onsite: onsite},
		RateSourceID: &src,
		Visible:      true,
		Status:       billing.EventConfirmed,
	}
	if err := m.SaveEvent(context.Background(), ev); err != nil {
		t.Fatalf("seeding event %s: %v", id, err)
	}
}

func createInput(eventIDs ...string) billing.CreateInput {
	in := billing.CreateInput{
		IssuerID: "issuer-1",
		PayerID:  "studio-luna",
		Format:   billing.NumberFormat{Prefix: "INV-"},
	}
	for _, id := range eventIDs {
		in.EventIDs = append(in.EventIDs, billing.EventID(id))
	}
	return in
}

// =============================================================================
// CREATE TESTS
// =============================================================================

func TestCreate_LinksEventsAndComputesTotal(t *testing.T) {
	// GIVEN: A studio paying a flat 45 per event, three of its events
	// WHEN: Creating an invoice
	// THEN: Three links, total 135, derived period, a fresh number

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)
	seedAssignedEvent(t, m.Memory, "ev-2", "studio-luna", 9, 8)
	seedAssignedEvent(t, m.Memory, "ev-3", "studio-luna", 16, 12)

	result, err := mgr.Create(context.Background(), createInput("ev-1", "ev-2", "ev-3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inv := result.Invoice
	if len(result.Linked) != 3 {
		t.Errorf("expected 3 linked events, got %d", len(result.Linked))
	}
	if !inv.Total.Value.Equal(dec("135")) {
		t.Errorf("expected total 135, got %s", inv.Total.Value)
	}
	if !strings.HasPrefix(inv.Number, "INV-LUN-") {
		t.Errorf("expected number with prefix and payer abbreviation, got %s", inv.Number)
	}
	if inv.Period.From != time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC) {
		t.Errorf("expected period start from earliest event, got %s", inv.Period.From)
	}
	if inv.Document != billing.DocumentNone {
		t.Errorf("fresh invoice must have no document, got %s", inv.Document)
	}
	if inv.PayerName != "Luna Yoga" {
		t.Errorf("payer name must be frozen at issuance, got %q", inv.PayerName)
	}
}

func TestCreate_LinkedElsewhere_ConflictPerEvent(t *testing.T) {
	// GIVEN: An event already linked to another invoice
	// WHEN: Creating without AllowPartial
	// THEN: ErrLinkConflict with the event and holding invoice named

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)
	seedAssignedEvent(t, m.Memory, "ev-2", "studio-luna", 9, 8)

	ctx := context.Background()
	first, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	result, err := mgr.Create(ctx, createInput("ev-1", "ev-2"))
	if !errors.Is(err, billing.ErrLinkConflict) {
		t.Fatalf("expected ErrLinkConflict, got %v", err)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(result.Conflicts))
	}
	c := result.Conflicts[0]
	if c.EventID != "ev-1" || c.InvoiceID != first.Invoice.ID {
		t.Errorf("conflict should name the event and holding invoice, got %+v", c)
	}

	// Nothing was persisted for the failed create.
	invoices, err := m.ListInvoices(ctx, "issuer-1")
	if err != nil {
		t.Fatalf("listing invoices: %v", err)
	}
	if len(invoices) != 1 {
		t.Errorf("failed create must not persist an invoice, found %d", len(invoices))
	}
}

func TestCreate_AllowPartial_BillsNonConflictingSubset(t *testing.T) {
	// GIVEN: One of three events already linked elsewhere
	// WHEN: Creating with AllowPartial
	// THEN: The other two are billed; the conflict is still reported

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)
	seedAssignedEvent(t, m.Memory, "ev-2", "studio-luna", 9, 8)
	seedAssignedEvent(t, m.Memory, "ev-3", "studio-luna", 16, 12)

	ctx := context.Background()
	if _, err := mgr.Create(ctx, createInput("ev-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}

	in := createInput("ev-1", "ev-2", "ev-3")
	in.AllowPartial = true
	result, err := mgr.Create(ctx, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Linked) != 2 {
		t.Errorf("expected 2 linked events, got %d", len(result.Linked))
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].EventID != "ev-1" {
		t.Errorf("expected conflict on ev-1, got %+v", result.Conflicts)
	}
	if !result.Invoice.Total.Value.Equal(dec("90")) {
		t.Errorf("expected total 90 for 2 events, got %s", result.Invoice.Total.Value)
	}
}

func TestCreate_NoRateConfigured_NamesTheRateOwner(t *testing.T) {
	// GIVEN: A studio without a rate config
	// WHEN: Creating an invoice for its event
	// THEN: The error names the studio, distinct from a zero-amount rate

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", nil)
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	_, err := mgr.Create(context.Background(), createInput("ev-1"))
	if !errors.Is(err, billing.ErrNoRateConfigured) {
		t.Fatalf("expected ErrNoRateConfigured, got %v", err)
	}

	var nre *billing.NoRateError
	if !errors.As(err, &nre) {
		t.Fatalf("expected *NoRateError, got %T", err)
	}
	if nre.EntityID != "studio-luna" {
		t.Errorf("error should name the rate owner, got %s", nre.EntityID)
	}
}

func TestCreate_UnmatchedEvent_ErrUnmatched(t *testing.T) {
	// GIVEN: An event that resolution never matched to a studio
	// WHEN: Creating an invoice over it
	// THEN: ErrUnmatched naming the event, not a rate error

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))

	start := time.Date(2026, time.March, 5, 18, 0, 0, 0, time.UTC)
	err := m.SaveEvent(context.Background(), &billing.Event{
		ID:         "ev-stray",
		IssuerID:   "issuer-1",
		Title:      "Private session",
		Start:      start,
		End:        start.Add(time.Hour),
		Attendance: billing.Attendance{Onsite: 1},
		Visible:    true,
		Status:     billing.EventConfirmed,
	})
	if err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	_, err = mgr.Create(context.Background(), createInput("ev-stray"))
	if !errors.Is(err, billing.ErrUnmatched) {
		t.Fatalf("expected ErrUnmatched, got %v", err)
	}
	if !strings.Contains(err.Error(), "ev-stray") {
		t.Errorf("error should name the event, got %q", err)
	}
	if !billing.IsClientError(err) {
		t.Errorf("billing an unmatched event is a client-fixable state")
	}
}

// =============================================================================
// NUMBERING GUARANTEES ACROSS THE LIFECYCLE
// =============================================================================

func TestCreateAfterDelete_NumberIsNeverReused(t *testing.T) {
	// GIVEN: An invoice created and then deleted
	// WHEN: Creating the next invoice
	// THEN: It receives a NEW number; the deleted one left a permanent gap

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	first, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := mgr.Delete(ctx, first.Invoice.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	second, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.Invoice.Number == first.Invoice.Number {
		t.Errorf("deleted invoice's number %s must not be reused", first.Invoice.Number)
	}
}

func TestCreate_ConcurrentInvoicesGetDistinctNumbers(t *testing.T) {
	// GIVEN: Many events for one issuer
	// WHEN: Creating invoices concurrently
	// THEN: Every invoice receives a distinct number

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))

	const n = 10
	ctx := context.Background()
	for i := 0; i < n; i++ {
		seedAssignedEvent(t, m.Memory, "ev-"+string(rune('a'+i)), "studio-luna", i+1, 10)
	}

	type outcome struct {
		number string
		err    error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			r, err := mgr.Create(ctx, createInput("ev-"+string(rune('a'+i))))
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{number: r.Invoice.Number}
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		o := <-results
		if o.err != nil {
			t.Fatalf("concurrent create: %v", o.err)
		}
		if seen[o.number] {
			t.Fatalf("duplicate invoice number: %s", o.number)
		}
		seen[o.number] = true
	}
}

// =============================================================================
// UPDATE TESTS
// =============================================================================

func TestUpdate_RelinksFullDesiredSet(t *testing.T) {
	// GIVEN: An invoice over five events
	// WHEN: Updating to remove two and add one
	// THEN: Four links remain and the total is recomputed

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	for i := 1; i <= 6; i++ {
		seedAssignedEvent(t, m.Memory, "ev-"+string(rune('0'+i)), "studio-luna", i, 10)
	}

	ctx := context.Background()
	created, err := mgr.Create(ctx, createInput("ev-1", "ev-2", "ev-3", "ev-4", "ev-5"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := mgr.Update(ctx, created.Invoice.ID, billing.UpdateInput{
		EventIDs: []billing.EventID{"ev-1", "ev-2", "ev-3", "ev-6"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(result.Linked) != 4 {
		t.Errorf("expected 4 linked events, got %d", len(result.Linked))
	}
	if len(result.Unlinked) != 2 {
		t.Errorf("expected 2 unlinked events, got %d", len(result.Unlinked))
	}
	if !result.Invoice.Total.Value.Equal(dec("180")) {
		t.Errorf("expected total 180, got %s", result.Invoice.Total.Value)
	}

	links, err := m.Links(ctx, created.Invoice.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 4 {
		t.Errorf("expected 4 persisted links, got %d", len(links))
	}
}

func TestUpdate_SameSetTwice_Idempotent(t *testing.T) {
	// A retried Update with the same desired set lands in the same state.
	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)
	seedAssignedEvent(t, m.Memory, "ev-2", "studio-luna", 9, 8)

	ctx := context.Background()
	created, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	in := billing.UpdateInput{EventIDs: []billing.EventID{"ev-1", "ev-2"}}
	if _, err := mgr.Update(ctx, created.Invoice.ID, in); err != nil {
		t.Fatalf("first update: %v", err)
	}
	second, err := mgr.Update(ctx, created.Invoice.ID, in)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if len(second.Linked) != 2 || len(second.Unlinked) != 0 {
		t.Errorf("expected 2 linked, 0 unlinked on retry, got %d/%d", len(second.Linked), len(second.Unlinked))
	}
	if !second.Invoice.Total.Value.Equal(dec("90")) {
		t.Errorf("expected total 90, got %s", second.Invoice.Total.Value)
	}
}

func TestUpdate_MarksGeneratedDocumentStale(t *testing.T) {
	// GIVEN: An invoice with a generated document
	// WHEN: Updating its event set
	// THEN: The document drops to stale until regenerated

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)
	seedAssignedEvent(t, m.Memory, "ev-2", "studio-luna", 9, 8)

	ctx := context.Background()
	created, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.RenderDocument(ctx, created.Invoice.ID, billing.NopRenderer{}); err != nil {
		t.Fatalf("render: %v", err)
	}

	result, err := mgr.Update(ctx, created.Invoice.ID, billing.UpdateInput{
		EventIDs: []billing.EventID{"ev-1", "ev-2"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.Invoice.Document != billing.DocumentStale {
		t.Errorf("expected stale document, got %s", result.Invoice.Document)
	}

	// Regenerating clears the staleness.
	if err := mgr.RenderDocument(ctx, created.Invoice.ID, billing.NopRenderer{}); err != nil {
		t.Fatalf("re-render: %v", err)
	}
	inv, err := m.GetInvoice(ctx, created.Invoice.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if inv.Document != billing.DocumentGenerated {
		t.Errorf("expected generated document after re-render, got %s", inv.Document)
	}
}

func TestUpdate_Locked_Refused(t *testing.T) {
	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	created, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	created.Invoice.Locked = true
	if err := m.SaveInvoice(ctx, created.Invoice); err != nil {
		t.Fatalf("locking: %v", err)
	}

	_, err = mgr.Update(ctx, created.Invoice.ID, billing.UpdateInput{EventIDs: []billing.EventID{"ev-1"}})
	if !errors.Is(err, billing.ErrInvoiceLocked) {
		t.Errorf("expected ErrInvoiceLocked on update, got %v", err)
	}
	if err := mgr.Delete(ctx, created.Invoice.ID); !errors.Is(err, billing.ErrInvoiceLocked) {
		t.Errorf("expected ErrInvoiceLocked on delete, got %v", err)
	}
}

// =============================================================================
// ATTENDANCE OVERRIDE TESTS
// =============================================================================

func TestCreate_Override_NeverMutatesTheEvent(t *testing.T) {
	// GIVEN: A per-student rate and an attendance override on the link
	// WHEN: Creating the invoice
	// THEN: The payout uses the override; the event record stays untouched

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", perStudentRate("5"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	in := createInput("ev-1")
	in.Overrides = map[billing.EventID]billing.Attendance{
		"ev-1": {Onsite: 4},
	}

	result, err := mgr.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Invoice.Total.Value.Equal(dec("20")) {
		t.Errorf("expected total 20 from override, got %s", result.Invoice.Total.Value)
	}

	ev, err := m.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Attendance.Onsite != 10 {
		t.Errorf("event attendance must be untouched, got %d", ev.Attendance.Onsite)
	}

	links, err := m.Links(ctx, result.Invoice.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(links) != 1 || links[0].Override == nil || links[0].Override.Onsite != 4 {
		t.Errorf("override must live on the link, got %+v", links)
	}
}

// =============================================================================
// DELETE TESTS
// =============================================================================

func TestDelete_UnlinksEventsForRebilling(t *testing.T) {
	// GIVEN: An invoice over an event
	// WHEN: Deleting it
	// THEN: The event is free to be billed again

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	created, err := mgr.Create(ctx, createInput("ev-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.Delete(ctx, created.Invoice.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := m.GetInvoice(ctx, created.Invoice.ID); !billing.IsNotFound(err) {
		t.Errorf("expected invoice gone, got %v", err)
	}
	if _, linked, err := m.LinkedInvoice(ctx, "ev-1"); err != nil || linked {
		t.Errorf("expected event unlinked, linked=%v err=%v", linked, err)
	}

	if _, err := mgr.Create(ctx, createInput("ev-1")); err != nil {
		t.Errorf("rebilling a freed event should work, got %v", err)
	}
}

// =============================================================================
// SUBSTITUTE BILLING TESTS
// =============================================================================

func TestCreate_SubstitutePayee_PricedByTheStudio(t *testing.T) {
	// GIVEN: A redirected event; the teacher payer has no own rate
	// WHEN: Creating the teacher's invoice
	// THEN: The studio's rate config prices the event

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	seedTeacher(t, m.Memory, "teacher-mara", "Mara Klein")
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	payee := billing.EntityID("teacher-mara")
	src := billing.EntityID("studio-luna")
	if err := m.SetBillingRefs(ctx, "ev-1", &src, &payee, false); err != nil {
		t.Fatalf("redirecting: %v", err)
	}

	in := createInput("ev-1")
	in.PayerID = "teacher-mara"
	result, err := mgr.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Invoice.Total.Value.Equal(dec("45")) {
		t.Errorf("expected studio-priced total 45, got %s", result.Invoice.Total.Value)
	}
	if result.Invoice.PayerID != "teacher-mara" {
		t.Errorf("expected teacher as payer, got %s", result.Invoice.PayerID)
	}
}

func TestCreate_TeacherWithOwnRate_OverridesTheStudio(t *testing.T) {
	// GIVEN: A teacher payer carrying its own rate config
	// WHEN: Creating the teacher's invoice for a studio-sourced event
	// THEN: The teacher's rate wins; setting it was an explicit user choice

	mgr, m := newTestManager()
	seedRatedStudio(t, m.Memory, "studio-luna", "Luna Yoga", flatRate("45"))
	err := m.SaveEntity(context.Background(), &billing.BillingEntity{
		ID:       "teacher-mara",
		IssuerID: "issuer-1",
		Name:     "Mara Klein",
		Kind:     billing.EntityTeacher,
		Currency: "EUR",
		Rate:     flatRate("60"),
	})
	if err != nil {
		t.Fatalf("seeding teacher: %v", err)
	}
	seedAssignedEvent(t, m.Memory, "ev-1", "studio-luna", 2, 10)

	ctx := context.Background()
	payee := billing.EntityID("teacher-mara")
	src := billing.EntityID("studio-luna")
	if err := m.SetBillingRefs(ctx, "ev-1", &src, &payee, false); err != nil {
		t.Fatalf("redirecting: %v", err)
	}

	in := createInput("ev-1")
	in.PayerID = "teacher-mara"
	result, err := mgr.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !result.Invoice.Total.Value.Equal(dec("60")) {
		t.Errorf("expected teacher-rated total 60, got %s", result.Invoice.Total.Value)
	}
}
