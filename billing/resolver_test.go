package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestResolver() (*billing.Resolver, *store.Memory) {
	m := store.NewMemory()
	return billing.NewResolver(m, m), m
}

func seedStudio(t *testing.T, m *store.Memory, id, name string, patterns ...string) {
	t.Helper()
	err := m.SaveEntity(context.Background(), &billing.BillingEntity{
		ID:               billing.EntityID(id),
		IssuerID:         "issuer-1",
		Name:             name,
		Kind:             billing.EntityStudio,
		Currency:         "EUR",
		LocationPatterns: patterns,
	})
	if err != nil {
		t.Fatalf("seeding studio %s: %v", id, err)
	}
}

func seedTeacher(t *testing.T, m *store.Memory, id, name string) {
	t.Helper()
	err := m.SaveEntity(context.Background(), &billing.BillingEntity{
		ID:       billing.EntityID(id),
		IssuerID: "issuer-1",
		Name:     name,
		Kind:     billing.EntityTeacher,
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("seeding teacher %s: %v", id, err)
	}
}

func seedEvent(t *testing.T, m *store.Memory, id, location string) *billing.Event {
	t.Helper()
	start := time.Date(2026, time.March, 2, 18, 0, 0, 0, time.UTC)
	ev := &billing.Event{
		ID:         billing.EventID(id),
		IssuerID:   "issuer-1",
		Title:      "Class",
		Location:   location,
		Start:      start,
		End:        start.Add(time.Hour),
		Attendance: billing.Attendance{Onsite: 8},
		Visible:    true,
		Status:     billing.EventConfirmed,
	}
	if err := m.SaveEvent(context.Background(), ev); err != nil {
		t.Fatalf("seeding event %s: %v", id, err)
	}
	return ev
}

// =============================================================================
// RESOLUTION TESTS
// =============================================================================

func TestResolve_NoLocation_Unmatched(t *testing.T) {
	// GIVEN: An event without location text
	// WHEN: Resolving
	// THEN: Unmatched, no error

	r, m := newTestResolver()
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	ev := seedEvent(t, m, "ev-1", "")

	res, err := r.Resolve(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Unmatched() {
		t.Error("expected unmatched resolution")
	}
}

func TestResolve_SingleMatch_Assigned(t *testing.T) {
	r, m := newTestResolver()
	seedStudio(t, m, "studio-luna", "Luna Yoga", "luna yoga")
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	ev := seedEvent(t, m, "ev-1", "Luna Yoga, Hauptstr. 12")

	res, err := r.Resolve(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EntityID == nil || *res.EntityID != "studio-luna" {
		t.Fatalf("expected studio-luna, got %v", res.EntityID)
	}
	if res.Ambiguous {
		t.Error("single match must not be ambiguous")
	}
}

func TestResolve_MultipleMatches_LongestPatternWinsFlaggedAmbiguous(t *testing.T) {
	// GIVEN: Two studios whose patterns both match "Flow Studio Berlin"
	// WHEN: Resolving
	// THEN: The longer pattern's owner wins, the event is flagged ambiguous,
	//       and every candidate is listed for conflict surfacing

	r, m := newTestResolver()
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	seedStudio(t, m, "studio-flow-berlin", "Flow Studio Berlin", "flow studio berlin")
	ev := seedEvent(t, m, "ev-1", "Flow Studio Berlin, Kastanienallee")

	res, err := r.Resolve(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.EntityID == nil || *res.EntityID != "studio-flow-berlin" {
		t.Fatalf("expected studio-flow-berlin, got %v", res.EntityID)
	}
	if !res.Ambiguous {
		t.Error("tie-broken resolution must be flagged ambiguous")
	}
	if len(res.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(res.Candidates))
	}
}

// =============================================================================
// REMATCH TESTS
// =============================================================================

func TestRematch_SecondRunIsNoop(t *testing.T) {
	// GIVEN: Events resolved once
	// WHEN: Rematching twice without pattern changes
	// THEN: The second run updates nothing

	r, m := newTestResolver()
	seedStudio(t, m, "studio-luna", "Luna Yoga", "luna yoga")
	seedEvent(t, m, "ev-1", "Luna Yoga, Hauptstr. 12")
	seedEvent(t, m, "ev-2", "Community Center Room 4")

	ctx := context.Background()
	events, err := m.ListEvents(ctx, "issuer-1", billing.EventFilter{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}

	first, err := r.Rematch(ctx, events)
	if err != nil {
		t.Fatalf("first rematch: %v", err)
	}
	if first.Updated != 1 || first.Unchanged != 1 {
		t.Errorf("first run: expected 1 updated, 1 unchanged, got %+v", first)
	}

	events, err = m.ListEvents(ctx, "issuer-1", billing.EventFilter{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	second, err := r.Rematch(ctx, events)
	if err != nil {
		t.Fatalf("second rematch: %v", err)
	}
	if second.Updated != 0 || second.Unchanged != 2 {
		t.Errorf("second run should be a no-op, got %+v", second)
	}
}

func TestRematch_PreservesRedirection(t *testing.T) {
	// GIVEN: A resolved event redirected to a substitute teacher
	// WHEN: Patterns change and rematch reassigns the rate source
	// THEN: The payee survives the rematch

	r, m := newTestResolver()
	seedStudio(t, m, "studio-luna", "Luna Yoga", "luna yoga")
	seedTeacher(t, m, "teacher-mara", "Mara Klein")
	seedEvent(t, m, "ev-1", "Luna Yoga, Hauptstr. 12")

	ctx := context.Background()
	src := billing.EntityID("studio-luna")
	if err := m.SetBillingRefs(ctx, "ev-1", &src, nil, false); err != nil {
		t.Fatalf("assigning: %v", err)
	}
	if err := r.Redirect(ctx, "ev-1", "teacher-mara"); err != nil {
		t.Fatalf("redirecting: %v", err)
	}

	// A new studio now claims the same location with a longer pattern.
	seedStudio(t, m, "studio-luna-mitte", "Luna Yoga Mitte", "luna yoga, hauptstr. 12")

	events, err := m.ListEvents(ctx, "issuer-1", billing.EventFilter{})
	if err != nil {
		t.Fatalf("listing events: %v", err)
	}
	if _, err := r.Rematch(ctx, events); err != nil {
		t.Fatalf("rematch: %v", err)
	}

	ev, err := m.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("getting event: %v", err)
	}
	if ev.PayeeID == nil || *ev.PayeeID != "teacher-mara" {
		t.Errorf("redirection lost during rematch: payee %v", ev.PayeeID)
	}
	if ev.RateSourceID == nil || *ev.RateSourceID != "studio-luna-mitte" {
		t.Errorf("expected rate source reassigned to studio-luna-mitte, got %v", ev.RateSourceID)
	}
}

// =============================================================================
// MANUAL ASSIGNMENT TESTS
// =============================================================================

func TestAssign_ClearsAmbiguity(t *testing.T) {
	// GIVEN: An ambiguously resolved event
	// WHEN: The user assigns a studio by hand
	// THEN: The assignment sticks and the ambiguity flag clears

	r, m := newTestResolver()
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	seedStudio(t, m, "studio-flow-berlin", "Flow Studio Berlin", "flow studio berlin")
	seedEvent(t, m, "ev-1", "Flow Studio Berlin")

	ctx := context.Background()
	winner := billing.EntityID("studio-flow-berlin")
	if err := m.SetBillingRefs(ctx, "ev-1", &winner, nil, true); err != nil {
		t.Fatalf("seeding ambiguous assignment: %v", err)
	}

	if err := r.Assign(ctx, "ev-1", "studio-flow"); err != nil {
		t.Fatalf("assigning: %v", err)
	}

	ev, err := m.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("getting event: %v", err)
	}
	if ev.RateSourceID == nil || *ev.RateSourceID != "studio-flow" {
		t.Errorf("expected studio-flow, got %v", ev.RateSourceID)
	}
	if ev.Ambiguous {
		t.Error("manual assignment must clear the ambiguity flag")
	}
}

func TestAssign_UnknownEntity_NotFound(t *testing.T) {
	r, m := newTestResolver()
	seedEvent(t, m, "ev-1", "Somewhere")

	err := r.Assign(context.Background(), "ev-1", "studio-nope")
	if !billing.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

// =============================================================================
// REDIRECTION TESTS
// =============================================================================

func TestRedirect_ThenRevert_RestoresOriginalAssignment(t *testing.T) {
	// GIVEN: An event resolved to a studio, redirected to a teacher
	// WHEN: Reverting the redirection
	// THEN: The studio is payee again and stays rate source throughout

	r, m := newTestResolver()
	seedStudio(t, m, "studio-luna", "Luna Yoga", "luna yoga")
	seedTeacher(t, m, "teacher-mara", "Mara Klein")
	seedEvent(t, m, "ev-1", "Luna Yoga")

	ctx := context.Background()
	src := billing.EntityID("studio-luna")
	if err := m.SetBillingRefs(ctx, "ev-1", &src, nil, false); err != nil {
		t.Fatalf("assigning: %v", err)
	}

	if err := r.Redirect(ctx, "ev-1", "teacher-mara"); err != nil {
		t.Fatalf("redirecting: %v", err)
	}
	ev, _ := m.GetEvent(ctx, "ev-1")
	if ev.PayeeID == nil || *ev.PayeeID != "teacher-mara" {
		t.Fatalf("expected payee teacher-mara, got %v", ev.PayeeID)
	}
	if ev.RateSourceID == nil || *ev.RateSourceID != "studio-luna" {
		t.Fatalf("redirection must not touch the rate source, got %v", ev.RateSourceID)
	}

	if err := r.Revert(ctx, "ev-1"); err != nil {
		t.Fatalf("reverting: %v", err)
	}
	ev, _ = m.GetEvent(ctx, "ev-1")
	if ev.PayeeID != nil {
		t.Errorf("expected payee cleared, got %v", ev.PayeeID)
	}
	if ev.RateSourceID == nil || *ev.RateSourceID != "studio-luna" {
		t.Errorf("expected rate source restored, got %v", ev.RateSourceID)
	}
}

func TestRedirect_ToStudio_Rejected(t *testing.T) {
	// Only teacher entities can be payment recipients.
	r, m := newTestResolver()
	seedStudio(t, m, "studio-luna", "Luna Yoga", "luna yoga")
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	seedEvent(t, m, "ev-1", "Luna Yoga")

	err := r.Redirect(context.Background(), "ev-1", "studio-flow")
	if err == nil {
		t.Fatal("expected error redirecting to a studio")
	}
}

func TestRevert_NotRedirected_Rejected(t *testing.T) {
	r, m := newTestResolver()
	seedEvent(t, m, "ev-1", "Somewhere")

	err := r.Revert(context.Background(), "ev-1")
	if !errors.Is(err, billing.ErrNotRedirected) {
		t.Fatalf("expected ErrNotRedirected, got %v", err)
	}
}

// =============================================================================
// NEEDS ATTENTION TESTS
// =============================================================================

func TestNeedsAttention_ListsUnmatchedAndAmbiguous(t *testing.T) {
	r, m := newTestResolver()
	seedStudio(t, m, "studio-flow", "Flow Studio", "flow studio")
	seedEvent(t, m, "ev-unmatched", "Community Center Room 4")
	seedEvent(t, m, "ev-matched", "Flow Studio")
	seedEvent(t, m, "ev-ambiguous", "Flow Studio Berlin")

	ctx := context.Background()
	src := billing.EntityID("studio-flow")
	if err := m.SetBillingRefs(ctx, "ev-matched", &src, nil, false); err != nil {
		t.Fatalf("assigning: %v", err)
	}
	if err := m.SetBillingRefs(ctx, "ev-ambiguous", &src, nil, true); err != nil {
		t.Fatalf("assigning: %v", err)
	}

	unmatched, ambiguous, err := r.NeedsAttention(ctx, "issuer-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unmatched) != 1 || unmatched[0].ID != "ev-unmatched" {
		t.Errorf("expected ev-unmatched only, got %d events", len(unmatched))
	}
	if len(ambiguous) != 1 || ambiguous[0].ID != "ev-ambiguous" {
		t.Errorf("expected ev-ambiguous only, got %d events", len(ambiguous))
	}
}
