/*
resolver.go - Event-to-entity resolution

PURPOSE:
  Determines which billing entity an event belongs to by matching its
  location against the issuer's studio patterns, and owns the three
  mutations of that assignment: batch rematch after pattern edits,
  substitute redirection (pay a teacher, price by the studio), and revert.

RESOLUTION POLICY:
  0 studios match (or the event has no location) -> Unmatched, surfaced to
  the user for manual assignment.
  1 studio matches -> assign it.
  N studios match  -> longest matched pattern wins, deterministically, and
  the event is flagged ambiguous so the conflict is surfaced later. Never
  silently resolved.

REMATCH:
  Re-runs resolution for a batch of events, writing only where the computed
  result differs from the stored one. Idempotent: a second run with no
  intervening pattern changes updates nothing.

REDIRECTION:
  Sets only the payee reference. The studio stays the rate source, so the
  payout is still computed from the studio's rate config. A teacher entity
  is a payment recipient, not a rate source, unless the user explicitly
  gives it a rate config of its own.

SEE ALSO:
  - pattern.go: the matching primitive
  - types.go: Event's RateSourceID / PayeeID split
*/
package billing

import (
	"context"
	"fmt"
)

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	Entities EntityStore
	Events   EventStore
}

func NewResolver(entities EntityStore, events EventStore) *Resolver {
	return &Resolver{Entities: entities, Events: events}
}

// Resolution is the outcome of resolving one event.
type Resolution struct {
	// EntityID is nil when the event is unmatched.
	EntityID *EntityID

	// Ambiguous is true when several studios matched and the tie-break
	// decided. Candidates then lists every match for conflict surfacing.
	Ambiguous  bool
	Candidates []Match
}

func (r Resolution) Unmatched() bool { return r.EntityID == nil }

// Resolve computes the authoritative studio for an event from its location.
// Pure with respect to the event: nothing is written.
func (r *Resolver) Resolve(ctx context.Context, event *Event) (Resolution, error) {
	if event.Location == "" {
		return Resolution{}, nil
	}

	studios, err := r.Entities.ListEntities(ctx, event.IssuerID, EntityStudio)
	if err != nil {
		return Resolution{}, fmt.Errorf("listing studios: %w", err)
	}

	owners := make([]PatternOwner, 0, len(studios))
	for _, s := range studios {
		owners = append(owners, PatternOwner{OwnerID: s.ID, Patterns: s.LocationPatterns})
	}

	matches := MatchOwners(event.Location, owners)
	switch len(matches) {
	case 0:
		return Resolution{}, nil
	case 1:
		id := matches[0].OwnerID
		return Resolution{EntityID: &id}, nil
	default:
		// Longest matched pattern wins; record the ambiguity.
		best := matches[0]
		for _, m := range matches[1:] {
			if len(m.Pattern) > len(best.Pattern) {
				best = m
			}
		}
		id := best.OwnerID
		return Resolution{EntityID: &id, Ambiguous: true, Candidates: matches}, nil
	}
}

// =============================================================================
// BATCH REMATCH
// =============================================================================

// RematchResult counts the effect of one rematch run. Failed lists events
// whose resolution or write failed; the batch continues past them.
type RematchResult struct {
	Updated   int
	Unchanged int
	Failed    []EventError
}

// EventError attributes a batch failure to one event.
type EventError struct {
	EventID EventID
	Err     error
}

// Rematch re-runs resolution for the given events after pattern edits.
// Assignments change only where the computed result differs from the stored
// one, which makes the operation idempotent. Redirected events keep their
// payee; only the rate source is recomputed.
func (r *Resolver) Rematch(ctx context.Context, events []*Event) (RematchResult, error) {
	var result RematchResult

	for _, ev := range events {
		res, err := r.Resolve(ctx, ev)
		if err != nil {
			result.Failed = append(result.Failed, EventError{EventID: ev.ID, Err: err})
			continue
		}

		if sameAssignment(ev, res) {
			result.Unchanged++
			continue
		}

		if err := r.Events.SetBillingRefs(ctx, ev.ID, res.EntityID, ev.PayeeID, res.Ambiguous); err != nil {
			result.Failed = append(result.Failed, EventError{EventID: ev.ID, Err: err})
			continue
		}
		ev.RateSourceID = res.EntityID
		ev.Ambiguous = res.Ambiguous
		result.Updated++
	}

	return result, nil
}

func sameAssignment(ev *Event, res Resolution) bool {
	if res.Ambiguous != ev.Ambiguous {
		return false
	}
	if (ev.RateSourceID == nil) != (res.EntityID == nil) {
		return false
	}
	return ev.RateSourceID == nil || *ev.RateSourceID == *res.EntityID
}

// =============================================================================
// MANUAL ASSIGNMENT
// =============================================================================

// Assign sets an event's rate source by hand, clearing any ambiguity flag.
// Used for unmatched events and for overriding a bad automatic match.
func (r *Resolver) Assign(ctx context.Context, eventID EventID, entityID EntityID) error {
	ev, err := r.Events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if _, err := r.Entities.GetEntity(ctx, entityID); err != nil {
		return err
	}
	return r.Events.SetBillingRefs(ctx, ev.ID, &entityID, ev.PayeeID, false)
}

// =============================================================================
// SUBSTITUTE REDIRECTION
// =============================================================================

// Redirect reassigns an event's payee to a teacher entity. The original
// studio stays the rate source, so payout math is unchanged.
func (r *Resolver) Redirect(ctx context.Context, eventID EventID, teacherID EntityID) error {
	ev, err := r.Events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	teacher, err := r.Entities.GetEntity(ctx, teacherID)
	if err != nil {
		return err
	}
	if teacher.Kind != EntityTeacher {
		return fmt.Errorf("entity %s is not a teacher: %w", teacherID, ErrEntityNotFound)
	}

	return r.Events.SetBillingRefs(ctx, ev.ID, ev.RateSourceID, &teacherID, ev.Ambiguous)
}

// Revert undoes a substitute redirection, restoring the studio as payee.
func (r *Resolver) Revert(ctx context.Context, eventID EventID) error {
	ev, err := r.Events.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.PayeeID == nil {
		return ErrNotRedirected
	}
	return r.Events.SetBillingRefs(ctx, ev.ID, ev.RateSourceID, nil, ev.Ambiguous)
}

// =============================================================================
// NEEDS ATTENTION
// =============================================================================

// NeedsAttention returns the actionable set of events billing cannot handle
// automatically: unmatched and ambiguous ones. These are never silently
// dropped from billing.
func (r *Resolver) NeedsAttention(ctx context.Context, issuerID IssuerID) (unmatched, ambiguous []*Event, err error) {
	unmatched, err = r.Events.ListEvents(ctx, issuerID, EventFilter{OnlyUnmatched: true})
	if err != nil {
		return nil, nil, err
	}
	ambiguous, err = r.Events.ListEvents(ctx, issuerID, EventFilter{OnlyAmbiguous: true})
	if err != nil {
		return nil, nil, err
	}
	return unmatched, ambiguous, nil
}
