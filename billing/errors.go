/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should test with errors.Is / errors.As, never string matching.

ERROR CATEGORIES:
  1. Calculation errors - rate config problems, returned as typed results
  2. Resolution errors - event could not be matched to a studio
  3. Lifecycle errors - link conflicts, locked invoices, dangling links
  4. Numbering errors - transient reservation failures (retryable)

USAGE:
  if errors.Is(err, billing.ErrNoRateConfigured) {
      // render "configure a rate for this studio" guidance
  }

  var conflict *billing.LinkConflictError
  if errors.As(err, &conflict) {
      // conflict.EventID, conflict.InvoiceID name the offender
  }

SEE ALSO:
  - rate.go, resolver.go, numbering.go, invoice.go: producers of these errors
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoRateConfigured is returned when an entity has no usable rate
	// configuration. Distinct from a legitimate zero-amount rate.
	ErrNoRateConfigured = errors.New("no rate configured")

	// ErrInvalidTierConfig is returned at configuration time when tier
	// thresholds are not strictly increasing. Never raised at calculation time.
	ErrInvalidTierConfig = errors.New("invalid tier config: thresholds must be strictly increasing")

	// ErrUnmatched is returned when an operation needs a priced event but
	// resolution found no studio for it (including events with no location
	// text). Resolution itself signals the state via Resolution.Unmatched.
	ErrUnmatched = errors.New("event matched no billing entity")

	// ErrLinkConflict is returned when an event is already linked to another
	// open invoice. Linking is never a silent overwrite.
	ErrLinkConflict = errors.New("event already linked to another invoice")

	// ErrNumberReservation is returned when an invoice number could not be
	// reserved. Transient: retry with a NEW number, never the failed one.
	ErrNumberReservation = errors.New("invoice number reservation failed")

	// ErrInvoiceLocked is returned when an edit or delete hits an invoice in
	// a paid/locked state.
	ErrInvoiceLocked = errors.New("invoice is locked")

	// ErrEventsStillLinked is returned when deleting an invoice would leave
	// dangling event links.
	ErrEventsStillLinked = errors.New("invoice still has linked events")

	// ErrNotRedirected is returned when reverting an event that has no
	// substitute redirection.
	ErrNotRedirected = errors.New("event is not redirected")

	ErrEntityNotFound  = errors.New("billing entity not found")
	ErrEventNotFound   = errors.New("event not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NoRateError identifies which entity is missing a rate configuration.
type NoRateError struct {
	EntityID EntityID
	Name     string
}

func (e *NoRateError) Error() string {
	return fmt.Sprintf("no rate configured for %s (%s)", e.Name, e.EntityID)
}

func (e *NoRateError) Unwrap() error { return ErrNoRateConfigured }

// TierConfigError pinpoints the offending tier in an invalid config.
type TierConfigError struct {
	Index     int
	Threshold int
	Previous  int
}

func (e *TierConfigError) Error() string {
	return fmt.Sprintf("tier %d: threshold %d not greater than previous %d",
		e.Index, e.Threshold, e.Previous)
}

func (e *TierConfigError) Unwrap() error { return ErrInvalidTierConfig }

// LinkConflictError names the event and the invoice it is already linked to.
type LinkConflictError struct {
	EventID   EventID
	InvoiceID InvoiceID
}

func (e *LinkConflictError) Error() string {
	return fmt.Sprintf("event %s already linked to invoice %s", e.EventID, e.InvoiceID)
}

func (e *LinkConflictError) Unwrap() error { return ErrLinkConflict }

// NumberReservationError wraps the underlying storage failure.
type NumberReservationError struct {
	IssuerID IssuerID
	Attempts int
	Cause    error
}

func (e *NumberReservationError) Error() string {
	return fmt.Sprintf("number reservation for issuer %s failed after %d attempts: %v",
		e.IssuerID, e.Attempts, e.Cause)
}

func (e *NumberReservationError) Unwrap() error { return ErrNumberReservation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Retrying a Create after a reservation failure requests a fresh number.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNumberReservation)
}

// IsClientError returns true if the error is due to invalid client input
// or state the client can fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoRateConfigured) ||
		errors.Is(err, ErrInvalidTierConfig) ||
		errors.Is(err, ErrUnmatched) ||
		errors.Is(err, ErrLinkConflict) ||
		errors.Is(err, ErrInvoiceLocked) ||
		errors.Is(err, ErrEventsStillLinked) ||
		errors.Is(err, ErrNotRedirected)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
