/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rate.go: RateJSON type
*/
package api

import (
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// ENTITIES
// =============================================================================

// EntityDTO represents a billing entity in API responses.
type EntityDTO struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Currency         string            `json:"currency"`
	LocationPatterns []string          `json:"location_patterns,omitempty"`
	Rate             *factory.RateJSON `json:"rate,omitempty"`
	Verified         bool              `json:"verified,omitempty"`
	Featured         bool              `json:"featured,omitempty"`
	RecipientEmail   string            `json:"recipient_email,omitempty"`
	RecipientAddress string            `json:"recipient_address,omitempty"`
	CreatedAt        string            `json:"created_at,omitempty"`
}

// SaveEntityRequest creates or updates a billing entity.
type SaveEntityRequest struct {
	ID               string            `json:"id,omitempty"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Currency         string            `json:"currency,omitempty"`
	LocationPatterns []string          `json:"location_patterns,omitempty"`
	Rate             *factory.RateJSON `json:"rate,omitempty"`
	RecipientEmail   string            `json:"recipient_email,omitempty"`
	RecipientAddress string            `json:"recipient_address,omitempty"`
}

// PatternConflictDTO is one overlap warning from a pattern preview.
type PatternConflictDTO struct {
	Pattern      string `json:"pattern"`
	OwnerID      string `json:"owner_id"`
	OwnerName    string `json:"owner_name"`
	OwnerPattern string `json:"owner_pattern"`
}

// CheckPatternsRequest previews conflicts for proposed patterns.
type CheckPatternsRequest struct {
	EntityID string   `json:"entity_id,omitempty"`
	Patterns []string `json:"patterns"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventDTO represents an event in API responses.
type EventDTO struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Location     string   `json:"location,omitempty"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Onsite       int      `json:"onsite"`
	Online       int      `json:"online"`
	RateSourceID *string  `json:"rate_source_id,omitempty"`
	PayeeID      *string  `json:"payee_id,omitempty"`
	Ambiguous    bool     `json:"ambiguous,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Status       string   `json:"status"`
}

// AssignEventRequest manually assigns an event to an entity.
type AssignEventRequest struct {
	EntityID string `json:"entity_id"`
}

// RedirectEventRequest redirects an event's payment to a teacher.
type RedirectEventRequest struct {
	TeacherID string `json:"teacher_id"`
}

// RematchResponse reports the effect of a batch rematch.
type RematchResponse struct {
	Updated   int              `json:"updated"`
	Unchanged int              `json:"unchanged"`
	Failed    []EventErrorDTO  `json:"failed,omitempty"`
}

type EventErrorDTO struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// AttentionResponse lists events billing cannot handle automatically.
type AttentionResponse struct {
	Unmatched []EventDTO `json:"unmatched"`
	Ambiguous []EventDTO `json:"ambiguous"`
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID         string  `json:"id"`
	Number     string  `json:"number"`
	PayerID    string  `json:"payer_id"`
	PayerName  string  `json:"payer_name"`
	Total      string  `json:"total"`
	Currency   string  `json:"currency"`
	PeriodFrom string  `json:"period_from,omitempty"`
	PeriodTo   string  `json:"period_to,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	Locked     bool    `json:"locked"`
	Document   string  `json:"document"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// InvoiceLineDTO is one linked event on an invoice.
type InvoiceLineDTO struct {
	EventID        string `json:"event_id"`
	Title          string `json:"title"`
	Date           string `json:"date"`
	Amount         string `json:"amount"`
	OverrideOnsite *int   `json:"override_onsite,omitempty"`
	OverrideOnline *int   `json:"override_online,omitempty"`
}

// InvoiceDetailResponse is an invoice with its line items.
type InvoiceDetailResponse struct {
	Invoice InvoiceDTO       `json:"invoice"`
	Lines   []InvoiceLineDTO `json:"lines"`
}

// AttendanceOverrideDTO corrects a miscount for payout computation only.
type AttendanceOverrideDTO struct {
	EventID string `json:"event_id"`
	Onsite  int    `json:"onsite"`
	Online  int    `json:"online"`
}

// CreateInvoiceRequest creates an invoice from selected events.
type CreateInvoiceRequest struct {
	PayerID      string                  `json:"payer_id"`
	EventIDs     []string                `json:"event_ids"`
	Overrides    []AttendanceOverrideDTO `json:"overrides,omitempty"`
	Notes        string                  `json:"notes,omitempty"`
	NumberPrefix string                  `json:"number_prefix,omitempty"`
	YearScoped   bool                    `json:"year_scoped,omitempty"`
	AllowPartial bool                    `json:"allow_partial,omitempty"`
}

// UpdateInvoiceRequest relinks an invoice to the desired event set.
type UpdateInvoiceRequest struct {
	EventIDs     []string                `json:"event_ids"`
	Overrides    []AttendanceOverrideDTO `json:"overrides,omitempty"`
	Notes        *string                 `json:"notes,omitempty"`
	Number       *string                 `json:"number,omitempty"`
	AllowPartial bool                    `json:"allow_partial,omitempty"`
}

// LinkConflictDTO names an event that is already billed elsewhere.
type LinkConflictDTO struct {
	EventID   string `json:"event_id"`
	InvoiceID string `json:"invoice_id"`
}

// InvoiceMutationResponse reports the outcome of a create or update,
// including per-event conflicts for partial-success handling.
type InvoiceMutationResponse struct {
	Invoice   *InvoiceDTO       `json:"invoice,omitempty"`
	Linked    []string          `json:"linked,omitempty"`
	Unlinked  []string          `json:"unlinked,omitempty"`
	Conflicts []LinkConflictDTO `json:"conflicts,omitempty"`
}

// NextNumberResponse previews the likely next invoice number.
type NextNumberResponse struct {
	Number string `json:"number"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func entityToDTO(e *billing.BillingEntity) EntityDTO {
	dto := EntityDTO{
		ID:               string(e.ID),
		Name:             e.Name,
		Kind:             string(e.Kind),
		Currency:         e.Currency,
		LocationPatterns: e.LocationPatterns,
		Verified:         e.Verified,
		Featured:         e.Featured,
		RecipientEmail:   e.RecipientEmail,
		RecipientAddress: e.RecipientAddress,
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = e.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if e.Rate != nil {
		if rj, err := factory.ToJSON(e.Rate); err == nil {
			dto.Rate = &rj
		}
	}
	return dto
}

func eventToDTO(e *billing.Event) EventDTO {
	dto := EventDTO{
		ID:        string(e.ID),
		Title:     e.Title,
		Location:  e.Location,
		Start:     e.Start.Format("2006-01-02T15:04:05Z07:00"),
		End:       e.End.Format("2006-01-02T15:04:05Z07:00"),
		Onsite:    e.Attendance.Onsite,
		Online:    e.Attendance.Online,
		Ambiguous: e.Ambiguous,
		Tags:      e.Tags,
		Status:    string(e.Status),
	}
	if e.RateSourceID != nil {
		id := string(*e.RateSourceID)
		dto.RateSourceID = &id
	}
	if e.PayeeID != nil {
		id := string(*e.PayeeID)
		dto.PayeeID = &id
	}
	return dto
}

func invoiceToDTO(inv *billing.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:        string(inv.ID),
		Number:    inv.Number,
		PayerID:   string(inv.PayerID),
		PayerName: inv.PayerName,
		Total:     inv.Total.Value.Round(2).StringFixed(2),
		Currency:  inv.Currency,
		Notes:     inv.Notes,
		Locked:    inv.Locked,
		Document:  string(inv.Document),
		CreatedAt: inv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: inv.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if !inv.Period.From.IsZero() {
		dto.PeriodFrom = inv.Period.From.Format("2006-01-02")
	}
	if !inv.Period.To.IsZero() {
		dto.PeriodTo = inv.Period.To.Format("2006-01-02")
	}
	return dto
}

func linkToDTO(l billing.InvoiceEventLink) InvoiceLineDTO {
	dto := InvoiceLineDTO{
		EventID: string(l.EventID),
		Title:   l.Title,
		Date:    l.Date,
		Amount:  l.Amount.Value.Round(2).StringFixed(2),
	}
	if l.Override != nil {
		onsite, online := l.Override.Onsite, l.Override.Online
		dto.OverrideOnsite = &onsite
		dto.OverrideOnline = &online
	}
	return dto
}

func overridesToMap(overrides []AttendanceOverrideDTO) map[billing.EventID]billing.Attendance {
	if len(overrides) == 0 {
		return nil
	}
	m := make(map[billing.EventID]billing.Attendance, len(overrides))
	for _, o := range overrides {
		m[billing.EventID(o.EventID)] = billing.Attendance{Onsite: o.Onsite, Online: o.Online}
	}
	return m
}
