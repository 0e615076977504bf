/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Entities:
    GET    /api/entities                 List entities (?kind=studio|teacher)
    POST   /api/entities                 Create/update entity
    GET    /api/entities/{id}            Get entity
    POST   /api/entities/check-patterns  Preview pattern conflicts

  Events:
    GET    /api/events                   List events (?unmatched / ?ambiguous)
    POST   /api/events                   Deposit a synced event
    GET    /api/events/attention         Unmatched + ambiguous events
    POST   /api/events/rematch           Batch rematch after pattern edits
    POST   /api/events/{id}/assign       Manual assignment
    POST   /api/events/{id}/redirect     Substitute redirection
    POST   /api/events/{id}/revert       Undo redirection

  Invoices:
    GET    /api/invoices                 List invoices
    POST   /api/invoices                 Create invoice from events
    GET    /api/invoices/next-number     Preview next number (advisory)
    GET    /api/invoices/{id}            Invoice with line items
    PUT    /api/invoices/{id}            Relink/recompute
    DELETE /api/invoices/{id}            Delete (unlinks first)
    POST   /api/invoices/{id}/document   Render document, clear staleness

  Scenarios:
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, no rate configured
  - 404: Record not found
  - 409: Link conflicts
  - 500: Internal errors

ISSUER SCOPING:
  The issuer is taken from the X-Issuer-ID header, defaulting to "default".
  No authentication; all endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    billing.TxStore
	Manager  *billing.Manager
	Resolver *billing.Resolver
	Numbers  *billing.NumberingService
	Renderer billing.Renderer

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given store.
func NewHandler(store billing.TxStore) *Handler {
	numbers := billing.NewNumberingService(store)
	return &Handler{
		Store:    store,
		Manager:  billing.NewManager(store, numbers),
		Resolver: billing.NewResolver(store, store),
		Numbers:  numbers,
		Renderer: billing.NopRenderer{},
	}
}

func issuerFrom(r *http.Request) billing.IssuerID {
	if id := r.Header.Get("X-Issuer-ID"); id != "" {
		return billing.IssuerID(id)
	}
	return "default"
}

// =============================================================================
// ENTITY HANDLERS
// =============================================================================

func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	kind := billing.EntityKind(r.URL.Query().Get("kind"))
	entities, err := h.Store.ListEntities(r.Context(), issuerFrom(r), kind)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]EntityDTO, 0, len(entities))
	for _, e := range entities {
		dtos = append(dtos, entityToDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	var req SaveEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}

	kind := billing.EntityKind(req.Kind)
	if kind != billing.EntityStudio && kind != billing.EntityTeacher {
		writeBadRequest(w, "kind must be studio or teacher")
		return
	}

	entity := &billing.BillingEntity{
		ID:               billing.EntityID(req.ID),
		IssuerID:         issuerFrom(r),
		Name:             req.Name,
		Kind:             kind,
		Currency:         req.Currency,
		LocationPatterns: req.LocationPatterns,
		RecipientEmail:   req.RecipientEmail,
		RecipientAddress: req.RecipientAddress,
	}
	if entity.ID == "" {
		entity.ID = billing.EntityID(uuid.NewString())
	}
	if entity.Currency == "" {
		entity.Currency = "EUR"
	}

	if req.Rate != nil {
		rc, err := factory.FromJSON(*req.Rate)
		if err != nil {
			writeError(w, err)
			return
		}
		entity.Rate = rc
	}

	if err := h.Store.SaveEntity(r.Context(), entity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityToDTO(entity))
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := billing.EntityID(chi.URLParam(r, "id"))
	entity, err := h.Store.GetEntity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityToDTO(entity))
}

// CheckPatterns previews overlap warnings for proposed location patterns.
// Warnings never block saving; the UI shows them next to the form.
func (h *Handler) CheckPatterns(w http.ResponseWriter, r *http.Request) {
	var req CheckPatternsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	studios, err := h.Store.ListEntities(r.Context(), issuerFrom(r), billing.EntityStudio)
	if err != nil {
		writeError(w, err)
		return
	}

	owners := make([]billing.PatternOwner, 0, len(studios))
	names := make(map[billing.EntityID]string, len(studios))
	for _, s := range studios {
		owners = append(owners, billing.PatternOwner{OwnerID: s.ID, Patterns: s.LocationPatterns})
		names[s.ID] = s.Name
	}

	var dtos []PatternConflictDTO
	for _, pattern := range req.Patterns {
		for _, c := range billing.FindConflicts(pattern, billing.EntityID(req.EntityID), owners) {
			dtos = append(dtos, PatternConflictDTO{
				Pattern:      c.ProposedPattern,
				OwnerID:      string(c.OwnerID),
				OwnerName:    names[c.OwnerID],
				OwnerPattern: c.Pattern,
			})
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	filter := billing.EventFilter{
		OnlyUnmatched: r.URL.Query().Get("unmatched") == "true",
		OnlyAmbiguous: r.URL.Query().Get("ambiguous") == "true",
	}
	events, err := h.Store.ListEvents(r.Context(), issuerFrom(r), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, eventToDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DepositEvent receives a synced event from the calendar collaborator and
// runs initial resolution on it.
func (h *Handler) DepositEvent(w http.ResponseWriter, r *http.Request) {
	var dto EventDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if dto.Title == "" {
		writeBadRequest(w, "title is required")
		return
	}

	start, err := time.Parse(time.RFC3339, dto.Start)
	if err != nil {
		writeBadRequest(w, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, dto.End)
	if err != nil {
		writeBadRequest(w, "end must be RFC3339")
		return
	}

	event := &billing.Event{
		ID:         billing.EventID(dto.ID),
		IssuerID:   issuerFrom(r),
		Title:      dto.Title,
		Location:   dto.Location,
		Start:      start,
		End:        end,
		Attendance: billing.Attendance{Onsite: dto.Onsite, Online: dto.Online},
		Tags:       dto.Tags,
		Visible:    true,
		Status:     billing.EventConfirmed,
	}
	if event.ID == "" {
		event.ID = billing.EventID(uuid.NewString())
	}

	res, err := h.Resolver.Resolve(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}
	event.RateSourceID = res.EntityID
	event.Ambiguous = res.Ambiguous

	if err := h.Store.SaveEvent(r.Context(), event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventToDTO(event))
}

// NeedsAttention lists the events billing cannot handle automatically.
func (h *Handler) NeedsAttention(w http.ResponseWriter, r *http.Request) {
	unmatched, ambiguous, err := h.Resolver.NeedsAttention(r.Context(), issuerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := AttentionResponse{Unmatched: []EventDTO{}, Ambiguous: []EventDTO{}}
	for _, e := range unmatched {
		resp.Unmatched = append(resp.Unmatched, eventToDTO(e))
	}
	for _, e := range ambiguous {
		resp.Ambiguous = append(resp.Ambiguous, eventToDTO(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Rematch re-resolves all of the issuer's events after pattern edits.
func (h *Handler) Rematch(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEvents(r.Context(), issuerFrom(r), billing.EventFilter{})
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.Resolver.Rematch(r.Context(), events)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := RematchResponse{Updated: result.Updated, Unchanged: result.Unchanged}
	for _, f := range result.Failed {
		resp.Failed = append(resp.Failed, EventErrorDTO{EventID: string(f.EventID), Error: f.Err.Error()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) AssignEvent(w http.ResponseWriter, r *http.Request) {
	var req AssignEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id := billing.EventID(chi.URLParam(r, "id"))
	if err := h.Resolver.Assign(r.Context(), id, billing.EntityID(req.EntityID)); err != nil {
		writeError(w, err)
		return
	}
	h.writeEvent(w, r, id)
}

func (h *Handler) RedirectEvent(w http.ResponseWriter, r *http.Request) {
	var req RedirectEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id := billing.EventID(chi.URLParam(r, "id"))
	if err := h.Resolver.Redirect(r.Context(), id, billing.EntityID(req.TeacherID)); err != nil {
		writeError(w, err)
		return
	}
	h.writeEvent(w, r, id)
}

func (h *Handler) RevertEvent(w http.ResponseWriter, r *http.Request) {
	id := billing.EventID(chi.URLParam(r, "id"))
	if err := h.Resolver.Revert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.writeEvent(w, r, id)
}

func (h *Handler) writeEvent(w http.ResponseWriter, r *http.Request, id billing.EventID) {
	event, err := h.Store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventToDTO(event))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.Store.ListInvoices(r.Context(), issuerFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	dtos := make([]InvoiceDTO, 0, len(invoices))
	for _, inv := range invoices {
		dtos = append(dtos, invoiceToDTO(inv))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.PayerID == "" || len(req.EventIDs) == 0 {
		writeBadRequest(w, "payer_id and event_ids are required")
		return
	}

	input := billing.CreateInput{
		IssuerID:     issuerFrom(r),
		PayerID:      billing.EntityID(req.PayerID),
		Overrides:    overridesToMap(req.Overrides),
		Notes:        req.Notes,
		Format:       h.numberFormat(req.NumberPrefix, req.YearScoped),
		AllowPartial: req.AllowPartial,
	}
	for _, id := range req.EventIDs {
		input.EventIDs = append(input.EventIDs, billing.EventID(id))
	}

	result, err := h.Manager.Create(r.Context(), input)
	if err != nil {
		if result != nil && len(result.Conflicts) > 0 {
			writeJSON(w, http.StatusConflict, mutationResponse(result.Invoice, result.Linked, nil, result.Conflicts))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse(result.Invoice, result.Linked, nil, result.Conflicts))
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))
	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	links, err := h.Store.Links(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := InvoiceDetailResponse{Invoice: invoiceToDTO(inv), Lines: []InvoiceLineDTO{}}
	for _, l := range links {
		resp.Lines = append(resp.Lines, linkToDTO(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req UpdateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	input := billing.UpdateInput{
		Overrides:    overridesToMap(req.Overrides),
		Notes:        req.Notes,
		Number:       req.Number,
		AllowPartial: req.AllowPartial,
	}
	for _, id := range req.EventIDs {
		input.EventIDs = append(input.EventIDs, billing.EventID(id))
	}

	id := billing.InvoiceID(chi.URLParam(r, "id"))
	result, err := h.Manager.Update(r.Context(), id, input)
	if err != nil {
		if result != nil && len(result.Conflicts) > 0 {
			writeJSON(w, http.StatusConflict, mutationResponse(result.Invoice, result.Linked, result.Unlinked, result.Conflicts))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse(result.Invoice, result.Linked, result.Unlinked, result.Conflicts))
}

func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))
	if err := h.Manager.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenderDocument regenerates the invoice document and clears staleness.
func (h *Handler) RenderDocument(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))
	if err := h.Manager.RenderDocument(r.Context(), id, h.Renderer); err != nil {
		writeError(w, err)
		return
	}

	inv, err := h.Store.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceToDTO(inv))
}

// NextNumber previews the likely next invoice number without consuming it.
func (h *Handler) NextNumber(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := billing.NumberRequest{
		IssuerID:  issuerFrom(r),
		Format:    h.numberFormat(q.Get("prefix"), q.Get("year_scoped") == "true"),
		PayerName: q.Get("payer_name"),
	}

	number, err := h.Numbers.PeekNumber(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NextNumberResponse{Number: number})
}

func (h *Handler) numberFormat(prefix string, yearScoped bool) billing.NumberFormat {
	if prefix == "" {
		prefix = "INV-"
	}
	return billing.NumberFormat{Prefix: prefix, YearScoped: yearScoped}
}

func mutationResponse(inv *billing.Invoice, linked []billing.EventID, unlinked []billing.EventID, conflicts []billing.LinkConflictError) InvoiceMutationResponse {
	resp := InvoiceMutationResponse{}
	if inv != nil {
		dto := invoiceToDTO(inv)
		resp.Invoice = &dto
	}
	for _, id := range linked {
		resp.Linked = append(resp.Linked, string(id))
	}
	for _, id := range unlinked {
		resp.Unlinked = append(resp.Unlinked, string(id))
	}
	for _, c := range conflicts {
		resp.Conflicts = append(resp.Conflicts, LinkConflictDTO{
			EventID:   string(c.EventID),
			InvoiceID: string(c.InvoiceID),
		})
	}
	return resp
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case billing.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, billing.ErrLinkConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case billing.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
