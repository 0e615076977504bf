/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates studios, teachers and
	events that demonstrate specific features.

AVAILABLE SCENARIOS:

	yoga-teacher:     Two studios (flat + per-student rates), matched events
	tiered-workshops: Studio with attendance tiers, events across all tiers
	substitute:       Redirected event billed to a covering teacher
	messy-calendar:   Unmatched and ambiguous events needing attention

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create studios/teachers with rate configs via factory
 3. Deposit events and run resolution on each
 4. Optionally redirect events or leave them unmatched

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "yoga-teacher"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - factory/rate.go: Rate config JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoIssuer = billing.IssuerID("default")

var scenarios = []ScenarioDTO{
	{
		ID:          "yoga-teacher",
		Name:        "Yoga Teacher",
		Description: "Two studios with flat and per-student rates, a month of classes",
	},
	{
		ID:          "tiered-workshops",
		Name:        "Tiered Workshops",
		Description: "Studio paying by attendance tiers, workshops across all tiers",
	},
	{
		ID:          "substitute",
		Name:        "Substitute Teaching",
		Description: "A class covered by another teacher, payment redirected",
	},
	{
		ID:          "messy-calendar",
		Name:        "Messy Calendar",
		Description: "Unmatched locations and overlapping patterns needing attention",
	},
}

// resetter is implemented by stores that support clearing all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ctx := r.Context()

	rs, ok := h.Store.(resetter)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store does not support reset"})
		return
	}
	if err := rs.Reset(ctx); err != nil {
		writeError(w, err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "yoga-teacher":
		err = h.loadYogaTeacherScenario(ctx)
	case "tiered-workshops":
		err = h.loadTieredWorkshopsScenario(ctx)
	case "substitute":
		err = h.loadSubstituteScenario(ctx)
	case "messy-calendar":
		err = h.loadMessyCalendarScenario(ctx)
	default:
		writeBadRequest(w, "unknown scenario")
		return
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprintf("failed to load scenario: %v", err)})
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadYogaTeacherScenario(ctx context.Context) error {
	flat, err := factory.ParseRate(`{"type": "flat", "currency": "EUR", "base": 45}`)
	if err != nil {
		return err
	}
	perStudent, err := factory.ParseRate(`{"type": "per_student", "currency": "EUR", "rate": 5, "online_rate": 3}`)
	if err != nil {
		return err
	}

	studios := []*billing.BillingEntity{
		{
			ID:               "studio-luna",
			IssuerID:         demoIssuer,
			Name:             "Luna Yoga",
			Kind:             billing.EntityStudio,
			Currency:         "EUR",
			LocationPatterns: []string{"luna yoga"},
			Rate:             flat,
		},
		{
			ID:               "studio-flow",
			IssuerID:         demoIssuer,
			Name:             "Flow Studio",
			Kind:             billing.EntityStudio,
			Currency:         "EUR",
			LocationPatterns: []string{"flow studio"},
			Rate:             perStudent,
		},
	}
	for _, s := range studios {
		if err := h.Store.SaveEntity(ctx, s); err != nil {
			return err
		}
	}

	monday := startOfWeek(time.Now().UTC())
	classes := []struct {
		title, location string
		day             int
		onsite, online  int
	}{
		{"Vinyasa Flow", "Luna Yoga, Hauptstr. 12", 0, 12, 0},
		{"Yin Evening", "Luna Yoga, Hauptstr. 12", 2, 9, 0},
		{"Morning Flow", "Flow Studio Mitte", 1, 8, 2},
		{"Power Hour", "Flow Studio Mitte", 3, 14, 3},
		{"Restorative", "Flow Studio Mitte", 4, 6, 1},
	}
	for i, c := range classes {
		start := monday.AddDate(0, 0, c.day).Add(18 * time.Hour)
		if err := h.depositDemoEvent(ctx, fmt.Sprintf("ev-yoga-%d", i+1), c.title, c.location, start, c.onsite, c.online); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadTieredWorkshopsScenario(ctx context.Context) error {
	tiered, err := factory.ParseRate(`{
		"type": "tiered", "currency": "EUR", "default_rate": 20,
		"tiers": [{"threshold": 10, "rate": 35}, {"threshold": 20, "rate": 60}]
	}`)
	if err != nil {
		return err
	}

	studio := &billing.BillingEntity{
		ID:               "studio-craft",
		IssuerID:         demoIssuer,
		Name:             "Craft Collective",
		Kind:             billing.EntityStudio,
		Currency:         "EUR",
		LocationPatterns: []string{"craft collective"},
		Rate:             tiered,
	}
	if err := h.Store.SaveEntity(ctx, studio); err != nil {
		return err
	}

	monday := startOfWeek(time.Now().UTC())
	workshops := []struct {
		title      string
		day, count int
	}{
		{"Intro Pottery", 0, 5},   // below first tier, default rate
		{"Wheel Basics", 2, 15},   // first tier
		{"Glazing Intensive", 4, 25}, // top tier
	}
	for i, ws := range workshops {
		start := monday.AddDate(0, 0, ws.day).Add(10 * time.Hour)
		if err := h.depositDemoEvent(ctx, fmt.Sprintf("ev-craft-%d", i+1), ws.title, "Craft Collective Workshop Space", start, ws.count, 0); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadSubstituteScenario(ctx context.Context) error {
	flat, err := factory.ParseRate(`{"type": "flat", "currency": "EUR", "base": 50}`)
	if err != nil {
		return err
	}

	studio := &billing.BillingEntity{
		ID:               "studio-luna",
		IssuerID:         demoIssuer,
		Name:             "Luna Yoga",
		Kind:             billing.EntityStudio,
		Currency:         "EUR",
		LocationPatterns: []string{"luna yoga"},
		Rate:             flat,
	}
	if err := h.Store.SaveEntity(ctx, studio); err != nil {
		return err
	}

	sub := &billing.BillingEntity{
		ID:       "teacher-mara",
		IssuerID: demoIssuer,
		Name:     "Mara Klein",
		Kind:     billing.EntityTeacher,
		Currency: "EUR",
	}
	if err := h.Store.SaveEntity(ctx, sub); err != nil {
		return err
	}

	monday := startOfWeek(time.Now().UTC())
	if err := h.depositDemoEvent(ctx, "ev-sub-1", "Vinyasa Flow", "Luna Yoga, Hauptstr. 12", monday.Add(18*time.Hour), 10, 0); err != nil {
		return err
	}
	if err := h.depositDemoEvent(ctx, "ev-sub-2", "Yin Evening", "Luna Yoga, Hauptstr. 12", monday.AddDate(0, 0, 2).Add(19*time.Hour), 8, 0); err != nil {
		return err
	}

	// Mara covered the second class. The studio still prices it.
	resolver := billing.NewResolver(h.Store, h.Store)
	return resolver.Redirect(ctx, "ev-sub-2", "teacher-mara")
}

func (h *Handler) loadMessyCalendarScenario(ctx context.Context) error {
	flat, err := factory.ParseRate(`{"type": "flat", "currency": "EUR", "base": 40}`)
	if err != nil {
		return err
	}

	// Overlapping patterns: "flow studio" matches inside "flow studio berlin".
	studios := []*billing.BillingEntity{
		{
			ID:               "studio-flow",
			IssuerID:         demoIssuer,
			Name:             "Flow Studio",
			Kind:             billing.EntityStudio,
			Currency:         "EUR",
			LocationPatterns: []string{"flow studio"},
			Rate:             flat,
		},
		{
			ID:               "studio-flow-berlin",
			IssuerID:         demoIssuer,
			Name:             "Flow Studio Berlin",
			Kind:             billing.EntityStudio,
			Currency:         "EUR",
			LocationPatterns: []string{"flow studio berlin"},
			Rate:             flat,
		},
	}
	for _, s := range studios {
		if err := h.Store.SaveEntity(ctx, s); err != nil {
			return err
		}
	}

	monday := startOfWeek(time.Now().UTC())
	events := []struct {
		id, title, location string
		day                 int
	}{
		{"ev-messy-1", "Morning Flow", "Flow Studio Berlin, Kastanienallee", 0}, // ambiguous
		{"ev-messy-2", "Evening Class", "Community Center Room 4", 1},          // unmatched
		{"ev-messy-3", "Private Session", "", 3},                               // no location
	}
	for _, e := range events {
		start := monday.AddDate(0, 0, e.day).Add(17 * time.Hour)
		if err := h.depositDemoEvent(ctx, e.id, e.title, e.location, start, 8, 0); err != nil {
			return err
		}
	}
	return nil
}

// depositDemoEvent saves an event and runs resolution on it, mirroring what
// the calendar sync deposit endpoint does.
func (h *Handler) depositDemoEvent(ctx context.Context, id, title, location string, start time.Time, onsite, online int) error {
	event := &billing.Event{
		ID:         billing.EventID(id),
		IssuerID:   demoIssuer,
		Title:      title,
		Location:   location,
		Start:      start,
		End:        start.Add(time.Hour),
		Attendance: billing.Attendance{Onsite: onsite, Online: online},
		Visible:    true,
		Status:     billing.EventConfirmed,
	}

	res, err := h.Resolver.Resolve(ctx, event)
	if err != nil {
		return err
	}
	event.RateSourceID = res.EntityID
	event.Ambiguous = res.Ambiguous

	return h.Store.SaveEvent(ctx, event)
}

func startOfWeek(t time.Time) time.Time {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}
