/*
document.go - Renderer hand-off and document staleness

PURPOSE:
  The document renderer (PDF) is an external collaborator. This engine's
  obligations are exactly two: hand over a complete, internally consistent
  invoice model, and mark it stale on edit so the caller knows to re-render.
  Rendering itself - styling, fonts, output - is entirely out of scope.

SEE ALSO:
  - invoice.go: sets DocumentStale on edit
*/
package billing

import "context"

// =============================================================================
// DOCUMENT MODEL - What the renderer consumes
// =============================================================================

// DocumentModel is the finalized invoice model handed to the renderer.
// All amounts are rounded; nothing here requires a database read.
type DocumentModel struct {
	Number    string
	PayerName string
	Currency  string
	Period    TimeRange
	Notes     string

	Lines []DocumentLine
	Total Money
}

type DocumentLine struct {
	Title  string
	Date   string
	Amount Money
}

// Renderer produces a document from a finalized invoice model.
type Renderer interface {
	Render(ctx context.Context, model DocumentModel) error
}

// NopRenderer is a stand-in for development and tests.
type NopRenderer struct{}

func (NopRenderer) Render(ctx context.Context, model DocumentModel) error { return nil }

// =============================================================================
// MANAGER INTEGRATION
// =============================================================================

// BuildDocument assembles the render model for an invoice from its frozen
// line items.
func (m *Manager) BuildDocument(ctx context.Context, id InvoiceID) (DocumentModel, error) {
	inv, err := m.Store.GetInvoice(ctx, id)
	if err != nil {
		return DocumentModel{}, err
	}
	links, err := m.Store.Links(ctx, id)
	if err != nil {
		return DocumentModel{}, err
	}

	model := DocumentModel{
		Number:    inv.Number,
		PayerName: inv.PayerName,
		Currency:  inv.Currency,
		Period:    inv.Period,
		Notes:     inv.Notes,
		Total:     inv.Total,
	}
	for _, l := range links {
		model.Lines = append(model.Lines, DocumentLine{
			Title:  l.Title,
			Date:   l.Date,
			Amount: l.Amount.Rounded(),
		})
	}
	return model, nil
}

// RenderDocument builds the model, invokes the renderer, and records the
// document as generated. Rendering an already-current document is allowed
// (idempotent re-render).
func (m *Manager) RenderDocument(ctx context.Context, id InvoiceID, r Renderer) error {
	model, err := m.BuildDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := r.Render(ctx, model); err != nil {
		return err
	}
	return m.MarkDocumentGenerated(ctx, id)
}

// MarkDocumentGenerated records that the current invoice state has an
// up-to-date document.
func (m *Manager) MarkDocumentGenerated(ctx context.Context, id InvoiceID) error {
	inv, err := m.Store.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	inv.Document = DocumentGenerated
	inv.UpdatedAt = m.now()
	return m.Store.SaveInvoice(ctx, inv)
}
