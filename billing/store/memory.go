// Package store provides Store implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	entities map[billing.EntityID]billing.BillingEntity
	events   map[billing.EventID]billing.Event
	invoices map[billing.InvoiceID]billing.Invoice
	links    map[billing.InvoiceID][]billing.InvoiceEventLink
	linkedBy map[billing.EventID]billing.InvoiceID
	counters map[counterKey]int64
}

type counterKey struct {
	IssuerID billing.IssuerID
	Scope    string
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[billing.EntityID]billing.BillingEntity),
		events:   make(map[billing.EventID]billing.Event),
		invoices: make(map[billing.InvoiceID]billing.Invoice),
		links:    make(map[billing.InvoiceID][]billing.InvoiceEventLink),
		linkedBy: make(map[billing.EventID]billing.InvoiceID),
		counters: make(map[counterKey]int64),
	}
}

// Reset clears all data, counters included. Dev and demo use only.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[billing.EntityID]billing.BillingEntity)
	m.events = make(map[billing.EventID]billing.Event)
	m.invoices = make(map[billing.InvoiceID]billing.Invoice)
	m.links = make(map[billing.InvoiceID][]billing.InvoiceEventLink)
	m.linkedBy = make(map[billing.EventID]billing.InvoiceID)
	m.counters = make(map[counterKey]int64)
	return nil
}

// =============================================================================
// ENTITIES
// =============================================================================

func (m *Memory) SaveEntity(_ context.Context, entity *billing.BillingEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveEntityLocked(entity)
}

func (m *Memory) saveEntityLocked(entity *billing.BillingEntity) error {
	m.entities[entity.ID] = copyEntity(entity)
	return nil
}

func (m *Memory) GetEntity(_ context.Context, id billing.EntityID) (*billing.BillingEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntityLocked(id)
}

func (m *Memory) getEntityLocked(id billing.EntityID) (*billing.BillingEntity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, billing.ErrEntityNotFound
	}
	out := copyEntity(&e)
	return &out, nil
}

func (m *Memory) ListEntities(_ context.Context, issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntitiesLocked(issuerID, kind)
}

func (m *Memory) listEntitiesLocked(issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	var result []*billing.BillingEntity
	for _, e := range m.entities {
		if e.IssuerID != issuerID {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out := copyEntity(&e)
		result = append(result, &out)
	}
	return result, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (m *Memory) SaveEvent(_ context.Context, event *billing.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveEventLocked(event)
}

func (m *Memory) saveEventLocked(event *billing.Event) error {
	m.events[event.ID] = copyEvent(event)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id billing.EventID) (*billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEventLocked(id)
}

func (m *Memory) getEventLocked(id billing.EventID) (*billing.Event, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	out := copyEvent(&e)
	return &out, nil
}

func (m *Memory) ListEvents(_ context.Context, issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEventsLocked(issuerID, filter)
}

func (m *Memory) listEventsLocked(issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	var result []*billing.Event
	for _, e := range m.events {
		if e.IssuerID != issuerID {
			continue
		}
		if filter.OnlyUnmatched && e.RateSourceID != nil {
			continue
		}
		if filter.OnlyAmbiguous && !e.Ambiguous {
			continue
		}
		if filter.EntityID != nil && (e.RateSourceID == nil || *e.RateSourceID != *filter.EntityID) {
			continue
		}
		if filter.Range != nil && !filter.Range.Contains(e.Start) {
			continue
		}
		out := copyEvent(&e)
		result = append(result, &out)
	}
	return result, nil
}

func (m *Memory) SetBillingRefs(_ context.Context, id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setBillingRefsLocked(id, rateSource, payee, ambiguous)
}

func (m *Memory) setBillingRefsLocked(id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	e, ok := m.events[id]
	if !ok {
		return billing.ErrEventNotFound
	}
	e.RateSourceID = copyIDPtr(rateSource)
	e.PayeeID = copyIDPtr(payee)
	e.Ambiguous = ambiguous
	m.events[id] = e
	return nil
}

// =============================================================================
// INVOICES AND LINKS
// =============================================================================

func (m *Memory) SaveInvoice(_ context.Context, inv *billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveInvoiceLocked(inv)
}

func (m *Memory) saveInvoiceLocked(inv *billing.Invoice) error {
	m.invoices[inv.ID] = *inv
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceLocked(id)
}

func (m *Memory) getInvoiceLocked(id billing.InvoiceID) (*billing.Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	out := inv
	return &out, nil
}

func (m *Memory) ListInvoices(_ context.Context, issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesLocked(issuerID)
}

func (m *Memory) listInvoicesLocked(issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	var result []*billing.Invoice
	for _, inv := range m.invoices {
		if inv.IssuerID != issuerID {
			continue
		}
		out := inv
		result = append(result, &out)
	}
	return result, nil
}

func (m *Memory) DeleteInvoice(_ context.Context, id billing.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteInvoiceLocked(id)
}

func (m *Memory) deleteInvoiceLocked(id billing.InvoiceID) error {
	if _, ok := m.invoices[id]; !ok {
		return billing.ErrInvoiceNotFound
	}
	if len(m.links[id]) > 0 {
		return billing.ErrEventsStillLinked
	}
	delete(m.invoices, id)
	delete(m.links, id)
	return nil
}

func (m *Memory) Link(_ context.Context, link billing.InvoiceEventLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(link)
}

func (m *Memory) linkLocked(link billing.InvoiceEventLink) error {
	if existing, ok := m.linkedBy[link.EventID]; ok && existing != link.InvoiceID {
		return &billing.LinkConflictError{EventID: link.EventID, InvoiceID: existing}
	}
	m.links[link.InvoiceID] = append(m.links[link.InvoiceID], link)
	m.linkedBy[link.EventID] = link.InvoiceID
	return nil
}

func (m *Memory) Unlink(_ context.Context, invoiceID billing.InvoiceID, eventID billing.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlinkLocked(invoiceID, eventID)
}

func (m *Memory) unlinkLocked(invoiceID billing.InvoiceID, eventID billing.EventID) error {
	links := m.links[invoiceID]
	for i, l := range links {
		if l.EventID == eventID {
			m.links[invoiceID] = append(links[:i:i], links[i+1:]...)
			delete(m.linkedBy, eventID)
			return nil
		}
	}
	return nil
}

func (m *Memory) Links(_ context.Context, invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.linksLocked(invoiceID)
}

func (m *Memory) linksLocked(invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	result := make([]billing.InvoiceEventLink, len(m.links[invoiceID]))
	copy(result, m.links[invoiceID])
	return result, nil
}

func (m *Memory) LinkedInvoice(_ context.Context, eventID billing.EventID) (billing.InvoiceID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.linkedInvoiceLocked(eventID)
}

func (m *Memory) linkedInvoiceLocked(eventID billing.EventID) (billing.InvoiceID, bool, error) {
	id, ok := m.linkedBy[eventID]
	return id, ok, nil
}

// =============================================================================
// COUNTERS
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := counterKey{IssuerID: issuerID, Scope: scope}
	m.counters[k]++
	return m.counters[k], nil
}

func (m *Memory) PeekSequence(_ context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[counterKey{IssuerID: issuerID, Scope: scope}], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot + rollback on error. Counters are NOT restored
// on rollback: a consumed sequence value stays consumed.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	txStore := &txMemoryView{parent: tm}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entities map[billing.EntityID]billing.BillingEntity
	events   map[billing.EventID]billing.Event
	invoices map[billing.InvoiceID]billing.Invoice
	links    map[billing.InvoiceID][]billing.InvoiceEventLink
	linkedBy map[billing.EventID]billing.InvoiceID
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entities: make(map[billing.EntityID]billing.BillingEntity, len(tm.entities)),
		events:   make(map[billing.EventID]billing.Event, len(tm.events)),
		invoices: make(map[billing.InvoiceID]billing.Invoice, len(tm.invoices)),
		links:    make(map[billing.InvoiceID][]billing.InvoiceEventLink, len(tm.links)),
		linkedBy: make(map[billing.EventID]billing.InvoiceID, len(tm.linkedBy)),
	}
	for k, v := range tm.entities {
		s.entities[k] = v
	}
	for k, v := range tm.events {
		s.events[k] = v
	}
	for k, v := range tm.invoices {
		s.invoices[k] = v
	}
	for k, v := range tm.links {
		s.links[k] = append([]billing.InvoiceEventLink{}, v...)
	}
	for k, v := range tm.linkedBy {
		s.linkedBy[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entities = s.entities
	tm.events = s.events
	tm.invoices = s.invoices
	tm.links = s.links
	tm.linkedBy = s.linkedBy
}

// txMemoryView routes calls to the parent's unlocked internals; the parent
// holds the lock for the whole transaction.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) SaveEntity(_ context.Context, entity *billing.BillingEntity) error {
	return tv.parent.saveEntityLocked(entity)
}

func (tv *txMemoryView) GetEntity(_ context.Context, id billing.EntityID) (*billing.BillingEntity, error) {
	return tv.parent.getEntityLocked(id)
}

func (tv *txMemoryView) ListEntities(_ context.Context, issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	return tv.parent.listEntitiesLocked(issuerID, kind)
}

func (tv *txMemoryView) SaveEvent(_ context.Context, event *billing.Event) error {
	return tv.parent.saveEventLocked(event)
}

func (tv *txMemoryView) GetEvent(_ context.Context, id billing.EventID) (*billing.Event, error) {
	return tv.parent.getEventLocked(id)
}

func (tv *txMemoryView) ListEvents(_ context.Context, issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	return tv.parent.listEventsLocked(issuerID, filter)
}

func (tv *txMemoryView) SetBillingRefs(_ context.Context, id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	return tv.parent.setBillingRefsLocked(id, rateSource, payee, ambiguous)
}

func (tv *txMemoryView) SaveInvoice(_ context.Context, inv *billing.Invoice) error {
	return tv.parent.saveInvoiceLocked(inv)
}

func (tv *txMemoryView) GetInvoice(_ context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return tv.parent.getInvoiceLocked(id)
}

func (tv *txMemoryView) ListInvoices(_ context.Context, issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	return tv.parent.listInvoicesLocked(issuerID)
}

func (tv *txMemoryView) DeleteInvoice(_ context.Context, id billing.InvoiceID) error {
	return tv.parent.deleteInvoiceLocked(id)
}

func (tv *txMemoryView) Link(_ context.Context, link billing.InvoiceEventLink) error {
	return tv.parent.linkLocked(link)
}

func (tv *txMemoryView) Unlink(_ context.Context, invoiceID billing.InvoiceID, eventID billing.EventID) error {
	return tv.parent.unlinkLocked(invoiceID, eventID)
}

func (tv *txMemoryView) Links(_ context.Context, invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	return tv.parent.linksLocked(invoiceID)
}

func (tv *txMemoryView) LinkedInvoice(_ context.Context, eventID billing.EventID) (billing.InvoiceID, bool, error) {
	return tv.parent.linkedInvoiceLocked(eventID)
}

func (tv *txMemoryView) NextSequence(_ context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	k := counterKey{IssuerID: issuerID, Scope: scope}
	tv.parent.counters[k]++
	return tv.parent.counters[k], nil
}

func (tv *txMemoryView) PeekSequence(_ context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	return tv.parent.counters[counterKey{IssuerID: issuerID, Scope: scope}], nil
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyEntity(e *billing.BillingEntity) billing.BillingEntity {
	out := *e
	out.LocationPatterns = append([]string(nil), e.LocationPatterns...)
	if e.Rate != nil {
		rate := *e.Rate
		out.Rate = &rate
	}
	return out
}

func copyEvent(e *billing.Event) billing.Event {
	out := *e
	out.RateSourceID = copyIDPtr(e.RateSourceID)
	out.PayeeID = copyIDPtr(e.PayeeID)
	out.Tags = append([]string(nil), e.Tags...)
	return out
}

func copyIDPtr(id *billing.EntityID) *billing.EntityID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// Compile-time interface checks.
var (
	_ billing.Store   = (*Memory)(nil)
	_ billing.TxStore = (*TxMemory)(nil)
)
