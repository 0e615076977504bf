/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements the billing store interfaces (EntityStore, EventStore,
  InvoiceStore, CounterStore, TxStore) using SQLite. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  entities:       Billing entities with rate configs as JSON sub-documents
  events:         Synced calendar events plus the billing refs this engine owns
  invoices:       Invoice records with frozen payer and totals
  invoice_events: Invoice-event links with frozen per-event amounts
  counters:       Per-(issuer, scope) monotonic sequences

NUMBERING ENFORCEMENT:
  Two layers guard the gapless-numbering guarantee:
  - NextSequence is a single transactional upsert + increment + read; there
    is no read-then-write path
  - idx_invoices_issuer_number is UNIQUE, so even a misbehaving caller
    cannot persist a duplicate number for an issuer

LINK ENFORCEMENT:
  idx_invoice_events_event is UNIQUE on event_id: an event belongs to at
  most one open invoice. A violation surfaces as LinkConflictError with the
  holding invoice named.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, except counters: each (issuer, scope)
  counter has its own lock so one issuer's numbering never waits on
  another's. In production with PostgreSQL, database-level concurrency
  control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block, single writer at a time.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  manager := billing.NewManager(store, billing.NewNumberingService(store))

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Counter increments take a per-(issuer, scope) lock instead of mu, so
	// issuers never wait on each other's numbering. counterMu only guards
	// the lock map itself.
	counterMu    sync.Mutex
	counterLocks map[string]*sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	// busy_timeout lets a counter transaction wait out a concurrent writer
	// instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, counterLocks: make(map[string]*sync.Mutex)}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Billing entities (studios and teachers)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		currency TEXT NOT NULL,
		patterns_json TEXT,
		rate_json TEXT,
		verified BOOLEAN DEFAULT FALSE,
		featured BOOLEAN DEFAULT FALSE,
		recipient_email TEXT,
		recipient_address TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_issuer
		ON entities(issuer_id, kind);

	-- Synced calendar events. The sync collaborator owns most columns;
	-- this engine owns rate_source_id, payee_id and ambiguous.
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL,
		title TEXT NOT NULL,
		location TEXT,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		onsite INTEGER DEFAULT 0,
		online INTEGER DEFAULT 0,
		rate_source_id TEXT,
		payee_id TEXT,
		ambiguous BOOLEAN DEFAULT FALSE,
		tags_json TEXT,
		visible BOOLEAN DEFAULT TRUE,
		status TEXT NOT NULL DEFAULT 'confirmed',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_issuer_start
		ON events(issuer_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_events_rate_source
		ON events(rate_source_id) WHERE rate_source_id IS NOT NULL;

	-- Invoices
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL,
		number TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT NOT NULL,
		total_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		period_from TEXT,
		period_to TEXT,
		notes TEXT,
		locked BOOLEAN DEFAULT FALSE,
		document_state TEXT NOT NULL DEFAULT 'none',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: no two invoices for one issuer share a number
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_issuer_number
		ON invoices(issuer_id, number);
	CREATE INDEX IF NOT EXISTS idx_invoices_issuer
		ON invoices(issuer_id, created_at DESC);

	-- Invoice-event links with frozen per-event amounts
	CREATE TABLE IF NOT EXISTS invoice_events (
		invoice_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		override_onsite INTEGER,
		override_online INTEGER,
		title TEXT,
		date TEXT,
		PRIMARY KEY (invoice_id, event_id)
	);

	-- CRITICAL: an event belongs to at most one open invoice
	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoice_events_event
		ON invoice_events(event_id);

	-- Per-(issuer, scope) monotonic sequences
	CREATE TABLE IF NOT EXISTS counters (
		issuer_id TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (issuer_id, scope)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENTITY STORE (billing.EntityStore interface)
// =============================================================================

func (s *Store) SaveEntity(ctx context.Context, entity *billing.BillingEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveEntity(ctx, s.db, entity)
}

func saveEntity(ctx context.Context, db execer, entity *billing.BillingEntity) error {
	patternsJSON, _ := json.Marshal(entity.LocationPatterns)

	var rateJSON sql.NullString
	if entity.Rate != nil {
		str, err := factory.MarshalRate(entity.Rate)
		if err != nil {
			return fmt.Errorf("failed to marshal rate config: %w", err)
		}
		rateJSON = sql.NullString{String: str, Valid: true}
	}

	query := `
		INSERT INTO entities
		(id, issuer_id, name, kind, currency, patterns_json, rate_json,
		 verified, featured, recipient_email, recipient_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			patterns_json = excluded.patterns_json,
			rate_json = excluded.rate_json,
			verified = excluded.verified,
			featured = excluded.featured,
			recipient_email = excluded.recipient_email,
			recipient_address = excluded.recipient_address,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !entity.CreatedAt.IsZero() {
		createdAt = entity.CreatedAt.UTC().Format(time.RFC3339)
	}

	_, err := db.ExecContext(ctx, query,
		entity.ID, entity.IssuerID, entity.Name, entity.Kind, entity.Currency,
		string(patternsJSON), rateJSON,
		entity.Verified, entity.Featured,
		entity.RecipientEmail, entity.RecipientAddress,
		createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

const entityColumns = `id, issuer_id, name, kind, currency, patterns_json, rate_json,
	verified, featured, recipient_email, recipient_address, created_at, updated_at`

func (s *Store) GetEntity(ctx context.Context, id billing.EntityID) (*billing.BillingEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntity(ctx, s.db, id)
}

func getEntity(ctx context.Context, db querier, id billing.EntityID) (*billing.BillingEntity, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)

	entity, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrEntityNotFound
	}
	return entity, err
}

func (s *Store) ListEntities(ctx context.Context, issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntities(ctx, s.db, issuerID, kind)
}

func listEntities(ctx context.Context, db querier, issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE issuer_id = ?`
	args := []any{issuerID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY name ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*billing.BillingEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*billing.BillingEntity, error) {
	var e billing.BillingEntity
	var patternsJSON, rateJSON, email, address sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.IssuerID, &e.Name, &e.Kind, &e.Currency,
		&patternsJSON, &rateJSON, &e.Verified, &e.Featured,
		&email, &address, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if patternsJSON.Valid {
		if err := json.Unmarshal([]byte(patternsJSON.String), &e.LocationPatterns); err != nil {
			return nil, fmt.Errorf("stored patterns for %s: %w", e.ID, err)
		}
	}
	if rateJSON.Valid && rateJSON.String != "" {
		rc, err := factory.ParseRate(rateJSON.String)
		if err != nil {
			return nil, fmt.Errorf("stored rate config for %s: %w", e.ID, err)
		}
		e.Rate = rc
	}
	e.RecipientEmail = email.String
	e.RecipientAddress = address.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

// =============================================================================
// EVENT STORE (billing.EventStore interface)
// =============================================================================

func (s *Store) SaveEvent(ctx context.Context, event *billing.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveEvent(ctx, s.db, event)
}

func saveEvent(ctx context.Context, db execer, event *billing.Event) error {
	tagsJSON, _ := json.Marshal(event.Tags)

	query := `
		INSERT INTO events
		(id, issuer_id, title, location, start_at, end_at, onsite, online,
		 rate_source_id, payee_id, ambiguous, tags_json, visible, status,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			location = excluded.location,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			onsite = excluded.onsite,
			online = excluded.online,
			rate_source_id = excluded.rate_source_id,
			payee_id = excluded.payee_id,
			ambiguous = excluded.ambiguous,
			tags_json = excluded.tags_json,
			visible = excluded.visible,
			status = excluded.status,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !event.CreatedAt.IsZero() {
		createdAt = event.CreatedAt.UTC().Format(time.RFC3339)
	}

	_, err := db.ExecContext(ctx, query,
		event.ID, event.IssuerID, event.Title, nullString(event.Location),
		event.Start.UTC().Format(time.RFC3339), event.End.UTC().Format(time.RFC3339),
		event.Attendance.Onsite, event.Attendance.Online,
		idOrNull(event.RateSourceID), idOrNull(event.PayeeID),
		event.Ambiguous, string(tagsJSON), event.Visible, event.Status,
		createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

const eventColumns = `id, issuer_id, title, location, start_at, end_at, onsite, online,
	rate_source_id, payee_id, ambiguous, tags_json, visible, status, created_at, updated_at`

func (s *Store) GetEvent(ctx context.Context, id billing.EventID) (*billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, db querier, id billing.EventID) (*billing.Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrEventNotFound
	}
	return event, err
}

func (s *Store) ListEvents(ctx context.Context, issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEvents(ctx, s.db, issuerID, filter)
}

func listEvents(ctx context.Context, db querier, issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE issuer_id = ?`
	args := []any{issuerID}

	if filter.OnlyUnmatched {
		query += ` AND rate_source_id IS NULL`
	}
	if filter.OnlyAmbiguous {
		query += ` AND ambiguous = TRUE`
	}
	if filter.EntityID != nil {
		query += ` AND rate_source_id = ?`
		args = append(args, *filter.EntityID)
	}
	if filter.Range != nil {
		query += ` AND start_at >= ? AND start_at <= ?`
		args = append(args,
			filter.Range.From.UTC().Format(time.RFC3339),
			filter.Range.To.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY start_at ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*billing.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*billing.Event, error) {
	var e billing.Event
	var location, rateSource, payee, tagsJSON sql.NullString
	var startAt, endAt, createdAt, updatedAt string

	err := row.Scan(&e.ID, &e.IssuerID, &e.Title, &location, &startAt, &endAt,
		&e.Attendance.Onsite, &e.Attendance.Online,
		&rateSource, &payee, &e.Ambiguous, &tagsJSON, &e.Visible, &e.Status,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Location = location.String
	if rateSource.Valid {
		id := billing.EntityID(rateSource.String)
		e.RateSourceID = &id
	}
	if payee.Valid {
		id := billing.EntityID(payee.String)
		e.PayeeID = &id
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("stored tags for %s: %w", e.ID, err)
		}
	}
	e.Start, _ = time.Parse(time.RFC3339, startAt)
	e.End, _ = time.Parse(time.RFC3339, endAt)
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

func (s *Store) SetBillingRefs(ctx context.Context, id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setBillingRefs(ctx, s.db, id, rateSource, payee, ambiguous)
}

func setBillingRefs(ctx context.Context, db execer, id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE events
		SET rate_source_id = ?, payee_id = ?, ambiguous = ?, updated_at = ?
		WHERE id = ?`,
		idOrNull(rateSource), idOrNull(payee), ambiguous,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update billing refs: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrEventNotFound
	}
	return nil
}

// =============================================================================
// INVOICE STORE (billing.InvoiceStore interface)
// =============================================================================

func (s *Store) SaveInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveInvoice(ctx, s.db, inv)
}

func saveInvoice(ctx context.Context, db execer, inv *billing.Invoice) error {
	query := `
		INSERT INTO invoices
		(id, issuer_id, number, payer_id, payer_name, total_value, currency,
		 period_from, period_to, notes, locked, document_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			total_value = excluded.total_value,
			currency = excluded.currency,
			period_from = excluded.period_from,
			period_to = excluded.period_to,
			notes = excluded.notes,
			locked = excluded.locked,
			document_state = excluded.document_state,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, query,
		inv.ID, inv.IssuerID, inv.Number, inv.PayerID, inv.PayerName,
		inv.Total.Value.String(), inv.Currency,
		timeOrNull(inv.Period.From), timeOrNull(inv.Period.To),
		inv.Notes, inv.Locked, inv.Document,
		inv.CreatedAt.UTC().Format(time.RFC3339),
		inv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("invoice number %s already taken: %w", inv.Number, billing.ErrNumberReservation)
		}
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

const invoiceColumns = `id, issuer_id, number, payer_id, payer_name, total_value, currency,
	period_from, period_to, notes, locked, document_state, created_at, updated_at`

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getInvoice(ctx, s.db, id)
}

func getInvoice(ctx context.Context, db querier, id billing.InvoiceID) (*billing.Invoice, error) {
	row := db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv, err
}

func (s *Store) ListInvoices(ctx context.Context, issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listInvoices(ctx, s.db, issuerID)
}

func listInvoices(ctx context.Context, db querier, issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE issuer_id = ? ORDER BY created_at DESC`,
		issuerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	var totalValue string
	var periodFrom, periodTo, notes sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&inv.ID, &inv.IssuerID, &inv.Number, &inv.PayerID, &inv.PayerName,
		&totalValue, &inv.Currency, &periodFrom, &periodTo, &notes,
		&inv.Locked, &inv.Document, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inv.Total = billing.Money{Value: billing.MustParseDecimal(totalValue), Currency: inv.Currency}
	if periodFrom.Valid {
		inv.Period.From, _ = time.Parse(time.RFC3339, periodFrom.String)
	}
	if periodTo.Valid {
		inv.Period.To, _ = time.Parse(time.RFC3339, periodTo.String)
	}
	inv.Notes = notes.String
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inv.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &inv, nil
}

func (s *Store) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteInvoice(ctx, s.db, id)
}

func deleteInvoice(ctx context.Context, db querierExecer, id billing.InvoiceID) error {
	var linked int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoice_events WHERE invoice_id = ?`, id).Scan(&linked)
	if err != nil {
		return err
	}
	if linked > 0 {
		return billing.ErrEventsStillLinked
	}

	res, err := db.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrInvoiceNotFound
	}
	return nil
}

func (s *Store) Link(ctx context.Context, link billing.InvoiceEventLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return linkEvent(ctx, s.db, link)
}

func linkEvent(ctx context.Context, db querierExecer, link billing.InvoiceEventLink) error {
	var overrideOnsite, overrideOnline sql.NullInt64
	if link.Override != nil {
		overrideOnsite = sql.NullInt64{Int64: int64(link.Override.Onsite), Valid: true}
		overrideOnline = sql.NullInt64{Int64: int64(link.Override.Online), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO invoice_events
		(invoice_id, event_id, amount_value, currency, override_onsite, override_online, title, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		link.InvoiceID, link.EventID,
		link.Amount.Value.String(), link.Amount.Currency,
		overrideOnsite, overrideOnline, link.Title, link.Date,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Name the invoice that holds the event.
			var holder string
			if qerr := db.QueryRowContext(ctx,
				`SELECT invoice_id FROM invoice_events WHERE event_id = ?`,
				link.EventID).Scan(&holder); qerr == nil {
				return &billing.LinkConflictError{
					EventID:   link.EventID,
					InvoiceID: billing.InvoiceID(holder),
				}
			}
			return &billing.LinkConflictError{EventID: link.EventID}
		}
		return fmt.Errorf("failed to link event: %w", err)
	}
	return nil
}

func (s *Store) Unlink(ctx context.Context, invoiceID billing.InvoiceID, eventID billing.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unlinkEvent(ctx, s.db, invoiceID, eventID)
}

func unlinkEvent(ctx context.Context, db execer, invoiceID billing.InvoiceID, eventID billing.EventID) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM invoice_events WHERE invoice_id = ? AND event_id = ?`,
		invoiceID, eventID)
	if err != nil {
		return fmt.Errorf("failed to unlink event: %w", err)
	}
	return nil
}

func (s *Store) Links(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return invoiceLinks(ctx, s.db, invoiceID)
}

func invoiceLinks(ctx context.Context, db querier, invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT invoice_id, event_id, amount_value, currency,
		       override_onsite, override_online, title, date
		FROM invoice_events WHERE invoice_id = ?
		ORDER BY date ASC, event_id ASC`,
		invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []billing.InvoiceEventLink
	for rows.Next() {
		var l billing.InvoiceEventLink
		var amountValue, currency string
		var overrideOnsite, overrideOnline sql.NullInt64
		var title, date sql.NullString

		if err := rows.Scan(&l.InvoiceID, &l.EventID, &amountValue, &currency,
			&overrideOnsite, &overrideOnline, &title, &date); err != nil {
			return nil, err
		}

		l.Amount = billing.Money{Value: billing.MustParseDecimal(amountValue), Currency: currency}
		if overrideOnsite.Valid {
			l.Override = &billing.Attendance{
				Onsite: int(overrideOnsite.Int64),
				Online: int(overrideOnline.Int64),
			}
		}
		l.Title = title.String
		l.Date = date.String
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) LinkedInvoice(ctx context.Context, eventID billing.EventID) (billing.InvoiceID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return linkedInvoice(ctx, s.db, eventID)
}

func linkedInvoice(ctx context.Context, db querier, eventID billing.EventID) (billing.InvoiceID, bool, error) {
	var id string
	err := db.QueryRowContext(ctx,
		`SELECT invoice_id FROM invoice_events WHERE event_id = ?`, eventID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return billing.InvoiceID(id), true, nil
}

// =============================================================================
// COUNTER STORE (billing.CounterStore interface)
// =============================================================================

// counterLock returns the lock for one (issuer, scope) counter, creating it
// on first use.
func (s *Store) counterLock(issuerID billing.IssuerID, scope string) *sync.Mutex {
	key := string(issuerID) + "\x00" + scope
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	l, ok := s.counterLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.counterLocks[key] = l
	}
	return l
}

// NextSequence atomically increments and returns the per-(issuer, scope)
// counter. The whole upsert+increment+read runs inside one transaction under
// that counter's own lock: concurrent callers for the same issuer serialize
// and always see distinct consecutive values, while different issuers
// proceed independently.
func (s *Store) NextSequence(ctx context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	l := s.counterLock(issuerID, scope)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin counter transaction: %w", err)
	}
	defer tx.Rollback()

	value, err := nextSequence(ctx, tx, issuerID, scope)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return value, nil
}

func nextSequence(ctx context.Context, db querierExecer, issuerID billing.IssuerID, scope string) (int64, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO counters (issuer_id, scope, value) VALUES (?, ?, 0)
		ON CONFLICT(issuer_id, scope) DO NOTHING`,
		issuerID, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to init counter: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE counters SET value = value + 1 WHERE issuer_id = ? AND scope = ?`,
		issuerID, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	var value int64
	err = db.QueryRowContext(ctx, `
		SELECT value FROM counters WHERE issuer_id = ? AND scope = ?`,
		issuerID, scope).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return value, nil
}

func (s *Store) PeekSequence(ctx context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE issuer_id = ? AND scope = ?`,
		issuerID, scope).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

// Reset clears all data, counters included. Dev and demo use only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"invoice_events", "invoices", "events", "entities", "counters"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. Counter increments made
// through the transactional view are rolled back with everything else;
// callers that need the consumed-forever guarantee increment BEFORE WithTx
// (which is what the lifecycle manager does).
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// txView implements billing.Store on top of an open *sql.Tx.
type txView struct {
	tx *sql.Tx
}

func (v *txView) SaveEntity(ctx context.Context, entity *billing.BillingEntity) error {
	return saveEntity(ctx, v.tx, entity)
}

func (v *txView) GetEntity(ctx context.Context, id billing.EntityID) (*billing.BillingEntity, error) {
	return getEntity(ctx, v.tx, id)
}

func (v *txView) ListEntities(ctx context.Context, issuerID billing.IssuerID, kind billing.EntityKind) ([]*billing.BillingEntity, error) {
	return listEntities(ctx, v.tx, issuerID, kind)
}

func (v *txView) SaveEvent(ctx context.Context, event *billing.Event) error {
	return saveEvent(ctx, v.tx, event)
}

func (v *txView) GetEvent(ctx context.Context, id billing.EventID) (*billing.Event, error) {
	return getEvent(ctx, v.tx, id)
}

func (v *txView) ListEvents(ctx context.Context, issuerID billing.IssuerID, filter billing.EventFilter) ([]*billing.Event, error) {
	return listEvents(ctx, v.tx, issuerID, filter)
}

func (v *txView) SetBillingRefs(ctx context.Context, id billing.EventID, rateSource, payee *billing.EntityID, ambiguous bool) error {
	return setBillingRefs(ctx, v.tx, id, rateSource, payee, ambiguous)
}

func (v *txView) SaveInvoice(ctx context.Context, inv *billing.Invoice) error {
	return saveInvoice(ctx, v.tx, inv)
}

func (v *txView) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	return getInvoice(ctx, v.tx, id)
}

func (v *txView) ListInvoices(ctx context.Context, issuerID billing.IssuerID) ([]*billing.Invoice, error) {
	return listInvoices(ctx, v.tx, issuerID)
}

func (v *txView) DeleteInvoice(ctx context.Context, id billing.InvoiceID) error {
	return deleteInvoice(ctx, v.tx, id)
}

func (v *txView) Link(ctx context.Context, link billing.InvoiceEventLink) error {
	return linkEvent(ctx, v.tx, link)
}

func (v *txView) Unlink(ctx context.Context, invoiceID billing.InvoiceID, eventID billing.EventID) error {
	return unlinkEvent(ctx, v.tx, invoiceID, eventID)
}

func (v *txView) Links(ctx context.Context, invoiceID billing.InvoiceID) ([]billing.InvoiceEventLink, error) {
	return invoiceLinks(ctx, v.tx, invoiceID)
}

func (v *txView) LinkedInvoice(ctx context.Context, eventID billing.EventID) (billing.InvoiceID, bool, error) {
	return linkedInvoice(ctx, v.tx, eventID)
}

func (v *txView) NextSequence(ctx context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	return nextSequence(ctx, v.tx, issuerID, scope)
}

func (v *txView) PeekSequence(ctx context.Context, issuerID billing.IssuerID, scope string) (int64, error) {
	var value int64
	err := v.tx.QueryRowContext(ctx,
		`SELECT value FROM counters WHERE issuer_id = ? AND scope = ?`,
		issuerID, scope).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return value, err
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type querierExecer interface {
	execer
	querier
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func idOrNull(id *billing.EntityID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func timeOrNull(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// Compile-time interface checks.
var (
	_ billing.Store   = (*Store)(nil)
	_ billing.TxStore = (*Store)(nil)
	_ billing.Store   = (*txView)(nil)
)
