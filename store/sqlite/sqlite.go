/*
Package sqlite provides a SQLite-backed implementation of points.TxStore.

PURPOSE:
  Durable storage for ledger entries, affiliate events, disputes and the
  catalog records (users, companies, offers) the server owns. In production
  the same patterns apply to PostgreSQL with minor dialect differences.

KEY TABLES:
  ledger_entries:   Signed point movements. No DELETE statement exists.
  affiliate_events: Upstream purchase notifications
  disputes:         User disputes, the source of the offer lock
  users, companies, offers: Catalog and identity records

LOAD-BEARING CONSTRAINTS:
  - ledger_entries.idempotency_key UNIQUE -> points.ErrDuplicateIdempotencyKey
  - affiliate_events.external_id   UNIQUE -> points.ErrDuplicateExternalID
  Constraint violations are recognised by sqlite3.Error extended codes and
  translated before they leave this package.

CONCURRENCY:
  Write transactions run under a process mutex and BEGIN IMMEDIATE
  (_txlock=immediate), so the "read balance -> compare -> insert debit"
  sequence in a WithTx callback is serialized. Reads inside the callback go
  through the same *sql.Tx and never take the mutex again. SQLITE_BUSY and
  SQLITE_LOCKED become points.ErrUnavailable.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  engine := points.NewEngine(store, points.Options{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements points.TxStore using SQLite.
type Store struct {
	queries // reads against the pool
	db      *sql.DB
	mu      sync.Mutex // serializes write transactions
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{q: db}, db: db}
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

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translate("ping", err)
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL COLLATE NOCASE,
		name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_companies_slug ON companies(slug);

	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id),
		slug TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_slug ON offers(slug);

	-- Ledger (rows are never deleted; offer_id has no FK so offers can go)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		company_id TEXT,
		offer_id TEXT,
		points INTEGER NOT NULL CHECK (points <> 0),
		status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','REDEEMED','REJECTED')),
		source TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		approved_at TEXT,
		fulfilled_at TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_idempotency_key
		ON ledger_entries(idempotency_key);
	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries(user_id, created_at);

	CREATE TABLE IF NOT EXISTS affiliate_events (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		user_id TEXT,
		user_email TEXT NOT NULL,
		points INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','REJECTED')),
		linked_entry_id TEXT REFERENCES ledger_entries(id),
		notes TEXT NOT NULL DEFAULT '',
		purchase_at TEXT NOT NULL,
		verified_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_affiliate_events_external_id
		ON affiliate_events(external_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_affiliate_events_linked_entry
		ON affiliate_events(linked_entry_id) WHERE linked_entry_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_affiliate_events_status
		ON affiliate_events(status, created_at);

	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		offer_id TEXT,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_amount TEXT,
		requested_currency TEXT,
		evidence_links TEXT NOT NULL DEFAULT '[]',
		resolution_notes TEXT NOT NULL DEFAULT '',
		assigned_staff_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	);
	-- Offer lock predicate
	CREATE INDEX IF NOT EXISTS idx_disputes_offer_status ON disputes(offer_id, status);
	CREATE INDEX IF NOT EXISTS idx_disputes_user ON disputes(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

// Single-statement writes outside WithTx still take the writer lock.

func (s *Store) InsertEntry(ctx context.Context, e points.Entry) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertEntry(ctx, e) })
}

func (s *Store) UpdateEntry(ctx context.Context, e points.Entry) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.UpdateEntry(ctx, e) })
}

func (s *Store) InsertEvent(ctx context.Context, ev points.AffiliateEvent) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertEvent(ctx, ev) })
}

func (s *Store) UpdateEvent(ctx context.Context, ev points.AffiliateEvent) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.UpdateEvent(ctx, ev) })
}

func (s *Store) InsertDispute(ctx context.Context, d points.Dispute) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertDispute(ctx, d) })
}

func (s *Store) UpdateDispute(ctx context.Context, d points.Dispute) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.UpdateDispute(ctx, d) })
}

func (s *Store) InsertUser(ctx context.Context, u points.User) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertUser(ctx, u) })
}

func (s *Store) InsertCompany(ctx context.Context, c points.Company) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertCompany(ctx, c) })
}

func (s *Store) InsertOffer(ctx context.Context, o points.Offer) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.InsertOffer(ctx, o) })
}

func (s *Store) DeleteOffer(ctx context.Context, id points.OfferID) error {
	return s.WithTx(ctx, func(st points.Store) error { return st.DeleteOffer(ctx, id) })
}

// =============================================================================
// QUERIES - shared by the pool and by transactions
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Ledger entries
// -----------------------------------------------------------------------------

const entryColumns = `id, idempotency_key, user_id, company_id, offer_id, points, status, source,
	notes, created_at, updated_at, approved_at, fulfilled_at`

func (qs queries) InsertEntry(ctx context.Context, e points.Entry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.UserID, nullString(string(e.CompanyID)), nullString(string(e.OfferID)),
		e.Points, e.Status, e.Source, e.Notes,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), nullTime(e.ApprovedAt), nullTime(e.FulfilledAt),
	)
	return translate("insert ledger entry", err)
}

// UpdateEntry writes status, points, notes and timestamps. Key and owner are
// fixed at insert.
func (qs queries) UpdateEntry(ctx context.Context, e points.Entry) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE ledger_entries
		SET points = ?, status = ?, notes = ?, updated_at = ?, approved_at = ?, fulfilled_at = ?
		WHERE id = ?`,
		e.Points, e.Status, e.Notes, formatTime(e.UpdatedAt), nullTime(e.ApprovedAt), nullTime(e.FulfilledAt),
		e.ID,
	)
	if err != nil {
		return translate("update ledger entry", err)
	}
	return requireRow(res, points.ErrEntryNotFound)
}

func (qs queries) GetEntry(ctx context.Context, id points.EntryID) (points.Entry, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (qs queries) GetEntryByKey(ctx context.Context, key string) (points.Entry, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

func (qs queries) ListEntries(ctx context.Context, userID points.UserID) ([]points.Entry, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, translate("list ledger entries", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, translate("list ledger entries", rows.Err())
}

func scanEntry(row scanner) (points.Entry, error) {
	var (
		e                       points.Entry
		companyID, offerID      sql.NullString
		createdAt, updatedAt    string
		approvedAt, fulfilledAt sql.NullString
	)
	err := row.Scan(&e.ID, &e.IdempotencyKey, &e.UserID, &companyID, &offerID, &e.Points,
		&e.Status, &e.Source, &e.Notes, &createdAt, &updatedAt, &approvedAt, &fulfilledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, points.ErrEntryNotFound
	}
	if err != nil {
		return e, translate("scan ledger entry", err)
	}
	e.CompanyID = points.CompanyID(companyID.String)
	e.OfferID = points.OfferID(offerID.String)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.ApprovedAt = parseNullTime(approvedAt)
	e.FulfilledAt = parseNullTime(fulfilledAt)
	return e, nil
}

// -----------------------------------------------------------------------------
// Affiliate events
// -----------------------------------------------------------------------------

const eventColumns = `id, external_id, company_id, user_id, user_email, points, status,
	linked_entry_id, notes, purchase_at, verified_at, created_at, updated_at`

func (qs queries) InsertEvent(ctx context.Context, ev points.AffiliateEvent) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO affiliate_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExternalID, ev.CompanyID, nullString(string(ev.UserID)), ev.UserEmail, ev.Points, ev.Status,
		nullString(string(ev.LinkedEntryID)), ev.Notes, formatTime(ev.PurchaseAt), nullTime(ev.VerifiedAt),
		formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt),
	)
	return translate("insert affiliate event", err)
}

func (qs queries) UpdateEvent(ctx context.Context, ev points.AffiliateEvent) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE affiliate_events
		SET user_id = ?, points = ?, status = ?, linked_entry_id = ?, notes = ?, verified_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(string(ev.UserID)), ev.Points, ev.Status, nullString(string(ev.LinkedEntryID)),
		ev.Notes, nullTime(ev.VerifiedAt), formatTime(ev.UpdatedAt), ev.ID,
	)
	if err != nil {
		return translate("update affiliate event", err)
	}
	return requireRow(res, points.ErrEventNotFound)
}

func (qs queries) GetEvent(ctx context.Context, id points.EventID) (points.AffiliateEvent, error) {
	return scanEvent(qs.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM affiliate_events WHERE id = ?`, id))
}

func (qs queries) GetEventByExternalID(ctx context.Context, extID string) (points.AffiliateEvent, error) {
	return scanEvent(qs.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM affiliate_events WHERE external_id = ?`, extID))
}

func (qs queries) GetEventByEntry(ctx context.Context, entryID points.EntryID) (points.AffiliateEvent, error) {
	return scanEvent(qs.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM affiliate_events WHERE linked_entry_id = ?`, entryID))
}

func (qs queries) ListEvents(ctx context.Context, status points.EventStatus) ([]points.AffiliateEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM affiliate_events`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list affiliate events", err)
	}
	defer rows.Close()

	var events []points.AffiliateEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, translate("list affiliate events", rows.Err())
}

func scanEvent(row scanner) (points.AffiliateEvent, error) {
	var (
		ev                   points.AffiliateEvent
		userID, linkedEntry  sql.NullString
		purchaseAt           string
		verifiedAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&ev.ID, &ev.ExternalID, &ev.CompanyID, &userID, &ev.UserEmail, &ev.Points, &ev.Status,
		&linkedEntry, &ev.Notes, &purchaseAt, &verifiedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, points.ErrEventNotFound
	}
	if err != nil {
		return ev, translate("scan affiliate event", err)
	}
	ev.UserID = points.UserID(userID.String)
	ev.LinkedEntryID = points.EntryID(linkedEntry.String)
	ev.PurchaseAt = parseTime(purchaseAt)
	ev.VerifiedAt = parseNullTime(verifiedAt)
	ev.CreatedAt = parseTime(createdAt)
	ev.UpdatedAt = parseTime(updatedAt)
	return ev, nil
}

// -----------------------------------------------------------------------------
// Disputes
// -----------------------------------------------------------------------------

const disputeColumns = `id, user_id, company_id, offer_id, title, category, description, status,
	requested_amount, requested_currency, evidence_links, resolution_notes, assigned_staff_id,
	created_at, updated_at, resolved_at`

func (qs queries) InsertDispute(ctx context.Context, d points.Dispute) error {
	links, err := json.Marshal(nonNil(d.EvidenceLinks))
	if err != nil {
		return fmt.Errorf("encode evidence links: %w", err)
	}
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.CompanyID, nullString(string(d.OfferID)), d.Title, d.Category, d.Description, d.Status,
		nullDecimal(d.RequestedAmount), nullString(d.RequestedCurrency), string(links), d.ResolutionNotes,
		nullString(string(d.AssignedStaffID)), formatTime(d.CreatedAt), formatTime(d.UpdatedAt), nullTime(d.ResolvedAt),
	)
	return translate("insert dispute", err)
}

func (qs queries) UpdateDispute(ctx context.Context, d points.Dispute) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE disputes
		SET status = ?, resolution_notes = ?, assigned_staff_id = ?, updated_at = ?, resolved_at = ?
		WHERE id = ?`,
		d.Status, d.ResolutionNotes, nullString(string(d.AssignedStaffID)), formatTime(d.UpdatedAt),
		nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return translate("update dispute", err)
	}
	return requireRow(res, points.ErrDisputeNotFound)
}

func (qs queries) GetDispute(ctx context.Context, id points.DisputeID) (points.Dispute, error) {
	return scanDispute(qs.q.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id))
}

func (qs queries) ListDisputes(ctx context.Context, f points.DisputeFilter) ([]points.Dispute, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.OfferID != "" {
		where = append(where, "offer_id = ?")
		args = append(args, f.OfferID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate("list disputes", err)
	}
	defer rows.Close()

	var out []points.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, translate("list disputes", rows.Err())
}

func (qs queries) CountDisputes(ctx context.Context, offerID points.OfferID, statuses []points.DisputeStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{offerID}
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, st)
	}
	var n int
	err := qs.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disputes WHERE offer_id = ? AND status IN (`+strings.Join(marks, ",")+`)`,
		args...,
	).Scan(&n)
	return n, translate("count disputes", err)
}

func scanDispute(row scanner) (points.Dispute, error) {
	var (
		d                     points.Dispute
		offerID, staffID      sql.NullString
		amount, currency      sql.NullString
		links                 string
		createdAt, updatedAt  string
		resolvedAt            sql.NullString
	)
	err := row.Scan(&d.ID, &d.UserID, &d.CompanyID, &offerID, &d.Title, &d.Category, &d.Description, &d.Status,
		&amount, &currency, &links, &d.ResolutionNotes, &staffID, &createdAt, &updatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, points.ErrDisputeNotFound
	}
	if err != nil {
		return d, translate("scan dispute", err)
	}
	d.OfferID = points.OfferID(offerID.String)
	d.AssignedStaffID = points.UserID(staffID.String)
	d.RequestedCurrency = currency.String
	if amount.Valid {
		v, err := decimal.NewFromString(amount.String)
		if err != nil {
			return d, fmt.Errorf("decode requested amount of %s: %w", d.ID, err)
		}
		d.RequestedAmount = &v
	}
	if err := json.Unmarshal([]byte(links), &d.EvidenceLinks); err != nil {
		return d, fmt.Errorf("decode evidence links of %s: %w", d.ID, err)
	}
	if len(d.EvidenceLinks) == 0 {
		d.EvidenceLinks = nil
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	d.ResolvedAt = parseNullTime(resolvedAt)
	return d, nil
}

// -----------------------------------------------------------------------------
// Users, companies, offers
// -----------------------------------------------------------------------------

func (qs queries) InsertUser(ctx context.Context, u points.User) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, strings.ToLower(u.Email), u.Name, formatTime(u.CreatedAt))
	return translate("insert user", err)
}

func (qs queries) GetUser(ctx context.Context, id points.UserID) (points.User, error) {
	return scanUser(qs.q.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id))
}

// GetUserByEmail relies on the NOCASE collation of users.email.
func (qs queries) GetUserByEmail(ctx context.Context, email string) (points.User, error) {
	return scanUser(qs.q.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE email = ?`, email))
}

func scanUser(row scanner) (points.User, error) {
	var (
		u         points.User
		createdAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, points.ErrUserNotFound
	}
	if err != nil {
		return u, translate("scan user", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

func (qs queries) InsertCompany(ctx context.Context, c points.Company) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO companies (id, slug, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Slug, c.Name, formatTime(c.CreatedAt))
	return translate("insert company", err)
}

func (qs queries) GetCompany(ctx context.Context, id points.CompanyID) (points.Company, error) {
	return scanCompany(qs.q.QueryRowContext(ctx, `SELECT id, slug, name, created_at FROM companies WHERE id = ?`, id))
}

func (qs queries) GetCompanyBySlug(ctx context.Context, slug string) (points.Company, error) {
	return scanCompany(qs.q.QueryRowContext(ctx, `SELECT id, slug, name, created_at FROM companies WHERE slug = ?`, slug))
}

func scanCompany(row scanner) (points.Company, error) {
	var (
		c         points.Company
		createdAt string
	)
	err := row.Scan(&c.ID, &c.Slug, &c.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, points.ErrCompanyNotFound
	}
	if err != nil {
		return c, translate("scan company", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

func (qs queries) InsertOffer(ctx context.Context, o points.Offer) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO offers (id, company_id, slug, title, created_at) VALUES (?, ?, ?, ?, ?)`,
		o.ID, o.CompanyID, o.Slug, o.Title, formatTime(o.CreatedAt))
	if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
		return points.ErrCompanyNotFound
	}
	return translate("insert offer", err)
}

func (qs queries) GetOffer(ctx context.Context, id points.OfferID) (points.Offer, error) {
	return scanOffer(qs.q.QueryRowContext(ctx, `SELECT id, company_id, slug, title, created_at FROM offers WHERE id = ?`, id))
}

func (qs queries) GetOfferBySlug(ctx context.Context, slug string) (points.Offer, error) {
	return scanOffer(qs.q.QueryRowContext(ctx, `SELECT id, company_id, slug, title, created_at FROM offers WHERE slug = ?`, slug))
}

func (qs queries) DeleteOffer(ctx context.Context, id points.OfferID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM offers WHERE id = ?`, id)
	if err != nil {
		return translate("delete offer", err)
	}
	return requireRow(res, points.ErrOfferNotFound)
}

func scanOffer(row scanner) (points.Offer, error) {
	var (
		o         points.Offer
		createdAt string
	)
	err := row.Scan(&o.ID, &o.CompanyID, &o.Slug, &o.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, points.ErrOfferNotFound
	}
	if err != nil {
		return o, translate("scan offer", err)
	}
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// translate maps driver errors onto the points sentinels. nil stays nil.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	switch {
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		msg := se.Error()
		switch {
		case strings.Contains(msg, "ledger_entries.idempotency_key"):
			return points.ErrDuplicateIdempotencyKey
		case strings.Contains(msg, "affiliate_events.external_id"):
			return points.ErrDuplicateExternalID
		default:
			return fmt.Errorf("%s: %w", op, points.ErrAlreadyExists)
		}
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%s: %w (%v)", op, points.ErrUnavailable, err)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ points.TxStore = (*Store)(nil)
