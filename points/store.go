/*
store.go - Persistence interface for ledger entries, affiliate events and disputes

PURPOSE:
  Defines the interface between the domain logic and the database.
  Implementations: store/sqlite (durable) and points/store (in-memory).

UNIQUENESS CONTRACT:
  The store, not the application, enforces:
  - ledger_entries.idempotency_key  -> ErrDuplicateIdempotencyKey
  - affiliate_events.external_id    -> ErrDuplicateExternalID
  Implementations MUST translate their native constraint violation into these
  sentinels. A raw driver error must never escape for a duplicate.

NO DELETE FOR ENTRIES:
  There is no DeleteEntry. Entries move to REJECTED instead.

TRANSACTIONS:
  TxStore.WithTx runs fn against a Store bound to one write transaction.
  Write transactions are serialized, which is what makes the
  "read balance -> compare -> write debit" sequence safe: no other writer can
  commit a debit for the same user between the read and the write.

SEE ALSO:
  - ledger.go: Higher-level operations using Store
  - store/sqlite/sqlite.go: Concrete implementation
*/
package points

import "context"

// Store handles persistence of the three core tables plus the catalog.
type Store interface {
	// Ledger entries
	InsertEntry(ctx context.Context, e Entry) error
	UpdateEntry(ctx context.Context, e Entry) error
	GetEntry(ctx context.Context, id EntryID) (Entry, error)
	GetEntryByKey(ctx context.Context, idempotencyKey string) (Entry, error)
	ListEntries(ctx context.Context, userID UserID) ([]Entry, error)

	// Affiliate events
	InsertEvent(ctx context.Context, ev AffiliateEvent) error
	UpdateEvent(ctx context.Context, ev AffiliateEvent) error
	GetEvent(ctx context.Context, id EventID) (AffiliateEvent, error)
	GetEventByExternalID(ctx context.Context, externalID string) (AffiliateEvent, error)
	GetEventByEntry(ctx context.Context, entryID EntryID) (AffiliateEvent, error)
	ListEvents(ctx context.Context, status EventStatus) ([]AffiliateEvent, error)

	// Disputes
	InsertDispute(ctx context.Context, d Dispute) error
	UpdateDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id DisputeID) (Dispute, error)
	ListDisputes(ctx context.Context, f DisputeFilter) ([]Dispute, error)
	CountDisputes(ctx context.Context, offerID OfferID, statuses []DisputeStatus) (int, error)

	// Catalog and identity records
	InsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	InsertCompany(ctx context.Context, c Company) error
	GetCompany(ctx context.Context, id CompanyID) (Company, error)
	GetCompanyBySlug(ctx context.Context, slug string) (Company, error)
	InsertOffer(ctx context.Context, o Offer) error
	GetOffer(ctx context.Context, id OfferID) (Offer, error)
	GetOfferBySlug(ctx context.Context, slug string) (Offer, error)
	DeleteOffer(ctx context.Context, id OfferID) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a serialized write transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
