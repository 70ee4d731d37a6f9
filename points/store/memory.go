// Package store provides an in-memory points.TxStore for tests and dev.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Unique indexes are
// separate maps so duplicates are rejected the same way a database would.
type Memory struct {
	mu sync.RWMutex
	d  *tables
}

type tables struct {
	seq int64

	entries    map[points.EntryID]row[points.Entry]
	entryByKey map[string]points.EntryID

	events       map[points.EventID]row[points.AffiliateEvent]
	eventByExtID map[string]points.EventID

	disputes map[points.DisputeID]row[points.Dispute]

	users         map[points.UserID]points.User
	userByEmail   map[string]points.UserID
	companies     map[points.CompanyID]points.Company
	companyBySlug map[string]points.CompanyID
	offers        map[points.OfferID]points.Offer
	offerBySlug   map[string]points.OfferID
}

// row remembers insertion order for stable listing.
type row[T any] struct {
	seq int64
	v   T
}

func newTables() *tables {
	return &tables{
		entries:       make(map[points.EntryID]row[points.Entry]),
		entryByKey:    make(map[string]points.EntryID),
		events:        make(map[points.EventID]row[points.AffiliateEvent]),
		eventByExtID:  make(map[string]points.EventID),
		disputes:      make(map[points.DisputeID]row[points.Dispute]),
		users:         make(map[points.UserID]points.User),
		userByEmail:   make(map[string]points.UserID),
		companies:     make(map[points.CompanyID]points.Company),
		companyBySlug: make(map[string]points.CompanyID),
		offers:        make(map[points.OfferID]points.Offer),
		offerBySlug:   make(map[string]points.OfferID),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newTables()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole call, which serializes writers.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(view{d: m.d}); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (t *tables) clone() *tables {
	c := &tables{
		seq:           t.seq,
		entries:       make(map[points.EntryID]row[points.Entry], len(t.entries)),
		entryByKey:    make(map[string]points.EntryID, len(t.entryByKey)),
		events:        make(map[points.EventID]row[points.AffiliateEvent], len(t.events)),
		eventByExtID:  make(map[string]points.EventID, len(t.eventByExtID)),
		disputes:      make(map[points.DisputeID]row[points.Dispute], len(t.disputes)),
		users:         make(map[points.UserID]points.User, len(t.users)),
		userByEmail:   make(map[string]points.UserID, len(t.userByEmail)),
		companies:     make(map[points.CompanyID]points.Company, len(t.companies)),
		companyBySlug: make(map[string]points.CompanyID, len(t.companyBySlug)),
		offers:        make(map[points.OfferID]points.Offer, len(t.offers)),
		offerBySlug:   make(map[string]points.OfferID, len(t.offerBySlug)),
	}
	copyMap(c.entries, t.entries)
	copyMap(c.entryByKey, t.entryByKey)
	copyMap(c.events, t.events)
	copyMap(c.eventByExtID, t.eventByExtID)
	copyMap(c.disputes, t.disputes)
	copyMap(c.users, t.users)
	copyMap(c.userByEmail, t.userByEmail)
	copyMap(c.companies, t.companies)
	copyMap(c.companyBySlug, t.companyBySlug)
	copyMap(c.offers, t.offers)
	copyMap(c.offerBySlug, t.offerBySlug)
	return c
}

func copyMap[K comparable, V any](dst, src map[K]V) {
	for k, v := range src {
		dst[k] = v
	}
}

// read runs fn under the read lock against the committed tables.
func (m *Memory) read(fn func(view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(view{d: m.d})
}

// write runs fn as a single-statement transaction.
func (m *Memory) write(ctx context.Context, fn func(view) error) error {
	return m.WithTx(ctx, func(s points.Store) error { return fn(s.(view)) })
}

// =============================================================================
// LOCKED ENTRY POINTS - each delegates to view under the mutex
// =============================================================================

func (m *Memory) InsertEntry(ctx context.Context, e points.Entry) error {
	return m.write(ctx, func(v view) error { return v.InsertEntry(ctx, e) })
}

func (m *Memory) UpdateEntry(ctx context.Context, e points.Entry) error {
	return m.write(ctx, func(v view) error { return v.UpdateEntry(ctx, e) })
}

func (m *Memory) GetEntry(ctx context.Context, id points.EntryID) (out points.Entry, err error) {
	err = m.read(func(v view) error { out, err = v.GetEntry(ctx, id); return err })
	return out, err
}

func (m *Memory) GetEntryByKey(ctx context.Context, key string) (out points.Entry, err error) {
	err = m.read(func(v view) error { out, err = v.GetEntryByKey(ctx, key); return err })
	return out, err
}

func (m *Memory) ListEntries(ctx context.Context, userID points.UserID) (out []points.Entry, err error) {
	err = m.read(func(v view) error { out, err = v.ListEntries(ctx, userID); return err })
	return out, err
}

func (m *Memory) InsertEvent(ctx context.Context, ev points.AffiliateEvent) error {
	return m.write(ctx, func(v view) error { return v.InsertEvent(ctx, ev) })
}

func (m *Memory) UpdateEvent(ctx context.Context, ev points.AffiliateEvent) error {
	return m.write(ctx, func(v view) error { return v.UpdateEvent(ctx, ev) })
}

func (m *Memory) GetEvent(ctx context.Context, id points.EventID) (out points.AffiliateEvent, err error) {
	err = m.read(func(v view) error { out, err = v.GetEvent(ctx, id); return err })
	return out, err
}

func (m *Memory) GetEventByExternalID(ctx context.Context, extID string) (out points.AffiliateEvent, err error) {
	err = m.read(func(v view) error { out, err = v.GetEventByExternalID(ctx, extID); return err })
	return out, err
}

func (m *Memory) GetEventByEntry(ctx context.Context, entryID points.EntryID) (out points.AffiliateEvent, err error) {
	err = m.read(func(v view) error { out, err = v.GetEventByEntry(ctx, entryID); return err })
	return out, err
}

func (m *Memory) ListEvents(ctx context.Context, status points.EventStatus) (out []points.AffiliateEvent, err error) {
	err = m.read(func(v view) error { out, err = v.ListEvents(ctx, status); return err })
	return out, err
}

func (m *Memory) InsertDispute(ctx context.Context, d points.Dispute) error {
	return m.write(ctx, func(v view) error { return v.InsertDispute(ctx, d) })
}

func (m *Memory) UpdateDispute(ctx context.Context, d points.Dispute) error {
	return m.write(ctx, func(v view) error { return v.UpdateDispute(ctx, d) })
}

func (m *Memory) GetDispute(ctx context.Context, id points.DisputeID) (out points.Dispute, err error) {
	err = m.read(func(v view) error { out, err = v.GetDispute(ctx, id); return err })
	return out, err
}

func (m *Memory) ListDisputes(ctx context.Context, f points.DisputeFilter) (out []points.Dispute, err error) {
	err = m.read(func(v view) error { out, err = v.ListDisputes(ctx, f); return err })
	return out, err
}

func (m *Memory) CountDisputes(ctx context.Context, offerID points.OfferID, statuses []points.DisputeStatus) (n int, err error) {
	err = m.read(func(v view) error { n, err = v.CountDisputes(ctx, offerID, statuses); return err })
	return n, err
}

func (m *Memory) InsertUser(ctx context.Context, u points.User) error {
	return m.write(ctx, func(v view) error { return v.InsertUser(ctx, u) })
}

func (m *Memory) GetUser(ctx context.Context, id points.UserID) (out points.User, err error) {
	err = m.read(func(v view) error { out, err = v.GetUser(ctx, id); return err })
	return out, err
}

func (m *Memory) GetUserByEmail(ctx context.Context, email string) (out points.User, err error) {
	err = m.read(func(v view) error { out, err = v.GetUserByEmail(ctx, email); return err })
	return out, err
}

func (m *Memory) InsertCompany(ctx context.Context, c points.Company) error {
	return m.write(ctx, func(v view) error { return v.InsertCompany(ctx, c) })
}

func (m *Memory) GetCompany(ctx context.Context, id points.CompanyID) (out points.Company, err error) {
	err = m.read(func(v view) error { out, err = v.GetCompany(ctx, id); return err })
	return out, err
}

func (m *Memory) GetCompanyBySlug(ctx context.Context, slug string) (out points.Company, err error) {
	err = m.read(func(v view) error { out, err = v.GetCompanyBySlug(ctx, slug); return err })
	return out, err
}

func (m *Memory) InsertOffer(ctx context.Context, o points.Offer) error {
	return m.write(ctx, func(v view) error { return v.InsertOffer(ctx, o) })
}

func (m *Memory) GetOffer(ctx context.Context, id points.OfferID) (out points.Offer, err error) {
	err = m.read(func(v view) error { out, err = v.GetOffer(ctx, id); return err })
	return out, err
}

func (m *Memory) GetOfferBySlug(ctx context.Context, slug string) (out points.Offer, err error) {
	err = m.read(func(v view) error { out, err = v.GetOfferBySlug(ctx, slug); return err })
	return out, err
}

func (m *Memory) DeleteOffer(ctx context.Context, id points.OfferID) error {
	return m.write(ctx, func(v view) error { return v.DeleteOffer(ctx, id) })
}

// =============================================================================
// VIEW - unlocked access, valid only while the caller holds the mutex
// =============================================================================

type view struct {
	d *tables
}

func (v view) next() int64 {
	v.d.seq++
	return v.d.seq
}

func (v view) InsertEntry(_ context.Context, e points.Entry) error {
	if _, ok := v.d.entryByKey[e.IdempotencyKey]; ok {
		return points.ErrDuplicateIdempotencyKey
	}
	if _, ok := v.d.entries[e.ID]; ok {
		return points.ErrAlreadyExists
	}
	v.d.entries[e.ID] = row[points.Entry]{seq: v.next(), v: e}
	v.d.entryByKey[e.IdempotencyKey] = e.ID
	return nil
}

func (v view) UpdateEntry(_ context.Context, e points.Entry) error {
	r, ok := v.d.entries[e.ID]
	if !ok {
		return points.ErrEntryNotFound
	}
	// Key and owner are fixed at insert.
	e.IdempotencyKey = r.v.IdempotencyKey
	e.UserID = r.v.UserID
	r.v = e
	v.d.entries[e.ID] = r
	return nil
}

func (v view) GetEntry(_ context.Context, id points.EntryID) (points.Entry, error) {
	r, ok := v.d.entries[id]
	if !ok {
		return points.Entry{}, points.ErrEntryNotFound
	}
	return r.v, nil
}

func (v view) GetEntryByKey(ctx context.Context, key string) (points.Entry, error) {
	id, ok := v.d.entryByKey[key]
	if !ok {
		return points.Entry{}, points.ErrEntryNotFound
	}
	return v.GetEntry(ctx, id)
}

func (v view) ListEntries(_ context.Context, userID points.UserID) ([]points.Entry, error) {
	var rows []row[points.Entry]
	for _, r := range v.d.entries {
		if r.v.UserID == userID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].v.CreatedAt.Equal(rows[j].v.CreatedAt) {
			return rows[i].v.CreatedAt.Before(rows[j].v.CreatedAt)
		}
		return rows[i].seq < rows[j].seq
	})
	return values(rows), nil
}

func (v view) InsertEvent(_ context.Context, ev points.AffiliateEvent) error {
	if _, ok := v.d.eventByExtID[ev.ExternalID]; ok {
		return points.ErrDuplicateExternalID
	}
	if _, ok := v.d.events[ev.ID]; ok {
		return points.ErrAlreadyExists
	}
	v.d.events[ev.ID] = row[points.AffiliateEvent]{seq: v.next(), v: ev}
	v.d.eventByExtID[ev.ExternalID] = ev.ID
	return nil
}

func (v view) UpdateEvent(_ context.Context, ev points.AffiliateEvent) error {
	r, ok := v.d.events[ev.ID]
	if !ok {
		return points.ErrEventNotFound
	}
	ev.ExternalID = r.v.ExternalID
	r.v = ev
	v.d.events[ev.ID] = r
	return nil
}

func (v view) GetEvent(_ context.Context, id points.EventID) (points.AffiliateEvent, error) {
	r, ok := v.d.events[id]
	if !ok {
		return points.AffiliateEvent{}, points.ErrEventNotFound
	}
	return r.v, nil
}

func (v view) GetEventByExternalID(ctx context.Context, extID string) (points.AffiliateEvent, error) {
	id, ok := v.d.eventByExtID[extID]
	if !ok {
		return points.AffiliateEvent{}, points.ErrEventNotFound
	}
	return v.GetEvent(ctx, id)
}

func (v view) GetEventByEntry(_ context.Context, entryID points.EntryID) (points.AffiliateEvent, error) {
	for _, r := range v.d.events {
		if r.v.LinkedEntryID == entryID {
			return r.v, nil
		}
	}
	return points.AffiliateEvent{}, points.ErrEventNotFound
}

// ListEvents returns the oldest first, the order staff work the queue in.
func (v view) ListEvents(_ context.Context, status points.EventStatus) ([]points.AffiliateEvent, error) {
	var rows []row[points.AffiliateEvent]
	for _, r := range v.d.events {
		if status == "" || r.v.Status == status {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return values(rows), nil
}

func (v view) InsertDispute(_ context.Context, d points.Dispute) error {
	if _, ok := v.d.disputes[d.ID]; ok {
		return points.ErrAlreadyExists
	}
	d.EvidenceLinks = append([]string(nil), d.EvidenceLinks...)
	v.d.disputes[d.ID] = row[points.Dispute]{seq: v.next(), v: d}
	return nil
}

func (v view) UpdateDispute(_ context.Context, d points.Dispute) error {
	r, ok := v.d.disputes[d.ID]
	if !ok {
		return points.ErrDisputeNotFound
	}
	d.EvidenceLinks = append([]string(nil), d.EvidenceLinks...)
	r.v = d
	v.d.disputes[d.ID] = r
	return nil
}

func (v view) GetDispute(_ context.Context, id points.DisputeID) (points.Dispute, error) {
	r, ok := v.d.disputes[id]
	if !ok {
		return points.Dispute{}, points.ErrDisputeNotFound
	}
	return r.v, nil
}

// ListDisputes returns the newest first.
func (v view) ListDisputes(_ context.Context, f points.DisputeFilter) ([]points.Dispute, error) {
	var rows []row[points.Dispute]
	for _, r := range v.d.disputes {
		d := r.v
		if (f.UserID == "" || d.UserID == f.UserID) &&
			(f.OfferID == "" || d.OfferID == f.OfferID) &&
			(f.Status == "" || d.Status == f.Status) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq > rows[j].seq })
	return values(rows), nil
}

func (v view) CountDisputes(_ context.Context, offerID points.OfferID, statuses []points.DisputeStatus) (int, error) {
	n := 0
	for _, r := range v.d.disputes {
		if r.v.OfferID != offerID {
			continue
		}
		for _, s := range statuses {
			if r.v.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (v view) InsertUser(_ context.Context, u points.User) error {
	email := strings.ToLower(u.Email)
	if _, ok := v.d.users[u.ID]; ok {
		return points.ErrAlreadyExists
	}
	if _, ok := v.d.userByEmail[email]; ok {
		return points.ErrAlreadyExists
	}
	v.d.users[u.ID] = u
	v.d.userByEmail[email] = u.ID
	return nil
}

func (v view) GetUser(_ context.Context, id points.UserID) (points.User, error) {
	u, ok := v.d.users[id]
	if !ok {
		return points.User{}, points.ErrUserNotFound
	}
	return u, nil
}

func (v view) GetUserByEmail(ctx context.Context, email string) (points.User, error) {
	id, ok := v.d.userByEmail[strings.ToLower(email)]
	if !ok {
		return points.User{}, points.ErrUserNotFound
	}
	return v.GetUser(ctx, id)
}

func (v view) InsertCompany(_ context.Context, c points.Company) error {
	if _, ok := v.d.companies[c.ID]; ok {
		return points.ErrAlreadyExists
	}
	if _, ok := v.d.companyBySlug[c.Slug]; ok {
		return points.ErrAlreadyExists
	}
	v.d.companies[c.ID] = c
	v.d.companyBySlug[c.Slug] = c.ID
	return nil
}

func (v view) GetCompany(_ context.Context, id points.CompanyID) (points.Company, error) {
	c, ok := v.d.companies[id]
	if !ok {
		return points.Company{}, points.ErrCompanyNotFound
	}
	return c, nil
}

func (v view) GetCompanyBySlug(ctx context.Context, slug string) (points.Company, error) {
	id, ok := v.d.companyBySlug[slug]
	if !ok {
		return points.Company{}, points.ErrCompanyNotFound
	}
	return v.GetCompany(ctx, id)
}

func (v view) InsertOffer(_ context.Context, o points.Offer) error {
	if _, ok := v.d.companies[o.CompanyID]; !ok {
		return points.ErrCompanyNotFound
	}
	if _, ok := v.d.offers[o.ID]; ok {
		return points.ErrAlreadyExists
	}
	if _, ok := v.d.offerBySlug[o.Slug]; ok {
		return points.ErrAlreadyExists
	}
	v.d.offers[o.ID] = o
	v.d.offerBySlug[o.Slug] = o.ID
	return nil
}

func (v view) GetOffer(_ context.Context, id points.OfferID) (points.Offer, error) {
	o, ok := v.d.offers[id]
	if !ok {
		return points.Offer{}, points.ErrOfferNotFound
	}
	return o, nil
}

func (v view) GetOfferBySlug(ctx context.Context, slug string) (points.Offer, error) {
	id, ok := v.d.offerBySlug[slug]
	if !ok {
		return points.Offer{}, points.ErrOfferNotFound
	}
	return v.GetOffer(ctx, id)
}

func (v view) DeleteOffer(_ context.Context, id points.OfferID) error {
	o, ok := v.d.offers[id]
	if !ok {
		return points.ErrOfferNotFound
	}
	delete(v.d.offers, id)
	delete(v.d.offerBySlug, o.Slug)
	return nil
}

func values[T any](rows []row[T]) []T {
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = r.v
	}
	return out
}

var _ points.TxStore = (*Memory)(nil)
var _ points.Store = view{}
