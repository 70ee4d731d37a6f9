/*
ledger.go - Ledger entry creation and status transitions

PURPOSE:
  The ledger is the source of truth for every balance. Entries are created
  PENDING by a redemption (negative), an approved affiliate event (positive)
  or a manual staff grant (positive), then moved by staff.

CRITICAL INVARIANTS:
  1. IDEMPOTENT: one entry per idempotency key, enforced by the store
  2. NO DELETE: corrections are status changes (REJECTED), never deletes
  3. FROZEN: points cannot change once REJECTED or REDEEMED
  4. TWO-KEY: an affiliate credit only becomes APPROVED after its affiliate
     event is APPROVED

STATUS MACHINE:
  PENDING  -> APPROVED | REJECTED | REDEEMED (debits only)
  APPROVED -> REDEEMED (debits only) | REJECTED
  REDEEMED, REJECTED: terminal

  Moving to the current status is a no-op that returns the entry unchanged,
  so retried staff actions are safe.

SEE ALSO:
  - balance.go: How statuses feed the available balance
  - affiliate.go: The only path that creates affiliate credits
*/
package points

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var entryTransitions = map[EntryStatus][]EntryStatus{
	EntryPending:  {EntryApproved, EntryRejected, EntryRedeemed},
	EntryApproved: {EntryRedeemed, EntryRejected},
}

func canMoveEntry(e Entry, to EntryStatus) bool {
	if to == EntryRedeemed && !e.IsDebit() {
		return false
	}
	for _, next := range entryTransitions[e.Status] {
		if next == to {
			return true
		}
	}
	return false
}

// Ledger records and transitions entries.
type Ledger struct {
	store TxStore
	opts  Options
}

// GrantInput is a manual staff credit.
type GrantInput struct {
	UserID    UserID
	Points    int64
	CompanyID CompanyID
	Note      string
	// Key makes the grant idempotent across retries. Optional.
	Key     string
	StaffID UserID
}

// StaffAction carries who performed a transition and why.
type StaffAction struct {
	StaffID UserID
	Note    string
}

// Get returns a single entry.
func (l *Ledger) Get(ctx context.Context, id EntryID) (Entry, error) {
	return l.store.GetEntry(ctx, id)
}

// History returns a user's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID UserID) ([]Entry, error) {
	entries, err := l.store.ListEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Record inserts a new PENDING entry for an existing user. A duplicate key
// yields *DuplicateEntryError holding the stored entry; no second row is ever
// written. Affiliate credits are only written by Affiliates.Approve.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Source == "" {
		e.Source = SourceManual
	}
	if e.Source == SourceAffiliate {
		return Entry{}, invalid("source", "affiliate credits are written by event approval")
	}
	var out Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		out, err = recordEntry(ctx, s, e, l.opts)
		return err
	})
	if err != nil {
		return out, err
	}
	l.opts.invalidateBalance(ctx, out.UserID)
	return out, nil
}

// Grant credits points to a user as a PENDING manual entry.
func (l *Ledger) Grant(ctx context.Context, in GrantInput) (Entry, error) {
	if in.UserID == "" {
		return Entry{}, invalid("user_id", "required")
	}
	if in.Points <= 0 {
		return Entry{}, invalid("points", "must be positive")
	}
	if in.Points > MaxEntryPoints {
		return Entry{}, invalid("points", "exceeds the per-entry maximum")
	}
	key := strings.TrimSpace(in.Key)
	if key == "" {
		key = newID(KeyPrefixManual)
	} else if !strings.HasPrefix(key, KeyPrefixManual) {
		key = KeyPrefixManual + key
	}

	var out Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetUser(ctx, in.UserID); err != nil {
			return err
		}
		if in.CompanyID != "" {
			if _, err := s.GetCompany(ctx, in.CompanyID); err != nil {
				return err
			}
		}
		var err error
		out, err = recordEntry(ctx, s, Entry{
			IdempotencyKey: key,
			UserID:         in.UserID,
			CompanyID:      in.CompanyID,
			Points:         in.Points,
			Source:         SourceManual,
			Notes:          strings.TrimSpace(in.Note),
		}, l.opts)
		return err
	})

	var dup *DuplicateEntryError
	if errors.As(err, &dup) {
		return dup.Existing, nil
	}
	if err != nil {
		return Entry{}, err
	}
	l.opts.Logger.Info("manual grant recorded",
		zap.String("entry_id", string(out.ID)),
		zap.String("user_id", string(out.UserID)),
		zap.Int64("points", out.Points),
		zap.String("staff_id", string(in.StaffID)))
	l.opts.invalidateBalance(ctx, out.UserID)
	return out, nil
}

// ApproveEntry moves a PENDING entry to APPROVED, making a credit spendable.
func (l *Ledger) ApproveEntry(ctx context.Context, id EntryID, act StaffAction) (Entry, error) {
	return l.transition(ctx, id, EntryApproved, act)
}

// RejectEntry voids a credit or releases a debit reservation.
func (l *Ledger) RejectEntry(ctx context.Context, id EntryID, act StaffAction) (Entry, error) {
	return l.transition(ctx, id, EntryRejected, act)
}

// FulfillEntry marks a redemption as delivered.
func (l *Ledger) FulfillEntry(ctx context.Context, id EntryID, act StaffAction) (Entry, error) {
	return l.transition(ctx, id, EntryRedeemed, act)
}

func (l *Ledger) transition(ctx context.Context, id EntryID, to EntryStatus, act StaffAction) (Entry, error) {
	var (
		out     Entry
		changed bool
	)
	err := l.store.WithTx(ctx, func(s Store) error {
		e, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status == to {
			out = e
			return nil
		}
		if !canMoveEntry(e, to) {
			return &TransitionError{Kind: "entry", From: string(e.Status), To: string(to)}
		}
		if to == EntryApproved && e.Source == SourceAffiliate {
			ev, err := s.GetEventByEntry(ctx, e.ID)
			if err != nil {
				return err
			}
			if ev.Status != EventApproved {
				return ErrNotApproved
			}
		}

		now := l.opts.Now()
		e.Status = to
		e.UpdatedAt = now
		e.Notes = appendNote(e.Notes, act.Note)
		switch to {
		case EntryApproved:
			e.ApprovedAt = &now
		case EntryRedeemed:
			e.FulfilledAt = &now
			if e.ApprovedAt == nil {
				e.ApprovedAt = &now
			}
		}
		if err := s.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out, changed = e, true
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if changed {
		l.opts.Recorder.EntryTransition(to)
		l.opts.Logger.Info("ledger entry transitioned",
			zap.String("entry_id", string(out.ID)),
			zap.String("status", string(to)),
			zap.String("staff_id", string(act.StaffID)))
		l.opts.invalidateBalance(ctx, out.UserID)
	}
	return out, nil
}

// AdjustPoints corrects the points of a non-terminal entry. The sign cannot
// flip: a credit stays a credit and a debit stays a debit.
func (l *Ledger) AdjustPoints(ctx context.Context, id EntryID, points int64, act StaffAction) (Entry, error) {
	if points == 0 {
		return Entry{}, invalid("points", "must be non-zero")
	}
	if points > MaxEntryPoints || points < -MaxEntryPoints {
		return Entry{}, invalid("points", "exceeds the per-entry maximum")
	}
	var out Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		e, err := s.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return ErrEntryImmutable
		}
		if (e.Points > 0) != (points > 0) {
			return invalid("points", "cannot change the sign of an entry")
		}
		e.Points = points
		e.UpdatedAt = l.opts.Now()
		e.Notes = appendNote(e.Notes, act.Note)
		if err := s.UpdateEntry(ctx, e); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	l.opts.invalidateBalance(ctx, out.UserID)
	return out, nil
}

// recordEntry validates and inserts e inside an open transaction. Every entry
// starts PENDING; later states are reached through transition.
func recordEntry(ctx context.Context, s Store, e Entry, opts Options) (Entry, error) {
	if e.UserID == "" {
		return Entry{}, invalid("user_id", "required")
	}
	if e.Points == 0 {
		return Entry{}, invalid("points", "must be non-zero")
	}
	if e.Points > MaxEntryPoints || e.Points < -MaxEntryPoints {
		return Entry{}, invalid("points", "exceeds the per-entry maximum")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return Entry{}, invalid("idempotency_key", "required")
	}
	if e.Status != "" && e.Status != EntryPending {
		return Entry{}, invalid("status", "new entries start PENDING")
	}
	e.Status = EntryPending
	if !e.Source.Valid() {
		return Entry{}, invalid("source", "unknown value "+string(e.Source))
	}
	if _, err := s.GetUser(ctx, e.UserID); err != nil {
		return Entry{}, err
	}
	if e.ID == "" {
		e.ID = EntryID(newID("le_"))
	}
	now := opts.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	err := s.InsertEntry(ctx, e)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, getErr := s.GetEntryByKey(ctx, e.IdempotencyKey)
		if getErr != nil {
			return Entry{}, getErr
		}
		return Entry{}, &DuplicateEntryError{Existing: existing}
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func appendNote(existing, note string) string {
	note = strings.TrimSpace(note)
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	default:
		return existing + "\n" + note
	}
}
