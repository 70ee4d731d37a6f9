/*
affiliate.go - Affiliate purchase intake and the approval state machine

PURPOSE:
  Turns upstream purchase notifications into ledger credits.

STATE MACHINE:
  PENDING -> APPROVED | REJECTED. Both are terminal; only notes change after.

TWO-KEY CONTROL:
  Approving an event confirms the purchase happened. It creates (or re-links)
  a PENDING +points entry keyed affiliate_<externalId>. Making that credit
  spendable is a second staff action: Ledger.ApproveEntry, which refuses
  unless the linked event is APPROVED. Entry creation here also refuses
  unless the event row is already APPROVED in the same transaction.

APPROVAL STEPS:
  1. Load the event. APPROVED returns unchanged, REJECTED is EVENT_RESOLVED.
  2. Resolve the user: stored UserID first, then case-insensitive email.
     No match fails with USER_NOT_FOUND_FOR_AFFILIATE; nothing is written.
  3. Final points = override or original. <= 0 fails with INVALID_POINTS.
     An override above the original needs ConfirmIncrease (or the
     AllowOverrideIncrease option).
  4. Linked entry already present: only the event status, notes and
     verifiedAt are updated.
  5. Otherwise insert the entry, link it, stamp verifiedAt.

IDEMPOTENCY:
  - Ingest: externalId is unique in the store. Re-delivery returns the
    stored record untouched.
  - Approve: the entry key affiliate_<externalId> is unique. If a previous
    attempt already wrote it, the event links to that entry.

SEE ALSO:
  - ledger.go: ApproveEntry enforces the event precondition
  - feed/: batch ingestion from a file source
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Affiliate decisions reported to the Recorder.
const (
	DecisionIngested = "ingested"
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type Affiliates struct {
	store TxStore
	opts  Options
}

// IngestInput is one upstream purchase notification.
type IngestInput struct {
	ExternalID string    `json:"external_id"`
	CompanyRef string    `json:"company"`
	UserEmail  string    `json:"user_email"`
	Points     int64     `json:"points"`
	PurchaseAt time.Time `json:"purchase_at"`
	Notes      string    `json:"notes"`
}

// ApproveOptions tunes a staff approval.
type ApproveOptions struct {
	OverridePoints  *int64
	ConfirmIncrease bool
	Note            string
	StaffID         UserID
}

// Ingest stores a purchase event. created is false when the externalId was
// already known, in which case the stored record is returned unchanged.
func (a *Affiliates) Ingest(ctx context.Context, in IngestInput) (AffiliateEvent, bool, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.ExternalID == "" {
		return AffiliateEvent{}, false, invalid("external_id", "required")
	}
	if len(in.ExternalID) > 200 {
		return AffiliateEvent{}, false, invalid("external_id", "too long")
	}
	if in.Points < 0 {
		return AffiliateEvent{}, false, invalid("points", "must not be negative")
	}
	if in.Points > MaxEntryPoints {
		return AffiliateEvent{}, false, invalid("points", "exceeds the per-entry maximum")
	}
	email, err := normalizeEmail(in.UserEmail)
	if err != nil {
		return AffiliateEvent{}, false, err
	}

	var (
		out     AffiliateEvent
		created bool
	)
	err = a.store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetEventByExternalID(ctx, in.ExternalID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return err
		}

		co, err := resolveCompany(ctx, s, in.CompanyRef)
		if err != nil {
			return err
		}
		now := a.opts.Now()
		ev := AffiliateEvent{
			ID:         EventID(newID("ae_")),
			ExternalID: in.ExternalID,
			CompanyID:  co.ID,
			UserEmail:  email,
			Points:     in.Points,
			Status:     EventPending,
			Notes:      strings.TrimSpace(in.Notes),
			PurchaseAt: in.PurchaseAt.UTC(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if ev.PurchaseAt.IsZero() {
			ev.PurchaseAt = now
		}
		if u, err := s.GetUserByEmail(ctx, email); err == nil {
			ev.UserID = u.ID
		} else if !errors.Is(err, ErrUserNotFound) {
			return err
		}

		err = s.InsertEvent(ctx, ev)
		if errors.Is(err, ErrDuplicateExternalID) {
			out, err = s.GetEventByExternalID(ctx, in.ExternalID)
			return err
		}
		if err != nil {
			return err
		}
		out, created = ev, true
		return nil
	})
	if err != nil {
		return AffiliateEvent{}, false, err
	}
	if created {
		a.opts.Recorder.AffiliateDecision(DecisionIngested)
		a.opts.Logger.Info("affiliate event ingested",
			zap.String("event_id", string(out.ID)),
			zap.String("external_id", out.ExternalID),
			zap.Bool("user_resolved", out.UserID != ""))
	}
	return out, created, nil
}

// IngestOutcome classifies one row of a batch.
type IngestOutcome string

const (
	IngestCreated   IngestOutcome = "created"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestFailed    IngestOutcome = "failed"
)

type IngestResult struct {
	ExternalID string
	Outcome    IngestOutcome
	Event      AffiliateEvent
	Err        error
}

// BatchSummary counts outcomes of an IngestBatch call.
type BatchSummary struct {
	Created, Duplicates, Failed int
}

// IngestBatch ingests rows one by one. A failing row does not stop the batch.
// Transient storage errors abort it, since later rows would fail the same way.
func (a *Affiliates) IngestBatch(ctx context.Context, rows []IngestInput) ([]IngestResult, BatchSummary, error) {
	results := make([]IngestResult, 0, len(rows))
	var sum BatchSummary
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return results, sum, err
		}
		ev, created, err := a.Ingest(ctx, row)
		res := IngestResult{ExternalID: row.ExternalID, Event: ev, Err: err}
		switch {
		case err != nil && IsRetryable(err):
			return results, sum, err
		case err != nil:
			res.Outcome = IngestFailed
			sum.Failed++
		case created:
			res.Outcome = IngestCreated
			sum.Created++
		default:
			res.Outcome = IngestDuplicate
			sum.Duplicates++
		}
		results = append(results, res)
	}
	return results, sum, nil
}

// Get returns an event by id or externalId.
func (a *Affiliates) Get(ctx context.Context, ref string) (AffiliateEvent, error) {
	return resolveEvent(ctx, a.store, ref)
}

// ListEvents returns events in the given status, or all when status is empty.
func (a *Affiliates) ListEvents(ctx context.Context, status EventStatus) ([]AffiliateEvent, error) {
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown value "+string(status))
	}
	return a.store.ListEvents(ctx, status)
}

// Approve confirms a purchase and creates or re-links its ledger credit.
func (a *Affiliates) Approve(ctx context.Context, ref string, opt ApproveOptions) (AffiliateEvent, error) {
	var (
		out     AffiliateEvent
		changed bool
	)
	err := a.store.WithTx(ctx, func(s Store) error {
		ev, err := resolveEvent(ctx, s, ref)
		if err != nil {
			return err
		}
		switch ev.Status {
		case EventApproved:
			out = ev
			return nil
		case EventRejected:
			return fmt.Errorf("approve %s: %w", ev.ID, ErrEventResolved)
		}

		userID, err := a.resolveUser(ctx, s, ev)
		if err != nil {
			return err
		}
		final, err := a.finalPoints(ev, opt)
		if err != nil {
			return err
		}

		now := a.opts.Now()
		ev.UserID = userID
		ev.Points = final
		ev.Status = EventApproved
		ev.VerifiedAt = &now
		ev.UpdatedAt = now
		ev.Notes = appendNote(ev.Notes, opt.Note)

		if ev.LinkedEntryID != "" {
			if err := s.UpdateEvent(ctx, ev); err != nil {
				return err
			}
			out, changed = ev, true
			return nil
		}

		// The event row must be APPROVED before the credit exists.
		if err := s.UpdateEvent(ctx, ev); err != nil {
			return err
		}
		entry, err := createAffiliateCredit(ctx, s, ev.ID, a.opts)
		if err != nil {
			return err
		}
		ev.LinkedEntryID = entry.ID
		if err := s.UpdateEvent(ctx, ev); err != nil {
			return err
		}
		out, changed = ev, true
		return nil
	})
	if err != nil {
		return AffiliateEvent{}, err
	}
	if changed {
		a.opts.Recorder.AffiliateDecision(DecisionApproved)
		a.opts.Logger.Info("affiliate event approved",
			zap.String("event_id", string(out.ID)),
			zap.String("external_id", out.ExternalID),
			zap.String("entry_id", string(out.LinkedEntryID)),
			zap.Int64("points", out.Points),
			zap.String("staff_id", string(opt.StaffID)))
		a.opts.invalidateBalance(ctx, out.UserID)
	}
	return out, nil
}

// Reject closes a PENDING event without a ledger entry. Rejecting a REJECTED
// event is a no-op; rejecting an APPROVED one is EVENT_RESOLVED.
func (a *Affiliates) Reject(ctx context.Context, ref string, act StaffAction) (AffiliateEvent, error) {
	var (
		out     AffiliateEvent
		changed bool
	)
	err := a.store.WithTx(ctx, func(s Store) error {
		ev, err := resolveEvent(ctx, s, ref)
		if err != nil {
			return err
		}
		switch ev.Status {
		case EventRejected:
			out = ev
			return nil
		case EventApproved:
			return fmt.Errorf("reject %s: %w", ev.ID, ErrEventResolved)
		}
		now := a.opts.Now()
		ev.Status = EventRejected
		ev.VerifiedAt = &now
		ev.UpdatedAt = now
		ev.Notes = appendNote(ev.Notes, act.Note)
		if err := s.UpdateEvent(ctx, ev); err != nil {
			return err
		}
		out, changed = ev, true
		return nil
	})
	if err != nil {
		return AffiliateEvent{}, err
	}
	if changed {
		a.opts.Recorder.AffiliateDecision(DecisionRejected)
		a.opts.Logger.Info("affiliate event rejected",
			zap.String("event_id", string(out.ID)),
			zap.String("external_id", out.ExternalID),
			zap.String("staff_id", string(act.StaffID)))
	}
	return out, nil
}

// UpdateEventNotes replaces the notes of an event in any state.
func (a *Affiliates) UpdateEventNotes(ctx context.Context, ref, notes string) (AffiliateEvent, error) {
	var out AffiliateEvent
	err := a.store.WithTx(ctx, func(s Store) error {
		ev, err := resolveEvent(ctx, s, ref)
		if err != nil {
			return err
		}
		ev.Notes = strings.TrimSpace(notes)
		ev.UpdatedAt = a.opts.Now()
		if err := s.UpdateEvent(ctx, ev); err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, err
}

func (a *Affiliates) resolveUser(ctx context.Context, s Store, ev AffiliateEvent) (UserID, error) {
	if ev.UserID != "" {
		if _, err := s.GetUser(ctx, ev.UserID); err == nil {
			return ev.UserID, nil
		} else if !errors.Is(err, ErrUserNotFound) {
			return "", err
		}
	}
	u, err := s.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ev.UserEmail)))
	if errors.Is(err, ErrUserNotFound) {
		return "", fmt.Errorf("approve %s (%s): %w", ev.ID, ev.UserEmail, ErrUserNotFoundForAffiliate)
	}
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (a *Affiliates) finalPoints(ev AffiliateEvent, opt ApproveOptions) (int64, error) {
	final := ev.Points
	if opt.OverridePoints != nil {
		final = *opt.OverridePoints
		if final > ev.Points && !opt.ConfirmIncrease && !a.opts.AllowOverrideIncrease {
			return 0, invalid("override_points", "exceeds purchase amount; confirm the increase")
		}
	}
	if final <= 0 {
		return 0, fmt.Errorf("approve %s with %d points: %w", ev.ID, final, ErrInvalidPoints)
	}
	if final > MaxEntryPoints {
		return 0, invalid("override_points", "exceeds the per-entry maximum")
	}
	return final, nil
}

// createAffiliateCredit writes the PENDING credit for an APPROVED event. A
// credit left behind by an earlier attempt is reused when it belongs to the
// same user.
func createAffiliateCredit(ctx context.Context, s Store, id EventID, opts Options) (Entry, error) {
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if ev.Status != EventApproved {
		return Entry{}, ErrNotApproved
	}
	entry, err := recordEntry(ctx, s, Entry{
		IdempotencyKey: KeyPrefixAffiliate + ev.ExternalID,
		UserID:         ev.UserID,
		CompanyID:      ev.CompanyID,
		Points:         ev.Points,
		Source:         SourceAffiliate,
		Notes:          "affiliate purchase " + ev.ExternalID,
	}, opts)

	var dup *DuplicateEntryError
	if errors.As(err, &dup) {
		if dup.Existing.UserID != ev.UserID || !dup.Existing.IsCredit() {
			return Entry{}, fmt.Errorf("affiliate entry %s belongs to another account: %w",
				dup.Existing.ID, ErrDuplicateIdempotencyKey)
		}
		return dup.Existing, nil
	}
	return entry, err
}

func resolveEvent(ctx context.Context, s Store, ref string) (AffiliateEvent, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return AffiliateEvent{}, invalid("event", "required")
	}
	ev, err := s.GetEvent(ctx, EventID(ref))
	if errors.Is(err, ErrEventNotFound) {
		return s.GetEventByExternalID(ctx, ref)
	}
	return ev, err
}
