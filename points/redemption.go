/*
redemption.go - User-initiated point spend

PURPOSE:
  Writes a negative PENDING entry against a company (or one of its offers)
  after checking the user's available balance.

RESERVATION DISCIPLINE:
  The balance read and the debit insert run inside one WithTx call. Write
  transactions are serialized by the store, so two concurrent redemptions
  for the same user evaluate the balance one after the other: the second sees
  the first debit already subtracted and fails with INSUFFICIENT_POINTS if
  the pair would overspend.

  The pending debit counts against Available immediately (see balance.go).
  Fulfilment (REDEEMED) and release (REJECTED) are staff actions on Ledger.

IDEMPOTENCY:
  RequestKey, when set, becomes redeem_<RequestKey>. A replay with the same
  key returns the original entry and writes nothing. Without a RequestKey
  every call gets a fresh redeem_<uuid>.
*/
package points

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// MaxNoteLength caps free-text notes on user-submitted records.
const MaxNoteLength = 500

// Redemption outcomes reported to the Recorder.
const (
	OutcomeRedeemed     = "redeemed"
	OutcomeReplayed     = "replayed"
	OutcomeInsufficient = "insufficient"
	OutcomeFailed       = "failed"
)

type Redemptions struct {
	store TxStore
	opts  Options
}

// RedeemInput is a spend request.
type RedeemInput struct {
	UserID     UserID
	Points     int64
	CompanyRef string // company id or slug, or offer id or slug
	Note       string
	RequestKey string
}

// RedeemResult is the written debit and the balance after it.
type RedeemResult struct {
	Entry     Entry
	Available int64
	Replayed  bool
}

func (in RedeemInput) validate() (RedeemInput, error) {
	if in.UserID == "" {
		return in, invalid("user_id", "required")
	}
	if in.Points <= 0 {
		return in, invalid("points", "must be positive")
	}
	if in.Points > MaxEntryPoints {
		return in, invalid("points", "exceeds the per-entry maximum")
	}
	in.CompanyRef = strings.TrimSpace(in.CompanyRef)
	if in.CompanyRef == "" {
		return in, invalid("company", "required")
	}
	in.Note = strings.TrimSpace(in.Note)
	if utf8.RuneCountInString(in.Note) > MaxNoteLength {
		return in, invalid("note", "too long")
	}
	in.RequestKey = strings.TrimSpace(in.RequestKey)
	if len(in.RequestKey) > 128 {
		return in, invalid("request_key", "too long")
	}
	return in, nil
}

// Redeem reserves points for a company offer.
//
// Errors: ValidationError, ErrCompanyNotFound, *InsufficientPointsError.
func (r *Redemptions) Redeem(ctx context.Context, in RedeemInput) (RedeemResult, error) {
	in, err := in.validate()
	if err != nil {
		r.opts.Recorder.Redemption(OutcomeFailed, 0)
		return RedeemResult{}, err
	}

	key := newID(KeyPrefixRedeem)
	if in.RequestKey != "" {
		key = KeyPrefixRedeem + in.RequestKey
	}

	var res RedeemResult
	err = r.store.WithTx(ctx, func(s Store) error {
		if existing, err := s.GetEntryByKey(ctx, key); err == nil {
			if existing.UserID != in.UserID {
				return invalid("request_key", "already used")
			}
			res.Entry, res.Replayed = existing, true
			return r.fillAvailable(ctx, s, &res, in.UserID)
		} else if !errors.Is(err, ErrEntryNotFound) {
			return err
		}

		if _, err := s.GetUser(ctx, in.UserID); err != nil {
			return err
		}
		ref, err := resolveRef(ctx, s, in.CompanyRef)
		if err != nil {
			return err
		}

		bal := BalanceCalculator{Store: s}
		available, err := bal.AvailableBalance(ctx, in.UserID)
		if err != nil {
			return err
		}
		if in.Points > available {
			return &InsufficientPointsError{UserID: in.UserID, Available: available, Requested: in.Points}
		}

		entry, err := recordEntry(ctx, s, Entry{
			IdempotencyKey: key,
			UserID:         in.UserID,
			CompanyID:      ref.CompanyID,
			OfferID:        ref.OfferID,
			Points:         -in.Points,
			Source:         SourceRedemption,
			Notes:          in.Note,
		}, r.opts)
		if err != nil {
			return err
		}
		res.Entry = entry
		return r.fillAvailable(ctx, s, &res, in.UserID)
	})

	switch {
	case errors.Is(err, ErrInsufficientPoints):
		r.opts.Recorder.Redemption(OutcomeInsufficient, in.Points)
		return RedeemResult{}, err
	case err != nil:
		r.opts.Recorder.Redemption(OutcomeFailed, in.Points)
		return RedeemResult{}, err
	case res.Replayed:
		r.opts.Recorder.Redemption(OutcomeReplayed, in.Points)
		return res, nil
	}

	r.opts.Recorder.Redemption(OutcomeRedeemed, in.Points)
	r.opts.Logger.Info("redemption recorded",
		zap.String("entry_id", string(res.Entry.ID)),
		zap.String("user_id", string(in.UserID)),
		zap.String("company_id", string(res.Entry.CompanyID)),
		zap.Int64("points", in.Points),
		zap.Int64("available", res.Available))
	r.opts.invalidateBalance(ctx, in.UserID)
	return res, nil
}

func (r *Redemptions) fillAvailable(ctx context.Context, s Store, res *RedeemResult, userID UserID) error {
	bal := BalanceCalculator{Store: s}
	available, err := bal.AvailableBalance(ctx, userID)
	if err != nil {
		return err
	}
	res.Available = available
	return nil
}
