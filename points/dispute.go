/*
dispute.go - Dispute lifecycle and the offer lock predicate

STATE MACHINE:
  OPEN         -> IN_REVIEW | RESOLVED | REJECTED
  IN_REVIEW    -> WAITING_USER | RESOLVED | REJECTED
  WAITING_USER -> IN_REVIEW | RESOLVED | REJECTED
  RESOLVED, REJECTED: terminal

LOCK:
  An offer referenced by a dispute in OPEN, IN_REVIEW or WAITING_USER cannot
  be deleted. Catalog.DeleteOffer asks CountBlocking inside its transaction
  and refuses with *BlockingDisputeError.
*/
package points

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MaxEvidenceLinks     = 10
	maxTitleLength       = 200
	maxDescriptionLength = 5000
	defaultCurrency      = "USD"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{
	DisputeOpen:        {DisputeInReview, DisputeResolved, DisputeRejected},
	DisputeInReview:    {DisputeWaitingUser, DisputeResolved, DisputeRejected},
	DisputeWaitingUser: {DisputeInReview, DisputeResolved, DisputeRejected},
}

// CanMoveDispute reports whether from -> to is an allowed transition.
func CanMoveDispute(from, to DisputeStatus) bool {
	for _, next := range disputeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Disputes struct {
	store TxStore
	opts  Options
}

// OpenDisputeInput is a user filing.
type OpenDisputeInput struct {
	UserID            UserID
	CompanyRef        string // company id or slug; may be empty when OfferID is set
	OfferID           OfferID
	Title             string
	Category          DisputeCategory
	Description       string
	RequestedAmount   *decimal.Decimal
	RequestedCurrency string
	EvidenceLinks     []string
}

// DisputeTransitionInput is a staff status change.
type DisputeTransitionInput struct {
	Status          DisputeStatus
	Note            string
	AssignedStaffID UserID
}

func (in OpenDisputeInput) validate() (OpenDisputeInput, error) {
	if in.UserID == "" {
		return in, invalid("user_id", "required")
	}
	if strings.TrimSpace(in.CompanyRef) == "" && in.OfferID == "" {
		return in, invalid("company", "company or offer required")
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return in, invalid("title", "required")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLength {
		return in, invalid("title", "too long")
	}
	if !in.Category.Valid() {
		return in, invalid("category", "unknown value "+string(in.Category))
	}
	in.Description = strings.TrimSpace(in.Description)
	if in.Description == "" {
		return in, invalid("description", "required")
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLength {
		return in, invalid("description", "too long")
	}

	in.RequestedCurrency = strings.ToUpper(strings.TrimSpace(in.RequestedCurrency))
	if in.RequestedAmount != nil {
		if in.RequestedAmount.IsNegative() {
			return in, invalid("requested_amount", "must not be negative")
		}
		if in.RequestedCurrency == "" {
			in.RequestedCurrency = defaultCurrency
		}
		amount := in.RequestedAmount.Round(2)
		in.RequestedAmount = &amount
	}
	if in.RequestedCurrency != "" && !currencyPattern.MatchString(in.RequestedCurrency) {
		return in, invalid("requested_currency", "must be a 3-letter code")
	}

	if len(in.EvidenceLinks) > MaxEvidenceLinks {
		return in, invalid("evidence_links", "too many links")
	}
	links := make([]string, 0, len(in.EvidenceLinks))
	for _, raw := range in.EvidenceLinks {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return in, invalid("evidence_links", "must be http(s) URLs")
		}
		links = append(links, u.String())
	}
	in.EvidenceLinks = links
	return in, nil
}

// Open files a new dispute in OPEN.
func (d *Disputes) Open(ctx context.Context, in OpenDisputeInput) (Dispute, error) {
	in, err := in.validate()
	if err != nil {
		return Dispute{}, err
	}
	var out Dispute
	err = d.store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetUser(ctx, in.UserID); err != nil {
			return err
		}
		var companyID CompanyID
		if strings.TrimSpace(in.CompanyRef) != "" {
			co, err := resolveCompany(ctx, s, in.CompanyRef)
			if err != nil {
				return err
			}
			companyID = co.ID
		}
		if in.OfferID != "" {
			o, err := s.GetOffer(ctx, in.OfferID)
			if err != nil {
				return err
			}
			if companyID != "" && o.CompanyID != companyID {
				return invalid("offer_id", "offer belongs to another company")
			}
			companyID = o.CompanyID
		}

		now := d.opts.Now()
		out = Dispute{
			ID:                DisputeID(newID("dp_")),
			UserID:            in.UserID,
			CompanyID:         companyID,
			OfferID:           in.OfferID,
			Title:             in.Title,
			Category:          in.Category,
			Description:       in.Description,
			Status:            DisputeOpen,
			RequestedAmount:   in.RequestedAmount,
			RequestedCurrency: in.RequestedCurrency,
			EvidenceLinks:     in.EvidenceLinks,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return s.InsertDispute(ctx, out)
	})
	if err != nil {
		return Dispute{}, err
	}
	d.opts.Recorder.DisputeTransition(DisputeOpen)
	d.opts.Logger.Info("dispute opened",
		zap.String("dispute_id", string(out.ID)),
		zap.String("user_id", string(out.UserID)),
		zap.String("offer_id", string(out.OfferID)),
		zap.String("category", string(out.Category)))
	return out, nil
}

// Transition moves a dispute along the state graph. Moving to the current
// status only appends the note and assignment.
func (d *Disputes) Transition(ctx context.Context, id DisputeID, in DisputeTransitionInput) (Dispute, error) {
	if !in.Status.Valid() {
		return Dispute{}, invalid("status", "unknown value "+string(in.Status))
	}
	var (
		out   Dispute
		moved bool
	)
	err := d.store.WithTx(ctx, func(s Store) error {
		dp, err := s.GetDispute(ctx, id)
		if err != nil {
			return err
		}
		if dp.Status != in.Status {
			if !CanMoveDispute(dp.Status, in.Status) {
				return &TransitionError{Kind: "dispute", From: string(dp.Status), To: string(in.Status)}
			}
			moved = true
		} else if dp.Status.Terminal() {
			out = dp
			return nil
		}

		now := d.opts.Now()
		dp.Status = in.Status
		dp.UpdatedAt = now
		dp.ResolutionNotes = appendNote(dp.ResolutionNotes, in.Note)
		if in.AssignedStaffID != "" {
			dp.AssignedStaffID = in.AssignedStaffID
		}
		if moved && in.Status.Terminal() {
			dp.ResolvedAt = &now
		}
		if err := s.UpdateDispute(ctx, dp); err != nil {
			return err
		}
		out = dp
		return nil
	})
	if err != nil {
		return Dispute{}, err
	}
	if moved {
		d.opts.Recorder.DisputeTransition(out.Status)
		d.opts.Logger.Info("dispute transitioned",
			zap.String("dispute_id", string(out.ID)),
			zap.String("status", string(out.Status)),
			zap.String("staff_id", string(out.AssignedStaffID)))
	}
	return out, nil
}

func (d *Disputes) Get(ctx context.Context, id DisputeID) (Dispute, error) {
	return d.store.GetDispute(ctx, id)
}

// List returns disputes matching f, newest first.
func (d *Disputes) List(ctx context.Context, f DisputeFilter) ([]Dispute, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown value "+string(f.Status))
	}
	return d.store.ListDisputes(ctx, f)
}

// HasBlockingDispute is the lock predicate for offer deletion.
func (d *Disputes) HasBlockingDispute(ctx context.Context, offerID OfferID) (bool, error) {
	n, err := d.CountBlocking(ctx, offerID)
	return n > 0, err
}

// CountBlocking counts disputes in OPEN, IN_REVIEW or WAITING_USER on the offer.
func (d *Disputes) CountBlocking(ctx context.Context, offerID OfferID) (int, error) {
	return d.countBlocking(ctx, d.store, offerID)
}

func (d *Disputes) countBlocking(ctx context.Context, s Store, offerID OfferID) (int, error) {
	if offerID == "" {
		return 0, invalid("offer_id", "required")
	}
	return s.CountDisputes(ctx, offerID, BlockingDisputeStatuses)
}
