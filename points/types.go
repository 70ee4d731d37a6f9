/*
Package points provides the reward-points ledger and affiliate reconciliation engine.

PURPOSE:
  Tracks a user's reward-point balance, turns external purchase events into
  ledger credits, lets users redeem points against a company offer, and lets
  staff adjudicate disputes that lock related offers against deletion.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry:          A signed point movement tied to a user (the ledger row)
  - AffiliateEvent: An externally reported purchase awaiting verification
  - Dispute:        A user complaint referencing a company and optionally an offer
  - User/Company/Offer: Records owned by collaborators, persisted here so the
    service can run standalone

DESIGN PRINCIPLES:
  1. No stored balance: balances are always derived from entries
  2. Idempotency: every entry has a globally unique idempotency key
  3. Soft history: entries are never deleted, only moved to a terminal status
  4. Integer points: a single unit, no decimals, no currencies

SEE ALSO:
  - ledger.go:     Entry creation and status transitions
  - balance.go:    Available balance derivation
  - redemption.go: User-initiated debits
  - affiliate.go:  Purchase intake and the approval state machine
  - dispute.go:    Dispute lifecycle and the offer lock predicate
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type CompanyID string
type OfferID string
type EntryID string
type EventID string
type DisputeID string

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryStatus string

const (
	EntryPending  EntryStatus = "PENDING"
	EntryApproved EntryStatus = "APPROVED"
	EntryRedeemed EntryStatus = "REDEEMED"
	EntryRejected EntryStatus = "REJECTED"
)

// Terminal reports whether points are frozen for this status.
func (s EntryStatus) Terminal() bool {
	return s == EntryRedeemed || s == EntryRejected
}

func (s EntryStatus) Valid() bool {
	switch s {
	case EntryPending, EntryApproved, EntryRedeemed, EntryRejected:
		return true
	}
	return false
}

// EntrySource records which workflow created an entry.
type EntrySource string

const (
	SourceRedemption EntrySource = "redemption"
	SourceAffiliate  EntrySource = "affiliate"
	SourceManual     EntrySource = "manual"
)

func (s EntrySource) Valid() bool {
	switch s {
	case SourceRedemption, SourceAffiliate, SourceManual:
		return true
	}
	return false
}

// MaxEntryPoints bounds the magnitude of a single entry. Balance sums also
// saturate, so no sequence of entries can wrap an int64.
const MaxEntryPoints int64 = 1_000_000_000

// Idempotency key prefixes.
const (
	KeyPrefixRedeem    = "redeem_"
	KeyPrefixAffiliate = "affiliate_"
	KeyPrefixManual    = "manual_"
)

// Entry is a single signed point movement.
// Positive points are credits, negative points are debits (reservations
// while PENDING/APPROVED, spent once REDEEMED).
type Entry struct {
	ID             EntryID
	IdempotencyKey string
	UserID         UserID
	CompanyID      CompanyID // empty when not tied to a company
	OfferID        OfferID   // redemption target, optional
	Points         int64
	Status         EntryStatus
	Source         EntrySource
	Notes          string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ApprovedAt  *time.Time
	FulfilledAt *time.Time
}

func (e Entry) IsCredit() bool { return e.Points > 0 }
func (e Entry) IsDebit() bool  { return e.Points < 0 }

// =============================================================================
// AFFILIATE EVENT
// =============================================================================

type EventStatus string

const (
	EventPending  EventStatus = "PENDING"
	EventApproved EventStatus = "APPROVED"
	EventRejected EventStatus = "REJECTED"
)

func (s EventStatus) Valid() bool {
	switch s {
	case EventPending, EventApproved, EventRejected:
		return true
	}
	return false
}

// AffiliateEvent is an upstream purchase notification.
//
// INVARIANTS:
//   - ExternalID is unique; re-delivery returns the stored record.
//   - APPROVED has exactly one LinkedEntryID, REJECTED has none.
type AffiliateEvent struct {
	ID            EventID
	ExternalID    string
	CompanyID     CompanyID
	UserID        UserID // empty until resolved by email
	UserEmail     string
	Points        int64
	Status        EventStatus
	LinkedEntryID EntryID
	Notes         string

	PurchaseAt time.Time
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// DISPUTE
// =============================================================================

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "OPEN"
	DisputeInReview    DisputeStatus = "IN_REVIEW"
	DisputeWaitingUser DisputeStatus = "WAITING_USER"
	DisputeResolved    DisputeStatus = "RESOLVED"
	DisputeRejected    DisputeStatus = "REJECTED"
)

// BlockingDisputeStatuses lock the referenced offer against deletion.
var BlockingDisputeStatuses = []DisputeStatus{DisputeOpen, DisputeInReview, DisputeWaitingUser}

func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeInReview, DisputeWaitingUser, DisputeResolved, DisputeRejected:
		return true
	}
	return false
}

func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

func (s DisputeStatus) Blocking() bool {
	return s == DisputeOpen || s == DisputeInReview || s == DisputeWaitingUser
}

type DisputeCategory string

const (
	CategoryPayoutDenied      DisputeCategory = "PAYOUT_DENIED"
	CategoryAccountBreach     DisputeCategory = "ACCOUNT_BREACH"
	CategoryRuleChange        DisputeCategory = "RULE_CHANGE"
	CategoryPlatformIssue     DisputeCategory = "PLATFORM_ISSUE"
	CategoryRewardNotReceived DisputeCategory = "REWARD_NOT_RECEIVED"
	CategoryOther             DisputeCategory = "OTHER"
)

func (c DisputeCategory) Valid() bool {
	switch c {
	case CategoryPayoutDenied, CategoryAccountBreach, CategoryRuleChange,
		CategoryPlatformIssue, CategoryRewardNotReceived, CategoryOther:
		return true
	}
	return false
}

// Dispute is a case filed by a user against a company, optionally an offer.
// Staff hold write authority over Status and ResolutionNotes.
type Dispute struct {
	ID                DisputeID
	UserID            UserID
	CompanyID         CompanyID
	OfferID           OfferID // empty when the dispute is company-wide
	Title             string
	Category          DisputeCategory
	Description       string
	Status            DisputeStatus
	RequestedAmount   *decimal.Decimal
	RequestedCurrency string
	EvidenceLinks     []string
	ResolutionNotes   string
	AssignedStaffID   UserID

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}

// DisputeFilter narrows ListDisputes. Zero values match everything.
type DisputeFilter struct {
	UserID  UserID
	OfferID OfferID
	Status  DisputeStatus
}

// =============================================================================
// COLLABORATOR RECORDS
// =============================================================================

type User struct {
	ID        UserID
	Email     string
	Name      string
	CreatedAt time.Time
}

type Company struct {
	ID        CompanyID
	Slug      string
	Name      string
	CreatedAt time.Time
}

type Offer struct {
	ID        OfferID
	CompanyID CompanyID
	Slug      string
	Title     string
	CreatedAt time.Time
}
