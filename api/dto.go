/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the points domain model from the wire contract (snake_case fields,
  RFC3339 timestamps, decimal amounts as strings).

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. decodeAndValidate runs
  them before a handler touches the engine; the engine re-validates
  everything it depends on.

SEE ALSO:
  - handlers.go: Uses these types
  - points/types.go: Domain types
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// LEDGER
// =============================================================================

type EntryDTO struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	UserID         string     `json:"user_id"`
	CompanyID      string     `json:"company_id,omitempty"`
	OfferID        string     `json:"offer_id,omitempty"`
	Points         int64      `json:"points"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	FulfilledAt    *time.Time `json:"fulfilled_at,omitempty"`
}

func toEntryDTO(e points.Entry) EntryDTO {
	return EntryDTO{
		ID:             string(e.ID),
		IdempotencyKey: e.IdempotencyKey,
		UserID:         string(e.UserID),
		CompanyID:      string(e.CompanyID),
		OfferID:        string(e.OfferID),
		Points:         e.Points,
		Status:         string(e.Status),
		Source:         string(e.Source),
		Notes:          e.Notes,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		ApprovedAt:     e.ApprovedAt,
		FulfilledAt:    e.FulfilledAt,
	}
}

func toEntryDTOs(entries []points.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	return out
}

// BalanceDTO is the summary shown to users and staff.
type BalanceDTO struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Approved  int64  `json:"approved"`
	Pending   int64  `json:"pending"`
	Reserved  int64  `json:"reserved"`
	Redeemed  int64  `json:"redeemed"`
}

func toBalanceDTO(s points.Summary) BalanceDTO {
	return BalanceDTO{
		UserID:    string(s.UserID),
		Available: s.Available,
		Approved:  s.Approved,
		Pending:   s.Pending,
		Reserved:  s.Reserved,
		Redeemed:  s.Redeemed,
	}
}

type RedeemRequest struct {
	Points  int64  `json:"points" validate:"gt=0,lte=1000000000"`
	Company string `json:"company" validate:"required,max=200"`
	Note    string `json:"note" validate:"max=500"`
}

type RedeemResponse struct {
	Entry     EntryDTO `json:"entry"`
	Available int64    `json:"available"`
	Replayed  bool     `json:"replayed,omitempty"`
}

type GrantRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Points    int64  `json:"points" validate:"gt=0,lte=1000000000"`
	CompanyID string `json:"company_id"`
	Note      string `json:"note" validate:"max=500"`
	Key       string `json:"key" validate:"max=200"`
}

// StaffActionRequest is the optional body of approve/reject/fulfill calls.
type StaffActionRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

type AdjustEntryRequest struct {
	Points int64  `json:"points" validate:"ne=0,gte=-1000000000,lte=1000000000"`
	Note   string `json:"note" validate:"max=1000"`
}

// =============================================================================
// AFFILIATE
// =============================================================================

type AffiliateEventDTO struct {
	ID            string     `json:"id"`
	ExternalID    string     `json:"external_id"`
	CompanyID     string     `json:"company_id"`
	UserID        string     `json:"user_id,omitempty"`
	UserEmail     string     `json:"user_email"`
	Points        int64      `json:"points"`
	Status        string     `json:"status"`
	LinkedEntryID string     `json:"linked_entry_id,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	PurchaseAt    time.Time  `json:"purchase_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toEventDTO(ev points.AffiliateEvent) AffiliateEventDTO {
	return AffiliateEventDTO{
		ID:            string(ev.ID),
		ExternalID:    ev.ExternalID,
		CompanyID:     string(ev.CompanyID),
		UserID:        string(ev.UserID),
		UserEmail:     ev.UserEmail,
		Points:        ev.Points,
		Status:        string(ev.Status),
		LinkedEntryID: string(ev.LinkedEntryID),
		Notes:         ev.Notes,
		PurchaseAt:    ev.PurchaseAt,
		VerifiedAt:    ev.VerifiedAt,
		CreatedAt:     ev.CreatedAt,
		UpdatedAt:     ev.UpdatedAt,
	}
}

type IngestEventRequest struct {
	ExternalID string    `json:"external_id" validate:"required,max=200"`
	Company    string    `json:"company" validate:"required,max=200"`
	UserEmail  string    `json:"user_email" validate:"required,email"`
	Points     int64     `json:"points" validate:"gte=0,lte=1000000000"`
	PurchaseAt time.Time `json:"purchase_at"`
	Notes      string    `json:"notes" validate:"max=2000"`
}

// IngestEventResponse reports whether the event was new.
type IngestEventResponse struct {
	Event   AffiliateEventDTO `json:"event"`
	Created bool              `json:"created"`
}

type ApproveEventRequest struct {
	OverridePoints  *int64 `json:"override_points" validate:"omitempty,gt=0,lte=1000000000"`
	ConfirmIncrease bool   `json:"confirm_increase"`
	Note            string `json:"note" validate:"max=1000"`
}

type UpdateNotesRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// =============================================================================
// DISPUTES
// =============================================================================

type DisputeDTO struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	CompanyID         string           `json:"company_id"`
	OfferID           string           `json:"offer_id,omitempty"`
	Title             string           `json:"title"`
	Category          string           `json:"category"`
	Description       string           `json:"description"`
	Status            string           `json:"status"`
	RequestedAmount   *decimal.Decimal `json:"requested_amount,omitempty"`
	RequestedCurrency string           `json:"requested_currency,omitempty"`
	EvidenceLinks     []string         `json:"evidence_links"`
	ResolutionNotes   string           `json:"resolution_notes,omitempty"`
	AssignedStaffID   string           `json:"assigned_staff_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	ResolvedAt        *time.Time       `json:"resolved_at,omitempty"`
}

func toDisputeDTO(d points.Dispute) DisputeDTO {
	links := d.EvidenceLinks
	if links == nil {
		links = []string{}
	}
	return DisputeDTO{
		ID:                string(d.ID),
		UserID:            string(d.UserID),
		CompanyID:         string(d.CompanyID),
		OfferID:           string(d.OfferID),
		Title:             d.Title,
		Category:          string(d.Category),
		Description:       d.Description,
		Status:            string(d.Status),
		RequestedAmount:   d.RequestedAmount,
		RequestedCurrency: d.RequestedCurrency,
		EvidenceLinks:     links,
		ResolutionNotes:   d.ResolutionNotes,
		AssignedStaffID:   string(d.AssignedStaffID),
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		ResolvedAt:        d.ResolvedAt,
	}
}

func toDisputeDTOs(ds []points.Dispute) []DisputeDTO {
	out := make([]DisputeDTO, 0, len(ds))
	for _, d := range ds {
		out = append(out, toDisputeDTO(d))
	}
	return out
}

type OpenDisputeRequest struct {
	Company           string           `json:"company" validate:"required_without=OfferID,max=200"`
	OfferID           string           `json:"offer_id"`
	Title             string           `json:"title" validate:"required,max=200"`
	Category          string           `json:"category" validate:"required,oneof=PAYOUT_DENIED ACCOUNT_BREACH RULE_CHANGE PLATFORM_ISSUE REWARD_NOT_RECEIVED OTHER"`
	Description       string           `json:"description" validate:"required,max=5000"`
	RequestedAmount   *decimal.Decimal `json:"requested_amount"`
	RequestedCurrency string           `json:"requested_currency" validate:"omitempty,len=3"`
	EvidenceLinks     []string         `json:"evidence_links" validate:"max=10,dive,url"`
}

type DisputeTransitionRequest struct {
	Status          string `json:"status" validate:"required,oneof=OPEN IN_REVIEW WAITING_USER RESOLVED REJECTED"`
	Note            string `json:"note" validate:"max=2000"`
	AssignedStaffID string `json:"assigned_staff_id"`
}

// =============================================================================
// CATALOG
// =============================================================================

type UserDTO struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserDTO(u points.User) UserDTO {
	return UserDTO{ID: string(u.ID), Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt}
}

type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=200"`
}

type CompanyDTO struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toCompanyDTO(c points.Company) CompanyDTO {
	return CompanyDTO{ID: string(c.ID), Slug: c.Slug, Name: c.Name, CreatedAt: c.CreatedAt}
}

type CreateCompanyRequest struct {
	Slug string `json:"slug" validate:"required,max=100"`
	Name string `json:"name" validate:"required,max=200"`
}

type OfferDTO struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func toOfferDTO(o points.Offer) OfferDTO {
	return OfferDTO{ID: string(o.ID), CompanyID: string(o.CompanyID), Slug: o.Slug, Title: o.Title, CreatedAt: o.CreatedAt}
}

type CreateOfferRequest struct {
	Company string `json:"company" validate:"required,max=200"`
	Slug    string `json:"slug" validate:"required,max=100"`
	Title   string `json:"title" validate:"required,max=200"`
}

// =============================================================================
// DECODING
// =============================================================================

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and validates it. An empty
// body is allowed when allowEmpty is set.
func (h *Handler) decodeAndValidate(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}
