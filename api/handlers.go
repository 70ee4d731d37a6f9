/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the points services.

ENDPOINTS:
  User (any authenticated caller, scoped to the token subject):
    GET    /api/me/balance                          Balance summary (cached)
    GET    /api/me/ledger                           Entry history, newest first
    POST   /api/me/redemptions                      Redeem points (Idempotency-Key header)
    POST   /api/me/disputes                         File a dispute
    GET    /api/me/disputes                         Own disputes

  Staff (role=staff):
    POST   /api/staff/ledger/grants                 Manual credit
    POST   /api/staff/ledger/{id}/approve           PENDING -> APPROVED
    POST   /api/staff/ledger/{id}/reject            -> REJECTED
    POST   /api/staff/ledger/{id}/fulfill           debit -> REDEEMED
    PATCH  /api/staff/ledger/{id}                   Adjust points
    GET    /api/staff/users/{id}/balance            Any user's summary
    GET    /api/staff/users/{id}/ledger             Any user's history
    POST   /api/staff/users                         Create user
    POST   /api/staff/affiliate/events              Ingest purchase event
    GET    /api/staff/affiliate/events?status=      Review queue
    POST   /api/staff/affiliate/events/{id}/approve Approve (id or external id)
    POST   /api/staff/affiliate/events/{id}/reject  Reject
    PATCH  /api/staff/affiliate/events/{id}         Update notes
    GET    /api/staff/disputes?status=&offer_id=&user_id=
    POST   /api/staff/disputes/{id}/transition      Move a dispute
    POST   /api/staff/companies                     Create company
    POST   /api/staff/offers                        Create offer
    DELETE /api/staff/offers/{id}                   Delete offer (refused while disputed)

REQUEST FLOW:
  1. Resolve identity (auth.go middleware)
  2. Decode and validate the body (dto.go)
  3. Call the points service
  4. Serialize response, or map the error code to a status (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - points/errors.go: Error codes
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BalanceReader serves balance summaries, usually through cache.Balances.
type BalanceReader interface {
	Summary(ctx context.Context, userID points.UserID) (points.Summary, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *points.Engine
	Balances BalanceReader

	// Ping reports storage health for /healthz. Optional.
	Ping func(ctx context.Context) error

	validate *validator.Validate
}

// NewHandler creates a handler. A nil balances reader falls back to the
// engine's uncached calculator.
func NewHandler(engine *points.Engine, balances BalanceReader) *Handler {
	if balances == nil {
		balances = engine.Balances
	}
	return &Handler{Engine: engine, Balances: balances, validate: newValidator()}
}

func (h *Handler) caller(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

func (h *Handler) staffAction(r *http.Request, note string) points.StaffAction {
	return points.StaffAction{StaffID: h.caller(r).UserID, Note: note}
}

func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request", err)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Balances.Summary(r.Context(), h.caller(r).UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(sum))
}

func (h *Handler) GetMyLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Ledger.History(r.Context(), h.caller(r).UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// Redeem spends points. A repeated Idempotency-Key returns the original
// entry with 200 instead of 201.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	res, err := h.Engine.Redemptions.Redeem(r.Context(), points.RedeemInput{
		UserID:     h.caller(r).UserID,
		Points:     req.Points,
		CompanyRef: req.Company,
		Note:       req.Note,
		RequestKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, RedeemResponse{
		Entry:     toEntryDTO(res.Entry),
		Available: res.Available,
		Replayed:  res.Replayed,
	})
}

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req OpenDisputeRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	d, err := h.Engine.Disputes.Open(r.Context(), points.OpenDisputeInput{
		UserID:            h.caller(r).UserID,
		CompanyRef:        req.Company,
		OfferID:           points.OfferID(req.OfferID),
		Title:             req.Title,
		Category:          points.DisputeCategory(req.Category),
		Description:       req.Description,
		RequestedAmount:   req.RequestedAmount,
		RequestedCurrency: req.RequestedCurrency,
		EvidenceLinks:     req.EvidenceLinks,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeDTO(d))
}

func (h *Handler) ListMyDisputes(w http.ResponseWriter, r *http.Request) {
	status, ok := disputeStatusFilter(w, r)
	if !ok {
		return
	}
	ds, err := h.Engine.Disputes.List(r.Context(), points.DisputeFilter{
		UserID: h.caller(r).UserID,
		Status: status,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTOs(ds))
}

// =============================================================================
// STAFF: LEDGER
// =============================================================================

func (h *Handler) GrantPoints(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	e, err := h.Engine.Ledger.Grant(r.Context(), points.GrantInput{
		UserID:    points.UserID(req.UserID),
		Points:    req.Points,
		CompanyID: points.CompanyID(req.CompanyID),
		Note:      req.Note,
		Key:       req.Key,
		StaffID:   h.caller(r).UserID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

type entryTransition func(context.Context, points.EntryID, points.StaffAction) (points.Entry, error)

// transitionEntry adapts a Ledger transition to a handler.
func (h *Handler) transitionEntry(fn func(*points.Ledger) entryTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StaffActionRequest
		if err := h.decodeAndValidate(r, &req, true); err != nil {
			badRequest(w, err)
			return
		}
		id := points.EntryID(chi.URLParam(r, "id"))
		e, err := fn(h.Engine.Ledger)(r.Context(), id, h.staffAction(r, req.Note))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryDTO(e))
	}
}

func (h *Handler) ApproveEntry() http.HandlerFunc {
	return h.transitionEntry(func(l *points.Ledger) entryTransition { return l.ApproveEntry })
}

func (h *Handler) RejectEntry() http.HandlerFunc {
	return h.transitionEntry(func(l *points.Ledger) entryTransition { return l.RejectEntry })
}

func (h *Handler) FulfillEntry() http.HandlerFunc {
	return h.transitionEntry(func(l *points.Ledger) entryTransition { return l.FulfillEntry })
}

func (h *Handler) AdjustEntry(w http.ResponseWriter, r *http.Request) {
	var req AdjustEntryRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	id := points.EntryID(chi.URLParam(r, "id"))
	e, err := h.Engine.Ledger.AdjustPoints(r.Context(), id, req.Points, h.staffAction(r, req.Note))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// =============================================================================
// STAFF: USERS
// =============================================================================

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	u, err := h.Engine.Catalog.CreateUser(r.Context(), points.NewUser{
		ID:    points.UserID(req.ID),
		Email: req.Email,
		Name:  req.Name,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	if _, err := h.Engine.Catalog.GetUser(r.Context(), userID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	sum, err := h.Balances.Summary(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(sum))
}

func (h *Handler) GetUserLedger(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))
	entries, err := h.Engine.Ledger.History(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// STAFF: AFFILIATE
// =============================================================================

func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req IngestEventRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	ev, created, err := h.Engine.Affiliates.Ingest(r.Context(), points.IngestInput{
		ExternalID: req.ExternalID,
		CompanyRef: req.Company,
		UserEmail:  req.UserEmail,
		Points:     req.Points,
		PurchaseAt: req.PurchaseAt,
		Notes:      req.Notes,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, IngestEventResponse{Event: toEventDTO(ev), Created: created})
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	status := points.EventStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		badRequest(w, errInvalidFilter("status"))
		return
	}
	events, err := h.Engine.Affiliates.ListEvents(r.Context(), status)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]AffiliateEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ApproveEvent(w http.ResponseWriter, r *http.Request) {
	var req ApproveEventRequest
	if err := h.decodeAndValidate(r, &req, true); err != nil {
		badRequest(w, err)
		return
	}
	ev, err := h.Engine.Affiliates.Approve(r.Context(), chi.URLParam(r, "id"), points.ApproveOptions{
		OverridePoints:  req.OverridePoints,
		ConfirmIncrease: req.ConfirmIncrease,
		Note:            req.Note,
		StaffID:         h.caller(r).UserID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) RejectEvent(w http.ResponseWriter, r *http.Request) {
	var req StaffActionRequest
	if err := h.decodeAndValidate(r, &req, true); err != nil {
		badRequest(w, err)
		return
	}
	ev, err := h.Engine.Affiliates.Reject(r.Context(), chi.URLParam(r, "id"), h.staffAction(r, req.Note))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (h *Handler) UpdateEventNotes(w http.ResponseWriter, r *http.Request) {
	var req UpdateNotesRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	ev, err := h.Engine.Affiliates.UpdateEventNotes(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

// =============================================================================
// STAFF: DISPUTES
// =============================================================================

func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	status, ok := disputeStatusFilter(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ds, err := h.Engine.Disputes.List(r.Context(), points.DisputeFilter{
		UserID:  points.UserID(q.Get("user_id")),
		OfferID: points.OfferID(q.Get("offer_id")),
		Status:  status,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTOs(ds))
}

// disputeStatusFilter reads ?status= case-insensitively. It writes a 400 and
// returns false for an unknown status.
func disputeStatusFilter(w http.ResponseWriter, r *http.Request) (points.DisputeStatus, bool) {
	status := points.DisputeStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		badRequest(w, errInvalidFilter("status"))
		return "", false
	}
	return status, true
}

func (h *Handler) TransitionDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeTransitionRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	d, err := h.Engine.Disputes.Transition(r.Context(), points.DisputeID(chi.URLParam(r, "id")), points.DisputeTransitionInput{
		Status:          points.DisputeStatus(req.Status),
		Note:            req.Note,
		AssignedStaffID: points.UserID(req.AssignedStaffID),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

// =============================================================================
// STAFF: CATALOG
// =============================================================================

func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	c, err := h.Engine.Catalog.CreateCompany(r.Context(), points.NewCompany{Slug: req.Slug, Name: req.Name})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompanyDTO(c))
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := h.decodeAndValidate(r, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	o, err := h.Engine.Catalog.CreateOffer(r.Context(), points.NewOffer{
		CompanyRef: req.Company,
		Slug:       req.Slug,
		Title:      req.Title,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferDTO(o))
}

func (h *Handler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Catalog.DeleteOffer(r.Context(), points.OfferID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errInvalidFilter string

func (e errInvalidFilter) Error() string { return "unknown value for " + string(e) }
