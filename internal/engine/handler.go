// internal/engine/handler.go
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler exposes the engine over HTTP.
type Handler struct {
	service Service
	limiter *rate.Limiter
}

// NewHandler creates an HTTP handler over the engine. Mutating routes share
// one rate limiter.
func NewHandler(service Service) *Handler {
	return &Handler{
		service: service,
		limiter: rate.NewLimiter(rate.Every(time.Second/50), 100),
	}
}

// Routes builds the router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/loans/{id}", h.handleGetLoan)
	r.Get("/members/{id}/loans", h.handleMemberLoans)
	r.Get("/loans/{id}/fine", h.handleProjectedFine)

	r.Group(func(r chi.Router) {
		r.Use(h.throttle)
		r.Post("/loans", h.handleCheckout)
		r.Post("/loans/{id}/return", h.handleReturn)
		r.Post("/loans/{id}/renew", h.handleRenew)
		r.Post("/loans/{id}/lost", h.handleLoanLost)
		r.Post("/reservations", h.handleReserve)
		r.Delete("/reservations/{id}", h.handleCancelReservation)
		r.Post("/payments", h.handlePayFine)
		r.Post("/copies", h.handleAddCopy)
		r.Post("/copies/{id}/lost", h.handleCopyLost)
		r.Post("/copies/{id}/maintenance", h.handleCopyMaintenance)
		r.Post("/copies/{id}/restore", h.handleCopyRestore)
	})

	return r
}

func (h *Handler) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CopyID   uuid.UUID  `json:"copy_id"`
		MemberID uuid.UUID  `json:"member_id"`
		StaffID  *uuid.UUID `json:"staff_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.Checkout(r.Context(), req.CopyID, req.MemberID, req.StaffID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Return(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.Renew(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleLoanLost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.MarkLoanLost(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleMemberLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	loans, err := h.service.MemberLoans(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleProjectedFine(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fine, err := h.service.ProjectedFine(r.Context(), id, time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"fine_cents": fine})
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID uuid.UUID  `json:"member_id"`
		BookID   uuid.UUID  `json:"book_id"`
		CopyID   *uuid.UUID `json:"copy_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.Reserve(r.Context(), req.MemberID, req.BookID, req.CopyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.CancelReservation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID    uuid.UUID  `json:"member_id"`
		LoanID      *uuid.UUID `json:"loan_id,omitempty"`
		AmountCents int64      `json:"amount_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p, err := h.service.PayFine(r.Context(), req.MemberID, req.LoanID, req.AmountCents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleAddCopy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CopyID uuid.UUID `json:"copy_id"`
		BookID uuid.UUID `json:"book_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CopyID == uuid.Nil {
		req.CopyID = uuid.New()
	}

	c, err := h.service.AddCopy(r.Context(), req.CopyID, req.BookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleCopyLost(w http.ResponseWriter, r *http.Request) {
	h.copyTransition(w, r, h.service.MarkCopyLost)
}

func (h *Handler) handleCopyMaintenance(w http.ResponseWriter, r *http.Request) {
	h.copyTransition(w, r, h.service.MarkCopyMaintenance)
}

func (h *Handler) handleCopyRestore(w http.ResponseWriter, r *http.Request) {
	h.copyTransition(w, r, h.service.RestoreCopy)
}

func (h *Handler) copyTransition(
	w http.ResponseWriter,
	r *http.Request,
	transition func(ctx context.Context, copyID uuid.UUID) (*Copy, error),
) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := transition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds onto HTTP status codes. Domain errors
// are terminal for the request and must reach the caller, never be
// swallowed.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMemberIneligible):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotBorrowed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrCopyUnavailable),
		errors.Is(err, ErrRenewalNotAllowed),
		errors.Is(err, ErrDuplicateReservation),
		errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
