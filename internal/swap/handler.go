// internal/swap/handler.go
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bookswap/internal/auth"
)

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes returns the swap request routes. Callers mount it behind the
// authentication middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/history", h.handleHistory)
		r.Post("/accept", h.handleAccept)
		r.Post("/counter-offer", h.handleCounterOffer)
		r.Post("/cancel", h.handleCancel)
		r.Post("/complete", h.handleComplete)
	})
	return r
}

type createRequest struct {
	RequestedItemID string `json:"requested_item_id" validate:"required,uuid"`
	OfferedItemID   string `json:"offered_item_id" validate:"required,uuid"`
	Message         string `json:"message" validate:"max=1000"`
}

type counterOfferRequest struct {
	CounterItemID string `json:"counter_item_id" validate:"required,uuid"`
}

type completeRequest struct {
	Rating   int    `json:"rating" validate:"required,min=1,max=5"`
	Feedback string `json:"feedback" validate:"max=2000"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.CreateSwapRequest(r.Context(),
		uuid.MustParse(req.RequestedItemID), actorID, uuid.MustParse(req.OfferedItemID), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	found, err := h.service.GetSwapRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.target(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.AcceptSwapRequest(r.Context(), id, actorID))
}

func (h *Handler) handleCounterOffer(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req counterOfferRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r)(h.service.MakeCounterOffer(r.Context(), id, actorID, uuid.MustParse(req.CounterItemID)))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.target(w, r)
	if !ok {
		return
	}
	h.respond(w, r)(h.service.CancelSwapRequest(r.Context(), id, actorID))
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r)(h.service.CompleteSwapRequest(r.Context(), id, actorID, req.Rating, req.Feedback))
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(*SwapRequest, error) {
	return func(updated *SwapRequest, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	actorID, ok := auth.ActorFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing actor", Kind: "unauthenticated"})
		return uuid.Nil, false
	}
	return actorID, true
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid swap request ID", Kind: "validation"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, ok := h.requestID(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return id, actorID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body", Kind: "validation"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "validation"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "swap request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorResponse{Error: "internal error, re-read the swap request before retrying", Kind: "internal"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: reasonLabel(err)})
}

// StatusCode maps a service error to the HTTP status the API reports.
func StatusCode(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnauthorized:
		return http.StatusForbidden
	case ErrInvalidTransition, ErrValidation, ErrSelfSwap, ErrItemUnavailable, ErrMissingOffer, ErrIdenticalItems:
		return http.StatusBadRequest
	case ErrItemConflict, ErrOwnershipChanged:
		return http.StatusConflict
	case ErrRateLimited:
		return http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
