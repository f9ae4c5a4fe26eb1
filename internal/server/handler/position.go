package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
	"github.com/alanyoungcy/legchain/internal/server/middleware"
	"github.com/alanyoungcy/legchain/internal/service"
)

// PositionService is what the position endpoints need.
type PositionService interface {
	Open(ctx context.Context, userID string, legs []service.LegRequest, stake int64) (service.PositionDetail, error)
	Cancel(ctx context.Context, positionID, userID string) (domain.Position, error)
	Get(ctx context.Context, positionID, userID string) (service.PositionDetail, error)
}

// PositionHandler serves the position endpoints. The caller is identified by
// the user id the auth middleware put on the request.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type legRequest struct {
	ConditionID string      `json:"condition_id"`
	TokenID     string      `json:"token_id"`
	Side        domain.Side `json:"side"`
	Question    string      `json:"question"`
	TargetPrice string      `json:"target_price"`
}

type openRequest struct {
	Stake string       `json:"stake"`
	Legs  []legRequest `json:"legs"`
}

// Open creates a position on the chain described by the request legs.
// Amounts are decimal strings ("25.50", "0.42").
// POST /api/positions
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stake, err := money.Parse(req.Stake)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stake: "+err.Error())
		return
	}
	legs := make([]service.LegRequest, len(req.Legs))
	for i, l := range req.Legs {
		price, err := money.Parse(l.TargetPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid target_price: "+err.Error())
			return
		}
		legs[i] = service.LegRequest{
			ConditionID: l.ConditionID,
			TokenID:     l.TokenID,
			Side:        l.Side,
			Question:    l.Question,
			TargetPrice: price,
		}
	}

	detail, err := h.positions.Open(r.Context(), middleware.UserID(r.Context()), legs, stake)
	if err != nil {
		h.fail(w, r, "open", err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

// Get returns one of the caller's positions with its bets.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.positions.Get(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		h.fail(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Cancel cancels one of the caller's positions.
// DELETE /api/positions/{id}
func (h *PositionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Cancel(r.Context(), r.PathValue("id"), middleware.UserID(r.Context()))
	if err != nil {
		h.fail(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *PositionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "position request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
