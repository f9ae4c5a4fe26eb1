package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/legchain/internal/domain"
	"github.com/alanyoungcy/legchain/internal/money"
)

// ErrInvalidStake is returned when a stake or target price is out of range.
var ErrInvalidStake = errors.New("invalid stake")

const cancelRetries = 3

// LegRequest is one leg of a chain a user wants to join, with the price the
// user expects to pay for it.
type LegRequest struct {
	ConditionID string
	TokenID     string
	Side        domain.Side
	Question    string
	TargetPrice int64
}

// PositionDetail is a position with its bets in leg order.
type PositionDetail struct {
	Position domain.Position `json:"position"`
	Bets     []domain.Bet    `json:"bets"`
}

// PositionService opens and cancels positions. Everything after opening is
// driven by the settlement handlers reacting to store changes.
type PositionService struct {
	positions domain.PositionStore
	bets      domain.BetStore
	audit     domain.AuditStore
	minStake  int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionService creates a PositionService. audit may be nil.
func NewPositionService(positions domain.PositionStore, bets domain.BetStore, audit domain.AuditStore, minStake int64, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		bets:      bets,
		audit:     audit,
		minStake:  minStake,
		logger:    logger.With(slog.String("component", "position_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open joins userID to the chain described by legs with the given stake. The
// chain is created on first use. Every leg gets a pre-allocated bet: the
// first is READY, which starts execution, and the rest are QUEUED.
func (s *PositionService) Open(ctx context.Context, userID string, legs []LegRequest, stake int64) (PositionDetail, error) {
	if strings.TrimSpace(userID) == "" {
		return PositionDetail{}, fmt.Errorf("position_service: %w: user id required", domain.ErrUnauthorized)
	}
	if stake <= 0 || stake < s.minStake {
		return PositionDetail{}, fmt.Errorf("position_service: %w: stake %s below minimum %s",
			ErrInvalidStake, money.Format(stake), money.Format(s.minStake))
	}

	chainLegs := make([]domain.Leg, len(legs))
	targets := make(map[int]int64, len(legs))
	for i, l := range legs {
		if l.TargetPrice <= 0 || l.TargetPrice >= money.Scale {
			return PositionDetail{}, fmt.Errorf("position_service: %w: leg %d target price %s outside (0, 1)",
				ErrInvalidStake, i+1, money.Format(l.TargetPrice))
		}
		chainLegs[i] = domain.Leg{
			Sequence:    i + 1,
			ConditionID: strings.ToLower(l.ConditionID),
			TokenID:     l.TokenID,
			Side:        l.Side,
			Question:    l.Question,
		}
		targets[i+1] = l.TargetPrice
	}
	chain, err := domain.NewChain(chainLegs)
	if err != nil {
		return PositionDetail{}, fmt.Errorf("position_service: %w", err)
	}

	now := s.now()
	pos := domain.Position{
		ID:                 uuid.NewString(),
		ChainID:            chain.ID,
		UserID:             userID,
		InitialStake:       stake,
		CurrentValue:       stake,
		CurrentLegSequence: 1,
		Status:             domain.PositionStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	bets := make([]domain.Bet, len(chain.Legs))
	for i, leg := range chain.Legs {
		bet := domain.Bet{
			ID:          uuid.NewString(),
			PositionID:  pos.ID,
			ChainID:     chain.ID,
			Sequence:    leg.Sequence,
			ConditionID: leg.ConditionID,
			TokenID:     leg.TokenID,
			Side:        leg.Side,
			TargetPrice: targets[leg.Sequence],
			Status:      domain.BetStatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if leg.Sequence == 1 {
			bet.Status = domain.BetStatusReady
			bet.RequestedStake = stake
		}
		bets[i] = bet
	}

	if err := s.positions.Open(ctx, chain, pos, bets); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return PositionDetail{}, fmt.Errorf("position_service: user %s already holds chain %s: %w", userID, chain.ID, err)
		}
		return PositionDetail{}, fmt.Errorf("position_service: open: %w", err)
	}

	s.auditLog(ctx, "position.open", map[string]any{
		"position_id": pos.ID,
		"chain_id":    chain.ID,
		"user_id":     userID,
		"stake":       money.Format(stake),
		"legs":        len(chain.Legs),
	})
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("chain_id", chain.ID),
		slog.String("user_id", userID),
		slog.String("stake", money.Format(stake)),
		slog.Int("legs", len(chain.Legs)),
	)
	return PositionDetail{Position: pos, Bets: bets}, nil
}

// Cancel moves the caller's own position to CANCELLED. Cancelling a position
// that is already CANCELLED succeeds; any other terminal status is an
// invalid transition. Cleanup happens in the termination handler.
func (s *PositionService) Cancel(ctx context.Context, positionID, userID string) (domain.Position, error) {
	for attempt := 1; ; attempt++ {
		pos, err := s.positions.GetByID(ctx, positionID)
		if err != nil {
			return domain.Position{}, fmt.Errorf("position_service: get %s: %w", positionID, err)
		}
		if pos.UserID != userID {
			return domain.Position{}, fmt.Errorf("position_service: cancel %s: %w", positionID, domain.ErrUnauthorized)
		}
		if pos.Status == domain.PositionStatusCancelled {
			return pos, nil
		}

		expect := pos.Status
		if err := pos.Transition(domain.PositionStatusCancelled, s.now()); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: cancel: %w", err)
		}
		pos.FailureReason = "cancelled by owner"

		err = s.positions.Update(ctx, pos, expect)
		if err == nil {
			s.auditLog(ctx, "position.cancel", map[string]any{
				"position_id": pos.ID,
				"user_id":     userID,
				"from":        string(expect),
			})
			s.logger.InfoContext(ctx, "position cancelled by owner",
				slog.String("position_id", pos.ID),
				slog.String("from", string(expect)),
			)
			return pos, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == cancelRetries {
			return domain.Position{}, fmt.Errorf("position_service: cancel %s: %w", positionID, err)
		}
	}
}

// Get returns a position with its bets. Only the owner may read it.
func (s *PositionService) Get(ctx context.Context, positionID, userID string) (PositionDetail, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return PositionDetail{}, fmt.Errorf("position_service: get %s: %w", positionID, err)
	}
	if userID != "" && pos.UserID != userID {
		return PositionDetail{}, fmt.Errorf("position_service: get %s: %w", positionID, domain.ErrNotFound)
	}
	bets, err := s.bets.ListByPosition(ctx, positionID)
	if err != nil {
		return PositionDetail{}, fmt.Errorf("position_service: list bets of %s: %w", positionID, err)
	}
	return PositionDetail{Position: pos, Bets: bets}, nil
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
