package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
	"signaltrader/internal/models"
	"signaltrader/internal/repository"
)

// LedgerStore checkpoints the ledger and restores it at startup.
type LedgerStore struct {
	Repo   repository.Repository
	Ledger *ledger.Ledger
	Logger *zap.Logger
	// Keep bounds how many checkpoints are retained; zero keeps all.
	Keep int

	mu      sync.Mutex
	lastSeq uint64
	saved   bool
}

// Checkpoint stores the current ledger state unless it is unchanged since
// the last checkpoint.
func (s *LedgerStore) Checkpoint(ctx context.Context, reason string) error {
	if s == nil || s.Repo == nil || s.Ledger == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, seen := s.Ledger.Checkpoint()
	if s.saved && st.Sequence == s.lastSeq {
		return nil
	}
	positions, err := json.Marshal(st.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	fills, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	item := &models.LedgerCheckpoint{
		Sequence:        st.Sequence,
		Equity:          st.Equity,
		AvailableMargin: st.AvailableMargin,
		Positions:       datatypes.JSON(positions),
		SeenFills:       datatypes.JSON(fills),
		Reason:          reason,
	}
	if err := s.Repo.InsertLedgerCheckpoint(ctx, item); err != nil {
		return err
	}
	s.lastSeq, s.saved = st.Sequence, true
	if s.Keep > 0 {
		if _, err := s.Repo.PruneLedgerCheckpoints(ctx, s.Keep); err != nil && s.Logger != nil {
			s.Logger.Warn("prune ledger checkpoints failed", zap.Error(err))
		}
	}
	return nil
}

// Recover restores the newest checkpoint. It reports false when there is
// none and the ledger keeps its initial state.
func (s *LedgerStore) Recover(ctx context.Context) (bool, error) {
	if s == nil || s.Repo == nil || s.Ledger == nil {
		return false, nil
	}
	cp, err := s.Repo.LatestLedgerCheckpoint(ctx)
	if err != nil {
		return false, fmt.Errorf("load ledger checkpoint: %w", err)
	}
	if cp == nil {
		return false, nil
	}
	st := domain.AccountState{
		Equity:          cp.Equity,
		AvailableMargin: cp.AvailableMargin,
		Positions:       map[string]domain.Position{},
		Sequence:        cp.Sequence,
	}
	if len(cp.Positions) > 0 {
		if err := json.Unmarshal(cp.Positions, &st.Positions); err != nil {
			return false, fmt.Errorf("decode checkpoint positions: %w", err)
		}
	}
	var fills []string
	if len(cp.SeenFills) > 0 {
		if err := json.Unmarshal(cp.SeenFills, &fills); err != nil {
			return false, fmt.Errorf("decode checkpoint fills: %w", err)
		}
	}
	if err := s.Ledger.Restore(st, fills); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.lastSeq, s.saved = st.Sequence, true
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Info("ledger recovered",
			zap.Uint64("seq", st.Sequence),
			zap.String("equity", st.Equity.String()),
			zap.Int("positions", len(st.Positions)),
			zap.Int("fills", len(fills)),
		)
	}
	return true, nil
}
