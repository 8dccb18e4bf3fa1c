package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"signaltrader/internal/domain"
	"signaltrader/internal/models"
	"signaltrader/internal/repository"
)

// AuditRecorder persists every replay record as a signal audit plus its
// fills, and checkpoints the ledger after a record that moved it.
type AuditRecorder struct {
	Repo   repository.Repository
	Store  *LedgerStore
	RunID  string
	Logger *zap.Logger
}

func (r *AuditRecorder) Record(ctx context.Context, rec domain.ReplayRecord) {
	if r == nil || r.Repo == nil {
		return
	}
	audit := AuditFromRecord(rec, r.RunID)
	fills := FillsFromRecord(rec, r.RunID)
	err := r.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := r.Repo.InsertSignalAuditTx(ctx, tx, &audit); err != nil {
			return err
		}
		return r.Repo.InsertTradeFillsTx(ctx, tx, fills)
	})
	if err != nil {
		if r.Logger != nil {
			r.Logger.Error("persist signal audit failed",
				zap.Uint64("index", rec.Index),
				zap.String("symbol", rec.Symbol()),
				zap.Error(err),
			)
		}
		return
	}
	if len(fills) > 0 && r.Store != nil {
		if err := r.Store.Checkpoint(ctx, "settlement"); err != nil && r.Logger != nil {
			r.Logger.Warn("ledger checkpoint failed", zap.Error(err))
		}
	}
}

func AuditFromRecord(rec domain.ReplayRecord, runID string) models.SignalAudit {
	a := models.SignalAudit{
		RunID:       runID,
		Seq:         rec.Index,
		ChannelID:   rec.Raw.ChannelID,
		MessageID:   rec.Raw.MessageID,
		RawText:     rec.Raw.Text,
		Status:      string(rec.Status),
		ErrorKind:   rec.ErrorKind,
		Cause:       rec.Cause,
		Plans:       jsonOrNil(rec.Plans),
		Outcomes:    jsonOrNil(rec.Outcomes),
		EquityAfter: rec.Account.Equity,
		LedgerSeq:   rec.Account.Sequence,
		ReceivedAt:  rec.Raw.Timestamp,
		RecordedAt:  rec.At,
	}
	if rec.Signal != nil {
		a.Symbol = rec.Signal.Symbol
		a.Direction = string(rec.Signal.Direction)
		a.Confidence = rec.Signal.Confidence
		a.Signal = jsonOrNil(rec.Signal)
		if a.ChannelID == "" {
			a.ChannelID = rec.Signal.ChannelID
		}
	}
	return a
}

func FillsFromRecord(rec domain.ReplayRecord, runID string) []models.TradeFill {
	plans := make(map[string]domain.OrderPlan, len(rec.Plans))
	for _, p := range rec.Plans {
		plans[p.ID] = p
	}
	var out []models.TradeFill
	for _, o := range rec.Outcomes {
		if !o.Status.HasFill() || o.FillID == "" || !o.FilledSize.IsPositive() {
			continue
		}
		p := plans[o.PlanID]
		out = append(out, models.TradeFill{
			FillID:       o.FillID,
			RunID:        runID,
			AuditSeq:     rec.Index,
			PlanID:       o.PlanID,
			ParentPlanID: p.ParentID,
			Round:        p.Round,
			Symbol:       o.Symbol,
			Side:         string(o.Side),
			Closing:      o.Closing,
			Status:       string(o.Status),
			FilledSize:   o.FilledSize,
			FilledPrice:  o.FilledPrice,
			Fee:          o.Fee,
			ExchangeRef:  o.ExchangeRef,
			FilledAt:     o.At,
		})
	}
	return out
}

func jsonOrNil(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return nil
	}
	return datatypes.JSON(raw)
}
