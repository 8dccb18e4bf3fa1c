package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// LedgerCheckpoint is a full ledger snapshot used to recover after restart.
type LedgerCheckpoint struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	Sequence uint64 `gorm:"not null;index"`

	Equity          decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AvailableMargin decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	// Positions holds the symbol -> position map; SeenFills the settled
	// fill ids, so replays after recovery stay idempotent.
	Positions datatypes.JSON `gorm:"type:jsonb;not null"`
	SeenFills datatypes.JSON `gorm:"type:jsonb;not null"`

	Reason    string    `gorm:"type:varchar(60)"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (LedgerCheckpoint) TableName() string {
	return "ledger_checkpoints"
}
