package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeFill is one exchange fill as settled into the ledger.
type TradeFill struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	FillID string `gorm:"type:varchar(120);not null;uniqueIndex"`

	RunID        string `gorm:"type:varchar(64);not null;default:'';index"`
	AuditSeq     uint64 `gorm:"not null;index"`
	PlanID       string `gorm:"type:varchar(64);not null;index"`
	ParentPlanID string `gorm:"type:varchar(64)"`
	Round        int    `gorm:"not null;default:0"`

	Symbol  string `gorm:"type:varchar(40);not null;index"`
	Side    string `gorm:"type:varchar(10);not null"`
	Closing bool   `gorm:"not null;default:false"`
	Status  string `gorm:"type:varchar(20);not null"`

	FilledSize  decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	FilledPrice decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Fee         decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	ExchangeRef string          `gorm:"type:varchar(120)"`

	FilledAt  time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (TradeFill) TableName() string {
	return "trade_fills"
}
