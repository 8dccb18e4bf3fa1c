package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type BacktestRun struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement"`
	RunID string `gorm:"type:varchar(64);not null;uniqueIndex"`
	Mode  string `gorm:"type:varchar(10);not null"`
	Input string `gorm:"type:text"`

	InitialEquity decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	FinalEquity   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Signals       int             `gorm:"not null;default:0"`
	Trades        int             `gorm:"not null;default:0"`

	Report datatypes.JSON `gorm:"type:jsonb"`
	Limits datatypes.JSON `gorm:"type:jsonb"`

	StartedAt  time.Time `gorm:"type:timestamptz;not null"`
	FinishedAt time.Time `gorm:"type:timestamptz;not null;index"`
	CreatedAt  time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (BacktestRun) TableName() string {
	return "backtest_runs"
}
