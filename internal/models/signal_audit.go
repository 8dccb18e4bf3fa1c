package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// SignalAudit is the persisted replay record of one admitted signal,
// accepted or not. Rows are append-only.
type SignalAudit struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// RunID is empty for live trading and the backtest run id otherwise.
	RunID string `gorm:"type:varchar(64);not null;default:'';index:idx_signal_audits_run_seq"`
	Seq   uint64 `gorm:"not null;index:idx_signal_audits_run_seq"`

	ChannelID string `gorm:"type:varchar(64);index"`
	MessageID int64
	RawText   string `gorm:"type:text"`

	Symbol     string  `gorm:"type:varchar(40);index"`
	Direction  string  `gorm:"type:varchar(10)"`
	Confidence float64 `gorm:"type:double precision"`

	Status    string `gorm:"type:varchar(20);not null;index"`
	ErrorKind string `gorm:"type:varchar(80);index"`
	Cause     string `gorm:"type:text"`

	Signal   datatypes.JSON `gorm:"type:jsonb"`
	Plans    datatypes.JSON `gorm:"type:jsonb"`
	Outcomes datatypes.JSON `gorm:"type:jsonb"`

	EquityAfter decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	LedgerSeq   uint64          `gorm:"not null;default:0"`

	ReceivedAt time.Time `gorm:"type:timestamptz;index"`
	RecordedAt time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt  time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (SignalAudit) TableName() string {
	return "signal_audits"
}
