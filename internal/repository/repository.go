package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"signaltrader/internal/models"
)

// Repository is the persistence surface of the trading engine: append-only
// audits and fills, ledger checkpoints, backtest runs and system settings.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// audits
	InsertSignalAuditTx(ctx context.Context, tx *gorm.DB, item *models.SignalAudit) error
	ListSignalAudits(ctx context.Context, params ListSignalAuditsParams) ([]models.SignalAudit, error)
	CountSignalAudits(ctx context.Context, params ListSignalAuditsParams) (int64, error)

	// fills
	InsertTradeFillsTx(ctx context.Context, tx *gorm.DB, items []models.TradeFill) error
	ListTradeFills(ctx context.Context, params ListTradeFillsParams) ([]models.TradeFill, error)

	// ledger recovery
	InsertLedgerCheckpoint(ctx context.Context, item *models.LedgerCheckpoint) error
	LatestLedgerCheckpoint(ctx context.Context) (*models.LedgerCheckpoint, error)
	PruneLedgerCheckpoints(ctx context.Context, keep int) (int64, error)

	// backtests
	InsertBacktestRun(ctx context.Context, item *models.BacktestRun) error
	ListBacktestRuns(ctx context.Context, limit int) ([]models.BacktestRun, error)

	// system settings
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	ListSystemSettings(ctx context.Context, params ListSystemSettingsParams) ([]models.SystemSetting, error)
	CountSystemSettings(ctx context.Context, params ListSystemSettingsParams) (int64, error)
}

type ListSignalAuditsParams struct {
	Limit     int
	Offset    int
	RunID     *string
	Symbol    *string
	Status    *string
	ErrorKind *string
	Since     *time.Time
	Until     *time.Time
	OrderBy   string
	Asc       *bool
}

type ListTradeFillsParams struct {
	Limit   int
	Offset  int
	RunID   *string
	Symbol  *string
	Since   *time.Time
	OrderBy string
	Asc     *bool
}

type ListSystemSettingsParams struct {
	Limit   int
	Offset  int
	Prefix  *string
	OrderBy string
	Asc     *bool
}
