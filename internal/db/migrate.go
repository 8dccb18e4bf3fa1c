package db

import (
	"signaltrader/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.SignalAudit{},
		&models.TradeFill{},
		&models.LedgerCheckpoint{},
		&models.BacktestRun{},
		&models.SystemSetting{},
	)
}
