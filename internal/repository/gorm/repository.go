package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signaltrader/internal/models"
	"signaltrader/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ repository.Repository = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// --- audits ------------------------------------------------------------------

func (s *Store) InsertSignalAuditTx(ctx context.Context, tx *gorm.DB, item *models.SignalAudit) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Create(item).Error
}

func (s *Store) ListSignalAudits(ctx context.Context, params repository.ListSignalAuditsParams) ([]models.SignalAudit, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := auditFilter(s.db.WithContext(ctx).Model(&models.SignalAudit{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "id")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.SignalAudit
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSignalAudits(ctx context.Context, params repository.ListSignalAuditsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := auditFilter(s.db.WithContext(ctx).Model(&models.SignalAudit{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func auditFilter(query *gorm.DB, params repository.ListSignalAuditsParams) *gorm.DB {
	if params.RunID != nil {
		query = query.Where("run_id = ?", strings.TrimSpace(*params.RunID))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(*params.Symbol)))
	}
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.ErrorKind != nil && strings.TrimSpace(*params.ErrorKind) != "" {
		query = query.Where("error_kind LIKE ?", strings.TrimSpace(*params.ErrorKind)+"%")
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("recorded_at >= ?", params.Since.UTC())
	}
	if params.Until != nil && !params.Until.IsZero() {
		query = query.Where("recorded_at <= ?", params.Until.UTC())
	}
	return query
}

// --- fills -------------------------------------------------------------------

// InsertTradeFillsTx ignores fills already stored; fill ids are unique.
func (s *Store) InsertTradeFillsTx(ctx context.Context, tx *gorm.DB, items []models.TradeFill) error {
	if s == nil || s.db == nil || len(items) == 0 {
		return nil
	}
	return s.conn(ctx, tx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fill_id"}},
		DoNothing: true,
	}).Create(&items).Error
}

func (s *Store) ListTradeFills(ctx context.Context, params repository.ListTradeFillsParams) ([]models.TradeFill, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.TradeFill{})
	if params.RunID != nil {
		query = query.Where("run_id = ?", strings.TrimSpace(*params.RunID))
	}
	if params.Symbol != nil && strings.TrimSpace(*params.Symbol) != "" {
		query = query.Where("symbol = ?", strings.ToUpper(strings.TrimSpace(*params.Symbol)))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("filled_at >= ?", params.Since.UTC())
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "filled_at")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.TradeFill
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- ledger checkpoints --------------------------------------------------------

func (s *Store) InsertLedgerCheckpoint(ctx context.Context, item *models.LedgerCheckpoint) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) LatestLedgerCheckpoint(ctx context.Context) (*models.LedgerCheckpoint, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.LedgerCheckpoint
	err := s.db.WithContext(ctx).Model(&models.LedgerCheckpoint{}).
		Order("sequence desc").Order("id desc").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// PruneLedgerCheckpoints keeps the newest keep checkpoints.
func (s *Store) PruneLedgerCheckpoints(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil || keep <= 0 {
		return 0, nil
	}
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&models.LedgerCheckpoint{}).
		Order("id desc").Limit(keep).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) < keep {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id NOT IN ?", ids).Delete(&models.LedgerCheckpoint{})
	return res.RowsAffected, res.Error
}

// --- backtests -----------------------------------------------------------------

func (s *Store) InsertBacktestRun(ctx context.Context, item *models.BacktestRun) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) ListBacktestRuns(ctx context.Context, limit int) ([]models.BacktestRun, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.BacktestRun
	if err := s.db.WithContext(ctx).Model(&models.BacktestRun{}).
		Order("finished_at desc").Limit(normalizeLimit(limit, 50)).
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- system settings -------------------------------------------------------------

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"value",
			"description",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Model(&models.SystemSetting{}).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := settingsFilter(s.db.WithContext(ctx).Model(&models.SystemSetting{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "key")
	limit := normalizeLimit(params.Limit, 500)
	offset := normalizeOffset(params.Offset)
	var items []models.SystemSetting
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSystemSettings(ctx context.Context, params repository.ListSystemSettingsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	if err := settingsFilter(s.db.WithContext(ctx).Model(&models.SystemSetting{}), params).Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func settingsFilter(query *gorm.DB, params repository.ListSystemSettingsParams) *gorm.DB {
	if params.Prefix != nil && strings.TrimSpace(*params.Prefix) != "" {
		query = query.Where("key LIKE ?", strings.TrimSpace(*params.Prefix)+"%")
	}
	return query
}

// --- helpers -------------------------------------------------------------------

var orderColumns = map[string]struct{}{
	"id": {}, "seq": {}, "symbol": {}, "status": {}, "recorded_at": {}, "received_at": {},
	"filled_at": {}, "key": {}, "updated_at": {}, "finished_at": {},
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if _, ok := orderColumns[column]; !ok {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
