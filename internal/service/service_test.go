package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaltrader/internal/config"
	"signaltrader/internal/db"
	"signaltrader/internal/domain"
	"signaltrader/internal/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/repository"
	gormrepository "signaltrader/internal/repository/gorm"
	"signaltrader/internal/risk"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newRepo(t *testing.T) repository.Repository {
	t.Helper()
	conn, err := db.Open(config.DBConfig{Driver: "sqlite"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.AutoMigrate(conn))
	return gormrepository.New(conn.Gorm)
}

func openBTC(l *ledger.Ledger, fillID string) domain.ExecutionOutcome {
	o := domain.ExecutionOutcome{
		PlanID:      "plan-" + fillID,
		FillID:      fillID,
		Symbol:      "BTCUSDT",
		Side:        domain.SideBuy,
		Status:      domain.StatusFilled,
		FilledSize:  d("0.002"),
		FilledPrice: d("50000"),
		Fee:         decimal.Zero,
		Leverage:    decimal.NewFromInt(1),
		SnapshotSeq: l.Sequence(),
		At:          time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC),
	}
	return o
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func TestSystemSettings_LimitsOverlay(t *testing.T) {
	ctx := t.Context()
	svc := &SystemSettingsService{Repo: newRepo(t)}
	require.NoError(t, svc.EnsureDefaults(ctx))

	base := risk.Limits{
		MaxRiskFractionPerTrade: d("0.1"),
		MaxConcurrentPositions:  5,
		MaxEntryPrice:           decimal.Zero,
	}
	lim := svc.Limits(ctx, base)
	assert.False(t, lim.TradingDisabled)
	assert.Equal(t, 5, lim.MaxConcurrentPositions)

	require.NoError(t, svc.Set(ctx, SettingTradingEnabled, json.RawMessage(`false`)))
	require.NoError(t, svc.Set(ctx, SettingPriceLimit, json.RawMessage(`60000`)))
	require.NoError(t, svc.Set(ctx, SettingMaxPositions, json.RawMessage(`1`)))
	require.NoError(t, svc.Set(ctx, SettingCapitalBase, json.RawMessage(`"2500.5"`)))

	lim = svc.LimitsFunc(base)(ctx)
	assert.True(t, lim.TradingDisabled)
	assert.True(t, lim.MaxEntryPrice.Equal(d("60000")))
	assert.True(t, lim.CapitalBase.Equal(d("2500.5")))
	assert.Equal(t, 1, lim.MaxConcurrentPositions)
	assert.True(t, lim.MaxRiskFractionPerTrade.Equal(d("0.1")))

	// EnsureDefaults never flips an operator's choice back.
	require.NoError(t, svc.EnsureDefaults(ctx))
	assert.False(t, svc.IsEnabled(ctx, SettingTradingEnabled, true))
}

func TestSystemSettings_SetValidates(t *testing.T) {
	ctx := t.Context()
	svc := &SystemSettingsService{Repo: newRepo(t)}

	assert.Error(t, svc.Set(ctx, "nope", json.RawMessage(`1`)))
	assert.Error(t, svc.Set(ctx, SettingTradingEnabled, json.RawMessage(`"yes"`)))
	assert.Error(t, svc.Set(ctx, SettingMaxPositions, json.RawMessage(`-1`)))
	assert.Error(t, svc.Set(ctx, SettingMaxPositions, json.RawMessage(`1.5`)))
	assert.Error(t, svc.Set(ctx, SettingPriceLimit, json.RawMessage(`-5`)))

	_, ok := svc.Number(ctx, SettingPriceLimit)
	assert.False(t, ok)
	assert.Equal(t, []string{SettingCapitalBase, SettingMaxPositions, SettingPriceLimit, SettingTradingEnabled}, KnownSettingKeys())
}

func TestAuditRecorder_PersistsRecordAndFills(t *testing.T) {
	ctx := t.Context()
	repo := newRepo(t)
	l := ledger.New(d("1000"))
	out := openBTC(l, "fill-1")
	st, err := l.ApplyOutcome(out)
	require.NoError(t, err)

	store := &LedgerStore{Repo: repo, Ledger: l, Keep: 3}
	rec := &AuditRecorder{Repo: repo, Store: store}

	sig := &domain.TradeSignal{Symbol: "BTCUSDT", Direction: domain.DirectionLong, Confidence: 0.9, PriceHint: d("50000")}
	plan := domain.OrderPlan{ID: out.PlanID, Round: 1, Symbol: "BTCUSDT", Side: domain.SideBuy, Size: d("0.002")}
	record := domain.ReplayRecord{
		Index:    7,
		Raw:      domain.RawSignal{Text: "BTCUSDT long 50000", ChannelID: "-100", MessageID: 42, Timestamp: out.At},
		Signal:   sig,
		Plans:    []domain.OrderPlan{plan},
		Outcomes: []domain.ExecutionOutcome{out},
		Status:   domain.RecordAccepted,
		Account:  st,
		At:       out.At.Add(time.Second),
	}
	rec.Record(ctx, record)
	// A redelivered record keeps a single fill row.
	rec.Record(ctx, record)

	audits, err := repo.ListSignalAudits(ctx, repository.ListSignalAuditsParams{Symbol: strPtr("BTCUSDT")})
	require.NoError(t, err)
	require.Len(t, audits, 2)
	a := audits[0]
	assert.Equal(t, uint64(7), a.Seq)
	assert.Equal(t, "accepted", a.Status)
	assert.Equal(t, "long", a.Direction)
	assert.Equal(t, int64(42), a.MessageID)
	assert.True(t, a.EquityAfter.Equal(d("1000")))
	var plans []domain.OrderPlan
	require.NoError(t, json.Unmarshal(a.Plans, &plans))
	require.Len(t, plans, 1)
	assert.True(t, plans[0].Size.Equal(d("0.002")))

	fills, err := repo.ListTradeFills(ctx, repository.ListTradeFillsParams{})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, uint64(7), fills[0].AuditSeq)
	assert.Equal(t, 1, fills[0].Round)

	cp, err := repo.LatestLedgerCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, st.Sequence, cp.Sequence)
	assert.Equal(t, "settlement", cp.Reason)
}

func TestAuditRecorder_RejectedRecordHasNoFills(t *testing.T) {
	ctx := t.Context()
	repo := newRepo(t)
	rec := &AuditRecorder{Repo: repo, RunID: "bt-1"}
	rec.Record(ctx, domain.ReplayRecord{
		Index:     0,
		Raw:       domain.RawSignal{Text: "???", ChannelID: "-100"},
		Status:    domain.RecordRejected,
		ErrorKind: "parse.malformed",
		Cause:     "parse: malformed",
		At:        time.Now().UTC(),
	})
	audits, err := repo.ListSignalAudits(ctx, repository.ListSignalAuditsParams{RunID: strPtr("bt-1")})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "parse.malformed", audits[0].ErrorKind)
	assert.Empty(t, audits[0].Symbol)
	assert.Empty(t, audits[0].Signal)

	fills, err := repo.ListTradeFills(ctx, repository.ListTradeFillsParams{})
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestLedgerStore_CheckpointAndRecover(t *testing.T) {
	ctx := t.Context()
	repo := newRepo(t)
	l := ledger.New(d("1000"))
	_, err := l.ApplyOutcome(openBTC(l, "fill-1"))
	require.NoError(t, err)

	store := &LedgerStore{Repo: repo, Ledger: l, Keep: 2}
	require.NoError(t, store.Checkpoint(ctx, "cron"))
	// Unchanged state writes nothing new.
	require.NoError(t, store.Checkpoint(ctx, "cron"))

	restored := ledger.New(d("1"))
	ok, err := (&LedgerStore{Repo: repo, Ledger: restored}).Recover(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	st := restored.Snapshot()
	assert.Equal(t, l.Sequence(), st.Sequence)
	assert.True(t, st.Equity.Equal(d("1000")))
	assert.True(t, st.AvailableMargin.Equal(d("900")))
	pos, found := st.Position("BTCUSDT")
	require.True(t, found)
	assert.True(t, pos.Size.Equal(d("0.002")))
	assert.True(t, restored.SeenFill("fill-1"))

	// A redelivered fill after recovery does not double the position.
	again, err := restored.ApplyOutcome(openBTC(restored, "fill-1"))
	require.NoError(t, err)
	assert.True(t, again.Positions["BTCUSDT"].Size.Equal(d("0.002")))
}

func TestLedgerStore_RecoverWithoutCheckpoint(t *testing.T) {
	l := ledger.New(d("500"))
	ok, err := (&LedgerStore{Repo: newRepo(t), Ledger: l}).Recover(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Snapshot().Equity.Equal(d("500")))
}

type venue struct {
	balance   exchange.Balance
	positions map[string]*domain.Position
}

func (v *venue) GetBalance(context.Context) (exchange.Balance, error) { return v.balance, nil }

func (v *venue) PlaceOrder(context.Context, exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, exchange.ErrRejected
}

func (v *venue) LookupOrder(context.Context, string, string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, exchange.ErrNotFound
}

func (v *venue) CancelOrder(context.Context, string, string) error { return exchange.ErrNotFound }

func (v *venue) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	return v.positions[symbol], nil
}

func TestBalanceSync(t *testing.T) {
	l := ledger.New(d("1000"))
	_, err := l.ApplyOutcome(openBTC(l, "fill-1"))
	require.NoError(t, err)
	held := l.Snapshot().Positions["BTCUSDT"]

	t.Run("within tolerance", func(t *testing.T) {
		n := &notes{}
		v := &venue{balance: exchange.Balance{Equity: d("1000.4")}, positions: map[string]*domain.Position{"BTCUSDT": &held}}
		s := &BalanceSync{Exchange: v, Ledger: l, Notifier: n, Tolerance: d("0.5")}
		require.NoError(t, s.Run(t.Context()))
		assert.Empty(t, n.all())
		assert.True(t, l.Snapshot().Equity.Equal(d("1000")))
	})

	t.Run("drift reported", func(t *testing.T) {
		n := &notes{}
		v := &venue{balance: exchange.Balance{Equity: d("1020")}, positions: map[string]*domain.Position{"BTCUSDT": &held}}
		s := &BalanceSync{Exchange: v, Ledger: l, Notifier: n, Tolerance: d("0.5")}
		require.NoError(t, s.Run(t.Context()))
		require.Len(t, n.all(), 1)
		assert.Contains(t, n.all()[0], "equity drift 20")
		assert.True(t, l.Snapshot().Equity.Equal(d("1000")))
	})

	t.Run("drift adopted", func(t *testing.T) {
		n := &notes{}
		v := &venue{balance: exchange.Balance{Equity: d("1020")}, positions: map[string]*domain.Position{"BTCUSDT": &held}}
		s := &BalanceSync{Exchange: v, Ledger: l, Notifier: n, Tolerance: d("0.5"), Adopt: true}
		require.NoError(t, s.Run(t.Context()))
		st := l.Snapshot()
		assert.True(t, st.Equity.Equal(d("1020")))
		assert.True(t, st.AvailableMargin.Equal(d("920")))
		require.NoError(t, st.CheckInvariant())
	})

	t.Run("missing position", func(t *testing.T) {
		n := &notes{}
		v := &venue{balance: exchange.Balance{Equity: l.Snapshot().Equity}}
		s := &BalanceSync{Exchange: v, Ledger: l, Notifier: n}
		rep, err := s.Check(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT"}, rep.PositionMismatches)
		require.NoError(t, s.Run(t.Context()))
		require.Len(t, n.all(), 1)
		assert.Contains(t, n.all()[0], "position mismatch: BTCUSDT")
	})

	t.Run("exchange-only position", func(t *testing.T) {
		stray := domain.Position{Symbol: "ETHUSDT", Side: domain.PositionLong, Size: d("0.5")}
		v := &venue{
			balance:   exchange.Balance{Equity: l.Snapshot().Equity},
			positions: map[string]*domain.Position{"BTCUSDT": &held, "ETHUSDT": &stray},
		}
		s := &BalanceSync{Exchange: v, Ledger: l, Watch: func() []string { return []string{"SOLUSDT", "ETHUSDT", "BTCUSDT"} }}
		rep, err := s.Check(t.Context())
		require.NoError(t, err)
		assert.Equal(t, []string{"ETHUSDT"}, rep.PositionMismatches)
	})
}

func strPtr(v string) *string { return &v }
