package backtest

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
)

// outlierPct drops closes whose channel-reported result is implausible.
var outlierPct = decimal.NewFromInt(100)

// MonthRow sums per-trade results for trades opened in one month. Auto is
// what the ledger realized; manual is what the channel reported.
type MonthRow struct {
	Month        string          `yaml:"month" json:"month"`
	Trades       int             `yaml:"trades" json:"trades"`
	AutoPnLPct   decimal.Decimal `yaml:"auto_pnl_pct" json:"auto_pnl_pct"`
	ManualPnLPct decimal.Decimal `yaml:"manual_pnl_pct" json:"manual_pnl_pct"`
	ManualTrades int             `yaml:"manual_trades" json:"manual_trades"`
	PnL          decimal.Decimal `yaml:"pnl" json:"pnl"`
	Outliers     int             `yaml:"outliers,omitempty" json:"outliers,omitempty"`
}

type Report struct {
	Mode          Mode            `yaml:"mode" json:"mode"`
	InitialEquity decimal.Decimal `yaml:"initial_equity" json:"initial_equity"`
	FinalEquity   decimal.Decimal `yaml:"final_equity" json:"final_equity"`
	OpenPositions int             `yaml:"open_positions" json:"open_positions"`
	Signals       int             `yaml:"signals" json:"signals"`
	Statuses      map[string]int  `yaml:"statuses" json:"statuses"`
	Months        []MonthRow      `yaml:"months" json:"months"`
}

// BuildReport groups realized closes by the month their position was opened.
// Records must be in arrival order.
func BuildReport(mode Mode, initial decimal.Decimal, final domain.AccountState, records []domain.ReplayRecord, trades []ledger.ClosedTrade) Report {
	r := Report{
		Mode:          mode,
		InitialEquity: initial,
		FinalEquity:   final.Equity,
		OpenPositions: len(final.Positions),
		Signals:       len(records),
		Statuses:      map[string]int{},
	}
	byPlan := map[string][]ledger.ClosedTrade{}
	for _, t := range trades {
		byPlan[t.PlanID] = append(byPlan[t.PlanID], t)
	}

	opened := map[string]string{}
	months := map[string]*MonthRow{}
	row := func(month string) *MonthRow {
		m, ok := months[month]
		if !ok {
			m = &MonthRow{Month: month}
			months[month] = m
		}
		return m
	}

	for _, rec := range records {
		r.Statuses[string(rec.Status)]++
		if rec.Signal == nil || !rec.FilledSize().IsPositive() {
			continue
		}
		sig := rec.Signal
		if sig.Opening() {
			if _, ok := opened[sig.Symbol]; !ok {
				opened[sig.Symbol] = sig.SourceTimestamp.UTC().Format("2006-01")
			}
			continue
		}

		var closed []ledger.ClosedTrade
		for _, p := range rec.Plans {
			closed = append(closed, byPlan[p.ID]...)
		}
		if len(closed) == 0 {
			continue
		}
		month, ok := opened[sig.Symbol]
		if !ok {
			month = sig.SourceTimestamp.UTC().Format("2006-01")
		}
		if !positionRemains(rec) {
			delete(opened, sig.Symbol)
		}
		m := row(month)
		if sig.ReportedProfitPct != nil && sig.ReportedProfitPct.GreaterThanOrEqual(outlierPct) {
			m.Outliers++
			continue
		}
		pnl, pct := realized(closed)
		m.Trades++
		m.PnL = m.PnL.Add(pnl)
		m.AutoPnLPct = m.AutoPnLPct.Add(pct)
		if sig.ReportedProfitPct != nil {
			m.ManualTrades++
			m.ManualPnLPct = m.ManualPnLPct.Add(*sig.ReportedProfitPct)
		}
	}

	for _, m := range months {
		r.Months = append(r.Months, *m)
	}
	sort.Slice(r.Months, func(i, j int) bool { return r.Months[i].Month < r.Months[j].Month })
	return r
}

// positionRemains reports whether the close left part of the position open.
func positionRemains(rec domain.ReplayRecord) bool {
	pos, ok := rec.Account.Positions[rec.Symbol()]
	return ok && pos.Size.IsPositive()
}

// realized returns total PnL and the size-weighted percentage of a close
// that may have been split across several fills.
func realized(trades []ledger.ClosedTrade) (decimal.Decimal, decimal.Decimal) {
	pnl := decimal.Zero
	cost := decimal.Zero
	for _, t := range trades {
		pnl = pnl.Add(t.PnL)
		cost = cost.Add(t.Size.Mul(t.EntryPrice))
	}
	if !cost.IsPositive() {
		return pnl, decimal.Zero
	}
	return pnl, pnl.Div(cost).Mul(decimal.NewFromInt(100)).Round(4)
}

// WriteTable prints the monthly auto vs manual comparison.
func (r Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "month\ttrades\tauto %%\tmanual %%\tpnl\t\n")
	autoSum, manualSum, pnlSum, trades := decimal.Zero, decimal.Zero, decimal.Zero, 0
	for _, m := range r.Months {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", m.Month, m.Trades, m.AutoPnLPct.StringFixed(2), m.ManualPnLPct.StringFixed(2), m.PnL.StringFixed(2))
		autoSum = autoSum.Add(m.AutoPnLPct)
		manualSum = manualSum.Add(m.ManualPnLPct)
		pnlSum = pnlSum.Add(m.PnL)
		trades += m.Trades
	}
	fmt.Fprintf(tw, "total\t%d\t%s\t%s\t%s\t\n", trades, autoSum.StringFixed(2), manualSum.StringFixed(2), pnlSum.StringFixed(2))
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "mode=%s equity %s -> %s, open positions %d\n", r.Mode, r.InitialEquity.StringFixed(2), r.FinalEquity.StringFixed(2), r.OpenPositions)
	return err
}

func (r Report) YAML() ([]byte, error) {
	return yaml.Marshal(r)
}
