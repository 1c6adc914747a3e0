package sweep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"factorlab/internal/engine"
	"factorlab/internal/portfolio"
	"factorlab/internal/store"
	"factorlab/internal/strategy"
)

// ConfigKey identifies a configuration by the hash of its JSON encoding.
// Equal configurations share a key whatever their position in a grid.
func ConfigKey(cfg strategy.RunConfig) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config %s: %w", cfg.DisplayName(), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:12]), nil
}

// Records converts a run result into its stored form.
func Records(sweepID string, res *engine.Result) (store.RunRecord, []store.TradeRow, []store.EquityRow, error) {
	cfg, err := json.Marshal(res.Config)
	if err != nil {
		return store.RunRecord{}, nil, nil, fmt.Errorf("encoding config of run %s: %w", res.ID, err)
	}
	m := res.Metrics
	run := store.RunRecord{
		ID:               res.ID,
		SweepID:          sweepID,
		Name:             res.Config.DisplayName(),
		Status:           string(res.Status),
		Error:            res.Error,
		ConfigJSON:       string(cfg),
		StartDate:        res.Start,
		EndDate:          res.End,
		FinishedAt:       time.Now().UTC(),
		FinalEquity:      m.FinalEquity,
		TotalReturn:      m.TotalReturn,
		AnnualizedReturn: m.AnnualizedReturn,
		Sharpe:           m.Sharpe,
		MaxDrawdown:      m.MaxDrawdown,
		WinRate:          m.WinRate,
		ProfitFactor:     m.ProfitFactor,
		Trades:           m.Trades,
	}

	trades := make([]store.TradeRow, len(res.Trades))
	for i, t := range res.Trades {
		trades[i] = store.TradeRow{
			Seq:         t.Seq,
			Symbol:      t.Symbol,
			Action:      string(t.Action),
			Date:        t.Date,
			Price:       t.Price,
			Shares:      t.Shares,
			CashDelta:   t.CashDelta.String(),
			RealizedPnL: t.RealizedPnL,
			ReturnPct:   t.ReturnPct,
			HoldingDays: t.HoldingDays,
			Reason:      t.Reason,
		}
	}
	equity := make([]store.EquityRow, len(res.Equity))
	for i, s := range res.Equity {
		equity[i] = store.EquityRow{Date: s.Date, Cash: s.Cash, Positions: s.PositionsValue, TotalEquity: s.TotalEquity}
	}
	return run, trades, equity, nil
}

// FromRecords rebuilds a result from its stored form for configuration
// cfg. Fields that are not stored (trade sectors, entry dates, position
// counts, the unscoreable and fallback counters) are left zero.
func FromRecords(run store.RunRecord, trades []store.TradeRow, equity []store.EquityRow, cfg strategy.RunConfig) (*engine.Result, error) {
	res := &engine.Result{
		ID:     run.ID,
		Config: cfg,
		Status: engine.Status(run.Status),
		Error:  run.Error,
		Start:  run.StartDate,
		End:    run.EndDate,
		Dates:  len(equity),
		Metrics: engine.Metrics{
			FinalEquity:      run.FinalEquity,
			TotalReturn:      run.TotalReturn,
			AnnualizedReturn: run.AnnualizedReturn,
			Sharpe:           run.Sharpe,
			MaxDrawdown:      run.MaxDrawdown,
			WinRate:          run.WinRate,
			ProfitFactor:     run.ProfitFactor,
			Trades:           run.Trades,
		},
	}

	res.Trades = make([]portfolio.Trade, len(trades))
	for i, t := range trades {
		delta, err := decimal.NewFromString(t.CashDelta)
		if err != nil {
			return nil, fmt.Errorf("run %s trade %d cash delta %q: %w", run.ID, t.Seq, t.CashDelta, err)
		}
		res.Trades[i] = portfolio.Trade{
			Seq:         t.Seq,
			Symbol:      t.Symbol,
			Action:      portfolio.Action(t.Action),
			Date:        t.Date,
			Price:       t.Price,
			Shares:      t.Shares,
			CashDelta:   delta,
			RealizedPnL: t.RealizedPnL,
			ReturnPct:   t.ReturnPct,
			HoldingDays: t.HoldingDays,
			Reason:      t.Reason,
		}
	}
	res.Equity = make([]portfolio.Snapshot, len(equity))
	for i, e := range equity {
		res.Equity[i] = portfolio.Snapshot{Date: e.Date, Cash: e.Cash, PositionsValue: e.Positions, TotalEquity: e.TotalEquity}
	}
	return res, nil
}
