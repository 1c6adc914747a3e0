package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"factorlab/internal/engine"
	"factorlab/internal/portfolio"
)

const dateLayout = "2006-01-02"

var (
	tradeHeader  = []string{"seq", "date", "symbol", "sector", "action", "shares", "price", "cash_delta", "avg_entry", "realized_pnl", "return_pct", "holding_days", "reason"}
	equityHeader = []string{"date", "cash", "positions_value", "total_equity", "positions"}
)

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// WriteTradesCSV writes the trade log with a header row.
func WriteTradesCSV(w io.Writer, trades []portfolio.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		rec := []string{
			strconv.Itoa(t.Seq),
			t.Date.Format(dateLayout),
			t.Symbol,
			t.Sector,
			string(t.Action),
			ftoa(t.Shares),
			ftoa(t.Price),
			t.CashDelta.String(),
			ftoa(t.AvgEntry),
			ftoa(t.RealizedPnL),
			ftoa(t.ReturnPct),
			strconv.Itoa(t.HoldingDays),
			t.Reason,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEquityCSV writes the equity curve with a header row.
func WriteEquityCSV(w io.Writer, equity []portfolio.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityHeader); err != nil {
		return err
	}
	for _, s := range equity {
		rec := []string{
			s.Date.Format(dateLayout),
			ftoa(s.Cash),
			ftoa(s.PositionsValue),
			ftoa(s.TotalEquity),
			strconv.Itoa(s.Positions),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportRun writes <dir>/<id>-trades.csv and <dir>/<id>-equity.csv and
// returns their paths.
func ExportRun(dir string, res *engine.Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{res.ID + "-trades.csv", func(w io.Writer) error { return WriteTradesCSV(w, res.Trades) }},
		{res.ID + "-equity.csv", func(w io.Writer) error { return WriteEquityCSV(w, res.Equity) }},
	}
	var paths []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := writeFile(path, f.write); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
