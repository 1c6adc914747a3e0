package scoring

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"factorlab/internal/domain"
	"factorlab/internal/indicators"
)

// PriceSource is the price history a Prefilter screens on.
type PriceSource interface {
	PriceHistory(ctx context.Context, symbol string, asOf time.Time, lookback int) ([]domain.Bar, error)
}

// Prefilter is a cheap trend screen run before full scoring. A symbol
// passes when its six-month trailing return is strictly above MinReturn
// and its last close is strictly above the MAPeriod simple moving average.
// Symbols without enough history fail the screen.
type Prefilter struct {
	Source       PriceSource
	MinReturn    float64
	MAPeriod     int
	FallbackSize int
	Log          *slog.Logger
}

// Screen returns the passing symbols in input order. When none pass it
// falls back to the first FallbackSize symbols sorted by identifier and
// reports fallback = true.
func (p *Prefilter) Screen(ctx context.Context, symbols []string, asOf time.Time) (passed []string, fallback bool) {
	period := p.MAPeriod
	if period <= 0 {
		period = 50
	}
	lookback := max(indicators.HalfYear+1, period)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		bars, err := p.Source.PriceHistory(ctx, sym, asOf, lookback)
		if err != nil {
			continue
		}
		closes := indicators.Closes(bars)
		ret, ok := indicators.TrailingReturn(closes, indicators.HalfYear)
		if !ok || ret <= p.MinReturn {
			continue
		}
		sma, ok := indicators.SMA(closes, period)
		if !ok || closes[len(closes)-1] <= sma {
			continue
		}
		passed = append(passed, sym)
	}
	if len(passed) > 0 {
		return passed, false
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	if n := p.FallbackSize; n > 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	if p.Log != nil {
		p.Log.Debug("prefilter empty, using fallback", "as_of", asOf.Format("2006-01-02"), "size", len(sorted))
	}
	return sorted, true
}
