// Package indicators computes the technical inputs of the scoring engine
// from an as-of truncated bar history. Every function reports whether the
// history was long enough; callers treat false as "unavailable", never as
// zero.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"factorlab/internal/domain"
)

// Trading-day periods.
const (
	Month    = 21
	Quarter  = 63
	HalfYear = 126
	Year     = 252
)

// Closes extracts closing prices.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// TrailingReturn returns last/close[periods ago] - 1.
func TrailingReturn(closes []float64, periods int) (float64, bool) {
	n := len(closes)
	if periods <= 0 || n <= periods {
		return 0, false
	}
	base := closes[n-1-periods]
	if base <= 0 {
		return 0, false
	}
	return closes[n-1]/base - 1, true
}

// SMA returns the simple moving average of the last period closes.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	return last(talib.Sma(closes[len(closes)-period:], period))
}

// RSI returns Wilder's relative strength index.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}
	return last(talib.Rsi(closes, period))
}

// High returns the highest close of the last period closes.
func High(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	return last(talib.Max(closes[len(closes)-period:], period))
}

// FromHigh returns last/high - 1 over the last period closes; zero at a new
// high, negative below it.
func FromHigh(closes []float64, period int) (float64, bool) {
	h, ok := High(closes, period)
	if !ok || h <= 0 {
		return 0, false
	}
	return closes[len(closes)-1]/h - 1, true
}

// Volatility returns the annualised standard deviation of the last period
// daily returns.
func Volatility(closes []float64, period int) (float64, bool) {
	if period < 2 || len(closes) <= period {
		return 0, false
	}
	window := closes[len(closes)-period-1:]
	rets := make([]float64, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			return 0, false
		}
		rets[i-1] = window[i]/window[i-1] - 1
	}
	sd, ok := last(talib.StdDev(rets, period, 1))
	if !ok {
		return 0, false
	}
	return sd * math.Sqrt(Year), true
}

// AverageDollarVolume returns mean(close*volume) over the last period bars.
func AverageDollarVolume(bars []domain.Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period {
		return 0, false
	}
	var sum float64
	for _, b := range bars[len(bars)-period:] {
		sum += b.Close * float64(b.Volume)
	}
	return sum / float64(period), true
}

func last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
