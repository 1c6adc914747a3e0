package scoring

import "factorlab/internal/domain"

// Layer names.
const (
	LayerMomentum     = "momentum"
	LayerFundamentals = "fundamentals"
	LayerCatalyst     = "catalyst"
	LayerThematic     = "thematic"
	LayerPenalties    = "penalties"
)

// Inputs maps input keys to values for one instrument and date. An absent
// key means the input is unavailable.
type Inputs map[string]float64

// Input keys derived from price history and metadata. Fundamental inputs
// use the domain metric keys.
const (
	InReturn3M       = "return_3m"
	InReturn6M       = "return_6m"
	InReturn12M      = "return_12m"
	InFromHigh52W    = "from_52w_high"
	InAboveSMA50     = "above_sma50"
	InAboveSMA200    = "above_sma200"
	InRSI14          = "rsi_14"
	InVolatility     = "volatility_63d"
	InDollarVolume   = "dollar_volume_21d"
	InDaysToEarnings = "days_to_earnings"
	InSectorWeight   = "sector_weight"
	InTagWeight      = "tag_weight"
)

// DefaultLayers returns the built-in scoring layers. Momentum spans [0, 20],
// fundamentals [-2, 15], catalyst [0, 5], thematic [0, 5] and penalties
// [-17, 0].
func DefaultLayers() []Layer {
	return []Layer{
		{
			Name: LayerMomentum, Min: 0, Max: 20,
			Factors: []Factor{
				{Name: "3m return", Input: InReturn3M, Ladder: Steps(
					Above(0.40, 4), Above(0.25, 3), Above(0.10, 2), Above(0, 1),
				)},
				{Name: "6m return", Input: InReturn6M, Ladder: Steps(
					Above(0.60, 4), Above(0.30, 3), Above(0.15, 2), Above(0, 1),
				)},
				{Name: "12m return", Input: InReturn12M, Ladder: Steps(
					Above(1.00, 4), Above(0.50, 3), Above(0.20, 2), Above(0, 1),
				)},
				{Name: "near 52w high", Input: InFromHigh52W, MinBars: 252, Ladder: Steps(
					AtLeast(-0.05, 4), AtLeast(-0.10, 3), AtLeast(-0.20, 2), AtLeast(-0.30, 1),
				)},
				{Name: "above 50d average", Input: InAboveSMA50, Ladder: Steps(AtLeast(1, 2))},
				{Name: "above 200d average", Input: InAboveSMA200, Ladder: Steps(AtLeast(1, 2))},
			},
		},
		{
			Name: LayerFundamentals, Min: -2, Max: 15,
			Factors: []Factor{
				{Name: "revenue growth", Input: domain.MetricRevenueGrowth, Ladder: Steps(
					Above(0.30, 4), Above(0.15, 3), Above(0.05, 2), Above(0, 1), Below(0, -1),
				)},
				{Name: "earnings growth", Input: domain.MetricEarningsGrowth, Ladder: Steps(
					Above(0.30, 4), Above(0.15, 3), Above(0.05, 2), Above(0, 1), Below(0, -1),
				)},
				{Name: "return on equity", Input: domain.MetricReturnOnEquity, Ladder: Steps(
					Above(0.25, 3), Above(0.15, 2), Above(0.08, 1),
				)},
				{Name: "profit margin", Input: domain.MetricProfitMargin, Ladder: Steps(
					Above(0.25, 3), Above(0.15, 2), Above(0.05, 1),
				)},
				{Name: "low leverage", Input: domain.MetricDebtToEquity, Ladder: Steps(
					Between(0, 0.5, 1),
				)},
			},
		},
		{
			Name: LayerCatalyst, Min: 0, Max: 5,
			Factors: []Factor{
				{Name: "earnings soon", Input: InDaysToEarnings, Ladder: Steps(
					AtMost(14, 2), AtMost(30, 1),
				)},
				{Name: "earnings surprise", Input: domain.MetricEarningsSurprise, Ladder: Steps(
					Above(0.10, 3), Above(0.05, 2), Above(0, 1),
				)},
			},
		},
		{
			Name: LayerThematic, Min: 0, Max: 5,
			Factors: []Factor{
				{Name: "sector theme", Input: InSectorWeight, Weight: 1},
				{Name: "tag theme", Input: InTagWeight, Weight: 1},
			},
		},
		{
			Name: LayerPenalties, Min: -17, Max: 0,
			Factors: []Factor{
				{Name: "overbought", Input: InRSI14, Ladder: Steps(
					Above(80, -3), Above(70, -1),
				)},
				{Name: "high volatility", Input: InVolatility, Ladder: Steps(
					Above(0.80, -4), Above(0.60, -2),
				)},
				{Name: "deep drawdown", Input: InFromHigh52W, MinBars: 252, Ladder: Steps(
					Below(-0.40, -4), Below(-0.25, -2),
				)},
				{Name: "illiquid", Input: InDollarVolume, Ladder: Steps(
					Below(1_000_000, -3),
				)},
				{Name: "rich valuation", Input: domain.MetricForwardPE, Ladder: Steps(
					Above(100, -3), Above(60, -1),
				)},
			},
		},
	}
}
