package strategy

import (
	"time"

	"factorlab/internal/portfolio"
)

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitScore        ExitReason = "score_exit"
	ExitMaxHolding   ExitReason = "max_holding"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitEndOfRun     ExitReason = "end_of_backtest"
)

// ExitDecision is the outcome of EvaluateExit.
type ExitDecision struct {
	Exit   bool
	Reason ExitReason
	// Return is the position return at the evaluated price.
	Return float64
}

// ScoreReading is the current score of a held instrument. OK is false when
// the instrument was unscoreable on the date, in which case score-based
// exits are not evaluated.
type ScoreReading struct {
	Value float64
	OK    bool
}

// EvaluateExit applies the exit rules to one open position. Rules are
// checked in fixed precedence and the first that fires wins: stop-loss,
// take-profit, score floor, max holding period, trailing stop. The caller
// marks the price (raising the peak) before evaluation.
func EvaluateExit(pos portfolio.Position, price float64, score ScoreReading, cfg RunConfig, asOf time.Time) ExitDecision {
	ret := pos.ReturnAt(price)
	d := ExitDecision{Return: ret}

	switch {
	case cfg.StopLoss != nil && ret <= *cfg.StopLoss:
		d.Reason = ExitStopLoss
	case cfg.TakeProfit != nil && ret >= *cfg.TakeProfit:
		d.Reason = ExitTakeProfit
	case cfg.ExitScoreFloor != nil && score.OK && score.Value < *cfg.ExitScoreFloor:
		d.Reason = ExitScore
	case cfg.MaxHoldingDays != nil && pos.HoldingDays(asOf) > *cfg.MaxHoldingDays:
		d.Reason = ExitMaxHolding
	case cfg.TrailingStop != nil && pos.DrawdownFromPeak(price) <= *cfg.TrailingStop:
		d.Reason = ExitTrailingStop
	default:
		return d
	}
	d.Exit = true
	return d
}
