package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorlab/internal/portfolio"
)

var entryDate = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func openPosition(t *testing.T, price float64) (*portfolio.Ledger, portfolio.Position) {
	t.Helper()
	l := portfolio.NewLedger(100_000)
	_, err := l.Open("AAA", "Tech", entryDate, price, 10, 30)
	require.NoError(t, err)
	pos, _ := l.Position("AAA")
	return l, pos
}

func allRules() RunConfig {
	return RunConfig{
		StopLoss:       Float(-0.10),
		TakeProfit:     Float(0.20),
		ExitScoreFloor: Float(10),
		MaxHoldingDays: Int(30),
		TrailingStop:   Float(-0.10),
	}
}

func TestEvaluateExitPrecedence(t *testing.T) {
	cfg := allRules()
	lowScore := ScoreReading{Value: 2, OK: true}
	goodScore := ScoreReading{Value: 40, OK: true}
	late := entryDate.AddDate(0, 0, 45)

	tests := []struct {
		name  string
		peak  float64
		price float64
		score ScoreReading
		asOf  time.Time
		want  ExitReason
	}{
		// Loss, low score, expired and below peak all at once: stop-loss wins.
		{"stop loss beats everything", 130, 85, lowScore, late, ExitStopLoss},
		{"take profit beats score floor", 125, 125, lowScore, late, ExitTakeProfit},
		{"score floor beats max holding", 110, 105, lowScore, late, ExitScore},
		{"max holding beats trailing stop", 130, 105, goodScore, late, ExitMaxHolding},
		{"trailing stop", 130, 110, goodScore, entryDate.AddDate(0, 0, 10), ExitTrailingStop},
		{"no exit", 110, 105, goodScore, entryDate.AddDate(0, 0, 10), ExitNone},
		{"deep loss on entry week", 100, 80, goodScore, entryDate, ExitStopLoss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := openPosition(t, 100)
			require.NoError(t, l.Mark("AAA", tt.peak))
			require.NoError(t, l.Mark("AAA", tt.price))
			pos, _ := l.Position("AAA")

			d := EvaluateExit(pos, tt.price, tt.score, cfg, tt.asOf)
			assert.Equal(t, tt.want, d.Reason)
			assert.Equal(t, tt.want != ExitNone, d.Exit)
		})
	}
}

func TestEvaluateExitDisabledRules(t *testing.T) {
	l, _ := openPosition(t, 100)
	require.NoError(t, l.Mark("AAA", 300))
	require.NoError(t, l.Mark("AAA", 20))
	pos, _ := l.Position("AAA")

	d := EvaluateExit(pos, 20, ScoreReading{Value: -50, OK: true}, RunConfig{}, entryDate.AddDate(5, 0, 0))
	assert.False(t, d.Exit)
	assert.InDelta(t, -0.8, d.Return, 1e-12)
}

func TestEvaluateExitSkipsScoreWhenUnscoreable(t *testing.T) {
	_, pos := openPosition(t, 100)
	cfg := RunConfig{ExitScoreFloor: Float(10)}

	d := EvaluateExit(pos, 100, ScoreReading{}, cfg, entryDate)
	assert.False(t, d.Exit)

	d = EvaluateExit(pos, 100, ScoreReading{Value: 9.5, OK: true}, cfg, entryDate)
	assert.Equal(t, ExitScore, d.Reason)
}

func TestEvaluatePyramidFiresOnce(t *testing.T) {
	l, _ := openPosition(t, 100)
	cfg := RunConfig{PyramidTrigger: Float(0.15), PyramidSize: 1_000, MaxPyramids: 1}

	adds := 0
	for i, price := range []float64{110, 116, 114, 117, 116, 118} {
		date := entryDate.AddDate(0, 0, 7*(i+1))
		require.NoError(t, l.Mark("AAA", price))
		pos, _ := l.Position("AAA")
		d := EvaluatePyramid(pos, price, price, cfg)
		if !d.Add {
			continue
		}
		_, err := l.Pyramid("AAA", date, price, d.Shares, cfg.MaxPyramids)
		require.NoError(t, err)
		adds++
		assert.Equal(t, 1, d.Level)
		assert.Equal(t, 8.0, d.Shares)
	}
	assert.Equal(t, 1, adds)
}

func TestEvaluatePyramidLevels(t *testing.T) {
	l, _ := openPosition(t, 100)
	cfg := RunConfig{PyramidTrigger: Float(0.10), PyramidSize: 500, MaxPyramids: 2}

	pos, _ := l.Position("AAA")
	d := EvaluatePyramid(pos, 111, 111, cfg)
	require.True(t, d.Add)
	_, err := l.Pyramid("AAA", entryDate.AddDate(0, 0, 7), 111, d.Shares, cfg.MaxPyramids)
	require.NoError(t, err)

	pos, _ = l.Position("AAA")
	assert.False(t, EvaluatePyramid(pos, 115, 115, cfg).Add, "second add needs +20%")
	d = EvaluatePyramid(pos, 121, 121, cfg)
	assert.True(t, d.Add)
	assert.Equal(t, 2, d.Level)
	assert.Equal(t, 4.0, d.Shares)
}

func TestWholeShares(t *testing.T) {
	assert.Equal(t, 10.0, WholeShares(1_000, 100))
	assert.Equal(t, 3.0, WholeShares(1_000, 300))
	assert.Equal(t, 0.0, WholeShares(1_000, 0))
	assert.Equal(t, 0.0, WholeShares(50, 100))
}
