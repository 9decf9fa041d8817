// Package indicator computes the technical values the entry evaluator reads.
// A value that cannot be computed from the available history is NaN, never
// zero, so that callers cannot mistake missing data for a real reading.
package indicator

import (
	"math"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// Snapshot is the latest value of every indicator for one symbol.
type Snapshot struct {
	Price        float64
	EMA9         float64
	EMA21        float64
	RSI14        float64
	VolumeRatio  float64
	MACD         float64
	MACDSignal   float64
	ATRPct       float64
	DailyClose   float64
	DailyEMA50   float64
	CandlesUsed  int
	DailyCandles int
}

// Map flattens the snapshot for logging and the advisory payload.
func (s Snapshot) Map() map[string]float64 {
	return map[string]float64{
		"price":        s.Price,
		"ema9":         s.EMA9,
		"ema21":        s.EMA21,
		"rsi14":        s.RSI14,
		"volume_ratio": s.VolumeRatio,
		"macd":         s.MACD,
		"macd_signal":  s.MACDSignal,
		"atr_pct":      s.ATRPct,
		"daily_close":  s.DailyClose,
		"daily_ema50":  s.DailyEMA50,
	}
}

// Compute derives a Snapshot from intraday (4h) and daily candles, both in
// ascending time order.
func Compute(intraday, daily []domain.Candle) Snapshot {
	closes := closesOf(intraday)
	s := Snapshot{
		Price:        last(closes),
		EMA9:         last(EMA(closes, 9)),
		EMA21:        last(EMA(closes, 21)),
		RSI14:        RSI(closes, 14),
		VolumeRatio:  VolumeRatio(intraday, 20),
		ATRPct:       ATRPct(intraday, 14),
		CandlesUsed:  len(intraday),
		DailyCandles: len(daily),
	}
	s.MACD, s.MACDSignal = MACD(closes, 12, 26, 9)

	dailyCloses := closesOf(daily)
	s.DailyClose = last(dailyCloses)
	s.DailyEMA50 = last(EMA(dailyCloses, 50))
	return s
}

// EMA returns the exponential moving average series with alpha 2/(span+1),
// seeded on the first value. Entries before span values are available are
// NaN.
func EMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if span <= 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	alpha := 2.0 / float64(span+1)
	var ema float64
	for i, v := range values {
		if i == 0 {
			ema = v
		} else {
			ema = alpha*v + (1-alpha)*ema
		}
		if i+1 < span {
			out[i] = math.NaN()
		} else {
			out[i] = ema
		}
	}
	return out
}

// RSI returns the relative strength index over the last period price
// changes, using the simple mean of gains and losses.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// MACD returns the MACD line (fast EMA minus slow EMA) and its signal EMA.
func MACD(closes []float64, fast, slow, signal int) (float64, float64) {
	if len(closes) < slow+signal-1 {
		return math.NaN(), math.NaN()
	}
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	line := make([]float64, 0, len(closes)-slow+1)
	for i := slow - 1; i < len(closes); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}
	return last(line), last(EMA(line, signal))
}

// VolumeRatio compares the latest candle's volume with the mean of the last
// period candles.
func VolumeRatio(candles []domain.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return math.NaN()
	}
	var sum float64
	for _, c := range candles[len(candles)-period:] {
		sum += c.Volume
	}
	mean := sum / float64(period)
	if mean == 0 {
		return math.NaN()
	}
	return candles[len(candles)-1].Volume / mean
}

// ATRPct is Wilder's average true range as a percentage of the last close.
func ATRPct(candles []domain.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return math.NaN()
	}
	tr := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1].Close
		tr = append(tr, math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev))))
	}
	var atr float64
	for _, v := range tr[:period] {
		atr += v
	}
	atr /= float64(period)
	for _, v := range tr[period:] {
		atr = (atr*float64(period-1) + v) / float64(period)
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose == 0 {
		return math.NaN()
	}
	return atr / lastClose * 100
}

func closesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
