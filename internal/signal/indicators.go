// Package signal implements the Signal Engine (C3): per-market rolling
// indicator state and rule-based strategy evaluation with confidence
// scoring.
package signal

import "math"

const (
	FastEMAPeriod = 9
	SlowEMAPeriod = 21
	MACDFast      = 12
	MACDSlow      = 26
	MACDSignal    = 9
	RSIPeriod     = 14
	BollingerPeriod = 20
	ATRPeriod     = 14
	ADXPeriod     = 14
	StochasticPeriod = 14
	MomentumPeriod = 10
	VolatilityPeriod = 20
	HistoryLimit  = 100
)

func sma(prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}

// ema computes EMA(p) over prices per §4.3: initial = SMA of the first p
// quotes, thereafter the standard recurrence. With fewer than p quotes,
// returns the most recent quote (§8 boundary).
func ema(prices []float64, p int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < p {
		return prices[len(prices)-1]
	}
	e := sma(prices[:p])
	k := 2.0 / (float64(p) + 1)
	for i := p; i < len(prices); i++ {
		e = (prices[i]-e)*k + e
	}
	return e
}

// rsi14 averages gains/losses arithmetically over the last 14 deltas
// (§4.3/§8): avg_loss=0 maps to 100, fewer than 15 quotes defaults to 50.
func rsi14(prices []float64) float64 {
	if len(prices) < RSIPeriod+1 {
		return 50
	}
	window := prices[len(prices)-(RSIPeriod+1):]

	var gainSum, lossSum float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			gainSum += d
		} else {
			lossSum += -d
		}
	}
	avgGain := gainSum / RSIPeriod
	avgLoss := lossSum / RSIPeriod

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

type MACDValue struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// macd computes the 12/26 MACD line and a signal line that is EMA(9) of
// the MACD value series (§4.3). Fewer than MACDSlow quotes yields zeros.
func macd(prices []float64) MACDValue {
	if len(prices) < MACDSlow {
		return MACDValue{}
	}

	series := make([]float64, 0, len(prices)-MACDSlow+1)
	for i := MACDSlow - 1; i < len(prices); i++ {
		sub := prices[:i+1]
		series = append(series, ema(sub, MACDFast)-ema(sub, MACDSlow))
	}

	macdValue := series[len(series)-1]
	signal := ema(series, MACDSignal)
	return MACDValue{MACD: macdValue, Signal: signal, Histogram: macdValue - signal}
}

type BollingerValue struct {
	Upper, Middle, Lower, Width float64
}

// bollinger20 computes middle=SMA(20), bands at ±2 stddev, width as a
// fraction of the middle band (§4.3).
func bollinger20(prices []float64) BollingerValue {
	n := BollingerPeriod
	if len(prices) < n {
		n = len(prices)
	}
	if n == 0 {
		return BollingerValue{}
	}
	window := prices[len(prices)-n:]
	mid := sma(window)

	var variance float64
	for _, p := range window {
		d := p - mid
		variance += d * d
	}
	if n > 0 {
		variance /= float64(n)
	}
	stddev := math.Sqrt(variance)

	upper := mid + 2*stddev
	lower := mid - 2*stddev
	width := 0.0
	if mid != 0 {
		width = (upper - lower) / mid
	}
	return BollingerValue{Upper: upper, Middle: mid, Lower: lower, Width: width}
}

// atr14 is the documented synthetic approximation of §4.3/§9: average of
// |quote_i - quote_{i-1}| over the last 14 steps, treating the single
// price series as both high and low since no OHLC is available.
func atr14(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	n := ATRPeriod
	if len(prices)-1 < n {
		n = len(prices) - 1
	}
	window := prices[len(prices)-n-1:]

	sum := 0.0
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}
	return sum / float64(n)
}

// adx14 is the simplified approximation of §4.3: |ΣUp-ΣDown|/(ΣUp+ΣDown)·100
// over the full window.
func adx14(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	n := ADXPeriod
	if len(prices)-1 < n {
		n = len(prices) - 1
	}
	window := prices[len(prices)-n-1:]

	var up, down float64
	for i := 1; i < len(window); i++ {
		d := window[i] - window[i-1]
		if d > 0 {
			up += d
		} else {
			down += -d
		}
	}
	if up+down == 0 {
		return 0
	}
	return math.Abs(up-down) / (up + down) * 100
}

type StochasticValue struct {
	K, D float64
}

// stochasticK computes k=(close−min)/(max−min)·100 over the last 14
// quotes (§4.3).
func stochasticK(prices []float64) float64 {
	n := StochasticPeriod
	if len(prices) < n {
		n = len(prices)
	}
	if n == 0 {
		return 0
	}
	window := prices[len(prices)-n:]

	lo, hi := window[0], window[0]
	for _, p := range window {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	if hi == lo {
		return 0
	}
	return (window[len(window)-1] - lo) / (hi - lo) * 100
}

// momentum10 is (now − quote[−10]) / quote[−10] (§4.3).
func momentum10(prices []float64) float64 {
	if len(prices) < MomentumPeriod+1 {
		return 0
	}
	past := prices[len(prices)-1-MomentumPeriod]
	now := prices[len(prices)-1]
	if past == 0 {
		return 0
	}
	return (now - past) / past
}

// volatility20 is std(last 20) / mean(last 20) (§4.3).
func volatility20(prices []float64) float64 {
	n := VolatilityPeriod
	if len(prices) < n {
		n = len(prices)
	}
	if n < 2 {
		return 0
	}
	window := prices[len(prices)-n:]
	mean := sma(window)
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, p := range window {
		d := p - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance) / mean
}
