package signal

// Snapshot is the full indicator state computed after folding one quote
// into the price history (§4.3).
type Snapshot struct {
	PrevFastEMA, PrevSlowEMA float64
	FastEMA, SlowEMA         float64
	RSI                      float64
	MACD                     MACDValue
	Bollinger                BollingerValue
	ATR                      float64
	ADX                      float64
	StochK, StochD           float64
	Momentum                 float64
	Volatility               float64
}

// State is the single indicator state owned by one market (§5: "a single
// indicator state per market is updated by at most one task at a time").
// It is not safe for concurrent use; the engine serializes access per
// market.
type State struct {
	Prices      []float64
	stochKHist  []float64 // last 3 %K values, for %D smoothing
}

// NewState returns a fresh, empty indicator state.
func NewState() *State {
	return &State{}
}

// Update folds quote into the price history (bounded to HistoryLimit) and
// recomputes the full indicator snapshot, including the pre-update
// fast/slow EMA pair needed for crossover edge detection.
func (s *State) Update(quote float64) Snapshot {
	prevFast := ema(s.Prices, FastEMAPeriod)
	prevSlow := ema(s.Prices, SlowEMAPeriod)

	s.Prices = append(s.Prices, quote)
	if len(s.Prices) > HistoryLimit {
		s.Prices = s.Prices[len(s.Prices)-HistoryLimit:]
	}

	k := stochasticK(s.Prices)
	s.stochKHist = append(s.stochKHist, k)
	if len(s.stochKHist) > 3 {
		s.stochKHist = s.stochKHist[len(s.stochKHist)-3:]
	}

	return Snapshot{
		PrevFastEMA: prevFast,
		PrevSlowEMA: prevSlow,
		FastEMA:     ema(s.Prices, FastEMAPeriod),
		SlowEMA:     ema(s.Prices, SlowEMAPeriod),
		RSI:         rsi14(s.Prices),
		MACD:        macd(s.Prices),
		Bollinger:   bollinger20(s.Prices),
		ATR:         atr14(s.Prices),
		ADX:         adx14(s.Prices),
		StochK:      k,
		StochD:      sma(s.stochKHist),
		Momentum:    momentum10(s.Prices),
		Volatility:  volatility20(s.Prices),
	}
}

// HasSufficientHistory reports whether enough quotes have accumulated to
// run the strategy layer (§4.3 contract condition i): the slow EMA plus a
// small margin, matching the MACD slow period.
func (s *State) HasSufficientHistory() bool {
	return len(s.Prices) >= SlowEMAPeriod+5
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// crossed reports whether the fast/slow EMA pair changed sign between the
// previous and current snapshot (a crossover occurred) and, if so, whether
// it is bullish (fast above slow after the cross).
func crossed(snap Snapshot) (occurred, bullish bool) {
	prevSign := sign(snap.PrevFastEMA - snap.PrevSlowEMA)
	curSign := sign(snap.FastEMA - snap.SlowEMA)
	if curSign == 0 || prevSign == curSign {
		return false, false
	}
	return true, curSign > 0
}

// crossoverConfidence implements the confidence formula of §4.3: base 0.7
// plus momentum scaling, capped at 0.95, reduced 10% in high-volatility
// regimes, clamped to [0, 1].
func crossoverConfidence(snap Snapshot) float64 {
	conf := 0.7 + 2*absf(snap.Momentum)
	if conf > 0.95 {
		conf = 0.95
	}
	if snap.Volatility > 0.02 {
		conf *= 0.9
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
