package signal

import (
	"fmt"
	"time"

	"github.com/haldane-systems/pulsecore/internal/domain"
)

// evalContext is what each strategy rule sees: the freshly computed
// snapshot, the bounded price history it was derived from, and whatever
// per-user context the adaptive rule needs.
type evalContext struct {
	Market  string
	Snap    Snapshot
	Prices  []float64
	WinRate *float64 // recent win rate for this user/market, if known
}

// rule is one entry in the fixed-priority strategy registry (§4.3): each
// rule either fires with a candidate signal or declines. Classes documents
// which market classes the rule applies to; a nil/empty Classes means the
// rule is class-agnostic and evaluates against every market.
type rule struct {
	Name          string
	MinConfidence float64
	Classes       []domain.MarketClass
	Eval          func(c evalContext) (domain.SignalType, float64, string, bool)
}

// applies reports whether the rule should be evaluated for market.
func (r rule) applies(market string) bool {
	if len(r.Classes) == 0 {
		return true
	}
	class := domain.ClassifyMarket(market)
	for _, c := range r.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// registry is evaluated in order; the engine keeps the highest-confidence
// firing candidate, breaking ties by registry position (§4.3: "fixed
// priority order").
var registry = []rule{
	{Name: "rsi_divergence", MinConfidence: 0.6, Eval: rsiDivergence},
	{Name: "ema_cross_momentum", MinConfidence: 0.6, Eval: emaCrossMomentum},
	{Name: "bollinger_squeeze_breakout", MinConfidence: 0.55, Eval: bollingerSqueezeBreakout},
	{Name: "macd_histogram_cross", MinConfidence: 0.55, Eval: macdHistogramCross},
	{Name: "stochastic_extremes", MinConfidence: 0.55, Eval: stochasticExtremes},
	// volatility spikes are a synthetic-index phenomenon (forex volatility
	// tends to be news-driven and directional, not a tradeable spike shape).
	{Name: "volatility_spike", MinConfidence: 0.5, Classes: []domain.MarketClass{domain.MarketSynthetic}, Eval: volatilitySpike},
	{Name: "support_resistance_bounce", MinConfidence: 0.55, Eval: supportResistanceBounce},
	// sustained ADX trends are most reliable on forex pairs and synthetic
	// indices; skip the catch-all OTHER bucket where trend behavior is unknown.
	{Name: "adx_strong_trend", MinConfidence: 0.6, Classes: []domain.MarketClass{domain.MarketForex, domain.MarketSynthetic}, Eval: adxStrongTrend},
	{Name: "multi_indicator_confluence", MinConfidence: 0.65, Eval: multiIndicatorConfluence},
	{Name: "adaptive_win_rate", MinConfidence: 0.5, Eval: adaptiveWinRate},
}

// rsiDivergence fires when RSI is at an extreme while the price itself is
// still trending the opposite way over the last 5 quotes — a simplified
// single-series stand-in for true divergence (no separate indicator
// series is tracked, per the same approximation the ATR/ADX formulas use).
func rsiDivergence(c evalContext) (domain.SignalType, float64, string, bool) {
	if len(c.Prices) < 6 {
		return "", 0, "", false
	}
	priceTrend := c.Prices[len(c.Prices)-1] - c.Prices[len(c.Prices)-6]

	switch {
	case c.Snap.RSI <= 30 && priceTrend < 0:
		return domain.Call, 0.6 + (30-c.Snap.RSI)/100, "rsi oversold with falling price", true
	case c.Snap.RSI >= 70 && priceTrend > 0:
		return domain.Put, 0.6 + (c.Snap.RSI-70)/100, "rsi overbought with rising price", true
	}
	return "", 0, "", false
}

// emaCrossMomentum fires on a fast/slow EMA crossover gated by ADX >= 20
// (trend strength threshold), using the crossover confidence formula of
// §4.3.
func emaCrossMomentum(c evalContext) (domain.SignalType, float64, string, bool) {
	occurred, bullish := crossed(c.Snap)
	if !occurred || c.Snap.ADX < 20 {
		return "", 0, "", false
	}
	conf := crossoverConfidence(c.Snap)
	if bullish {
		return domain.Call, conf, "ema crossover bullish with trend strength", true
	}
	return domain.Put, conf, "ema crossover bearish with trend strength", true
}

// bollingerSqueezeBreakout fires when price closes outside a narrow band,
// i.e. a squeeze (width below 4%) followed by a breakout.
func bollingerSqueezeBreakout(c evalContext) (domain.SignalType, float64, string, bool) {
	if len(c.Prices) == 0 || c.Snap.Bollinger.Width >= 0.04 {
		return "", 0, "", false
	}
	last := c.Prices[len(c.Prices)-1]
	switch {
	case last > c.Snap.Bollinger.Upper:
		return domain.Call, 0.55 + (1-c.Snap.Bollinger.Width)*0.2, "bollinger squeeze breakout upward", true
	case last < c.Snap.Bollinger.Lower:
		return domain.Put, 0.55 + (1-c.Snap.Bollinger.Width)*0.2, "bollinger squeeze breakout downward", true
	}
	return "", 0, "", false
}

// macdHistogramCross fires when the MACD histogram crosses zero: its sign
// differs from the histogram recomputed over the history without the
// latest quote.
func macdHistogramCross(c evalContext) (domain.SignalType, float64, string, bool) {
	h := c.Snap.MACD.Histogram
	if h == 0 || len(c.Prices) <= MACDSlow {
		return "", 0, "", false
	}
	if prev := macd(c.Prices[:len(c.Prices)-1]).Histogram; sign(prev) == sign(h) {
		return "", 0, "", false
	}
	conf := 0.55 + absf(h)
	if conf > 0.9 {
		conf = 0.9
	}
	if h > 0 {
		return domain.Call, conf, "macd histogram crossed above zero", true
	}
	return domain.Put, conf, "macd histogram crossed below zero", true
}

// stochasticExtremes fires when %K/%D both sit in an extreme zone.
func stochasticExtremes(c evalContext) (domain.SignalType, float64, string, bool) {
	switch {
	case c.Snap.StochK < 20 && c.Snap.StochD < 20:
		return domain.Call, 0.6, "stochastic oversold", true
	case c.Snap.StochK > 80 && c.Snap.StochD > 80:
		return domain.Put, 0.6, "stochastic overbought", true
	}
	return "", 0, "", false
}

// volatilitySpike fires when volatility is at or above 0.05, favoring the
// direction of the latest move as a continuation bet.
func volatilitySpike(c evalContext) (domain.SignalType, float64, string, bool) {
	if c.Snap.Volatility < 0.05 || len(c.Prices) < 2 {
		return "", 0, "", false
	}
	last := c.Prices[len(c.Prices)-1]
	prev := c.Prices[len(c.Prices)-2]
	if last > prev {
		return domain.Call, 0.5 + c.Snap.Volatility, "volatility spike with upward move", true
	}
	return domain.Put, 0.5 + c.Snap.Volatility, "volatility spike with downward move", true
}

// supportResistanceBounce fires when the price touches the stochastic
// window's extreme and reverses on the latest tick.
func supportResistanceBounce(c evalContext) (domain.SignalType, float64, string, bool) {
	n := StochasticPeriod
	if len(c.Prices) < n {
		n = len(c.Prices)
	}
	if n < 3 {
		return "", 0, "", false
	}
	window := c.Prices[len(c.Prices)-n:]
	lo, hi := window[0], window[0]
	for _, p := range window {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	last := window[len(window)-1]
	prevLast := window[len(window)-2]
	switch {
	case prevLast <= lo*1.001 && last > prevLast:
		return domain.Call, 0.55, "bounce off support", true
	case prevLast >= hi*0.999 && last < prevLast:
		return domain.Put, 0.55, "bounce off resistance", true
	}
	return "", 0, "", false
}

// adxStrongTrend fires on a strongly trending market, direction by
// momentum sign.
func adxStrongTrend(c evalContext) (domain.SignalType, float64, string, bool) {
	if c.Snap.ADX < 40 {
		return "", 0, "", false
	}
	conf := 0.6 + (c.Snap.ADX-40)/100
	if c.Snap.Momentum >= 0 {
		return domain.Call, conf, "strong adx trend, positive momentum", true
	}
	return domain.Put, conf, "strong adx trend, negative momentum", true
}

// multiIndicatorConfluence fires when RSI, MACD histogram and momentum all
// agree on direction — the highest floor in the registry since it
// requires three independent signals to align.
func multiIndicatorConfluence(c evalContext) (domain.SignalType, float64, string, bool) {
	bullVotes := 0
	bearVotes := 0
	if c.Snap.RSI < 45 {
		bullVotes++
	} else if c.Snap.RSI > 55 {
		bearVotes++
	}
	if c.Snap.MACD.Histogram > 0 {
		bullVotes++
	} else if c.Snap.MACD.Histogram < 0 {
		bearVotes++
	}
	if c.Snap.Momentum > 0 {
		bullVotes++
	} else if c.Snap.Momentum < 0 {
		bearVotes++
	}
	switch {
	case bullVotes == 3:
		return domain.Call, 0.8, "three-indicator bullish confluence", true
	case bearVotes == 3:
		return domain.Put, 0.8, "three-indicator bearish confluence", true
	}
	return "", 0, "", false
}

// adaptiveWinRate conditions on the caller's recent win rate for this
// market: a streak of losses raises the bar implicitly by only firing on
// a strong trend confirmation, while a proven win rate allows a softer
// momentum-only trigger.
func adaptiveWinRate(c evalContext) (domain.SignalType, float64, string, bool) {
	if c.WinRate == nil || absf(c.Snap.Momentum) < 0.002 {
		return "", 0, "", false
	}
	conf := 0.5 + *c.WinRate*0.3
	if *c.WinRate < 0.4 && c.Snap.ADX < 25 {
		return "", 0, "", false
	}
	if c.Snap.Momentum > 0 {
		return domain.Call, conf, "adaptive rule: momentum confirmed by win rate", true
	}
	return domain.Put, conf, "adaptive rule: momentum confirmed by win rate", true
}

// buildSignal assembles the domain.Signal envelope a firing rule produces,
// with the indicator snapshot attached for downstream audit (§4.3: "the
// triggering rule name and indicator snapshot").
func buildSignal(market string, typ domain.SignalType, confidence float64, reason string, snap Snapshot, now time.Time) *domain.Signal {
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return &domain.Signal{
		Type:       typ,
		Market:     market,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  now,
		Metadata: &domain.Envelope{
			Indicators: map[string]float64{
				"rsi":        snap.RSI,
				"fast_ema":   snap.FastEMA,
				"slow_ema":   snap.SlowEMA,
				"macd":       snap.MACD.MACD,
				"macd_sig":   snap.MACD.Signal,
				"macd_hist":  snap.MACD.Histogram,
				"atr":        snap.ATR,
				"adx":        snap.ADX,
				"stoch_k":    snap.StochK,
				"stoch_d":    snap.StochD,
				"momentum":   snap.Momentum,
				"volatility": snap.Volatility,
			},
		},
	}
}

func fmtRule(name string) string { return fmt.Sprintf("strategy:%s", name) }
