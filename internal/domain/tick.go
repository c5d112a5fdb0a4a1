// Package domain holds the data model shared across pipeline components:
// ticks, signals, sessions, risk checks and trade results. None of these
// types carry behavior beyond small invariant helpers — components own the
// logic that mutates them.
package domain

// Tick is one broker-delivered quote for one market at one epoch. Identity
// is (Market, Epoch); a Tick is immutable once emitted.
type Tick struct {
	Market     string
	Epoch      int64
	Quote      float64
	Bid        float64
	Ask        float64
	Spread     float64
	Volatility float64
}

// Valid reports whether the tick passes basic schema validation (§4.2
// invariant a): a market symbol, a strictly positive quote, and a
// non-negative epoch.
func (t Tick) Valid() bool {
	return t.Market != "" && t.Quote > 0 && t.Epoch >= 0
}
