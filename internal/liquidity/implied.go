package liquidity

import "dhan-trading-bot/internal/market"

// Implied gap detection. An implied FVG has no outright price void; instead
// the wicks of the outer candles leave a gap between their midpoints. The
// nine conditions below reproduce the PineScript-derived definition used for
// zone seeding.

func bodyHigh(c market.Candle) float64 {
	if c.Open > c.Close {
		return c.Open
	}
	return c.Close
}

func bodyLow(c market.Candle) float64 {
	if c.Open < c.Close {
		return c.Open
	}
	return c.Close
}

// impliedBullish reports whether candles a, b, c (oldest to newest) form a
// bullish implied FVG, and returns the zone bounds: the bottom is the
// midpoint of a's upper wick, the top the midpoint of c's lower wick.
func impliedBullish(a, b, c market.Candle) (top, bottom float64, ok bool) {
	lowerMid := (a.High + bodyHigh(a)) / 2
	upperMid := (bodyLow(c) + c.Low) / 2

	ok = c.High > a.High && // newest makes the higher high
		a.Low < c.Low && // rising lows across the span
		c.Low <= a.High && // wicks overlap, no outright gap
		a.High-bodyHigh(a) > (bodyHigh(a)-bodyLow(a))/2 && // long upper wick on a
		bodyLow(c)-c.Low > (bodyHigh(c)-bodyLow(c))/2 && // long lower wick on c
		c.Low > b.Low &&
		lowerMid < upperMid && // wick midpoints separated
		c.High > b.High &&
		b.Close > b.Open // middle candle bullish
	if !ok {
		return 0, 0, false
	}
	return upperMid, lowerMid, true
}

// impliedBearish is the mirror of impliedBullish.
func impliedBearish(a, b, c market.Candle) (top, bottom float64, ok bool) {
	upperMid := (bodyLow(a) + a.Low) / 2
	lowerMid := (c.High + bodyHigh(c)) / 2

	ok = c.Low < a.Low &&
		a.High > c.High &&
		c.High >= a.Low &&
		bodyLow(a)-a.Low > (bodyHigh(a)-bodyLow(a))/2 &&
		c.High-bodyHigh(c) > (bodyHigh(c)-bodyLow(c))/2 &&
		c.High < b.High &&
		upperMid > lowerMid &&
		c.Low < b.Low &&
		b.Close < b.Open
	if !ok {
		return 0, 0, false
	}
	return upperMid, lowerMid, true
}
