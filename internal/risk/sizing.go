package risk

import "math"

// PositionSize returns the quantity that risks at most maxRiskPercent of
// equity if the stop is hit, rounded down to a whole unit. Returns 0 for
// degenerate inputs (no stop distance, non-positive equity or entry).
func PositionSize(equity, entry, stop, maxRiskPercent float64) float64 {
	if equity <= 0 || entry <= 0 || maxRiskPercent <= 0 {
		return 0
	}
	stopDistance := math.Abs(entry - stop)
	if stopDistance == 0 {
		return 0
	}

	riskBudget := equity * maxRiskPercent / 100
	qty := math.Floor(riskBudget / stopDistance)

	// Never size beyond what equity can actually buy.
	if qty*entry > equity {
		qty = math.Floor(equity / entry)
	}
	if qty < 0 {
		return 0
	}
	return qty
}
