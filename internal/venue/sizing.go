package venue

import (
	"math"
	"strconv"
)

// RoundToStep rounds value down to the nearest multiple of step. A zero
// or negative step returns the value untouched. The small epsilon keeps
// values that are already an exact multiple from losing a whole step to
// floating point noise.
func RoundToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	steps := math.Floor(value/step + 1e-9)
	return steps * step
}

// FitToInstrument applies an instrument's precision rules: price is
// rounded down to the tick size and size down to the quantity
// increment. Sizes below the minimum collapse to zero so callers can
// reject the order outright.
func FitToInstrument(price, size float64, inst Instrument) (float64, float64) {
	price = RoundToStep(price, inst.TickSize)
	size = RoundToStep(size, inst.SizeStep())
	if size < inst.MinSize {
		size = 0
	}
	return price, size
}

// DecimalsForStep returns the number of decimal places implied by a
// step size, e.g. 0.01 -> 2. Steps of one or larger give zero.
func DecimalsForStep(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	d := int(math.Round(-math.Log10(step)))
	if d < 0 {
		return 0
	}
	return d
}

// FormatByStep renders a value as the fixed-precision string the venue
// REST APIs expect, using the precision implied by the step size.
func FormatByStep(value, step float64) string {
	return strconv.FormatFloat(value, 'f', DecimalsForStep(step), 64)
}
