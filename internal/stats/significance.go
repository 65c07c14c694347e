package stats

import "math"

// TwoProportionTest performs a two-sided two-proportion z-test of a challenger
// against a control. It returns the p-value and whether the test could be run at
// all: ok is false when either side has no visitors or the pooled standard error
// is zero, in which case the p-value is reported as 0.
func TwoProportionTest(controlConv, controlVisitors, variantConv, variantVisitors int) (pValue float64, ok bool) {
	// Need data from both variants
	if controlVisitors == 0 || variantVisitors == 0 {
		return 0, false
	}

	pC := float64(controlConv) / float64(controlVisitors)
	pV := float64(variantConv) / float64(variantVisitors)

	// Pooled proportion under null hypothesis (pC = pV)
	pooledP := float64(controlConv+variantConv) / float64(controlVisitors+variantVisitors)

	// Standard error of the difference
	se := math.Sqrt(pooledP * (1 - pooledP) * (1/float64(controlVisitors) + 1/float64(variantVisitors)))
	if se == 0 || math.IsNaN(se) {
		return 0, false
	}

	z := math.Abs(pV-pC) / se

	p := 2 * (1 - NormalCDF(z))
	if p < 0 {
		p = 0
	}
	return p, true
}

// NormalCDF approximates the cumulative distribution function
// of the standard normal distribution
func NormalCDF(x float64) float64 {
	// Use the approximation from Abramowitz and Stegun
	// Handbook of Mathematical Functions, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
