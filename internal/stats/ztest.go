package stats

import "math"

// Sample is one arm of a comparison: an observed rate (or mean) and the
// number of observations behind it.
type Sample struct {
	Value float64
	Size  int
}

// ZTestResult holds the outcome of a two-proportion z-test.
type ZTestResult struct {
	ZScore        float64
	PValue        float64
	Confidence    float64
	MarginOfError float64
	Power         float64
	IsSignificant bool
}

// ZTest performs a two-proportion z-test of treatment against control at
// the given significance level (e.g. 0.95). The p-value is two-tailed;
// significance means pValue < 1 - level.
func ZTest(control, treatment Sample, level float64) ZTestResult {
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	alpha := 1 - level

	if control.Size == 0 || treatment.Size == 0 {
		// Need data from both arms
		return ZTestResult{PValue: 1, Confidence: 0}
	}

	nc := float64(control.Size)
	nt := float64(treatment.Size)
	pc := control.Value
	pt := treatment.Value

	pooled := (nc*pc + nt*pt) / (nc + nt)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nc + 1/nt))

	if se == 0 {
		// Identical degenerate samples (all zeros or all ones)
		return ZTestResult{PValue: 1, Confidence: 0}
	}

	z := (pt - pc) / se
	pValue := 2 * (1 - NormalCDF(math.Abs(z)))

	return ZTestResult{
		ZScore:        z,
		PValue:        pValue,
		Confidence:    1 - pValue,
		MarginOfError: ZScore(level) * se,
		Power:         Power(control, treatment, alpha),
		IsSignificant: pValue < alpha,
	}
}

// Power computes the probability of detecting the observed difference
// between the two proportions at the given alpha with a two-sided test,
// using the standard two-proportion power formula: the rejection threshold
// is set under the pooled null, the test statistic distribution under the
// unpooled alternative.
func Power(control, treatment Sample, alpha float64) float64 {
	if control.Size == 0 || treatment.Size == 0 {
		return 0
	}

	nc := float64(control.Size)
	nt := float64(treatment.Size)
	pc := control.Value
	pt := treatment.Value

	pooled := (nc*pc + nt*pt) / (nc + nt)
	se0 := math.Sqrt(pooled * (1 - pooled) * (1/nc + 1/nt))
	seA := math.Sqrt(pc*(1-pc)/nc + pt*(1-pt)/nt)
	if seA == 0 || se0 == 0 {
		return 0
	}

	delta := math.Abs(pt - pc)
	zAlpha := Quantile(1 - alpha/2)

	// Both rejection tails; the far tail is usually negligible.
	upper := NormalCDF((delta - zAlpha*se0) / seA)
	lower := NormalCDF((-delta - zAlpha*se0) / seA)
	return upper + lower
}
