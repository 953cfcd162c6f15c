package stats_test

import (
	"math"
	"testing"

	"github.com/split-goat/split-goat/internal/stats"
)

func TestNormalCDF_ReferenceValues(t *testing.T) {
	// Pinned against scipy.stats.norm.cdf
	cases := []struct {
		x    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.9750021},
		{-1.96, 0.0249979},
		{1.0, 0.8413447},
		{2.576, 0.9950024},
		{-3.0, 0.0013499},
	}

	for _, c := range cases {
		got := stats.NormalCDF(c.x)
		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("NormalCDF(%v) = %v, want %v", c.x, got, c.want)
		}
	}
}

func TestQuantile_InvertsCDF(t *testing.T) {
	for _, p := range []float64{0.01, 0.1, 0.5, 0.9, 0.975, 0.995} {
		z := stats.Quantile(p)
		back := stats.NormalCDF(z)
		if math.Abs(back-p) > 1e-7 {
			t.Errorf("NormalCDF(Quantile(%v)) = %v, want %v", p, back, p)
		}
	}
}

func TestZScore_CommonLevels(t *testing.T) {
	cases := []struct {
		confidence float64
		want       float64
	}{
		{0.90, 1.6449},
		{0.95, 1.9600},
		{0.99, 2.5758},
	}

	for _, c := range cases {
		got := stats.ZScore(c.confidence)
		if math.Abs(got-c.want) > 1e-3 {
			t.Errorf("ZScore(%v) = %v, want %v", c.confidence, got, c.want)
		}
	}
}

func TestZTest_GoldenValues(t *testing.T) {
	// 5% vs 7% conversion at n=1000 each. Reference values computed with
	// statsmodels.stats.proportion.proportions_ztest:
	// z = 1.8831, p = 0.0597, just short of significance at 95%.
	control := stats.Sample{Value: 0.05, Size: 1000}
	treatment := stats.Sample{Value: 0.07, Size: 1000}

	r := stats.ZTest(control, treatment, 0.95)

	if math.Abs(r.ZScore-1.8831) > 1e-3 {
		t.Errorf("z = %v, want 1.8831", r.ZScore)
	}
	if math.Abs(r.PValue-0.05969) > 5e-4 {
		t.Errorf("pValue = %v, want 0.05969", r.PValue)
	}
	if math.Abs(r.Confidence-0.94031) > 5e-4 {
		t.Errorf("confidence = %v, want 0.94031", r.Confidence)
	}
	if math.Abs(r.MarginOfError-0.020816) > 1e-4 {
		t.Errorf("marginOfError = %v, want 0.020816", r.MarginOfError)
	}
	if r.IsSignificant {
		t.Error("expected not significant at 95% for p ≈ 0.0597")
	}
}

func TestZTest_ClearWinner(t *testing.T) {
	// 10% vs 5% at n=1000 each is decisively significant
	control := stats.Sample{Value: 0.05, Size: 1000}
	treatment := stats.Sample{Value: 0.10, Size: 1000}

	r := stats.ZTest(control, treatment, 0.95)

	if !r.IsSignificant {
		t.Errorf("expected significance, got pValue %v", r.PValue)
	}
	if r.Confidence < 0.99 {
		t.Errorf("expected confidence > 0.99, got %v", r.Confidence)
	}
	if r.ZScore < 0 {
		t.Errorf("treatment beats control, z should be positive, got %v", r.ZScore)
	}
}

func TestZTest_EqualRates(t *testing.T) {
	control := stats.Sample{Value: 0.05, Size: 1000}
	treatment := stats.Sample{Value: 0.05, Size: 1000}

	r := stats.ZTest(control, treatment, 0.95)

	if r.IsSignificant {
		t.Error("equal rates must not be significant")
	}
	if math.Abs(r.PValue-1.0) > 1e-9 {
		t.Errorf("pValue = %v, want 1.0 for identical rates", r.PValue)
	}
}

func TestZTest_EmptySamples(t *testing.T) {
	r := stats.ZTest(stats.Sample{}, stats.Sample{}, 0.95)

	if r.IsSignificant {
		t.Error("no data must not be significant")
	}
	if r.PValue != 1 {
		t.Errorf("pValue = %v, want 1 with no data", r.PValue)
	}
}

func TestZTest_OneEmptyArm(t *testing.T) {
	r := stats.ZTest(stats.Sample{Value: 0.1, Size: 100}, stats.Sample{}, 0.95)

	if r.IsSignificant {
		t.Error("cannot be significant with a single arm")
	}
}

func TestZTest_DefaultsBadLevel(t *testing.T) {
	control := stats.Sample{Value: 0.05, Size: 1000}
	treatment := stats.Sample{Value: 0.10, Size: 1000}

	a := stats.ZTest(control, treatment, 0)
	b := stats.ZTest(control, treatment, 0.95)

	if a.IsSignificant != b.IsSignificant || math.Abs(a.PValue-b.PValue) > 1e-12 {
		t.Error("level 0 should fall back to 0.95")
	}
}

func TestPower_GoldenValue(t *testing.T) {
	// Same 5% vs 7% setup; reference power from
	// statsmodels.stats.proportion.power_proportions_2indep ≈ 0.469.
	control := stats.Sample{Value: 0.05, Size: 1000}
	treatment := stats.Sample{Value: 0.07, Size: 1000}

	power := stats.Power(control, treatment, 0.05)

	if math.Abs(power-0.469) > 5e-3 {
		t.Errorf("power = %v, want ≈ 0.469", power)
	}
}

func TestPower_SampleSizeRanges(t *testing.T) {
	// Small sample + small effect has low power; large sample + large
	// effect has high power.
	low := stats.Power(stats.Sample{Value: 0.10, Size: 50}, stats.Sample{Value: 0.11, Size: 50}, 0.05)
	if low > 0.3 {
		t.Errorf("small sample/effect power = %v, want < 0.3", low)
	}

	high := stats.Power(stats.Sample{Value: 0.05, Size: 5000}, stats.Sample{Value: 0.08, Size: 5000}, 0.05)
	if high < 0.8 {
		t.Errorf("large sample/effect power = %v, want > 0.8", high)
	}
}

func TestPower_NoData(t *testing.T) {
	if p := stats.Power(stats.Sample{}, stats.Sample{}, 0.05); p != 0 {
		t.Errorf("power = %v, want 0 with no data", p)
	}
}
