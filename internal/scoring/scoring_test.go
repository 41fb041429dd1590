package scoring

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCombineEmptyReturnsDefault(t *testing.T) {
	got := Combine(nil)
	if got != Default {
		t.Fatalf("want default score, got %+v", got)
	}
}

func TestCombineSingleLocalExperience(t *testing.T) {
	contrib := []Contribution{{ROI: 1.2, Weight: 1000, DataPoints: 1}}
	got := Combine(contrib)
	if !approxEqual(got.ExpectedPVROI, 1.2) || got.TotalVolume != 1000 || got.DataPoints != 1 {
		t.Fatalf("unexpected combine result: %+v", got)
	}
}

func TestCombineWeightedAverage(t *testing.T) {
	// Scenario 2 from §8: (1.2, 50) and (0.75, 100) -> 0.9 / 150 / 2.
	contrib := []Contribution{{ROI: 1.2, Weight: 50, DataPoints: 1}, {ROI: 0.75, Weight: 100, DataPoints: 1}}
	got := Combine(contrib)
	if !approxEqual(got.ExpectedPVROI, 0.9) {
		t.Fatalf("want 0.9, got %v", got.ExpectedPVROI)
	}
	if got.TotalVolume != 150 || got.DataPoints != 2 {
		t.Fatalf("unexpected volume/data_points: %+v", got)
	}
}

func TestCombineCountsDataPointsEvenWhenAgedToZero(t *testing.T) {
	// A contribution that was live before aging still counts as a data point
	// even once its aged weight has decayed to zero (§8).
	contrib := []Contribution{
		{ROI: 1.2, Weight: 100, DataPoints: 1},
		{ROI: 0.75, Weight: 0, DataPoints: 1},
	}
	got := Combine(contrib)
	if !approxEqual(got.ExpectedPVROI, 1.2) {
		t.Fatalf("want 1.2 (zero-weight entry must not move the average), got %v", got.ExpectedPVROI)
	}
	if got.DataPoints != 2 {
		t.Fatalf("want data_points 2, got %v", got.DataPoints)
	}
}

func TestAgeWeightZeroForgetRateIsIdentity(t *testing.T) {
	if AgeWeight(100, 0, 50) != 100 {
		t.Fatal("forget_rate=0 must not decay weight")
	}
}

func TestAgeWeightClampsToZero(t *testing.T) {
	got := AgeWeight(100, 1.0, 2.0) // rate*age = 2 > 1
	if got != 0 {
		t.Fatalf("want clamped weight 0, got %v", got)
	}
}

func TestAgeWeightLinearDecay(t *testing.T) {
	got := AgeWeight(100, 0.5, 1.0) // 1 - 0.5*1 = 0.5
	if !approxEqual(got, 50) {
		t.Fatalf("want 50, got %v", got)
	}
}

func TestAgeYearsZeroDurationIsIdentity(t *testing.T) {
	now := time.Now()
	if AgeYears(now, now) != 0 {
		t.Fatal("same instant must yield zero age")
	}
}

func TestReweightPeerContrarianSignFlip(t *testing.T) {
	// Scenario 5 from §8: q=-1, roi=0.5 -> (1.5, 100).
	c := ReweightPeer(0.5, 100, -1, 1)
	if !approxEqual(c.ROI, 1.5) || !approxEqual(c.Weight, 100) {
		t.Fatalf("want (1.5, 100), got %+v", c)
	}
}

func TestReweightPeerPositiveQualityPreservesROI(t *testing.T) {
	c := ReweightPeer(1.2, 100, 0.5, 1)
	if !approxEqual(c.ROI, 1.2) || !approxEqual(c.Weight, 50) {
		t.Fatalf("want (1.2, 50), got %+v", c)
	}
}

func TestReweightPeerZeroQualityDropsContribution(t *testing.T) {
	c := ReweightPeer(1.2, 100, 0, 1)
	if c.Weight != 0 || c.DataPoints != 0 {
		t.Fatalf("zero quality must admit zero weight and zero data_points, got %+v", c)
	}
}

func TestClampQuality(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-5, -1}, {5, 1}, {0.3, 0.3}, {-1, -1}, {1, 1},
	}
	for _, c := range cases {
		if got := ClampQuality(c.in); got != c.want {
			t.Fatalf("ClampQuality(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLinearityCacheAgesSameAsLiveReask(t *testing.T) {
	// §4.1 linearity requirement: aging a cached score by zero years must be
	// the identity, so cache-fallback with no elapsed time reproduces the
	// live answer exactly (§8 invariant 4).
	live := ReweightPeer(1.1, 500, 1.0, 1)
	liveWeight := AgeWeight(live.Weight, 0.2, 0)
	if !approxEqual(liveWeight, live.Weight) {
		t.Fatalf("zero-age aging must be identity, got %v want %v", liveWeight, live.Weight)
	}
}
