package pricing

import (
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCost_Table(t *testing.T) {
	calc := NewCalculator(false, nil)
	cases := []struct {
		feature string
		opts    Options
		want    int
	}{
		{FeatureStylizationAll, Options{}, 5},
		{FeatureStylizationAll, Options{Quality: QualityHigh}, 8},
		{FeatureStylizationAll, Options{Quality: QualityUltra}, 13},
		{FeatureStylizationAll, Options{Count: 2}, 10},
		{FeatureStylizationAll, Options{Count: 3}, 15},
		{FeatureStylizationAll, Options{Quality: QualityHigh, Count: 2}, 15},
		{FeatureStylizationAll, Options{Quality: QualityUltra, Count: 2}, 25},
		{FeatureColorization, Options{}, 6},
		{FeatureVideoSynthesis, Options{}, 10},
		{FeatureSuperResolution, Options{Quality: QualityHigh, Count: 3}, 32},
		{"stylization_al", Options{}, 0},
	}
	for _, tc := range cases {
		got, err := calc.Cost(tc.feature, tc.opts)
		if err != nil {
			t.Errorf("Cost(%s, %+v): unexpected error %v", tc.feature, tc.opts, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Cost(%s, %+v): got %d, want %d", tc.feature, tc.opts, got, tc.want)
		}
	}
}

// Every feature/quality/count combination matches ceil(base * mult * count).
func TestCost_MatchesFormula(t *testing.T) {
	calc := NewCalculator(false, nil)
	mults := map[string]float64{QualityStandard: 1.0, QualityHigh: 1.5, QualityUltra: 2.5}
	for _, f := range Features() {
		for q, m := range mults {
			for count := 1; count <= 10; count++ {
				got, err := calc.Cost(f.Name, Options{Quality: q, Count: count})
				if err != nil {
					t.Fatalf("Cost(%s): %v", f.Name, err)
				}
				want := int(math.Ceil(float64(f.BaseCost) * m * float64(count)))
				if got != want {
					t.Errorf("Cost(%s, %s, %d): got %d, want %d", f.Name, q, count, got, want)
				}
			}
		}
	}
}

func TestCost_UnknownFeatureLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	calc := NewCalculator(false, zap.New(core))

	got, err := calc.Cost("colourization", Options{})
	if err != nil || got != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", got, err)
	}
	if logs.Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestCost_StrictRejectsUnknownFeature(t *testing.T) {
	calc := NewCalculator(true, nil)
	if _, err := calc.Cost("colourization", Options{}); !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("got %v, want ErrUnknownFeature", err)
	}
	if got, err := calc.Cost(FeatureColorization, Options{}); err != nil || got != 6 {
		t.Errorf("known feature in strict mode: got (%d, %v)", got, err)
	}
}

func TestCost_InvalidOptions(t *testing.T) {
	calc := NewCalculator(false, nil)
	if _, err := calc.Cost(FeatureExpand, Options{Quality: "cinematic"}); !errors.Is(err, ErrInvalidQuality) {
		t.Errorf("got %v, want ErrInvalidQuality", err)
	}
	if _, err := calc.Cost(FeatureExpand, Options{Count: -1}); !errors.Is(err, ErrInvalidCount) {
		t.Errorf("got %v, want ErrInvalidCount", err)
	}
}

func TestCost_CountUpperBound(t *testing.T) {
	calc := NewCalculator(true, nil)
	for _, count := range []int{MaxCount + 1, 1_000_000_000, 3689348814741910324} {
		got, err := calc.Cost(FeatureStylizationAll, Options{Count: count})
		if !errors.Is(err, ErrInvalidCount) {
			t.Errorf("count %d: got (%d, %v), want ErrInvalidCount", count, got, err)
		}
	}
	got, err := calc.Cost(FeatureLivePortrait, Options{Quality: QualityUltra, Count: MaxCount})
	if err != nil {
		t.Fatalf("max count: %v", err)
	}
	if want := 3750; got != want || got > MaxCost {
		t.Errorf("max count: got %d, want %d", got, want)
	}
}

func TestTransactionType(t *testing.T) {
	if TransactionType(FeatureVideoSynthesis) != "VIDEO_GENERATION" {
		t.Error("video_synthesis should charge VIDEO_GENERATION")
	}
	if TransactionType(FeatureColorization) != "IMAGE_GENERATION" {
		t.Error("colorization should charge IMAGE_GENERATION")
	}
}
