package pricing

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/models"
)

// Feature identifiers.
const (
	FeatureStylizationAll          = "stylization_all"
	FeatureStylizationLocal        = "stylization_local"
	FeatureDescriptionEdit         = "description_edit"
	FeatureDescriptionEditWithMask = "description_edit_with_mask"
	FeatureRemoveWatermark         = "remove_watermark"
	FeatureExpand                  = "expand"
	FeatureSuperResolution         = "super_resolution"
	FeatureColorization            = "colorization"
	FeatureDoodle                  = "doodle"
	FeatureControlCartoon          = "control_cartoon_feature"
	FeatureLivePortrait            = "liveportrait_animation"
	FeatureEmojiAnimation          = "emoji_animation"
	FeatureVideoSynthesis          = "video_synthesis"
)

// Quality levels.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
	QualityUltra    = "ultra"
)

// MaxCount is the largest batch a single request may price.
const MaxCount = 100

// MaxCost is the largest charge the ledger's INTEGER columns can hold.
const MaxCost = math.MaxInt32

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidQuality = errors.New("invalid quality")
	ErrInvalidCount   = errors.New("count must be a positive integer")
	ErrCostTooLarge   = errors.New("cost exceeds the maximum charge")
)

// Feature is one billable capability.
type Feature struct {
	Name     string `json:"name"`
	BaseCost int    `json:"base_cost"`
	Kind     string `json:"result_kind"`
}

var features = map[string]Feature{
	FeatureStylizationAll:          {FeatureStylizationAll, 5, models.ResultKindImage},
	FeatureStylizationLocal:        {FeatureStylizationLocal, 6, models.ResultKindImage},
	FeatureDescriptionEdit:         {FeatureDescriptionEdit, 8, models.ResultKindImage},
	FeatureDescriptionEditWithMask: {FeatureDescriptionEditWithMask, 10, models.ResultKindImage},
	FeatureRemoveWatermark:         {FeatureRemoveWatermark, 3, models.ResultKindImage},
	FeatureExpand:                  {FeatureExpand, 4, models.ResultKindImage},
	FeatureSuperResolution:         {FeatureSuperResolution, 7, models.ResultKindImage},
	FeatureColorization:            {FeatureColorization, 6, models.ResultKindImage},
	FeatureDoodle:                  {FeatureDoodle, 5, models.ResultKindImage},
	FeatureControlCartoon:          {FeatureControlCartoon, 7, models.ResultKindImage},
	FeatureLivePortrait:            {FeatureLivePortrait, 15, models.ResultKindVideo},
	FeatureEmojiAnimation:          {FeatureEmojiAnimation, 12, models.ResultKindVideo},
	FeatureVideoSynthesis:          {FeatureVideoSynthesis, 10, models.ResultKindVideo},
}

var qualityMultipliers = map[string]decimal.Decimal{
	QualityStandard: decimal.NewFromInt(1),
	QualityHigh:     decimal.RequireFromString("1.5"),
	QualityUltra:    decimal.RequireFromString("2.5"),
}

// Options modify the base cost. Zero values mean standard quality and a count of 1.
type Options struct {
	Quality string `json:"quality,omitempty"`
	Count   int    `json:"count,omitempty"`
}

// Calculator prices features. It has no side effects beyond logging.
type Calculator struct {
	// Strict turns an unknown feature into ErrUnknownFeature instead of a zero cost.
	Strict bool
	Logger *zap.Logger
}

func NewCalculator(strict bool, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{Strict: strict, Logger: logger}
}

// Cost returns ceil(base * qualityMultiplier * count).
func (c *Calculator) Cost(feature string, opts Options) (int, error) {
	quality := opts.Quality
	if quality == "" {
		quality = QualityStandard
	}
	mult, ok := qualityMultipliers[quality]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQuality, opts.Quality)
	}
	count := opts.Count
	if count == 0 {
		count = 1
	}
	if count < 0 {
		return 0, ErrInvalidCount
	}
	if count > MaxCount {
		return 0, fmt.Errorf("%w: at most %d", ErrInvalidCount, MaxCount)
	}

	f, ok := features[feature]
	if !ok {
		if c.Strict {
			return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
		}
		c.Logger.Warn("pricing unknown feature at zero cost", zap.String("feature", feature))
		return 0, nil
	}

	total := decimal.NewFromInt(int64(f.BaseCost)).Mul(mult).Mul(decimal.NewFromInt(int64(count))).Ceil()
	if total.GreaterThan(decimal.NewFromInt(MaxCost)) {
		return 0, fmt.Errorf("%w: %s", ErrCostTooLarge, total)
	}
	return int(total.IntPart()), nil
}

// Cost prices with the permissive default calculator.
func Cost(feature string, opts Options) (int, error) {
	return (&Calculator{Logger: zap.L()}).Cost(feature, opts)
}

// Lookup returns the feature definition.
func Lookup(feature string) (Feature, bool) {
	f, ok := features[feature]
	return f, ok
}

// KindOf returns the result kind for feature, defaulting to image.
func KindOf(feature string) string {
	if f, ok := features[feature]; ok {
		return f.Kind
	}
	return models.ResultKindImage
}

// Features lists the price table sorted by name.
func Features() []Feature {
	out := make([]Feature, 0, len(features))
	for _, f := range features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TransactionType is the ledger type charged for feature.
func TransactionType(feature string) string {
	if KindOf(feature) == models.ResultKindVideo {
		return models.CreditTypeVideoGeneration
	}
	return models.CreditTypeImageGeneration
}
