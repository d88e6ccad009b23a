package imaging

import (
	"math"
	"sort"
)

// Tunable thresholds for the normalization pipeline. Each decision below
// is a pure predicate over Stats so it can be tested and tuned in
// isolation.
const (
	// invertLightRatio: invert polarity when this fraction of pixels is
	// brighter than mid-gray, i.e. the image is dark strokes on a light
	// background.
	invertLightRatio = 0.6
	// invertBrightFloor: also invert when both mean and median sit above
	// this level, which catches thin strokes on a washed-out background.
	invertBrightFloor = 0.7

	// lowContrastStdDev: below this the dynamic range is considered too
	// flat and percentile stretching kicks in.
	lowContrastStdDev = 0.08
	// flatStdDev: below this even stretching cannot recover a usable
	// range and the raster is binarized instead.
	flatStdDev = 0.02

	stretchLowPercentile  = 0.05
	stretchHighPercentile = 0.95
	binarizeThreshold     = 0.5

	// foregroundFloor is the minimum intensity treated as stroke when
	// locating the digit's bounding box.
	foregroundFloor      = 0.2
	foregroundPercentile = 0.99
	centerPadding        = 4

	// targetMean matches the mean pixel intensity of the training
	// distribution (MNIST).
	targetMean = 0.1307
	// meanDriftRatio: correct the global mean only when it is off by more
	// than this factor in either direction.
	meanDriftRatio = 2.0
	// mean correction is multiplicative and bounded, never a clamp to the
	// target itself.
	meanCorrectionMin = 0.5
	meanCorrectionMax = 2.0
)

// Stats summarizes the intensity distribution of a raster.
type Stats struct {
	Mean       float64
	Median     float64
	StdDev     float64
	LightRatio float64 // fraction of pixels brighter than 0.5
}

func computeStats(pix []float64) Stats {
	if len(pix) == 0 {
		return Stats{}
	}
	var sum, light float64
	for _, v := range pix {
		sum += v
		if v > 0.5 {
			light++
		}
	}
	mean := sum / float64(len(pix))

	var variance float64
	for _, v := range pix {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(pix))

	sorted := append([]float64(nil), pix...)
	sort.Float64s(sorted)

	return Stats{
		Mean:       mean,
		Median:     sorted[len(sorted)/2],
		StdDev:     math.Sqrt(variance),
		LightRatio: light / float64(len(pix)),
	}
}

// shouldInvert reports whether the raster is dark-strokes-on-light and
// must be flipped to the bright-on-dark training convention.
func shouldInvert(s Stats) bool {
	if s.LightRatio > invertLightRatio {
		return true
	}
	return s.Mean > invertBrightFloor && s.Median > invertBrightFloor
}

// needsContrastStretch reports whether the dynamic range is too flat for
// the classifier and percentile stretching should be applied.
func needsContrastStretch(s Stats) bool {
	return s.StdDev < lowContrastStdDev
}

// needsBinarize reports whether stretching alone cannot help and the
// raster should fall back to hard thresholding.
func needsBinarize(s Stats) bool {
	return s.StdDev < flatStdDev
}

// meanCorrectionFactor returns the bounded multiplicative factor pulling
// the global mean toward the training distribution, or 1 when the mean is
// within tolerance.
func meanCorrectionFactor(mean float64) float64 {
	if mean <= 0 {
		return 1
	}
	if mean < targetMean*meanDriftRatio && mean > targetMean/meanDriftRatio {
		return 1
	}
	factor := targetMean / mean
	if factor < meanCorrectionMin {
		factor = meanCorrectionMin
	}
	if factor > meanCorrectionMax {
		factor = meanCorrectionMax
	}
	return factor
}

// percentile returns the value at fraction p of the sorted pixel
// distribution, p in [0,1].
func percentile(pix []float64, p float64) float64 {
	if len(pix) == 0 {
		return 0
	}
	sorted := append([]float64(nil), pix...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
