package ml

import (
	"math"
	"math/rand"

	"digitserve/imaging"
)

// Augmentation knobs: small random rotations, small translations, and
// morphological thinning/thickening, matching the variation seen in real
// uploads.
const (
	maxRotationDegrees = 15.0
	maxTranslatePixels = 2
	morphThreshold     = 0.5
)

// Augment generates factor synthetic variants per sample and concatenates
// them with the originals, sharing the original labels. factor 2 triples
// the dataset.
func Augment(features [][]float64, labels []int, factor int, seed int64) ([][]float64, []int) {
	if factor <= 0 || len(features) == 0 {
		return features, labels
	}

	rnd := rand.New(rand.NewSource(seed))
	outX := make([][]float64, 0, len(features)*(factor+1))
	outY := make([]int, 0, len(labels)*(factor+1))
	outX = append(outX, features...)
	outY = append(outY, labels...)

	for pass := 0; pass < factor; pass++ {
		for i, vec := range features {
			outX = append(outX, augmentOne(vec, rnd))
			outY = append(outY, labels[i])
		}
	}
	return outX, outY
}

func augmentOne(vec []float64, rnd *rand.Rand) []float64 {
	switch rnd.Intn(3) {
	case 0:
		angle := (rnd.Float64()*2 - 1) * maxRotationDegrees
		return Rotate(vec, angle)
	case 1:
		dx := rnd.Intn(2*maxTranslatePixels+1) - maxTranslatePixels
		dy := rnd.Intn(2*maxTranslatePixels+1) - maxTranslatePixels
		return Translate(vec, dx, dy)
	default:
		if rnd.Intn(2) == 0 {
			return Erode(vec)
		}
		return Dilate(vec)
	}
}

// Rotate rotates a Side x Side raster around its center by the given
// angle in degrees, sampling bilinearly from the source.
func Rotate(vec []float64, degrees float64) []float64 {
	side := imaging.Side
	rad := degrees * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	center := float64(side-1) / 2

	out := make([]float64, len(vec))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			// inverse mapping into the source raster
			fx := float64(x) - center
			fy := float64(y) - center
			sx := cos*fx + sin*fy + center
			sy := -sin*fx + cos*fy + center
			out[y*side+x] = sampleBilinear(vec, side, sx, sy)
		}
	}
	return out
}

// Translate shifts the raster by whole pixels, filling exposed edges with
// background.
func Translate(vec []float64, dx, dy int) []float64 {
	side := imaging.Side
	out := make([]float64, len(vec))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			sx, sy := x-dx, y-dy
			if sx < 0 || sy < 0 || sx >= side || sy >= side {
				continue
			}
			out[y*side+x] = vec[sy*side+sx]
		}
	}
	return out
}

// Erode thins strokes: a pixel survives only when its 3x3 neighborhood is
// entirely foreground on a binarized copy.
func Erode(vec []float64) []float64 {
	return morph(vec, true)
}

// Dilate thickens strokes: a pixel turns on when any neighbor is
// foreground on a binarized copy.
func Dilate(vec []float64) []float64 {
	return morph(vec, false)
}

func morph(vec []float64, erode bool) []float64 {
	side := imaging.Side
	bin := make([]bool, len(vec))
	for i, v := range vec {
		bin[i] = v >= morphThreshold
	}

	out := make([]float64, len(vec))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			if neighborhood(bin, side, x, y, erode) {
				out[y*side+x] = 1
			}
		}
	}
	return out
}

// neighborhood reports all-neighbors-on when all is true, else
// any-neighbor-on, over the 3x3 window (out-of-bounds counts as off).
func neighborhood(bin []bool, side, x, y int, all bool) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			on := nx >= 0 && ny >= 0 && nx < side && ny < side && bin[ny*side+nx]
			if all && !on {
				return false
			}
			if !all && on {
				return true
			}
		}
	}
	return all
}

func sampleBilinear(vec []float64, side int, x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	get := func(px, py int) float64 {
		if px < 0 || py < 0 || px >= side || py >= side {
			return 0
		}
		return vec[py*side+px]
	}

	top := get(x0, y0)*(1-fx) + get(x0+1, y0)*fx
	bottom := get(x0, y0+1)*(1-fx) + get(x0+1, y0+1)*fx
	return top*(1-fy) + bottom*fy
}
