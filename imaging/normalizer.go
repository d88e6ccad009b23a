// Package imaging converts uploaded images into the canonical 28x28
// feature vectors the classifier was trained on.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	"github.com/nfnt/resize"
)

const (
	// Side is the canonical resolution of one normalized image.
	Side = 28
	// VectorLen is the fixed feature vector length.
	VectorLen = Side * Side

	intermediateSide = Side * 2
)

var (
	ErrEmptyImage      = errors.New("empty image")
	ErrDecode          = errors.New("image decode failed")
	ErrDegenerateImage = errors.New("degenerate image")
)

// raster is a grayscale image with intensities in [0,1], row-major.
type raster struct {
	w, h int
	pix  []float64
}

func newRaster(w, h int) *raster {
	return &raster{w: w, h: h, pix: make([]float64, w*h)}
}

func (r *raster) at(x, y int) float64 { return r.pix[y*r.w+x] }

// Normalize converts raw encoded image bytes into a feature vector of
// length VectorLen, matching the training distribution: bright strokes on
// a dark background, centered, values in [0,1].
func Normalize(raw []byte) ([]float64, error) {
	r, err := decodeGray(raw)
	if err != nil {
		return nil, err
	}

	r = denoise(r)

	if shouldInvert(computeStats(r.pix)) {
		invert(r)
	}

	stats := computeStats(r.pix)
	if needsBinarize(stats) {
		binarize(r, binarizeThreshold)
	} else if needsContrastStretch(stats) {
		stretchContrast(r)
	}

	r = centerContent(r)
	r = sharpen(r)
	r = twoStageResize(r)

	correctMean(r)

	vec := append([]float64(nil), r.pix...)
	if len(vec) != VectorLen {
		return nil, fmt.Errorf("normalized vector length %d, want %d", len(vec), VectorLen)
	}
	if isDegenerate(vec) {
		return nil, ErrDegenerateImage
	}
	return vec, nil
}

// NormalizeDebug runs Normalize and additionally returns the canonical
// 28x28 raster encoded as PNG, for inspection endpoints and tooling.
func NormalizeDebug(raw []byte) ([]float64, []byte, error) {
	vec, err := Normalize(raw)
	if err != nil {
		return nil, nil, err
	}
	img := image.NewGray(image.Rect(0, 0, Side, Side))
	for i, v := range vec {
		img.Pix[i] = uint8(v*255 + 0.5)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, nil, err
	}
	return vec, buf.Bytes(), nil
}

func decodeGray(raw []byte) (*raster, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	r := newRaster(bounds.Dx(), bounds.Dy())
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			r.pix[i] = float64(g.Y) / 255.0
			i++
		}
	}
	return r, nil
}

// denoise applies a 3x3 box blur to suppress compression and scan
// artifacts without erasing strokes.
func denoise(r *raster) *raster {
	out := newRaster(r.w, r.h)
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			var sum float64
			var n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= r.w || ny >= r.h {
						continue
					}
					sum += r.at(nx, ny)
					n++
				}
			}
			out.pix[y*out.w+x] = sum / float64(n)
		}
	}
	return out
}

func invert(r *raster) {
	for i, v := range r.pix {
		r.pix[i] = 1 - v
	}
}

// stretchContrast maps the [p5, p95] intensity band onto [0,1] to recover
// dynamic range from washed-out inputs.
func stretchContrast(r *raster) {
	lo := percentile(r.pix, stretchLowPercentile)
	hi := percentile(r.pix, stretchHighPercentile)
	if hi-lo < 1e-9 {
		return
	}
	for i, v := range r.pix {
		v = (v - lo) / (hi - lo)
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		r.pix[i] = v
	}
}

func binarize(r *raster, threshold float64) {
	for i, v := range r.pix {
		if v >= threshold {
			r.pix[i] = 1
		} else {
			r.pix[i] = 0
		}
	}
}

// centerContent crops the foreground bounding box and re-pastes it, with
// padding, into the center of a square dark canvas. When no foreground is
// found the raster passes through unchanged; the final degenerate check
// rejects it later.
func centerContent(r *raster) *raster {
	threshold := percentile(r.pix, foregroundPercentile) / 2
	if threshold < foregroundFloor {
		threshold = foregroundFloor
	}

	minX, minY := r.w, r.h
	maxX, maxY := -1, -1
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			if r.at(x, y) > threshold {
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return r
	}

	cw := maxX - minX + 1
	ch := maxY - minY + 1
	side := cw
	if ch > side {
		side = ch
	}
	side += 2 * centerPadding

	out := newRaster(side, side)
	offX := (side - cw) / 2
	offY := (side - ch) / 2
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			out.pix[(y+offY)*side+(x+offX)] = r.at(minX+x, minY+y)
		}
	}
	return out
}

// sharpen counteracts the smoothing from denoise with a 3x3 kernel.
func sharpen(r *raster) *raster {
	out := newRaster(r.w, r.h)
	for y := 0; y < r.h; y++ {
		for x := 0; x < r.w; x++ {
			v := 5 * r.at(x, y)
			if x > 0 {
				v -= r.at(x-1, y)
			}
			if x < r.w-1 {
				v -= r.at(x+1, y)
			}
			if y > 0 {
				v -= r.at(x, y-1)
			}
			if y < r.h-1 {
				v -= r.at(x, y+1)
			}
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			out.pix[y*out.w+x] = v
		}
	}
	return out
}

// twoStageResize first fits the raster onto a 56x56 dark canvas
// preserving aspect ratio, then resizes to the final 28x28. Staged
// reduction keeps thin strokes that a single large downsample would
// destroy.
func twoStageResize(r *raster) *raster {
	img := toGray(r)

	var fitted image.Image
	if r.w >= r.h {
		fitted = resize.Resize(intermediateSide, 0, img, resize.Lanczos3)
	} else {
		fitted = resize.Resize(0, intermediateSide, img, resize.Lanczos3)
	}

	canvas := image.NewGray(image.Rect(0, 0, intermediateSide, intermediateSide))
	fb := fitted.Bounds()
	offX := (intermediateSide - fb.Dx()) / 2
	offY := (intermediateSide - fb.Dy()) / 2
	for y := 0; y < fb.Dy(); y++ {
		for x := 0; x < fb.Dx(); x++ {
			g := color.GrayModel.Convert(fitted.At(fb.Min.X+x, fb.Min.Y+y)).(color.Gray)
			canvas.SetGray(offX+x, offY+y, g)
		}
	}

	final := resize.Resize(Side, Side, canvas, resize.Lanczos3)
	return fromGray(final)
}

// correctMean nudges bright- or dark-skewed inputs toward the training
// distribution's mean with a bounded multiplicative factor.
func correctMean(r *raster) {
	var sum float64
	for _, v := range r.pix {
		sum += v
	}
	factor := meanCorrectionFactor(sum / float64(len(r.pix)))
	if factor == 1 {
		return
	}
	for i, v := range r.pix {
		v *= factor
		if v > 1 {
			v = 1
		}
		r.pix[i] = v
	}
}

func isDegenerate(vec []float64) bool {
	first := vec[0]
	for _, v := range vec[1:] {
		if math.Abs(v-first) > 1e-9 {
			return false
		}
	}
	return true
}

func toGray(r *raster) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, r.w, r.h))
	for i, v := range r.pix {
		img.Pix[i] = uint8(v*255 + 0.5)
	}
	return img
}

func fromGray(img image.Image) *raster {
	bounds := img.Bounds()
	r := newRaster(bounds.Dx(), bounds.Dy())
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			r.pix[i] = float64(g.Y) / 255.0
			i++
		}
	}
	return r
}
