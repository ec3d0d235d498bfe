// naive.go provides a pure-Go reference backend for the four model
// façades: simple pixel-statistics heuristics, not a trained network.
// It exists so the pipeline is runnable end-to-end without a native
// inference binding; swap Runners' fields for a real backend's
// functions to move from heuristic to production-grade detection.
package models

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"math"

	"github.com/muhammedAlySawalhy/Face-Recognition-Server-Final-version/internal/domain"
)

// NaiveFaceDetector treats the center 60% of the frame as the face
// region whenever the frame decodes successfully.
func NaiveFaceDetector(_ context.Context, frame []byte) (*domain.BBox, bool, error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, false, fmt.Errorf("decode frame: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, false, nil
	}
	marginX, marginY := w/5, h/5
	bbox := &domain.BBox{
		X1: b.Min.X + marginX,
		Y1: b.Min.Y + marginY,
		X2: b.Max.X - marginX,
		Y2: b.Max.Y - marginY,
	}
	return bbox, true, nil
}

// NaiveSpoofClassifier scores liveness from luminance variance within
// the frame: a flat, low-variance image (consistent with a printed
// photo or screen replay) reads as not real, with the confidence score
// set by how far the variance sits below the live/spoof cutoff.
func NaiveSpoofClassifier(_ context.Context, faceCrop []byte) (bool, float64, error) {
	img, _, err := image.Decode(bytes.NewReader(faceCrop))
	if err != nil {
		return false, 0, fmt.Errorf("decode crop: %w", err)
	}
	variance := luminanceVariance(img)
	// Normalize into roughly [0,1]; the constant is a heuristic scale
	// factor, not a calibrated threshold.
	realness := variance / (variance + 400)
	const liveCutoff = 0.5
	isReal := realness >= liveCutoff
	spoofScore := 1 - realness
	return isReal, spoofScore, nil
}

// NaivePhoneDetector decodes the frame, returning an error if that
// fails, and otherwise always reports no phone: it runs no detection
// over the pixels. The hook exists so the phone branch's plumbing is
// exercised.
func NaivePhoneDetector(_ context.Context, frame []byte) (*domain.BBox, float64, bool, error) {
	if _, _, err := image.Decode(bytes.NewReader(frame)); err != nil {
		return nil, 0, false, fmt.Errorf("decode frame: %w", err)
	}
	return nil, 0, false, nil
}

// NaiveEmbedder produces a coarse embedding by averaging luminance over
// a fixed grid of cells, giving a stable, comparable fixed-length
// vector without a trained feature extractor. The detectThenCrop flag
// is ignored: the whole image is embedded, with neither face detection
// nor a centered crop.
func NaiveEmbedder(_ context.Context, imageBytes []byte, _ bool) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("decode enrolment image: %w", err)
	}
	const grid = 8
	return gridLuminance(img, grid), nil
}

// NaiveIdentifier compares a face crop's grid-luminance embedding
// against reference using the configured metric.
func NaiveIdentifier(ctx context.Context, faceCrop []byte, reference []float32, metric string) (float64, error) {
	vec, err := NaiveEmbedder(ctx, faceCrop, false)
	if err != nil {
		return 0, err
	}
	if metric == "euclidean" {
		return euclidean(vec, reference), nil
	}
	return cosine(vec, reference), nil
}

func luminanceVariance(img image.Image) float64 {
	b := img.Bounds()
	var sum, sumSq float64
	var n float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := luminanceAt(img, x, y)
			sum += l
			sumSq += l * l
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / n
	return sumSq/n - mean*mean
}

func gridLuminance(img image.Image, grid int) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, grid*grid)
	if w == 0 || h == 0 {
		return out
	}
	cellW, cellH := w/grid, h/grid
	if cellW == 0 {
		cellW = 1
	}
	if cellH == 0 {
		cellH = 1
	}
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			x0 := b.Min.X + gx*cellW
			y0 := b.Min.Y + gy*cellH
			x1 := minInt(x0+cellW, b.Max.X)
			y1 := minInt(y0+cellH, b.Max.Y)
			var sum float64
			var n float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					sum += luminanceAt(img, x, y)
					n++
				}
			}
			if n > 0 {
				out[gy*grid+gx] = float32(sum / n)
			}
		}
	}
	return out
}

func luminanceAt(img image.Image, x, y int) float64 {
	r, g, bl, _ := img.At(x, y).RGBA()
	return 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
