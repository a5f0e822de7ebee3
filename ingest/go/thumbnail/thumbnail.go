// Package thumbnail renders one of an alert's FITS cutouts into a
// base64-encoded grayscale PNG for the downstream poster.
package thumbnail

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"
	"sort"

	"go.alertstream.build/ingest/go/mlscore"
)

// CutoutType names the three cutouts; TType is the label the downstream
// portal expects on the thumbnail record.
type CutoutType string

const (
	Science    CutoutType = "Science"
	Template   CutoutType = "Template"
	Difference CutoutType = "Difference"
)

func (c CutoutType) TType() string {
	switch c {
	case Science:
		return "new"
	case Template:
		return "ref"
	default:
		return "sub"
	}
}

// Render decodes a gzip-compressed FITS blob, flips it vertically (FITS rows
// run bottom-to-top, PNG rows run top-to-bottom), replaces NaN with zero,
// and for non-difference images substitutes non-positive pixels with the
// image median before rendering a grayscale PNG at the cutout's own width
// and height; the image is not resampled to a fixed size. Difference
// images are rendered with linear scaling; science/template use
// log-normalization, matching how each highlights its dynamic range.
func Render(decoder mlscore.FITSDecoder, gzipped []byte, ctype CutoutType) (base64png string, err error) {
	gr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return "", fmt.Errorf("gunzip: %w", err)
	}
	defer gr.Close()

	img, err := decoder.Decode(gr)
	if err != nil {
		return "", fmt.Errorf("fits decode: %w", err)
	}

	data := make([]float64, len(img.Data))
	copy(data, img.Data)
	for i, v := range data {
		if math.IsNaN(v) {
			data[i] = 0
		}
	}

	if ctype != Difference {
		med := median(data)
		for i, v := range data {
			if v <= 0 {
				data[i] = med
			}
		}
	}

	flipped := flipVertical(data, img.Width, img.Height)

	var gray *image.Gray
	if ctype == Difference {
		gray = renderLinear(flipped, img.Width, img.Height)
	} else {
		gray = renderLogNorm(flipped, img.Width, img.Height)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return "", fmt.Errorf("png encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func flipVertical(data []float64, w, h int) []float64 {
	out := make([]float64, len(data))
	for y := 0; y < h; y++ {
		srcRow := data[y*w : (y+1)*w]
		dstY := h - 1 - y
		copy(out[dstY*w:(dstY+1)*w], srcRow)
	}
	return out
}

func median(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func minMax(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func renderLinear(data []float64, w, h int) *image.Gray {
	lo, hi := minMax(data)
	span := hi - lo
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range data {
		var pix uint8
		if span > 0 {
			pix = uint8(clamp01((v-lo)/span) * 255)
		}
		gray.Pix[i] = pix
	}
	return gray
}

func renderLogNorm(data []float64, w, h int) *image.Gray {
	lo, _ := minMax(data)
	shift := 0.0
	if lo <= 0 {
		shift = -lo + 1e-6
	}
	logVals := make([]float64, len(data))
	loLog, hiLog := math.Inf(1), math.Inf(-1)
	for i, v := range data {
		lv := math.Log10(v + shift)
		logVals[i] = lv
		if lv < loLog {
			loLog = lv
		}
		if lv > hiLog {
			hiLog = lv
		}
	}
	span := hiLog - loLog
	gray := image.NewGray(image.Rect(0, 0, w, h))
	for i, lv := range logVals {
		var pix uint8
		if span > 0 {
			pix = uint8(clamp01((lv-loLog)/span) * 255)
		}
		gray.Pix[i] = pix
	}
	return gray
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
