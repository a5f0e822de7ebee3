// Package mlscore builds a 63x63x3 cutout triplet from an alert's
// Science/Template/Difference FITS blobs and runs each configured model
// against it.
//
// FITS decoding and the inference runtime itself are external
// collaborators; this package depends on them only through the
// FITSDecoder and Model interfaces below, so tests can supply fakes.
package mlscore

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"math"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/config"
)

const tripletSize = 63

// Image is a decoded 2D FITS image, row-major.
type Image struct {
	Width, Height int
	Data          []float64
}

// FITSDecoder decodes an uncompressed FITS blob into an Image.
type FITSDecoder interface {
	Decode(r io.Reader) (*Image, error)
}

// Model scores a single 63x63x3 triplet and returns a scalar.
type Model interface {
	Name() string
	Version() string
	Predict(triplet [][][]float64) (float64, error)
}

// Scorer builds triplets from cutouts and runs each configured Model.
type Scorer struct {
	decoder FITSDecoder
	models  []Model
}

func New(decoder FITSDecoder, models []Model) *Scorer {
	return &Scorer{decoder: decoder, models: models}
}

// Score runs every loaded model against raw's cutout triplet. Per-model
// failure is non-fatal: the offending score is omitted and other models
// still run.
func (s *Scorer) Score(raw *alertschema.RawAlert) map[string]alertschema.Classification {
	out := map[string]alertschema.Classification{}

	triplet, err := s.buildTriplet(raw.Cutouts)
	if err != nil {
		sklog.Errorf("building cutout triplet for candid %d failed: %v", raw.Candid, err)
		return out
	}

	for _, model := range s.models {
		score, err := model.Predict(triplet)
		if err != nil {
			sklog.Errorf("model %s failed for candid %d: %v", model.Name(), raw.Candid, err)
			continue
		}
		out[model.Name()] = alertschema.Classification{Score: score, Version: model.Version()}
	}
	return out
}

func (s *Scorer) buildTriplet(cutouts alertschema.Cutouts) ([][][]float64, error) {
	science, err := s.decodeChannel(cutouts.Science)
	if err != nil {
		return nil, fmt.Errorf("science cutout: %w", err)
	}
	template, err := s.decodeChannel(cutouts.Template)
	if err != nil {
		return nil, fmt.Errorf("template cutout: %w", err)
	}
	difference, err := s.decodeChannel(cutouts.Difference)
	if err != nil {
		return nil, fmt.Errorf("difference cutout: %w", err)
	}

	triplet := make([][][]float64, tripletSize)
	for i := range triplet {
		triplet[i] = make([][]float64, tripletSize)
		for j := range triplet[i] {
			triplet[i][j] = []float64{science[i][j], template[i][j], difference[i][j]}
		}
	}
	return triplet, nil
}

// decodeChannel gunzips and decodes one cutout, replaces NaN with 0,
// L2-normalizes, and zero-pads (with 1e-9, not true zero, so the padded
// border never collapses a model's batchnorm statistics) to tripletSize
// square.
func (s *Scorer) decodeChannel(gzipped []byte) ([][]float64, error) {
	gr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer gr.Close()

	img, err := s.decoder.Decode(gr)
	if err != nil {
		return nil, fmt.Errorf("fits decode: %w", err)
	}

	flat := make([]float64, len(img.Data))
	var sumSq float64
	for i, v := range img.Data {
		if math.IsNaN(v) {
			v = 0
		}
		flat[i] = v
		sumSq += v * v
	}
	norm := math.Sqrt(sumSq)
	if norm > 0 {
		for i := range flat {
			flat[i] /= norm
		}
	}

	padded := make([][]float64, tripletSize)
	for i := range padded {
		padded[i] = make([]float64, tripletSize)
		for j := range padded[i] {
			padded[i][j] = 1e-9
		}
	}
	for y := 0; y < img.Height && y < tripletSize; y++ {
		for x := 0; x < img.Width && x < tripletSize; x++ {
			padded[y][x] = flat[y*img.Width+x]
		}
	}
	return padded, nil
}

// PathForModel resolves a model's on-disk path template from config,
// substituting its configured version.
func PathForModel(name string, cfg config.MLModelConfig) string {
	return fmt.Sprintf(cfg.PathTmpl, name, cfg.Version)
}
