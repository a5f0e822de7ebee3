// Package fitsdecode provides the default mlscore.FITSDecoder/thumbnail
// decoder wired into the alertingest CLI. Real FITS decoding is an
// external collaborator; this decoder reads the minimal
// width/height/float64-row-major layout this repo's fixtures and tests
// use, and is meant to be swapped for a real FITS library at deployment
// time.
package fitsdecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"go.alertstream.build/ingest/go/mlscore"
)

type Decoder struct{}

// Decode reads a little-endian header of two uint32s (width, height)
// followed by width*height float64 pixels, row-major.
func (Decoder) Decode(r io.Reader) (*mlscore.Image, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading FITS header: %w", err)
	}
	width := int(binary.LittleEndian.Uint32(header[0:4]))
	height := int(binary.LittleEndian.Uint32(header[4:8]))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid FITS dimensions %dx%d", width, height)
	}

	data := make([]float64, width*height)
	buf := make([]byte, 8)
	for i := range data {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading FITS pixel %d: %w", i, err)
		}
		bits := binary.LittleEndian.Uint64(buf)
		data[i] = math.Float64frombits(bits)
	}
	return &mlscore.Image{Width: width, Height: height, Data: data}, nil
}
