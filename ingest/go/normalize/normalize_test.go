package normalize

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"go.alertstream.build/ingest/go/alertschema"
)

func TestNormalize_FreshAlert(t *testing.T) {
	raw := &alertschema.RawAlert{
		ObjectID: "ZTF01",
		Candid:   1001,
		Candidate: alertschema.Candidate{
			RA:  10.0,
			Dec: 20.0,
			Rb:  0.9,
		},
		PrvCandidates: []alertschema.Candidate{},
	}

	doc, prv, err := Normalize(raw)
	require.NoError(t, err)
	require.Equal(t, int64(1001), doc.Candid)
	require.Equal(t, "ZTF01", doc.ObjectID)
	require.Equal(t, "Point", doc.Coordinates.RadecGeojson.Type)
	require.InDelta(t, -170.0, doc.Coordinates.RadecGeojson.Coordinates[0], 1e-9)
	require.InDelta(t, 20.0, doc.Coordinates.RadecGeojson.Coordinates[1], 1e-9)
	require.Empty(t, prv)
	require.NotNil(t, doc.Classifications)
}

func TestNormalize_MalformedCoordinates(t *testing.T) {
	raw := &alertschema.RawAlert{
		Candidate: alertschema.Candidate{RA: 10.0, Dec: 200.0},
	}
	_, _, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_GalacticCenter(t *testing.T) {
	// Sgr A* is close to (ra=266.4, dec=-29.0), which should land near
	// galactic (l, b) = (0, 0). l is reported in [0, 360), so a value just
	// below 360 is compared through its signed remainder.
	raw := &alertschema.RawAlert{
		Candidate: alertschema.Candidate{RA: 266.41683, Dec: -29.00781},
	}
	doc, _, err := Normalize(raw)
	require.NoError(t, err)
	require.InDelta(t, 0.0, math.Remainder(doc.Coordinates.L, 360), 1.0)
	require.InDelta(t, 0.0, doc.Coordinates.B, 1.0)
}

func TestFormatRAHMS(t *testing.T) {
	require.Equal(t, "00:40:00.000", formatRAHMS(10.0))
}

func TestFormatDecDMS(t *testing.T) {
	require.Equal(t, "+20:00:00.00", formatDecDMS(20.0))
	require.Equal(t, "-20:00:00.00", formatDecDMS(-20.0))
}
