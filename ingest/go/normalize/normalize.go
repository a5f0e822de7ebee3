// Package normalize turns a raw broker alert into a primary document plus
// a separated list of prior candidates.
package normalize

import (
	"fmt"
	"math"

	"github.com/soniakeys/unit"

	"go.alertstream.build/ingest/go/alertschema"
)

// galactic pole / ascending node constants, equatorial J2000 (IAU 1958
// definition carried forward to J2000 to the precision this pipeline needs).
const (
	galPoleRARad  = 3.366032942 // 192.85948 deg
	galPoleDecRad = 0.473478598 // 27.12825 deg
	galAscNodeRad = 2.145565460 // 122.93192 deg, galactic longitude of the north celestial pole
)

// Normalize converts raw into a primary document and its separated
// prv_candidates list. No failure is expected short of malformed
// coordinates, which propagate as an error so the caller can treat the
// alert as a per-alert fatal failure.
func Normalize(raw *alertschema.RawAlert) (*alertschema.PrimaryDocument, []alertschema.Candidate, error) {
	ra, dec := raw.Candidate.RA, raw.Candidate.Dec
	if math.IsNaN(ra) || math.IsNaN(dec) || dec < -90 || dec > 90 {
		return nil, nil, fmt.Errorf("malformed coordinates ra=%v dec=%v for candid %d", ra, dec, raw.Candid)
	}

	l, b := equatorialToGalactic(ra, dec)

	doc := &alertschema.PrimaryDocument{
		Candid:          raw.Candid,
		ObjectID:        raw.ObjectID,
		Candidate:       raw.Candidate,
		SchemaName:      raw.SchemaName,
		Classifications: map[string]alertschema.Classification{},
		Coordinates: alertschema.Coordinates{
			RadecStr: [2]string{formatRAHMS(ra), formatDecDMS(dec)},
			RadecGeojson: alertschema.GeoPoint{
				Type:        "Point",
				Coordinates: [2]float64{ra - 180, dec},
			},
			L: l,
			B: b,
		},
	}

	prv := raw.PrvCandidates
	if prv == nil {
		prv = []alertschema.Candidate{}
	}
	return doc, prv, nil
}

// equatorialToGalactic converts J2000 equatorial (ra, dec) in degrees to
// galactic (l, b) in degrees, using the standard IAU rotation. No pack
// library performs this specific transform (see DESIGN.md), so it is spelled
// out with unit.Angle carrying the radian/degree conversions.
func equatorialToGalactic(raDeg, decDeg float64) (l, b float64) {
	ra := unit.AngleFromDeg(raDeg).Rad()
	dec := unit.AngleFromDeg(decDeg).Rad()

	sinB := math.Sin(galPoleDecRad)*math.Sin(dec) + math.Cos(galPoleDecRad)*math.Cos(dec)*math.Cos(ra-galPoleRARad)
	bRad := math.Asin(clamp(sinB, -1, 1))

	y := math.Cos(dec) * math.Sin(ra-galPoleRARad)
	x := math.Cos(galPoleDecRad)*math.Sin(dec) - math.Sin(galPoleDecRad)*math.Cos(dec)*math.Cos(ra-galPoleRARad)
	lRad := galAscNodeRad - math.Atan2(y, x)

	l = unit.Angle(normalizeRad(lRad)).Deg()
	b = unit.Angle(bRad).Deg()
	return l, b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeRad(rad float64) float64 {
	twoPi := 2 * math.Pi
	rad = math.Mod(rad, twoPi)
	if rad < 0 {
		rad += twoPi
	}
	return rad
}

// formatRAHMS renders right ascension (degrees) as "HH:MM:SS.sss".
func formatRAHMS(raDeg float64) string {
	hours := normalizeDeg(raDeg) / 15.0
	h := int(hours)
	remMin := (hours - float64(h)) * 60
	m := int(remMin)
	s := (remMin - float64(m)) * 60
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

// formatDecDMS renders declination (degrees) as "+DD:MM:SS.ss".
func formatDecDMS(decDeg float64) string {
	sign := "+"
	if decDeg < 0 {
		sign = "-"
		decDeg = -decDeg
	}
	d := int(decDeg)
	remMin := (decDeg - float64(d)) * 60
	m := int(remMin)
	s := (remMin - float64(m)) * 60
	return fmt.Sprintf("%s%02d:%02d:%05.2f", sign, d, m, s)
}

func normalizeDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
