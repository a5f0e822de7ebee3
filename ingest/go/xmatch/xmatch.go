// Package xmatch runs a point-radius cone search against configured
// catalogs, and a coarse elliptical match against a nearby-galaxy catalog.
package xmatch

import (
	"context"
	"math"

	"go.mongodb.org/mongo-driver/bson"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/catalog"
	"go.alertstream.build/ingest/go/config"
)

const (
	cluVersion    = "CLU_20190625"
	coarseConeDeg = 3.0
	defaultSizeMargin = 3.0
)

// hardcoded large-angular-size galaxies, always unioned into the CLU
// candidate set.
var largeGalaxies = []galaxyRecord{
	{Name: "M31", RA: 10.6847083, Dec: 41.2690572, A: 6.35156, B2A: 0.32, PA: 35.0},
	{Name: "M33", RA: 23.4620417, Dec: 30.6599417, A: 2.35983, B2A: 0.59, PA: 23.0},
}

type galaxyRecord struct {
	Name string
	RA   float64
	Dec  float64
	A    float64 // semi-major axis, degrees
	B2A  float64 // axis ratio b/a
	PA   float64 // position angle, degrees
}

// Matcher cross-matches an alert's coordinates against the configured
// catalogs and the galaxy catalog.
type Matcher struct {
	gw     catalog.Gateway
	cfg    config.XMatchConfig
	galaxyCollection string
	sizeMargin       float64
}

func New(gw catalog.Gateway, cfg config.XMatchConfig, galaxyCollection string) *Matcher {
	return &Matcher{gw: gw, cfg: cfg, galaxyCollection: galaxyCollection, sizeMargin: defaultSizeMargin}
}

// XMatchCatalogs runs the point-radius cone search against every configured
// catalog. Failure on an individual catalog is logged and yields an empty
// slice for that catalog, never an aborted match.
func (m *Matcher) XMatchCatalogs(ctx context.Context, raDeg, decDeg float64) map[string][]alertschema.CrossMatchRecord {
	out := map[string][]alertschema.CrossMatchRecord{}
	geo := bson.M{"type": "Point", "coordinates": []float64{raDeg - 180, decDeg}}
	for name, cat := range m.cfg.Catalogs {
		query := bson.M{
			"radec_geojson": bson.M{
				"$geoWithin": bson.M{
					"$centerSphere": []interface{}{
						[]float64{raDeg - 180, decDeg},
						m.cfg.ConeSearchRadiusRad,
					},
				},
			},
		}
		_ = geo
		for k, v := range cat.Filter {
			query[k] = v
		}
		projection := bson.M{}
		for k, v := range cat.Projection {
			projection[k] = v
		}

		// Find returns a single document; a cone can hold many catalog
		// records, so the query goes through Aggregate as a $match stage.
		pipeline := []bson.M{{"$match": query}}
		if len(projection) > 0 {
			pipeline = append(pipeline, bson.M{"$project": projection})
		}
		var results []alertschema.CrossMatchRecord
		if err := m.gw.Aggregate(ctx, name, pipeline, 0, false, &results); err != nil {
			sklog.Errorf("xmatch catalog %s failed: %v", name, err)
			out[name] = []alertschema.CrossMatchRecord{}
			continue
		}
		out[name] = results
	}
	return out
}

// XMatchCLU runs a coarse cone search against the galaxy catalog, unioned
// with the hardcoded large galaxies, filtered by point-in-ellipse with
// axis-ratio/position-angle shape, annotating each match with its
// separation in arcsec.
func (m *Matcher) XMatchCLU(ctx context.Context, raDeg, decDeg float64) map[string][]alertschema.CrossMatchRecord {
	candidates, err := m.coarseGalaxyCandidates(ctx, raDeg, decDeg)
	if err != nil {
		sklog.Errorf("xmatch CLU coarse query failed: %v", err)
		candidates = nil
	}
	candidates = append(candidates, largeGalaxies...)

	matches := []alertschema.CrossMatchRecord{}
	for _, g := range candidates {
		a, b2a, pa := g.A, g.B2A, g.PA
		if a < -990 {
			a = medianGalaxySize
		}
		if b2a < -990 {
			b2a = medianGalaxyB2A
		}
		if pa < -990 {
			pa = medianGalaxyPA
		}
		if !pointInEllipse(raDeg, decDeg, g.RA, g.Dec, a*m.sizeMargin, b2a, pa) {
			continue
		}
		dist := greatCircleDistanceArcsec(raDeg, decDeg, g.RA, g.Dec)
		rec := alertschema.CrossMatchRecord{
			"name": g.Name,
			"ra":   g.RA,
			"dec":  g.Dec,
			"a":    g.A,
			"b2a":  g.B2A,
			"pa":   g.PA,
			"coordinates": map[string]interface{}{
				"distance_arcsec": dist,
			},
		}
		matches = append(matches, rec)
	}
	return map[string][]alertschema.CrossMatchRecord{cluVersion: matches}
}

const (
	medianGalaxySize = 0.01 // degrees, survey median when shape is unmeasured
	medianGalaxyB2A  = 0.7
	medianGalaxyPA   = 0.0
)

type galaxyDoc struct {
	Name string  `bson:"name"`
	RA   float64 `bson:"ra"`
	Dec  float64 `bson:"dec"`
	A    float64 `bson:"a"`
	B2A  float64 `bson:"b2a"`
	PA   float64 `bson:"pa"`
}

func (m *Matcher) coarseGalaxyCandidates(ctx context.Context, raDeg, decDeg float64) ([]galaxyRecord, error) {
	coarseRad := coarseConeDeg * math.Pi / 180.0
	query := bson.M{
		"radec_geojson": bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": []interface{}{
					[]float64{raDeg - 180, decDeg},
					coarseRad,
				},
			},
		},
	}
	var docs []galaxyDoc
	// Find returns a single document; the galaxy coarse search legitimately
	// needs many, so it goes through Aggregate with a bare $match stage.
	pipeline := []bson.M{{"$match": query}}
	if err := m.gw.Aggregate(ctx, m.galaxyCollection, pipeline, 0, true, &docs); err != nil {
		return nil, err
	}
	out := make([]galaxyRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, galaxyRecord{Name: d.Name, RA: d.RA, Dec: d.Dec, A: d.A, B2A: d.B2A, PA: d.PA})
	}
	return out, nil
}

// pointInEllipse tests whether (raDeg, decDeg) falls within the ellipse
// centered on (centerRA, centerDec) with semi-major axis aDeg, axis ratio
// b2a, and position angle paDeg (degrees east of north), using a flat-sky
// approximation valid at the galaxy angular scales this catalog covers.
func pointInEllipse(raDeg, decDeg, centerRA, centerDec, aDeg, b2a, paDeg float64) bool {
	cosDec := math.Cos(centerDec * math.Pi / 180.0)
	dx := (raDeg - centerRA) * cosDec
	dy := decDeg - centerDec

	paRad := paDeg * math.Pi / 180.0
	// Rotate into the ellipse's major/minor axis frame (PA measured east of
	// north, i.e. from the +dec axis toward +ra).
	xr := dx*math.Cos(paRad) - dy*math.Sin(paRad)
	yr := dx*math.Sin(paRad) + dy*math.Cos(paRad)

	bDeg := aDeg * b2a
	if aDeg <= 0 || bDeg <= 0 {
		return false
	}
	return (xr*xr)/(bDeg*bDeg)+(yr*yr)/(aDeg*aDeg) <= 1.0
}

// greatCircleDistanceArcsec returns the angular separation between two
// (ra, dec) pairs in degrees, in arcseconds.
func greatCircleDistanceArcsec(ra1, dec1, ra2, dec2 float64) float64 {
	toRad := math.Pi / 180.0
	r1, d1, r2, d2 := ra1*toRad, dec1*toRad, ra2*toRad, dec2*toRad
	cosC := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(r1-r2)
	cosC = math.Max(-1, math.Min(1, cosC))
	return math.Acos(cosC) * 180.0 / math.Pi * 3600.0
}
