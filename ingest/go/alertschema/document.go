package alertschema

// GeoPoint is a GeoJSON Point, stored so a 2dsphere index can be built over
// Coordinates.RadecGeojson.
type GeoPoint struct {
	Type        string     `bson:"type" json:"type"`
	Coordinates [2]float64 `bson:"coordinates" json:"coordinates"`
}

// Coordinates carries every representation of an alert's sky position that
// downstream queries need: human-readable sexagesimal, a GeoJSON point
// shifted into [-180, 180) so $geoWithin/$nearSphere ellipse queries work,
// and galactic (l, b).
type Coordinates struct {
	RadecStr     [2]string `bson:"radec_str" json:"radec_str"`
	RadecGeojson GeoPoint  `bson:"radec_geojson" json:"radec_geojson"`
	L            float64   `bson:"l" json:"l"`
	B            float64   `bson:"b" json:"b"`

	// DistanceArcsec is set by the elliptical galaxy cross-match on the
	// matched catalog record's own coordinates sub-document, not on the
	// alert's. It lives here because both share this struct shape.
	DistanceArcsec *float64 `bson:"distance_arcsec,omitempty" json:"distance_arcsec,omitempty"`
}

// Classification is one ML model's verdict on an alert's cutout triplet.
type Classification struct {
	Score   float64 `bson:"score" json:"score"`
	Version string  `bson:"version" json:"version"`
}

// PrimaryDocument is the per-candid document stored in the alerts
// collection. It never carries prv_candidates; those live solely in the
// AuxDocument for the alert's object.
type PrimaryDocument struct {
	Candid          int64                      `bson:"candid" json:"candid"`
	ObjectID        string                     `bson:"objectId" json:"objectId"`
	Candidate       Candidate                  `bson:"candidate" json:"candidate"`
	Coordinates     Coordinates                `bson:"coordinates" json:"coordinates"`
	Classifications map[string]Classification   `bson:"classifications" json:"classifications"`

	SchemaName string `bson:"schema_name,omitempty" json:"schema_name,omitempty"`
}

// CrossMatchRecord is one matched record from a reference catalog, carrying
// whatever projected fields that catalog's config selected plus, for the
// elliptical galaxy match, DistanceArcsec.
type CrossMatchRecord map[string]interface{}

// AuxDocument is the per-objectId document keyed by _id=objectId. Its
// CrossMatches are written once, at first-sight of the object, and never
// touched again. PrvCandidates only ever grows, de-duplicated by candid.
type AuxDocument struct {
	ID            string                        `bson:"_id" json:"_id"`
	CrossMatches  map[string][]CrossMatchRecord  `bson:"cross_matches" json:"cross_matches"`
	PrvCandidates []Candidate                    `bson:"prv_candidates" json:"prv_candidates"`
}
