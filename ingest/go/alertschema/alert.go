// Package alertschema defines the wire and storage shapes for a single
// survey alert: the raw broker record, the primary document derived from it,
// and the append-only auxiliary document that accumulates prior observations
// and cross-matches for an object.
package alertschema

import "go.mongodb.org/mongo-driver/bson"

// Candidate is the photometric/astrometric record embedded in a RawAlert,
// and the shape of each entry in PrvCandidates. Only fields consumed
// elsewhere in this pipeline are typed. Extra is excluded from both BSON and
// JSON encoding, so broker fields without a typed field here are neither
// decoded into it nor written to the store.
type Candidate struct {
	RA         float64 `bson:"ra" json:"ra"`
	Dec        float64 `bson:"dec" json:"dec"`
	JD         float64 `bson:"jd" json:"jd"`
	Candid     int64   `bson:"candid" json:"candid"`
	Fid        int     `bson:"fid" json:"fid"`
	Magpsf     *float64 `bson:"magpsf,omitempty" json:"magpsf,omitempty"`
	Sigmapsf   *float64 `bson:"sigmapsf,omitempty" json:"sigmapsf,omitempty"`
	Diffmaglim *float64 `bson:"diffmaglim,omitempty" json:"diffmaglim,omitempty"`
	Rb         float64  `bson:"rb" json:"rb"`
	Drb        *float64 `bson:"drb,omitempty" json:"drb,omitempty"`
	Programpi  string   `bson:"programpi" json:"programpi"`

	Extra bson.M `bson:"-" json:"-"`
}

// Cutouts holds the three gzip-compressed FITS cutout blobs attached to a
// fresh detection. Prior candidates never carry cutouts.
type Cutouts struct {
	Science    []byte `bson:"-" json:"-"`
	Template   []byte `bson:"-" json:"-"`
	Difference []byte `bson:"-" json:"-"`
}

// RawAlert is the decoded broker record for a single observation, before
// normalization. Candid is the globally unique id of this observation;
// ObjectID is stable across every observation of the same astrophysical
// source.
type RawAlert struct {
	SchemaName    string    `json:"schema_name"`
	ObjectID      string    `json:"objectId"`
	Candid        int64     `json:"candid"`
	Candidate     Candidate `json:"candidate"`
	PrvCandidates []Candidate `json:"prv_candidates"`
	Cutouts       Cutouts   `json:"-"`
}
