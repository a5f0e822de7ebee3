// Package filters implements the user-filter evaluator: loading the
// latest filter template per science_program_id and running each against
// a just-ingested alert, bounded by a per-pipeline time budget.
package filters

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/catalog"
)

const defaultMaxTimeMS = 500

// Template is a loaded filter, ready for evaluation: Pipeline already has
// the upstream prefix prepended, and Pipeline[0] is always a $match stage
// whose candid field gets rebound per alert.
type Template struct {
	ID               string
	Catalog          string
	ScienceProgramID int
	Created          time.Time
	Pipeline         []bson.M
	MaxTimeMS        int
}

// storedTemplate is the shape of a filters collection document.
type storedTemplate struct {
	ID               string    `bson:"_id"`
	Catalog          string    `bson:"catalog"`
	ScienceProgramID int       `bson:"science_program_id"`
	Created          time.Time `bson:"created"`
	Pipeline         string    `bson:"pipeline"`
}

// LoadActive reads every filter template from the filters collection,
// keeps only the latest (by Created) per ScienceProgramID, parses its
// stored pipeline string, and prepends upstreamPipeline so every active
// filter starts from the same alert-selection/strip/join stages.
func LoadActive(ctx context.Context, gw catalog.Gateway, collection string, upstreamPipeline []bson.M, parsePipeline func(string) ([]bson.M, error)) ([]Template, error) {
	var stored []storedTemplate
	if err := gw.Aggregate(ctx, collection, []bson.M{{"$match": bson.M{}}}, 0, false, &stored); err != nil {
		return nil, err
	}

	latest := map[int]storedTemplate{}
	for _, t := range stored {
		if cur, ok := latest[t.ScienceProgramID]; !ok || t.Created.After(cur.Created) {
			latest[t.ScienceProgramID] = t
		}
	}

	out := make([]Template, 0, len(latest))
	for _, t := range latest {
		stages, err := parsePipeline(t.Pipeline)
		if err != nil {
			sklog.Errorf("parsing filter %s pipeline failed: %v", t.ID, err)
			continue
		}
		full := make([]bson.M, 0, len(upstreamPipeline)+len(stages))
		full = append(full, upstreamPipeline...)
		full = append(full, stages...)
		out = append(out, Template{
			ID:               t.ID,
			Catalog:          t.Catalog,
			ScienceProgramID: t.ScienceProgramID,
			Created:          t.Created,
			Pipeline:         full,
			MaxTimeMS:        defaultMaxTimeMS,
		})
	}
	return out, nil
}

// Evaluator runs a fixed set of active filter templates against an alert.
type Evaluator struct {
	gw         catalog.Gateway
	collection string
	filters    []Template
}

func NewEvaluator(gw catalog.Gateway, alertsCollection string, filters []Template) *Evaluator {
	return &Evaluator{gw: gw, collection: alertsCollection, filters: filters}
}

// Evaluate runs every active filter against candid, isolating each
// filter's failure or timeout so it never prevents other filters from
// producing results for the same alert.
func (e *Evaluator) Evaluate(ctx context.Context, candid int64) map[string]bson.M {
	passed := map[string]bson.M{}
	for _, f := range e.filters {
		pipeline := bindCandid(f.Pipeline, candid)

		var results []bson.M
		timeout := time.Duration(f.MaxTimeMS) * time.Millisecond
		err := e.gw.Aggregate(ctx, e.collection, pipeline, timeout, false, &results)
		if err != nil {
			sklog.Errorf("filter %s failed: %v", f.ID, err)
			continue
		}
		if len(results) > 0 {
			passed[f.ID] = results[0]
		}
	}
	return passed
}

// bindCandid clones pipeline and overwrites the candid field of its first
// $match stage, leaving the source template untouched for the next alert.
func bindCandid(pipeline []bson.M, candid int64) []bson.M {
	cloned := make([]bson.M, len(pipeline))
	copy(cloned, pipeline)
	if len(cloned) == 0 {
		return cloned
	}
	match, ok := cloned[0]["$match"].(bson.M)
	if !ok {
		return cloned
	}
	clonedMatch := bson.M{}
	for k, v := range match {
		clonedMatch[k] = v
	}
	clonedMatch["candid"] = candid
	cloned[0] = bson.M{"$match": clonedMatch}
	return cloned
}
