package filters

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"go.alertstream.build/ingest/go/catalog/catalogtest"
)

func jsonPipeline(t *testing.T, stages []bson.M) string {
	t.Helper()
	b, err := json.Marshal(stages)
	require.NoError(t, err)
	return string(b)
}

func parsePipeline(serialized string) ([]bson.M, error) {
	if serialized == "" {
		return nil, nil
	}
	var stages []bson.M
	if err := json.Unmarshal([]byte(serialized), &stages); err != nil {
		return nil, err
	}
	return stages, nil
}

func TestLoadActive_KeepsLatestPerProgram(t *testing.T) {
	gw := catalogtest.New()
	ctx := context.Background()

	older := storedTemplate{
		ID: "f-old", Catalog: "c", ScienceProgramID: 1,
		Created:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Pipeline: jsonPipeline(t, []bson.M{{"$match": bson.M{}}}),
	}
	newer := storedTemplate{
		ID: "f-new", Catalog: "c", ScienceProgramID: 1,
		Created:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Pipeline: jsonPipeline(t, []bson.M{{"$match": bson.M{}}}),
	}
	otherProgram := storedTemplate{
		ID: "f-2", Catalog: "c", ScienceProgramID: 2,
		Created:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Pipeline: jsonPipeline(t, []bson.M{{"$match": bson.M{}}}),
	}
	require.NoError(t, gw.Insert(ctx, "filters", older))
	require.NoError(t, gw.Insert(ctx, "filters", newer))
	require.NoError(t, gw.Insert(ctx, "filters", otherProgram))

	templates, err := LoadActive(ctx, gw, "filters", nil, parsePipeline)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	byID := map[string]Template{}
	for _, tmpl := range templates {
		byID[tmpl.ID] = tmpl
	}
	require.Contains(t, byID, "f-new")
	require.NotContains(t, byID, "f-old")
	require.Contains(t, byID, "f-2")
}

func TestLoadActive_SkipsUnparseableTemplate(t *testing.T) {
	gw := catalogtest.New()
	ctx := context.Background()

	bad := storedTemplate{ID: "bad", ScienceProgramID: 1, Pipeline: "not json"}
	require.NoError(t, gw.Insert(ctx, "filters", bad))

	templates, err := LoadActive(ctx, gw, "filters", nil, parsePipeline)
	require.NoError(t, err)
	require.Empty(t, templates)
}

func TestEvaluate_IsolatesFilterFailures(t *testing.T) {
	gw := catalogtest.New()
	ctx := context.Background()
	require.NoError(t, gw.Insert(ctx, "alerts", map[string]interface{}{"candid": int64(42), "objectId": "ZTF01"}))

	goodFilter := Template{
		ID:        "good",
		Pipeline:  []bson.M{{"$match": bson.M{"candid": int64(0)}}},
		MaxTimeMS: 500,
	}
	ev := NewEvaluator(failingGateway{gw}, "alerts", []Template{goodFilter})
	passed := ev.Evaluate(ctx, 42)
	// failingGateway always errors; isolation means Evaluate still returns
	// (empty) rather than panicking or aborting.
	require.Empty(t, passed)
}

func TestEvaluate_BindsCandidPerAlert(t *testing.T) {
	gw := catalogtest.New()
	ctx := context.Background()
	require.NoError(t, gw.Insert(ctx, "alerts", map[string]interface{}{"candid": int64(99), "objectId": "ZTF99"}))

	tmpl := Template{
		ID:        "bound",
		Pipeline:  []bson.M{{"$match": bson.M{"candid": int64(0)}}},
		MaxTimeMS: 500,
	}
	ev := NewEvaluator(gw, "alerts", []Template{tmpl})
	passed := ev.Evaluate(ctx, 99)
	require.Contains(t, passed, "bound")
}

func TestBindCandid_LeavesSourceUntouched(t *testing.T) {
	original := []bson.M{{"$match": bson.M{"candid": int64(0)}}}
	cloned := bindCandid(original, 7)
	require.Equal(t, int64(0), original[0]["$match"].(bson.M)["candid"])
	require.Equal(t, int64(7), cloned[0]["$match"].(bson.M)["candid"])
}

// failingGateway wraps a Gateway and fails every Aggregate call, to exercise
// per-filter failure isolation in Evaluate.
type failingGateway struct {
	*catalogtest.Fake
}

func (f failingGateway) Aggregate(ctx context.Context, collection string, pipeline []bson.M, timeBudget time.Duration, allowDiskUse bool, out interface{}) error {
	return errors.New("simulated aggregate failure")
}
