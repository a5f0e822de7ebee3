package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/catalog/catalogtest"
	"go.alertstream.build/ingest/go/config"
	"go.alertstream.build/ingest/go/filters"
	"go.alertstream.build/ingest/go/mlscore"
	"go.alertstream.build/ingest/go/xmatch"
)

// fitsStub is never actually invoked in these tests: processOne's raw
// alerts carry no gzip cutout bytes, so Score's decodeChannel fails at the
// gunzip step and returns an empty classification map before reaching the
// decoder.
type fitsStub struct{}

func (fitsStub) Decode(r io.Reader) (*mlscore.Image, error) {
	return nil, nil
}

func newTestWorker(t *testing.T, gw *catalogtest.Fake) *Worker {
	t.Helper()
	return newTestWorkerWithParams(t, gw, Params{Topic: "ztf_20260731_programid1", SavePackets: false})
}

func newTestWorkerWithParams(t *testing.T, gw *catalogtest.Fake, params Params) *Worker {
	t.Helper()
	matcher := xmatch.New(gw, config.XMatchConfig{}, "clu_galaxies")
	scorer := mlscore.New(fitsStub{}, nil)
	return &Worker{
		params:              params,
		decoder:             nil,
		gw:                  gw,
		matcher:             matcher,
		scorer:              scorer,
		evaluator:           filters.NewEvaluator(gw, "alerts", nil),
		poster:              nil,
		alertsCollection:    "alerts",
		alertsAuxCollection: "alerts_aux",
		endedPartitions:     map[int32]bool{},
	}
}

func countDocs(t *testing.T, gw *catalogtest.Fake, collection string) int {
	t.Helper()
	var docs []bson.M
	require.NoError(t, gw.Aggregate(context.Background(), collection, []bson.M{{"$match": bson.M{}}}, 0, false, &docs))
	return len(docs)
}

func TestProcessOne_FreshAlert_InsertsPrimaryAndAux(t *testing.T) {
	gw := catalogtest.New()
	w := newTestWorker(t, gw)
	ctx := context.Background()

	raw := &alertschema.RawAlert{
		ObjectID:  "ZTF21aaaa",
		Candid:    5001,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.9},
	}

	err := w.processOne(ctx, []byte(`{}`), raw)
	require.NoError(t, err)

	exists, err := gw.Exists(ctx, "alerts", "candid", int64(5001))
	require.NoError(t, err)
	require.True(t, exists)

	auxExists, err := gw.Exists(ctx, "alerts_aux", "_id", "ZTF21aaaa")
	require.NoError(t, err)
	require.True(t, auxExists)
}

func TestProcessOne_DuplicateCandidIsNoop(t *testing.T) {
	gw := catalogtest.New()
	w := newTestWorker(t, gw)
	ctx := context.Background()

	raw := &alertschema.RawAlert{
		ObjectID:  "ZTF21bbbb",
		Candid:    6001,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.9},
	}
	require.NoError(t, w.processOne(ctx, []byte(`{}`), raw))
	require.NoError(t, w.processOne(ctx, []byte(`{}`), raw))

	require.Equal(t, 1, countDocs(t, gw, "alerts"))
}

func TestProcessOne_SecondDetectionAppendsPrvCandidates(t *testing.T) {
	gw := catalogtest.New()
	w := newTestWorker(t, gw)
	ctx := context.Background()

	first := &alertschema.RawAlert{
		ObjectID:  "ZTF21cccc",
		Candid:    7001,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.9},
	}
	require.NoError(t, w.processOne(ctx, []byte(`{}`), first))

	second := &alertschema.RawAlert{
		ObjectID:      "ZTF21cccc",
		Candid:        7002,
		Candidate:     alertschema.Candidate{RA: 10.001, Dec: 20.001, Rb: 0.8},
		PrvCandidates: []alertschema.Candidate{{Candid: 7001, RA: 10, Dec: 20}},
	}
	require.NoError(t, w.processOne(ctx, []byte(`{}`), second))

	require.Equal(t, 1, countDocs(t, gw, "alerts_aux"))
	require.Equal(t, 2, countDocs(t, gw, "alerts"))
}

func TestProcessOne_TESSAlertWithSavePacketsDumpsPacketAndJSON(t *testing.T) {
	gw := catalogtest.New()
	pathAlerts := t.TempDir()
	pathTess := t.TempDir()
	w := newTestWorkerWithParams(t, gw, Params{
		Topic:       "ztf_20260731_programid1",
		DateStr:     "20260731",
		PathAlerts:  pathAlerts,
		PathTess:    pathTess,
		SavePackets: true,
	})
	ctx := context.Background()

	raw := &alertschema.RawAlert{
		ObjectID:  "ZTF21dddd",
		Candid:    8001,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.9, Programpi: "TESS"},
	}
	require.NoError(t, w.processOne(ctx, []byte(`{"raw":true}`), raw))

	packetPath := filepath.Join(pathAlerts, "20260731", "8001.avro")
	packet, err := os.ReadFile(packetPath)
	require.NoError(t, err)
	require.Equal(t, `{"raw":true}`, string(packet))

	tessPath := filepath.Join(pathTess, "20260731", "8001.json")
	dump, err := os.ReadFile(tessPath)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(dump, &decoded))
	crossMatches, ok := decoded["cross_matches"].(map[string]interface{})
	require.True(t, ok)
	require.NotContains(t, crossMatches, "CLU_20190625")
}

func TestStripNulls_RemovesNilExtraKeys(t *testing.T) {
	in := []alertschema.Candidate{{
		Candid: 1,
		Extra:  bson.M{"keep": 1, "drop": nil},
	}}
	out := stripNulls(in)
	require.Contains(t, out[0].Extra, "keep")
	require.NotContains(t, out[0].Extra, "drop")
}
