// Package worker owns a broker consumer for one topic and, for each
// decoded record, runs dedupe -> normalize -> score -> persist primary ->
// cross-match/persist aux -> optional TESS dump -> filter eval -> optional
// downstream post.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/catalog"
	"go.alertstream.build/ingest/go/config"
	"go.alertstream.build/ingest/go/filters"
	"go.alertstream.build/ingest/go/metrics"
	"go.alertstream.build/ingest/go/mlscore"
	"go.alertstream.build/ingest/go/normalize"
	"go.alertstream.build/ingest/go/skyportal"
	"go.alertstream.build/ingest/go/xmatch"
)

// Decoder turns one raw broker message into the one or more alert records
// it carries under its shared schema: a message may contain one or more
// records. Wire decoding is an external collaborator; this package
// depends on it only through this interface.
type Decoder interface {
	Decode(raw []byte) ([]*alertschema.RawAlert, error)
}

// Params configures one worker instance.
type Params struct {
	Topic       string
	Brokers     []string
	GroupID     string
	DateStr     string
	PathAlerts  string
	PathTess    string
	SavePackets bool
	Test        bool
}

// Worker owns one topic's broker consumer and decode buffers exclusively;
// the catalog gateway it holds is the shared, thread-safe connection pool.
type Worker struct {
	params Params

	consumer BrokerConsumer
	decoder  Decoder
	gw       catalog.Gateway
	matcher  *xmatch.Matcher
	scorer   *mlscore.Scorer
	evaluator *filters.Evaluator
	poster   *skyportal.Poster

	alertsCollection    string
	alertsAuxCollection string

	postOnlyFilterMatches bool

	endedPartitions map[int32]bool
}

// New builds a worker: it constructs the consumer, creates the declared
// indexes, and loads the active filters. The catalog gateway, matcher,
// scorer, and poster are built by the caller and passed in. A consumer
// construction failure is returned as an error, fatal to the worker process
// so the supervisor can respawn it; index and filter failures are logged.
func New(
	ctx context.Context,
	params Params,
	decoder Decoder,
	gw catalog.Gateway,
	cfg *config.Config,
	matcher *xmatch.Matcher,
	scorer *mlscore.Scorer,
	poster *skyportal.Poster,
	parsePipeline func(string) ([]bson.M, error),
) (*Worker, error) {
	consumer, err := NewSaramaConsumer(params.Brokers, params.GroupID, params.Topic)
	if err != nil {
		return nil, fmt.Errorf("building consumer for topic %s: %w", params.Topic, err)
	}

	alertsCollection := cfg.Database.CollectionAlerts
	alertsAuxCollection := cfg.Database.CollectionAlertsAux

	if idxSpecs, ok := cfg.Indexes[alertsCollection]; ok {
		var specs []catalog.IndexSpec
		for _, idx := range idxSpecs {
			keys := make([]catalog.IndexKey, 0, len(idx.Keys))
			for _, kv := range idx.Keys {
				dir := 1
				if kv[1] == "-1" {
					dir = -1
				}
				keys = append(keys, catalog.IndexKey{Field: kv[0], Direction: dir})
			}
			specs = append(specs, catalog.IndexSpec{Name: idx.Name, Keys: keys})
		}
		if err := gw.EnsureIndexes(ctx, alertsCollection, specs); err != nil {
			sklog.Errorf("building indexes on %s failed: %v", alertsCollection, err)
		}
	}

	upstream, err := parsePipeline(cfg.Filters[alertsCollection])
	if err != nil {
		sklog.Errorf("parsing upstream filter pipeline failed: %v", err)
		upstream = nil
	}
	active, err := filters.LoadActive(ctx, gw, cfg.Database.CollectionFilters, upstream, parsePipeline)
	if err != nil {
		sklog.Errorf("loading filter templates failed: %v", err)
		active = nil
	}

	return &Worker{
		params:                params,
		consumer:              consumer,
		decoder:               decoder,
		gw:                    gw,
		matcher:               matcher,
		scorer:                scorer,
		evaluator:             filters.NewEvaluator(gw, alertsCollection, active),
		poster:                poster,
		alertsCollection:      alertsCollection,
		alertsAuxCollection:   alertsAuxCollection,
		postOnlyFilterMatches: cfg.Misc.PostOnlyFilterMatches,
		endedPartitions:       map[int32]bool{},
	}, nil
}

// Run drives the poll loop until every assigned partition has signaled
// end. It always releases the consumer on exit, along any path; the catalog
// gateway has no close operation and is not released here.
func (w *Worker) Run(ctx context.Context) error {
	defer w.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.consumer.Poll(ctx)
		switch {
		case err == nil:
			if err := w.handleMessage(ctx, msg.Value); err != nil {
				sklog.Errorf("handling message failed: %v", err)
			}
		case err == ErrNoMessage:
			sklog.Infof("topic %s: no message", w.params.Topic)
		case err == ErrEndOfPartition:
			w.endedPartitions[msg.Partition] = true
			if len(w.endedPartitions) >= w.consumer.NumPartitions() {
				sklog.Infof("topic %s: all partitions ended, exiting for restart", w.params.Topic)
				return nil
			}
		default:
			sklog.Errorf("topic %s: consumer error, forcing restart: %v", w.params.Topic, err)
			return err
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, raw []byte) error {
	records, err := w.decoder.Decode(raw)
	if err != nil {
		sklog.Errorf("decode error: %v", err)
		return nil
	}
	for _, rec := range records {
		if err := w.processOne(ctx, raw, rec); err != nil {
			sklog.Errorf("processing candid %d failed: %v", rec.Candid, err)
		}
	}
	return nil
}

func (w *Worker) processOne(ctx context.Context, rawBytes []byte, raw *alertschema.RawAlert) error {
	sklog.Infof("%s %s %d", w.params.Topic, raw.ObjectID, raw.Candid)

	exists, err := w.gw.Exists(ctx, w.alertsCollection, "candid", raw.Candid)
	if err != nil {
		return fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil
	}

	if w.params.SavePackets {
		if err := w.savePacket(raw.Candid, rawBytes); err != nil {
			sklog.Errorf("saving packet for candid %d failed: %v", raw.Candid, err)
		}
	}

	doc, prv, err := normalize.Normalize(raw)
	if err != nil {
		metrics.AlertsDropped.WithLabelValues(w.params.Topic, "normalize").Inc()
		return fmt.Errorf("normalize: %w", err)
	}

	doc.Classifications = w.scorer.Score(raw)

	if err := w.gw.Insert(ctx, w.alertsCollection, doc); err != nil {
		metrics.AlertsDropped.WithLabelValues(w.params.Topic, "insert").Inc()
		return fmt.Errorf("inserting primary document: %w", err)
	}

	strippedPrv := stripNulls(prv)

	auxExists, err := w.gw.Exists(ctx, w.alertsAuxCollection, "_id", raw.ObjectID)
	if err != nil {
		return fmt.Errorf("aux existence check: %w", err)
	}
	if !auxExists {
		crossMatches := w.matcher.XMatchCatalogs(ctx, doc.Candidate.RA, doc.Candidate.Dec)
		for k, v := range w.matcher.XMatchCLU(ctx, doc.Candidate.RA, doc.Candidate.Dec) {
			crossMatches[k] = v
		}
		aux := &alertschema.AuxDocument{
			ID:            raw.ObjectID,
			CrossMatches:  crossMatches,
			PrvCandidates: strippedPrv,
		}
		if err := w.gw.Insert(ctx, w.alertsAuxCollection, aux); err != nil {
			return fmt.Errorf("inserting aux document: %w", err)
		}
	} else {
		items := make([]interface{}, len(strippedPrv))
		for i, c := range strippedPrv {
			items[i] = c
		}
		if err := w.gw.UpsertAppendToSet(ctx, w.alertsAuxCollection, "_id", raw.ObjectID, "prv_candidates", items); err != nil {
			return fmt.Errorf("appending prv_candidates: %w", err)
		}
	}

	if strings.Contains(doc.Candidate.Programpi, "TESS") && w.params.SavePackets {
		if err := w.dumpTess(ctx, doc, strippedPrv); err != nil {
			sklog.Errorf("TESS dump for candid %d failed: %v", raw.Candid, err)
		}
	}

	passed := w.evaluator.Evaluate(ctx, doc.Candid)
	sklog.Infof("candid %d matched %d filters", doc.Candid, len(passed))
	for filterID := range passed {
		metrics.FilterMatches.WithLabelValues(filterID).Inc()
	}

	if w.poster != nil && (!w.postOnlyFilterMatches || len(passed) > 0) {
		w.poster.PostAll(ctx, doc, strippedPrv, raw.Cutouts)
	}

	metrics.AlertsProcessed.WithLabelValues(w.params.Topic).Inc()
	return nil
}

// stripNulls removes Extra keys whose value is nil before storage.
func stripNulls(candidates []alertschema.Candidate) []alertschema.Candidate {
	out := make([]alertschema.Candidate, len(candidates))
	for i, c := range candidates {
		if c.Extra != nil {
			cleaned := bson.M{}
			for k, v := range c.Extra {
				if v != nil {
					cleaned[k] = v
				}
			}
			c.Extra = cleaned
		}
		out[i] = c
	}
	return out
}

func (w *Worker) savePacket(candid int64, raw []byte) error {
	dir := filepath.Join(w.params.PathAlerts, w.params.DateStr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating alert packet dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.avro", candid))
	return os.WriteFile(path, raw, 0o644)
}

func (w *Worker) dumpTess(ctx context.Context, doc *alertschema.PrimaryDocument, prv []alertschema.Candidate) error {
	var aux alertschema.AuxDocument
	err := w.gw.Find(ctx, w.alertsAuxCollection, bson.M{"_id": doc.ObjectID}, nil, &aux)
	if err != nil && err != mongo.ErrNoDocuments {
		return fmt.Errorf("loading aux for TESS dump: %w", err)
	}
	crossMatches := map[string][]alertschema.CrossMatchRecord{}
	for k, v := range aux.CrossMatches {
		if k == "CLU_20190625" {
			continue
		}
		crossMatches[k] = v
	}

	enriched := struct {
		*alertschema.PrimaryDocument
		CrossMatches  map[string][]alertschema.CrossMatchRecord `json:"cross_matches"`
		PrvCandidates []alertschema.Candidate                   `json:"prv_candidates"`
	}{
		PrimaryDocument: doc,
		CrossMatches:    crossMatches,
		PrvCandidates:   prv,
	}

	dir := filepath.Join(w.params.PathTess, w.params.DateStr)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating TESS dump dir: %w", err)
	}
	payload, err := json.MarshalIndent(enriched, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding TESS dump: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", doc.Candid))
	return os.WriteFile(path, payload, 0o644)
}
