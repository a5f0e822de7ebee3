// Package skyportal implements the downstream poster: metadata,
// photometry, and thumbnail posts to the follow-up portal, each
// bearer-token authenticated and bounded by a short per-request timeout.
package skyportal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.alertstream.build/go/sklog"
	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/config"
	"go.alertstream.build/ingest/go/metrics"
	"go.alertstream.build/ingest/go/mlscore"
	"go.alertstream.build/ingest/go/thumbnail"
)

// filterIDForFid maps the survey's numeric filter id to the band letter
// the portal expects.
var filterIDForFid = map[int]string{1: "g", 2: "r", 3: "i"}

const nullFillMag = 99.0
const requestTimeout = 2 * time.Second

// Poster posts enriched alerts to the follow-up portal. Nil if
// misc.post_to_skyportal is false; callers should check for nil before
// calling PostAll.
type Poster struct {
	client  *http.Client
	baseURL string
	token   string
	decoder mlscore.FITSDecoder
}

func New(cfg config.SkyPortalConfig, decoder mlscore.FITSDecoder) *Poster {
	return &Poster{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: fmt.Sprintf("%s://%s:%d", cfg.Protocol, cfg.Host, cfg.Port),
		token:   cfg.Token,
		decoder: decoder,
	}
}

// PostAll sends the metadata, photometry, and three thumbnail requests for
// one enriched alert. Each request is independent: a failure on one is
// logged and does not roll back ingestion or block the others.
func (p *Poster) PostAll(ctx context.Context, doc *alertschema.PrimaryDocument, prv []alertschema.Candidate, cutouts alertschema.Cutouts) {
	if err := p.postMetadata(ctx, doc); err != nil {
		sklog.Errorf("posting metadata for candid %d failed: %v", doc.Candid, err)
	}
	if err := p.postPhotometry(ctx, doc, prv); err != nil {
		sklog.Errorf("posting photometry for candid %d failed: %v", doc.Candid, err)
	}
	for ctype, blob := range map[thumbnail.CutoutType][]byte{
		thumbnail.Science:    cutouts.Science,
		thumbnail.Template:   cutouts.Template,
		thumbnail.Difference: cutouts.Difference,
	} {
		if err := p.postThumbnail(ctx, doc, ctype, blob); err != nil {
			sklog.Errorf("posting %s thumbnail for candid %d failed: %v", ctype, doc.Candid, err)
		}
	}
}

type metadataRequest struct {
	ID    string  `json:"id"`
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Score float64 `json:"score"`
}

func (p *Poster) postMetadata(ctx context.Context, doc *alertschema.PrimaryDocument) error {
	score := doc.Candidate.Rb
	if doc.Candidate.Drb != nil {
		score = *doc.Candidate.Drb
	}
	body := metadataRequest{ID: doc.ObjectID, RA: doc.Candidate.RA, Dec: doc.Candidate.Dec, Score: score}
	return p.post(ctx, "/api/sources", body)
}

type photometryRequest struct {
	SourceID    string    `json:"source_id"`
	TimeFormat  string    `json:"time_format"`
	TimeScale   string    `json:"time_scale"`
	InstrumentID int      `json:"instrument_id"`
	ObservedAt  []float64 `json:"observed_at"`
	Mag         []float64 `json:"mag"`
	EMag        []float64 `json:"e_mag"`
	LimMag      []float64 `json:"lim_mag"`
	Filter      []string  `json:"filter"`
}

func (p *Poster) postPhotometry(ctx context.Context, doc *alertschema.PrimaryDocument, prv []alertschema.Candidate) error {
	all := append([]alertschema.Candidate{doc.Candidate}, prv...)
	byJD := map[float64]alertschema.Candidate{}
	for _, c := range all {
		// On a JD collision, keep the first-seen row: doc.Candidate is
		// always first in all, so its own data wins over a matching
		// prv_candidate rather than being silently overwritten.
		if _, exists := byJD[c.JD]; !exists {
			byJD[c.JD] = c
		}
	}
	jds := make([]float64, 0, len(byJD))
	for jd := range byJD {
		jds = append(jds, jd)
	}
	sort.Float64s(jds)

	body := photometryRequest{
		SourceID:   doc.ObjectID,
		TimeFormat: "jd",
		TimeScale:  "utc",
		InstrumentID: 1,
	}
	for _, jd := range jds {
		c := byJD[jd]
		body.ObservedAt = append(body.ObservedAt, jd)
		body.Mag = append(body.Mag, orDefault(c.Magpsf, nullFillMag))
		body.EMag = append(body.EMag, orDefault(c.Sigmapsf, nullFillMag))
		body.LimMag = append(body.LimMag, orDefault(c.Diffmaglim, nullFillMag))
		band, ok := filterIDForFid[c.Fid]
		if !ok {
			band = ""
		}
		body.Filter = append(body.Filter, band)
	}
	return p.post(ctx, "/api/photometry", body)
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

type thumbnailRequest struct {
	SourceID string `json:"source_id"`
	Data     string `json:"data"`
	TType    string `json:"ttype"`
}

func (p *Poster) postThumbnail(ctx context.Context, doc *alertschema.PrimaryDocument, ctype thumbnail.CutoutType, blob []byte) error {
	if len(blob) == 0 {
		return fmt.Errorf("empty %s cutout", ctype)
	}
	data, err := thumbnail.Render(p.decoder, blob, ctype)
	if err != nil {
		return fmt.Errorf("rendering %s thumbnail: %w", ctype, err)
	}
	body := thumbnailRequest{SourceID: doc.ObjectID, Data: data, TType: ctype.TType()}
	return p.post(ctx, "/api/thumbnail", body)
}

// post sends one JSON request, retrying transient failures (network errors,
// 5xx) with a short bounded exponential backoff. A 4xx response is the
// portal rejecting the payload outright and is never retried.
func (p *Poster) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "token "+p.token)

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("posting %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("posting %s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("posting %s: status %d", path, resp.StatusCode))
		}
		return nil
	}, policy)

	if err != nil {
		metrics.PostFailures.WithLabelValues(path).Inc()
		return err
	}
	return nil
}
