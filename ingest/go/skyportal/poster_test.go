package skyportal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"go.alertstream.build/ingest/go/alertschema"
	"go.alertstream.build/ingest/go/config"
)

func newTestPoster(t *testing.T, handler http.HandlerFunc) (*Poster, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := netSplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.SkyPortalConfig{Protocol: u.Scheme, Host: host, Port: port, Token: "tok"}
	return New(cfg, nil), srv
}

func netSplitHostPort(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, "", nil
}

func TestPostMetadata_SendsAuthenticatedJSON(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]interface{}
	handler := func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}
	p, srv := newTestPoster(t, handler)
	defer srv.Close()

	doc := &alertschema.PrimaryDocument{
		ObjectID:  "ZTF01",
		Candid:    1,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.5},
	}
	err := p.postMetadata(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, "token tok", gotAuth)
	require.Equal(t, "/api/sources", gotPath)
	require.Equal(t, "ZTF01", gotBody["id"])
}

func TestPostThumbnail_EmptyCutoutErrors(t *testing.T) {
	p, srv := newTestPoster(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not be called for an empty cutout")
	})
	defer srv.Close()

	doc := &alertschema.PrimaryDocument{ObjectID: "ZTF01"}
	err := p.postThumbnail(context.Background(), doc, "Science", nil)
	require.Error(t, err)
}

func f64(v float64) *float64 { return &v }

func TestPostPhotometry_CurrentCandidateWinsOnJDCollision(t *testing.T) {
	var gotBody photometryRequest
	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	}
	p, srv := newTestPoster(t, handler)
	defer srv.Close()

	doc := &alertschema.PrimaryDocument{
		ObjectID: "ZTF01",
		Candid:   1,
		Candidate: alertschema.Candidate{
			RA: 10, Dec: 20, Rb: 0.5,
			JD: 2459000.5, Fid: 1, Magpsf: f64(18.0),
		},
	}
	// A prv_candidate sharing the current candidate's JD must never win
	// the merge: its distinct mag/fid must not appear in the posted row.
	prv := []alertschema.Candidate{
		{JD: 2459000.5, Fid: 2, Magpsf: f64(99.0)},
	}

	err := p.postPhotometry(context.Background(), doc, prv)
	require.NoError(t, err)
	require.Len(t, gotBody.Mag, 1)
	require.Equal(t, 18.0, gotBody.Mag[0])
	require.Equal(t, "g", gotBody.Filter[0])
}

func TestPostAll_IsolatesPerRequestFailures(t *testing.T) {
	calls := 0
	p, srv := newTestPoster(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path == "/api/sources" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	doc := &alertschema.PrimaryDocument{
		ObjectID:  "ZTF01",
		Candid:    1,
		Candidate: alertschema.Candidate{RA: 10, Dec: 20, Rb: 0.5},
	}
	// PostAll never returns an error; a failing metadata post must not
	// prevent the photometry post that follows.
	p.PostAll(context.Background(), doc, nil, alertschema.Cutouts{})
	require.GreaterOrEqual(t, calls, 2)
}
