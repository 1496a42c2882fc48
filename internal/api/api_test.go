package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/s201-server/internal/bootstrap"
	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/exchange"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/secom"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/subscription"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

const solentWKT = "POLYGON((-1.5 50.7, -1.0 50.7, -1.0 50.9, -1.5 50.9, -1.5 50.7))"

type stubReadiness struct {
	state bootstrap.State
	err   error
}

func (s stubReadiness) State() bootstrap.State { return s.state }
func (s stubReadiness) Err() error             { return s.err }

func newServer(t *testing.T, ready Readiness) *httptest.Server {
	t.Helper()
	store, err := storage.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clog, err := contentlog.New(store.DB())
	require.NoError(t, err)
	idx, err := search.Open(context.Background(), dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)

	lookup := unlocode.MapLookup{"GBSOU": geometry.MustParse("POINT(-1.4 50.8)")}
	indexer := search.NewIndexer(idx)
	subs := subscription.NewManager(store, lookup, subscription.WithHook(indexer))
	versions := version.NewManager(store, clog, s201.NewGMLEncoder(),
		version.WithListener(indexer), version.WithListener(subs))
	engine := query.NewEngine(store, idx, config.QueryConfig{})

	reg := prometheus.NewRegistry()
	reg.MustRegister(version.Collectors()...)

	h := NewHandler(Options{
		Store:         store,
		Versions:      versions,
		Query:         engine,
		SECOM:         secom.NewService(store, engine, exchange.NewPackager(true), subs, lookup),
		Subscriptions: subs,
		Index:         idx,
		Readiness:     ready,
		Gatherer:      reg,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body string, header http.Header) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	}
	return resp, out
}

func firstID(t *testing.T, page map[string]interface{}) string {
	t.Helper()
	items := page["content"].([]interface{})
	require.NotEmpty(t, items)
	return items[0].(map[string]interface{})["uuid"].(string)
}

func createBody(title string) string {
	return `{"datasetIdentificationInformation":{"datasetTitle":"` + title + `"},"geometry":"` + solentWKT + `"}`
}

func TestDatasetLifecycle(t *testing.T) {
	srv := newServer(t, nil)

	resp, created := do(t, http.MethodPost, srv.URL+"/api/datasets", createBody("Solent"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["uuid"].(string)
	require.NotEmpty(t, id)

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/datasets/"+id, `{"datasetIdentificationInformation":{"datasetEdition":"2"}}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/api/datasets/" + id + "/content")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gml+xml", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Content-CID"))

	resp, successor := do(t, http.MethodPost, srv.URL+"/api/datasets/"+id+"/replace", "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, id, successor["predecessor"])

	resp, body := do(t, http.MethodPost, srv.URL+"/api/datasets/"+id+"/replace", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"uuid": id}, body["input"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/datasets/"+id+"/history", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["count"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/datasets/"+successor["uuid"].(string)+"/lineage", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/datasets/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/datasets/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMutationErrorsEchoInput(t *testing.T) {
	srv := newServer(t, nil)

	withID := `{"uuid":"abc","datasetIdentificationInformation":{"datasetTitle":"X"},"geometry":"POINT(0 0)"}`
	resp, body := do(t, http.MethodPost, srv.URL+"/api/datasets", withID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	input, _ := json.Marshal(body["input"])
	assert.JSONEq(t, withID, string(input))

	resp, body = do(t, http.MethodPost, srv.URL+"/api/datasets", `{"geometry":"POINT(0 0)"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotNil(t, body["error"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/datasets", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "not json", body["input"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/datasets/missing", createBody("X"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFindDatasets(t *testing.T) {
	srv := newServer(t, nil)
	for _, title := range []string{"Solent Alpha", "Solent Bravo", "Solent Charlie"} {
		resp, _ := do(t, http.MethodPost, srv.URL+"/api/datasets", createBody(title), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	q := url.Values{"geometry": {"POINT(-1.2 50.8)"}, "size": {"2"}, "sort": {"datasetTitle,desc"}}
	resp, body := do(t, http.MethodGet, srv.URL+"/api/datasets?"+q.Encode(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["totalElements"])
	items := body["content"].([]interface{})
	require.Len(t, items, 2)
	first := items[0].(map[string]interface{})["datasetIdentificationInformation"].(map[string]interface{})
	assert.Equal(t, "Solent Charlie", first["datasetTitle"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/datasets/"+firstID(t, body)+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/datasets", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["totalElements"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/datasets?excludeCancelled=false", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, body["totalElements"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/datasets?validFrom=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/dt/datasets", `{"draw":1,"length":10,"search":"bravo"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["recordsFiltered"])
	assert.EqualValues(t, 3, body["recordsTotal"])
}

func TestSECOMEndpoints(t *testing.T) {
	srv := newServer(t, nil)
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/datasets", createBody("Solent"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/secom/v1/object?unlocode=GBSOU&containerType=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	objects := body["dataResponseObject"].([]interface{})
	require.Len(t, objects, 1)
	meta := objects[0].(map[string]interface{})["exchangeMetadata"].(map[string]interface{})
	assert.Equal(t, true, meta["compressionFlag"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/secom/v1/object?geometry=nonsense", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	header := http.Header{DefaultSubscriberHeader: {"urn:mrn:mcp:user:test"}}
	resp, body = do(t, http.MethodPost, srv.URL+"/api/secom/v1/subscription", `{"unlocode":"GBSOU"}`, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, secom.TextSubscriptionCreated, body["responseText"])
	subID := body["subscriptionIdentifier"].(string)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/secom/v1/subscription", `{"unlocode":"GBSOU"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/subscriptions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	listed := body["subscriptions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, subID, listed["id"])
	assert.Equal(t, "GBSOU", listed["unlocode"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/secom/v1/subscription/"+subID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/subscriptions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/secom/v1/subscription/"+subID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	srv := newServer(t, stubReadiness{state: bootstrap.StateFailed, err: bootstrap.ErrIndexingFailure})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["catalog"], "datasets")

	resp, body = do(t, http.MethodGet, srv.URL+"/api/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "FAILED", body["index"])
	assert.Equal(t, false, body["ready"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/datasets", createBody("Solent"), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, buf.String(), "s201_datasets_operations_total")
}

func TestReadyWhenIndexed(t *testing.T) {
	srv := newServer(t, stubReadiness{state: bootstrap.StateSucceeded})
	resp, body := do(t, http.MethodGet, srv.URL+"/api/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ready"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(dataset.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(dataset.ErrAlreadyCancelled))
	assert.Equal(t, http.StatusConflict, statusFor(dataset.ErrIdentityConflict))
	assert.Equal(t, http.StatusBadRequest, statusFor(dataset.ErrValidation))
	assert.Equal(t, http.StatusInternalServerError, statusFor(exchange.ErrPackaging))
}
