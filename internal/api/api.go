// Package api provides the HTTP endpoints of the S-201 server.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spacedatanetwork/s201-server/internal/bootstrap"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/secom"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/subscription"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

var log = logging.Logger("api")

// DefaultSubscriberHeader carries the caller MRN when none is configured.
const DefaultSubscriberHeader = "X-SECOM-MRN"

// Readiness reports the search index bootstrap state.
type Readiness interface {
	State() bootstrap.State
	Err() error
}

// Options holds the collaborators of the HTTP surface.
type Options struct {
	Store            *storage.Store
	Versions         *version.Manager
	Query            *query.Engine
	SECOM            *secom.Service
	Subscriptions    *subscription.Manager
	Index            *search.Index
	Readiness        Readiness
	SubscriberHeader string
	// Gatherer enables /metrics when set.
	Gatherer prometheus.Gatherer
}

// Handler serves the dataset, SECOM and health endpoints.
type Handler struct {
	store     *storage.Store
	versions  *version.Manager
	query     *query.Engine
	secom     *secom.Service
	subs      *subscription.Manager
	index     *search.Index
	readiness Readiness
	header    string
	gatherer  prometheus.Gatherer
}

// NewHandler creates the HTTP handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		store:     opts.Store,
		versions:  opts.Versions,
		query:     opts.Query,
		secom:     opts.SECOM,
		subs:      opts.Subscriptions,
		index:     opts.Index,
		readiness: opts.Readiness,
		header:    opts.SubscriberHeader,
		gatherer:  opts.Gatherer,
	}
	if h.header == "" {
		h.header = DefaultSubscriberHeader
	}
	return h
}

// Router returns the routed handler.
func (h *Handler) Router() http.Handler {
	r := httprouter.New()

	r.POST("/api/datasets", h.createDataset)
	r.GET("/api/datasets", h.findDatasets)
	r.GET("/api/datasets/:id", h.getDataset)
	r.PUT("/api/datasets/:id", h.updateDataset)
	r.DELETE("/api/datasets/:id", h.deleteDataset)
	r.POST("/api/datasets/:id/cancel", h.cancelDataset)
	r.POST("/api/datasets/:id/replace", h.replaceDataset)
	r.GET("/api/datasets/:id/content", h.getContent)
	r.GET("/api/datasets/:id/history", h.getHistory)
	r.GET("/api/datasets/:id/lineage", h.getLineage)
	r.POST("/api/dt/datasets", h.findTable)

	r.GET("/api/secom/v1/object", h.secomGet)
	r.POST("/api/secom/v1/subscription", h.secomSubscribe)
	r.DELETE("/api/secom/v1/subscription/:id", h.secomUnsubscribe)
	if h.subs != nil {
		r.GET("/api/subscriptions", h.listSubscriptions)
	}

	r.GET("/api/health", h.health)
	r.GET("/api/ready", h.ready)
	if h.gatherer != nil {
		r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return logRequests(r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]interface{}{
		"status":    "ok",
		"component": "s201-server",
		"time":      time.Now().UTC().Format(time.RFC3339),
		"catalog":   stats,
	}
	if h.index != nil {
		payload["indexGeneration"] = h.index.CurrentGeneration()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.readiness == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
		return
	}
	state := h.readiness.State()
	payload := map[string]interface{}{
		"ready": state == bootstrap.StateSucceeded,
		"index": state.String(),
	}
	if err := h.readiness.Err(); err != nil {
		payload["error"] = err.Error()
	}
	status := http.StatusOK
	if state != bootstrap.StateSucceeded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// statusFor maps domain errors onto HTTP status codes. Packaging and
// storage failures fall through to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dataset.ErrIdentityConflict), errors.Is(err, dataset.ErrAlreadyCancelled):
		return http.StatusConflict
	case errors.Is(err, dataset.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrSearchUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
		},
	})
}

// writeFailure reports err with its mapped status. When input is non-nil it
// is echoed back unmodified so the caller can correct and resubmit it.
func writeFailure(w http.ResponseWriter, err error, input interface{}) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	}
	body := map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
		},
	}
	if input != nil {
		body["input"] = input
	}
	writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debugf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}
