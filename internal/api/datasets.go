package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/storage"
)

const maxBodySize = 8 << 20

// readBody reads a request body and returns it along with its echo form:
// raw JSON when the body is valid JSON, a string otherwise.
func readBody(r *http.Request) ([]byte, interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read body: %v", dataset.ErrValidation, err)
	}
	if json.Valid(body) {
		return body, json.RawMessage(body), nil
	}
	return body, string(body), nil
}

func readDraft(r *http.Request) (dataset.Draft, interface{}, error) {
	var draft dataset.Draft
	body, raw, err := readBody(r)
	if err != nil {
		return draft, nil, err
	}
	if err := json.Unmarshal(body, &draft); err != nil {
		return draft, raw, fmt.Errorf("%w: invalid dataset: %v", dataset.ErrValidation, err)
	}
	return draft, raw, nil
}

func (h *Handler) createDataset(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	draft, raw, err := readDraft(r)
	if err != nil {
		writeFailure(w, err, raw)
		return
	}
	d, err := h.versions.Create(r.Context(), draft)
	if err != nil {
		writeFailure(w, err, raw)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) updateDataset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	draft, raw, err := readDraft(r)
	if err != nil {
		writeFailure(w, err, raw)
		return
	}
	d, err := h.versions.Update(r.Context(), ps.ByName("id"), draft)
	if err != nil {
		writeFailure(w, err, raw)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) cancelDataset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	d, err := h.versions.Cancel(r.Context(), id)
	if err != nil {
		writeFailure(w, err, map[string]string{"uuid": id})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) replaceDataset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	d, err := h.versions.Replace(r.Context(), id)
	if err != nil {
		writeFailure(w, err, map[string]string{"uuid": id})
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) deleteDataset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := h.versions.Delete(r.Context(), id); err != nil {
		writeFailure(w, err, map[string]string{"uuid": id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getDataset(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	d, err := h.versions.Get(r.Context(), ps.ByName("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) getContent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c, err := h.store.CurrentContent(r.Context(), ps.ByName("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/gml+xml")
	w.Header().Set("X-Content-CID", c.CID)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(c.Data)
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entries, err := h.versions.History(r.Context(), ps.ByName("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handler) getLineage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	chain, err := h.versions.Lineage(r.Context(), ps.ByName("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(chain),
		"datasets": chain,
	})
}

func (h *Handler) findDatasets(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	f, p, err := parseFind(r)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	res, err := h.query.FindAll(r.Context(), f, p)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) findTable(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req query.TableRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeFailure(w, fmt.Errorf("%w: invalid table request: %v", dataset.ErrValidation, err), nil)
		return
	}
	res, err := h.query.FindTable(r.Context(), req)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseFind(r *http.Request) (query.Filter, query.Page, error) {
	q := r.URL.Query()
	var (
		f   query.Filter
		p   query.Page
		err error
	)

	// Cancelled datasets are hidden unless the caller opts in.
	f.ExcludeCancelled = true
	f.ID = strings.TrimSpace(q.Get("id"))
	if wkt := strings.TrimSpace(q.Get("geometry")); wkt != "" {
		if f.Geometry, err = geometry.Parse(wkt); err != nil {
			return f, p, fmt.Errorf("%w: %v", dataset.ErrValidation, err)
		}
	}
	if f.ValidFrom, err = parseTime(q.Get("validFrom")); err != nil {
		return f, p, err
	}
	if f.ValidTo, err = parseTime(q.Get("validTo")); err != nil {
		return f, p, err
	}
	if v := q.Get("excludeCancelled"); v != "" {
		if f.ExcludeCancelled, err = strconv.ParseBool(v); err != nil {
			return f, p, fmt.Errorf("%w: excludeCancelled must be a boolean", dataset.ErrValidation)
		}
	}
	if p.Page, err = parseInt(q.Get("page")); err != nil {
		return f, p, err
	}
	if p.Size, err = parseInt(q.Get("size")); err != nil {
		return f, p, err
	}
	for _, s := range q["sort"] {
		field, dir, _ := strings.Cut(s, ",")
		p.Sort = append(p.Sort, storage.Order{Field: field, Desc: strings.EqualFold(dir, "desc")})
	}
	return f, p, nil
}

func parseTime(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp %q", dataset.ErrValidation, v)
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", dataset.ErrValidation, v)
	}
	return n, nil
}
