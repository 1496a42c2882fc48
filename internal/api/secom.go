package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/secom"
)

func (h *Handler) secomGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, err := parseSECOMGet(r)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	resp, err := h.secom.Get(r.Context(), req)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseSECOMGet(r *http.Request) (secom.GetRequest, error) {
	q := r.URL.Query()
	req := secom.GetRequest{
		DataReference:   strings.TrimSpace(q.Get("dataReference")),
		DataProductType: strings.TrimSpace(q.Get("dataProductType")),
		ProductVersion:  strings.TrimSpace(q.Get("productVersion")),
		Geometry:        strings.TrimSpace(q.Get("geometry")),
		UNLOCODE:        strings.TrimSpace(q.Get("unlocode")),
	}

	var err error
	if v := q.Get("containerType"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return req, err
		}
		ct := dataset.ContainerType(n)
		req.ContainerType = &ct
	}
	if req.ValidFrom, err = parseTime(q.Get("validFrom")); err != nil {
		return req, err
	}
	if req.ValidTo, err = parseTime(q.Get("validTo")); err != nil {
		return req, err
	}
	if req.Page, err = parseInt(q.Get("page")); err != nil {
		return req, err
	}
	if req.PageSize, err = parseInt(q.Get("pageSize")); err != nil {
		return req, err
	}
	return req, nil
}

func (h *Handler) secomSubscribe(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, raw, err := readBody(r)
	if err != nil {
		writeFailure(w, err, nil)
		return
	}

	var req secom.SubscriptionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeFailure(w, fmt.Errorf("%w: invalid subscription request: %v", dataset.ErrValidation, err), raw)
		return
	}
	resp, err := h.secom.Subscribe(r.Context(), r.Header.Get(h.header), req)
	if err != nil {
		writeFailure(w, err, raw)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) secomUnsubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	resp, err := h.secom.Unsubscribe(r.Context(), ps.ByName("id"))
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	subs, err := h.subs.List(r.Context())
	if err != nil {
		writeFailure(w, err, nil)
		return
	}
	if subs == nil {
		subs = []*dataset.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(subs),
		"subscriptions": subs,
	})
}
