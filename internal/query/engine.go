// Package query answers geometry- and time-filtered reads against the
// catalog, plus the tabular paging entry point used by administrative grids.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/storage"
)

var log = logging.Logger("query")

// ErrSearchUnavailable is returned by FindTable when a free-text term is
// given but no search index is attached.
var ErrSearchUnavailable = errors.New("search index unavailable")

// maxBoundIDs caps the search hits pushed into SQL as bind variables; larger
// hit sets are filtered in memory.
var maxBoundIDs = 500

// Filter is the predicate set of FindAll. Zero fields are unconstrained.
type Filter struct {
	ID               string
	Geometry         geometry.Geometry
	ValidFrom        *time.Time
	ValidTo          *time.Time
	ExcludeCancelled bool

	// Match, when set, is applied in memory after the catalog predicates.
	Match func(*dataset.Dataset) bool
}

// Validate rejects malformed filters before any catalog access.
func (f Filter) Validate() error {
	if f.ValidFrom != nil && f.ValidTo != nil && f.ValidFrom.After(*f.ValidTo) {
		return fmt.Errorf("%w: validFrom is after validTo", dataset.ErrValidation)
	}
	return nil
}

// Page selects a window of results. Page is zero-based.
type Page struct {
	Page int
	Size int
	Sort []storage.Order
}

// Result is one page of datasets plus pagination metadata.
type Result struct {
	Items []*dataset.Dataset `json:"content"`
	Total int64              `json:"totalElements"`
	Page  int                `json:"page"`
	Size  int                `json:"size"`
}

// Searcher resolves free-text terms to entity IDs.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]string, error)
}

// Engine executes catalog queries.
type Engine struct {
	store    *storage.Store
	searcher Searcher

	defaultSize int
	maxSize     int
}

// NewEngine creates a query engine. searcher may be nil, in which case
// free-text table searches fail with ErrSearchUnavailable.
func NewEngine(store *storage.Store, searcher Searcher, cfg config.QueryConfig) *Engine {
	e := &Engine{
		store:       store,
		searcher:    searcher,
		defaultSize: cfg.DefaultPageSize,
		maxSize:     cfg.MaxPageSize,
	}
	if e.defaultSize <= 0 {
		e.defaultSize = 20
	}
	if e.maxSize <= 0 {
		e.maxSize = 1000
	}
	return e
}

func (e *Engine) normalize(p Page) (Page, error) {
	if p.Page < 0 || p.Size < 0 {
		return p, fmt.Errorf("%w: page and size must not be negative", dataset.ErrValidation)
	}
	if p.Size == 0 {
		p.Size = e.defaultSize
	}
	if p.Size > e.maxSize {
		p.Size = e.maxSize
	}
	if p.Page > math.MaxInt/p.Size {
		return p, fmt.Errorf("%w: page %d out of range", dataset.ErrValidation, p.Page)
	}
	for _, o := range p.Sort {
		if _, ok := storage.SortColumns[o.Field]; !ok {
			return p, fmt.Errorf("%w: unknown sort field %q", dataset.ErrValidation, o.Field)
		}
	}
	return p, nil
}

// FindAll returns the page of datasets matching f. Without a geometry or
// Match the catalog pages in SQL; otherwise envelope-prefiltered candidates
// are tested for exact intersection and paged in memory.
func (e *Engine) FindAll(ctx context.Context, f Filter, p Page) (*Result, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p, err := e.normalize(p)
	if err != nil {
		return nil, err
	}

	c := storage.Criteria{
		ID:               f.ID,
		UpdatedFrom:      f.ValidFrom,
		UpdatedTo:        f.ValidTo,
		ExcludeCancelled: f.ExcludeCancelled,
		Order:            p.Sort,
	}
	items, total, err := e.window(ctx, c, f.Geometry, f.Match, p.Page*p.Size, p.Size)
	if err != nil {
		return nil, err
	}
	return &Result{Items: items, Total: total, Page: p.Page, Size: p.Size}, nil
}

// window returns limit matches starting at offset, and the total match count.
func (e *Engine) window(ctx context.Context, c storage.Criteria, g geometry.Geometry, match func(*dataset.Dataset) bool, offset, limit int) ([]*dataset.Dataset, int64, error) {
	if offset < 0 || limit < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset or limit", dataset.ErrValidation)
	}
	if g.IsEmpty() && match == nil {
		total, err := e.store.CountDatasets(ctx, c)
		if err != nil {
			return nil, 0, err
		}
		c.Limit = limit
		c.Offset = offset
		items, err := e.store.FindDatasets(ctx, c)
		if err != nil {
			return nil, 0, err
		}
		if items == nil {
			items = []*dataset.Dataset{}
		}
		return items, total, nil
	}

	if env, ok := g.Envelope(); ok {
		c.Envelope = &env
	}
	candidates, err := e.store.FindDatasets(ctx, c)
	if err != nil {
		return nil, 0, err
	}

	matched := candidates[:0]
	for _, d := range candidates {
		if !g.IsEmpty() && !geometry.Intersects(d.Geometry, g) {
			continue
		}
		if match != nil && !match(d) {
			continue
		}
		matched = append(matched, d)
	}
	log.Debugf("In-memory filter kept %d of %d candidates", len(matched), len(candidates))

	items := []*dataset.Dataset{}
	if offset < len(matched) {
		end := len(matched)
		if limit < end-offset {
			end = offset + limit
		}
		items = matched[offset:end]
	}
	return items, int64(len(matched)), nil
}

// TableOrder is a per-column sort directive of a table request.
type TableOrder struct {
	Column string `json:"column"`
	Dir    string `json:"dir"`
}

// TableRequest is a tabular paging request: a free-text term plus column
// sorts over a Start/Length window.
type TableRequest struct {
	Draw             int               `json:"draw"`
	Start            int               `json:"start"`
	Length           int               `json:"length"`
	Search           string            `json:"search"`
	Order            []TableOrder      `json:"order"`
	Geometry         geometry.Geometry `json:"geometry"`
	ExcludeCancelled bool              `json:"excludeCancelled"`
}

// TableResult is the response of FindTable.
type TableResult struct {
	Draw            int                `json:"draw"`
	RecordsTotal    int64              `json:"recordsTotal"`
	RecordsFiltered int64              `json:"recordsFiltered"`
	Data            []*dataset.Dataset `json:"data"`
}

// FindTable translates a table request into the FindAll predicate set. The
// free-text term is resolved through the search index.
func (e *Engine) FindTable(ctx context.Context, req TableRequest) (*TableResult, error) {
	if req.Start < 0 || req.Length < 0 {
		return nil, fmt.Errorf("%w: start and length must not be negative", dataset.ErrValidation)
	}

	var sorts []storage.Order
	for _, o := range req.Order {
		var desc bool
		switch strings.ToLower(o.Dir) {
		case "", "asc":
		case "desc":
			desc = true
		default:
			return nil, fmt.Errorf("%w: unknown sort direction %q", dataset.ErrValidation, o.Dir)
		}
		sorts = append(sorts, storage.Order{Field: o.Column, Desc: desc})
	}
	p, err := e.normalize(Page{Size: req.Length, Sort: sorts})
	if err != nil {
		return nil, err
	}

	c := storage.Criteria{ExcludeCancelled: req.ExcludeCancelled, Order: p.Sort}
	var match func(*dataset.Dataset) bool
	total, err := e.store.CountDatasets(ctx, c)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.Search) != "" {
		if e.searcher == nil {
			return nil, ErrSearchUnavailable
		}
		ids, err := e.searcher.Search(ctx, search.Request{Entity: search.EntityDataset, Text: req.Search})
		if err != nil {
			return nil, fmt.Errorf("failed to search datasets: %w", err)
		}
		if len(ids) <= maxBoundIDs {
			c.IDs = append([]string{}, ids...)
		} else {
			hits := make(map[string]bool, len(ids))
			for _, id := range ids {
				hits[id] = true
			}
			match = func(d *dataset.Dataset) bool { return hits[d.ID] }
		}
	}

	items, filtered, err := e.window(ctx, c, req.Geometry, match, req.Start, p.Size)
	if err != nil {
		return nil, err
	}
	return &TableResult{
		Draw:            req.Draw,
		RecordsTotal:    total,
		RecordsFiltered: filtered,
		Data:            items,
	}, nil
}
