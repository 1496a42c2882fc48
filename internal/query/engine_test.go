package query

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

const (
	solentWKT = "POLYGON((-1.5 50.7, -1.0 50.7, -1.0 50.9, -1.5 50.9, -1.5 50.7))"
	thamesWKT = "POLYGON((0.5 51.4, 1.2 51.4, 1.2 51.6, 0.5 51.6, 0.5 51.4))"

	// Its envelope overlaps the Solent envelope but the triangle itself does not.
	triangleWKT = "POLYGON((-2 50, -1.4 50, -2 51, -2 50))"
)

type fixture struct {
	store  *storage.Store
	mgr    *version.Manager
	engine *Engine
	index  *search.Index
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clog, err := contentlog.New(store.DB())
	require.NoError(t, err)

	idx, err := search.Open(context.Background(), dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := version.NewManager(store, clog, s201.NewGMLEncoder(),
		version.WithClock(mock),
		version.WithListener(search.NewIndexer(idx)))

	return &fixture{
		store:  store,
		mgr:    mgr,
		engine: NewEngine(store, idx, config.QueryConfig{DefaultPageSize: 2, MaxPageSize: 10}),
		index:  idx,
		clock:  mock,
	}
}

func (f *fixture) create(t *testing.T, title, wkt string) *dataset.Dataset {
	t.Helper()
	d, err := f.mgr.Create(context.Background(), dataset.Draft{
		Identification: dataset.Identification{Title: title},
		Geometry:       geometry.MustParse(wkt),
	})
	require.NoError(t, err)
	f.clock.Add(time.Hour)
	return d
}

func TestFindAllByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.create(t, "Solent", solentWKT)
	f.create(t, "Thames", thamesWKT)

	res, err := f.engine.FindAll(ctx, Filter{ID: d.ID, ExcludeCancelled: true}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, d.ID, res.Items[0].ID)
	assert.False(t, res.Items[0].Cancelled)
	assert.EqualValues(t, 1, res.Total)

	res, err = f.engine.FindAll(ctx, Filter{ID: "missing"}, Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)
}

func TestFindAllGeometry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	solent := f.create(t, "Solent", solentWKT)
	f.create(t, "Thames", thamesWKT)

	res, err := f.engine.FindAll(ctx, Filter{Geometry: geometry.MustParse("POINT(-1.2 50.8)")}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, solent.ID, res.Items[0].ID)

	// Envelope overlap alone is not enough.
	res, err = f.engine.FindAll(ctx, Filter{Geometry: geometry.MustParse(triangleWKT)}, Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = f.engine.FindAll(ctx, Filter{Geometry: geometry.MustParse("POINT(20 20)")}, Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Zero(t, res.Total)
}

func TestFindAllTimeWindowAndCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "A", solentWKT)
	b := f.create(t, "B", solentWKT)
	c := f.create(t, "C", solentWKT)

	from, to := b.UpdatedAt, c.UpdatedAt
	res, err := f.engine.FindAll(ctx, Filter{ValidFrom: &from, ValidTo: &to}, Page{Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)

	res, err = f.engine.FindAll(ctx, Filter{ValidTo: &a.UpdatedAt}, Page{Size: 10})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, a.ID, res.Items[0].ID)

	_, err = f.mgr.Cancel(ctx, a.ID)
	require.NoError(t, err)

	res, err = f.engine.FindAll(ctx, Filter{ExcludeCancelled: true}, Page{Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)

	res, err = f.engine.FindAll(ctx, Filter{}, Page{Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
}

func TestFindAllPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C", "D", "E"} {
		f.create(t, title, solentWKT)
	}

	res, err := f.engine.FindAll(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 2, res.Size)
	assert.EqualValues(t, 5, res.Total)
	assert.Less(t, res.Items[0].ID, res.Items[1].ID)

	res, err = f.engine.FindAll(ctx, Filter{Geometry: geometry.MustParse(solentWKT)}, Page{Page: 2, Size: 2})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.EqualValues(t, 5, res.Total)

	res, err = f.engine.FindAll(ctx, Filter{}, Page{Size: 50, Sort: []storage.Order{{Field: "datasetTitle", Desc: true}}})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Size)
	assert.Equal(t, "E", res.Items[0].Identification.Title)
}

func TestFindAllRejectsMalformedFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	_, err := f.engine.FindAll(ctx, Filter{ValidFrom: &from, ValidTo: &to}, Page{})
	assert.ErrorIs(t, err, dataset.ErrValidation)

	_, err = f.engine.FindAll(ctx, Filter{}, Page{Page: -1})
	assert.ErrorIs(t, err, dataset.ErrValidation)

	_, err = f.engine.FindAll(ctx, Filter{}, Page{Sort: []storage.Order{{Field: "nope"}}})
	assert.ErrorIs(t, err, dataset.ErrValidation)
}

func TestFindTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Solent Approaches", solentWKT)
	f.create(t, "Thames Estuary", thamesWKT)
	f.create(t, "Solent Harbour", solentWKT)

	res, err := f.engine.FindTable(ctx, TableRequest{
		Draw:   4,
		Length: 10,
		Search: "solnet",
		Order:  []TableOrder{{Column: "datasetTitle", Dir: "desc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Draw)
	assert.EqualValues(t, 3, res.RecordsTotal)
	assert.EqualValues(t, 2, res.RecordsFiltered)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "Solent Harbour", res.Data[0].Identification.Title)

	res, err = f.engine.FindTable(ctx, TableRequest{Search: "nothing-like-this"})
	require.NoError(t, err)
	assert.Zero(t, res.RecordsFiltered)
	assert.Empty(t, res.Data)

	res, err = f.engine.FindTable(ctx, TableRequest{Start: 1, Length: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RecordsFiltered)
	assert.Len(t, res.Data, 1)

	_, err = f.engine.FindTable(ctx, TableRequest{Order: []TableOrder{{Column: "datasetTitle", Dir: "sideways"}}})
	assert.ErrorIs(t, err, dataset.ErrValidation)

	noIndex := NewEngine(f.store, nil, config.QueryConfig{})
	_, err = noIndex.FindTable(ctx, TableRequest{Search: "solent"})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
}

func TestFindAllMatchPredicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, title := range []string{"A", "B", "C"} {
		f.create(t, title, solentWKT)
	}

	res, err := f.engine.FindAll(ctx, Filter{
		Match: func(d *dataset.Dataset) bool { return d.Identification.Title != "B" },
	}, Page{Size: 1, Page: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)
	require.Len(t, res.Items, 1)
	assert.NotEqual(t, "B", res.Items[0].Identification.Title)
}

func TestFindAllRejectsOverflowingPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Solent", solentWKT)

	for name, filter := range map[string]Filter{
		"catalog":  {},
		"geometry": {Geometry: geometry.MustParse(solentWKT)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.FindAll(ctx, filter, Page{Page: math.MaxInt/2 + 1})
			assert.ErrorIs(t, err, dataset.ErrValidation)

			res, err := f.engine.FindAll(ctx, filter, Page{Page: 1000, Size: 10})
			require.NoError(t, err)
			assert.Empty(t, res.Items)
			assert.EqualValues(t, 1, res.Total)
		})
	}
}

func TestFindTableLargeHitSetFiltersInMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Solent Approaches", solentWKT)
	f.create(t, "Thames Estuary", thamesWKT)
	f.create(t, "Solent Harbour", solentWKT)

	defer func(n int) { maxBoundIDs = n }(maxBoundIDs)
	maxBoundIDs = 1

	res, err := f.engine.FindTable(ctx, TableRequest{Length: 10, Search: "solent"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RecordsFiltered)
	assert.Len(t, res.Data, 2)

	res, err = f.engine.FindTable(ctx, TableRequest{Start: math.MaxInt, Length: 10, Search: "solent"})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}
