package secom

import (
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/exchange"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/subscription"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

const (
	solentWKT = "POLYGON((-1.5 50.7, -1.0 50.7, -1.0 50.9, -1.5 50.9, -1.5 50.7))"
	thamesWKT = "POLYGON((0.5 51.4, 1.2 51.4, 1.2 51.6, 0.5 51.6, 0.5 51.4))"
)

type fixture struct {
	svc   *Service
	mgr   *version.Manager
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clog, err := contentlog.New(store.DB())
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	lookup := unlocode.MapLookup{"GBSOU": geometry.MustParse("POINT(-1.4 50.8)")}

	mgr := version.NewManager(store, clog, s201.NewGMLEncoder(), version.WithClock(mock))
	svc := NewService(store,
		query.NewEngine(store, nil, config.QueryConfig{}),
		exchange.NewPackager(true),
		subscription.NewManager(store, lookup),
		lookup)
	return &fixture{svc: svc, mgr: mgr, clock: mock}
}

func (f *fixture) create(t *testing.T, title, wkt, edition string) *dataset.Dataset {
	t.Helper()
	d, err := f.mgr.Create(context.Background(), dataset.Draft{
		Identification: dataset.Identification{Title: title, ProductEdition: edition},
		Geometry:       geometry.MustParse(wkt),
	})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	return d
}

func containerType(c dataset.ContainerType) *dataset.ContainerType {
	return &c
}

func TestGetRawPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	solent := f.create(t, "Solent", solentWKT, "1.0.0")
	f.create(t, "Thames", thamesWKT, "1.0.0")

	resp, err := f.svc.Get(ctx, GetRequest{UNLOCODE: "GBSOU"})
	require.NoError(t, err)
	require.Len(t, resp.DataResponseObject, 1)
	assert.EqualValues(t, 1, resp.Pagination.TotalItems)
	assert.False(t, resp.DataResponseObject[0].ExchangeMetadata.CompressionFlag)
	assert.Contains(t, string(resp.DataResponseObject[0].Data), "Solent")

	resp, err = f.svc.Get(ctx, GetRequest{DataReference: solent.ID})
	require.NoError(t, err)
	assert.Len(t, resp.DataResponseObject, 1)
}

func TestGetExchangeSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "Solent", solentWKT, "1.0.0")
	b := f.create(t, "Thames", thamesWKT, "1.0.0")

	resp, err := f.svc.Get(ctx, GetRequest{ContainerType: containerType(dataset.ContainerExchangeSet)})
	require.NoError(t, err)
	require.Len(t, resp.DataResponseObject, 1)
	assert.True(t, resp.DataResponseObject[0].ExchangeMetadata.CompressionFlag)

	catalogue, payloads, err := exchange.Read(resp.DataResponseObject[0].Data)
	require.NoError(t, err)
	assert.Len(t, catalogue.Datasets, 2)
	assert.Contains(t, payloads, a.ID)
	assert.Contains(t, payloads, b.ID)
}

func TestGetFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Old", solentWKT, "1.0.0")
	f.create(t, "New", solentWKT, "2.1.0")
	cancelled := f.create(t, "Gone", solentWKT, "2.0.0")
	_, err := f.mgr.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	resp, err := f.svc.Get(ctx, GetRequest{ProductVersion: ">= 2.0"})
	require.NoError(t, err)
	require.Len(t, resp.DataResponseObject, 1)
	assert.Contains(t, string(resp.DataResponseObject[0].Data), "New")

	resp, err = f.svc.Get(ctx, GetRequest{DataProductType: "S201"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.Pagination.TotalItems)

	resp, err = f.svc.Get(ctx, GetRequest{Geometry: thamesWKT})
	require.NoError(t, err)
	assert.Empty(t, resp.DataResponseObject)

	resp, err = f.svc.Get(ctx, GetRequest{UNLOCODE: "NLRTM"})
	require.NoError(t, err)
	assert.Empty(t, resp.DataResponseObject)
	assert.Zero(t, resp.Pagination.TotalItems)
}

func TestGetFailuresAreValidationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Solent", solentWKT, "1.0.0")
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	tests := []struct {
		name string
		req  GetRequest
	}{
		{name: "geometry", req: GetRequest{Geometry: "POLYGON((oops"}},
		{name: "time window", req: GetRequest{ValidFrom: &from, ValidTo: &to}},
		{name: "product type", req: GetRequest{DataProductType: "S124"}},
		{name: "product version", req: GetRequest{ProductVersion: "latest"}},
		{name: "container type", req: GetRequest{ContainerType: containerType(3)}},
		{name: "page", req: GetRequest{Page: -1}},
		{name: "locode", req: GetRequest{UNLOCODE: "??"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Get(ctx, tt.req)
			assert.ErrorIs(t, err, dataset.ErrValidation)
		})
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Subscribe(ctx, "urn:mrn:mcp:user:test", SubscriptionRequest{
		DataProductType: "S201",
		UNLOCODE:        "GBSOU",
		Geometry:        thamesWKT,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SubscriptionIdentifier)
	assert.Equal(t, TextSubscriptionCreated, resp.ResponseText)

	_, err = f.svc.Subscribe(ctx, "", SubscriptionRequest{})
	assert.ErrorIs(t, err, dataset.ErrValidation)
	_, err = f.svc.Subscribe(ctx, "mrn", SubscriptionRequest{Geometry: "nope"})
	assert.ErrorIs(t, err, dataset.ErrValidation)
	_, err = f.svc.Subscribe(ctx, "mrn", SubscriptionRequest{UNLOCODE: "NLRTM"})
	assert.ErrorIs(t, err, dataset.ErrValidation)

	removed, err := f.svc.Unsubscribe(ctx, resp.SubscriptionIdentifier)
	require.NoError(t, err)
	assert.Equal(t, TextSubscriptionRemoved, removed.ResponseText)

	_, err = f.svc.Unsubscribe(ctx, resp.SubscriptionIdentifier)
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}
