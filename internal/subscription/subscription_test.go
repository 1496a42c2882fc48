package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

const (
	solentWKT = "POLYGON((-1.5 50.7, -1.0 50.7, -1.0 50.9, -1.5 50.9, -1.5 50.7))"
	thamesWKT = "POLYGON((0.5 51.4, 1.2 51.4, 1.2 51.6, 0.5 51.6, 0.5 51.4))"
)

var locodes = unlocode.MapLookup{
	"GBSOU": geometry.MustParse("POINT(-1.4 50.9)"),
	"GBLON": geometry.MustParse("POINT(0.9 51.5)"),
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, locodes, opts...), store
}

func containerType(c dataset.ContainerType) *dataset.ContainerType {
	return &c
}

func TestSubscribe(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	m, _ := newTestManager(t, WithClock(mock))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "urn:mrn:mcp:user:test", Filter{
		UNLOCODE:      "gbsou",
		ContainerType: containerType(dataset.ContainerExchangeSet),
		ProductType:   "S-201",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, "GBSOU", sub.UNLOCODE)
	assert.Equal(t, ProductTypeS201, sub.ProductType)
	assert.True(t, sub.CreatedAt.Equal(mock.Now()))

	got, err := m.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.SubscriberID, got.SubscriberID)
	require.NotNil(t, got.ContainerType)
	assert.Equal(t, dataset.ContainerExchangeSet, *got.ContainerType)
}

func TestSubscribeValidation(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		subscriber string
		filter     Filter
	}{
		{name: "empty subscriber", subscriber: " ", filter: Filter{}},
		{name: "unknown locode", subscriber: "mrn", filter: Filter{UNLOCODE: "NLRTM"}},
		{name: "malformed locode", subscriber: "mrn", filter: Filter{UNLOCODE: "X"}},
		{name: "container type", subscriber: "mrn", filter: Filter{ContainerType: containerType(7)}},
		{name: "product type", subscriber: "mrn", filter: Filter{ProductType: "S-101"}},
		{name: "product version", subscriber: "mrn", filter: Filter{ProductVersion: "not a version"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Subscribe(ctx, tt.subscriber, tt.filter)
			assert.ErrorIs(t, err, dataset.ErrValidation)
		})
	}

	subs, err := store.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribe(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "mrn", Filter{})
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(ctx, sub.ID))

	assert.ErrorIs(t, m.Unsubscribe(ctx, sub.ID), dataset.ErrNotFound)
	_, err = m.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}

func TestMatch(t *testing.T) {
	d := &dataset.Dataset{
		ID:             "d1",
		Identification: dataset.Identification{Title: "Solent", ProductEdition: "1.0.0"},
		Geometry:       geometry.MustParse(solentWKT),
	}

	tests := []struct {
		name string
		sub  dataset.Subscription
		area string
		want bool
	}{
		{name: "no criteria", want: true},
		{name: "area intersects", area: "POINT(-1.2 50.8)", want: true},
		{name: "area disjoint", area: thamesWKT, want: false},
		{name: "product type", sub: dataset.Subscription{ProductType: "S201"}, want: true},
		{name: "other product", sub: dataset.Subscription{ProductType: "S101"}, want: false},
		{name: "exact version", sub: dataset.Subscription{ProductVersion: "1.0"}, want: true},
		{name: "version mismatch", sub: dataset.Subscription{ProductVersion: "2.0"}, want: false},
		{name: "version constraint", sub: dataset.Subscription{ProductVersion: ">= 1.0, < 2.0"}, want: true},
		{name: "container type", sub: dataset.Subscription{ContainerType: containerType(dataset.ContainerExchangeSet)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var area geometry.Geometry
			if tt.area != "" {
				area = geometry.MustParse(tt.area)
			}
			assert.Equal(t, tt.want, Match(d, &tt.sub, area))
		})
	}
}

func TestMatchesUnionsLocodeWithGeometry(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	thames := &dataset.Dataset{ID: "t", Geometry: geometry.MustParse(thamesWKT)}
	solent := &dataset.Dataset{ID: "s", Geometry: geometry.MustParse(solentWKT)}

	sub := &dataset.Subscription{ID: "sub", Geometry: geometry.MustParse(thamesWKT), UNLOCODE: "GBSOU"}

	ok, err := m.Matches(ctx, thames, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Matches(ctx, solent, sub)
	require.NoError(t, err)
	assert.True(t, ok)

	sub.UNLOCODE = "NLRTM"
	_, err = m.Matches(ctx, solent, sub)
	assert.ErrorIs(t, err, unlocode.ErrNotFound)
}

type recordingHook struct {
	created []string
	removed []string
}

func (h *recordingHook) SubscriptionCreated(_ context.Context, sub *dataset.Subscription) {
	h.created = append(h.created, sub.ID)
}

func (h *recordingHook) SubscriptionRemoved(_ context.Context, id string) {
	h.removed = append(h.removed, id)
}

func TestHooks(t *testing.T) {
	hook := &recordingHook{}
	m, _ := newTestManager(t, WithHook(hook))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "mrn", Filter{})
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(ctx, sub.ID))

	assert.Equal(t, []string{sub.ID}, hook.created)
	assert.Equal(t, []string{sub.ID}, hook.removed)
}

func TestSubscriptionsAreIndexed(t *testing.T) {
	idx, err := search.Open(context.Background(), dssync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)
	m, _ := newTestManager(t, WithHook(search.NewIndexer(idx)))
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "urn:mrn:mcp:user:harbour", Filter{UNLOCODE: "GBSOU"})
	require.NoError(t, err)

	ids, err := idx.Search(ctx, search.Request{Entity: search.EntitySubscription, Text: "harbour"})
	require.NoError(t, err)
	assert.Equal(t, []string{sub.ID}, ids)

	require.NoError(t, m.Unsubscribe(ctx, sub.ID))
	n, err := idx.Count(ctx, search.EntitySubscription)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInterestedAndNotify(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	near, err := m.Subscribe(ctx, "near", Filter{UNLOCODE: "GBSOU"})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "far", Filter{UNLOCODE: "GBLON"})
	require.NoError(t, err)
	everywhere, err := m.Subscribe(ctx, "all", Filter{})
	require.NoError(t, err)

	clog, err := contentlog.New(store.DB())
	require.NoError(t, err)
	mgr := version.NewManager(store, clog, s201.NewGMLEncoder(), version.WithListener(m))

	notified := make(chan string, 4)
	m.AddHandler(func(sub *dataset.Subscription, change version.Change) {
		notified <- sub.ID
	})

	d, err := mgr.Create(ctx, dataset.Draft{
		Identification: dataset.Identification{Title: "Solent"},
		Geometry:       geometry.MustParse(solentWKT),
	})
	require.NoError(t, err)

	subs, err := m.Interested(ctx, d)
	require.NoError(t, err)
	var ids []string
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{near.ID, everywhere.ID}, ids)

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case id := <-notified:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}
	}
	assert.ElementsMatch(t, []string{near.ID, everywhere.ID}, got)
}
