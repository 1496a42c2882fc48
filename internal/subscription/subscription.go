// Package subscription stores subscriber filters and matches committed
// dataset changes against them.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

var log = logging.Logger("subscription")

// ProductTypeS201 is the SECOM data product type of S-201 datasets.
const ProductTypeS201 = "S201"

// Filter is the subscriber-supplied part of a subscription.
type Filter struct {
	Geometry       geometry.Geometry
	UNLOCODE       string
	ContainerType  *dataset.ContainerType
	ProductType    string
	ProductVersion string
}

// Hook observes subscription lifecycle events.
type Hook interface {
	SubscriptionCreated(ctx context.Context, sub *dataset.Subscription)
	SubscriptionRemoved(ctx context.Context, id string)
}

// Handler is called for every subscription interested in a committed change.
type Handler func(sub *dataset.Subscription, change version.Change)

// Manager manages subscriptions and notifies subscribers of dataset changes.
type Manager struct {
	store  *storage.Store
	lookup unlocode.Lookup
	clock  clock.Clock

	mu       sync.RWMutex
	hooks    []Hook
	handlers []Handler
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for creation timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithHook registers a lifecycle hook at construction.
func WithHook(h Hook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, h)
	}
}

// NewManager creates a subscription manager.
func NewManager(store *storage.Store, lookup unlocode.Lookup, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		lookup: lookup,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddHandler registers a handler for matched changes.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Subscribe validates and stores a subscription for subscriberID.
func (m *Manager) Subscribe(ctx context.Context, subscriberID string, f Filter) (*dataset.Subscription, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: subscriber identity is required", dataset.ErrValidation)
	}
	if err := m.validate(ctx, &f); err != nil {
		return nil, err
	}

	sub := &dataset.Subscription{
		ID:             uuid.NewString(),
		SubscriberID:   subscriberID,
		Geometry:       f.Geometry,
		UNLOCODE:       f.UNLOCODE,
		ContainerType:  f.ContainerType,
		ProductType:    f.ProductType,
		ProductVersion: f.ProductVersion,
		CreatedAt:      time.UnixMilli(m.clock.Now().UnixMilli()).UTC(),
	}
	if err := m.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	subscriptionsTotal.WithLabelValues("created").Inc()

	for _, h := range m.snapshotHooks() {
		h.SubscriptionCreated(ctx, sub)
	}
	log.Infof("Created subscription %s for %s", sub.ID, subscriberID)
	return sub, nil
}

func (m *Manager) validate(ctx context.Context, f *Filter) error {
	if err := ValidateFilter(f); err != nil {
		return err
	}
	if f.UNLOCODE != "" {
		code, err := unlocode.Normalize(f.UNLOCODE)
		if err != nil {
			return fmt.Errorf("%w: %v", dataset.ErrValidation, err)
		}
		if _, err := m.lookup.Resolve(ctx, code); err != nil {
			if errors.Is(err, unlocode.ErrNotFound) {
				return fmt.Errorf("%w: %v", dataset.ErrValidation, err)
			}
			return err
		}
		f.UNLOCODE = code
	}
	return nil
}

// ValidateFilter checks and normalizes the non-spatial criteria of f.
func ValidateFilter(f *Filter) error {
	if f.ContainerType != nil {
		switch *f.ContainerType {
		case dataset.ContainerDataset, dataset.ContainerExchangeSet:
		default:
			return fmt.Errorf("%w: unknown container type %d", dataset.ErrValidation, *f.ContainerType)
		}
	}
	if f.ProductType != "" {
		if normalizeProduct(f.ProductType) != ProductTypeS201 {
			return fmt.Errorf("%w: unsupported data product type %q", dataset.ErrValidation, f.ProductType)
		}
		f.ProductType = ProductTypeS201
	}
	if f.ProductVersion != "" {
		if _, err := versionMatcher(f.ProductVersion); err != nil {
			return fmt.Errorf("%w: %v", dataset.ErrValidation, err)
		}
	}
	return nil
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	if err := m.store.DeleteSubscription(ctx, id); err != nil {
		if errors.Is(err, storage.ErrSubscriptionNotFound) {
			return fmt.Errorf("%w: subscription %s", dataset.ErrNotFound, id)
		}
		return err
	}
	subscriptionsTotal.WithLabelValues("removed").Inc()

	for _, h := range m.snapshotHooks() {
		h.SubscriptionRemoved(ctx, id)
	}
	log.Infof("Removed subscription %s", id)
	return nil
}

// Get returns a subscription by ID.
func (m *Manager) Get(ctx context.Context, id string) (*dataset.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("%w: subscription %s", dataset.ErrNotFound, id)
	}
	return sub, err
}

// List returns every subscription.
func (m *Manager) List(ctx context.Context) ([]*dataset.Subscription, error) {
	return m.store.ListSubscriptions(ctx)
}

// Area resolves the geographic area of a subscription: its geometry unioned
// with the geometry of its UN/LOCODE. An empty area means everywhere.
func (m *Manager) Area(ctx context.Context, sub *dataset.Subscription) (geometry.Geometry, error) {
	if sub.UNLOCODE == "" {
		return sub.Geometry, nil
	}
	loc, err := m.lookup.Resolve(ctx, sub.UNLOCODE)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("failed to resolve %s for subscription %s: %w", sub.UNLOCODE, sub.ID, err)
	}
	return geometry.Union(sub.Geometry, loc)
}

// Matches reports whether d falls within sub.
func (m *Manager) Matches(ctx context.Context, d *dataset.Dataset, sub *dataset.Subscription) (bool, error) {
	area, err := m.Area(ctx, sub)
	if err != nil {
		return false, err
	}
	return Match(d, sub, area), nil
}

// Interested returns every subscription matching d.
func (m *Manager) Interested(ctx context.Context, d *dataset.Dataset) ([]*dataset.Subscription, error) {
	var out []*dataset.Subscription
	err := m.store.StreamSubscriptions(ctx, func(sub *dataset.Subscription) error {
		ok, err := m.Matches(ctx, d, sub)
		if err != nil {
			log.Warnf("Skipping subscription %s: %v", sub.ID, err)
			return nil
		}
		if ok {
			out = append(out, sub)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DatasetChanged implements version.Listener.
func (m *Manager) DatasetChanged(ctx context.Context, change version.Change) {
	subs, err := m.Interested(ctx, change.Dataset)
	if err != nil {
		log.Warnf("Failed to match subscriptions for dataset %s: %v", change.Dataset.ID, err)
		return
	}

	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	for _, sub := range subs {
		notifications.WithLabelValues(string(change.Operation)).Inc()
		log.Infof("Dataset %s %s matches subscription %s of %s",
			change.Dataset.ID, change.Operation, sub.ID, sub.SubscriberID)
		for _, h := range handlers {
			go h(sub, change)
		}
	}
}

func (m *Manager) snapshotHooks() []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Hook(nil), m.hooks...)
}

// Match checks d against the non-spatial criteria of sub and against area,
// the resolved subscription area. Datasets are deliverable in either
// container type, so the container type never excludes a dataset.
func Match(d *dataset.Dataset, sub *dataset.Subscription, area geometry.Geometry) bool {
	if sub.ProductType != "" {
		product := d.Identification.ProductIdentifier
		if product == "" {
			product = dataset.ProductS201
		}
		if normalizeProduct(product) != normalizeProduct(sub.ProductType) {
			return false
		}
	}
	if sub.ProductVersion != "" {
		match, err := versionMatcher(sub.ProductVersion)
		if err != nil {
			return false
		}
		if !match(d.Identification.ProductEdition) {
			return false
		}
	}
	if area.IsEmpty() {
		return true
	}
	return geometry.Intersects(area, d.Geometry)
}

func normalizeProduct(p string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(p))
}

// versionMatcher builds a predicate from either a plain version, which must
// match exactly, or a constraint such as ">= 1.0, < 2.0".
func versionMatcher(spec string) (func(string) bool, error) {
	spec = strings.TrimSpace(spec)
	if v, err := goversion.NewVersion(spec); err == nil {
		return func(edition string) bool {
			ev, err := goversion.NewVersion(edition)
			return err == nil && ev.Equal(v)
		}, nil
	}
	constraints, err := goversion.NewConstraint(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid product version %q", spec)
	}
	return func(edition string) bool {
		ev, err := goversion.NewVersion(edition)
		return err == nil && constraints.Check(ev)
	}, nil
}
