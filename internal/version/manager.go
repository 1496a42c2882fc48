// Package version implements the dataset lifecycle: create, update, cancel,
// replace and delete. It is the only writer of the catalog, the content store
// and the content log, and commits every operation as a single transaction.
package version

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/storage"
)

var log = logging.Logger("version")

// Change describes a committed mutation. For deletes, Dataset is the state
// that was removed.
type Change struct {
	Operation dataset.Operation
	Dataset   *dataset.Dataset
	Entry     dataset.LogEntry
}

// Listener is notified after a mutation commits. Listeners must not block.
type Listener interface {
	DatasetChanged(ctx context.Context, change Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, change Change)

// DatasetChanged implements Listener.
func (f ListenerFunc) DatasetChanged(ctx context.Context, change Change) {
	f(ctx, change)
}

// Manager owns all dataset mutations.
type Manager struct {
	store   *storage.Store
	log     *contentlog.Log
	encoder s201.Encoder
	clock   clock.Clock

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithListener registers a listener at construction.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		m.listeners = append(m.listeners, l)
	}
}

// NewManager creates a version manager.
func NewManager(store *storage.Store, contentLog *contentlog.Log, encoder s201.Encoder, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		log:     contentLog,
		encoder: encoder,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a listener for committed changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ctx context.Context, changes ...Change) {
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, c := range changes {
		for _, l := range listeners {
			l.DatasetChanged(ctx, c)
		}
	}
}

// now returns the current time at the catalog's millisecond resolution.
func (m *Manager) now() time.Time {
	return time.UnixMilli(m.clock.Now().UnixMilli()).UTC()
}

// generate encodes d into a fresh content row.
func (m *Manager) generate(ctx context.Context, tx *storage.Tx, d *dataset.Dataset, at time.Time) (*dataset.Content, error) {
	data, err := m.encoder.Encode(d.Draft())
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset %s: %w", d.ID, err)
	}
	cid, err := contentlog.ComputeCID(data)
	if err != nil {
		return nil, err
	}
	content := &dataset.Content{
		DatasetID:   d.ID,
		CID:         cid,
		Data:        data,
		GeneratedAt: at,
	}
	if _, err := tx.InsertContent(ctx, content); err != nil {
		return nil, err
	}
	d.ContentID = content.ID
	return content, nil
}

// Create persists a new dataset with its initial content.
func (m *Manager) Create(ctx context.Context, draft dataset.Draft) (*dataset.Dataset, error) {
	if draft.ID != "" {
		return nil, fmt.Errorf("%w: got %s", dataset.ErrIdentityConflict, draft.ID)
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	now := m.now()
	d := &dataset.Dataset{
		ID:             uuid.NewString(),
		Identification: draft.Identification,
		Geometry:       draft.Geometry,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if d.Identification.ProductIdentifier == "" {
		d.Identification.ProductIdentifier = dataset.ProductS201
	}

	var entry *dataset.LogEntry
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		content, err := m.generate(ctx, tx, d, now)
		if err != nil {
			return err
		}
		if err := tx.InsertDataset(ctx, d); err != nil {
			return err
		}
		entry, err = m.log.Append(ctx, tx, dataset.OpCreated, content, now)
		return err
	})
	if err != nil {
		operationErrors.WithLabelValues(string(dataset.OpCreated)).Inc()
		return nil, err
	}

	operations.WithLabelValues(string(dataset.OpCreated)).Inc()
	log.Infof("Created dataset %s (%s)", d.ID, d.Identification.Title)
	m.notify(ctx, Change{Operation: dataset.OpCreated, Dataset: d, Entry: *entry})
	return d, nil
}

// Update merges draft over an active dataset and regenerates its content.
// Empty draft fields keep their stored values.
func (m *Manager) Update(ctx context.Context, id string, draft dataset.Draft) (*dataset.Dataset, error) {
	if draft.ID != "" && draft.ID != id {
		return nil, fmt.Errorf("%w: identifier %s does not match %s", dataset.ErrValidation, draft.ID, id)
	}

	now := m.now()
	var (
		d     *dataset.Dataset
		entry *dataset.LogEntry
	)
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = tx.GetDataset(ctx, id)
		if err != nil {
			return err
		}
		if d.Cancelled {
			return fmt.Errorf("%w: %s", dataset.ErrAlreadyCancelled, id)
		}

		d.Identification = d.Identification.Merge(draft.Identification)
		if !draft.Geometry.IsEmpty() {
			d.Geometry = draft.Geometry
		}
		if err := d.Draft().Validate(); err != nil {
			return err
		}
		d.UpdatedAt = now

		content, err := m.generate(ctx, tx, d, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateDataset(ctx, d); err != nil {
			return err
		}
		entry, err = m.log.Append(ctx, tx, dataset.OpUpdated, content, now)
		return err
	})
	if err != nil {
		operationErrors.WithLabelValues(string(dataset.OpUpdated)).Inc()
		return nil, err
	}

	operations.WithLabelValues(string(dataset.OpUpdated)).Inc()
	log.Infof("Updated dataset %s", id)
	m.notify(ctx, Change{Operation: dataset.OpUpdated, Dataset: d, Entry: *entry})
	return d, nil
}

// Cancel closes a dataset. Cancelling an already cancelled dataset succeeds
// without writing a second log entry.
func (m *Manager) Cancel(ctx context.Context, id string) (*dataset.Dataset, error) {
	now := m.now()
	var (
		d     *dataset.Dataset
		entry *dataset.LogEntry
	)
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = tx.GetDataset(ctx, id)
		if err != nil {
			return err
		}
		changed, err := tx.CancelDataset(ctx, id, now)
		if err != nil || !changed {
			return err
		}
		content, err := tx.GetContent(ctx, d.ContentID)
		if err != nil {
			return err
		}
		d.Cancelled = true
		d.UpdatedAt = now
		entry, err = m.log.Append(ctx, tx, dataset.OpCancelled, content, now)
		return err
	})
	if err != nil {
		operationErrors.WithLabelValues(string(dataset.OpCancelled)).Inc()
		return nil, err
	}
	if entry == nil {
		log.Debugf("Dataset %s already cancelled", id)
		return d, nil
	}

	operations.WithLabelValues(string(dataset.OpCancelled)).Inc()
	log.Infof("Cancelled dataset %s", id)
	m.notify(ctx, Change{Operation: dataset.OpCancelled, Dataset: d, Entry: *entry})
	return d, nil
}

// Replace closes an active dataset and creates its successor carrying the
// same identification and geometry under a new identifier. Both halves
// commit together or not at all.
func (m *Manager) Replace(ctx context.Context, id string) (*dataset.Dataset, error) {
	now := m.now()
	var (
		predecessor *dataset.Dataset
		successor   *dataset.Dataset
		cancelled   *dataset.LogEntry
		created     *dataset.LogEntry
	)
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		predecessor, err = tx.GetDataset(ctx, id)
		if err != nil {
			return err
		}
		if predecessor.Cancelled {
			return fmt.Errorf("%w: %s", dataset.ErrAlreadyCancelled, id)
		}
		changed, err := tx.CancelDataset(ctx, id, now)
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("%w: %s", dataset.ErrAlreadyCancelled, id)
		}
		predecessor.Cancelled = true
		predecessor.UpdatedAt = now

		oldContent, err := tx.GetContent(ctx, predecessor.ContentID)
		if err != nil {
			return err
		}
		if cancelled, err = m.log.Append(ctx, tx, dataset.OpCancelled, oldContent, now); err != nil {
			return err
		}

		successor = &dataset.Dataset{
			ID:             uuid.NewString(),
			Identification: predecessor.Identification,
			Geometry:       predecessor.Geometry,
			CreatedAt:      now,
			UpdatedAt:      now,
			PredecessorID:  predecessor.ID,
		}
		content, err := m.generate(ctx, tx, successor, now)
		if err != nil {
			return err
		}
		if err := tx.InsertDataset(ctx, successor); err != nil {
			return err
		}
		created, err = m.log.Append(ctx, tx, dataset.OpCreated, content, now)
		return err
	})
	if err != nil {
		operationErrors.WithLabelValues("REPLACED").Inc()
		return nil, err
	}

	operations.WithLabelValues("REPLACED").Inc()
	log.Infof("Replaced dataset %s with %s", id, successor.ID)
	m.notify(ctx,
		Change{Operation: dataset.OpCancelled, Dataset: predecessor, Entry: *cancelled},
		Change{Operation: dataset.OpCreated, Dataset: successor, Entry: *created},
	)
	return successor, nil
}

// Delete removes a dataset and its content. Its log entries are kept and a
// DELETED entry referencing the last content snapshot is appended.
func (m *Manager) Delete(ctx context.Context, id string) error {
	now := m.now()
	var (
		d     *dataset.Dataset
		entry *dataset.LogEntry
	)
	err := m.store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = tx.GetDataset(ctx, id)
		if err != nil {
			return err
		}
		content, err := tx.GetContent(ctx, d.ContentID)
		if err != nil {
			return err
		}
		if err := tx.DeleteDataset(ctx, id); err != nil {
			return err
		}
		entry, err = m.log.Append(ctx, tx, dataset.OpDeleted, content, now)
		return err
	})
	if err != nil {
		operationErrors.WithLabelValues(string(dataset.OpDeleted)).Inc()
		return err
	}

	operations.WithLabelValues(string(dataset.OpDeleted)).Inc()
	log.Infof("Deleted dataset %s", id)
	m.notify(ctx, Change{Operation: dataset.OpDeleted, Dataset: d, Entry: *entry})
	return nil
}

// Get returns a dataset by identifier, cancelled or not.
func (m *Manager) Get(ctx context.Context, id string) (*dataset.Dataset, error) {
	return m.store.GetDataset(ctx, id)
}

// History returns the content log entries of a dataset, including those of
// deleted datasets.
func (m *Manager) History(ctx context.Context, id string) ([]dataset.LogEntry, error) {
	entries, err := m.log.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := m.store.GetDataset(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Lineage returns the replace chain id belongs to, oldest first. Deleted
// links end the walk in that direction.
func (m *Manager) Lineage(ctx context.Context, id string) ([]*dataset.Dataset, error) {
	start, err := m.store.GetDataset(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*dataset.Dataset{start}
	seen := map[string]bool{start.ID: true}

	for cur := start; cur.PredecessorID != "" && !seen[cur.PredecessorID]; {
		prev, err := m.store.GetDataset(ctx, cur.PredecessorID)
		if errors.Is(err, dataset.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[prev.ID] = true
		chain = append([]*dataset.Dataset{prev}, chain...)
		cur = prev
	}

	for cur := start; ; {
		next, err := m.store.Successors(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 || seen[next[0].ID] {
			break
		}
		seen[next[0].ID] = true
		chain = append(chain, next[0])
		cur = next[0]
	}
	return chain, nil
}
