package search

import (
	"context"
	"fmt"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	leveldb "github.com/ipfs/go-ds-leveldb"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

// OpenDatastore opens the backing datastore selected by cfg.
func OpenDatastore(cfg config.IndexConfig) (datastore.Batching, error) {
	switch cfg.Backend {
	case config.IndexBackendMemory:
		return dssync.MutexWrap(datastore.NewMapDatastore()), nil
	case config.IndexBackendLevelDB, "":
		ds, err := leveldb.NewDatastore(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb index at %s: %w", cfg.Path, err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

// DatasetDocument builds the index document of a dataset.
func DatasetDocument(d *dataset.Dataset) *Document {
	id := d.Identification
	doc := &Document{
		Entity: EntityDataset,
		ID:     d.ID,
		Fields: map[string]string{
			"uuid":                  d.ID,
			"datasetTitle":          id.Title,
			"datasetAbstract":       id.Abstract,
			"datasetFileIdentifier": id.FileIdentifier,
			"datasetEdition":        id.Edition,
			"productEdition":        id.ProductEdition,
			"datasetLanguage":       id.Language,
		},
	}
	if env, ok := d.Geometry.Envelope(); ok {
		doc.BBox = &env
	}
	return doc
}

// SubscriptionDocument builds the index document of a subscription.
func SubscriptionDocument(s *dataset.Subscription) *Document {
	doc := &Document{
		Entity: EntitySubscription,
		ID:     s.ID,
		Fields: map[string]string{
			"subscriberId":    s.SubscriberID,
			"unlocode":        s.UNLOCODE,
			"dataProductType": s.ProductType,
			"productVersion":  s.ProductVersion,
		},
	}
	if env, ok := s.Geometry.Envelope(); ok {
		doc.BBox = &env
	}
	return doc
}

// Indexer keeps the index in step with committed catalog changes.
type Indexer struct {
	idx *Index
}

// NewIndexer creates an incremental indexer over idx.
func NewIndexer(idx *Index) *Indexer {
	return &Indexer{idx: idx}
}

// DatasetChanged implements version.Listener. Index failures are logged;
// the next rebuild repairs them.
func (i *Indexer) DatasetChanged(ctx context.Context, change version.Change) {
	var err error
	if change.Operation == dataset.OpDeleted {
		err = i.idx.Delete(ctx, EntityDataset, change.Dataset.ID)
	} else {
		err = i.idx.Put(ctx, DatasetDocument(change.Dataset))
	}
	if err != nil {
		log.Warnf("Failed to index dataset %s after %s: %v", change.Dataset.ID, change.Operation, err)
	}
}

// SubscriptionCreated indexes a new subscription.
func (i *Indexer) SubscriptionCreated(ctx context.Context, sub *dataset.Subscription) {
	if err := i.idx.Put(ctx, SubscriptionDocument(sub)); err != nil {
		log.Warnf("Failed to index subscription %s: %v", sub.ID, err)
	}
}

// SubscriptionRemoved drops a subscription from the index.
func (i *Indexer) SubscriptionRemoved(ctx context.Context, id string) {
	if err := i.idx.Delete(ctx, EntitySubscription, id); err != nil {
		log.Warnf("Failed to unindex subscription %s: %v", id, err)
	}
}
