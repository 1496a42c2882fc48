// Package search maintains the derived full-text and bounding-box index over
// the catalog. The index is a rebuildable cache: it lives in a go-datastore
// under generation-prefixed keys so a full rebuild can be written beside the
// live generation and swapped in atomically.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

var log = logging.Logger("search")

// ErrStructural is returned when the index cannot be read or written.
var ErrStructural = errors.New("search index structural error")

// Indexed entity types.
const (
	EntityDataset      = "dataset"
	EntitySubscription = "subscription"
)

var currentKey = datastore.NewKey("/meta/current")

// Document is the indexed form of one catalog entity.
type Document struct {
	Entity string             `cbor:"1,keyasint"`
	ID     string             `cbor:"2,keyasint"`
	Fields map[string]string  `cbor:"3,keyasint,omitempty"`
	BBox   *geometry.Envelope `cbor:"4,keyasint,omitempty"`
}

// Tokens returns the distinct search tokens of every field.
func (d *Document) Tokens() []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range d.Fields {
		for _, tok := range Tokenize(v) {
			if !seen[tok] {
				seen[tok] = true
				out = append(out, tok)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Index is the search index.
type Index struct {
	ds datastore.Batching

	mu       sync.RWMutex
	gen      uint64
	building *Generation
}

// Open loads the index state from ds.
func Open(ctx context.Context, ds datastore.Batching) (*Index, error) {
	idx := &Index{ds: ds}

	raw, err := ds.Get(ctx, currentKey)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		idx.gen = 0
	case err != nil:
		return nil, fmt.Errorf("%w: failed to read current generation: %v", ErrStructural, err)
	default:
		gen, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt generation marker %q", ErrStructural, raw)
		}
		idx.gen = gen
	}
	log.Debugf("Search index at generation %d", idx.gen)
	return idx, nil
}

// Close closes the underlying datastore.
func (idx *Index) Close() error {
	return idx.ds.Close()
}

// CurrentGeneration returns the live generation number.
func (idx *Index) CurrentGeneration() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.gen
}

func genPrefix(gen uint64) string {
	return "/idx/" + strconv.FormatUint(gen, 10)
}

func docKey(gen uint64, entity, id string) datastore.Key {
	return datastore.NewKey(genPrefix(gen) + "/doc/" + entity + "/" + id)
}

func termPrefix(gen uint64, entity string) string {
	return genPrefix(gen) + "/term/" + entity
}

func termKey(gen uint64, entity, token, id string) datastore.Key {
	return datastore.NewKey(termPrefix(gen, entity) + "/" + token + "/" + id)
}

func putDoc(ctx context.Context, ds datastore.Datastore, gen uint64, doc *Document) error {
	if doc.ID == "" || doc.Entity == "" {
		return fmt.Errorf("%w: document without entity or id", ErrStructural)
	}
	if err := deleteDoc(ctx, ds, gen, doc.Entity, doc.ID); err != nil {
		return err
	}

	data, err := cbor.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: failed to encode document %s: %v", ErrStructural, doc.ID, err)
	}
	if err := ds.Put(ctx, docKey(gen, doc.Entity, doc.ID), data); err != nil {
		return fmt.Errorf("%w: failed to write document %s: %v", ErrStructural, doc.ID, err)
	}
	for _, tok := range doc.Tokens() {
		if err := ds.Put(ctx, termKey(gen, doc.Entity, tok, doc.ID), nil); err != nil {
			return fmt.Errorf("%w: failed to write term %s: %v", ErrStructural, tok, err)
		}
	}
	return nil
}

func getDoc(ctx context.Context, ds datastore.Datastore, gen uint64, entity, id string) (*Document, error) {
	data, err := ds.Get(ctx, docKey(gen, entity, id))
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: corrupt document %s: %v", ErrStructural, id, err)
	}
	return &doc, nil
}

func deleteDoc(ctx context.Context, ds datastore.Datastore, gen uint64, entity, id string) error {
	old, err := getDoc(ctx, ds, gen, entity, id)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, tok := range old.Tokens() {
		if err := ds.Delete(ctx, termKey(gen, entity, tok, id)); err != nil {
			return fmt.Errorf("%w: failed to delete term %s: %v", ErrStructural, tok, err)
		}
	}
	if err := ds.Delete(ctx, docKey(gen, entity, id)); err != nil {
		return fmt.Errorf("%w: failed to delete document %s: %v", ErrStructural, id, err)
	}
	return nil
}

// Put indexes doc in the live generation and in any generation being built.
func (idx *Index) Put(ctx context.Context, doc *Document) error {
	idx.mu.RLock()
	gen, building := idx.gen, idx.building
	idx.mu.RUnlock()

	if err := putDoc(ctx, idx.ds, gen, doc); err != nil {
		return err
	}
	if building != nil {
		return building.mirrorPut(ctx, doc)
	}
	return nil
}

// Delete removes an entity from the live generation and any generation
// being built.
func (idx *Index) Delete(ctx context.Context, entity, id string) error {
	idx.mu.RLock()
	gen, building := idx.gen, idx.building
	idx.mu.RUnlock()

	if err := deleteDoc(ctx, idx.ds, gen, entity, id); err != nil {
		return err
	}
	if building != nil {
		return building.mirrorDelete(ctx, entity, id)
	}
	return nil
}

// Get returns an indexed document.
func (idx *Index) Get(ctx context.Context, entity, id string) (*Document, error) {
	doc, err := getDoc(ctx, idx.ds, idx.CurrentGeneration(), entity, id)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("document %s/%s not indexed", entity, id)
	}
	return doc, err
}

// Count returns the number of documents of an entity in the live generation.
func (idx *Index) Count(ctx context.Context, entity string) (int, error) {
	results, err := idx.ds.Query(ctx, dsq.Query{
		Prefix:   genPrefix(idx.CurrentGeneration()) + "/doc/" + entity,
		KeysOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	return len(entries), nil
}

// Request is a search request.
type Request struct {
	Entity string
	Text   string
	BBox   *geometry.Envelope
}

// Search returns the IDs of documents where every query token fuzzily
// matches some document token, optionally restricted to a bounding box.
// An empty text matches every document of the entity.
func (idx *Index) Search(ctx context.Context, req Request) ([]string, error) {
	gen := idx.CurrentGeneration()
	queryTokens := Tokenize(req.Text)

	var ids []string
	if len(queryTokens) == 0 {
		all, err := idx.allIDs(ctx, gen, req.Entity)
		if err != nil {
			return nil, err
		}
		ids = all
	} else {
		matched, err := idx.matchTokens(ctx, gen, req.Entity, queryTokens)
		if err != nil {
			return nil, err
		}
		ids = matched
	}

	if req.BBox != nil {
		filtered := ids[:0]
		for _, id := range ids {
			doc, err := getDoc(ctx, idx.ds, gen, req.Entity, id)
			if errors.Is(err, datastore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if doc.BBox != nil && doc.BBox.Overlaps(*req.BBox) {
				filtered = append(filtered, id)
			}
		}
		ids = filtered
	}

	sort.Strings(ids)
	return ids, nil
}

func (idx *Index) allIDs(ctx context.Context, gen uint64, entity string) ([]string, error) {
	prefix := genPrefix(gen) + "/doc/" + entity
	results, err := idx.ds.Query(ctx, dsq.Query{Prefix: prefix, KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, datastore.RawKey(e.Key).BaseNamespace())
	}
	return ids, nil
}

func (idx *Index) matchTokens(ctx context.Context, gen uint64, entity string, queryTokens []string) ([]string, error) {
	prefix := termPrefix(gen, entity)
	results, err := idx.ds.Query(ctx, dsq.Query{Prefix: prefix, KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructural, err)
	}

	// hits[i] holds the documents matching query token i.
	hits := make([]map[string]bool, len(queryTokens))
	for i := range hits {
		hits[i] = make(map[string]bool)
	}
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, prefix+"/")
		token, id, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		for i, q := range queryTokens {
			if Match(q, token) {
				hits[i][id] = true
			}
		}
	}

	var ids []string
	for id := range hits[0] {
		all := true
		for _, h := range hits[1:] {
			if !h[id] {
				all = false
				break
			}
		}
		if all {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Generation is a full rebuild being written beside the live generation.
type Generation struct {
	idx *Index
	gen uint64

	mu    sync.Mutex
	count int
	// dirty holds the entities written by the incremental path since the
	// rebuild began; loader writes for them are stale and skipped.
	dirty map[string]bool
}

func entityKey(entity, id string) string {
	return entity + "/" + id
}

// BeginRebuild starts writing a new generation. Only one rebuild may be in
// progress; concurrent Put and Delete calls are mirrored into it.
func (idx *Index) BeginRebuild(ctx context.Context) (*Generation, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.building != nil {
		return nil, fmt.Errorf("%w: rebuild already in progress", ErrStructural)
	}
	g := &Generation{idx: idx, gen: idx.gen + 1, dirty: make(map[string]bool)}
	// Clear leftovers of an earlier aborted rebuild.
	if err := idx.dropGeneration(ctx, g.gen); err != nil {
		return nil, err
	}
	idx.building = g
	return g, nil
}

// Put writes a loaded document into the generation. Documents already
// written or deleted by a committed change since BeginRebuild are left as
// they are. Safe for concurrent use.
func (g *Generation) Put(ctx context.Context, doc *Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty[entityKey(doc.Entity, doc.ID)] {
		log.Debugf("Skipping stale %s %s in generation %d", doc.Entity, doc.ID, g.gen)
		return nil
	}
	if err := putDoc(ctx, g.idx.ds, g.gen, doc); err != nil {
		return err
	}
	g.count++
	return nil
}

func (g *Generation) mirrorPut(ctx context.Context, doc *Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[entityKey(doc.Entity, doc.ID)] = true
	return putDoc(ctx, g.idx.ds, g.gen, doc)
}

func (g *Generation) mirrorDelete(ctx context.Context, entity, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dirty[entityKey(entity, id)] = true
	return deleteDoc(ctx, g.idx.ds, g.gen, entity, id)
}

// Count returns the number of documents written so far.
func (g *Generation) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Commit makes the generation live and drops the previous one.
func (g *Generation) Commit(ctx context.Context) error {
	idx := g.idx
	idx.mu.Lock()
	if idx.building != g {
		idx.mu.Unlock()
		return fmt.Errorf("%w: generation %d is not being built", ErrStructural, g.gen)
	}
	if err := idx.ds.Put(ctx, currentKey, []byte(strconv.FormatUint(g.gen, 10))); err != nil {
		idx.mu.Unlock()
		return fmt.Errorf("%w: failed to swap generation: %v", ErrStructural, err)
	}
	if err := idx.ds.Sync(ctx, currentKey); err != nil {
		log.Warnf("Failed to sync generation marker: %v", err)
	}
	old := idx.gen
	idx.gen = g.gen
	idx.building = nil
	idx.mu.Unlock()

	log.Infof("Search index generation %d live (%d documents)", g.gen, g.Count())
	if err := idx.dropGeneration(ctx, old); err != nil {
		log.Warnf("Failed to drop index generation %d: %v", old, err)
	}
	return nil
}

// Discard abandons the generation and deletes what it wrote.
func (g *Generation) Discard(ctx context.Context) error {
	idx := g.idx
	idx.mu.Lock()
	if idx.building == g {
		idx.building = nil
	}
	idx.mu.Unlock()
	return idx.dropGeneration(ctx, g.gen)
}

func (idx *Index) dropGeneration(ctx context.Context, gen uint64) error {
	results, err := idx.ds.Query(ctx, dsq.Query{Prefix: genPrefix(gen), KeysOnly: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	entries, err := results.Rest()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	if len(entries) == 0 {
		return nil
	}

	batch, err := idx.ds.Batch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	for _, e := range entries {
		if err := batch.Delete(ctx, datastore.RawKey(e.Key)); err != nil {
			return fmt.Errorf("%w: %v", ErrStructural, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	log.Debugf("Dropped index generation %d (%d keys)", gen, len(entries))
	return nil
}
