// Package bootstrap rebuilds the derived search index from the catalog at
// startup. Rebuilds run in the background, are retried with a fixed delay,
// and report their terminal state for readiness checks. The catalog is only
// read; a failed attempt discards its partial index generation.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/search"
)

var log = logging.Logger("bootstrap")

// ErrIndexingFailure is returned once every attempt has failed.
var ErrIndexingFailure = errors.New("search index bootstrap failed")

// State is the bootstrapper lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateIndexing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateIndexing:
		return "INDEXING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source streams the catalog rows to index.
type Source interface {
	StreamDatasets(ctx context.Context, fn func(*dataset.Dataset) error) error
	StreamSubscriptions(ctx context.Context, fn func(*dataset.Subscription) error) error
}

// Bootstrapper drives index rebuilds.
type Bootstrapper struct {
	idx        *search.Index
	src        Source
	maxRetries int
	retryDelay time.Duration
	workers    int

	state    atomic.Int32
	attempts atomic.Int32

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a bootstrapper. Zero config values fall back to the defaults.
func New(idx *search.Index, src Source, cfg config.BootstrapConfig) *Bootstrapper {
	b := &Bootstrapper{
		idx:        idx,
		src:        src,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		workers:    cfg.Workers,
		done:       make(chan struct{}),
	}
	if b.maxRetries <= 0 {
		b.maxRetries = 3
	}
	if b.retryDelay <= 0 {
		b.retryDelay = 300 * time.Millisecond
	}
	if b.workers <= 0 {
		b.workers = 7
	}
	return b
}

// State returns the current state.
func (b *Bootstrapper) State() State {
	return State(b.state.Load())
}

// Attempts returns the number of rebuild attempts made so far.
func (b *Bootstrapper) Attempts() int {
	return int(b.attempts.Load())
}

// Done is closed when the bootstrapper reaches a terminal state.
func (b *Bootstrapper) Done() <-chan struct{} {
	return b.done
}

// Err returns the terminal error, nil on success or while still running.
func (b *Bootstrapper) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Start runs the bootstrap in its own goroutine.
func (b *Bootstrapper) Start(ctx context.Context) {
	go func() {
		_ = b.Run(ctx)
	}()
}

// Run performs up to maxRetries rebuild attempts with a fixed delay between
// them. It may only be called once.
func (b *Bootstrapper) Run(ctx context.Context) error {
	var err error
	ran := false
	b.once.Do(func() {
		ran = true
		err = b.run(ctx)
		b.err = err
		close(b.done)
	})
	if !ran {
		return errors.New("bootstrap already ran")
	}
	return err
}

func (b *Bootstrapper) run(ctx context.Context) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.retryDelay), uint64(b.maxRetries-1)),
		ctx,
	)

	op := func() error {
		b.attempts.Add(1)
		b.setState(StateIndexing)
		n, err := b.Rebuild(ctx)
		if err != nil {
			b.setState(StateFailed)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		b.setState(StateSucceeded)
		log.Infof("Search index rebuilt with %d documents after %d attempt(s)", n, b.Attempts())
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("Index rebuild attempt %d failed, retrying in %s: %v", b.Attempts(), wait, err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		b.setState(StateFailed)
		log.Errorf("Giving up on index rebuild after %d attempt(s): %v", b.Attempts(), err)
		return fmt.Errorf("%w: %v", ErrIndexingFailure, err)
	}
	return nil
}

func (b *Bootstrapper) setState(s State) {
	b.state.Store(int32(s))
	stateGauge.Set(float64(s))
	if s == StateIndexing {
		attemptsTotal.Inc()
	}
}

// Rebuild performs one full rebuild into a fresh index generation and swaps
// it in. On failure the partial generation is discarded and the live one is
// left untouched. It returns the number of documents written.
func (b *Bootstrapper) Rebuild(ctx context.Context) (int, error) {
	gen, err := b.idx.BeginRebuild(ctx)
	if err != nil {
		return 0, err
	}

	if err := b.load(ctx, gen); err != nil {
		if derr := gen.Discard(context.WithoutCancel(ctx)); derr != nil {
			log.Warnf("Failed to discard partial index generation: %v", derr)
		}
		return 0, err
	}
	if err := gen.Commit(ctx); err != nil {
		return 0, err
	}
	return gen.Count(), nil
}

// load streams every indexed entity through a bounded pool of loaders.
func (b *Bootstrapper) load(ctx context.Context, gen *search.Generation) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	submit := func(doc *search.Document) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		g.Go(func() error {
			return gen.Put(gctx, doc)
		})
		return nil
	}

	err := b.src.StreamDatasets(gctx, func(d *dataset.Dataset) error {
		return submit(search.DatasetDocument(d))
	})
	if err == nil {
		err = b.src.StreamSubscriptions(gctx, func(s *dataset.Subscription) error {
			return submit(search.SubscriptionDocument(s))
		})
	}

	werr := g.Wait()
	if werr != nil {
		return werr
	}
	if err != nil {
		return fmt.Errorf("failed to stream catalog: %w", err)
	}
	return ctx.Err()
}
