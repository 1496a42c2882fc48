// Package node wires the catalog, content log, search index, versioning,
// query, packaging, subscription and HTTP components into a running server.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/spacedatanetwork/s201-server/internal/api"
	"github.com/spacedatanetwork/s201-server/internal/bootstrap"
	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/contentlog"
	"github.com/spacedatanetwork/s201-server/internal/exchange"
	"github.com/spacedatanetwork/s201-server/internal/query"
	"github.com/spacedatanetwork/s201-server/internal/s201"
	"github.com/spacedatanetwork/s201-server/internal/search"
	"github.com/spacedatanetwork/s201-server/internal/secom"
	"github.com/spacedatanetwork/s201-server/internal/storage"
	"github.com/spacedatanetwork/s201-server/internal/subscription"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
	"github.com/spacedatanetwork/s201-server/internal/version"
)

var log = logging.Logger("s201-node")

// Node is a running S-201 server.
type Node struct {
	config *config.Config

	store     *storage.Store
	contents  *contentlog.Log
	index     *search.Index
	versions  *version.Manager
	subs      *subscription.Manager
	query     *query.Engine
	secom     *secom.Service
	bootstrap *bootstrap.Bootstrapper
	registry  *prometheus.Registry
	handler   *api.Handler

	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens storage and the index and wires every component.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	n := &Node{
		config: cfg,
		ctx:    nodeCtx,
		cancel: cancel,
	}

	if err := n.init(); err != nil {
		cancel()
		n.closeStorage()
		return nil, err
	}

	return n, nil
}

func (n *Node) init() error {
	cfg := n.config

	if err := os.MkdirAll(cfg.Storage.Path, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path, cfg.Storage.BusyTimeout)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	n.store = store

	n.contents, err = contentlog.New(store.DB())
	if err != nil {
		return fmt.Errorf("failed to open content log: %w", err)
	}

	if cfg.Index.Path == "" {
		cfg.Index.Path = filepath.Join(cfg.Storage.Path, "index")
	}
	ds, err := search.OpenDatastore(cfg.Index)
	if err != nil {
		return err
	}
	n.index, err = search.Open(n.ctx, ds)
	if err != nil {
		ds.Close()
		return fmt.Errorf("failed to open search index: %w", err)
	}

	lookup := unlocode.NewStoreLookup(store)
	indexer := search.NewIndexer(n.index)

	n.subs = subscription.NewManager(store, lookup, subscription.WithHook(indexer))
	n.versions = version.NewManager(store, n.contents, s201.NewGMLEncoder(),
		version.WithListener(indexer),
		version.WithListener(n.subs))
	n.query = query.NewEngine(store, n.index, cfg.Query)
	n.secom = secom.NewService(store, n.query, exchange.NewPackager(cfg.Packaging.Compress), n.subs, lookup)
	n.bootstrap = bootstrap.New(n.index, store, cfg.Bootstrap)

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, cs := range [][]prometheus.Collector{
		version.Collectors(),
		subscription.Collectors(),
		bootstrap.Collectors(),
	} {
		n.registry.MustRegister(cs...)
	}

	opts := api.Options{
		Store:            store,
		Versions:         n.versions,
		Query:            n.query,
		SECOM:            n.secom,
		Subscriptions:    n.subs,
		Index:            n.index,
		SubscriberHeader: cfg.SECOM.SubscriberHeader,
	}
	if cfg.Bootstrap.Enabled {
		opts.Readiness = n.bootstrap
	}
	if cfg.API.MetricsEnabled {
		opts.Gatherer = n.registry
	}
	n.handler = api.NewHandler(opts)

	log.Infof("Catalog opened at %s", store.Path())
	return nil
}

// Start launches the index bootstrap and the HTTP listener. Neither blocks;
// requests are served while the index is still being rebuilt.
func (n *Node) Start(ctx context.Context) error {
	if n.config.Bootstrap.Enabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.bootstrap.Run(n.ctx); err != nil {
				log.Errorf("Search index unavailable: %v", err)
			}
		}()
	}

	ln, err := net.Listen("tcp", n.config.API.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.config.API.Listen, err)
	}
	n.listener = ln
	n.server = &http.Server{
		Handler:           n.handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		log.Infof("HTTP API listening on %s", ln.Addr())
		if err := n.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server stopped: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down and closes storage.
func (n *Node) Stop() error {
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			log.Warnf("Error shutting down HTTP server: %v", err)
		}
		cancel()
	}

	n.cancel()
	n.wg.Wait()

	return n.closeStorage()
}

func (n *Node) closeStorage() error {
	if n.index != nil {
		if err := n.index.Close(); err != nil {
			log.Warnf("Error closing search index: %v", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("failed to close catalog: %w", err)
		}
	}
	return nil
}

// Addr returns the address the HTTP API is bound to, or nil before Start.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Reindex rebuilds the search index once, outside the bootstrap retry loop.
func (n *Node) Reindex(ctx context.Context) (int, error) {
	return n.bootstrap.Rebuild(ctx)
}

// VerifyLog checks the content log hash chain and returns the number of
// entries verified.
func (n *Node) VerifyLog(ctx context.Context) (int, error) {
	return n.contents.VerifyChain(ctx)
}

// Store returns the catalog store.
func (n *Node) Store() *storage.Store {
	return n.store
}

// Versions returns the version manager.
func (n *Node) Versions() *version.Manager {
	return n.versions
}

// Bootstrapper returns the index bootstrapper.
func (n *Node) Bootstrapper() *bootstrap.Bootstrapper {
	return n.bootstrap
}
