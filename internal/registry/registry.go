// Package registry keeps one live connection, runtime subscription, sync
// registration and runtime provider per configured chain, reconciling them
// with every change of the stored chain list.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chain-registry-go/internal/chaindiff"
	"chain-registry-go/internal/chainruntime"
	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/logging"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/pubsub"
	"chain-registry-go/internal/recovery"
	"chain-registry-go/internal/runtimesync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrChainNotFound     = errors.New("chain not found")
	ErrAssetNotFound     = errors.New("asset not found")
	ErrChainStreamClosed = errors.New("chain stream terminated")
	ErrStopped           = errors.New("registry stopped")
)

// ChainStore is the configuration store the registry observes and edits.
type ChainStore interface {
	WatchChains(ctx context.Context) <-chan []models.Chain
	RuntimeInfo(ctx context.Context, chainID string) (*models.RuntimeInfo, error)
	Nodes(ctx context.Context, chainID string) ([]models.Node, error)
	GetNode(ctx context.Context, id models.NodeID) (models.Node, error)
	SelectNode(ctx context.Context, id models.NodeID) error
	InsertNode(ctx context.Context, chainID string, node models.Node) error
	DeleteNode(ctx context.Context, id models.NodeID) error
	UpdateNode(ctx context.Context, id models.NodeID, name, url string) error
}

type ChainSyncer interface {
	SyncUp(ctx context.Context) error
}

type RuntimeSync interface {
	SyncTypes(ctx context.Context) error
	RegisterChain(chain models.Chain)
	UnregisterChain(chainID string)
	Stop()
}

type Subscriptions interface {
	SetupRuntimeSubscription(chain models.Chain, caller runtimesync.Caller)
	RemoveSubscription(chainID string)
	Close()
}

type Connections interface {
	SetupConnection(chain models.Chain, onSelectedNodeChange connection.SelectedNodeChange) (*connection.Connection, error)
	GetConnection(chainID string) (*connection.Connection, error)
	GetConnectionOrNil(chainID string) *connection.Connection
	RemoveConnection(chainID string)
	Close()
}

type Providers interface {
	SetupRuntimeProvider(chain models.Chain) *chainruntime.Provider
	GetRuntimeProvider(chainID string) (*chainruntime.Provider, error)
	GetRuntimeProviderOrNil(chainID string) *chainruntime.Provider
	RemoveRuntimeProvider(chainID string)
	Close()
}

type Deps struct {
	Store         ChainStore
	ChainSyncer   ChainSyncer // optional
	RuntimeSync   RuntimeSync
	Subscriptions Subscriptions
	Connections   Connections
	Providers     Providers
	Notifier      chainruntime.Notifier
}

type Options struct {
	// SetupConcurrency bounds concurrent per-chain setups within one cycle.
	SetupConcurrency int
}

// chainIndex is one published cycle: the full list plus an id index.
type chainIndex struct {
	list []models.Chain
	byID map[string]models.Chain
}

func newChainIndex(chains []models.Chain) *chainIndex {
	idx := &chainIndex{
		list: chains,
		byID: make(map[string]models.Chain, len(chains)),
	}
	for _, c := range chains {
		idx.byID[c.ID] = c
	}
	return idx
}

type Registry struct {
	deps Deps
	opts Options

	current *pubsub.Replay[*chainIndex]

	mu  sync.Mutex
	err error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func New(deps Deps, opts Options) *Registry {
	if opts.SetupConcurrency <= 0 {
		opts.SetupConcurrency = 8
	}
	return &Registry{
		deps:    deps,
		opts:    opts,
		current: pubsub.NewReplay[*chainIndex](),
		done:    make(chan struct{}),
	}
}

// Start launches the reconciliation loop. It must be called once.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		recovery.WithRecoveryNamed("registry_loop", func() { r.run(r.ctx) })
	}()
}

// Stop ends the loop and disposes every per-chain resource. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		// provider 先退订，再停同步服务
		r.deps.Providers.Close()
		r.deps.Subscriptions.Close()
		r.deps.RuntimeSync.Stop()
		r.deps.Connections.Close()
		r.current.Close()
		slog.Info("registry_stopped")
	})
}

// Done is closed once the reconciliation loop has exited.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Err reports why the loop ended on its own, nil while it runs or after a
// regular Stop.
func (r *Registry) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Registry) run(ctx context.Context) {
	if r.deps.ChainSyncer != nil {
		if err := r.deps.ChainSyncer.SyncUp(ctx); err != nil {
			logging.LogSyncFailed("chains", err)
		}
	}
	if err := r.deps.RuntimeSync.SyncTypes(ctx); err != nil {
		logging.LogSyncFailed("base_types", err)
	}

	var previous []models.Chain
	for chains := range r.deps.Store.WatchChains(ctx) {
		r.applyCycle(ctx, previous, chains)
		previous = chains
	}

	if ctx.Err() == nil {
		r.mu.Lock()
		r.err = ErrChainStreamClosed
		r.mu.Unlock()
		slog.Error("chain_stream_terminated")
	}
}

func (r *Registry) applyCycle(ctx context.Context, previous, next []models.Chain) {
	start := time.Now()
	diff := diffChains(previous, next)

	for _, c := range diff.Removed {
		r.teardown(c.ID)
	}

	known := make(map[string]struct{}, len(previous))
	for _, c := range previous {
		known[c.ID] = struct{}{}
	}
	// 修改过的链整体重建，不复用旧资源
	for _, c := range diff.AddedOrModified {
		if _, ok := known[c.ID]; ok {
			r.teardown(c.ID)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(r.opts.SetupConcurrency)
	for _, chain := range diff.AddedOrModified {
		if !chain.HasNodes() {
			continue
		}
		g.Go(func() error {
			r.setup(chain)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}
	r.current.Publish(newChainIndex(next))

	logging.LogDiffCycle(len(diff.Removed), len(diff.AddedOrModified), len(next))
	metrics.GetMetrics().RecordDiffCycle(time.Since(start), len(next))
}

// diffChains compares the lists without the active node flag, which moves
// on every failover and must not recreate the chain. The returned chains
// are the unmodified entries of next.
func diffChains(previous, next []models.Chain) chaindiff.Result {
	diff := chaindiff.Diff(withoutSelection(previous), withoutSelection(next))

	byID := make(map[string]models.Chain, len(next))
	for _, c := range next {
		byID[c.ID] = c
	}
	for i, c := range diff.AddedOrModified {
		diff.AddedOrModified[i] = byID[c.ID]
	}
	diff.All = next
	return diff
}

func withoutSelection(chains []models.Chain) []models.Chain {
	out := make([]models.Chain, len(chains))
	for i, c := range chains {
		nodes := make([]models.Node, len(c.Nodes))
		for j, n := range c.Nodes {
			n.IsActive = false
			nodes[j] = n
		}
		c.Nodes = nodes
		out[i] = c
	}
	return out
}

func (r *Registry) setup(chain models.Chain) {
	err := recovery.Guard("chain_setup:"+chain.ID, func() error {
		conn, err := r.deps.Connections.SetupConnection(chain, r.onSelectedNodeChange)
		if err != nil {
			return fmt.Errorf("connection: %w", err)
		}
		r.deps.Subscriptions.SetupRuntimeSubscription(chain, conn)
		r.deps.RuntimeSync.RegisterChain(chain)
		r.deps.Providers.SetupRuntimeProvider(chain)
		return nil
	})

	metrics.GetMetrics().RecordChainSetup(err == nil)
	if err != nil {
		logging.LogChainSetupFailed(chain.ID, err)
		r.deps.Notifier.NotifyChainSyncProblem(chain.ToSyncIssue())
		return
	}
	r.deps.Notifier.NotifyChainSyncSuccess(chain.ID)
}

func (r *Registry) teardown(chainID string) {
	err := recovery.Guard("chain_teardown:"+chainID, func() error {
		r.deps.RuntimeSync.UnregisterChain(chainID)
		r.deps.Subscriptions.RemoveSubscription(chainID)
		r.deps.Connections.RemoveConnection(chainID)
		r.deps.Providers.RemoveRuntimeProvider(chainID)
		return nil
	})

	metrics.GetMetrics().RecordChainTeardown(err == nil)
	if err != nil {
		logging.LogChainTeardownFailed(chainID, err)
	}
}

// onSelectedNodeChange persists a failover so the next start prefers the
// node that worked.
func (r *Registry) onSelectedNodeChange(chainID, url string) {
	if err := r.deps.Store.SelectNode(r.ctx, models.NodeID{ChainID: chainID, URL: url}); err != nil && r.ctx.Err() == nil {
		slog.Warn("node_selection_persist_failed",
			slog.String("chain_id", chainID),
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) index(ctx context.Context) (*chainIndex, error) {
	idx, err := r.current.Wait(ctx)
	if errors.Is(err, pubsub.ErrClosed) {
		return nil, ErrStopped
	}
	return idx, err
}
