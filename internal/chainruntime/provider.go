// Package chainruntime builds and serves the decoded runtime schema of each
// chain.
package chainruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chain-registry-go/internal/database"
	"chain-registry-go/internal/logging"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/pubsub"
	"chain-registry-go/internal/recovery"
	"chain-registry-go/internal/runtimesync"

	"github.com/ethereum/go-ethereum/event"
)

var (
	ErrTimeout          = errors.New("runtime not available before timeout")
	ErrProviderFinished = errors.New("runtime provider finished")
)

// DefaultWaitTimeout bounds GetOrNilWithTimeout.
const DefaultWaitTimeout = 3 * time.Second

// State is one of StateEmpty, StateConstructing, StateReady, StateFinished.
type State interface {
	isState()
	String() string
}

type StateEmpty struct{}

type StateConstructing struct{}

type StateReady struct {
	Runtime *ConstructedRuntime
}

type StateFinished struct{}

func (StateEmpty) isState()        {}
func (StateConstructing) isState() {}
func (StateReady) isState()        {}
func (StateFinished) isState()     {}

func (StateEmpty) String() string        { return "empty" }
func (StateConstructing) String() string { return "constructing" }
func (StateReady) String() string        { return "ready" }
func (StateFinished) String() string     { return "finished" }

// Store reads the persisted schema inputs of a chain.
type Store interface {
	RuntimeInfo(ctx context.Context, chainID string) (*models.RuntimeInfo, error)
	Types(ctx context.Context, chainID string) ([]byte, error)
}

type MetadataSource interface {
	GetChainMetadata(chainID string) ([]byte, error)
}

type Syncer interface {
	SubscribeSyncResults(chainID string, ch chan<- runtimesync.SyncResult) event.Subscription
	CacheNotFound(chainID string)
}

type Notifier interface {
	NotifyChainSyncSuccess(chainID string)
	NotifyChainSyncProblem(issue models.SyncIssue)
}

// Deps are the collaborators shared by all providers.
type Deps struct {
	Store    Store
	Files    MetadataSource
	Sync     Syncer
	Notifier Notifier
	Builder  Builder
}

// Result is an element of ObserveWithTimeout.
type Result struct {
	Runtime *Snapshot
	Err     error
}

// construction is one build attempt. The input hashes are written once by
// load before loaded closes.
type construction struct {
	cancel context.CancelFunc
	loaded chan struct{}
	once   sync.Once

	inputsOK     bool
	metadataHash string
	typesHash    string
}

func (c *construction) markLoaded() {
	c.once.Do(func() { close(c.loaded) })
}

// Provider owns the runtime snapshot of one chain. At most one construction
// runs at a time; starting a new one cancels the previous before it can
// publish.
type Provider struct {
	chain       models.Chain
	deps        Deps
	runtime     *pubsub.Replay[*ConstructedRuntime]
	waitTimeout time.Duration
	metrics     *metrics.Metrics

	mu           sync.Mutex
	state        State
	construction *construction
	finished     bool

	ctx    context.Context
	cancel context.CancelFunc
	sub    event.Subscription
	wg     sync.WaitGroup
}

// NewProvider subscribes to the chain's sync results and starts the initial
// construction from cache.
func NewProvider(chain models.Chain, deps Deps) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		chain:       chain,
		deps:        deps,
		runtime:     pubsub.NewReplay[*ConstructedRuntime](),
		waitTimeout: DefaultWaitTimeout,
		metrics:     metrics.GetMetrics(),
		state:       StateEmpty{},
		ctx:         ctx,
		cancel:      cancel,
	}

	results := make(chan runtimesync.SyncResult, 8)
	p.sub = deps.Sync.SubscribeSyncResults(chain.ID, results)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		recovery.WithRecoveryNamed("runtime_provider:"+chain.ID, func() {
			p.consume(results)
		})
	}()

	p.construct()
	return p
}

func (p *Provider) ChainID() string {
	return p.chain.ID
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Get blocks until a runtime is published.
func (p *Provider) Get(ctx context.Context) (*Snapshot, error) {
	rt, err := p.runtime.Wait(ctx)
	if errors.Is(err, pubsub.ErrClosed) {
		return nil, fmt.Errorf("%s: %w", p.chain.ID, ErrProviderFinished)
	}
	if err != nil {
		return nil, err
	}
	return rt.Runtime, nil
}

func (p *Provider) GetOrNil() *Snapshot {
	if rt, ok := p.runtime.Load(); ok {
		return rt.Runtime
	}
	return nil
}

// GetOrNilWithTimeout returns the published runtime, or when shouldWait is
// set waits at most once for the fixed wait timeout.
func (p *Provider) GetOrNilWithTimeout(ctx context.Context, shouldWait bool) *Snapshot {
	if s := p.GetOrNil(); s != nil || !shouldWait {
		return s
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.waitTimeout)
	defer cancel()
	rt, err := p.runtime.Wait(waitCtx)
	if err != nil {
		return nil
	}
	return rt.Runtime
}

// ConstructedRuntime returns the published runtime with its fingerprints.
func (p *Provider) ConstructedRuntime() (*ConstructedRuntime, bool) {
	return p.runtime.Load()
}

// Observe streams the latest runtime and every later one until ctx is done
// or the provider finishes.
func (p *Provider) Observe(ctx context.Context) <-chan *Snapshot {
	in := p.runtime.Subscribe(ctx)
	out := make(chan *Snapshot)
	go func() {
		defer close(out)
		for rt := range in {
			select {
			case out <- rt.Runtime:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ObserveWithTimeout is Observe, but yields a single ErrTimeout result when
// nothing is published within d.
func (p *Provider) ObserveWithTimeout(ctx context.Context, d time.Duration) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		in := p.runtime.Subscribe(subCtx)

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case rt, ok := <-in:
			if !ok {
				return
			}
			out <- Result{Runtime: rt.Runtime}
		case <-timer.C:
			out <- Result{Err: ErrTimeout}
			return
		case <-ctx.Done():
			return
		}

		for rt := range in {
			select {
			case out <- Result{Runtime: rt.Runtime}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Finish cancels the in-flight construction, drops the published runtime
// and stops the provider's goroutines. Idempotent.
func (p *Provider) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	if c := p.construction; c != nil {
		c.cancel()
		p.construction = nil
	}
	p.state = StateFinished{}
	p.runtime.Close()
	p.mu.Unlock()

	p.sub.Unsubscribe()
	p.cancel()
	p.wg.Wait()
}

func (p *Provider) consume(results <-chan runtimesync.SyncResult) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.sub.Err():
			return
		case r := <-results:
			p.considerReconstructing(r)
		}
	}
}

// considerReconstructing compares r with the inputs of the in-flight
// construction, or with the published runtime when nothing is in flight.
func (p *Provider) considerReconstructing(r runtimesync.SyncResult) {
	p.mu.Lock()
	c := p.construction
	p.mu.Unlock()

	if c != nil {
		select {
		case <-c.loaded:
		case <-p.ctx.Done():
			return
		}
		p.mu.Lock()
		inFlight := p.construction == c
		p.mu.Unlock()

		if inFlight {
			if c.inputsOK && !changed(r.MetadataHash, c.metadataHash) && !changed(r.TypesHash, c.typesHash) &&
				(r.BaseTypesHash == nil || p.overridesBaseTypes()) {
				// 正在构建的就是最新输入
				return
			}
			p.construct()
			return
		}
	}

	current, ok := p.runtime.Load()
	if ok && !p.outdated(r, current) {
		return
	}
	p.construct()
}

func (p *Provider) outdated(r runtimesync.SyncResult, rt *ConstructedRuntime) bool {
	if changed(r.MetadataHash, rt.MetadataHash) || changed(r.TypesHash, rt.OwnTypesHash) {
		return true
	}
	return !p.overridesBaseTypes() && changed(r.BaseTypesHash, rt.BaseTypesHash)
}

func (p *Provider) overridesBaseTypes() bool {
	return p.chain.Types != nil && p.chain.Types.OverridesCommon
}

func changed(reported *string, current string) bool {
	return reported != nil && *reported != current
}

func (p *Provider) construct() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}

	if prev := p.construction; prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	c := &construction{cancel: cancel, loaded: make(chan struct{})}
	p.construction = c
	p.runtime.Reset()
	p.state = StateConstructing{}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.build(ctx, c)
	}()
}

func (p *Provider) build(ctx context.Context, c *construction) {
	start := time.Now()
	defer c.markLoaded()

	var rt *ConstructedRuntime
	err := recovery.Guard("runtime_construction:"+p.chain.ID, func() error {
		var err error
		rt, err = p.load(ctx, c)
		return err
	})

	p.mu.Lock()
	if p.construction != c || ctx.Err() != nil {
		// 已被新的构建取代，结果丢弃
		p.mu.Unlock()
		return
	}
	p.construction = nil

	if err == nil && rt == nil {
		// 还没有同步过的版本，等待 SyncResult
		p.state = StateEmpty{}
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.state = StateEmpty{}
		p.mu.Unlock()
		p.fail(err, time.Since(start))
		return
	}

	p.runtime.Publish(rt)
	p.state = StateReady{Runtime: rt}
	p.mu.Unlock()

	logging.LogRuntimeConstructed(p.chain.ID, rt.Runtime.RuntimeVersion, rt.MetadataHash, rt.OwnTypesHash)
	p.metrics.RecordRuntimeConstruction("success", time.Since(start))
	p.deps.Notifier.NotifyChainSyncSuccess(p.chain.ID)
}

// load returns nil, nil when the chain has no synced runtime version yet.
func (p *Provider) load(ctx context.Context, c *construction) (*ConstructedRuntime, error) {
	id := p.chain.ID

	info, err := p.deps.Store.RuntimeInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("runtime info: %w", err)
	}
	if info == nil || info.SyncedVersion == nil {
		return nil, nil
	}

	metadata, err := p.deps.Files.GetChainMetadata(id)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	var ownTypes []byte
	if p.chain.Types != nil && p.chain.Types.URL != "" {
		ownTypes, err = p.deps.Store.Types(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("own types: %w", err)
		}
	}

	c.metadataHash = runtimesync.Fingerprint(metadata)
	if len(ownTypes) > 0 {
		c.typesHash = runtimesync.Fingerprint(ownTypes)
	}
	c.inputsOK = true
	c.markLoaded()

	return p.deps.Builder.ConstructRuntime(ctx, p.chain, metadata, ownTypes, *info.SyncedVersion)
}

func (p *Provider) fail(err error, took time.Duration) {
	cacheMiss := IsCacheMiss(err)
	logging.LogRuntimeConstructionFailed(p.chain.ID, cacheMiss, err)
	if cacheMiss {
		p.metrics.RecordRuntimeConstruction("cache_miss", took)
	} else {
		p.metrics.RecordRuntimeConstruction("failure", took)
	}

	p.deps.Notifier.NotifyChainSyncProblem(p.chain.ToSyncIssue())
	if cacheMiss {
		p.deps.Sync.CacheNotFound(p.chain.ID)
	}
}

// IsCacheMiss reports whether err means the chain's own schema bytes were
// never cached. Missing base types are not a miss: re-fetching the chain
// cannot restore them.
func IsCacheMiss(err error) bool {
	if errors.Is(err, ErrBaseTypesMissing) {
		return false
	}
	return errors.Is(err, runtimesync.ErrNotInCache) || errors.Is(err, database.ErrNotFound)
}
