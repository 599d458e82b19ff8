// Package runtimesync keeps each watched chain's cached metadata and type
// definitions in line with the chain's on-chain runtime version.
package runtimesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/logging"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/recovery"
	"chain-registry-go/internal/remote"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
)

var ErrInvalidTypes = errors.New("type definitions are not valid json")

// SyncResult reports which schema parts of a chain changed since the last
// observation. A nil hash means unchanged.
type SyncResult struct {
	ChainID       string
	MetadataHash  *string
	TypesHash     *string
	BaseTypesHash *string
}

// RuntimeVersion is the subset of state_getRuntimeVersion we care about.
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	SpecVersion        int    `json:"specVersion"`
	TransactionVersion int    `json:"transactionVersion"`
}

type Store interface {
	RuntimeInfo(ctx context.Context, chainID string) (*models.RuntimeInfo, error)
	SaveTypes(ctx context.Context, chainID string, raw []byte) (bool, error)
	UpdateRemoteRuntimeVersion(ctx context.Context, chainID string, version int) error
	UpdateSyncedRuntimeVersion(ctx context.Context, chainID string, version int) error
}

// Caller issues JSON-RPC calls on a chain's active node.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

type CallerLookup func(chainID string) (Caller, error)

// PoolCallers resolves callers from the live connection pool.
func PoolCallers(pool *connection.Pool) CallerLookup {
	return func(chainID string) (Caller, error) {
		conn, err := pool.GetConnection(chainID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	DefaultTypesURL string
	Interval        time.Duration
	CallTimeout     time.Duration
	// RetryBackoff is the first pause between forced re-fetches of a chain
	// and between base types retries. It doubles up to Interval.
	RetryBackoff time.Duration
}

type Service struct {
	store   Store
	files   *FilesCache
	fetcher remote.Fetcher
	callers CallerLookup
	opts    Options
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workers   map[string]*worker
	feeds     map[string]*event.Feed
	closed    bool
	refreshOn bool
	wg        sync.WaitGroup
}

func NewService(store Store, files *FilesCache, fetcher remote.Fetcher, callers CallerLookup, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.RetryBackoff > opts.Interval {
		opts.RetryBackoff = opts.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:   store,
		files:   files,
		fetcher: fetcher,
		callers: callers,
		opts:    opts,
		metrics: metrics.GetMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
		feeds:   make(map[string]*event.Feed),
	}
}

// SyncTypes refreshes the shared base type definitions. Unchanged content is
// not rewritten. The first call also starts the background refresh, which
// retries with backoff after a failure and otherwise runs every Interval.
func (s *Service) SyncTypes(ctx context.Context) error {
	if s.opts.DefaultTypesURL == "" {
		return nil
	}
	err := s.refreshBaseTypes(ctx)
	s.startBaseTypesRefresh(err != nil)
	return err
}

func (s *Service) refreshBaseTypes(ctx context.Context) error {
	raw, err := s.fetcher.Fetch(ctx, "types:default", s.opts.DefaultTypesURL)
	if err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("base types: %w", ErrInvalidTypes)
	}
	changed, err := s.files.SaveBaseTypes(raw)
	if err != nil {
		return fmt.Errorf("save base types: %w", err)
	}
	if changed {
		hash := Fingerprint(raw)
		slog.Info("base_types_updated", slog.String("hash", hash))
		s.announceBaseTypes(hash)
	}
	return nil
}

// announceBaseTypes wakes the providers of every watched chain.
func (s *Service) announceBaseTypes(hash string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		h := hash
		s.publish(SyncResult{ChainID: id, BaseTypesHash: &h})
	}
}

func (s *Service) startBaseTypesRefresh(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.refreshOn {
		return
	}
	s.refreshOn = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		recovery.WithRecoveryNamed("base_types_refresh", func() { s.refreshLoop(failed) })
	}()
}

func (s *Service) refreshLoop(failed bool) {
	backoff := s.opts.RetryBackoff
	delay := s.opts.Interval
	if failed {
		delay = backoff
	}

	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.refreshBaseTypes(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logging.LogSyncFailed("base_types", err)
			delay = backoff
			backoff = min(backoff*2, s.opts.Interval)
			continue
		}
		backoff = s.opts.RetryBackoff
		delay = s.opts.Interval
	}
}

// RegisterChain starts watching chain. Registering an id again replaces the
// previous worker; existing subscriptions keep receiving results.
func (s *Service) RegisterChain(chain models.Chain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if old := s.workers[chain.ID]; old != nil {
		old.stop()
	}
	w := newWorker(s, chain)
	s.workers[chain.ID] = w
	s.feedLocked(chain.ID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		recovery.WithRecoveryNamed("runtime_sync:"+chain.ID, w.run)
	}()
}

func (s *Service) UnregisterChain(chainID string) {
	s.mu.Lock()
	w := s.workers[chainID]
	delete(s.workers, chainID)
	delete(s.feeds, chainID)
	s.mu.Unlock()

	if w != nil {
		w.stop()
	}
}

// IsWatched reports whether chainID is registered.
func (s *Service) IsWatched(chainID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[chainID]
	return ok
}

// SubscribeSyncResults delivers every later SyncResult of chainID to ch. The
// subscription only ends through Unsubscribe.
func (s *Service) SubscribeSyncResults(chainID string, ch chan<- SyncResult) event.Subscription {
	s.mu.Lock()
	feed := s.feedLocked(chainID)
	s.mu.Unlock()
	return feed.Subscribe(ch)
}

// CacheNotFound schedules a full re-fetch for chainID. Repeated misses are
// spaced out by the chain's retry backoff.
func (s *Service) CacheNotFound(chainID string) {
	s.mu.Lock()
	w := s.workers[chainID]
	s.mu.Unlock()

	s.metrics.RecordCacheMiss(chainID)
	if w == nil {
		slog.Debug("cache_miss_for_unwatched_chain", slog.String("chain_id", chainID))
		return
	}
	w.refetch()
}

// ApplyRuntimeVersion records the version reported by the chain and
// schedules a sync round.
func (s *Service) ApplyRuntimeVersion(ctx context.Context, chainID string, version int) error {
	if err := s.store.UpdateRemoteRuntimeVersion(ctx, chainID, version); err != nil {
		return fmt.Errorf("update remote version of %s: %w", chainID, err)
	}

	s.mu.Lock()
	w := s.workers[chainID]
	s.mu.Unlock()
	if w != nil {
		w.trigger(false)
	}
	return nil
}

// Stop cancels every worker and waits for them to return.
func (s *Service) Stop() {
	s.mu.Lock()
	s.closed = true
	for id, w := range s.workers {
		w.stop()
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Service) feedLocked(chainID string) *event.Feed {
	feed, ok := s.feeds[chainID]
	if !ok {
		feed = new(event.Feed)
		s.feeds[chainID] = feed
	}
	return feed
}

func (s *Service) publish(result SyncResult) {
	s.mu.Lock()
	feed := s.feedLocked(result.ChainID)
	s.mu.Unlock()

	s.metrics.RecordSyncResult(result.MetadataHash != nil, result.TypesHash != nil)
	feed.Send(result)
}

// worker runs the sync rounds of one chain. Its last* fields are only
// touched from run.
type worker struct {
	svc    *Service
	chain  models.Chain
	ctx    context.Context
	cancel context.CancelFunc

	wake  chan struct{}
	force atomic.Bool

	// 强制重拉的退避状态
	missMu      sync.Mutex
	missBackoff time.Duration
	lastForced  time.Time
	retryAt     time.Time
	retryTimer  *time.Timer

	lastMetadata string
	lastTypes    string
	typesChecked bool
}

func newWorker(s *Service, chain models.Chain) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		svc:    s,
		chain:  chain,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

func (w *worker) trigger(force bool) {
	if force {
		w.force.Store(true)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// refetch forces the next round, waking the worker once retryAt has passed.
// At most one delayed wake is pending.
func (w *worker) refetch() {
	w.force.Store(true)

	w.missMu.Lock()
	defer w.missMu.Unlock()
	if w.retryTimer != nil {
		return
	}
	delay := time.Until(w.retryAt)
	if delay <= 0 {
		w.trigger(false)
		return
	}
	w.retryTimer = time.AfterFunc(delay, func() {
		w.missMu.Lock()
		w.retryTimer = nil
		w.missMu.Unlock()
		w.trigger(false)
	})
}

// forced pushes retryAt back after a forced round. The pause doubles while
// forced rounds keep following each other within Interval.
func (w *worker) forced() {
	w.missMu.Lock()
	defer w.missMu.Unlock()

	now := time.Now()
	if w.missBackoff == 0 || now.Sub(w.lastForced) > w.svc.opts.Interval {
		w.missBackoff = w.svc.opts.RetryBackoff
	} else {
		w.missBackoff = min(w.missBackoff*2, w.svc.opts.Interval)
	}
	w.lastForced = now
	w.retryAt = now.Add(w.missBackoff)
}

func (w *worker) stop() {
	w.cancel()
	w.missMu.Lock()
	if w.retryTimer != nil {
		w.retryTimer.Stop()
		w.retryTimer = nil
	}
	w.missMu.Unlock()
}

func (w *worker) run() {
	w.round(w.force.Swap(false))

	ticker := time.NewTicker(w.svc.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.round(w.force.Swap(false))
		case <-w.wake:
			w.round(w.force.Swap(false))
		}
	}
}

func (w *worker) round(force bool) {
	if force {
		w.forced()
	}
	if err := w.sync(force); err != nil && w.ctx.Err() == nil {
		logging.LogSyncFailed("chain:"+w.chain.ID, err)
	}
}

func (w *worker) sync(force bool) error {
	ctx := w.ctx
	id := w.chain.ID

	info, err := w.svc.store.RuntimeInfo(ctx, id)
	if err != nil {
		return fmt.Errorf("runtime info: %w", err)
	}

	result := SyncResult{ChainID: id}
	if force || !info.InSync() {
		hash, err := w.syncMetadata(ctx)
		if err != nil {
			return err
		}
		if hash != w.lastMetadata {
			w.lastMetadata = hash
			result.MetadataHash = &hash
		}
	}

	typesFailed := false
	if force || !w.typesChecked || result.MetadataHash != nil {
		hash, ok, err := w.syncTypes(ctx)
		switch {
		case err != nil:
			typesFailed = true
			logging.LogSyncFailed("types:"+id, err)
		case ok:
			w.typesChecked = true
			if hash != w.lastTypes {
				w.lastTypes = hash
				result.TypesHash = &hash
			}
		default:
			w.typesChecked = true
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	// 强制轮只有在全部重拉成功后才通知，否则 provider 会立刻再次 miss
	if (force && !typesFailed) || result.MetadataHash != nil || result.TypesHash != nil {
		w.svc.publish(result)
	}
	return nil
}

func (w *worker) syncMetadata(ctx context.Context) (string, error) {
	id := w.chain.ID
	caller, err := w.svc.callers(id)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.svc.opts.CallTimeout)
	defer cancel()

	var version RuntimeVersion
	if err := caller.CallContext(callCtx, &version, "state_getRuntimeVersion"); err != nil {
		return "", fmt.Errorf("state_getRuntimeVersion: %w", err)
	}
	var encoded string
	if err := caller.CallContext(callCtx, &encoded, "state_getMetadata"); err != nil {
		return "", fmt.Errorf("state_getMetadata: %w", err)
	}
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("decode metadata: %w", err)
	}

	if _, err := w.svc.files.SaveChainMetadata(id, raw); err != nil {
		return "", fmt.Errorf("cache metadata: %w", err)
	}
	if err := w.svc.store.UpdateRemoteRuntimeVersion(ctx, id, version.SpecVersion); err != nil {
		return "", err
	}
	if err := w.svc.store.UpdateSyncedRuntimeVersion(ctx, id, version.SpecVersion); err != nil {
		return "", err
	}

	slog.Info("runtime_metadata_synced",
		slog.String("chain_id", id),
		slog.Int("spec_version", version.SpecVersion),
		slog.Int("bytes", len(raw)),
	)
	return Fingerprint(raw), nil
}

// syncTypes returns ok=false when the chain has no own types.
func (w *worker) syncTypes(ctx context.Context) (string, bool, error) {
	if w.chain.Types == nil || w.chain.Types.URL == "" {
		return "", false, nil
	}

	id := w.chain.ID
	raw, err := w.svc.fetcher.Fetch(ctx, "types:"+id, w.chain.Types.URL)
	if err != nil {
		return "", false, err
	}
	if !json.Valid(raw) {
		return "", false, fmt.Errorf("%s: %w", id, ErrInvalidTypes)
	}
	if _, err := w.svc.store.SaveTypes(ctx, id, raw); err != nil {
		return "", false, fmt.Errorf("save types: %w", err)
	}
	return Fingerprint(raw), true, nil
}
