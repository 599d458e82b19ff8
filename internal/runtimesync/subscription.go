package runtimesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chain-registry-go/internal/models"
	"chain-registry-go/internal/recovery"
)

// VersionSink receives runtime versions observed on chain.
type VersionSink interface {
	ApplyRuntimeVersion(ctx context.Context, chainID string, version int) error
}

// SubscriptionPool watches state_getRuntimeVersion of every set up chain and
// forwards changes to the sink. One poller per chain.
type SubscriptionPool struct {
	sink     VersionSink
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func NewSubscriptionPool(sink VersionSink, interval, timeout time.Duration) *SubscriptionPool {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SubscriptionPool{
		sink:     sink,
		interval: interval,
		timeout:  timeout,
		subs:     make(map[string]context.CancelFunc),
	}
}

// SetupRuntimeSubscription starts polling chain through caller, replacing a
// previous subscription of the same chain.
func (p *SubscriptionPool) SetupRuntimeSubscription(chain models.Chain, caller Caller) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if old := p.subs[chain.ID]; old != nil {
		old()
	}
	p.subs[chain.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		recovery.WithRecoveryNamed("runtime_version:"+chain.ID, func() {
			p.poll(ctx, chain.ID, caller)
		})
	}()
}

func (p *SubscriptionPool) RemoveSubscription(chainID string) {
	p.mu.Lock()
	cancel := p.subs[chainID]
	delete(p.subs, chainID)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (p *SubscriptionPool) Close() {
	p.mu.Lock()
	for id, cancel := range p.subs {
		cancel()
		delete(p.subs, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *SubscriptionPool) poll(ctx context.Context, chainID string, caller Caller) {
	last := -1
	check := func() {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var version RuntimeVersion
		if err := caller.CallContext(callCtx, &version, "state_getRuntimeVersion"); err != nil {
			if ctx.Err() == nil {
				slog.Debug("runtime_version_poll_failed",
					slog.String("chain_id", chainID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if version.SpecVersion == last {
			return
		}
		if err := p.sink.ApplyRuntimeVersion(ctx, chainID, version.SpecVersion); err != nil {
			slog.Warn("runtime_version_apply_failed",
				slog.String("chain_id", chainID),
				slog.String("error", err.Error()),
			)
			return
		}
		last = version.SpecVersion
	}

	check()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
