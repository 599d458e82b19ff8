package chainruntime

import (
	"errors"
	"fmt"
	"sync"

	"chain-registry-go/internal/models"
)

var ErrProviderNotFound = errors.New("runtime provider not found")

// Pool holds at most one Provider per chain id.
type Pool struct {
	deps Deps

	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewPool(deps Deps) *Pool {
	return &Pool{deps: deps, providers: make(map[string]*Provider)}
}

// SetupRuntimeProvider creates the provider of chain, finishing the previous
// one first.
func (p *Pool) SetupRuntimeProvider(chain models.Chain) *Provider {
	p.RemoveRuntimeProvider(chain.ID)

	provider := NewProvider(chain, p.deps)

	p.mu.Lock()
	old := p.providers[chain.ID]
	p.providers[chain.ID] = provider
	p.mu.Unlock()

	if old != nil {
		old.Finish()
	}
	return provider
}

func (p *Pool) GetRuntimeProvider(chainID string) (*Provider, error) {
	if provider := p.GetRuntimeProviderOrNil(chainID); provider != nil {
		return provider, nil
	}
	return nil, fmt.Errorf("%s: %w", chainID, ErrProviderNotFound)
}

func (p *Pool) GetRuntimeProviderOrNil(chainID string) *Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.providers[chainID]
}

// RemoveRuntimeProvider finishes and forgets the provider. No-op when absent.
func (p *Pool) RemoveRuntimeProvider(chainID string) {
	p.mu.Lock()
	provider := p.providers[chainID]
	delete(p.providers, chainID)
	p.mu.Unlock()

	if provider != nil {
		provider.Finish()
	}
}

func (p *Pool) Close() {
	p.mu.Lock()
	providers := p.providers
	p.providers = make(map[string]*Provider)
	p.mu.Unlock()

	for _, provider := range providers {
		provider.Finish()
	}
}
