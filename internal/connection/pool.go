package connection

import (
	"fmt"
	"log/slog"
	"sync"

	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
)

// Pool keeps one live Connection per chain id.
type Pool struct {
	transport Transport
	opts      Options

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewPool(transport Transport, opts Options) *Pool {
	return &Pool{
		transport: transport,
		opts:      opts,
		conns:     make(map[string]*Connection),
	}
}

// SetupConnection creates and starts a connection for chain, replacing and
// closing any previous connection under the same id. Dialing happens in the
// background; the returned connection may not be connected yet.
func (p *Pool) SetupConnection(chain models.Chain, onSelectedNodeChange SelectedNodeChange) (*Connection, error) {
	if !chain.HasNodes() {
		return nil, fmt.Errorf("%s: %w", chain.ID, ErrNoNodes)
	}

	conn := newConnection(chain, p.transport, p.opts, onSelectedNodeChange)

	p.mu.Lock()
	old := p.conns[chain.ID]
	p.conns[chain.ID] = conn
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	conn.start()

	slog.Debug("connection_setup",
		slog.String("chain_id", chain.ID),
		slog.String("first_node", conn.ActiveURL()),
		slog.Int("nodes", len(chain.Nodes)),
	)
	return conn, nil
}

func (p *Pool) GetConnection(chainID string) (*Connection, error) {
	if conn := p.GetConnectionOrNil(chainID); conn != nil {
		return conn, nil
	}
	return nil, fmt.Errorf("%s: %w", chainID, ErrConnectionNotFound)
}

func (p *Pool) GetConnectionOrNil(chainID string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[chainID]
}

// RemoveConnection closes and forgets the connection of chainID. Removing an
// unknown id is a no-op.
func (p *Pool) RemoveConnection(chainID string) {
	p.mu.Lock()
	conn := p.conns[chainID]
	delete(p.conns, chainID)
	p.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	metrics.GetMetrics().ForgetChain(chainID)
}

// ChainIDs lists the chains that currently hold a connection.
func (p *Pool) ChainIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
