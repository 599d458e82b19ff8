package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chain-registry-go/internal/logging"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/recovery"

	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

var (
	ErrNoNodes            = errors.New("chain has no nodes")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotConnected       = errors.New("no active node")
	ErrUnknownNode        = errors.New("node is not configured for chain")
	ErrClosed             = errors.New("connection closed")
)

// Switch reasons reported in logs and metrics.
const (
	reasonInitial       = "initial"
	reasonHealthCheck   = "health_check"
	reasonRequestFailed = "request_failed"
	reasonForced        = "forced"
)

// SelectedNodeChange is invoked from the connection's own goroutine whenever
// failover lands on a different node. It must not block.
type SelectedNodeChange func(chainID, url string)

type Options struct {
	HealthInterval time.Duration
	HealthMethod   string
	DialTimeout    time.Duration
	MaxBackoff     time.Duration
	ReconnectRate  rate.Limit
	ReconnectBurst int
}

func DefaultOptions() Options {
	return Options{
		HealthInterval: 15 * time.Second,
		HealthMethod:   "system_health",
		DialTimeout:    10 * time.Second,
		MaxBackoff:     60 * time.Second,
		ReconnectRate:  rate.Limit(2),
		ReconnectBurst: 2,
	}
}

// Connection owns the socket of one chain and fails over between the
// chain's nodes. The watcher goroutine is the only writer of the active
// node; callers only read it.
type Connection struct {
	chainID   string
	transport Transport
	opts      Options
	onSwitch  SelectedNodeChange
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	nodes    []*node
	active   int
	selected string
	socket   Socket

	failures  chan string
	switches  chan switchRequest
	reconnect *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

type switchRequest struct {
	url   string
	reply chan error
}

func newConnection(chain models.Chain, transport Transport, opts Options, onSwitch SelectedNodeChange) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	nodes := orderNodes(chain.Nodes)
	return &Connection{
		chainID:   chain.ID,
		transport: transport,
		opts:      opts,
		onSwitch:  onSwitch,
		metrics:   metrics.GetMetrics(),
		nodes:     nodes,
		active:    -1,
		selected:  nodes[0].url,
		failures:  make(chan string, 1),
		switches:  make(chan switchRequest),
		reconnect: rate.NewLimiter(opts.ReconnectRate, opts.ReconnectBurst),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (c *Connection) start() {
	go func() {
		defer close(c.done)
		defer c.dropSocket()
		recovery.WithRecoveryNamed("connection:"+c.chainID, c.watch)
	}()
}

// ChainID returns the chain this connection belongs to.
func (c *Connection) ChainID() string {
	return c.chainID
}

// ActiveURL returns the url of the connected node, or the node that will be
// tried first while still connecting.
func (c *Connection) ActiveURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// Connected reports whether a socket is currently open.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket != nil
}

func (c *Connection) HealthyNodeCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthyLocked()
}

func (c *Connection) Nodes() []NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]NodeStatus, 0, len(c.nodes))
	for i, n := range c.nodes {
		out = append(out, NodeStatus{
			URL:        n.url,
			Name:       n.name,
			Active:     i == c.active,
			Healthy:    n.isHealthy,
			FailCount:  n.failCount,
			RetryAfter: n.retryAfter,
		})
	}
	return out
}

// CallContext performs a JSON-RPC call on the active node. Transport level
// failures make the watcher fail over; JSON-RPC errors returned by a live
// node do not.
func (c *Connection) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	c.mu.RLock()
	s, url := c.socket, c.selected
	c.mu.RUnlock()

	if s == nil {
		return fmt.Errorf("%s: %w", c.chainID, ErrNotConnected)
	}

	start := time.Now()
	err := s.CallContext(ctx, result, method, args...)
	c.metrics.RecordRPCRequest(c.chainID, method, time.Since(start), err == nil)

	if err != nil && ctx.Err() == nil && isTransportError(err) {
		select {
		case c.failures <- url:
		default:
		}
	}
	return err
}

// SwitchURL moves the connection to url right away, whatever the health of
// the current node. The selected-node callback is not invoked for forced
// switches; the caller persists the choice itself.
func (c *Connection) SwitchURL(ctx context.Context, url string) error {
	req := switchRequest{url: url, reply: make(chan error, 1)}
	select {
	case c.switches <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the watcher and closes the socket. Idempotent.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

func (c *Connection) watch() {
	if !c.connect(reasonInitial) {
		return
	}

	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.checkHealth(); err != nil {
				if !c.failover(reasonHealthCheck, err) {
					return
				}
			}
		case url := <-c.failures:
			if url == c.ActiveURL() {
				if !c.failover(reasonRequestFailed, errors.New("request failed on active node")) {
					return
				}
			}
		case req := <-c.switches:
			req.reply <- c.switchTo(req.url)
		}
	}
}

func (c *Connection) checkHealth() error {
	c.mu.RLock()
	s := c.socket
	c.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	var res json.RawMessage
	err := s.CallContext(ctx, &res, c.opts.HealthMethod)
	if err != nil && !isTransportError(err) {
		// the node answered, it just does not know the method
		return nil
	}
	return err
}

// failover drops the active node and connects to the next candidate. It
// returns false only when the connection is shutting down.
func (c *Connection) failover(reason string, cause error) bool {
	c.mu.Lock()
	if c.active >= 0 {
		n := c.nodes[c.active]
		backoff := n.markUnhealthy(time.Now(), c.opts.MaxBackoff)
		slog.Warn("node_unhealthy",
			slog.String("chain_id", c.chainID),
			slog.String("url", n.url),
			slog.Int("fail_count", n.failCount),
			slog.Duration("retry_after", backoff),
			slog.String("error", cause.Error()),
		)
	}
	old := c.socket
	c.socket = nil
	healthy := c.healthyLocked()
	c.mu.Unlock()

	c.metrics.UpdateHealthyNodes(c.chainID, healthy)
	if old != nil {
		old.Close()
	}
	return c.connect(reason)
}

func (c *Connection) connect(reason string) bool {
	for {
		if c.ctx.Err() != nil {
			return false
		}

		idx, wait := c.nextCandidate()
		if idx < 0 {
			timer := time.NewTimer(wait)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return false
			case <-timer.C:
			}
			continue
		}

		if err := c.reconnect.Wait(c.ctx); err != nil {
			return false
		}

		url := c.nodeURL(idx)
		dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		sock, err := c.transport.Open(dialCtx, url)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.markFailed(idx, err)
			continue
		}
		if c.ctx.Err() != nil {
			sock.Close()
			return false
		}

		c.install(idx, sock, reason)
		return true
	}
}

func (c *Connection) switchTo(url string) error {
	idx := c.indexOf(url)
	if idx < 0 {
		return fmt.Errorf("%s %s: %w", c.chainID, url, ErrUnknownNode)
	}

	c.mu.RLock()
	already := idx == c.active && c.socket != nil
	c.mu.RUnlock()
	if already {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	sock, err := c.transport.Open(dialCtx, url)
	cancel()
	if err != nil {
		return err
	}
	c.install(idx, sock, reasonForced)
	return nil
}

func (c *Connection) install(idx int, sock Socket, reason string) {
	c.mu.Lock()
	n := c.nodes[idx]
	n.markHealthy()
	old := c.socket
	c.socket = sock
	c.active = idx
	prev := c.selected
	c.selected = n.url
	healthy := c.healthyLocked()
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.metrics.UpdateHealthyNodes(c.chainID, healthy)

	if prev == n.url {
		return
	}
	logging.LogNodeSwitched(c.chainID, prev, n.url, reason)
	c.metrics.RecordNodeSwitch(c.chainID, reason)
	if c.onSwitch != nil && reason != reasonForced {
		c.onSwitch(c.chainID, n.url)
	}
}

func (c *Connection) markFailed(idx int, err error) {
	c.mu.Lock()
	n := c.nodes[idx]
	backoff := n.markUnhealthy(time.Now(), c.opts.MaxBackoff)
	c.mu.Unlock()

	slog.Warn("node_dial_failed",
		slog.String("chain_id", c.chainID),
		slog.String("url", n.url),
		slog.Duration("retry_after", backoff),
		slog.String("error", err.Error()),
	)
}

// nextCandidate walks the nodes round-robin starting after the active one.
// When every node is backing off it returns -1 and the time until the
// earliest one becomes available again.
func (c *Connection) nextCandidate() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	size := len(c.nodes)
	var earliest time.Time
	for i := 1; i <= size; i++ {
		idx := (c.active + i) % size
		n := c.nodes[idx]
		if n.available(now) {
			return idx, 0
		}
		if earliest.IsZero() || n.retryAfter.Before(earliest) {
			earliest = n.retryAfter
		}
	}
	return -1, earliest.Sub(now)
}

func (c *Connection) nodeURL(idx int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[idx].url
}

func (c *Connection) indexOf(url string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i, n := range c.nodes {
		if n.url == url {
			return i
		}
	}
	return -1
}

func (c *Connection) healthyLocked() int {
	count := 0
	for _, n := range c.nodes {
		if n.isHealthy {
			count++
		}
	}
	return count
}

func (c *Connection) dropSocket() {
	c.mu.Lock()
	s := c.socket
	c.socket = nil
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func isTransportError(err error) bool {
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}
