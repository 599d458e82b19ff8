package connection

import (
	"math"
	"sort"
	"time"

	"chain-registry-go/internal/models"
)

// node tracks the health of one candidate endpoint.
type node struct {
	url        string
	name       string
	isHealthy  bool
	failCount  int
	lastError  time.Time
	retryAfter time.Time
}

// NodeStatus is a read-only view of a node's health.
type NodeStatus struct {
	URL        string    `json:"url"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	Healthy    bool      `json:"healthy"`
	FailCount  int       `json:"failCount"`
	RetryAfter time.Time `json:"retryAfter,omitempty"`
}

// orderNodes puts the persisted active node first, then default nodes, then
// the rest, keeping declaration order inside each group.
func orderNodes(nodes []models.Node) []*node {
	ordered := make([]models.Node, len(nodes))
	copy(ordered, nodes)
	rank := func(n models.Node) int {
		switch {
		case n.IsActive:
			return 0
		case n.IsDefault:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i]) < rank(ordered[j])
	})

	out := make([]*node, 0, len(ordered))
	for _, n := range ordered {
		out = append(out, &node{url: n.URL, name: n.Name, isHealthy: true})
	}
	return out
}

// markUnhealthy applies exponential backoff: 1s, 2s, 4s, ... capped at max.
func (n *node) markUnhealthy(now time.Time, max time.Duration) time.Duration {
	n.isHealthy = false
	n.lastError = now
	n.failCount++

	backoff := time.Duration(math.Pow(2, float64(n.failCount-1))) * time.Second
	if backoff > max {
		backoff = max
	}
	n.retryAfter = now.Add(backoff)
	return backoff
}

func (n *node) markHealthy() {
	n.isHealthy = true
	n.failCount = 0
	n.retryAfter = time.Time{}
}

func (n *node) available(now time.Time) bool {
	return n.isHealthy || !now.Before(n.retryAfter)
}
