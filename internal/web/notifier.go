package web

import (
	"log/slog"

	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/models"
)

const (
	EventChainSyncSuccess = "chain_sync_success"
	EventChainSyncProblem = "chain_sync_problem"
)

type chainSyncSuccess struct {
	ChainID string `json:"chainId"`
}

// Notifier publishes chain setup and runtime construction outcomes to
// websocket subscribers.
type Notifier struct {
	hub *Hub
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) NotifyChainSyncSuccess(chainID string) {
	slog.Debug("chain_sync_success", slog.String("chain_id", chainID))
	metrics.GetMetrics().RecordSyncNotification(true)
	n.hub.Broadcast(NewEvent(EventChainSyncSuccess, chainSyncSuccess{ChainID: chainID}))
}

func (n *Notifier) NotifyChainSyncProblem(issue models.SyncIssue) {
	slog.Warn("chain_sync_problem",
		slog.String("chain_id", issue.ChainID),
		slog.String("type", string(issue.Type)),
	)
	metrics.GetMetrics().RecordSyncNotification(false)
	n.hub.Broadcast(NewEvent(EventChainSyncProblem, issue))
}
