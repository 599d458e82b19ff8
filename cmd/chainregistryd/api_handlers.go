package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chain-registry-go/internal/chainruntime"
	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/database"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/registry"
)

// chainRegistry is the part of *registry.Registry the admin API serves.
type chainRegistry interface {
	GetChains(ctx context.Context) ([]models.Chain, error)
	GetChain(ctx context.Context, chainID string) (models.Chain, error)
	GetConnection(chainID string) (*connection.Connection, error)
	GetRuntimeProvider(chainID string) (*chainruntime.Provider, error)
	GetRemoteRuntimeVersion(ctx context.Context, chainID string) (int, bool, error)
	Nodes(ctx context.Context, chainID string) ([]models.Node, error)
	AddNode(ctx context.Context, chainID, name, url string) error
	UpdateNode(ctx context.Context, id models.NodeID, name, url string) error
	DeleteNode(ctx context.Context, id models.NodeID) error
	SwitchNode(ctx context.Context, id models.NodeID) error
	Err() error
}

// 首次发布前的读请求最多等待这么久
const readWait = 5 * time.Second

type ConnectionView struct {
	ActiveURL string                  `json:"activeUrl"`
	Connected bool                    `json:"connected"`
	Nodes     []connection.NodeStatus `json:"nodes"`
}

type ChainView struct {
	Chain      models.Chain    `json:"chain"`
	Connection *ConnectionView `json:"connection,omitempty"`
}

type RuntimeView struct {
	ChainID         string `json:"chainId"`
	State           string `json:"state"`
	RuntimeVersion  int    `json:"runtimeVersion,omitempty"`
	MetadataVersion uint8  `json:"metadataVersion,omitempty"`
	MetadataHash    string `json:"metadataHash,omitempty"`
	OwnTypesHash    string `json:"ownTypesHash,omitempty"`
	BaseTypesHash   string `json:"baseTypesHash,omitempty"`
	TypeCount       int    `json:"typeCount"`
}

type nodeRequest struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	NewURL string `json:"newUrl"`
}

func handleGetChains(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	ctx, cancel := context.WithTimeout(r.Context(), readWait)
	defer cancel()

	chains, err := reg.GetChains(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chains": chains})
}

func handleGetChain(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	ctx, cancel := context.WithTimeout(r.Context(), readWait)
	defer cancel()

	chainID := r.PathValue("id")
	chain, err := reg.GetChain(ctx, chainID)
	if err != nil {
		writeError(w, err)
		return
	}

	view := ChainView{Chain: chain}
	if conn, err := reg.GetConnection(chainID); err == nil {
		view.Connection = &ConnectionView{
			ActiveURL: conn.ActiveURL(),
			Connected: conn.Connected(),
			Nodes:     conn.Nodes(),
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func handleGetRuntime(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	chainID := r.PathValue("id")
	provider, err := reg.GetRuntimeProvider(chainID)
	if err != nil {
		writeError(w, err)
		return
	}

	view := RuntimeView{ChainID: chainID, State: provider.State().String()}
	if rt, ok := provider.ConstructedRuntime(); ok && rt != nil {
		view.MetadataHash = rt.MetadataHash
		view.OwnTypesHash = rt.OwnTypesHash
		view.BaseTypesHash = rt.BaseTypesHash
		if rt.Runtime != nil {
			view.RuntimeVersion = rt.Runtime.RuntimeVersion
			view.MetadataVersion = rt.Runtime.MetadataVersion
			view.TypeCount = len(rt.Runtime.Types)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func handleGetRuntimeVersion(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	chainID := r.PathValue("id")
	version, ok, err := reg.GetRemoteRuntimeVersion(r.Context(), chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "runtime version unknown"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chainId": chainID, "remoteVersion": version})
}

func handleListNodes(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	nodes, err := reg.Nodes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func handleAddNode(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	var req nodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := reg.AddNode(r.Context(), r.PathValue("id"), req.Name, req.URL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func handleUpdateNode(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	var req nodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	newURL := req.NewURL
	if newURL == "" {
		newURL = req.URL
	}
	id := models.NodeID{ChainID: r.PathValue("id"), URL: req.URL}
	if err := reg.UpdateNode(r.Context(), id, req.Name, newURL); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func handleDeleteNode(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, registry.ErrInvalidNode)
		return
	}
	if err := reg.DeleteNode(r.Context(), models.NodeID{ChainID: r.PathValue("id"), URL: url}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleSelectNode(w http.ResponseWriter, r *http.Request, reg chainRegistry) {
	var req nodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, registry.ErrInvalidNode)
		return
	}
	if err := reg.SwitchNode(r.Context(), models.NodeID{ChainID: r.PathValue("id"), URL: req.URL}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "selected", "url": req.URL})
}

func handleHealth(w http.ResponseWriter, reg chainRegistry) {
	if err := reg.Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return false
	}
	return true
}

// statusOf maps domain errors to http codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, registry.ErrChainNotFound),
		errors.Is(err, registry.ErrAssetNotFound),
		errors.Is(err, database.ErrNotFound),
		errors.Is(err, connection.ErrConnectionNotFound),
		errors.Is(err, chainruntime.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrNodeExists),
		errors.Is(err, database.ErrDefaultNode):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidNode),
		errors.Is(err, connection.ErrUnknownNode):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, registry.ErrStopped),
		errors.Is(err, connection.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("api_request_failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed_to_encode_response", "err", err)
	}
}
