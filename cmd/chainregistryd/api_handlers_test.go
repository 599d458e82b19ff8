package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chain-registry-go/internal/chainruntime"
	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/database"
	"chain-registry-go/internal/limiter"
	"chain-registry-go/internal/models"
	"chain-registry-go/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	chains   []models.Chain
	nodes    map[string][]models.Node
	versions map[string]int
	err      error

	added    []models.Node
	updated  []string
	deleted  []models.NodeID
	selected []models.NodeID
	failWith error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		chains: []models.Chain{
			{ID: "polkadot", Name: "Polkadot", Nodes: []models.Node{{URL: "wss://rpc.polkadot.io", Name: "Parity", IsDefault: true}}},
			{ID: "kusama", Name: "Kusama"},
		},
		nodes: map[string][]models.Node{
			"polkadot": {{URL: "wss://rpc.polkadot.io", Name: "Parity", IsActive: true, IsDefault: true}},
		},
		versions: map[string]int{"polkadot": 9430},
	}
}

func (f *fakeRegistry) GetChains(context.Context) ([]models.Chain, error) {
	return f.chains, nil
}

func (f *fakeRegistry) GetChain(_ context.Context, chainID string) (models.Chain, error) {
	for _, c := range f.chains {
		if c.ID == chainID {
			return c, nil
		}
	}
	return models.Chain{}, fmt.Errorf("%s: %w", chainID, registry.ErrChainNotFound)
}

func (f *fakeRegistry) GetConnection(chainID string) (*connection.Connection, error) {
	return nil, connection.ErrConnectionNotFound
}

func (f *fakeRegistry) GetRuntimeProvider(chainID string) (*chainruntime.Provider, error) {
	return nil, chainruntime.ErrProviderNotFound
}

func (f *fakeRegistry) GetRemoteRuntimeVersion(_ context.Context, chainID string) (int, bool, error) {
	v, ok := f.versions[chainID]
	return v, ok, nil
}

func (f *fakeRegistry) Nodes(_ context.Context, chainID string) ([]models.Node, error) {
	return f.nodes[chainID], nil
}

func (f *fakeRegistry) AddNode(_ context.Context, chainID, name, url string) error {
	if url == "" {
		return registry.ErrInvalidNode
	}
	if f.failWith != nil {
		return f.failWith
	}
	f.added = append(f.added, models.Node{URL: url, Name: name})
	return nil
}

func (f *fakeRegistry) UpdateNode(_ context.Context, id models.NodeID, name, url string) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.updated = append(f.updated, id.URL+"->"+url+"#"+name)
	return nil
}

func (f *fakeRegistry) DeleteNode(_ context.Context, id models.NodeID) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRegistry) SwitchNode(_ context.Context, id models.NodeID) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.selected = append(f.selected, id)
	return nil
}

func (f *fakeRegistry) Err() error { return f.err }

func newTestServer(t *testing.T, reg chainRegistry) *httptest.Server {
	t.Helper()
	s := NewServer(reg, nil, ":0", limiter.Unlimited())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAPI_Chains(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/chains", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var chains []models.Chain
	require.NoError(t, json.Unmarshal(body["chains"], &chains))
	assert.Len(t, chains, 2)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/chains/polkadot", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var chain models.Chain
	require.NoError(t, json.Unmarshal(body["chain"], &chain))
	assert.Equal(t, "Polkadot", chain.Name)
	_, hasConn := body["connection"]
	assert.False(t, hasConn)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/chains/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RuntimeEndpoints(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/chains/polkadot/runtime", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/chains/polkadot/runtime-version", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "9430", string(body["remoteVersion"]))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/chains/kusama/runtime-version", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_NodeLifecycle(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	base := srv.URL + "/api/chains/polkadot/nodes"

	resp, body := do(t, http.MethodGet, base, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []models.Node
	require.NoError(t, json.Unmarshal(body["nodes"], &nodes))
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].IsActive)

	resp, _ = do(t, http.MethodPost, base, `{"name":"Mine","url":"wss://mine.example.org"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []models.Node{{URL: "wss://mine.example.org", Name: "Mine"}}, reg.added)

	resp, _ = do(t, http.MethodPut, base, `{"name":"Mine 2","url":"wss://mine.example.org","newUrl":"wss://mine2.example.org"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"wss://mine.example.org->wss://mine2.example.org#Mine 2"}, reg.updated)

	resp, _ = do(t, http.MethodPost, base+"/select", `{"url":"wss://mine2.example.org"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []models.NodeID{{ChainID: "polkadot", URL: "wss://mine2.example.org"}}, reg.selected)

	resp, _ = do(t, http.MethodDelete, base+"?url=wss://mine2.example.org", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []models.NodeID{{ChainID: "polkadot", URL: "wss://mine2.example.org"}}, reg.deleted)
}

func TestAPI_NodeErrors(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)
	base := srv.URL + "/api/chains/polkadot/nodes"

	resp, _ := do(t, http.MethodPost, base, `{"name":"NoURL"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	reg.failWith = database.ErrNodeExists
	resp, _ = do(t, http.MethodPost, base, `{"url":"wss://rpc.polkadot.io"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	reg.failWith = fmt.Errorf("delete: %w", database.ErrDefaultNode)
	resp, body := do(t, http.MethodDelete, base+"?url=wss://rpc.polkadot.io", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body["error"]), "default nodes")

	reg.failWith = connection.ErrUnknownNode
	resp, _ = do(t, http.MethodPost, base+"/select", `{"url":"wss://nowhere"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	reg.failWith = errors.New("boom")
	resp, _ = do(t, http.MethodPut, base, `{"url":"wss://rpc.polkadot.io"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAPI_Health(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	reg.err = registry.ErrChainStreamClosed
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `"degraded"`, string(body["status"]))
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{registry.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("x: %w", database.ErrNotFound), http.StatusNotFound},
		{chainruntime.ErrProviderNotFound, http.StatusNotFound},
		{fmt.Errorf("a/b: %w", registry.ErrAssetNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusOf(tc.err), tc.err.Error())
	}
}

func TestMutationLimit(t *testing.T) {
	rl := limiter.NewRateLimiter(1)
	h := MutationLimitMiddleware(rl, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chains/x/nodes", nil))
		codes = append(codes, rec.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chains", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
