package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{Timeout: time.Second, Attempts: 3, Delay: time.Millisecond}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[{"chainId":"x"}]`))
	}))
	defer srv.Close()

	body, err := NewHTTPFetcher(nil, fastOptions()).Fetch(context.Background(), "chains", srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"chainId":"x"}]`, string(body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestFetch_DoesNotRetryNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(nil, fastOptions()).Fetch(context.Background(), "types:kusama", srv.URL)
	assert.ErrorIs(t, err, ErrStatus)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetch_StopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPFetcher(nil, fastOptions()).Fetch(ctx, "assets", srv.URL)
	assert.Error(t, err)
}

func TestMetricTarget(t *testing.T) {
	assert.Equal(t, "types", metricTarget("types:polkadot"))
	assert.Equal(t, "chains", metricTarget("chains"))
}
