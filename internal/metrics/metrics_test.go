package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordChainSetup(true)
	m.RecordChainSetup(false)
	m.RecordChainSetup(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainSetups.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChainSetups.WithLabelValues("failure")))

	m.RecordDiffCycle(10*time.Millisecond, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiffCycles))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChainsActive))

	m.RecordSyncResult(true, false)
	m.RecordSyncResult(false, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncResults.WithLabelValues("metadata")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncResults.WithLabelValues("none")))

	m.UpdateHealthyNodes("kusama", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthyNodes.WithLabelValues("kusama")))
	m.ForgetChain("kusama")
	assert.Equal(t, 0, testutil.CollectAndCount(m.HealthyNodes))
}

func TestGetMetrics_Singleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}
