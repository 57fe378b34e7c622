package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestSyncRunMetrics(t *testing.T) {
	c := SyncRunsTotal.WithLabelValues("manual", "success")
	before := counterValue(t, c)
	c.Inc()
	assert.Equal(t, before+1, counterValue(t, c))

	r := SyncAccountsTotal.WithLabelValues("created")
	before = counterValue(t, r)
	r.Add(3)
	assert.Equal(t, before+3, counterValue(t, r))
}

func TestBulkAndPurgeMetrics(t *testing.T) {
	b := BulkItemsTotal.WithLabelValues("applied")
	before := counterValue(t, b)
	b.Inc()
	assert.Equal(t, before+1, counterValue(t, b))

	PurgeQueueDue.Set(7)
	assert.Equal(t, float64(7), gaugeValue(t, PurgeQueueDue))

	p := PurgeExecutionsTotal.WithLabelValues("requeued")
	before = counterValue(t, p)
	p.Inc()
	assert.Equal(t, before+1, counterValue(t, p))
}

func TestPoolMetricsLabels(t *testing.T) {
	DBPoolTotalConns.WithLabelValues("write").Set(10)
	DBPoolIdleConns.WithLabelValues("write").Set(4)
	DBPoolInUseConns.WithLabelValues("write").Set(6)

	assert.Equal(t, float64(10), gaugeValue(t, DBPoolTotalConns.WithLabelValues("write")))
	assert.Equal(t, float64(4), gaugeValue(t, DBPoolIdleConns.WithLabelValues("write")))
	assert.Equal(t, float64(6), gaugeValue(t, DBPoolInUseConns.WithLabelValues("write")))
}
