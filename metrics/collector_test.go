package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaaapai/jemalloc/hooks"
	"github.com/aaaapai/jemalloc/hpa"
	"github.com/aaaapai/jemalloc/peak"
	"github.com/aaaapai/jemalloc/purge"
	"github.com/aaaapai/jemalloc/sec"
)

// stubSecSource reports a fixed Stats snapshot, so Collect assertions
// don't depend on driving a real Sec through Fill/Alloc/Dalloc first.
type stubSecSource struct {
	stats sec.Stats
}

func (s stubSecSource) StatsMerge(out *sec.Stats) {
	out.Bytes += s.stats.Bytes
	out.Total.NMisses += s.stats.Total.NMisses
	out.Total.NHits += s.stats.Total.NHits
	out.Total.NDallocFlush += s.stats.Total.NDallocFlush
	out.Total.NDallocNoFlush += s.stats.Total.NDallocNoFlush
	out.Total.NOverfills += s.stats.Total.NOverfills
}

func collectDescs(t *testing.T, c *Collector) []*prometheus.Desc {
	t.Helper()
	ch := make(chan *prometheus.Desc, 32)
	c.Describe(ch)
	close(ch)
	var descs []*prometheus.Desc
	for d := range ch {
		descs = append(descs, d)
	}
	return descs
}

func collectMetrics(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)
	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}
	return metrics
}

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	default:
		t.Fatalf("metric %v has neither Counter nor Gauge", m.Desc())
		return 0
	}
}

func TestDescribeEmitsAllThirteenDescsWhenAllSourcesPresent(t *testing.T) {
	h := hooks.NewFake()
	pool := hpa.NewDefaultHpDataPool()
	central := hpa.NewCentral(h, hpa.CentralOpts{Hugepage: hpa.Hugepage, EdenSize: 4 * hpa.Hugepage}, pool.NewDesc)
	batcher := purge.NewBatcher(h, purge.BatchOpts{ItemsCapacity: 4})
	demand := peak.NewDemand(time.Second)

	c := NewCollector(Sources{
		Sec:     stubSecSource{},
		Central: central,
		Purge:   batcher,
		Peak:    demand,
	})

	descs := collectDescs(t, c)
	assert.Len(t, descs, 13)
}

func TestCollectOmitsSourcesThatAreNil(t *testing.T) {
	c := NewCollector(Sources{})
	metrics := collectMetrics(t, c)
	assert.Empty(t, metrics)
}

func TestCollectReportsSecStats(t *testing.T) {
	c := NewCollector(Sources{
		Sec: stubSecSource{stats: sec.Stats{
			Bytes: 4096,
			Total: sec.BinStats{NHits: 3, NMisses: 1, NDallocFlush: 2, NDallocNoFlush: 5, NOverfills: 1},
		}},
	})

	metrics := collectMetrics(t, c)
	require.Len(t, metrics, 6)
	assert.Equal(t, float64(4096), metricValue(t, metrics[0]))
	assert.Equal(t, float64(3), metricValue(t, metrics[1]))
	assert.Equal(t, float64(1), metricValue(t, metrics[2]))
}

func TestCollectReportsHpaCounters(t *testing.T) {
	h := hooks.NewFake()
	pool := hpa.NewDefaultHpDataPool()
	central := hpa.NewCentral(h, hpa.CentralOpts{Hugepage: hpa.Hugepage, EdenSize: 2 * hpa.Hugepage}, pool.NewDesc)
	central.Extract(hpa.Hugepage, 1, false)

	c := NewCollector(Sources{Central: central})
	metrics := collectMetrics(t, c)
	require.Len(t, metrics, 3)
	assert.Equal(t, float64(hpa.Hugepage), metricValue(t, metrics[0]))
	assert.Equal(t, float64(1), metricValue(t, metrics[1]))
	assert.Equal(t, float64(0), metricValue(t, metrics[2]))
}

func TestCollectReportsPeakMax(t *testing.T) {
	d := peak.NewDemand(time.Second)
	d.Update(0, 7)
	d.Update(1000, 12)

	c := NewCollector(Sources{Peak: d})
	metrics := collectMetrics(t, c)
	require.Len(t, metrics, 1)
	assert.Equal(t, float64(12), metricValue(t, metrics[0]))
}
