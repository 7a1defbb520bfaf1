// Package metrics exposes this module's components as a
// prometheus.Collector, grounded on talyz-systemd_exporter/systemd's
// NewDesc/BuildFQName/Describe/Collect pattern (SPEC_FULL.md §11.3).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aaaapai/jemalloc/hpa"
	"github.com/aaaapai/jemalloc/peak"
	"github.com/aaaapai/jemalloc/purge"
	"github.com/aaaapai/jemalloc/sec"
)

const namespace = "jemalloc"

// SecSource is the subset of sec.Sec that Collector needs, accepted
// as an interface so tests can supply a stub without constructing a
// real Sec.
type SecSource interface {
	StatsMerge(stats *sec.Stats)
}

// Collector gathers Gauge/Counter metrics from a SEC, an HPA Central,
// a purge Batcher's lifetime counters, and a PeakDemand tracker.
// All four sources are optional; a nil source is simply skipped.
type Collector struct {
	sec     SecSource
	central *hpa.Central
	purge   *purge.Batcher
	peak    *peak.Demand

	secBytesCached        *prometheus.Desc
	secHitsTotal          *prometheus.Desc
	secMissesTotal        *prometheus.Desc
	secDallocFlushTotal   *prometheus.Desc
	secDallocNoflushTotal *prometheus.Desc
	secOverfillsTotal     *prometheus.Desc

	hpaEdenBytes               *prometheus.Desc
	hpaHugepagesExtractedTotal *prometheus.Desc
	hpaOOMTotal                *prometheus.Desc

	purgeBytesTotal           *prometheus.Desc
	purgeVectorizedCallsTotal *prometheus.Desc
	purgeFallbackCallsTotal   *prometheus.Desc

	peakNactiveMax *prometheus.Desc
}

// Sources bundles the optional inputs a Collector reads from.
type Sources struct {
	Sec     SecSource
	Central *hpa.Central
	Purge   *purge.Batcher
	Peak    *peak.Demand
}

// NewCollector builds the fixed set of prometheus.Desc values once,
// mirroring systemd.NewCollector's pattern of constructing every Desc
// up front in the constructor rather than per Collect call.
func NewCollector(src Sources) *Collector {
	return &Collector{
		sec:     src.Sec,
		central: src.Central,
		purge:   src.Purge,
		peak:    src.Peak,

		secBytesCached: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "bytes_cached"),
			"Bytes currently held in the small extent cache across all bins.",
			nil, nil,
		),
		secHitsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "hits_total"),
			"Allocation requests satisfied from the small extent cache.",
			nil, nil,
		),
		secMissesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "misses_total"),
			"Allocation requests not satisfied from the small extent cache.",
			nil, nil,
		),
		secDallocFlushTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "dalloc_flush_total"),
			"Deallocations that pushed a bin over its byte high-water mark.",
			nil, nil,
		),
		secDallocNoflushTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "dalloc_noflush_total"),
			"Deallocations absorbed without triggering a flush.",
			nil, nil,
		),
		secOverfillsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sec", "overfills_total"),
			"Fill calls that exceeded a bin's byte high-water mark.",
			nil, nil,
		),
		hpaEdenBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hpa", "eden_bytes"),
			"Bytes of hugepage-aligned address space remaining in the HPA eden region.",
			nil, nil,
		),
		hpaHugepagesExtractedTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hpa", "hugepages_extracted_total"),
			"Lifetime count of hugepages handed out by the HPA eden region.",
			nil, nil,
		),
		hpaOOMTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "hpa", "oom_total"),
			"Lifetime count of failed HPA eden extractions.",
			nil, nil,
		),
		purgeBytesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "purge", "bytes_total"),
			"Lifetime bytes handed to the purge hooks.",
			nil, nil,
		),
		purgeVectorizedCallsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "purge", "vectorized_calls_total"),
			"Lifetime vectorized purge flush attempts.",
			nil, nil,
		),
		purgeFallbackCallsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "purge", "fallback_calls_total"),
			"Lifetime vectorized purge flushes that fell back to per-range purge.",
			nil, nil,
		),
		peakNactiveMax: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "peak", "nactive_max"),
			"Maximum active-page count observed within the trailing tracking window.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.secBytesCached
	ch <- c.secHitsTotal
	ch <- c.secMissesTotal
	ch <- c.secDallocFlushTotal
	ch <- c.secDallocNoflushTotal
	ch <- c.secOverfillsTotal
	ch <- c.hpaEdenBytes
	ch <- c.hpaHugepagesExtractedTotal
	ch <- c.hpaOOMTotal
	ch <- c.purgeBytesTotal
	ch <- c.purgeVectorizedCallsTotal
	ch <- c.purgeFallbackCallsTotal
	ch <- c.peakNactiveMax
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sec != nil {
		var stats sec.Stats
		c.sec.StatsMerge(&stats)
		ch <- prometheus.MustNewConstMetric(c.secBytesCached, prometheus.GaugeValue, float64(stats.Bytes))
		ch <- prometheus.MustNewConstMetric(c.secHitsTotal, prometheus.CounterValue, float64(stats.Total.NHits))
		ch <- prometheus.MustNewConstMetric(c.secMissesTotal, prometheus.CounterValue, float64(stats.Total.NMisses))
		ch <- prometheus.MustNewConstMetric(c.secDallocFlushTotal, prometheus.CounterValue, float64(stats.Total.NDallocFlush))
		ch <- prometheus.MustNewConstMetric(c.secDallocNoflushTotal, prometheus.CounterValue, float64(stats.Total.NDallocNoFlush))
		ch <- prometheus.MustNewConstMetric(c.secOverfillsTotal, prometheus.CounterValue, float64(stats.Total.NOverfills))
	}
	if c.central != nil {
		ch <- prometheus.MustNewConstMetric(c.hpaEdenBytes, prometheus.GaugeValue, float64(c.central.EdenBytesRemaining()))
		ch <- prometheus.MustNewConstMetric(c.hpaHugepagesExtractedTotal, prometheus.CounterValue, float64(c.central.HugepagesExtractedTotal()))
		ch <- prometheus.MustNewConstMetric(c.hpaOOMTotal, prometheus.CounterValue, float64(c.central.OOMTotal()))
	}
	if c.purge != nil {
		ch <- prometheus.MustNewConstMetric(c.purgeBytesTotal, prometheus.CounterValue, float64(c.purge.BytesPurgedTotal()))
		ch <- prometheus.MustNewConstMetric(c.purgeVectorizedCallsTotal, prometheus.CounterValue, float64(c.purge.VectorizedCallsTotal()))
		ch <- prometheus.MustNewConstMetric(c.purgeFallbackCallsTotal, prometheus.CounterValue, float64(c.purge.FallbackCallsTotal()))
	}
	if c.peak != nil {
		ch <- prometheus.MustNewConstMetric(c.peakNactiveMax, prometheus.GaugeValue, float64(c.peak.Max()))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
