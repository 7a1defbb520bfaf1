// Command pgademo wires a hooks.OS implementation, an hpa.Central, a
// sec.Sec, a purge.Batcher, and a peak.Demand together and serves them
// as Prometheus metrics, exercising the whole page-grained allocator
// core end to end (SPEC_FULL.md §10.1/§10.4).
package main

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/aaaapai/jemalloc/hooks"
	"github.com/aaaapai/jemalloc/hpa"
	"github.com/aaaapai/jemalloc/metrics"
	"github.com/aaaapai/jemalloc/peak"
	"github.com/aaaapai/jemalloc/purge"
	"github.com/aaaapai/jemalloc/sec"
)

var (
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for telemetry.").Default(":9120").String()
	metricsPath   = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()

	secNShards        = kingpin.Flag("sec.nshards", "Number of SEC bin shards.").Default("2").Int()
	secMaxAlloc       = kingpin.Flag("sec.max-alloc", "Largest size in bytes the SEC will cache.").Default("32768").Int()
	secMaxBytes       = kingpin.Flag("sec.max-bytes", "Per-bin byte high-water mark before a flush.").Default("262144").Int()
	secBatchFillExtra = kingpin.Flag("sec.batch-fill-extra", "Extra same-size extents requested on a cache miss.").Default("3").Int()

	hpaEdenHugepages = kingpin.Flag("hpa.eden-hugepages", "Hugepages mapped per HPA eden region.").Default("128").Int()

	purgeItemsCapacity  = kingpin.Flag("purge.items-capacity", "Hugepages a single purge batch may admit.").Default("16").Int()
	purgeRangeWatermark = kingpin.Flag("purge.range-watermark", "Accumulated dirty ranges that close a purge batch early.").Default("0").Int()

	peakWindowMS = kingpin.Flag("peak.window-ms", "Trailing window, in milliseconds, tracked by the peak-demand gauge.").Default("10000").Int()
)

func main() {
	kingpin.Version("pgademo (page-grained allocator core demo)")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := log.Base()

	h := hooks.NewOS()

	secOpts := sec.Opts{
		NShards:        *secNShards,
		MaxAlloc:       uintptr(*secMaxAlloc),
		MaxBytes:       uintptr(*secMaxBytes),
		BatchFillExtra: *secBatchFillExtra,
	}
	s := sec.New(secOpts)

	centralOpts := hpa.CentralOpts{
		Hugepage: hpa.Hugepage,
		EdenSize: uintptr(*hpaEdenHugepages) * hpa.Hugepage,
	}
	pool := hpa.NewDefaultHpDataPool()
	central := hpa.NewCentral(h, centralOpts, pool.NewDesc)

	batcher := purge.NewBatcher(h, purge.BatchOpts{
		ItemsCapacity:  *purgeItemsCapacity,
		RangeWatermark: *purgeRangeWatermark,
	})

	demand := peak.NewDemand(time.Duration(*peakWindowMS) * time.Millisecond)

	collector := metrics.NewCollector(metrics.Sources{
		Sec:     s,
		Central: central,
		Purge:   batcher,
		Peak:    demand,
	})
	if err := prometheus.Register(collector); err != nil {
		logger.Errorf("%+v", errors.Wrap(err, "registering collector"))
		return
	}

	http.Handle(*metricsPath, promhttp.Handler())
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>pgademo</title></head>
<body>
<h1>page-grained allocator core demo</h1>
<p><a href="` + *metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	logger.Infof("listening on %s", *listenAddress)
	if err := http.ListenAndServe(*listenAddress, nil); err != nil {
		logger.Errorf("%+v", errors.Wrap(err, "http server"))
	}
}
