package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FlushTotal counts flush attempts by table and trigger (size, timer, request, close)
	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchcopy_flush_total",
			Help: "Total number of non-empty flushes",
		},
		[]string{"table", "trigger"},
	)

	// RowsWritten counts rows committed by table
	RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchcopy_rows_written_total",
			Help: "Total number of rows committed with COPY",
		},
		[]string{"table"},
	)

	// RowsDiscarded counts rows dropped by a failed flush, by table and reason
	RowsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchcopy_rows_discarded_total",
			Help: "Total number of rows discarded because their batch failed",
		},
		[]string{"table", "reason"},
	)

	// FlushLatency tracks the duration of every non-empty flush, failed ones included
	FlushLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchcopy_flush_latency_seconds",
			Help:    "Flush latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// BatchSize tracks the number of rows per flushed batch
	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchcopy_batch_size",
			Help:    "Number of rows per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		},
		[]string{"table"},
	)

	// PendingRows is the current size of the pending batch
	PendingRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchcopy_pending_rows",
			Help: "Rows buffered and not yet flushed",
		},
		[]string{"table"},
	)

	// ChannelDepth is the number of messages queued for the engine
	ChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchcopy_channel_depth",
			Help: "Messages waiting in the engine channel",
		},
		[]string{"table"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(FlushTotal)
		prometheus.MustRegister(RowsWritten)
		prometheus.MustRegister(RowsDiscarded)
		prometheus.MustRegister(FlushLatency)
		prometheus.MustRegister(BatchSize)
		prometheus.MustRegister(PendingRows)
		prometheus.MustRegister(ChannelDepth)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
