package store

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_events_ingested_total",
			Help: "Total events committed to the write store",
		},
		[]string{"kind"},
	)
	ingestBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_ingest_batches_total",
			Help: "Ingested batches by outcome",
		},
		[]string{"result"},
	)
	eventsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_events_skipped_total",
			Help: "Events left out of an otherwise accepted batch",
		},
		[]string{"reason"},
	)
	correlationEdges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lineage_correlation_edges_total",
			Help: "Parent to child correlation edges attached during ingestion",
		},
		[]string{"source"},
	)
	storeRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lineage_store_records",
			Help: "Records held by the write store",
		},
	)
	viewMerges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lineage_view_merges_total",
			Help: "Merges of write store changes into the read view",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsIngested)
	prometheus.MustRegister(ingestBatches)
	prometheus.MustRegister(eventsSkipped)
	prometheus.MustRegister(correlationEdges)
	prometheus.MustRegister(storeRecords)
	prometheus.MustRegister(viewMerges)
}
