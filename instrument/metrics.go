package instrument

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	GroupJoins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_consumer_group_joins_total",
			Help: "Number of successful join+sync rounds",
		},
	)
	Fetches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_consumer_fetches_total",
			Help: "Number of completed fetch cycles",
		},
	)
	FetchedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kafka_consumer_fetched_batches_total",
			Help: "Number of batches returned by fetch cycles",
		},
	)
	ProcessedBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_processed_batches_total",
			Help: "Number of batches fully processed",
		},
		[]string{"topic"},
	)
	ProcessedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_processed_messages_total",
			Help: "Number of messages in fully processed batches",
		},
		[]string{"topic"},
	)
	BatchProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_consumer_batch_process_duration_seconds",
			Help:    "Wall time spent processing one batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
	OffsetLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_offset_lag",
			Help: "Distance between the last fetched offset and the high watermark",
		},
		[]string{"topic", "partition"},
	)
)

func MustRegister() {
	prometheus.MustRegister(GroupJoins, Fetches, FetchedBatches,
		ProcessedBatches, ProcessedMessages, BatchProcessDuration, OffsetLag)
}

// Metrics is an Emitter that drives the prometheus collectors above. Call
// MustRegister once before use.
type Metrics struct{}

func (*Metrics) Emit(name string, payload interface{}) {
	switch name {
	case GroupJoin:
		GroupJoins.Inc()
	case Fetch:
		if p, ok := payload.(FetchPayload); ok {
			Fetches.Inc()
			FetchedBatches.Add(float64(p.NumberOfBatches))
		}
	case StartBatchProcess:
		if p, ok := payload.(BatchProcessPayload); ok {
			OffsetLag.WithLabelValues(p.Topic, itoa(p.Partition)).Set(float64(p.OffsetLag))
		}
	case EndBatchProcess:
		if p, ok := payload.(BatchProcessPayload); ok {
			ProcessedBatches.WithLabelValues(p.Topic).Inc()
			ProcessedMessages.WithLabelValues(p.Topic).Add(float64(p.BatchSize))
			BatchProcessDuration.WithLabelValues(p.Topic).Observe(p.Duration.Seconds())
		}
	}
}

func itoa(p int32) string {
	return strconv.FormatInt(int64(p), 10)
}
