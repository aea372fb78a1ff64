package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flipbook"

// Outcome labels for EventHandled.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Recorder collects realtime and storage observations.
//
// Components accept a nil Recorder and fall back to NewNoopRecorder.
type Recorder interface {
	// ConnectionOpened records an accepted websocket connection.
	ConnectionOpened()
	// ConnectionClosed records a released websocket connection.
	ConnectionClosed()
	// EventHandled records one processed inbound event with its outcome.
	EventHandled(event, outcome string)
	// MessagesDelivered records outbound messages queued for members of a room.
	MessagesDelivered(event string, count int)
	// DeliveryDropped records a member dropped as a slow consumer.
	DeliveryDropped(event string)
	// StoreFailure records a frame store failure by error code.
	StoreFailure(code string)
}

type prometheusRecorder struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	eventsTotal       *prometheus.CounterVec
	deliveredTotal    *prometheus.CounterVec
	droppedTotal      *prometheus.CounterVec
	storeFailures     *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with the registerer.
func NewPrometheusRecorder(registerer prometheus.Registerer) Recorder {
	if registerer == nil {
		return NewNoopRecorder()
	}
	factory := promauto.With(registerer)

	return &prometheusRecorder{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Current number of open websocket connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted websocket connections",
		}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound realtime events by event name and outcome",
		}, []string{"event", "outcome"}),
		deliveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Outbound realtime messages queued by event name",
		}, []string{"event"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound realtime messages dropped for slow consumers",
		}, []string{"event"}),
		storeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Frame store failures by error code",
		}, []string{"code"}),
	}
}

func (recorder *prometheusRecorder) ConnectionOpened() {
	recorder.activeConnections.Inc()
	recorder.connectionsTotal.Inc()
}

func (recorder *prometheusRecorder) ConnectionClosed() {
	recorder.activeConnections.Dec()
}

func (recorder *prometheusRecorder) EventHandled(event, outcome string) {
	recorder.eventsTotal.WithLabelValues(event, outcome).Inc()
}

func (recorder *prometheusRecorder) MessagesDelivered(event string, count int) {
	if count <= 0 {
		return
	}
	recorder.deliveredTotal.WithLabelValues(event).Add(float64(count))
}

func (recorder *prometheusRecorder) DeliveryDropped(event string) {
	recorder.droppedTotal.WithLabelValues(event).Inc()
}

func (recorder *prometheusRecorder) StoreFailure(code string) {
	recorder.storeFailures.WithLabelValues(code).Inc()
}

// NewNoopRecorder returns a Recorder that discards observations.
func NewNoopRecorder() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) ConnectionOpened()                         {}
func (noopRecorder) ConnectionClosed()                         {}
func (noopRecorder) EventHandled(event, outcome string)        {}
func (noopRecorder) MessagesDelivered(event string, count int) {}
func (noopRecorder) DeliveryDropped(event string)              {}
func (noopRecorder) StoreFailure(code string)                  {}

// OrNoop returns recorder, or a no-op recorder when it is nil.
func OrNoop(recorder Recorder) Recorder {
	if recorder == nil {
		return NewNoopRecorder()
	}
	return recorder
}
