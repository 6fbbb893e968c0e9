// Package telemetry manages Prometheus instrumentation for the ingestion and
// control core.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics holds every collector the core registers.
type CoreMetrics struct {
	ingested         *prometheus.CounterVec
	invalidPayloads  *prometheus.CounterVec
	outOfTolerance   *prometheus.CounterVec
	subscriberDrops  *prometheus.CounterVec
	workerRestarts   *prometheus.CounterVec
	restartStorms    prometheus.Counter
	noveltyEvents    *prometheus.CounterVec
	backpressurePush *prometheus.CounterVec

	activeSensors  prometheus.Gauge
	activeRooms    prometheus.Gauge
	activeViewers  prometheus.Gauge
	loadLevel      prometheus.Gauge
	loadPressure   prometheus.Gauge
	mailboxDepth   prometheus.Gauge
	attentionLevel *prometheus.GaugeVec
}

var (
	coreMetricsInstance *CoreMetrics
	coreMetricsOnce     sync.Once
)

// Get returns the singleton core metrics instance.
func Get() *CoreMetrics {
	coreMetricsOnce.Do(func() {
		coreMetricsInstance = newCoreMetrics(prometheus.DefaultRegisterer)
	})
	return coreMetricsInstance
}

func newCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	cm := &CoreMetrics{
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "pipeline",
				Name:      "measurements_total",
				Help:      "Measurements accepted into attribute windows.",
			},
			[]string{"sensor"},
		),
		invalidPayloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "pipeline",
				Name:      "invalid_payloads_total",
				Help:      "Measurements rejected by payload validation.",
			},
			[]string{"sensor"},
		),
		outOfTolerance: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "pipeline",
				Name:      "out_of_tolerance_total",
				Help:      "Measurements dropped for timestamps outside the accepted skew window.",
			},
			[]string{"sensor"},
		),
		subscriberDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "bus",
				Name:      "subscriber_drops_total",
				Help:      "Messages dropped from slow subscriber queues, oldest first.",
			},
			[]string{"topic_class"},
		),
		workerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "fabric",
				Name:      "worker_restarts_total",
				Help:      "Worker restarts performed by supervisors.",
			},
			[]string{"domain"},
		),
		restartStorms: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "fabric",
				Name:      "restart_storms_total",
				Help:      "Entities dropped after exhausting their restart budget.",
			},
		),
		noveltyEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "bio",
				Name:      "novelty_events_total",
				Help:      "Novelty events published after debounce.",
			},
			[]string{"sensor"},
		),
		backpressurePush: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensocto",
				Subsystem: "pipeline",
				Name:      "backpressure_pushes_total",
				Help:      "Backpressure config messages pushed to connectors.",
			},
			[]string{"level"},
		),
		activeSensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "fabric",
				Name:      "active_sensors",
				Help:      "Sensor workers currently registered on this node.",
			},
		),
		activeRooms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "fabric",
				Name:      "active_rooms",
				Help:      "Room workers currently registered on this node.",
			},
		),
		activeViewers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "attention",
				Name:      "active_observers",
				Help:      "Observer sessions with at least one registered intent.",
			},
		),
		loadLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "sysload",
				Name:      "level",
				Help:      "Load level encoded as 0=normal, 1=elevated, 2=high, 3=critical.",
			},
		),
		loadPressure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "sysload",
				Name:      "pressure",
				Help:      "Combined node pressure in [0,1].",
			},
		),
		mailboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "fabric",
				Name:      "mailbox_depth_max",
				Help:      "Deepest worker mailbox observed in the last load sample.",
			},
		),
		attentionLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sensocto",
				Subsystem: "attention",
				Name:      "level_count",
				Help:      "Number of sensor attributes currently at each attention level.",
			},
			[]string{"level"},
		),
	}

	reg.MustRegister(
		cm.ingested,
		cm.invalidPayloads,
		cm.outOfTolerance,
		cm.subscriberDrops,
		cm.workerRestarts,
		cm.restartStorms,
		cm.noveltyEvents,
		cm.backpressurePush,
		cm.activeSensors,
		cm.activeRooms,
		cm.activeViewers,
		cm.loadLevel,
		cm.loadPressure,
		cm.mailboxDepth,
		cm.attentionLevel,
	)

	return cm
}

func (cm *CoreMetrics) RecordIngest(sensorID string) {
	if cm == nil {
		return
	}
	cm.ingested.WithLabelValues(sensorID).Inc()
}

func (cm *CoreMetrics) RecordInvalidPayload(sensorID string) {
	if cm == nil {
		return
	}
	cm.invalidPayloads.WithLabelValues(sensorID).Inc()
}

func (cm *CoreMetrics) RecordOutOfTolerance(sensorID string) {
	if cm == nil {
		return
	}
	cm.outOfTolerance.WithLabelValues(sensorID).Inc()
}

// RecordSubscriberDrop counts a drop-oldest eviction. topicClass is the topic
// prefix (e.g. "sensor", "attention") so cardinality stays bounded.
func (cm *CoreMetrics) RecordSubscriberDrop(topicClass string) {
	if cm == nil {
		return
	}
	cm.subscriberDrops.WithLabelValues(topicClass).Inc()
}

func (cm *CoreMetrics) RecordWorkerRestart(domain string) {
	if cm == nil {
		return
	}
	cm.workerRestarts.WithLabelValues(domain).Inc()
}

func (cm *CoreMetrics) RecordRestartStorm() {
	if cm == nil {
		return
	}
	cm.restartStorms.Inc()
}

func (cm *CoreMetrics) RecordNoveltyEvent(sensorID string) {
	if cm == nil {
		return
	}
	cm.noveltyEvents.WithLabelValues(sensorID).Inc()
}

func (cm *CoreMetrics) RecordBackpressurePush(level string) {
	if cm == nil {
		return
	}
	cm.backpressurePush.WithLabelValues(level).Inc()
}

func (cm *CoreMetrics) SetActiveSensors(n int) {
	if cm == nil {
		return
	}
	cm.activeSensors.Set(float64(n))
}

func (cm *CoreMetrics) SetActiveRooms(n int) {
	if cm == nil {
		return
	}
	cm.activeRooms.Set(float64(n))
}

func (cm *CoreMetrics) SetActiveObservers(n int) {
	if cm == nil {
		return
	}
	cm.activeViewers.Set(float64(n))
}

func (cm *CoreMetrics) SetLoad(levelValue int, pressure float64) {
	if cm == nil {
		return
	}
	cm.loadLevel.Set(float64(levelValue))
	cm.loadPressure.Set(pressure)
}

func (cm *CoreMetrics) SetMailboxDepth(depth int) {
	if cm == nil {
		return
	}
	cm.mailboxDepth.Set(float64(depth))
}

func (cm *CoreMetrics) SetAttentionLevelCount(level string, count int) {
	if cm == nil {
		return
	}
	cm.attentionLevel.WithLabelValues(level).Set(float64(count))
}
