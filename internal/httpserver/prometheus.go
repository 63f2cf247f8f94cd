package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/resgov/internal/governor"
)

const metricsNamespace = "resgov"

type governorCollector struct {
	latest  func() (governor.Snapshot, bool)
	metrics []governorMetric

	laneActive    *prometheus.Desc
	laneCompleted *prometheus.Desc
	laneFailed    *prometheus.Desc
	lanePaused    *prometheus.Desc
}

type governorMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(s governor.Snapshot) (float64, bool)
}

func newGovernorCollector(latest func() (governor.Snapshot, bool)) prometheus.Collector {
	if latest == nil {
		return nil
	}

	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, nil, nil)
	}
	laneDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "lane", name), help, []string{"lane"}, nil)
	}

	c := &governorCollector{
		latest:        latest,
		laneActive:    laneDesc("active_tasks", "Tasks currently running on the compute lane."),
		laneCompleted: laneDesc("completed_total", "Tasks completed on the compute lane."),
		laneFailed:    laneDesc("failed_total", "Tasks that returned an error on the compute lane."),
		lanePaused:    laneDesc("paused", "Whether the compute lane is paused (1) or not (0)."),
	}

	c.metrics = []governorMetric{
		{
			desc:      desc("", "performance_score", "Latest performance score in [0, 1]."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return s.Orchestrator.Score, true
			},
		},
		{
			desc:      desc("", "emergency", "Whether the emergency path is engaged (1) or not (0)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return boolValue(s.Orchestrator.Emergency), true
			},
		},
		{
			desc:      desc("", "degraded_subsystems", "Number of subsystems held degraded by the orchestrator."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(len(s.Orchestrator.Degraded)), true
			},
		},
		{
			desc:      desc("device", "tier", "Static device tier, 0 (low) to 3 (ultra)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Baseline.Tier), true
			},
		},
		{
			desc:      desc("device", "max_concurrent_inferences", "Current concurrent inference allowance."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Profile.MaxConcurrentInferences), true
			},
		},
		{
			desc:      desc("device", "memory_budget_bytes", "Current memory budget in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Profile.MaxMemoryBudget), true
			},
		},
		{
			desc:      desc("signals", "thermal_state", "Thermal state, 0 (nominal) to 3 (critical)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				if s.Signals.Timestamp.IsZero() {
					return 0, false
				}
				return float64(s.Signals.ThermalState), true
			},
		},
		{
			desc:      desc("signals", "throttling", "Whether the device is throttling (1) or not (0)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				if s.Signals.Timestamp.IsZero() {
					return 0, false
				}
				return boolValue(s.Signals.IsThrottling), true
			},
		},
		{
			desc:      desc("signals", "battery_level", "Battery level in [0, 1]."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				if s.Signals.Timestamp.IsZero() {
					return 0, false
				}
				return s.Signals.BatteryLevel, true
			},
		},
		{
			desc:      desc("signals", "age_seconds", "Seconds elapsed since the latest signal refresh."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				if s.Signals.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(s.Signals.Timestamp).Seconds(), 0), true
			},
		},
		{
			desc:      desc("memory", "pressure_level", "Memory pressure level, 0 (normal) to 3 (critical)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Memory.Level), true
			},
		},
		{
			desc:      desc("memory", "used_bytes", "Used system memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Memory.UsedBytes), s.Memory.TotalBytes > 0
			},
		},
		{
			desc:      desc("memory", "total_bytes", "Total system memory in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Memory.TotalBytes), s.Memory.TotalBytes > 0
			},
		},
		{
			desc:      desc("memory", "process_rss_bytes", "Resident set size of this process in bytes."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Memory.ProcessRSS), s.Memory.ProcessRSS > 0
			},
		},
		{
			desc:      desc("presentation", "mode", "Effective UI mode, 0 (full) to 3 (emergency)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Presentation.Mode), true
			},
		},
		{
			desc:      desc("presentation", "active_animations", "Animations currently admitted."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Presentation.ActiveAnimations), true
			},
		},
		{
			desc:      desc("lifecycle", "inference_allowed", "Whether inference may run (1) or not (0)."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return boolValue(s.Lifecycle.InferenceAllowed), true
			},
		},
		{
			desc:      desc("lifecycle", "queue_length", "Inference requests waiting for the app to become active."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Lifecycle.QueueLength), true
			},
		},
		{
			desc:      desc("buffers", "pooled", "Device buffers held in the free list."),
			valueType: prometheus.GaugeValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Buffers.Pooled), true
			},
		},
		{
			desc:      desc("buffers", "reused_total", "Buffer requests served from the free list."),
			valueType: prometheus.CounterValue,
			extract: func(s governor.Snapshot) (float64, bool) {
				return float64(s.Buffers.Reused), true
			},
		},
	}

	return c
}

func (c *governorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.laneActive
	ch <- c.laneCompleted
	ch <- c.laneFailed
	ch <- c.lanePaused
}

func (c *governorCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot, ok := c.latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(snapshot)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value)
	}
	for _, lane := range snapshot.Lanes {
		ch <- prometheus.MustNewConstMetric(c.laneActive, prometheus.GaugeValue, float64(lane.Active), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.laneCompleted, prometheus.CounterValue, float64(lane.Completed), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.laneFailed, prometheus.CounterValue, float64(lane.Failed), lane.Name)
		ch <- prometheus.MustNewConstMetric(c.lanePaused, prometheus.GaugeValue, boolValue(lane.Paused), lane.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "overrides_throttled_total",
			Help:      "Manual overrides rejected by the rate limiter.",
		}, func() float64 {
			return float64(s.throttled.Load())
		}),
	}

	if s.gov != nil {
		collectors = append(collectors, newGovernorCollector(s.gov.State().Latest))
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
