package cycle

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/fpcache"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/playbook"
	"github.com/linnemanlabs/warden/internal/ticketing"
)

// Metrics holds Prometheus metrics for the whole triage pipeline.
type Metrics struct {
	CyclesTotal        *prometheus.CounterVec
	CycleDuration      prometheus.Histogram
	PollsTotal         *prometheus.CounterVec
	EventsPolledTotal  *prometheus.CounterVec
	DetectionsTotal    *prometheus.CounterVec
	DetectionStatus    *prometheus.CounterVec
	PlaybookRunsTotal  *prometheus.CounterVec
	PlaybookDuration   *prometheus.HistogramVec
	EnrichmentsTotal   *prometheus.CounterVec
	EnrichmentDuration *prometheus.HistogramVec
	TicketOpsTotal     *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
	CacheBytes         prometheus.Gauge
	CacheEvictions     prometheus.Counter

	// evictionsSeen is the cumulative eviction count already added to
	// CacheEvictions. OnCycle runs under the cycle lock, so plain
	// reads and writes are safe.
	evictionsSeen uint64
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_cycles_total",
			Help: "Total triage cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_cycle_duration_seconds",
			Help:    "Duration of triage cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_source_polls_total",
			Help: "Total detection source polls by source and outcome.",
		}, []string{"source", "outcome"}),
		EventsPolledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_source_events_total",
			Help: "Total raw events returned by detection sources.",
		}, []string{"source"}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_detections_total",
			Help: "Total detections handled per cycle by result.",
		}, []string{"result"}),
		DetectionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_detection_status_total",
			Help: "Final detection status after playbook processing.",
		}, []string{"status"}),
		PlaybookRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_playbook_runs_total",
			Help: "Total playbook chain runs by playbook and outcome.",
		}, []string{"playbook", "outcome"}),
		PlaybookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_playbook_duration_seconds",
			Help:    "Duration of playbook chain runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"playbook"}),
		EnrichmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_enrichments_total",
			Help: "Total context provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		EnrichmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_enrichment_duration_seconds",
			Help:    "Duration of context provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 0.1s .. ~12.8s
		}, []string{"provider"}),
		TicketOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_ticket_operations_total",
			Help: "Total ticketing operations by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_notifications_total",
			Help: "Total notification sends by provider and outcome.",
		}, []string{"provider", "outcome"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_cache_entries",
			Help: "Fingerprint cache entries after the last cycle.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_cache_bytes",
			Help: "Approximate fingerprint cache size in bytes.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_cache_evictions_total",
			Help: "Total fingerprint cache evictions.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.PollsTotal,
		m.EventsPolledTotal,
		m.DetectionsTotal,
		m.DetectionStatus,
		m.PlaybookRunsTotal,
		m.PlaybookDuration,
		m.EnrichmentsTotal,
		m.EnrichmentDuration,
		m.TicketOpsTotal,
		m.NotificationsTotal,
		m.CacheEntries,
		m.CacheBytes,
		m.CacheEvictions,
	)

	return m
}

// Hooks returns cycle hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnPoll: func(source, outcome string, events int) {
			m.PollsTotal.WithLabelValues(source, outcome).Inc()
			m.EventsPolledTotal.WithLabelValues(source).Add(float64(events))
		},
		OnCycle: func(outcome string, duration float64, s Summary, stats fpcache.Stats) {
			m.CyclesTotal.WithLabelValues(outcome).Inc()
			m.CycleDuration.Observe(duration)
			m.DetectionsTotal.WithLabelValues("processed").Add(float64(s.Processed))
			m.DetectionsTotal.WithLabelValues("deduplicated").Add(float64(s.Deduplicated))
			m.DetectionsTotal.WithLabelValues("failed").Add(float64(s.Failed))
			m.CacheEntries.Set(float64(stats.Entries))
			m.CacheBytes.Set(float64(stats.Bytes))
			if stats.Evictions > m.evictionsSeen {
				m.CacheEvictions.Add(float64(stats.Evictions - m.evictionsSeen))
				m.evictionsSeen = stats.Evictions
			}
		},
	}
}

// EngineHooks returns playbook engine hooks backed by these metrics.
func (m *Metrics) EngineHooks() playbook.EngineHooks {
	return playbook.EngineHooks{
		OnChain: func(playbookID, outcome string, duration float64) {
			m.PlaybookRunsTotal.WithLabelValues(playbookID, outcome).Inc()
			m.PlaybookDuration.WithLabelValues(playbookID).Observe(duration)
		},
		OnDetection: func(status string) {
			m.DetectionStatus.WithLabelValues(status).Inc()
		},
	}
}

// EnrichHooks returns enrichment dispatcher hooks backed by these metrics.
func (m *Metrics) EnrichHooks() enrich.Hooks {
	return enrich.Hooks{
		OnEnrich: func(provider, outcome string, duration float64) {
			m.EnrichmentsTotal.WithLabelValues(provider, outcome).Inc()
			m.EnrichmentDuration.WithLabelValues(provider).Observe(duration)
		},
	}
}

// TicketingHooks returns ticketing executor hooks backed by these metrics.
func (m *Metrics) TicketingHooks() ticketing.Hooks {
	return ticketing.Hooks{
		OnTicket: func(provider, op, outcome string) {
			m.TicketOpsTotal.WithLabelValues(provider, op, outcome).Inc()
		},
	}
}

// NotifyHooks returns notification sink hooks backed by these metrics.
func (m *Metrics) NotifyHooks() notify.Hooks {
	return notify.Hooks{
		OnNotify: func(provider, outcome string) {
			m.NotificationsTotal.WithLabelValues(provider, outcome).Inc()
		},
	}
}
