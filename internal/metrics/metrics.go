package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_jobs_active",
		Help: "Number of jobs with a running sandbox.",
	})
	JobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_jobs_queued",
		Help: "Number of admitted jobs waiting for a sandbox slot.",
	})
	AcceptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatcher_accepts_total",
		Help: "Total number of jobs accepted on the marketplace.",
	})
	AdmissionSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_admission_skips_total",
		Help: "Jobs skipped at admission by reason.",
	}, []string{"reason"})
	ContainerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_container_starts_total",
		Help: "Sandbox container starts by outcome.",
	}, []string{"outcome"})
	Retirements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_retirements_total",
		Help: "Job retirements by reason.",
	}, []string{"reason"})
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_turns_total",
		Help: "Buyer turns handled by outcome.",
	}, []string{"outcome"})
	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_turn_duration_seconds",
		Help:    "Duration of sandbox chat-completion calls.",
		Buckets: prometheus.DefBuckets,
	})
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_proxy_requests_total",
		Help: "Credential proxy requests by outcome.",
	}, []string{"outcome"})
	ProxyTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_proxy_tokens",
		Help: "Bearer tokens currently registered at the proxy.",
	})
	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_ports_in_use",
		Help: "Sandbox ports currently bound to a container.",
	})
	PortsCooldown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_ports_cooldown",
		Help: "Sandbox ports cooling down before reuse.",
	})
)
