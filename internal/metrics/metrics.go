package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/dispatch"
	"github.com/tidilihatim/avolship-sub008/internal/log"
	"github.com/tidilihatim/avolship-sub008/internal/store"
)

type QueueMetrics struct {
	ClaimsTotal         *prometheus.CounterVec
	ReleasesTotal       *prometheus.CounterVec
	LeasesExpiredTotal  prometheus.Counter
	OrdersEnqueuedTotal prometheus.Counter
	OrdersRemovedTotal  prometheus.Counter

	ConnectedSessions  prometheus.Gauge
	UnassignedDepth    prometheus.Gauge
	ActiveLeases       prometheus.Gauge
	EventsDroppedTotal prometheus.Gauge

	registry   *prometheus.Registry
	store      *store.LeaseStore
	dispatcher *dispatch.Dispatcher
	cfg        *config.Config
	logger     *log.Logger
}

func NewQueueMetrics(leaseStore *store.LeaseStore, dispatcher *dispatch.Dispatcher, cfg *config.Config, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assignd_claims_total",
				Help: "Total claim requests by result (granted or rejection reason)",
			},
			[]string{"result"},
		),
		ReleasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assignd_releases_total",
				Help: "Total lease releases by outcome",
			},
			[]string{"outcome"},
		),
		LeasesExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assignd_leases_expired_total",
				Help: "Total leases reclaimed by the sweep",
			},
		),
		OrdersEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assignd_orders_enqueued_total",
				Help: "Total orders entering the assignment pool",
			},
		),
		OrdersRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "assignd_orders_removed_total",
				Help: "Total orders withdrawn from the pool",
			},
		),
		ConnectedSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assignd_connected_sessions",
				Help: "Currently connected agent push sessions",
			},
		),
		UnassignedDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assignd_unassigned_depth",
				Help: "Orders currently waiting for an agent",
			},
		),
		ActiveLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assignd_active_leases",
				Help: "Leases currently held by agents",
			},
		),
		EventsDroppedTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assignd_events_dropped_total",
				Help: "Push events dropped because a session buffer was full",
			},
		),
		registry:   prometheus.NewRegistry(),
		store:      leaseStore,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}

	m.registry.MustRegister(
		m.ClaimsTotal,
		m.ReleasesTotal,
		m.LeasesExpiredTotal,
		m.OrdersEnqueuedTotal,
		m.OrdersRemovedTotal,
		m.ConnectedSessions,
		m.UnassignedDepth,
		m.ActiveLeases,
		m.EventsDroppedTotal,
	)

	return m
}

// Run serves the metrics endpoint and refreshes gauges until ctx ends.
func (m *QueueMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	go m.collect(ctx)

	go func() {
		m.logger.Infow("Metrics server starting", "addr", m.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Errorw("Metrics server failed", "error", err)
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Errorw("Metrics server shutdown failed", "error", err)
	}
}

func (m *QueueMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unassigned, active := m.store.Counts()
			m.UnassignedDepth.Set(float64(unassigned))
			m.ActiveLeases.Set(float64(active))
			m.ConnectedSessions.Set(float64(m.dispatcher.SessionCount()))
			m.EventsDroppedTotal.Set(float64(m.dispatcher.Dropped()))
		}
	}
}
