package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_events_total",
			Help: "Events consumed by the processor, by outcome",
		},
		[]string{"outcome"}, // ok, failure, action, invalid
	)

	FilterBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_filter_blocks_total",
			Help: "Notifications suppressed by a filter, by filter name",
		},
		[]string{"filter"},
	)

	NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerting_notifications_total",
			Help: "Notifications generated by the processor",
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_alerts_total",
			Help: "Alerts enqueued for delivery, by transport and rollup type",
		},
		[]string{"transport", "rollup"},
	)

	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alerting_alerts_suppressed_total",
			Help: "Media skipped by the notifier's last-state deduplication",
		},
	)

	DirectorySyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerting_directory_syncs_total",
			Help: "Directory synchronisation runs, by status",
		},
		[]string{"status"},
	)
)

// Serve exposes the Prometheus registry on addr until ctx is cancelled.
// An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("Serving Prometheus metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
}
