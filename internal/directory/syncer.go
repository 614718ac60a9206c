package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-engine/pkg/metrics"
)

// DefaultInterval is the time between directory synchronisations.
const DefaultInterval = time.Minute

// MetricsRecorder records synchronisation metrics.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(duration time.Duration)
	RecordPublished()
	RecordError()
	IncrementCustom(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordReceived()               {}
func (noopMetrics) RecordProcessed(time.Duration) {}
func (noopMetrics) RecordPublished()              {}
func (noopMetrics) RecordError()                  {}
func (noopMetrics) IncrementCustom(string)        {}

// Syncer periodically loads the directory and applies it.
type Syncer struct {
	loader   Loader
	applier  *Applier
	interval time.Duration
	metrics  MetricsRecorder
}

// NewSyncer creates a syncer. A non-positive interval uses DefaultInterval.
func NewSyncer(loader Loader, applier *Applier, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Syncer{loader: loader, applier: applier, interval: interval, metrics: noopMetrics{}}
}

// SetMetrics sets the metrics recorder. A nil recorder disables metrics.
func (s *Syncer) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// SyncOnce loads the directory and applies it.
func (s *Syncer) SyncOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	s.metrics.RecordReceived()

	snap, err := s.loader.Load(ctx)
	if err != nil {
		s.metrics.RecordError()
		metrics.DirectorySyncsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	res, err := s.applier.Apply(ctx, snap)
	if err != nil {
		s.metrics.RecordError()
		metrics.DirectorySyncsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	s.metrics.RecordProcessed(time.Since(start))
	s.metrics.RecordPublished()
	metrics.DirectorySyncsTotal.WithLabelValues("success").Inc()
	return res, nil
}

// Run synchronises immediately and then on every interval until ctx is cancelled.
// Failed runs are logged and retried on the next tick.
func (s *Syncer) Run(ctx context.Context) error {
	slog.Info("Starting directory sync loop", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("Directory sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("Directory sync loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
