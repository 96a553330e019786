package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ErrMeterNil is returned when a metrics set is built without a meter.
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

const defaultCollectInterval = 5 * time.Minute

// CorrelationStatsProvider supplies the aggregates behind the periodic gauges.
type CorrelationStatsProvider interface {
	// CorrelationsByConnection returns the number of linked records per connection.
	CorrelationsByConnection(ctx context.Context) (map[uuid.UUID]int64, error)

	// FailuresSince returns failed sync log entries per connection newer than since.
	FailuresSince(ctx context.Context, since time.Time) (map[uuid.UUID]int64, error)
}

// SyncMetrics records sync engine activity. A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	logger *zap.Logger

	recordsTotal      *Counter
	passesTotal       *Counter
	passDuration      *Histogram
	providerRequests  *Counter
	providerDuration  *Histogram
	correlationsGauge *Gauge
	failuresGauge     *Gauge

	stats       CorrelationStatsProvider
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once
}

// SyncMetricsConfig holds configuration for sync metrics.
type SyncMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
	Stats  CorrelationStatsProvider
}

// NewSyncMetrics registers the sync instruments on cfg.Meter.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &SyncMetrics{
		logger:   logger.Named("sync_metrics"),
		stats:    cfg.Stats,
		stopChan: make(chan struct{}),
	}

	var err error
	if sm.recordsTotal, err = NewCounter(cfg.Meter,
		"crmsync_records_total", "Records processed by sync passes", "{records}"); err != nil {
		return nil, err
	}
	if sm.passesTotal, err = NewCounter(cfg.Meter,
		"crmsync_passes_total", "Completed sync passes", "{passes}"); err != nil {
		return nil, err
	}
	if sm.passDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "crmsync_pass_duration_seconds",
		Description: "Sync pass duration",
		Unit:        "s",
		Boundaries:  SyncPassBuckets,
	}); err != nil {
		return nil, err
	}
	if sm.providerRequests, err = NewCounter(cfg.Meter,
		"crmsync_provider_requests_total", "Requests sent to CRM providers", "{requests}"); err != nil {
		return nil, err
	}
	if sm.providerDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "crmsync_provider_request_duration_seconds",
		Description: "CRM provider request latency",
		Unit:        "s",
		Boundaries:  HTTPDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if sm.correlationsGauge, err = NewGauge(cfg.Meter,
		"crmsync_correlations", "Linked local/remote record pairs", "{records}"); err != nil {
		return nil, err
	}
	if sm.failuresGauge, err = NewGauge(cfg.Meter,
		"crmsync_recent_failures", "Failed sync log entries in the last collection window", "{records}"); err != nil {
		return nil, err
	}
	return sm, nil
}

// RecordRecordOutcome counts one record-level sync outcome.
func (sm *SyncMetrics) RecordRecordOutcome(ctx context.Context, direction, action, status string) {
	if sm == nil {
		return
	}
	sm.recordsTotal.Inc(ctx,
		AttrDirection.String(direction),
		AttrAction.String(action),
		AttrStatus.String(status),
	)
}

// RecordPass counts a finished pass and its duration.
func (sm *SyncMetrics) RecordPass(ctx context.Context, pass string, success bool, d time.Duration) {
	if sm == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	sm.passesTotal.Inc(ctx, AttrPass.String(pass), AttrOutcome.String(outcome))
	sm.passDuration.RecordDuration(ctx, d, AttrPass.String(pass))
}

// RecordProviderRequest counts one provider API call. statusCode is 0 for transport errors.
func (sm *SyncMetrics) RecordProviderRequest(ctx context.Context, provider, operation string, statusCode int, d time.Duration) {
	if sm == nil {
		return
	}
	sm.providerRequests.Inc(ctx,
		AttrProvider.String(provider),
		AttrDBOperation.String(operation),
		AttrHTTPStatusCode.Int(statusCode),
	)
	sm.providerDuration.RecordDuration(ctx, d, AttrProvider.String(provider), AttrDBOperation.String(operation))
}

// -----------------------------------------------------------------------------
// Periodic collection
// -----------------------------------------------------------------------------

// StartPeriodicCollection samples the gauges every interval until Stop or ctx ends.
func (sm *SyncMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	if sm == nil || sm.stats == nil {
		return
	}
	sm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = defaultCollectInterval
		}
		go sm.runPeriodicCollection(ctx, interval)
	})
}

func (sm *SyncMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sm.collect(ctx, interval)
	for {
		select {
		case <-sm.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.collect(ctx, interval)
		}
	}
}

func (sm *SyncMetrics) collect(ctx context.Context, window time.Duration) {
	counts, err := sm.stats.CorrelationsByConnection(ctx)
	if err != nil {
		sm.logger.Warn("Failed to collect correlation counts", zap.Error(err))
	} else {
		for connID, n := range counts {
			sm.correlationsGauge.Record(ctx, n, AttrConnectionID.String(connID.String()))
		}
	}

	failures, err := sm.stats.FailuresSince(ctx, time.Now().Add(-window))
	if err != nil {
		sm.logger.Warn("Failed to collect sync failures", zap.Error(err))
		return
	}
	for connID, n := range failures {
		sm.failuresGauge.Record(ctx, n, AttrConnectionID.String(connID.String()))
	}
}

// Stop ends periodic collection.
func (sm *SyncMetrics) Stop() {
	if sm == nil {
		return
	}
	sm.stopOnce.Do(func() { close(sm.stopChan) })
}
