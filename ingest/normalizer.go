// Package ingest is the single convergence point for provider data: webhook
// jobs, manual syncs, and backfills all land here, and idempotency comes
// from dedup checks rather than delivery ordering.
package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"github.com/podiumlab/tri-integrations/core"
)

// DefaultDedupWindow is the half-width of the same-source window inside
// which two workouts with close start times are treated as one. It absorbs
// clock skew and webhook redelivery without needing provider-unique ids.
const DefaultDedupWindow = 5 * time.Minute

type Normalizer struct {
	workouts  core.WorkoutStore
	metrics   core.MetricStore
	dailyLogs core.DailyLogStore
	logger    core.Logger
	window    time.Duration
}

type Option func(*Normalizer)

func WithDedupWindow(window time.Duration) Option {
	return func(n *Normalizer) {
		if window > 0 {
			n.window = window
		}
	}
}

func New(workouts core.WorkoutStore, metrics core.MetricStore, dailyLogs core.DailyLogStore, logger core.Logger, opts ...Option) (*Normalizer, error) {
	if workouts == nil {
		return nil, fmt.Errorf("ingest: workout store is required")
	}
	if metrics == nil {
		return nil, fmt.Errorf("ingest: metric store is required")
	}
	if dailyLogs == nil {
		return nil, fmt.Errorf("ingest: daily log store is required")
	}
	normalizer := &Normalizer{
		workouts:  workouts,
		metrics:   metrics,
		dailyLogs: dailyLogs,
		logger:    glog.Ensure(logger),
		window:    DefaultDedupWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(normalizer)
		}
	}
	return normalizer, nil
}

// NormalizeAndStore writes activities and metrics for one athlete, skipping
// duplicates and counting per-row failures instead of aborting. The pass is
// not transactional; partial success is reflected in the counters and the
// whole call is safe to retry.
func (n *Normalizer) NormalizeAndStore(
	ctx context.Context,
	activities []core.NormalizedActivity,
	metrics []core.NormalizedHealthMetric,
	athleteID string,
	clubID string,
) (core.IngestResult, error) {
	if n == nil {
		return core.IngestResult{}, fmt.Errorf("ingest: normalizer is not configured")
	}
	if athleteID == "" {
		return core.IngestResult{}, core.NewBadInput("ingest: athlete id is required")
	}

	result := core.IngestResult{}
	for _, activity := range activities {
		if n.storeActivity(ctx, athleteID, clubID, activity) {
			result.WorkoutsInserted++
		} else {
			result.WorkoutsSkipped++
		}
	}
	for _, metric := range metrics {
		if n.storeMetric(ctx, athleteID, clubID, metric) {
			result.MetricsInserted++
		} else {
			result.MetricsSkipped++
		}
	}

	n.enrichDailyLogs(ctx, athleteID, metrics)
	return result, nil
}

func (n *Normalizer) storeActivity(ctx context.Context, athleteID string, clubID string, activity core.NormalizedActivity) bool {
	exists, err := n.workouts.ExistsNear(ctx, athleteID, activity.Source, activity.StartedAt, n.window)
	if err != nil {
		n.logger.Error("workout dedup check failed",
			"athlete_id", athleteID,
			"source", activity.Source.String(),
			"started_at", activity.StartedAt,
			"error", err.Error(),
		)
		return false
	}
	if exists {
		return false
	}
	if err := n.workouts.Insert(ctx, athleteID, clubID, activity); err != nil {
		n.logger.Error("workout insert failed",
			"athlete_id", athleteID,
			"source", activity.Source.String(),
			"started_at", activity.StartedAt,
			"error", err.Error(),
		)
		return false
	}
	return true
}

func (n *Normalizer) storeMetric(ctx context.Context, athleteID string, clubID string, metric core.NormalizedHealthMetric) bool {
	exists, err := n.metrics.Exists(ctx, athleteID, metric.Type, metric.RecordedAt)
	if err != nil {
		n.logger.Error("metric dedup check failed",
			"athlete_id", athleteID,
			"metric_type", string(metric.Type),
			"recorded_at", metric.RecordedAt,
			"error", err.Error(),
		)
		return false
	}
	if exists {
		return false
	}
	if err := n.metrics.Insert(ctx, athleteID, clubID, metric); err != nil {
		n.logger.Error("metric insert failed",
			"athlete_id", athleteID,
			"metric_type", string(metric.Type),
			"recorded_at", metric.RecordedAt,
			"error", err.Error(),
		)
		return false
	}
	return true
}

// wellnessValues are the subset of incoming metrics that seed daily logs.
type wellnessValues struct {
	restingHR  *int
	hrv        *float64
	sleepHours *float64
}

func (v wellnessValues) empty() bool {
	return v.restingHR == nil && v.hrv == nil && v.sleepHours == nil
}

// enrichDailyLogs opportunistically seeds the athlete's wellness row per
// calendar date. Existing values are never overwritten, only nil fields are
// filled; failures are logged and do not affect the ingest counters.
func (n *Normalizer) enrichDailyLogs(ctx context.Context, athleteID string, metrics []core.NormalizedHealthMetric) {
	byDate := map[string]wellnessValues{}
	for _, metric := range metrics {
		date := metric.RecordedAt.UTC().Format("2006-01-02")
		values := byDate[date]
		switch metric.Type {
		case core.MetricRestingHR:
			rounded := int(math.Round(metric.Value))
			values.restingHR = &rounded
		case core.MetricHRV:
			value := metric.Value
			values.hrv = &value
		case core.MetricSleepHours:
			value := metric.Value
			values.sleepHours = &value
		}
		byDate[date] = values
	}

	for date, values := range byDate {
		if values.empty() {
			continue
		}
		existing, found, err := n.dailyLogs.Get(ctx, athleteID, date)
		if err != nil {
			n.logger.Error("daily log lookup failed",
				"athlete_id", athleteID,
				"log_date", date,
				"error", err.Error(),
			)
			continue
		}

		if !found {
			log := core.DailyLog{
				ID:         uuid.NewString(),
				AthleteID:  athleteID,
				LogDate:    date,
				RestingHR:  values.restingHR,
				HRV:        values.hrv,
				SleepHours: values.sleepHours,
			}
			if err := n.dailyLogs.Create(ctx, log); err != nil {
				n.logger.Error("daily log create failed",
					"athlete_id", athleteID,
					"log_date", date,
					"error", err.Error(),
				)
			}
			continue
		}

		if err := n.dailyLogs.FillMissing(ctx, existing.ID, values.restingHR, values.hrv, values.sleepHours); err != nil {
			n.logger.Error("daily log enrichment failed",
				"athlete_id", athleteID,
				"log_date", date,
				"error", err.Error(),
			)
		}
	}
}

var _ core.Normalizer = (*Normalizer)(nil)
