package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/podiumlab/tri-integrations/core"
	"github.com/uptrace/bun"
)

type HealthMetricStore struct {
	db   *bun.DB
	repo repository.Repository[*healthMetricRecord]
}

func NewHealthMetricStore(db *bun.DB) (*HealthMetricStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*healthMetricRecord](db, healthMetricHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid health metric repository wiring: %w", err)
		}
	}
	return &HealthMetricStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *HealthMetricStore) Exists(ctx context.Context, athleteID string, metricType core.MetricType, recordedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: health metric store is not configured")
	}
	count, err := s.db.NewSelect().
		Model((*healthMetricRecord)(nil)).
		Where("?TableAlias.athlete_id = ?", strings.TrimSpace(athleteID)).
		Where("?TableAlias.metric_type = ?", string(metricType)).
		Where("?TableAlias.recorded_at = ?", recordedAt.UTC()).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *HealthMetricStore) Insert(ctx context.Context, athleteID string, clubID string, metric core.NormalizedHealthMetric) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: health metric store is not configured")
	}
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" {
		return fmt.Errorf("sqlstore: athlete id is required")
	}
	record := newHealthMetricRecord(athleteID, strings.TrimSpace(clubID), metric, time.Now().UTC())
	record.ID = uuid.NewString()
	_, err := s.repo.Create(ctx, record)
	return err
}
