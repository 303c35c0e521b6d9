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

type WorkoutStore struct {
	db   *bun.DB
	repo repository.Repository[*workoutRecord]
}

func NewWorkoutStore(db *bun.DB) (*WorkoutStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*workoutRecord](db, workoutHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid workout repository wiring: %w", err)
		}
	}
	return &WorkoutStore{
		db:   db,
		repo: repo,
	}, nil
}

// ExistsNear is the duplicate gate: providers round start times differently,
// so equality on started_at would miss replays of the same session.
func (s *WorkoutStore) ExistsNear(ctx context.Context, athleteID string, source core.ProviderID, startedAt time.Time, window time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: workout store is not configured")
	}
	if window < 0 {
		window = -window
	}
	from := startedAt.UTC().Add(-window)
	to := startedAt.UTC().Add(window)
	count, err := s.db.NewSelect().
		Model((*workoutRecord)(nil)).
		Where("?TableAlias.athlete_id = ?", strings.TrimSpace(athleteID)).
		Where("?TableAlias.source = ?", source.String()).
		Where("?TableAlias.started_at >= ?", from).
		Where("?TableAlias.started_at <= ?", to).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *WorkoutStore) Insert(ctx context.Context, athleteID string, clubID string, activity core.NormalizedActivity) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: workout store is not configured")
	}
	athleteID = strings.TrimSpace(athleteID)
	if athleteID == "" {
		return fmt.Errorf("sqlstore: athlete id is required")
	}
	record := newWorkoutRecord(athleteID, strings.TrimSpace(clubID), activity, time.Now().UTC())
	record.ID = uuid.NewString()
	_, err := s.repo.Create(ctx, record)
	return err
}
