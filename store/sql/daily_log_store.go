package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/podiumlab/tri-integrations/core"
	"github.com/uptrace/bun"
)

type DailyLogStore struct {
	db *bun.DB
}

func NewDailyLogStore(db *bun.DB) (*DailyLogStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DailyLogStore{db: db}, nil
}

func (s *DailyLogStore) Get(ctx context.Context, athleteID string, logDate string) (core.DailyLog, bool, error) {
	if s == nil || s.db == nil {
		return core.DailyLog{}, false, fmt.Errorf("sqlstore: daily log store is not configured")
	}
	record := &dailyLogRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.athlete_id = ?", strings.TrimSpace(athleteID)).
		Where("?TableAlias.log_date = ?", strings.TrimSpace(logDate)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.DailyLog{}, false, nil
		}
		return core.DailyLog{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *DailyLogStore) Create(ctx context.Context, log core.DailyLog) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: daily log store is not configured")
	}
	log.AthleteID = strings.TrimSpace(log.AthleteID)
	log.LogDate = strings.TrimSpace(log.LogDate)
	if log.AthleteID == "" || log.LogDate == "" {
		return fmt.Errorf("sqlstore: athlete id and log date are required")
	}
	now := time.Now().UTC()
	if strings.TrimSpace(log.ID) == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = now
	}
	record := newDailyLogRecord(log, now)
	_, err := s.db.NewInsert().Model(record).Exec(ctx)
	return err
}

// FillMissing only writes columns that are still NULL; values an athlete or
// another provider already recorded win over enrichment.
func (s *DailyLogStore) FillMissing(ctx context.Context, id string, restingHR *int, hrv *float64, sleepHours *float64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: daily log store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: daily log id is required")
	}
	if restingHR == nil && hrv == nil && sleepHours == nil {
		return nil
	}

	query := s.db.NewUpdate().
		Model((*dailyLogRecord)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if restingHR != nil {
		query = query.Set("resting_hr = COALESCE(resting_hr, ?)", *restingHR)
	}
	if hrv != nil {
		query = query.Set("hrv = COALESCE(hrv, ?)", *hrv)
	}
	if sleepHours != nil {
		query = query.Set("sleep_hours = COALESCE(sleep_hours, ?)", *sleepHours)
	}
	_, err := query.Exec(ctx)
	return err
}
