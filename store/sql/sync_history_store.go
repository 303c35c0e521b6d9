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

const defaultHistoryLimit = 50

type SyncHistoryStore struct {
	db   *bun.DB
	repo repository.Repository[*syncHistoryRecord]
}

func NewSyncHistoryStore(db *bun.DB) (*SyncHistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*syncHistoryRecord](db, syncHistoryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid sync history repository wiring: %w", err)
		}
	}
	return &SyncHistoryStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *SyncHistoryStore) Append(ctx context.Context, entry core.SyncHistoryEntry) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: sync history store is not configured")
	}
	entry.AthleteID = strings.TrimSpace(entry.AthleteID)
	if entry.AthleteID == "" {
		return fmt.Errorf("sqlstore: athlete id is required")
	}
	if strings.TrimSpace(entry.Provider.String()) == "" {
		return fmt.Errorf("sqlstore: provider is required")
	}
	record := newSyncHistoryRecord(entry, time.Now().UTC())
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	_, err := s.repo.Create(ctx, record)
	return err
}

func (s *SyncHistoryStore) List(ctx context.Context, athleteID string, provider core.ProviderID, limit int) ([]core.SyncHistoryEntry, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: sync history store is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("athlete_id", "=", strings.TrimSpace(athleteID)),
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if strings.TrimSpace(provider.String()) != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", provider.String()))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.SyncHistoryEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ core.SyncHistoryStore = (*SyncHistoryStore)(nil)
