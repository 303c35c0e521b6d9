package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/podiumlab/tri-integrations/core"
	"github.com/uptrace/bun"
)

type AccountStore struct {
	db   *bun.DB
	repo repository.Repository[*accountRecord]
}

func NewAccountStore(db *bun.DB) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*accountRecord](db, accountHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid account repository wiring: %w", err)
		}
	}
	return &AccountStore{
		db:   db,
		repo: repo,
	}, nil
}

// Upsert keys on the (athlete, provider) pair: reconnecting replaces the
// stored tokens instead of creating a second row.
func (s *AccountStore) Upsert(ctx context.Context, account core.ConnectedAccount) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	account.AthleteID = strings.TrimSpace(account.AthleteID)
	if account.AthleteID == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: athlete id is required")
	}
	if strings.TrimSpace(account.Provider.String()) == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: provider is required")
	}
	if strings.TrimSpace(account.AccessToken) == "" {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: access token is required")
	}

	now := time.Now().UTC()
	inserting := false
	existing, err := s.GetByAthlete(ctx, account.AthleteID, account.Provider)
	switch {
	case err == nil:
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	case errors.Is(err, core.ErrAccountNotFound):
		inserting = true
		account.ID = uuid.NewString()
		account.CreatedAt = now
	default:
		return core.ConnectedAccount{}, err
	}

	record := newAccountRecord(account, now)
	if inserting {
		if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return core.ConnectedAccount{}, fmt.Errorf("sqlstore: concurrent connect for athlete %q provider %q", account.AthleteID, account.Provider)
			}
			return core.ConnectedAccount{}, err
		}
		return record.toDomain(), nil
	}

	if _, err := s.db.NewUpdate().
		Model(record).
		Where("id = ?", record.ID).
		Exec(ctx); err != nil {
		return core.ConnectedAccount{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) GetByAthlete(ctx context.Context, athleteID string, provider core.ProviderID) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	record := &accountRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.athlete_id = ?", strings.TrimSpace(athleteID)).
		Where("?TableAlias.provider = ?", provider.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.ConnectedAccount{}, fmt.Errorf("%w: athlete %q provider %q", core.ErrAccountNotFound, athleteID, provider)
		}
		return core.ConnectedAccount{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) GetByProviderUID(ctx context.Context, provider core.ProviderID, providerUID string) (core.ConnectedAccount, error) {
	if s == nil || s.db == nil {
		return core.ConnectedAccount{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	record := &accountRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", provider.String()).
		Where("?TableAlias.provider_user_id = ?", strings.TrimSpace(providerUID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.ConnectedAccount{}, fmt.Errorf("%w: provider %q uid %q", core.ErrAccountNotFound, provider, providerUID)
		}
		return core.ConnectedAccount{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) ListByAthlete(ctx context.Context, athleteID string) ([]core.ConnectedAccount, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: account store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("athlete_id", "=", strings.TrimSpace(athleteID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.ConnectedAccount, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *AccountStore) UpdateTokens(ctx context.Context, id string, accessCiphertext string, refreshCiphertext string, expires *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: account id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("access_token = ?", accessCiphertext).
		Set("refresh_token = ?", refreshCiphertext).
		Set("token_expires_at = ?", cloneTime(expires)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(result, fmt.Errorf("%w: id %q", core.ErrAccountNotFound, id))
}

func (s *AccountStore) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: account id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("last_sync_at = ?", at.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (s *AccountStore) Delete(ctx context.Context, athleteID string, provider core.ProviderID) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*accountRecord)(nil)).
		Where("athlete_id = ?", strings.TrimSpace(athleteID)).
		Where("provider = ?", provider.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(result, fmt.Errorf("%w: athlete %q provider %q", core.ErrAccountNotFound, athleteID, provider))
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

func requireAffected(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
