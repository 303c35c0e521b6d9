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

type WebhookJobStore struct {
	db *bun.DB
}

func NewWebhookJobStore(db *bun.DB) (*WebhookJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &WebhookJobStore{db: db}, nil
}

func (s *WebhookJobStore) Enqueue(ctx context.Context, provider core.ProviderID, event map[string]any) (core.WebhookJob, error) {
	if s == nil || s.db == nil {
		return core.WebhookJob{}, fmt.Errorf("sqlstore: webhook job store is not configured")
	}
	if strings.TrimSpace(provider.String()) == "" {
		return core.WebhookJob{}, fmt.Errorf("sqlstore: provider is required")
	}
	now := time.Now().UTC()
	record := &webhookJobRecord{
		ID:          uuid.NewString(),
		Provider:    provider.String(),
		EventData:   copyAnyMap(event),
		Status:      string(core.WebhookJobPending),
		Attempts:    0,
		MaxAttempts: core.DefaultWebhookMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return core.WebhookJob{}, err
	}
	return record.toDomain(), nil
}

// ClaimBatch selects due jobs and flips them to processing through a
// conditional update so replicated pollers never hand the same job to two
// workers. A processing row whose claimed_until has lapsed counts as due
// again; its worker is presumed dead.
func (s *WebhookJobStore) ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]core.WebhookJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook job store is not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	if visibility <= 0 {
		visibility = time.Minute
	}
	now := time.Now().UTC()
	claimedUntil := now.Add(visibility)

	var claimed []webhookJobRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var due []webhookJobRecord
		if err := tx.NewSelect().
			Model(&due).
			Column("id").
			WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.
					WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
						return q.
							Where("?TableAlias.status = ?", string(core.WebhookJobPending)).
							WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
								return q.
									Where("?TableAlias.next_attempt_at IS NULL").
									WhereOr("?TableAlias.next_attempt_at <= ?", now)
							})
					}).
					WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
						return q.
							Where("?TableAlias.status = ?", string(core.WebhookJobProcessing)).
							Where("?TableAlias.claimed_until <= ?", now)
					})
			}).
			OrderExpr("?TableAlias.created_at ASC").
			Limit(limit).
			Scan(ctx); err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]string, 0, len(due))
		for _, record := range due {
			ids = append(ids, record.ID)
		}
		rows, err := s.claimByIDs(ctx, tx, ids, now, claimedUntil)
		if err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]core.WebhookJob, 0, len(claimed))
	for i := range claimed {
		jobs = append(jobs, claimed[i].toDomain())
	}
	return jobs, nil
}

// claimByIDs transitions candidate rows to processing, but only rows that
// are still due. Under read committed two pollers can select the same
// pending id; the loser's update re-checks status and claimed_until, so
// RETURNING hands back exactly the rows this claimant won.
func (s *WebhookJobStore) claimByIDs(ctx context.Context, idb bun.IDB, ids []string, now, claimedUntil time.Time) ([]webhookJobRecord, error) {
	var claimed []webhookJobRecord
	err := idb.NewUpdate().
		Model((*webhookJobRecord)(nil)).
		Set("status = ?", string(core.WebhookJobProcessing)).
		Set("claimed_until = ?", claimedUntil).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
					return q.
						Where("status = ?", string(core.WebhookJobPending)).
						WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
							return q.
								Where("next_attempt_at IS NULL").
								WhereOr("next_attempt_at <= ?", now)
						})
				}).
				WhereGroup(" OR ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
					return q.
						Where("status = ?", string(core.WebhookJobProcessing)).
						Where("claimed_until <= ?", now)
				})
		}).
		Returning("*").
		Scan(ctx, &claimed)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *WebhookJobStore) MarkDone(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook job store is not configured")
	}
	_, err := s.db.NewUpdate().
		Model((*webhookJobRecord)(nil)).
		Set("status = ?", string(core.WebhookJobDone)).
		Set("claimed_until = NULL").
		Set("next_attempt_at = NULL").
		Set("last_error = ?", "").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return err
}

func (s *WebhookJobStore) Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook job store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &webhookJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("sqlstore: webhook job not found: id %q", id)
		}
		return err
	}

	attempts := record.Attempts + 1
	status := string(core.WebhookJobPending)
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}

	query := s.db.NewUpdate().
		Model((*webhookJobRecord)(nil)).
		Set("attempts = ?", attempts).
		Set("claimed_until = NULL").
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if attempts >= record.MaxAttempts {
		status = string(core.WebhookJobFailed)
		query = query.Set("next_attempt_at = NULL")
	} else {
		query = query.Set("next_attempt_at = ?", nextAttemptAt.UTC())
	}
	_, err = query.Set("status = ?", status).Exec(ctx)
	return err
}

func (s *WebhookJobStore) Depth(ctx context.Context) (int, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, fmt.Errorf("sqlstore: webhook job store is not configured")
	}
	pending, err := s.db.NewSelect().
		Model((*webhookJobRecord)(nil)).
		Where("?TableAlias.status = ?", string(core.WebhookJobPending)).
		Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	processing, err := s.db.NewSelect().
		Model((*webhookJobRecord)(nil)).
		Where("?TableAlias.status = ?", string(core.WebhookJobProcessing)).
		Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	return pending, processing, nil
}
