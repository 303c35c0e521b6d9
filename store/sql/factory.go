package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/podiumlab/tri-integrations/core"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL-backed store from one bun handle so
// the composition root wires persistence in a single call.
type RepositoryFactory struct {
	db *bun.DB

	accountStore      *AccountStore
	workoutStore      *WorkoutStore
	healthMetricStore *HealthMetricStore
	dailyLogStore     *DailyLogStore
	webhookJobStore   *WebhookJobStore
	syncHistoryStore  *SyncHistoryStore
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.accountStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) AccountStore() core.AccountStore {
	if f == nil {
		return nil
	}
	return f.accountStore
}

func (f *RepositoryFactory) WorkoutStore() core.WorkoutStore {
	if f == nil {
		return nil
	}
	return f.workoutStore
}

func (f *RepositoryFactory) HealthMetricStore() core.MetricStore {
	if f == nil {
		return nil
	}
	return f.healthMetricStore
}

func (f *RepositoryFactory) DailyLogStore() core.DailyLogStore {
	if f == nil {
		return nil
	}
	return f.dailyLogStore
}

func (f *RepositoryFactory) WebhookJobStore() core.WebhookJobStore {
	if f == nil {
		return nil
	}
	return f.webhookJobStore
}

func (f *RepositoryFactory) SyncHistoryStore() core.SyncHistoryStore {
	if f == nil {
		return nil
	}
	return f.syncHistoryStore
}

func (f *RepositoryFactory) initStores() error {
	accountStore, err := NewAccountStore(f.db)
	if err != nil {
		return err
	}
	f.accountStore = accountStore

	workoutStore, err := NewWorkoutStore(f.db)
	if err != nil {
		return err
	}
	f.workoutStore = workoutStore

	healthMetricStore, err := NewHealthMetricStore(f.db)
	if err != nil {
		return err
	}
	f.healthMetricStore = healthMetricStore

	dailyLogStore, err := NewDailyLogStore(f.db)
	if err != nil {
		return err
	}
	f.dailyLogStore = dailyLogStore

	webhookJobStore, err := NewWebhookJobStore(f.db)
	if err != nil {
		return err
	}
	f.webhookJobStore = webhookJobStore

	syncHistoryStore, err := NewSyncHistoryStore(f.db)
	if err != nil {
		return err
	}
	f.syncHistoryStore = syncHistoryStore

	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
