package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Adapter is the uniform capability surface every provider implements.
// Webhook verification happens before enqueue; fetches happen after a fresh
// access token has been resolved by the token manager.
type Adapter interface {
	Provider() ProviderID

	BuildAuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	RevokeAccess(ctx context.Context, accessToken string) error

	VerifyWebhook(headers map[string]string, body []byte) bool
	ExtractOwnerID(event map[string]any) string
	ExtractActivityID(event map[string]any) string

	FetchActivity(ctx context.Context, accessToken string, activityID string) (NormalizedActivity, error)
	FetchActivities(ctx context.Context, accessToken string, since time.Time, limit int) ([]NormalizedActivity, error)
}

// HealthFetcher is an optional adapter capability; not every provider
// exposes daily health data.
type HealthFetcher interface {
	FetchHealthData(ctx context.Context, accessToken string, date time.Time) ([]NormalizedHealthMetric, error)
}

// EventFilter is an optional adapter capability for providers that push
// event kinds this pipeline does not ingest; verified deliveries it declines
// are acknowledged as ignored instead of enqueued.
type EventFilter interface {
	ShouldProcess(event map[string]any) bool
}

type Registry interface {
	Register(adapter Adapter) error
	Get(provider string) (Adapter, error)
	Names() []string
}

// TokenCipher encrypts OAuth tokens at rest. LooksEncrypted supports the
// migration window where legacy rows still hold plaintext tokens.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	LooksEncrypted(value string) bool
}

// StateSigner issues and checks the signed OAuth state tokens used for CSRF
// protection. Verify reports ok=false for any malformed, expired, or
// tampered state; it never panics on hostile input.
type StateSigner interface {
	Create(athleteID string) (string, error)
	Verify(state string) (athleteID string, ok bool)
}

type AccountStore interface {
	Upsert(ctx context.Context, account ConnectedAccount) (ConnectedAccount, error)
	GetByAthlete(ctx context.Context, athleteID string, provider ProviderID) (ConnectedAccount, error)
	GetByProviderUID(ctx context.Context, provider ProviderID, providerUID string) (ConnectedAccount, error)
	ListByAthlete(ctx context.Context, athleteID string) ([]ConnectedAccount, error)
	UpdateTokens(ctx context.Context, id string, accessCiphertext string, refreshCiphertext string, expires *time.Time) error
	TouchLastSync(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, athleteID string, provider ProviderID) error
}

type WorkoutStore interface {
	// ExistsNear reports whether the athlete already has a workout from the
	// same source within the window around startedAt.
	ExistsNear(ctx context.Context, athleteID string, source ProviderID, startedAt time.Time, window time.Duration) (bool, error)
	Insert(ctx context.Context, athleteID string, clubID string, activity NormalizedActivity) error
}

type MetricStore interface {
	Exists(ctx context.Context, athleteID string, metricType MetricType, recordedAt time.Time) (bool, error)
	Insert(ctx context.Context, athleteID string, clubID string, metric NormalizedHealthMetric) error
}

type DailyLogStore interface {
	Get(ctx context.Context, athleteID string, logDate string) (DailyLog, bool, error)
	Create(ctx context.Context, log DailyLog) error
	// FillMissing persists only the fields that are nil on the stored row.
	FillMissing(ctx context.Context, id string, restingHR *int, hrv *float64, sleepHours *float64) error
}

type WebhookJobStore interface {
	Enqueue(ctx context.Context, provider ProviderID, event map[string]any) (WebhookJob, error)
	// ClaimBatch atomically flips up to limit due pending jobs to processing
	// and hides them from other claimants until the visibility timeout
	// elapses. Correct under replicated pollers.
	ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]WebhookJob, error)
	MarkDone(ctx context.Context, id string) error
	// Fail increments attempts and either schedules a retry at nextAttemptAt
	// or, past max_attempts, marks the job terminally failed.
	Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time) error
	Depth(ctx context.Context) (pending int, processing int, err error)
}

type SyncHistoryStore interface {
	Append(ctx context.Context, entry SyncHistoryEntry) error
	List(ctx context.Context, athleteID string, provider ProviderID, limit int) ([]SyncHistoryEntry, error)
}

// Normalizer is implemented by the ingest package; core depends on the
// contract so the orchestrator and queue poller share one ingestion path.
type Normalizer interface {
	NormalizeAndStore(
		ctx context.Context,
		activities []NormalizedActivity,
		metrics []NormalizedHealthMetric,
		athleteID string,
		clubID string,
	) (IngestResult, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
