package core

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ProviderID identifies an external fitness-data source.
type ProviderID string

const (
	ProviderStrava ProviderID = "strava"
	ProviderGarmin ProviderID = "garmin"
	ProviderPolar  ProviderID = "polar"
	ProviderWahoo  ProviderID = "wahoo"
)

func ParseProviderID(value string) (ProviderID, error) {
	normalized := ProviderID(strings.TrimSpace(strings.ToLower(value)))
	switch normalized {
	case ProviderStrava, ProviderGarmin, ProviderPolar, ProviderWahoo:
		return normalized, nil
	}
	return "", fmt.Errorf("core: unknown provider %q", value)
}

func (p ProviderID) String() string {
	return string(p)
}

// ActivityType is the platform's six-way workout classification.
type ActivityType string

const (
	ActivitySwim     ActivityType = "SWIM"
	ActivityBike     ActivityType = "BIKE"
	ActivityRun      ActivityType = "RUN"
	ActivityStrength ActivityType = "STRENGTH"
	ActivityYoga     ActivityType = "YOGA"
	ActivityOther    ActivityType = "OTHER"
)

// MetricType classifies a health/wellness sample.
type MetricType string

const (
	MetricRestingHR      MetricType = "RESTING_HR"
	MetricSteps          MetricType = "STEPS"
	MetricActiveCalories MetricType = "ACTIVE_CALORIES"
	MetricSleepHours     MetricType = "SLEEP_HOURS"
	MetricHRV            MetricType = "HRV"
)

// Principal is the already-authenticated caller; the JWT layer upstream
// resolves it before any request reaches this module.
type Principal struct {
	AthleteID string
	ClubID    string
}

func (p Principal) Validate() error {
	if strings.TrimSpace(p.AthleteID) == "" {
		return fmt.Errorf("core: athlete id is required")
	}
	return nil
}

// ConnectedAccount is the durable link between an athlete and a provider.
// Token fields hold ciphertext at rest; a nil TokenExpires means the
// provider's tokens never expire.
type ConnectedAccount struct {
	ID           string
	AthleteID    string
	ClubID       string
	Provider     ProviderID
	AccessToken  string
	RefreshToken string
	TokenExpires *time.Time
	ProviderUID  string
	Scopes       []string
	LastSyncAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenGrant is the result of an OAuth code exchange or token refresh.
type TokenGrant struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      *time.Time
	ProviderUserID string
	Scopes         []string
}

// NormalizedActivity is the provider-agnostic workout shape. It is ephemeral:
// adapters construct it per fetch and the normalizer consumes it immediately.
// Pointer fields are nil when the provider did not record the value, which is
// distinct from a recorded zero.
type NormalizedActivity struct {
	Type       ActivityType
	Source     ProviderID
	StartedAt  time.Time
	DurationS  int
	DistanceM  *float64
	AvgHR      *int
	MaxHR      *int
	AvgPaceSKm *int
	AvgPowerW  *int
	Calories   *int
	TSS        *float64
	RawData    map[string]any
	Notes      string
}

// DerivePace fills AvgPaceSKm from duration and distance when both are known.
func (a *NormalizedActivity) DerivePace() {
	if a == nil || a.AvgPaceSKm != nil {
		return
	}
	if a.DistanceM == nil || *a.DistanceM <= 0 || a.DurationS <= 0 {
		return
	}
	pace := int(math.Round(float64(a.DurationS) / (*a.DistanceM / 1000)))
	a.AvgPaceSKm = &pace
}

// NormalizedHealthMetric is the provider-agnostic health sample, same
// ephemeral lifecycle as NormalizedActivity.
type NormalizedHealthMetric struct {
	Type       MetricType
	Value      float64
	Unit       string
	RecordedAt time.Time
	Source     ProviderID
	RawData    map[string]any
}

// DailyLog is the athlete's per-date wellness row. Enrichment from incoming
// metrics fills only nil fields, never values a human or another source set.
type DailyLog struct {
	ID         string
	AthleteID  string
	LogDate    string // YYYY-MM-DD, UTC
	RestingHR  *int
	HRV        *float64
	SleepHours *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type WebhookJobStatus string

const (
	WebhookJobPending    WebhookJobStatus = "pending"
	WebhookJobProcessing WebhookJobStatus = "processing"
	WebhookJobDone       WebhookJobStatus = "done"
	WebhookJobFailed     WebhookJobStatus = "failed"
)

// DefaultWebhookMaxAttempts bounds retries before a job is terminally failed.
const DefaultWebhookMaxAttempts = 3

// WebhookJob is a durable at-least-once unit of webhook work.
type WebhookJob struct {
	ID            string
	Provider      ProviderID
	EventData     map[string]any
	Status        WebhookJobStatus
	Attempts      int
	MaxAttempts   int
	ClaimedUntil  *time.Time
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SyncEventType string

const (
	SyncEventWebhook  SyncEventType = "webhook"
	SyncEventManual   SyncEventType = "manual"
	SyncEventBackfill SyncEventType = "backfill"
)

type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncHistoryEntry is an append-only audit record of one ingestion pass.
type SyncHistoryEntry struct {
	ID            string
	AthleteID     string
	Provider      ProviderID
	EventType     SyncEventType
	Status        SyncStatus
	WorkoutsAdded int
	MetricsAdded  int
	ErrorMessage  string
	DurationMs    int64
	CreatedAt     time.Time
}

// IngestResult summarizes one normalize-and-store pass. Partial success is
// expected; callers treat the operation as best effort, idempotent on retry.
type IngestResult struct {
	WorkoutsInserted int
	WorkoutsSkipped  int
	MetricsInserted  int
	MetricsSkipped   int
}

func (r IngestResult) Add(other IngestResult) IngestResult {
	return IngestResult{
		WorkoutsInserted: r.WorkoutsInserted + other.WorkoutsInserted,
		WorkoutsSkipped:  r.WorkoutsSkipped + other.WorkoutsSkipped,
		MetricsInserted:  r.MetricsInserted + other.MetricsInserted,
		MetricsSkipped:   r.MetricsSkipped + other.MetricsSkipped,
	}
}
