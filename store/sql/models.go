package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type accountRecord struct {
	bun.BaseModel `bun:"table:connected_accounts,alias:ca"`

	ID             string     `bun:"id,pk"`
	AthleteID      string     `bun:"athlete_id,notnull"`
	ClubID         string     `bun:"club_id"`
	Provider       string     `bun:"provider,notnull"`
	AccessToken    string     `bun:"access_token,notnull"`
	RefreshToken   string     `bun:"refresh_token"`
	TokenExpiresAt *time.Time `bun:"token_expires_at,nullzero"`
	ProviderUserID string     `bun:"provider_user_id"`
	Scopes         []string   `bun:"scopes,type:jsonb,notnull"`
	LastSyncAt     *time.Time `bun:"last_sync_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type workoutRecord struct {
	bun.BaseModel `bun:"table:workouts,alias:w"`

	ID              string         `bun:"id,pk"`
	AthleteID       string         `bun:"athlete_id,notnull"`
	ClubID          string         `bun:"club_id"`
	ActivityType    string         `bun:"activity_type,notnull"`
	Source          string         `bun:"source,notnull"`
	StartedAt       time.Time      `bun:"started_at,notnull"`
	DurationSeconds int            `bun:"duration_seconds,notnull"`
	DistanceMeters  *float64       `bun:"distance_meters"`
	AvgHeartRate    *int           `bun:"avg_heart_rate"`
	MaxHeartRate    *int           `bun:"max_heart_rate"`
	AvgPaceSecPerKm *int           `bun:"avg_pace_sec_per_km"`
	AvgPowerWatts   *int           `bun:"avg_power_watts"`
	Calories        *int           `bun:"calories"`
	TrainingStress  *float64       `bun:"training_stress"`
	Notes           string         `bun:"notes"`
	RawData         map[string]any `bun:"raw_data,type:jsonb"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type healthMetricRecord struct {
	bun.BaseModel `bun:"table:health_metrics,alias:hm"`

	ID         string         `bun:"id,pk"`
	AthleteID  string         `bun:"athlete_id,notnull"`
	ClubID     string         `bun:"club_id"`
	MetricType string         `bun:"metric_type,notnull"`
	Value      float64        `bun:"value,notnull"`
	Unit       string         `bun:"unit"`
	RecordedAt time.Time      `bun:"recorded_at,notnull"`
	Source     string         `bun:"source,notnull"`
	RawData    map[string]any `bun:"raw_data,type:jsonb"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type dailyLogRecord struct {
	bun.BaseModel `bun:"table:daily_logs,alias:dl"`

	ID         string    `bun:"id,pk"`
	AthleteID  string    `bun:"athlete_id,notnull"`
	LogDate    string    `bun:"log_date,notnull"`
	RestingHR  *int      `bun:"resting_hr"`
	HRV        *float64  `bun:"hrv"`
	SleepHours *float64  `bun:"sleep_hours"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookJobRecord struct {
	bun.BaseModel `bun:"table:webhook_queue,alias:wq"`

	ID            string         `bun:"id,pk"`
	Provider      string         `bun:"provider,notnull"`
	EventData     map[string]any `bun:"event_data,type:jsonb,notnull"`
	Status        string         `bun:"status,notnull"`
	Attempts      int            `bun:"attempts,notnull"`
	MaxAttempts   int            `bun:"max_attempts,notnull"`
	ClaimedUntil  *time.Time     `bun:"claimed_until,nullzero"`
	NextAttemptAt *time.Time     `bun:"next_attempt_at,nullzero"`
	LastError     string         `bun:"last_error"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type syncHistoryRecord struct {
	bun.BaseModel `bun:"table:sync_history,alias:sh"`

	ID            string    `bun:"id,pk"`
	AthleteID     string    `bun:"athlete_id,notnull"`
	Provider      string    `bun:"provider,notnull"`
	EventType     string    `bun:"event_type,notnull"`
	Status        string    `bun:"status,notnull"`
	WorkoutsAdded int       `bun:"workouts_added,notnull"`
	MetricsAdded  int       `bun:"metrics_added,notnull"`
	ErrorMessage  string    `bun:"error_message"`
	DurationMs    int64     `bun:"duration_ms,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
