package sqlstore

import (
	"time"

	"github.com/podiumlab/tri-integrations/core"
)

func newAccountRecord(account core.ConnectedAccount, now time.Time) *accountRecord {
	return &accountRecord{
		ID:             account.ID,
		AthleteID:      account.AthleteID,
		ClubID:         account.ClubID,
		Provider:       account.Provider.String(),
		AccessToken:    account.AccessToken,
		RefreshToken:   account.RefreshToken,
		TokenExpiresAt: cloneTime(account.TokenExpires),
		ProviderUserID: account.ProviderUID,
		Scopes:         cloneStrings(account.Scopes),
		LastSyncAt:     cloneTime(account.LastSyncAt),
		CreatedAt:      account.CreatedAt,
		UpdatedAt:      now,
	}
}

func (r *accountRecord) toDomain() core.ConnectedAccount {
	if r == nil {
		return core.ConnectedAccount{}
	}
	return core.ConnectedAccount{
		ID:           r.ID,
		AthleteID:    r.AthleteID,
		ClubID:       r.ClubID,
		Provider:     core.ProviderID(r.Provider),
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenExpires: cloneTime(r.TokenExpiresAt),
		ProviderUID:  r.ProviderUserID,
		Scopes:       cloneStrings(r.Scopes),
		LastSyncAt:   cloneTime(r.LastSyncAt),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func newWorkoutRecord(athleteID string, clubID string, activity core.NormalizedActivity, now time.Time) *workoutRecord {
	return &workoutRecord{
		AthleteID:       athleteID,
		ClubID:          clubID,
		ActivityType:    string(activity.Type),
		Source:          activity.Source.String(),
		StartedAt:       activity.StartedAt.UTC(),
		DurationSeconds: activity.DurationS,
		DistanceMeters:  cloneFloat(activity.DistanceM),
		AvgHeartRate:    cloneInt(activity.AvgHR),
		MaxHeartRate:    cloneInt(activity.MaxHR),
		AvgPaceSecPerKm: cloneInt(activity.AvgPaceSKm),
		AvgPowerWatts:   cloneInt(activity.AvgPowerW),
		Calories:        cloneInt(activity.Calories),
		TrainingStress:  cloneFloat(activity.TSS),
		Notes:           activity.Notes,
		RawData:         copyAnyMap(activity.RawData),
		CreatedAt:       now,
	}
}

func newHealthMetricRecord(athleteID string, clubID string, metric core.NormalizedHealthMetric, now time.Time) *healthMetricRecord {
	return &healthMetricRecord{
		AthleteID:  athleteID,
		ClubID:     clubID,
		MetricType: string(metric.Type),
		Value:      metric.Value,
		Unit:       metric.Unit,
		RecordedAt: metric.RecordedAt.UTC(),
		Source:     metric.Source.String(),
		RawData:    copyAnyMap(metric.RawData),
		CreatedAt:  now,
	}
}

func newDailyLogRecord(log core.DailyLog, now time.Time) *dailyLogRecord {
	return &dailyLogRecord{
		ID:         log.ID,
		AthleteID:  log.AthleteID,
		LogDate:    log.LogDate,
		RestingHR:  cloneInt(log.RestingHR),
		HRV:        cloneFloat(log.HRV),
		SleepHours: cloneFloat(log.SleepHours),
		CreatedAt:  log.CreatedAt,
		UpdatedAt:  now,
	}
}

func (r *dailyLogRecord) toDomain() core.DailyLog {
	if r == nil {
		return core.DailyLog{}
	}
	return core.DailyLog{
		ID:         r.ID,
		AthleteID:  r.AthleteID,
		LogDate:    r.LogDate,
		RestingHR:  cloneInt(r.RestingHR),
		HRV:        cloneFloat(r.HRV),
		SleepHours: cloneFloat(r.SleepHours),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (r *webhookJobRecord) toDomain() core.WebhookJob {
	if r == nil {
		return core.WebhookJob{}
	}
	return core.WebhookJob{
		ID:            r.ID,
		Provider:      core.ProviderID(r.Provider),
		EventData:     copyAnyMap(r.EventData),
		Status:        core.WebhookJobStatus(r.Status),
		Attempts:      r.Attempts,
		MaxAttempts:   r.MaxAttempts,
		ClaimedUntil:  cloneTime(r.ClaimedUntil),
		NextAttemptAt: cloneTime(r.NextAttemptAt),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func newSyncHistoryRecord(entry core.SyncHistoryEntry, now time.Time) *syncHistoryRecord {
	return &syncHistoryRecord{
		ID:            entry.ID,
		AthleteID:     entry.AthleteID,
		Provider:      entry.Provider.String(),
		EventType:     string(entry.EventType),
		Status:        string(entry.Status),
		WorkoutsAdded: entry.WorkoutsAdded,
		MetricsAdded:  entry.MetricsAdded,
		ErrorMessage:  entry.ErrorMessage,
		DurationMs:    entry.DurationMs,
		CreatedAt:     now,
	}
}

func (r *syncHistoryRecord) toDomain() core.SyncHistoryEntry {
	if r == nil {
		return core.SyncHistoryEntry{}
	}
	return core.SyncHistoryEntry{
		ID:            r.ID,
		AthleteID:     r.AthleteID,
		Provider:      core.ProviderID(r.Provider),
		EventType:     core.SyncEventType(r.EventType),
		Status:        core.SyncStatus(r.Status),
		WorkoutsAdded: r.WorkoutsAdded,
		MetricsAdded:  r.MetricsAdded,
		ErrorMessage:  r.ErrorMessage,
		DurationMs:    r.DurationMs,
		CreatedAt:     r.CreatedAt,
	}
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	return append([]string(nil), values...)
}

func copyAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(values))
	for key, value := range values {
		copied[key] = value
	}
	return copied
}
