package sqlstore

import "github.com/podiumlab/tri-integrations/core"

var (
	_ core.AccountStore    = (*AccountStore)(nil)
	_ core.WorkoutStore    = (*WorkoutStore)(nil)
	_ core.MetricStore     = (*HealthMetricStore)(nil)
	_ core.DailyLogStore   = (*DailyLogStore)(nil)
	_ core.WebhookJobStore = (*WebhookJobStore)(nil)
)
