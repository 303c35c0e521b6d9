// Package queue drains the durable webhook job table. Claiming is atomic
// with a visibility timeout so replicated pollers never double-process a
// job; a crashed worker's jobs become reclaimable when the timeout lapses.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/podiumlab/tri-integrations/core"
)

const (
	DefaultPollInterval      = 3 * time.Second
	DefaultBatchSize         = 10
	DefaultVisibilityTimeout = 60 * time.Second
	DefaultRetryDelay        = 30 * time.Second
)

type Config struct {
	Jobs       core.WebhookJobStore
	Registry   core.Registry
	Tokens     *core.TokenManager
	Normalizer core.Normalizer
	Accounts   core.AccountStore
	History    core.SyncHistoryStore
	Logger     core.Logger

	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	RetryDelay        time.Duration
	Now               func() time.Time
}

// Poller owns the claim/process/ack loop. Start and Stop are explicit and
// idempotent; the loop never dies because of a single bad job.
type Poller struct {
	jobs       core.WebhookJobStore
	registry   core.Registry
	tokens     *core.TokenManager
	normalizer core.Normalizer
	accounts   core.AccountStore
	history    core.SyncHistoryStore
	logger     core.Logger

	interval   time.Duration
	batchSize  int
	visibility time.Duration
	retryDelay time.Duration
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewPoller(cfg Config) (*Poller, error) {
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("queue: webhook job store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("queue: adapter registry is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("queue: token manager is required")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("queue: normalizer is required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("queue: account store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("queue: sync history store is required")
	}

	poller := &Poller{
		jobs:       cfg.Jobs,
		registry:   cfg.Registry,
		tokens:     cfg.Tokens,
		normalizer: cfg.Normalizer,
		accounts:   cfg.Accounts,
		history:    cfg.History,
		logger:     glog.Ensure(cfg.Logger),
		interval:   cfg.PollInterval,
		batchSize:  cfg.BatchSize,
		visibility: cfg.VisibilityTimeout,
		retryDelay: cfg.RetryDelay,
		now:        cfg.Now,
	}
	if poller.interval <= 0 {
		poller.interval = DefaultPollInterval
	}
	if poller.batchSize <= 0 {
		poller.batchSize = DefaultBatchSize
	}
	if poller.visibility <= 0 {
		poller.visibility = DefaultVisibilityTimeout
	}
	if poller.retryDelay <= 0 {
		poller.retryDelay = DefaultRetryDelay
	}
	if poller.now == nil {
		poller.now = func() time.Time { return time.Now().UTC() }
	}
	return poller, nil
}

// Start launches the polling loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("queue: poller is not configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})

	go p.loop(loopCtx, p.stopped)
	p.logger.Info("webhook poller started",
		"interval_ms", p.interval.Milliseconds(),
		"batch_size", p.batchSize,
	)
	return nil
}

// Stop cancels the loop and blocks until it drains. Safe to call on a
// stopped poller.
func (p *Poller) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel := p.cancel
	stopped := p.stopped
	p.cancel = nil
	p.stopped = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Info("webhook poller stopped")
}

func (p *Poller) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain claims one batch and processes it, waiting for every job to settle.
// Exposed so manual triggers and tests can run a cycle without the ticker.
func (p *Poller) Drain(ctx context.Context) {
	jobs, err := p.jobs.ClaimBatch(ctx, p.batchSize, p.visibility)
	if err != nil {
		p.logger.Error("webhook batch claim failed", "error", err.Error())
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job core.WebhookJob) {
			defer wg.Done()
			p.handle(ctx, job)
		}(job)
	}
	wg.Wait()
}

// handle settles one claimed job: done on success or skip, retry or
// terminal failure otherwise. A panic in the pipeline is converted into the
// failure path so the loop survives malformed events.
func (p *Poller) handle(ctx context.Context, job core.WebhookJob) {
	startedAt := p.now()

	outcome, err := p.safeProcess(ctx, job)
	duration := p.now().Sub(startedAt).Milliseconds()

	if err != nil {
		p.settleFailure(ctx, job, outcome, err, duration)
		return
	}

	if markErr := p.jobs.MarkDone(ctx, job.ID); markErr != nil {
		p.logger.Error("webhook job ack failed", "job_id", job.ID, "error", markErr.Error())
	}
	p.appendHistory(ctx, job, outcome, nil, duration)
	p.logger.Info("webhook job processed",
		"job_id", job.ID,
		"provider", job.Provider.String(),
		"status", string(outcome.status),
		"workouts_inserted", outcome.result.WorkoutsInserted,
		"metrics_inserted", outcome.result.MetricsInserted,
		"duration_ms", duration,
	)
}

type jobOutcome struct {
	status    core.SyncStatus
	athleteID string
	result    core.IngestResult
}

func (p *Poller) safeProcess(ctx context.Context, job core.WebhookJob) (outcome jobOutcome, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("queue: panic processing job %s: %v", job.ID, recovered)
		}
	}()
	return p.process(ctx, job)
}

func (p *Poller) process(ctx context.Context, job core.WebhookJob) (jobOutcome, error) {
	adapter, err := p.registry.Get(job.Provider.String())
	if err != nil {
		return jobOutcome{status: core.SyncStatusFailed}, err
	}

	ownerID := adapter.ExtractOwnerID(job.EventData)
	if ownerID == "" {
		return jobOutcome{status: core.SyncStatusFailed}, fmt.Errorf("queue: event carries no owner id")
	}
	activityID := adapter.ExtractActivityID(job.EventData)

	account, err := p.accounts.GetByProviderUID(ctx, job.Provider, ownerID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			// The account disconnected between event emission and delivery.
			return jobOutcome{status: core.SyncStatusSkipped}, nil
		}
		return jobOutcome{status: core.SyncStatusFailed}, err
	}

	outcome := jobOutcome{status: core.SyncStatusFailed, athleteID: account.AthleteID}

	accessToken, err := p.tokens.EnsureFreshToken(ctx, adapter, account)
	if err != nil {
		return outcome, err
	}

	var activities []core.NormalizedActivity
	if activityID != "" {
		activity, err := adapter.FetchActivity(ctx, accessToken, activityID)
		if err != nil {
			return outcome, err
		}
		activities = append(activities, activity)
	}

	var metrics []core.NormalizedHealthMetric
	if fetcher, ok := adapter.(core.HealthFetcher); ok {
		metrics, err = fetcher.FetchHealthData(ctx, accessToken, p.now())
		if err != nil {
			// Health data is a bonus on webhook syncs; its absence never
			// fails the job.
			p.logger.Error("health data fetch failed",
				"provider", job.Provider.String(),
				"athlete_id", account.AthleteID,
				"error", err.Error(),
			)
			metrics = nil
		}
	}

	result, err := p.normalizer.NormalizeAndStore(ctx, activities, metrics, account.AthleteID, account.ClubID)
	if err != nil {
		return outcome, err
	}

	if err := p.accounts.TouchLastSync(ctx, account.ID, p.now()); err != nil {
		p.logger.Error("last sync update failed",
			"account_id", account.ID,
			"error", err.Error(),
		)
	}

	outcome.status = core.SyncStatusSuccess
	outcome.result = result
	return outcome, nil
}

func (p *Poller) settleFailure(ctx context.Context, job core.WebhookJob, outcome jobOutcome, cause error, duration int64) {
	nextAttempt := p.now().Add(p.retryDelay)
	if failErr := p.jobs.Fail(ctx, job.ID, cause, nextAttempt); failErr != nil {
		p.logger.Error("webhook job fail-path update failed", "job_id", job.ID, "error", failErr.Error())
	}

	terminal := job.Attempts+1 >= job.MaxAttempts
	if terminal {
		p.logger.Error("webhook job permanently failed",
			"job_id", job.ID,
			"provider", job.Provider.String(),
			"attempts", job.Attempts+1,
			"error", cause.Error(),
		)
		p.appendHistory(ctx, job, outcome, cause, duration)
		return
	}

	p.logger.Error("webhook job failed, scheduling retry",
		"job_id", job.ID,
		"provider", job.Provider.String(),
		"attempts", job.Attempts+1,
		"next_attempt_at", nextAttempt,
		"error", cause.Error(),
	)
}

func (p *Poller) appendHistory(ctx context.Context, job core.WebhookJob, outcome jobOutcome, cause error, duration int64) {
	if outcome.athleteID == "" {
		// Nothing to pin the entry to before the account was resolved.
		return
	}
	entry := core.SyncHistoryEntry{
		AthleteID:     outcome.athleteID,
		Provider:      job.Provider,
		EventType:     core.SyncEventWebhook,
		Status:        outcome.status,
		WorkoutsAdded: outcome.result.WorkoutsInserted,
		MetricsAdded:  outcome.result.MetricsInserted,
		DurationMs:    duration,
	}
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	if err := p.history.Append(ctx, entry); err != nil {
		p.logger.Error("sync history append failed", "job_id", job.ID, "error", err.Error())
	}
}
