package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/podiumlab/tri-integrations/core"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*core.WebhookJob
	now  func() time.Time
	seq  int
}

func newMemJobs(now func() time.Time) *memJobs {
	return &memJobs{jobs: map[string]*core.WebhookJob{}, now: now}
}

func (m *memJobs) Enqueue(_ context.Context, provider core.ProviderID, event map[string]any) (core.WebhookJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	job := &core.WebhookJob{
		ID:          fmt.Sprintf("job-%d", m.seq),
		Provider:    provider,
		EventData:   event,
		Status:      core.WebhookJobPending,
		MaxAttempts: core.DefaultWebhookMaxAttempts,
	}
	m.jobs[job.ID] = job
	return *job, nil
}

func (m *memJobs) ClaimBatch(_ context.Context, limit int, visibility time.Duration) ([]core.WebhookJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	claimed := []core.WebhookJob{}
	for _, job := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		if job.Status != core.WebhookJobPending {
			continue
		}
		if job.NextAttemptAt != nil && job.NextAttemptAt.After(now) {
			continue
		}
		job.Status = core.WebhookJobProcessing
		until := now.Add(visibility)
		job.ClaimedUntil = &until
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (m *memJobs) MarkDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("memJobs: unknown job %s", id)
	}
	job.Status = core.WebhookJobDone
	return nil
}

func (m *memJobs) Fail(_ context.Context, id string, cause error, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("memJobs: unknown job %s", id)
	}
	job.Attempts++
	job.LastError = cause.Error()
	if job.Attempts >= job.MaxAttempts {
		job.Status = core.WebhookJobFailed
		return nil
	}
	job.Status = core.WebhookJobPending
	job.NextAttemptAt = &nextAttemptAt
	return nil
}

func (m *memJobs) Depth(context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, processing := 0, 0
	for _, job := range m.jobs {
		switch job.Status {
		case core.WebhookJobPending:
			pending++
		case core.WebhookJobProcessing:
			processing++
		}
	}
	return pending, processing, nil
}

func (m *memJobs) get(id string) core.WebhookJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

type plainCipher struct{}

func (plainCipher) Encrypt(s string) (string, error) { return "enc:" + s, nil }
func (plainCipher) Decrypt(s string) (string, error) {
	return strings.TrimPrefix(s, "enc:"), nil
}
func (plainCipher) LooksEncrypted(s string) bool { return strings.HasPrefix(s, "enc:") }

type pollerAccounts struct {
	core.AccountStore

	byUID   map[string]core.ConnectedAccount
	touched []string
}

func (a *pollerAccounts) GetByProviderUID(_ context.Context, provider core.ProviderID, providerUID string) (core.ConnectedAccount, error) {
	account, ok := a.byUID[provider.String()+"/"+providerUID]
	if !ok {
		return core.ConnectedAccount{}, core.ErrAccountNotFound
	}
	return account, nil
}

func (a *pollerAccounts) TouchLastSync(_ context.Context, id string, _ time.Time) error {
	a.touched = append(a.touched, id)
	return nil
}

type pollerAdapter struct {
	core.Adapter

	provider   core.ProviderID
	fetchCalls int
	fetchErr   error
	panics     bool
	mu         sync.Mutex
}

func (a *pollerAdapter) Provider() core.ProviderID {
	return a.provider
}

func (a *pollerAdapter) ExtractOwnerID(event map[string]any) string {
	owner, _ := event["owner_id"].(string)
	return owner
}

func (a *pollerAdapter) ExtractActivityID(event map[string]any) string {
	id, _ := event["activity_id"].(string)
	return id
}

func (a *pollerAdapter) FetchActivity(_ context.Context, _ string, activityID string) (core.NormalizedActivity, error) {
	a.mu.Lock()
	a.fetchCalls++
	a.mu.Unlock()
	if a.panics {
		panic("malformed payload")
	}
	if a.fetchErr != nil {
		return core.NormalizedActivity{}, a.fetchErr
	}
	return core.NormalizedActivity{
		Type:      core.ActivityRun,
		Source:    a.provider,
		StartedAt: time.Now().UTC(),
		DurationS: 1800,
	}, nil
}

func (a *pollerAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchCalls
}

type countingNormalizer struct {
	calls int
	mu    sync.Mutex
}

func (n *countingNormalizer) NormalizeAndStore(_ context.Context, activities []core.NormalizedActivity, metrics []core.NormalizedHealthMetric, _ string, _ string) (core.IngestResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return core.IngestResult{WorkoutsInserted: len(activities), MetricsInserted: len(metrics)}, nil
}

type memHistory struct {
	mu      sync.Mutex
	entries []core.SyncHistoryEntry
}

func (h *memHistory) Append(_ context.Context, entry core.SyncHistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

func (h *memHistory) List(context.Context, string, core.ProviderID, int) ([]core.SyncHistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.SyncHistoryEntry(nil), h.entries...), nil
}

type fixture struct {
	jobs       *memJobs
	accounts   *pollerAccounts
	adapter    *pollerAdapter
	normalizer *countingNormalizer
	history    *memHistory
	poller     *Poller
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }

	adapter := &pollerAdapter{provider: core.ProviderStrava}
	registry := core.NewAdapterRegistry()
	if err := registry.Register(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	accounts := &pollerAccounts{byUID: map[string]core.ConnectedAccount{
		"strava/4817711": {
			ID:          "acct-1",
			AthleteID:   "ath-1",
			ClubID:      "club-1",
			Provider:    core.ProviderStrava,
			AccessToken: "plaintext-access",
		},
	}}
	tokens, err := core.NewTokenManager(plainCipher{}, accounts, nil)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}

	jobs := newMemJobs(nowFn)
	normalizer := &countingNormalizer{}
	history := &memHistory{}

	poller, err := NewPoller(Config{
		Jobs:       jobs,
		Registry:   registry,
		Tokens:     tokens,
		Normalizer: normalizer,
		Accounts:   accounts,
		History:    history,
		Now:        nowFn,
		RetryDelay: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}

	return &fixture{
		jobs:       jobs,
		accounts:   accounts,
		adapter:    adapter,
		normalizer: normalizer,
		history:    history,
		poller:     poller,
		clock:      clock,
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func TestDrainProcessesJobToCompletion(t *testing.T) {
	f := newFixture(t)
	job, _ := f.jobs.Enqueue(context.Background(), core.ProviderStrava, map[string]any{
		"owner_id":    "4817711",
		"activity_id": "99887766",
	})

	f.poller.Drain(context.Background())

	if got := f.jobs.get(job.ID).Status; got != core.WebhookJobDone {
		t.Fatalf("expected done, got %s", got)
	}
	if f.adapter.calls() != 1 {
		t.Fatalf("expected one fetch, got %d", f.adapter.calls())
	}
	if f.normalizer.calls != 1 {
		t.Fatalf("expected one normalize call, got %d", f.normalizer.calls)
	}
	if len(f.accounts.touched) != 1 || f.accounts.touched[0] != "acct-1" {
		t.Fatalf("expected last-sync touch for acct-1, got %v", f.accounts.touched)
	}
	if len(f.history.entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(f.history.entries))
	}
	entry := f.history.entries[0]
	if entry.Status != core.SyncStatusSuccess || entry.EventType != core.SyncEventWebhook {
		t.Fatalf("unexpected history entry %+v", entry)
	}
	if entry.AthleteID != "ath-1" || entry.WorkoutsAdded != 1 {
		t.Fatalf("unexpected history entry %+v", entry)
	}
}

func TestDrainUnknownAccountIsSkipNotFailure(t *testing.T) {
	f := newFixture(t)
	job, _ := f.jobs.Enqueue(context.Background(), core.ProviderStrava, map[string]any{
		"owner_id":    "gone-user",
		"activity_id": "1",
	})

	f.poller.Drain(context.Background())

	stored := f.jobs.get(job.ID)
	if stored.Status != core.WebhookJobDone {
		t.Fatalf("expected skip to ack the job, got %s", stored.Status)
	}
	if stored.Attempts != 0 {
		t.Fatalf("expected no failure attempts, got %d", stored.Attempts)
	}
	if f.adapter.calls() != 0 {
		t.Fatal("expected no fetch for a disconnected account")
	}
	if len(f.history.entries) != 0 {
		t.Fatalf("expected no history without an athlete, got %d", len(f.history.entries))
	}
}

func TestDrainRetriesThenTerminallyFails(t *testing.T) {
	f := newFixture(t)
	f.adapter.fetchErr = fmt.Errorf("strava is down")
	job, _ := f.jobs.Enqueue(context.Background(), core.ProviderStrava, map[string]any{
		"owner_id":    "4817711",
		"activity_id": "1",
	})

	// Drive the clock past each retry delay; the job gets its bounded
	// attempts and not one more.
	for i := 0; i < 6; i++ {
		f.poller.Drain(context.Background())
		f.advance(time.Minute)
	}

	stored := f.jobs.get(job.ID)
	if stored.Status != core.WebhookJobFailed {
		t.Fatalf("expected terminal failure, got %s", stored.Status)
	}
	if stored.Attempts != core.DefaultWebhookMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", core.DefaultWebhookMaxAttempts, stored.Attempts)
	}
	if f.adapter.calls() != core.DefaultWebhookMaxAttempts {
		t.Fatalf("expected exactly %d fetches, got %d", core.DefaultWebhookMaxAttempts, f.adapter.calls())
	}
	if stored.LastError == "" || !strings.Contains(stored.LastError, "strava is down") {
		t.Fatalf("expected recorded cause, got %q", stored.LastError)
	}

	// The terminal failure is the only history entry.
	if len(f.history.entries) != 1 {
		t.Fatalf("expected one failed history entry, got %d", len(f.history.entries))
	}
	if f.history.entries[0].Status != core.SyncStatusFailed {
		t.Fatalf("expected failed status, got %s", f.history.entries[0].Status)
	}
}

func TestDrainRetryWaitsForNextAttemptAt(t *testing.T) {
	f := newFixture(t)
	f.adapter.fetchErr = fmt.Errorf("transient")
	f.jobs.Enqueue(context.Background(), core.ProviderStrava, map[string]any{
		"owner_id":    "4817711",
		"activity_id": "1",
	})

	f.poller.Drain(context.Background())
	if f.adapter.calls() != 1 {
		t.Fatalf("expected first attempt, got %d", f.adapter.calls())
	}

	// Still inside the retry delay; the job is not yet due.
	f.advance(10 * time.Second)
	f.poller.Drain(context.Background())
	if f.adapter.calls() != 1 {
		t.Fatalf("expected no attempt before next_attempt_at, got %d", f.adapter.calls())
	}

	f.advance(30 * time.Second)
	f.poller.Drain(context.Background())
	if f.adapter.calls() != 2 {
		t.Fatalf("expected second attempt once due, got %d", f.adapter.calls())
	}
}

func TestDrainSurvivesPanic(t *testing.T) {
	f := newFixture(t)
	f.adapter.panics = true
	job, _ := f.jobs.Enqueue(context.Background(), core.ProviderStrava, map[string]any{
		"owner_id":    "4817711",
		"activity_id": "1",
	})

	f.poller.Drain(context.Background())

	stored := f.jobs.get(job.ID)
	if stored.Attempts != 1 {
		t.Fatalf("expected panic to count as a failed attempt, got %d", stored.Attempts)
	}
	if !strings.Contains(stored.LastError, "panic") {
		t.Fatalf("expected panic recorded as cause, got %q", stored.LastError)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.poller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.poller.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	f.poller.Stop()
	f.poller.Stop()

	// Restartable after a stop.
	if err := f.poller.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.poller.Stop()
}
