package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	// DefaultSyncCooldown throttles manual syncs per athlete and provider.
	DefaultSyncCooldown = 5 * time.Minute

	// DefaultBackfillWindow is how far back the post-connect backfill reaches.
	DefaultBackfillWindow = 30 * 24 * time.Hour

	// DefaultManualSyncWindow is the fetch range of an on-demand sync.
	DefaultManualSyncWindow = 7 * 24 * time.Hour

	defaultBackfillLimit   = 200
	defaultManualSyncLimit = 100
	detachedTaskTimeout    = 2 * time.Minute
)

// WebhookDisposition is the outcome of an accepted webhook delivery.
type WebhookDisposition string

const (
	WebhookAccepted WebhookDisposition = "accepted"
	WebhookIgnored  WebhookDisposition = "ignored"
)

// ConnectionStatus is one row of the athlete's integration overview.
type ConnectionStatus struct {
	Provider   ProviderID `json:"provider"`
	Connected  bool       `json:"connected"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
}

// StatusReport is the integration overview plus queue depth.
type StatusReport struct {
	Connections     []ConnectionStatus `json:"connections"`
	QueuePending    int                `json:"queue_pending"`
	QueueProcessing int                `json:"queue_processing"`
}

// ServiceConfig wires the orchestrator's collaborators.
type ServiceConfig struct {
	Registry   Registry
	Signer     StateSigner
	Cipher     TokenCipher
	Tokens     *TokenManager
	Accounts   AccountStore
	Jobs       WebhookJobStore
	History    SyncHistoryStore
	Normalizer Normalizer
	Logger     Logger

	SyncCooldown time.Duration
	Now          func() time.Time
}

// Service orchestrates the OAuth lifecycle, webhook intake, and manual
// syncs. It is the only writer of connected accounts.
type Service struct {
	registry   Registry
	signer     StateSigner
	cipher     TokenCipher
	tokens     *TokenManager
	accounts   AccountStore
	jobs       WebhookJobStore
	history    SyncHistoryStore
	normalizer Normalizer
	logger     Logger

	cooldown time.Duration
	now      func() time.Time

	// In-process cooldown gate keyed by athlete+provider. A replicated
	// deployment throttles per instance, which is acceptable for a
	// convenience limit.
	syncMu    sync.Mutex
	lastSyncs map[string]time.Time

	detached sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("core: adapter registry is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("core: state signer is required")
	}
	if cfg.Cipher == nil {
		return nil, fmt.Errorf("core: token cipher is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("core: token manager is required")
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("core: account store is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("core: webhook job store is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("core: sync history store is required")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("core: normalizer is required")
	}

	service := &Service{
		registry:   cfg.Registry,
		signer:     cfg.Signer,
		cipher:     cfg.Cipher,
		tokens:     cfg.Tokens,
		accounts:   cfg.Accounts,
		jobs:       cfg.Jobs,
		history:    cfg.History,
		normalizer: cfg.Normalizer,
		logger:     glog.Ensure(cfg.Logger),
		cooldown:   cfg.SyncCooldown,
		now:        cfg.Now,
		lastSyncs:  map[string]time.Time{},
	}
	if service.cooldown <= 0 {
		service.cooldown = DefaultSyncCooldown
	}
	if service.now == nil {
		service.now = func() time.Time { return time.Now().UTC() }
	}
	return service, nil
}

// AuthorizationURL signs the CSRF state and delegates URL construction to
// the adapter. Providers that cannot authorize yet surface as unavailable.
func (s *Service) AuthorizationURL(ctx context.Context, provider string, principal Principal) (string, error) {
	startedAt := s.now()
	fields := map[string]any{"provider": provider, "athlete_id": principal.AthleteID}

	authURL, err := s.authorizationURL(provider, principal)
	s.observeOperation(ctx, startedAt, "build_authorization_url", err, fields)
	return authURL, err
}

func (s *Service) authorizationURL(provider string, principal Principal) (string, error) {
	if err := principal.Validate(); err != nil {
		return "", mapError(err)
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", mapError(err)
	}
	state, err := s.signer.Create(principal.AthleteID)
	if err != nil {
		return "", mapError(err)
	}
	authURL := adapter.BuildAuthURL(state)
	if strings.TrimSpace(authURL) == "" {
		return "", NewProviderUnavailable(adapter.Provider(), "authorization is not available")
	}
	return authURL, nil
}

// CompleteCallback finishes the OAuth round trip: verify state, exchange
// the code, store encrypted tokens, and kick off a detached 30-day backfill
// so the user sees "connected" without waiting for history.
func (s *Service) CompleteCallback(ctx context.Context, provider string, state string, code string) (ProviderID, error) {
	startedAt := s.now()
	fields := map[string]any{"provider": provider}

	providerID, err := s.completeCallback(ctx, provider, state, code, fields)
	s.observeOperation(ctx, startedAt, "complete_oauth_callback", err, fields)
	return providerID, err
}

func (s *Service) completeCallback(ctx context.Context, provider string, state string, code string, fields map[string]any) (ProviderID, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", mapError(err)
	}

	athleteID, ok := s.signer.Verify(state)
	if !ok {
		return "", NewOAuthStateInvalid("state verification failed")
	}
	fields["athlete_id"] = athleteID

	grant, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return "", mapError(err)
	}

	accessCiphertext, err := s.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		return "", mapError(err)
	}
	refreshCiphertext := ""
	if grant.RefreshToken != "" {
		refreshCiphertext, err = s.cipher.Encrypt(grant.RefreshToken)
		if err != nil {
			return "", mapError(err)
		}
	}

	account, err := s.accounts.Upsert(ctx, ConnectedAccount{
		AthleteID:    athleteID,
		Provider:     adapter.Provider(),
		AccessToken:  accessCiphertext,
		RefreshToken: refreshCiphertext,
		TokenExpires: grant.ExpiresAt,
		ProviderUID:  grant.ProviderUserID,
		Scopes:       grant.Scopes,
	})
	if err != nil {
		return "", mapError(err)
	}

	s.dispatch("initial_backfill", map[string]any{
		"provider":   adapter.Provider().String(),
		"athlete_id": athleteID,
	}, func(taskCtx context.Context) {
		s.runBackfill(taskCtx, adapter, account)
	})

	return adapter.Provider(), nil
}

// runBackfill pulls the last 30 days of activities plus one health snapshot
// for a freshly connected account. Best effort: failures are logged and
// recorded in sync history, never surfaced to the connect response.
func (s *Service) runBackfill(ctx context.Context, adapter Adapter, account ConnectedAccount) {
	startedAt := s.now()

	accessToken, err := s.tokens.EnsureFreshToken(ctx, adapter, account)
	if err != nil {
		s.recordSync(ctx, account, SyncEventBackfill, IngestResult{}, err, startedAt)
		return
	}

	since := s.now().Add(-DefaultBackfillWindow)
	activities, err := adapter.FetchActivities(ctx, accessToken, since, defaultBackfillLimit)
	if err != nil {
		s.recordSync(ctx, account, SyncEventBackfill, IngestResult{}, err, startedAt)
		return
	}

	metrics := s.fetchHealthSnapshot(ctx, adapter, accessToken, account)

	result, err := s.normalizer.NormalizeAndStore(ctx, activities, metrics, account.AthleteID, account.ClubID)
	if err != nil {
		s.recordSync(ctx, account, SyncEventBackfill, result, err, startedAt)
		return
	}

	if err := s.accounts.TouchLastSync(ctx, account.ID, s.now()); err != nil {
		s.logError(ctx, "last sync update failed", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
	s.recordSync(ctx, account, SyncEventBackfill, result, nil, startedAt)
}

// SyncNow fetches the last 7 days on demand, throttled per athlete and
// provider by the cooldown window.
func (s *Service) SyncNow(ctx context.Context, provider string, principal Principal) (IngestResult, error) {
	startedAt := s.now()
	fields := map[string]any{"provider": provider, "athlete_id": principal.AthleteID}

	result, err := s.syncNow(ctx, provider, principal)
	s.observeOperation(ctx, startedAt, "manual_sync", err, fields)
	return result, err
}

func (s *Service) syncNow(ctx context.Context, provider string, principal Principal) (IngestResult, error) {
	if err := principal.Validate(); err != nil {
		return IngestResult{}, mapError(err)
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return IngestResult{}, mapError(err)
	}

	if wait, limited := s.checkCooldown(principal.AthleteID, adapter.Provider()); limited {
		return IngestResult{}, NewRateLimited(adapter.Provider(), wait)
	}

	account, accessToken, err := s.tokens.ActiveConnection(ctx, adapter, principal.AthleteID)
	if err != nil {
		return IngestResult{}, mapError(err)
	}

	startedAt := s.now()
	since := s.now().Add(-DefaultManualSyncWindow)
	activities, err := adapter.FetchActivities(ctx, accessToken, since, defaultManualSyncLimit)
	if err != nil {
		s.recordSync(ctx, account, SyncEventManual, IngestResult{}, err, startedAt)
		return IngestResult{}, mapError(err)
	}

	metrics := s.fetchHealthSnapshot(ctx, adapter, accessToken, account)

	result, err := s.normalizer.NormalizeAndStore(ctx, activities, metrics, account.AthleteID, account.ClubID)
	if err != nil {
		s.recordSync(ctx, account, SyncEventManual, result, err, startedAt)
		return IngestResult{}, mapError(err)
	}

	if err := s.accounts.TouchLastSync(ctx, account.ID, s.now()); err != nil {
		s.logError(ctx, "last sync update failed", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
	s.recordSync(ctx, account, SyncEventManual, result, nil, startedAt)
	s.markSynced(principal.AthleteID, adapter.Provider())
	return result, nil
}

// Disconnect revokes remote access on a best-effort basis and always
// removes the local connection; a dead remote session must never trap the
// athlete in a connected state.
func (s *Service) Disconnect(ctx context.Context, provider string, principal Principal) error {
	startedAt := s.now()
	fields := map[string]any{"provider": provider, "athlete_id": principal.AthleteID}

	err := s.disconnect(ctx, provider, principal)
	s.observeOperation(ctx, startedAt, "disconnect", err, fields)
	return err
}

func (s *Service) disconnect(ctx context.Context, provider string, principal Principal) error {
	if err := principal.Validate(); err != nil {
		return mapError(err)
	}
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return mapError(err)
	}

	_, accessToken, err := s.tokens.ActiveConnection(ctx, adapter, principal.AthleteID)
	switch {
	case err == nil:
		if revokeErr := adapter.RevokeAccess(ctx, accessToken); revokeErr != nil {
			s.logError(ctx, "remote revoke failed", map[string]any{
				"provider":   adapter.Provider().String(),
				"athlete_id": principal.AthleteID,
				"error":      revokeErr.Error(),
			})
		}
	case IsNotConnected(err):
		return err
	default:
		// Token trouble must not block the local disconnect.
		s.logError(ctx, "token resolution failed during disconnect", map[string]any{
			"provider":   adapter.Provider().String(),
			"athlete_id": principal.AthleteID,
			"error":      err.Error(),
		})
	}

	if err := s.accounts.Delete(ctx, principal.AthleteID, adapter.Provider()); err != nil {
		return mapError(err)
	}
	return nil
}

// IngestWebhook verifies and acknowledges one delivery. Verified events an
// adapter filters out are acknowledged as ignored; everything else is
// durably enqueued for the poller.
func (s *Service) IngestWebhook(ctx context.Context, provider string, headers map[string]string, body []byte) (WebhookDisposition, error) {
	startedAt := s.now()
	fields := map[string]any{"provider": provider}

	disposition, err := s.ingestWebhook(ctx, provider, headers, body)
	fields["disposition"] = string(disposition)
	s.observeOperation(ctx, startedAt, "ingest_webhook", err, fields)
	return disposition, err
}

func (s *Service) ingestWebhook(ctx context.Context, provider string, headers map[string]string, body []byte) (WebhookDisposition, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", mapError(err)
	}

	if !adapter.VerifyWebhook(headers, body) {
		return "", NewWebhookRejected(adapter.Provider())
	}

	var event map[string]any
	if len(body) > 0 {
		if decodeErr := json.Unmarshal(body, &event); decodeErr != nil {
			return "", NewWebhookRejected(adapter.Provider())
		}
	}

	if filter, ok := adapter.(EventFilter); ok && !filter.ShouldProcess(event) {
		return WebhookIgnored, nil
	}

	if _, err := s.jobs.Enqueue(ctx, adapter.Provider(), event); err != nil {
		return "", mapError(err)
	}
	return WebhookAccepted, nil
}

// Status reports the athlete's connections and the queue depth.
func (s *Service) Status(ctx context.Context, principal Principal) (StatusReport, error) {
	if err := principal.Validate(); err != nil {
		return StatusReport{}, mapError(err)
	}

	accounts, err := s.accounts.ListByAthlete(ctx, principal.AthleteID)
	if err != nil {
		return StatusReport{}, mapError(err)
	}
	connected := map[ProviderID]ConnectedAccount{}
	for _, account := range accounts {
		connected[account.Provider] = account
	}

	report := StatusReport{Connections: []ConnectionStatus{}}
	for _, name := range s.registry.Names() {
		providerID := ProviderID(name)
		status := ConnectionStatus{Provider: providerID}
		if account, ok := connected[providerID]; ok {
			status.Connected = true
			status.LastSyncAt = account.LastSyncAt
			status.Scopes = append([]string(nil), account.Scopes...)
		}
		report.Connections = append(report.Connections, status)
	}

	pending, processing, err := s.jobs.Depth(ctx)
	if err != nil {
		return StatusReport{}, mapError(err)
	}
	report.QueuePending = pending
	report.QueueProcessing = processing
	return report, nil
}

// History lists recent sync history entries, optionally narrowed to one
// provider.
func (s *Service) History(ctx context.Context, principal Principal, provider string, limit int) ([]SyncHistoryEntry, error) {
	if err := principal.Validate(); err != nil {
		return nil, mapError(err)
	}
	providerID := ProviderID("")
	if strings.TrimSpace(provider) != "" {
		parsed, err := ParseProviderID(provider)
		if err != nil {
			return nil, NewProviderNotFound(provider)
		}
		providerID = parsed
	}
	entries, err := s.history.List(ctx, principal.AthleteID, providerID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	return entries, nil
}

func (s *Service) fetchHealthSnapshot(ctx context.Context, adapter Adapter, accessToken string, account ConnectedAccount) []NormalizedHealthMetric {
	fetcher, ok := adapter.(HealthFetcher)
	if !ok {
		return nil
	}
	metrics, err := fetcher.FetchHealthData(ctx, accessToken, s.now())
	if err != nil {
		s.logError(ctx, "health data fetch failed", map[string]any{
			"provider":   adapter.Provider().String(),
			"athlete_id": account.AthleteID,
			"error":      err.Error(),
		})
		return nil
	}
	return metrics
}

func (s *Service) recordSync(ctx context.Context, account ConnectedAccount, eventType SyncEventType, result IngestResult, cause error, startedAt time.Time) {
	entry := SyncHistoryEntry{
		AthleteID:     account.AthleteID,
		Provider:      account.Provider,
		EventType:     eventType,
		Status:        SyncStatusSuccess,
		WorkoutsAdded: result.WorkoutsInserted,
		MetricsAdded:  result.MetricsInserted,
		DurationMs:    s.now().Sub(startedAt).Milliseconds(),
	}
	if cause != nil {
		entry.Status = SyncStatusFailed
		entry.ErrorMessage = cause.Error()
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logError(ctx, "sync history append failed", map[string]any{
			"athlete_id": account.AthleteID,
			"provider":   account.Provider.String(),
			"error":      err.Error(),
		})
	}
}

func (s *Service) checkCooldown(athleteID string, provider ProviderID) (time.Duration, bool) {
	key := athleteID + "/" + provider.String()
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	last, ok := s.lastSyncs[key]
	if !ok {
		return 0, false
	}
	elapsed := s.now().Sub(last)
	if elapsed >= s.cooldown {
		return 0, false
	}
	return s.cooldown - elapsed, true
}

func (s *Service) markSynced(athleteID string, provider ProviderID) {
	key := athleteID + "/" + provider.String()
	s.syncMu.Lock()
	s.lastSyncs[key] = s.now()
	s.syncMu.Unlock()
}

// dispatch runs a named detached task with panic isolation. The name and
// fields identify the task in logs when it fails out-of-band.
func (s *Service) dispatch(name string, fields map[string]any, task func(ctx context.Context)) {
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logError(context.Background(), "detached task panicked", map[string]any{
					"task":  name,
					"panic": fmt.Sprint(recovered),
				})
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), detachedTaskTimeout)
		defer cancel()
		task(ctx)
	}()
}

// WaitDetached blocks until in-flight detached tasks finish. Shutdown and
// tests use it; request paths never should.
func (s *Service) WaitDetached() {
	if s == nil {
		return
	}
	s.detached.Wait()
}
