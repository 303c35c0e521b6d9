package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// DefaultRefreshBuffer is the safety window before expiry inside which a
// token is refreshed rather than used.
const DefaultRefreshBuffer = 5 * time.Minute

// TokenManager resolves a usable plaintext access token for a connected
// account, refreshing and re-encrypting when the stored token is near
// expiry. Refreshes are not locked: two callers racing a near-expiry token
// may both refresh and the last write wins, which providers tolerate within
// a short reuse window.
type TokenManager struct {
	cipher   TokenCipher
	accounts AccountStore
	logger   Logger
	now      func() time.Time
	buffer   time.Duration
}

type TokenManagerOption func(*TokenManager)

func WithRefreshBuffer(buffer time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if buffer > 0 {
			m.buffer = buffer
		}
	}
}

func WithTokenClock(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewTokenManager(cipher TokenCipher, accounts AccountStore, logger Logger, opts ...TokenManagerOption) (*TokenManager, error) {
	if cipher == nil {
		return nil, fmt.Errorf("core: token cipher is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("core: account store is required")
	}
	manager := &TokenManager{
		cipher:   cipher,
		accounts: accounts,
		logger:   glog.Ensure(logger),
		now:      func() time.Time { return time.Now().UTC() },
		buffer:   DefaultRefreshBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// EnsureFreshToken returns a plaintext access token for the account. A nil
// expiry means the provider's tokens never expire; otherwise the token is
// used as-is until it is within the refresh buffer of expiring, then
// refreshed through the adapter and persisted re-encrypted.
func (m *TokenManager) EnsureFreshToken(ctx context.Context, adapter Adapter, account ConnectedAccount) (string, error) {
	if m == nil {
		return "", fmt.Errorf("core: token manager is not configured")
	}
	if adapter == nil {
		return "", fmt.Errorf("core: adapter is required")
	}

	access, err := m.reveal(account.AccessToken)
	if err != nil {
		return "", fmt.Errorf("core: decrypt access token for %s: %w", account.Provider, err)
	}

	if account.TokenExpires == nil {
		return access, nil
	}
	if account.TokenExpires.After(m.now().Add(m.buffer)) {
		return access, nil
	}

	refresh, err := m.reveal(account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("core: decrypt refresh token for %s: %w", account.Provider, err)
	}
	if refresh == "" {
		return "", NewReconnectRequired(account.Provider)
	}

	grant, err := adapter.RefreshToken(ctx, refresh)
	if err != nil {
		return "", err
	}

	accessCiphertext, err := m.cipher.Encrypt(grant.AccessToken)
	if err != nil {
		return "", fmt.Errorf("core: encrypt refreshed access token: %w", err)
	}
	nextRefresh := grant.RefreshToken
	if nextRefresh == "" {
		nextRefresh = refresh
	}
	refreshCiphertext, err := m.cipher.Encrypt(nextRefresh)
	if err != nil {
		return "", fmt.Errorf("core: encrypt refreshed refresh token: %w", err)
	}

	if err := m.accounts.UpdateTokens(ctx, account.ID, accessCiphertext, refreshCiphertext, grant.ExpiresAt); err != nil {
		return "", fmt.Errorf("core: persist refreshed tokens: %w", err)
	}

	m.logger.Info("refreshed provider token",
		"provider", account.Provider.String(),
		"account_id", account.ID,
		"athlete_id", account.AthleteID,
	)
	return grant.AccessToken, nil
}

// ActiveConnection looks up the athlete's account for the adapter's provider
// and resolves a fresh access token for it in one step.
func (m *TokenManager) ActiveConnection(ctx context.Context, adapter Adapter, athleteID string) (ConnectedAccount, string, error) {
	if m == nil {
		return ConnectedAccount{}, "", fmt.Errorf("core: token manager is not configured")
	}
	if adapter == nil {
		return ConnectedAccount{}, "", fmt.Errorf("core: adapter is required")
	}

	account, err := m.accounts.GetByAthlete(ctx, athleteID, adapter.Provider())
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ConnectedAccount{}, "", NewNotConnected(adapter.Provider(), athleteID)
		}
		return ConnectedAccount{}, "", err
	}

	access, err := m.EnsureFreshToken(ctx, adapter, account)
	if err != nil {
		return ConnectedAccount{}, "", err
	}
	return account, access, nil
}

// reveal decrypts a stored token, tolerating legacy rows that still hold
// plaintext from before encryption at rest was introduced.
func (m *TokenManager) reveal(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !m.cipher.LooksEncrypted(stored) {
		return stored, nil
	}
	return m.cipher.Decrypt(stored)
}
